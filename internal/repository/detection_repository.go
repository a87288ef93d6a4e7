package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/uniform-check/internal/logging"
)

const (
	pgDuplicateKeyCode = "23505"
	scanBatchSize      = 500
	// maxSubjectsPerQuery keeps "subject_id IN ?" well under Postgres'
	// 65535 bind parameter limit.
	maxSubjectsPerQuery = 10000
)

// latestPerSubjectSQL picks one row per subject: newest created_at, then the
// highest insertion sequence when timestamps collide.
const latestPerSubjectSQL = `SELECT DISTINCT ON (subject_id) * FROM detection_events
WHERE subject_id IN ?
ORDER BY subject_id, created_at DESC, id DESC`

// DetectionRepository stores detection events in Postgres through gorm.
type DetectionRepository struct {
	db             *gorm.DB
	clock          *Clock
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	subjectChunk   int
}

// NewDetectionRepository creates a new repository instance.
func NewDetectionRepository(db *gorm.DB, logger *zap.Logger) *DetectionRepository {
	return &DetectionRepository{
		db:             db,
		clock:          NewClock(),
		logger:         logger.Named("detection_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		subjectChunk:   maxSubjectsPerQuery,
	}
}

// AutoMigrate ensures the schema is available.
func (r *DetectionRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&DetectionEvent{}, &SubjectProfile{})
}

// Append inserts a new event. Inserts are never retried: an ambiguous failure
// could otherwise record the same detection twice.
func (r *DetectionRepository) Append(ctx context.Context, draft EventDraft) (*DetectionEvent, error) {
	if err := draft.validate(); err != nil {
		return nil, err
	}
	event := draft.toEvent(uuid.NewString(), r.clock.Now())
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		wrapped := mapError("append", err)
		logging.WithOperation(r.logger, "repository.append", event.EventID).
			Error("failed to append detection event", zap.Error(wrapped), zap.String("subject_id", draft.SubjectID))
		return nil, wrapped
	}
	return event, nil
}

// QueryRecent returns up to limit events for subjectID, newest first.
func (r *DetectionRepository) QueryRecent(ctx context.Context, subjectID string, limit int) ([]*DetectionEvent, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	var events []*DetectionEvent
	err := r.executeWithRetry(ctx, "repository.query_recent", subjectID, func() error {
		events = nil
		return r.recentQuery(ctx, subjectID, limit).Find(&events).Error
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *DetectionRepository) recentQuery(ctx context.Context, subjectID string, limit int) *gorm.DB {
	return r.db.WithContext(ctx).
		Where("subject_id = ?", subjectID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit)
}

// FindByEventID retrieves one event by its public identifier.
func (r *DetectionRepository) FindByEventID(ctx context.Context, eventID string) (*DetectionEvent, error) {
	var event DetectionEvent
	err := r.executeWithRetry(ctx, "repository.find_event", eventID, func() error {
		return r.db.WithContext(ctx).First(&event, "event_id = ?", eventID).Error
	})
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// LatestPerSubject returns the newest event of each listed subject that has any.
func (r *DetectionRepository) LatestPerSubject(ctx context.Context, subjectIDs []string) ([]*DetectionEvent, error) {
	if len(subjectIDs) == 0 {
		return nil, nil
	}
	var events []*DetectionEvent
	for chunk := range slices.Chunk(subjectIDs, r.chunkSize()) {
		var part []*DetectionEvent
		err := r.executeWithRetry(ctx, "repository.latest_per_subject", "", func() error {
			part = nil
			return r.db.WithContext(ctx).Raw(latestPerSubjectSQL, chunk).Find(&part).Error
		})
		if err != nil {
			return nil, err
		}
		events = append(events, part...)
	}
	return events, nil
}

// Scan streams every event of the listed subjects. Each subject's events
// arrive in insertion order.
func (r *DetectionRepository) Scan(ctx context.Context, subjectIDs []string, fn func(*DetectionEvent) error) error {
	for chunk := range slices.Chunk(subjectIDs, r.chunkSize()) {
		var batch []*DetectionEvent
		res := r.db.WithContext(ctx).
			Where("subject_id IN ?", chunk).
			FindInBatches(&batch, scanBatchSize, func(tx *gorm.DB, _ int) error {
				for _, e := range batch {
					if err := fn(e); err != nil {
						return err
					}
				}
				return nil
			})
		if res.Error != nil {
			return mapError("scan", res.Error)
		}
	}
	return nil
}

func (r *DetectionRepository) chunkSize() int {
	if r.subjectChunk <= 0 {
		return maxSubjectsPerQuery
	}
	return r.subjectChunk
}

// ListSubjects implements SubjectDirectory over the subjects table.
func (r *DetectionRepository) ListSubjects(ctx context.Context, filter SubjectFilter) ([]SubjectProfile, error) {
	var subjects []SubjectProfile
	err := r.executeWithRetry(ctx, "repository.list_subjects", "", func() error {
		subjects = nil
		return r.subjectsQuery(ctx, filter).Find(&subjects).Error
	})
	if err != nil {
		return nil, err
	}
	return subjects, nil
}

func (r *DetectionRepository) subjectsQuery(ctx context.Context, filter SubjectFilter) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&SubjectProfile{})
	if filter.Department != "" {
		q = q.Where("department = ?", filter.Department)
	}
	if filter.Year != "" {
		q = q.Where("year = ?", filter.Year)
	}
	if filter.Division != "" {
		q = q.Where("division = ?", filter.Division)
	}
	return q.Order("created_at").Order("subject_id")
}

// executeWithRetry retries read operations on transient errors only.
func (r *DetectionRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, requestID, mapError(operation, err))
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, mapError(operation, err))
}

// mapError translates gorm and Postgres errors into repository errors.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgDuplicateKeyCode {
		return &StorageError{Op: op, Err: fmt.Errorf("%w: %s", ErrDuplicate, pgErr.Message)}
	}
	return &StorageError{Op: op, Err: err}
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
