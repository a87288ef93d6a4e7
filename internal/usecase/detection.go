package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/uniform-check/internal/aggregate"
	"github.com/example/uniform-check/internal/classifier"
	"github.com/example/uniform-check/internal/decision"
	"github.com/example/uniform-check/internal/logging"
	"github.com/example/uniform-check/internal/metrics"
	"github.com/example/uniform-check/internal/report"
	"github.com/example/uniform-check/internal/repository"
	"github.com/example/uniform-check/internal/tensor"
)

// ErrInvalidSubject is returned when a request carries no subject id.
var ErrInvalidSubject = errors.New("subject id required")

// Normalizer turns upload bytes into a model input tensor.
type Normalizer interface {
	Normalize(raw []byte) (*tensor.Tensor, error)
}

// ModelProvider hands out the classifier once it is loaded.
type ModelProvider interface {
	TryAcquire() (classifier.Classifier, error)
}

// Decider maps a probability vector to a label.
type Decider interface {
	Decide(probs []float32) (decision.Decision, error)
}

// DetectionStore is the persistence surface the use case needs.
type DetectionStore interface {
	repository.DetectionLog
	repository.SubjectDirectory
	aggregate.Scanner
}

// Recorder receives pipeline outcomes. *metrics.Manager satisfies it.
type Recorder interface {
	ObserveDetection(label string)
	ObserveRejection(reason string)
	ObserveInference(d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveDetection(string)        {}
func (nopRecorder) ObserveRejection(string)        {}
func (nopRecorder) ObserveInference(time.Duration) {}

// Pipeline groups the stages that run before an event is appended.
type Pipeline struct {
	Normalizer Normalizer
	Models     ModelProvider
	Decider    Decider
}

// DetectionResult is what a successful Detect returns.
type DetectionResult struct {
	Event    *repository.DetectionEvent
	Decision decision.Decision
}

// DetectionUseCase runs the detection pipeline and serves the read paths over the log.
type DetectionUseCase struct {
	pipeline       Pipeline
	store          DetectionStore
	aggregator     *aggregate.Aggregator
	cache          Cache
	recorder       Recorder
	logger         *zap.Logger
	cacheTTL       time.Duration
	recentLimitMax int
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Option customises a DetectionUseCase.
type Option func(*DetectionUseCase)

// WithCache enables the event-by-id cache.
func WithCache(cache Cache, ttl time.Duration) Option {
	return func(uc *DetectionUseCase) {
		if cache != nil {
			uc.cache = cache
		}
		if ttl > 0 {
			uc.cacheTTL = ttl
		}
	}
}

// WithRecorder sets where pipeline outcomes are reported.
func WithRecorder(r Recorder) Option {
	return func(uc *DetectionUseCase) {
		if r != nil {
			uc.recorder = r
		}
	}
}

// WithRecentLimitMax caps the limit accepted by Recent.
func WithRecentLimitMax(max int) Option {
	return func(uc *DetectionUseCase) {
		if max > 0 {
			uc.recentLimitMax = max
		}
	}
}

// NewDetectionUseCase constructs a new use case instance.
func NewDetectionUseCase(pipeline Pipeline, store DetectionStore, logger *zap.Logger, opts ...Option) *DetectionUseCase {
	uc := &DetectionUseCase{
		pipeline:       pipeline,
		store:          store,
		aggregator:     aggregate.New(store),
		cache:          noCache{},
		recorder:       nopRecorder{},
		logger:         logger.Named("detection_usecase"),
		cacheTTL:       10 * time.Minute,
		recentLimitMax: 100,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Detect classifies image for subjectID and appends the outcome. Nothing is
// appended unless a complete decision exists and ctx is still live.
func (uc *DetectionUseCase) Detect(ctx context.Context, subjectID string, image []byte, source string) (*DetectionResult, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.detect", requestID).With(zap.String("subject_id", subjectID))

	if subjectID == "" {
		return nil, logging.NewOperationError("usecase.detect", requestID, ErrInvalidSubject)
	}

	in, err := uc.pipeline.Normalizer.Normalize(image)
	if err != nil {
		uc.recorder.ObserveRejection(metrics.RejectDecode)
		opLogger.Warn("rejected image", zap.Error(err))
		return nil, logging.NewOperationError("usecase.normalize", requestID, err)
	}
	defer in.Release()

	clf, err := uc.pipeline.Models.TryAcquire()
	if err != nil {
		uc.recorder.ObserveRejection(metrics.RejectNotReady)
		opLogger.Warn("model not ready", zap.Error(err))
		return nil, logging.NewOperationError("usecase.acquire_model", requestID, err)
	}

	start := time.Now()
	probs, err := clf.Classify(ctx, in)
	uc.recorder.ObserveInference(time.Since(start))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			uc.recorder.ObserveRejection(metrics.RejectCanceled)
			opLogger.Info("request abandoned during inference", zap.Error(err))
			return nil, logging.NewOperationError("usecase.classify", requestID, ctxErr)
		}
		uc.recorder.ObserveRejection(metrics.RejectInference)
		opLogger.Error("inference failed", zap.Error(err))
		return nil, logging.NewOperationError("usecase.classify", requestID, err)
	}

	dec, err := uc.pipeline.Decider.Decide(probs)
	if err != nil {
		uc.recorder.ObserveRejection(metrics.RejectInference)
		opLogger.Error("decision failed", zap.Error(err))
		return nil, logging.NewOperationError("usecase.decide", requestID, err)
	}

	if err := ctx.Err(); err != nil {
		uc.recorder.ObserveRejection(metrics.RejectCanceled)
		opLogger.Info("request abandoned before append", zap.Error(err))
		return nil, logging.NewOperationError("usecase.detect", requestID, err)
	}

	event, err := uc.store.Append(ctx, repository.EventDraft{
		SubjectID:  subjectID,
		Label:      dec.Label,
		ClassName:  dec.Class,
		Confidence: dec.Confidence,
		Source:     source,
	})
	if err != nil {
		uc.recorder.ObserveRejection(metrics.RejectStorage)
		opLogger.Error("failed to append detection event", zap.Error(err))
		return nil, logging.NewOperationError("usecase.append", requestID, err)
	}
	uc.recorder.ObserveDetection(event.Label)

	uc.cacheEvent(ctx, requestID, event)

	opLogger.Info("detection recorded",
		zap.String("event_id", event.EventID),
		zap.String("label", event.Label),
		zap.Float64("confidence", event.Confidence),
	)
	return &DetectionResult{Event: event, Decision: dec}, nil
}

// Status returns the subject's latest detection, or false if it has none.
func (uc *DetectionUseCase) Status(ctx context.Context, subjectID string) (aggregate.Status, bool, error) {
	status, ok, err := uc.aggregator.Latest(ctx, subjectID)
	if err != nil {
		return aggregate.Status{}, false, logging.NewOperationError("usecase.status", subjectID, err)
	}
	return status, ok, nil
}

// Recent lists up to limit of the subject's events, newest first. Limits above
// the configured maximum are clipped.
func (uc *DetectionUseCase) Recent(ctx context.Context, subjectID string, limit int) ([]*repository.DetectionEvent, error) {
	if limit > uc.recentLimitMax {
		limit = uc.recentLimitMax
	}
	events, err := uc.store.QueryRecent(ctx, subjectID, limit)
	if err != nil {
		return nil, logging.NewOperationError("usecase.recent", subjectID, err)
	}
	return events, nil
}

// GetEvent retrieves a detection event from the cache or the log. Events never
// change once appended, so a cached copy is always current.
func (uc *DetectionUseCase) GetEvent(ctx context.Context, eventID string) (*repository.DetectionEvent, error) {
	cacheKey := eventCacheKey(eventID)
	if cached, err := uc.withRedisGet(ctx, eventID, "cache.get.event", cacheKey); err == nil {
		var event repository.DetectionEvent
		if err := json.Unmarshal([]byte(cached), &event); err != nil {
			logging.WithOperation(uc.logger, "usecase.get_event", eventID).Warn("failed to decode cached event", zap.Error(err))
		} else {
			return &event, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.WithOperation(uc.logger, "usecase.get_event", eventID).Warn("failed to read cache", zap.Error(err))
	}

	event, err := uc.store.FindByEventID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	uc.cacheEvent(ctx, eventID, event)
	return event, nil
}

// Report lists the filtered subjects with their latest status, in subject
// creation order.
func (uc *DetectionUseCase) Report(ctx context.Context, filter repository.SubjectFilter) ([]report.Row, error) {
	subjects, err := uc.store.ListSubjects(ctx, filter)
	if err != nil {
		return nil, logging.NewOperationError("usecase.report.subjects", "", err)
	}
	statuses, err := uc.aggregator.LatestPerSubject(ctx, report.SubjectIDs(subjects))
	if err != nil {
		return nil, logging.NewOperationError("usecase.report.aggregate", "", err)
	}
	return report.Project(subjects, statuses), nil
}

func (uc *DetectionUseCase) cacheEvent(ctx context.Context, requestID string, event *repository.DetectionEvent) {
	serialized, err := json.Marshal(event)
	if err != nil {
		logging.WithOperation(uc.logger, "usecase.cache_event", requestID).Warn("failed to serialize event", zap.Error(err))
		return
	}
	// A cache failure never fails the request; the log already has the event.
	_ = uc.withRedisRetry(ctx, requestID, "cache.set.event", func() error {
		return uc.cache.Set(ctx, eventCacheKey(event.EventID), string(serialized), uc.cacheTTL)
	})
}

func (uc *DetectionUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, requestID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if errors.Is(err, redis.Nil) {
			return logging.NewOperationError(operation, requestID, err)
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *DetectionUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
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
