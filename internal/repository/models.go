package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/uniform-check/internal/decision"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert collides with an existing identity.
	ErrDuplicate = errors.New("duplicate")
	// ErrStorage matches every StorageError.
	ErrStorage = errors.New("storage failure")
	// ErrInvalidLimit is returned for non-positive query limits.
	ErrInvalidLimit = errors.New("limit must be positive")
	// ErrInvalidDraft is returned when a draft cannot become an event.
	ErrInvalidDraft = errors.New("invalid detection draft")
)

// StorageError wraps a backend failure with the store operation that hit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// DetectionEvent is one immutable classification result.
type DetectionEvent struct {
	// ID is the store-assigned insertion sequence; later appends get larger IDs.
	ID          uint      `gorm:"primaryKey"`
	EventID     string    `gorm:"column:event_id;uniqueIndex;size:36"`
	SubjectID   string    `gorm:"column:subject_id;size:64;index:idx_detection_events_subject_created,priority:1"`
	Label       string    `gorm:"column:label;size:32"`
	ClassName   string    `gorm:"column:class_name;size:128"`
	Confidence  float64   `gorm:"column:confidence"`
	IsCompliant bool      `gorm:"column:is_compliant"`
	Source      string    `gorm:"column:source;size:32"`
	CreatedAt   time.Time `gorm:"column:created_at;index:idx_detection_events_subject_created,priority:2,sort:desc"`
}

// TableName overrides the default table name.
func (DetectionEvent) TableName() string {
	return "detection_events"
}

// EventDraft is what callers hand to Append; the store fills in identity and time.
type EventDraft struct {
	SubjectID  string
	Label      decision.Label
	ClassName  string
	Confidence float64
	Source     string
}

func (d EventDraft) validate() error {
	if d.SubjectID == "" {
		return fmt.Errorf("%w: empty subject id", ErrInvalidDraft)
	}
	if !d.Label.Valid() {
		return fmt.Errorf("%w: unknown label %q", ErrInvalidDraft, d.Label)
	}
	if !(d.Confidence >= 0 && d.Confidence <= 1) {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidDraft, d.Confidence)
	}
	return nil
}

// toEvent derives IsCompliant from Label so the two can never disagree.
func (d EventDraft) toEvent(eventID string, createdAt time.Time) *DetectionEvent {
	return &DetectionEvent{
		EventID:     eventID,
		SubjectID:   d.SubjectID,
		Label:       string(d.Label),
		ClassName:   d.ClassName,
		Confidence:  d.Confidence,
		IsCompliant: d.Label == decision.Compliant,
		Source:      d.Source,
		CreatedAt:   createdAt,
	}
}

// DetectionLog is the append-only store of detection events.
type DetectionLog interface {
	Append(ctx context.Context, draft EventDraft) (*DetectionEvent, error)
	// QueryRecent returns up to limit events for subjectID, newest first.
	QueryRecent(ctx context.Context, subjectID string, limit int) ([]*DetectionEvent, error)
	FindByEventID(ctx context.Context, eventID string) (*DetectionEvent, error)
}

// SubjectProfile is a person record owned by the user directory. This service only reads it.
type SubjectProfile struct {
	SubjectID  string    `gorm:"column:subject_id;primaryKey;size:64"`
	Username   string    `gorm:"column:username;size:128"`
	Email      string    `gorm:"column:email;size:255"`
	Department string    `gorm:"column:department;size:128;index"`
	Year       string    `gorm:"column:year;size:16;index"`
	Division   string    `gorm:"column:division;size:16;index"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (SubjectProfile) TableName() string {
	return "subjects"
}

// SubjectFilter narrows a subject listing. Empty fields match everything.
type SubjectFilter struct {
	Department string
	Year       string
	Division   string
}

// Matches reports whether p passes the filter.
func (f SubjectFilter) Matches(p SubjectProfile) bool {
	return (f.Department == "" || f.Department == p.Department) &&
		(f.Year == "" || f.Year == p.Year) &&
		(f.Division == "" || f.Division == p.Division)
}

// SubjectDirectory lists subjects in creation order.
type SubjectDirectory interface {
	ListSubjects(ctx context.Context, filter SubjectFilter) ([]SubjectProfile, error)
}

// Later reports whether a supersedes b: a newer created_at, or the same
// created_at and a later append.
func Later(a, b *DetectionEvent) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
