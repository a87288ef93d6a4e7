// Package aggregate computes each subject's latest detection from the log at
// read time. Nothing here is stored, so a status can never drift from the log.
package aggregate

import (
	"context"
	"time"

	"github.com/example/uniform-check/internal/repository"
)

// Status is the latest detection of one subject.
type Status struct {
	SubjectID       string
	EventID         string
	LastLabel       string
	LastIsCompliant bool
	LastConfidence  float64
	LastAt          time.Time
}

// Scanner streams the events of a set of subjects, in any order.
type Scanner interface {
	Scan(ctx context.Context, subjectIDs []string, fn func(*repository.DetectionEvent) error) error
}

// Grouper is implemented by stores that can select the latest event per
// subject natively. It must apply the same tie-break as Later.
type Grouper interface {
	LatestPerSubject(ctx context.Context, subjectIDs []string) ([]*repository.DetectionEvent, error)
}

// Aggregator answers latest-status queries over a detection log.
type Aggregator struct {
	source Scanner
}

// New returns an Aggregator reading from source.
func New(source Scanner) *Aggregator {
	return &Aggregator{source: source}
}

// LatestPerSubject returns a status for every requested subject that has at
// least one event. Subjects without events are absent from the map.
func (a *Aggregator) LatestPerSubject(ctx context.Context, subjectIDs []string) (map[string]Status, error) {
	ids := dedupe(subjectIDs)
	if len(ids) == 0 {
		return map[string]Status{}, nil
	}

	if g, ok := a.source.(Grouper); ok {
		events, err := g.LatestPerSubject(ctx, ids)
		if err != nil {
			return nil, err
		}
		return Reduce(events), nil
	}

	var events []*repository.DetectionEvent
	err := a.source.Scan(ctx, ids, func(e *repository.DetectionEvent) error {
		events = append(events, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return Reduce(events), nil
}

// Latest returns one subject's status, or false if it has no events.
func (a *Aggregator) Latest(ctx context.Context, subjectID string) (Status, bool, error) {
	statuses, err := a.LatestPerSubject(ctx, []string{subjectID})
	if err != nil {
		return Status{}, false, err
	}
	s, ok := statuses[subjectID]
	return s, ok, nil
}

// Reduce groups events by subject and keeps the winner of each group
// according to repository.Later. Input order does not matter.
func Reduce(events []*repository.DetectionEvent) map[string]Status {
	winners := make(map[string]*repository.DetectionEvent)
	for _, e := range events {
		if cur, ok := winners[e.SubjectID]; !ok || repository.Later(e, cur) {
			winners[e.SubjectID] = e
		}
	}
	out := make(map[string]Status, len(winners))
	for id, e := range winners {
		out[id] = Status{
			SubjectID:       id,
			EventID:         e.EventID,
			LastLabel:       e.Label,
			LastIsCompliant: e.IsCompliant,
			LastConfidence:  e.Confidence,
			LastAt:          e.CreatedAt,
		}
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
