package repository

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is a process-local detection log and subject directory, used
// when no database is configured and in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	clock    *Clock
	seq      uint
	events   []DetectionEvent
	byID     map[string]int
	subjects []SubjectProfile
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{clock: NewClock(), byID: make(map[string]int)}
}

// Append implements DetectionLog.
func (s *MemoryStore) Append(ctx context.Context, draft EventDraft) (*DetectionEvent, error) {
	if err := draft.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	event := draft.toEvent(uuid.NewString(), s.clock.Now())
	event.ID = s.seq
	s.byID[event.EventID] = len(s.events)
	s.events = append(s.events, *event)
	return event, nil
}

// QueryRecent implements DetectionLog.
func (s *MemoryStore) QueryRecent(ctx context.Context, subjectID string, limit int) ([]*DetectionEvent, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var out []*DetectionEvent
	for i := range s.events {
		if s.events[i].SubjectID == subjectID {
			e := s.events[i]
			out = append(out, &e)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, newestFirst)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FindByEventID implements DetectionLog.
func (s *MemoryStore) FindByEventID(ctx context.Context, eventID string) (*DetectionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	e := s.events[i]
	return &e, nil
}

// Scan calls fn with a copy of every event of the listed subjects, oldest append first.
func (s *MemoryStore) Scan(ctx context.Context, subjectIDs []string, fn func(*DetectionEvent) error) error {
	want := make(map[string]struct{}, len(subjectIDs))
	for _, id := range subjectIDs {
		want[id] = struct{}{}
	}

	s.mu.RLock()
	snapshot := make([]DetectionEvent, 0, len(s.events))
	for _, e := range s.events {
		if _, ok := want[e.SubjectID]; ok {
			snapshot = append(snapshot, e)
		}
	}
	s.mu.RUnlock()

	for i := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(&snapshot[i]); err != nil {
			return err
		}
	}
	return nil
}

// PutSubject adds or replaces a subject record. The directory is normally
// owned elsewhere; this exists for local runs and tests.
func (s *MemoryStore) PutSubject(p SubjectProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.clock.Now()
	}
	for i := range s.subjects {
		if s.subjects[i].SubjectID == p.SubjectID {
			s.subjects[i] = p
			return
		}
	}
	s.subjects = append(s.subjects, p)
}

// ListSubjects implements SubjectDirectory.
func (s *MemoryStore) ListSubjects(ctx context.Context, filter SubjectFilter) ([]SubjectProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []SubjectProfile
	for _, p := range s.subjects {
		if filter.Matches(p) {
			out = append(out, p)
		}
	}
	slices.SortStableFunc(out, func(a, b SubjectProfile) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

// newestFirst orders by created_at then insertion sequence, both descending.
func newestFirst(a, b *DetectionEvent) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	switch {
	case a.ID > b.ID:
		return -1
	case a.ID < b.ID:
		return 1
	}
	return 0
}
