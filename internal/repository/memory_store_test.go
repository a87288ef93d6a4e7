package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/uniform-check/internal/decision"
)

func TestClockIsStrictlyIncreasing(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := &Clock{now: func() time.Time { return fixed }}

	first := c.Now()
	second := c.Now()
	third := c.Now()
	if !second.After(first) || !third.After(second) {
		t.Fatalf("expected strictly increasing timestamps, got %v %v %v", first, second, third)
	}
	if second.Sub(first) != Resolution {
		t.Fatalf("expected a %v step on collision, got %v", Resolution, second.Sub(first))
	}

	// A clock stepping backwards still moves forward.
	c.now = func() time.Time { return fixed.Add(-time.Hour) }
	if fourth := c.Now(); !fourth.After(third) {
		t.Fatalf("expected %v after %v", fourth, third)
	}
}

func TestMemoryStoreAppendAssignsIdentityAndTime(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	event, err := store.Append(ctx, EventDraft{SubjectID: "S1", Label: decision.Compliant, Confidence: 0.91, Source: "upload"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.EventID == "" || event.ID == 0 || event.CreatedAt.IsZero() {
		t.Fatalf("expected identity and timestamp, got %+v", event)
	}
	if event.IsCompliant != (event.Label == string(decision.Compliant)) {
		t.Fatalf("is_compliant disagrees with label: %+v", event)
	}

	found, err := store.FindByEventID(ctx, event.EventID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *found != *event {
		t.Fatalf("expected %+v, got %+v", event, found)
	}

	if _, err := store.FindByEventID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreLabelAndComplianceNeverDisagree(t *testing.T) {
	store := NewMemoryStore()
	for _, label := range []decision.Label{decision.Compliant, decision.NonCompliant} {
		event, err := store.Append(context.Background(), EventDraft{SubjectID: "S1", Label: label, Confidence: 0.5})
		if err != nil {
			t.Fatal(err)
		}
		if event.IsCompliant != (label == decision.Compliant) {
			t.Fatalf("label %s stored with is_compliant=%v", label, event.IsCompliant)
		}
	}
}

func TestMemoryStoreRejectsInvalidDrafts(t *testing.T) {
	store := NewMemoryStore()
	for _, draft := range []EventDraft{
		{Label: decision.Compliant},
		{SubjectID: "S1", Label: "uniform"},
		{SubjectID: "S1", Label: decision.Compliant, Confidence: 1.5},
	} {
		if _, err := store.Append(context.Background(), draft); !errors.Is(err, ErrInvalidDraft) {
			t.Fatalf("expected ErrInvalidDraft for %+v, got %v", draft, err)
		}
	}
}

func TestMemoryStoreQueryRecentNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var appended []*DetectionEvent
	for i := 0; i < 3; i++ {
		e, err := store.Append(ctx, EventDraft{SubjectID: "S1", Label: decision.Compliant, Confidence: 0.5})
		if err != nil {
			t.Fatal(err)
		}
		appended = append(appended, e)
	}
	if _, err := store.Append(ctx, EventDraft{SubjectID: "S2", Label: decision.NonCompliant, Confidence: 0.5}); err != nil {
		t.Fatal(err)
	}

	recent, err := store.QueryRecent(ctx, "S1", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 events, got %d", len(recent))
	}
	for i, want := range []*DetectionEvent{appended[2], appended[1], appended[0]} {
		if recent[i].EventID != want.EventID {
			t.Fatalf("position %d: expected %s, got %s", i, want.EventID, recent[i].EventID)
		}
	}

	limited, err := store.QueryRecent(ctx, "S1", 2)
	if err != nil || len(limited) != 2 || limited[0].EventID != appended[2].EventID {
		t.Fatalf("unexpected limited result %v %v", limited, err)
	}

	again, _ := store.QueryRecent(ctx, "S1", 10)
	if len(again) != 3 {
		t.Fatal("query must be repeatable")
	}

	if _, err := store.QueryRecent(ctx, "S1", 0); !errors.Is(err, ErrInvalidLimit) {
		t.Fatalf("expected ErrInvalidLimit, got %v", err)
	}
}

func TestMemoryStoreConcurrentAppends(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Append(ctx, EventDraft{SubjectID: "S1", Label: decision.Compliant, Confidence: 0.7}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	events, err := store.QueryRecent(ctx, "S1", 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 100 {
		t.Fatalf("expected 100 events, got %d", len(events))
	}
	seen := make(map[string]bool)
	for i, e := range events {
		if seen[e.EventID] {
			t.Fatalf("duplicate event id %s", e.EventID)
		}
		seen[e.EventID] = true
		if i > 0 && !events[i-1].CreatedAt.After(e.CreatedAt) {
			t.Fatalf("created_at not strictly decreasing at %d", i)
		}
		if i > 0 && events[i-1].ID <= e.ID {
			t.Fatalf("insertion order and created_at disagree at %d", i)
		}
	}
}

func TestMemoryStoreScanReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	e, _ := store.Append(ctx, EventDraft{SubjectID: "S1", Label: decision.Compliant, Confidence: 0.5})
	_, _ = store.Append(ctx, EventDraft{SubjectID: "S2", Label: decision.Compliant, Confidence: 0.5})

	var got []*DetectionEvent
	if err := store.Scan(ctx, []string{"S1"}, func(ev *DetectionEvent) error {
		ev.Label = "tampered"
		got = append(got, ev)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].EventID != e.EventID {
		t.Fatalf("expected only S1's event, got %v", got)
	}

	stored, _ := store.FindByEventID(ctx, e.EventID)
	if stored.Label != string(decision.Compliant) {
		t.Fatal("scan callbacks must not be able to mutate the log")
	}

	stop := errors.New("stop")
	if err := store.Scan(ctx, []string{"S1", "S2"}, func(*DetectionEvent) error { return stop }); !errors.Is(err, stop) {
		t.Fatalf("expected callback error to propagate, got %v", err)
	}
}

func TestMemoryStoreListSubjectsFiltersInCreationOrder(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.PutSubject(SubjectProfile{SubjectID: "S2", Department: "CS", Year: "2", CreatedAt: base.Add(time.Hour)})
	store.PutSubject(SubjectProfile{SubjectID: "S1", Department: "CS", Year: "1", CreatedAt: base})
	store.PutSubject(SubjectProfile{SubjectID: "S3", Department: "EE", Year: "1", CreatedAt: base.Add(2 * time.Hour)})

	all, _ := store.ListSubjects(context.Background(), SubjectFilter{})
	if len(all) != 3 || all[0].SubjectID != "S1" || all[1].SubjectID != "S2" || all[2].SubjectID != "S3" {
		t.Fatalf("unexpected order %v", all)
	}

	cs, _ := store.ListSubjects(context.Background(), SubjectFilter{Department: "CS"})
	if len(cs) != 2 {
		t.Fatalf("expected 2 CS subjects, got %v", cs)
	}

	firstYear, _ := store.ListSubjects(context.Background(), SubjectFilter{Year: "1", Department: "EE"})
	if len(firstYear) != 1 || firstYear[0].SubjectID != "S3" {
		t.Fatalf("unexpected filtered result %v", firstYear)
	}
}

func TestLater(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	older := &DetectionEvent{ID: 5, CreatedAt: at}
	newer := &DetectionEvent{ID: 1, CreatedAt: at.Add(time.Second)}
	sameTimeLaterAppend := &DetectionEvent{ID: 6, CreatedAt: at}

	if !Later(newer, older) || Later(older, newer) {
		t.Fatal("expected created_at to dominate")
	}
	if !Later(sameTimeLaterAppend, older) || Later(older, sameTimeLaterAppend) {
		t.Fatal("expected insertion sequence to break timestamp ties")
	}
}
