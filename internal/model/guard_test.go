package model

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/uniform-check/internal/classifier"
	"github.com/example/uniform-check/internal/tensor"
)

type stubClassifier struct {
	closed bool
}

func (s *stubClassifier) Classify(context.Context, *tensor.Tensor) ([]float32, error) {
	return []float32{0.9, 0.1}, nil
}
func (s *stubClassifier) NumLabels() int { return 2 }
func (s *stubClassifier) Close() error   { s.closed = true; return nil }

func waitTerminal(t *testing.T, g *Guard) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, err := g.Wait(ctx)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	return state
}

func TestTryAcquireBeforeLoadFails(t *testing.T) {
	g := NewGuard(func(context.Context) (classifier.Classifier, error) {
		return &stubClassifier{}, nil
	}, zap.NewNop())

	_, err := g.TryAcquire()
	var notReady *NotReadyError
	if !errors.As(err, &notReady) || notReady.State != NotLoaded {
		t.Fatalf("expected NotReadyError{NOT_LOADED}, got %v", err)
	}
	if !errors.Is(err, ErrNotReady) {
		t.Fatal("expected errors.Is(err, ErrNotReady)")
	}
	if _, err := g.Wait(context.Background()); err == nil {
		t.Fatal("expected Wait to refuse before BeginLoad")
	}
}

func TestLoadingRejectsUntilReady(t *testing.T) {
	release := make(chan struct{})
	stub := &stubClassifier{}
	var transitions []State
	var mu sync.Mutex

	g := NewGuard(func(context.Context) (classifier.Classifier, error) {
		<-release
		return stub, nil
	}, zap.NewNop(), func(s State) {
		mu.Lock()
		transitions = append(transitions, s)
		mu.Unlock()
	})

	g.BeginLoad(context.Background())
	g.BeginLoad(context.Background())

	for i := 0; i < 50; i++ {
		_, err := g.TryAcquire()
		var notReady *NotReadyError
		if !errors.As(err, &notReady) || notReady.State != Loading {
			t.Fatalf("expected NotReadyError{LOADING}, got %v", err)
		}
	}

	close(release)
	if state := waitTerminal(t, g); state != Ready {
		t.Fatalf("expected READY, got %s", state)
	}

	for i := 0; i < 50; i++ {
		c, err := g.TryAcquire()
		if err != nil {
			t.Fatalf("expected acquire to succeed, got %v", err)
		}
		if c != stub {
			t.Fatal("expected published handle")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 2 || transitions[0] != Loading || transitions[1] != Ready {
		t.Fatalf("unexpected transitions %v", transitions)
	}

	if err := g.Close(); err != nil || !stub.closed {
		t.Fatalf("expected classifier closed, err=%v", err)
	}
}

func TestFailedLoadNeverRecovers(t *testing.T) {
	loadErr := errors.New("model file missing")
	calls := 0
	g := NewGuard(func(context.Context) (classifier.Classifier, error) {
		calls++
		return nil, loadErr
	}, zap.NewNop())

	g.BeginLoad(context.Background())
	if state := waitTerminal(t, g); state != Failed {
		t.Fatalf("expected FAILED, got %s", state)
	}

	g.BeginLoad(context.Background())
	for i := 0; i < 10; i++ {
		_, err := g.TryAcquire()
		var notReady *NotReadyError
		if !errors.As(err, &notReady) || notReady.State != Failed {
			t.Fatalf("expected NotReadyError{FAILED}, got %v", err)
		}
		if !errors.Is(err, loadErr) {
			t.Fatalf("expected load failure as cause, got %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected loader to run once, ran %d times", calls)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("closing a failed guard should be a no-op, got %v", err)
	}
}

func TestLoaderPanicAndNilBecomeFailures(t *testing.T) {
	for name, loader := range map[string]Loader{
		"panic": func(context.Context) (classifier.Classifier, error) { panic("boom") },
		"nil":   func(context.Context) (classifier.Classifier, error) { return nil, nil },
	} {
		g := NewGuard(loader, zap.NewNop())
		g.BeginLoad(context.Background())
		if state := waitTerminal(t, g); state != Failed {
			t.Fatalf("%s: expected FAILED, got %s", name, state)
		}
	}
}

func TestConcurrentAcquireDuringLoad(t *testing.T) {
	release := make(chan struct{})
	g := NewGuard(func(context.Context) (classifier.Classifier, error) {
		<-release
		return &stubClassifier{}, nil
	}, zap.NewNop())
	g.BeginLoad(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := g.TryAcquire()
			if err == nil && c == nil {
				t.Error("acquire succeeded with a nil handle")
			}
		}()
	}
	close(release)
	wg.Wait()
	waitTerminal(t, g)
}

func TestCloseDuringLoadReleasesLateClassifier(t *testing.T) {
	release := make(chan struct{})
	stub := &stubClassifier{}
	var loadCtx context.Context
	g := NewGuard(func(ctx context.Context) (classifier.Classifier, error) {
		loadCtx = ctx
		<-release
		return stub, nil
	}, zap.NewNop())
	g.BeginLoad(context.Background())

	if err := g.Close(); err != nil {
		t.Fatalf("close while loading: %v", err)
	}
	close(release)

	if state := waitTerminal(t, g); state != Failed {
		t.Fatalf("expected FAILED after close, got %s", state)
	}
	if !stub.closed {
		t.Fatal("classifier finished after Close was never released")
	}
	if loadCtx.Err() == nil {
		t.Fatal("expected Close to cancel the load context")
	}
	_, err := g.TryAcquire()
	if !errors.Is(err, ErrNotReady) || !errors.Is(err, ErrClosed) {
		t.Fatalf("expected not ready with ErrClosed, got %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
}

func TestStateString(t *testing.T) {
	for state, want := range map[State]string{
		NotLoaded: "NOT_LOADED",
		Loading:   "LOADING",
		Ready:     "READY",
		Failed:    "FAILED",
	} {
		if state.String() != want {
			t.Fatalf("expected %s, got %s", want, state.String())
		}
	}
}
