// Package model owns the classifier lifecycle. A Guard moves once through
// NOT_LOADED -> LOADING -> READY or NOT_LOADED -> LOADING -> FAILED and only
// hands out the classifier once it is READY.
package model

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/example/uniform-check/internal/classifier"
)

// State is the lifecycle position of the model.
type State int32

const (
	NotLoaded State = iota
	Loading
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case NotLoaded:
		return "NOT_LOADED"
	case Loading:
		return "LOADING"
	case Ready:
		return "READY"
	case Failed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ErrNotReady matches every NotReadyError.
var ErrNotReady = errors.New("model not ready")

// ErrClosed is the load failure recorded when Close runs before loading ends.
var ErrClosed = errors.New("model guard closed")

// NotReadyError is returned by TryAcquire outside the READY state.
type NotReadyError struct {
	State State
	// Cause is the load failure when State is Failed.
	Cause error
}

func (e *NotReadyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("model not ready (state=%s): %v", e.State, e.Cause)
	}
	return fmt.Sprintf("model not ready (state=%s)", e.State)
}

func (e *NotReadyError) Is(target error) bool {
	return target == ErrNotReady
}

func (e *NotReadyError) Unwrap() error {
	return e.Cause
}

// Loader produces the classifier. It runs once, off the request path.
type Loader func(ctx context.Context) (classifier.Classifier, error)

// Observer is told about every state transition.
type Observer func(State)

// Guard gates access to the loaded classifier.
type Guard struct {
	loader    Loader
	logger    *zap.Logger
	observers []Observer

	state   atomic.Int32
	handle  atomic.Pointer[classifier.Classifier]
	failure atomic.Pointer[error]
	done    chan struct{}

	// mu orders publishing the handle against Close.
	mu         sync.Mutex
	closed     bool
	cancelLoad context.CancelFunc
}

// NewGuard returns a guard in NOT_LOADED.
func NewGuard(loader Loader, logger *zap.Logger, observers ...Observer) *Guard {
	return &Guard{
		loader:    loader,
		logger:    logger.Named("model_guard"),
		observers: observers,
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (g *Guard) State() State {
	return State(g.state.Load())
}

// BeginLoad starts the asynchronous load. Only the first call has any effect.
func (g *Guard) BeginLoad(ctx context.Context) {
	if !g.state.CompareAndSwap(int32(NotLoaded), int32(Loading)) {
		return
	}
	g.notify(Loading)

	ctx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.cancelLoad = cancel
	g.mu.Unlock()
	go g.load(ctx)
}

func (g *Guard) load(ctx context.Context) {
	defer close(g.done)
	start := time.Now()

	c, err := g.run(ctx)
	if err != nil {
		g.fail(err, start)
		return
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		if cerr := c.Close(); cerr != nil {
			g.logger.Warn("failed to release model loaded after close", zap.Error(cerr))
		}
		g.fail(ErrClosed, start)
		return
	}
	// The handle is published before the state so any reader that sees READY sees the handle.
	g.handle.Store(&c)
	g.state.Store(int32(Ready))
	g.mu.Unlock()

	g.logger.Info("model ready", zap.Duration("elapsed", time.Since(start)))
	g.notify(Ready)
}

func (g *Guard) fail(err error, start time.Time) {
	g.failure.Store(&err)
	g.state.Store(int32(Failed))
	g.logger.Error("model load failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
	g.notify(Failed)
}

func (g *Guard) run(ctx context.Context) (c classifier.Classifier, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("model loader panicked: %v", r)
		}
	}()
	c, err = g.loader(ctx)
	if err == nil && c == nil {
		err = errors.New("model loader returned no classifier")
	}
	return c, err
}

// TryAcquire returns the classifier if READY. It never blocks.
func (g *Guard) TryAcquire() (classifier.Classifier, error) {
	state := g.State()
	if state != Ready {
		e := &NotReadyError{State: state}
		if state == Failed {
			if cause := g.failure.Load(); cause != nil {
				e.Cause = *cause
			}
		}
		return nil, e
	}
	return *g.handle.Load(), nil
}

// Wait blocks until the load reaches a terminal state or ctx ends. It is meant
// for startup logging and tests; request paths use TryAcquire.
func (g *Guard) Wait(ctx context.Context) (State, error) {
	if g.State() == NotLoaded {
		return NotLoaded, errors.New("model load not started")
	}
	select {
	case <-g.done:
		return g.State(), nil
	case <-ctx.Done():
		return g.State(), ctx.Err()
	}
}

// Close releases the classifier if one was published and cancels a load in
// progress. A classifier that finishes loading after Close is released by the
// loader and never published. Only the first call has any effect.
func (g *Guard) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	cancel := g.cancelLoad
	h := g.handle.Load()
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if h != nil {
		return (*h).Close()
	}
	return nil
}

func (g *Guard) notify(s State) {
	for _, o := range g.observers {
		o(s)
	}
}
