// Package classifier runs normalized image tensors through the uniform model.
package classifier

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/example/uniform-check/internal/tensor"
)

// Classifier maps an input tensor to a probability vector with one entry per label.
type Classifier interface {
	Classify(ctx context.Context, in *tensor.Tensor) ([]float32, error)
	// NumLabels is the fixed length of every vector Classify returns.
	NumLabels() int
	Close() error
}

// ErrInference matches every InferenceError.
var ErrInference = errors.New("inference failed")

// InferenceError wraps a failure inside the model runtime.
type InferenceError struct {
	Op  string
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed: %s: %v", e.Op, e.Err)
}

func (e *InferenceError) Is(target error) bool {
	return target == ErrInference
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

// CheckShape fails with an InferenceError when in does not have the expected shape.
func CheckShape(in *tensor.Tensor, want []int64) error {
	if in == nil || in.Released() {
		return &InferenceError{Op: "input", Err: tensor.ErrReleased}
	}
	got := in.Shape()
	if len(got) != len(want) {
		return &InferenceError{Op: "input", Err: fmt.Errorf("shape %v, want %v", got, want)}
	}
	for i := range got {
		if got[i] != want[i] {
			return &InferenceError{Op: "input", Err: fmt.Errorf("shape %v, want %v", got, want)}
		}
	}
	return nil
}

// Bounded limits how many Classify calls run at once. A limit of 1 serializes inference.
type Bounded struct {
	Classifier
	sem *semaphore.Weighted
}

// NewBounded wraps c so that at most limit calls run concurrently.
func NewBounded(c Classifier, limit int) *Bounded {
	if limit < 1 {
		limit = 1
	}
	return &Bounded{Classifier: c, sem: semaphore.NewWeighted(int64(limit))}
}

// Classify waits for a slot, honouring ctx cancellation while queued.
func (b *Bounded) Classify(ctx context.Context, in *tensor.Tensor) ([]float32, error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer b.sem.Release(1)
	return b.Classifier.Classify(ctx, in)
}
