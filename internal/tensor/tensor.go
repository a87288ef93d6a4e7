// Package tensor provides request-scoped float32 buffers. Every Tensor handed
// out by an Allocator must be released exactly once; the allocator keeps a
// count of outstanding tensors so leaks show up in metrics and tests.
package tensor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrReleased is returned when a released tensor is used.
var ErrReleased = errors.New("tensor: already released")

// Tensor is a dense float32 buffer with a shape.
type Tensor struct {
	shape    []int64
	data     []float32
	alloc    *Allocator
	released atomic.Bool
}

// Shape returns a copy of the tensor's dimensions.
func (t *Tensor) Shape() []int64 {
	out := make([]int64, len(t.shape))
	copy(out, t.shape)
	return out
}

// Data exposes the underlying buffer. It must not be retained after Release.
func (t *Tensor) Data() []float32 {
	return t.data
}

// Len is the number of elements.
func (t *Tensor) Len() int {
	return len(t.data)
}

// Release returns the buffer to its allocator. Calling it more than once is a no-op.
func (t *Tensor) Release() {
	if t == nil || !t.released.CompareAndSwap(false, true) {
		return
	}
	t.alloc.put(t)
}

// Released reports whether Release has been called.
func (t *Tensor) Released() bool {
	return t.released.Load()
}

// Allocator hands out tensors backed by pooled buffers.
type Allocator struct {
	pools       sync.Map // element count -> *sync.Pool
	outstanding atomic.Int64
}

// NewAllocator returns an empty allocator.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// New allocates a zeroed tensor with the given shape.
func (a *Allocator) New(shape ...int64) (*Tensor, error) {
	n, err := elements(shape)
	if err != nil {
		return nil, err
	}
	buf := a.pool(n).Get().(*[]float32)
	data := *buf
	clear(data)
	a.outstanding.Add(1)
	return &Tensor{shape: append([]int64(nil), shape...), data: data, alloc: a}, nil
}

// Outstanding reports how many tensors have been allocated but not released.
func (a *Allocator) Outstanding() int64 {
	return a.outstanding.Load()
}

func (a *Allocator) put(t *Tensor) {
	data := t.data
	t.data = nil
	a.pool(len(data)).Put(&data)
	a.outstanding.Add(-1)
}

func (a *Allocator) pool(n int) *sync.Pool {
	if p, ok := a.pools.Load(n); ok {
		return p.(*sync.Pool)
	}
	p, _ := a.pools.LoadOrStore(n, &sync.Pool{New: func() any {
		buf := make([]float32, n)
		return &buf
	}})
	return p.(*sync.Pool)
}

func elements(shape []int64) (int, error) {
	if len(shape) == 0 {
		return 0, errors.New("tensor: empty shape")
	}
	n := int64(1)
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("tensor: invalid dimension %d in shape %v", d, shape)
		}
		n *= d
	}
	return int(n), nil
}
