// Package snapshot provides Cell, the single canonical in-memory copy of a
// service's view of external state, and subscriptions that observe it.
//
// A Cell has one writer (the service's reconciler and command dispatcher) and
// any number of readers. Every write replaces the whole value under one
// critical section, so readers never see a half-applied patch. Subscribers
// are pull based: a slow subscriber skips intermediate values but always
// observes the latest one.
package snapshot

import (
	"context"
	"iter"
	"reflect"
	"sync"
)

// Cloner is implemented by state types that hold slices, maps or pointers
// and therefore need a deep copy before being handed to a reader.
type Cloner[T any] interface {
	Clone() T
}

// Cell holds the current value of T.
type Cell[T any] struct {
	mu      sync.Mutex
	value   T
	version uint64
	changed chan struct{}
}

// New creates a Cell holding initial.
func New[T any](initial T) *Cell[T] {
	return &Cell[T]{
		value:   initial,
		changed: make(chan struct{}),
	}
}

// Get returns a copy of the current value.
func (c *Cell[T]) Get() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return clone(c.value)
}

// Version increments on every accepted write.
func (c *Cell[T]) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Set replaces the value and wakes all subscribers.
func (c *Cell[T]) Set(v T) {
	c.mu.Lock()
	c.value = v
	c.publishLocked()
	c.mu.Unlock()
}

// SetIfChanged replaces the value only when it differs from the current one.
// It reports whether a broadcast happened.
func (c *Cell[T]) SetIfChanged(v T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reflect.DeepEqual(c.value, v) {
		return false
	}
	c.value = v
	c.publishLocked()
	return true
}

// Mutate applies fn to the value in place and wakes all subscribers.
func (c *Cell[T]) Mutate(fn func(*T)) {
	c.mu.Lock()
	fn(&c.value)
	c.publishLocked()
	c.mu.Unlock()
}

// Update applies fn in place and broadcasts only if fn returns true.
// fn must not leave the value modified when it returns false.
func (c *Cell[T]) Update(fn func(*T) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !fn(&c.value) {
		return false
	}
	c.publishLocked()
	return true
}

func (c *Cell[T]) publishLocked() {
	c.version++
	close(c.changed)
	c.changed = make(chan struct{})
}

// Subscribe returns a new independent subscription. The first Next call
// yields the current value.
func (c *Cell[T]) Subscribe() *Subscription[T] {
	return &Subscription[T]{cell: c}
}

// Watch drives a subscription on its own goroutine and delivers values on
// the returned channel until ctx is done.
func (c *Cell[T]) Watch(ctx context.Context) <-chan T {
	out := make(chan T)
	sub := c.Subscribe()
	go func() {
		defer close(out)
		for {
			v, err := sub.Next(ctx)
			if err != nil {
				return
			}
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Subscription observes one Cell. It is not safe for concurrent use;
// create one subscription per consumer.
type Subscription[T any] struct {
	cell    *Cell[T]
	seen    uint64
	started bool
}

// Next blocks until the cell holds a value this subscription has not yet
// returned, then returns a copy of it.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	c := s.cell
	for {
		c.mu.Lock()
		if !s.started || c.version != s.seen {
			s.started = true
			s.seen = c.version
			v := clone(c.value)
			c.mu.Unlock()
			return v, nil
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Values yields successive values until ctx is done or the loop breaks.
// Breaking and ranging again resumes from the latest value.
func (s *Subscription[T]) Values(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			v, err := s.Next(ctx)
			if err != nil {
				return
			}
			if !yield(v) {
				return
			}
		}
	}
}

func clone[T any](v T) T {
	if c, ok := any(v).(Cloner[T]); ok {
		return c.Clone()
	}
	return v
}
