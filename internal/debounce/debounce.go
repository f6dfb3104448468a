// Package debounce coalesces bursts of raw change notifications into a
// single reconciliation pass.
package debounce

import (
	"context"
	"time"

	"shellstate/internal/clock"
)

// DefaultWindow is the collection window used by bursty bus sources.
const DefaultWindow = 200 * time.Millisecond

// Batch is one coalesced burst.
type Batch[E any] struct {
	Events []E
	// Topology is set when a topology event cut the window short.
	Topology bool
	// Closed is set when the event stream ended during collection.
	Closed bool
}

// Collect gathers events following first for one window. Events already
// queued when the window closes are included. A topology event ends the
// window immediately.
func Collect[E any](ctx context.Context, clk clock.Clock, window time.Duration, first E, events <-chan E, isTopology func(E) bool) Batch[E] {
	batch := Batch[E]{Events: []E{first}}
	if isTopology != nil && isTopology(first) {
		batch.Topology = true
		return batch
	}

	timeout := clk.After(window)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				batch.Closed = true
				return batch
			}
			batch.Events = append(batch.Events, ev)
			if isTopology != nil && isTopology(ev) {
				batch.Topology = true
				return batch
			}
		case <-timeout:
			return drain(batch, events, isTopology)
		case <-ctx.Done():
			return batch
		}
	}
}

func drain[E any](batch Batch[E], events <-chan E, isTopology func(E) bool) Batch[E] {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				batch.Closed = true
				return batch
			}
			batch.Events = append(batch.Events, ev)
			if isTopology != nil && isTopology(ev) {
				batch.Topology = true
			}
		default:
			return batch
		}
	}
}

// Run reads events until the stream closes or ctx is done, calling
// reconcile once per coalesced burst. It returns false when the stream
// closed and true when ctx ended it. A burst is always reconciled before
// a closed stream is reported.
func Run[E any](ctx context.Context, clk clock.Clock, window time.Duration, events <-chan E, isTopology func(E) bool, reconcile func(Batch[E])) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case first, ok := <-events:
			if !ok {
				return false
			}
			batch := Collect(ctx, clk, window, first, events, isTopology)
			reconcile(batch)
			if batch.Closed {
				return false
			}
		}
	}
}
