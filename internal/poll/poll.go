// Package poll drives sources that cannot push changes. A fetch runs on a
// fixed interval and its result is published only when it differs from the
// current snapshot.
package poll

import (
	"context"
	"time"

	"go.uber.org/zap"

	"shellstate/internal/clock"
	"shellstate/internal/snapshot"
)

// Fetch reads one full value from the source.
type Fetch[T any] func(ctx context.Context) (T, error)

// Once fetches and publishes if the value changed. It reports whether a
// broadcast happened. A result that raced another write, such as an
// optimistic command patch, is dropped; the next poll reads again.
func Once[T any](ctx context.Context, cell *snapshot.Cell[T], fetch Fetch[T]) (bool, error) {
	return Patch(ctx, cell, fetch, snapshot.Replace[T])
}

// Patch is Once for a source that owns only part of the snapshot. apply
// merges the fetched value and reports whether anything changed.
func Patch[T, V any](ctx context.Context, cell *snapshot.Cell[T], fetch Fetch[V], apply func(cur *T, v V) bool) (bool, error) {
	version := cell.Version()
	v, err := fetch(ctx)
	if err != nil {
		return false, err
	}
	changed, _ := cell.UpdateAt(version, func(cur *T) bool {
		return apply(cur, v)
	})
	return changed, nil
}

// Loop calls Once every interval until ctx is done. Fetch errors are
// transient: they are logged and the next tick retries.
func Loop[T any](ctx context.Context, clk clock.Clock, interval time.Duration, logger *zap.Logger, cell *snapshot.Cell[T], fetch Fetch[T]) error {
	return LoopPatch(ctx, clk, interval, logger, cell, fetch, snapshot.Replace[T])
}

// LoopPatch is Loop with Patch.
func LoopPatch[T, V any](ctx context.Context, clk clock.Clock, interval time.Duration, logger *zap.Logger, cell *snapshot.Cell[T], fetch Fetch[V], apply func(cur *T, v V) bool) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-clk.After(interval):
		}

		changed, err := Patch(ctx, cell, fetch, apply)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("Poll failed", zap.Error(err))
			continue
		}
		if changed {
			logger.Debug("Poll observed a change", zap.Uint64("version", cell.Version()))
		}
	}
}
