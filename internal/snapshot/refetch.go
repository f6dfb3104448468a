package snapshot

import (
	"context"
	"reflect"
)

// maxRefetch bounds how often Refetch repeats a fetch that raced a write.
const maxRefetch = 3

// UpdateAt is Update guarded by a version previously read with Version. fn
// only runs if no write was accepted since then. held reports whether the
// guard held; changed whether a broadcast happened.
func (c *Cell[T]) UpdateAt(version uint64, fn func(*T) bool) (changed, held bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.version != version {
		return false, false
	}
	if !fn(&c.value) {
		return false, true
	}
	c.publishLocked()
	return true, true
}

// Refetch stores the result of a full fetch without rolling back writes that
// landed while the fetch was in flight. If the cell moved during fetch the
// result is discarded and fetched again. After maxRefetch lost races the
// cell is left to the writers that keep beating the fetch.
func Refetch[T any](ctx context.Context, c *Cell[T], fetch func(context.Context) (T, error), apply func(cur *T, fresh T) bool) error {
	for range maxRefetch {
		version := c.Version()
		fresh, err := fetch(ctx)
		if err != nil {
			return err
		}
		if _, held := c.UpdateAt(version, func(cur *T) bool { return apply(cur, fresh) }); held {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Replace is the apply func for plain replacement: it swaps in fresh unless
// it equals the current value.
func Replace[T any](cur *T, fresh T) bool {
	if reflect.DeepEqual(*cur, fresh) {
		return false
	}
	*cur = fresh
	return true
}
