package snapshot

import "context"

// Source is a type-erased read view of a Cell, used by transports that
// handle every service uniformly.
type Source interface {
	Current() any
	Changes(ctx context.Context) <-chan any
}

type erased[T any] struct {
	cell *Cell[T]
}

// Erase returns a Source backed by c.
func (c *Cell[T]) Erase() Source {
	return erased[T]{cell: c}
}

func (e erased[T]) Current() any {
	return e.cell.Get()
}

func (e erased[T]) Changes(ctx context.Context) <-chan any {
	out := make(chan any)
	in := e.cell.Watch(ctx)
	go func() {
		defer close(out)
		for v := range in {
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
