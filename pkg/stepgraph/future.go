package stepgraph

import "context"

// Future is a one-shot, generic result slot (spec.md §4.G "barrier" step
// shape: a later step blocks on an earlier one's Future until it
// resolves).
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) resolve(val T, err error) {
	f.val = val
	f.err = err
	close(f.done)
}

// Wait blocks until f resolves or ctx is cancelled, whichever comes first.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Join waits for every future in fs, in order, stopping at the first
// error (spec.md §4.G "barrier"). Partial results already resolved before
// the error are discarded; callers that need them should Wait individually.
func Join[T any](ctx context.Context, fs []*Future[T]) ([]T, error) {
	results := make([]T, len(fs))
	for i, f := range fs {
		val, err := f.Wait(ctx)
		if err != nil {
			return nil, err
		}
		results[i] = val
	}
	return results, nil
}
