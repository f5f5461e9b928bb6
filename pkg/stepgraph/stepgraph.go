// Package stepgraph implements the concurrent step orchestration primitive
// (spec.md §4.G): named steps with a shared bounded worker pool and
// cooperative cancellation, composed the way the teacher composes
// errgroup.Group.Go calls (pkg/serve/bes/syncer/syncer.go's
// errgroup.WithContext fan-out over index manifests).
package stepgraph

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/containerbuild/engine/pkg/buildkind"
)

// Graph runs named steps concurrently against a shared bounded worker
// pool, cancelling the remaining steps cooperatively as soon as one fails
// (spec.md §5 "Parallel worker pool with cooperative cancellation").
type Graph struct {
	eg  *errgroup.Group
	ctx context.Context
	sem *semaphore.Weighted

	mu  sync.Mutex
	ran map[string]bool
}

// New creates a Graph bound to parent, with at most workerPoolSize steps
// running at once. workerPoolSize <= 0 means unbounded.
func New(parent context.Context, workerPoolSize int) *Graph {
	eg, ctx := errgroup.WithContext(parent)
	var sem *semaphore.Weighted
	if workerPoolSize > 0 {
		sem = semaphore.NewWeighted(int64(workerPoolSize))
	}
	return &Graph{eg: eg, ctx: ctx, sem: sem, ran: make(map[string]bool)}
}

// Context returns the Graph's cancellation-aware context; steps should use
// it (or a context derived from it) for any blocking operation.
func (g *Graph) Context() context.Context { return g.ctx }

func (g *Graph) claim(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ran[name] {
		return fmt.Errorf("step %q already scheduled on this graph", name)
	}
	g.ran[name] = true
	return nil
}

func (g *Graph) acquire(ctx context.Context) error {
	if g.sem == nil {
		return nil
	}
	return g.sem.Acquire(ctx, 1)
}

func (g *Graph) release() {
	if g.sem != nil {
		g.sem.Release(1)
	}
}

// Step schedules fn to run under name, returning a Future that resolves to
// its result. Scheduling the same name twice on one Graph is a programming
// error (spec.md §5 "each step runs at most once").
func Step[T any](g *Graph, name string, fn func(ctx context.Context) (T, error)) *Future[T] {
	fut := newFuture[T]()
	if err := g.claim(name); err != nil {
		fut.resolve(*new(T), err)
		return fut
	}

	g.eg.Go(func() error {
		if err := g.acquire(g.ctx); err != nil {
			fut.resolve(*new(T), err)
			return err
		}
		defer g.release()

		if err := g.ctx.Err(); err != nil {
			fut.resolve(*new(T), err)
			return err
		}

		val, err := fn(g.ctx)
		fut.resolve(val, err)
		if err != nil {
			return &buildkind.StepFailed{Step: name, Err: err}
		}
		return nil
	})
	return fut
}

// FanOut schedules one step per item, deriving each step's name from
// nameOf, and returns one Future per item in the same order (spec.md §4.G
// "fan-out ... step shapes").
func FanOut[T, R any](g *Graph, items []T, nameOf func(T) string, fn func(ctx context.Context, item T) (R, error)) []*Future[R] {
	futures := make([]*Future[R], len(items))
	for i, item := range items {
		item := item
		futures[i] = Step(g, nameOf(item), func(ctx context.Context) (R, error) {
			return fn(ctx, item)
		})
	}
	return futures
}

// Wait blocks until every scheduled step has completed, returning the
// first error any step returned (already wrapped as *buildkind.StepFailed
// by Step), or nil if all succeeded.
func (g *Graph) Wait() error {
	return g.eg.Wait()
}
