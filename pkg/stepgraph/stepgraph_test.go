package stepgraph

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepResultIsObservableThroughFuture(t *testing.T) {
	g := New(context.Background(), 4)
	fut := Step(g, "build", func(ctx context.Context) (int, error) { return 42, nil })
	require.NoError(t, g.Wait())

	val, err := fut.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, val)
}

func TestSchedulingSameStepNameTwiceErrorsAndRunsOnce(t *testing.T) {
	g := New(context.Background(), 4)
	var runs int32
	run := func(ctx context.Context) (int, error) {
		atomic.AddInt32(&runs, 1)
		return 0, nil
	}
	Step(g, "dup", run)
	second := Step(g, "dup", run)

	g.Wait()
	_, err := second.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

func TestFailingStepCancelsSiblingSteps(t *testing.T) {
	g := New(context.Background(), 4)
	started := make(chan struct{})
	var sawCancellation int32

	Step(g, "fails", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, errors.New("boom")
	})
	Step(g, "sibling", func(ctx context.Context) (struct{}, error) {
		close(started)
		<-ctx.Done()
		atomic.StoreInt32(&sawCancellation, 1)
		return struct{}{}, ctx.Err()
	})

	<-started
	err := g.Wait()
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&sawCancellation))
}

func TestFanOutPreservesOrderAndJoinCollectsResults(t *testing.T) {
	g := New(context.Background(), 2)
	items := []int{1, 2, 3, 4}
	futures := FanOut(g, items, func(i int) string { return namer(i) }, func(ctx context.Context, i int) (int, error) {
		return i * i, nil
	})
	require.NoError(t, g.Wait())

	results, err := Join(context.Background(), futures)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 9, 16}, results)
}

func namer(i int) string {
	return "step-" + time.Duration(i).String()
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	g := New(context.Background(), 2)
	var current, max int32

	track := func(ctx context.Context) (struct{}, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			old := atomic.LoadInt32(&max)
			if n <= old || atomic.CompareAndSwapInt32(&max, old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return struct{}{}, nil
	}

	for i := 0; i < 6; i++ {
		Step(g, namer(i+100), track)
	}
	require.NoError(t, g.Wait())
	assert.LessOrEqual(t, atomic.LoadInt32(&max), int32(2))
}
