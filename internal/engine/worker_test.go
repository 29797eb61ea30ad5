package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/datallboy/gohls/internal/domain"
	"github.com/datallboy/gohls/internal/infra/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu      sync.Mutex
	running int
	peak    int
	order   []int
	gate    chan struct{}
	panicOn map[int]bool
}

func (f *fakeFetcher) Fetch(_ context.Context, task FetchTask) FetchResult {
	idx := task.Segment.Index

	f.mu.Lock()
	f.running++
	f.peak = max(f.peak, f.running)
	f.order = append(f.order, idx)
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()

	if f.gate != nil {
		<-f.gate
	}
	if f.panicOn[idx] {
		panic("decoder exploded")
	}
	return FetchResult{Task: task, Size: int64(idx + 1)}
}

func (f *fakeFetcher) runningNow() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func task(owner string, idx int) FetchTask {
	return FetchTask{Owner: owner, Segment: &domain.Segment{Index: idx}}
}

func collect(results chan FetchResult, n int, t *testing.T) map[int]FetchResult {
	t.Helper()
	out := make(map[int]FetchResult, n)
	for range n {
		select {
		case r := <-results:
			out[r.Task.Segment.Index] = r
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out with %d/%d results", len(out), n)
		}
	}
	return out
}

func TestWorkerPool_boundsConcurrency(t *testing.T) {
	f := &fakeFetcher{gate: make(chan struct{})}
	pool := NewWorkerPool(3, f, logger.Nop(), nil)
	defer pool.Close()

	results := make(chan FetchResult, 10)
	for i := range 10 {
		pool.Submit(task("a", i), func(r FetchResult) { results <- r })
	}

	require.Eventually(t, func() bool { return f.runningNow() == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, pool.Idle())
	assert.Equal(t, 10, pool.Outstanding())

	close(f.gate)
	got := collect(results, 10, t)
	assert.Len(t, got, 10)
	assert.Equal(t, 3, f.peak)

	require.Eventually(t, func() bool { return pool.Idle() == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, pool.Outstanding())
}

func TestWorkerPool_queueIsFIFO(t *testing.T) {
	f := &fakeFetcher{gate: make(chan struct{})}
	pool := NewWorkerPool(1, f, logger.Nop(), nil)
	defer pool.Close()

	results := make(chan FetchResult, 5)
	for i := range 5 {
		pool.Submit(task("a", i), func(r FetchResult) { results <- r })
	}
	for range 5 {
		f.gate <- struct{}{}
	}
	collect(results, 5, t)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, f.order)
}

func TestWorkerPool_replacesCrashedUnit(t *testing.T) {
	f := &fakeFetcher{panicOn: map[int]bool{0: true, 3: true}}
	pool := NewWorkerPool(2, f, logger.Nop(), nil)
	defer pool.Close()

	results := make(chan FetchResult, 8)
	for i := range 8 {
		pool.Submit(task("a", i), func(r FetchResult) { results <- r })
	}
	got := collect(results, 8, t)

	assert.ErrorIs(t, got[0].Err, domain.ErrUnitCrashed)
	assert.ErrorIs(t, got[3].Err, domain.ErrUnitCrashed)
	for _, i := range []int{1, 2, 4, 5, 6, 7} {
		assert.NoError(t, got[i].Err, "segment %d", i)
	}

	// capacity is back to full after two crashes
	require.Eventually(t, func() bool { return pool.Idle() == 2 }, time.Second, time.Millisecond)
}

func TestWorkerPool_RemoveTasks(t *testing.T) {
	f := &fakeFetcher{gate: make(chan struct{})}
	pool := NewWorkerPool(1, f, logger.Nop(), nil)
	defer pool.Close()

	results := make(chan FetchResult, 4)
	done := func(r FetchResult) { results <- r }
	pool.Submit(task("a", 0), done)
	pool.Submit(task("a", 1), done)
	pool.Submit(task("b", 2), done)
	pool.Submit(task("a", 3), done)

	require.Eventually(t, func() bool { return f.runningNow() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, pool.RemoveTasks("a"))
	assert.Equal(t, 2, pool.Outstanding())

	f.gate <- struct{}{}
	f.gate <- struct{}{}
	got := collect(results, 2, t)
	assert.Contains(t, got, 0)
	assert.Contains(t, got, 2)

	select {
	case r := <-results:
		t.Fatalf("removed task %d still reported", r.Task.Segment.Index)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWorkerPool_Close(t *testing.T) {
	f := &fakeFetcher{gate: make(chan struct{})}
	pool := NewWorkerPool(1, f, logger.Nop(), nil)

	results := make(chan FetchResult, 4)
	done := func(r FetchResult) { results <- r }
	for i := range 3 {
		pool.Submit(task("a", i), done)
	}
	require.Eventually(t, func() bool { return f.runningNow() == 1 }, time.Second, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		pool.Close()
		close(closed)
	}()

	// queued tasks fail fast, the running one completes normally
	queued := collect(results, 2, t)
	assert.ErrorIs(t, queued[1].Err, domain.ErrPoolClosed)
	assert.ErrorIs(t, queued[2].Err, domain.ErrPoolClosed)

	close(f.gate)
	running := collect(results, 1, t)
	assert.NoError(t, running[0].Err)
	<-closed

	pool.Submit(task("a", 9), done)
	late := collect(results, 1, t)
	assert.ErrorIs(t, late[9].Err, domain.ErrPoolClosed)
}
