package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/datallboy/gohls/internal/domain"
	"github.com/datallboy/gohls/internal/infra/logger"
	"github.com/datallboy/gohls/internal/metrics"
)

// Fetcher performs the work of one task inside a pool unit.
type Fetcher interface {
	Fetch(ctx context.Context, task FetchTask) FetchResult
}

type pending struct {
	task FetchTask
	done func(FetchResult)
}

// unit is one execution goroutine. It owns nothing but its inbox.
type unit struct {
	id    int
	inbox chan *pending
}

// WorkerPool runs tasks on a fixed number of units and queues the overflow FIFO.
// Callbacks run on the unit goroutine and must not block.
type WorkerPool struct {
	fetcher Fetcher
	log     *logger.Logger
	metrics *metrics.Metrics
	size    int

	wg sync.WaitGroup

	mu     sync.Mutex
	idle   []*unit
	queue  []*pending
	busy   int
	nextID int
	closed bool
}

func NewWorkerPool(size int, fetcher Fetcher, log *logger.Logger, m *metrics.Metrics) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	p := &WorkerPool{
		fetcher: fetcher,
		log:     log,
		metrics: m,
		size:    size,
	}

	p.mu.Lock()
	for range size {
		p.idle = append(p.idle, p.spawnLocked())
	}
	p.mu.Unlock()

	return p
}

func (p *WorkerPool) spawnLocked() *unit {
	p.nextID++
	u := &unit{id: p.nextID, inbox: make(chan *pending, 1)}
	p.wg.Add(1)
	go p.run(u)
	return u
}

func (p *WorkerPool) run(u *unit) {
	defer p.wg.Done()

	for t := range u.inbox {
		res, crashed := p.execute(u, t)
		t.done(res)

		if crashed {
			p.replace(u)
			return
		}
		p.release(u)
	}
}

func (p *WorkerPool) execute(u *unit, t *pending) (res FetchResult, crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Worker unit %d crashed on segment %d: %v", u.id, t.task.Segment.Index, r)
			p.metrics.UnitCrashed()
			res = FetchResult{Task: t.task, Err: fmt.Errorf("%w: %v", domain.ErrUnitCrashed, r)}
			crashed = true
		}
	}()

	// in-flight fetches are never cancelled; a paused job still gets its segment cached
	return p.fetcher.Fetch(context.Background(), t.task), false
}

// release hands u the next queued task or parks it in the idle set.
func (p *WorkerPool) release(u *unit) {
	p.mu.Lock()
	if p.closed {
		p.busy--
		p.mu.Unlock()
		close(u.inbox)
		return
	}

	if len(p.queue) > 0 {
		next := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()
		u.inbox <- next
		return
	}

	p.busy--
	p.idle = append(p.idle, u)
	p.mu.Unlock()
}

// replace swaps a crashed unit for a fresh one that inherits its busy slot.
func (p *WorkerPool) replace(old *unit) {
	p.mu.Lock()
	if p.closed {
		p.busy--
		p.mu.Unlock()
		return
	}
	fresh := p.spawnLocked()
	p.mu.Unlock()

	p.log.Debug("Replaced worker unit %d with %d", old.id, fresh.id)
	p.release(fresh)
}

// Submit dispatches task to an idle unit or queues it. done receives exactly one result.
func (p *WorkerPool) Submit(task FetchTask, done func(FetchResult)) {
	t := &pending{task: task, done: done}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		done(FetchResult{Task: task, Err: domain.ErrPoolClosed})
		return
	}

	if n := len(p.idle); n > 0 {
		u := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.busy++
		p.mu.Unlock()
		u.inbox <- t
		return
	}

	p.queue = append(p.queue, t)
	p.mu.Unlock()
}

// RemoveTasks drops every queued task of owner without invoking its callback.
// Tasks already running are unaffected.
func (p *WorkerPool) RemoveTasks(owner string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.queue[:0]
	removed := 0
	for _, t := range p.queue {
		if t.task.Owner == owner {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(p.queue); i++ {
		p.queue[i] = nil
	}
	p.queue = kept
	return removed
}

func (p *WorkerPool) Size() int { return p.size }

// Idle is the number of units waiting for work.
func (p *WorkerPool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Outstanding counts running plus queued tasks.
func (p *WorkerPool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy + len(p.queue)
}

// Close stops all units once their current task finishes. Queued tasks receive ErrPoolClosed.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	queued := p.queue
	idle := p.idle
	p.queue = nil
	p.idle = nil
	p.mu.Unlock()

	for _, u := range idle {
		close(u.inbox)
	}
	for _, t := range queued {
		t.done(FetchResult{Task: t.task, Err: domain.ErrPoolClosed})
	}

	p.wg.Wait()
}
