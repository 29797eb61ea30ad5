package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datallboy/gohls/internal/domain"
)

// prefetchPoll is how often a batch checks whether the pool has room for the next target.
const prefetchPoll = 200 * time.Millisecond

// DownloadBatch drives targets in order over one shared pool of threads units.
// While target K is finishing, K+1 is started as soon as more than one unit is idle
// and fewer than threads tasks are outstanding, so the pool does not starve between targets.
// Results are returned in target order.
func (d *Downloader) DownloadBatch(ctx context.Context, targets []Target, threads int, onUpdate func(domain.DownloadUpdate)) []domain.DownloadResult {
	results := make([]domain.DownloadResult, len(targets))
	if len(targets) == 0 {
		return results
	}

	pool := NewWorkerPool(threads, d.fetcher, d.ctx.Logger, d.ctx.Metrics)
	defer func() {
		if ctx.Err() != nil {
			go pool.Close()
			return
		}
		pool.Close()
	}()

	var wg sync.WaitGroup
	finished := make(chan int, len(targets))
	// submitted[i] flips once target i has handed its segments to the pool
	submitted := make([]atomic.Bool, len(targets))

	start := func(i int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t := targets[i]
			results[i] = d.run(ctx, pool, t.URL, t.Settings, func(u domain.DownloadUpdate) {
				if u.Phase != domain.PhaseResolving {
					submitted[i].Store(true)
				}
				if onUpdate != nil {
					onUpdate(u)
				}
			})
			submitted[i].Store(true)
			finished <- i
		}()
	}

	ticker := time.NewTicker(prefetchPoll)
	defer ticker.Stop()

	start(0)
	next, running := 1, 1

	for running > 0 {
		select {
		case <-finished:
			running--
			if next < len(targets) && running == 0 {
				start(next)
				next++
				running++
			}

		case <-ticker.C:
			if next < len(targets) && submitted[next-1].Load() && pool.Idle() > 1 && pool.Outstanding() < threads {
				d.ctx.Logger.Debug("Prefetching %s while the pool has spare units", targets[next].URL)
				start(next)
				next++
				running++
			}

		case <-ctx.Done():
			wg.Wait()
			for i := next; i < len(targets); i++ {
				results[i] = domain.DownloadResult{URL: targets[i].URL, Err: ctx.Err()}
			}
			return results
		}
	}

	return results
}
