package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/datallboy/gohls/internal/app"
	"github.com/datallboy/gohls/internal/cache"
	"github.com/datallboy/gohls/internal/domain"
	"golang.org/x/time/rate"
)

// Event types pushed to observers.
const (
	EventServerInfo  = "serverInfo"
	EventTasks       = "tasks"
	EventProgress    = "progress"
	EventDelete      = "delete"
	EventQueueStatus = "queueStatus"
)

// run is the live handle of a job in the resume state. It is never persisted.
type run struct {
	cancel context.CancelFunc
	gen    uint64
}

type event struct {
	kind string
	data any
}

// QueueManager owns every job, admits them against MaxDownloads and persists
// the table. All transitions happen under mu; downloads report back through
// onUpdate and onComplete, which drop anything from a superseded run.
type QueueManager struct {
	app        *app.Context
	downloader app.Downloader
	store      app.Store

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	jobs         map[string]*domain.Job
	order        []string
	runs         map[string]*run
	gen          uint64
	maxDownloads int
	outbox       []event
	closed       bool

	// flushMu orders outbox delivery the same way mu ordered the snapshots
	flushMu sync.Mutex

	// debounced single-writer persistence
	saveMu    sync.Mutex
	saveTimer *time.Timer
	saving    sync.WaitGroup
	debounce  time.Duration

	// progress batching
	progress   map[string]domain.Progress
	limiter    *rate.Limiter
	flushTimer *time.Timer
	interval   time.Duration

	now func() time.Time
}

func NewQueueManager(appCtx *app.Context, downloader app.Downloader) *QueueManager {
	base, cancel := context.WithCancel(context.Background())
	sched := appCtx.Config.Scheduler

	return &QueueManager{
		app:          appCtx,
		downloader:   downloader,
		store:        appCtx.Store,
		base:         base,
		cancel:       cancel,
		jobs:         make(map[string]*domain.Job),
		runs:         make(map[string]*run),
		maxDownloads: max(sched.MaxDownloads, 1),
		debounce:     sched.PersistDebounce,
		progress:     make(map[string]domain.Progress),
		limiter:      rate.NewLimiter(rate.Every(sched.ProgressInterval), 1),
		interval:     sched.ProgressInterval,
		now:          time.Now,
	}
}

// Load restores persisted jobs. Nothing survives a restart running, so resume
// becomes pause, and a done job whose output vanished becomes error.
func (m *QueueManager) Load() error {
	if m.store == nil {
		return nil
	}
	jobs, err := m.store.Load()
	if err != nil {
		return err
	}

	slices.SortStableFunc(jobs, func(a, b *domain.Job) int { return a.CreatedAt.Compare(b.CreatedAt) })

	m.mu.Lock()
	demoted := 0
	for _, job := range jobs {
		switch job.Status {
		case domain.StatusResume:
			job.Status = domain.StatusPause
			demoted++
		case domain.StatusDone:
			if _, ok := cache.Exists(job.LocalVideo); !ok {
				job.Status = domain.StatusError
				job.Error = "output file is missing"
				demoted++
			}
		}
		if _, dup := m.jobs[job.URL]; !dup {
			m.order = append(m.order, job.URL)
		}
		m.jobs[job.URL] = job
	}
	m.promoteLocked()
	m.scheduleSaveLocked()
	m.unlockAndFlush()

	m.app.Logger.Info("Loaded %d jobs (%d demoted)", len(jobs), demoted)
	return nil
}

// RequestDownload creates or restarts the job for url. A job already running is
// left alone; when every slot is taken the job waits as pending.
func (m *QueueManager) RequestDownload(url string, opts domain.Options) (*domain.Job, error) {
	m.mu.Lock()
	job, err := m.requestLocked(url, opts)
	m.unlockAndFlush()
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (m *QueueManager) requestLocked(url string, opts domain.Options) (*domain.Job, error) {
	job, exists := m.jobs[url]
	if exists && job.Status == domain.StatusResume {
		return job.Clone(), nil
	}

	settings, err := opts.Apply(m.app.DefaultSettings())
	if err != nil {
		return nil, err
	}

	now := m.now()
	if !exists {
		job = domain.NewJob(url, opts, now)
		m.jobs[url] = job
		m.order = append(m.order, url)
	}
	job.Options = opts
	job.EffectiveOptions = settings
	job.CacheDir = filepath.Join(settings.CacheDir, domain.CacheKey(url))
	job.Error = ""
	job.UpdatedAt = now

	if m.activeLocked() >= m.maxDownloads {
		job.Status = domain.StatusPending
		m.app.Logger.Info("Queued %s: %d/%d downloads active", url, m.activeLocked(), m.maxDownloads)
		m.changedLocked()
		return job.Clone(), nil
	}

	m.startLocked(job)
	return job.Clone(), nil
}

func (m *QueueManager) startLocked(job *domain.Job) {
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(m.base)
	m.runs[job.URL] = &run{cancel: cancel, gen: gen}

	job.Status = domain.StatusResume
	job.Error = ""
	job.UpdatedAt = m.now()
	m.changedLocked()

	url, settings := job.URL, job.EffectiveOptions
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		res := m.downloader.Download(ctx, url, settings, func(u domain.DownloadUpdate) {
			m.onUpdate(url, gen, u)
		})
		m.onComplete(url, gen, res)
	}()
}

func (m *QueueManager) onUpdate(url string, gen uint64, u domain.DownloadUpdate) {
	m.mu.Lock()
	defer m.unlockAndFlush()

	job, ok := m.current(url, gen)
	if !ok {
		return
	}
	// a new run recounts cached segments from zero; keep the previous counts
	// until it catches up so observers never see progress go backwards
	if u.Stats.TsCount > 0 && (u.Stats.TsCount != job.Stats.TsCount || u.Stats.TsSuccess >= job.Stats.TsSuccess) {
		job.Stats = u.Stats
	}
	job.PlayURL = u.PlayURL
	job.UpdatedAt = m.now()

	m.progress[url] = job.Progress()
	m.queueProgressLocked()
	m.scheduleSaveLocked()
}

func (m *QueueManager) onComplete(url string, gen uint64, res domain.DownloadResult) {
	m.mu.Lock()
	defer m.unlockAndFlush()

	job, ok := m.current(url, gen)
	if !ok {
		// a job paused with every segment fetched was already marked done; the
		// merge it kept running still delivers the output
		if job := m.jobs[url]; job != nil && job.Status == domain.StatusDone && job.LocalVideo == "" && res.Err == nil && res.Output != "" {
			job.LocalVideo = res.Output
			job.RemoteURL = res.RemoteURL
			m.changedLocked()
		}
		return
	}
	delete(m.runs, url)

	if res.Stats.TsCount > 0 {
		job.Stats = res.Stats
	}
	if res.CacheDir != "" {
		job.CacheDir = res.CacheDir
	}
	job.UpdatedAt = m.now()

	if res.Err != nil {
		job.Status = domain.StatusError
		job.Error = res.Err.Error()
		m.app.Logger.Error("Job %s failed: %v", url, res.Err)
	} else {
		job.Status = domain.StatusDone
		job.LocalVideo = res.Output
		job.RemoteURL = res.RemoteURL
		if !job.EffectiveOptions.KeepCache {
			job.PlayURL = ""
		}
		m.app.Logger.Info("Job %s done: %s", url, res.Output)
	}
	m.app.Metrics.JobFinished(string(job.Status))
	m.progress[url] = job.Progress()
	m.queueProgressLocked()

	m.promoteLocked()
	m.changedLocked()
}

// current returns the job only if gen is still its live run.
func (m *QueueManager) current(url string, gen uint64) (*domain.Job, bool) {
	r, ok := m.runs[url]
	if !ok || r.gen != gen {
		return nil, false
	}
	job, ok := m.jobs[url]
	return job, ok
}

// Pause stops jobs in resume or pending. Queued segments are dropped from the
// pool; fetches already running finish into the cache.
func (m *QueueManager) Pause(urls []string, all bool) []string {
	m.mu.Lock()
	defer m.unlockAndFlush()

	var paused []string
	for _, url := range m.selectLocked(urls, all) {
		job := m.jobs[url]
		if job.Status != domain.StatusResume && job.Status != domain.StatusPending {
			continue
		}
		m.stopLocked(url)

		if job.Stats.TsCount > 0 && job.Stats.TsSuccess == job.Stats.TsCount {
			job.Status = domain.StatusDone
		} else {
			job.Status = domain.StatusPause
		}
		job.UpdatedAt = m.now()
		paused = append(paused, url)
	}

	if len(paused) > 0 {
		m.app.Logger.Info("Paused %d jobs", len(paused))
		m.promoteLocked()
		m.changedLocked()
	}
	return paused
}

// Resume re-requests paused or failed jobs with their original options, so
// admission applies again.
func (m *QueueManager) Resume(urls []string, all bool) []string {
	m.mu.Lock()
	defer m.unlockAndFlush()

	var resumed []string
	for _, url := range m.selectLocked(urls, all) {
		job := m.jobs[url]
		if job.Status != domain.StatusPause && job.Status != domain.StatusError {
			continue
		}
		if _, err := m.requestLocked(url, job.Options); err != nil {
			m.app.Logger.Warn("Cannot resume %s: %v", url, err)
			continue
		}
		resumed = append(resumed, url)
	}
	return resumed
}

// Delete stops and forgets jobs, optionally removing their cache and output.
func (m *QueueManager) Delete(urls []string, deleteCache, deleteVideo bool) []string {
	m.mu.Lock()
	defer m.unlockAndFlush()

	var deleted []string
	for _, url := range urls {
		job, ok := m.jobs[url]
		if !ok {
			continue
		}
		m.stopLocked(url)
		m.removeLocked(url)
		m.downloader.Forget(url)

		if deleteCache && job.CacheDir != "" {
			if err := os.RemoveAll(job.CacheDir); err != nil {
				m.app.Logger.Warn("Failed to remove cache %s: %v", job.CacheDir, err)
			}
		}
		if deleteVideo {
			m.removeOutputs(job)
		}
		deleted = append(deleted, url)
	}

	if len(deleted) > 0 {
		m.emitLocked(EventDelete, deleted)
		m.promoteLocked()
		m.changedLocked()
	}
	return deleted
}

func (m *QueueManager) removeOutputs(job *domain.Job) {
	paths := []string{job.LocalVideo}
	if out, ok := ExistingOutput(OutputBase(job.URL, job.EffectiveOptions)); ok {
		paths = append(paths, out)
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := cache.Remove(p); err != nil {
			m.app.Logger.Warn("Failed to remove %s: %v", p, err)
		}
	}
}

// ClearQueue drops every pending job.
func (m *QueueManager) ClearQueue() []string {
	m.mu.Lock()
	defer m.unlockAndFlush()

	var cleared []string
	for _, url := range slices.Clone(m.order) {
		if m.jobs[url].Status == domain.StatusPending {
			m.removeLocked(url)
			cleared = append(cleared, url)
		}
	}
	if len(cleared) > 0 {
		m.emitLocked(EventDelete, cleared)
		m.changedLocked()
	}
	return cleared
}

// SetMaxDownloads changes the admission ceiling, promoting pending jobs if it grew.
func (m *QueueManager) SetMaxDownloads(n int) {
	m.mu.Lock()
	defer m.unlockAndFlush()

	m.maxDownloads = max(n, 1)
	m.promoteLocked()
	m.emitLocked(EventQueueStatus, m.queueStatusLocked())
}

// ListJobs returns copies of every job keyed by URL.
func (m *QueueManager) ListJobs() map[string]*domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *QueueManager) GetJob(url string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[url]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (m *QueueManager) QueueStatus() domain.QueueStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queueStatusLocked()
}

// Close stops every running download and writes the final state.
func (m *QueueManager) Close() error {
	m.mu.Lock()
	m.closed = true
	for url := range m.runs {
		job := m.jobs[url]
		m.stopLocked(url)
		// a shutdown pause, so the job comes back as pause after restart
		if job != nil {
			job.Status = domain.StatusPause
		}
	}
	if m.saveTimer != nil {
		m.saveTimer.Stop()
		m.saveTimer = nil
	}
	if m.flushTimer != nil {
		m.flushTimer.Stop()
		m.flushTimer = nil
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	// the final write must come after any debounced one already under way
	m.saving.Wait()
	return m.save()
}

func (m *QueueManager) stopLocked(url string) {
	if r, ok := m.runs[url]; ok {
		r.cancel()
		delete(m.runs, url)
	}
}

func (m *QueueManager) removeLocked(url string) {
	delete(m.jobs, url)
	delete(m.progress, url)
	m.order = slices.DeleteFunc(m.order, func(u string) bool { return u == url })
}

// promoteLocked starts pending jobs in arrival order while slots are free.
func (m *QueueManager) promoteLocked() {
	for m.activeLocked() < m.maxDownloads {
		var next *domain.Job
		for _, url := range m.order {
			if job := m.jobs[url]; job.Status == domain.StatusPending {
				next = job
				break
			}
		}
		if next == nil {
			return
		}
		m.app.Logger.Info("Promoting pending job %s", next.URL)
		m.startLocked(next)
	}
}

func (m *QueueManager) activeLocked() int {
	n := 0
	for _, job := range m.jobs {
		if job.Status == domain.StatusResume {
			n++
		}
	}
	return n
}

func (m *QueueManager) selectLocked(urls []string, all bool) []string {
	if all {
		return slices.Clone(m.order)
	}
	var out []string
	for _, url := range urls {
		if _, ok := m.jobs[url]; ok {
			out = append(out, url)
		}
	}
	return out
}

func (m *QueueManager) queueStatusLocked() domain.QueueStatus {
	status := domain.QueueStatus{ActiveDownloads: []string{}, MaxConcurrent: m.maxDownloads}
	for _, url := range m.order {
		switch m.jobs[url].Status {
		case domain.StatusResume:
			status.ActiveDownloads = append(status.ActiveDownloads, url)
		case domain.StatusPending:
			status.QueueLength++
		}
	}
	return status
}

func (m *QueueManager) snapshotLocked() map[string]*domain.Job {
	out := make(map[string]*domain.Job, len(m.jobs))
	for url, job := range m.jobs {
		out[url] = job.Clone()
	}
	return out
}

// changedLocked records a status-level change: observers get the full table
// and the queue summary, and a save is scheduled.
func (m *QueueManager) changedLocked() {
	status := m.queueStatusLocked()
	m.app.Metrics.SetQueue(len(status.ActiveDownloads), status.QueueLength)
	m.emitLocked(EventTasks, m.snapshotLocked())
	m.emitLocked(EventQueueStatus, status)
	m.scheduleSaveLocked()
}

func (m *QueueManager) emitLocked(kind string, data any) {
	m.outbox = append(m.outbox, event{kind: kind, data: data})
}

// unlockAndFlush releases mu and then delivers queued events, so observers
// never run under the scheduler lock. flushMu is taken before mu is released,
// which keeps batches in the order they were built. Observers must not call
// back into the scheduler from Broadcast.
func (m *QueueManager) unlockAndFlush() {
	out := m.outbox
	m.outbox = nil
	if len(out) == 0 || m.app.Events == nil {
		m.mu.Unlock()
		return
	}

	m.flushMu.Lock()
	m.mu.Unlock()
	defer m.flushMu.Unlock()

	for _, e := range out {
		m.app.Events.Broadcast(e.kind, e.data)
	}
}

// queueProgressLocked emits the pending progress batch now if the limiter
// allows it, otherwise once the interval has passed.
func (m *QueueManager) queueProgressLocked() {
	if m.limiter.Allow() {
		m.emitProgressLocked()
		return
	}
	if m.flushTimer == nil {
		m.flushTimer = time.AfterFunc(m.interval, func() {
			m.mu.Lock()
			m.flushTimer = nil
			m.emitProgressLocked()
			m.unlockAndFlush()
		})
	}
}

func (m *QueueManager) emitProgressLocked() {
	if len(m.progress) == 0 {
		return
	}
	batch := make([]domain.Progress, 0, len(m.progress))
	for _, url := range m.order {
		if p, ok := m.progress[url]; ok {
			batch = append(batch, p)
		}
	}
	clear(m.progress)
	m.emitLocked(EventProgress, batch)
}

func (m *QueueManager) scheduleSaveLocked() {
	if m.store == nil || m.closed || m.saveTimer != nil {
		return
	}
	m.saveTimer = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		m.saveTimer = nil
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.saving.Add(1)
		m.mu.Unlock()
		defer m.saving.Done()

		if err := m.save(); err != nil {
			m.app.Logger.Error("Failed to persist jobs: %v", err)
		}
	})
}

// save writes the current table. saveMu keeps a single writer even when a
// debounced save races Close.
func (m *QueueManager) save() error {
	if m.store == nil {
		return nil
	}

	m.mu.Lock()
	jobs := make([]*domain.Job, 0, len(m.order))
	for _, url := range m.order {
		jobs = append(jobs, m.jobs[url].Clone())
	}
	m.mu.Unlock()

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	if err := m.store.Save(jobs); err != nil {
		return fmt.Errorf("save job state: %w", err)
	}
	return nil
}
