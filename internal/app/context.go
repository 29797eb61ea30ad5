package app

import (
	"context"
	"maps"
	"sync"

	"github.com/datallboy/gohls/internal/domain"
	"github.com/datallboy/gohls/internal/infra/config"
	"github.com/datallboy/gohls/internal/infra/logger"
	"github.com/datallboy/gohls/internal/metrics"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

// Downloader runs one target to completion. The scheduler only sees this
// interface so tests can drive it without a network.
type Downloader interface {
	Download(ctx context.Context, url string, settings domain.Settings, onUpdate func(domain.DownloadUpdate)) domain.DownloadResult
	// Forget drops anything cached for url, e.g. a resolved manifest
	Forget(url string)
}

// Store persists the job table.
type Store interface {
	Load() ([]*domain.Job, error)
	Save(jobs []*domain.Job) error
	Close() error
}

// Scheduler is the job table as seen by the HTTP API.
type Scheduler interface {
	RequestDownload(url string, opts domain.Options) (*domain.Job, error)
	Pause(urls []string, all bool) []string
	Resume(urls []string, all bool) []string
	Delete(urls []string, deleteCache, deleteVideo bool) []string
	ClearQueue() []string
	SetMaxDownloads(n int)
	ListJobs() map[string]*domain.Job
	GetJob(url string) (*domain.Job, error)
	QueueStatus() domain.QueueStatus
}

// Broadcaster pushes events to connected observers.
type Broadcaster interface {
	Broadcast(eventType string, data any)
}

// Context holds the core environment and shared resources for gohls.
type Context struct {
	Config  *config.Config
	Logger  *logger.Logger
	Metrics *metrics.Metrics

	Store  Store
	Events Broadcaster

	// RemuxEnabled is false when no ffmpeg binary was found
	RemuxEnabled bool

	// guards Config once the server is running
	mu sync.RWMutex
}

// NewContext initializes the base environment.
func NewContext(cfg *config.Config, log *logger.Logger) *Context {
	return &Context{
		Config: cfg,
		Logger: log,
	}
}

// DefaultSettings turns the download section of the config into per-job defaults.
func (c *Context) DefaultSettings() domain.Settings {
	c.mu.RLock()
	d := c.Config.Download
	d.Headers = maps.Clone(d.Headers)
	c.mu.RUnlock()

	return domain.Settings{
		ThreadNum:            d.ThreadNum,
		SaveDir:              d.SaveDir,
		CacheDir:             d.CacheDir,
		Headers:              d.Headers,
		Convert:              d.Convert,
		KeepCache:            d.KeepCache,
		PlayWhileDownloading: d.PlayWhileDownloading,
		FetchRetries:         d.FetchRetries,
		SegmentRetries:       d.SegmentRetries,
		RetryDelay:           d.RetryDelay,
	}
}

// CurrentConfig returns a copy of the live config.
func (c *Context) CurrentConfig() *config.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Config.Clone()
}

// UpdateConfig applies fn to a copy of the config and swaps it in only if the
// result validates.
func (c *Context) UpdateConfig(fn func(*config.Config) error) (*config.Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.Config.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	c.Config = next
	return next.Clone(), nil
}
