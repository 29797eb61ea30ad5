package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/datallboy/gohls/internal/app"
	"github.com/datallboy/gohls/internal/cache"
	"github.com/datallboy/gohls/internal/domain"
	"github.com/datallboy/gohls/internal/playback"
	"github.com/datallboy/gohls/internal/playlist"
	"github.com/datallboy/gohls/internal/storage"
)

// Playback serves a cache directory while its download is still running.
type Playback interface {
	Publish(key, dir string) (string, error)
	Unpublish(key string)
}

// Downloader is the concrete implementation of the download engine.
type Downloader struct {
	ctx       *app.Context
	resolver  *playlist.Resolver
	fetcher   Fetcher
	merger    *Merger
	playback  Playback
	publisher storage.Publisher

	now func() time.Time
}

func NewDownloader(ctx *app.Context, resolver *playlist.Resolver, fetcher Fetcher, merger *Merger) *Downloader {
	return &Downloader{
		ctx:      ctx,
		resolver: resolver,
		fetcher:  fetcher,
		merger:   merger,
		now:      time.Now,
	}
}

// SetPlayback enables play-while-downloading for jobs that ask for it.
func (d *Downloader) SetPlayback(p Playback) { d.playback = p }

// SetPublisher uploads every merged output through p.
func (d *Downloader) SetPublisher(p storage.Publisher) { d.publisher = p }

func (d *Downloader) Forget(url string) { d.resolver.Forget(url) }

// Download runs one target on its own pool of settings.ThreadNum units.
func (d *Downloader) Download(ctx context.Context, url string, settings domain.Settings, onUpdate func(domain.DownloadUpdate)) domain.DownloadResult {
	pool := NewWorkerPool(settings.ThreadNum, d.fetcher, d.ctx.Logger, d.ctx.Metrics)
	defer func() {
		// fetches already in flight finish into the cache
		if ctx.Err() != nil {
			go pool.Close()
			return
		}
		pool.Close()
	}()

	return d.run(ctx, pool, url, settings, onUpdate)
}

func (d *Downloader) run(ctx context.Context, pool *WorkerPool, target string, s domain.Settings, onUpdate func(domain.DownloadUpdate)) domain.DownloadResult {
	res := domain.DownloadResult{URL: target}
	emit := func(phase domain.Phase, stats domain.ProgressStats, playURL string) {
		if onUpdate != nil {
			onUpdate(domain.DownloadUpdate{URL: target, Phase: phase, Stats: stats, PlayURL: playURL})
		}
	}
	fail := func(err error) domain.DownloadResult {
		// a later attempt re-reads the manifest in case it changed or its URLs expired
		d.resolver.Forget(target)
		res.Err = err
		emit(domain.PhaseFailed, res.Stats, "")
		return res
	}

	emit(domain.PhaseResolving, res.Stats, "")

	base := OutputBase(target, s)
	if !s.Force {
		if out, ok := ExistingOutput(base); ok {
			d.ctx.Logger.Info("Output %s already exists, skipping %s", out, target)
			res.Output = out
			res.Skipped = true
			emit(domain.PhaseComplete, res.Stats, "")
			return res
		}
	}

	if s.Force {
		d.resolver.Forget(target)
	}

	info, err := d.resolver.Resolve(ctx, playlist.Request{
		URL:            target,
		Headers:        s.Headers,
		CacheDir:       s.CacheDir,
		SegmentRetries: s.SegmentRetries,
	})
	if err != nil {
		d.ctx.Logger.Error("Failed to resolve %s: %v", target, err)
		return fail(err)
	}
	res.CacheDir = info.CacheDir

	d.ctx.Logger.Info("Starting download for: %s (%d segments, %s)", target, info.SegmentCount(),
		(time.Duration(info.TotalDuration) * time.Second).String())

	stats, playURL, err := d.fetchAll(ctx, pool, target, info, s, emit)
	res.Stats = stats
	if err != nil {
		return fail(err)
	}

	emit(domain.PhaseMerging, stats, playURL)

	// a pause during merge must not leave a half-written output behind
	out, err := d.merger.Merge(context.WithoutCancel(ctx), info.Segments, base, s.Convert)
	if err != nil {
		d.ctx.Logger.Error("Merge failed for %s: %v", target, err)
		return fail(err)
	}
	res.Output = out
	d.ctx.Logger.Info("Merged %s into %s", target, out)

	if d.publisher != nil {
		remote, err := d.publisher.Publish(context.WithoutCancel(ctx), out)
		if err != nil {
			d.ctx.Logger.Warn("Failed to publish %s: %v", out, err)
		} else {
			res.RemoteURL = remote
		}
	}

	if !s.KeepCache {
		if d.playback != nil {
			d.playback.Unpublish(domain.CacheKey(target))
		}
		if err := cache.New(info.CacheDir).Purge(); err != nil {
			d.ctx.Logger.Warn("Failed to remove cache %s: %v", info.CacheDir, err)
		}
		playURL = ""
	}

	emit(domain.PhaseComplete, stats, playURL)
	return res
}

// fetchAll submits every segment and blocks until each has a final outcome.
func (d *Downloader) fetchAll(ctx context.Context, pool *WorkerPool, owner string, info *domain.PlaylistInfo, s domain.Settings, emit func(domain.Phase, domain.ProgressStats, string)) (domain.ProgressStats, string, error) {
	segments := info.Segments
	count := len(segments)
	stats := domain.NewProgressStats(info, d.now())

	// one slot per segment: at most one task per segment is ever in flight
	results := make(chan FetchResult, count)
	done := make(chan struct{})
	defer close(done)

	deliver := func(r FetchResult) {
		select {
		case results <- r:
		case <-done:
		}
	}
	submit := func(seg *domain.Segment) {
		pool.Submit(FetchTask{
			Owner:   owner,
			Segment: seg,
			Crypto:  info.Crypto,
			Headers: s.Headers,
			Retries: s.FetchRetries,
		}, deliver)
	}

	for _, seg := range segments {
		submit(seg)
	}
	emit(domain.PhaseRunning, stats, "")

	cached := make([]bool, count)
	window := 0
	playURL := ""

	for !stats.Finished() {
		select {
		case <-ctx.Done():
			removed := pool.RemoveTasks(owner)
			d.ctx.Logger.Info("Stopped %s with %d/%d segments done, %d queued segments dropped",
				owner, stats.TsSuccess, count, removed)
			return stats, playURL, ctx.Err()

		case r := <-results:
			seg := r.Task.Segment

			if r.Err != nil {
				if seg.AttemptsRemaining > 0 && !errors.Is(r.Err, domain.ErrPoolClosed) {
					seg.AttemptsRemaining--
					d.ctx.Metrics.SegmentRetried()
					d.ctx.Logger.Warn("[Retry] Segment %d: %d retries left - Error: %v", seg.Index, seg.AttemptsRemaining, r.Err)

					time.AfterFunc(s.RetryDelay, func() {
						if ctx.Err() == nil {
							submit(seg)
						}
					})
					continue
				}

				d.ctx.Logger.Error("[FAIL] Segment %d permanently failed: %v", seg.Index, r.Err)
				d.ctx.Metrics.SegmentFailed()
				stats.RecordFailure(d.now())
			} else {
				seg.ByteSize = r.Size
				cached[seg.Index] = true
				stats.RecordSuccess(r.Size, seg.Duration, d.now())

				if s.PlayWhileDownloading && d.playback != nil && stats.TsSuccess >= min(s.ThreadNum+2, count) {
					window, playURL = d.refreshPlayback(owner, info, cached, window, playURL)
				}
			}

			emit(domain.PhaseRunning, stats, playURL)
		}
	}

	if stats.TsFailed > 0 {
		return stats, playURL, fmt.Errorf("%w: %d of %d segments", domain.ErrSegmentsFailed, stats.TsFailed, count)
	}
	return stats, playURL, nil
}

// refreshPlayback rewrites local.m3u8 when the cached prefix grew and publishes
// the directory on first use.
func (d *Downloader) refreshPlayback(owner string, info *domain.PlaylistInfo, cached []bool, window int, playURL string) (int, string) {
	prefix := playback.ContiguousPrefix(info.Segments, cached)
	if len(prefix) == window && playURL != "" {
		return window, playURL
	}

	if _, err := playback.WriteLocalPlaylist(info.CacheDir, prefix, len(prefix) == len(info.Segments)); err != nil {
		d.ctx.Logger.Warn("%v", err)
		return window, playURL
	}

	if playURL == "" {
		u, err := d.playback.Publish(domain.CacheKey(owner), info.CacheDir)
		if err != nil {
			d.ctx.Logger.Warn("Playback unavailable for %s: %v", owner, err)
			return len(prefix), ""
		}
		d.ctx.Logger.Info("Play while downloading: %s", u)
		playURL = u
	}
	return len(prefix), playURL
}

var badChars = regexp.MustCompile(`[\\/:*?"<>|\s]+`)

// OutputBase is the merged output path without its extension.
func OutputBase(target string, s domain.Settings) string {
	name := s.Filename
	if name == "" {
		name = nameFromURL(target)
	}
	name = strings.TrimSuffix(strings.TrimSuffix(name, ".mp4"), ".ts")
	name = strings.Trim(badChars.ReplaceAllString(name, "_"), "._")
	if name == "" {
		name = domain.CacheKey(target)
	}
	return filepath.Join(s.SaveDir, name)
}

// nameFromURL derives a stable name from the manifest path plus a short hash,
// since most manifests are called index.m3u8.
func nameFromURL(target string) string {
	p := target
	if u, err := url.Parse(target); err == nil && playlist.IsRemote(target) {
		p = u.Path
	}
	p = filepath.ToSlash(p)

	stem := strings.TrimSuffix(path.Base(p), path.Ext(p))
	switch strings.ToLower(stem) {
	case "", ".", "/", "index", "playlist", "master", "prog_index", "chunklist", "media":
		if parent := path.Base(path.Dir(p)); parent != "." && parent != "/" {
			stem = parent
		}
	}
	return stem + "_" + domain.CacheKey(target)[:8]
}

// ExistingOutput finds a previously merged file for base.
func ExistingOutput(base string) (string, bool) {
	for _, ext := range []string{".mp4", ".ts"} {
		if _, ok := cache.Exists(base + ext); ok {
			return base + ext, true
		}
	}
	return "", false
}
