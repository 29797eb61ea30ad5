package engine

import (
	"context"
	"fmt"

	"github.com/datallboy/gohls/internal/cache"
	"github.com/datallboy/gohls/internal/infra/logger"
	"github.com/datallboy/gohls/internal/metrics"
	"github.com/datallboy/gohls/internal/playlist"
)

// SegmentFetcher downloads, decrypts and caches a single segment.
type SegmentFetcher struct {
	client  *playlist.Client
	log     *logger.Logger
	metrics *metrics.Metrics
}

func NewSegmentFetcher(client *playlist.Client, log *logger.Logger, m *metrics.Metrics) *SegmentFetcher {
	return &SegmentFetcher{client: client, log: log, metrics: m}
}

// Fetch never returns an error across the pool boundary; failures travel in the result.
func (f *SegmentFetcher) Fetch(ctx context.Context, task FetchTask) FetchResult {
	seg := task.Segment

	if size, ok := cache.Exists(seg.CachePath); ok {
		f.metrics.SegmentFetched(size, true)
		return FetchResult{Task: task, Size: size, Cached: true}
	}

	data, err := f.client.GetN(ctx, seg.URI, task.Headers, task.Retries)
	if err != nil {
		return FetchResult{Task: task, Err: err}
	}

	data, err = Decrypt(task.Crypto, seg.Sequence, data)
	if err != nil {
		return FetchResult{Task: task, Err: fmt.Errorf("decrypt segment %d: %w", seg.Index, err)}
	}

	if err := cache.Put(seg.CachePath, data); err != nil {
		return FetchResult{Task: task, Err: fmt.Errorf("write segment %d: %w", seg.Index, err)}
	}

	f.log.Debug("Segment %d cached (%d bytes)", seg.Index, len(data))
	f.metrics.SegmentFetched(int64(len(data)), false)
	return FetchResult{Task: task, Size: int64(len(data))}
}
