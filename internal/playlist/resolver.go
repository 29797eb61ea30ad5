package playlist

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"github.com/datallboy/gohls/internal/domain"
	"github.com/datallboy/gohls/internal/infra/logger"
	"github.com/grafov/m3u8"
	"golang.org/x/sync/singleflight"
)

// Request describes one manifest to resolve.
type Request struct {
	URL      string
	Headers  map[string]string
	CacheDir string
	// SegmentRetries seeds Segment.AttemptsRemaining
	SegmentRetries int
}

// Resolver turns a manifest URL into a PlaylistInfo. Results are cached per
// URL and concurrent resolutions of the same URL share one fetch.
type Resolver struct {
	client *Client
	log    *logger.Logger

	mu    sync.RWMutex
	cache map[string]*domain.PlaylistInfo
	group singleflight.Group
}

func NewResolver(client *Client, log *logger.Logger) *Resolver {
	return &Resolver{
		client: client,
		log:    log,
		cache:  make(map[string]*domain.PlaylistInfo),
	}
}

func (r *Resolver) Resolve(ctx context.Context, req Request) (*domain.PlaylistInfo, error) {
	r.mu.RLock()
	cached, ok := r.cache[req.URL]
	r.mu.RUnlock()
	if ok {
		return clonePlaylist(cached, req), nil
	}

	// the flight is shared, so one caller giving up must not fail the others;
	// the client's request timeout and attempt budget still bound it
	ch := r.group.DoChan(req.URL, func() (any, error) {
		info, err := r.resolve(context.WithoutCancel(ctx), req)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[req.URL] = info
		r.mu.Unlock()
		return info, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return clonePlaylist(res.Val.(*domain.PlaylistInfo), req), nil
	}
}

// Forget drops the cached result for url so the next Resolve refetches it.
func (r *Resolver) Forget(url string) {
	r.mu.Lock()
	delete(r.cache, url)
	r.mu.Unlock()
	r.group.Forget(url)
}

func (r *Resolver) resolve(ctx context.Context, req Request) (*domain.PlaylistInfo, error) {
	manifestURL := req.URL
	media, err := r.fetch(ctx, manifestURL, req.Headers)
	if err != nil {
		return nil, err
	}

	if master, ok := media.(*m3u8.MasterPlaylist); ok {
		variant := firstVariant(master)
		if variant == "" {
			return nil, fmt.Errorf("%w: master playlist lists no variants", domain.ErrEmptyPlaylist)
		}
		manifestURL = absolutize(req.URL, variant)
		r.log.Debug("Following variant playlist %s", manifestURL)

		media, err = r.fetch(ctx, manifestURL, req.Headers)
		if err != nil {
			return nil, err
		}
	}

	pl, ok := media.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, fmt.Errorf("%w: nested variant playlists are not supported", domain.ErrEmptyPlaylist)
	}

	cacheDir := filepath.Join(req.CacheDir, domain.CacheKey(req.URL))
	info := &domain.PlaylistInfo{URL: req.URL, CacheDir: cacheDir}

	var key *m3u8.Key
	for _, seg := range pl.Segments {
		// grafov pads the slice with nils up to its capacity
		if seg == nil {
			continue
		}
		if key == nil && seg.Key != nil {
			key = seg.Key
		}

		idx := len(info.Segments)
		uri := absolutize(manifestURL, seg.URI)
		info.Segments = append(info.Segments, domain.NewSegment(idx, pl.SeqNo+uint64(idx), uri, seg.Duration, info.TotalDuration, cacheDir, req.SegmentRetries))
		info.TotalDuration += seg.Duration
	}

	if len(info.Segments) == 0 {
		return nil, domain.ErrEmptyPlaylist
	}

	if key == nil {
		key = pl.Key
	}
	crypto, err := r.resolveKey(ctx, manifestURL, key, req.Headers)
	if err != nil {
		return nil, err
	}
	info.Crypto = crypto

	r.log.Info("Resolved %s: %d segments, %.1fs", req.URL, len(info.Segments), info.TotalDuration)
	return info, nil
}

func (r *Resolver) fetch(ctx context.Context, target string, headers map[string]string) (m3u8.Playlist, error) {
	body, err := r.client.Get(ctx, target, headers)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}

	pl, _, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEmptyPlaylist, err)
	}
	return pl, nil
}

func (r *Resolver) resolveKey(ctx context.Context, base string, key *m3u8.Key, headers map[string]string) (*domain.CryptoContext, error) {
	if key == nil || key.Method == "" || strings.EqualFold(key.Method, "NONE") {
		return nil, nil
	}
	if !strings.EqualFold(key.Method, "AES-128") {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedCipher, key.Method)
	}
	if key.URI == "" {
		return nil, fmt.Errorf("%w: key has no URI", domain.ErrKeyFetch)
	}

	crypto := &domain.CryptoContext{
		Method: strings.ToUpper(key.Method),
		KeyURI: absolutize(base, key.URI),
	}

	if key.IV != "" {
		iv, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(key.IV, "0x"), "0X"))
		if err != nil || len(iv) != 16 {
			return nil, fmt.Errorf("%w: invalid IV %q", domain.ErrUnsupportedCipher, key.IV)
		}
		crypto.IV = iv
	}

	keyBytes, err := r.client.Get(ctx, crypto.KeyURI, headers)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyFetch, err)
	}
	if len(keyBytes) != 16 {
		return nil, fmt.Errorf("%w: key is %d bytes, want 16", domain.ErrKeyFetch, len(keyBytes))
	}
	crypto.Key = keyBytes

	return crypto, nil
}

func firstVariant(master *m3u8.MasterPlaylist) string {
	for _, v := range master.Variants {
		if v != nil && v.URI != "" {
			return v.URI
		}
	}
	return ""
}

// absolutize resolves ref against the manifest location, which may be a URL or a local path.
func absolutize(base, ref string) string {
	if IsRemote(ref) {
		return ref
	}
	if !IsRemote(base) {
		if filepath.IsAbs(ref) {
			return ref
		}
		return filepath.Join(filepath.Dir(strings.TrimPrefix(base, "file://")), ref)
	}

	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(u).String()
}

// clonePlaylist hands each caller its own segments, rebased onto the caller's cache root.
func clonePlaylist(src *domain.PlaylistInfo, req Request) *domain.PlaylistInfo {
	info := *src
	info.CacheDir = filepath.Join(req.CacheDir, domain.CacheKey(req.URL))
	info.Segments = make([]*domain.Segment, len(src.Segments))
	for i, s := range src.Segments {
		info.Segments[i] = domain.NewSegment(s.Index, s.Sequence, s.URI, s.Duration, s.Timeline, info.CacheDir, req.SegmentRetries)
	}
	return &info
}
