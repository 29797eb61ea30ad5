package playlist

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/datallboy/gohls/internal/domain"
	"github.com/datallboy/gohls/internal/infra/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const masterManifest = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=1280000,RESOLUTION=1280x720
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2560000,RESOLUTION=1920x1080
high/index.m3u8
`

const encryptedManifest = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-KEY:METHOD=AES-128,URI="/keys/k.bin",IV=0x000102030405060708090a0b0c0d0e0f
#EXTINF:9.000,
seg0.ts
#EXTINF:4.500,
https://cdn.example.com/seg1.ts
#EXT-X-ENDLIST
`

var testKey = []byte("0123456789abcdef")

func newTestResolver() *Resolver {
	return NewResolver(NewClient(5*time.Second, 2, 10*time.Millisecond), logger.Nop())
}

func originServer(t *testing.T, routes map[string]string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if r.URL.Path == "/keys/k.bin" {
			_, _ = w.Write(testKey)
			return
		}
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolver_followsVariantAndFetchesKey(t *testing.T) {
	srv := originServer(t, map[string]string{
		"/master.m3u8":    masterManifest,
		"/low/index.m3u8": encryptedManifest,
	}, nil)

	cacheRoot := t.TempDir()
	info, err := newTestResolver().Resolve(context.Background(), Request{
		URL:            srv.URL + "/master.m3u8",
		CacheDir:       cacheRoot,
		SegmentRetries: 3,
	})
	require.NoError(t, err)

	require.Equal(t, 2, info.SegmentCount())
	assert.Equal(t, srv.URL+"/low/seg0.ts", info.Segments[0].URI)
	assert.Equal(t, "https://cdn.example.com/seg1.ts", info.Segments[1].URI)
	assert.InDelta(t, 13.5, info.TotalDuration, 0.0001)
	assert.InDelta(t, 9.0, info.Segments[1].Timeline, 0.0001)
	assert.Equal(t, 3, info.Segments[0].AttemptsRemaining)

	assert.Equal(t, filepath.Join(cacheRoot, domain.CacheKey(srv.URL+"/master.m3u8")), info.CacheDir)
	assert.Equal(t, info.CacheDir, filepath.Dir(info.Segments[0].CachePath))

	require.NotNil(t, info.Crypto)
	assert.Equal(t, "AES-128", info.Crypto.Method)
	assert.Equal(t, srv.URL+"/keys/k.bin", info.Crypto.KeyURI)
	assert.Equal(t, testKey, info.Crypto.Key)
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}, info.Crypto.IV)
}

func TestResolver_cachesByURL(t *testing.T) {
	var hits atomic.Int32
	srv := originServer(t, map[string]string{"/index.m3u8": encryptedManifest}, &hits)
	r := newTestResolver()
	req := Request{URL: srv.URL + "/index.m3u8", CacheDir: t.TempDir(), SegmentRetries: 3}

	first, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	afterFirst := hits.Load()

	second, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, afterFirst, hits.Load(), "cached manifest should not be refetched")

	// callers get independent segments
	first.Segments[0].ByteSize = 99
	assert.Zero(t, second.Segments[0].ByteSize)

	r.Forget(req.URL)
	_, err = r.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Greater(t, hits.Load(), afterFirst)
}

func TestResolver_cancelledCallerDoesNotFailOthers(t *testing.T) {
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case arrived <- struct{}{}:
		default:
		}
		<-release
		_, _ = w.Write([]byte("#EXTM3U\n#EXT-X-TARGETDURATION:4\n#EXTINF:4.0,\na.ts\n#EXTINF:4.0,\nb.ts\n#EXT-X-ENDLIST\n"))
	}))
	defer srv.Close()

	r := NewResolver(NewClient(5*time.Second, 1, time.Millisecond), logger.Nop())
	req := Request{URL: srv.URL + "/index.m3u8", CacheDir: t.TempDir(), SegmentRetries: 1}

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctx, req)
		first <- err
	}()
	<-arrived

	type result struct {
		info *domain.PlaylistInfo
		err  error
	}
	second := make(chan result, 1)
	go func() {
		info, err := r.Resolve(context.Background(), req)
		second <- result{info, err}
	}()

	cancel()
	select {
	case err := <-first:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(release)
	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, 2, res.info.SegmentCount())
	assert.Equal(t, int32(1), hits.Load(), "both callers share one fetch")
}

func TestResolver_emptyPlaylist(t *testing.T) {
	srv := originServer(t, map[string]string{
		"/empty.m3u8":   "#EXTM3U\n#EXT-X-TARGETDURATION:10\n#EXT-X-ENDLIST\n",
		"/garbage.m3u8": "<html>not a playlist</html>",
	}, nil)

	r := newTestResolver()
	for _, path := range []string{"/empty.m3u8", "/garbage.m3u8"} {
		_, err := r.Resolve(context.Background(), Request{URL: srv.URL + path, CacheDir: t.TempDir()})
		assert.ErrorIs(t, err, domain.ErrEmptyPlaylist, path)
	}
}

func TestResolver_rejectsNonCBCMethods(t *testing.T) {
	srv := originServer(t, map[string]string{
		"/index.m3u8": "#EXTM3U\n#EXT-X-TARGETDURATION:10\n#EXT-X-KEY:METHOD=SAMPLE-AES,URI=\"/keys/k.bin\"\n#EXTINF:4.0,\nseg0.ts\n#EXT-X-ENDLIST\n",
	}, nil)

	_, err := newTestResolver().Resolve(context.Background(), Request{URL: srv.URL + "/index.m3u8", CacheDir: t.TempDir()})
	assert.ErrorIs(t, err, domain.ErrUnsupportedCipher)
}

func TestResolver_missingKey(t *testing.T) {
	srv := originServer(t, map[string]string{
		"/index.m3u8": "#EXTM3U\n#EXT-X-TARGETDURATION:10\n#EXT-X-KEY:METHOD=AES-128,URI=\"/nokey\"\n#EXTINF:4.0,\nseg0.ts\n#EXT-X-ENDLIST\n",
	}, nil)

	_, err := newTestResolver().Resolve(context.Background(), Request{URL: srv.URL + "/index.m3u8", CacheDir: t.TempDir()})
	assert.ErrorIs(t, err, domain.ErrKeyFetch)
}

func TestResolver_localFile(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "local.m3u8")
	require.NoError(t, os.WriteFile(manifest, []byte("#EXTM3U\n#EXT-X-TARGETDURATION:5\n#EXTINF:5.0,\nparts/a.ts\n#EXT-X-ENDLIST\n"), 0644))

	info, err := newTestResolver().Resolve(context.Background(), Request{URL: manifest, CacheDir: t.TempDir()})
	require.NoError(t, err)
	require.Equal(t, 1, info.SegmentCount())
	assert.Equal(t, filepath.Join(dir, "parts", "a.ts"), info.Segments[0].URI)
	assert.Nil(t, info.Crypto)
}

func TestClient_retriesNon200(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := NewClient(time.Second, 3, time.Millisecond)
	body, err := c.Get(context.Background(), srv.URL, map[string]string{"Referer": "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(3), hits.Load())

	hits.Store(-10)
	_, err = c.Get(context.Background(), srv.URL, nil)
	assert.Error(t, err)
	assert.Equal(t, int32(-7), hits.Load(), "exactly Retries attempts")
}
