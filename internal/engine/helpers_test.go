package engine

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/datallboy/gohls/internal/app"
	"github.com/datallboy/gohls/internal/infra/config"
	"github.com/datallboy/gohls/internal/infra/logger"
	"github.com/datallboy/gohls/internal/playlist"
)

func testAppContext(t *testing.T) *app.Context {
	t.Helper()
	cfg := config.Default()
	cfg.Download.SaveDir = t.TempDir()
	cfg.Download.CacheDir = t.TempDir()
	cfg.Download.ThreadNum = 2
	cfg.Download.FetchRetries = 2
	cfg.Download.SegmentRetries = 2
	cfg.Download.RetryDelay = time.Millisecond
	cfg.Download.Convert = false
	cfg.Scheduler.MaxDownloads = 2
	cfg.Scheduler.PersistDebounce = 10 * time.Millisecond
	cfg.Scheduler.ProgressInterval = 10 * time.Millisecond
	return app.NewContext(cfg, logger.Nop())
}

func testDownloader(t *testing.T, appCtx *app.Context) *Downloader {
	t.Helper()
	client := playlist.NewClient(5*time.Second, 1, time.Millisecond)
	resolver := playlist.NewResolver(client, appCtx.Logger)
	fetcher := NewSegmentFetcher(client, appCtx.Logger, appCtx.Metrics)
	return NewDownloader(appCtx, resolver, fetcher, NewMerger("", appCtx.Logger))
}

// origin is an HLS server whose segments carry their own index as payload.
type origin struct {
	*httptest.Server
	mu       sync.Mutex
	hits     map[string]int
	segments int
	failing  map[int]bool
	key      []byte
	iv       []byte
}

func newOrigin(t *testing.T, segments int) *origin {
	t.Helper()
	o := &origin{hits: make(map[string]int), segments: segments, failing: make(map[int]bool)}
	o.Server = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.Close)
	return o
}

func segmentPayload(i int) []byte {
	return []byte(fmt.Sprintf("segment-%03d|", i))
}

func (o *origin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.hits[r.URL.Path]++
	o.mu.Unlock()

	o.mu.Lock()
	segments := o.segments
	o.mu.Unlock()

	switch {
	case r.URL.Path == "/index.m3u8":
		var b strings.Builder
		b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n#EXT-X-MEDIA-SEQUENCE:0\n")
		if o.key != nil {
			fmt.Fprintf(&b, "#EXT-X-KEY:METHOD=AES-128,URI=\"key.bin\",IV=0x%x\n", o.iv)
		}
		for i := range segments {
			fmt.Fprintf(&b, "#EXTINF:%d.0,\nseg%d.ts\n", i%3+2, i)
		}
		b.WriteString("#EXT-X-ENDLIST\n")
		_, _ = w.Write([]byte(b.String()))
	case r.URL.Path == "/key.bin":
		_, _ = w.Write(o.key)
	default:
		var i int
		if _, err := fmt.Sscanf(r.URL.Path, "/seg%d.ts", &i); err != nil || i >= segments {
			http.NotFound(w, r)
			return
		}
		o.mu.Lock()
		failing := o.failing[i]
		o.mu.Unlock()
		if failing {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		payload := segmentPayload(i)
		if o.key != nil {
			payload = encryptCBC(o.key, o.iv, payload)
		}
		_, _ = w.Write(payload)
	}
}

func (o *origin) hitsFor(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func (o *origin) segmentHits() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for p, c := range o.hits {
		if strings.HasSuffix(p, ".ts") {
			n += c
		}
	}
	return n
}

func (o *origin) setFailing(i int, failing bool) {
	o.mu.Lock()
	o.failing[i] = failing
	o.mu.Unlock()
}

func (o *origin) setSegments(n int) {
	o.mu.Lock()
	o.segments = n
	o.mu.Unlock()
}

func (o *origin) manifestURL() string {
	return o.URL + "/index.m3u8"
}

func expectedOutput(segments int) []byte {
	var b bytes.Buffer
	for i := range segments {
		b.Write(segmentPayload(i))
	}
	return b.Bytes()
}

func encryptCBC(key, iv, plain []byte) []byte {
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	pad := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(bytes.Clone(plain), bytes.Repeat([]byte{byte(pad)}, pad)...)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}
