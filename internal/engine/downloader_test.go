package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/datallboy/gohls/internal/domain"
	"github.com/datallboy/gohls/internal/playback"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloader_downloadsAndMerges(t *testing.T) {
	appCtx := testAppContext(t)
	d := testDownloader(t, appCtx)
	o := newOrigin(t, 7)

	var updates []domain.DownloadUpdate
	res := d.Download(context.Background(), o.manifestURL(), appCtx.DefaultSettings(), func(u domain.DownloadUpdate) {
		updates = append(updates, u)
	})
	require.NoError(t, res.Err)
	assert.False(t, res.Skipped)
	assert.True(t, strings.HasSuffix(res.Output, ".ts"))

	data, err := os.ReadFile(res.Output)
	require.NoError(t, err)
	assert.Equal(t, expectedOutput(7), data)

	_, err = os.Stat(res.CacheDir)
	assert.True(t, os.IsNotExist(err), "cache is removed unless kept")

	settled := 0
	for _, u := range updates {
		require.GreaterOrEqual(t, u.Stats.Settled(), settled)
		settled = u.Stats.Settled()
	}
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.Equal(t, domain.PhaseComplete, last.Phase)
	assert.Equal(t, 7, last.Stats.TsSuccess)
	assert.InDelta(t, 100.0, last.Stats.Progress, 0.001)
}

func TestDownloader_resumeReusesCache(t *testing.T) {
	appCtx := testAppContext(t)
	d := testDownloader(t, appCtx)
	o := newOrigin(t, 5)

	settings := appCtx.DefaultSettings()
	settings.KeepCache = true

	first := d.Download(context.Background(), o.manifestURL(), settings, nil)
	require.NoError(t, first.Err)
	want, err := os.ReadFile(first.Output)
	require.NoError(t, err)
	require.Equal(t, 5, o.segmentHits())

	require.NoError(t, os.Remove(first.Output))
	second := d.Download(context.Background(), o.manifestURL(), settings, nil)
	require.NoError(t, second.Err)

	assert.Equal(t, 5, o.segmentHits(), "cached segments are not fetched again")
	got, err := os.ReadFile(second.Output)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDownloader_skipsExistingOutput(t *testing.T) {
	appCtx := testAppContext(t)
	d := testDownloader(t, appCtx)
	o := newOrigin(t, 3)
	settings := appCtx.DefaultSettings()

	first := d.Download(context.Background(), o.manifestURL(), settings, nil)
	require.NoError(t, first.Err)
	manifestHits := o.hitsFor("/index.m3u8")

	second := d.Download(context.Background(), o.manifestURL(), settings, nil)
	require.NoError(t, second.Err)
	assert.True(t, second.Skipped)
	assert.Equal(t, first.Output, second.Output)
	assert.Equal(t, manifestHits, o.hitsFor("/index.m3u8"))

	settings.Force = true
	third := d.Download(context.Background(), o.manifestURL(), settings, nil)
	require.NoError(t, third.Err)
	assert.False(t, third.Skipped)
}

func TestDownloader_forceRereadsManifest(t *testing.T) {
	appCtx := testAppContext(t)
	d := testDownloader(t, appCtx)
	o := newOrigin(t, 3)
	settings := appCtx.DefaultSettings()

	first := d.Download(context.Background(), o.manifestURL(), settings, nil)
	require.NoError(t, first.Err)
	require.Equal(t, 1, o.hitsFor("/index.m3u8"))

	o.setSegments(5)
	settings.Force = true
	res := d.Download(context.Background(), o.manifestURL(), settings, nil)
	require.NoError(t, res.Err)
	assert.Equal(t, 2, o.hitsFor("/index.m3u8"))
	assert.Equal(t, 5, res.Stats.TsCount)

	data, err := os.ReadFile(res.Output)
	require.NoError(t, err)
	assert.Equal(t, expectedOutput(5), data)
}

func TestDownloader_retryIsBounded(t *testing.T) {
	appCtx := testAppContext(t)
	d := testDownloader(t, appCtx)
	o := newOrigin(t, 4)
	o.setFailing(2, true)

	settings := appCtx.DefaultSettings()
	res := d.Download(context.Background(), o.manifestURL(), settings, nil)

	require.ErrorIs(t, res.Err, domain.ErrSegmentsFailed)
	assert.Equal(t, 1, res.Stats.TsFailed)
	assert.Equal(t, 3, res.Stats.TsSuccess)
	assert.Equal(t, res.Stats.TsCount, res.Stats.Settled())
	assert.Empty(t, res.Output)

	// FetchRetries attempts per task, one task plus SegmentRetries resubmissions
	assert.Equal(t, settings.FetchRetries*(settings.SegmentRetries+1), o.hitsFor("/seg2.ts"))

	// the partial cache survives, so a retry only fetches the missing segment
	o.setFailing(2, false)
	res = d.Download(context.Background(), o.manifestURL(), settings, nil)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, o.hitsFor("/seg0.ts"))
	assert.Equal(t, 2, o.hitsFor("/index.m3u8"), "a failed run re-reads the manifest")

	data, err := os.ReadFile(res.Output)
	require.NoError(t, err)
	assert.Equal(t, expectedOutput(4), data)
}

func TestDownloader_decryptsSegments(t *testing.T) {
	appCtx := testAppContext(t)
	d := testDownloader(t, appCtx)
	o := newOrigin(t, 3)
	o.key = []byte("0123456789abcdef")
	o.iv = []byte("fedcba9876543210")

	res := d.Download(context.Background(), o.manifestURL(), appCtx.DefaultSettings(), nil)
	require.NoError(t, res.Err)

	data, err := os.ReadFile(res.Output)
	require.NoError(t, err)
	assert.Equal(t, expectedOutput(3), data)
	assert.Equal(t, 1, o.hitsFor("/key.bin"))
}

func TestDownloader_cancelledBeforeStart(t *testing.T) {
	appCtx := testAppContext(t)
	d := testDownloader(t, appCtx)
	o := newOrigin(t, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := d.Download(ctx, o.manifestURL(), appCtx.DefaultSettings(), nil)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 0, o.segmentHits())
}

func TestDownloader_playWhileDownloading(t *testing.T) {
	appCtx := testAppContext(t)
	d := testDownloader(t, appCtx)
	srv := playback.NewServer("127.0.0.1:0", appCtx.Logger)
	defer srv.Close(context.Background())
	d.SetPlayback(srv)
	o := newOrigin(t, 6)

	settings := appCtx.DefaultSettings()
	settings.PlayWhileDownloading = true
	settings.KeepCache = true

	var playURL string
	res := d.Download(context.Background(), o.manifestURL(), settings, func(u domain.DownloadUpdate) {
		if u.PlayURL != "" {
			playURL = u.PlayURL
		}
	})
	require.NoError(t, res.Err)
	assert.Contains(t, playURL, "/play/"+domain.CacheKey(o.manifestURL())+"/local.m3u8")

	local, err := os.ReadFile(filepath.Join(res.CacheDir, playback.LocalPlaylistName))
	require.NoError(t, err)
	assert.Equal(t, 6, strings.Count(string(local), "#EXTINF"))
	assert.Contains(t, string(local), "#EXT-X-ENDLIST")
}

func TestDownloader_DownloadBatch(t *testing.T) {
	appCtx := testAppContext(t)
	d := testDownloader(t, appCtx)
	a := newOrigin(t, 4)
	b := newOrigin(t, 6)
	settings := appCtx.DefaultSettings()

	results := d.DownloadBatch(context.Background(), []Target{
		{URL: a.manifestURL(), Settings: settings},
		{URL: b.manifestURL(), Settings: settings},
	}, 2, nil)

	require.Len(t, results, 2)
	assert.Equal(t, a.manifestURL(), results[0].URL)
	assert.Equal(t, b.manifestURL(), results[1].URL)
	for i, want := range []int{4, 6} {
		require.NoError(t, results[i].Err)
		data, err := os.ReadFile(results[i].Output)
		require.NoError(t, err)
		assert.Equal(t, expectedOutput(want), data)
	}
}

func TestOutputBase(t *testing.T) {
	s := domain.Settings{SaveDir: "/out"}

	base := OutputBase("https://cdn.example.com/show/ep1/index.m3u8", s)
	assert.True(t, strings.HasPrefix(filepath.Base(base), "ep1_"))

	s.Filename = "My Movie.mp4"
	assert.Equal(t, filepath.Join("/out", "My_Movie"), OutputBase("https://x/y.m3u8", s))
}
