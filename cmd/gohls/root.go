package main

import (
	"fmt"

	"github.com/datallboy/gohls/internal/app"
	"github.com/datallboy/gohls/internal/engine"
	"github.com/datallboy/gohls/internal/infra/config"
	"github.com/datallboy/gohls/internal/infra/logger"
	"github.com/datallboy/gohls/internal/metrics"
	"github.com/datallboy/gohls/internal/platform"
	"github.com/datallboy/gohls/internal/playlist"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "gohls",
		Short: "Download HLS streams into single media files",
		Long: `gohls fetches an m3u8 playlist, downloads and decrypts its segments in
parallel and merges them into one playable file.

Run "gohls get" for one-off downloads or "gohls serve" for the job server.`,
		SilenceUsage: true,
		Version:      app.Version,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "config file")

	root.AddCommand(newServeCmd(&cfgFile))
	root.AddCommand(newGetCmd(&cfgFile))
	return root
}

// bootstrap loads the config and opens the log. Stdout logging is the
// caller's choice so the get progress bar stays readable.
func bootstrap(cfgFile string, stdout bool) (*app.Context, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Log.Path, logger.ParseLevel(cfg.Log.Level), stdout && cfg.Log.IncludeStdout)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}

	appCtx := app.NewContext(cfg, log)
	appCtx.Metrics = metrics.New()
	return appCtx, nil
}

// newDownloader wires the fetch path shared by both commands.
func newDownloader(appCtx *app.Context) *engine.Downloader {
	d := appCtx.Config.Download
	client := playlist.NewClient(d.RequestTimeout, d.FetchRetries, d.RetryDelay)
	resolver := playlist.NewResolver(client, appCtx.Logger.Named("playlist"))
	fetcher := engine.NewSegmentFetcher(client, appCtx.Logger.Named("fetch"), appCtx.Metrics)

	platform.ReportOptional(appCtx.Logger, map[string]string{"ffmpeg": d.FFmpegPath})
	ffmpeg, ok := platform.FindFFmpeg(d.FFmpegPath)
	appCtx.RemuxEnabled = ok

	return engine.NewDownloader(appCtx, resolver, fetcher, engine.NewMerger(ffmpeg, appCtx.Logger.Named("merge")))
}
