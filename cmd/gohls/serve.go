package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/datallboy/gohls/internal/api"
	"github.com/datallboy/gohls/internal/app"
	"github.com/datallboy/gohls/internal/engine"
	"github.com/datallboy/gohls/internal/infra/config"
	"github.com/datallboy/gohls/internal/playback"
	"github.com/datallboy/gohls/internal/realtime"
	"github.com/datallboy/gohls/internal/storage"
	"github.com/datallboy/gohls/internal/store"
	"github.com/labstack/echo/v5"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(cfgFile *string) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the download job server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *cfgFile, port)
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "port to listen on (overrides config)")
	return cmd
}

func runServe(ctx context.Context, cfgFile, port string) error {
	appCtx, err := bootstrap(cfgFile, true)
	if err != nil {
		return err
	}
	defer appCtx.Logger.Close()
	log := appCtx.Logger
	cfg := appCtx.Config

	if port != "" {
		cfg.Port = port
	}

	st, err := store.Open(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}
	defer st.Close()
	appCtx.Store = st

	hub := realtime.NewHub(log.Named("ws"))
	appCtx.Events = hub

	downloader := newDownloader(appCtx)

	player := playback.NewServer("127.0.0.1:0", log.Named("playback"))
	downloader.SetPlayback(player)

	if cfg.Output.GCSBucket != "" {
		pub, err := storage.NewGCSPublisher(ctx, cfg.Output.GCSBucket, cfg.Output.GCSPrefix)
		if err != nil {
			return fmt.Errorf("failed to set up output bucket: %w", err)
		}
		defer pub.Close()
		downloader.SetPublisher(pub)
		log.Info("Merged outputs will be uploaded to gs://%s/%s", cfg.Output.GCSBucket, cfg.Output.GCSPrefix)
	}

	queue := engine.NewQueueManager(appCtx, downloader)
	if err := queue.Load(); err != nil {
		return fmt.Errorf("failed to load jobs: %w", err)
	}

	go func() {
		err := config.Watch(ctx, cfg.Path(), func(next *config.Config) {
			if _, err := appCtx.UpdateConfig(func(c *config.Config) error {
				c.Scheduler = next.Scheduler
				return nil
			}); err != nil {
				log.Warn("Ignoring config change: %v", err)
				return
			}
			queue.SetMaxDownloads(next.Scheduler.MaxDownloads)
			log.Info("Config reloaded, max downloads %d", next.Scheduler.MaxDownloads)
		}, func(err error) {
			log.Warn("Config watch: %v", err)
		})
		if err != nil {
			log.Warn("Config hot-reload disabled: %v", err)
		}
	}()

	e := echo.New()
	api.RegisterRoutes(e, appCtx, queue, hub)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("gohls %s listening on %s", app.Version, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case err := <-errCh:
		if err != nil {
			queue.Close()
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown: %v", err)
	}
	hub.Close()
	if err := queue.Close(); err != nil {
		log.Error("Failed to save jobs: %v", err)
	}
	if err := player.Close(shutdownCtx); err != nil {
		log.Warn("Playback shutdown: %v", err)
	}
	return nil
}
