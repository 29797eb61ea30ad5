package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/datallboy/gohls/internal/domain"
	"github.com/datallboy/gohls/internal/engine"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

type getFlags struct {
	threads   int
	saveDir   string
	filename  string
	force     bool
	keepCache bool
	headers   []string
	quiet     bool
}

func newGetCmd(cfgFile *string) *cobra.Command {
	var f getFlags

	cmd := &cobra.Command{
		Use:   "get <url>...",
		Short: "Download one or more playlists and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runGet(ctx, cmd, *cfgFile, args, f)
		},
	}

	cmd.Flags().IntVarP(&f.threads, "threads", "n", 0, "concurrent segment downloads (default from config)")
	cmd.Flags().StringVarP(&f.saveDir, "output", "o", "", "directory for merged files (default from config)")
	cmd.Flags().StringVar(&f.filename, "filename", "", "output name, only with a single url")
	cmd.Flags().BoolVar(&f.force, "force", false, "download again even if the output exists")
	cmd.Flags().BoolVar(&f.keepCache, "keep-cache", false, "keep downloaded segments after merging")
	cmd.Flags().StringArrayVarP(&f.headers, "header", "H", nil, `extra request header, "Name: value"`)
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "no progress bar")
	return cmd
}

func (f getFlags) options() (domain.Options, error) {
	opts := domain.Options{
		ThreadNum: f.threads,
		SaveDir:   f.saveDir,
		Filename:  f.filename,
		Force:     f.force,
	}
	if f.keepCache {
		opts.KeepCache = &f.keepCache
	}
	for _, h := range f.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return opts, fmt.Errorf("invalid header %q, want \"Name: value\"", h)
		}
		if opts.Headers == nil {
			opts.Headers = make(map[string]string)
		}
		opts.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return opts, nil
}

func runGet(ctx context.Context, cmd *cobra.Command, cfgFile string, urls []string, f getFlags) error {
	if f.filename != "" && len(urls) > 1 {
		return fmt.Errorf("--filename needs exactly one url")
	}

	appCtx, err := bootstrap(cfgFile, false)
	if err != nil {
		return err
	}
	defer appCtx.Logger.Close()

	opts, err := f.options()
	if err != nil {
		return err
	}
	settings, err := opts.Apply(appCtx.DefaultSettings())
	if err != nil {
		return err
	}

	targets := make([]engine.Target, len(urls))
	for i, u := range urls {
		targets[i] = engine.Target{URL: u, Settings: settings}
	}

	out := cmd.OutOrStdout()
	var onUpdate func(domain.DownloadUpdate)
	if !f.quiet {
		bar := progressbar.NewOptions(100*len(urls),
			progressbar.OptionSetWriter(cmd.ErrOrStderr()),
			progressbar.OptionSetDescription("downloading"),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
		defer bar.Finish()

		var mu sync.Mutex
		percent := make(map[string]int, len(urls))
		onUpdate = func(u domain.DownloadUpdate) {
			mu.Lock()
			defer mu.Unlock()
			if u.Phase == domain.PhaseComplete {
				percent[u.URL] = 100
			} else if u.Stats.TsCount > 0 {
				percent[u.URL] = int(u.Stats.Progress)
			}
			total := 0
			for _, p := range percent {
				total += p
			}
			_ = bar.Set(total)
		}
	}

	results := newDownloader(appCtx).DownloadBatch(ctx, targets, settings.ThreadNum, onUpdate)

	failed := 0
	for _, res := range results {
		switch {
		case res.Err != nil:
			failed++
			fmt.Fprintf(out, "\nFAILED  %s: %v\n", res.URL, res.Err)
		case res.Skipped:
			fmt.Fprintf(out, "\nEXISTS  %s -> %s\n", res.URL, res.Output)
		default:
			fmt.Fprintf(out, "\nDONE    %s -> %s\n", res.URL, res.Output)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", failed, len(results))
	}
	return nil
}
