package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/datallboy/gohls/internal/domain"
	"github.com/datallboy/gohls/internal/infra/logger"
)

// Merger joins cached segments into one output file.
type Merger struct {
	ffmpeg string
	log    *logger.Logger
}

// NewMerger takes the resolved transcoder path, or "" to always concatenate raw.
func NewMerger(ffmpeg string, log *logger.Logger) *Merger {
	return &Merger{ffmpeg: ffmpeg, log: log}
}

func (m *Merger) CanRemux() bool { return m.ffmpeg != "" }

// Merge writes base+".mp4" through the transcoder when convert is set and one is
// available, otherwise base+".ts". Segments are joined by Index regardless of slice order.
func (m *Merger) Merge(ctx context.Context, segments []*domain.Segment, base string, convert bool) (string, error) {
	ordered := slices.Clone(segments)
	slices.SortFunc(ordered, func(a, b *domain.Segment) int { return a.Index - b.Index })

	if err := os.MkdirAll(filepath.Dir(base), 0755); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrNoMergeOutput, err)
	}

	if convert && m.CanRemux() {
		out, err := m.remux(ctx, ordered, base+".mp4")
		if err == nil {
			return out, nil
		}
		m.log.Warn("ffmpeg merge failed, falling back to raw concatenation: %v", err)
	}

	out, err := concat(ordered, base+".ts")
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrNoMergeOutput, err)
	}
	return out, nil
}

func (m *Merger) remux(ctx context.Context, segments []*domain.Segment, out string) (string, error) {
	list, err := os.CreateTemp(filepath.Dir(out), ".concat-*.txt")
	if err != nil {
		return "", err
	}
	defer os.Remove(list.Name())

	for _, seg := range segments {
		abs, err := filepath.Abs(seg.CachePath)
		if err != nil {
			list.Close()
			return "", err
		}
		fmt.Fprintf(list, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	if err := list.Close(); err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, m.ffmpeg,
		"-y", "-hide_banner", "-loglevel", "error",
		"-f", "concat", "-safe", "0", "-i", list.Name(),
		"-c", "copy", out,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		os.Remove(out)
		return "", fmt.Errorf("%w\nOutput: %s", err, string(output))
	}

	if info, err := os.Stat(out); err != nil || info.Size() == 0 {
		os.Remove(out)
		return "", fmt.Errorf("ffmpeg produced no output at %s", out)
	}
	return out, nil
}

func concat(segments []*domain.Segment, out string) (string, error) {
	part := out + ".part"
	dst, err := os.Create(part)
	if err != nil {
		return "", err
	}

	for _, seg := range segments {
		if err := appendFile(dst, seg.CachePath); err != nil {
			dst.Close()
			os.Remove(part)
			return "", err
		}
	}

	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(part)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(part)
		return "", err
	}

	if err := os.Rename(part, out); err != nil {
		os.Remove(part)
		return "", err
	}
	return out, nil
}

func appendFile(dst io.Writer, path string) error {
	src, err := os.Open(path)
	if err != nil {
		// a missing segment means the output would be corrupt
		return fmt.Errorf("missing segment file %s: %w", path, err)
	}
	defer src.Close()

	_, err = io.Copy(dst, src)
	return err
}
