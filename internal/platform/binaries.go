package platform

import (
	"os/exec"

	"github.com/datallboy/gohls/internal/infra/logger"
)

// OptionalBinaries lists external tools gohls uses when present
var OptionalBinaries = map[string]string{
	"ffmpeg": "MP4 remuxing",
}

// FindFFmpeg resolves the transcoder. An explicit path wins over $PATH.
func FindFFmpeg(configured string) (string, bool) {
	return Find("ffmpeg", configured)
}

// Find resolves bin, preferring a configured path or name.
func Find(bin, configured string) (string, bool) {
	name := configured
	if name == "" {
		name = bin
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", false
	}
	return path, true
}

// ReportOptional logs which optional features are disabled by missing binaries.
// configured maps a binary to its path from config, if any.
func ReportOptional(log *logger.Logger, configured map[string]string) {
	for bin, feature := range OptionalBinaries {
		if _, ok := Find(bin, configured[bin]); !ok {
			log.Info("%s not found. %s will be disabled and segments are concatenated raw.", bin, feature)
		}
	}
}
