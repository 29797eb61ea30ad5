package storage

import (
	"context"
	"path"
	"path/filepath"
	"strings"
)

// Publisher copies a finished output somewhere outside the save directory.
type Publisher interface {
	// Publish uploads the file at localPath and returns where it now lives.
	Publish(ctx context.Context, localPath string) (string, error)
	Close() error
}

// ObjectName joins prefix and the file's base name into a bucket key.
func ObjectName(prefix, localPath string) string {
	prefix = strings.Trim(prefix, "/")
	name := filepath.Base(localPath)
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp4":
		return "video/mp4"
	case ".ts":
		return "video/mp2t"
	default:
		return "application/octet-stream"
	}
}
