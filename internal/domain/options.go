package domain

import (
	"errors"
	"maps"
	"time"
)

// Options are the per-request overrides a client sends with a download.
// Pointer fields distinguish "unset" from an explicit false.
type Options struct {
	ThreadNum            int               `json:"threadNum,omitempty"`
	SaveDir              string            `json:"saveDir,omitempty"`
	CacheDir             string            `json:"cacheDir,omitempty"`
	Filename             string            `json:"filename,omitempty"`
	Headers              map[string]string `json:"headers,omitempty"`
	Convert              *bool             `json:"convert,omitempty"`
	KeepCache            *bool             `json:"keepCache,omitempty"`
	PlayWhileDownloading *bool             `json:"playWhileDownloading,omitempty"`
	Force                bool              `json:"force,omitempty"`
}

// Settings is the fully resolved configuration of one download.
type Settings struct {
	ThreadNum            int               `json:"threadNum"`
	SaveDir              string            `json:"saveDir"`
	CacheDir             string            `json:"cacheDir"`
	Filename             string            `json:"filename,omitempty"`
	Headers              map[string]string `json:"headers,omitempty"`
	Convert              bool              `json:"convert"`
	KeepCache            bool              `json:"keepCache"`
	PlayWhileDownloading bool              `json:"playWhileDownloading"`
	Force                bool              `json:"force"`
	FetchRetries         int               `json:"fetchRetries"`
	SegmentRetries       int               `json:"segmentRetries"`
	RetryDelay           time.Duration     `json:"retryDelay"`
}

// Apply layers o over defaults. Headers merge, request values winning.
func (o Options) Apply(defaults Settings) (Settings, error) {
	s := defaults
	s.Headers = maps.Clone(defaults.Headers)

	if o.ThreadNum > 0 {
		s.ThreadNum = o.ThreadNum
	}
	if o.SaveDir != "" {
		s.SaveDir = o.SaveDir
	}
	if o.CacheDir != "" {
		s.CacheDir = o.CacheDir
	}
	if o.Filename != "" {
		s.Filename = o.Filename
	}
	if len(o.Headers) > 0 {
		if s.Headers == nil {
			s.Headers = make(map[string]string, len(o.Headers))
		}
		maps.Copy(s.Headers, o.Headers)
	}
	if o.Convert != nil {
		s.Convert = *o.Convert
	}
	if o.KeepCache != nil {
		s.KeepCache = *o.KeepCache
	}
	if o.PlayWhileDownloading != nil {
		s.PlayWhileDownloading = *o.PlayWhileDownloading
	}
	s.Force = o.Force

	return s, s.Validate()
}

func (s Settings) Validate() error {
	if s.ThreadNum <= 0 {
		return errors.New("thread count must be positive")
	}
	if s.SaveDir == "" {
		return errors.New("save directory is required")
	}
	if s.CacheDir == "" {
		return errors.New("cache directory is required")
	}
	if s.FetchRetries <= 0 {
		return errors.New("fetch retries must be positive")
	}
	if s.SegmentRetries < 0 {
		return errors.New("segment retries cannot be negative")
	}
	return nil
}
