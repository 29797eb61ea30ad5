package engine

import "github.com/datallboy/gohls/internal/domain"

// FetchTask is the message a pool unit receives. Segment is read-only inside the unit.
type FetchTask struct {
	Owner   string
	Segment *domain.Segment
	Crypto  *domain.CryptoContext
	Headers map[string]string
	// Retries is the HTTP attempt budget inside the unit
	Retries int
}

// FetchResult is the message a pool unit sends back.
type FetchResult struct {
	Task   FetchTask
	Size   int64
	Cached bool
	Err    error
}

// Target is one entry of a batch download.
type Target struct {
	URL      string
	Settings domain.Settings
}
