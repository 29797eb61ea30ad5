package domain

// Phase is the orchestrator state of one target.
type Phase string

const (
	PhaseResolving Phase = "resolving"
	PhaseRunning   Phase = "running"
	PhaseMerging   Phase = "merging"
	PhaseComplete  Phase = "complete"
	PhaseFailed    Phase = "failed"
)

// DownloadUpdate is streamed to the caller after every segment outcome.
type DownloadUpdate struct {
	URL     string
	Phase   Phase
	Stats   ProgressStats
	PlayURL string
}

// DownloadResult is the outcome of one download attempt.
type DownloadResult struct {
	URL       string
	Output    string
	RemoteURL string
	// Skipped is set when the output already existed and nothing was fetched
	Skipped  bool
	Stats    ProgressStats
	CacheDir string
	Err      error
}
