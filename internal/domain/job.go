package domain

import (
	"time"

	"github.com/segmentio/ksuid"
)

type JobStatus string

const (
	StatusPending JobStatus = "pending"
	StatusResume  JobStatus = "resume"
	StatusPause   JobStatus = "pause"
	StatusDone    JobStatus = "done"
	StatusError   JobStatus = "error"
)

// Job is the scheduler's record of one target URL. It holds no live handles
// and serializes as-is into the state store.
type Job struct {
	ID               string        `json:"id"`
	URL              string        `json:"url"`
	Options          Options       `json:"options"`
	EffectiveOptions Settings      `json:"effectiveOptions"`
	Status           JobStatus     `json:"status"`
	Stats            ProgressStats `json:"stats"`
	CacheDir         string        `json:"cacheDir,omitempty"`
	LocalVideo       string        `json:"localVideo,omitempty"`
	PlayURL          string        `json:"playUrl,omitempty"`
	RemoteURL        string        `json:"remoteUrl,omitempty"`
	Error            string        `json:"errmsg,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

func NewJob(url string, opts Options, now time.Time) *Job {
	return &Job{
		ID:        ksuid.New().String(),
		URL:       url,
		Options:   opts,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a copy safe to hand to other goroutines.
func (j *Job) Clone() *Job {
	c := *j
	return &c
}

// Progress is the partial snapshot pushed to observers on each update.
type Progress struct {
	URL     string        `json:"url"`
	Status  JobStatus     `json:"status"`
	Stats   ProgressStats `json:"stats"`
	PlayURL string        `json:"playUrl,omitempty"`
}

func (j *Job) Progress() Progress {
	return Progress{URL: j.URL, Status: j.Status, Stats: j.Stats, PlayURL: j.PlayURL}
}

// QueueStatus summarizes admission state.
type QueueStatus struct {
	QueueLength     int      `json:"queueLength"`
	ActiveDownloads []string `json:"activeDownloads"`
	MaxConcurrent   int      `json:"maxConcurrent"`
}
