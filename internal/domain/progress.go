package domain

import "time"

// ProgressStats tracks one download. Counters only grow; Done flips once.
type ProgressStats struct {
	TsCount            int       `json:"tsCount"`
	TsSuccess          int       `json:"tsSuccess"`
	TsFailed           int       `json:"tsFailed"`
	DownloadedSize     int64     `json:"downloadedSize"`
	DownloadedDuration float64   `json:"downloadedDuration"`
	Duration           float64   `json:"duration"`
	Speed              float64   `json:"speed"`
	AvgSpeed           float64   `json:"avgSpeed"`
	Progress           float64   `json:"progress"`
	RemainingTime      float64   `json:"remainingTime"`
	StartTime          time.Time `json:"startTime"`
	UpdatedAt          time.Time `json:"updatedAt"`
	EndTime            time.Time `json:"endTime,omitzero"`
}

func NewProgressStats(info *PlaylistInfo, now time.Time) ProgressStats {
	return ProgressStats{
		TsCount:   info.SegmentCount(),
		Duration:  info.TotalDuration,
		StartTime: now,
		UpdatedAt: now,
	}
}

// Settled is the number of segments with a final outcome.
func (p *ProgressStats) Settled() int {
	return p.TsSuccess + p.TsFailed
}

func (p *ProgressStats) Finished() bool {
	return p.TsCount > 0 && p.Settled() == p.TsCount
}

// RecordSuccess accounts for one fetched segment and recomputes speed and ETA.
func (p *ProgressStats) RecordSuccess(size int64, duration float64, now time.Time) {
	if p.Finished() {
		return
	}
	p.TsSuccess++
	p.DownloadedSize += size
	p.DownloadedDuration += duration

	if since := now.Sub(p.UpdatedAt).Seconds(); since > 0 {
		p.Speed = float64(size) / since
	}
	p.recompute(now)
}

// RecordFailure accounts for one segment that exhausted its retries.
func (p *ProgressStats) RecordFailure(now time.Time) {
	if p.Finished() {
		return
	}
	p.TsFailed++
	p.recompute(now)
}

func (p *ProgressStats) recompute(now time.Time) {
	p.UpdatedAt = now
	elapsed := now.Sub(p.StartTime).Seconds()
	if elapsed > 0 {
		p.AvgSpeed = float64(p.DownloadedSize) / elapsed
	}

	if p.TsCount > 0 {
		p.Progress = float64(p.TsSuccess) / float64(p.TsCount) * 100
	}

	// segment sizes vary, so the ETA follows media time rather than segment count
	if p.DownloadedDuration > 0 && p.Duration > p.DownloadedDuration {
		p.RemainingTime = elapsed * (p.Duration - p.DownloadedDuration) / p.DownloadedDuration
	} else {
		p.RemainingTime = 0
	}

	if p.Finished() {
		p.EndTime = now
		p.RemainingTime = 0
	}
}
