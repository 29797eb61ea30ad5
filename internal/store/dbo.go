package store

import (
	"encoding/json"
	"fmt"

	"github.com/datallboy/gohls/internal/domain"
)

// jobDBO maps to the jobs table. Status and timestamps are columns for
// querying; the full job travels in Data.
type jobDBO struct {
	URL       string `db:"url"`
	ID        string `db:"id"`
	Status    string `db:"status"`
	Data      string `db:"data"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

// Mapper: Domain Job to DBO
func (r *jobDBO) FromDomain(job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.URL, err)
	}

	r.URL = job.URL
	r.ID = job.ID
	r.Status = string(job.Status)
	r.Data = string(data)
	r.CreatedAt = job.CreatedAt.UnixMilli()
	r.UpdatedAt = job.UpdatedAt.UnixMilli()
	return nil
}

// Mapper: DBO to Domain Job
func (r *jobDBO) ToDomain() (*domain.Job, error) {
	var job domain.Job
	if err := json.Unmarshal([]byte(r.Data), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", r.URL, err)
	}
	job.URL = r.URL
	return &job, nil
}
