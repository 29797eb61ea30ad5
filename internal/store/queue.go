package store

import (
	"fmt"

	"github.com/datallboy/gohls/internal/domain"
)

// Save replaces the stored table with jobs in one transaction.
func (s *SQLStore) Save(jobs []*domain.Job) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM jobs"); err != nil {
		return fmt.Errorf("failed to clear jobs: %w", err)
	}

	stmt, err := tx.Prepare(s.rebind(`INSERT INTO jobs (url, id, status, data, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, job := range jobs {
		var row jobDBO
		if err := row.FromDomain(job); err != nil {
			return err
		}
		if _, err := stmt.Exec(row.URL, row.ID, row.Status, row.Data, row.CreatedAt, row.UpdatedAt); err != nil {
			return fmt.Errorf("failed to save job %s: %w", job.URL, err)
		}
	}

	return tx.Commit()
}

// Load returns every job in creation order.
func (s *SQLStore) Load() ([]*domain.Job, error) {
	rows, err := s.db.Query("SELECT url, id, status, data, created_at, updated_at FROM jobs ORDER BY created_at, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		var row jobDBO
		if err := rows.Scan(&row.URL, &row.ID, &row.Status, &row.Data, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, err
		}

		job, err := row.ToDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}
