package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/datallboy/gohls/internal/cache"
	"github.com/datallboy/gohls/internal/domain"
)

// FileStore keeps the job table as a JSON array of [url, job] pairs.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string { return s.path }

// Load returns no jobs when the file does not exist yet.
func (s *FileStore) Load() ([]*domain.Job, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var pairs [][2]json.RawMessage
	if err := json.Unmarshal(data, &pairs); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", s.path, err)
	}

	jobs := make([]*domain.Job, 0, len(pairs))
	for _, pair := range pairs {
		var url string
		if err := json.Unmarshal(pair[0], &url); err != nil {
			return nil, fmt.Errorf("decode state %s: %w", s.path, err)
		}
		var job domain.Job
		if err := json.Unmarshal(pair[1], &job); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", url, err)
		}
		job.URL = url
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// Save rewrites the whole file atomically.
func (s *FileStore) Save(jobs []*domain.Job) error {
	pairs := make([][2]any, len(jobs))
	for i, job := range jobs {
		pairs[i] = [2]any{job.URL, job}
	}

	data, err := json.MarshalIndent(pairs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return cache.Put(s.path, data)
}

func (s *FileStore) Close() error { return nil }
