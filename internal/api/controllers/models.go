package controllers

import (
	"github.com/datallboy/gohls/internal/domain"
	"github.com/datallboy/gohls/internal/infra/config"
)

// DownloadRequest accepts a single url, a list, or both.
type DownloadRequest struct {
	URL     string         `json:"url"`
	URLs    []string       `json:"urls"`
	Options domain.Options `json:"options"`
}

func (r DownloadRequest) targets() []string {
	var out []string
	seen := make(map[string]bool)
	for _, u := range append([]string{r.URL}, r.URLs...) {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

type DownloadResponse struct {
	Jobs   []*domain.Job     `json:"jobs"`
	Errors map[string]string `json:"errors,omitempty"`
}

type SelectRequest struct {
	URLs []string `json:"urls"`
	All  bool     `json:"all"`
}

type DeleteRequest struct {
	URLs        []string `json:"urls"`
	DeleteCache bool     `json:"deleteCache"`
	DeleteVideo bool     `json:"deleteVideo"`
}

type URLsResponse struct {
	URLs []string `json:"urls"`
}

type ServerInfo struct {
	Version      string         `json:"version"`
	RemuxEnabled bool           `json:"remuxEnabled"`
	Config       *config.Config `json:"config"`
}
