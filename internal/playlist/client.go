package playlist

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Client performs GETs with a fixed retry budget. Paths and file:// URLs are read
// from disk so local manifests can reference local segments.
type Client struct {
	HTTP       *http.Client
	Retries    int
	RetryDelay time.Duration
	UserAgent  string
}

func NewClient(timeout time.Duration, retries int, delay time.Duration) *Client {
	if retries <= 0 {
		retries = 1
	}
	return &Client{
		HTTP:       &http.Client{Timeout: timeout},
		Retries:    retries,
		RetryDelay: delay,
		UserAgent:  "gohls/1.0",
	}
}

func IsRemote(target string) bool {
	return strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://")
}

// Get returns the body of target. Any non-200 response counts as a failed attempt.
func (c *Client) Get(ctx context.Context, target string, headers map[string]string) ([]byte, error) {
	return c.GetN(ctx, target, headers, c.Retries)
}

// GetN is Get with an explicit attempt budget.
func (c *Client) GetN(ctx context.Context, target string, headers map[string]string, attempts int) ([]byte, error) {
	if !IsRemote(target) {
		return os.ReadFile(strings.TrimPrefix(target, "file://"))
	}
	if attempts <= 0 {
		attempts = c.Retries
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		body, err := c.get(ctx, target, headers)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.RetryDelay):
		}
	}

	return nil, fmt.Errorf("GET %s failed after %d attempts: %w", target, attempts, lastErr)
}

func (c *Client) get(ctx context.Context, target string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("server returned status: %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
