// Package extractor provides the typed client for the external media
// extraction worker: submit, status, cancel, list files, fetch file.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/media-vault/internal/types"
)

// Sentinel errors the reconciliation engine classifies on.
var (
	// ErrJobNotFound means the worker does not know the job id. The worker
	// garbage-collects finished jobs, so this is not necessarily a failure.
	ErrJobNotFound = errors.New("extractor: job not found")
	// ErrRateLimited means the worker asked us to back off. Never translates
	// into a job state change.
	ErrRateLimited = errors.New("extractor: rate limited")
)

// JobStatus is the authoritative status reported by the extraction worker
type JobStatus struct {
	State        types.JobState `json:"state"`
	Progress     int            `json:"progress"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Phase        string         `json:"phase,omitempty"`
	Speed        string         `json:"speed,omitempty"`
	Title        string         `json:"title,omitempty"`
	Thumbnail    string         `json:"thumbnail,omitempty"`
	Platform     string         `json:"platform,omitempty"`
}

// FileInfo describes one file the worker produced for a job
type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// SubmitRequest describes a new extraction job. RequestID makes retried
// submissions idempotent on the worker side.
type SubmitRequest struct {
	RequestID string         `json:"requestId"`
	URL       string         `json:"url"`
	FileKind  types.FileKind `json:"fileKind"`
	Quality   types.Quality  `json:"quality"`
}

// Client is the contract the engines consume. Satisfied by HTTPClient and by
// test fakes.
type Client interface {
	Submit(ctx context.Context, req *SubmitRequest) (string, error)
	Status(ctx context.Context, jobID string) (*JobStatus, error)
	Cancel(ctx context.Context, jobID string) error
	ListFiles(ctx context.Context, jobID string) ([]FileInfo, error)
	FetchFile(ctx context.Context, jobID, name string) (io.ReadCloser, int64, error)
}

// HTTPClient talks to the extraction worker's HTTP API. All requests go
// through a client-side rate limiter so sweeps do not hammer the worker.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

// HTTPClientConfig configures the extraction worker client
type HTTPClientConfig struct {
	BaseURL           string
	APIKey            string
	RequestTimeout    time.Duration
	RequestsPerSecond float64
}

// NewHTTPClient creates a client for the extraction worker
func NewHTTPClient(cfg *HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("extractor base URL cannot be empty")
	}

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}

	return &HTTPClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
	}, nil
}

// Submit submits a new extraction job and returns the worker-assigned job id.
// The same id is used for the local record so both sides correlate without a
// lookup table.
func (c *HTTPClient) Submit(ctx context.Context, req *SubmitRequest) (string, error) {
	var resp struct {
		JobID string `json:"jobId"`
	}

	if err := c.doJSON(ctx, http.MethodPost, "/api/jobs", req, &resp); err != nil {
		return "", err
	}
	if resp.JobID == "" {
		return "", fmt.Errorf("extractor returned empty job id")
	}

	return resp.JobID, nil
}

// Status returns the authoritative status for a job
func (c *HTTPClient) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	var status JobStatus
	path := fmt.Sprintf("/api/jobs/%s", url.PathEscape(jobID))

	if err := c.doJSON(ctx, http.MethodGet, path, nil, &status); err != nil {
		return nil, err
	}

	return &status, nil
}

// Cancel asks the worker to abort a job. Cancelling an unknown job is not an
// error on our side.
func (c *HTTPClient) Cancel(ctx context.Context, jobID string) error {
	path := fmt.Sprintf("/api/jobs/%s", url.PathEscape(jobID))

	err := c.doJSON(ctx, http.MethodDelete, path, nil, nil)
	if errors.Is(err, ErrJobNotFound) {
		return nil
	}
	return err
}

// ListFiles lists the files the worker produced for a job
func (c *HTTPClient) ListFiles(ctx context.Context, jobID string) ([]FileInfo, error) {
	var resp struct {
		Files []FileInfo `json:"files"`
	}
	path := fmt.Sprintf("/api/jobs/%s/files", url.PathEscape(jobID))

	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	return resp.Files, nil
}

// FetchFile streams one produced file. The caller owns the returned reader.
func (c *HTTPClient) FetchFile(ctx context.Context, jobID, name string) (io.ReadCloser, int64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}

	path := fmt.Sprintf("/api/jobs/%s/files/%s", url.PathEscape(jobID), url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("extractor request failed: %w", err)
	}

	if err := classifyStatus(resp.StatusCode); err != nil {
		resp.Body.Close()
		return nil, 0, err
	}

	return resp.Body, resp.ContentLength, nil
}

// doJSON performs one rate-limited JSON round trip
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("extractor request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return err
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode extractor response: %w", err)
	}

	return nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
}

// classifyStatus maps HTTP status codes onto the sentinel errors the
// reconciliation engine branches on
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrJobNotFound
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return fmt.Errorf("extractor returned status %d", code)
	}
}
