// Package manimmcp provides a Go client for the ManimMCP render API.
package manimmcp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the ManimMCP render REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// SubmitRequest represents the payload required to create a render job.
type SubmitRequest struct {
	Script         string `json:"script"`
	Quality        string `json:"quality,omitempty"`
	Scene          string `json:"scene,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	MaxRetries     int    `json:"max_retries,omitempty"`
}

// Artifact describes a rendered video stored on the server.
type Artifact struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

// Job contains the server side view of a render job.
type Job struct {
	JobID       string    `json:"job_id"`
	Status      string    `json:"status"`
	Quality     string    `json:"quality,omitempty"`
	Scene       string    `json:"scene,omitempty"`
	Attempts    int       `json:"attempts"`
	MaxRetries  int       `json:"max_retries"`
	ErrorCode   string    `json:"error_code,omitempty"`
	Message     string    `json:"message,omitempty"`
	Artifact    *Artifact `json:"artifact,omitempty"`
	DurationMS  int64     `json:"duration_ms,omitempty"`
	SubmittedAt int64     `json:"submitted_at"`
	StartedAt   int64     `json:"started_at,omitempty"`
	FinishedAt  int64     `json:"finished_at,omitempty"`
}

// Terminal reports whether the job reached a final status.
func (j Job) Terminal() bool {
	switch j.Status {
	case "succeeded", "failed", "timed_out", "canceled":
		return true
	default:
		return false
	}
}

// CancelResult is the server response to a cancel request.
type CancelResult struct {
	Accepted bool `json:"accepted"`
	Job      Job  `json:"job"`
}

// Stats aggregates job counts by status.
type Stats struct {
	Total     int64 `json:"total"`
	Queued    int64 `json:"queued"`
	Running   int64 `json:"running"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	TimedOut  int64 `json:"timed_out"`
	Canceled  int64 `json:"canceled"`
}

// ListQuery filters job listings.
type ListQuery struct {
	Status string
	Limit  int
	Offset int
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("manimmcp api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("manimmcp api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the ManimMCP render API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// Submit creates a new render job.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (Job, error) {
	var job Job
	if err := c.post(ctx, "/api/v1/jobs", req, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// Get fetches job details by identifier.
func (c *Client) Get(ctx context.Context, jobID string) (Job, error) {
	var job Job
	if err := c.get(ctx, "/api/v1/jobs/"+url.PathEscape(jobID), &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// Cancel requests cancellation of a job.
func (c *Client) Cancel(ctx context.Context, jobID string) (CancelResult, error) {
	var result CancelResult
	if err := c.post(ctx, "/api/v1/jobs/"+url.PathEscape(jobID)+"/cancel", nil, &result); err != nil {
		return CancelResult{}, err
	}
	return result, nil
}

// List returns jobs matching the query.
func (c *Client) List(ctx context.Context, query ListQuery) ([]Job, error) {
	values := url.Values{}
	if query.Status != "" {
		values.Set("status", query.Status)
	}
	if query.Limit > 0 {
		values.Set("limit", fmt.Sprintf("%d", query.Limit))
	}
	if query.Offset > 0 {
		values.Set("offset", fmt.Sprintf("%d", query.Offset))
	}
	endpoint := "/api/v1/jobs"
	if encoded := values.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var payload struct {
		Jobs []Job `json:"jobs"`
	}
	if err := c.get(ctx, endpoint, &payload); err != nil {
		return nil, err
	}
	return payload.Jobs, nil
}

// Stats returns aggregate job counts.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/jobs/stats", &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// WaitUntilTerminal polls the job until it reaches a final status or the
// context is canceled.
func (c *Client) WaitUntilTerminal(ctx context.Context, jobID string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := c.Get(ctx, jobID)
		if err != nil {
			return Job{}, err
		}
		if job.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// DownloadArtifact streams the rendered video into w and verifies the payload
// against the checksum advertised by the server.
func (c *Client) DownloadArtifact(ctx context.Context, hash string, w io.Writer) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/artifacts/"+url.PathEscape(hash), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return 0, decodeAPIError(resp)
	}

	digest := sha256.New()
	written, err := io.Copy(w, io.TeeReader(resp.Body, digest))
	if err != nil {
		return written, fmt.Errorf("stream artifact: %w", err)
	}
	expected := resp.Header.Get("X-Checksum-SHA256")
	if expected == "" {
		expected = hash
	}
	if actual := hex.EncodeToString(digest.Sum(nil)); actual != expected {
		return written, fmt.Errorf("artifact checksum mismatch: got %s want %s", actual, expected)
	}
	return written, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
