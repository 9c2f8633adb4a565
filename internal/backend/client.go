package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client submits tasks to a backend over HTTP JSON.
//
//	GET  /health     200 when ready
//	POST /v1/tasks   Task in, Result out
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client targeting baseURL. Submit has no client-side
// timeout: training runs for minutes and is bounded by ctx instead.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 0,
		},
	}
}

// IsRunning returns true if the backend responds to GET /health with 200.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Submit posts task and waits for the backend's verdict.
func (c *Client) Submit(ctx context.Context, task Task) (Result, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/tasks", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("creating task request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("submitting task %s: %w", task.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("task %s: unexpected status %d: %s", task.ID, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("decoding task result: %w", err)
	}
	switch res.Status {
	case "completed", "failed", "degraded":
	default:
		return Result{}, fmt.Errorf("task %s: unknown result status %q", task.ID, res.Status)
	}
	return res, nil
}
