package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/zjrosen/devbot/internal/presentation"
)

// APIError is a non-2xx answer from the daemon, carrying the decoded
// error body.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("daemon returned status %d", e.StatusCode)
}

// Client calls the daemon's task API. The operator CLI uses it for the
// operations only the daemon process can perform, such as killing a
// running agent or spawning a retry pipeline.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// NewAPIClient creates a Client for the daemon at baseURL.
func NewAPIClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 10 * time.Second},
	}
}

// BaseURLFromAddr converts a listen address such as ":8080" into a URL
// the CLI can dial. Wildcard hosts map to loopback.
func BaseURLFromAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// CancelTask asks the daemon to cancel a pending or running task.
func (c *Client) CancelTask(ctx context.Context, taskID string) (*presentation.TaskDTO, error) {
	var dto presentation.TaskDTO
	if err := c.do(ctx, http.MethodPost, "/api/tasks/"+taskID+"/cancel", &dto); err != nil {
		return nil, err
	}
	return &dto, nil
}

// RetryTask asks the daemon to re-run a failed or cancelled task.
func (c *Client) RetryTask(ctx context.Context, taskID string) (*presentation.TaskDTO, error) {
	var dto presentation.TaskDTO
	if err := c.do(ctx, http.MethodPost, "/api/tasks/"+taskID+"/retry", &dto); err != nil {
		return nil, err
	}
	return &dto, nil
}

// Stats fetches task counts and gate occupancy from the daemon.
func (c *Client) Stats(ctx context.Context) (*StatsResponse, error) {
	var resp StatsResponse
	if err := c.do(ctx, http.MethodGet, "/api/stats", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health reports whether the daemon answers its health endpoint.
func (c *Client) Health(ctx context.Context) error {
	var resp HealthResponse
	return c.do(ctx, http.MethodGet, "/healthz", &resp)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("reaching daemon at %s: %w", c.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var body ErrorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&body); decodeErr == nil {
			apiErr.Code = body.Code
			apiErr.Message = body.Error
		}
		return apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
