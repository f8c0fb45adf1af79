// Package wcp provides an HTTP client for the Worker Control Protocol.
//
// Each hako worker exposes a small HTTP server on its control port. Hosuto
// uses this client to probe health, read status, and forward invocations.
package wcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bdobrica/Hosuto/common/spec/wcp"
	"github.com/bdobrica/Hosuto/common/trace"
	"github.com/google/uuid"
)

const defaultTimeout = 10 * time.Second

// Client is a WCP HTTP client for a single worker control endpoint.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a new WCP client targeting the given base URL
// (e.g. "http://127.0.0.1:8701"). token may be empty for open workers.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// Health calls GET /health. The response body is decoded for any status
// code: a 503 with a well-formed body is a healthy protocol exchange with a
// worker that is not ready, not a transport error.
func (c *Client) Health(ctx context.Context) (*wcp.HealthResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()

	var health wcp.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("health check: decode: %w", err)
	}
	return &health, nil
}

// Status calls GET /status and returns runtime information from the worker.
func (c *Client) Status(ctx context.Context) (*wcp.StatusResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("status: read body: %w", err)
	}
	if resp.StatusCode >= 400 {
		var errResp wcp.ErrorResponse
		if jsonErr := json.Unmarshal(bodyBytes, &errResp); jsonErr == nil && errResp.Error != "" {
			return nil, fmt.Errorf("WCP GET /status → %d: %s", resp.StatusCode, errResp.Error)
		}
		return nil, fmt.Errorf("WCP GET /status → %d", resp.StatusCode)
	}

	var status wcp.StatusResponse
	if err := json.Unmarshal(bodyBytes, &status); err != nil {
		return nil, fmt.Errorf("status: unmarshal: %w", err)
	}
	return &status, nil
}

// Invoke forwards an invocation to the worker. A correlation ID is generated
// when the caller leaves it empty. Structured invocation failures (not_ready,
// overloaded, timeout, handler_error) come back as a result carrying an
// Error, with a nil Go error; a non-nil error means the exchange itself
// broke (transport failure, undecodable body).
func (c *Client) Invoke(ctx context.Context, ireq wcp.InvocationRequest) (*wcp.InvocationResult, error) {
	if ireq.CorrelationID == "" {
		ireq.CorrelationID = uuid.NewString()
	}

	b, err := json.Marshal(ireq)
	if err != nil {
		return nil, fmt.Errorf("invoke: marshal request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/invoke", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke: %w", err)
	}
	defer resp.Body.Close()

	var result wcp.InvocationResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("WCP POST /invoke → %d: undecodable body: %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 400 && result.Error == nil {
		return nil, fmt.Errorf("WCP POST /invoke → %d", resp.StatusCode)
	}
	return &result, nil
}

// --- internal helpers ---

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if traceID := trace.FromContext(ctx); traceID != "" {
		req.Header.Set("X-Trace-ID", traceID)
	}
	return req, nil
}
