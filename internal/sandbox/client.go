// Package sandbox provides the HTTP client for the code execution gateway.
// All skill code runs through the gateway; the agent process never executes
// model-written code itself.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// deadlineSlack is added on top of the requested execution timeout so the
// gateway can time the execution out first and report it as a result
// instead of the HTTP request dying mid-flight.
const deadlineSlack = 10 * time.Second

// ExecuteRequest is the gateway's /execute request body.
type ExecuteRequest struct {
	Code        string            `json:"code"`
	Language    string            `json:"language"`
	TrustedMode bool              `json:"trusted_mode"`
	Timeout     int               `json:"timeout"`
	EnvVars     map[string]string `json:"env_vars,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
}

// ExecuteResult is the gateway's /execute response body. ExecutionTime is
// in seconds, as reported by the gateway.
type ExecuteResult struct {
	Success       bool    `json:"success"`
	Stdout        string  `json:"stdout"`
	Stderr        string  `json:"stderr"`
	ExitCode      int     `json:"exit_code"`
	ExecutionTime float64 `json:"execution_time"`
}

// TimeoutError reports that an execution ran past the configured deadline
// without the gateway returning a result. Deadline is the configured
// per-execution limit, not the measured wall time.
type TimeoutError struct {
	Deadline time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution timed out after %s", e.Deadline)
}

// Client talks to one sandbox gateway instance.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
}

// New creates a gateway client. timeout is the per-execution limit passed
// to the gateway; the HTTP deadline is this plus a fixed slack.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		http:    &http.Client{},
	}
}

// Execute runs python code in the gateway and returns its result. The
// request is retried once, only when the gateway could not be reached at
// all; any HTTP response, success or failure, is final.
func (c *Client) Execute(ctx context.Context, code, sessionID string, env map[string]string) (*ExecuteResult, error) {
	body, err := json.Marshal(ExecuteRequest{
		Code:        code,
		Language:    "python",
		TrustedMode: true,
		Timeout:     int(c.timeout.Seconds()),
		EnvVars:     env,
		SessionID:   sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding execute request: %w", err)
	}

	result, err := c.post(ctx, body)
	if err != nil && isConnectFailure(err) {
		result, err = c.post(ctx, body)
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, &TimeoutError{Deadline: c.timeout}
	}
	return result, err
}

func (c *Client) post(ctx context.Context, body []byte) (*ExecuteResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout+deadlineSlack)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating execute request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return nil, fmt.Errorf("sandbox gateway status %d: %s", resp.StatusCode, string(respBody))
	}

	var result ExecuteResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding execute response: %w", err)
	}
	return &result, nil
}

// Health probes the gateway's /health endpoint.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sandbox gateway: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sandbox gateway unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// isConnectFailure reports whether err means the gateway was unreachable,
// as opposed to a request that reached it and failed or timed out.
func isConnectFailure(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}
