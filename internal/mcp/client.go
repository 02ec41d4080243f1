// Package mcp is the client for the out-of-process tool host. Tool
// calls are JSON POSTs to {base_url}/v1/tool; every call is audited in
// the tool_invocations table, never as a task.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/azos-dev/azos/internal/errclass"
	"github.com/azos-dev/azos/internal/models"
)

// Recorder persists tool invocation audit rows.
type Recorder interface {
	RecordToolInvocation(ctx context.Context, inv *models.ToolInvocation) error
	CompleteToolInvocation(ctx context.Context, id string, status models.Status, errorText string) error
}

// Client calls tools on a remote tool host.
type Client struct {
	baseURL    string
	httpClient *http.Client
	recorder   Recorder
	maxRetries uint64
}

// NewClient creates a tool host client. recorder may be nil to disable
// auditing (tests).
func NewClient(baseURL string, timeout time.Duration, recorder Recorder, maxRetries int) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		recorder:   recorder,
		maxRetries: uint64(maxRetries),
	}
}

// Close releases pooled connections to the tool host.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

type toolRequest struct {
	ID     string         `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

type toolResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *toolError      `json:"error"`
}

type toolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *toolError) Error() string {
	return fmt.Sprintf("tool error %d: %s", e.Code, e.Message)
}

// Call invokes a tool method and returns its raw result. Transient
// transport failures are retried with backoff; tool-level errors are
// not retried.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	id := uuid.NewString()

	if c.recorder != nil {
		paramsJSON, _ := json.Marshal(params)
		if err := c.recorder.RecordToolInvocation(ctx, &models.ToolInvocation{
			ID:         id,
			Method:     method,
			ParamsJSON: string(paramsJSON),
			Status:     models.StatusRunning,
			StartedAt:  time.Now().UTC(),
		}); err != nil {
			return nil, fmt.Errorf("audit tool call: %w", err)
		}
	}

	result, err := c.callWithRetry(ctx, id, method, params)

	if c.recorder != nil {
		status := models.StatusCompleted
		errText := ""
		if err != nil {
			status = models.StatusFailed
			errText = err.Error()
		}
		if auditErr := c.recorder.CompleteToolInvocation(ctx, id, status, errText); auditErr != nil && err == nil {
			err = fmt.Errorf("audit tool call: %w", auditErr)
		}
	}
	return result, err
}

func (c *Client) callWithRetry(ctx context.Context, id, method string, params map[string]any) (json.RawMessage, error) {
	var result json.RawMessage
	policy := backoff.WithContext(
		errclass.Policy(errclass.Retryable, 250*time.Millisecond, c.maxRetries), ctx)

	op := func() error {
		res, err := c.post(ctx, id, method, params)
		if err != nil {
			if !errclass.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, id, method string, params map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(toolRequest{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, errclass.New(errclass.Fatal, "encode tool request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/tool", bytes.NewReader(body))
	if err != nil {
		return nil, errclass.New(errclass.Fatal, "build tool request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errclass.ClassifyNetwork(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errclass.ClassifyNetwork(err)
	}
	if err := errclass.ClassifyHTTP(nil, resp.StatusCode); err != nil {
		return nil, err
	}

	var tr toolResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, errclass.New(errclass.Fatal, "decode tool response", err)
	}
	if tr.Error != nil {
		return nil, errclass.New(errclass.Fatal, "tool rejected call", tr.Error)
	}
	return tr.Result, nil
}

// ReadFile reads a file through the tool host.
func (c *Client) ReadFile(ctx context.Context, path string) (string, error) {
	res, err := c.Call(ctx, "filesystem.read", map[string]any{"path": path})
	if err != nil {
		return "", err
	}
	var out struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(res, &out); err != nil {
		return "", fmt.Errorf("decode filesystem.read result: %w", err)
	}
	return out.Content, nil
}

// WriteFile writes a file through the tool host.
func (c *Client) WriteFile(ctx context.Context, path, content string) error {
	_, err := c.Call(ctx, "filesystem.write", map[string]any{"path": path, "content": content})
	return err
}

// ListDir lists a directory through the tool host.
func (c *Client) ListDir(ctx context.Context, path string) ([]string, error) {
	res, err := c.Call(ctx, "filesystem.list", map[string]any{"path": path})
	if err != nil {
		return nil, err
	}
	var out struct {
		Entries []string `json:"entries"`
	}
	if err := json.Unmarshal(res, &out); err != nil {
		return nil, fmt.Errorf("decode filesystem.list result: %w", err)
	}
	return out.Entries, nil
}

// CreateDir creates a directory through the tool host.
func (c *Client) CreateDir(ctx context.Context, path string) error {
	_, err := c.Call(ctx, "filesystem.create_directory", map[string]any{"path": path})
	return err
}

// Delete removes a file or directory through the tool host.
func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.Call(ctx, "filesystem.delete", map[string]any{"path": path})
	return err
}

// ShellResult is the outcome of a remote shell execution.
type ShellResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// RunShell executes a command on the tool host.
func (c *Client) RunShell(ctx context.Context, command string, timeout time.Duration) (*ShellResult, error) {
	params := map[string]any{"command": command}
	if timeout > 0 {
		params["timeout_seconds"] = int(timeout / time.Second)
	}
	res, err := c.Call(ctx, "shell_exec.run", params)
	if err != nil {
		return nil, err
	}
	var out ShellResult
	if err := json.Unmarshal(res, &out); err != nil {
		return nil, fmt.Errorf("decode shell_exec.run result: %w", err)
	}
	return &out, nil
}

// FetchResult is the outcome of a remote web fetch.
type FetchResult struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body"`
}

// Fetch retrieves a URL through the tool host.
func (c *Client) Fetch(ctx context.Context, url string) (*FetchResult, error) {
	res, err := c.Call(ctx, "web_fetch.fetch", map[string]any{"url": url})
	if err != nil {
		return nil, err
	}
	var out FetchResult
	if err := json.Unmarshal(res, &out); err != nil {
		return nil, fmt.Errorf("decode web_fetch.fetch result: %w", err)
	}
	return &out, nil
}

// Healthy reports whether the tool host answers a trivial call.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errclass.ClassifyNetwork(err)
	}
	defer resp.Body.Close()
	return errclass.ClassifyHTTP(nil, resp.StatusCode)
}
