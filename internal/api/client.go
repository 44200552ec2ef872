package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/msageha/taskgate/internal/model"
	"github.com/msageha/taskgate/internal/worker"
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
	Details    []model.ValidationError
	Cycle      []string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("taskgate api: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// Client talks to a running daemon. The CLI uses it.
type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Submit(ctx context.Context, req TaskRequest) (*model.Task, error) {
	var out model.Task
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SubmitBatch(ctx context.Context, reqs []TaskRequest) ([]*model.Task, error) {
	var out BatchResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks/batch", BatchRequest{Tasks: reqs}, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (c *Client) Get(ctx context.Context, id string) (*TaskResponse, error) {
	out := TaskResponse{Task: &model.Task{}}
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns every task, or only those in status when it is not empty.
func (c *Client) List(ctx context.Context, status string) ([]*model.Task, error) {
	path := "/api/v1/tasks"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var out BatchResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (c *Client) History(ctx context.Context, id string) (*model.TaskHistory, error) {
	var out model.TaskHistory
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id)+"/history", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Resolve sends an escalation decision, "approve" or "reject".
func (c *Client) Resolve(ctx context.Context, id, decision string) (*model.Task, error) {
	var out model.Task
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(id)+"/escalation", EscalationRequest{Decision: decision}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Cancel(ctx context.Context, id, reason string) (*model.Task, error) {
	var out model.Task
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(id)+"/cancel", CancelRequest{Reason: reason}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Workers(ctx context.Context) ([]worker.WorkerStatus, error) {
	var out []worker.WorkerStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/workers", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(code int, data []byte) error {
	var body struct {
		ErrorBody
		Message string `json:"message"`
	}
	apiErr := &APIError{StatusCode: code}
	if err := json.Unmarshal(data, &body); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Message = body.Error
	if apiErr.Message == "" {
		apiErr.Message = body.Message
	}
	apiErr.Details = body.Details
	apiErr.Cycle = body.Cycle
	return apiErr
}
