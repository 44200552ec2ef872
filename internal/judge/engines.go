package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/msageha/taskgate/internal/model"
)

// Engine produces metrics for one attempt.
type Engine interface {
	Name() string
	Run(ctx context.Context, req Request) (map[string]any, error)
}

const (
	EngineResultMetrics = "result_metrics"
	EngineCommand       = "command"
)

// ResultMetricsEngine returns the metrics the worker reported, optionally
// restricted to a key list.
type ResultMetricsEngine struct {
	Keys []string
}

func (e *ResultMetricsEngine) Name() string { return EngineResultMetrics }

func (e *ResultMetricsEngine) Run(_ context.Context, req Request) (map[string]any, error) {
	if req.Task.Result == nil {
		return map[string]any{}, nil
	}
	metrics := model.CloneMetrics(req.Task.Result.Metrics)
	if metrics == nil {
		metrics = map[string]any{}
	}
	if len(e.Keys) == 0 {
		return metrics, nil
	}
	out := make(map[string]any, len(e.Keys))
	for _, k := range e.Keys {
		if v, ok := metrics[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// CommandEngine runs an external tool. The attempt is written to stdin as
// JSON and the tool prints a JSON object of metrics on stdout.
type CommandEngine struct {
	Command []string
	Timeout time.Duration
}

// commandInput is the stdin document of a command engine.
type commandInput struct {
	TaskID  string          `json:"task_id"`
	Type    string          `json:"type"`
	Attempt int             `json:"attempt"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Result  *model.Result   `json:"result,omitempty"`
}

func (e *CommandEngine) Name() string {
	return EngineCommand + ":" + e.Command[0]
}

func (e *CommandEngine) Run(ctx context.Context, req Request) (map[string]any, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	input, err := json.Marshal(commandInput{
		TaskID:  req.Task.ID,
		Type:    req.Task.Type,
		Attempt: req.Attempt,
		Payload: req.Task.Payload,
		Result:  req.Task.Result,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("exit %d: %s", exitErr.ExitCode(), tail(stderr.String(), 512))
		}
		return nil, err
	}

	var metrics map[string]any
	dec := json.NewDecoder(&stdout)
	dec.UseNumber()
	if err := dec.Decode(&metrics); err != nil {
		return nil, fmt.Errorf("parse metrics: %w", err)
	}
	return metrics, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
