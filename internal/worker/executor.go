package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/msageha/taskgate/internal/model"
)

// Executor runs one attempt of a task. A returned error fails the attempt.
type Executor interface {
	Execute(ctx context.Context, task *model.Task) (*model.Result, error)
}

type ExecutorFunc func(ctx context.Context, task *model.Task) (*model.Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, task *model.Task) (*model.Result, error) {
	return f(ctx, task)
}

const maxStderrTail = 2048

// CommandExecutor runs an external program per attempt. The task is written
// to stdin as JSON. A JSON object on stdout is decoded as the result; any
// other output becomes Result.Output verbatim.
type CommandExecutor struct {
	Argv    []string
	Timeout time.Duration
	Dir     string
	Env     []string
}

func NewCommandExecutor(cfg model.WorkerConfig) (*CommandExecutor, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, errors.New("worker command is required")
	}
	return &CommandExecutor{
		Argv:    append([]string(nil), cfg.Command...),
		Timeout: cfg.Timeout,
	}, nil
}

func (e *CommandExecutor) Execute(ctx context.Context, task *model.Task) (*model.Result, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	input, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", task.ID, err)
	}

	cmd := exec.CommandContext(ctx, e.Argv[0], e.Argv[1:]...)
	cmd.Dir = e.Dir
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Env = append(cmd.Env,
		"TASKGATE_TASK_ID="+task.ID,
		"TASKGATE_TASK_TYPE="+task.Type,
		"TASKGATE_ATTEMPT="+strconv.Itoa(task.Attempt),
	)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("run %s: %w", e.Argv[0], ctxErr)
		}
		return nil, fmt.Errorf("run %s: %w: %s", e.Argv[0], err, tail(stderr.String()))
	}
	return parseOutput(stdout.Bytes()), nil
}

func parseOutput(out []byte) *model.Result {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var r model.Result
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		if err := dec.Decode(&r); err == nil {
			return &r
		}
	}
	return &model.Result{Output: string(trimmed)}
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderrTail {
		s = "..." + s[len(s)-maxStderrTail:]
	}
	return s
}
