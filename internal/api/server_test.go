package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/msageha/taskgate/internal/broker"
	"github.com/msageha/taskgate/internal/delivery"
	"github.com/msageha/taskgate/internal/dispatcher"
	"github.com/msageha/taskgate/internal/model"
	"github.com/msageha/taskgate/internal/remediation"
	"github.com/msageha/taskgate/internal/scheduler"
	"github.com/msageha/taskgate/internal/store"
	"github.com/msageha/taskgate/internal/worker"
)

type fixture struct {
	store  *store.Store
	d      *dispatcher.Dispatcher
	loop   *remediation.Loop
	server *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	st, err := store.New(model.StoreConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	b := broker.NewMemory(0)
	t.Cleanup(func() { _ = b.Close() })

	sched := scheduler.New(st, logger)
	d, err := dispatcher.New(st, sched, b, model.DispatcherConfig{Workers: []string{"w1", "w2"}, LeaseTTL: time.Minute},
		dispatcher.WithLogger(logger))
	require.NoError(t, err)
	loop := remediation.New(st, delivery.NewLocal(logger), model.RemediationConfig{}, remediation.WithLogger(logger))

	srv, err := NewServer(model.ServerConfig{Host: "127.0.0.1", Port: 0}, Deps{
		Store:             st,
		Dispatcher:        d,
		Escalations:       loop,
		Metrics:           http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("taskgate_up 1\n")) }),
		DefaultMaxRetries: 3,
		Logger:            logger,
	})
	require.NoError(t, err)
	return &fixture{store: st, d: d, loop: loop, server: srv}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// escalate drives a task with no retry budget into ESCALATED.
func (f *fixture) escalate(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.Submit(ctx, &model.Task{ID: id, Type: "build", Priority: model.PriorityHigh})
	require.NoError(t, err)
	for _, st := range []model.Status{model.StatusReady, model.StatusAssigned, model.StatusRunning} {
		_, err = f.store.Mark(ctx, id, st)
		require.NoError(t, err)
	}
	_, err = f.store.Mark(ctx, id, model.StatusFailed, store.WithError("tests failed"))
	require.NoError(t, err)
	task, err := f.loop.HandleFailure(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.StatusEscalated, task.Status)
}

func TestNewServer_RequiresDeps(t *testing.T) {
	_, err := NewServer(model.ServerConfig{}, Deps{})
	assert.Error(t, err)
}

func TestSubmit(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tasks", `{"id":"a","type":"build","priority":"high","payload":{"repo":"app"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	task := decode[model.Task](t, rec)
	assert.Equal(t, "a", task.ID)
	assert.Equal(t, model.PriorityHigh, task.Priority)
	assert.Equal(t, model.StatusPending, task.Status)
	assert.Equal(t, 3, task.MaxRetries, "default max_retries applies")
	assert.JSONEq(t, `{"repo":"app"}`, string(task.Payload))

	rec = f.do(t, http.MethodPost, "/api/v1/tasks", `{"id":"b","type":"build","max_retries":0,"dependencies":["a"]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	task = decode[model.Task](t, rec)
	assert.Equal(t, 0, task.MaxRetries, "explicit zero is kept")
	assert.Equal(t, model.PriorityMedium, task.Priority)

	rec = f.do(t, http.MethodPost, "/api/v1/tasks", `{"type":"lint"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, model.ValidateID(decode[model.Task](t, rec).ID))
}

func TestSubmit_Errors(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/tasks", `{"id":"a","type":"build"}`).Code)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed json", `{"id":`, http.StatusBadRequest},
		{"missing type", `{"id":"x"}`, http.StatusBadRequest},
		{"bad priority", `{"id":"x","type":"build","priority":"urgent"}`, http.StatusBadRequest},
		{"negative retries", `{"id":"x","type":"build","max_retries":-1}`, http.StatusBadRequest},
		{"unknown dependency", `{"id":"x","type":"build","dependencies":["nope"]}`, http.StatusBadRequest},
		{"duplicate", `{"id":"a","type":"build"}`, http.StatusConflict},
		{"self cycle", `{"id":"x","type":"build","dependencies":["x"]}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/v1/tasks", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}

	rec := f.do(t, http.MethodPost, "/api/v1/tasks", `{"id":"x"}`)
	body := decode[ErrorBody](t, rec)
	require.NotEmpty(t, body.Details)
	assert.Equal(t, "type", body.Details[0].FieldPath)
}

func TestSubmitBatch(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tasks/batch",
		`{"tasks":[{"id":"a","type":"build"},{"id":"b","type":"test","dependencies":["a"]}]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Len(t, decode[BatchResponse](t, rec).Tasks, 2)

	rec = f.do(t, http.MethodPost, "/api/v1/tasks/batch",
		`{"tasks":[{"id":"x","type":"build","dependencies":["y"]},{"id":"y","type":"build","dependencies":["x"]}]}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decode[ErrorBody](t, rec)
	assert.Len(t, body.Cycle, 3)
	assert.Equal(t, body.Cycle[0], body.Cycle[2])

	_, err := f.store.Get(context.Background(), "x")
	assert.ErrorIs(t, err, model.ErrNotFound, "a rejected batch stores nothing")
}

func TestGetAndHistory(t *testing.T) {
	f := newFixture(t)
	f.escalate(t, "a")

	rec := f.do(t, http.MethodGet, "/api/v1/tasks/a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[TaskResponse](t, rec)
	assert.Equal(t, model.StatusEscalated, resp.Status)
	assert.Equal(t, 0, resp.RetryCount)
	require.NotNil(t, resp.PendingEscalation)
	assert.Contains(t, resp.PendingEscalation.Reason, "tests failed")

	rec = f.do(t, http.MethodGet, "/api/v1/tasks/a/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	h := decode[model.TaskHistory](t, rec)
	assert.NotEmpty(t, h.Transitions)
	assert.Len(t, h.Escalations, 1)
	require.NotEmpty(t, h.Attempts)
	assert.Equal(t, model.ActionEscalate, h.Attempts[len(h.Attempts)-1].Action)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/tasks/missing", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/tasks/missing/history", "").Code)
}

func TestList(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/tasks", `{"id":"a","type":"build"}`).Code)
	f.escalate(t, "b")

	all := decode[BatchResponse](t, f.do(t, http.MethodGet, "/api/v1/tasks", ""))
	assert.Len(t, all.Tasks, 2)

	rec := f.do(t, http.MethodGet, "/api/v1/tasks?status=escalated", "")
	require.Equal(t, http.StatusOK, rec.Code)
	escalated := decode[BatchResponse](t, rec)
	require.Len(t, escalated.Tasks, 1)
	assert.Equal(t, "b", escalated.Tasks[0].ID)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/tasks?status=bogus", "").Code)
}

func TestEscalation(t *testing.T) {
	t.Run("approve delivers", func(t *testing.T) {
		f := newFixture(t)
		f.escalate(t, "a")
		rec := f.do(t, http.MethodPost, "/api/v1/tasks/a/escalation", `{"decision":"approve"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		task := decode[model.Task](t, rec)
		assert.Equal(t, model.StatusCompleted, task.Status)
		assert.NotNil(t, task.DeliveredAt)
	})
	t.Run("reject cancels", func(t *testing.T) {
		f := newFixture(t)
		f.escalate(t, "a")
		rec := f.do(t, http.MethodPost, "/api/v1/tasks/a/escalation", `{"decision":"reject"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		task := decode[model.Task](t, rec)
		assert.Equal(t, model.StatusCancelled, task.Status)
		require.NotNil(t, task.CancelReason)
		assert.Equal(t, "escalation rejected", *task.CancelReason)
	})
	t.Run("errors", func(t *testing.T) {
		f := newFixture(t)
		require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/tasks", `{"id":"a","type":"build"}`).Code)
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/tasks/a/escalation", `{"decision":"maybe"}`).Code)
		assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/v1/tasks/a/escalation", `{"decision":"approve"}`).Code)
		assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v1/tasks/zz/escalation", `{"decision":"approve"}`).Code)
	})
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/tasks/batch",
		`{"tasks":[{"id":"a","type":"build"},{"id":"b","type":"test","dependencies":["a"]}]}`).Code)

	rec := f.do(t, http.MethodPost, "/api/v1/tasks/a/cancel", `{"reason":"superseded"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	task := decode[model.Task](t, rec)
	assert.Equal(t, model.StatusCancelled, task.Status)
	assert.Equal(t, "superseded", *task.CancelReason)

	b, err := f.store.Get(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, b.Status, "dependents are cancelled")

	rec = f.do(t, http.MethodPost, "/api/v1/tasks/a/cancel", "")
	assert.Equal(t, http.StatusOK, rec.Code, "cancelling a cancelled task is a no-op")
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v1/tasks/zz/cancel", "").Code)
}

func TestWorkersAndHealth(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/tasks", `{"id":"a","type":"build"}`).Code)
	_, err := f.store.Mark(context.Background(), "a", model.StatusReady)
	require.NoError(t, err)
	_, err = f.d.Dispatch(context.Background(), "a", "w2")
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/v1/workers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	workers := decode[[]worker.WorkerStatus](t, rec)
	require.Len(t, workers, 2)
	assert.Equal(t, worker.StatusIdle, workers[0].Status)
	assert.Equal(t, worker.StatusBusy, workers[1].Status)
	assert.Equal(t, "a", workers[1].TaskID)

	rec = f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 2, health.Workers)
	assert.Equal(t, 1, health.Tasks[model.StatusAssigned])

	rec = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "taskgate_up 1")
}

func TestClient(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()
	c := NewClient(ts.URL + "/")
	ctx := context.Background()

	task, err := c.Submit(ctx, TaskRequest{ID: "a", Type: "build"})
	require.NoError(t, err)
	assert.Equal(t, "a", task.ID)

	tasks, err := c.SubmitBatch(ctx, []TaskRequest{{ID: "b", Type: "build", Dependencies: []string{"a"}}})
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	_, err = c.Submit(ctx, TaskRequest{ID: "a", Type: "build"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "already exists")

	got, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)

	list, err := c.List(ctx, "pending")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	h, err := c.History(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, h.Transitions, 1)

	cancelled, err := c.Cancel(ctx, "a", "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)

	_, err = c.Resolve(ctx, "a", "approve")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	workers, err := c.Workers(ctx)
	require.NoError(t, err)
	assert.Len(t, workers, 2)

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)

	_, err = c.Resolve(ctx, "a", "maybe")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "unknown escalation decision")
}
