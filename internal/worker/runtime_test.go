package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/msageha/taskgate/internal/broker"
	"github.com/msageha/taskgate/internal/dispatcher"
	"github.com/msageha/taskgate/internal/model"
	"github.com/msageha/taskgate/internal/scheduler"
	"github.com/msageha/taskgate/internal/store"
)

// collector records everything workers send on the result subject.
type collector struct {
	mu   sync.Mutex
	envs []broker.Envelope
}

func (c *collector) handle(_ context.Context, env broker.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
}

func (c *collector) ofKind(kind broker.EnvelopeKind) []broker.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []broker.Envelope
	for _, e := range c.envs {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func startRuntime(t *testing.T, b broker.Broker, exec Executor, opts ...Option) *Runtime {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	r, err := New("w1", b, exec, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
	})
	// Run subscribes asynchronously; give it a moment before publishing.
	time.Sleep(20 * time.Millisecond)
	return r
}

func dispatchEnvelope(taskID, leaseID string, attempt int) broker.Envelope {
	return broker.Envelope{
		Kind:     broker.EnvelopeDispatch,
		TaskID:   taskID,
		LeaseID:  leaseID,
		WorkerID: "w1",
		Attempt:  attempt,
		Task:     &model.Task{ID: taskID, Type: "build", Attempt: attempt},
	}
}

func TestNew_Validates(t *testing.T) {
	b := broker.NewMemory(0)
	defer b.Close()
	noop := ExecutorFunc(func(context.Context, *model.Task) (*model.Result, error) { return nil, nil })

	_, err := New("w.1", b, noop)
	assert.ErrorContains(t, err, "invalid worker id")
	_, err = New("w1", b, nil)
	assert.ErrorContains(t, err, "executor is required")
}

func TestRuntime_ReportsCompletedResult(t *testing.T) {
	b := broker.NewMemory(0)
	defer b.Close()
	col := &collector{}
	_, err := b.Subscribe(broker.SubjectResult, col.handle)
	require.NoError(t, err)

	startRuntime(t, b, ExecutorFunc(func(_ context.Context, task *model.Task) (*model.Result, error) {
		return &model.Result{Output: "built " + task.ID, Metrics: map[string]any{"tests_failed": 0}}, nil
	}))

	require.NoError(t, b.Publish(context.Background(), broker.DispatchSubject("w1"), dispatchEnvelope("a", "l1", 1)))

	require.Eventually(t, func() bool { return len(col.ofKind(broker.EnvelopeResult)) == 1 }, 2*time.Second, 5*time.Millisecond)
	res := col.ofKind(broker.EnvelopeResult)[0]
	assert.Equal(t, "a", res.TaskID)
	assert.Equal(t, "l1", res.LeaseID)
	assert.Equal(t, "w1", res.WorkerID)
	assert.Equal(t, 1, res.Attempt)
	assert.Equal(t, model.StatusCompleted, res.Status)
	require.NotNil(t, res.Result)
	assert.Equal(t, "built a", res.Result.Output)
	assert.Empty(t, res.Error)

	hbs := col.ofKind(broker.EnvelopeHeartbeat)
	require.NotEmpty(t, hbs)
	assert.Equal(t, "l1", hbs[0].LeaseID)
}

func TestRuntime_StartStop(t *testing.T) {
	b := broker.NewMemory(0)
	defer b.Close()
	col := &collector{}
	_, err := b.Subscribe(broker.SubjectResult, col.handle)
	require.NoError(t, err)

	started := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, _ *model.Task) (*model.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r, err := New("w1", b, exec, WithLogger(zaptest.NewLogger(t)), WithHeartbeatInterval(time.Hour))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	// Start has subscribed by the time it returns.
	require.NoError(t, b.Publish(context.Background(), broker.DispatchSubject("w1"), dispatchEnvelope("a", "l1", 1)))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch not executed")
	}
	assert.Equal(t, []string{"a"}, r.Running())

	r.Stop()
	assert.Empty(t, r.Running())
	assert.Empty(t, col.ofKind(broker.EnvelopeResult), "abandoned attempt must not report")

	require.NoError(t, b.Publish(context.Background(), broker.DispatchSubject("w1"), dispatchEnvelope("b", "l2", 1)))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, r.Running())
}

func TestRuntime_ReportsFailure(t *testing.T) {
	b := broker.NewMemory(0)
	defer b.Close()
	col := &collector{}
	_, err := b.Subscribe(broker.SubjectResult, col.handle)
	require.NoError(t, err)

	startRuntime(t, b, ExecutorFunc(func(context.Context, *model.Task) (*model.Result, error) {
		return nil, errors.New("compiler crashed")
	}))
	require.NoError(t, b.Publish(context.Background(), broker.DispatchSubject("w1"), dispatchEnvelope("a", "l1", 1)))

	require.Eventually(t, func() bool { return len(col.ofKind(broker.EnvelopeResult)) == 1 }, 2*time.Second, 5*time.Millisecond)
	res := col.ofKind(broker.EnvelopeResult)[0]
	assert.Equal(t, model.StatusFailed, res.Status)
	assert.Equal(t, "compiler crashed", res.Error)
}

func TestRuntime_HeartbeatsWhileRunning(t *testing.T) {
	b := broker.NewMemory(0)
	defer b.Close()
	col := &collector{}
	_, err := b.Subscribe(broker.SubjectResult, col.handle)
	require.NoError(t, err)

	release := make(chan struct{})
	startRuntime(t, b, ExecutorFunc(func(ctx context.Context, _ *model.Task) (*model.Result, error) {
		select {
		case <-release:
			return &model.Result{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}), WithHeartbeatInterval(10*time.Millisecond))

	require.NoError(t, b.Publish(context.Background(), broker.DispatchSubject("w1"), dispatchEnvelope("a", "l1", 1)))
	require.Eventually(t, func() bool { return len(col.ofKind(broker.EnvelopeHeartbeat)) >= 3 }, 2*time.Second, 5*time.Millisecond)
	close(release)
	require.Eventually(t, func() bool { return len(col.ofKind(broker.EnvelopeResult)) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestRuntime_CancelEnvelopeAbandonsAttempt(t *testing.T) {
	b := broker.NewMemory(0)
	defer b.Close()
	col := &collector{}
	_, err := b.Subscribe(broker.SubjectResult, col.handle)
	require.NoError(t, err)

	started := make(chan struct{})
	stopped := make(chan struct{})
	r := startRuntime(t, b, ExecutorFunc(func(ctx context.Context, _ *model.Task) (*model.Result, error) {
		close(started)
		<-ctx.Done()
		close(stopped)
		return nil, ctx.Err()
	}))

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, broker.DispatchSubject("w1"), dispatchEnvelope("a", "l1", 1)))
	<-started
	assert.Equal(t, []string{"a"}, r.Running())

	// A cancel for an older lease is ignored.
	require.NoError(t, b.Publish(ctx, broker.DispatchSubject("w1"), broker.Envelope{Kind: broker.EnvelopeCancel, TaskID: "a", LeaseID: "old", WorkerID: "w1"}))
	select {
	case <-stopped:
		t.Fatal("attempt cancelled by a stale lease id")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, b.Publish(ctx, broker.DispatchSubject("w1"), broker.Envelope{Kind: broker.EnvelopeCancel, TaskID: "a", LeaseID: "l1", WorkerID: "w1", Reason: "lease expired"}))
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("attempt not cancelled")
	}
	require.Eventually(t, func() bool { return len(r.Running()) == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, col.ofKind(broker.EnvelopeResult))
}

func TestRuntime_IgnoresDuplicateAndForeignDispatch(t *testing.T) {
	b := broker.NewMemory(0)
	defer b.Close()
	col := &collector{}
	_, err := b.Subscribe(broker.SubjectResult, col.handle)
	require.NoError(t, err)

	var mu sync.Mutex
	calls := 0
	release := make(chan struct{})
	startRuntime(t, b, ExecutorFunc(func(context.Context, *model.Task) (*model.Result, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
		return &model.Result{}, nil
	}))

	ctx := context.Background()
	env := dispatchEnvelope("a", "l1", 1)
	require.NoError(t, b.Publish(ctx, broker.DispatchSubject("w1"), env))
	require.NoError(t, b.Publish(ctx, broker.DispatchSubject("w1"), env))
	foreign := dispatchEnvelope("b", "l2", 1)
	foreign.WorkerID = "w2"
	require.NoError(t, b.Publish(ctx, broker.DispatchSubject("w1"), foreign))

	time.Sleep(50 * time.Millisecond)
	close(release)
	require.Eventually(t, func() bool { return len(col.ofKind(broker.EnvelopeResult)) == 1 }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

// TestRuntime_WithDispatcher runs a task through a real dispatcher and store.
func TestRuntime_WithDispatcher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(model.StoreConfig{})
	require.NoError(t, err)
	defer st.Close()
	b := broker.NewMemory(0)
	defer b.Close()
	sched := scheduler.New(st, nil)
	d, err := dispatcher.New(st, sched, b, model.DispatcherConfig{Workers: []string{"w1"}, LeaseTTL: time.Minute},
		dispatcher.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, d.Start(ctx))
	defer d.Stop()

	startRuntime(t, b, ExecutorFunc(func(_ context.Context, task *model.Task) (*model.Result, error) {
		return &model.Result{Output: "ok " + task.Type}, nil
	}))

	_, err = st.Submit(ctx, &model.Task{ID: "a", Type: "build", Priority: model.PriorityHigh})
	require.NoError(t, err)
	_, err = sched.AdvanceReadySet(ctx)
	require.NoError(t, err)
	leases, err := d.DispatchReady(ctx)
	require.NoError(t, err)
	require.Len(t, leases, 1)

	require.Eventually(t, func() bool {
		task, err := st.Get(ctx, "a")
		return err == nil && task.Status == model.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	task, err := st.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, task.Result)
	assert.Equal(t, "ok build", task.Result.Output)
	assert.Nil(t, task.Lease)
	assert.Equal(t, 1, task.Attempt)
}
