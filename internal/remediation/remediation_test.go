package remediation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskgate/internal/delivery"
	"github.com/msageha/taskgate/internal/model"
	"github.com/msageha/taskgate/internal/store"
)

// scriptedDelivery replays canned answers; the last answer repeats.
type scriptedDelivery struct {
	mu        sync.Mutex
	finalize  []delivery.Report
	finErr    error
	reconcile bool
	ci        []delivery.CIState
	onResolve func()

	finalizeCalls int
	resolveCalls  int
	ciCalls       int
}

func (d *scriptedDelivery) Finalize(context.Context, *model.Task) (delivery.Report, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finalizeCalls++
	if d.finErr != nil {
		return delivery.Report{}, d.finErr
	}
	return next(d.finalize, d.finalizeCalls), nil
}

func (d *scriptedDelivery) ResolveConflict(context.Context, *model.Task) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resolveCalls++
	if d.onResolve != nil {
		d.onResolve()
	}
	return d.reconcile, nil
}

func (d *scriptedDelivery) CIStatus(context.Context, *model.Task) (delivery.CIState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ciCalls++
	return next(d.ci, d.ciCalls), nil
}

func next[T any](script []T, call int) T {
	if call > len(script) {
		return script[len(script)-1]
	}
	return script[call-1]
}

func outcome(o model.RemediationOutcome) delivery.Report {
	return delivery.Report{Outcome: o, Detail: string(o)}
}

type fixture struct {
	store *store.Store
	loop  *Loop
	d     *scriptedDelivery
	now   time.Time
}

func newFixture(t *testing.T, d *scriptedDelivery) *fixture {
	t.Helper()
	st, err := store.New(model.StoreConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{store: st, d: d, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	f.loop = New(st, d, model.RemediationConfig{
		BaseDelay:         time.Second,
		MaxDelay:          10 * time.Second,
		CIPollInitial:     time.Millisecond,
		CIPollMaxInterval: 4 * time.Millisecond,
		CIPollTimeout:     time.Second,
	}, WithClock(func() time.Time { return f.now }))
	return f
}

// completeAttempt drives a task through one dispatch to COMPLETED.
func (f *fixture) completeAttempt(t *testing.T, id string) *model.Task {
	t.Helper()
	return f.completeWith(t, id, &model.Result{Output: "done"})
}

func (f *fixture) completeWith(t *testing.T, id string, result *model.Result) *model.Task {
	t.Helper()
	ctx := context.Background()
	task, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	if task.Status == model.StatusPending {
		_, err = f.store.Mark(ctx, id, model.StatusReady)
		require.NoError(t, err)
	}
	_, err = f.store.Update(ctx, id, func(t *model.Task) error {
		t.Status = model.StatusAssigned
		t.Attempt++
		t.AssignedWorkerID = model.StringPtr("w1")
		return nil
	})
	require.NoError(t, err)
	_, err = f.store.Mark(ctx, id, model.StatusRunning)
	require.NoError(t, err)
	task, err = f.store.Mark(ctx, id, model.StatusCompleted, store.WithResult(result))
	require.NoError(t, err)
	return task
}

func (f *fixture) submit(t *testing.T, id string, maxRetries int) {
	t.Helper()
	_, err := f.store.Submit(context.Background(), &model.Task{
		ID: id, Type: "build", Priority: model.PriorityMedium, MaxRetries: maxRetries,
	})
	require.NoError(t, err)
}

func decision(task *model.Task, v model.Verdict) model.QualityGateDecision {
	return model.QualityGateDecision{TaskID: task.ID, Attempt: task.Attempt, Aggregate: v}
}

func (f *fixture) history(t *testing.T, id string) *model.TaskHistory {
	t.Helper()
	h, err := f.store.History(context.Background(), id)
	require.NoError(t, err)
	return h
}

func actions(h *model.TaskHistory) []string {
	out := make([]string, len(h.Attempts))
	for i, a := range h.Attempts {
		out[i] = string(a.Action) + ":" + string(a.Outcome)
	}
	return out
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{62, 10 * time.Second},
		{1000, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(time.Second, 10*time.Second, tt.retry), "retry %d", tt.retry)
	}
}

func TestHandle_ApproveDelivers(t *testing.T) {
	f := newFixture(t, &scriptedDelivery{finalize: []delivery.Report{outcome(model.OutcomeSuccess)}})
	f.submit(t, "a", 1)
	task := f.completeAttempt(t, "a")

	got, err := f.loop.Handle(context.Background(), decision(task, model.VerdictApprove))
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	require.NotNil(t, got.DeliveredAt)
	assert.True(t, got.Delivered())

	h := f.history(t, "a")
	assert.Equal(t, []string{"FINALIZE:SUCCESS"}, actions(h))
	assert.Equal(t, 1, h.Attempts[0].AttemptNumber)
}

func TestHandle_RejectRetriesWithBackoff(t *testing.T) {
	f := newFixture(t, &scriptedDelivery{})
	f.submit(t, "a", 3)
	task := f.completeAttempt(t, "a")

	got, err := f.loop.Handle(context.Background(), decision(task, model.VerdictReject))
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NotBefore)
	assert.Equal(t, f.now.Add(time.Second), *got.NotBefore, "first retry waits base*2^0")

	task = f.completeAttempt(t, "a")
	got, err = f.loop.Handle(context.Background(), decision(task, model.VerdictConditional))
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, f.now.Add(2*time.Second), *got.NotBefore)

	assert.Equal(t, []string{"RETRY:FAILURE", "RETRY:FAILURE"}, actions(f.history(t, "a")))
	assert.Zero(t, f.d.finalizeCalls)
}

func TestHandle_RetryBoundThenEscalate(t *testing.T) {
	const maxRetries = 2
	f := newFixture(t, &scriptedDelivery{})
	f.submit(t, "a", maxRetries)

	var got *model.Task
	for i := 0; i <= maxRetries; i++ {
		task := f.completeAttempt(t, "a")
		var err error
		got, err = f.loop.Handle(context.Background(), decision(task, model.VerdictReject))
		require.NoError(t, err)
		assert.LessOrEqual(t, got.RetryCount, maxRetries)
	}
	assert.Equal(t, model.StatusEscalated, got.Status)
	assert.Equal(t, maxRetries, got.RetryCount)
	assert.Equal(t, maxRetries+1, got.Attempt)

	esc := f.store.PendingEscalation("a")
	require.NotNil(t, esc)
	assert.Contains(t, esc.Reason, "retry budget spent (2/2)")
	assert.Equal(t, []string{"RETRY:FAILURE", "RETRY:FAILURE", "ESCALATE:FAILURE"}, actions(f.history(t, "a")))
}

func TestHandle_ZeroRetriesEscalatesImmediately(t *testing.T) {
	f := newFixture(t, &scriptedDelivery{})
	f.submit(t, "a", 0)
	task := f.completeAttempt(t, "a")

	got, err := f.loop.Handle(context.Background(), decision(task, model.VerdictConditional))
	require.NoError(t, err)
	assert.Equal(t, model.StatusEscalated, got.Status)
	assert.Zero(t, got.RetryCount)
}

func TestHandle_StaleDecision(t *testing.T) {
	f := newFixture(t, &scriptedDelivery{})
	f.submit(t, "a", 2)
	task := f.completeAttempt(t, "a")

	stale := decision(task, model.VerdictApprove)
	stale.Attempt = task.Attempt - 1
	_, err := f.loop.Handle(context.Background(), stale)
	assert.ErrorIs(t, err, ErrStaleDecision)

	_, err = f.loop.Handle(context.Background(), model.QualityGateDecision{TaskID: "ghost", Attempt: 1})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestHandleFailure(t *testing.T) {
	f := newFixture(t, &scriptedDelivery{})
	f.submit(t, "a", 1)
	ctx := context.Background()

	f.completeAttempt(t, "a")
	_, err := f.loop.HandleFailure(ctx, "a")
	var invalid *model.InvalidTransitionError
	assert.ErrorAs(t, err, &invalid, "a completed task is not a failure")

	_, err = f.store.Mark(ctx, "a", model.StatusFailed, store.WithError("compiler exploded"))
	require.NoError(t, err)
	got, err := f.loop.HandleFailure(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	h := f.history(t, "a")
	require.Len(t, h.Attempts, 1)
	assert.Contains(t, h.Attempts[0].Detail, "compiler exploded")
}

func TestFinalize_ConflictReconciledThenDelivered(t *testing.T) {
	d := &scriptedDelivery{
		finalize:  []delivery.Report{outcome(model.OutcomeConflict), outcome(model.OutcomeSuccess)},
		reconcile: true,
	}
	f := newFixture(t, d)
	f.submit(t, "a", 1)
	task := f.completeAttempt(t, "a")

	got, err := f.loop.Handle(context.Background(), decision(task, model.VerdictApprove))
	require.NoError(t, err)
	assert.True(t, got.Delivered())
	assert.Equal(t, 1, d.resolveCalls)
	assert.Equal(t, []string{"FINALIZE:CONFLICT", "FINALIZE:SUCCESS"}, actions(f.history(t, "a")))
}

func TestHandle_CancelledWhileJudged(t *testing.T) {
	f := newFixture(t, &scriptedDelivery{finalize: []delivery.Report{outcome(model.OutcomeSuccess)}})
	f.submit(t, "a", 1)
	task := f.completeAttempt(t, "a")
	_, err := f.store.Mark(context.Background(), "a", model.StatusCancelled, store.WithCancelReason("operator"))
	require.NoError(t, err)

	_, err = f.loop.Handle(context.Background(), decision(task, model.VerdictApprove))
	assert.ErrorIs(t, err, ErrStaleDecision)
	assert.Zero(t, f.d.finalizeCalls)
}

func TestFinalize_CancelledBetweenAttempts(t *testing.T) {
	d := &scriptedDelivery{finalize: []delivery.Report{outcome(model.OutcomeConflict), outcome(model.OutcomeSuccess)}, reconcile: true}
	f := newFixture(t, d)
	f.submit(t, "a", 1)
	task := f.completeAttempt(t, "a")
	d.onResolve = func() {
		_, err := f.store.Mark(context.Background(), "a", model.StatusCancelled)
		require.NoError(t, err)
	}

	_, err := f.loop.Handle(context.Background(), decision(task, model.VerdictApprove))
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 1, d.finalizeCalls)
	got, err := f.store.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
}

func TestFinalize_ConflictAgainEscalates(t *testing.T) {
	d := &scriptedDelivery{finalize: []delivery.Report{outcome(model.OutcomeConflict)}, reconcile: true}
	f := newFixture(t, d)
	f.submit(t, "a", 3)
	task := f.completeAttempt(t, "a")

	got, err := f.loop.Handle(context.Background(), decision(task, model.VerdictApprove))
	require.NoError(t, err)
	assert.Equal(t, model.StatusEscalated, got.Status)
	assert.Equal(t, 1, d.resolveCalls, "exactly one conflict resolution pass")
	assert.Equal(t, 2, d.finalizeCalls)
	assert.Contains(t, f.store.PendingEscalation("a").Reason, "conflict persists")
}

func TestFinalize_IrreconcilableConflictEscalates(t *testing.T) {
	d := &scriptedDelivery{finalize: []delivery.Report{outcome(model.OutcomeConflict)}, reconcile: false}
	f := newFixture(t, d)
	f.submit(t, "a", 3)
	task := f.completeAttempt(t, "a")

	got, err := f.loop.Handle(context.Background(), decision(task, model.VerdictApprove))
	require.NoError(t, err)
	assert.Equal(t, model.StatusEscalated, got.Status)
	assert.Equal(t, 1, d.finalizeCalls)
	assert.Zero(t, got.RetryCount)
	assert.Contains(t, f.store.PendingEscalation("a").Reason, "irreconcilable")
}

func TestFinalize_CIPendingThenGreen(t *testing.T) {
	d := &scriptedDelivery{
		finalize: []delivery.Report{outcome(model.OutcomeCIPending), outcome(model.OutcomeSuccess)},
		ci:       []delivery.CIState{delivery.CIPending, delivery.CIPending, delivery.CISuccess},
	}
	f := newFixture(t, d)
	f.submit(t, "a", 1)
	task := f.completeAttempt(t, "a")

	got, err := f.loop.Handle(context.Background(), decision(task, model.VerdictApprove))
	require.NoError(t, err)
	assert.True(t, got.Delivered())
	assert.Equal(t, 3, d.ciCalls)
	assert.Equal(t, []string{"FINALIZE:CI_PENDING", "FINALIZE:SUCCESS"}, actions(f.history(t, "a")))
}

func TestFinalize_CIFailureRetries(t *testing.T) {
	d := &scriptedDelivery{
		finalize: []delivery.Report{outcome(model.OutcomeCIPending)},
		ci:       []delivery.CIState{delivery.CIFailure},
	}
	f := newFixture(t, d)
	f.submit(t, "a", 1)
	task := f.completeAttempt(t, "a")

	got, err := f.loop.Handle(context.Background(), decision(task, model.VerdictApprove))
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Nil(t, got.DeliveredAt)
	assert.Equal(t, []string{"FINALIZE:CI_PENDING", "FINALIZE:FAILURE", "RETRY:FAILURE"}, actions(f.history(t, "a")))
}

func TestFinalize_CIPollCeiling(t *testing.T) {
	d := &scriptedDelivery{
		finalize: []delivery.Report{outcome(model.OutcomeCIPending)},
		ci:       []delivery.CIState{delivery.CIPending},
	}
	f := newFixture(t, d)
	f.loop.cfg.CIPollTimeout = 30 * time.Millisecond
	f.submit(t, "a", 1)
	task := f.completeAttempt(t, "a")

	start := time.Now()
	got, err := f.loop.Handle(context.Background(), decision(task, model.VerdictApprove))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, model.StatusReady, got.Status)

	h := f.history(t, "a")
	require.Len(t, h.Attempts, 3)
	assert.Contains(t, h.Attempts[1].Detail, "did not finish")
}

func TestFinalize_CIReattemptsCappedByMaxRetries(t *testing.T) {
	d := &scriptedDelivery{
		finalize: []delivery.Report{outcome(model.OutcomeCIPending)},
		ci:       []delivery.CIState{delivery.CISuccess},
	}
	f := newFixture(t, d)
	f.submit(t, "a", 2)
	task := f.completeAttempt(t, "a")

	got, err := f.loop.Handle(context.Background(), decision(task, model.VerdictApprove))
	require.NoError(t, err)
	assert.Equal(t, 3, d.finalizeCalls, "first call plus max_retries re-attempts")
	assert.Equal(t, 2, d.ciCalls)
	assert.Equal(t, model.StatusReady, got.Status)
	assert.Equal(t, []string{
		"FINALIZE:CI_PENDING", "FINALIZE:CI_PENDING", "FINALIZE:CI_PENDING", "FINALIZE:FAILURE", "RETRY:FAILURE",
	}, actions(f.history(t, "a")))
}

func TestFinalize_DeliveryErrorIsFailure(t *testing.T) {
	d := &scriptedDelivery{finErr: errors.New("github unavailable")}
	f := newFixture(t, d)
	f.submit(t, "a", 0)
	task := f.completeAttempt(t, "a")

	got, err := f.loop.Handle(context.Background(), decision(task, model.VerdictApprove))
	require.NoError(t, err)
	assert.Equal(t, model.StatusEscalated, got.Status)
	h := f.history(t, "a")
	assert.Equal(t, []string{"FINALIZE:FAILURE", "ESCALATE:FAILURE"}, actions(h))
	assert.Contains(t, h.Attempts[0].Detail, "github unavailable")
}

func TestResolveEscalation(t *testing.T) {
	escalated := func(t *testing.T, d *scriptedDelivery) *fixture {
		f := newFixture(t, d)
		f.submit(t, "a", 0)
		task := f.completeAttempt(t, "a")
		got, err := f.loop.Handle(context.Background(), decision(task, model.VerdictReject))
		require.NoError(t, err)
		require.Equal(t, model.StatusEscalated, got.Status)
		return f
	}

	t.Run("approve delivers", func(t *testing.T) {
		f := escalated(t, &scriptedDelivery{finalize: []delivery.Report{outcome(model.OutcomeSuccess)}})
		got, err := f.loop.ResolveEscalation(context.Background(), "a", model.ResolutionApprove)
		require.NoError(t, err)
		assert.True(t, got.Delivered())
		assert.Nil(t, f.store.PendingEscalation("a"))
	})

	t.Run("reject cancels", func(t *testing.T) {
		f := escalated(t, &scriptedDelivery{})
		got, err := f.loop.ResolveEscalation(context.Background(), "a", model.ResolutionReject)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCancelled, got.Status)
		require.NotNil(t, got.CancelReason)
		assert.Equal(t, "escalation rejected", *got.CancelReason)
	})

	t.Run("approve with failed delivery escalates again", func(t *testing.T) {
		f := escalated(t, &scriptedDelivery{finalize: []delivery.Report{outcome(model.OutcomeFailure)}})
		got, err := f.loop.ResolveEscalation(context.Background(), "a", model.ResolutionApprove)
		require.NoError(t, err)
		assert.Equal(t, model.StatusEscalated, got.Status)
		esc := f.store.PendingEscalation("a")
		require.NotNil(t, esc)
		assert.Contains(t, esc.Reason, "after approval")
		assert.Len(t, f.history(t, "a").Escalations, 2)
	})

	t.Run("no open escalation", func(t *testing.T) {
		f := newFixture(t, &scriptedDelivery{})
		f.submit(t, "a", 0)
		_, err := f.loop.ResolveEscalation(context.Background(), "a", model.ResolutionApprove)
		assert.ErrorIs(t, err, model.ErrNoEscalation)
	})
}
