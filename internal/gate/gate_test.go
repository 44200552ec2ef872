package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/msageha/taskgate/internal/judge"
	"github.com/msageha/taskgate/internal/model"
)

type stubJudge struct {
	id      string
	timeout time.Duration
	fn      func(ctx context.Context, req judge.Request) (model.QualityVerdict, error)
}

func (j *stubJudge) ID() string             { return j.id }
func (j *stubJudge) Timeout() time.Duration { return j.timeout }
func (j *stubJudge) Evaluate(ctx context.Context, req judge.Request) (model.QualityVerdict, error) {
	return j.fn(ctx, req)
}

func fixed(id string, v model.Verdict) *stubJudge {
	return &stubJudge{id: id, fn: func(context.Context, judge.Request) (model.QualityVerdict, error) {
		return model.QualityVerdict{Verdict: v, Reasoning: "fixed"}, nil
	}}
}

func failing(id string) *stubJudge {
	return &stubJudge{id: id, fn: func(context.Context, judge.Request) (model.QualityVerdict, error) {
		return model.QualityVerdict{}, errors.New("engine crashed")
	}}
}

type staticJudges []judge.Judge

func (s staticJudges) Judges() []judge.Judge { return s }

type memRecorder struct {
	mu        sync.Mutex
	verdicts  []model.QualityVerdict
	decisions []model.QualityGateDecision
	err       error
}

func (r *memRecorder) AppendVerdict(_ context.Context, v model.QualityVerdict) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.verdicts = append(r.verdicts, v)
	return nil
}

func (r *memRecorder) AppendDecision(_ context.Context, d model.QualityGateDecision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.decisions = append(r.decisions, d)
	return nil
}

func completed(id string, attempt int) *model.Task {
	return &model.Task{ID: id, Type: "build", Priority: model.PriorityMedium, Status: model.StatusCompleted, Attempt: attempt}
}

const missing = model.Verdict("MISSING")

var outcomes = []model.Verdict{model.VerdictApprove, model.VerdictConditional, model.VerdictReject, missing}

// expected is the reference fold used to check Aggregate.
func expected(seq []model.Verdict) model.Verdict {
	if len(seq) == 0 {
		return model.VerdictConditional
	}
	got := model.VerdictApprove
	for _, v := range seq {
		switch v {
		case model.VerdictReject:
			return model.VerdictReject
		case model.VerdictConditional, missing:
			got = model.VerdictConditional
		}
	}
	return got
}

// sequences enumerates every outcome sequence of length n.
func sequences(n int) [][]model.Verdict {
	if n == 0 {
		return [][]model.Verdict{{}}
	}
	var out [][]model.Verdict
	for _, prefix := range sequences(n - 1) {
		for _, v := range outcomes {
			seq := append(append([]model.Verdict{}, prefix...), v)
			out = append(out, seq)
		}
	}
	return out
}

func TestAggregate_TruthTable(t *testing.T) {
	for n := 0; n <= 4; n++ {
		for _, seq := range sequences(n) {
			var verdicts []model.QualityVerdict
			var missingIDs []string
			for i, v := range seq {
				id := fmt.Sprintf("j%d", i)
				if v == missing {
					missingIDs = append(missingIDs, id)
					continue
				}
				verdicts = append(verdicts, model.QualityVerdict{JudgeID: id, Verdict: v})
			}
			assert.Equal(t, expected(seq), Aggregate(verdicts, missingIDs), "sequence %v", seq)
		}
	}
}

func TestOrchestrator_TruthTableThroughJudges(t *testing.T) {
	for _, seq := range sequences(3) {
		judges := make(staticJudges, len(seq))
		for i, v := range seq {
			id := fmt.Sprintf("j%d", i)
			if v == missing {
				judges[i] = failing(id)
			} else {
				judges[i] = fixed(id, v)
			}
		}
		rec := &memRecorder{}
		o := New(judges, rec, time.Second)

		d, err := o.Evaluate(context.Background(), completed("t", 1))
		require.NoError(t, err)
		assert.Equal(t, expected(seq), d.Aggregate, "sequence %v", seq)
		assert.Equal(t, len(seq), len(d.InputVerdicts)+len(d.MissingJudges))
		assert.Len(t, rec.verdicts, len(d.InputVerdicts))
		require.Len(t, rec.decisions, 1)
	}
}

func TestOrchestrator_ZeroJudgesIsConditional(t *testing.T) {
	rec := &memRecorder{}
	d, err := New(staticJudges{}, rec, time.Second).Evaluate(context.Background(), completed("t", 1))
	require.NoError(t, err)
	assert.Equal(t, model.VerdictConditional, d.Aggregate)
	assert.Empty(t, d.InputVerdicts)
	assert.Empty(t, d.MissingJudges)
}

func TestOrchestrator_StampsVerdictIdentity(t *testing.T) {
	rec := &memRecorder{}
	o := New(staticJudges{fixed("lint", model.VerdictApprove)}, rec, time.Second)

	d, err := o.Evaluate(context.Background(), completed("task-9", 3))
	require.NoError(t, err)
	require.Len(t, d.InputVerdicts, 1)
	v := d.InputVerdicts[0]
	assert.Equal(t, "lint", v.JudgeID)
	assert.Equal(t, "task-9", v.TaskID)
	assert.Equal(t, 3, v.Attempt)
	assert.False(t, v.ProducedAt.IsZero())
	assert.Equal(t, "task-9", d.TaskID)
	assert.Equal(t, 3, d.Attempt)
}

func TestOrchestrator_ForeignOrInvalidVerdictIsMissing(t *testing.T) {
	foreign := &stubJudge{id: "foreign", fn: func(context.Context, judge.Request) (model.QualityVerdict, error) {
		return model.QualityVerdict{TaskID: "other", Verdict: model.VerdictApprove}, nil
	}}
	stale := &stubJudge{id: "stale", fn: func(context.Context, judge.Request) (model.QualityVerdict, error) {
		return model.QualityVerdict{Attempt: 1, Verdict: model.VerdictApprove}, nil
	}}
	bogus := fixed("bogus", model.Verdict("MAYBE"))

	d, err := New(staticJudges{foreign, stale, bogus}, &memRecorder{}, time.Second).
		Evaluate(context.Background(), completed("t", 2))
	require.NoError(t, err)
	assert.Equal(t, []string{"foreign", "stale", "bogus"}, d.MissingJudges)
	assert.Equal(t, model.VerdictConditional, d.Aggregate)
}

func TestOrchestrator_TimeoutMarksJudgeMissing(t *testing.T) {
	// The slow judge ignores its context entirely.
	release := make(chan struct{})
	defer close(release)
	slow := &stubJudge{id: "slow", timeout: 30 * time.Millisecond, fn: func(context.Context, judge.Request) (model.QualityVerdict, error) {
		<-release
		return model.QualityVerdict{Verdict: model.VerdictReject}, nil
	}}
	polite := &stubJudge{id: "polite", fn: func(ctx context.Context, _ judge.Request) (model.QualityVerdict, error) {
		<-ctx.Done()
		return model.QualityVerdict{}, ctx.Err()
	}}

	var observed sync.Map
	o := New(staticJudges{fixed("fast", model.VerdictApprove), slow, polite}, &memRecorder{}, 50*time.Millisecond,
		WithObserver(func(id string, v model.Verdict, _ time.Duration) { observed.Store(id, v) }))

	start := time.Now()
	d, err := o.Evaluate(context.Background(), completed("t", 1))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.ElementsMatch(t, []string{"slow", "polite"}, d.MissingJudges)
	assert.Equal(t, model.VerdictConditional, d.Aggregate)

	v, _ := observed.Load("slow")
	assert.Equal(t, model.Verdict(""), v)
	v, _ = observed.Load("fast")
	assert.Equal(t, model.VerdictApprove, v)
}

func TestOrchestrator_JudgesRunConcurrently(t *testing.T) {
	var running, peak int32
	mk := func(id string) *stubJudge {
		return &stubJudge{id: id, fn: func(context.Context, judge.Request) (model.QualityVerdict, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return model.QualityVerdict{Verdict: model.VerdictApprove}, nil
		}}
	}
	d, err := New(staticJudges{mk("a"), mk("b"), mk("c")}, &memRecorder{}, time.Second).
		Evaluate(context.Background(), completed("t", 1))
	require.NoError(t, err)
	assert.Equal(t, model.VerdictApprove, d.Aggregate)
	assert.Equal(t, int32(3), atomic.LoadInt32(&peak))
}

func TestOrchestrator_DuplicateEvaluationsCollapse(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	j := &stubJudge{id: "j", fn: func(context.Context, judge.Request) (model.QualityVerdict, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return model.QualityVerdict{Verdict: model.VerdictApprove}, nil
	}}
	rec := &memRecorder{}
	o := New(staticJudges{j}, rec, 5*time.Second)

	var wg sync.WaitGroup
	results := make([]model.QualityGateDecision, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := o.Evaluate(context.Background(), completed("t", 1))
			assert.NoError(t, err)
			results[i] = d
		}(i)
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Len(t, rec.decisions, 1)
	for _, d := range results {
		assert.Equal(t, model.VerdictApprove, d.Aggregate)
	}
}

func TestOrchestrator_RecorderErrorIsReturned(t *testing.T) {
	rec := &memRecorder{err: errors.New("disk full")}
	_, err := New(staticJudges{fixed("a", model.VerdictApprove)}, rec, time.Second).
		Evaluate(context.Background(), completed("t", 1))
	assert.ErrorContains(t, err, "disk full")
}

func TestOrchestrator_CancelledContextRecordsNothing(t *testing.T) {
	rec := &memRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(staticJudges{fixed("a", model.VerdictApprove)}, rec, time.Second).Evaluate(ctx, completed("t", 1))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.decisions)
}

func TestOrchestrator_TracesEachJudge(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	o := New(staticJudges{fixed("ok", model.VerdictConditional), failing("broken")}, &memRecorder{}, time.Second,
		WithTracerProvider(tp))
	_, err := o.Evaluate(context.Background(), completed("t", 2))
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	byJudge := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range spans {
		assert.Equal(t, spanJudgeEvaluate, s.Name())
		for _, a := range s.Attributes() {
			if string(a.Key) == attrJudgeID {
				byJudge[a.Value.AsString()] = s
			}
		}
	}
	require.Contains(t, byJudge, "ok")
	require.Contains(t, byJudge, "broken")
	assert.Equal(t, codes.Error, byJudge["broken"].Status().Code)
	assert.NotEqual(t, codes.Error, byJudge["ok"].Status().Code)

	var verdict string
	for _, a := range byJudge["ok"].Attributes() {
		if string(a.Key) == attrVerdict {
			verdict = a.Value.AsString()
		}
	}
	assert.Equal(t, string(model.VerdictConditional), verdict)
}
