// Package gate runs every configured judge against a completed attempt and
// aggregates their verdicts into one quality gate decision.
package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/taskgate/internal/judge"
	"github.com/msageha/taskgate/internal/model"
)

const (
	tracerName          = "github.com/msageha/taskgate/internal/gate"
	defaultJudgeTimeout = 30 * time.Second
	spanJudgeEvaluate   = "gate.judge"
	attrJudgeID         = "judge.id"
	attrTaskID          = "task.id"
	attrAttempt         = "task.attempt"
	attrVerdict         = "judge.verdict"
	attrMissing         = "judge.missing"
)

// JudgeSource yields the judge set for one evaluation.
type JudgeSource interface {
	Judges() []judge.Judge
}

// Recorder persists verdicts and decisions.
type Recorder interface {
	AppendVerdict(ctx context.Context, v model.QualityVerdict) error
	AppendDecision(ctx context.Context, d model.QualityGateDecision) error
}

// Observer receives one call per judge invocation. verdict is empty when the
// judge is missing.
type Observer func(judgeID string, verdict model.Verdict, elapsed time.Duration)

type Orchestrator struct {
	judges         JudgeSource
	recorder       Recorder
	defaultTimeout time.Duration
	tracer         trace.Tracer
	logger         *zap.Logger
	observer       Observer
	now            func() time.Time
	group          singleflight.Group
}

type Option func(*Orchestrator)

func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracer = tp.Tracer(tracerName) }
}

func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) { o.observer = fn }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator. defaultTimeout applies to judges that do not
// declare their own.
func New(judges JudgeSource, recorder Recorder, defaultTimeout time.Duration, opts ...Option) *Orchestrator {
	if defaultTimeout <= 0 {
		defaultTimeout = defaultJudgeTimeout
	}
	o := &Orchestrator{
		judges:         judges,
		recorder:       recorder,
		defaultTimeout: defaultTimeout,
		tracer:         otel.Tracer(tracerName),
		logger:         zap.NewNop(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("gate")
	return o
}

type judgeOutcome struct {
	verdict model.QualityVerdict
	err     error
}

// Evaluate invokes every judge concurrently against the current attempt of
// task and records each verdict and the decision. Concurrent calls for the
// same attempt share one evaluation.
func (o *Orchestrator) Evaluate(ctx context.Context, task *model.Task) (model.QualityGateDecision, error) {
	if task == nil {
		return model.QualityGateDecision{}, fmt.Errorf("evaluate: nil task")
	}
	key := fmt.Sprintf("%s#%d", task.ID, task.Attempt)
	res, err, shared := o.group.Do(key, func() (any, error) {
		return o.evaluate(ctx, task.Clone())
	})
	if err != nil {
		return model.QualityGateDecision{}, err
	}
	if shared {
		o.logger.Debug("joined in-flight evaluation", zap.String("task_id", task.ID), zap.Int("attempt", task.Attempt))
	}
	return res.(model.QualityGateDecision), nil
}

func (o *Orchestrator) evaluate(ctx context.Context, task *model.Task) (model.QualityGateDecision, error) {
	judges := o.judges.Judges()
	req := judge.Request{Task: task, Attempt: task.Attempt}

	outcomes := make([]judgeOutcome, len(judges))
	var wg sync.WaitGroup
	for i, j := range judges {
		wg.Add(1)
		go func(i int, j judge.Judge) {
			defer wg.Done()
			outcomes[i] = o.invoke(ctx, j, req)
		}(i, j)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return model.QualityGateDecision{}, fmt.Errorf("evaluate task %s: %w", task.ID, err)
	}

	decision := model.QualityGateDecision{
		TaskID:        task.ID,
		Attempt:       task.Attempt,
		InputVerdicts: []model.QualityVerdict{},
	}
	for i, out := range outcomes {
		if out.err != nil {
			o.logger.Warn("judge missing",
				zap.String("task_id", task.ID),
				zap.Int("attempt", task.Attempt),
				zap.String("judge_id", judges[i].ID()),
				zap.Error(out.err))
			decision.MissingJudges = append(decision.MissingJudges, judges[i].ID())
			continue
		}
		decision.InputVerdicts = append(decision.InputVerdicts, out.verdict)
	}
	decision.Aggregate = Aggregate(decision.InputVerdicts, decision.MissingJudges)
	decision.DecidedAt = o.now().UTC()

	for _, v := range decision.InputVerdicts {
		if err := o.recorder.AppendVerdict(ctx, v); err != nil {
			return model.QualityGateDecision{}, fmt.Errorf("record verdict of %s: %w", v.JudgeID, err)
		}
	}
	if err := o.recorder.AppendDecision(ctx, decision); err != nil {
		return model.QualityGateDecision{}, fmt.Errorf("record decision: %w", err)
	}

	o.logger.Info("gate decided",
		zap.String("task_id", task.ID),
		zap.Int("attempt", task.Attempt),
		zap.String("aggregate", string(decision.Aggregate)),
		zap.Int("verdicts", len(decision.InputVerdicts)),
		zap.Strings("missing_judges", decision.MissingJudges))
	return decision, nil
}

// timeoutOf returns the judge's own timeout when it declares one.
func (o *Orchestrator) timeoutOf(j judge.Judge) time.Duration {
	if t, ok := j.(interface{ Timeout() time.Duration }); ok && t.Timeout() > 0 {
		return t.Timeout()
	}
	return o.defaultTimeout
}

// invoke runs one judge under its own deadline. A judge that ignores its
// context is abandoned at the deadline and reported missing.
func (o *Orchestrator) invoke(ctx context.Context, j judge.Judge, req judge.Request) judgeOutcome {
	jctx, cancel := context.WithTimeout(ctx, o.timeoutOf(j))
	defer cancel()

	jctx, span := o.tracer.Start(jctx, spanJudgeEvaluate, trace.WithAttributes(
		attribute.String(attrJudgeID, j.ID()),
		attribute.String(attrTaskID, req.Task.ID),
		attribute.Int(attrAttempt, req.Attempt),
	))
	defer span.End()

	start := o.now()
	done := make(chan judgeOutcome, 1)
	go func() {
		v, err := j.Evaluate(jctx, req)
		done <- judgeOutcome{verdict: v, err: err}
	}()

	var out judgeOutcome
	select {
	case out = <-done:
	case <-jctx.Done():
		out = judgeOutcome{err: jctx.Err()}
	}
	if out.err == nil {
		out.err = o.normalize(j, req, &out.verdict)
	}
	elapsed := o.now().Sub(start)

	if out.err != nil {
		span.RecordError(out.err)
		span.SetStatus(codes.Error, out.err.Error())
		span.SetAttributes(attribute.Bool(attrMissing, true))
		o.observe(j.ID(), "", elapsed)
		return out
	}
	span.SetAttributes(attribute.String(attrVerdict, string(out.verdict.Verdict)))
	o.observe(j.ID(), out.verdict.Verdict, elapsed)
	return out
}

// normalize stamps the identity of the call on v and rejects verdicts that
// belong to another task or attempt.
func (o *Orchestrator) normalize(j judge.Judge, req judge.Request, v *model.QualityVerdict) error {
	if !v.Verdict.Valid() {
		return fmt.Errorf("judge %s returned invalid verdict %q", j.ID(), v.Verdict)
	}
	if v.TaskID != "" && v.TaskID != req.Task.ID {
		return fmt.Errorf("judge %s returned verdict for task %s", j.ID(), v.TaskID)
	}
	if v.Attempt != 0 && v.Attempt != req.Attempt {
		return fmt.Errorf("judge %s returned verdict for attempt %d", j.ID(), v.Attempt)
	}
	v.JudgeID = j.ID()
	v.TaskID = req.Task.ID
	v.Attempt = req.Attempt
	if v.ProducedAt.IsZero() {
		v.ProducedAt = o.now().UTC()
	}
	return nil
}

func (o *Orchestrator) observe(judgeID string, v model.Verdict, elapsed time.Duration) {
	if o.observer != nil {
		o.observer(judgeID, v, elapsed)
	}
}
