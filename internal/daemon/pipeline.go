package daemon

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/msageha/taskgate/internal/lock"
	"github.com/msageha/taskgate/internal/logging"
	"github.com/msageha/taskgate/internal/model"
	"github.com/msageha/taskgate/internal/remediation"
)

// Evaluator runs the quality gate for the current attempt of a task.
type Evaluator interface {
	Evaluate(ctx context.Context, task *model.Task) (model.QualityGateDecision, error)
}

// Remediator acts on gate decisions and worker failures.
type Remediator interface {
	Handle(ctx context.Context, decision model.QualityGateDecision) (*model.Task, error)
	HandleFailure(ctx context.Context, taskID string) (*model.Task, error)
}

// PipelineStore is the slice of the store the pipeline reads.
type PipelineStore interface {
	Get(ctx context.Context, id string) (*model.Task, error)
	Snapshot() []*model.Task
	History(ctx context.Context, id string) (*model.TaskHistory, error)
}

// Pipeline runs gate and remediation for each committed result on its own
// goroutine. Work for one task is serialized; every run re-reads the row so
// a duplicate or late trigger is a no-op.
type Pipeline struct {
	store  PipelineStore
	gate   Evaluator
	remedy Remediator
	locks  *lock.MutexMap
	tracer trace.Tracer
	logger *zap.Logger

	ctx context.Context
	wg  sync.WaitGroup
}

func NewPipeline(ctx context.Context, st PipelineStore, gate Evaluator, remedy Remediator, tp trace.TracerProvider, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:  st,
		gate:   gate,
		remedy: remedy,
		locks:  lock.NewMutexMap(),
		tracer: tp.Tracer(tracerName),
		logger: logger.Named("pipeline"),
		ctx:    ctx,
	}
}

// Completed implements dispatcher.Forwarder.
func (p *Pipeline) Completed(_ context.Context, task *model.Task) {
	p.spawn(task.ID)
}

// Failed implements dispatcher.Forwarder.
func (p *Pipeline) Failed(_ context.Context, task *model.Task) {
	p.spawn(task.ID)
}

// Recover re-drives tasks whose result committed but whose gate or
// remediation never finished, e.g. across a restart.
func (p *Pipeline) Recover() int {
	n := 0
	for _, t := range p.store.Snapshot() {
		if pendingWork(t) {
			p.spawn(t.ID)
			n++
		}
	}
	return n
}

// Wait blocks until every spawned run has returned.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func pendingWork(t *model.Task) bool {
	return t.Status == model.StatusFailed || (t.Status == model.StatusCompleted && t.DeliveredAt == nil)
}

func (p *Pipeline) spawn(taskID string) {
	if p.ctx.Err() != nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.locks.Lock(taskID)
		defer p.locks.Unlock(taskID)
		p.run(p.ctx, taskID)
	}()
}

func (p *Pipeline) run(ctx context.Context, taskID string) {
	if ctx.Err() != nil {
		return
	}
	ctx, span := p.tracer.Start(ctx, spanPipelineRun, trace.WithAttributes(attribute.String(attrTaskID, taskID)))
	defer span.End()
	logger := logging.WithContext(ctx, p.logger).With(zap.String("task_id", taskID))

	task, err := p.store.Get(ctx, taskID)
	if err != nil {
		logger.Error("load task", zap.Error(err))
		return
	}
	if !pendingWork(task) {
		return
	}
	span.SetAttributes(attribute.Int(attrAttempt, task.Attempt), attribute.String(attrStatus, string(task.Status)))

	var next *model.Task
	if task.Status == model.StatusFailed {
		next, err = p.remedy.HandleFailure(ctx, taskID)
	} else {
		var decision model.QualityGateDecision
		decision, err = p.decide(ctx, task)
		if err == nil {
			span.SetAttributes(attribute.String(attrAggregate, string(decision.Aggregate)))
			next, err = p.remedy.Handle(ctx, decision)
		}
	}
	switch {
	case err == nil:
		logger.Debug("pipeline run finished", zap.String("status", string(next.Status)), zap.Int("retry_count", next.RetryCount))
	case errors.Is(err, remediation.ErrStaleDecision), errors.Is(err, remediation.ErrCancelled), ctx.Err() != nil:
		logger.Debug("pipeline run abandoned", zap.Error(err))
	default:
		span.RecordError(err)
		logger.Error("pipeline run failed", zap.Error(err))
	}
}

// decide reuses a recorded decision for the current attempt, otherwise it
// runs the gate.
func (p *Pipeline) decide(ctx context.Context, task *model.Task) (model.QualityGateDecision, error) {
	h, err := p.store.History(ctx, task.ID)
	if err != nil {
		return model.QualityGateDecision{}, err
	}
	if d := h.LatestDecision(); d != nil && d.Attempt == task.Attempt {
		return *d, nil
	}
	return p.gate.Evaluate(ctx, task)
}
