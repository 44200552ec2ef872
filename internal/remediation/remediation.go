// Package remediation turns gate decisions and worker failures into one of
// three explicit actions: RETRY, FINALIZE or ESCALATE.
package remediation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/taskgate/internal/delivery"
	"github.com/msageha/taskgate/internal/model"
	"github.com/msageha/taskgate/internal/store"
)

const (
	defaultBaseDelay         = time.Second
	defaultMaxDelay          = 5 * time.Minute
	defaultCIPollInitial     = 5 * time.Second
	defaultCIPollMaxInterval = time.Minute
	defaultCIPollTimeout     = 30 * time.Minute
)

// ErrStaleDecision rejects a decision for an attempt the task has moved past.
var ErrStaleDecision = errors.New("decision does not match the task's current attempt")

// ErrCancelled stops FINALIZE when the task was cancelled while it ran.
var ErrCancelled = errors.New("task was cancelled")

// Store is the slice of the task store the loop drives.
type Store interface {
	Get(ctx context.Context, id string) (*model.Task, error)
	Mark(ctx context.Context, id string, status model.Status, opts ...store.MarkOption) (*model.Task, error)
	AppendAttempt(ctx context.Context, a model.RemediationAttempt) error
	OpenEscalation(ctx context.Context, taskID, reason string) (model.Escalation, error)
	ResolveEscalation(ctx context.Context, taskID string, resolution model.EscalationResolution) (model.Escalation, error)
}

type Loop struct {
	store    Store
	delivery delivery.Delivery
	cfg      model.RemediationConfig
	logger   *zap.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

type Option func(*Loop)

func WithLogger(logger *zap.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

func New(st Store, d delivery.Delivery, cfg model.RemediationConfig, opts ...Option) *Loop {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.CIPollInitial <= 0 {
		cfg.CIPollInitial = defaultCIPollInitial
	}
	if cfg.CIPollMaxInterval <= 0 {
		cfg.CIPollMaxInterval = defaultCIPollMaxInterval
	}
	if cfg.CIPollTimeout <= 0 {
		cfg.CIPollTimeout = defaultCIPollTimeout
	}
	l := &Loop{
		store:    st,
		delivery: d,
		cfg:      cfg,
		logger:   zap.NewNop(),
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.Named("remediation")
	return l
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff returns min(base * 2^retryCount, max).
func Backoff(base, maxDelay time.Duration, retryCount int) time.Duration {
	d := base
	for i := 0; i < retryCount; i++ {
		if d >= maxDelay/2 {
			return maxDelay
		}
		d *= 2
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// Handle acts on a gate decision: APPROVE finalizes, anything else retries
// while budget remains and escalates otherwise.
func (l *Loop) Handle(ctx context.Context, decision model.QualityGateDecision) (*model.Task, error) {
	task, err := l.store.Get(ctx, decision.TaskID)
	if err != nil {
		return nil, err
	}
	if task.Status != model.StatusCompleted || task.Delivered() || task.Attempt != decision.Attempt {
		return nil, fmt.Errorf("task %s (%s, attempt %d), decision attempt %d: %w",
			task.ID, task.Status, task.Attempt, decision.Attempt, ErrStaleDecision)
	}

	if decision.Aggregate == model.VerdictApprove {
		return l.finalize(ctx, task)
	}
	reason := fmt.Sprintf("quality gate %s on attempt %d", decision.Aggregate, decision.Attempt)
	if len(decision.MissingJudges) > 0 {
		reason += fmt.Sprintf(" (missing judges: %v)", decision.MissingJudges)
	}
	return l.retryOrEscalate(ctx, task, reason)
}

// HandleFailure routes a FAILED worker result to RETRY or ESCALATE.
func (l *Loop) HandleFailure(ctx context.Context, taskID string) (*model.Task, error) {
	task, err := l.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != model.StatusFailed {
		return nil, fmt.Errorf("task %s: %w", taskID,
			&model.InvalidTransitionError{From: task.Status, To: model.StatusReady, Reason: "task has not failed"})
	}
	reason := "worker reported failure"
	if task.LastError != nil {
		reason = *task.LastError
	}
	return l.retryOrEscalate(ctx, task, reason)
}

// ResolveEscalation applies the human decision. Approve runs FINALIZE,
// reject cancels the task.
func (l *Loop) ResolveEscalation(ctx context.Context, taskID string, resolution model.EscalationResolution) (*model.Task, error) {
	task, err := l.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != model.StatusEscalated {
		return nil, fmt.Errorf("task %s is %s: %w", taskID, task.Status, model.ErrNoEscalation)
	}
	if _, err := l.store.ResolveEscalation(ctx, taskID, resolution); err != nil {
		return nil, err
	}
	l.logger.Info("escalation resolved", zap.String("task_id", taskID), zap.String("resolution", string(resolution)))

	switch resolution {
	case model.ResolutionApprove:
		return l.finalize(ctx, task)
	case model.ResolutionReject:
		return l.store.Mark(ctx, taskID, model.StatusCancelled, store.WithCancelReason("escalation rejected"))
	default:
		return nil, fmt.Errorf("unknown resolution %q", resolution)
	}
}

// retryOrEscalate spends one retry when budget remains. The backoff uses
// the retry count before the increment.
func (l *Loop) retryOrEscalate(ctx context.Context, task *model.Task, reason string) (*model.Task, error) {
	started := l.now().UTC()
	if task.Status == model.StatusCompleted {
		var err error
		if task, err = l.store.Mark(ctx, task.ID, model.StatusFailed, store.WithError(reason)); err != nil {
			return nil, err
		}
	}

	if task.RetryCount >= task.MaxRetries {
		return l.escalate(ctx, task, started,
			fmt.Sprintf("retry budget spent (%d/%d): %s", task.RetryCount, task.MaxRetries, reason))
	}

	delay := Backoff(l.cfg.BaseDelay, l.cfg.MaxDelay, task.RetryCount)
	next, err := l.store.Mark(ctx, task.ID, model.StatusReady, store.WithNotBefore(l.now().UTC().Add(delay)))
	if err != nil {
		return nil, err
	}
	l.record(ctx, model.RemediationAttempt{
		TaskID:    task.ID,
		Action:    model.ActionRetry,
		Outcome:   model.OutcomeFailure,
		Detail:    fmt.Sprintf("%s; retry %d/%d after %s", reason, next.RetryCount, next.MaxRetries, delay),
		StartedAt: started,
	})
	l.logger.Info("task scheduled for retry",
		zap.String("task_id", task.ID),
		zap.Int("retry_count", next.RetryCount),
		zap.Duration("backoff", delay),
		zap.String("reason", reason))
	return next, nil
}

// escalate parks the task for a human. A task already ESCALATED (a failed
// delivery after approval) stays there with a fresh escalation record.
func (l *Loop) escalate(ctx context.Context, task *model.Task, started time.Time, reason string) (*model.Task, error) {
	next := task
	if task.Status != model.StatusEscalated {
		var err error
		if next, err = l.store.Mark(ctx, task.ID, model.StatusEscalated); err != nil {
			return nil, err
		}
	}
	if _, err := l.store.OpenEscalation(ctx, task.ID, reason); err != nil {
		return nil, err
	}
	l.record(ctx, model.RemediationAttempt{
		TaskID:    task.ID,
		Action:    model.ActionEscalate,
		Outcome:   model.OutcomeFailure,
		Detail:    reason,
		StartedAt: started,
	})
	l.logger.Warn("task escalated", zap.String("task_id", task.ID), zap.String("reason", reason))
	return next, nil
}

// record stamps the attempt number and end time. A record that cannot be
// written is logged; the transition it describes has already committed.
func (l *Loop) record(ctx context.Context, a model.RemediationAttempt) {
	if a.AttemptNumber == 0 {
		if t, err := l.store.Get(ctx, a.TaskID); err == nil {
			a.AttemptNumber = t.Attempt
		}
	}
	a.EndedAt = l.now().UTC()
	if err := l.store.AppendAttempt(ctx, a); err != nil {
		l.logger.Error("record remediation attempt", zap.String("task_id", a.TaskID), zap.Error(err))
	}
}
