package remediation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/taskgate/internal/delivery"
	"github.com/msageha/taskgate/internal/model"
	"github.com/msageha/taskgate/internal/store"
)

// finalize delivers task through the collaborator. A conflict gets exactly
// one resolution pass; pending CI is polled and FINALIZE re-attempted at
// most max_retries times. Every call produces a FINALIZE record.
func (l *Loop) finalize(ctx context.Context, task *model.Task) (*model.Task, error) {
	resolvedConflict := false
	reattempts := 0

	for {
		if current, err := l.store.Get(ctx, task.ID); err == nil && current.Status == model.StatusCancelled {
			return nil, fmt.Errorf("finalize %s: %w", task.ID, ErrCancelled)
		}
		started := l.now().UTC()
		report, err := l.delivery.Finalize(ctx, task)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			report = delivery.Report{Outcome: model.OutcomeFailure, Detail: err.Error()}
		}
		l.record(ctx, model.RemediationAttempt{
			TaskID:    task.ID,
			Action:    model.ActionFinalize,
			Outcome:   report.Outcome,
			Detail:    report.Detail,
			StartedAt: started,
		})
		l.logger.Info("finalize",
			zap.String("task_id", task.ID),
			zap.Int("attempt", task.Attempt),
			zap.String("outcome", string(report.Outcome)),
			zap.String("detail", report.Detail))

		switch report.Outcome {
		case model.OutcomeSuccess:
			return l.store.Mark(ctx, task.ID, model.StatusCompleted, store.WithDeliveredAt(l.now().UTC()))

		case model.OutcomeConflict:
			if resolvedConflict {
				return l.escalate(ctx, task, l.now().UTC(), "conflict persists after resolution: "+report.Detail)
			}
			resolvedConflict = true
			ok, err := l.delivery.ResolveConflict(ctx, task)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				l.logger.Warn("conflict resolution failed", zap.String("task_id", task.ID), zap.Error(err))
			}
			if !ok {
				return l.escalate(ctx, task, l.now().UTC(), "irreconcilable conflict: "+report.Detail)
			}

		case model.OutcomeCIPending:
			if reattempts >= task.MaxRetries {
				return l.deliveryFailed(ctx, task, l.failCI(ctx, task, l.now().UTC(),
					fmt.Sprintf("CI still pending after %d finalize re-attempts", reattempts)))
			}
			reattempts++
			pollStarted := l.now().UTC()
			state, err := l.pollCI(ctx, task)
			if err != nil {
				return nil, err
			}
			switch state {
			case delivery.CIFailure:
				return l.deliveryFailed(ctx, task, l.failCI(ctx, task, pollStarted, "CI failed"))
			case delivery.CIPending:
				return l.deliveryFailed(ctx, task, l.failCI(ctx, task, pollStarted,
					fmt.Sprintf("CI did not finish within %s", l.cfg.CIPollTimeout)))
			}

		default:
			return l.deliveryFailed(ctx, task, report.Detail)
		}
	}
}

// failCI records the FAILURE outcome that ends a CI wait.
func (l *Loop) failCI(ctx context.Context, task *model.Task, started time.Time, detail string) string {
	l.record(ctx, model.RemediationAttempt{
		TaskID:    task.ID,
		Action:    model.ActionFinalize,
		Outcome:   model.OutcomeFailure,
		Detail:    detail,
		StartedAt: started,
	})
	return detail
}

// deliveryFailed sends a failed FINALIZE down the retry path. After a human
// approval there is no retry path left, so the task is escalated again.
func (l *Loop) deliveryFailed(ctx context.Context, task *model.Task, detail string) (*model.Task, error) {
	if task.Status == model.StatusEscalated {
		return l.escalate(ctx, task, l.now().UTC(), "delivery failed after approval: "+detail)
	}
	return l.retryOrEscalate(ctx, task, "delivery failed: "+detail)
}

// pollCI waits for CI to settle with exponential backoff under the hard
// ceiling CIPollTimeout. It returns CIPending when the ceiling is hit.
func (l *Loop) pollCI(ctx context.Context, task *model.Task) (delivery.CIState, error) {
	pctx, cancel := context.WithTimeout(ctx, l.cfg.CIPollTimeout)
	defer cancel()

	interval := l.cfg.CIPollInitial
	for polls := 1; ; polls++ {
		if err := l.sleep(pctx, interval); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return delivery.CIPending, nil
		}

		state, err := l.delivery.CIStatus(pctx, task)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if pctx.Err() != nil {
				return delivery.CIPending, nil
			}
			l.logger.Warn("CI status poll failed", zap.String("task_id", task.ID), zap.Int("poll", polls), zap.Error(err))
		case state != delivery.CIPending:
			l.logger.Debug("CI settled", zap.String("task_id", task.ID), zap.String("state", string(state)), zap.Int("polls", polls))
			return state, nil
		}

		interval *= 2
		if interval > l.cfg.CIPollMaxInterval {
			interval = l.cfg.CIPollMaxInterval
		}
	}
}
