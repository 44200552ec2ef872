package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/taskgate/internal/events"
	"github.com/msageha/taskgate/internal/model"
	"github.com/msageha/taskgate/internal/scheduler"
)

// Submit admits one task in PENDING. See SubmitBatch for the checks.
func (s *Store) Submit(ctx context.Context, task *model.Task) (*model.Task, error) {
	out, err := s.SubmitBatch(ctx, []*model.Task{task})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// SubmitBatch admits tasks atomically: either every task is stored or none.
// It fails with *model.ValidationErrors on bad fields or unknown
// dependencies, *model.DuplicateIDError on an id clash and
// *model.CycleError when the new edges close a cycle.
func (s *Store) SubmitBatch(ctx context.Context, tasks []*model.Task) ([]*model.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		errs := &model.ValidationErrors{}
		errs.Add("tasks", "must not be empty")
		return nil, errs
	}

	s.intake.Lock()
	defer s.intake.Unlock()

	prefix := func(i int) string {
		if len(tasks) == 1 {
			return ""
		}
		return fmt.Sprintf("tasks[%d].", i)
	}

	errs := &model.ValidationErrors{}
	prepared := make([]*model.Task, len(tasks))
	batch := make(map[string]bool, len(tasks))
	for i, in := range tasks {
		t := in.Clone()
		if t.ID == "" {
			id, err := model.GenerateTaskID()
			if err != nil {
				return nil, err
			}
			t.ID = id
		}
		if err := t.Validate(); err != nil {
			var ve *model.ValidationErrors
			if errors.As(err, &ve) {
				for _, e := range ve.Errors {
					errs.Add(prefix(i)+e.FieldPath, e.Message)
				}
				continue
			}
			return nil, err
		}
		if _, exists := s.row(t.ID); exists || batch[t.ID] {
			return nil, &model.DuplicateIDError{ID: t.ID}
		}
		batch[t.ID] = true
		prepared[i] = t
	}
	if errs.HasErrors() {
		return nil, errs
	}

	for i, t := range prepared {
		for j, dep := range t.Dependencies {
			if batch[dep] {
				continue
			}
			existing, ok := s.row(dep)
			switch {
			case !ok:
				errs.Add(fmt.Sprintf("%sdependencies[%d]", prefix(i), j), fmt.Sprintf("unknown task %q", dep))
			case existing.Status == model.StatusCancelled:
				errs.Add(fmt.Sprintf("%sdependencies[%d]", prefix(i), j), fmt.Sprintf("task %q is cancelled", dep))
			}
		}
	}
	if errs.HasErrors() {
		return nil, errs
	}

	// Stored rows never reference ids that did not exist when they were
	// admitted, so any cycle in the union graph runs through the batch only.
	nodes := make([]string, len(prepared))
	edges := make(map[string][]string, len(prepared))
	for i, t := range prepared {
		nodes[i] = t.ID
		edges[t.ID] = t.Dependencies
	}
	if _, err := scheduler.ValidateGraph(nodes, edges); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	for _, t := range prepared {
		resetForIntake(t, now)
	}

	written := make([]string, 0, len(prepared))
	for _, t := range prepared {
		if err := s.saveRow(t); err != nil {
			for _, id := range written {
				s.removeRow(id)
			}
			return nil, fmt.Errorf("persist task %s: %w", t.ID, err)
		}
		written = append(written, t.ID)
	}

	out := make([]*model.Task, len(prepared))
	for i, t := range prepared {
		s.setRow(t)
		tr := model.Transition{TaskID: t.ID, To: model.StatusPending, At: now}
		s.appendHistory(t.ID, events.KindTransition, tr, func(h *model.TaskHistory) {
			h.Transitions = append(h.Transitions, tr)
		})
		if s.bus != nil {
			s.bus.Publish(events.EventTaskSubmitted, t.ID, map[string]any{
				"type":     t.Type,
				"priority": string(t.Priority),
			})
		}
		s.logger.Info("task submitted",
			zap.String("task_id", t.ID),
			zap.String("type", t.Type),
			zap.String("priority", string(t.Priority)),
			zap.Strings("dependencies", t.Dependencies))
		out[i] = t.Clone()
	}
	return out, nil
}

// resetForIntake clears every field owned by the pipeline.
func resetForIntake(t *model.Task, now time.Time) {
	t.Status = model.StatusPending
	t.RetryCount = 0
	t.Attempt = 0
	t.AssignedWorkerID = nil
	t.Lease = nil
	t.Result = nil
	t.LastError = nil
	t.CancelReason = nil
	t.NotBefore = nil
	t.DeliveredAt = nil
	t.CreatedAt = now
	t.UpdatedAt = now
}
