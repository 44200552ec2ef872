package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/taskgate/internal/model"
)

// ReasonDependencyCancelled prefixes the cancel reason of cascaded tasks.
const ReasonDependencyCancelled = "dependency cancelled"

// TaskStore is the slice of the task store the scheduler needs.
type TaskStore interface {
	Snapshot() []*model.Task
	Update(ctx context.Context, id string, fn func(t *model.Task) error) (*model.Task, error)
}

var errSkip = errors.New("row changed since snapshot")

type Scheduler struct {
	store  TaskStore
	logger *zap.Logger
	now    func() time.Time
}

func New(store TaskStore, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:  store,
		logger: logger.Named("scheduler"),
		now:    time.Now,
	}
}

// AdvanceReadySet moves every PENDING task whose dependencies are all
// delivered to READY and returns the newly ready tasks in dispatch order.
// PENDING tasks blocked on a cancelled dependency are cancelled instead.
// Calling it again without intervening deliveries returns nothing.
func (s *Scheduler) AdvanceReadySet(ctx context.Context) ([]*model.Task, error) {
	snapshot := s.store.Snapshot()
	byID := make(map[string]*model.Task, len(snapshot))
	for _, t := range snapshot {
		byID[t.ID] = t
	}

	var ready []*model.Task
	for _, t := range snapshot {
		if err := ctx.Err(); err != nil {
			return ready, err
		}
		if t.Status != model.StatusPending {
			continue
		}

		satisfied, blockedBy := dependencyState(t, byID)
		if blockedBy != "" {
			if _, err := s.CascadeCancel(ctx, blockedBy); err != nil {
				return ready, err
			}
			continue
		}
		if !satisfied {
			continue
		}

		updated, err := s.store.Update(ctx, t.ID, func(row *model.Task) error {
			if row.Status != model.StatusPending {
				return errSkip
			}
			row.Status = model.StatusReady
			return nil
		})
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			return ready, fmt.Errorf("advance %s: %w", t.ID, err)
		}
		s.logger.Debug("task ready", zap.String("task_id", t.ID))
		ready = append(ready, updated)
	}

	SortTasks(ready)
	return ready, nil
}

// dependencyState reports whether every dependency of t is delivered, or the
// id of a cancelled dependency that makes t unsatisfiable.
func dependencyState(t *model.Task, byID map[string]*model.Task) (bool, string) {
	satisfied := true
	for _, depID := range t.Dependencies {
		dep, ok := byID[depID]
		if !ok {
			satisfied = false
			continue
		}
		if dep.Status == model.StatusCancelled {
			return false, depID
		}
		if !dep.Delivered() {
			satisfied = false
		}
	}
	return satisfied, ""
}

// ReadyQueue returns READY tasks whose retry backoff has elapsed, in
// dispatch order.
func (s *Scheduler) ReadyQueue(_ context.Context, now time.Time) []*model.Task {
	var queue []*model.Task
	for _, t := range s.store.Snapshot() {
		if t.Status != model.StatusReady {
			continue
		}
		if t.NotBefore != nil && now.Before(*t.NotBefore) {
			continue
		}
		queue = append(queue, t)
	}
	SortTasks(queue)
	return queue
}

// CascadeCancel cancels the PENDING dependents of cancelledID transitively
// and returns the ids it cancelled.
func (s *Scheduler) CascadeCancel(ctx context.Context, cancelledID string) ([]string, error) {
	dependents := make(map[string][]string)
	for _, t := range s.store.Snapshot() {
		for _, dep := range t.Dependencies {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var cancelled []string
	visited := map[string]bool{cancelledID: true}
	queue := []string{cancelledID}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		for _, id := range dependents[parent] {
			if visited[id] {
				continue
			}
			visited[id] = true

			reason := fmt.Sprintf("%s: %s", ReasonDependencyCancelled, parent)
			_, err := s.store.Update(ctx, id, func(row *model.Task) error {
				if row.Status != model.StatusPending {
					return errSkip
				}
				row.Status = model.StatusCancelled
				row.CancelReason = model.StringPtr(reason)
				return nil
			})
			if errors.Is(err, errSkip) {
				continue
			}
			if err != nil {
				return cancelled, fmt.Errorf("cascade cancel %s: %w", id, err)
			}
			s.logger.Info("task cancelled by dependency",
				zap.String("task_id", id), zap.String("dependency", parent))
			cancelled = append(cancelled, id)
			queue = append(queue, id)
		}
	}
	return cancelled, nil
}
