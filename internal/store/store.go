// Package store holds task rows and their append-only decision records.
//
// Every row transition commits under a per-task lock; committed rows are
// never mutated in place, so readers always observe a whole row. When a
// directory is configured, rows are persisted as YAML files and records are
// appended to a JSONL audit log that is replayed on start.
package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/taskgate/internal/events"
	"github.com/msageha/taskgate/internal/lock"
	"github.com/msageha/taskgate/internal/model"
)

type Store struct {
	dir    string
	audit  *events.AuditLogger
	bus    *events.Bus
	logger *zap.Logger
	now    func() time.Time

	locks *lock.MutexMap
	// intake serializes admission so the graph check sees a stable graph.
	intake sync.Mutex

	// mu guards the row index only; it is never held across a transition.
	mu   sync.RWMutex
	rows map[string]*model.Task

	histMu  sync.Mutex
	history map[string]*model.TaskHistory
}

type Option func(*Store)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithBus publishes submissions, transitions and records on bus.
func WithBus(bus *events.Bus) Option {
	return func(s *Store) { s.bus = bus }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New opens a store. With an empty cfg.Dir state lives in memory only.
func New(cfg model.StoreConfig, opts ...Option) (*Store, error) {
	s := &Store{
		dir:     cfg.Dir,
		logger:  zap.NewNop(),
		now:     time.Now,
		locks:   lock.NewMutexMap(),
		rows:    make(map[string]*model.Task),
		history: make(map[string]*model.TaskHistory),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("store")

	if s.dir == "" {
		return s, nil
	}

	if err := s.loadRows(); err != nil {
		return nil, err
	}
	seq, err := s.replayAudit()
	if err != nil {
		return nil, err
	}
	audit, err := events.NewAuditLogger(filepath.Join(s.dir, auditFile), cfg.MaxAuditLogSize)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	audit.EnableChecksum(true)
	audit.SetSequence(seq)
	s.audit = audit

	s.logger.Info("store opened",
		zap.String("dir", s.dir),
		zap.Int("tasks", len(s.rows)),
		zap.Int64("audit_seq", seq))
	return s, nil
}

func (s *Store) Close() error {
	if s.audit != nil {
		return s.audit.Close()
	}
	return nil
}

// Get returns a copy of the committed row.
func (s *Store) Get(_ context.Context, id string) (*model.Task, error) {
	row, ok := s.row(id)
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}
	return row.Clone(), nil
}

// Snapshot returns copies of every row ordered by creation time.
func (s *Store) Snapshot() []*model.Task {
	s.mu.RLock()
	out := make([]*model.Task, 0, len(s.rows))
	for _, t := range s.rows {
		out = append(out, t.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CountByStatus is used for gauges and the health endpoint.
func (s *Store) CountByStatus() map[model.Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[model.Status]int)
	for _, t := range s.rows {
		counts[t.Status]++
	}
	return counts
}

func (s *Store) row(id string) (*model.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.rows[id]
	return t, ok
}

func (s *Store) setRow(t *model.Task) {
	s.mu.Lock()
	s.rows[t.ID] = t
	s.mu.Unlock()
}

// Update runs fn on a copy of the row under the task's lock and commits the
// copy. A status change is checked against the state machine; fn's error
// aborts the transaction and is returned unchanged.
func (s *Store) Update(ctx context.Context, id string, fn func(t *model.Task) error) (*model.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	current, ok := s.row(id)
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}

	// Identity and the dependency edges are fixed at intake.
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	next.Dependencies = current.Dependencies

	statusChanged := next.Status != current.Status
	if statusChanged {
		if err := model.ValidateTaskTransition(current, next.Status); err != nil {
			return nil, fmt.Errorf("task %s: %w", id, err)
		}
		applyTransitionEffects(current, next)
	} else if model.IsTerminal(current) {
		return nil, fmt.Errorf("task %s: %w", id,
			&model.InvalidTransitionError{From: current.Status, To: next.Status, Reason: "task is terminal"})
	}
	next.UpdatedAt = s.now().UTC()

	if err := s.saveRow(next); err != nil {
		return nil, fmt.Errorf("persist task %s: %w", id, err)
	}
	s.setRow(next)

	delivered := current.DeliveredAt == nil && next.DeliveredAt != nil
	if statusChanged || delivered {
		s.recordTransition(current, next, delivered)
	}
	return next.Clone(), nil
}

// applyTransitionEffects keeps the row invariants that follow from an edge:
// a lease exists only while ASSIGNED or RUNNING and a retry spends budget.
func applyTransitionEffects(current, next *model.Task) {
	switch next.Status {
	case model.StatusAssigned, model.StatusRunning:
	default:
		next.Lease = nil
	}
	switch next.Status {
	case model.StatusReady, model.StatusCancelled, model.StatusPending:
		next.AssignedWorkerID = nil
	}
	if current.Status == model.StatusFailed && next.Status == model.StatusReady {
		next.RetryCount = current.RetryCount + 1
	}
	if next.Status != model.StatusReady {
		next.NotBefore = nil
	}
}

func (s *Store) recordTransition(current, next *model.Task, delivered bool) {
	tr := model.Transition{
		TaskID:     next.ID,
		From:       current.Status,
		To:         next.Status,
		Attempt:    next.Attempt,
		RetryCount: next.RetryCount,
		At:         next.UpdatedAt,
	}
	switch {
	case delivered:
		tr.Reason = "delivered"
	case next.Status == model.StatusCancelled && next.CancelReason != nil:
		tr.Reason = *next.CancelReason
	case next.Status == model.StatusFailed && next.LastError != nil:
		tr.Reason = *next.LastError
	}

	s.appendHistory(next.ID, events.KindTransition, tr, func(h *model.TaskHistory) {
		h.Transitions = append(h.Transitions, tr)
	})

	s.logger.Debug("task transition",
		zap.String("task_id", next.ID),
		zap.String("from", string(tr.From)),
		zap.String("to", string(tr.To)),
		zap.Int("attempt", next.Attempt),
		zap.Int("retry_count", next.RetryCount))

	if s.bus == nil {
		return
	}
	data := map[string]any{
		"from":        string(tr.From),
		"to":          string(tr.To),
		"attempt":     next.Attempt,
		"retry_count": next.RetryCount,
	}
	if tr.From != tr.To {
		s.bus.Publish(events.EventTaskTransition, next.ID, data)
	}
	switch {
	case delivered:
		s.bus.Publish(events.EventTaskDelivered, next.ID, data)
	case next.Status == model.StatusCancelled:
		s.bus.Publish(events.EventTaskCancelled, next.ID, data)
	case next.Status == model.StatusEscalated:
		s.bus.Publish(events.EventTaskEscalated, next.ID, data)
	}
}

// MarkOption sets row fields together with a status change.
type MarkOption func(t *model.Task)

func WithResult(r *model.Result) MarkOption {
	return func(t *model.Task) { t.Result = r.Clone() }
}

func WithError(msg string) MarkOption {
	return func(t *model.Task) { t.LastError = model.StringPtr(msg) }
}

func WithCancelReason(reason string) MarkOption {
	return func(t *model.Task) { t.CancelReason = model.StringPtr(reason) }
}

// WithNotBefore delays dispatch of a READY task.
func WithNotBefore(at time.Time) MarkOption {
	return func(t *model.Task) { t.NotBefore = &at }
}

func WithDeliveredAt(at time.Time) MarkOption {
	return func(t *model.Task) { t.DeliveredAt = &at }
}

// Mark moves the task to status, enforcing the state machine.
func (s *Store) Mark(ctx context.Context, id string, status model.Status, opts ...MarkOption) (*model.Task, error) {
	return s.Update(ctx, id, func(t *model.Task) error {
		t.Status = status
		for _, opt := range opts {
			opt(t)
		}
		return nil
	})
}
