// Package dispatcher leases READY tasks to workers, tracks their heartbeats
// and accepts their results.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/taskgate/internal/broker"
	"github.com/msageha/taskgate/internal/events"
	"github.com/msageha/taskgate/internal/model"
	"github.com/msageha/taskgate/internal/scheduler"
)

var (
	ErrUnknownWorker = errors.New("worker is not in the pool")
	ErrNotDue        = errors.New("task is backing off")
)

// Store is the slice of the task store the dispatcher drives.
type Store interface {
	Get(ctx context.Context, id string) (*model.Task, error)
	Snapshot() []*model.Task
	Update(ctx context.Context, id string, fn func(t *model.Task) error) (*model.Task, error)
}

// Forwarder receives every committed result. Implementations must not block.
type Forwarder interface {
	Completed(ctx context.Context, task *model.Task)
	Failed(ctx context.Context, task *model.Task)
}

// Report is what a worker sends when it finishes an attempt.
type Report struct {
	TaskID   string
	WorkerID string
	LeaseID  string
	Attempt  int
	Status   model.Status
	Result   *model.Result
	Error    string
}

type Dispatcher struct {
	store     Store
	sched     *scheduler.Scheduler
	broker    broker.Broker
	leases    *LeaseManager
	workers   []string
	pool      map[string]bool
	bus       *events.Bus
	forwarder Forwarder
	logger    *zap.Logger
	now       func() time.Time

	// dispatchMu keeps the one-lease-per-worker check and the lease commit
	// together.
	dispatchMu sync.Mutex
	sub        broker.Subscription
}

type Option func(*Dispatcher)

func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

func WithBus(bus *events.Bus) Option {
	return func(d *Dispatcher) { d.bus = bus }
}

func WithForwarder(f Forwarder) Option {
	return func(d *Dispatcher) { d.forwarder = f }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func New(st Store, sched *scheduler.Scheduler, b broker.Broker, cfg model.DispatcherConfig, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		store:   st,
		sched:   sched,
		broker:  b,
		workers: append([]string(nil), cfg.Workers...),
		pool:    make(map[string]bool, len(cfg.Workers)),
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, w := range cfg.Workers {
		if !broker.ValidWorkerID(w) {
			return nil, fmt.Errorf("invalid worker id %q", w)
		}
		if d.pool[w] {
			return nil, fmt.Errorf("duplicate worker id %q", w)
		}
		d.pool[w] = true
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.Named("dispatcher")
	d.leases = NewLeaseManager(cfg.LeaseTTL, d.now)
	return d, nil
}

// Workers returns the pool in configuration order.
func (d *Dispatcher) Workers() []string {
	return append([]string(nil), d.workers...)
}

// busyWorkers maps each worker holding a live lease to its task.
func (d *Dispatcher) busyWorkers() map[string]string {
	busy := make(map[string]string)
	for _, t := range d.store.Snapshot() {
		if t.Lease != nil {
			busy[t.Lease.WorkerID] = t.ID
		}
	}
	return busy
}

// IdleWorkers returns the workers without a lease in configuration order.
func (d *Dispatcher) IdleWorkers() []string {
	busy := d.busyWorkers()
	var idle []string
	for _, w := range d.workers {
		if _, ok := busy[w]; !ok {
			idle = append(idle, w)
		}
	}
	return idle
}

// Dispatch leases a READY task to workerID and publishes the dispatch
// envelope. A second dispatch of a leased task fails with
// model.ErrAlreadyLeased. When the publish fails the lease is revoked and
// the task is READY again.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID, workerID string) (*model.WorkerLease, error) {
	if !d.pool[workerID] {
		return nil, fmt.Errorf("dispatch %s to %s: %w", taskID, workerID, ErrUnknownWorker)
	}

	d.dispatchMu.Lock()
	if holding, ok := d.busyWorkers()[workerID]; ok {
		d.dispatchMu.Unlock()
		return nil, fmt.Errorf("dispatch %s to %s (holding %s): %w", taskID, workerID, holding, model.ErrWorkerBusy)
	}
	var lease *model.WorkerLease
	task, err := d.store.Update(ctx, taskID, func(t *model.Task) error {
		if t.NotBefore != nil && d.now().Before(*t.NotBefore) {
			return fmt.Errorf("task %s until %s: %w", t.ID, t.NotBefore.Format(time.RFC3339), ErrNotDue)
		}
		var err error
		lease, err = d.leases.Acquire(t, workerID)
		return err
	})
	d.dispatchMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("dispatch %s: %w", taskID, err)
	}

	env := broker.Envelope{
		Kind:     broker.EnvelopeDispatch,
		TaskID:   task.ID,
		LeaseID:  lease.LeaseID,
		WorkerID: workerID,
		Attempt:  lease.Attempt,
		Task:     task,
		SentAt:   d.now().UTC(),
	}
	if err := d.broker.Publish(ctx, broker.DispatchSubject(workerID), env); err != nil {
		d.logger.Warn("dispatch publish failed, revoking lease",
			zap.String("task_id", taskID),
			zap.String("worker_id", workerID),
			zap.String("lease_id", lease.LeaseID),
			zap.Error(err))
		if rerr := d.revoke(context.WithoutCancel(ctx), taskID, lease.LeaseID); rerr != nil {
			d.logger.Error("revoke lease after failed publish", zap.String("task_id", taskID), zap.Error(rerr))
		}
		return nil, fmt.Errorf("publish dispatch of %s: %w", taskID, err)
	}

	d.logger.Info("task dispatched",
		zap.String("task_id", taskID),
		zap.String("worker_id", workerID),
		zap.String("lease_id", lease.LeaseID),
		zap.Int("attempt", lease.Attempt))
	d.publish(events.EventTaskDispatched, taskID, map[string]any{
		"worker_id": workerID,
		"lease_id":  lease.LeaseID,
		"attempt":   lease.Attempt,
	})
	return lease, nil
}

// revoke returns a leased task to READY if leaseID is still current.
func (d *Dispatcher) revoke(ctx context.Context, taskID, leaseID string) error {
	_, err := d.store.Update(ctx, taskID, func(t *model.Task) error {
		if t.Lease == nil || t.Lease.LeaseID != leaseID {
			return nil
		}
		t.Status = model.StatusReady
		return nil
	})
	return err
}

// DispatchReady pairs the ready queue with idle workers in order.
func (d *Dispatcher) DispatchReady(ctx context.Context) ([]model.WorkerLease, error) {
	idle := d.IdleWorkers()
	if len(idle) == 0 {
		return nil, nil
	}
	ready := d.sched.ReadyQueue(ctx, d.now())

	var leases []model.WorkerLease
	for _, task := range ready {
		if len(idle) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return leases, err
		}
		lease, err := d.Dispatch(ctx, task.ID, idle[0])
		if err != nil {
			var invalid *model.InvalidTransitionError
			switch {
			case errors.Is(err, model.ErrAlreadyLeased), errors.Is(err, ErrNotDue), errors.As(err, &invalid):
				// The row moved since the queue was read.
				continue
			case errors.Is(err, model.ErrWorkerBusy):
				idle = idle[1:]
				continue
			}
			d.logger.Warn("dispatch failed", zap.String("task_id", task.ID), zap.String("worker_id", idle[0]), zap.Error(err))
			continue
		}
		leases = append(leases, *lease)
		idle = idle[1:]
	}
	return leases, nil
}

// Heartbeat refreshes the lease of workerID on taskID. The first heartbeat
// moves the task to RUNNING.
func (d *Dispatcher) Heartbeat(ctx context.Context, taskID, workerID, leaseID string) error {
	_, err := d.store.Update(ctx, taskID, func(t *model.Task) error {
		if err := d.leases.Validate(t, workerID, leaseID, 0); err != nil {
			return err
		}
		d.leases.Refresh(t)
		if t.Status == model.StatusAssigned {
			t.Status = model.StatusRunning
		}
		return nil
	})
	if err != nil {
		d.noteStale(taskID, workerID, err)
		return fmt.Errorf("heartbeat %s: %w", taskID, err)
	}
	return nil
}

// ReportResult commits a worker's result. It fails with a
// *model.StaleLeaseError unless the reporter holds the current lease. A
// COMPLETED result goes to the quality gate, FAILED to remediation.
func (d *Dispatcher) ReportResult(ctx context.Context, r Report) (*model.Task, error) {
	if r.Status != model.StatusCompleted && r.Status != model.StatusFailed {
		errs := &model.ValidationErrors{}
		errs.Add("status", fmt.Sprintf("must be %s or %s, got %q", model.StatusCompleted, model.StatusFailed, r.Status))
		return nil, errs
	}

	task, err := d.store.Update(ctx, r.TaskID, func(t *model.Task) error {
		if err := d.leases.Validate(t, r.WorkerID, r.LeaseID, r.Attempt); err != nil {
			return err
		}
		// A result without any heartbeat still passes through RUNNING.
		if t.Status == model.StatusAssigned {
			t.Status = model.StatusRunning
		}
		return nil
	})
	if err == nil {
		task, err = d.store.Update(ctx, r.TaskID, func(t *model.Task) error {
			if err := d.leases.Validate(t, r.WorkerID, r.LeaseID, r.Attempt); err != nil {
				return err
			}
			t.Status = r.Status
			t.Result = r.Result.Clone()
			if r.Status == model.StatusFailed {
				msg := r.Error
				if msg == "" {
					msg = "worker reported failure"
				}
				t.LastError = model.StringPtr(msg)
			}
			return nil
		})
	}
	if err != nil {
		d.noteStale(r.TaskID, r.WorkerID, err)
		return nil, fmt.Errorf("report result of %s: %w", r.TaskID, err)
	}

	d.logger.Info("result accepted",
		zap.String("task_id", task.ID),
		zap.String("worker_id", r.WorkerID),
		zap.String("lease_id", r.LeaseID),
		zap.Int("attempt", task.Attempt),
		zap.String("status", string(task.Status)))

	if d.forwarder != nil {
		if task.Status == model.StatusCompleted {
			d.forwarder.Completed(ctx, task)
		} else {
			d.forwarder.Failed(ctx, task)
		}
	}
	return task, nil
}

func (d *Dispatcher) noteStale(taskID, workerID string, err error) {
	var stale *model.StaleLeaseError
	if !errors.As(err, &stale) {
		return
	}
	d.logger.Warn("stale lease rejected",
		zap.String("task_id", taskID),
		zap.String("worker_id", workerID),
		zap.String("lease_id", stale.LeaseID),
		zap.String("reason", stale.Reason))
	d.publish(events.EventStaleReport, taskID, map[string]any{"worker_id": workerID, "reason": stale.Reason})
}

// ReapExpired revokes every lease whose heartbeat is older than its TTL.
// The task returns to READY with its retry count unchanged.
func (d *Dispatcher) ReapExpired(ctx context.Context) ([]string, error) {
	var reaped []string
	for _, t := range d.store.Snapshot() {
		if err := ctx.Err(); err != nil {
			return reaped, err
		}
		if !d.leases.Expired(t) {
			continue
		}
		stale := *t.Lease
		_, err := d.store.Update(ctx, t.ID, func(row *model.Task) error {
			if row.Lease == nil || row.Lease.LeaseID != stale.LeaseID || !d.leases.Expired(row) {
				return errSkip
			}
			row.Status = model.StatusReady
			return nil
		})
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			d.logger.Error("reap lease", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		reaped = append(reaped, t.ID)
		d.logger.Warn("lease expired",
			zap.String("task_id", t.ID),
			zap.String("worker_id", stale.WorkerID),
			zap.String("lease_id", stale.LeaseID),
			zap.Time("heartbeat_at", stale.HeartbeatAt))
		d.publish(events.EventLeaseExpired, t.ID, map[string]any{"worker_id": stale.WorkerID, "lease_id": stale.LeaseID})
		d.notifyCancel(ctx, t.ID, stale, "lease expired")
	}
	return reaped, nil
}

var errSkip = errors.New("lease changed since snapshot")

// RunReaper calls ReapExpired every interval until ctx is done.
func (d *Dispatcher) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = d.leases.TTL() / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.ReapExpired(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("reaper pass failed", zap.Error(err))
			}
		}
	}
}

// Cancel revokes any lease, cancels the task and its PENDING dependents and
// tells the holding worker to stop. Cancelling a terminal task is a no-op.
func (d *Dispatcher) Cancel(ctx context.Context, taskID, reason string) (*model.Task, error) {
	if reason == "" {
		reason = "cancelled by operator"
	}
	var held *model.WorkerLease
	task, err := d.store.Update(ctx, taskID, func(t *model.Task) error {
		if model.IsTerminal(t) {
			return errTerminal
		}
		if t.Lease != nil {
			l := *t.Lease
			held = &l
		}
		t.Status = model.StatusCancelled
		t.CancelReason = model.StringPtr(reason)
		return nil
	})
	if errors.Is(err, errTerminal) {
		return d.store.Get(ctx, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("cancel %s: %w", taskID, err)
	}

	d.logger.Info("task cancelled", zap.String("task_id", taskID), zap.String("reason", reason))
	if held != nil {
		d.notifyCancel(ctx, taskID, *held, reason)
	}
	if cascaded, err := d.sched.CascadeCancel(ctx, taskID); err != nil {
		d.logger.Error("cascade cancel", zap.String("task_id", taskID), zap.Error(err))
	} else if len(cascaded) > 0 {
		d.logger.Info("dependents cancelled", zap.String("task_id", taskID), zap.Strings("dependents", cascaded))
	}
	return task, nil
}

var errTerminal = errors.New("task is terminal")

// notifyCancel tells a worker to abandon an attempt. Loss is harmless: the
// worker's late report is rejected as stale.
func (d *Dispatcher) notifyCancel(ctx context.Context, taskID string, lease model.WorkerLease, reason string) {
	env := broker.Envelope{
		Kind:     broker.EnvelopeCancel,
		TaskID:   taskID,
		LeaseID:  lease.LeaseID,
		WorkerID: lease.WorkerID,
		Attempt:  lease.Attempt,
		Reason:   reason,
		SentAt:   d.now().UTC(),
	}
	if err := d.broker.Publish(ctx, broker.DispatchSubject(lease.WorkerID), env); err != nil {
		d.logger.Warn("publish cancel", zap.String("task_id", taskID), zap.String("worker_id", lease.WorkerID), zap.Error(err))
	}
}

// Start consumes heartbeats and results from the broker until Stop.
func (d *Dispatcher) Start(ctx context.Context) error {
	sub, err := d.broker.Subscribe(broker.SubjectResult, func(_ context.Context, env broker.Envelope) {
		d.handleEnvelope(ctx, env)
	})
	if err != nil {
		return fmt.Errorf("subscribe results: %w", err)
	}
	d.sub = sub
	return nil
}

func (d *Dispatcher) Stop() error {
	if d.sub == nil {
		return nil
	}
	return d.sub.Unsubscribe()
}

func (d *Dispatcher) handleEnvelope(ctx context.Context, env broker.Envelope) {
	if ctx.Err() != nil {
		return
	}
	var err error
	switch env.Kind {
	case broker.EnvelopeHeartbeat:
		err = d.Heartbeat(ctx, env.TaskID, env.WorkerID, env.LeaseID)
	case broker.EnvelopeResult:
		_, err = d.ReportResult(ctx, Report{
			TaskID:   env.TaskID,
			WorkerID: env.WorkerID,
			LeaseID:  env.LeaseID,
			Attempt:  env.Attempt,
			Status:   env.Status,
			Result:   env.Result,
			Error:    env.Error,
		})
	default:
		d.logger.Warn("unexpected envelope on result subject", zap.String("kind", string(env.Kind)), zap.String("task_id", env.TaskID))
		return
	}
	var stale *model.StaleLeaseError
	if err != nil && !errors.As(err, &stale) {
		d.logger.Error("handle envelope", zap.String("kind", string(env.Kind)), zap.String("task_id", env.TaskID), zap.Error(err))
	}
}

func (d *Dispatcher) publish(t events.EventType, taskID string, data map[string]any) {
	if d.bus != nil {
		d.bus.Publish(t, taskID, data)
	}
}
