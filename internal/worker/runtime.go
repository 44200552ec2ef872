// Package worker runs dispatched attempts and reports them back over the
// broker. It also summarises the pool for operators.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/taskgate/internal/broker"
	"github.com/msageha/taskgate/internal/model"
)

const defaultHeartbeatInterval = 10 * time.Second

type attempt struct {
	leaseID string
	cancel  context.CancelFunc
}

// Runtime is one worker process bound to a single worker id.
type Runtime struct {
	id        string
	broker    broker.Broker
	exec      Executor
	heartbeat time.Duration
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	sub     broker.Subscription
	running map[string]*attempt
	wg      sync.WaitGroup
}

type Option func(*Runtime)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Runtime) { r.logger = logger }
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.heartbeat = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Runtime) { r.now = now }
}

func New(id string, b broker.Broker, exec Executor, opts ...Option) (*Runtime, error) {
	if !broker.ValidWorkerID(id) {
		return nil, fmt.Errorf("invalid worker id %q", id)
	}
	if exec == nil {
		return nil, errors.New("worker executor is required")
	}
	r := &Runtime{
		id:        id,
		broker:    b,
		exec:      exec,
		heartbeat: defaultHeartbeatInterval,
		logger:    zap.NewNop(),
		now:       time.Now,
		running:   make(map[string]*attempt),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("worker").With(zap.String("worker_id", id))
	return r, nil
}

func (r *Runtime) ID() string {
	return r.id
}

// Run consumes dispatch and cancel envelopes until ctx is done. Attempts in
// flight at shutdown are abandoned without a report; their leases expire.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	r.Stop()
	return nil
}

// Start subscribes to the worker's dispatch subject and returns. Dispatches
// published after Start returns are seen.
func (r *Runtime) Start(ctx context.Context) error {
	sub, err := r.broker.Subscribe(broker.DispatchSubject(r.id), func(_ context.Context, env broker.Envelope) {
		r.handle(ctx, env)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", broker.DispatchSubject(r.id), err)
	}
	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()
	r.logger.Info("worker started")
	return nil
}

// Stop unsubscribes, cancels running attempts and waits for them.
func (r *Runtime) Stop() {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	for _, a := range r.running {
		a.cancel()
	}
	r.mu.Unlock()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Warn("unsubscribe", zap.Error(err))
		}
	}
	r.wg.Wait()
	r.logger.Info("worker stopped")
}

// Running returns the ids of the tasks currently executing.
func (r *Runtime) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	return ids
}

func (r *Runtime) handle(ctx context.Context, env broker.Envelope) {
	if ctx.Err() != nil {
		return
	}
	if env.WorkerID != r.id {
		r.logger.Warn("envelope for another worker", zap.String("task_id", env.TaskID), zap.String("addressed_to", env.WorkerID))
		return
	}
	switch env.Kind {
	case broker.EnvelopeDispatch:
		r.start(ctx, env)
	case broker.EnvelopeCancel:
		r.cancel(env)
	default:
		r.logger.Warn("unexpected envelope on dispatch subject", zap.String("kind", string(env.Kind)), zap.String("task_id", env.TaskID))
	}
}

func (r *Runtime) start(ctx context.Context, env broker.Envelope) {
	if env.Task == nil {
		r.logger.Warn("dispatch without task", zap.String("task_id", env.TaskID))
		return
	}

	r.mu.Lock()
	if cur, ok := r.running[env.TaskID]; ok {
		if cur.leaseID == env.LeaseID {
			r.mu.Unlock()
			return
		}
		// A newer lease supersedes whatever attempt is still running.
		cur.cancel()
	}
	attemptCtx, cancel := context.WithCancel(ctx)
	a := &attempt{leaseID: env.LeaseID, cancel: cancel}
	r.running[env.TaskID] = a
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.finish(env.TaskID, a)
		r.execute(ctx, attemptCtx, env)
	}()
}

func (r *Runtime) finish(taskID string, a *attempt) {
	a.cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[taskID] == a {
		delete(r.running, taskID)
	}
}

func (r *Runtime) cancel(env broker.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.running[env.TaskID]
	if !ok || (env.LeaseID != "" && env.LeaseID != a.leaseID) {
		return
	}
	r.logger.Info("attempt cancelled", zap.String("task_id", env.TaskID), zap.String("lease_id", a.leaseID), zap.String("reason", env.Reason))
	a.cancel()
}

func (r *Runtime) execute(ctx, attemptCtx context.Context, env broker.Envelope) {
	logger := r.logger.With(
		zap.String("task_id", env.TaskID),
		zap.String("lease_id", env.LeaseID),
		zap.Int("attempt", env.Attempt))

	hbCtx, stopHeartbeat := context.WithCancel(attemptCtx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		r.heartbeatLoop(hbCtx, env, logger)
	}()

	logger.Info("attempt started", zap.String("type", env.Task.Type))
	started := r.now()
	result, err := r.exec.Execute(attemptCtx, env.Task)
	stopHeartbeat()
	<-hbDone

	if attemptCtx.Err() != nil {
		if ctx.Err() == nil {
			logger.Info("attempt abandoned")
		}
		return
	}

	out := broker.Envelope{
		Kind:     broker.EnvelopeResult,
		TaskID:   env.TaskID,
		LeaseID:  env.LeaseID,
		WorkerID: r.id,
		Attempt:  env.Attempt,
		Result:   result,
		Status:   model.StatusCompleted,
	}
	if err != nil {
		out.Status = model.StatusFailed
		out.Error = err.Error()
		logger.Warn("attempt failed", zap.Duration("elapsed", r.now().Sub(started)), zap.Error(err))
	} else {
		logger.Info("attempt completed", zap.Duration("elapsed", r.now().Sub(started)))
	}
	out.SentAt = r.now().UTC()
	if err := r.broker.Publish(ctx, broker.SubjectResult, out); err != nil {
		logger.Error("publish result", zap.Error(err))
	}
}

// heartbeatLoop sends one heartbeat immediately and then every interval.
func (r *Runtime) heartbeatLoop(ctx context.Context, env broker.Envelope, logger *zap.Logger) {
	for {
		hb := broker.Envelope{
			Kind:     broker.EnvelopeHeartbeat,
			TaskID:   env.TaskID,
			LeaseID:  env.LeaseID,
			WorkerID: r.id,
			Attempt:  env.Attempt,
			SentAt:   r.now().UTC(),
		}
		if err := r.broker.Publish(ctx, broker.SubjectResult, hb); err != nil && ctx.Err() == nil {
			logger.Warn("publish heartbeat", zap.Error(err))
		}
		if err := sleepCtx(ctx, r.heartbeat); err != nil {
			return
		}
	}
}

// sleepCtx sleeps for d or returns early if ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
