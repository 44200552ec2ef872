// Package daemon wires the store, scheduler, dispatcher, quality gate,
// remediation loop, broker and HTTP API into one long-running process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/taskgate/internal/api"
	"github.com/msageha/taskgate/internal/broker"
	"github.com/msageha/taskgate/internal/delivery"
	"github.com/msageha/taskgate/internal/dispatcher"
	"github.com/msageha/taskgate/internal/events"
	"github.com/msageha/taskgate/internal/gate"
	"github.com/msageha/taskgate/internal/judge"
	"github.com/msageha/taskgate/internal/lock"
	"github.com/msageha/taskgate/internal/metrics"
	"github.com/msageha/taskgate/internal/model"
	"github.com/msageha/taskgate/internal/quality"
	"github.com/msageha/taskgate/internal/remediation"
	"github.com/msageha/taskgate/internal/scheduler"
	"github.com/msageha/taskgate/internal/store"
	"github.com/msageha/taskgate/internal/worker"
)

const (
	tracerName      = "github.com/msageha/taskgate/internal/daemon"
	spanPipelineRun = "pipeline.run"
	attrTaskID      = "task.id"
	attrAttempt     = "task.attempt"
	attrStatus      = "task.status"
	attrAggregate   = "gate.aggregate"

	eventBufferSize = 1024
)

// Daemon is the main taskgate process.
type Daemon struct {
	config model.Config
	logger *zap.Logger

	fileLock *lock.FileLock
	bus      *events.Bus
	store    *store.Store
	sched    *scheduler.Scheduler
	broker   broker.Broker
	disp     *dispatcher.Dispatcher
	registry *judge.Registry
	gate     *gate.Orchestrator
	loop     *remediation.Loop
	pipeline *Pipeline
	metrics  *metrics.Metrics
	server   *api.Server
	workers  []*worker.Runtime
	tracer   *sdktrace.TracerProvider

	ownsBroker    bool
	serveHTTP     bool
	watchRegistry bool
	kick          chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown sync.Once
}

type options struct {
	logger   *zap.Logger
	broker   broker.Broker
	delivery delivery.Delivery
	judges   []judge.Judge
	executor worker.Executor
	noHTTP   bool
}

type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithBroker shares an existing broker. The daemon does not close it.
func WithBroker(b broker.Broker) Option {
	return func(o *options) { o.broker = b }
}

func WithDelivery(d delivery.Delivery) Option {
	return func(o *options) { o.delivery = d }
}

// WithJudges installs a fixed judge set instead of the registry file.
func WithJudges(judges ...judge.Judge) Option {
	return func(o *options) { o.judges = judges }
}

// WithExecutor runs every pool worker in-process with exec.
func WithExecutor(exec worker.Executor) Option {
	return func(o *options) { o.executor = exec }
}

// WithoutHTTP skips listening; the API stays reachable through API().
func WithoutHTTP() Option {
	return func(o *options) { o.noHTTP = true }
}

// New builds every component. Nothing runs until Run.
func New(cfg model.Config, opts ...Option) (*Daemon, error) {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config:    cfg,
		logger:    logger.Named("daemon"),
		bus:       events.NewBus(eventBufferSize),
		tracer:    sdktrace.NewTracerProvider(),
		serveHTTP: !o.noHTTP,
		kick:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	if cfg.Daemon.LockFile != "" {
		d.fileLock = lock.NewFileLock(cfg.Daemon.LockFile)
	}

	fail := func(err error) (*Daemon, error) {
		d.release()
		return nil, err
	}

	var err error
	d.store, err = store.New(cfg.Store, store.WithLogger(logger), store.WithBus(d.bus))
	if err != nil {
		return fail(fmt.Errorf("open store: %w", err))
	}
	d.sched = scheduler.New(d.store, logger)

	d.broker = o.broker
	if d.broker == nil {
		if d.broker, err = broker.New(cfg.Broker, logger); err != nil {
			return fail(fmt.Errorf("connect broker: %w", err))
		}
		d.ownsBroker = true
	}

	dl := o.delivery
	if dl == nil {
		if dl, err = delivery.New(ctx, cfg.Delivery, logger); err != nil {
			return fail(fmt.Errorf("delivery: %w", err))
		}
	}

	if len(o.judges) > 0 {
		d.registry = judge.NewRegistry(nil, o.judges...)
	} else if cfg.Gate.RegistryFile != "" {
		if d.registry, err = judge.LoadRegistry(cfg.Gate.RegistryFile, quality.NewEngine()); err != nil {
			return fail(fmt.Errorf("load judge registry: %w", err))
		}
		d.watchRegistry = cfg.Gate.WatchRegistry
	} else {
		d.registry = judge.NewRegistry(nil)
		d.logger.Warn("no judge registry configured, every decision will be CONDITIONAL")
	}

	d.metrics = metrics.New(d.store.OpenEscalationCount)
	d.metrics.Attach(d.bus)

	d.gate = gate.New(d.registry, d.store, cfg.Gate.DefaultTimeout,
		gate.WithLogger(logger),
		gate.WithTracerProvider(d.tracer),
		gate.WithObserver(d.metrics.ObserveJudge))
	d.loop = remediation.New(d.store, dl, cfg.Remediation, remediation.WithLogger(logger))
	d.pipeline = NewPipeline(ctx, d.store, d.gate, d.loop, d.tracer, logger)

	d.disp, err = dispatcher.New(d.store, d.sched, d.broker, cfg.Dispatcher,
		dispatcher.WithLogger(logger),
		dispatcher.WithBus(d.bus),
		dispatcher.WithForwarder(d.pipeline))
	if err != nil {
		return fail(fmt.Errorf("dispatcher: %w", err))
	}

	d.server, err = api.NewServer(cfg.Server, api.Deps{
		Store:             d.store,
		Dispatcher:        d.disp,
		Escalations:       d.loop,
		Metrics:           d.metrics.Handler(),
		DefaultMaxRetries: cfg.Remediation.DefaultMaxRetries,
		Logger:            logger,
	})
	if err != nil {
		return fail(err)
	}

	exec := o.executor
	if exec == nil && len(cfg.Worker.Command) > 0 && d.ownsBroker && cfg.Broker.Kind != broker.KindNATS {
		if exec, err = worker.NewCommandExecutor(cfg.Worker); err != nil {
			return fail(err)
		}
	}
	if exec != nil {
		for _, id := range cfg.Dispatcher.Workers {
			rt, err := worker.New(id, d.broker, exec,
				worker.WithLogger(logger),
				worker.WithHeartbeatInterval(cfg.Worker.HeartbeatInterval))
			if err != nil {
				return fail(err)
			}
			d.workers = append(d.workers, rt)
		}
	}
	return d, nil
}

// API returns the HTTP server, also usable without listening.
func (d *Daemon) API() *api.Server {
	return d.server
}

func (d *Daemon) Store() *store.Store {
	return d.store
}

// Run starts the daemon and blocks until ctx is done or a component fails,
// then shuts down.
func (d *Daemon) Run(ctx context.Context) error {
	// Step 1: Acquire file lock
	if d.fileLock != nil {
		if err := d.fileLock.TryLock(); err != nil {
			d.release()
			return fmt.Errorf("daemon lock: %w", err)
		}
	}
	d.logger.Info("daemon starting", zap.Int("pid", os.Getpid()), zap.Strings("workers", d.disp.Workers()))

	// Step 2: Consume heartbeats and results
	if err := d.disp.Start(d.ctx); err != nil {
		d.Shutdown()
		return err
	}

	// Step 3: Kick the scan loop whenever the ready set may have grown
	unsubscribe := d.bus.SubscribeAll(func(e events.Event) {
		switch e.Type {
		case events.EventTaskSubmitted, events.EventTaskDelivered, events.EventTaskCancelled:
			d.Kick()
		case events.EventTaskTransition:
			if to, _ := e.Data["to"].(string); to == string(model.StatusReady) {
				d.Kick()
			}
		}
	})
	defer unsubscribe()

	// Step 4: In-process workers listen before the first dispatch
	for _, rt := range d.workers {
		if err := rt.Start(d.ctx); err != nil {
			d.Shutdown()
			return err
		}
	}

	// Step 5: Background loops
	g, gctx := errgroup.WithContext(d.ctx)
	g.Go(func() error {
		d.scanLoop(gctx)
		return nil
	})
	g.Go(func() error {
		d.disp.RunReaper(gctx, d.config.Dispatcher.ReapInterval)
		return nil
	})
	if d.watchRegistry {
		w := judge.NewWatcher(d.registry, d.config.Gate.RegistryFile, d.logger)
		g.Go(func() error { return w.Run(gctx) })
	}
	if d.serveHTTP {
		g.Go(d.server.Start)
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), d.shutdownTimeout())
			defer cancel()
			return d.server.Shutdown(sctx)
		})
	}

	// Step 6: Pick up work a previous run left behind
	if n := d.pipeline.Recover(); n > 0 {
		d.logger.Info("recovering unfinished results", zap.Int("tasks", n))
	}
	d.Kick()
	d.logger.Info("daemon ready", zap.String("addr", d.server.Addr()), zap.Bool("http", d.serveHTTP))

	// Step 7: Wait for the caller or a failed component
	var runErr error
	select {
	case <-ctx.Done():
	case <-gctx.Done():
	}
	d.cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		runErr = err
		d.logger.Error("component failed", zap.Error(err))
	}
	d.Shutdown()
	return runErr
}

// RunUntilSignal runs until SIGINT or SIGTERM. A second signal exits
// immediately.
func (d *Daemon) RunUntilSignal() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		d.logger.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
		cancel()
		if _, ok := <-sigCh; ok {
			d.logger.Warn("received second signal, forcing exit")
			os.Exit(1)
		}
	}()
	return d.Run(ctx)
}

// Kick requests a scan without waiting for the next tick.
func (d *Daemon) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Scan advances the ready set and leases ready tasks to idle workers.
func (d *Daemon) Scan(ctx context.Context) error {
	if _, err := d.sched.AdvanceReadySet(ctx); err != nil {
		return fmt.Errorf("advance ready set: %w", err)
	}
	if _, err := d.disp.DispatchReady(ctx); err != nil {
		return fmt.Errorf("dispatch ready: %w", err)
	}
	return nil
}

// scanLoop scans on every tick and kick. Ticks also catch READY tasks whose
// retry backoff elapsed.
func (d *Daemon) scanLoop(ctx context.Context) {
	interval := d.config.Scheduler.ScanInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.kick:
		}
		if err := d.Scan(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("scan failed", zap.Error(err))
		}
	}
}

func (d *Daemon) shutdownTimeout() time.Duration {
	if d.config.Daemon.ShutdownTimeout > 0 {
		return d.config.Daemon.ShutdownTimeout
	}
	return 30 * time.Second
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Info("shutdown started")

		// 1. Cancel context (stops accepting new work)
		d.cancel()
		for _, rt := range d.workers {
			rt.Stop()
		}
		if err := d.disp.Stop(); err != nil {
			d.logger.Warn("stop dispatcher", zap.Error(err))
		}

		// 2. Drain in-flight pipeline runs with timeout
		done := make(chan struct{})
		go func() {
			d.pipeline.Wait()
			close(done)
		}()
		select {
		case <-done:
			d.logger.Info("all goroutines drained")
		case <-time.After(d.shutdownTimeout()):
			d.logger.Warn("shutdown timeout, some operations may be incomplete", zap.Duration("timeout", d.shutdownTimeout()))
		}

		// 3. Cleanup
		d.release()
		d.logger.Info("daemon stopped")
	})
}

// release closes whatever New and Run managed to open.
func (d *Daemon) release() {
	d.cancel()
	if d.ownsBroker && d.broker != nil {
		if err := d.broker.Close(); err != nil {
			d.logger.Warn("close broker", zap.Error(err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("close store", zap.Error(err))
		}
	}
	d.bus.Close()
	if err := d.tracer.Shutdown(context.Background()); err != nil {
		d.logger.Warn("shutdown tracer", zap.Error(err))
	}
	if d.fileLock != nil {
		if err := d.fileLock.Unlock(); err != nil {
			d.logger.Warn("release lock", zap.Error(err))
		}
	}
}
