// Package api serves the taskgate HTTP interface: task intake, status,
// escalation decisions and operator cancellation.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/msageha/taskgate/internal/model"
)

// TaskStore is the slice of the task store the API reads and writes.
type TaskStore interface {
	SubmitBatch(ctx context.Context, tasks []*model.Task) ([]*model.Task, error)
	Get(ctx context.Context, id string) (*model.Task, error)
	Snapshot() []*model.Task
	History(ctx context.Context, id string) (*model.TaskHistory, error)
}

// Canceller revokes leases and cancels tasks.
type Canceller interface {
	Cancel(ctx context.Context, taskID, reason string) (*model.Task, error)
	Workers() []string
}

// EscalationResolver applies a human decision to an escalated task.
type EscalationResolver interface {
	ResolveEscalation(ctx context.Context, taskID string, resolution model.EscalationResolution) (*model.Task, error)
}

// Deps are the components the handlers call.
type Deps struct {
	Store       TaskStore
	Dispatcher  Canceller
	Escalations EscalationResolver
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	// DefaultMaxRetries applies to intake requests without max_retries.
	DefaultMaxRetries int
	Logger            *zap.Logger
	Now               func() time.Time
}

type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
	addr   string
}

func NewServer(cfg model.ServerConfig, deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Dispatcher == nil || deps.Escalations == nil {
		return nil, errors.New("api: store, dispatcher and escalation resolver are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		deps:   deps,
		logger: logger.Named("api"),
		now:    now,
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.logRequests)

	s.registerRoutes()
	return s, nil
}

func (s *Server) logRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.logger.Info("http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
		)
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.deps.Metrics))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/tasks", s.handleSubmit)
	v1.POST("/tasks/batch", s.handleSubmitBatch)
	v1.GET("/tasks", s.handleList)
	v1.GET("/tasks/:id", s.handleGet)
	v1.GET("/tasks/:id/history", s.handleHistory)
	v1.POST("/tasks/:id/escalation", s.handleEscalation)
	v1.POST("/tasks/:id/cancel", s.handleCancel)
	v1.GET("/workers", s.handleWorkers)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Addr() string {
	return s.addr
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.addr))
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
