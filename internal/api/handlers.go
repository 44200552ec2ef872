package api

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/msageha/taskgate/internal/model"
	"github.com/msageha/taskgate/internal/worker"
)

// TaskRequest is the intake body. MaxRetries falls back to the configured
// default when omitted; Priority defaults to MEDIUM.
type TaskRequest struct {
	ID           string          `json:"id,omitempty"`
	Type         string          `json:"type"`
	Priority     string          `json:"priority,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
	MaxRetries   *int            `json:"max_retries,omitempty"`
}

type BatchRequest struct {
	Tasks []TaskRequest `json:"tasks"`
}

// TaskResponse is a task row plus its latest gate decision and any open
// escalation.
type TaskResponse struct {
	*model.Task
	LatestDecision    *model.QualityGateDecision `json:"latest_decision,omitempty"`
	PendingEscalation *model.Escalation          `json:"pending_escalation,omitempty"`
}

type BatchResponse struct {
	Tasks []*model.Task `json:"tasks"`
}

type EscalationRequest struct {
	Decision string `json:"decision"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type HealthResponse struct {
	Status  string               `json:"status"`
	Workers int                  `json:"workers"`
	Tasks   map[model.Status]int `json:"tasks"`
}

func (s *Server) handleHealth(c echo.Context) error {
	counts := make(map[model.Status]int)
	for _, t := range s.deps.Store.Snapshot() {
		counts[t.Status]++
	}
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Workers: len(s.deps.Dispatcher.Workers()),
		Tasks:   counts,
	})
}

func (s *Server) toTask(req TaskRequest) (*model.Task, error) {
	priority := model.PriorityMedium
	if req.Priority != "" {
		p, err := model.ParsePriority(req.Priority)
		if err != nil {
			errs := &model.ValidationErrors{}
			errs.Add("priority", err.Error())
			return nil, errs
		}
		priority = p
	}
	maxRetries := s.deps.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	return &model.Task{
		ID:           req.ID,
		Type:         req.Type,
		Priority:     priority,
		Payload:      req.Payload,
		Dependencies: req.Dependencies,
		MaxRetries:   maxRetries,
	}, nil
}

func (s *Server) handleSubmit(c echo.Context) error {
	var req TaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body").SetInternal(err)
	}
	task, err := s.toTask(req)
	if err != nil {
		return httpError(err)
	}
	out, err := s.deps.Store.SubmitBatch(c.Request().Context(), []*model.Task{task})
	if err != nil {
		s.logger.Info("task rejected", zap.String("task_id", req.ID), zap.Error(err))
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, out[0])
}

func (s *Server) handleSubmitBatch(c echo.Context) error {
	var req BatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body").SetInternal(err)
	}
	tasks := make([]*model.Task, 0, len(req.Tasks))
	for _, tr := range req.Tasks {
		task, err := s.toTask(tr)
		if err != nil {
			return httpError(err)
		}
		tasks = append(tasks, task)
	}
	out, err := s.deps.Store.SubmitBatch(c.Request().Context(), tasks)
	if err != nil {
		s.logger.Info("batch rejected", zap.Int("tasks", len(tasks)), zap.Error(err))
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, BatchResponse{Tasks: out})
}

func (s *Server) handleList(c echo.Context) error {
	var filter model.Status
	if q := c.QueryParam("status"); q != "" {
		st, err := model.ParseStatus(q)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		filter = st
	}
	tasks := make([]*model.Task, 0)
	for _, t := range s.deps.Store.Snapshot() {
		if filter == "" || t.Status == filter {
			tasks = append(tasks, t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return c.JSON(http.StatusOK, BatchResponse{Tasks: tasks})
}

func (s *Server) handleGet(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	task, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		return httpError(err)
	}
	h, err := s.deps.Store.History(ctx, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, TaskResponse{
		Task:              task,
		LatestDecision:    h.LatestDecision(),
		PendingEscalation: h.OpenEscalation(),
	})
}

func (s *Server) handleHistory(c echo.Context) error {
	h, err := s.deps.Store.History(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h)
}

func (s *Server) handleEscalation(c echo.Context) error {
	var req EscalationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body").SetInternal(err)
	}
	resolution, err := model.ParseResolution(req.Decision)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id := c.Param("id")
	task, err := s.deps.Escalations.ResolveEscalation(c.Request().Context(), id, resolution)
	if err != nil {
		return httpError(err)
	}
	s.logger.Info("escalation resolved",
		zap.String("task_id", id),
		zap.String("decision", string(resolution)),
		zap.String("status", string(task.Status)))
	return c.JSON(http.StatusOK, task)
}

func (s *Server) handleCancel(c echo.Context) error {
	var req CancelRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body").SetInternal(err)
		}
	}
	task, err := s.deps.Dispatcher.Cancel(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, task)
}

func (s *Server) handleWorkers(c echo.Context) error {
	return c.JSON(http.StatusOK, worker.Standby(s.deps.Dispatcher.Workers(), s.deps.Store.Snapshot(), s.now()))
}
