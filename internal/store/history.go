package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/msageha/taskgate/internal/events"
	"github.com/msageha/taskgate/internal/model"
)

// appendHistory writes record to the audit log and applies it to the
// in-memory view. An audit write failure is logged; the in-memory view is
// still updated so the pipeline keeps its decision trail for this process.
func (s *Store) appendHistory(taskID string, kind events.RecordKind, record any, apply func(h *model.TaskHistory)) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	s.appendLocked(taskID, kind, record, apply)
}

func (s *Store) appendLocked(taskID string, kind events.RecordKind, record any, apply func(h *model.TaskHistory)) {
	if s.audit != nil {
		if err := s.audit.Append(kind, taskID, record); err != nil {
			s.logger.Error("audit append failed",
				zap.String("task_id", taskID),
				zap.String("kind", string(kind)),
				zap.Error(err))
		}
	}
	h, ok := s.history[taskID]
	if !ok {
		h = &model.TaskHistory{}
		s.history[taskID] = h
	}
	apply(h)
}

func (s *Store) requireTask(taskID string) error {
	if _, ok := s.row(taskID); !ok {
		return fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}
	return nil
}

// AppendVerdict records one judge verdict.
func (s *Store) AppendVerdict(_ context.Context, v model.QualityVerdict) error {
	if err := s.requireTask(v.TaskID); err != nil {
		return err
	}
	s.appendHistory(v.TaskID, events.KindVerdict, v, func(h *model.TaskHistory) {
		h.Verdicts = append(h.Verdicts, v)
	})
	return nil
}

// AppendDecision records an aggregated gate decision.
func (s *Store) AppendDecision(_ context.Context, d model.QualityGateDecision) error {
	if err := s.requireTask(d.TaskID); err != nil {
		return err
	}
	s.appendHistory(d.TaskID, events.KindDecision, d, func(h *model.TaskHistory) {
		h.Decisions = append(h.Decisions, d)
	})
	if s.bus != nil {
		s.bus.Publish(events.EventGateDecided, d.TaskID, map[string]any{
			"attempt":   d.Attempt,
			"aggregate": string(d.Aggregate),
			"missing":   len(d.MissingJudges),
		})
	}
	return nil
}

// AppendAttempt records one remediation attempt.
func (s *Store) AppendAttempt(_ context.Context, a model.RemediationAttempt) error {
	if err := s.requireTask(a.TaskID); err != nil {
		return err
	}
	s.appendHistory(a.TaskID, events.KindAttempt, a, func(h *model.TaskHistory) {
		h.Attempts = append(h.Attempts, a)
	})
	if s.bus != nil {
		s.bus.Publish(events.EventRemediation, a.TaskID, map[string]any{
			"attempt_number": a.AttemptNumber,
			"action":         string(a.Action),
			"outcome":        string(a.Outcome),
		})
	}
	return nil
}

// OpenEscalation creates the human-approval record. An already open
// escalation is returned unchanged.
func (s *Store) OpenEscalation(_ context.Context, taskID, reason string) (model.Escalation, error) {
	if err := s.requireTask(taskID); err != nil {
		return model.Escalation{}, err
	}

	s.histMu.Lock()
	defer s.histMu.Unlock()
	if h, ok := s.history[taskID]; ok {
		if open := h.OpenEscalation(); open != nil {
			return *open, nil
		}
	}

	e := model.Escalation{TaskID: taskID, Reason: reason, CreatedAt: s.now().UTC()}
	s.appendLocked(taskID, events.KindEscalation, e, func(h *model.TaskHistory) {
		h.Escalations = append(h.Escalations, e)
	})
	return e, nil
}

// ResolveEscalation records the human decision on the open escalation. It
// returns model.ErrNoEscalation when none is open.
func (s *Store) ResolveEscalation(_ context.Context, taskID string, resolution model.EscalationResolution) (model.Escalation, error) {
	if err := s.requireTask(taskID); err != nil {
		return model.Escalation{}, err
	}
	if resolution == model.ResolutionPending {
		return model.Escalation{}, fmt.Errorf("resolve escalation %s: empty resolution", taskID)
	}

	s.histMu.Lock()
	defer s.histMu.Unlock()
	var open *model.Escalation
	if h, ok := s.history[taskID]; ok {
		open = h.OpenEscalation()
	}
	if open == nil {
		return model.Escalation{}, fmt.Errorf("task %s: %w", taskID, model.ErrNoEscalation)
	}

	resolved := *open
	at := s.now().UTC()
	resolved.Resolution = resolution
	resolved.ResolvedAt = &at
	s.appendLocked(taskID, events.KindEscalation, resolved, func(h *model.TaskHistory) {
		applyEscalation(h, resolved)
	})
	return resolved, nil
}

// applyEscalation folds a resolution record into the escalation it closes:
// the latest open one with the same creation time; an unmatched record is
// appended.
func applyEscalation(h *model.TaskHistory, e model.Escalation) {
	if e.Resolution != model.ResolutionPending {
		for i := len(h.Escalations) - 1; i >= 0; i-- {
			if h.Escalations[i].Open() && h.Escalations[i].CreatedAt.Equal(e.CreatedAt) {
				h.Escalations[i] = e
				return
			}
		}
	}
	h.Escalations = append(h.Escalations, e)
}

// PendingEscalation returns the open escalation of a task, nil if none.
func (s *Store) PendingEscalation(taskID string) *model.Escalation {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	if h, ok := s.history[taskID]; ok {
		return h.OpenEscalation()
	}
	return nil
}

// History returns a copy of the full decision trail of a task.
func (s *Store) History(_ context.Context, taskID string) (*model.TaskHistory, error) {
	if err := s.requireTask(taskID); err != nil {
		return nil, err
	}
	s.histMu.Lock()
	defer s.histMu.Unlock()
	h, ok := s.history[taskID]
	if !ok {
		return (&model.TaskHistory{}).Clone(), nil
	}
	return h.Clone(), nil
}

// OpenEscalationCount is exported as a gauge.
func (s *Store) OpenEscalationCount() int {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	n := 0
	for _, h := range s.history {
		if h.OpenEscalation() != nil {
			n++
		}
	}
	return n
}
