package model

import (
	"fmt"
	"strings"
	"time"
)

type Verdict string

const (
	VerdictApprove     Verdict = "APPROVE"
	VerdictConditional Verdict = "CONDITIONAL"
	VerdictReject      Verdict = "REJECT"
)

func (v Verdict) Valid() bool {
	switch v {
	case VerdictApprove, VerdictConditional, VerdictReject:
		return true
	}
	return false
}

// QualityVerdict is emitted once by a judge and never modified afterwards.
type QualityVerdict struct {
	JudgeID    string         `json:"judge_id" yaml:"judge_id"`
	TaskID     string         `json:"task_id" yaml:"task_id"`
	Attempt    int            `json:"attempt" yaml:"attempt"`
	Verdict    Verdict        `json:"verdict" yaml:"verdict"`
	Metrics    map[string]any `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Reasoning  string         `json:"reasoning,omitempty" yaml:"reasoning,omitempty"`
	ProducedAt time.Time      `json:"produced_at" yaml:"produced_at"`
}

// QualityGateDecision aggregates every configured judge for one attempt.
type QualityGateDecision struct {
	TaskID        string           `json:"task_id" yaml:"task_id"`
	Attempt       int              `json:"attempt" yaml:"attempt"`
	InputVerdicts []QualityVerdict `json:"input_verdicts" yaml:"input_verdicts"`
	Aggregate     Verdict          `json:"aggregate" yaml:"aggregate"`
	MissingJudges []string         `json:"missing_judges,omitempty" yaml:"missing_judges,omitempty"`
	DecidedAt     time.Time        `json:"decided_at" yaml:"decided_at"`
}

type RemediationAction string

const (
	ActionRetry    RemediationAction = "RETRY"
	ActionFinalize RemediationAction = "FINALIZE"
	ActionEscalate RemediationAction = "ESCALATE"
)

type RemediationOutcome string

const (
	OutcomeSuccess   RemediationOutcome = "SUCCESS"
	OutcomeConflict  RemediationOutcome = "CONFLICT"
	OutcomeCIPending RemediationOutcome = "CI_PENDING"
	OutcomeFailure   RemediationOutcome = "FAILURE"
)

type RemediationAttempt struct {
	TaskID        string             `json:"task_id" yaml:"task_id"`
	AttemptNumber int                `json:"attempt_number" yaml:"attempt_number"`
	Action        RemediationAction  `json:"action" yaml:"action"`
	Outcome       RemediationOutcome `json:"outcome" yaml:"outcome"`
	Detail        string             `json:"detail,omitempty" yaml:"detail,omitempty"`
	StartedAt     time.Time          `json:"started_at" yaml:"started_at"`
	EndedAt       time.Time          `json:"ended_at" yaml:"ended_at"`
}

type EscalationResolution string

const (
	ResolutionPending EscalationResolution = ""
	ResolutionApprove EscalationResolution = "APPROVE"
	ResolutionReject  EscalationResolution = "REJECT"
)

// ParseResolution maps the admin call body ("approve"|"reject").
func ParseResolution(s string) (EscalationResolution, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(ResolutionApprove):
		return ResolutionApprove, nil
	case string(ResolutionReject):
		return ResolutionReject, nil
	}
	return "", fmt.Errorf("unknown escalation decision %q", s)
}

// Escalation is the human-approval record created when automation stops.
type Escalation struct {
	TaskID     string               `json:"task_id" yaml:"task_id"`
	Reason     string               `json:"reason" yaml:"reason"`
	CreatedAt  time.Time            `json:"created_at" yaml:"created_at"`
	Resolution EscalationResolution `json:"resolution,omitempty" yaml:"resolution,omitempty"`
	ResolvedAt *time.Time           `json:"resolved_at,omitempty" yaml:"resolved_at,omitempty"`
}

func (e *Escalation) Open() bool {
	return e.Resolution == ResolutionPending
}

// Transition records one committed status change. From is empty on intake.
type Transition struct {
	TaskID     string    `json:"task_id"`
	From       Status    `json:"from,omitempty"`
	To         Status    `json:"to"`
	Attempt    int       `json:"attempt"`
	RetryCount int       `json:"retry_count"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// TaskHistory is the full decision trail of one task.
type TaskHistory struct {
	Transitions []Transition          `json:"transitions"`
	Verdicts    []QualityVerdict      `json:"verdicts"`
	Decisions   []QualityGateDecision `json:"decisions"`
	Attempts    []RemediationAttempt  `json:"attempts"`
	Escalations []Escalation          `json:"escalations"`
}

// Clone copies every slice so callers cannot alias the store's view.
func (h *TaskHistory) Clone() *TaskHistory {
	return &TaskHistory{
		Transitions: append([]Transition{}, h.Transitions...),
		Verdicts:    append([]QualityVerdict{}, h.Verdicts...),
		Decisions:   append([]QualityGateDecision{}, h.Decisions...),
		Attempts:    append([]RemediationAttempt{}, h.Attempts...),
		Escalations: append([]Escalation{}, h.Escalations...),
	}
}

// LatestDecision returns the most recent gate decision, nil if none.
func (h *TaskHistory) LatestDecision() *QualityGateDecision {
	if len(h.Decisions) == 0 {
		return nil
	}
	d := h.Decisions[len(h.Decisions)-1]
	return &d
}

// OpenEscalation returns the unresolved escalation, nil if none.
func (h *TaskHistory) OpenEscalation() *Escalation {
	for i := len(h.Escalations) - 1; i >= 0; i-- {
		if h.Escalations[i].Open() {
			e := h.Escalations[i]
			return &e
		}
	}
	return nil
}
