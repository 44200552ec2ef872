package model

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusReady     Status = "READY"
	StatusAssigned  Status = "ASSIGNED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusEscalated Status = "ESCALATED"
	StatusCancelled Status = "CANCELLED"
)

var knownStatuses = map[Status]bool{
	StatusPending:   true,
	StatusReady:     true,
	StatusAssigned:  true,
	StatusRunning:   true,
	StatusCompleted: true,
	StatusFailed:    true,
	StatusEscalated: true,
	StatusCancelled: true,
}

// ParseStatus accepts any letter case.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !knownStatuses[st] {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// Task state transitions.
// ASSIGNED/RUNNING → READY is lease expiry (redelivery, not failure).
// COMPLETED → FAILED|ESCALATED|CANCELLED only applies before delivery.
var validTaskTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusReady:     true,
		StatusCancelled: true,
	},
	StatusReady: {
		StatusAssigned:  true,
		StatusCancelled: true,
	},
	StatusAssigned: {
		StatusRunning:   true,
		StatusReady:     true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusReady:     true,
		StatusCancelled: true,
	},
	StatusCompleted: {
		StatusFailed:    true,
		StatusEscalated: true,
		StatusCancelled: true,
	},
	StatusFailed: {
		StatusReady:     true,
		StatusEscalated: true,
		StatusCancelled: true,
	},
	StatusEscalated: {
		StatusCompleted: true,
		StatusCancelled: true,
	},
}

func (s Status) Valid() bool {
	return knownStatuses[s]
}

// IsTerminal reports whether the task can no longer change state.
// A COMPLETED task is terminal only once its result was delivered.
func IsTerminal(t *Task) bool {
	switch t.Status {
	case StatusCancelled:
		return true
	case StatusCompleted:
		return t.DeliveredAt != nil
	default:
		return false
	}
}

// ValidateTransition checks the static edge table.
func ValidateTransition(from, to Status) error {
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return &InvalidTransitionError{From: from, To: to, Reason: fmt.Sprintf("unknown status %q", from)}
	}
	if !allowed[to] {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// ValidateTaskTransition checks the edge table plus the guards that depend on
// the task row: the retry budget on FAILED and delivery on COMPLETED.
func ValidateTaskTransition(t *Task, to Status) error {
	if IsTerminal(t) {
		return &InvalidTransitionError{From: t.Status, To: to, Reason: "task is terminal"}
	}
	if err := ValidateTransition(t.Status, to); err != nil {
		return err
	}
	switch t.Status {
	case StatusFailed:
		if to == StatusReady && t.RetryCount >= t.MaxRetries {
			return &InvalidTransitionError{From: t.Status, To: to,
				Reason: fmt.Sprintf("retry budget spent (%d/%d)", t.RetryCount, t.MaxRetries)}
		}
		if to == StatusEscalated && t.RetryCount < t.MaxRetries {
			return &InvalidTransitionError{From: t.Status, To: to,
				Reason: fmt.Sprintf("retry budget remaining (%d/%d)", t.RetryCount, t.MaxRetries)}
		}
	}
	return nil
}
