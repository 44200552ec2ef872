package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a task id is unknown to the store.
	ErrNotFound = errors.New("task not found")
	// ErrAlreadyLeased is returned by a second dispatch on a leased task.
	ErrAlreadyLeased = errors.New("task already holds a live lease")
	// ErrNoEscalation is returned when resolving a task that awaits no human.
	ErrNoEscalation = errors.New("task has no open escalation")
	// ErrWorkerBusy is returned when dispatching to a worker that holds a lease.
	ErrWorkerBusy = errors.New("worker already holds a lease")
)

// CycleError reports a dependency cycle, Path starts and ends on the same id.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.Path, " -> "))
}

type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("task %q already exists", e.ID)
}

type InvalidTransitionError struct {
	From   Status
	To     Status
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid task transition: %q → %q: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("invalid task transition: %q → %q", e.From, e.To)
}

// StaleLeaseError rejects a report or heartbeat from a worker that does not
// hold the current lease of the task.
type StaleLeaseError struct {
	TaskID   string
	WorkerID string
	LeaseID  string
	Attempt  int
	Reason   string
}

func (e *StaleLeaseError) Error() string {
	return fmt.Sprintf("stale lease: task=%s worker=%s lease=%s attempt=%d: %s",
		e.TaskID, e.WorkerID, e.LeaseID, e.Attempt, e.Reason)
}

type ValidationError struct {
	FieldPath string `json:"field"`
	Message   string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.FieldPath, e.Message)
}

type ValidationErrors struct {
	Errors []ValidationError
}

func (ve *ValidationErrors) Add(fieldPath, message string) {
	ve.Errors = append(ve.Errors, ValidationError{FieldPath: fieldPath, Message: message})
}

func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

func (ve *ValidationErrors) Error() string {
	msgs := make([]string, 0, len(ve.Errors))
	for _, e := range ve.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}
