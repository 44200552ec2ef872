// Package delivery merges accepted results. FINALIZE reports one of the
// remediation outcomes and the remediation loop decides what happens next.
package delivery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/msageha/taskgate/internal/model"
)

const (
	KindLocal  = "local"
	KindGitHub = "github"
)

// CIState is the combined state of the checks on a change.
type CIState string

const (
	CIPending CIState = "pending"
	CISuccess CIState = "success"
	CIFailure CIState = "failure"
)

// Report is the outcome of one FINALIZE call.
type Report struct {
	Outcome model.RemediationOutcome
	Detail  string
}

// Delivery is the collaborator that lands a task's result.
type Delivery interface {
	// Finalize attempts the merge. An error is a FAILURE the caller may retry.
	Finalize(ctx context.Context, task *model.Task) (Report, error)
	// ResolveConflict runs the single conflict resolution pass and reports
	// whether the change was reconciled.
	ResolveConflict(ctx context.Context, task *model.Task) (bool, error)
	CIStatus(ctx context.Context, task *model.Task) (CIState, error)
}

// New builds the delivery collaborator selected by cfg.Kind.
func New(ctx context.Context, cfg model.DeliveryConfig, logger *zap.Logger) (Delivery, error) {
	switch cfg.Kind {
	case "", KindLocal:
		return NewLocal(logger), nil
	case KindGitHub:
		gh, err := NewGitHub(ctx, cfg.GitHub, logger)
		if err != nil {
			return nil, err
		}
		return NewRouter(gh, NewLocal(logger)), nil
	default:
		return nil, fmt.Errorf("unknown delivery kind %q", cfg.Kind)
	}
}

// Router sends tasks that carry a change reference to the remote delivery
// and everything else to the local one.
type Router struct {
	remote Delivery
	local  Delivery
}

func NewRouter(remote, local Delivery) *Router {
	return &Router{remote: remote, local: local}
}

func (r *Router) pick(task *model.Task) Delivery {
	if task.Result != nil && task.Result.Change != nil {
		return r.remote
	}
	return r.local
}

func (r *Router) Finalize(ctx context.Context, task *model.Task) (Report, error) {
	return r.pick(task).Finalize(ctx, task)
}

func (r *Router) ResolveConflict(ctx context.Context, task *model.Task) (bool, error) {
	return r.pick(task).ResolveConflict(ctx, task)
}

func (r *Router) CIStatus(ctx context.Context, task *model.Task) (CIState, error) {
	return r.pick(task).CIStatus(ctx, task)
}
