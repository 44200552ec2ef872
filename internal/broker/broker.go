// Package broker moves dispatch and result envelopes between the pipeline
// and its workers. Delivery is at-most-once: a lost dispatch is recovered by
// the lease reaper, a lost result by lease expiry.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/taskgate/internal/model"
)

const (
	KindMemory = "memory"
	KindNATS   = "nats"
)

const (
	// SubjectResult carries heartbeats and results from every worker.
	SubjectResult         = "task.result"
	subjectDispatchPrefix = "task.dispatch."
)

// DispatchSubject is the subject a worker listens on.
func DispatchSubject(workerID string) string {
	return subjectDispatchPrefix + workerID
}

// ValidWorkerID reports whether id can be used as a subject token.
func ValidWorkerID(id string) bool {
	return id != "" && !strings.ContainsAny(id, " \t\r\n.*>")
}

var ErrClosed = errors.New("broker closed")

type EnvelopeKind string

const (
	EnvelopeDispatch  EnvelopeKind = "dispatch"
	EnvelopeCancel    EnvelopeKind = "cancel"
	EnvelopeHeartbeat EnvelopeKind = "heartbeat"
	EnvelopeResult    EnvelopeKind = "result"
)

// Envelope is the wire message on both channels. Task is set on dispatch;
// Status, Result and Error on result envelopes.
type Envelope struct {
	Kind     EnvelopeKind  `json:"kind"`
	TaskID   string        `json:"task_id"`
	LeaseID  string        `json:"lease_id,omitempty"`
	WorkerID string        `json:"worker_id"`
	Attempt  int           `json:"attempt"`
	Task     *model.Task   `json:"task,omitempty"`
	Status   model.Status  `json:"status,omitempty"`
	Result   *model.Result `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	SentAt   time.Time     `json:"sent_at"`
}

// Handler processes one envelope. It runs on the subscription's goroutine.
type Handler func(ctx context.Context, env Envelope)

type Subscription interface {
	Unsubscribe() error
}

type Broker interface {
	Publish(ctx context.Context, subject string, env Envelope) error
	Subscribe(subject string, h Handler) (Subscription, error)
	Close() error
}

// New returns the broker selected by cfg.Kind.
func New(cfg model.BrokerConfig, logger *zap.Logger) (Broker, error) {
	switch cfg.Kind {
	case "", KindMemory:
		return NewMemory(0), nil
	case KindNATS:
		return NewNATS(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Kind)
	}
}
