package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Task ids double as file names in the durable store.
var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Priority orders tasks in the ready queue; higher ranks dispatch first.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
)

var priorityRank = map[Priority]int{
	PriorityCritical: 4,
	PriorityHigh:     3,
	PriorityMedium:   2,
	PriorityLow:      1,
}

// Rank returns the ordinal of p, zero for an unknown priority.
func (p Priority) Rank() int {
	return priorityRank[p]
}

func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// ParsePriority accepts any letter case.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

type Task struct {
	ID               string          `json:"id" yaml:"id"`
	Type             string          `json:"type" yaml:"type"`
	Priority         Priority        `json:"priority" yaml:"priority"`
	Payload          json.RawMessage `json:"payload,omitempty" yaml:"-"`
	Dependencies     []string        `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Status           Status          `json:"status" yaml:"status"`
	RetryCount       int             `json:"retry_count" yaml:"retry_count"`
	MaxRetries       int             `json:"max_retries" yaml:"max_retries"`
	Attempt          int             `json:"attempt" yaml:"attempt"`
	AssignedWorkerID *string         `json:"assigned_worker_id,omitempty" yaml:"assigned_worker_id,omitempty"`
	Lease            *WorkerLease    `json:"lease,omitempty" yaml:"lease,omitempty"`
	Result           *Result         `json:"result,omitempty" yaml:"result,omitempty"`
	LastError        *string         `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	CancelReason     *string         `json:"cancel_reason,omitempty" yaml:"cancel_reason,omitempty"`
	NotBefore        *time.Time      `json:"not_before,omitempty" yaml:"not_before,omitempty"`
	DeliveredAt      *time.Time      `json:"delivered_at,omitempty" yaml:"delivered_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at" yaml:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" yaml:"updated_at"`
}

// WorkerLease is a time-bounded claim by one worker on one task.
type WorkerLease struct {
	LeaseID     string        `json:"lease_id" yaml:"lease_id"`
	TaskID      string        `json:"task_id" yaml:"task_id"`
	WorkerID    string        `json:"worker_id" yaml:"worker_id"`
	Attempt     int           `json:"attempt" yaml:"attempt"`
	AcquiredAt  time.Time     `json:"acquired_at" yaml:"acquired_at"`
	TTL         time.Duration `json:"ttl" yaml:"ttl"`
	HeartbeatAt time.Time     `json:"heartbeat_at" yaml:"heartbeat_at"`
}

// Expired reports whether no heartbeat arrived within the TTL.
func (l *WorkerLease) Expired(now time.Time) bool {
	return now.Sub(l.HeartbeatAt) > l.TTL
}

// Result is what a worker reports for one attempt.
type Result struct {
	Output  string         `json:"output,omitempty" yaml:"output,omitempty"`
	Metrics map[string]any `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Change  *ChangeRef     `json:"change,omitempty" yaml:"change,omitempty"`
}

// ChangeRef points at the change a worker produced on the hosting service.
type ChangeRef struct {
	Owner   string `json:"owner" yaml:"owner"`
	Repo    string `json:"repo" yaml:"repo"`
	Number  int    `json:"number" yaml:"number"`
	HeadSHA string `json:"head_sha,omitempty" yaml:"head_sha,omitempty"`
}

func (c *ChangeRef) String() string {
	return fmt.Sprintf("%s/%s#%d", c.Owner, c.Repo, c.Number)
}

// Delivered reports whether FINALIZE succeeded for the task.
func (t *Task) Delivered() bool {
	return t.Status == StatusCompleted && t.DeliveredAt != nil
}

// Clone returns a deep copy so committed rows are never shared with callers.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Payload != nil {
		c.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.Dependencies != nil {
		c.Dependencies = append([]string(nil), t.Dependencies...)
	}
	c.AssignedWorkerID = cloneString(t.AssignedWorkerID)
	c.LastError = cloneString(t.LastError)
	c.CancelReason = cloneString(t.CancelReason)
	c.NotBefore = cloneTime(t.NotBefore)
	c.DeliveredAt = cloneTime(t.DeliveredAt)
	if t.Lease != nil {
		l := *t.Lease
		c.Lease = &l
	}
	if t.Result != nil {
		c.Result = t.Result.Clone()
	}
	return &c
}

func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	c := *r
	c.Metrics = CloneMetrics(r.Metrics)
	if r.Change != nil {
		ch := *r.Change
		c.Change = &ch
	}
	return &c
}

// CloneMetrics copies a metrics map one level deep.
func CloneMetrics(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Validate checks intake fields. Dependencies are checked against the store.
func (t *Task) Validate() error {
	errs := &ValidationErrors{}
	switch {
	case t.ID == "":
		errs.Add("id", "is required")
	case !taskIDPattern.MatchString(t.ID):
		errs.Add("id", fmt.Sprintf("%q must match %s", t.ID, taskIDPattern))
	}
	if t.Type == "" {
		errs.Add("type", "is required")
	}
	if !t.Priority.Valid() {
		errs.Add("priority", fmt.Sprintf("unknown priority %q", t.Priority))
	}
	if t.MaxRetries < 0 {
		errs.Add("max_retries", "must not be negative")
	}
	if len(t.Payload) > 0 && !json.Valid(t.Payload) {
		errs.Add("payload", "must be valid JSON")
	}
	seen := make(map[string]bool, len(t.Dependencies))
	for i, dep := range t.Dependencies {
		switch {
		case dep == "":
			errs.Add(fmt.Sprintf("dependencies[%d]", i), "must not be empty")
		case seen[dep]:
			errs.Add(fmt.Sprintf("dependencies[%d]", i), fmt.Sprintf("duplicate dependency %q", dep))
		}
		seen[dep] = true
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

func StringPtr(s string) *string {
	return &s
}
