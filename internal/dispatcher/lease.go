package dispatcher

import (
	"time"

	"github.com/google/uuid"

	"github.com/msageha/taskgate/internal/model"
)

const defaultLeaseTTL = 30 * time.Second

// LeaseManager handles the lease lifecycle on task rows. It mutates the row
// it is given; callers commit the row through the store.
type LeaseManager struct {
	ttl time.Duration
	now func() time.Time
}

// NewLeaseManager creates a new LeaseManager.
func NewLeaseManager(ttl time.Duration, now func() time.Time) *LeaseManager {
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	if now == nil {
		now = time.Now
	}
	return &LeaseManager{ttl: ttl, now: now}
}

func (lm *LeaseManager) TTL() time.Duration { return lm.ttl }

// Acquire moves a READY task to ASSIGNED under a fresh lease for workerID
// and starts a new attempt.
func (lm *LeaseManager) Acquire(t *model.Task, workerID string) (*model.WorkerLease, error) {
	if t.Lease != nil {
		return nil, model.ErrAlreadyLeased
	}
	if err := model.ValidateTaskTransition(t, model.StatusAssigned); err != nil {
		return nil, err
	}

	now := lm.now().UTC()
	t.Attempt++
	lease := &model.WorkerLease{
		LeaseID:     uuid.NewString(),
		TaskID:      t.ID,
		WorkerID:    workerID,
		Attempt:     t.Attempt,
		AcquiredAt:  now,
		TTL:         lm.ttl,
		HeartbeatAt: now,
	}
	t.Status = model.StatusAssigned
	t.Lease = lease
	t.AssignedWorkerID = model.StringPtr(workerID)
	leaseCopy := *lease
	return &leaseCopy, nil
}

// Validate fails with a *model.StaleLeaseError unless workerID holds the
// current, unexpired lease of t. leaseID and attempt are checked when
// non-zero.
func (lm *LeaseManager) Validate(t *model.Task, workerID, leaseID string, attempt int) error {
	stale := func(reason string) error {
		return &model.StaleLeaseError{TaskID: t.ID, WorkerID: workerID, LeaseID: leaseID, Attempt: attempt, Reason: reason}
	}
	switch {
	case t.Lease == nil:
		return stale("task holds no lease (status " + string(t.Status) + ")")
	case t.Lease.WorkerID != workerID:
		return stale("lease belongs to " + t.Lease.WorkerID)
	case leaseID != "" && t.Lease.LeaseID != leaseID:
		return stale("lease was superseded")
	case attempt != 0 && t.Lease.Attempt != attempt:
		return stale("attempt was superseded")
	case t.Lease.Expired(lm.now()):
		return stale("lease expired")
	}
	return nil
}

// Refresh records a heartbeat.
func (lm *LeaseManager) Refresh(t *model.Task) {
	if t.Lease != nil {
		t.Lease.HeartbeatAt = lm.now().UTC()
	}
}

// Expired reports whether t holds a lease whose heartbeat is older than
// its TTL.
func (lm *LeaseManager) Expired(t *model.Task) bool {
	return t.Lease != nil && t.Lease.Expired(lm.now())
}
