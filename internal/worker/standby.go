package worker

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/msageha/taskgate/internal/model"
)

const (
	StatusIdle = "idle"
	StatusBusy = "busy"
)

// WorkerStatus represents the status summary for a single worker.
type WorkerStatus struct {
	WorkerID    string       `json:"worker_id"`
	Status      string       `json:"status"`
	TaskID      string       `json:"task_id,omitempty"`
	TaskStatus  model.Status `json:"task_status,omitempty"`
	LeaseID     string       `json:"lease_id,omitempty"`
	Attempt     int          `json:"attempt,omitempty"`
	HeartbeatAt *time.Time   `json:"heartbeat_at,omitempty"`
	Expired     bool         `json:"expired,omitempty"`
}

// Standby summarises every pool worker from the leases held in tasks.
// Workers that hold a lease but are missing from pool are listed too, so a
// shrunk pool still shows its stragglers.
func Standby(pool []string, tasks []*model.Task, now time.Time) []WorkerStatus {
	byWorker := make(map[string]WorkerStatus, len(pool))
	for _, w := range pool {
		byWorker[w] = WorkerStatus{WorkerID: w, Status: StatusIdle}
	}
	for _, t := range tasks {
		if t.Lease == nil {
			continue
		}
		hb := t.Lease.HeartbeatAt
		byWorker[t.Lease.WorkerID] = WorkerStatus{
			WorkerID:    t.Lease.WorkerID,
			Status:      StatusBusy,
			TaskID:      t.ID,
			TaskStatus:  t.Status,
			LeaseID:     t.Lease.LeaseID,
			Attempt:     t.Lease.Attempt,
			HeartbeatAt: &hb,
			Expired:     t.Lease.Expired(now),
		}
	}

	results := make([]WorkerStatus, 0, len(byWorker))
	for _, ws := range byWorker {
		results = append(results, ws)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].WorkerID < results[j].WorkerID
	})
	return results
}

// StandbyJSON runs Standby and returns the result as a JSON string.
func StandbyJSON(pool []string, tasks []*model.Task, now time.Time) (string, error) {
	data, err := json.MarshalIndent(Standby(pool, tasks, now), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}
	return string(data), nil
}
