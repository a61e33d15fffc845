package model

import "time"

// WorkerState is a WorkerRecord's lifecycle state.
type WorkerState string

const (
	WorkerIdle WorkerState = "idle"
	WorkerBusy WorkerState = "busy"
	WorkerDead WorkerState = "dead"
)

// WorkerRecord tracks one spawned worker process (spec §3).
type WorkerRecord struct {
	ID             string      `json:"id"`
	PID            int         `json:"pid"`
	State          WorkerState `json:"state"`
	LastHeartbeat  time.Time   `json:"last_heartbeat"`
	AssignedTaskID string      `json:"assigned_task_id,omitempty"`
	CrashCount     int         `json:"crash_count"`
	SpawnedAt      time.Time   `json:"spawned_at"`
}

// IsAlive reports whether the record still represents a live process.
func (w *WorkerRecord) IsAlive() bool { return w.State != WorkerDead }
