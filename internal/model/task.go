// Package model holds the plain, JSON-tagged data types shared by the
// supervisor's components: tasks, workers, the persisted State document,
// events, queue snapshots and chat messages (spec §3).
package model

import "time"

// TaskType names the five task origins defined in spec §3.
type TaskType string

const (
	TaskUserRequest   TaskType = "user_request"
	TaskReview        TaskType = "review"
	TaskEvolution     TaskType = "evolution"
	TaskConsciousness TaskType = "consciousness"
	TaskScheduled     TaskType = "scheduled"
)

func (t TaskType) String() string { return string(t) }

// TaskStatus is a task's lifecycle state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskComplete  TaskStatus = "complete"
	TaskFailed    TaskStatus = "failed"
	TaskTimedOut  TaskStatus = "timed_out"
	TaskCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) String() string { return string(s) }

// Task is the unit of work scheduled onto the Worker Pool.
type Task struct {
	ID          string     `json:"id"`
	Type        TaskType   `json:"type"`
	Instruction string     `json:"instruction"`
	Priority    int        `json:"priority"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`

	SoftTimeoutSec int `json:"soft_timeout_sec"`
	HardTimeoutSec int `json:"hard_timeout_sec"`

	ParentTaskID string `json:"parent_task_id,omitempty"`
	Depth        int    `json:"depth"`

	ChatID string `json:"chat_id,omitempty"`

	Status TaskStatus  `json:"status"`
	Result *TaskResult `json:"result,omitempty"`

	// CronExpr carries the schedule for TaskScheduled tasks (gronx-validated).
	CronExpr string `json:"cron_expr,omitempty"`

	// LastFiredAt marks the last minute a scheduled template spawned its
	// one-shot clone, so a due expression fires once per match.
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`

	// cancelRequested is set by Queue.Cancel on a running task. It lives
	// only on the supervisor's copy of the task: it is not serialised and
	// not sent to the worker process, so the worker's Agent Loop does not
	// observe it and a running task continues to completion or timeout.
	cancelRequested bool
}

// TaskResult is the opaque outcome slot written on terminal transition.
type TaskResult struct {
	Content    string    `json:"content,omitempty"`
	Reason     string    `json:"reason,omitempty"` // "budget", "worker_died", "panic", ...
	Error      string    `json:"error,omitempty"`
	Iterations int       `json:"iterations,omitempty"`
	CostUSD    float64   `json:"cost_usd,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// RequestCancel sets the task's cancel flag. The flag is a plain field with
// no synchronisation; callers hold the supervisor's lock.
func (t *Task) RequestCancel() { t.cancelRequested = true }

// CancelRequested reports whether RequestCancel was called.
func (t *Task) CancelRequested() bool { return t.cancelRequested }

// IsTerminal reports whether Status is one of the four terminal states.
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case TaskComplete, TaskFailed, TaskTimedOut, TaskCancelled:
		return true
	default:
		return false
	}
}
