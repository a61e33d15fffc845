package protocol

import "github.com/wationgarbarad/ouroboros/internal/model"

// Worker process wire protocol: the supervisor writes one AssignmentFrame
// JSON line per task on the worker's stdin pipe; the worker writes
// WorkerFrame JSON lines on its stdout pipe (events while running, plus a
// final ready marker between tasks).

// AssignmentFrame is a supervisor→worker message.
type AssignmentFrame struct {
	Type string      `json:"type"` // "task", "shutdown"
	Task *model.Task `json:"task,omitempty"`
}

const (
	AssignTask     = "task"
	AssignShutdown = "shutdown"
)

// WorkerFrame is a worker→supervisor message.
type WorkerFrame struct {
	Type  string       `json:"type"` // "event", "ready"
	Event *model.Event `json:"event,omitempty"`
}

const (
	FrameEvent = "event"
	FrameReady = "ready"
)
