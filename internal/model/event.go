package model

import "time"

// EventKind enumerates the tagged records the Event Dispatcher routes
// (spec §3, §4.5).
type EventKind string

const (
	EventLLMUsage       EventKind = "llm_usage"
	EventToolCall       EventKind = "tool_call"
	EventProgress       EventKind = "progress"
	EventChatOut        EventKind = "chat_out"
	EventTaskComplete   EventKind = "task_complete"
	EventTaskFailed     EventKind = "task_failed"
	EventRestartRequest EventKind = "restart_request"
	EventLog            EventKind = "log"
	EventHeartbeat      EventKind = "heartbeat"
	EventTaskCancelled  EventKind = "task_cancelled"
	EventSafetyVerdict  EventKind = "safety_verdict"
)

// Event is a single occurrence produced by a worker or UI poller and
// consumed single-threaded by the Event Dispatcher.
type Event struct {
	Kind      EventKind   `json:"kind"`
	TaskID    string      `json:"task_id,omitempty"`
	WorkerID  string      `json:"worker_id,omitempty"`
	Timestamp time.Time   `json:"ts"`
	Payload   interface{} `json:"payload,omitempty"`
}

// NewEvent stamps a UTC timestamp and returns a ready-to-publish Event.
func NewEvent(kind EventKind, taskID string, payload interface{}) Event {
	return Event{Kind: kind, TaskID: taskID, Timestamp: time.Now().UTC(), Payload: payload}
}

// LLMUsagePayload is the payload of an EventLLMUsage event.
type LLMUsagePayload struct {
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	CachedTokens     int      `json:"cached_tokens"`
	Model            string   `json:"model"`
	ReportedCostUSD  *float64 `json:"reported_cost_usd,omitempty"`
}

// ToolCallPayload is the payload of an EventToolCall event.
type ToolCallPayload struct {
	Name        string `json:"name"`
	ArgsJSON    string `json:"args_json"`
	SafeVerdict string `json:"safety_verdict,omitempty"` // "SAFE", "SUSPICIOUS", "DANGEROUS", ""
	IsError     bool   `json:"is_error"`
	DurationMS  int64  `json:"duration_ms"`
}

// ProgressPayload is the payload of an EventProgress event.
type ProgressPayload struct {
	Summary string `json:"summary"`
}

// ChatOutPayload is the payload of an EventChatOut event.
type ChatOutPayload struct {
	ChatID   string `json:"chat_id"`
	Text     string `json:"text"`
	Markdown bool   `json:"markdown"`
}

// TaskTerminalPayload is the payload of EventTaskComplete/EventTaskFailed.
type TaskTerminalPayload struct {
	Reason string `json:"reason,omitempty"`
}

// RestartRequestPayload is the payload of an EventRestartRequest event.
type RestartRequestPayload struct {
	Reason string `json:"reason"`
	Panic  bool   `json:"panic"`
}

// QueueSnapshot is the durable, atomically-written copy of the pending
// task list (spec §3 QueueSnapshot).
type QueueSnapshot struct {
	Pending []*Task   `json:"pending"`
	SavedAt time.Time `json:"saved_at"`
}

// ChatMessage is one line of the rotating chat.jsonl append log.
type ChatMessage struct {
	Direction string    `json:"direction"` // "in" or "out"
	ChatID    string    `json:"chat_id"`
	UserID    string    `json:"user_id,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"ts"`
}
