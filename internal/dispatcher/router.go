package dispatcher

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/wationgarbarad/ouroboros/internal/model"
	"github.com/wationgarbarad/ouroboros/internal/msgbus"
	"github.com/wationgarbarad/ouroboros/internal/statestore"
	"github.com/wationgarbarad/ouroboros/internal/taskqueue"
	"github.com/wationgarbarad/ouroboros/pkg/protocol"
)

// Deps holds the collaborators the Router folds events into. State is the
// supervisor-owned document; the Router mutates it on the supervisor's
// dispatch thread and persists through Store.
type Deps struct {
	Store *statestore.Store
	State *model.State
	Queue *taskqueue.Queue
	Bus   *msgbus.Bus
	Hub   Publisher

	// ReviewAfterTasks queues a follow-up review task when a task of these
	// types completes.
	ReviewAfterTasks map[model.TaskType]bool

	// OnHeartbeat lets the Worker Pool refresh its liveness record without
	// the Router importing the pool package.
	OnHeartbeat func(workerID string)

	// OnRestartRequest invokes the Restart Protocol (spec §4.7).
	OnRestartRequest func(reason string, panic bool)
}

// Router is the Event Dispatcher (spec §4.5): it consumes events from the
// shared channel and dispatches by kind. Dispatch runs single-threaded on
// the supervisor loop; every handler is best-effort and non-blocking.
type Router struct {
	deps Deps
}

// NewRouter creates a Router over deps.
func NewRouter(deps Deps) *Router {
	return &Router{deps: deps}
}

// Dispatch routes one event. Errors are logged, never returned — a bad
// event must not take down the supervisor tick.
func (r *Router) Dispatch(ev model.Event) {
	switch ev.Kind {
	case model.EventLLMUsage:
		r.onUsage(ev)
	case model.EventToolCall, model.EventSafetyVerdict:
		r.appendLog("tools", ev)
	case model.EventProgress:
		r.onProgress(ev)
	case model.EventChatOut:
		r.onChatOut(ev)
	case model.EventTaskComplete:
		r.onTaskTerminal(ev, model.TaskComplete)
	case model.EventTaskFailed:
		r.onTaskTerminal(ev, model.TaskFailed)
	case model.EventTaskCancelled:
		r.onTaskTerminal(ev, model.TaskCancelled)
	case model.EventRestartRequest:
		var p model.RestartRequestPayload
		decodePayload(ev.Payload, &p)
		if r.deps.OnRestartRequest != nil {
			r.deps.OnRestartRequest(p.Reason, p.Panic)
		}
	case model.EventHeartbeat:
		if r.deps.OnHeartbeat != nil {
			r.deps.OnHeartbeat(ev.WorkerID)
		}
	case model.EventLog:
		r.appendLog("events", ev)
	default:
		slog.Debug("dispatcher.unknown_event", "kind", ev.Kind)
	}
}

func (r *Router) onUsage(ev model.Event) {
	var usage model.LLMUsagePayload
	decodePayload(ev.Payload, &usage)

	newSpent, justCrossed := r.deps.Store.UpdateBudget(r.deps.State, usage)
	if err := r.deps.Store.Save(r.deps.State); err != nil {
		slog.Error("dispatcher.budget_save_failed", "error", err)
	}
	r.appendLog("events", ev)

	r.publish(protocol.EventBudgetUpdated, map[string]interface{}{
		"spent_usd": newSpent,
		"limit_usd": r.deps.State.TotalBudgetLimit,
	})

	if justCrossed {
		r.notifyOwner(fmt.Sprintf("⚠️ Budget exceeded: $%.4f / $%.2f spent. New LLM calls will be refused.",
			newSpent, r.deps.State.TotalBudgetLimit))
		r.publish(protocol.EventBudgetExhausted, map[string]interface{}{"spent_usd": newSpent})
	}
}

func (r *Router) onProgress(ev model.Event) {
	var p model.ProgressPayload
	decodePayload(ev.Payload, &p)
	r.appendLog("progress", ev)
	if p.Summary != "" {
		r.notifyOwner("⏳ " + p.Summary)
	}
}

func (r *Router) onChatOut(ev model.Event) {
	var p model.ChatOutPayload
	decodePayload(ev.Payload, &p)
	chatID := p.ChatID
	if chatID == "" {
		chatID = r.deps.State.OwnerChatID
	}
	if r.deps.Bus != nil && p.Text != "" {
		r.deps.Bus.Send(chatID, p.Text, p.Markdown)
	}
	r.logChat("out", chatID, p.Text)
	r.publish(protocol.EventChat, map[string]interface{}{"chat_id": chatID, "text": p.Text})
}

func (r *Router) onTaskTerminal(ev model.Event, status model.TaskStatus) {
	var p model.TaskTerminalPayload
	decodePayload(ev.Payload, &p)

	task := r.deps.Queue.CompleteTask(ev.TaskID, status, &model.TaskResult{
		Reason:     p.Reason,
		FinishedAt: ev.Timestamp,
	})
	r.appendLog("events", ev)

	name := protocol.EventTaskCompleted
	switch status {
	case model.TaskFailed:
		name = protocol.EventTaskFailed
	case model.TaskCancelled:
		name = protocol.EventTaskCancelled
	}
	r.publish(name, map[string]interface{}{"task_id": ev.TaskID, "reason": p.Reason})

	if task == nil {
		return
	}
	if status == model.TaskFailed && p.Reason != "" {
		r.notifyOwner(fmt.Sprintf("⚠️ Task %s failed: %s", shortID(task.ID), p.Reason))
	}
	if status == model.TaskComplete && r.deps.ReviewAfterTasks[task.Type] {
		r.deps.Queue.QueueReviewTask("post:"+string(task.Type)+":"+task.ID, false)
	}
}

func (r *Router) appendLog(kind string, ev model.Event) {
	if err := r.deps.Store.AppendJSONL(kind, ev); err != nil {
		slog.Error("dispatcher.append_failed", "kind", kind, "error", err)
	}
}

func (r *Router) logChat(direction, chatID, text string) {
	if text == "" {
		return
	}
	msg := model.ChatMessage{Direction: direction, ChatID: chatID, Text: text, Timestamp: time.Now().UTC()}
	if err := r.deps.Store.AppendJSONL("chat", msg); err != nil {
		slog.Error("dispatcher.chat_log_failed", "error", err)
	}
}

// notifyOwner sends text to the owner chat, if one has claimed the agent.
func (r *Router) notifyOwner(text string) {
	if r.deps.Bus == nil || r.deps.State.OwnerChatID == "" {
		return
	}
	r.deps.Bus.Send(r.deps.State.OwnerChatID, text, false)
}

func (r *Router) publish(name string, payload interface{}) {
	if r.deps.Hub != nil {
		r.deps.Hub.Publish(Event{Name: name, Payload: payload})
	}
}

// decodePayload coerces an event payload into dst. Payloads arrive either
// as typed structs (in-process emitters) or as map[string]interface{}
// (worker processes over the JSON-lines pipe), so a marshal round-trip
// handles both.
func decodePayload(payload interface{}, dst interface{}) {
	if payload == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	json.Unmarshal(raw, dst)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
