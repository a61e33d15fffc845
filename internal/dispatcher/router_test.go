package dispatcher

import (
	"bufio"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/wationgarbarad/ouroboros/internal/model"
	"github.com/wationgarbarad/ouroboros/internal/msgbus"
	"github.com/wationgarbarad/ouroboros/internal/statestore"
	"github.com/wationgarbarad/ouroboros/internal/taskqueue"
)

type routerFixture struct {
	router *Router
	store  *statestore.Store
	state  *model.State
	queue  *taskqueue.Queue
	bus    *msgbus.Bus

	restarts []model.RestartRequestPayload
	beats    []string
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	store, err := statestore.New(statestore.Options{DataDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	f := &routerFixture{
		store: store,
		state: &model.State{SessionID: "s", TotalBudgetLimit: 10.0, OwnerChatID: "1"},
		queue: taskqueue.New(3),
		bus:   msgbus.New(msgbus.Options{}),
	}
	f.router = NewRouter(Deps{
		Store:            store,
		State:            f.state,
		Queue:            f.queue,
		Bus:              f.bus,
		Hub:              NewHub(),
		ReviewAfterTasks: map[model.TaskType]bool{model.TaskEvolution: true},
		OnHeartbeat:      func(id string) { f.beats = append(f.beats, id) },
		OnRestartRequest: func(reason string, panic bool) {
			f.restarts = append(f.restarts, model.RestartRequestPayload{Reason: reason, Panic: panic})
		},
	})
	return f
}

func readJSONL(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatal(err)
	}
	defer f.Close()
	var out []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("bad JSONL line: %v", err)
		}
		out = append(out, rec)
	}
	return out
}

func TestRouter_LLMUsageUpdatesBudget(t *testing.T) {
	f := newRouterFixture(t)
	cost := 0.25
	f.router.Dispatch(model.NewEvent(model.EventLLMUsage, "t1", model.LLMUsagePayload{ReportedCostUSD: &cost}))

	if f.state.SpentUSD != 0.25 {
		t.Errorf("spent = %v, want 0.25", f.state.SpentUSD)
	}
	if recs := readJSONL(t, f.store.LogPath("events")); len(recs) != 1 {
		t.Errorf("events.jsonl records = %d, want 1", len(recs))
	}
}

// TestRouter_BudgetCrossingNotifiesOwnerOnce mirrors the notification half
// of scenario S3.
func TestRouter_BudgetCrossingNotifiesOwnerOnce(t *testing.T) {
	f := newRouterFixture(t)
	f.state.SpentUSD = 9.99

	cost := 0.05
	f.router.Dispatch(model.NewEvent(model.EventLLMUsage, "t1", model.LLMUsagePayload{ReportedCostUSD: &cost}))

	out, ok := f.bus.UIReceive(time.Second)
	if !ok {
		t.Fatal("expected a budget-exceeded message to the owner")
	}
	if out.Content == "" {
		t.Error("empty budget message")
	}

	// Second usage event after the crossing: no second notification.
	f.router.Dispatch(model.NewEvent(model.EventLLMUsage, "t1", model.LLMUsagePayload{ReportedCostUSD: &cost}))
	if _, ok := f.bus.UIReceive(50 * time.Millisecond); ok {
		t.Error("crossing notification must be one-shot")
	}
}

func TestRouter_ToolCallAppendsToToolsLog(t *testing.T) {
	f := newRouterFixture(t)
	f.router.Dispatch(model.NewEvent(model.EventToolCall, "t1", model.ToolCallPayload{Name: "run_shell"}))
	f.router.Dispatch(model.NewEvent(model.EventSafetyVerdict, "t1", model.ToolCallPayload{Name: "run_shell", SafeVerdict: "SAFE"}))

	recs := readJSONL(t, f.store.LogPath("tools"))
	if len(recs) != 2 {
		t.Fatalf("tools.jsonl records = %d, want 2 (gate decision + call)", len(recs))
	}
}

func TestRouter_ChatOutReachesBusAndLog(t *testing.T) {
	f := newRouterFixture(t)
	f.router.Dispatch(model.NewEvent(model.EventChatOut, "t1", model.ChatOutPayload{ChatID: "1", Text: "done"}))

	out, ok := f.bus.UIReceive(time.Second)
	if !ok || out.Content != "done" {
		t.Fatalf("outbox = %+v ok=%v", out, ok)
	}
	recs := readJSONL(t, f.store.LogPath("chat"))
	if len(recs) != 1 {
		t.Fatalf("chat.jsonl records = %d, want 1", len(recs))
	}
	if recs[0]["direction"] != "out" {
		t.Errorf("direction = %v, want out", recs[0]["direction"])
	}
}

func TestRouter_TaskCompleteRemovesFromRunningAndQueuesReview(t *testing.T) {
	f := newRouterFixture(t)
	task := &model.Task{ID: "evo1", Type: model.TaskEvolution, Instruction: "improve"}
	f.queue.Enqueue(task)
	f.queue.PopNextPending()
	f.queue.MarkRunning(task)

	f.router.Dispatch(model.NewEvent(model.EventTaskComplete, "evo1", model.TaskTerminalPayload{}))

	if len(f.queue.Running()) != 0 {
		t.Error("completed task still running")
	}
	var sawReview bool
	for _, p := range f.queue.Pending() {
		if p.Type == model.TaskReview {
			sawReview = true
		}
	}
	if !sawReview {
		t.Error("expected a follow-up review task after an evolution task")
	}
}

func TestRouter_TaskFailedNotifiesOwner(t *testing.T) {
	f := newRouterFixture(t)
	task := &model.Task{ID: "t9", Type: model.TaskUserRequest, Instruction: "x"}
	f.queue.Enqueue(task)
	f.queue.PopNextPending()
	f.queue.MarkRunning(task)

	f.router.Dispatch(model.NewEvent(model.EventTaskFailed, "t9", model.TaskTerminalPayload{Reason: "worker_died"}))
	out, ok := f.bus.UIReceive(time.Second)
	if !ok {
		t.Fatal("expected a failure notification")
	}
	if out.Content == "" {
		t.Error("empty failure message")
	}
}

func TestRouter_RestartRequestInvokesProtocol(t *testing.T) {
	f := newRouterFixture(t)
	f.router.Dispatch(model.NewEvent(model.EventRestartRequest, "t1", model.RestartRequestPayload{Reason: "self_update", Panic: false}))
	if len(f.restarts) != 1 || f.restarts[0].Reason != "self_update" {
		t.Fatalf("restarts = %+v", f.restarts)
	}
}

func TestRouter_HeartbeatRefreshesPool(t *testing.T) {
	f := newRouterFixture(t)
	ev := model.NewEvent(model.EventHeartbeat, "", nil)
	ev.WorkerID = "w1"
	f.router.Dispatch(ev)
	if len(f.beats) != 1 || f.beats[0] != "w1" {
		t.Fatalf("beats = %v", f.beats)
	}
}

// TestRouter_MapPayloadFromWorkerPipe checks the JSON round-trip path: a
// worker-process event arrives with a map payload, not a typed struct.
func TestRouter_MapPayloadFromWorkerPipe(t *testing.T) {
	f := newRouterFixture(t)
	f.router.Dispatch(model.Event{
		Kind:      model.EventLLMUsage,
		TaskID:    "t1",
		Timestamp: time.Now().UTC(),
		Payload:   map[string]interface{}{"reported_cost_usd": 0.5},
	})
	if f.state.SpentUSD != 0.5 {
		t.Errorf("spent = %v, want 0.5 from map payload", f.state.SpentUSD)
	}
}

func TestHub_PublishReachesSubscribers(t *testing.T) {
	h := NewHub()
	var got []string
	h.Subscribe("a", func(e Event) { got = append(got, "a:"+e.Name) })
	h.Subscribe("b", func(e Event) { got = append(got, "b:"+e.Name) })

	h.Publish(Event{Name: "tick"})
	if len(got) != 2 {
		t.Fatalf("deliveries = %d, want 2", len(got))
	}

	h.Unsubscribe("a")
	got = nil
	h.Publish(Event{Name: "tock"})
	if len(got) != 1 || got[0] != "b:tock" {
		t.Errorf("after unsubscribe: %v", got)
	}
}
