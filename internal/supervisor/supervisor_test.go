package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wationgarbarad/ouroboros/internal/config"
	"github.com/wationgarbarad/ouroboros/internal/dispatcher"
	"github.com/wationgarbarad/ouroboros/internal/model"
	"github.com/wationgarbarad/ouroboros/internal/msgbus"
	"github.com/wationgarbarad/ouroboros/internal/providers"
	"github.com/wationgarbarad/ouroboros/internal/reposvc"
	"github.com/wationgarbarad/ouroboros/internal/statestore"
	"github.com/wationgarbarad/ouroboros/internal/workerpool"
)

// stubProc satisfies workerpool.Proc without any OS process.
type stubProc struct{ alive bool }

func (p *stubProc) PID() int                 { return 4242 }
func (p *stubProc) Alive() bool              { return p.alive }
func (p *stubProc) Assign(*model.Task) error { return nil }
func (p *stubProc) Kill(bool)                { p.alive = false }

// chatProvider answers every chat turn with a fixed final message.
type chatProvider struct{ reply string }

func (p *chatProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return &providers.ChatResponse{
		Content: p.reply,
		Usage:   &providers.Usage{PromptTokens: 7, CompletionTokens: 3},
	}, nil
}
func (p *chatProvider) DefaultModel() string { return "chat-model" }
func (p *chatProvider) Name() string         { return "fake" }

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()

	cfg := config.Default()
	cfg.Store.DataDir = t.TempDir()
	cfg.Repo.Path = filepath.Join(t.TempDir(), "tree")
	cfg.Safety.Enabled = false
	cfg.Models.Default = "fake/chat-model"
	cfg.Budget.TotalLimitUSD = 10

	store, err := statestore.New(statestore.Options{DataDir: cfg.DataDir()})
	if err != nil {
		t.Fatal(err)
	}

	s, err := New(Options{
		Config: cfg,
		Store:  store,
		Repo:   reposvc.New(cfg.RepoPath(), "stable", "dev", "rescue/"),
		Bus:    msgbus.New(msgbus.Options{}),
		Spawn: func(id string, deliver func(model.Event), onReady func()) (workerpool.Proc, error) {
			return &stubProc{alive: true}, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Substitute the LLM registry and wire the dispatcher state without
	// booting the repo (git-dependent paths are covered in reposvc tests).
	reg := providers.NewRegistry()
	reg.Register(&chatProvider{reply: "hi owner"})
	s.providers = reg

	st, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	st.TotalBudgetLimit = cfg.Budget.TotalLimitUSD
	s.state = st
	s.router = dispatcher.NewRouter(dispatcher.Deps{
		Store:       store,
		State:       s.state,
		Queue:       s.queue,
		Bus:         s.bus,
		Hub:         s.hub,
		OnHeartbeat: s.pool.Heartbeat,
	})
	return s
}

func readChatLog(t *testing.T, s *Supervisor) []model.ChatMessage {
	t.Helper()
	f, err := os.Open(s.store.LogPath("chat"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatal(err)
	}
	defer f.Close()
	var out []model.ChatMessage
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var msg model.ChatMessage
		if json.Unmarshal(scanner.Bytes(), &msg) == nil {
			out = append(out, msg)
		}
	}
	return out
}

func drainUntil(t *testing.T, s *Supervisor, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		s.drainEvents()
		s.mu.Unlock()
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

// TestSupervisor_HelloClaimsOwnerAndReplies mirrors scenario S1: an empty
// state receives "hello"; the owner ids are claimed, the chat agent runs
// one LLM turn, and chat.jsonl holds one in and one out record.
func TestSupervisor_HelloClaimsOwnerAndReplies(t *testing.T) {
	s := newTestSupervisor(t)

	s.handleInbound(context.Background(), &msgbus.UpdateMessage{
		Chat: msgbus.UpdatePeer{ID: "1"},
		From: msgbus.UpdatePeer{ID: "1"},
		Text: "hello",
	})

	if s.state.OwnerID != "1" || s.state.OwnerChatID != "1" {
		t.Fatalf("owner not claimed: id=%q chat=%q", s.state.OwnerID, s.state.OwnerChatID)
	}

	// The typing action precedes the reply in the outbox; skip to the text.
	var reply msgbus.Outbound
	drainUntil(t, s, func() bool {
		out, ok := s.bus.UIReceive(10 * time.Millisecond)
		if ok && out.Type == "text" {
			reply = out
			return true
		}
		return false
	})
	if reply.Content != "hi owner" {
		t.Errorf("reply = %q", reply.Content)
	}

	log := readChatLog(t, s)
	var ins, outs int
	for _, m := range log {
		switch m.Direction {
		case "in":
			ins++
		case "out":
			outs++
		}
	}
	if ins != 1 || outs != 1 {
		t.Errorf("chat.jsonl in/out = %d/%d, want 1/1", ins, outs)
	}
}

// TestSupervisor_OwnerNeverOverwritten checks the spec §3 invariant: owner
// ids are set on the first inbound message and never overwritten.
func TestSupervisor_OwnerNeverOverwritten(t *testing.T) {
	s := newTestSupervisor(t)
	s.state.OwnerID = "original"
	s.state.OwnerChatID = "original"

	s.handleInbound(context.Background(), &msgbus.UpdateMessage{
		Chat: msgbus.UpdatePeer{ID: "2"},
		From: msgbus.UpdatePeer{ID: "2"},
		Text: "/status",
	})
	if s.state.OwnerID != "original" {
		t.Errorf("owner overwritten to %q", s.state.OwnerID)
	}
}

func TestSupervisor_StatusCommand(t *testing.T) {
	s := newTestSupervisor(t)
	s.handleInbound(context.Background(), &msgbus.UpdateMessage{
		Chat: msgbus.UpdatePeer{ID: "1"}, From: msgbus.UpdatePeer{ID: "1"}, Text: "/status",
	})

	out, ok := s.bus.UIReceive(time.Second)
	if !ok {
		t.Fatal("no status reply")
	}
	for _, want := range []string{"Workers:", "Queue:", "Budget:", "Branch:"} {
		if !strings.Contains(out.Content, want) {
			t.Errorf("status missing %q: %s", want, out.Content)
		}
	}
}

func TestSupervisor_ReviewCommandEnqueues(t *testing.T) {
	s := newTestSupervisor(t)
	s.handleInbound(context.Background(), &msgbus.UpdateMessage{
		Chat: msgbus.UpdatePeer{ID: "1"}, From: msgbus.UpdatePeer{ID: "1"}, Text: "/review",
	})

	var sawReview bool
	for _, task := range s.queue.Pending() {
		if task.Type == model.TaskReview {
			sawReview = true
		}
	}
	if !sawReview {
		t.Error("no review task pending after /review")
	}
}

func TestSupervisor_EvolveOffDropsQueuedEvolutionTasks(t *testing.T) {
	s := newTestSupervisor(t)
	s.state.EvolutionModeEnabled = true
	s.queue.Enqueue(&model.Task{ID: "evo", Type: model.TaskEvolution, Instruction: "x"})
	s.queue.Enqueue(&model.Task{ID: "user", Type: model.TaskUserRequest, Instruction: "y"})

	s.handleInbound(context.Background(), &msgbus.UpdateMessage{
		Chat: msgbus.UpdatePeer{ID: "1"}, From: msgbus.UpdatePeer{ID: "1"}, Text: "/evolve off",
	})

	if s.state.EvolutionModeEnabled {
		t.Error("evolution mode still enabled")
	}
	for _, task := range s.queue.Pending() {
		if task.Type == model.TaskEvolution {
			t.Error("queued evolution task survived /evolve off")
		}
	}
	if len(s.queue.Pending()) != 1 {
		t.Errorf("unrelated pending tasks disturbed: %d", len(s.queue.Pending()))
	}
}

// TestSupervisor_PanicRestart mirrors scenario S2's supervisor half: panic
// kills workers, fails the running task with reason panic, and raises the
// restart flag.
func TestSupervisor_PanicRestart(t *testing.T) {
	s := newTestSupervisor(t)
	if err := s.pool.Spawn(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	task := &model.Task{ID: "long", Type: model.TaskUserRequest, Instruction: "sleep"}
	s.queue.Enqueue(task)
	s.pool.Assign(s.queue)
	if len(s.queue.Running()) != 1 {
		t.Fatal("task not running")
	}
	oldSession := s.state.SessionID

	s.requestRestart(context.Background(), "panic", true)

	if !s.RestartRequested() {
		t.Fatal("restart flag not raised")
	}
	if s.pool.AliveCount() != 0 {
		t.Error("workers survived panic")
	}
	if task.Status != model.TaskFailed || task.Result == nil || task.Result.Reason != "panic" {
		t.Errorf("running task = %v/%+v, want failed(panic)", task.Status, task.Result)
	}
	if s.state.SessionID == oldSession {
		t.Error("session id must rotate on restart")
	}

	// Queue snapshot must exist after the protocol ran.
	if _, err := os.Stat(s.snapshotPath); err != nil {
		t.Errorf("queue snapshot missing: %v", err)
	}
}

func TestSupervisor_TickOrderCompletionBeatsTimeout(t *testing.T) {
	s := newTestSupervisor(t)
	if err := s.pool.Spawn(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	// A running task whose soft and hard timeouts have both long expired…
	task := &model.Task{ID: "both", Type: model.TaskUserRequest, SoftTimeoutSec: 1, HardTimeoutSec: 2}
	s.queue.Enqueue(task)
	s.queue.PopNextPending()
	s.queue.MarkRunning(task)
	started := time.Now().UTC().Add(-time.Minute)
	task.StartedAt = &started

	// …but a completion event already sits in the channel. The tick drains
	// events before enforcing timeouts (spec §5 ordering), so the task is
	// observed as completed, not timed out.
	s.emit(model.NewEvent(model.EventTaskComplete, "both", model.TaskTerminalPayload{}))

	s.mu.Lock()
	s.drainEvents()
	actions := s.queue.EnforceTimeouts(time.Now().UTC())
	s.mu.Unlock()

	if task.Status != model.TaskComplete {
		t.Errorf("status = %v, want complete", task.Status)
	}
	if len(actions) != 0 {
		t.Errorf("timeout actions on a completed task: %+v", actions)
	}
}
