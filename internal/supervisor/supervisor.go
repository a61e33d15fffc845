// Package supervisor implements the Agent Supervisor main loop (spec §4.7):
// the single-threaded control plane that owns the Task Queue and Worker
// Pool, drains the event channel into the Event Dispatcher, enforces
// timeouts and the evolution trigger, snapshots the queue, and processes
// inbound messages — control commands inline, chat to the resident chat
// agent, everything else enqueued as tasks.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/wationgarbarad/ouroboros/internal/agentloop"
	"github.com/wationgarbarad/ouroboros/internal/config"
	"github.com/wationgarbarad/ouroboros/internal/consciousness"
	"github.com/wationgarbarad/ouroboros/internal/dispatcher"
	"github.com/wationgarbarad/ouroboros/internal/mcp"
	"github.com/wationgarbarad/ouroboros/internal/model"
	"github.com/wationgarbarad/ouroboros/internal/msgbus"
	"github.com/wationgarbarad/ouroboros/internal/providers"
	"github.com/wationgarbarad/ouroboros/internal/reposvc"
	"github.com/wationgarbarad/ouroboros/internal/safety"
	"github.com/wationgarbarad/ouroboros/internal/statestore"
	"github.com/wationgarbarad/ouroboros/internal/taskqueue"
	"github.com/wationgarbarad/ouroboros/internal/tools"
	"github.com/wationgarbarad/ouroboros/internal/workerpool"
)

// maxLoopCrashes is the consecutive-crash ceiling for the supervisor loop
// itself (spec §4.7). This is deliberately layered above the worker pool's
// rolling crash window: the pool ceiling trips on worker-process deaths,
// this one on exceptions inside the supervisor tick — see DESIGN.md.
const maxLoopCrashes = 3

// Supervisor wires every component and runs the main loop.
type Supervisor struct {
	cfg   *config.Config
	store *statestore.Store
	repo  *reposvc.Manager
	queue *taskqueue.Queue
	pool  *workerpool.Pool
	bus   *msgbus.Bus
	hub   *dispatcher.Hub

	providers *providers.Registry
	gate      *safety.Gate
	registry  *tools.Registry
	policy    *tools.PolicyEngine
	chat      *workerpool.ChatAgent
	conscious *consciousness.Driver
	router    *dispatcher.Router
	mcp       *mcp.Manager

	// mu guards state/queue/pool against the gateway's API reads, which
	// arrive on HTTP goroutines while the tick runs.
	mu    sync.Mutex
	state *model.State

	// events carries in-process emissions (chat agent, safety gate) into
	// the same drain the worker pool feeds.
	events chan model.Event

	snapshotPath string
	configPath   string
	startedAt    time.Time
	updateOffset int
	extraSink    statestore.SinkFunc

	restartMu        sync.Mutex
	restartRequested bool
	restartReason    string

	// pendingRestart defers a dispatcher-raised restart_request until the
	// tick releases mu (requestRestart takes mu itself).
	pendingMu      sync.Mutex
	pendingRestart *restartRequest

	crashCount int
}

// Options carries the pre-built collaborators New wires together. Spawn is
// optional; when nil the pool re-execs this binary's worker subcommand.
type Options struct {
	Config *config.Config
	Store  *statestore.Store
	Repo   *reposvc.Manager
	Bus    *msgbus.Bus
	Hub    *dispatcher.Hub
	Spawn  workerpool.SpawnFunc

	// ExtraSink is chained after the Message Bus on the append-log stream
	// (the Event Mirror registers here).
	ExtraSink statestore.SinkFunc

	// ConfigPath is where SettingsSet persists the updated settings.json.
	// Defaults to <dataDir>/settings.json.
	ConfigPath string
}

// New builds a Supervisor. Call Run to boot and tick.
func New(opts Options) (*Supervisor, error) {
	cfg := opts.Config
	if cfg == nil || opts.Store == nil || opts.Repo == nil || opts.Bus == nil {
		return nil, fmt.Errorf("supervisor: config, store, repo and bus are required")
	}
	if opts.Hub == nil {
		opts.Hub = dispatcher.NewHub()
	}

	s := &Supervisor{
		cfg:          cfg,
		store:        opts.Store,
		repo:         opts.Repo,
		bus:          opts.Bus,
		hub:          opts.Hub,
		queue:        taskqueue.New(cfg.Workers.MaxForkDepth),
		events:       make(chan model.Event, 256),
		snapshotPath: filepath.Join(cfg.DataDir(), "queue.json"),
		startedAt:    time.Now().UTC(),
		extraSink:    opts.ExtraSink,
		configPath:   opts.ConfigPath,
	}

	s.providers = providers.BuildRegistry(cfg)
	s.registry = tools.BuiltinRegistry(cfg.RepoPath())
	s.policy = tools.NewPolicyEngine(&cfg.Tools)
	if cfg.Safety.Enabled {
		s.gate = safety.NewGate(cfg, s.providers, s.emit)
	}

	if dir := cfg.Tools.PluginDir; dir != "" {
		loader := tools.NewPluginLoader(config.ExpandHome(dir), s.registry)
		if n := loader.Scan(); n > 0 {
			slog.Info("supervisor.plugins_loaded", "count", n)
		}
		if err := loader.Watch(context.Background()); err != nil {
			slog.Warn("supervisor.plugin_watch_unavailable", "error", err)
		}
	}

	// External MCP servers contribute tool records to the same registry.
	if len(cfg.Tools.McpServers) > 0 {
		s.mcp = mcp.NewManager(s.registry, cfg.Tools.McpServers)
		if err := s.mcp.Start(context.Background()); err != nil {
			slog.Warn("supervisor.mcp_start_partial", "error", err)
		}
	}

	spawn := opts.Spawn
	if spawn == nil {
		spawn = workerpool.ExecSpawner()
	}
	s.pool = workerpool.New(workerpool.Options{
		MaxWorkers:       cfg.Workers.PoolSize,
		HeartbeatEvery:   parseDuration(cfg.Workers.HeartbeatEvery, 30*time.Second),
		HeartbeatTimeout: parseDuration(cfg.Workers.HeartbeatTimeout, 60*time.Second),
		MaxCrashes:       cfg.Workers.MaxCrashes,
		CrashWindow:      parseDuration(cfg.Workers.CrashWindow, 120*time.Second),
		SpawnRatePerSec:  cfg.Workers.SpawnRatePerSec,
		Spawn:            spawn,
	})

	s.chat = workerpool.NewChatAgent(s.newChatLoop)
	s.conscious = consciousness.New(consciousness.Options{
		WakeupMin:      parseDuration(cfg.Background.WakeupMin, time.Minute),
		WakeupMax:      parseDuration(cfg.Background.WakeupMax, time.Hour),
		MaxRoundsAwake: cfg.Background.MaxRounds,
		Enqueue:        s.enqueueFromBackground,
	})
	s.chat.OnBusy = s.conscious.Pause
	s.chat.OnIdle = s.conscious.Resume

	return s, nil
}

// Hub exposes the WS event hub for the gateway.
func (s *Supervisor) Hub() *dispatcher.Hub { return s.hub }

// newChatLoop builds the resident chat agent's loop for one conversation
// turn. It shares the supervisor's in-process event channel, so chat events
// flow through the same dispatcher as worker events.
func (s *Supervisor) newChatLoop(taskID, chatID, text string) *agentloop.Loop {
	return agentloop.New(agentloop.Config{
		TaskID:      taskID,
		ChatID:      chatID,
		Instruction: text,
		SystemPrompt: "You are Ouroboros, a self-evolving local agent, talking with your owner. " +
			"Answer directly; use tools only when needed. Keep replies short.",
		Providers: s.providers,
		Model:     s.cfg.Models.Default,
		Tools:     s.registry,
		Policy:    s.policy,
		Gate:      s.gate,
		Sink:      s.emit,
		OverBudget: func() bool {
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.state.OverBudget()
		},
	})
}

// emit is the in-process EventSink shared by the chat agent and safety
// gate; it feeds the same drain as the worker pool's channel.
func (s *Supervisor) emit(ev model.Event) {
	select {
	case s.events <- ev:
	default:
		slog.Warn("supervisor.event_dropped", "kind", ev.Kind)
	}
}

// enqueueFromBackground funnels consciousness tasks onto the supervisor
// thread through the event-safe enqueue path.
func (s *Supervisor) enqueueFromBackground(task *model.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.queue.Enqueue(task); err != nil {
		slog.Warn("supervisor.bg_enqueue_failed", "error", err)
	}
}

// Boot performs the startup sequence: repo present + safe restart, state
// load with a fresh session id, snapshot restore, worker spawn.
func (s *Supervisor) Boot(ctx context.Context) error {
	if err := s.repo.EnsureRepoPresent(ctx); err != nil {
		return err
	}
	policy := reposvc.RestartPolicy(s.cfg.Repo.RestartPolicy)
	if policy == "" {
		policy = reposvc.PolicyRescueAndReset
	}
	if ok, msg := s.repo.SafeRestart(ctx, "bootstrap", policy); !ok {
		slog.Error("supervisor.bootstrap_restart_failed", "message", msg)
	}

	st, err := s.store.Load()
	if err != nil {
		return err
	}
	s.store.NewSession(st)
	st.TotalBudgetLimit = s.cfg.Budget.TotalLimitUSD
	st.RestartRequested = false
	st.RestartReason = ""
	if snap, err := s.repo.CurrentSnapshot(ctx); err == nil {
		st.CurrentBranch = snap.Branch
		st.CurrentSHA = snap.SHA
	}
	s.state = st

	s.router = dispatcher.NewRouter(dispatcher.Deps{
		Store:            s.store,
		State:            s.state,
		Queue:            s.queue,
		Bus:              s.bus,
		Hub:              s.hub,
		ReviewAfterTasks: map[model.TaskType]bool{model.TaskEvolution: true},
		OnHeartbeat:      s.pool.Heartbeat,
		OnRestartRequest: func(reason string, panicMode bool) {
			s.pendingMu.Lock()
			s.pendingRestart = &restartRequest{reason: reason, panic: panicMode}
			s.pendingMu.Unlock()
		},
	})

	// The Message Bus streams every freshly appended log record to live
	// subscribers (spec §4.1 sink contract), and mirrors outbound chat and
	// log records to WebSocket clients through the hub.
	extra := s.extraSink
	s.store.SetSink(func(kind string, record interface{}) {
		s.bus.PushLog(map[string]interface{}{"kind": kind, "record": record})
		if extra != nil {
			extra(kind, record)
		}
	})
	s.bus.SetBroadcast(func(kind string, payload interface{}) {
		s.hub.Publish(dispatcher.Event{Name: kind, Payload: payload})
	})

	if err := s.queue.Restore(s.snapshotPath); err != nil {
		slog.Warn("supervisor.snapshot_restore_failed", "error", err)
	}
	if n := len(s.queue.Pending()); n > 0 && s.state.OwnerChatID != "" {
		s.bus.Send(s.state.OwnerChatID, fmt.Sprintf("♻️ Restored pending queue from snapshot: %d tasks.", n), false)
	}
	s.state.RunningAtLastShutdown = nil

	if err := s.store.Save(s.state); err != nil {
		return err
	}
	if err := s.queue.Snapshot(s.snapshotPath); err != nil {
		return err
	}

	if err := s.pool.Spawn(ctx, s.cfg.Workers.PoolSize); err != nil {
		return err
	}

	if s.state.BackgroundConsciousnessEnabled {
		s.conscious.Start()
	}
	return nil
}

// Run boots and then ticks until ctx ends or a restart is requested.
// Exceptions in the loop are caught and counted; after maxLoopCrashes
// consecutive crashes the supervisor halts with a critical notification.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Boot(ctx); err != nil {
		return fmt.Errorf("supervisor: boot: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			s.shutdown(ctx)
			return ctx.Err()
		default:
		}
		if s.RestartRequested() {
			return nil
		}

		if err := s.safeTick(ctx); err != nil {
			s.crashCount++
			slog.Error("supervisor.tick_crashed", "count", s.crashCount, "error", err)
			s.notifyOwner(fmt.Sprintf("⚠️ Supervisor error (attempt %d/%d): %v", s.crashCount, maxLoopCrashes, err))
			if s.crashCount >= maxLoopCrashes {
				s.notifyOwner(fmt.Sprintf("🛑 Supervisor stopped after %d crashes. Please restart.", maxLoopCrashes))
				return fmt.Errorf("supervisor: halted after %d consecutive crashes: %w", maxLoopCrashes, err)
			}
			backoff := time.Duration(1<<s.crashCount) * time.Second
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			time.Sleep(backoff)
			continue
		}
		s.crashCount = 0
		time.Sleep(500 * time.Millisecond)
	}
}

// safeTick converts a tick panic into an error so the crash counter and
// back-off in Run apply (spec §4.7 "exceptions are caught, counted").
func (s *Supervisor) safeTick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	s.tick(ctx)
	return nil
}

// tick is one iteration of the main loop, in the strict spec §4.7 order:
// event drain before timeout enforcement before assignment, so a task that
// completes in the same tick it times out is observed as completed.
func (s *Supervisor) tick(ctx context.Context) {
	s.mu.Lock()

	s.store.RotateLog("chat")

	s.pool.EnsureHealthy(ctx, time.Now().UTC())
	if halted, reason := s.pool.Halted(); halted {
		s.mu.Unlock()
		s.notifyOwnerOnce(reason)
		s.mu.Lock()
	}

	s.drainEvents()

	for _, action := range s.queue.EnforceTimeouts(time.Now().UTC()) {
		switch action.Signal {
		case "soft":
			slog.Warn("supervisor.soft_timeout", "task_id", action.Task.ID)
			s.store.AppendJSONL("events", model.NewEvent(model.EventLog, action.Task.ID,
				map[string]string{"message": "soft timeout, cooperative interrupt signalled"}))
		case "hard":
			slog.Error("supervisor.hard_timeout", "task_id", action.Task.ID)
			s.pool.KillWorkerForTask(action.Task.ID)
			s.queue.CompleteTask(action.Task.ID, model.TaskTimedOut, &model.TaskResult{
				Reason: "hard_timeout", FinishedAt: time.Now().UTC(),
			})
			s.pool.TaskFinished(action.Task.ID)
		}
	}

	if t := s.queue.EnqueueEvolutionTaskIfNeeded(
		s.state.EvolutionModeEnabled, s.state.SpentUSD, s.cfg.Evolution.CostThresholdUSD); t != nil {
		s.state.EvolutionCycle++
		slog.Info("supervisor.evolution_enqueued", "task_id", t.ID, "cycle", s.state.EvolutionCycle)
	}

	for _, fired := range s.queue.FireScheduled(time.Now().UTC()) {
		slog.Info("supervisor.scheduled_fired", "task_id", fired.ID, "parent", fired.ParentTaskID)
	}

	s.pool.Assign(s.queue)

	if err := s.queue.Snapshot(s.snapshotPath); err != nil {
		slog.Error("supervisor.snapshot_failed", "error", err)
	}
	s.mu.Unlock()

	// A restart_request dispatched this tick runs now, outside the lock.
	s.pendingMu.Lock()
	pending := s.pendingRestart
	s.pendingRestart = nil
	s.pendingMu.Unlock()
	if pending != nil {
		s.requestRestart(ctx, pending.reason, pending.panic)
		return
	}

	// get_updates blocks outside the lock so API reads stay responsive.
	updates := s.bus.GetUpdates(s.updateOffset, time.Second)
	for _, upd := range updates {
		s.updateOffset = upd.UpdateID + 1
		if upd.Message == nil || upd.Message.Text == "" {
			continue
		}
		s.handleInbound(ctx, upd.Message)
	}
}

// drainEvents empties both event edges into the dispatcher. Caller holds mu.
func (s *Supervisor) drainEvents() {
	for {
		select {
		case ev := <-s.pool.Events():
			s.dispatch(ev)
		case ev := <-s.events:
			s.dispatch(ev)
		default:
			return
		}
	}
}

func (s *Supervisor) dispatch(ev model.Event) {
	s.router.Dispatch(ev)
	switch ev.Kind {
	case model.EventTaskComplete, model.EventTaskFailed, model.EventTaskCancelled:
		s.pool.TaskFinished(ev.TaskID)
	}
}

var notifiedOnce sync.Map

// notifyOwnerOnce sends a message at most once per supervisor process.
func (s *Supervisor) notifyOwnerOnce(text string) {
	if _, loaded := notifiedOnce.LoadOrStore(text, true); !loaded {
		s.notifyOwner("🛑 " + text)
	}
}

func (s *Supervisor) notifyOwner(text string) {
	s.mu.Lock()
	chatID := ""
	if s.state != nil {
		chatID = s.state.OwnerChatID
	}
	s.mu.Unlock()
	if chatID != "" {
		s.bus.Send(chatID, text, false)
	}
}

// shutdown persists state and queue on a clean exit.
func (s *Supervisor) shutdown(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool.Kill(false)
	s.state.RunningAtLastShutdown = s.queue.RequeueRunning()
	s.queue.Snapshot(s.snapshotPath)
	s.store.Save(s.state)
}

// restartRequest is a deferred Restart Protocol invocation.
type restartRequest struct {
	reason string
	panic  bool
}

func parseDuration(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
