// Package workerpool implements the Worker Pool (spec §4.4): a bounded set
// of isolated worker processes, each running the same binary re-invoked as
// its worker subcommand and fed task assignments over a JSON-lines pipe.
// A crashing Agent Loop takes down only its own process; the pool reaps and
// respawns it unless the rolling crash ceiling trips.
package workerpool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/wationgarbarad/ouroboros/internal/model"
	"github.com/wationgarbarad/ouroboros/internal/taskqueue"
)

// Proc is the handle the pool keeps to one worker OS process. The default
// implementation (procHandle) wraps an exec.Cmd; tests substitute fakes.
type Proc interface {
	PID() int
	Alive() bool
	Assign(task *model.Task) error
	Kill(force bool)
}

// SpawnFunc starts one worker process. Events the worker emits must be
// delivered through deliver; a FrameReady marker is delivered as a
// heartbeat-like ready notification via onReady.
type SpawnFunc func(workerID string, deliver func(model.Event), onReady func()) (Proc, error)

// Options configures a Pool.
type Options struct {
	MaxWorkers       int
	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration
	MaxCrashes       int           // crashes tolerated within CrashWindow, default 3
	CrashWindow      time.Duration // default 120s
	SpawnRatePerSec  float64
	Spawn            SpawnFunc
}

type entry struct {
	rec  *model.WorkerRecord
	proc Proc
}

// Pool owns the worker records. It is mutated only by the supervisor's
// main-loop goroutine (spec §5); the event channel is its sole
// multi-producer edge.
type Pool struct {
	opts    Options
	workers map[string]*entry
	events  chan model.Event

	crashTimes []time.Time
	halted     bool
	haltReason string

	spawnLimiter *rate.Limiter
}

// New creates a Pool. Spawn must be set before Spawn/EnsureHealthy are used.
func New(opts Options) *Pool {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 4
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = 30 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 2 * opts.HeartbeatEvery
	}
	if opts.MaxCrashes <= 0 {
		opts.MaxCrashes = 3
	}
	if opts.CrashWindow <= 0 {
		opts.CrashWindow = 120 * time.Second
	}
	if opts.SpawnRatePerSec <= 0 {
		opts.SpawnRatePerSec = 2
	}
	return &Pool{
		opts:         opts,
		workers:      make(map[string]*entry),
		events:       make(chan model.Event, 1024),
		spawnLimiter: rate.NewLimiter(rate.Limit(opts.SpawnRatePerSec), 1),
	}
}

// Events is the shared multi-producer event channel the supervisor drains.
func (p *Pool) Events() <-chan model.Event { return p.events }

// Halted reports whether the crash ceiling tripped (testable property #8).
func (p *Pool) Halted() (bool, string) { return p.halted, p.haltReason }

// Spawn starts n worker processes, bounded by MaxWorkers in total.
func (p *Pool) Spawn(ctx context.Context, n int) error {
	for i := 0; i < n && len(p.workers) < p.opts.MaxWorkers; i++ {
		if err := p.spawnOne(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) spawnOne(ctx context.Context) error {
	if err := p.spawnLimiter.Wait(ctx); err != nil {
		return err
	}

	id := uuid.NewString()
	rec := &model.WorkerRecord{
		ID:            id,
		State:         model.WorkerIdle,
		LastHeartbeat: time.Now().UTC(),
		SpawnedAt:     time.Now().UTC(),
	}

	deliver := func(ev model.Event) {
		ev.WorkerID = id
		select {
		case p.events <- ev:
		default:
			slog.Warn("workerpool.event_dropped", "worker_id", id, "kind", ev.Kind)
		}
	}
	onReady := func() {
		// Ready frames double as liveness; the idle transition itself is
		// applied by the supervisor thread when it observes the terminal
		// task event, so only deliver a heartbeat here.
		deliver(model.NewEvent(model.EventHeartbeat, "", nil))
	}

	proc, err := p.opts.Spawn(id, deliver, onReady)
	if err != nil {
		return fmt.Errorf("workerpool: spawn: %w", err)
	}
	rec.PID = proc.PID()
	p.workers[id] = &entry{rec: rec, proc: proc}
	slog.Info("workerpool.spawned", "worker_id", id, "pid", rec.PID)
	return nil
}

// Kill terminates every worker: SIGTERM, then SIGKILL after grace when
// force is set (spec §4.4). Worker records are cleared.
func (p *Pool) Kill(force bool) {
	for id, e := range p.workers {
		e.proc.Kill(force)
		slog.Info("workerpool.killed", "worker_id", id, "force", force)
	}
	p.workers = make(map[string]*entry)
	p.drainEvents()
}

func (p *Pool) drainEvents() {
	for {
		select {
		case <-p.events:
		default:
			return
		}
	}
}

// Heartbeat refreshes a worker's liveness record; called by the Event
// Dispatcher when a heartbeat event arrives.
func (p *Pool) Heartbeat(workerID string) {
	if e, ok := p.workers[workerID]; ok {
		e.rec.LastHeartbeat = time.Now().UTC()
	}
}

// TaskFinished transitions the worker that ran taskID back to idle; called
// from the supervisor when a terminal task event is dispatched.
func (p *Pool) TaskFinished(taskID string) {
	for _, e := range p.workers {
		if e.rec.AssignedTaskID == taskID {
			e.rec.AssignedTaskID = ""
			e.rec.State = model.WorkerIdle
			return
		}
	}
}

// EnsureHealthy reaps dead or heartbeat-silent workers and respawns them
// (spec §4.4). A worker's in-flight task is failed with reason
// worker_died. Tripping the crash ceiling halts the pool instead.
func (p *Pool) EnsureHealthy(ctx context.Context, now time.Time) {
	if p.halted {
		return
	}

	for id, e := range p.workers {
		alive := e.proc.Alive()
		stale := now.Sub(e.rec.LastHeartbeat) > p.opts.HeartbeatTimeout
		if alive && !stale {
			continue
		}

		slog.Warn("workerpool.reaping", "worker_id", id, "alive", alive, "heartbeat_stale", stale)
		e.proc.Kill(true)
		e.rec.State = model.WorkerDead
		delete(p.workers, id)

		if taskID := e.rec.AssignedTaskID; taskID != "" {
			ev := model.NewEvent(model.EventTaskFailed, taskID, model.TaskTerminalPayload{Reason: "worker_died"})
			ev.WorkerID = id
			select {
			case p.events <- ev:
			default:
			}
		}

		p.recordCrash(now)
		if p.halted {
			return
		}

		if err := p.spawnOne(ctx); err != nil {
			slog.Error("workerpool.respawn_failed", "error", err)
		}
	}
}

// recordCrash appends to the rolling window and halts the pool when the
// ceiling trips. "Exceeds max_crashes_in_window" (spec §4.4) reads as
// strictly-greater-than: N crashes are tolerated, crash N+1 halts.
func (p *Pool) recordCrash(now time.Time) {
	cutoff := now.Add(-p.opts.CrashWindow)
	kept := p.crashTimes[:0]
	for _, t := range p.crashTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.crashTimes = append(kept, now)

	if len(p.crashTimes) > p.opts.MaxCrashes {
		p.halted = true
		p.haltReason = fmt.Sprintf("worker pool halted: %d crashes within %s", len(p.crashTimes), p.opts.CrashWindow)
		slog.Error("workerpool.halted", "crashes", len(p.crashTimes), "window", p.opts.CrashWindow)
	}
}

// Assign matches idle workers to pending tasks by priority (spec §4.4).
// Returns the tasks that were started this tick.
func (p *Pool) Assign(queue *taskqueue.Queue) []*model.Task {
	if p.halted {
		return nil
	}

	var started []*model.Task
	for _, e := range p.workers {
		if e.rec.State != model.WorkerIdle {
			continue
		}
		task := queue.PopNextPending()
		if task == nil {
			break
		}
		if err := e.proc.Assign(task); err != nil {
			slog.Error("workerpool.assign_failed", "worker_id", e.rec.ID, "task_id", task.ID, "error", err)
			queue.RequeueFront(task)
			continue
		}
		queue.MarkRunning(task)
		e.rec.State = model.WorkerBusy
		e.rec.AssignedTaskID = task.ID
		started = append(started, task)
		slog.Info("workerpool.assigned", "worker_id", e.rec.ID, "task_id", task.ID, "type", task.Type)
	}
	return started
}

// KillWorkerForTask force-kills the worker running taskID (hard timeout
// escalation). The next EnsureHealthy respawns it.
func (p *Pool) KillWorkerForTask(taskID string) bool {
	for _, e := range p.workers {
		if e.rec.AssignedTaskID == taskID {
			e.proc.Kill(true)
			return true
		}
	}
	return false
}

// Snapshot returns worker records for /status and /api/state.
func (p *Pool) Snapshot() []model.WorkerRecord {
	out := make([]model.WorkerRecord, 0, len(p.workers))
	for _, e := range p.workers {
		out = append(out, *e.rec)
	}
	return out
}

// AliveCount reports live workers.
func (p *Pool) AliveCount() int { return len(p.workers) }
