// Package worker is the worker-process side of the pool protocol
// (spec §4.4): read task assignments as JSON lines on stdin, run each one
// through an Agent Loop, stream events back as JSON lines on stdout, and
// emit heartbeats on a ticker. One worker serves tasks sequentially; the
// supervisor kills the process outright on hard timeout.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/wationgarbarad/ouroboros/internal/agentloop"
	"github.com/wationgarbarad/ouroboros/internal/config"
	"github.com/wationgarbarad/ouroboros/internal/model"
	"github.com/wationgarbarad/ouroboros/internal/providers"
	"github.com/wationgarbarad/ouroboros/internal/safety"
	"github.com/wationgarbarad/ouroboros/internal/tools"
	"github.com/wationgarbarad/ouroboros/pkg/protocol"
)

// Options configures a worker process.
type Options struct {
	WorkerID       string
	Config         *config.Config
	HeartbeatEvery time.Duration
	In             io.Reader // defaults to os.Stdin
	Out            io.Writer // defaults to os.Stdout
}

// Runner is one worker process's main object.
type Runner struct {
	opts Options

	outMu sync.Mutex
	enc   *json.Encoder

	providers *providers.Registry
	registry  *tools.Registry
	policy    *tools.PolicyEngine
	gate      *safety.Gate
}

// New builds a Runner: provider registry from config, tool registry with
// the built-in tool set rooted at the supervised working tree, and a
// Safety Gate over the same providers.
func New(opts Options) (*Runner, error) {
	if opts.WorkerID == "" {
		return nil, fmt.Errorf("worker: worker id required")
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = 30 * time.Second
	}
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	r := &Runner{
		opts: opts,
		enc:  json.NewEncoder(opts.Out),
	}

	r.providers = providers.BuildRegistry(opts.Config)
	r.registry = tools.BuiltinRegistry(opts.Config.RepoPath())
	r.policy = tools.NewPolicyEngine(&opts.Config.Tools)
	if opts.Config.Safety.Enabled {
		r.gate = safety.NewGate(opts.Config, r.providers, r.emitEvent)
	}
	return r, nil
}

// Run is the worker main loop: heartbeat ticker plus the assignment-read
// loop. Returns when stdin closes or a shutdown frame arrives.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go r.heartbeatLoop(ctx)

	r.writeFrame(protocol.WorkerFrame{Type: protocol.FrameReady})

	scanner := bufio.NewScanner(r.opts.In)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame protocol.AssignmentFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			slog.Warn("worker.bad_assignment", "error", err)
			continue
		}
		switch frame.Type {
		case protocol.AssignShutdown:
			return nil
		case protocol.AssignTask:
			if frame.Task != nil {
				r.runTask(ctx, frame.Task)
				r.writeFrame(protocol.WorkerFrame{Type: protocol.FrameReady})
			}
		}
	}
	return scanner.Err()
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.emitEvent(model.NewEvent(model.EventHeartbeat, "", nil))
		}
	}
}

// runTask runs one assignment through a fresh Agent Loop. The task's soft
// timeout drives a deadline-based cooperative interrupt; the hard timeout
// is the supervisor's (it kills the process).
func (r *Runner) runTask(ctx context.Context, task *model.Task) {
	slog.Info("worker.task_started", "worker_id", r.opts.WorkerID, "task_id", task.ID, "type", task.Type)

	deadline := time.Time{}
	if task.SoftTimeoutSec > 0 {
		deadline = time.Now().Add(time.Duration(task.SoftTimeoutSec) * time.Second)
	}

	if task.Type != model.TaskUserRequest {
		r.emitEvent(model.NewEvent(model.EventProgress, task.ID, model.ProgressPayload{
			Summary: string(task.Type) + " task started: " + truncate(task.Instruction, 80),
		}))
	}

	loop := agentloop.New(agentloop.Config{
		TaskID:       task.ID,
		ChatID:       task.ChatID,
		Instruction:  task.Instruction,
		SystemPrompt: systemPromptFor(task),
		Providers:    r.providers,
		Model:        r.opts.Config.Models.Default,
		Tools:        r.registry,
		Policy:       r.policy,
		Gate:         r.gate,
		Sink:         r.emitEvent,
		Interrupt: func() bool {
			return !deadline.IsZero() && time.Now().After(deadline)
		},
	})

	result := loop.Run(ctx)
	slog.Info("worker.task_finished", "worker_id", r.opts.WorkerID, "task_id", task.ID,
		"status", result.Status, "iterations", result.Iterations)
}

func (r *Runner) emitEvent(ev model.Event) {
	ev.WorkerID = r.opts.WorkerID
	r.writeFrame(protocol.WorkerFrame{Type: protocol.FrameEvent, Event: &ev})
}

func (r *Runner) writeFrame(frame protocol.WorkerFrame) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	if err := r.enc.Encode(frame); err != nil {
		slog.Error("worker.write_failed", "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "…"
	}
	return s
}

// systemPromptFor picks the per-type task framing.
func systemPromptFor(task *model.Task) string {
	const base = "You are Ouroboros, an autonomous agent working on your own codebase. " +
		"Use the available tools to complete the task. Be concise in your final answer."
	switch task.Type {
	case model.TaskReview:
		return base + "\nThis is a code-review task: inspect recent changes and report problems before proposing fixes."
	case model.TaskEvolution:
		return base + "\nThis is an evolution task: make one well-scoped improvement to the codebase and commit it."
	case model.TaskConsciousness:
		return base + "\nThis is a background reflection task: review recent activity and decide whether anything needs doing."
	default:
		return base
	}
}
