// Package consciousness implements the Background Consciousness
// (spec §4.10): a long-lived cooperative driver that, when enabled, wakes
// on an exponentially-growing interval and enqueues a lowest-priority
// reflect task. Chat activity pauses it; chat completion resumes it.
package consciousness

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wationgarbarad/ouroboros/internal/model"
)

// EnqueueFunc admits a reflect task into the Task Queue. It runs on the
// driver's goroutine, so implementations must be safe to call off the
// supervisor thread (the supervisor wires a channel-backed funnel here).
type EnqueueFunc func(task *model.Task)

// Options bounds the wake-up schedule.
type Options struct {
	WakeupMin      time.Duration // first interval, default 60s
	WakeupMax      time.Duration // growth ceiling, default 1h
	MaxRoundsAwake int           // reflect tasks per wake, default 1
	Enqueue        EnqueueFunc
}

// Driver is one Background Consciousness instance.
type Driver struct {
	opts Options

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	interval time.Duration

	paused atomic.Bool

	// recent observations injected by the supervisor (owner messages,
	// notable events), folded into the next reflect task's instruction.
	obsMu        sync.Mutex
	observations []string
}

// New creates a stopped Driver.
func New(opts Options) *Driver {
	if opts.WakeupMin <= 0 {
		opts.WakeupMin = time.Minute
	}
	if opts.WakeupMax <= 0 {
		opts.WakeupMax = time.Hour
	}
	if opts.MaxRoundsAwake <= 0 {
		opts.MaxRoundsAwake = 1
	}
	return &Driver{opts: opts, interval: opts.WakeupMin}
}

// Running reports whether the wake-up loop is active.
func (d *Driver) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Start begins the wake-up loop. Idempotent.
func (d *Driver) Start() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return "background consciousness already running"
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.running = true
	d.interval = d.opts.WakeupMin
	go d.loop(ctx)
	return "background consciousness started"
}

// Stop halts the loop. Idempotent.
func (d *Driver) Stop() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return "background consciousness already stopped"
	}
	d.cancel()
	d.running = false
	return "background consciousness stopped"
}

// Pause suspends wake-ups without resetting the schedule; used while the
// chat agent is busy with the owner.
func (d *Driver) Pause() { d.paused.Store(true) }

// Resume lifts a Pause and resets the interval, so the agent reflects soon
// after a conversation ends.
func (d *Driver) Resume() {
	d.paused.Store(false)
	d.mu.Lock()
	d.interval = d.opts.WakeupMin
	d.mu.Unlock()
}

// InjectObservation records something notable for the next reflect task.
func (d *Driver) InjectObservation(text string) {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	d.observations = append(d.observations, text)
	if len(d.observations) > 20 {
		d.observations = d.observations[len(d.observations)-20:]
	}
}

func (d *Driver) loop(ctx context.Context) {
	for {
		d.mu.Lock()
		wait := d.interval
		// Exponential back-off toward the ceiling: each quiet wake doubles
		// the next interval.
		d.interval *= 2
		if d.interval > d.opts.WakeupMax {
			d.interval = d.opts.WakeupMax
		}
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if d.paused.Load() {
			continue
		}
		d.wake()
	}
}

func (d *Driver) wake() {
	if d.opts.Enqueue == nil {
		return
	}

	d.obsMu.Lock()
	obs := d.observations
	d.observations = nil
	d.obsMu.Unlock()

	instruction := "Reflect on recent activity. Decide whether anything is worth doing; if not, finish quickly."
	for _, o := range obs {
		instruction += "\n- " + o
	}

	for i := 0; i < d.opts.MaxRoundsAwake; i++ {
		d.opts.Enqueue(&model.Task{
			Type:           model.TaskConsciousness,
			Instruction:    instruction,
			Priority:       -10, // lowest: never preempts real work
			SoftTimeoutSec: 300,
			HardTimeoutSec: 900,
		})
	}
	slog.Debug("consciousness.woke", "rounds", d.opts.MaxRoundsAwake)
}
