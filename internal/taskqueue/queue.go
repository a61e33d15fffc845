// Package taskqueue implements the Task Queue component (spec §4.3):
// pending/running task lists with priority, snapshot persistence, timeout
// enforcement, and evolution/review task admission. The queue is owned
// exclusively by the supervisor's single main-loop goroutine (spec §5),
// so — deliberately unlike the teacher's multi-goroutine sessions.Manager,
// which guards its map with its own sync.RWMutex — it adds no internal
// locking of its own; see DESIGN.md for that choice.
package taskqueue

import (
	"fmt"
	"sort"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/wationgarbarad/ouroboros/internal/model"
)

// Queue holds the pending (ordered) and running (keyed) task lists.
type Queue struct {
	pending []*model.Task
	running map[string]*model.Task

	maxForkDepth int
	gron         gronx.Gronx

	// dedup guards against duplicate evolution/review enqueues.
	pendingReviewReason  string
	lastEvolutionCostUSD float64
}

// New creates an empty Queue.
func New(maxForkDepth int) *Queue {
	if maxForkDepth <= 0 {
		maxForkDepth = 3
	}
	return &Queue{
		running:      make(map[string]*model.Task),
		maxForkDepth: maxForkDepth,
		gron:         *gronx.New(),
	}
}

// Enqueue adds task to pending, idempotent by id, and keeps pending sorted
// by (priority desc, created_at asc) — spec §4.3 tie-break.
func (q *Queue) Enqueue(task *model.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Depth > q.maxForkDepth {
		return fmt.Errorf("taskqueue: task %s exceeds fork-depth ceiling (%d > %d)", task.ID, task.Depth, q.maxForkDepth)
	}
	if task.Type == model.TaskScheduled && task.CronExpr != "" {
		if !q.gron.IsValid(task.CronExpr) {
			return fmt.Errorf("taskqueue: invalid cron expression %q", task.CronExpr)
		}
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	task.Status = model.TaskPending

	for i, existing := range q.pending {
		if existing.ID == task.ID {
			q.pending[i] = task
			q.resort()
			return nil
		}
	}
	q.pending = append(q.pending, task)
	q.resort()
	return nil
}

func (q *Queue) resort() {
	sort.SliceStable(q.pending, func(i, j int) bool {
		if q.pending[i].Priority != q.pending[j].Priority {
			return q.pending[i].Priority > q.pending[j].Priority
		}
		return q.pending[i].CreatedAt.Before(q.pending[j].CreatedAt)
	})
}

// Cancel removes task id from pending, or sets the cancel flag on a running
// task (spec §4.3). The flag is not delivered to the worker process, so a
// running task is not interrupted by it.
func (q *Queue) Cancel(id string) bool {
	for i, t := range q.pending {
		if t.ID == id {
			t.Status = model.TaskCancelled
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	if t, ok := q.running[id]; ok {
		t.RequestCancel()
		return true
	}
	return false
}

// DropForCancelledChat silently drops any pending task whose requesting
// chat has been cancelled (spec §4.3).
func (q *Queue) DropForCancelledChat(chatID string) []*model.Task {
	var dropped []*model.Task
	kept := q.pending[:0:0]
	for _, t := range q.pending {
		if t.ChatID == chatID {
			dropped = append(dropped, t)
			continue
		}
		kept = append(kept, t)
	}
	q.pending = kept
	return dropped
}

// Pending returns a read-only snapshot slice of the pending list, in order.
func (q *Queue) Pending() []*model.Task {
	out := make([]*model.Task, len(q.pending))
	copy(out, q.pending)
	return out
}

// Running returns a snapshot of the running set.
func (q *Queue) Running() map[string]*model.Task {
	out := make(map[string]*model.Task, len(q.running))
	for k, v := range q.running {
		out[k] = v
	}
	return out
}

// PopNextPending removes and returns the highest-priority runnable pending
// task, or nil if none. Scheduled templates (cron triggers) are skipped —
// only the one-shot clones FireScheduled spawns are runnable.
func (q *Queue) PopNextPending() *model.Task {
	for i, t := range q.pending {
		if t.Type == model.TaskScheduled && t.CronExpr != "" {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		return t
	}
	return nil
}

// RequeueFront puts a task back at the front of pending (used when
// assignment fails, e.g. no idle worker matched its constraints).
func (q *Queue) RequeueFront(t *model.Task) {
	q.pending = append([]*model.Task{t}, q.pending...)
}

// MarkRunning transitions a task from "about to run" into the running set.
func (q *Queue) MarkRunning(t *model.Task) {
	now := time.Now().UTC()
	t.StartedAt = &now
	t.Status = model.TaskRunning
	q.running[t.ID] = t
}

// CompleteTask removes a task from the running set and returns it, marking
// the terminal status/result.
func (q *Queue) CompleteTask(id string, status model.TaskStatus, result *model.TaskResult) *model.Task {
	t, ok := q.running[id]
	if !ok {
		return nil
	}
	delete(q.running, id)
	t.Status = status
	t.Result = result
	return t
}
