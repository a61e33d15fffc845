package taskqueue

import (
	"time"

	"github.com/wationgarbarad/ouroboros/internal/model"
)

// TimeoutAction names what EnforceTimeouts wants the caller to do about a
// running task — the Queue itself never touches the Worker Pool.
type TimeoutAction struct {
	Task   *model.Task
	Signal string // "soft" (cooperative interrupt) or "hard" (kill worker)
}

// EnforceTimeouts compares each running task's wall clock against
// started_at + soft/hard timeout (spec §4.3). Soft timeouts fire at most
// once per task (RequestCancel is idempotent); hard timeouts are reported
// every tick until the caller removes the task via CompleteTask, so a
// wedged worker is retried for a kill rather than silently forgotten.
func (q *Queue) EnforceTimeouts(now time.Time) []TimeoutAction {
	var actions []TimeoutAction
	for _, t := range q.running {
		if t.StartedAt == nil {
			continue
		}
		elapsed := now.Sub(*t.StartedAt)

		if t.HardTimeoutSec > 0 && elapsed >= time.Duration(t.HardTimeoutSec)*time.Second {
			actions = append(actions, TimeoutAction{Task: t, Signal: "hard"})
			continue
		}
		if t.SoftTimeoutSec > 0 && elapsed >= time.Duration(t.SoftTimeoutSec)*time.Second && !t.CancelRequested() {
			t.RequestCancel()
			actions = append(actions, TimeoutAction{Task: t, Signal: "soft"})
		}
	}
	return actions
}

// FireScheduled clones each pending scheduled task whose cron expression
// is due at now into a runnable one-shot task; the scheduled template
// itself stays pending as the recurring trigger. Returns the fired clones.
func (q *Queue) FireScheduled(now time.Time) []*model.Task {
	var fired []*model.Task
	for _, t := range q.pending {
		if t.Type != model.TaskScheduled || t.CronExpr == "" {
			continue
		}
		due, err := q.gron.IsDue(t.CronExpr, now.Truncate(time.Minute))
		if err != nil || !due {
			continue
		}
		// One firing per due minute.
		if t.LastFiredAt != nil && now.Sub(*t.LastFiredAt) < time.Minute {
			continue
		}
		firedAt := now
		t.LastFiredAt = &firedAt

		clone := &model.Task{
			Type:           model.TaskUserRequest,
			Instruction:    t.Instruction,
			Priority:       t.Priority,
			SoftTimeoutSec: t.SoftTimeoutSec,
			HardTimeoutSec: t.HardTimeoutSec,
			ParentTaskID:   t.ID,
			ChatID:         t.ChatID,
		}
		if err := q.Enqueue(clone); err == nil {
			fired = append(fired, clone)
		}
	}
	return fired
}

// EnqueueEvolutionTaskIfNeeded enqueues a single evolution task once
// cumulative spend since the last evolution task reaches evoCostThreshold,
// guarded against duplication by tracking the spend baseline at which the
// last evolution task was admitted (spec §4.3).
func (q *Queue) EnqueueEvolutionTaskIfNeeded(evolutionEnabled bool, currentSpentUSD, evoCostThreshold float64) *model.Task {
	if !evolutionEnabled || evoCostThreshold <= 0 {
		return nil
	}
	if currentSpentUSD-q.lastEvolutionCostUSD < evoCostThreshold {
		return nil
	}
	for _, t := range q.pending {
		if t.Type == model.TaskEvolution {
			return nil // already queued, don't duplicate
		}
	}
	for _, t := range q.running {
		if t.Type == model.TaskEvolution {
			return nil
		}
	}

	task := &model.Task{
		Type:           model.TaskEvolution,
		Instruction:    "Review recent activity and propose a self-improvement to the codebase.",
		Priority:       0,
		SoftTimeoutSec: 600,
		HardTimeoutSec: 1800,
	}
	if err := q.Enqueue(task); err != nil {
		return nil
	}
	q.lastEvolutionCostUSD = currentSpentUSD
	return task
}

// QueueReviewTask enqueues a code-review task, deduplicated by reason
// unless force is set (spec §4.3).
func (q *Queue) QueueReviewTask(reason string, force bool) *model.Task {
	if !force && reason == q.pendingReviewReason {
		for _, t := range q.pending {
			if t.Type == model.TaskReview {
				return nil // identical reason already pending
			}
		}
	}

	task := &model.Task{
		Type:           model.TaskReview,
		Instruction:    "Review: " + reason,
		Priority:       1,
		SoftTimeoutSec: 600,
		HardTimeoutSec: 1800,
	}
	if err := q.Enqueue(task); err != nil {
		return nil
	}
	q.pendingReviewReason = reason
	return task
}
