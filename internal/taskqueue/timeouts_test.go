package taskqueue

import (
	"testing"
	"time"

	"github.com/wationgarbarad/ouroboros/internal/model"
)

func startRunning(t *testing.T, q *Queue, id string, softSec, hardSec int, startedAgo time.Duration) *model.Task {
	t.Helper()
	task := mkTask(id, 1, time.Now().UTC().Add(-startedAgo))
	task.SoftTimeoutSec = softSec
	task.HardTimeoutSec = hardSec
	q.Enqueue(task)
	q.PopNextPending()
	q.MarkRunning(task)
	started := time.Now().UTC().Add(-startedAgo)
	task.StartedAt = &started
	return task
}

func TestEnforceTimeouts_SoftFiresOnceAndFlagsInterrupt(t *testing.T) {
	q := New(3)
	task := startRunning(t, q, "soft", 10, 1000, 30*time.Second)

	actions := q.EnforceTimeouts(time.Now().UTC())
	if len(actions) != 1 || actions[0].Signal != "soft" {
		t.Fatalf("actions = %+v", actions)
	}
	if !task.CancelRequested() {
		t.Error("soft timeout must set the cooperative interrupt flag")
	}

	// Second pass: the soft warning is not repeated.
	if again := q.EnforceTimeouts(time.Now().UTC()); len(again) != 0 {
		t.Errorf("soft timeout repeated: %+v", again)
	}
}

func TestEnforceTimeouts_HardReportedEveryTick(t *testing.T) {
	q := New(3)
	startRunning(t, q, "hard", 10, 20, time.Minute)

	for tick := 0; tick < 2; tick++ {
		actions := q.EnforceTimeouts(time.Now().UTC())
		if len(actions) != 1 || actions[0].Signal != "hard" {
			t.Fatalf("tick %d actions = %+v", tick, actions)
		}
	}
}

func TestEnforceTimeouts_WithinBudgetNoAction(t *testing.T) {
	q := New(3)
	startRunning(t, q, "ok", 600, 1800, time.Second)
	if actions := q.EnforceTimeouts(time.Now().UTC()); len(actions) != 0 {
		t.Errorf("unexpected actions %+v", actions)
	}
}

func TestEnqueueEvolution_ThresholdAndDedup(t *testing.T) {
	q := New(3)

	if q.EnqueueEvolutionTaskIfNeeded(true, 0.4, 0.5) != nil {
		t.Error("below threshold must not enqueue")
	}
	if q.EnqueueEvolutionTaskIfNeeded(false, 10, 0.5) != nil {
		t.Error("disabled mode must not enqueue")
	}

	first := q.EnqueueEvolutionTaskIfNeeded(true, 0.6, 0.5)
	if first == nil || first.Type != model.TaskEvolution {
		t.Fatalf("expected an evolution task, got %+v", first)
	}

	// Same spend: baseline has advanced, no duplicate.
	if q.EnqueueEvolutionTaskIfNeeded(true, 0.6, 0.5) != nil {
		t.Error("duplicate evolution task enqueued at same spend")
	}

	// Spend advanced past another threshold but one is still pending.
	if q.EnqueueEvolutionTaskIfNeeded(true, 1.5, 0.5) != nil {
		t.Error("evolution task enqueued while one is already pending")
	}
}

func TestFireScheduled_SpawnsCloneOncePerDueMinute(t *testing.T) {
	q := New(3)
	tmpl := mkTask("cron-tmpl", 1, time.Now().UTC())
	tmpl.Type = model.TaskScheduled
	tmpl.CronExpr = "* * * * *" // due every minute
	if err := q.Enqueue(tmpl); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	fired := q.FireScheduled(now)
	if len(fired) != 1 {
		t.Fatalf("fired = %d, want 1", len(fired))
	}
	if fired[0].Type != model.TaskUserRequest || fired[0].ParentTaskID != "cron-tmpl" {
		t.Errorf("clone = %+v", fired[0])
	}

	// Same minute: no duplicate firing.
	if again := q.FireScheduled(now.Add(10 * time.Second)); len(again) != 0 {
		t.Errorf("refired within the same minute: %d", len(again))
	}

	// The template itself is never handed to a worker.
	popped := q.PopNextPending()
	if popped == nil || popped.Type == model.TaskScheduled {
		t.Errorf("popped = %+v, want the runnable clone", popped)
	}
	if q.PopNextPending() != nil {
		t.Error("template must stay unpoppable in pending")
	}
	if len(q.Pending()) != 1 {
		t.Errorf("pending = %d, want the template alone", len(q.Pending()))
	}
}

func TestQueueReviewTask_DedupUnlessForced(t *testing.T) {
	q := New(3)
	if q.QueueReviewTask("post:evolution:1", false) == nil {
		t.Fatal("first review task should enqueue")
	}
	if q.QueueReviewTask("post:evolution:1", false) != nil {
		t.Error("identical reason should deduplicate")
	}
	if q.QueueReviewTask("post:evolution:1", true) == nil {
		t.Error("force must bypass deduplication")
	}
}
