package taskqueue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/wationgarbarad/ouroboros/internal/model"
)

// TestQueue_SnapshotRestoreDurability checks testable property #3: a
// restart after snapshot() restores exactly the pending set, order
// preserved modulo the priority sort.
func TestQueue_SnapshotRestoreDurability(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	base := time.Now().UTC()

	q := New(3)
	for i, p := range []int{2, 5, 1} {
		q.Enqueue(mkTask(string(rune('a'+i)), p, base.Add(time.Duration(i)*time.Second)))
	}
	if err := q.Snapshot(path); err != nil {
		t.Fatal(err)
	}

	restored := New(3)
	if err := restored.Restore(path); err != nil {
		t.Fatal(err)
	}

	want := []string{"b", "a", "c"} // priority 5, 2, 1
	got := restored.Pending()
	if len(got) != len(want) {
		t.Fatalf("restored %d tasks, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("restored[%d] = %s, want %s", i, got[i].ID, want[i])
		}
	}
}

func TestQueue_RestoreMissingFileIsNoop(t *testing.T) {
	q := New(3)
	if err := q.Restore(filepath.Join(t.TempDir(), "absent.json")); err != nil {
		t.Errorf("missing snapshot should not error: %v", err)
	}
}

func TestQueue_SnapshotExcludesRunning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	q := New(3)
	running := mkTask("run", 1, time.Now().UTC())
	q.Enqueue(running)
	q.PopNextPending()
	q.MarkRunning(running)
	q.Enqueue(mkTask("wait", 1, time.Now().UTC()))

	if err := q.Snapshot(path); err != nil {
		t.Fatal(err)
	}
	restored := New(3)
	restored.Restore(path)
	if len(restored.Pending()) != 1 || restored.Pending()[0].ID != "wait" {
		t.Errorf("snapshot must serialise pending only, got %v", restored.Pending())
	}
}

func TestQueue_RequeueRunning(t *testing.T) {
	q := New(3)
	task := mkTask("r", 2, time.Now().UTC())
	q.Enqueue(task)
	q.PopNextPending()
	q.MarkRunning(task)

	ids := q.RequeueRunning()
	if len(ids) != 1 || ids[0] != "r" {
		t.Fatalf("ids = %v", ids)
	}
	if len(q.Running()) != 0 {
		t.Error("running set should be empty after requeue")
	}
	pending := q.Pending()
	if len(pending) != 1 || pending[0].Status != model.TaskPending || pending[0].StartedAt != nil {
		t.Errorf("requeued task not reset: %+v", pending[0])
	}
}
