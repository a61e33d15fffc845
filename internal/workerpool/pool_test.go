package workerpool

import (
	"context"
	"testing"
	"time"

	"github.com/wationgarbarad/ouroboros/internal/model"
	"github.com/wationgarbarad/ouroboros/internal/taskqueue"
)

// fakeProc is an in-memory Proc for pool tests.
type fakeProc struct {
	pid      int
	alive    bool
	assigned []*model.Task
	killed   []bool
}

func (f *fakeProc) PID() int                      { return f.pid }
func (f *fakeProc) Alive() bool                   { return f.alive }
func (f *fakeProc) Assign(task *model.Task) error { f.assigned = append(f.assigned, task); return nil }
func (f *fakeProc) Kill(force bool)               { f.killed = append(f.killed, force); f.alive = false }

type fakeSpawner struct {
	procs []*fakeProc
}

func (fs *fakeSpawner) spawn(workerID string, deliver func(model.Event), onReady func()) (Proc, error) {
	p := &fakeProc{pid: 1000 + len(fs.procs), alive: true}
	fs.procs = append(fs.procs, p)
	return p, nil
}

func newTestPool(t *testing.T, n int) (*Pool, *fakeSpawner) {
	t.Helper()
	fs := &fakeSpawner{}
	p := New(Options{
		MaxWorkers:       n,
		HeartbeatEvery:   time.Second,
		HeartbeatTimeout: time.Minute,
		MaxCrashes:       3,
		CrashWindow:      120 * time.Second,
		SpawnRatePerSec:  10000, // tests never wait on the limiter
		Spawn:            fs.spawn,
	})
	if err := p.Spawn(context.Background(), n); err != nil {
		t.Fatal(err)
	}
	return p, fs
}

// TestPool_AssignPriority mirrors scenario S4: five tasks with priorities
// [1,3,2,3,1] on a two-worker pool leave the two priority-3 tasks running.
func TestPool_AssignPriority(t *testing.T) {
	pool, _ := newTestPool(t, 2)
	q := taskqueue.New(3)
	base := time.Now().UTC()
	for i, prio := range []int{1, 3, 2, 3, 1} {
		q.Enqueue(&model.Task{
			ID:        string(rune('a' + i)),
			Type:      model.TaskUserRequest,
			Priority:  prio,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}

	started := pool.Assign(q)
	if len(started) != 2 {
		t.Fatalf("started = %d, want 2", len(started))
	}
	for _, task := range started {
		if task.Priority != 3 {
			t.Errorf("started task %s has priority %d, want 3", task.ID, task.Priority)
		}
	}

	running := q.Running()
	if len(running) != 2 {
		t.Errorf("running = %d, want 2", len(running))
	}
	pending := q.Pending()
	if len(pending) != 3 {
		t.Fatalf("pending = %d, want 3", len(pending))
	}
	if pending[0].Priority != 2 || pending[1].Priority != 1 || pending[2].Priority != 1 {
		t.Errorf("pending priorities = [%d %d %d], want [2 1 1]",
			pending[0].Priority, pending[1].Priority, pending[2].Priority)
	}
}

func TestPool_AssignSetsStartedAt(t *testing.T) {
	pool, _ := newTestPool(t, 1)
	q := taskqueue.New(3)
	q.Enqueue(&model.Task{ID: "x", Type: model.TaskUserRequest})

	pool.Assign(q)
	task := q.Running()["x"]
	if task == nil || task.StartedAt == nil {
		t.Fatal("assigned task must be marked running with started_at set")
	}
}

func TestPool_TaskFinishedIdlesWorker(t *testing.T) {
	pool, _ := newTestPool(t, 1)
	q := taskqueue.New(3)
	q.Enqueue(&model.Task{ID: "x", Type: model.TaskUserRequest})
	pool.Assign(q)

	// Busy worker: no capacity for another task.
	q.Enqueue(&model.Task{ID: "y", Type: model.TaskUserRequest})
	if started := pool.Assign(q); len(started) != 0 {
		t.Fatal("busy worker accepted a second task")
	}

	pool.TaskFinished("x")
	if started := pool.Assign(q); len(started) != 1 || started[0].ID != "y" {
		t.Fatalf("idled worker did not pick up next task: %+v", started)
	}
}

// TestPool_DeadWorkerReaped: a dead process fails its in-flight task with
// reason worker_died and is respawned.
func TestPool_DeadWorkerReaped(t *testing.T) {
	pool, fs := newTestPool(t, 1)
	q := taskqueue.New(3)
	q.Enqueue(&model.Task{ID: "doomed", Type: model.TaskUserRequest})
	pool.Assign(q)

	fs.procs[0].alive = false
	pool.EnsureHealthy(context.Background(), time.Now().UTC())

	select {
	case ev := <-pool.Events():
		if ev.Kind != model.EventTaskFailed || ev.TaskID != "doomed" {
			t.Fatalf("event = %+v", ev)
		}
	default:
		t.Fatal("expected a task_failed event for the dead worker's task")
	}

	if pool.AliveCount() != 1 {
		t.Errorf("worker not respawned, alive = %d", pool.AliveCount())
	}
	if len(fs.procs) != 2 {
		t.Errorf("spawn count = %d, want 2", len(fs.procs))
	}
}

func TestPool_StaleHeartbeatReaped(t *testing.T) {
	fs := &fakeSpawner{}
	pool := New(Options{
		MaxWorkers:       1,
		HeartbeatTimeout: 10 * time.Second,
		SpawnRatePerSec:  10000,
		Spawn:            fs.spawn,
	})
	pool.Spawn(context.Background(), 1)

	// Heartbeat fresh: nothing happens.
	pool.EnsureHealthy(context.Background(), time.Now().UTC())
	if len(fs.procs) != 1 {
		t.Fatal("healthy worker was reaped")
	}

	// Advance the observed clock past the 10s heartbeat timeout.
	pool.EnsureHealthy(context.Background(), time.Now().UTC().Add(time.Minute))
	if len(fs.procs) != 2 {
		t.Errorf("stale worker not replaced, spawns = %d", len(fs.procs))
	}
}

// TestPool_CrashCeilingHalts checks testable property #8: more than N
// crashes inside the rolling window halt the pool.
func TestPool_CrashCeilingHalts(t *testing.T) {
	pool, fs := newTestPool(t, 1)
	now := time.Now().UTC()

	for i := 0; i < 4; i++ {
		fs.procs[len(fs.procs)-1].alive = false
		pool.EnsureHealthy(context.Background(), now.Add(time.Duration(i)*time.Second))
	}

	halted, reason := pool.Halted()
	if !halted {
		t.Fatal("pool should halt after 4 crashes in the window")
	}
	if reason == "" {
		t.Error("halt reason must be surfaced for /status")
	}
	// A halted pool assigns nothing.
	q := taskqueue.New(3)
	q.Enqueue(&model.Task{ID: "x", Type: model.TaskUserRequest})
	if started := pool.Assign(q); len(started) != 0 {
		t.Error("halted pool must not assign tasks")
	}
}

func TestPool_CrashesOutsideWindowForgotten(t *testing.T) {
	pool, fs := newTestPool(t, 1)
	now := time.Now().UTC()

	// Three crashes spread over ten minutes never trip a 120s window.
	for i := 0; i < 3; i++ {
		fs.procs[len(fs.procs)-1].alive = false
		pool.EnsureHealthy(context.Background(), now.Add(time.Duration(i)*5*time.Minute))
	}
	if halted, _ := pool.Halted(); halted {
		t.Error("crashes outside the rolling window must not halt the pool")
	}
}

func TestPool_KillClearsWorkers(t *testing.T) {
	pool, fs := newTestPool(t, 2)
	pool.Kill(true)
	if pool.AliveCount() != 0 {
		t.Error("workers remain after Kill")
	}
	for _, p := range fs.procs {
		if len(p.killed) == 0 || !p.killed[0] {
			t.Error("force kill not propagated to procs")
		}
	}
}

func TestPool_KillWorkerForTask(t *testing.T) {
	pool, fs := newTestPool(t, 1)
	q := taskqueue.New(3)
	q.Enqueue(&model.Task{ID: "t", Type: model.TaskUserRequest})
	pool.Assign(q)

	if !pool.KillWorkerForTask("t") {
		t.Fatal("worker for task not found")
	}
	if len(fs.procs[0].killed) == 0 {
		t.Error("kill not delivered")
	}
	if pool.KillWorkerForTask("missing") {
		t.Error("unknown task id should return false")
	}
}
