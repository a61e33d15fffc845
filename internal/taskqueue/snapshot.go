package taskqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/wationgarbarad/ouroboros/internal/model"
)

// Snapshot serialises the pending list (not running) to path atomically,
// so pending work survives a crash (spec §3 QueueSnapshot, §4.3
// snapshot()/restore()).
func (q *Queue) Snapshot(path string) error {
	snap := model.QueueSnapshot{
		Pending: q.Pending(),
		SavedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("taskqueue: marshal snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// Restore reads path and rewrites pending from it (spec §4.3 restore()).
// A missing file is not an error — a fresh install has no snapshot yet.
func (q *Queue) Restore(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("taskqueue: read snapshot: %w", err)
	}
	var snap model.QueueSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("taskqueue: corrupt snapshot: %w", err)
	}
	q.pending = snap.Pending
	q.resort()
	return nil
}

// RequeueRunning moves every running task back into pending (status reset,
// started_at cleared), returning their IDs. The supervisor's clean shutdown
// calls this before its final snapshot so running work survives as pending
// (spec §4.4 auto_resume semantics on the shutdown side).
func (q *Queue) RequeueRunning() []string {
	var ids []string
	for id, t := range q.running {
		ids = append(ids, id)
		delete(q.running, id)
		t.Status = model.TaskPending
		t.StartedAt = nil
		q.pending = append(q.pending, t)
	}
	q.resort()
	return ids
}

// AutoResumeAfterRestart re-admits tasks that were marked running at
// last shutdown back into pending, at the front of the queue ahead of
// equal-priority newcomers (spec §4.4 auto_resume_after_restart()).
func (q *Queue) AutoResumeAfterRestart(runningAtLastShutdown []*model.Task) {
	for _, t := range runningAtLastShutdown {
		t.Status = model.TaskPending
		t.StartedAt = nil
		q.pending = append(q.pending, t)
	}
	q.resort()
}
