package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/wationgarbarad/ouroboros/internal/config"
	"github.com/wationgarbarad/ouroboros/internal/model"
)

// The methods below implement gateway.SupervisorAPI. They run on HTTP/WS
// goroutines, so every state/queue/pool read takes s.mu; writes that
// belong on the supervisor thread are funneled through the Message Bus
// inbox instead of mutating directly.

// StateSnapshot serves GET /api/state: the compact operational summary.
func (s *Supervisor) StateSnapshot(ctx context.Context) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	workers := s.pool.Snapshot()
	busy := 0
	for _, w := range workers {
		if w.State == model.WorkerBusy {
			busy++
		}
	}
	halted, haltReason := s.pool.Halted()

	return map[string]interface{}{
		"session_id":        s.state.SessionID,
		"uptime_seconds":    int(time.Since(s.startedAt).Seconds()),
		"workers_alive":     len(workers),
		"workers_busy":      busy,
		"workers_total":     s.cfg.Workers.PoolSize,
		"pending":           len(s.queue.Pending()),
		"running":           len(s.queue.Running()),
		"spent_usd":         s.state.SpentUSD,
		"budget_usd":        s.state.TotalBudgetLimit,
		"branch":            s.state.CurrentBranch,
		"sha":               s.state.CurrentSHA,
		"evolution_mode":    s.state.EvolutionModeEnabled,
		"background":        s.conscious.Running(),
		"pool_halted":       halted,
		"pool_halt_reason":  haltReason,
		"restart_requested": s.RestartRequested(),
	}, nil
}

// SettingsGet returns the config with secret fields redacted (spec §6).
func (s *Supervisor) SettingsGet(ctx context.Context) (interface{}, error) {
	raw, err := json.Marshal(s.cfg)
	if err != nil {
		return nil, err
	}
	var tree map[string]interface{}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}
	redactSecrets(tree)
	return tree, nil
}

// redactSecrets blanks any api_key/token leaf, recursively.
func redactSecrets(tree map[string]interface{}) {
	for k, v := range tree {
		switch val := v.(type) {
		case map[string]interface{}:
			redactSecrets(val)
		case string:
			if (k == "api_key" || k == "token" || k == "auth_key") && val != "" {
				tree[k] = "••••••••"
			}
		}
	}
}

// SettingsSet overlays a JSON patch onto the config and persists it
// atomically; env-var secrets keep precedence.
func (s *Supervisor) SettingsSet(ctx context.Context, patch json.RawMessage) (interface{}, error) {
	updated := config.Default()
	base, _ := json.Marshal(s.cfg)
	if err := json.Unmarshal(base, updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(patch, updated); err != nil {
		return nil, fmt.Errorf("invalid settings patch: %w", err)
	}
	updated.ApplyEnvOverrides()
	s.cfg.ReplaceFrom(updated)

	if err := config.Save(s.settingsPath(), s.cfg); err != nil {
		return nil, err
	}
	return map[string]string{"status": "saved"}, nil
}

func (s *Supervisor) settingsPath() string {
	if s.configPath != "" {
		return s.configPath
	}
	return s.cfg.DataDir() + "/settings.json"
}

// Command serves POST /api/command: inject a control command into the
// inbox so it runs on the supervisor thread like any owner message.
func (s *Supervisor) Command(ctx context.Context, text string) (interface{}, error) {
	if text == "" {
		return nil, fmt.Errorf("empty command")
	}
	if !s.bus.UISend(text) {
		return nil, fmt.Errorf("inbox full")
	}
	return map[string]string{"status": "queued"}, nil
}

// Reset serves POST /api/reset: delete the append-log files.
func (s *Supervisor) Reset(ctx context.Context) (interface{}, error) {
	removed := 0
	for _, kind := range []string{"chat", "tools", "events", "progress"} {
		path := s.store.LogPath(kind)
		if err := os.Remove(path); err == nil {
			removed++
		}
		for i := 1; i <= 3; i++ {
			os.Remove(fmt.Sprintf("%s.%d", path, i))
		}
	}
	return map[string]int{"removed": removed}, nil
}

// GitLog serves GET /api/git/log.
func (s *Supervisor) GitLog(ctx context.Context, limit int) (interface{}, error) {
	commits, err := s.repo.ListCommits(ctx, limit)
	if err != nil {
		return nil, err
	}
	versions, _ := s.repo.ListVersions(ctx, limit)
	return map[string]interface{}{"commits": commits, "versions": versions}, nil
}

// GitRollback serves POST /api/git/rollback. The caller is responsible for
// issuing /restart afterwards (spec §4.2).
func (s *Supervisor) GitRollback(ctx context.Context, ref string) (interface{}, error) {
	if ref == "" {
		return nil, fmt.Errorf("ref is required")
	}
	ok, msg := s.repo.RollbackTo(ctx, ref)
	if !ok {
		return nil, fmt.Errorf("%s", msg)
	}
	s.refreshRepoState(ctx)
	return map[string]string{"status": "ok", "message": msg}, nil
}

// GitPromote serves POST /api/git/promote.
func (s *Supervisor) GitPromote(ctx context.Context) (interface{}, error) {
	ok, msg := s.repo.PromoteToStable(ctx)
	if !ok {
		return nil, fmt.Errorf("%s", msg)
	}
	s.refreshRepoState(ctx)
	return map[string]string{"status": "ok", "message": msg}, nil
}

// refreshRepoState mirrors branch/sha onto State after a successful repo
// operation (spec §3 invariant).
func (s *Supervisor) refreshRepoState(ctx context.Context) {
	snap, err := s.repo.CurrentSnapshot(ctx)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.state.CurrentBranch = snap.Branch
	s.state.CurrentSHA = snap.SHA
	s.store.Save(s.state)
	s.mu.Unlock()
}

// ChatSend pushes a user message into the inbox, same as typing in the UI.
func (s *Supervisor) ChatSend(ctx context.Context, chatID, text string) (interface{}, error) {
	if text == "" {
		return nil, fmt.Errorf("empty message")
	}
	if !s.bus.UISend(text) {
		return nil, fmt.Errorf("inbox full")
	}
	return map[string]string{"status": "queued"}, nil
}

// ChatHistory tails the chat.jsonl log.
func (s *Supervisor) ChatHistory(ctx context.Context, chatID string, limit int) (interface{}, error) {
	if limit <= 0 {
		limit = 50
	}
	f, err := os.Open(s.store.LogPath("chat"))
	if err != nil {
		if os.IsNotExist(err) {
			return []model.ChatMessage{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var messages []model.ChatMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg model.ChatMessage
		if json.Unmarshal(scanner.Bytes(), &msg) != nil {
			continue
		}
		if chatID != "" && msg.ChatID != chatID {
			continue
		}
		messages = append(messages, msg)
	}
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

// ChatInject appends text to the resident chat agent's ongoing run.
func (s *Supervisor) ChatInject(ctx context.Context, taskID, text string) (interface{}, error) {
	loop := s.chat.Current()
	if loop == nil || !loop.Busy() {
		return nil, fmt.Errorf("no chat run in flight")
	}
	if !loop.Inject(text) {
		return nil, fmt.Errorf("inject buffer full")
	}
	return map[string]string{"status": "injected"}, nil
}

// TasksList returns pending and running tasks.
func (s *Supervisor) TasksList(ctx context.Context) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	running := make([]*model.Task, 0, len(s.queue.Running()))
	for _, t := range s.queue.Running() {
		running = append(running, t)
	}
	return map[string]interface{}{
		"pending": s.queue.Pending(),
		"running": running,
	}, nil
}

// TasksCancel cancels a pending task or flags a running one for interrupt.
func (s *Supervisor) TasksCancel(ctx context.Context, taskID string) (interface{}, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task_id is required")
	}
	s.mu.Lock()
	ok := s.queue.Cancel(taskID)
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	return map[string]string{"status": "cancelled"}, nil
}

// UsageGet reports budget spend.
func (s *Supervisor) UsageGet(ctx context.Context) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"spent_usd":   s.state.SpentUSD,
		"limit_usd":   s.state.TotalBudgetLimit,
		"over_budget": s.state.OverBudget(),
		"session_id":  s.state.SessionID,
	}, nil
}
