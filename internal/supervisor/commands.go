package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wationgarbarad/ouroboros/internal/model"
	"github.com/wationgarbarad/ouroboros/internal/msgbus"
	"github.com/wationgarbarad/ouroboros/internal/reposvc"
)

// handleInbound processes one drained inbox message: claim ownership on
// first contact, log it, execute control commands inline, and otherwise
// route to the chat agent (spec §4.7 step 8).
func (s *Supervisor) handleInbound(ctx context.Context, msg *msgbus.UpdateMessage) {
	chatID, userID, text := msg.Chat.ID, msg.From.ID, msg.Text

	s.mu.Lock()
	if s.state.OwnerID == "" {
		s.state.OwnerID = userID
		s.state.OwnerChatID = chatID
		slog.Info("supervisor.owner_claimed", "owner_id", userID, "chat_id", chatID)
	}
	s.state.LastOwnerMessageAt = time.Now().UTC()
	s.store.Save(s.state)
	s.mu.Unlock()

	s.store.AppendJSONL("chat", model.ChatMessage{
		Direction: "in", ChatID: chatID, UserID: userID, Text: text, Timestamp: time.Now().UTC(),
	})

	lowered := strings.ToLower(strings.TrimSpace(text))
	switch {
	case strings.HasPrefix(lowered, "/panic"):
		s.bus.Send(chatID, "🛑 PANIC: stopping everything now.", false)
		s.requestRestart(ctx, "panic", true)

	case strings.HasPrefix(lowered, "/restart"):
		s.bus.Send(chatID, "♻️ Restarting (soft).", false)
		s.requestRestart(ctx, "owner_restart", false)

	case strings.HasPrefix(lowered, "/review"):
		s.mu.Lock()
		s.queue.QueueReviewTask("owner:/review", true)
		s.mu.Unlock()
		s.bus.Send(chatID, "🔍 Review task queued.", false)

	case strings.HasPrefix(lowered, "/evolve"):
		s.handleEvolveCommand(chatID, lowered)

	case strings.HasPrefix(lowered, "/bg"):
		s.handleBackgroundCommand(chatID, lowered)

	case strings.HasPrefix(lowered, "/status"):
		s.bus.Send(chatID, s.StatusText(), false)

	default:
		s.conscious.InjectObservation("Owner message: " + truncate(text, 100))
		s.bus.SendAction(chatID, "typing")
		if injected := s.chat.Handle(ctx, chatID, text); injected {
			slog.Debug("supervisor.chat_injected", "chat_id", chatID)
		}
	}
}

func (s *Supervisor) handleEvolveCommand(chatID, lowered string) {
	parts := strings.Fields(lowered)
	action := "on"
	if len(parts) > 1 {
		action = parts[1]
	}
	turnOn := action != "off" && action != "stop" && action != "0"

	s.mu.Lock()
	s.state.EvolutionModeEnabled = turnOn
	s.store.Save(s.state)
	if !turnOn {
		// Turning evolution off drops any queued evolution tasks (spec §6).
		for _, t := range s.queue.Pending() {
			if t.Type == model.TaskEvolution {
				s.queue.Cancel(t.ID)
			}
		}
		s.queue.Snapshot(s.snapshotPath)
	}
	s.mu.Unlock()

	label := "OFF"
	if turnOn {
		label = "ON"
	}
	s.bus.Send(chatID, "🧬 Evolution: "+label, false)
}

func (s *Supervisor) handleBackgroundCommand(chatID, lowered string) {
	parts := strings.Fields(lowered)
	action := "status"
	if len(parts) > 1 {
		action = parts[1]
	}
	switch action {
	case "on", "start", "1":
		result := s.conscious.Start()
		s.mu.Lock()
		s.state.BackgroundConsciousnessEnabled = true
		s.store.Save(s.state)
		s.mu.Unlock()
		s.bus.Send(chatID, "🧠 "+result, false)
	case "off", "stop", "0":
		result := s.conscious.Stop()
		s.mu.Lock()
		s.state.BackgroundConsciousnessEnabled = false
		s.store.Save(s.state)
		s.mu.Unlock()
		s.bus.Send(chatID, "🧠 "+result, false)
	default:
		status := "stopped"
		if s.conscious.Running() {
			status = "running"
		}
		s.bus.Send(chatID, "🧠 Background consciousness: "+status, false)
	}
}

// StatusText renders the human-readable worker/queue/budget/branch summary
// served by /status and the CLI status command.
func (s *Supervisor) StatusText() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	workers := s.pool.Snapshot()
	busy := 0
	for _, w := range workers {
		if w.State == model.WorkerBusy {
			busy++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Workers: %d alive (%d busy / %d max)\n", len(workers), busy, s.cfg.Workers.PoolSize)
	fmt.Fprintf(&b, "Queue: %d pending, %d running\n", len(s.queue.Pending()), len(s.queue.Running()))
	fmt.Fprintf(&b, "Budget: $%.4f / $%.2f\n", s.state.SpentUSD, s.state.TotalBudgetLimit)
	fmt.Fprintf(&b, "Branch: %s@%s\n", s.state.CurrentBranch, truncate(s.state.CurrentSHA, 8))
	fmt.Fprintf(&b, "Session: %s | uptime %s\n", truncate(s.state.SessionID, 8), time.Since(s.startedAt).Round(time.Second))
	fmt.Fprintf(&b, "Evolution: %v | Background: %v", s.state.EvolutionModeEnabled, s.conscious.Running())

	if s.mcp != nil {
		for _, srv := range s.mcp.Status() {
			state := "down"
			if srv.Connected {
				state = "up"
			}
			fmt.Fprintf(&b, "\nMCP %s: %s (%d tools)", srv.Name, state, srv.ToolCount)
		}
	}

	if halted, reason := s.pool.Halted(); halted {
		fmt.Fprintf(&b, "\n🛑 %s", reason)
	}
	return b.String()
}

// requestRestart runs the Restart Protocol (spec §4.7): safe-restart the
// repo (skipped dirty-tree handling on panic), kill workers, rotate the
// session id and persist, then raise the process-level restart flag the
// host reads to exit with the distinguished code.
func (s *Supervisor) requestRestart(ctx context.Context, reason string, panicMode bool) {
	if !panicMode {
		policy := reposvc.RestartPolicy(s.cfg.Repo.RestartPolicy)
		if policy == "" {
			policy = reposvc.PolicyRescueAndReset
		}
		ok, msg := s.repo.SafeRestart(ctx, reason, policy)
		if !ok {
			s.notifyOwner("⚠️ Restart cancelled: " + msg)
			return
		}
	}

	s.mu.Lock()
	s.pool.Kill(panicMode)

	failReason := reason
	if panicMode {
		failReason = "panic"
	}
	for id := range s.queue.Running() {
		s.queue.CompleteTask(id, model.TaskFailed, &model.TaskResult{
			Reason: failReason, FinishedAt: time.Now().UTC(),
		})
	}

	s.store.NewSession(s.state)
	s.state.RestartRequested = true
	s.state.RestartReason = reason
	s.state.RunningAtLastShutdown = nil
	s.store.Save(s.state)
	s.queue.Snapshot(s.snapshotPath)
	s.mu.Unlock()

	s.setRestartRequested(reason)
	slog.Info("supervisor.restart_requested", "reason", reason, "panic", panicMode)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
