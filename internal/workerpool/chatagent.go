package workerpool

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/wationgarbarad/ouroboros/internal/agentloop"
	"github.com/wationgarbarad/ouroboros/internal/model"
)

// ChatAgent is the resident Agent Loop serving the owner's conversational
// channel (spec §4.4). Exactly one loop instance exists at a time; while it
// is busy, new inbound text is injected into its ongoing conversation
// instead of starting a second loop (testable property #7). It runs on its
// own goroutine so chat I/O stays concurrent with the supervisor tick.
type ChatAgent struct {
	newLoop func(taskID, chatID, text string) *agentloop.Loop

	mu      sync.Mutex
	current *agentloop.Loop

	// OnBusy/OnIdle bracket each run; the Background Consciousness hooks
	// these to pause while the owner is actively chatting.
	OnBusy func()
	OnIdle func()
}

// NewChatAgent creates a ChatAgent whose loops are built by newLoop.
func NewChatAgent(newLoop func(taskID, chatID, text string) *agentloop.Loop) *ChatAgent {
	return &ChatAgent{newLoop: newLoop}
}

// Busy reports whether the resident loop is mid-run.
func (c *ChatAgent) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil && c.current.Busy()
}

// Handle routes one inbound chat message: inject into the ongoing run when
// busy, otherwise start a fresh run on its own goroutine. Returns true if
// the text was injected rather than starting a run.
func (c *ChatAgent) Handle(ctx context.Context, chatID, text string) (injected bool) {
	c.mu.Lock()
	if c.current != nil && c.current.Busy() {
		loop := c.current
		c.mu.Unlock()
		if !loop.Inject(text) {
			slog.Warn("chatagent.inject_dropped", "chat_id", chatID)
		}
		return true
	}

	taskID := "chat-" + uuid.NewString()
	loop := c.newLoop(taskID, chatID, text)
	c.current = loop
	c.mu.Unlock()

	go func() {
		if c.OnBusy != nil {
			c.OnBusy()
		}
		defer func() {
			if c.OnIdle != nil {
				c.OnIdle()
			}
		}()
		result := loop.Run(ctx)
		if result.Status != model.TaskComplete {
			slog.Warn("chatagent.run_ended", "status", result.Status, "reason", result.Reason)
		}
	}()
	return false
}

// Current returns the resident loop instance, if one exists.
func (c *ChatAgent) Current() *agentloop.Loop {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}
