// Package agentloop implements the per-task LLM↔tool reasoning loop
// (spec §4.8). Each Loop serves exactly one task: it alternates LLM turns
// with tool execution, reports usage and progress on the shared event
// channel, honors its cooperative interrupt at exactly two checkpoints
// (between LLM turns and between tool calls), and drains injected user
// messages before each LLM call.
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wationgarbarad/ouroboros/internal/model"
	"github.com/wationgarbarad/ouroboros/internal/providers"
	"github.com/wationgarbarad/ouroboros/internal/safety"
	"github.com/wationgarbarad/ouroboros/internal/tools"
)

// EventSink receives every event the Loop emits.
type EventSink func(model.Event)

// Config configures a new Loop.
type Config struct {
	TaskID       string
	ChatID       string
	Instruction  string
	SystemPrompt string

	Providers *providers.Registry
	Model     string // "<provider>/<model>" default for this task
	Effort    string // reasoning effort tier: "low", "medium", "high"
	MaxTokens int

	Tools  *tools.Registry
	Policy *tools.PolicyEngine
	Gate   *safety.Gate // nil disables the safety gate (tests only)

	Sink       EventSink
	Interrupt  func() bool // cooperative interrupt check (the worker passes its soft-timeout deadline)
	OverBudget func() bool // admission check before each LLM turn

	MaxIterations int
	InjectBuffer  int
}

// Loop is one agent reasoning loop instance.
type Loop struct {
	cfg    Config
	busy   atomic.Bool
	inject chan string

	// model/effort overrides set by the switch_model tool; they live for
	// this task only and die with the Loop.
	model  string
	effort string

	tracer trace.Tracer
}

// Result is the outcome of a completed run.
type Result struct {
	Content    string
	Iterations int
	Status     model.TaskStatus
	Reason     string
}

// New creates a Loop for one task.
func New(cfg Config) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 30
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	if cfg.InjectBuffer <= 0 {
		cfg.InjectBuffer = 32
	}
	return &Loop{
		cfg:    cfg,
		inject: make(chan string, cfg.InjectBuffer),
		model:  cfg.Model,
		effort: cfg.Effort,
		tracer: otel.Tracer("ouroboros/agentloop"),
	}
}

// Busy reports whether a Run is in flight. The chat agent uses this to
// decide between starting a run and injecting into the ongoing one
// (spec §4.4, testable property #7).
func (l *Loop) Busy() bool { return l.busy.Load() }

// Inject appends text to the ongoing conversation; it is read between LLM
// turns and added as a user message before the next call (spec §4.8 step 6).
// Returns false if the injection buffer is full.
func (l *Loop) Inject(text string) bool {
	select {
	case l.inject <- text:
		return true
	default:
		return false
	}
}

// Run executes the loop to completion. The returned Result always carries a
// terminal status; the matching task_complete/task_failed/task_cancelled
// event has already been emitted when Run returns.
func (l *Loop) Run(ctx context.Context) Result {
	l.busy.Store(true)
	defer l.busy.Store(false)

	messages := []providers.Message{
		{Role: "system", Content: l.cfg.SystemPrompt},
		{Role: "user", Content: l.cfg.Instruction},
	}

	iteration := 0
	for iteration < l.cfg.MaxIterations {
		// Checkpoint 1 of 2: between LLM turns.
		if l.interrupted() {
			return l.finish(model.TaskCancelled, "interrupted", "", iteration)
		}

		messages = l.drainInjections(messages)

		if l.cfg.OverBudget != nil && l.cfg.OverBudget() {
			return l.finish(model.TaskFailed, "budget", "", iteration)
		}

		iteration++
		resp, err := l.chatWithRetry(ctx, messages)
		if err != nil {
			return l.finish(model.TaskFailed, "llm_error: "+err.Error(), "", iteration)
		}

		if resp.Usage != nil {
			l.emit(model.NewEvent(model.EventLLMUsage, l.cfg.TaskID, model.LLMUsagePayload{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				CachedTokens:     resp.Usage.CacheReadTokens,
				Model:            l.model,
			}))
		}

		if len(resp.ToolCalls) == 0 {
			content := strings.TrimSpace(resp.Content)
			l.emit(model.NewEvent(model.EventChatOut, l.cfg.TaskID, model.ChatOutPayload{
				ChatID: l.cfg.ChatID,
				Text:   content,
			}))
			return l.finish(model.TaskComplete, "", content, iteration)
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
			// Raw blocks carry thinking signatures the provider needs
			// replayed on the next turn.
			RawAssistantContent: resp.RawAssistantContent,
		})

		for _, tc := range resp.ToolCalls {
			// Checkpoint 2 of 2: between tool calls.
			if l.interrupted() {
				return l.finish(model.TaskCancelled, "interrupted", "", iteration)
			}
			messages = append(messages, l.executeToolCall(ctx, tc, messages))
		}
	}

	return l.finish(model.TaskFailed, fmt.Sprintf("max iterations (%d) reached", l.cfg.MaxIterations), "", iteration)
}

// executeToolCall runs one tool call through the safety gate and the
// registry, returning the tool-role message to append.
func (l *Loop) executeToolCall(ctx context.Context, tc providers.ToolCall, messages []providers.Message) providers.Message {
	toolMsg := func(content string) providers.Message {
		return providers.Message{Role: "tool", Content: content, ToolCallID: tc.ID}
	}

	if tc.Name == switchModelName {
		return toolMsg(l.handleSwitchModel(tc.Arguments))
	}

	var warning string
	if l.cfg.Gate != nil {
		ok, msg := l.cfg.Gate.Check(ctx, tc.Name, tc.Arguments, recentContext(messages, 6))
		if !ok {
			l.emitToolCall(tc, true, 0)
			return toolMsg(msg)
		}
		warning = msg
	}

	tool, ok := l.cfg.Tools.Get(tc.Name)
	if !ok {
		msg := fmt.Sprintf("tool error: unknown tool %q", tc.Name)
		l.emitToolCall(tc, true, 0)
		return toolMsg(msg)
	}

	start := time.Now()
	toolCtx, span := l.tracer.Start(ctx, "tool."+tc.Name,
		trace.WithAttributes(attribute.String("task_id", l.cfg.TaskID)))
	result := tool.Execute(toolCtx, tc.Arguments)
	span.End()

	content := result.Output
	if warning != "" {
		content = warning + "\n\n" + content
	}
	l.emitToolCall(tc, result.IsError, time.Since(start).Milliseconds())
	return toolMsg(content)
}

// recentContext returns the last n non-system conversation turns, used as
// context for the safety gate's verdict.
func recentContext(messages []providers.Message, n int) []providers.Message {
	var filtered []providers.Message
	for _, m := range messages {
		if m.Role == "system" {
			continue
		}
		filtered = append(filtered, m)
	}
	if len(filtered) > n {
		filtered = filtered[len(filtered)-n:]
	}
	return filtered
}

// chatWithRetry performs one LLM turn, retrying transient provider errors
// with exponential back-off up to a small limit (spec §7).
func (l *Loop) chatWithRetry(ctx context.Context, messages []providers.Message) (*providers.ChatResponse, error) {
	const maxAttempts = 3

	provider, resolvedModel, err := l.cfg.Providers.Resolve(l.model)
	if err != nil {
		return nil, err
	}

	defs := l.toolDefs()
	req := providers.ChatRequest{
		Messages: messages,
		Tools:    defs,
		Model:    resolvedModel,
		Options: map[string]interface{}{
			providers.OptMaxTokens: l.cfg.MaxTokens,
		},
	}
	if l.effort != "" {
		req.Options[providers.OptEffort] = l.effort
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		llmCtx, span := l.tracer.Start(ctx, "llm.chat", trace.WithAttributes(
			attribute.String("task_id", l.cfg.TaskID),
			attribute.String("model", resolvedModel),
			attribute.Int("attempt", attempt),
		))
		resp, err := provider.Chat(llmCtx, req)
		span.End()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		slog.Warn("agentloop.llm_retry", "task_id", l.cfg.TaskID, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(1<<attempt) * time.Second):
		}
	}
	return nil, fmt.Errorf("llm call failed after %d attempts: %w", maxAttempts, lastErr)
}

// toolDefs builds the schema list sent to the provider: policy-filtered
// registry tools plus the built-in switch_model tool.
func (l *Loop) toolDefs() []providers.ToolDefinition {
	var defs []providers.ToolDefinition
	if l.cfg.Policy != nil {
		defs = l.cfg.Policy.FilterTools(l.cfg.Tools)
	} else if l.cfg.Tools != nil {
		for _, name := range l.cfg.Tools.List() {
			if t, ok := l.cfg.Tools.Get(name); ok {
				defs = append(defs, tools.ToProviderDef(t))
			}
		}
	}
	return append(defs, switchModelDef())
}

// drainInjections moves every pending injected message into the stream as
// user messages, FIFO, before the next LLM call.
func (l *Loop) drainInjections(messages []providers.Message) []providers.Message {
	for {
		select {
		case text := <-l.inject:
			messages = append(messages, providers.Message{Role: "user", Content: text})
		default:
			return messages
		}
	}
}

func (l *Loop) interrupted() bool {
	return l.cfg.Interrupt != nil && l.cfg.Interrupt()
}

func (l *Loop) finish(status model.TaskStatus, reason, content string, iterations int) Result {
	var kind model.EventKind
	switch status {
	case model.TaskComplete:
		kind = model.EventTaskComplete
	case model.TaskCancelled:
		kind = model.EventTaskCancelled
	default:
		kind = model.EventTaskFailed
	}
	l.emit(model.NewEvent(kind, l.cfg.TaskID, model.TaskTerminalPayload{Reason: reason}))
	return Result{Content: content, Iterations: iterations, Status: status, Reason: reason}
}

func (l *Loop) emit(ev model.Event) {
	if l.cfg.Sink != nil {
		l.cfg.Sink(ev)
	}
}

func (l *Loop) emitToolCall(tc providers.ToolCall, isError bool, durationMS int64) {
	args, _ := json.Marshal(tc.Arguments)
	l.emit(model.NewEvent(model.EventToolCall, l.cfg.TaskID, model.ToolCallPayload{
		Name:       tc.Name,
		ArgsJSON:   string(args),
		IsError:    isError,
		DurationMS: durationMS,
	}))
}
