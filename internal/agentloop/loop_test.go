package agentloop

import (
	"context"
	"sync"
	"testing"

	"github.com/wationgarbarad/ouroboros/internal/model"
	"github.com/wationgarbarad/ouroboros/internal/providers"
	"github.com/wationgarbarad/ouroboros/internal/tools"
)

// scriptedProvider pops one scripted response per Chat call and records the
// request messages it saw.
type scriptedProvider struct {
	mu       sync.Mutex
	script   []*providers.ChatResponse
	requests []providers.ChatRequest
}

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.script) == 0 {
		return &providers.ChatResponse{Content: "default final"}, nil
	}
	resp := p.script[0]
	p.script = p.script[1:]
	return resp, nil
}

func (p *scriptedProvider) DefaultModel() string { return "scripted-model" }
func (p *scriptedProvider) Name() string         { return "fake" }

// echoTool records invocations and returns a fixed result.
type echoTool struct {
	calls []map[string]interface{}
}

func (e *echoTool) Name() string        { return "echo" }
func (e *echoTool) Description() string { return "echoes" }
func (e *echoTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (e *echoTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	e.calls = append(e.calls, args)
	return tools.Text("echoed")
}

type loopFixture struct {
	provider *scriptedProvider
	tool     *echoTool
	events   []model.Event
	loop     *Loop
}

func newLoopFixture(t *testing.T, script []*providers.ChatResponse, mutate func(*Config)) *loopFixture {
	t.Helper()
	f := &loopFixture{provider: &scriptedProvider{script: script}, tool: &echoTool{}}

	reg := providers.NewRegistry()
	reg.Register(f.provider)

	toolReg := tools.NewRegistry()
	toolReg.Register(f.tool)

	cfg := Config{
		TaskID:      "task-1",
		ChatID:      "1",
		Instruction: "do the thing",
		Providers:   reg,
		Model:       "fake/scripted-model",
		Tools:       toolReg,
		Sink:        func(ev model.Event) { f.events = append(f.events, ev) },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.loop = New(cfg)
	return f
}

func (f *loopFixture) eventKinds() []model.EventKind {
	kinds := make([]model.EventKind, 0, len(f.events))
	for _, e := range f.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func TestLoop_FinalMessageCompletes(t *testing.T) {
	f := newLoopFixture(t, []*providers.ChatResponse{
		{Content: "all done", Usage: &providers.Usage{PromptTokens: 10, CompletionTokens: 5}},
	}, nil)

	result := f.loop.Run(context.Background())
	if result.Status != model.TaskComplete {
		t.Fatalf("status = %v, reason %q", result.Status, result.Reason)
	}
	if result.Content != "all done" {
		t.Errorf("content = %q", result.Content)
	}

	var sawUsage, sawChatOut, sawComplete bool
	for _, e := range f.events {
		switch e.Kind {
		case model.EventLLMUsage:
			sawUsage = true
		case model.EventChatOut:
			sawChatOut = true
		case model.EventTaskComplete:
			sawComplete = true
		}
	}
	if !sawUsage || !sawChatOut || !sawComplete {
		t.Errorf("missing events, got %v", f.eventKinds())
	}
}

func TestLoop_ToolCallThenFinal(t *testing.T) {
	f := newLoopFixture(t, []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{{ID: "c1", Name: "echo", Arguments: map[string]interface{}{"x": "1"}}}},
		{Content: "used the tool"},
	}, nil)

	result := f.loop.Run(context.Background())
	if result.Status != model.TaskComplete || result.Iterations != 2 {
		t.Fatalf("result = %+v", result)
	}
	if len(f.tool.calls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(f.tool.calls))
	}

	// The tool result must be in the second request's message stream.
	second := f.provider.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || last.Content != "echoed" || last.ToolCallID != "c1" {
		t.Errorf("tool message not appended: %+v", last)
	}
}

// TestLoop_InterruptBeforeTurn checks testable property #4: a set interrupt
// flag stops the loop before any new LLM turn begins.
func TestLoop_InterruptBeforeTurn(t *testing.T) {
	f := newLoopFixture(t, nil, func(c *Config) {
		c.Interrupt = func() bool { return true }
	})

	result := f.loop.Run(context.Background())
	if result.Status != model.TaskCancelled {
		t.Fatalf("status = %v, want cancelled", result.Status)
	}
	if len(f.provider.requests) != 0 {
		t.Error("no LLM turn may start after the interrupt flag is set")
	}
	kinds := f.eventKinds()
	if len(kinds) != 1 || kinds[0] != model.EventTaskCancelled {
		t.Errorf("events = %v, want exactly [task_cancelled]", kinds)
	}
}

func TestLoop_InterruptBetweenToolCalls(t *testing.T) {
	interrupted := false
	f := newLoopFixture(t, []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{
			{ID: "c1", Name: "echo", Arguments: map[string]interface{}{}},
			{ID: "c2", Name: "echo", Arguments: map[string]interface{}{}},
		}},
	}, func(c *Config) {
		c.Interrupt = func() bool { return interrupted }
	})
	// The first tool execution flips the flag, so the checkpoint between
	// tool calls must stop the second one.
	f.loop.cfg.Tools = wrapInterrupting(f.tool, &interrupted)

	result := f.loop.Run(context.Background())
	if result.Status != model.TaskCancelled {
		t.Fatalf("status = %v, want cancelled", result.Status)
	}
	if len(f.tool.calls) != 1 {
		t.Errorf("tool calls = %d, want 1 (second blocked by interrupt)", len(f.tool.calls))
	}
}

// wrapInterrupting returns a registry whose echo tool sets the interrupt
// flag as a side effect of executing.
func wrapInterrupting(inner *echoTool, flag *bool) *tools.Registry {
	reg := tools.NewRegistry()
	reg.Register(&interruptingTool{inner: inner, flag: flag})
	return reg
}

type interruptingTool struct {
	inner *echoTool
	flag  *bool
}

func (i *interruptingTool) Name() string                       { return i.inner.Name() }
func (i *interruptingTool) Description() string                { return i.inner.Description() }
func (i *interruptingTool) Parameters() map[string]interface{} { return i.inner.Parameters() }
func (i *interruptingTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	res := i.inner.Execute(ctx, args)
	*i.flag = true
	return res
}

// TestLoop_BudgetRefusal mirrors scenario S3's downstream effect: with the
// budget exhausted, the loop refuses to initiate the next LLM turn.
func TestLoop_BudgetRefusal(t *testing.T) {
	f := newLoopFixture(t, nil, func(c *Config) {
		c.OverBudget = func() bool { return true }
	})

	result := f.loop.Run(context.Background())
	if result.Status != model.TaskFailed || result.Reason != "budget" {
		t.Fatalf("result = %+v, want failed(budget)", result)
	}
	if len(f.provider.requests) != 0 {
		t.Error("no LLM call may be made over budget")
	}
}

// TestLoop_InjectionsDrainFIFO checks testable property #7's message half:
// injected text lands in the stream as user messages, in order, before the
// next LLM call.
func TestLoop_InjectionsDrainFIFO(t *testing.T) {
	f := newLoopFixture(t, []*providers.ChatResponse{{Content: "final"}}, nil)

	f.loop.Inject("first")
	f.loop.Inject("second")

	f.loop.Run(context.Background())

	msgs := f.provider.requests[0].Messages
	n := len(msgs)
	if n < 4 {
		t.Fatalf("messages = %d, want system+user+2 injections", n)
	}
	if msgs[n-2].Content != "first" || msgs[n-1].Content != "second" {
		t.Errorf("injection order wrong: %q then %q", msgs[n-2].Content, msgs[n-1].Content)
	}
	if msgs[n-1].Role != "user" {
		t.Errorf("injected role = %q, want user", msgs[n-1].Role)
	}
}

func TestLoop_SwitchModelOverride(t *testing.T) {
	f := newLoopFixture(t, []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{{ID: "c1", Name: "switch_model",
			Arguments: map[string]interface{}{"model": "fake/other-model", "effort": "high"}}}},
		{Content: "done"},
	}, nil)

	f.loop.Run(context.Background())

	if f.loop.model != "fake/other-model" || f.loop.effort != "high" {
		t.Errorf("override not applied: model=%q effort=%q", f.loop.model, f.loop.effort)
	}
	// The second request must carry the resolved override model.
	if got := f.provider.requests[1].Model; got != "other-model" {
		t.Errorf("second request model = %q, want other-model", got)
	}
}

func TestLoop_SwitchModelRejectsUnknownProvider(t *testing.T) {
	f := newLoopFixture(t, []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{{ID: "c1", Name: "switch_model",
			Arguments: map[string]interface{}{"model": "missing/model"}}}},
		{Content: "done"},
	}, nil)

	f.loop.Run(context.Background())
	if f.loop.model != "fake/scripted-model" {
		t.Errorf("unknown provider must not change the model, got %q", f.loop.model)
	}
}

func TestLoop_MaxIterationsFails(t *testing.T) {
	// Script nothing: every turn returns a tool call, never a final.
	endless := make([]*providers.ChatResponse, 0, 8)
	for i := 0; i < 8; i++ {
		endless = append(endless, &providers.ChatResponse{
			ToolCalls: []providers.ToolCall{{ID: "c", Name: "echo", Arguments: map[string]interface{}{}}},
		})
	}
	f := newLoopFixture(t, endless, func(c *Config) { c.MaxIterations = 3 })

	result := f.loop.Run(context.Background())
	if result.Status != model.TaskFailed {
		t.Fatalf("status = %v, want failed on iteration cap", result.Status)
	}
	if len(f.provider.requests) != 3 {
		t.Errorf("llm turns = %d, want exactly 3", len(f.provider.requests))
	}
}

func TestLoop_BusyDuringRun(t *testing.T) {
	f := newLoopFixture(t, []*providers.ChatResponse{{Content: "done"}}, nil)
	if f.loop.Busy() {
		t.Error("loop busy before Run")
	}
	f.loop.Run(context.Background())
	if f.loop.Busy() {
		t.Error("loop busy after Run returned")
	}
}
