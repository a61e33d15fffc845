package safety

import (
	"context"
	"testing"

	"github.com/wationgarbarad/ouroboros/internal/config"
	"github.com/wationgarbarad/ouroboros/internal/model"
	"github.com/wationgarbarad/ouroboros/internal/providers"
)

// scriptedProvider returns a fixed verdict JSON on every Chat call,
// regardless of model, so the fast and deep layers can be scripted
// independently by registering it under both the light and heavy model
// strings used in a test.
type scriptedProvider struct {
	name    string
	content string
}

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return &providers.ChatResponse{
		Content: p.content,
		Usage:   &providers.Usage{PromptTokens: 10, CompletionTokens: 5},
	}, nil
}

func (p *scriptedProvider) DefaultModel() string { return "default" }
func (p *scriptedProvider) Name() string         { return p.name }

func newTestGate(t *testing.T, lightVerdict, heavyVerdict string) (*Gate, *[]model.Event) {
	t.Helper()
	registry := providers.NewRegistry()
	registry.Register(&scriptedProvider{name: "light", content: lightVerdict})
	registry.Register(&scriptedProvider{name: "heavy", content: heavyVerdict})

	events := new([]model.Event)
	cfg := &config.Config{}
	cfg.Models.Light = "light/fast-model"
	cfg.Models.Code = "heavy/deep-model"
	cfg.Safety.RateLimitRPS = 1000 // don't let the test wait on the limiter

	return NewGate(cfg, registry, func(e model.Event) { *events = append(*events, e) }), events
}

func TestGate_Check_NonCheckedToolPassesWithoutLLMCall(t *testing.T) {
	gate, _ := newTestGate(t, `{"status":"DANGEROUS","reason":"should never be asked"}`, `{"status":"DANGEROUS","reason":"should never be asked"}`)
	ok, msg := gate.Check(context.Background(), "read_file", map[string]interface{}{"path": "x"}, nil)
	if !ok || msg != "" {
		t.Fatalf("expected unchecked tool to pass silently, got ok=%v msg=%q", ok, msg)
	}
}

func TestGate_Check_FastSafeShortCircuits(t *testing.T) {
	gate, _ := newTestGate(t, `{"status":"SAFE","reason":""}`, `{"status":"DANGEROUS","reason":"unused"}`)
	ok, msg := gate.Check(context.Background(), "run_shell", map[string]interface{}{"command": "ls"}, nil)
	if !ok || msg != "" {
		t.Fatalf("expected SAFE fast check to short-circuit, got ok=%v msg=%q", ok, msg)
	}
}

func TestGate_Check_SuspiciousDeepAllowsWithWarning(t *testing.T) {
	gate, _ := newTestGate(t, `{"status":"SUSPICIOUS","reason":"touches many files"}`, `{"status":"SUSPICIOUS","reason":"touches many files"}`)
	ok, msg := gate.Check(context.Background(), "run_shell", map[string]interface{}{"command": "find . -delete"}, nil)
	if !ok {
		t.Fatal("expected SUSPICIOUS to allow execution")
	}
	if msg == "" {
		t.Fatal("expected a SAFETY_WARNING message")
	}
}

// TestGate_Check_DangerousBlocks mirrors scenario S6: a destructive shell
// command is flagged DANGEROUS by both layers and must be blocked with a
// SAFETY_VIOLATION-prefixed message.
func TestGate_Check_DangerousBlocks(t *testing.T) {
	gate, events := newTestGate(t, `{"status":"DANGEROUS","reason":"recursive delete of home dir"}`, `{"status":"DANGEROUS","reason":"recursive delete of home dir"}`)
	ok, msg := gate.Check(context.Background(), "run_shell", map[string]interface{}{"command": "rm -rf ~"}, nil)
	if ok {
		t.Fatal("expected DANGEROUS verdict to block execution")
	}
	if len(msg) < len("⚠️ SAFETY_VIOLATION") || msg[:len("⚠️ SAFETY_VIOLATION")] != "⚠️ SAFETY_VIOLATION" {
		t.Fatalf("expected message to begin with SAFETY_VIOLATION prefix, got %q", msg)
	}

	var sawVerdict bool
	for _, e := range *events {
		if e.Kind == model.EventSafetyVerdict {
			sawVerdict = true
		}
	}
	if !sawVerdict {
		t.Error("expected a safety_verdict event to be emitted")
	}
}

func TestGate_Check_StaticPrecheckBypassesLLM(t *testing.T) {
	gate, _ := newTestGate(t, `{"status":"SAFE","reason":""}`, `{"status":"SAFE","reason":""}`)
	ok, msg := gate.Check(context.Background(), "run_shell", map[string]interface{}{"command": "rm BIBLE.md"}, nil)
	if ok {
		t.Fatal("expected static precheck to block regardless of SAFE LLM verdicts")
	}
	if msg == "" {
		t.Fatal("expected a violation message from the static precheck")
	}
}

func TestGate_Check_UnparseableDeepResponseBlocks(t *testing.T) {
	gate, _ := newTestGate(t, `{"status":"SUSPICIOUS","reason":"maybe"}`, "not json at all")
	ok, _ := gate.Check(context.Background(), "run_shell", map[string]interface{}{"command": "echo hi"}, nil)
	if ok {
		t.Fatal("expected unparseable deep response to fail safe (block)")
	}
}
