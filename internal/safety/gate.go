// Package safety implements the Safety Gate (spec §4.9): a dual-layer LLM
// security check that intercepts any tool call in the CHECKED set before
// it runs. A light model gives a fast verdict; anything but SAFE escalates
// to a heavy model for final judgment, nudged against false positives. A
// static pre-check (identity/safety-file mention plus a delete verb) hard
// blocks before either model is asked and cannot be overridden by them.
//
// Grounded on the original safety agent's two-layer check and CHECKED_TOOLS
// set, re-expressed with the providers.Provider interface as the LLM client.
package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"github.com/wationgarbarad/ouroboros/internal/config"
	"github.com/wationgarbarad/ouroboros/internal/model"
	"github.com/wationgarbarad/ouroboros/internal/providers"
	"github.com/wationgarbarad/ouroboros/internal/tools"
)

// EventSink receives the events Gate emits (llm_usage for every LLM call
// it makes, safety_verdict for every checked call) so the Event Dispatcher
// can route them the same way it routes worker events.
type EventSink func(model.Event)

// Gate is the supervisor's single Safety Gate instance.
type Gate struct {
	registry   *providers.Registry
	lightModel string
	heavyModel string
	prompt     string
	sink       EventSink
	limiter    *rate.Limiter
}

// NewGate builds a Gate from config. registry must already hold the
// providers referenced by cfg.Models.Light and cfg.Models.Code.
func NewGate(cfg *config.Config, registry *providers.Registry, sink EventSink) *Gate {
	rps := cfg.Safety.RateLimitRPS
	if rps <= 0 {
		rps = 2
	}
	heavy := cfg.Models.Code
	if heavy == "" {
		heavy = cfg.Models.Default
	}
	return &Gate{
		registry:   registry,
		lightModel: cfg.Models.Light,
		heavyModel: heavy,
		prompt:     loadPrompt(cfg.Safety.PromptPath),
		sink:       sink,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// Check decides whether a proposed tool call may execute (spec §4.9).
// ok is false when the static pre-check blocks, when the final verdict is
// DANGEROUS (or unparseable), or when the gate cannot reach a verdict (rate
// limiter wait fails, or the heavy layer's call errors). message
// is meant to be placed directly in the tool result seen by the model: "" on
// SAFE, a "⚠️ SAFETY_WARNING" prefix on SUSPICIOUS, or a "⚠️ SAFETY_VIOLATION"
// prefix when blocked.
func (g *Gate) Check(ctx context.Context, toolName string, arguments map[string]interface{}, recent []providers.Message) (ok bool, message string) {
	if !tools.IsCheckedTool(toolName) {
		return true, ""
	}

	argsJSON, _ := json.Marshal(arguments)

	if blocked, reason := staticPrecheck(string(argsJSON)); blocked {
		g.emitVerdict(toolName, StatusDangerous)
		return false, "⚠️ SAFETY_VIOLATION: " + reason
	}

	prompt := buildCheckPrompt(toolName, argsJSON, recent)

	if err := g.limiter.Wait(ctx); err != nil {
		return false, fmt.Sprintf("⚠️ SAFETY_VIOLATION: safety gate unavailable: %v", err)
	}

	fastVerdict, fastErr := g.ask(ctx, g.lightModel, g.prompt, prompt)
	if fastErr == nil && fastVerdict.Status == StatusSafe {
		g.emitVerdict(toolName, StatusSafe)
		return true, ""
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return false, fmt.Sprintf("⚠️ SAFETY_VIOLATION: safety gate unavailable: %v", err)
	}

	deepSystem := g.prompt +
		"\nThink carefully. Is this actually malicious, or just a normal development command? " +
		"The fast check flagged it — you are the final judge."
	deepVerdict, deepErr := g.ask(ctx, g.heavyModel, deepSystem, prompt)
	if deepErr != nil {
		g.emitVerdict(toolName, StatusDangerous)
		return false, fmt.Sprintf("⚠️ SAFETY_VIOLATION: safety check failed with error: %v", deepErr)
	}

	switch deepVerdict.Status {
	case StatusSafe:
		g.emitVerdict(toolName, StatusSafe)
		return true, ""
	case StatusSuspicious:
		g.emitVerdict(toolName, StatusSuspicious)
		return true, fmt.Sprintf(
			"⚠️ SAFETY_WARNING: the Safety Supervisor flagged this action as suspicious.\n"+
				"Reason: %s\n"+
				"The command was allowed, but consider whether this is the right approach.",
			deepVerdict.Reason)
	default:
		reason := deepVerdict.Reason
		if reason == "" {
			reason = "Unknown"
		}
		g.emitVerdict(toolName, StatusDangerous)
		return false, fmt.Sprintf(
			"⚠️ SAFETY_VIOLATION: the Safety Supervisor blocked this command.\n"+
				"Reason: %s\n\n"+
				"You must find a different, safer approach to achieve your goal.",
			reason)
	}
}

// ask runs one safety-check LLM call and parses its verdict.
func (g *Gate) ask(ctx context.Context, modelString, systemPrompt, userPrompt string) (Verdict, error) {
	provider, resolvedModel, err := g.registry.Resolve(modelString)
	if err != nil {
		return Verdict{}, err
	}
	resp, err := provider.Chat(ctx, providers.ChatRequest{
		Model: resolvedModel,
		Messages: []providers.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	})
	if err != nil {
		return Verdict{}, err
	}
	if resp.Usage != nil {
		g.emitUsage(resolvedModel, *resp.Usage)
	}
	return parseVerdict(resp.Content)
}

// emitVerdict records the gate decision for tools.jsonl (spec testable
// property: "every CHECKED tool call is preceded by a gate decision
// recorded in tools.jsonl"). The reason text itself travels to the model
// via the returned message, not the event.
func (g *Gate) emitVerdict(toolName, status string) {
	if g.sink == nil {
		return
	}
	g.sink(model.NewEvent(model.EventSafetyVerdict, "", model.ToolCallPayload{
		Name:        toolName,
		SafeVerdict: status,
		IsError:     status == StatusDangerous,
	}))
}

func (g *Gate) emitUsage(modelName string, usage providers.Usage) {
	if g.sink == nil {
		return
	}
	g.sink(model.NewEvent(model.EventLLMUsage, "", model.LLMUsagePayload{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		CachedTokens:     usage.CacheReadTokens,
		Model:            modelName,
	}))
}

// buildCheckPrompt assembles the proposed tool call plus recent context
// into the user-turn prompt shown to both safety layers.
func buildCheckPrompt(toolName string, argsJSON []byte, recent []providers.Message) string {
	pretty := argsJSON
	var raw interface{}
	if err := json.Unmarshal(argsJSON, &raw); err == nil {
		if enc, err := json.MarshalIndent(raw, "", "  "); err == nil {
			pretty = enc
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Proposed tool call:\nTool: %s\nArguments:\n```json\n%s\n```\n", toolName, pretty)
	if ctx := formatMessagesForSafety(recent); strings.TrimSpace(ctx) != "" {
		fmt.Fprintf(&b, "\nConversation context:\n%s\n", ctx)
	}
	b.WriteString("\nIs this safe?")
	return b.String()
}

// formatMessagesForSafety renders recent conversation turns into a compact
// context block: skips tool-role turns and empty content, truncates each
// message to 500 characters.
func formatMessagesForSafety(messages []providers.Message) string {
	var lines []string
	for _, m := range messages {
		if m.Role == "tool" || m.Content == "" {
			continue
		}
		text := m.Content
		if len(text) > 500 {
			text = text[:500] + "..."
		}
		lines = append(lines, fmt.Sprintf("[%s] %s", m.Role, text))
	}
	return strings.Join(lines, "\n")
}
