package providers

import "context"

const (
	dashscopeDefaultBase  = "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"
	dashscopeDefaultModel = "qwen3-max"
)

// DashScopeProvider rides the OpenAI-compatible endpoint but speaks
// DashScope's own thinking dialect: the effort tier becomes
// enable_thinking plus a thinking_budget instead of reasoning_effort.
type DashScopeProvider struct {
	*OpenAIProvider
}

// NewDashScopeProvider creates a DashScope provider.
func NewDashScopeProvider(apiKey, apiBase, defaultModel string) *DashScopeProvider {
	if apiBase == "" {
		apiBase = dashscopeDefaultBase
	}
	if defaultModel == "" {
		defaultModel = dashscopeDefaultModel
	}
	return &DashScopeProvider{
		OpenAIProvider: NewOpenAIProvider("dashscope", apiKey, apiBase, defaultModel),
	}
}

func (p *DashScopeProvider) Name() string { return "dashscope" }

// Chat translates the effort option before delegating to the base
// implementation.
func (p *DashScopeProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if effort, ok := req.Options[OptEffort].(string); ok && effort != "" {
		opts := make(map[string]interface{}, len(req.Options)+2)
		for k, v := range req.Options {
			opts[k] = v
		}
		delete(opts, OptEffort) // reasoning_effort is not a DashScope field
		opts["enable_thinking"] = true
		opts["thinking_budget"] = dashscopeEffortBudget(effort)
		req.Options = opts
	}
	return p.OpenAIProvider.Chat(ctx, req)
}

// dashscopeEffortBudget maps the effort tier to a thinking token budget.
func dashscopeEffortBudget(effort string) int {
	switch effort {
	case "low":
		return 4096
	case "high":
		return 32768
	default: // "medium"
		return 16384
	}
}
