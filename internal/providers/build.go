package providers

import (
	"github.com/wationgarbarad/ouroboros/internal/config"
)

const (
	openRouterBase = "https://openrouter.ai/api/v1"
	geminiBase     = "https://generativelanguage.googleapis.com/v1beta/openai"
)

// BuildRegistry constructs a Registry holding every provider the config
// carries credentials for. Both the supervisor process and each worker
// process call this, so providers are stateless beyond their HTTP client.
func BuildRegistry(cfg *config.Config) *Registry {
	reg := NewRegistry()
	p := cfg.Providers

	if p.Anthropic.APIKey != "" {
		reg.Register(NewAnthropicProvider(p.Anthropic.APIKey,
			WithAnthropicBaseURL(p.Anthropic.APIBase)))
	}
	if p.OpenAI.APIKey != "" {
		reg.Register(NewOpenAIProvider("openai", p.OpenAI.APIKey, p.OpenAI.APIBase, ""))
	}
	if p.OpenRouter.APIKey != "" {
		base := p.OpenRouter.APIBase
		if base == "" {
			base = openRouterBase
		}
		reg.Register(NewOpenAIProvider("openrouter", p.OpenRouter.APIKey, base, ""))
	}
	if p.Gemini.APIKey != "" {
		base := p.Gemini.APIBase
		if base == "" {
			base = geminiBase
		}
		reg.Register(NewOpenAIProvider("gemini", p.Gemini.APIKey, base, ""))
	}
	if p.DashScope.APIKey != "" {
		reg.Register(NewDashScopeProvider(p.DashScope.APIKey, p.DashScope.APIBase, ""))
	}
	return reg
}
