package providers

// ChatRequest.Options keys. Each provider maps these onto its own wire
// fields; unknown keys are ignored.
const (
	OptMaxTokens   = "max_tokens"
	OptTemperature = "temperature"

	// OptEffort is the reasoning effort tier carried per task: "low",
	// "medium" or "high" (spec §4.8; set by default config or the
	// switch_model tool). Anthropic maps it to an extended-thinking token
	// budget, OpenAI-compatible endpoints to reasoning_effort, DashScope
	// to enable_thinking + thinking_budget.
	OptEffort = "effort"
)
