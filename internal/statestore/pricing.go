package statestore

// ModelPrice carries per-1M-token USD rates for one model, used to compute
// a cost delta when the provider doesn't report one itself (spec §4.1).
type ModelPrice struct {
	InputPer1M  float64
	CachedPer1M float64
	OutputPer1M float64
}

// priceTable is the fallback pricing table consulted when a provider usage
// record carries no reported cost. Unknown models fall back to the
// "default" entry so budget accounting never silently drops spend.
var priceTable = map[string]ModelPrice{
	"anthropic/claude-opus-4.6":   {InputPer1M: 15.0, CachedPer1M: 1.5, OutputPer1M: 75.0},
	"anthropic/claude-sonnet-4.6": {InputPer1M: 3.0, CachedPer1M: 0.3, OutputPer1M: 15.0},
	"anthropic/claude-haiku-4.5":  {InputPer1M: 0.8, CachedPer1M: 0.08, OutputPer1M: 4.0},
	"openai/gpt-5":                {InputPer1M: 5.0, CachedPer1M: 0.5, OutputPer1M: 15.0},
	"openai/gpt-5-mini":           {InputPer1M: 0.5, CachedPer1M: 0.05, OutputPer1M: 2.0},
	"gemini/gemini-2.5-pro":       {InputPer1M: 1.25, CachedPer1M: 0.31, OutputPer1M: 10.0},
	"default":                     {InputPer1M: 3.0, CachedPer1M: 0.3, OutputPer1M: 15.0},
}

// RegisterModelPrice overrides or adds a pricing-table entry, e.g. from
// settings.json at startup.
func RegisterModelPrice(model string, p ModelPrice) { priceTable[model] = p }

// priceUsage converts a usage record into a USD delta. Cached tokens are
// billed at the cached rate and subtracted from prompt tokens before
// pricing the remainder at the input rate, per spec §4.1.
func priceUsage(model string, promptTokens, completionTokens, cachedTokens int) float64 {
	p, ok := priceTable[model]
	if !ok {
		p = priceTable["default"]
	}
	billablePrompt := promptTokens - cachedTokens
	if billablePrompt < 0 {
		billablePrompt = 0
	}
	cost := float64(billablePrompt)/1_000_000*p.InputPer1M +
		float64(cachedTokens)/1_000_000*p.CachedPer1M +
		float64(completionTokens)/1_000_000*p.OutputPer1M
	return cost
}
