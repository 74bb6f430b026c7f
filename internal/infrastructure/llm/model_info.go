package llm

import "strings"

// ModelInfo carries the per-model facts the runner needs to report
// token usage: context window size and cost per million tokens.
type ModelInfo struct {
	ContextWindow     int
	InputCostPerMTok  float64
	OutputCostPerMTok float64
}

// modelInfoTable maps model-ID substrings to their published limits and
// prices. Matched in order; the first hit wins, so more specific
// entries come first.
var modelInfoTable = []struct {
	match string
	info  ModelInfo
}{
	{"claude-3-5-haiku", ModelInfo{ContextWindow: 200000, InputCostPerMTok: 0.80, OutputCostPerMTok: 4.00}},
	{"claude", ModelInfo{ContextWindow: 200000, InputCostPerMTok: 3.00, OutputCostPerMTok: 15.00}},
	{"gpt-4o-mini", ModelInfo{ContextWindow: 128000, InputCostPerMTok: 0.15, OutputCostPerMTok: 0.60}},
	{"gpt-4o", ModelInfo{ContextWindow: 128000, InputCostPerMTok: 2.50, OutputCostPerMTok: 10.00}},
	{"gemini-1.5-pro", ModelInfo{ContextWindow: 2000000, InputCostPerMTok: 1.25, OutputCostPerMTok: 5.00}},
	{"gemini", ModelInfo{ContextWindow: 1000000, InputCostPerMTok: 0.10, OutputCostPerMTok: 0.40}},
	{"qwen3-coder", ModelInfo{ContextWindow: 262144, InputCostPerMTok: 0.90, OutputCostPerMTok: 3.60}},
	{"qwen", ModelInfo{ContextWindow: 131072, InputCostPerMTok: 0.50, OutputCostPerMTok: 2.00}},
	{"minimax", ModelInfo{ContextWindow: 245760, InputCostPerMTok: 0.40, OutputCostPerMTok: 2.10}},
	{"deepseek", ModelInfo{ContextWindow: 131072, InputCostPerMTok: 0.27, OutputCostPerMTok: 1.10}},
}

// defaultModelInfo is used for models with no table entry: a common
// 128k window and zero cost, so usage reporting still works for
// self-hosted or unknown models without inventing prices.
var defaultModelInfo = ModelInfo{ContextWindow: 128000}

// LookupModelInfo resolves a model ID (with or without a provider
// prefix) to its ModelInfo.
func LookupModelInfo(model string) ModelInfo {
	if idx := strings.Index(model, "/"); idx >= 0 {
		model = model[idx+1:]
	}
	model = strings.ToLower(model)
	for _, e := range modelInfoTable {
		if strings.Contains(model, e.match) {
			return e.info
		}
	}
	return defaultModelInfo
}

// Cost computes the dollar cost of a token count pair against this
// model's price table.
func (m ModelInfo) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1e6*m.InputCostPerMTok +
		float64(outputTokens)/1e6*m.OutputCostPerMTok
}
