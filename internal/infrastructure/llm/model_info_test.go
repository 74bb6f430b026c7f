package llm

import "testing"

func TestLookupModelInfo_MatchesKnownModels(t *testing.T) {
	tests := []struct {
		model string
		ctx   int
	}{
		{"anthropic/claude-sonnet-4-20250514", 200000},
		{"openai/gpt-4o-mini", 128000},
		{"bailian/qwen3-coder-plus", 262144},
		{"gemini-1.5-pro", 2000000},
	}
	for _, tt := range tests {
		info := LookupModelInfo(tt.model)
		if info.ContextWindow != tt.ctx {
			t.Errorf("LookupModelInfo(%q).ContextWindow = %d, want %d", tt.model, info.ContextWindow, tt.ctx)
		}
	}
}

func TestLookupModelInfo_UnknownFallsBack(t *testing.T) {
	info := LookupModelInfo("selfhosted/my-local-model")
	if info.ContextWindow != 128000 {
		t.Errorf("fallback context = %d, want 128000", info.ContextWindow)
	}
	if info.InputCostPerMTok != 0 || info.OutputCostPerMTok != 0 {
		t.Error("unknown models must not invent prices")
	}
}

func TestModelInfo_Cost(t *testing.T) {
	info := ModelInfo{InputCostPerMTok: 3, OutputCostPerMTok: 15}
	got := info.Cost(1_000_000, 200_000)
	want := 3.0 + 3.0
	if got != want {
		t.Errorf("Cost = %f, want %f", got, want)
	}
}
