package valueobject

import "time"

// RunnerConfig is immutable per prompt; replaced wholesale on model
// change (ChangeModel action). Carries the knobs the Streaming Loop
// needs to build provider options and drive the compaction/doom-loop
// policy for one prompt.
type RunnerConfig struct {
	Provider             string
	ModelID              string
	Credential           string
	SystemPromptOverride string
	MaxTokens            int
	Temperature          float64
	DoomLoopDecision     PermissionDecision // Allow | Deny | Ask (degrades to Deny)
	AllowAll             bool
	McpEndpoint          string

	// Testing knobs — see UpdateTestProviderSettings in spec §4.9.
	TestSyntheticStreaming bool
	TestSyntheticToolCalls bool
}

// DefaultRunnerConfig returns sane defaults for a freshly started runner.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		MaxTokens:        8192,
		Temperature:      0.7,
		DoomLoopDecision: DecisionDeny,
	}
}

// CompactionConfig controls the Compaction Engine's thresholds.
type CompactionConfig struct {
	TokenThresholdRatio float64       // fraction of the context window that triggers compaction
	PreserveTurns       int           // number of recent user/assistant pairs to keep verbatim
	PruneMarker         string        // replacement text for pruned tool outputs
	SummarizeTimeout    time.Duration // bound on the LLM summarize call
}

// DefaultCompactionConfig mirrors the teacher's defaults.
func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{
		TokenThresholdRatio: 0.85,
		PreserveTurns:       10,
		PruneMarker:         "[output pruned]",
		SummarizeTimeout:    30 * time.Second,
	}
}
