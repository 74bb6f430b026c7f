package valueobject

// ModelConfig is an immutable model-settings value object.
type ModelConfig struct {
	provider    string
	model       string
	maxTokens   int
	temperature float64
	topP        float64
	stream      bool // streaming responses enabled
}

// NewModelConfig builds a model configuration.
func NewModelConfig(provider, model string, maxTokens int, temperature, topP float64, stream bool) ModelConfig {
	return ModelConfig{
		provider:    provider,
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		topP:        topP,
		stream:      stream,
	}
}

// DefaultModelConfig returns the default model configuration.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		provider:    "bailian",
		model:       "qwen3-max-2026-01-23",
		maxTokens:   8192,
		temperature: 0.7,
		topP:        0.95,
		stream:      true,
	}
}

// Provider returns the provider name.
func (mc ModelConfig) Provider() string {
	return mc.provider
}

// Model returns the model identifier.
func (mc ModelConfig) Model() string {
	return mc.model
}

// MaxTokens returns the response token ceiling.
func (mc ModelConfig) MaxTokens() int {
	return mc.maxTokens
}

// Temperature returns the sampling temperature.
func (mc ModelConfig) Temperature() float64 {
	return mc.temperature
}

// TopP returns the nucleus-sampling parameter.
func (mc ModelConfig) TopP() float64 {
	return mc.topP
}

// FullModelName returns "provider/model".
func (mc ModelConfig) FullModelName() string {
	return mc.provider + "/" + mc.model
}

// Stream reports whether streaming is enabled.
func (mc ModelConfig) Stream() bool {
	return mc.stream
}

// WithTemperature returns a copy with a different temperature.
func (mc ModelConfig) WithTemperature(temp float64) ModelConfig {
	return ModelConfig{
		provider:    mc.provider,
		model:       mc.model,
		maxTokens:   mc.maxTokens,
		temperature: temp,
		topP:        mc.topP,
		stream:      mc.stream,
	}
}

// WithMaxTokens returns a copy with a different token ceiling.
func (mc ModelConfig) WithMaxTokens(tokens int) ModelConfig {
	return ModelConfig{
		provider:    mc.provider,
		model:       mc.model,
		maxTokens:   tokens,
		temperature: mc.temperature,
		topP:        mc.topP,
		stream:      mc.stream,
	}
}

// Equals compares two configurations by value.
func (mc ModelConfig) Equals(other ModelConfig) bool {
	return mc.provider == other.provider &&
		mc.model == other.model &&
		mc.maxTokens == other.maxTokens &&
		mc.temperature == other.temperature &&
		mc.topP == other.topP &&
		mc.stream == other.stream
}
