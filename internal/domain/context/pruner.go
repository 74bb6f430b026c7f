package context

import (
	"strings"
	"unicode/utf8"
)

// PruningStrategy selects how context is reduced.
type PruningStrategy int

const (
	PruneNone      PruningStrategy = iota // leave the context alone
	PruneAdaptive                         // importance-weighted trimming
	PruneHardClear                        // keep only system + recent
	PruneSummarize                        // summarise via a model
)

// String names the strategy.
func (s PruningStrategy) String() string {
	switch s {
	case PruneNone:
		return "none"
	case PruneAdaptive:
		return "adaptive"
	case PruneHardClear:
		return "hard_clear"
	case PruneSummarize:
		return "summarize"
	default:
		return "unknown"
	}
}

// Message is the unit the pruner reasons over.
type Message struct {
	Role       string
	Content    string
	ToolCallID string
	Importance float64 // score in [0,1]; 0 means unscored
	Tokens     int     // estimated token count
}

// PruneConfig bounds the pruner.
type PruneConfig struct {
	Strategy            PruningStrategy
	MaxTokens           int     // context token ceiling
	SoftTrimRatio       float64 // start trimming at this fraction of MaxTokens
	HardClearRatio      float64 // force a hard clear at this fraction
	PreserveSystem      bool    // always keep system messages
	PreserveRecent      int     // always keep the last N messages
	ImportanceThreshold float64 // drop middle messages scoring below this
}

// DefaultPruneConfig returns the default bounds.
func DefaultPruneConfig() *PruneConfig {
	return &PruneConfig{
		Strategy:            PruneAdaptive,
		MaxTokens:           100000,
		SoftTrimRatio:       0.7,
		HardClearRatio:      0.85,
		PreserveSystem:      true,
		PreserveRecent:      4,
		ImportanceThreshold: 0.3,
	}
}

// Pruner reduces a message list to fit a token budget.
type Pruner struct {
	config    *PruneConfig
	tokenizer Tokenizer
}

// Tokenizer estimates token counts.
type Tokenizer interface {
	Count(text string) int
}

// SimpleTokenizer estimates tokens from character counts.
type SimpleTokenizer struct {
	charsPerToken float64
}

// NewSimpleTokenizer creates the default estimator.
func NewSimpleTokenizer() *SimpleTokenizer {
	return &SimpleTokenizer{
		charsPerToken: 4.0, // ~4 chars/token for Latin text, ~2 for CJK
	}
}

// Count estimates the token count of text.
func (t *SimpleTokenizer) Count(text string) int {
	// CJK packs roughly twice as many tokens per character
	chineseCount := 0
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FFF {
			chineseCount++
		}
	}

	totalChars := utf8.RuneCountInString(text)
	englishChars := totalChars - chineseCount

	tokens := float64(chineseCount)/2.0 + float64(englishChars)/t.charsPerToken

	return int(tokens) + 1
}

// NewPruner creates a pruner with the given config.
func NewPruner(config *PruneConfig, tokenizer Tokenizer) *Pruner {
	if tokenizer == nil {
		tokenizer = NewSimpleTokenizer()
	}
	return &Pruner{
		config:    config,
		tokenizer: tokenizer,
	}
}

// Prune applies the configured strategy when over budget.
func (p *Pruner) Prune(messages []Message) []Message {
	if p.config.Strategy == PruneNone {
		return messages
	}

	totalTokens := p.calculateTotalTokens(messages)

	softThreshold := int(float64(p.config.MaxTokens) * p.config.SoftTrimRatio)
	hardThreshold := int(float64(p.config.MaxTokens) * p.config.HardClearRatio)

	if totalTokens < softThreshold {
		return messages
	}

	switch p.config.Strategy {
	case PruneAdaptive:
		return p.adaptivePrune(messages, totalTokens, softThreshold, hardThreshold)
	case PruneHardClear:
		return p.hardClearPrune(messages, hardThreshold)
	case PruneSummarize:
		// summarising needs a model; fall back to adaptive here
		return p.adaptivePrune(messages, totalTokens, softThreshold, hardThreshold)
	default:
		return messages
	}
}

// calculateTotalTokens sums estimated tokens, filling in blanks.
func (p *Pruner) calculateTotalTokens(messages []Message) int {
	total := 0
	for i := range messages {
		if messages[i].Tokens == 0 {
			messages[i].Tokens = p.tokenizer.Count(messages[i].Content)
		}
		total += messages[i].Tokens
	}
	return total
}

// adaptivePrune keeps system + recent messages and filters the middle by importance.
func (p *Pruner) adaptivePrune(messages []Message, totalTokens, softThreshold, hardThreshold int) []Message {
	if len(messages) == 0 {
		return messages
	}

	result := make([]Message, 0, len(messages))

	// system messages always survive
	systemMessages := make([]Message, 0)
	if p.config.PreserveSystem {
		for _, msg := range messages {
			if msg.Role == "system" {
				systemMessages = append(systemMessages, msg)
			}
		}
	}

	// the most recent messages always survive
	recentStart := len(messages) - p.config.PreserveRecent
	if recentStart < 0 {
		recentStart = 0
	}
	recentMessages := messages[recentStart:]

	// the middle is filtered by importance
	middleMessages := make([]Message, 0)
	for i, msg := range messages {
		if msg.Role == "system" {
			continue
		}
		if i >= recentStart {
			continue
		}

		importance := p.evaluateImportance(msg)
		if importance >= p.config.ImportanceThreshold {
			middleMessages = append(middleMessages, msg)
		}
	}

	result = append(result, systemMessages...)
	result = append(result, middleMessages...)
	result = append(result, recentMessages...)

	// still over the hard threshold: halve the middle
	currentTokens := p.calculateTotalTokens(result)
	if currentTokens > hardThreshold && len(middleMessages) > 0 {

		halfMiddle := len(middleMessages) / 2
		result = make([]Message, 0)
		result = append(result, systemMessages...)
		result = append(result, middleMessages[halfMiddle:]...)
		result = append(result, recentMessages...)
	}

	return result
}

// hardClearPrune keeps system messages plus as many recent messages as fit.
func (p *Pruner) hardClearPrune(messages []Message, hardThreshold int) []Message {
	if len(messages) == 0 {
		return messages
	}

	result := make([]Message, 0)
	currentTokens := 0

	if p.config.PreserveSystem {
		for _, msg := range messages {
			if msg.Role == "system" {
				result = append(result, msg)
				currentTokens += msg.Tokens
			}
		}
	}

	// walk backwards until the budget is spent
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Role == "system" {
			continue
		}

		if currentTokens+msg.Tokens > hardThreshold {
			break
		}

		insertIdx := len(result)
		for j, m := range result {
			if m.Role != "system" {
				insertIdx = j
				break
			}
		}

		result = append(result[:insertIdx], append([]Message{msg}, result[insertIdx:]...)...)
		currentTokens += msg.Tokens
	}

	return result
}

// evaluateImportance scores a message for middle-section filtering.
func (p *Pruner) evaluateImportance(msg Message) float64 {

	if msg.Importance > 0 {
		return msg.Importance
	}

	importance := 0.5 // base score

	// tool traffic carries state the model may need again
	if msg.Role == "tool" || msg.ToolCallID != "" {
		importance += 0.2
	}

	if strings.Contains(msg.Content, "```") {
		importance += 0.15
	}

	lowerContent := strings.ToLower(msg.Content)
	if strings.Contains(lowerContent, "error") ||
		strings.Contains(lowerContent, "failed") ||
		strings.Contains(lowerContent, "exception") {
		importance += 0.1
	}

	if len(msg.Content) > 500 {
		importance += 0.05
	}

	if importance > 1.0 {
		importance = 1.0
	}

	return importance
}

// EstimateTokens sums the estimated tokens of a message list.
func (p *Pruner) EstimateTokens(messages []Message) int {
	return p.calculateTotalTokens(messages)
}

// NeedsPruning reports whether the list exceeds the soft threshold.
func (p *Pruner) NeedsPruning(messages []Message) bool {
	totalTokens := p.calculateTotalTokens(messages)
	softThreshold := int(float64(p.config.MaxTokens) * p.config.SoftTrimRatio)
	return totalTokens >= softThreshold
}
