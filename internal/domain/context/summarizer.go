package context

import (
	"context"
	"fmt"
	"strings"
)

// Summarizer condenses a message list into a short note.
type Summarizer interface {
	// Summarize produces the summary text.
	Summarize(ctx context.Context, messages []Message) (string, error)
}

// ModelClient is the narrow model surface summarisation needs.
type ModelClient interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// LLMSummarizer asks a model for the summary.
type LLMSummarizer struct {
	client          ModelClient
	maxInputTokens  int
	maxOutputTokens int
	summaryPrompt   string
}

// SummarizerConfig bounds the summariser.
type SummarizerConfig struct {
	MaxInputTokens  int    // input budget
	MaxOutputTokens int    // summary budget
	CustomPrompt    string // overrides the default prompt
}

// DefaultSummarizerConfig returns the default budgets.
func DefaultSummarizerConfig() *SummarizerConfig {
	return &SummarizerConfig{
		MaxInputTokens:  8000,
		MaxOutputTokens: 500,
		CustomPrompt:    "",
	}
}

// NewLLMSummarizer wires a summariser over a model client.
func NewLLMSummarizer(client ModelClient, config *SummarizerConfig) *LLMSummarizer {
	if config == nil {
		config = DefaultSummarizerConfig()
	}

	prompt := config.CustomPrompt
	if prompt == "" {
		prompt = defaultSummaryPrompt
	}

	return &LLMSummarizer{
		client:          client,
		maxInputTokens:  config.MaxInputTokens,
		maxOutputTokens: config.MaxOutputTokens,
		summaryPrompt:   prompt,
	}
}

const defaultSummaryPrompt = `Condense the following conversation history into a short summary, keeping:
1. The user's core goals
2. Important actions taken and decisions made
3. Key code or configuration changes
4. Unresolved problems and open todos

Keep it under 300 words, as a bullet list.

Conversation history:
%s

Summary:`

// Summarize renders the history and asks the model to condense it.
func (s *LLMSummarizer) Summarize(ctx context.Context, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	var sb strings.Builder
	tokenizer := NewSimpleTokenizer()
	totalTokens := 0

	for _, msg := range messages {
		line := fmt.Sprintf("[%s]: %s\n", msg.Role, msg.Content)
		lineTokens := tokenizer.Count(line)

		if totalTokens+lineTokens > s.maxInputTokens {
			sb.WriteString("... (later messages omitted)\n")
			break
		}

		sb.WriteString(line)
		totalTokens += lineTokens
	}

	prompt := fmt.Sprintf(s.summaryPrompt, sb.String())

	summary, err := s.client.Generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("failed to generate summary: %w", err)
	}

	return summary, nil
}

// SummarizePruner prunes by folding old messages into a summary message.
type SummarizePruner struct {
	*Pruner
	summarizer Summarizer
	summaryMsg *Message // last generated summary
}

// NewSummarizePruner pairs a pruner with a summariser.
func NewSummarizePruner(config *PruneConfig, tokenizer Tokenizer, summarizer Summarizer) *SummarizePruner {
	config.Strategy = PruneSummarize
	return &SummarizePruner{
		Pruner:     NewPruner(config, tokenizer),
		summarizer: summarizer,
	}
}

// PruneWithSummary keeps recent messages verbatim and summarises the rest.
func (p *SummarizePruner) PruneWithSummary(ctx context.Context, messages []Message) ([]Message, error) {
	if !p.NeedsPruning(messages) {
		return messages, nil
	}

	var systemMsgs, dialogMsgs []Message
	for _, msg := range messages {
		if msg.Role == "system" {
			systemMsgs = append(systemMsgs, msg)
		} else {
			dialogMsgs = append(dialogMsgs, msg)
		}
	}

	recentCount := p.config.PreserveRecent
	if recentCount > len(dialogMsgs) {
		recentCount = len(dialogMsgs)
	}

	recentMsgs := dialogMsgs[len(dialogMsgs)-recentCount:]
	oldMsgs := dialogMsgs[:len(dialogMsgs)-recentCount]

	if len(oldMsgs) > 0 && p.summarizer != nil {
		summary, err := p.summarizer.Summarize(ctx, oldMsgs)
		if err != nil {
			// summarisation failed; fall back to plain pruning
			return p.Prune(messages), nil
		}

		p.summaryMsg = &Message{
			Role:    "system",
			Content: fmt.Sprintf("[conversation summary]\n%s", summary),
		}
	}

	result := make([]Message, 0, len(systemMsgs)+1+len(recentMsgs))
	result = append(result, systemMsgs...)
	if p.summaryMsg != nil {
		result = append(result, *p.summaryMsg)
	}
	result = append(result, recentMsgs...)

	return result, nil
}

// GetLastSummary returns the last generated summary message.
func (p *SummarizePruner) GetLastSummary() string {
	if p.summaryMsg != nil {
		return p.summaryMsg.Content
	}
	return ""
}

// SimpleSummarizer extracts keyword-bearing lines; used in tests.
type SimpleSummarizer struct{}

// NewSimpleSummarizer creates a model-free summariser.
func NewSimpleSummarizer() *SimpleSummarizer {
	return &SimpleSummarizer{}
}

// Summarize picks out lines that look like outcomes.
func (s *SimpleSummarizer) Summarize(ctx context.Context, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	var points []string

	for _, msg := range messages {

		content := strings.ToLower(msg.Content)
		if strings.Contains(content, "error") ||
			strings.Contains(content, "done") ||
			strings.Contains(content, "created") ||
			strings.Contains(content, "modified") {

			summary := msg.Content
			if len(summary) > 100 {
				summary = summary[:100] + "..."
			}
			points = append(points, fmt.Sprintf("- [%s] %s", msg.Role, summary))
		}
	}

	if len(points) == 0 {
		return fmt.Sprintf("%d earlier messages", len(messages)), nil
	}

	if len(points) > 10 {
		points = points[len(points)-10:]
	}

	return strings.Join(points, "\n"), nil
}
