package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CompactionKind is the tag of a CompactionResult sum type (spec §4.4).
type CompactionKind int

const (
	// CompactionCompacted — pruning and/or summarization ran and the
	// returned Messages replace the caller's history.
	CompactionCompacted CompactionKind = iota
	// CompactionNotNeeded — the caller asked to compact but the history
	// is already short enough; Messages is the input, unchanged.
	CompactionNotNeeded
	// CompactionInsufficientMessages — fewer messages than CompactKeepLast
	// exist, so there is nothing safe to prune or summarize.
	CompactionInsufficientMessages
	// CompactionFailed — both pruning and summarization failed to reduce
	// anything; Messages is the input, unchanged, and Err explains why.
	CompactionFailed
)

// CompactionResult is spec §4.4's `Compacted | NotNeeded |
// InsufficientMessages | Failed(err)` sum type.
type CompactionResult struct {
	Kind               CompactionKind
	Messages           []LLMMessage
	Summary            string // non-empty only for CompactionCompacted via phase 2
	MessagesSummarized int    // count of messages folded into Summary (phase 2 only)
	MessagesPruned     int    // count of tool outputs replaced with a marker (phase 1)
	Err                error
}

const (
	// pruneOutputThreshold is the content length (chars) above which a
	// tool result becomes a candidate for phase 1 pruning.
	pruneOutputThreshold = 300
	prunedOutputMarker   = "[output pruned]"

	// hardMessageCeiling/hardMessageFloor back the degraded fallback path
	// spec §4.4 describes for when smart compaction cannot run at all
	// (e.g. no model available): keep first message + recent N, drop
	// the rest, insert a marker.
	hardMessageCeiling = 100
	hardMessageFloor   = 50
)

// needsCompaction estimates whether messages should be compacted, given a
// token limit and a fractional threshold — the Compaction Engine's half
// of the decision (the hard message-count ceiling is enforced separately by
// DegradedTruncate, which the Action Handler applies before each prompt and
// compactMessages applies when compaction fails).
func needsCompaction(messages []LLMMessage, limit int, threshold float64) bool {
	if limit <= 0 {
		return false
	}
	guard := &ContextGuard{maxTokens: limit, hardRatio: threshold}
	return guard.estimateTokens(messages) > int(float64(limit)*threshold)
}

// Compact runs the two-phase compaction spec §4.4 describes: prune large
// old tool outputs first, and only fall back to LLM summarization of the
// prefix if pruning alone didn't bring the history back under budget.
func (a *AgentLoop) Compact(messages []LLMMessage) CompactionResult {
	keepLast := a.config.CompactKeepLast
	if keepLast <= 0 {
		keepLast = 10
	}
	if len(messages) <= keepLast {
		return CompactionResult{Kind: CompactionInsufficientMessages, Messages: messages}
	}

	firstNonSystem := 0
	if messages[0].Role == "system" {
		firstNonSystem = 1
	}
	middleEnd := len(messages) - keepLast
	if middleEnd <= firstNonSystem {
		return CompactionResult{Kind: CompactionInsufficientMessages, Messages: messages}
	}

	// Work on a copy of the prunable middle region; the system prefix and
	// the preserved tail are never touched.
	middle := make([]LLMMessage, middleEnd-firstNonSystem)
	copy(middle, messages[firstNonSystem:middleEnd])

	// --- Phase 1: prune tool outputs, oldest first, largest within equal age ---
	prunedCount := a.pruneToolOutputs(middle)

	guard := NewContextGuard(a.config.ContextMaxTokens, a.config.ContextWarnRatio, a.config.ContextHardRatio, a.logger)
	stillOver := guard.Check(append(append([]LLMMessage{}, messages[:firstNonSystem]...), append(middle, messages[middleEnd:]...)...)).NeedCompaction

	if prunedCount > 0 && !stillOver {
		rebuilt := make([]LLMMessage, 0, len(messages))
		rebuilt = append(rebuilt, messages[:firstNonSystem]...)
		rebuilt = append(rebuilt, middle...)
		rebuilt = append(rebuilt, messages[middleEnd:]...)
		a.logger.Info("Context compaction completed via pruning alone",
			zap.Int("pruned_outputs", prunedCount),
			zap.Int("before", len(messages)),
			zap.Int("after", len(rebuilt)),
		)
		return CompactionResult{Kind: CompactionCompacted, Messages: rebuilt, MessagesPruned: prunedCount}
	}

	// --- Phase 2: summarize the (already-pruned) prefix ---
	summary := a.tryLLMSummarize(middle)
	if summary == "" {
		summary = a.truncationSummary(middle)
	}
	if summary == "" {
		if prunedCount > 0 {
			rebuilt := make([]LLMMessage, 0, len(messages))
			rebuilt = append(rebuilt, messages[:firstNonSystem]...)
			rebuilt = append(rebuilt, middle...)
			rebuilt = append(rebuilt, messages[middleEnd:]...)
			return CompactionResult{Kind: CompactionCompacted, Messages: rebuilt, MessagesPruned: prunedCount}
		}
		return CompactionResult{Kind: CompactionFailed, Messages: messages, Err: fmt.Errorf("compaction produced no summary and nothing was pruned")}
	}

	compacted := make([]LLMMessage, 0, 2+keepLast)
	if firstNonSystem > 0 {
		compacted = append(compacted, messages[0])
	}
	compacted = append(compacted, LLMMessage{Role: "user", Content: summary})
	compacted = append(compacted, messages[len(messages)-keepLast:]...)

	a.logger.Info("Context compaction completed",
		zap.Int("before", len(messages)),
		zap.Int("after", len(compacted)),
		zap.Int("compacted_messages", len(middle)),
		zap.Int("pruned_outputs", prunedCount),
	)

	return CompactionResult{
		Kind:               CompactionCompacted,
		Messages:           compacted,
		Summary:            summary,
		MessagesSummarized: len(middle),
		MessagesPruned:     prunedCount,
	}
}

// pruneToolOutputs replaces large tool-result content with a short marker,
// oldest first and largest-within-equal-age as the tiebreak, while
// preserving the ToolCallID pairing (spec §4.4 invariant: every remaining
// ToolUse still has its matching ToolResult, or both are removed together
// — pruning only ever touches content, never removes the pairing).
// Returns the number of messages pruned.
func (a *AgentLoop) pruneToolOutputs(middle []LLMMessage) int {
	type candidate struct {
		index int
		size  int
	}
	var candidates []candidate
	for i, m := range middle {
		if m.Role != "tool" {
			continue
		}
		if len(m.Content) > pruneOutputThreshold {
			candidates = append(candidates, candidate{index: i, size: len(m.Content)})
		}
	}
	if len(candidates) == 0 {
		return 0
	}
	// Oldest first (ascending index); largest first within equal age —
	// ties on index can't occur, so this sort is really just age order,
	// with size kept as the documented secondary key.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].index != candidates[j].index {
			return candidates[i].index < candidates[j].index
		}
		return candidates[i].size > candidates[j].size
	})

	for _, c := range candidates {
		middle[c.index].Content = prunedOutputMarker
		middle[c.index].Parts = nil
	}
	return len(candidates)
}

// compactMessages is the call-site adapter Run() uses: it always returns a
// message slice (never an error), falling back to the hard-ceiling
// truncation when smart compaction (pruning + summarization) couldn't
// reduce anything.
func (a *AgentLoop) compactMessages(messages []LLMMessage) []LLMMessage {
	result := a.Compact(messages)
	switch result.Kind {
	case CompactionCompacted:
		return result.Messages
	case CompactionNotNeeded, CompactionInsufficientMessages:
		return result.Messages
	default: // CompactionFailed
		a.logger.Warn("Smart compaction failed, degrading to hard truncation",
			zap.Error(result.Err),
		)
		return DegradedTruncate(messages)
	}
}

// DegradedTruncate enforces the hard message-count ceiling (100 → 50)
// independent of token estimation: above the ceiling the history
// becomes the first message, one assistant-role marker, and the most
// recent 50 messages verbatim. The floor is fixed — CompactKeepLast
// tunes the smart path only, never this one. Exported for the Action
// Handler, which applies it before every prompt.
func DegradedTruncate(messages []LLMMessage) []LLMMessage {
	if len(messages) <= hardMessageCeiling {
		return messages
	}

	out := make([]LLMMessage, 0, hardMessageFloor+2)
	out = append(out, messages[0])
	out = append(out, LLMMessage{
		Role:    "assistant",
		Content: fmt.Sprintf("[%d earlier messages dropped to fit the context ceiling]", len(messages)-hardMessageFloor-1),
	})
	out = append(out, messages[len(messages)-hardMessageFloor:]...)
	return out
}

// tryLLMSummarize uses the LLM to generate a structured XML <state_snapshot>
// summary of older messages. Returns empty string if summarization fails.
func (a *AgentLoop) tryLLMSummarize(messages []LLMMessage) string {
	if a.llm == nil {
		return ""
	}

	// Build a concise representation of the conversation for summarization
	var parts []string
	for _, msg := range messages {
		text := msg.TextContent()
		if text == "" {
			continue
		}
		// Truncate individual messages to save tokens
		if len(text) > 500 {
			text = text[:500] + "..."
		}
		parts = append(parts, fmt.Sprintf("[%s]: %s", msg.Role, text))
	}

	if len(parts) == 0 {
		return ""
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	const compressionPrompt = `You are a conversation state compressor. Analyze the following conversation and produce a structured XML snapshot.

Output format:
<state_snapshot>
  <task_description>Current task being executed</task_description>
  <progress>
    <completed>List of completed steps</completed>
    <in_progress>Current step</in_progress>
    <remaining>Remaining steps</remaining>
  </progress>
  <key_decisions>Key technical decisions and reasons</key_decisions>
  <modified_files>
    <file path="path/to/file" action="created|modified|deleted">Change summary</file>
  </modified_files>
  <current_context>
    <working_directory>Current working directory</working_directory>
    <relevant_findings>Key findings and constraints</relevant_findings>
  </current_context>
  <memory_candidates>Facts worth remembering long-term (user preferences, environment info, project decisions)</memory_candidates>
</state_snapshot>

Rules:
- Preserve ALL unfinished task state
- Keep key decisions and reasons
- Drop specific code content (only keep file paths + change summaries)
- Drop intermediate debugging
- Extract memory-worthy facts into <memory_candidates>`

	summaryReq := &LLMRequest{
		Model:       a.config.Model,
		Temperature: 0.2,
		MaxTokens:   800,
		Messages: []LLMMessage{
			{
				Role:    "system",
				Content: compressionPrompt,
			},
			{
				Role:    "user",
				Content: fmt.Sprintf("Compress this conversation (%d messages):\n\n%s", len(parts), strings.Join(parts, "\n")),
			},
		},
	}

	resp, err := a.llm.Generate(ctx, summaryReq)
	if err != nil {
		a.logger.Debug("LLM summarization failed, using fallback",
			zap.Error(err),
		)
		return ""
	}

	if resp.Content == "" {
		return ""
	}

	// Flush conversation state to daily log before context is discarded
	go a.flushToDailyLog(resp.Content, len(messages))

	// Auto-extract memory candidates from compaction
	go a.extractMemoriesFromCompaction(resp.Content)

	return fmt.Sprintf("[Context compacted — %d messages → state_snapshot]\n\n%s", len(messages), resp.Content)
}

// extractMemoriesFromCompaction extracts <memory_candidates> from compaction output
// and persists them via the save_memory tool. Runs async to not block compaction.
func (a *AgentLoop) extractMemoriesFromCompaction(snapshot string) {
	start := strings.Index(snapshot, "<memory_candidates>")
	end := strings.Index(snapshot, "</memory_candidates>")
	if start == -1 || end == -1 || end <= start {
		return
	}

	candidates := strings.TrimSpace(snapshot[start+len("<memory_candidates>") : end])
	if candidates == "" {
		return
	}

	lines := strings.Split(candidates, "\n")
	var facts []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "- ")
		line = strings.TrimPrefix(line, "* ")
		line = strings.TrimPrefix(line, "• ")
		line = strings.TrimSpace(line)
		if line != "" && len(line) > 5 {
			facts = append(facts, line)
		}
	}

	if len(facts) == 0 {
		return
	}

	for _, fact := range facts {
		_, err := a.tools.Execute(context.Background(), "save_memory", map[string]interface{}{
			"fact": fact,
		})
		if err != nil {
			a.logger.Debug("Auto-extract memory failed",
				zap.String("fact", fact),
				zap.Error(err),
			)
		}
	}

	a.logger.Info("Auto-extracted memories from compaction",
		zap.Int("facts", len(facts)),
	)
}

// flushToDailyLog writes a compact summary of the compacted conversation to
// the daily log file (memory/YYYY-MM-DD.md). This preserves context that
// would otherwise be lost after compaction.
func (a *AgentLoop) flushToDailyLog(snapshot string, messageCount int) {
	taskDesc := extractXMLTag(snapshot, "task_description")
	inProgress := extractXMLTag(snapshot, "in_progress")

	var entry string
	switch {
	case taskDesc != "" && inProgress != "":
		entry = fmt.Sprintf("[compaction] %s — in progress: %s (%d msgs compacted)", taskDesc, inProgress, messageCount)
	case taskDesc != "":
		entry = fmt.Sprintf("[compaction] %s (%d msgs compacted)", taskDesc, messageCount)
	default:
		entry = fmt.Sprintf("[compaction] %d messages compacted", messageCount)
	}

	// Write directly to avoid import cycle (service ← tool → service)
	home, err := os.UserHomeDir()
	if err != nil {
		a.logger.Warn("Failed to get home dir for daily log", zap.Error(err))
		return
	}
	dir := filepath.Join(home, ".agentrunner", "memory")
	if err := os.MkdirAll(dir, 0755); err != nil {
		a.logger.Warn("Failed to create daily log dir", zap.Error(err))
		return
	}
	logPath := filepath.Join(dir, time.Now().Format("2006-01-02")+".md")
	line := fmt.Sprintf("- [%s] %s\n", time.Now().Format("15:04"), entry)
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		a.logger.Warn("Failed to open daily log", zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		a.logger.Warn("Failed to write daily log", zap.Error(err))
	}
}

// extractXMLTag extracts the text content of a simple XML tag from a string.
func extractXMLTag(s, tag string) string {
	open := "<" + tag + ">"
	closeTag := "</" + tag + ">"
	start := strings.Index(s, open)
	end := strings.Index(s, closeTag)
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return strings.TrimSpace(s[start+len(open) : end])
}

// truncationSummary builds a simple truncation-based summary as fallback.
func (a *AgentLoop) truncationSummary(messages []LLMMessage) string {
	var summaryParts []string
	toolCallCount := 0
	assistantMsgCount := 0
	userMsgCount := 0

	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			assistantMsgCount++
			if msg.Content != "" {
				text := msg.Content
				if len(text) > 200 {
					text = text[:200] + "..."
				}
				summaryParts = append(summaryParts, fmt.Sprintf("Assistant: %s", text))
			}
			toolCallCount += len(msg.ToolCalls)
		case "user":
			userMsgCount++
			text := msg.Content
			if len(text) > 100 {
				text = text[:100] + "..."
			}
			summaryParts = append(summaryParts, fmt.Sprintf("User: %s", text))
		case "tool":
			// Skip tool results in summary (they're implicit from tool calls)
		}
	}

	return fmt.Sprintf(
		"[Context compacted: %d messages summarized (%d user, %d assistant, %d tool calls)]\n\n%s",
		len(messages),
		userMsgCount,
		assistantMsgCount,
		toolCallCount,
		strings.Join(summaryParts, "\n"),
	)
}
