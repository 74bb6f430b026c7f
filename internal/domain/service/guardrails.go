package service

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Guardrail sentinel errors
var (
	ErrTokenBudgetExceeded = fmt.Errorf("token budget exceeded")
	ErrTimeBudgetExceeded  = fmt.Errorf("run time budget exceeded")
	ErrContextOverflow     = fmt.Errorf("context window overflow")
)

// CostGuard prevents token/time budget overruns.
// Thread-safe — can be safely read from multiple goroutines.
type CostGuard struct {
	maxTokens     int64
	currentTokens atomic.Int64
	maxDuration   time.Duration
	startTime     time.Time
	logger        *zap.Logger
}

// NewCostGuard creates a cost guard for the current run.
func NewCostGuard(maxTokens int64, maxDuration time.Duration, logger *zap.Logger) *CostGuard {
	return &CostGuard{
		maxTokens:   maxTokens,
		maxDuration: maxDuration,
		startTime:   time.Now(),
		logger:      logger,
	}
}

// AddTokens accumulates token usage; returns error if budget exceeded.
func (g *CostGuard) AddTokens(n int64) error {
	current := g.currentTokens.Add(n)
	if g.maxTokens > 0 && current > g.maxTokens {
		g.logger.Warn("Token budget exceeded",
			zap.Int64("current", current),
			zap.Int64("max", g.maxTokens),
		)
		return ErrTokenBudgetExceeded
	}
	return nil
}

// CheckBudget returns error if time budget exceeded.
func (g *CostGuard) CheckBudget() error {
	if g.maxDuration > 0 && time.Since(g.startTime) > g.maxDuration {
		return ErrTimeBudgetExceeded
	}
	return nil
}

// GetUsage returns current token count and elapsed time.
func (g *CostGuard) GetUsage() (tokens int64, elapsed time.Duration) {
	return g.currentTokens.Load(), time.Since(g.startTime)
}

// ContextGuard monitors context window usage and triggers compaction.
type ContextGuard struct {
	maxTokens int
	warnRatio float64
	hardRatio float64
	logger    *zap.Logger
}

// NewContextGuard creates a context window guard.
func NewContextGuard(maxTokens int, warnRatio, hardRatio float64, logger *zap.Logger) *ContextGuard {
	return &ContextGuard{
		maxTokens: maxTokens,
		warnRatio: warnRatio,
		hardRatio: hardRatio,
		logger:    logger,
	}
}

// ContextCheckResult holds the result of a context window check.
type ContextCheckResult struct {
	EstimatedTokens int
	MaxTokens       int
	Ratio           float64
	NeedCompaction  bool // Hard threshold exceeded — must compact
	Warning         bool // Warn threshold exceeded — approaching limit
}

// Check estimates token usage for LLMMessages and returns compaction signals.
func (g *ContextGuard) Check(messages []LLMMessage) ContextCheckResult {
	estimated := g.estimateTokens(messages)
	ratio := float64(estimated) / float64(g.maxTokens)

	result := ContextCheckResult{
		EstimatedTokens: estimated,
		MaxTokens:       g.maxTokens,
		Ratio:           ratio,
	}

	if ratio > g.hardRatio {
		result.NeedCompaction = true
		g.logger.Warn("Context window exceeds hard threshold",
			zap.Int("tokens", estimated),
			zap.Int("max", g.maxTokens),
			zap.Float64("ratio", ratio),
		)
	} else if ratio > g.warnRatio {
		result.Warning = true
		g.logger.Info("Context window approaching limit",
			zap.Int("tokens", estimated),
			zap.Int("max", g.maxTokens),
			zap.Float64("ratio", ratio),
		)
	}

	return result
}

// estimateTokens roughly estimates token count.
// Heuristic: ~3 chars/token (blend of English ~4, CJK ~2).
func (g *ContextGuard) estimateTokens(messages []LLMMessage) int {
	total := 0
	for _, msg := range messages {
		total += len(msg.Content) / 3
		// ContentParts: count text parts
		for _, p := range msg.Parts {
			if p.Type == "text" {
				total += len(p.Text) / 3
			} else {
				total += 85 // image/media tokens (~85 for a typical image descriptor)
			}
		}
		// Tool call arguments overhead
		for _, tc := range msg.ToolCalls {
			total += len(tc.Name) + 50
		}
	}
	// Per-message formatting overhead
	total += len(messages) * 4
	return total
}

// LoopDetector detects repeated tool call patterns using two strategies:
//  1. Name-only: same tool name recurring in a sliding window (regardless of args)
//  2. Exact match: same tool name + identical args in sliding window
//
// Neither strategy terminates the loop. Instead, they return reflection prompts
// for injection into the conversation, letting the LLM self-correct.
// The model decides when a turn is done; there is no external step cap.
type LoopDetector struct {
	recentCalls []string // stores "name|argsHash" signatures
	windowSize  int
	threshold   int // exact-match threshold (sliding window)

	// Name-only sliding window tracking (separate from exact-match window)
	nameThreshold int
	nameHistory   []string // tool names only, for frequency counting

	logger *zap.Logger
}

// NewLoopDetector creates a loop detector with both name-only and exact-match detection.
// nameThreshold: same-name calls within the window before reflection (e.g. 8)
// windowSize/threshold: sliding window for exact-match detection
func NewLoopDetector(windowSize, threshold, nameThreshold int, logger *zap.Logger) *LoopDetector {
	return &LoopDetector{
		recentCalls:   make([]string, 0, windowSize),
		windowSize:    windowSize,
		threshold:     threshold,
		nameThreshold: nameThreshold,
		logger:        logger,
	}
}

// RecordName tracks tool name frequency in the sliding window (ignoring args).
// Returns a non-empty reflection prompt when the same tool appears >= nameThreshold
// times within the window — even if other tools are interleaved.
// This catches patterns like: bash×7 → web_search → bash (not strictly consecutive).
func (d *LoopDetector) RecordName(toolName string) string {
	// recentCalls is already maintained by Record(), so we count tool name
	// occurrences in the existing window. We also track via separate name window.
	d.nameHistory = append(d.nameHistory, toolName)
	if len(d.nameHistory) > d.windowSize {
		d.nameHistory = d.nameHistory[1:]
	}

	// Count how many times this tool name appears in the window
	count := 0
	for _, name := range d.nameHistory {
		if name == toolName {
			count++
		}
	}

	if count >= d.nameThreshold {
		d.logger.Warn("Same tool dominates sliding window",
			zap.String("tool", toolName),
			zap.Int("count_in_window", count),
			zap.Int("window_size", len(d.nameHistory)),
			zap.Int("threshold", d.nameThreshold),
		)
		return fmt.Sprintf(
			"[SYSTEM] Tool %s appeared %d times in the last %d calls. "+
				"You are very likely stuck in a retry loop. Stop calling tools now and "+
				"tell the user: (1) what you were trying to do, (2) what went wrong, (3) how they can help. "+
				"Do not call any more tools.",
			toolName, count, len(d.nameHistory),
		)
	}
	return ""
}

// Record adds a tool call to the sliding window and returns a non-empty reflection
// prompt if the EXACT same call (name + args) appears >= threshold times consecutively.
func (d *LoopDetector) Record(toolName string, args ...string) string {
	sig := toolName
	if len(args) > 0 && args[0] != "" {
		sig = toolName + "|" + args[0]
	}

	d.recentCalls = append(d.recentCalls, sig)
	if len(d.recentCalls) > d.windowSize {
		d.recentCalls = d.recentCalls[1:]
	}

	if len(d.recentCalls) < d.threshold {
		return ""
	}

	tail := d.recentCalls[len(d.recentCalls)-d.threshold:]
	allSame := true
	for _, name := range tail {
		if name != tail[0] {
			allSame = false
			break
		}
	}

	if allSame {
		d.logger.Warn("Exact tool call loop detected",
			zap.String("tool", toolName),
			zap.String("signature", sig),
			zap.Int("consecutive_calls", d.threshold),
		)
		return fmt.Sprintf(
			"[SYSTEM] Tool %s has been called %d times with identical arguments; the result will not change. "+
				"Stop repeating the call — try a different approach or report the result to the user.",
			toolName, d.threshold,
		)
	}
	return ""
}

// Reset clears all tracking state (call at start of each Run).
func (d *LoopDetector) Reset() {
	d.recentCalls = d.recentCalls[:0]
	d.nameHistory = d.nameHistory[:0]
}

// --- Doom-Loop Detector (spec §4.3) ---
//
// Distinct from LoopDetector above: this one returns a plain bool rather
// than a reflection prompt, canonicalises arguments to a stable-key-order
// string, and is consulted by the Tool Dispatcher (infrastructure/tool)
// as step 2 of its pipeline, before permission checks and execution —
// three identical calls in a row get denied outright (P3, S4), the call
// never reaches a tool. LoopDetector above still runs in the Streaming
// Loop itself, injecting a reflection prompt on repetition that hasn't
// yet hit DoomLoopDetector's harder three-in-a-row bar; it's a softer,
// earlier nudge, not a second copy of the same check.
type ToolCallRecord struct {
	Name               string
	ArgumentsCanonical string
}

// DoomLoopDetector tracks a bounded sliding window of ToolCallRecords
// per prompt and flags three consecutive identical invocations.
type DoomLoopDetector struct {
	mu     sync.Mutex
	window []ToolCallRecord
}

const (
	doomLoopHardCap  = 100
	doomLoopPruneTo  = 50
	doomLoopMatchRun = 3
)

// NewDoomLoopDetector creates an empty detector.
func NewDoomLoopDetector() *DoomLoopDetector {
	return &DoomLoopDetector{}
}

// CanonicalizeArgs renders args as {key=<JSON value>,...} with keys sorted, so two
// semantically identical calls always canonicalise to the same string
// regardless of map iteration order.
func CanonicalizeArgs(args map[string]interface{}) string {
	if len(args) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		raw, err := json.Marshal(args[k])
		if err != nil {
			fmt.Fprintf(&b, "%v", args[k])
		} else {
			b.Write(raw)
		}
	}
	b.WriteByte('}')
	return b.String()
}

// RecordAndCheck appends a call to the window and reports whether the
// last three consecutive entries are identical (P3). The window is
// capped at 100 entries, pruned to the most recent 50 on overflow.
func (d *DoomLoopDetector) RecordAndCheck(name string, args map[string]interface{}) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec := ToolCallRecord{Name: name, ArgumentsCanonical: CanonicalizeArgs(args)}
	d.window = append(d.window, rec)
	if len(d.window) > doomLoopHardCap {
		d.window = append([]ToolCallRecord{}, d.window[len(d.window)-doomLoopPruneTo:]...)
	}

	if len(d.window) < doomLoopMatchRun {
		return false
	}
	tail := d.window[len(d.window)-doomLoopMatchRun:]
	for i := 1; i < len(tail); i++ {
		if tail[i] != tail[0] {
			return false
		}
	}
	return true
}

// Reset clears the window. Called at the start of every new prompt.
func (d *DoomLoopDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window = d.window[:0]
}
