package service

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/agentrunner/agentrunner/internal/domain/entity"
)

// stubLLM returns a fixed response for every call.
type stubLLM struct {
	content string
	err     error
}

func (s *stubLLM) Generate(ctx context.Context, req *LLMRequest) (*LLMResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &LLMResponse{Content: s.content}, nil
}

func (s *stubLLM) GenerateStream(ctx context.Context, req *LLMRequest, deltaCh chan<- StreamChunk) (*LLMResponse, error) {
	return s.Generate(ctx, req)
}

func compactionLoop(t *testing.T, llm LLMClient, keepLast int) *AgentLoop {
	t.Helper()
	cfg := DefaultAgentLoopConfig()
	cfg.CompactKeepLast = keepLast
	return NewAgentLoop(llm, nil, cfg, zap.NewNop())
}

func chatHistory(n int) []LLMMessage {
	msgs := make([]LLMMessage, 0, n)
	for i := 0; i < n; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs = append(msgs, LLMMessage{Role: role, Content: fmt.Sprintf("message %d", i)})
	}
	return msgs
}

func TestCompact_InsufficientMessages(t *testing.T) {
	loop := compactionLoop(t, &stubLLM{content: "summary"}, 10)
	res := loop.Compact(chatHistory(5))
	if res.Kind != CompactionInsufficientMessages {
		t.Fatalf("kind = %v, want InsufficientMessages", res.Kind)
	}
	if len(res.Messages) != 5 {
		t.Errorf("messages must be returned unchanged, got %d", len(res.Messages))
	}
}

func TestCompact_PreservesTailVerbatim(t *testing.T) {
	loop := compactionLoop(t, &stubLLM{content: "what happened so far"}, 6)
	history := chatHistory(30)
	res := loop.Compact(history)
	if res.Kind != CompactionCompacted {
		t.Fatalf("kind = %v, want Compacted", res.Kind)
	}

	// The last keepLast messages survive with identity preserved.
	tail := res.Messages[len(res.Messages)-6:]
	for i, msg := range tail {
		want := history[len(history)-6+i]
		if msg.Role != want.Role || msg.Content != want.Content {
			t.Errorf("tail[%d] = %q/%q, want %q/%q", i, msg.Role, msg.Content, want.Role, want.Content)
		}
	}
	if res.MessagesSummarized == 0 {
		t.Error("expected a summarized prefix count")
	}
}

func TestCompact_KeepsSystemMessageFirst(t *testing.T) {
	loop := compactionLoop(t, &stubLLM{content: "sum"}, 4)
	history := append([]LLMMessage{{Role: "system", Content: "you are a runner"}}, chatHistory(20)...)
	res := loop.Compact(history)
	if res.Kind != CompactionCompacted {
		t.Fatalf("kind = %v, want Compacted", res.Kind)
	}
	if res.Messages[0].Role != "system" || res.Messages[0].Content != "you are a runner" {
		t.Errorf("first message = %q/%q, want the original system message", res.Messages[0].Role, res.Messages[0].Content)
	}
}

func TestCompact_ToolPairingSurvivesPruning(t *testing.T) {
	loop := compactionLoop(t, &stubLLM{content: "sum"}, 4)

	big := strings.Repeat("output ", 200)
	history := []LLMMessage{
		{Role: "user", Content: "start"},
	}
	// Old tool traffic whose outputs qualify for pruning.
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("call-%d", i)
		history = append(history,
			LLMMessage{Role: "assistant", ToolCalls: []entity.ToolCallInfo{{ID: id, Name: "bash"}}},
			LLMMessage{Role: "tool", ToolCallID: id, Content: big},
		)
	}
	history = append(history, chatHistory(4)...)

	res := loop.Compact(history)
	if res.Kind != CompactionCompacted {
		t.Fatalf("kind = %v, want Compacted", res.Kind)
	}

	// Every ToolUse left in the result still has its matching result,
	// and pruned results keep their call ID.
	resultIDs := map[string]bool{}
	for _, m := range res.Messages {
		if m.Role == "tool" && m.ToolCallID != "" {
			resultIDs[m.ToolCallID] = true
		}
	}
	for _, m := range res.Messages {
		for _, tc := range m.ToolCalls {
			if !resultIDs[tc.ID] {
				t.Errorf("tool call %s lost its result", tc.ID)
			}
		}
	}
}

func TestDegradedTruncate_KeepsFirstMarkerAndLast50(t *testing.T) {
	history := chatHistory(110)
	out := DegradedTruncate(history)

	// first + marker + last 50
	if len(out) != 52 {
		t.Fatalf("len = %d, want 52", len(out))
	}
	if out[0].Content != history[0].Content {
		t.Errorf("first message not preserved: %q", out[0].Content)
	}
	if out[1].Role != "assistant" || !strings.Contains(out[1].Content, "dropped") {
		t.Errorf("marker = %q/%q, want an assistant-role drop marker", out[1].Role, out[1].Content)
	}
	for i := 0; i < 50; i++ {
		want := history[len(history)-50+i]
		if out[2+i].Content != want.Content {
			t.Fatalf("tail[%d] = %q, want %q", i, out[2+i].Content, want.Content)
		}
	}
}

func TestDegradedTruncate_BelowCeilingUnchanged(t *testing.T) {
	history := chatHistory(100)
	out := DegradedTruncate(history)
	if len(out) != 100 {
		t.Errorf("len = %d, want unchanged 100", len(out))
	}
}

func TestNeedsCompaction_Threshold(t *testing.T) {
	small := chatHistory(4)
	if needsCompaction(small, 100000, 0.85) {
		t.Error("small history should not need compaction")
	}
	big := []LLMMessage{{Role: "user", Content: strings.Repeat("x", 500000)}}
	if !needsCompaction(big, 1000, 0.85) {
		t.Error("oversized history should need compaction")
	}
	if needsCompaction(big, 0, 0.85) {
		t.Error("limit 0 disables the estimate")
	}
}
