package tool

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentrunner/agentrunner/internal/domain/memory"
	domaintool "github.com/agentrunner/agentrunner/internal/domain/tool"
	"go.uber.org/zap"
)

// MemorySearchTool queries the semantic memory store. Registered only
// when the memory system is enabled in config (it needs a running
// embedding endpoint and a vector store on disk).
type MemorySearchTool struct {
	manager *memory.MemoryManager
	logger  *zap.Logger
}

func NewMemorySearchTool(manager *memory.MemoryManager, logger *zap.Logger) *MemorySearchTool {
	return &MemorySearchTool{manager: manager, logger: logger}
}

func (t *MemorySearchTool) Name() string          { return "memory_search" }
func (t *MemorySearchTool) Kind() domaintool.Kind { return domaintool.KindSearch }

func (t *MemorySearchTool) Description() string {
	return "Semantically search long-term memory for facts, decisions, and context from earlier sessions. " +
		"Use this before asking the user to repeat something they may have told you before."
}

func (t *MemorySearchTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "What to look for",
			},
			"top_k": map[string]interface{}{
				"type":        "integer",
				"description": "How many results to return (default: 5)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *MemorySearchTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	query, ok := args["query"].(string)
	if !ok || strings.TrimSpace(query) == "" {
		return &Result{Success: false, Error: "query is required"}, nil
	}
	topK := 5
	if v, ok := args["top_k"].(float64); ok && v > 0 {
		topK = int(v)
	}

	entries, err := t.manager.Recall(ctx, query, topK, nil)
	if err != nil {
		return &Result{Success: false, Error: fmt.Sprintf("memory search failed: %v", err)}, nil
	}
	if len(entries) == 0 {
		return &Result{Success: true, Output: "No matching memories."}, nil
	}

	var sb strings.Builder
	for i, e := range entries {
		fmt.Fprintf(&sb, "%d. (%.2f) %s\n", i+1, e.Score, e.Content)
	}

	t.logger.Debug("Memory search",
		zap.String("query", query),
		zap.Int("results", len(entries)),
	)

	return &Result{
		Success: true,
		Output:  sb.String(),
		Metadata: map[string]interface{}{
			"results": len(entries),
		},
	}, nil
}
