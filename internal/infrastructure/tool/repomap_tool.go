package tool

import (
	"context"
	"fmt"
	"os"
	"strings"

	domaintool "github.com/agentrunner/agentrunner/internal/domain/tool"
	"github.com/agentrunner/agentrunner/internal/infrastructure/codeintel"
	"go.uber.org/zap"
)

// RepoMapTool generates a ranked structural map of a codebase. It is a
// thin adapter over the codeintel indexer: symbols are extracted per
// language (full AST for Go, pattern-based for Python/JS/TS/Rust) and
// ranked by reference PageRank so the most connected symbols surface
// first in the model's budget.
type RepoMapTool struct {
	logger *zap.Logger
}

func NewRepoMapTool(logger *zap.Logger) *RepoMapTool {
	return &RepoMapTool{logger: logger}
}

func (t *RepoMapTool) Name() string          { return "repo_map" }
func (t *RepoMapTool) Kind() domaintool.Kind { return domaintool.KindRead }

func (t *RepoMapTool) Description() string {
	return "Generate a structural map of a codebase showing the most important functions, types, and methods, " +
		"ranked by how referenced they are. Use this to understand a project's architecture before editing code. " +
		"Optionally focus on specific files."
}

func (t *RepoMapTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Root directory to scan",
			},
			"files": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Focus the map on these files only (relative to path)",
			},
			"max_tokens": map[string]interface{}{
				"type":        "integer",
				"description": "Token budget for the map (default: 2048)",
			},
			"exclude": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Additional directory names to skip",
			},
		},
		"required": []string{"path"},
	}
}

func (t *RepoMapTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	rootPath, ok := args["path"].(string)
	if !ok || rootPath == "" {
		return &Result{Success: false, Error: "path is required"}, nil
	}
	info, err := os.Stat(rootPath)
	if err != nil || !info.IsDir() {
		return &Result{Success: false, Error: fmt.Sprintf("path '%s' is not a valid directory", rootPath)}, nil
	}

	maxTokens := 2048
	if v, ok := args["max_tokens"].(float64); ok && v > 0 {
		maxTokens = int(v)
	}
	excludes := stringList(args["exclude"])

	idx := codeintel.NewIndexer(t.logger)
	count, err := idx.IndexDirectory(rootPath, excludes)
	if err != nil {
		return &Result{Success: false, Error: fmt.Sprintf("indexing failed: %v", err)}, nil
	}
	if count == 0 {
		return &Result{
			Success: true,
			Output:  "No supported source files found under " + rootPath,
		}, nil
	}

	rm := codeintel.NewRepoMap(idx, t.logger)

	var out string
	if focus := stringList(args["files"]); len(focus) > 0 {
		out = rm.GenerateForFiles(focus, maxTokens)
	} else {
		out = rm.Generate(maxTokens)
	}

	t.logger.Info("Repo map generated",
		zap.String("path", rootPath),
		zap.Int("files_indexed", count),
		zap.Int("map_chars", len(out)),
	)

	return &Result{
		Success: true,
		Output:  out,
		Metadata: map[string]interface{}{
			"files_indexed": count,
		},
	}, nil
}

// stringList coerces a JSON array argument into a string slice.
func stringList(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
