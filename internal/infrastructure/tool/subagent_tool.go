package tool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentrunner/agentrunner/internal/domain/service"
	domaintool "github.com/agentrunner/agentrunner/internal/domain/tool"
	"go.uber.org/zap"
)

// depthKey is the context key for tracking sub-agent nesting depth.
type depthKey struct{}

// SubAgentTool allows the main agent to delegate sub-tasks to a new AgentLoop instance.
type SubAgentTool struct {
	llm             service.LLMClient
	tools           service.ToolExecutor
	defaultModel    string
	defaultMaxSteps int
	timeout         time.Duration
	logger          *zap.Logger
}

// restrictedSubagentTools is the allow-list a spawned sub-agent gets
// instead of the parent's full tool set (spec §4.7): enough to read,
// search, and edit on its own, but no spawn_agent (depth is already
// bounded, but a restricted registry keeps it out of the model's tool
// list too) and no MCP administration.
var restrictedSubagentTools = map[string]bool{
	"read_file":     true,
	"write_file":    true,
	"edit_file":     true,
	"list_dir":      true,
	"search":        true,
	"glob":          true,
	"apply_patch":   true,
	"bash":          true,
	"web_fetch":     true,
	"web_search":    true,
	"repo_map":      true,
	"git":           true,
	"lint_fix":      true,
	"lsp":           true,
	"save_memory":   true,
	"update_plan":   true,
	"memory_search": true,
}

func NewSubAgentTool(llm service.LLMClient, tools service.ToolExecutor, defaultModel string, maxSteps int, timeout time.Duration, logger *zap.Logger) *SubAgentTool {
	if maxSteps <= 0 {
		maxSteps = 20 // spec §4.7 MAX_SUBAGENT_STEPS default
	}
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	return &SubAgentTool{
		llm:             llm,
		tools:           newRestrictedToolExecutor(tools, restrictedSubagentTools),
		defaultModel:    defaultModel,
		defaultMaxSteps: maxSteps,
		timeout:         timeout,
		logger:          logger,
	}
}

// restrictedToolExecutor wraps a parent ToolExecutor, exposing and
// permitting execution of only an allow-listed subset of tools. Used to
// bound what a sub-agent can reach (spec §4.7) instead of handing it the
// parent's unrestricted tool set verbatim.
type restrictedToolExecutor struct {
	parent service.ToolExecutor
	allow  map[string]bool
}

func newRestrictedToolExecutor(parent service.ToolExecutor, allow map[string]bool) service.ToolExecutor {
	return &restrictedToolExecutor{parent: parent, allow: allow}
}

func (r *restrictedToolExecutor) Execute(ctx context.Context, name string, args map[string]interface{}) (*domaintool.Result, error) {
	if !r.allow[name] {
		return &domaintool.Result{
			Success: false,
			Error:   fmt.Sprintf("tool '%s' is not available to sub-agents", name),
		}, nil
	}
	return r.parent.Execute(ctx, name, args)
}

func (r *restrictedToolExecutor) GetDefinitions() []domaintool.Definition {
	defs := r.parent.GetDefinitions()
	filtered := make([]domaintool.Definition, 0, len(defs))
	for _, d := range defs {
		if r.allow[d.Name] {
			filtered = append(filtered, d)
		}
	}
	return filtered
}

func (r *restrictedToolExecutor) GetToolKind(name string) domaintool.Kind {
	return r.parent.GetToolKind(name)
}

func (t *SubAgentTool) Name() string          { return "spawn_agent" }
func (t *SubAgentTool) Kind() domaintool.Kind { return domaintool.KindExecute }

func (t *SubAgentTool) Description() string {
	return "Delegate a sub-task to an independent agent that has access to all the same tools. " +
		"Use this for complex tasks that benefit from focused, isolated execution. " +
		"The sub-agent runs its own ReAct loop and returns the final result. " +
		"Example: spawning an agent to audit a codebase, research a topic, or execute a multi-step procedure."
}

func (t *SubAgentTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "A clear description of the sub-task for the agent to complete",
			},
			"system_prompt": map[string]interface{}{
				"type":        "string",
				"description": "Optional system prompt to give the sub-agent a specific role or context",
			},
			"max_steps": map[string]interface{}{
				"type":        "integer",
				"description": fmt.Sprintf("Maximum reasoning steps for the sub-agent (default: %d)", t.defaultMaxSteps),
			},
		},
		"required": []string{"task"},
	}
}

func (t *SubAgentTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	task, ok := args["task"].(string)
	if !ok || task == "" {
		return &domaintool.Result{Success: false, Error: "task is required"}, nil
	}

	// Enforce nesting depth limit (max 2 levels)
	depth := 0
	if d, ok := ctx.Value(depthKey{}).(int); ok {
		depth = d
	}
	if depth >= 2 {
		return &domaintool.Result{
			Success: false,
			Error:   "sub-agent nesting depth limit reached (max 2 levels)",
		}, nil
	}

	systemPrompt := ""
	if sp, ok := args["system_prompt"].(string); ok {
		systemPrompt = sp
	}

	maxSteps := t.defaultMaxSteps
	if ms, ok := args["max_steps"].(float64); ok && ms > 0 {
		maxSteps = int(ms)
		if maxSteps > t.defaultMaxSteps*2 {
			maxSteps = t.defaultMaxSteps * 2
		}
	}

	t.logger.Info("Spawning sub-agent",
		zap.String("task_preview", truncateStr(task, 100)),
		zap.Int("max_steps", maxSteps),
		zap.Int("depth", depth+1),
	)

	// Sub-agent config: bounded by both MaxSteps (spec §4.7) and the
	// context timeout set below, whichever trips first.
	cfg := service.AgentLoopConfig{
		DoomLoopThreshold: 3,
		MaxOutputChars:    32000,
		Temperature:       0.7,
		Model:             t.defaultModel,
		MaxSteps:          maxSteps,
	}

	subAgent := service.NewAgentLoop(t.llm, t.tools, cfg, t.logger.Named("sub-agent"))

	// Inject incremented depth into context
	subCtx := context.WithValue(ctx, depthKey{}, depth+1)

	// Set a timeout for the sub-agent (from config)
	subCtx, cancel := context.WithTimeout(subCtx, t.timeout)
	defer cancel()

	result, eventCh := subAgent.Run(subCtx, systemPrompt, task, nil, "")

	// Drain events (we don't stream them to the parent, just wait for completion)
	var toolsUsed []string
	for ev := range eventCh {
		if ev.ToolCall != nil {
			toolsUsed = append(toolsUsed, ev.ToolCall.Name)
		}
	}

	t.logger.Info("Sub-agent completed",
		zap.Int("steps", result.TotalSteps),
		zap.Int("tokens", result.TotalTokens),
		zap.String("model", result.ModelUsed),
		zap.Int("tools_used", len(toolsUsed)),
	)

	// Format output
	var sb strings.Builder
	sb.WriteString("=== Sub-Agent Result ===\n\n")
	sb.WriteString(result.FinalContent)
	sb.WriteString("\n\n--- Execution Summary ---\n")
	sb.WriteString(fmt.Sprintf("Steps: %d | Tokens: %d | Model: %s\n", result.TotalSteps, result.TotalTokens, result.ModelUsed))
	if len(toolsUsed) > 0 {
		sb.WriteString(fmt.Sprintf("Tools used: %s\n", strings.Join(uniqueStrings(toolsUsed), ", ")))
	}

	return &domaintool.Result{
		Output:  sb.String(),
		Success: true,
		Metadata: map[string]interface{}{
			"steps":      result.TotalSteps,
			"tokens":     result.TotalTokens,
			"model":      result.ModelUsed,
			"tools_used": toolsUsed,
		},
	}, nil
}

func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func uniqueStrings(ss []string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
