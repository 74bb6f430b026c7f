// Copyright 2026 AgentRunner Authors. All rights reserved.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentrunner/agentrunner/internal/domain/entity"
	domaintool "github.com/agentrunner/agentrunner/internal/domain/tool"
	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// todoFilePath resolves the shared plan file location. If AGENTRUNNER_TODO_FILE
// is set (e.g. by a parent process coordinating several agent instances over
// the same plan), that path is used and exported for any child process to
// inherit; otherwise it defaults to the per-user plan file.
func todoFilePath() string {
	if p := os.Getenv("AGENTRUNNER_TODO_FILE"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	path := filepath.Join(home, ".agentrunner", "current_plan.json")
	os.Setenv("AGENTRUNNER_TODO_FILE", path)
	todoFileMu.Lock()
	todoFileOwned = true
	todoFileMu.Unlock()
	return path
}

var (
	todoFileMu    sync.Mutex
	todoFileOwned bool
)

// RemoveTodoFileIfOwner deletes the shared todo file on shutdown, but
// only when this process created it — a child that inherited the path
// through the environment leaves it for its parent.
func RemoveTodoFileIfOwner() {
	todoFileMu.Lock()
	owned := todoFileOwned
	todoFileMu.Unlock()
	if !owned {
		return
	}
	path := os.Getenv("AGENTRUNNER_TODO_FILE")
	if path == "" {
		return
	}
	_ = os.Remove(path)
	_ = os.Remove(path + ".lock")
}

// CurrentTodos reads the shared plan and flattens it into todo records
// for a TodosUpdated update. Plan statuses map onto the todo lifecycle;
// error steps surface as cancelled so the interface shows them
// terminal.
func CurrentTodos() []entity.Todo {
	plan, err := LoadCurrentPlan()
	if err != nil || plan == nil {
		return nil
	}
	todos := make([]entity.Todo, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		todo := entity.Todo{
			ID:       fmt.Sprintf("%d", step.ID),
			Content:  step.Title,
			Priority: entity.PriorityMedium,
		}
		switch step.Status {
		case PlanStatusPending:
			todo.Status = entity.TodoPending
		case PlanStatusInProgress:
			todo.Status = entity.TodoInProgress
		case PlanStatusDone:
			todo.Status = entity.TodoCompleted
		case PlanStatusError, PlanStatusSkipped:
			todo.Status = entity.TodoCancelled
		}
		todos = append(todos, todo)
	}
	return todos
}

// withFileLock runs fn while holding an advisory lock on path+".lock",
// so concurrent processes sharing the same plan file don't interleave
// reads and writes.
func withFileLock(path string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire todo file lock: %w", err)
	}
	defer lock.Unlock()
	return fn()
}

// PlanStatus represents the execution state of a plan step.
type PlanStatus string

const (
	PlanStatusPending    PlanStatus = "pending"
	PlanStatusInProgress PlanStatus = "in_progress"
	PlanStatusDone       PlanStatus = "done"
	PlanStatusError      PlanStatus = "error"
	PlanStatusSkipped    PlanStatus = "skipped"
)

// PlanStep represents a single step in the execution plan.
type PlanStep struct {
	ID        int        `json:"id"`
	Title     string     `json:"title"`
	Status    PlanStatus `json:"status"`
	Notes     string     `json:"notes,omitempty"`
	UpdatedAt string     `json:"updatedAt"`
}

// Plan represents the full execution plan.
type Plan struct {
	Goal      string     `json:"goal"`
	Steps     []PlanStep `json:"steps"`
	CreatedAt string     `json:"createdAt"`
	UpdatedAt string     `json:"updatedAt"`
}

// UpdatePlanTool allows the agent to create and update execution plans.
// Source: Deer-Flow TodoList pattern — agents report progress via tool calls.
//
// The plan is a single shared file (see todoFilePath): AGENTRUNNER_TODO_FILE
// when set, else ~/.agentrunner/current_plan.json; it is not kept per session.
type UpdatePlanTool struct {
	mu     sync.Mutex
	logger *zap.Logger
}

// NewUpdatePlanTool creates the update_plan tool.
func NewUpdatePlanTool(logger *zap.Logger) *UpdatePlanTool {
	return &UpdatePlanTool{logger: logger}
}

func (t *UpdatePlanTool) Name() string          { return "update_plan" }
func (t *UpdatePlanTool) Kind() domaintool.Kind { return domaintool.KindThink }
func (t *UpdatePlanTool) Description() string {
	return "Create or update the execution plan. " +
		"Use action='create' with steps to start a new plan; " +
		"action='update' with step_id and status to mark progress."
}

func (t *UpdatePlanTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"description": "Action: 'create' to create a new plan, 'update' to update a step status.",
				"enum":        []string{"create", "update"},
			},
			"goal": map[string]interface{}{
				"type":        "string",
				"description": "Goal of the plan (required for 'create').",
			},
			"steps": map[string]interface{}{
				"type":        "array",
				"description": "List of step titles (required for 'create').",
				"items":       map[string]interface{}{"type": "string"},
			},
			"step_id": map[string]interface{}{
				"type":        "number",
				"description": "Step ID to update (required for 'update', 1-indexed).",
			},
			"status": map[string]interface{}{
				"type":        "string",
				"description": "New status for the step.",
				"enum":        []string{"pending", "in_progress", "done", "error", "skipped"},
			},
			"notes": map[string]interface{}{
				"type":        "string",
				"description": "Optional notes for the step update.",
			},
		},
		"required": []string{"action"},
	}
}

func (t *UpdatePlanTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	action, _ := args["action"].(string)

	switch action {
	case "create":
		return t.createPlan(args)
	case "update":
		return t.updateStep(args)
	default:
		return &Result{Output: "Error: action must be 'create' or 'update'", Success: false}, nil
	}
}

func (t *UpdatePlanTool) createPlan(args map[string]interface{}) (*Result, error) {
	goal, _ := args["goal"].(string)
	if goal == "" {
		return &Result{Output: "Error: 'goal' is required for create", Success: false}, nil
	}

	rawSteps, ok := args["steps"].([]interface{})
	if !ok || len(rawSteps) == 0 {
		return &Result{Output: "Error: 'steps' array is required for create", Success: false}, nil
	}

	now := time.Now().Format(time.RFC3339)
	plan := Plan{
		Goal:      goal,
		Steps:     make([]PlanStep, len(rawSteps)),
		CreatedAt: now,
		UpdatedAt: now,
	}

	for i, s := range rawSteps {
		title := fmt.Sprintf("%v", s)
		plan.Steps[i] = PlanStep{
			ID:        i + 1,
			Title:     title,
			Status:    PlanStatusPending,
			UpdatedAt: now,
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.savePlan(&plan); err != nil {
		return &Result{Output: fmt.Sprintf("Failed to save plan: %v", err), Success: false}, nil
	}

	t.logger.Info("Plan created",
		zap.String("goal", goal),
		zap.Int("steps", len(plan.Steps)),
	)

	return &Result{
		Output:  fmt.Sprintf("Plan created: \"%s\" with %d steps", goal, len(plan.Steps)),
		Display: t.renderPlan(&plan),
		Success: true,
	}, nil
}

func (t *UpdatePlanTool) updateStep(args map[string]interface{}) (*Result, error) {
	stepID, ok := args["step_id"].(float64)
	if !ok || stepID < 1 {
		return &Result{Output: "Error: 'step_id' (1-indexed) is required", Success: false}, nil
	}

	statusStr, _ := args["status"].(string)
	if statusStr == "" {
		return &Result{Output: "Error: 'status' is required", Success: false}, nil
	}
	status := PlanStatus(statusStr)

	t.mu.Lock()
	defer t.mu.Unlock()

	plan, err := t.loadPlan()
	if err != nil || plan == nil {
		return &Result{Output: "Error: no active plan found. Use action='create' first.", Success: false}, nil
	}

	idx := int(stepID) - 1
	if idx < 0 || idx >= len(plan.Steps) {
		return &Result{Output: fmt.Sprintf("Error: step_id %d out of range (1-%d)", int(stepID), len(plan.Steps)), Success: false}, nil
	}

	plan.Steps[idx].Status = status
	plan.Steps[idx].UpdatedAt = time.Now().Format(time.RFC3339)
	if notes, ok := args["notes"].(string); ok && notes != "" {
		plan.Steps[idx].Notes = notes
	}
	plan.UpdatedAt = time.Now().Format(time.RFC3339)

	if err := t.savePlan(plan); err != nil {
		return &Result{Output: fmt.Sprintf("Failed to save plan: %v", err), Success: false}, nil
	}

	t.logger.Info("Plan step updated",
		zap.Int("step", int(stepID)),
		zap.String("status", statusStr),
	)

	return &Result{
		Output:  fmt.Sprintf("Step %d → %s", int(stepID), statusStr),
		Display: t.renderPlan(plan),
		Success: true,
	}, nil
}

// --- Plan I/O ---

func (t *UpdatePlanTool) planPath() string {
	return todoFilePath()
}

func (t *UpdatePlanTool) loadPlan() (*Plan, error) {
	var plan *Plan
	err := withFileLock(t.planPath(), func() error {
		data, err := os.ReadFile(t.planPath())
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		var p Plan
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		plan = &p
		return nil
	})
	return plan, err
}

func (t *UpdatePlanTool) savePlan(plan *Plan) error {
	path := t.planPath()
	return withFileLock(path, func() error {
		data, err := json.MarshalIndent(plan, "", "  ")
		if err != nil {
			return err
		}
		return os.WriteFile(path, data, 0644)
	})
}

// renderPlan creates a visual representation of the plan for display.
func (t *UpdatePlanTool) renderPlan(plan *Plan) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📋 **%s**\n", plan.Goal))

	doneCount := 0
	for _, s := range plan.Steps {
		var icon string
		switch s.Status {
		case PlanStatusDone:
			icon = "✅"
			doneCount++
		case PlanStatusInProgress:
			icon = "🔄"
		case PlanStatusError:
			icon = "❌"
		case PlanStatusSkipped:
			icon = "⏭️"
			doneCount++
		default:
			icon = "⬜"
		}
		line := fmt.Sprintf("%s %d. %s", icon, s.ID, s.Title)
		if s.Notes != "" {
			line += fmt.Sprintf(" (%s)", s.Notes)
		}
		sb.WriteString(line + "\n")
	}

	progress := float64(doneCount) / float64(len(plan.Steps)) * 100
	sb.WriteString(fmt.Sprintf("\n📊 Progress: %.0f%%", progress))

	return sb.String()
}

// LoadCurrentPlan loads the active plan (for prompt injection and display).
// Safe to call from a different process than the one that created the plan —
// the file path and its advisory lock are shared via AGENTRUNNER_TODO_FILE.
func LoadCurrentPlan() (*Plan, error) {
	var plan *Plan
	err := withFileLock(todoFilePath(), func() error {
		data, err := os.ReadFile(todoFilePath())
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		var p Plan
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		plan = &p
		return nil
	})
	return plan, err
}
