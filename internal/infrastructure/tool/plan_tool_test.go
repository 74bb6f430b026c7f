package tool

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

// withTodoFile points the shared todo file at a temp path for one test.
func withTodoFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.json")
	old := os.Getenv("AGENTRUNNER_TODO_FILE")
	os.Setenv("AGENTRUNNER_TODO_FILE", path)
	t.Cleanup(func() { os.Setenv("AGENTRUNNER_TODO_FILE", old) })
	return path
}

func TestUpdatePlanTool_CreateAndUpdate(t *testing.T) {
	withTodoFile(t)
	tool := NewUpdatePlanTool(zap.NewNop())

	res, err := tool.Execute(context.Background(), map[string]interface{}{
		"action": "create",
		"goal":   "ship the feature",
		"steps":  []interface{}{"write code", "write tests", "review"},
	})
	if err != nil || !res.Success {
		t.Fatalf("create: err=%v res=%+v", err, res)
	}

	res, err = tool.Execute(context.Background(), map[string]interface{}{
		"action":  "update",
		"step_id": float64(2),
		"status":  "in_progress",
	})
	if err != nil || !res.Success {
		t.Fatalf("update: err=%v res=%+v", err, res)
	}

	plan, err := LoadCurrentPlan()
	if err != nil {
		t.Fatalf("LoadCurrentPlan: %v", err)
	}
	if plan.Goal != "ship the feature" || len(plan.Steps) != 3 {
		t.Fatalf("plan = %+v", plan)
	}
	if plan.Steps[1].Status != PlanStatusInProgress {
		t.Errorf("step 2 status = %q, want in_progress", plan.Steps[1].Status)
	}
}

func TestTodoFile_SharedAcrossInstances(t *testing.T) {
	// Two tool instances standing in for two processes sharing the
	// exported path: a write from one is observed by the other's read.
	withTodoFile(t)

	writer := NewUpdatePlanTool(zap.NewNop())
	if res, err := writer.Execute(context.Background(), map[string]interface{}{
		"action": "create",
		"goal":   "cross process",
		"steps":  []interface{}{"a", "b"},
	}); err != nil || !res.Success {
		t.Fatalf("create: err=%v res=%+v", err, res)
	}

	reader := NewUpdatePlanTool(zap.NewNop())
	if res, err := reader.Execute(context.Background(), map[string]interface{}{
		"action":  "update",
		"step_id": float64(1),
		"status":  "done",
	}); err != nil || !res.Success {
		t.Fatalf("update from second instance: err=%v res=%+v", err, res)
	}

	plan, err := LoadCurrentPlan()
	if err != nil {
		t.Fatalf("LoadCurrentPlan: %v", err)
	}
	if plan.Steps[0].Status != PlanStatusDone {
		t.Errorf("write from second instance not visible: %q", plan.Steps[0].Status)
	}
}

func TestCurrentTodos_MapsPlanStatuses(t *testing.T) {
	withTodoFile(t)
	tool := NewUpdatePlanTool(zap.NewNop())
	if res, err := tool.Execute(context.Background(), map[string]interface{}{
		"action": "create",
		"goal":   "statuses",
		"steps":  []interface{}{"one", "two", "three"},
	}); err != nil || !res.Success {
		t.Fatalf("create: err=%v res=%+v", err, res)
	}
	if res, err := tool.Execute(context.Background(), map[string]interface{}{
		"action": "update", "step_id": float64(1), "status": "done",
	}); err != nil || !res.Success {
		t.Fatalf("update: err=%v res=%+v", err, res)
	}
	if res, err := tool.Execute(context.Background(), map[string]interface{}{
		"action": "update", "step_id": float64(2), "status": "error",
	}); err != nil || !res.Success {
		t.Fatalf("update: err=%v res=%+v", err, res)
	}

	todos := CurrentTodos()
	if len(todos) != 3 {
		t.Fatalf("todos = %d, want 3", len(todos))
	}
	if todos[0].Status != "completed" {
		t.Errorf("todos[0] = %q, want completed", todos[0].Status)
	}
	if todos[1].Status != "cancelled" {
		t.Errorf("todos[1] = %q, want cancelled", todos[1].Status)
	}
	if todos[2].Status != "pending" {
		t.Errorf("todos[2] = %q, want pending", todos[2].Status)
	}
}

func TestRemoveTodoFileIfOwner_LeavesInheritedFile(t *testing.T) {
	path := withTodoFile(t)
	tool := NewUpdatePlanTool(zap.NewNop())
	if res, err := tool.Execute(context.Background(), map[string]interface{}{
		"action": "create",
		"goal":   "keep me",
		"steps":  []interface{}{"a"},
	}); err != nil || !res.Success {
		t.Fatalf("create: err=%v res=%+v", err, res)
	}

	// The path came from the environment, so this process is not the
	// creator and must leave the file alone.
	todoFileMu.Lock()
	todoFileOwned = false
	todoFileMu.Unlock()

	RemoveTodoFileIfOwner()
	if _, err := os.Stat(path); err != nil {
		t.Errorf("inherited todo file was removed: %v", err)
	}
}

func TestRemoveTodoFileIfOwner_RemovesOwnedFile(t *testing.T) {
	path := withTodoFile(t)
	tool := NewUpdatePlanTool(zap.NewNop())
	if res, err := tool.Execute(context.Background(), map[string]interface{}{
		"action": "create",
		"goal":   "remove me",
		"steps":  []interface{}{"a"},
	}); err != nil || !res.Success {
		t.Fatalf("create: err=%v res=%+v", err, res)
	}

	todoFileMu.Lock()
	todoFileOwned = true
	todoFileMu.Unlock()
	t.Cleanup(func() {
		todoFileMu.Lock()
		todoFileOwned = false
		todoFileMu.Unlock()
	})

	RemoveTodoFileIfOwner()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("owned todo file still present: %v", err)
	}
}
