package service

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agentrunner/agentrunner/internal/domain/valueobject"
	"github.com/agentrunner/agentrunner/internal/infrastructure/eventbus"
)

func TestPermissionManager_AllowDecision(t *testing.T) {
	bus := eventbus.NewInMemoryBus(zap.NewNop(), 16)
	defer bus.Close()
	m := NewPermissionManager(bus, zap.NewNop())

	allowed, err := m.Check(context.Background(), "s1", valueobject.PermissionCheck{
		Tool: "read_file", Action: "read",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Fatal("read_file should be allowed by the default rule set")
	}
}

func TestPermissionManager_DenyDecision(t *testing.T) {
	bus := eventbus.NewInMemoryBus(zap.NewNop(), 16)
	defer bus.Close()
	m := NewPermissionManager(bus, zap.NewNop())
	// Prepended: AddRule would append it behind the default "* execute" Ask rule.
	_ = m.PrependRules([]valueobject.PermissionRule{{
		ToolPattern: "rm_rf", ActionPattern: "*", Decision: valueobject.DecisionDeny,
	}})

	allowed, err := m.Check(context.Background(), "s1", valueobject.PermissionCheck{
		Tool: "rm_rf", Action: "execute",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatal("rm_rf should be denied")
	}
}

// TestPermissionManager_FirstMatchWins verifies P4: rule order determines
// the decision, not specificity — a broader rule added first still wins.
func TestPermissionManager_FirstMatchWins(t *testing.T) {
	bus := eventbus.NewInMemoryBus(zap.NewNop(), 16)
	defer bus.Close()
	m := NewPermissionManager(bus, zap.NewNop())

	// Prepend an exact-match Deny ahead of the seeded defaults (which allow
	// read_file); first-match-wins means this takes precedence.
	if err := m.PrependRules([]valueobject.PermissionRule{
		{ToolPattern: "read_file", ActionPattern: "*", Decision: valueobject.DecisionDeny},
	}); err != nil {
		t.Fatalf("unexpected error from PrependRules: %v", err)
	}

	allowed, err := m.Check(context.Background(), "s1", valueobject.PermissionCheck{
		Tool: "read_file", Action: "read",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatal("prepended Deny rule should win over the default Allow rule for read_file")
	}
}

func TestPermissionManager_AddRuleRejectsMalformed(t *testing.T) {
	bus := eventbus.NewInMemoryBus(zap.NewNop(), 16)
	defer bus.Close()
	m := NewPermissionManager(bus, zap.NewNop())

	err := m.AddRule(valueobject.PermissionRule{ToolPattern: "", Decision: valueobject.DecisionAllow})
	if err == nil {
		t.Fatal("expected an error for a rule with an empty tool pattern")
	}
}

// TestPermissionManager_AskSuspendsUntilRespond exercises the Ask cycle:
// Check suspends, a subscriber answers via Respond, and Check returns the
// answered decision.
func TestPermissionManager_AskSuspendsUntilRespond(t *testing.T) {
	bus := eventbus.NewInMemoryBus(zap.NewNop(), 16)
	defer bus.Close()
	m := NewPermissionManager(bus, zap.NewNop())

	bus.Subscribe(eventbus.EventTypePermissionRequest, func(ctx context.Context, ev eventbus.Event) {
		payload := ev.Payload().(eventbus.PermissionRequestPayload)
		_ = m.Respond(ctx, payload.CheckID, true, false)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	allowed, err := m.Check(ctx, "s1", valueobject.PermissionCheck{
		ID: "chk-1", Tool: "bash", Action: "execute",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Fatal("expected Respond(allow=true) to resolve the suspended check as allowed")
	}
}

// TestPermissionManager_RememberInsertsRule verifies a remember=true
// response synthesises a new exact-match rule so subsequent identical
// checks no longer suspend.
func TestPermissionManager_RememberInsertsRule(t *testing.T) {
	bus := eventbus.NewInMemoryBus(zap.NewNop(), 16)
	defer bus.Close()
	m := NewPermissionManager(bus, zap.NewNop())

	bus.Subscribe(eventbus.EventTypePermissionRequest, func(ctx context.Context, ev eventbus.Event) {
		payload := ev.Payload().(eventbus.PermissionRequestPayload)
		_ = m.Respond(ctx, payload.CheckID, true, true)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := m.Check(ctx, "s1", valueobject.PermissionCheck{
		ID: "chk-2", Tool: "webfetch", Action: "fetch",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A remembered rule should now be present so a second identical check
	// could resolve without needing another subscriber response.
	rules := m.Rules()
	found := false
	for _, r := range rules {
		if r.ToolPattern == "webfetch" && r.Decision == valueobject.DecisionAllow {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("remember=true should have inserted a new Allow rule for webfetch")
	}
}

func TestPermissionManager_AskTimesOutAsDenyOnCancel(t *testing.T) {
	bus := eventbus.NewInMemoryBus(zap.NewNop(), 16)
	defer bus.Close()
	m := NewPermissionManager(bus, zap.NewNop())
	// No subscriber answers — the check must resolve via ctx cancellation.

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	allowed, err := m.Check(ctx, "s1", valueobject.PermissionCheck{
		ID: "chk-3", Tool: "bash", Action: "execute",
	})
	if err == nil {
		t.Fatal("expected a context error when no response arrives")
	}
	if allowed {
		t.Fatal("a dropped response stream must resolve to deny")
	}
}

func TestPermissionManager_PendingCount(t *testing.T) {
	bus := eventbus.NewInMemoryBus(zap.NewNop(), 16)
	defer bus.Close()
	m := NewPermissionManager(bus, zap.NewNop())

	if m.PendingCount() != 0 {
		t.Fatal("expected no pending checks initially")
	}

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_, _ = m.Check(ctx, "s1", valueobject.PermissionCheck{ID: "chk-4", Tool: "bash", Action: "execute"})
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	if m.PendingCount() != 1 {
		t.Fatalf("expected 1 pending check while Ask is suspended, got %d", m.PendingCount())
	}
	<-done
	if m.PendingCount() != 0 {
		t.Fatal("expected pending count to return to 0 after the check resolves")
	}
}
