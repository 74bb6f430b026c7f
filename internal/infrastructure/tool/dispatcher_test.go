package tool

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agentrunner/agentrunner/internal/domain/service"
	domaintool "github.com/agentrunner/agentrunner/internal/domain/tool"
	"github.com/agentrunner/agentrunner/internal/domain/valueobject"
)

// fakeTool is a configurable registry entry for dispatcher tests.
type fakeTool struct {
	name   string
	kind   domaintool.Kind
	delay  time.Duration
	output string
	calls  atomic.Int64
}

func (f *fakeTool) Name() string          { return f.name }
func (f *fakeTool) Kind() domaintool.Kind { return f.kind }
func (f *fakeTool) Description() string   { return "fake" }
func (f *fakeTool) Schema() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}

func (f *fakeTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &domaintool.Result{Success: true, Output: f.output}, nil
}

func testDispatcher(t *testing.T, decision valueobject.PermissionDecision, tools ...*fakeTool) *Dispatcher {
	t.Helper()
	registry := domaintool.NewInMemoryRegistry()
	for _, tl := range tools {
		if err := registry.Register(tl); err != nil {
			t.Fatalf("register %s: %v", tl.name, err)
		}
	}

	perms := service.NewPermissionManager(nil, zap.NewNop())
	if err := perms.PrependRules([]valueobject.PermissionRule{
		{ToolPattern: "denied_*", ActionPattern: "*", Decision: valueobject.DecisionDeny},
		{ToolPattern: "*", ActionPattern: "*", Decision: valueobject.DecisionAllow},
	}); err != nil {
		t.Fatalf("seed rules: %v", err)
	}

	return NewDispatcher(registry, perms, service.NewDoomLoopDetector(), nil, nil, zap.NewNop(), DispatcherConfig{
		MaxParallelTools: 4,
		MaxOutputChars:   10000,
		ToolTimeout:      5 * time.Second,
		DoomLoopDecision: decision,
	})
}

func TestDispatchTurn_PreservesCallOrder(t *testing.T) {
	// The slow tool finishes last; its result must still come first.
	slow := &fakeTool{name: "slow", kind: domaintool.KindRead, delay: 50 * time.Millisecond, output: "slow done"}
	fast := &fakeTool{name: "fast", kind: domaintool.KindRead, output: "fast done"}
	d := testDispatcher(t, valueobject.DecisionDeny, slow, fast)

	results := d.DispatchTurn(context.Background(), "s1", []DispatchCall{
		{ID: "a", Name: "slow", Arguments: map[string]interface{}{}},
		{ID: "b", Name: "fast", Arguments: map[string]interface{}{}},
	})

	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].ToolCallID != "a" || results[1].ToolCallID != "b" {
		t.Errorf("order = %s,%s, want a,b", results[0].ToolCallID, results[1].ToolCallID)
	}
	if results[0].Output != "slow done" || !results[0].Success {
		t.Errorf("results[0] = %+v", results[0])
	}
}

func TestDispatchTurn_UnknownToolIsNonFatal(t *testing.T) {
	d := testDispatcher(t, valueobject.DecisionDeny)
	results := d.DispatchTurn(context.Background(), "s1", []DispatchCall{
		{ID: "x", Name: "no_such_tool", Arguments: map[string]interface{}{}},
	})
	if results[0].Success {
		t.Error("unknown tool must fail")
	}
	if results[0].Output == "" {
		t.Error("failure must carry an explanation the model can read")
	}
}

func TestDispatchOne_PermissionDenied(t *testing.T) {
	denied := &fakeTool{name: "denied_write", kind: domaintool.KindEdit, output: "nope"}
	d := testDispatcher(t, valueobject.DecisionDeny, denied)

	results := d.DispatchTurn(context.Background(), "s1", []DispatchCall{
		{ID: "x", Name: "denied_write", Arguments: map[string]interface{}{"path": "/tmp/f"}},
	})
	if results[0].Success {
		t.Error("denied tool must not succeed")
	}
	if denied.calls.Load() != 0 {
		t.Error("denied tool must not execute")
	}
}

func TestDispatchOne_DoomLoopDeniesThirdIdenticalCall(t *testing.T) {
	echo := &fakeTool{name: "echo", kind: domaintool.KindExecute, output: "ok"}
	d := testDispatcher(t, valueobject.DecisionDeny, echo)

	args := map[string]interface{}{"cmd": "ls"}
	var last DispatchResult
	for i := 0; i < 3; i++ {
		results := d.DispatchTurn(context.Background(), "s1", []DispatchCall{
			{ID: fmt.Sprintf("c%d", i), Name: "echo", Arguments: args},
		})
		last = results[0]
	}

	if last.Success {
		t.Error("third identical call must be blocked")
	}
	if echo.calls.Load() != 2 {
		t.Errorf("tool executed %d times, want 2", echo.calls.Load())
	}
}

func TestDispatchOne_DoomLoopAllowPolicyProceeds(t *testing.T) {
	echo := &fakeTool{name: "echo", kind: domaintool.KindExecute, output: "ok"}
	d := testDispatcher(t, valueobject.DecisionAllow, echo)

	args := map[string]interface{}{"cmd": "ls"}
	var last DispatchResult
	for i := 0; i < 3; i++ {
		results := d.DispatchTurn(context.Background(), "s1", []DispatchCall{
			{ID: fmt.Sprintf("c%d", i), Name: "echo", Arguments: args},
		})
		last = results[0]
	}

	if !last.Success {
		t.Error("Allow policy lets the flagged call proceed")
	}
	if echo.calls.Load() != 3 {
		t.Errorf("tool executed %d times, want 3", echo.calls.Load())
	}
}

func TestNormalizeName_StripsMcpPrefix(t *testing.T) {
	cases := []struct{ in, want string }{
		{"mcp__fs__read", "fs_read"},
		{"mcp__weird", "mcp__weird"},
		{"bash", "bash"},
	}
	for _, c := range cases {
		if got := NormalizeName(c.in); got != c.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDeriveAction_ClassifiesShellMutators(t *testing.T) {
	cases := []struct {
		cmd  string
		want string
	}{
		{"rm -rf /tmp/x", "execute_write"},
		{"ls -la && rm old.log", "execute_write"},
		{"/bin/rm stale.txt", "execute_write"},
		{"cat /etc/hosts", "execute"},
		{"echo rm", "execute"},
		{"grep -r pattern .", "execute"},
	}
	for _, c := range cases {
		got := deriveAction(domaintool.KindExecute, map[string]interface{}{"cmd": c.cmd})
		if got != c.want {
			t.Errorf("deriveAction(%q) = %q, want %q", c.cmd, got, c.want)
		}
	}
	if got := deriveAction(domaintool.KindEdit, map[string]interface{}{"cmd": "rm x"}); got != "edit" {
		t.Errorf("non-execute kind = %q, want edit", got)
	}
}

func TestDerivePath_ShellCommandToken(t *testing.T) {
	cases := []struct {
		args map[string]interface{}
		want string
	}{
		{map[string]interface{}{"path": "/a/b"}, "/a/b"},
		{map[string]interface{}{"cmd": "rm -rf /etc/passwd"}, "/etc/passwd"},
		{map[string]interface{}{"cmd": "ls src/"}, "src/"},
		{map[string]interface{}{"cmd": "pwd"}, ""},
	}
	for _, c := range cases {
		if got := derivePath(c.args); got != c.want {
			t.Errorf("derivePath(%v) = %q, want %q", c.args, got, c.want)
		}
	}
}

func TestRelativizePath(t *testing.T) {
	cases := []struct{ path, workDir, want string }{
		{"/home/u/proj/src/main.go", "/home/u/proj", "src/main.go"},
		{"/home/u/proj", "/home/u/proj", "."},
		{"/etc/passwd", "/home/u/proj", "/etc/passwd"},
		{"src/main.go", "/home/u/proj", "src/main.go"},
		{"/a/b", "", "/a/b"},
	}
	for _, c := range cases {
		if got := relativizePath(c.path, c.workDir); got != c.want {
			t.Errorf("relativizePath(%q, %q) = %q, want %q", c.path, c.workDir, got, c.want)
		}
	}
}

func TestDispatchOne_DefaultRulesDenyDestructiveShellOutsideWorkdir(t *testing.T) {
	// Seeded defaults only — no prepended allow-all — so the destructive
	// shell Deny is the first match for an absolute path.
	registry := domaintool.NewInMemoryRegistry()
	bash := &fakeTool{name: "bash", kind: domaintool.KindExecute, output: "gone"}
	if err := registry.Register(bash); err != nil {
		t.Fatalf("register: %v", err)
	}
	perms := service.NewPermissionManager(nil, zap.NewNop())
	d := NewDispatcher(registry, perms, service.NewDoomLoopDetector(), nil, nil, zap.NewNop(), DispatcherConfig{})

	results := d.DispatchTurn(context.Background(), "s1", []DispatchCall{
		{ID: "x", Name: "bash", Arguments: map[string]interface{}{"cmd": "rm -rf /etc/cron.d"}},
	})
	if results[0].Success {
		t.Error("destructive shell outside the workdir must be denied")
	}
	if bash.calls.Load() != 0 {
		t.Errorf("denied command executed %d times", bash.calls.Load())
	}
}

func TestDispatchOne_TruncatesLongOutput(t *testing.T) {
	long := &fakeTool{name: "long", kind: domaintool.KindRead}
	for i := 0; i < 5000; i++ {
		long.output += "ab"
	}
	d := testDispatcher(t, valueobject.DecisionDeny, long)
	d.cfg.MaxOutputChars = 100

	results := d.DispatchTurn(context.Background(), "s1", []DispatchCall{
		{ID: "x", Name: "long", Arguments: map[string]interface{}{}},
	})
	if len(results[0].Output) > 300 {
		t.Errorf("output not truncated: %d chars", len(results[0].Output))
	}
}
