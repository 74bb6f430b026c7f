package valueobject

import "testing"

// defaultDecision walks DefaultRules first-match, mirroring the
// Permission Manager's evaluation (P4: unmatched defaults to Ask).
func defaultDecision(tool, action, path string) PermissionDecision {
	for _, r := range DefaultRules() {
		if r.Matches(tool, action, path) {
			return r.Decision
		}
	}
	return DecisionAsk
}

func TestDefaultRules_ReadOnlyToolsAllowed(t *testing.T) {
	for _, tool := range []string{"read_file", "glob", "grep", "list_dir", "todoread"} {
		if got := defaultDecision(tool, "read", "src/main.go"); got != DecisionAllow {
			t.Errorf("%s = %q, want allow", tool, got)
		}
	}
}

func TestDefaultRules_DestructiveShellOutsideWorkdirDenied(t *testing.T) {
	// The dispatcher relativizes in-workspace paths, so an absolute or
	// home-rooted path reaching the rules means outside the workspace.
	if got := defaultDecision("bash", "execute_write", "/etc/passwd"); got != DecisionDeny {
		t.Errorf("destructive shell on /etc/passwd = %q, want deny", got)
	}
	if got := defaultDecision("bash", "execute_write", "~/.ssh/config"); got != DecisionDeny {
		t.Errorf("destructive shell on ~/.ssh/config = %q, want deny", got)
	}
}

func TestDefaultRules_DestructiveShellInsideWorkdirAsks(t *testing.T) {
	if got := defaultDecision("bash", "execute_write", "build/out.o"); got != DecisionAsk {
		t.Errorf("destructive shell on a relative path = %q, want ask", got)
	}
}

func TestDefaultRules_BashAndWebfetchAsk(t *testing.T) {
	if got := defaultDecision("bash", "execute", "src"); got != DecisionAsk {
		t.Errorf("plain bash = %q, want ask", got)
	}
	if got := defaultDecision("webfetch", "fetch", "https://example.com"); got != DecisionAsk {
		t.Errorf("webfetch = %q, want ask", got)
	}
}

func TestDefaultRules_UnmatchedDefaultsToAsk(t *testing.T) {
	if got := defaultDecision("mystery_tool", "mystery", ""); got != DecisionAsk {
		t.Errorf("unmatched check = %q, want ask", got)
	}
}
