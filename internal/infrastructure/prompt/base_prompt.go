package prompt

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"
)

// RuntimeBlockOptions holds runtime options for the environment block.
type RuntimeBlockOptions struct {
	Channel   string // "cli", "http", "websocket", "grpc"
	ModelName string // Current model identifier
	Workspace string // Working directory
}

// BuildRuntimeBlock generates the runtime environment section of the system prompt.
// This is purely factual (OS, time, model, workspace) — no behavioral directives.
// Behavioral directives belong in soul.md and prompts/*.md (user-editable).
func BuildRuntimeBlock(opts RuntimeBlockOptions) string {
	hostname, _ := os.Hostname()
	user := os.Getenv("USER")
	if user == "" {
		user = "unknown"
	}
	homeDir, _ := os.UserHomeDir()
	now := time.Now().Format("2006-01-02 15:04:05 MST")

	channelInfo := "API"
	if opts.Channel != "" {
		channelInfo = opts.Channel
	}

	modelInfo := "unknown"
	if opts.ModelName != "" {
		modelInfo = opts.ModelName
	}

	workspace := homeDir
	if opts.Workspace != "" {
		workspace = opts.Workspace
	}

	// Detect Python (configured env > system python3 > not available)
	pythonInfo := "not available"
	if p := os.Getenv("AGENTRUNNER_PYTHON"); p != "" {
		pythonInfo = p
	} else if _, err := exec.LookPath("python3"); err == nil {
		pythonInfo = "python3"
	}

	return fmt.Sprintf(`## Environment

- OS: %s/%s | host: %s
- User: %s | HOME: %s
- Time: %s
- Channel: %s
- Model: %s
- Shell: bash | Python: %s

## Workspace

Working directory: %s
Commands run in the user's real environment; paths like ~/.ssh and ~/.config are accessible.
All file operations happen under this directory unless the user names another path.`,
		runtime.GOOS, runtime.GOARCH, hostname,
		user, homeDir, now,
		channelInfo, modelInfo,
		pythonInfo,
		workspace)
}

// BasePromptOptions is kept for backward compatibility during migration.
// Deprecated: Use RuntimeBlockOptions instead.
type BasePromptOptions = RuntimeBlockOptions

// BasePrompt is kept for backward compatibility during migration.
// Deprecated: Use BuildRuntimeBlock instead.
func BasePrompt(opts BasePromptOptions) string {
	return BuildRuntimeBlock(opts)
}
