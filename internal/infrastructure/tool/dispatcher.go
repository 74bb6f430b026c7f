package tool

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentrunner/agentrunner/internal/domain/entity"
	"github.com/agentrunner/agentrunner/internal/domain/service"
	domaintool "github.com/agentrunner/agentrunner/internal/domain/tool"
	"github.com/agentrunner/agentrunner/internal/domain/valueobject"
	"github.com/agentrunner/agentrunner/internal/infrastructure/eventbus"
	"github.com/agentrunner/agentrunner/internal/infrastructure/sandbox"
)

// DispatchCall is one tool invocation requested by the Streaming Loop.
type DispatchCall struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}

// DispatchResult is what the Streaming Loop appends back to the
// conversation as a tool_result part.
type DispatchResult struct {
	ToolCallID string
	Output     string
	Display    string
	Success    bool
	Duration   time.Duration
}

// DispatcherConfig bounds concurrency and output size for a Dispatcher,
// and carries the doom-loop policy: Allow lets a flagged call proceed,
// Deny blocks it with an explanatory result, Ask degrades to Deny plus
// a visible status event (there is no blocking prompt for this class).
type DispatcherConfig struct {
	MaxParallelTools int
	MaxOutputChars   int
	ToolTimeout      time.Duration
	DoomLoopDecision valueobject.PermissionDecision
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.MaxParallelTools <= 0 {
		c.MaxParallelTools = 4
	}
	if c.MaxOutputChars <= 0 {
		c.MaxOutputChars = 30000
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 120 * time.Second
	}
	if c.DoomLoopDecision == "" {
		c.DoomLoopDecision = valueobject.DecisionDeny
	}
	return c
}

// Dispatcher runs the seven-step per-call pipeline: normalize name,
// doom-loop check, permission check, sandbox resolution, execute,
// boundary-safe truncate, post-process event emission. A single
// DispatchTurn fans calls out concurrently via errgroup while writing
// results back into their original call order (P7).
//
// Grounded on executor.go's registry/policy lookup and
// agent_loop.go's WaitGroup+semaphore fan-out (here replaced by
// errgroup.SetLimit, the pattern the rest of the Action Handler uses for
// bounded concurrent work).
type Dispatcher struct {
	registry    domaintool.Registry
	permissions *service.PermissionManager
	doomLoop    *service.DoomLoopDetector
	bus         eventbus.Bus
	logger      *zap.Logger
	cfg         DispatcherConfig

	sandboxMu sync.RWMutex
	sandbox   *sandbox.ProcessSandbox

	snapshots *InMemorySnapshotStore
	fileTimes *InMemoryFileTimeTracker
}

// NewDispatcher wires the pipeline's collaborators.
func NewDispatcher(
	registry domaintool.Registry,
	permissions *service.PermissionManager,
	doomLoop *service.DoomLoopDetector,
	sbox *sandbox.ProcessSandbox,
	bus eventbus.Bus,
	logger *zap.Logger,
	cfg DispatcherConfig,
) *Dispatcher {
	return &Dispatcher{
		registry:    registry,
		permissions: permissions,
		doomLoop:    doomLoop,
		sandbox:     sbox,
		bus:         bus,
		logger:      logger,
		cfg:         cfg.withDefaults(),
		snapshots:   NewInMemorySnapshotStore(),
		fileTimes:   NewInMemoryFileTimeTracker(),
	}
}

// SetSandbox swaps the sandbox handle in or out at runtime (the
// SandboxStart/Stop actions rebuild it).
func (d *Dispatcher) SetSandbox(sbx *sandbox.ProcessSandbox) {
	d.sandboxMu.Lock()
	d.sandbox = sbx
	d.sandboxMu.Unlock()
}

func (d *Dispatcher) getSandbox() *sandbox.ProcessSandbox {
	d.sandboxMu.RLock()
	defer d.sandboxMu.RUnlock()
	return d.sandbox
}

// NormalizeName strips the "mcp__<server>__" routing prefix a model may
// emit for an MCP-discovered tool and maps it to the registry's native
// "<server>_<tool>" key (see mcp_tool.go's Name()).
func NormalizeName(name string) string {
	const prefix = "mcp__"
	if !strings.HasPrefix(name, prefix) {
		return name
	}
	rest := name[len(prefix):]
	parts := strings.SplitN(rest, "__", 2)
	if len(parts) != 2 {
		return name
	}
	return parts[0] + "_" + parts[1]
}

// derivePath extracts the most relevant path-like argument for a
// permission check: the conventional argument names first, then the
// first path-like token of a shell command.
func derivePath(args map[string]interface{}) string {
	for _, key := range []string{"path", "file_path", "pattern", "dir", "directory", "url"} {
		if v, ok := args[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	for _, key := range []string{"cmd", "command"} {
		if v, ok := args[key].(string); ok {
			for _, tok := range strings.Fields(v) {
				if strings.HasPrefix(tok, "-") {
					continue
				}
				if strings.Contains(tok, "/") || strings.HasPrefix(tok, "~") {
					return tok
				}
			}
		}
	}
	return ""
}

// destructiveShellVerbs are the command words that make a shell call a
// mutator for permission purposes.
var destructiveShellVerbs = map[string]bool{
	"rm": true, "rmdir": true, "mv": true, "dd": true, "mkfs": true,
	"shred": true, "truncate": true, "unlink": true, "chmod": true,
	"chown": true, "ln": true,
}

// deriveAction refines the Kind-derived action for shell calls:
// destructive commands become execute_write so path-scoped Deny rules
// can single them out, everything else keeps the plain kind.
func deriveAction(kind domaintool.Kind, args map[string]interface{}) string {
	if kind != domaintool.KindExecute {
		return string(kind)
	}
	for _, key := range []string{"cmd", "command"} {
		cmd, ok := args[key].(string)
		if !ok {
			continue
		}
		// Check every command position: the start and after ; && || |
		atCommand := true
		for _, tok := range strings.Fields(cmd) {
			switch tok {
			case ";", "&&", "||", "|":
				atCommand = true
				continue
			}
			if atCommand {
				if destructiveShellVerbs[tok] || destructiveShellVerbs[strings.TrimPrefix(tok, "/bin/")] {
					return "execute_write"
				}
				atCommand = false
			}
		}
	}
	return string(kind)
}

// relativizePath strips the working directory prefix so permission
// rules can tell in-workspace paths (relative) from outside ones
// (still absolute).
func relativizePath(path, workDir string) string {
	if path == "" || workDir == "" {
		return path
	}
	if path == workDir {
		return "."
	}
	if strings.HasPrefix(path, workDir+"/") {
		return path[len(workDir)+1:]
	}
	return path
}

// DispatchTurn executes every call in one model turn concurrently,
// preserving order in the returned slice regardless of completion order.
func (d *Dispatcher) DispatchTurn(ctx context.Context, sessionID string, calls []DispatchCall) []DispatchResult {
	results := make([]DispatchResult, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.MaxParallelTools)

	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			results[i] = d.dispatchOne(gctx, sessionID, call)
			return nil
		})
	}
	_ = g.Wait() // dispatchOne never returns an error; failures are encoded in DispatchResult

	return results
}

// dispatchOne runs the seven-step pipeline for a single call. It never
// returns a Go error — every failure mode (denied, doom-loop, not found,
// execution error) is encoded as a non-success DispatchResult so the
// model always receives a tool_result it can reason about.
func (d *Dispatcher) dispatchOne(ctx context.Context, sessionID string, call DispatchCall) DispatchResult {
	start := time.Now()

	// 1. Normalize name.
	name := NormalizeName(call.Name)

	tl, exists := d.registry.Get(name)
	if !exists {
		return DispatchResult{
			ToolCallID: call.ID,
			Output:     fmt.Sprintf("Tool '%s' not found", name),
			Success:    false,
			Duration:   time.Since(start),
		}
	}

	// 2. Doom-loop check (P3) — flag identical calls three times running.
	if d.doomLoop != nil && d.doomLoop.RecordAndCheck(name, call.Arguments) {
		if d.cfg.DoomLoopDecision == valueobject.DecisionAllow {
			d.logger.Warn("Doom-loop detected, policy allows dispatch",
				zap.String("tool", name),
				zap.String("session", sessionID),
			)
		} else {
			d.logger.Warn("Doom-loop detected, denying dispatch",
				zap.String("tool", name),
				zap.String("session", sessionID),
				zap.String("policy", string(d.cfg.DoomLoopDecision)),
			)
			if d.cfg.DoomLoopDecision == valueobject.DecisionAsk && d.bus != nil {
				// No blocking prompt exists for this class; surface the
				// degradation so the interface shows a status line.
				d.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventTypeError, eventbus.ErrorPayload{
					SessionID: sessionID,
					Component: "doom-loop",
					Error:     fmt.Sprintf("repeated identical %s call blocked (ask degraded to deny)", name),
				}))
			}
			return DispatchResult{
				ToolCallID: call.ID,
				Output:     fmt.Sprintf("[DOOM_LOOP] %s has been called with identical arguments three times in a row. Stop retrying and report the blocker to the user instead.", name),
				Success:    false,
				Duration:   time.Since(start),
			}
		}
	}

	// 3. Permission check — action derived from the tool's Kind (shell
	// mutators refined to execute_write), path from the conventional
	// argument names or the first path-like token of the command,
	// relativized against the working directory so absolute PathPattern
	// rules mean "outside the workspace". The workdir peek here is just
	// a read; sandbox resolution proper is step 4.
	sbx := d.getSandbox()
	var workDir string
	if sbx != nil {
		workDir = sbx.GetWorkDir()
	}
	if d.permissions != nil {
		action := deriveAction(tl.Kind(), call.Arguments)
		path := relativizePath(derivePath(call.Arguments), workDir)
		allowed, err := d.permissions.Check(ctx, sessionID, valueobject.PermissionCheck{
			ID:          uuid.NewString(),
			Tool:        name,
			Action:      action,
			Description: fmt.Sprintf("%s on %s", action, path),
			Path:        path,
			Details:     call.Arguments,
		})
		if err != nil || !allowed {
			return DispatchResult{
				ToolCallID: call.ID,
				Output:     fmt.Sprintf("Tool '%s' was not permitted for this session", name),
				Success:    false,
				Duration:   time.Since(start),
			}
		}
	}

	// 4. Sandbox resolution — execute-kind tools need a live ProcessSandbox;
	// without one they still run, but degraded (no process-group isolation,
	// no allowed-binary enforcement), and that degradation is surfaced over
	// the bus so the Action Handler can show a reduced-safety indicator.
	if sbx != nil {
		d.logger.Debug("Sandbox resolved",
			zap.String("tool", name),
			zap.String("work_dir", workDir),
		)
	} else if tl.Kind() == domaintool.KindExecute && d.bus != nil {
		d.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventTypeSandboxStatus, eventbus.SandboxStatusPayload{
			State:       "degraded",
			RuntimeKind: "none",
			Error:       "no process sandbox configured",
		}))
	}

	toolCtx := ctx
	if d.cfg.ToolTimeout > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(ctx, d.cfg.ToolTimeout)
		defer cancel()
	}
	toolCtx = domaintool.WithToolContext(toolCtx, &domaintool.ToolContext{
		WorkDir:   workDir,
		Sandbox:   sbx,
		Snapshots: d.snapshots,
		FileTimes: d.fileTimes,
	})

	// 5. Execute.
	result, err := tl.Execute(toolCtx, call.Arguments)
	duration := time.Since(start)

	var output, display string
	var success bool
	if err != nil {
		output = fmt.Sprintf("[TOOL_FAILED] %s\n[ERROR] %v", name, err)
		success = false
	} else {
		success = result.Success
		output = result.DisplayOrOutput()
		if !success && result.Error != "" {
			output = fmt.Sprintf("[TOOL_FAILED] %s\n[ERROR] %s", name, result.Error)
		}
		display = result.Display
	}

	// 6. Boundary-safe truncate (P6).
	output = service.TruncateOutput(output, d.cfg.MaxOutputChars)

	d.logger.Info("Dispatched tool call",
		zap.String("tool", name),
		zap.String("session", sessionID),
		zap.Bool("success", success),
		zap.Duration("duration", duration),
	)

	// 7. Post-process: notify interested parties over the Event Bus so
	// the Action Handler can translate into ModifiedFilesUpdated /
	// TodosUpdated / AgentChanged Updates.
	if d.bus != nil {
		d.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventTypeToolExecution, eventbus.ToolExecutionPayload{
			SessionID:  sessionID,
			ToolName:   name,
			ToolCallID: call.ID,
			Arguments:  call.Arguments,
			Result:     output,
			Duration:   duration,
			Success:    success,
		}))
	}

	return DispatchResult{
		ToolCallID: call.ID,
		Output:     output,
		Display:    display,
		Success:    success,
		Duration:   duration,
	}
}

// ToToolCallInfo is a convenience for callers building entity.AgentEvent
// payloads from a DispatchCall.
func ToToolCallInfo(c DispatchCall) entity.ToolCallInfo {
	return entity.ToolCallInfo{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
}

// dispatchSessionKey carries a session identifier into a lone Execute
// call (the Streaming Loop's AgentLoopConfig has no per-call session
// argument, so it rides the context the same way trace IDs do).
type dispatchSessionKey struct{}

// WithDispatchSession attaches a session identifier to ctx for a single
// Dispatcher.Execute call.
func WithDispatchSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, dispatchSessionKey{}, sessionID)
}

func dispatchSessionFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(dispatchSessionKey{}).(string); ok && v != "" {
		return v
	}
	return "default"
}

// Execute runs a single call through the same seven-step pipeline as
// DispatchTurn, satisfying service.ToolExecutor so a Dispatcher can stand
// in for the Streaming Loop's tool executor directly.
func (d *Dispatcher) Execute(ctx context.Context, name string, args map[string]interface{}) (*domaintool.Result, error) {
	sessionID := dispatchSessionFromContext(ctx)
	r := d.dispatchOne(ctx, sessionID, DispatchCall{ID: uuid.NewString(), Name: name, Arguments: args})
	return &domaintool.Result{
		Output:  r.Output,
		Display: r.Display,
		Success: r.Success,
	}, nil
}

// GetDefinitions satisfies service.ToolExecutor.
func (d *Dispatcher) GetDefinitions() []domaintool.Definition {
	return d.registry.List()
}

// GetToolKind satisfies service.ToolExecutor.
func (d *Dispatcher) GetToolKind(name string) domaintool.Kind {
	tl, ok := d.registry.Get(NormalizeName(name))
	if !ok {
		return domaintool.KindExecute
	}
	return tl.Kind()
}

// ExecuteBatch satisfies service.BatchToolExecutor, letting the Streaming
// Loop hand an entire model turn's calls to DispatchTurn in one shot
// instead of driving Execute per call.
func (d *Dispatcher) ExecuteBatch(ctx context.Context, sessionID string, calls []service.ToolCallRequest) []service.ToolCallOutcome {
	dcalls := make([]DispatchCall, len(calls))
	for i, c := range calls {
		dcalls[i] = DispatchCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}

	results := d.DispatchTurn(ctx, sessionID, dcalls)

	outcomes := make([]service.ToolCallOutcome, len(results))
	for i, r := range results {
		outcomes[i] = service.ToolCallOutcome{
			ID:       r.ToolCallID,
			Output:   r.Output,
			Display:  r.Display,
			Success:  r.Success,
			Duration: r.Duration,
		}
	}
	return outcomes
}
