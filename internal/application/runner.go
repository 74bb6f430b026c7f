package application

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentrunner/agentrunner/internal/domain/entity"
	"github.com/agentrunner/agentrunner/internal/domain/repository"
	"github.com/agentrunner/agentrunner/internal/domain/service"
	"github.com/agentrunner/agentrunner/internal/domain/valueobject"
	"github.com/agentrunner/agentrunner/internal/infrastructure/config"
	"github.com/agentrunner/agentrunner/internal/infrastructure/eventbus"
	"github.com/agentrunner/agentrunner/internal/infrastructure/llm"
	"github.com/agentrunner/agentrunner/internal/infrastructure/prompt"
	"github.com/agentrunner/agentrunner/internal/infrastructure/sandbox"
	toolpkg "github.com/agentrunner/agentrunner/internal/infrastructure/tool"
)

// RunState answers "is a prompt running" without exposing the
// cancellation token itself.
type RunState struct {
	Running   bool
	StartedAt time.Time
}

// Runner is the Action Handler: the single long-lived loop that
// consumes interface Actions and produces Updates. It owns the
// in-memory conversation history, the per-prompt cancellation token,
// and the undo/redo stacks; everything else it reaches through shared
// handles with their own interior synchronisation.
type Runner struct {
	actions chan entity.Action
	updates chan entity.Update

	loop         *service.AgentLoop
	sessions     repository.SessionRepository
	agents       repository.AgentRepository
	permissions  *service.PermissionManager
	doomLoop     *service.DoomLoopDetector
	bus          eventbus.Bus
	mcp          *toolpkg.MCPManager
	dispatcher   *toolpkg.Dispatcher
	promptEngine *prompt.PromptEngine
	cfg          *config.Config
	logger       *zap.Logger

	sandboxMu  sync.Mutex
	sandbox    *sandbox.ProcessSandbox
	sandboxCfg *sandbox.Config

	mu           sync.Mutex
	history      []service.LLMMessage
	undoStack    [][]service.LLMMessage
	redoStack    [][]service.LLMMessage
	revertBackup []entity.Message
	session      repository.SessionInfo
	runnerCfg    valueobject.RunnerConfig

	promptCancel context.CancelFunc
	promptDone   chan struct{}
	running      bool
	startedAt    time.Time

	closeMu sync.RWMutex
	closed  bool

	totalInput  int
	totalOutput int
}

// hardMessageCap is the message-count ceiling enforced independently of
// token estimation; exceeding it compacts down to keep the first
// message plus the most recent half.
const hardMessageCap = 100

// NewRunner wires a Runner over an initialised App. The returned value
// is idle until Run is called.
func (app *App) NewRunner() *Runner {
	r := &Runner{
		actions:      make(chan entity.Action, 64),
		updates:      make(chan entity.Update, 256),
		loop:         app.agentLoop,
		sessions:     app.sessionRepo,
		agents:       app.agentRepo,
		permissions:  app.permissions,
		doomLoop:     app.doomLoop,
		bus:          app.eventBus,
		mcp:          app.mcpManager,
		dispatcher:   app.dispatcher,
		promptEngine: app.promptEngine,
		cfg:          app.config,
		logger:       app.logger.Named("runner"),
		sandbox:      app.sandbox,
	}
	r.runnerCfg = valueobject.DefaultRunnerConfig()
	r.runnerCfg.ModelID = app.config.Agent.DefaultModel
	r.sandboxCfg = sandbox.DefaultConfig()
	r.sandboxCfg.PythonEnv = app.config.PythonEnv

	// The runner is now the interactive permission surface; stop the
	// app-level bridge from auto-answering Ask checks.
	app.markPermissionUIAttached()

	r.subscribeBus()
	return r
}

// Actions is the channel the interface sends into.
func (r *Runner) Actions() chan<- entity.Action { return r.actions }

// Updates is the channel the interface renders from.
func (r *Runner) Updates() <-chan entity.Update { return r.updates }

// GetRunState reports whether a prompt is currently streaming.
func (r *Runner) GetRunState() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RunState{Running: r.running, StartedAt: r.startedAt}
}

// subscribeBus translates Event Bus traffic into interface Updates:
// suspended permission checks, sandbox transitions, and tool
// executions that changed todos or files.
func (r *Runner) subscribeBus() {
	r.bus.Subscribe(eventbus.EventTypePermissionRequest, func(ctx context.Context, ev eventbus.Event) {
		payload, ok := ev.Payload().(eventbus.PermissionRequestPayload)
		if !ok {
			return
		}
		r.emit(entity.Update{
			Kind: entity.UpdatePermissionRequested,
			PermissionRequest: &entity.PermissionRequestInfo{
				ID:          payload.CheckID,
				Tool:        payload.Tool,
				Action:      payload.Action,
				Description: payload.Description,
				Path:        payload.Path,
			},
		})
		r.emit(entity.Update{Kind: entity.UpdatePermissionsPending, PendingCount: r.permissions.PendingCount()})
	})

	r.bus.Subscribe(eventbus.EventTypeSandboxStatus, func(ctx context.Context, ev eventbus.Event) {
		payload, ok := ev.Payload().(eventbus.SandboxStatusPayload)
		if !ok {
			return
		}
		r.emit(entity.Update{
			Kind: entity.UpdateSandbox,
			Sandbox: &entity.SandboxState{
				State:       entity.SandboxLifecycle(payload.State),
				RuntimeKind: payload.RuntimeKind,
				Error:       payload.Error,
			},
		})
	})

	r.bus.Subscribe(eventbus.EventTypeError, func(ctx context.Context, ev eventbus.Event) {
		payload, ok := ev.Payload().(eventbus.ErrorPayload)
		if !ok {
			return
		}
		r.emit(entity.Update{Kind: entity.UpdateStatus, Text: payload.Component + ": " + payload.Error})
	})

	r.bus.Subscribe(eventbus.EventTypeToolExecution, func(ctx context.Context, ev eventbus.Event) {
		payload, ok := ev.Payload().(eventbus.ToolExecutionPayload)
		if !ok || !payload.Success {
			return
		}
		switch payload.ToolName {
		case "update_plan":
			r.emit(entity.Update{Kind: entity.UpdateTodos, Todos: toolpkg.CurrentTodos()})
		case "write_file", "edit_file", "apply_patch":
			if path := pathArgument(payload.Arguments); path != "" {
				r.emit(entity.Update{
					Kind:          entity.UpdateModifiedFiles,
					ModifiedFiles: []entity.ModifiedFile{{Path: path}},
				})
			}
		}
	})
}

// Run consumes actions until ctx is cancelled or a Quit action
// arrives. SendPrompt work happens on a separate goroutine so Cancel
// and Quit are observed while a prompt streams.
func (r *Runner) Run(ctx context.Context) {
	defer r.shutdown()

	for {
		select {
		case <-ctx.Done():
			r.cancelPrompt()
			return
		case act := <-r.actions:
			if quit := r.handle(ctx, act); quit {
				return
			}
		}
	}
}

func (r *Runner) handle(ctx context.Context, act entity.Action) (quit bool) {
	switch act.Kind {
	case entity.ActionSendPrompt:
		r.startPrompt(ctx, act.Text)

	case entity.ActionCancel:
		r.cancelPrompt()

	case entity.ActionQuit:
		r.cancelPrompt()
		r.waitPromptSettled(5 * time.Second)
		return true

	case entity.ActionChangeModel:
		r.changeModel(act.ModelSpec)

	case entity.ActionChangeAgent:
		r.changeAgent(ctx, act.AgentName)

	case entity.ActionNewSession:
		r.newSession(ctx)

	case entity.ActionSwitchSession:
		r.switchSession(ctx, act.SessionID)

	case entity.ActionRenameSession:
		r.sessionOp(ctx, "rename", func(id string) error {
			return r.sessions.Rename(ctx, id, act.Title)
		})

	case entity.ActionForkSession:
		r.forkSession(ctx, act.MessageID)

	case entity.ActionShareSession:
		r.sessionOp(ctx, "share", func(id string) error {
			return r.sessions.SetShared(ctx, id, true, "local://"+id)
		})

	case entity.ActionUnshareSession:
		r.sessionOp(ctx, "unshare", func(id string) error {
			return r.sessions.SetShared(ctx, id, false, "")
		})

	case entity.ActionGotoMessage, entity.ActionRevert:
		r.revert(ctx, act.MessageID)

	case entity.ActionUnrevert:
		r.unrevert(ctx)

	case entity.ActionUndo:
		r.undo()

	case entity.ActionRedo:
		r.redo()

	case entity.ActionCompact:
		r.compact()

	case entity.ActionSandboxStart:
		r.sandboxStart(ctx)

	case entity.ActionSandboxStop:
		r.sandboxStop(ctx)

	case entity.ActionSandboxRestart:
		r.sandboxStop(ctx)
		r.sandboxStart(ctx)

	case entity.ActionMcpToggle:
		r.mcpToggle(act.ServerName)

	case entity.ActionMcpReconnect:
		r.mcpReconnect(act.ServerName)

	case entity.ActionSaveSettings:
		r.saveSettings(act.Scope, act.Settings)

	case entity.ActionPermissionResponse:
		if err := r.permissions.Respond(ctx, act.RequestID, act.Allow, act.Remember); err != nil {
			r.emit(entity.Update{Kind: entity.UpdateStatus, Text: "Permission response dropped: " + err.Error()})
		}
		r.emit(entity.Update{Kind: entity.UpdatePermissionsPending, PendingCount: r.permissions.PendingCount()})

	case entity.ActionUpdateTestProvider:
		r.mu.Lock()
		if act.TestSyntheticStreaming != nil {
			r.runnerCfg.TestSyntheticStreaming = *act.TestSyntheticStreaming
		}
		if act.TestSyntheticToolCalls != nil {
			r.runnerCfg.TestSyntheticToolCalls = *act.TestSyntheticToolCalls
		}
		r.mu.Unlock()
		r.emit(entity.Update{Kind: entity.UpdateStatus, Text: "Test provider settings updated"})

	default:
		r.emit(entity.Update{Kind: entity.UpdateStatus, Text: fmt.Sprintf("Unknown action %q", act.Kind)})
	}
	return false
}

// ─── Prompt execution ───

func (r *Runner) startPrompt(ctx context.Context, text string) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		r.emit(entity.Update{Kind: entity.UpdateStatus, Text: "A prompt is already running"})
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.promptCancel = cancel
	r.promptDone = done
	r.running = true
	r.startedAt = time.Now()
	r.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			r.mu.Lock()
			r.running = false
			r.promptCancel = nil
			r.mu.Unlock()
		}()
		r.runPrompt(pctx, text)
	}()
}

func (r *Runner) cancelPrompt() {
	r.mu.Lock()
	cancel := r.promptCancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Runner) waitPromptSettled(timeout time.Duration) {
	r.mu.Lock()
	done := r.promptDone
	r.mu.Unlock()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(timeout):
		r.logger.Warn("Prompt did not settle before shutdown deadline")
	}
}

func (r *Runner) runPrompt(ctx context.Context, text string) {
	r.doomLoop.Reset()

	r.mu.Lock()
	r.pushUndoLocked()
	if len(r.history) > hardMessageCap {
		// The soft message cap degrades via the 100 → 50 ceiling
		// regardless of token estimation: first message + one
		// assistant-role marker + the last 50 verbatim.
		before := len(r.history)
		r.history = service.DegradedTruncate(r.history)
		after := len(r.history)
		r.mu.Unlock()
		r.emit(entity.Update{Kind: entity.UpdateStatus, Text: fmt.Sprintf("Compacted conversation: %d messages reduced to %d", before, after)})
		r.mu.Lock()
	}
	history := make([]service.LLMMessage, len(r.history))
	copy(history, r.history)
	model := r.runnerCfg.ModelID
	sessionID := r.session.ID
	r.mu.Unlock()

	r.emit(entity.Update{Kind: entity.UpdateStarted})

	if sessionID != "" {
		userMsg := entity.NewMessage(uuid.NewString(), entity.RoleUser, text)
		if err := r.sessions.Append(ctx, sessionID, userMsg); err != nil {
			r.logger.Warn("Failed to persist user message", zap.Error(err))
		}
	}

	systemPrompt := r.buildSystemPrompt(text, model)
	info := llm.LookupModelInfo(model)
	r.emit(entity.Update{Kind: entity.UpdateModelInfo, ContextLimit: info.ContextWindow})

	result, eventCh := r.loop.Run(ctx, systemPrompt, text, history, model)

	cancelled := false
	for event := range eventCh {
		switch event.Type {
		case entity.EventTextDelta:
			r.emit(entity.Update{Kind: entity.UpdateTextDelta, Text: event.Content})

		case entity.EventToolCall:
			r.emit(entity.Update{Kind: entity.UpdateToolStarted, ToolCall: event.ToolCall})

		case entity.EventToolResult:
			r.emit(entity.Update{Kind: entity.UpdateToolCompleted, ToolCall: event.ToolCall})

		case entity.EventStepDone:
			if event.StepInfo != nil {
				r.recordUsage(event.StepInfo, info)
			}

		case entity.EventError:
			if ctx.Err() != nil {
				cancelled = true
			} else {
				r.emit(entity.Update{Kind: entity.UpdateError, Error: event.Error})
			}

		case entity.EventDone:
			// Completed is emitted below, once the final text is known.
		}
	}

	if cancelled || ctx.Err() != nil {
		// No partial assistant message survives a cancelled prompt.
		r.emit(entity.Update{Kind: entity.UpdateError, Error: "Cancelled"})
		return
	}

	final := result.FinalContent
	r.mu.Lock()
	r.history = append(r.history, service.LLMMessage{Role: "user", Content: text})
	if final != "" {
		r.history = append(r.history, service.LLMMessage{Role: "assistant", Content: final})
	}
	r.redoStack = nil
	r.mu.Unlock()

	if sessionID != "" && final != "" {
		reply := entity.NewMessage(uuid.NewString(), entity.RoleAssistant, final)
		if err := r.sessions.Append(ctx, sessionID, reply); err != nil {
			r.logger.Warn("Failed to persist assistant message", zap.Error(err))
		}
	}

	r.emit(entity.Update{Kind: entity.UpdateCompleted, Text: final})
}

func (r *Runner) recordUsage(step *entity.StepInfo, info llm.ModelInfo) {
	r.mu.Lock()
	// The loop reports combined tokens per step; split on the usual
	// skew that input dwarfs output for tool-heavy turns.
	r.totalOutput += step.TokensUsed / 4
	r.totalInput += step.TokensUsed - step.TokensUsed/4
	in, out := r.totalInput, r.totalOutput
	r.mu.Unlock()

	r.emit(entity.Update{
		Kind: entity.UpdateTokenUsage,
		Usage: &entity.TokenUsageInfo{
			InputTokens:  in,
			OutputTokens: out,
			Cost:         info.Cost(in, out),
			ContextLimit: info.ContextWindow,
		},
	})
}

func (r *Runner) buildSystemPrompt(userMessage, model string) string {
	if r.promptEngine == nil {
		return ""
	}
	return r.promptEngine.Assemble(prompt.PromptContext{
		Channel:     "runner",
		ModelName:   model,
		UserMessage: userMessage,
		Workspace:   r.cfg.Agent.Workspace,
	})
}

// ─── Model / agent ───

// changeModel parses "provider/model" (provider inferred from the
// model name when missing) and installs the new model for subsequent
// prompts. On failure the prior model stays active.
func (r *Runner) changeModel(spec string) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		r.emit(entity.Update{Kind: entity.UpdateError, Error: "empty model spec"})
		return
	}

	provider, model := "", spec
	if idx := strings.Index(spec, "/"); idx >= 0 {
		provider = spec[:idx]
	} else if provider = inferProvider(spec); provider != "" {
		model = provider + "/" + spec
	}

	// The config is immutable per prompt: the next SendPrompt snapshots
	// the new value, a running prompt keeps the old one.
	r.mu.Lock()
	cfg := r.runnerCfg
	cfg.Provider = provider
	cfg.ModelID = model
	r.runnerCfg = cfg
	r.mu.Unlock()

	info := llm.LookupModelInfo(model)
	r.emit(entity.Update{Kind: entity.UpdateModelInfo, ContextLimit: info.ContextWindow})
	r.emit(entity.Update{Kind: entity.UpdateStatus, Text: "Model changed to " + model})
}

// inferProvider guesses the provider from well-known model-name
// prefixes, mirroring how the credential file keys providers.
func inferProvider(model string) string {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "claude"):
		return "anthropic"
	case strings.HasPrefix(model, "gpt"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"):
		return "openai"
	case strings.HasPrefix(model, "gemini"):
		return "gemini"
	}
	return ""
}

func (r *Runner) changeAgent(ctx context.Context, name string) {
	agent, err := r.agents.FindByID(ctx, name)
	if err != nil {
		r.emit(entity.Update{Kind: entity.UpdateError, Error: fmt.Sprintf("unknown agent %q", name)})
		return
	}

	r.mu.Lock()
	sessionID := r.session.ID
	r.session.Agent = agent.ID()
	r.mu.Unlock()

	if sessionID != "" {
		if err := r.sessions.SetAgent(ctx, sessionID, agent.ID()); err != nil {
			r.logger.Warn("Failed to persist agent tag", zap.Error(err))
		}
	}
	r.emit(entity.Update{Kind: entity.UpdateAgentChanged, Agent: agent.ID()})
}

// ─── Sessions ───

func (r *Runner) newSession(ctx context.Context) {
	session, err := r.sessions.Create(ctx, "New session")
	if err != nil {
		r.emit(entity.Update{Kind: entity.UpdateError, Error: "failed to create session: " + err.Error()})
		return
	}

	r.mu.Lock()
	r.session = session
	r.history = nil
	r.undoStack = nil
	r.redoStack = nil
	r.totalInput = 0
	r.totalOutput = 0
	r.mu.Unlock()

	r.emit(entity.Update{Kind: entity.UpdateSessionLoaded, SessionID: session.ID, Title: session.Title})
	r.emitSessions(ctx)
}

func (r *Runner) switchSession(ctx context.Context, id string) {
	session, err := r.sessions.Get(ctx, id)
	if err != nil {
		r.emit(entity.Update{Kind: entity.UpdateError, Error: "session not found: " + id})
		return
	}
	msgs, err := r.sessions.Messages(ctx, id)
	if err != nil {
		r.emit(entity.Update{Kind: entity.UpdateError, Error: "failed to load session: " + err.Error()})
		return
	}

	r.mu.Lock()
	r.session = session
	r.history = historyFromMessages(msgs)
	r.undoStack = nil
	r.redoStack = nil
	r.mu.Unlock()

	r.emit(entity.Update{
		Kind:      entity.UpdateSessionLoaded,
		SessionID: session.ID,
		Title:     session.Title,
		Messages:  msgs,
	})
}

func (r *Runner) forkSession(ctx context.Context, fromMessageID string) {
	r.mu.Lock()
	sessionID := r.session.ID
	r.mu.Unlock()
	if sessionID == "" {
		r.emit(entity.Update{Kind: entity.UpdateStatus, Text: "No active session to fork"})
		return
	}

	forked, err := r.sessions.Fork(ctx, sessionID, fromMessageID)
	if err != nil {
		r.emit(entity.Update{Kind: entity.UpdateError, Error: "fork failed: " + err.Error()})
		return
	}
	r.switchSession(ctx, forked.ID)
}

func (r *Runner) sessionOp(ctx context.Context, what string, op func(sessionID string) error) {
	r.mu.Lock()
	sessionID := r.session.ID
	r.mu.Unlock()
	if sessionID == "" {
		r.emit(entity.Update{Kind: entity.UpdateStatus, Text: "No active session"})
		return
	}
	if err := op(sessionID); err != nil {
		r.emit(entity.Update{Kind: entity.UpdateError, Error: what + " failed: " + err.Error()})
		return
	}
	r.emit(entity.Update{Kind: entity.UpdateStatus, Text: "Session " + what + " done"})
	r.emitSessions(ctx)
}

func (r *Runner) emitSessions(ctx context.Context) {
	list, err := r.sessions.List(ctx)
	if err != nil {
		return
	}
	r.mu.Lock()
	current := r.session.ID
	r.mu.Unlock()

	summaries := make([]entity.SessionSummary, 0, len(list))
	for _, s := range list {
		summaries = append(summaries, entity.SessionSummary{
			ID:      s.ID,
			Title:   s.Title,
			Agent:   s.Agent,
			Shared:  s.Shared,
			Current: s.ID == current,
		})
	}
	r.emit(entity.Update{Kind: entity.UpdateSessions, Sessions: summaries})
}

// ─── History edits ───

func (r *Runner) pushUndoLocked() {
	snapshot := make([]service.LLMMessage, len(r.history))
	copy(snapshot, r.history)
	r.undoStack = append(r.undoStack, snapshot)
	if len(r.undoStack) > 50 {
		r.undoStack = r.undoStack[1:]
	}
}

func (r *Runner) undo() {
	r.mu.Lock()
	if len(r.undoStack) == 0 {
		r.mu.Unlock()
		r.emit(entity.Update{Kind: entity.UpdateStatus, Text: "Nothing to undo"})
		return
	}
	current := r.history
	r.history = r.undoStack[len(r.undoStack)-1]
	r.undoStack = r.undoStack[:len(r.undoStack)-1]
	r.redoStack = append(r.redoStack, current)
	n := len(r.history)
	r.mu.Unlock()
	r.emit(entity.Update{Kind: entity.UpdateStatus, Text: fmt.Sprintf("Undo: history now %d messages", n)})
}

func (r *Runner) redo() {
	r.mu.Lock()
	if len(r.redoStack) == 0 {
		r.mu.Unlock()
		r.emit(entity.Update{Kind: entity.UpdateStatus, Text: "Nothing to redo"})
		return
	}
	current := r.history
	r.history = r.redoStack[len(r.redoStack)-1]
	r.redoStack = r.redoStack[:len(r.redoStack)-1]
	r.undoStack = append(r.undoStack, current)
	n := len(r.history)
	r.mu.Unlock()
	r.emit(entity.Update{Kind: entity.UpdateStatus, Text: fmt.Sprintf("Redo: history now %d messages", n)})
}

// revert truncates the session log after messageID and trims the
// in-memory history to match; unrevert restores the pre-revert log.
func (r *Runner) revert(ctx context.Context, messageID string) {
	r.mu.Lock()
	sessionID := r.session.ID
	r.mu.Unlock()
	if sessionID == "" {
		r.emit(entity.Update{Kind: entity.UpdateStatus, Text: "No active session"})
		return
	}

	msgs, err := r.sessions.Messages(ctx, sessionID)
	if err != nil {
		r.emit(entity.Update{Kind: entity.UpdateError, Error: "revert failed: " + err.Error()})
		return
	}

	cut := -1
	for i, m := range msgs {
		if m.ID == messageID {
			cut = i
			break
		}
	}
	if cut < 0 {
		r.emit(entity.Update{Kind: entity.UpdateError, Error: "message not found: " + messageID})
		return
	}

	truncated := msgs[:cut+1]
	if err := r.sessions.Replace(ctx, sessionID, truncated); err != nil {
		r.emit(entity.Update{Kind: entity.UpdateError, Error: "revert failed: " + err.Error()})
		return
	}

	r.mu.Lock()
	r.revertBackup = msgs
	r.history = historyFromMessages(truncated)
	r.mu.Unlock()

	r.emit(entity.Update{Kind: entity.UpdateStatus, Text: fmt.Sprintf("Reverted to message %s", messageID)})
}

func (r *Runner) unrevert(ctx context.Context) {
	r.mu.Lock()
	backup := r.revertBackup
	sessionID := r.session.ID
	r.revertBackup = nil
	r.mu.Unlock()

	if backup == nil || sessionID == "" {
		r.emit(entity.Update{Kind: entity.UpdateStatus, Text: "Nothing to unrevert"})
		return
	}
	if err := r.sessions.Replace(ctx, sessionID, backup); err != nil {
		r.emit(entity.Update{Kind: entity.UpdateError, Error: "unrevert failed: " + err.Error()})
		return
	}

	r.mu.Lock()
	r.history = historyFromMessages(backup)
	r.mu.Unlock()
	r.emit(entity.Update{Kind: entity.UpdateStatus, Text: "Restored pre-revert history"})
}

func (r *Runner) compact() {
	r.mu.Lock()
	res := r.loop.Compact(r.history)
	if res.Kind == service.CompactionCompacted {
		r.pushUndoLocked()
		r.history = res.Messages
	}
	r.mu.Unlock()

	switch res.Kind {
	case service.CompactionCompacted:
		r.emit(entity.Update{Kind: entity.UpdateStatus, Text: fmt.Sprintf("Compacted: %d messages summarized, %d tool outputs pruned", res.MessagesSummarized, res.MessagesPruned)})
	case service.CompactionNotNeeded:
		r.emit(entity.Update{Kind: entity.UpdateStatus, Text: "Compaction not needed"})
	case service.CompactionInsufficientMessages:
		r.emit(entity.Update{Kind: entity.UpdateStatus, Text: "Too few messages to compact"})
	case service.CompactionFailed:
		r.emit(entity.Update{Kind: entity.UpdateStatus, Text: "Compaction failed, history unchanged"})
	}
}

// ─── Sandbox ───

func (r *Runner) sandboxStart(ctx context.Context) {
	r.sandboxMu.Lock()
	defer r.sandboxMu.Unlock()

	if r.sandbox != nil {
		r.emitSandbox(ctx, entity.SandboxRunning, "")
		return
	}

	r.emitSandbox(ctx, entity.SandboxStarting, "")
	sbx, err := sandbox.NewProcessSandbox(r.sandboxCfg, r.logger)
	if err != nil {
		r.emitSandbox(ctx, entity.SandboxError, err.Error())
		r.emit(entity.Update{Kind: entity.UpdateSystemMessage, Text: "Sandbox failed to start; tools run on the host"})
		return
	}
	r.sandbox = sbx
	if r.dispatcher != nil {
		r.dispatcher.SetSandbox(sbx)
	}
	r.emitSandbox(ctx, entity.SandboxRunning, "")
	r.emit(entity.Update{Kind: entity.UpdateSystemMessage, Text: "Sandbox started"})
}

func (r *Runner) sandboxStop(ctx context.Context) {
	r.sandboxMu.Lock()
	defer r.sandboxMu.Unlock()

	if r.sandbox == nil {
		r.emitSandbox(ctx, entity.SandboxStopped, "")
		return
	}
	if err := r.sandbox.Cleanup(); err != nil {
		r.logger.Warn("Sandbox cleanup failed", zap.Error(err))
	}
	r.sandbox = nil
	if r.dispatcher != nil {
		r.dispatcher.SetSandbox(nil)
	}
	r.emitSandbox(ctx, entity.SandboxStopped, "")
	r.emit(entity.Update{Kind: entity.UpdateSystemMessage, Text: "Sandbox stopped"})
}

func (r *Runner) emitSandbox(ctx context.Context, state entity.SandboxLifecycle, errText string) {
	st := entity.SandboxState{State: state, RuntimeKind: "process", Error: errText}
	r.emit(entity.Update{Kind: entity.UpdateSandbox, Sandbox: &st})
	r.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventTypeSandboxStatus, eventbus.SandboxStatusPayload{
		State:       string(state),
		RuntimeKind: "process",
		Error:       errText,
	}))
}

// ─── MCP ───

func (r *Runner) mcpToggle(name string) {
	if r.mcp == nil {
		r.emit(entity.Update{Kind: entity.UpdateStatus, Text: "MCP support not configured"})
		return
	}
	enabled, err := r.mcp.ToggleServer(name)
	if err != nil {
		r.emit(entity.Update{Kind: entity.UpdateError, Error: "MCP toggle failed: " + err.Error()})
	} else if enabled {
		r.emit(entity.Update{Kind: entity.UpdateStatus, Text: "MCP server enabled: " + name})
	} else {
		r.emit(entity.Update{Kind: entity.UpdateStatus, Text: "MCP server disabled: " + name})
	}
	r.emitMcp()
}

func (r *Runner) mcpReconnect(name string) {
	if r.mcp == nil {
		r.emit(entity.Update{Kind: entity.UpdateStatus, Text: "MCP support not configured"})
		return
	}
	if err := r.mcp.RefreshServer(name); err != nil {
		r.emit(entity.Update{Kind: entity.UpdateError, Error: "MCP reconnect failed: " + err.Error()})
	}
	r.emitMcp()
}

func (r *Runner) emitMcp() {
	infos := r.mcp.ListServers()
	statuses := make([]entity.McpServerStatus, 0, len(infos))
	for _, info := range infos {
		statuses = append(statuses, entity.McpServerStatus{
			Name:      info.Name,
			Connected: info.Enabled && info.ToolCount > 0,
		})
	}
	r.emit(entity.Update{Kind: entity.UpdateMcp, McpServers: statuses})
}

// ─── Settings ───

func (r *Runner) saveSettings(scope entity.SettingsScope, settings map[string]interface{}) {
	if len(settings) == 0 {
		r.emit(entity.Update{Kind: entity.UpdateStatus, Text: "No settings to save"})
		return
	}
	path, err := config.Save(string(scope), r.cfg.Agent.Workspace, settings)
	if err != nil {
		r.emit(entity.Update{Kind: entity.UpdateError, Error: "save settings failed: " + err.Error()})
		return
	}
	r.emit(entity.Update{Kind: entity.UpdateStatus, Text: "Settings saved to " + path})
}

// ─── Shutdown ───

func (r *Runner) shutdown() {
	r.cancelPrompt()
	r.waitPromptSettled(5 * time.Second)

	r.sandboxMu.Lock()
	if r.sandbox != nil {
		if err := r.sandbox.Cleanup(); err != nil {
			r.logger.Warn("Sandbox cleanup failed on shutdown", zap.Error(err))
		}
		r.sandbox = nil
	}
	r.sandboxMu.Unlock()

	toolpkg.RemoveTodoFileIfOwner()

	// Event Bus handlers keep firing asynchronously; the closed flag
	// keeps their late emits from hitting a closed channel.
	r.closeMu.Lock()
	r.closed = true
	close(r.updates)
	r.closeMu.Unlock()
}

// emit never blocks the runner: a full Update channel drops the
// oldest pending update rather than stalling prompt execution.
func (r *Runner) emit(u entity.Update) {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.updates <- u:
	default:
		select {
		case <-r.updates:
		default:
		}
		select {
		case r.updates <- u:
		default:
		}
	}
}

// historyFromMessages flattens a persisted session log into the
// provider message shape.
func historyFromMessages(msgs []entity.Message) []service.LLMMessage {
	out := make([]service.LLMMessage, 0, len(msgs))
	for _, msg := range msgs {
		text := msg.Text()
		if text == "" {
			continue
		}
		switch msg.Role {
		case entity.RoleUser:
			out = append(out, service.LLMMessage{Role: "user", Content: text})
		case entity.RoleAssistant:
			out = append(out, service.LLMMessage{Role: "assistant", Content: text})
		case entity.RoleSystem:
			out = append(out, service.LLMMessage{Role: "system", Content: text})
		}
	}
	return out
}

// pathArgument pulls the conventional path argument out of a
// file-mutating tool's input.
func pathArgument(args map[string]interface{}) string {
	for _, key := range []string{"path", "file_path", "file"} {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
