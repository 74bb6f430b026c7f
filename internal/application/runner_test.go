package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agentrunner/agentrunner/internal/domain/entity"
	"github.com/agentrunner/agentrunner/internal/domain/service"
	domaintool "github.com/agentrunner/agentrunner/internal/domain/tool"
	"github.com/agentrunner/agentrunner/internal/domain/valueobject"
	"github.com/agentrunner/agentrunner/internal/infrastructure/config"
	"github.com/agentrunner/agentrunner/internal/infrastructure/eventbus"
	"github.com/agentrunner/agentrunner/internal/infrastructure/persistence"
)

// scriptedLLM streams a text delta then completes, or blocks until the
// context is cancelled when blocking is set.
type scriptedLLM struct {
	text     string
	blocking bool
}

func (s *scriptedLLM) Generate(ctx context.Context, req *service.LLMRequest) (*service.LLMResponse, error) {
	return &service.LLMResponse{Content: s.text, TokensUsed: 3, ModelUsed: req.Model}, nil
}

func (s *scriptedLLM) GenerateStream(ctx context.Context, req *service.LLMRequest, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, error) {
	deltaCh <- service.StreamChunk{Kind: service.ChunkTextDelta, DeltaText: s.text}
	if s.blocking {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &service.LLMResponse{Content: s.text, TokensUsed: 3, ModelUsed: req.Model}, nil
}

// noTools is an empty tool surface.
type noTools struct{}

func (noTools) Execute(ctx context.Context, name string, args map[string]interface{}) (*domaintool.Result, error) {
	return nil, errors.New("no tools registered")
}
func (noTools) GetDefinitions() []domaintool.Definition { return nil }
func (noTools) GetToolKind(name string) domaintool.Kind { return domaintool.KindExecute }

func newTestRunner(t *testing.T, llm service.LLMClient) *Runner {
	t.Helper()

	bus := eventbus.NewInMemoryBus(zap.NewNop(), 64)
	t.Cleanup(func() { bus.Close() })

	loopCfg := service.DefaultAgentLoopConfig()
	loopCfg.MaxRetries = 1
	loopCfg.RetryBaseWait = time.Millisecond

	r := &Runner{
		actions:     make(chan entity.Action, 16),
		updates:     make(chan entity.Update, 256),
		loop:        service.NewAgentLoop(llm, noTools{}, loopCfg, zap.NewNop()),
		sessions:    persistence.NewMemorySessionRepository(),
		agents:      persistence.NewMemoryAgentRepository(),
		permissions: service.NewPermissionManager(bus, zap.NewNop()),
		doomLoop:    service.NewDoomLoopDetector(),
		bus:         bus,
		cfg:         &config.Config{},
		logger:      zap.NewNop(),
	}
	r.runnerCfg = valueobject.DefaultRunnerConfig()
	r.runnerCfg.ModelID = "test/model"
	r.subscribeBus()
	return r
}

// collectUntil drains updates until pred matches or the deadline hits.
func collectUntil(t *testing.T, r *Runner, pred func(entity.Update) bool) []entity.Update {
	t.Helper()
	var seen []entity.Update
	deadline := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-r.updates:
			if !ok {
				return seen
			}
			seen = append(seen, u)
			if pred(u) {
				return seen
			}
		case <-deadline:
			t.Fatalf("timed out; updates so far: %+v", seen)
		}
	}
}

func TestRunner_PlainCompletion(t *testing.T) {
	r := newTestRunner(t, &scriptedLLM{text: "hi"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.Actions() <- entity.Action{Kind: entity.ActionSendPrompt, Text: "hello"}

	seen := collectUntil(t, r, func(u entity.Update) bool {
		return u.Kind == entity.UpdateCompleted
	})

	var gotStarted, gotDelta bool
	for _, u := range seen {
		switch u.Kind {
		case entity.UpdateStarted:
			gotStarted = true
		case entity.UpdateTextDelta:
			if u.Text == "hi" {
				gotDelta = true
			}
		}
	}
	if !gotStarted {
		t.Error("missing Started update")
	}
	if !gotDelta {
		t.Error("missing TextDelta update")
	}
	final := seen[len(seen)-1]
	if final.Text != "hi" {
		t.Errorf("Completed text = %q, want %q", final.Text, "hi")
	}

	// History gained one user and one assistant message.
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.history) != 2 {
		t.Fatalf("history = %d messages, want 2", len(r.history))
	}
	if r.history[0].Role != "user" || r.history[1].Role != "assistant" {
		t.Errorf("history roles = %s,%s", r.history[0].Role, r.history[1].Role)
	}
}

func TestRunner_CancelMidStream(t *testing.T) {
	r := newTestRunner(t, &scriptedLLM{text: "par", blocking: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.Actions() <- entity.Action{Kind: entity.ActionSendPrompt, Text: "long"}

	// Wait for streaming to start, then cancel.
	collectUntil(t, r, func(u entity.Update) bool {
		return u.Kind == entity.UpdateTextDelta
	})
	r.Actions() <- entity.Action{Kind: entity.ActionCancel}

	seen := collectUntil(t, r, func(u entity.Update) bool {
		return u.Kind == entity.UpdateError
	})
	final := seen[len(seen)-1]
	if final.Error != "Cancelled" {
		t.Errorf("error = %q, want Cancelled", final.Error)
	}
	for _, u := range seen {
		if u.Kind == entity.UpdateCompleted {
			t.Error("no Completed update may follow a cancel")
		}
	}

	// No partial assistant message is persisted.
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.history) != 0 {
		t.Errorf("history = %d messages, want 0 after cancel", len(r.history))
	}
}

func TestRunner_NewSessionResetsHistory(t *testing.T) {
	r := newTestRunner(t, &scriptedLLM{text: "ok"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.Actions() <- entity.Action{Kind: entity.ActionSendPrompt, Text: "one"}
	collectUntil(t, r, func(u entity.Update) bool { return u.Kind == entity.UpdateCompleted })

	r.Actions() <- entity.Action{Kind: entity.ActionNewSession}
	seen := collectUntil(t, r, func(u entity.Update) bool { return u.Kind == entity.UpdateSessionLoaded })

	if seen[len(seen)-1].SessionID == "" {
		t.Error("SessionLoaded must carry the new session ID")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.history) != 0 {
		t.Errorf("history = %d, want 0 after NewSession", len(r.history))
	}
}

func TestRunner_ChangeModel(t *testing.T) {
	r := newTestRunner(t, &scriptedLLM{text: "ok"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.Actions() <- entity.Action{Kind: entity.ActionChangeModel, ModelSpec: "claude-sonnet-4"}
	collectUntil(t, r, func(u entity.Update) bool { return u.Kind == entity.UpdateStatus })

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runnerCfg.Provider != "anthropic" {
		t.Errorf("provider = %q, want anthropic (inferred)", r.runnerCfg.Provider)
	}
	if r.runnerCfg.ModelID != "anthropic/claude-sonnet-4" {
		t.Errorf("model = %q", r.runnerCfg.ModelID)
	}
}

func TestRunner_ChangeModelEmptyFails(t *testing.T) {
	r := newTestRunner(t, &scriptedLLM{text: "ok"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.Actions() <- entity.Action{Kind: entity.ActionChangeModel, ModelSpec: "  "}
	collectUntil(t, r, func(u entity.Update) bool { return u.Kind == entity.UpdateError })

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runnerCfg.ModelID != "test/model" {
		t.Errorf("prior model must stay active, got %q", r.runnerCfg.ModelID)
	}
}

func TestRunner_UndoRedo(t *testing.T) {
	r := newTestRunner(t, &scriptedLLM{text: "ok"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.Actions() <- entity.Action{Kind: entity.ActionSendPrompt, Text: "one"}
	collectUntil(t, r, func(u entity.Update) bool { return u.Kind == entity.UpdateCompleted })

	r.Actions() <- entity.Action{Kind: entity.ActionUndo}
	collectUntil(t, r, func(u entity.Update) bool { return u.Kind == entity.UpdateStatus })
	r.mu.Lock()
	undoLen := len(r.history)
	r.mu.Unlock()
	if undoLen != 0 {
		t.Errorf("history after undo = %d, want 0", undoLen)
	}

	r.Actions() <- entity.Action{Kind: entity.ActionRedo}
	collectUntil(t, r, func(u entity.Update) bool { return u.Kind == entity.UpdateStatus })
	r.mu.Lock()
	redoLen := len(r.history)
	r.mu.Unlock()
	if redoLen != 2 {
		t.Errorf("history after redo = %d, want 2", redoLen)
	}
}

func TestRunner_PermissionResponseUnknownID(t *testing.T) {
	r := newTestRunner(t, &scriptedLLM{text: "ok"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.Actions() <- entity.Action{Kind: entity.ActionPermissionResponse, RequestID: "nope", Allow: true}
	seen := collectUntil(t, r, func(u entity.Update) bool { return u.Kind == entity.UpdateStatus })
	if seen[len(seen)-1].Text == "" {
		t.Error("dropped response must surface a status line")
	}
}

func TestRunner_RunStateTracksPrompt(t *testing.T) {
	r := newTestRunner(t, &scriptedLLM{text: "go", blocking: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	if r.GetRunState().Running {
		t.Error("idle runner must not report running")
	}
	r.Actions() <- entity.Action{Kind: entity.ActionSendPrompt, Text: "x"}
	collectUntil(t, r, func(u entity.Update) bool { return u.Kind == entity.UpdateTextDelta })
	if !r.GetRunState().Running {
		t.Error("streaming runner must report running")
	}
	r.Actions() <- entity.Action{Kind: entity.ActionCancel}
	collectUntil(t, r, func(u entity.Update) bool { return u.Kind == entity.UpdateError })
}
