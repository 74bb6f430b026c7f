package usecase_test

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/agentrunner/agentrunner/internal/application/usecase"
	"github.com/agentrunner/agentrunner/internal/domain/entity"
	"github.com/agentrunner/agentrunner/internal/domain/service"
	"github.com/agentrunner/agentrunner/internal/domain/valueobject"
	"github.com/agentrunner/agentrunner/internal/infrastructure/persistence"
)

// MockMessageRouter always routes to a fixed agent.
type MockMessageRouter struct {
	agent *entity.Agent
}

func (m *MockMessageRouter) Route(ctx context.Context, agentTag string) (*entity.Agent, error) {
	return m.agent, nil
}

// MockLLMClient returns a canned response.
type MockLLMClient struct {
	response *service.LLMResponse
	lastReq  *service.LLMRequest
}

func (m *MockLLMClient) Generate(ctx context.Context, req *service.LLMRequest) (*service.LLMResponse, error) {
	m.lastReq = req
	return m.response, nil
}

func (m *MockLLMClient) GenerateStream(ctx context.Context, req *service.LLMRequest, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, error) {
	return m.Generate(ctx, req)
}

func TestProcessMessage_Execute_Success(t *testing.T) {
	sessions := persistence.NewMemorySessionRepository()

	modelConfig := valueobject.NewModelConfig("test-provider", "test-model", 1000, 0.7, 0.9, false)
	agent, _ := entity.NewAgent("agent-1", "Test Agent", modelConfig)
	router := &MockMessageRouter{agent: agent}

	llm := &MockLLMClient{response: &service.LLMResponse{
		Content:    "Hello, user!",
		ModelUsed:  "test-provider/test-model",
		TokensUsed: 10,
	}}

	uc := usecase.NewProcessMessageUseCase(sessions, router, llm, zap.NewNop())

	ctx := context.Background()
	reply, sessionID, err := uc.Execute(ctx, "", "Hi")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if reply.Text() != "Hello, user!" {
		t.Errorf("reply = %q, want %q", reply.Text(), "Hello, user!")
	}
	if reply.Role != entity.RoleAssistant {
		t.Errorf("reply role = %q, want assistant", reply.Role)
	}
	if sessionID == "" {
		t.Fatal("expected a session to be created")
	}

	msgs, err := sessions.Messages(ctx, sessionID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("saved messages = %d, want 2 (user + assistant)", len(msgs))
	}
	if msgs[0].Role != entity.RoleUser || msgs[1].Role != entity.RoleAssistant {
		t.Errorf("roles = %q,%q, want user,assistant", msgs[0].Role, msgs[1].Role)
	}
}

func TestProcessMessage_Execute_ReusesSessionHistory(t *testing.T) {
	sessions := persistence.NewMemorySessionRepository()

	modelConfig := valueobject.NewModelConfig("test-provider", "test-model", 1000, 0.7, 0.9, false)
	agent, _ := entity.NewAgent("agent-1", "Test Agent", modelConfig)
	router := &MockMessageRouter{agent: agent}
	llm := &MockLLMClient{response: &service.LLMResponse{Content: "ok"}}

	uc := usecase.NewProcessMessageUseCase(sessions, router, llm, zap.NewNop())

	ctx := context.Background()
	_, sessionID, err := uc.Execute(ctx, "", "first")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	_, secondID, err := uc.Execute(ctx, sessionID, "second")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if secondID != sessionID {
		t.Fatalf("second turn opened a new session: %q != %q", secondID, sessionID)
	}

	// The second request must carry the first exchange as history.
	if got := len(llm.lastReq.Messages); got != 3 {
		t.Fatalf("request messages = %d, want 3 (prior user+assistant, new user)", got)
	}
	if llm.lastReq.Messages[0].Content != "first" {
		t.Errorf("history[0] = %q, want %q", llm.lastReq.Messages[0].Content, "first")
	}
}
