package usecase

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentrunner/agentrunner/internal/domain/entity"
	"github.com/agentrunner/agentrunner/internal/domain/repository"
	"github.com/agentrunner/agentrunner/internal/domain/service"
)

// ProcessMessageUseCase handles the one-shot message flow: append the
// user's message to a session, call the model with the session history,
// append and return the assistant's reply. The streaming path is the
// Runner; this use-case backs the plain HTTP API and REPL, which want a
// single request/response pair rather than an Update stream.
type ProcessMessageUseCase struct {
	sessions repository.SessionRepository
	router   service.MessageRouter
	llm      service.LLMClient
	logger   *zap.Logger
}

// NewProcessMessageUseCase creates a message processing use-case. The
// llm parameter is the same LLMClient (llmRouter) the Runner uses.
func NewProcessMessageUseCase(
	sessions repository.SessionRepository,
	router service.MessageRouter,
	llm service.LLMClient,
	logger *zap.Logger,
) *ProcessMessageUseCase {
	return &ProcessMessageUseCase{
		sessions: sessions,
		router:   router,
		llm:      llm,
		logger:   logger,
	}
}

// Execute appends userText to the session and generates a reply.
// An empty sessionID opens a new session.
func (uc *ProcessMessageUseCase) Execute(ctx context.Context, sessionID, userText string) (entity.Message, string, error) {
	session, err := uc.resolveSession(ctx, sessionID, userText)
	if err != nil {
		return entity.Message{}, "", err
	}

	agent, err := uc.router.Route(ctx, session.Agent)
	if err != nil {
		uc.logger.Error("Failed to route message", zap.Error(err))
		return entity.Message{}, "", err
	}

	history, err := uc.sessions.Messages(ctx, session.ID)
	if err != nil {
		uc.logger.Warn("Failed to load session history", zap.Error(err))
		history = nil
	}

	userMsg := entity.NewMessage(uuid.NewString(), entity.RoleUser, userText)
	if err := uc.sessions.Append(ctx, session.ID, userMsg); err != nil {
		uc.logger.Error("Failed to save user message", zap.Error(err))
		return entity.Message{}, "", err
	}

	llmHistory := toLLMMessages(history)
	llmHistory = append(llmHistory, service.LLMMessage{Role: "user", Content: userText})

	modelConfig := agent.ModelConfig()
	llmReq := &service.LLMRequest{
		Messages:    llmHistory,
		Model:       modelConfig.FullModelName(),
		MaxTokens:   modelConfig.MaxTokens(),
		Temperature: modelConfig.Temperature(),
	}

	llmResp, err := uc.llm.Generate(ctx, llmReq)
	if err != nil {
		uc.logger.Error("Failed to generate reply", zap.Error(err))
		return entity.Message{}, "", err
	}

	reply := entity.NewMessage(uuid.NewString(), entity.RoleAssistant, llmResp.Content)
	if err := uc.sessions.Append(ctx, session.ID, reply); err != nil {
		uc.logger.Error("Failed to save reply", zap.Error(err))
		return entity.Message{}, "", err
	}

	uc.logger.Info("Reply generated",
		zap.String("session_id", session.ID),
		zap.String("model", llmResp.ModelUsed),
		zap.Int("tokens", llmResp.TokensUsed),
	)

	return reply, session.ID, nil
}

// resolveSession loads the session or creates one titled after the
// first prompt.
func (uc *ProcessMessageUseCase) resolveSession(ctx context.Context, sessionID, userText string) (repository.SessionInfo, error) {
	if sessionID != "" {
		session, err := uc.sessions.Get(ctx, sessionID)
		if err == nil {
			return session, nil
		}
		uc.logger.Warn("Session not found, opening a new one",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}

	title := userText
	if len(title) > 60 {
		title = title[:60]
	}
	return uc.sessions.Create(ctx, title)
}

// toLLMMessages flattens a session log into the provider message shape,
// skipping messages that carry no text (tool transcripts are already
// folded into assistant turns by the Runner before persistence).
func toLLMMessages(history []entity.Message) []service.LLMMessage {
	out := make([]service.LLMMessage, 0, len(history))
	for _, msg := range history {
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
