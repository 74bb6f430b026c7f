package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentrunner/agentrunner/internal/application/usecase"
)

type MessageHandler struct {
	processMessageUseCase *usecase.ProcessMessageUseCase
	logger                *zap.Logger
}

func NewMessageHandler(uc *usecase.ProcessMessageUseCase, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{
		processMessageUseCase: uc,
		logger:                logger,
	}
}

type SendMessageRequest struct {
	Content   string `json:"content" binding:"required"`
	SessionID string `json:"session_id"`
}

type SendMessageResponse struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
}

func (h *MessageHandler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reply, sessionID, err := h.processMessageUseCase.Execute(c.Request.Context(), req.SessionID, req.Content)
	if err != nil {
		h.logger.Error("Failed to process message", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process message"})
		return
	}

	c.JSON(http.StatusOK, SendMessageResponse{
		MessageID: reply.ID,
		Content:   reply.Text(),
		SessionID: sessionID,
		Role:      string(reply.Role),
	})
}
