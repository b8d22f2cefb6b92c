package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/echocore/internal/conversation"
	"github.com/lalith-99/echocore/internal/middleware"
	"github.com/lalith-99/echocore/internal/models"
	"go.uber.org/zap"
)

type ConversationService interface {
	Transition(ctx context.Context, tenantID, id uuid.UUID, to models.ConversationStatus, actor conversation.Actor) (*models.Conversation, error)
}

type ConversationHandler struct {
	conversations ConversationService
	logger        *zap.Logger
}

func NewConversationHandler(conversations ConversationService, logger *zap.Logger) *ConversationHandler {
	return &ConversationHandler{conversations: conversations, logger: logger}
}

type statusRequest struct {
	Status models.ConversationStatus `json:"status" binding:"required"`
}

// SetStatus handles PATCH /v1/conversations/:id/status. Callers act as staff,
// so reopening a resolved thread is left to ingestion.
func (h *ConversationHandler) SetStatus(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	conv, err := h.conversations.Transition(c.Request.Context(), middleware.GetTenantID(c), id, req.Status, conversation.ActorStaff)
	if err != nil {
		writeError(c, h.logger, "update conversation status", err)
		return
	}
	c.JSON(http.StatusOK, conv)
}
