package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/echocore/internal/identity"
	"github.com/lalith-99/echocore/internal/ingest"
	"github.com/lalith-99/echocore/internal/middleware"
	"github.com/lalith-99/echocore/internal/models"
	"go.uber.org/zap"
)

type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (*ingest.Result, error)
}

type IngestHandler struct {
	ingester Ingester
	logger   *zap.Logger
}

func NewIngestHandler(ingester Ingester, logger *zap.Logger) *IngestHandler {
	return &IngestHandler{ingester: ingester, logger: logger}
}

// ingestRequest is the body of POST /v1/ingest. The tenant comes from the
// token, never from the body.
type ingestRequest struct {
	Channel          models.Channel     `json:"channel" binding:"required"`
	SenderIdentifier string             `json:"sender_identifier" binding:"required"`
	Content          string             `json:"content"`
	MessageType      models.MessageType `json:"message_type"`
	ExternalID       string             `json:"external_id"`
	Profile          identity.Profile   `json:"profile"`
}

// Ingest handles POST /v1/ingest. A redelivery answers 200 with the stored
// result; a new message answers 201.
func (h *IngestHandler) Ingest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.ingester.Ingest(c.Request.Context(), ingest.Request{
		TenantID:         middleware.GetTenantID(c),
		Channel:          req.Channel,
		SenderIdentifier: req.SenderIdentifier,
		Content:          req.Content,
		MessageType:      req.MessageType,
		ExternalID:       req.ExternalID,
		Profile:          req.Profile,
	})
	if err != nil {
		writeError(c, h.logger, "ingest", err)
		return
	}

	status := http.StatusCreated
	if res.WasDuplicate {
		status = http.StatusOK
	}
	c.JSON(status, res)
}
