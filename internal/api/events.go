package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/echocore/internal/middleware"
	"go.uber.org/zap"
)

// Subscriber attaches a websocket connection to a tenant's event feed.
type Subscriber interface {
	Serve(w http.ResponseWriter, r *http.Request, tenantID uuid.UUID, subject string) error
}

type EventsHandler struct {
	subscriber Subscriber
	logger     *zap.Logger
}

func NewEventsHandler(subscriber Subscriber, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{subscriber: subscriber, logger: logger}
}

// Stream handles GET /v1/events/ws. The upgrade writes its own error
// response, so failures are only logged.
func (h *EventsHandler) Stream(c *gin.Context) {
	tenantID := middleware.GetTenantID(c)
	if err := h.subscriber.Serve(c.Writer, c.Request, tenantID, middleware.GetSubject(c)); err != nil {
		h.logger.Warn("event stream subscription failed",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err),
		)
	}
}
