package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/echocore/internal/auth"
	"github.com/lalith-99/echocore/internal/middleware"
	"go.uber.org/zap"
)

// RouterConfig carries everything NewRouter wires.
type RouterConfig struct {
	JWTSecret        string
	OperationTimeout time.Duration

	Ingester      Ingester
	Identity      IdentityService
	Merger        Merger
	Conversations ConversationService
	Subscriber    Subscriber
	HealthChecks  map[string]HealthCheck

	Logger *zap.Logger
}

// NewRouter builds the HTTP API. Every route except health needs a token;
// the role guards follow who is expected to call each operation.
func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(cfg.Logger), middleware.RequestLogger(cfg.Logger))

	health := NewHealthHandler(cfg.HealthChecks, 2*time.Second)
	r.GET("/v1/health", health.Health)

	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(cfg.JWTSecret))

	// The websocket outlives any operation timeout.
	if cfg.Subscriber != nil {
		events := NewEventsHandler(cfg.Subscriber, cfg.Logger)
		v1.GET("/events/ws", events.Stream)
	}

	ops := v1.Group("")
	ops.Use(middleware.Timeout(cfg.OperationTimeout))

	ingestHandler := NewIngestHandler(cfg.Ingester, cfg.Logger)
	ops.POST("/ingest", middleware.RequireRole(auth.RoleAdapter, auth.RoleSystem), ingestHandler.Ingest)

	customers := NewCustomerHandler(cfg.Identity, cfg.Merger, cfg.Logger)
	ops.GET("/customers/resolve", customers.Resolve)
	ops.POST("/customers/merge", middleware.RequireRole(auth.RoleStaff, auth.RoleSystem), customers.Merge)
	ops.POST("/customers/:id/identities", middleware.RequireRole(auth.RoleAdapter, auth.RoleStaff, auth.RoleSystem), customers.LinkIdentity)
	ops.GET("/customers/:id/merges", customers.History)

	conversations := NewConversationHandler(cfg.Conversations, cfg.Logger)
	ops.PATCH("/conversations/:id/status", middleware.RequireRole(auth.RoleStaff), conversations.SetStatus)

	return r
}
