package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/echocore/internal/identity"
	"github.com/lalith-99/echocore/internal/merge"
	"github.com/lalith-99/echocore/internal/middleware"
	"github.com/lalith-99/echocore/internal/models"
	"go.uber.org/zap"
)

type IdentityService interface {
	Resolve(ctx context.Context, tenantID uuid.UUID, ids identity.Identifiers) (*identity.Match, error)
	LinkIdentity(ctx context.Context, req identity.LinkRequest) (*models.Customer, error)
}

type Merger interface {
	Merge(ctx context.Context, req merge.Request) (*merge.Result, error)
	History(ctx context.Context, tenantID, customerID uuid.UUID) ([]models.MergeAudit, error)
}

type CustomerHandler struct {
	identity IdentityService
	merger   Merger
	logger   *zap.Logger
}

func NewCustomerHandler(identity IdentityService, merger Merger, logger *zap.Logger) *CustomerHandler {
	return &CustomerHandler{identity: identity, merger: merger, logger: logger}
}

// Resolve handles GET /v1/customers/resolve?phone=&email=&instagram=&facebook=&tiktok=
func (h *CustomerHandler) Resolve(c *gin.Context) {
	ids := identity.Identifiers{
		Phone:     c.Query("phone"),
		Email:     c.Query("email"),
		Instagram: c.Query("instagram"),
		Facebook:  c.Query("facebook"),
		TikTok:    c.Query("tiktok"),
	}
	m, err := h.identity.Resolve(c.Request.Context(), middleware.GetTenantID(c), ids)
	if err != nil {
		writeError(c, h.logger, "resolve customer", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"customer_id": m.Customer.ID,
		"customer":    m.Customer,
		"match_type":  m.MatchType,
		"confidence":  m.Confidence,
	})
}

type linkIdentityRequest struct {
	Channel    models.Channel   `json:"channel" binding:"required"`
	Identifier string           `json:"identifier" binding:"required"`
	Profile    identity.Profile `json:"profile"`
}

// LinkIdentity handles POST /v1/customers/:id/identities
func (h *CustomerHandler) LinkIdentity(c *gin.Context) {
	customerID, ok := pathID(c)
	if !ok {
		return
	}
	var req linkIdentityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	customer, err := h.identity.LinkIdentity(c.Request.Context(), identity.LinkRequest{
		TenantID:   middleware.GetTenantID(c),
		CustomerID: customerID,
		Channel:    req.Channel,
		Identifier: req.Identifier,
		Profile:    req.Profile,
	})
	if err != nil {
		writeError(c, h.logger, "link identity", err)
		return
	}
	c.JSON(http.StatusOK, customer)
}

type mergeRequest struct {
	PrimaryID    uuid.UUID `json:"primary_id" binding:"required"`
	SecondaryID  uuid.UUID `json:"secondary_id" binding:"required"`
	MergeLoyalty *bool     `json:"merge_loyalty"`
}

// Merge handles POST /v1/customers/merge. merge_loyalty defaults to true.
// The token subject is recorded as the actor.
func (h *CustomerHandler) Merge(c *gin.Context) {
	var req mergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	mergeLoyalty := true
	if req.MergeLoyalty != nil {
		mergeLoyalty = *req.MergeLoyalty
	}

	res, err := h.merger.Merge(c.Request.Context(), merge.Request{
		TenantID:     middleware.GetTenantID(c),
		PrimaryID:    req.PrimaryID,
		SecondaryID:  req.SecondaryID,
		MergeLoyalty: mergeLoyalty,
		PerformedBy:  middleware.GetSubject(c),
	})
	if err != nil {
		writeError(c, h.logger, "merge customers", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// History handles GET /v1/customers/:id/merges
func (h *CustomerHandler) History(c *gin.Context) {
	customerID, ok := pathID(c)
	if !ok {
		return
	}
	audits, err := h.merger.History(c.Request.Context(), middleware.GetTenantID(c), customerID)
	if err != nil {
		writeError(c, h.logger, "merge history", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"merges": audits})
}

// pathID parses the :id parameter, answering 400 itself when it is not a uuid.
func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, errors.New("id must be a uuid"))
		return uuid.Nil, false
	}
	return id, true
}
