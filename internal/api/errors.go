package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/echocore/internal/errs"
	"go.uber.org/zap"
)

// retryAfterSeconds is sent with 503 responses to concurrency conflicts.
const retryAfterSeconds = "1"

// writeError maps err onto a status and JSON body. Typed errors add the
// detail a caller needs to act: who owns an identifier, or which records
// conflict.
func writeError(c *gin.Context, logger *zap.Logger, op string, err error) {
	body := gin.H{"error": err.Error()}

	var (
		claim  *errs.ClaimError
		review *errs.ReviewError
	)
	switch {
	case errors.As(err, &claim):
		body["code"] = "already_claimed"
		body["kind"] = claim.Kind
		body["conflicting_customer_id"] = claim.ConflictingCustomerID
		c.JSON(http.StatusConflict, body)
	case errors.As(err, &review):
		body["code"] = "manual_review_required"
		body["candidates"] = review.Candidates
		c.JSON(http.StatusConflict, body)
	case errors.Is(err, errs.ErrAlreadyClaimed):
		body["code"] = "already_claimed"
		c.JSON(http.StatusConflict, body)
	case errors.Is(err, errs.ErrSlotOccupied):
		body["code"] = "slot_occupied"
		c.JSON(http.StatusConflict, body)
	case errors.Is(err, errs.ErrNotFound):
		body["code"] = "not_found"
		c.JSON(http.StatusNotFound, body)
	case errors.Is(err, errs.ErrInvalidMergePair):
		body["code"] = "invalid_merge_pair"
		c.JSON(http.StatusUnprocessableEntity, body)
	case errors.Is(err, errs.ErrInvalidTransition):
		body["code"] = "invalid_transition"
		c.JSON(http.StatusUnprocessableEntity, body)
	case errors.Is(err, errs.ErrInvalidInput):
		body["code"] = "invalid_input"
		c.JSON(http.StatusBadRequest, body)
	case errors.Is(err, errs.ErrConcurrencyConflict):
		c.Header("Retry-After", retryAfterSeconds)
		body["code"] = "concurrency_conflict"
		c.JSON(http.StatusServiceUnavailable, body)
	default:
		// Storage failures and anything unexpected: log the cause, hide it.
		logger.Error("request failed", zap.String("op", op), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed", "code": "internal"})
	}
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_input"})
}
