package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/echocore/internal/auth"
)

// Context keys for claims stored in gin.Context.
const (
	ContextKeySubject  = "subject"
	ContextKeyTenantID = "tenant_id"
	ContextKeyRole     = "role"
)

// AuthMiddleware validates the bearer token and stores its claims.
//
// Browsers cannot set headers on a websocket handshake, so a token in the
// access_token query parameter is accepted when the header is absent.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing or malformed authorization, expected: Bearer <token>",
			})
			return
		}

		claims, err := auth.ParseToken(tokenString, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			return
		}

		c.Set(ContextKeySubject, claims.Subject)
		c.Set(ContextKeyTenantID, claims.TenantID)
		c.Set(ContextKeyRole, claims.Role)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		if q := c.Query("access_token"); q != "" {
			return q, true
		}
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// RequireRole lets the request through only for one of roles. It must run
// after AuthMiddleware.
func RequireRole(roles ...auth.Role) gin.HandlerFunc {
	allowed := make(map[auth.Role]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(c *gin.Context) {
		if !allowed[GetRole(c)] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "role not permitted for this operation",
			})
			return
		}
		c.Next()
	}
}

// The helpers return zero values when the key is missing, which fails any
// tenant-scoped lookup.

func GetSubject(c *gin.Context) string {
	return c.GetString(ContextKeySubject)
}

func GetTenantID(c *gin.Context) uuid.UUID {
	val, exists := c.Get(ContextKeyTenantID)
	if !exists {
		return uuid.Nil
	}
	id, ok := val.(uuid.UUID)
	if !ok {
		return uuid.Nil
	}
	return id
}

func GetRole(c *gin.Context) auth.Role {
	val, exists := c.Get(ContextKeyRole)
	if !exists {
		return ""
	}
	role, ok := val.(auth.Role)
	if !ok {
		return ""
	}
	return role
}
