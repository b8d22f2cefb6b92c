// Package auth issues and verifies the HS256 service tokens every caller of
// the HTTP API presents.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "echocore"

// Role is what a caller is allowed to do.
type Role string

const (
	// RoleAdapter is a channel adapter delivering inbound traffic.
	RoleAdapter Role = "adapter"
	// RoleStaff is a human operator acting through the dashboard.
	RoleStaff Role = "staff"
	// RoleSystem is an internal job such as duplicate detection.
	RoleSystem Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdapter, RoleStaff, RoleSystem:
		return true
	}
	return false
}

// Claims scopes a token to one tenant. Subject (from RegisteredClaims)
// names the caller and is recorded as the actor of merges.
//
// Why carry the tenant in the token instead of a header or path segment?
//   - Every repository lookup is tenant scoped. Taking the tenant from a
//     signed claim means a caller cannot read or merge another tenant's
//     customers by editing a URL.
//   - Adapters are provisioned per tenant anyway, so one token per
//     adapter per tenant matches how they are deployed.
type Claims struct {
	TenantID uuid.UUID `json:"tenant_id"`
	Role     Role      `json:"role"`
	jwt.RegisteredClaims
}

// GenerateToken signs a token for subject acting as role within tenantID.
func GenerateToken(subject string, tenantID uuid.UUID, role Role, secret string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("sign token: empty secret")
	}
	if !role.Valid() {
		return "", fmt.Errorf("sign token: unknown role %q", role)
	}
	now := time.Now()

	claims := Claims{
		TenantID: tenantID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies signature, expiry, issuer and signing method, and
// returns the claims.
func ParseToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(token *jwt.Token) (any, error) {
			// Reject "none" and asymmetric algorithms before verifying.
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		},
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.TenantID == uuid.Nil || !claims.Role.Valid() {
		return nil, fmt.Errorf("token lacks tenant or role")
	}
	return claims, nil
}
