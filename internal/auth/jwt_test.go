package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func TestTokenRoundTrip(t *testing.T) {
	tenant := uuid.New()
	token, err := GenerateToken("ops@acme", tenant, RoleStaff, secret, time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken(token, secret)
	require.NoError(t, err)
	assert.Equal(t, tenant, claims.TenantID)
	assert.Equal(t, RoleStaff, claims.Role)
	assert.Equal(t, "ops@acme", claims.Subject)
}

func TestParseTokenRejects(t *testing.T) {
	tenant := uuid.New()

	expired, err := GenerateToken("svc", tenant, RoleSystem, secret, -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken(expired, secret)
	assert.Error(t, err, "expired")

	good, err := GenerateToken("svc", tenant, RoleSystem, secret, time.Hour)
	require.NoError(t, err)
	_, err = ParseToken(good, "other-secret")
	assert.Error(t, err, "wrong secret")

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		TenantID:         tenant,
		Role:             RoleSystem,
		RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = ParseToken(unsigned, secret)
	assert.Error(t, err, "alg none")

	noTenant := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role:             RoleSystem,
		RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	signed, err := noTenant.SignedString([]byte(secret))
	require.NoError(t, err)
	_, err = ParseToken(signed, secret)
	assert.Error(t, err, "missing tenant")
}

func TestGenerateTokenValidates(t *testing.T) {
	_, err := GenerateToken("svc", uuid.New(), "root", secret, time.Hour)
	assert.Error(t, err)

	_, err = GenerateToken("svc", uuid.New(), RoleAdapter, "", time.Hour)
	assert.Error(t, err)
}
