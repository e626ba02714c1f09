package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wailbentafat/realtime-hub/hub"
)

var secret = []byte("test-secret")

func TestVerifyRoundTrip(t *testing.T) {
	v, err := NewJWTVerifier(secret)
	require.NoError(t, err)

	token, err := SignToken(secret, hub.NewSession("u1", []string{"admin"}, "acme"), time.Minute)
	require.NoError(t, err)

	s, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "u1", s.UserID)
	assert.True(t, s.HasRole("admin"))
	assert.Equal(t, "acme", s.TenantID)
}

func TestVerifyRejects(t *testing.T) {
	v, err := NewJWTVerifier(secret)
	require.NoError(t, err)

	expired, err := SignToken(secret, hub.NewSession("u1", nil, ""), -time.Minute)
	require.NoError(t, err)
	wrongKey, err := SignToken([]byte("other"), hub.NewSession("u1", nil, ""), time.Minute)
	require.NoError(t, err)
	noSubject, err := SignToken(secret, hub.NewSession("", nil, ""), time.Minute)
	require.NoError(t, err)
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1"}).SignedString(secret)
	require.NoError(t, err)

	tests := map[string]string{
		"garbage":    "not-a-token",
		"expired":    expired,
		"wrong key":  wrongKey,
		"no subject": noSubject,
		"no expiry":  noExpiry,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), token)
			assert.ErrorIs(t, err, hub.ErrAuth)
		})
	}
}

func TestNewJWTVerifierNeedsSecret(t *testing.T) {
	_, err := NewJWTVerifier(nil)
	assert.Error(t, err)
}
