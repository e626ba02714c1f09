// Package auth verifies the bearer tokens presented at the websocket
// handshake.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wailbentafat/realtime-hub/hub"
)

// Claims are the token claims the hub understands. The subject is the user id.
type Claims struct {
	Roles    []string `json:"roles,omitempty"`
	TenantID string   `json:"tenant_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret is empty")
	}
	return &JWTVerifier{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// Verify implements hub.TokenVerifier. Every failure is a hub.ErrAuth.
func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (hub.Session, error) {
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return hub.Session{}, &hub.Error{Code: hub.CodeAuth, Message: err.Error()}
	}
	if !token.Valid {
		return hub.Session{}, hub.ErrAuth
	}
	if claims.Subject == "" {
		return hub.Session{}, &hub.Error{Code: hub.CodeAuth, Message: "token subject is empty"}
	}
	return hub.NewSession(claims.Subject, claims.Roles, claims.TenantID), nil
}

// SignToken issues a token for session. The hub never issues tokens itself;
// this exists for local tooling and tests.
func SignToken(secret []byte, session hub.Session, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Roles:    session.Roles,
		TenantID: session.TenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   session.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("could not sign token: %w", err)
	}
	return signed, nil
}
