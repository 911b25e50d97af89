package server

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenMinter issues short-lived HS256 credentials for the agent gateway.
// The gateway side shares the secret and verifies expiry.
type TokenMinter struct {
	secret   []byte
	ttl      time.Duration
	clientID string
}

// NewTokenMinter creates a minter. ttl must be positive.
func NewTokenMinter(secret string, ttl time.Duration, clientID string) *TokenMinter {
	return &TokenMinter{secret: []byte(secret), ttl: ttl, clientID: clientID}
}

// Mint signs a fresh credential and returns it with its expiry (unix ms).
func (m *TokenMinter) Mint() (string, int64, error) {
	now := time.Now()
	expiresAt := now.Add(m.ttl)

	claims := jwt.RegisteredClaims{
		Subject:   m.clientID,
		Issuer:    "pikaboard",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", 0, fmt.Errorf("signing gateway token: %w", err)
	}
	return signed, expiresAt.UnixMilli(), nil
}
