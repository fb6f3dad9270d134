package httpapi

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenTTL is how long an issued admin API token stays valid.
const tokenTTL = 24 * time.Hour

// Claims are the JWT claims carried by admin API tokens.
type Claims struct {
	NodeID  string `json:"node_id"`
	IsAdmin bool   `json:"is_admin,omitempty"`
	jwt.RegisteredClaims
}

// TokenAuth signs and validates admin API tokens.
type TokenAuth struct {
	secret []byte
}

// NewTokenAuth builds a token handler around the shared HMAC secret.
func NewTokenAuth(secret string) *TokenAuth {
	return &TokenAuth{secret: []byte(secret)}
}

// Issue creates a signed token for the node identity.
func (a *TokenAuth) Issue(nodeID string, isAdmin bool) (string, time.Time, error) {
	if nodeID == "" {
		return "", time.Time{}, errors.New("node id cannot be empty")
	}

	now := time.Now()
	expiresAt := now.Add(tokenTTL)
	claims := Claims{
		NodeID:  nodeID,
		IsAdmin: isAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate parses a token, with or without the "Bearer " prefix, and
// returns its claims.
func (a *TokenAuth) Validate(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("token cannot be empty")
	}
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("token is not valid")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	return claims, nil
}
