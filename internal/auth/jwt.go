package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/Edyrichards/todo-realtime/internal/core/errors"
	"github.com/Edyrichards/todo-realtime/internal/core/ports"
)

// Claims defines the structured data we store in the JWT. WorkspaceIDs, when
// present, restricts which workspaces the session may subscribe to.
type Claims struct {
	UserID       string   `json:"user_id"`
	WorkspaceIDs []string `json:"workspace_ids,omitempty"`
	jwt.RegisteredClaims
}

type TokenManager struct {
	secretKey []byte
	tokenTTL  time.Duration
}

// Ensure TokenManager satisfies the hub's authenticator port.
var _ ports.Authenticator = (*TokenManager)(nil)

func NewTokenManager(secret string, tokenTTL time.Duration) *TokenManager {
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	return &TokenManager{secretKey: []byte(secret), tokenTTL: tokenTTL}
}

// GenerateToken creates a new JWT access token.
func (tm *TokenManager) GenerateToken(userID string, workspaceIDs []string) (string, error) {
	claims := &Claims{
		UserID:       userID,
		WorkspaceIDs: workspaceIDs,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tm.tokenTTL)),
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(tm.secretKey)
}

// ValidateToken parses and validates the token string.
func (tm *TokenManager) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return tm.secretKey, nil
	})

	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	return claims, nil
}

// Authenticate implements ports.Authenticator for the hub's envelope-driven
// auth exchange.
func (tm *TokenManager) Authenticate(_ context.Context, token string) (*ports.Identity, error) {
	if token == "" {
		return nil, apperrors.ErrTokenRequired
	}

	claims, err := tm.ValidateToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrAuthFailed, err)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: token has no user id", apperrors.ErrAuthFailed)
	}

	return &ports.Identity{
		UserID:       claims.UserID,
		WorkspaceIDs: claims.WorkspaceIDs,
	}, nil
}
