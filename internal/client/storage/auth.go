package storage

import (
	"context"
	"time"
)

// AuthStorage defines interface for storing the access token on the client.
// Токен выпускает платформа онбординга, клиент только хранит и предъявляет его
type AuthStorage interface {
	// SaveAuth stores authentication data, replacing previous data
	SaveAuth(ctx context.Context, auth *AuthData) error

	// GetAuth retrieves stored authentication data
	// Returns ErrAuthNotFound if no auth data exists
	GetAuth(ctx context.Context) (*AuthData, error)

	// DeleteAuth removes stored authentication data (logout)
	DeleteAuth(ctx context.Context) error
}

// AuthData represents authentication information in storage
type AuthData struct {
	UserID      string `json:"user_id"`
	CompanyID   string `json:"company_id"`
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at"` // unix seconds, 0 если срок не указан в токене
}

// Expired reports whether the token expired at now.
func (a *AuthData) Expired(now time.Time) bool {
	return a.ExpiresAt > 0 && now.Unix() >= a.ExpiresAt
}
