package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/iudanet/fleetsync/internal/client/storage"
)

// tokenClaims поля токена, нужные клиенту
type tokenClaims struct {
	UserID    string `json:"user_id"`
	CompanyID string `json:"company_id"`
	jwt.RegisteredClaims
}

type service struct {
	store storage.AuthStorage
	now   func() time.Time
}

var _ Service = (*service)(nil)

// NewService создает сервис сессии поверх хранилища токена
func NewService(store storage.AuthStorage) Service {
	return &service{store: store, now: time.Now}
}

// ParseToken reads the session fields of a token without verifying its signature.
func ParseToken(accessToken string) (*storage.AuthData, error) {
	var claims tokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, &claims); err != nil {
		return nil, fmt.Errorf("malformed access token: %w", err)
	}

	if claims.UserID == "" || claims.CompanyID == "" {
		return nil, errors.New("access token has no user_id or company_id")
	}

	auth := &storage.AuthData{
		UserID:      claims.UserID,
		CompanyID:   claims.CompanyID,
		AccessToken: accessToken,
	}
	if claims.ExpiresAt != nil {
		auth.ExpiresAt = claims.ExpiresAt.Unix()
	}
	return auth, nil
}

// Login parses the token and stores it as the current session
func (s *service) Login(ctx context.Context, accessToken string) (*storage.AuthData, error) {
	auth, err := ParseToken(accessToken)
	if err != nil {
		return nil, err
	}

	if auth.Expired(s.now()) {
		return nil, ErrTokenExpired
	}

	if err := s.store.SaveAuth(ctx, auth); err != nil {
		return nil, fmt.Errorf("failed to save auth data: %w", err)
	}

	return auth, nil
}

// Session returns the stored session
func (s *service) Session(ctx context.Context) (*storage.AuthData, error) {
	auth, err := s.store.GetAuth(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrAuthNotFound) {
			return nil, ErrNotAuthenticated
		}
		return nil, fmt.Errorf("failed to get auth data: %w", err)
	}

	if auth.Expired(s.now()) {
		return auth, ErrTokenExpired
	}
	return auth, nil
}

// IsAuthenticated checks if a non-expired token is stored
func (s *service) IsAuthenticated(ctx context.Context) (bool, error) {
	_, err := s.Session(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotAuthenticated), errors.Is(err, ErrTokenExpired):
		return false, nil
	default:
		return false, err
	}
}

// Logout удаляет токен
func (s *service) Logout(ctx context.Context) error {
	if err := s.store.DeleteAuth(ctx); err != nil {
		return fmt.Errorf("failed to delete auth data: %w", err)
	}
	return nil
}
