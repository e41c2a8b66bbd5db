package auth

import (
	"context"
	"errors"

	"github.com/iudanet/fleetsync/internal/client/storage"
)

//go:generate moq -out service_mock.go . Service

var (
	// ErrNotAuthenticated is returned when no token is stored
	ErrNotAuthenticated = errors.New("not authenticated, run 'fleetsync login' first")

	// ErrTokenExpired is returned when the stored token has expired
	ErrTokenExpired = errors.New("access token has expired, run 'fleetsync login' with a new token")
)

// Service управляет токеном доступа на устройстве.
// Токен выпускает платформа онбординга; клиент читает из него
// идентификаторы пользователя и компании, но подпись проверяет только сервер.
type Service interface {
	// Login parses the token and stores it as the current session
	Login(ctx context.Context, accessToken string) (*storage.AuthData, error)

	// Session returns the stored session
	// Returns ErrNotAuthenticated or ErrTokenExpired when sync is not possible
	Session(ctx context.Context) (*storage.AuthData, error)

	// IsAuthenticated checks if a non-expired token is stored
	IsAuthenticated(ctx context.Context) (bool, error)

	// Logout удаляет токен; очередь изменений сохраняется
	Logout(ctx context.Context) error
}
