// Package server assembles the HTTP surface of the sync service.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/iudanet/fleetsync/internal/server/handlers"
	"github.com/iudanet/fleetsync/internal/server/middleware"
)

const healthPath = "/api/v1/health"

// RouterConfig holds the handlers and limits the router is built from.
type RouterConfig struct {
	Logger          *slog.Logger
	Sync            *handlers.SyncHandler
	Health          *handlers.HealthHandler
	JWT             handlers.JWTConfig
	RateLimit       int // 0 отключает лимит
	RateLimitWindow time.Duration
}

// NewRouter wires the sync endpoints behind authentication.
// The returned stop func releases the rate limiter goroutine.
func NewRouter(cfg RouterConfig) (http.Handler, func()) {
	stop := func() {}

	// Цепочка для защищенных эндпоинтов: auth -> rate limit -> handler
	protect := func(h http.HandlerFunc) http.Handler {
		return middleware.AuthMiddleware(cfg.Logger, cfg.JWT)(h)
	}
	if cfg.RateLimit > 0 {
		limit, limiter := middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateLimitWindow, cfg.Logger)
		stop = limiter.Stop
		protect = func(h http.HandlerFunc) http.Handler {
			return middleware.AuthMiddleware(cfg.Logger, cfg.JWT)(limit(h))
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(healthPath, cfg.Health.Health)
	mux.Handle("/api/v1/sync/push", protect(cfg.Sync.Push))
	mux.Handle("/api/v1/sync/pull", protect(cfg.Sync.Pull))
	mux.Handle("/api/v1/sync/status", protect(cfg.Sync.Status))
	mux.Handle("/api/v1/sync/ledger", protect(cfg.Sync.Ledger))

	// Recovery снаружи, чтобы перехватить панику в любом middleware
	var handler http.Handler = mux
	handler = middleware.LoggingWithSkip(cfg.Logger, []string{healthPath})(handler)
	handler = middleware.TracingMiddleware()(handler)
	handler = middleware.RecoveryMiddleware(cfg.Logger)(handler)

	return handler, stop
}
