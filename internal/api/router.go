package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/chat-worker/internal/auth"
	"github.com/ashureev/chat-worker/internal/chat"
	"github.com/ashureev/chat-worker/internal/config"
	"github.com/ashureev/chat-worker/internal/domain"
	"github.com/ashureev/chat-worker/internal/identity"
	"github.com/ashureev/chat-worker/internal/metrics"
	"github.com/ashureev/chat-worker/internal/middleware"
	"github.com/ashureev/chat-worker/internal/store"
)

// RouterDeps are the collaborators wired into the router.
type RouterDeps struct {
	Config   *config.Config
	Store    store.Store
	Verifier auth.Verifier
	Chat     *chat.Service
	// AccessLog enables chi's request logger.
	AccessLog bool
}

// NewRouter builds the HTTP handler. The request guard runs before
// authentication, and authentication before any handler touches the store.
func NewRouter(d RouterDeps) http.Handler {
	cfg := d.Config
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	if d.AccessLog {
		r.Use(chimw.Logger)
	}
	r.Use(middleware.Recover)
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(middleware.OriginGuard(cfg.AllowedOrigins, "/health", "/metrics"))
	r.Use(middleware.BodyLimit(cfg.MaxBodyBytes))
	r.Use(middleware.RequireJSON)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, domain.NotFound("not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, domain.MethodNotAllowed())
	})

	// Public routes.
	NewHealthHandler(d.Store).RegisterHealth(r)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	pa, passwordMode := d.Verifier.(auth.PasswordAuthenticator)
	if passwordMode {
		NewPasswordHandler(pa).RegisterRoutes(r)
	}
	if ti, ok := d.Verifier.(auth.TokenIssuer); ok {
		NewTokenHandler(ti).RegisterRoutes(r)
	}

	// Protected routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(d.Verifier, false))
		NewChatHandler(d.Chat).RegisterRoutes(r)
		if passwordMode {
			NewPasswordHandler(pa).RegisterProtectedRoutes(r)
		}
	})
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(d.Verifier, true))
		r.Method(http.MethodGet, "/ws", NewWebSocketHandler(d.Chat, cfg.MaxBodyBytes))
	})

	return r
}
