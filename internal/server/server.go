// Package server implements the HTTP transport layer for the Torii gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/torii-gw/torii/internal"
	"github.com/torii-gw/torii/internal/app"
	"github.com/torii-gw/torii/internal/blob"
	"github.com/torii-gw/torii/internal/catalog"
	"github.com/torii-gw/torii/internal/ratelimit"
	"github.com/torii-gw/torii/internal/storage"
	"github.com/torii-gw/torii/internal/telemetry"
	"github.com/torii-gw/torii/internal/tokencount"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// AuthResolver resolves credentials into an AuthContext and invalidates
// cached snapshots after admin mutations.
type AuthResolver interface {
	Resolve(r *http.Request, level gateway.AccessLevel) (*gateway.AuthContext, error)
	Invalidate(ctx context.Context, userID string) error
}

// Reaper runs one attachment retention pass on demand.
type Reaper interface {
	Reap(ctx context.Context) int
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Resolver AuthResolver
	Chat     *app.ChatService
	Catalog  *catalog.Catalog
	Store    storage.Store
	Blobs    blob.Store
	Limiter  *ratelimit.Limiter
	Counter  *tokencount.Counter

	Metrics        *telemetry.Metrics // nil = no metrics middleware
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
	Reaper         Reaper             // nil = internal cleanup endpoints 404

	InternalSecret   string // guards /internal endpoints; empty disables them
	AttachmentBucket string
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Chat: optional auth with degrade-to-anonymous, ban-enforced, most
	// restrictive class.
	r.Group(func(r chi.Router) {
		r.Use(s.guard(gateway.AccessEnhanced, ratelimit.ClassChat, true, true))
		r.Post("/chat", s.handleChat)
		r.Post("/chat/stream", s.handleChatStream)
	})

	// Model listing: public, cheap.
	r.Group(func(r chi.Router) {
		r.Use(s.guard(gateway.AccessPublic, ratelimit.ClassCRUD, false, true))
		r.Get("/models", s.handleListModels)
	})

	// Conversation sync and attachments: authenticated users only.
	r.Group(func(r chi.Router) {
		r.Use(s.guard(gateway.AccessProtected, ratelimit.ClassStorage, false, true))
		r.Post("/chat/messages", s.handleSyncMessages)
		r.Get("/chat/messages", s.handleGetMessages)
		r.Get("/chat/search", s.handleSearch)
		r.Post("/attachments/upload", s.handleAttachmentUpload)
	})

	// Admin: authenticated admins only. No bypass; the class-D budget is the
	// backstop on mutation volume even for enterprise accounts.
	r.Group(func(r chi.Router) {
		r.Use(s.guard(gateway.AccessProtected, ratelimit.ClassAdmin, false, false))
		r.Use(s.requireAdmin)
		r.Post("/admin/users/{id}/ban", s.handleBanUser)
		r.Post("/admin/users/{id}/unban", s.handleUnbanUser)
	})

	// Internal maintenance, shared-secret guarded.
	if deps.InternalSecret != "" {
		r.Group(func(r chi.Router) {
			r.Use(s.internalAuth)
			r.Post("/internal/attachments/retention", s.handleAttachmentRetention)
			r.Post("/internal/attachments/cleanup", s.handleAttachmentRetention)
		})
	}

	return r
}

type server struct {
	deps Deps
}
