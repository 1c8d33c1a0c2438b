package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/torii-gw/torii/internal"
)

// banRequest carries the audit reason and an optional end time. A nil until
// is permanent.
type banRequest struct {
	Reason string  `json:"reason,omitempty"`
	Until  *string `json:"until,omitempty"` // RFC3339
}

func (s *server) handleBanUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var req banRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	var until *time.Time
	if req.Until != nil {
		t, err := time.Parse(time.RFC3339, *req.Until)
		if err != nil {
			writeError(w, r, gateway.ErrBadRequest.WithMessage("invalid until format, use RFC3339"))
			return
		}
		until = &t
	}

	if err := s.deps.Store.SetBan(r.Context(), userID, true, until); err != nil {
		writeError(w, r, err)
		return
	}
	s.invalidateSnapshot(r, userID)

	slog.LogAttrs(r.Context(), slog.LevelInfo, "user banned",
		slog.String("user_id", userID),
		slog.String("reason", req.Reason),
		slog.String("by", gateway.AuthFromContext(r.Context()).User.ID),
	)
	writeJSON(w, http.StatusOK, map[string]any{"banned": true})
}

func (s *server) handleUnbanUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	if err := s.deps.Store.SetBan(r.Context(), userID, false, nil); err != nil {
		writeError(w, r, err)
		return
	}
	s.invalidateSnapshot(r, userID)

	slog.LogAttrs(r.Context(), slog.LevelInfo, "user unbanned",
		slog.String("user_id", userID),
		slog.String("by", gateway.AuthFromContext(r.Context()).User.ID),
	)
	writeJSON(w, http.StatusOK, map[string]any{"banned": false})
}

// invalidateSnapshot drops the cached auth snapshot so the ban change takes
// effect on the next request rather than after TTL expiry.
func (s *server) invalidateSnapshot(r *http.Request, userID string) {
	if err := s.deps.Resolver.Invalidate(r.Context(), userID); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "snapshot invalidation failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}
