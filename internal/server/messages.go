package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	gateway "github.com/torii-gw/torii/internal"
)

// syncRequest is the client-driven conversation sync payload. The client owns
// message IDs so retries are idempotent.
type syncRequest struct {
	SessionID     string        `json:"session_id" validate:"required"`
	Title         string        `json:"title"`
	Messages      []syncMessage `json:"messages" validate:"required,min=1,dive"`
	AttachmentIDs []string      `json:"attachment_ids,omitempty"`
}

type syncMessage struct {
	ID      string `json:"id"`
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content" validate:"required"`
	Tokens  int    `json:"tokens,omitempty"`
}

func (s *server) handleSyncMessages(w http.ResponseWriter, r *http.Request) {
	auth := gateway.AuthFromContext(r.Context())
	if !auth.Features.CanSyncConversations {
		writeError(w, r, gateway.ErrFeatureNotAvailable.WithMessage("conversation sync is not available on your plan"))
		return
	}

	var req syncRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, r, gateway.ErrBadRequest.WithMessage("invalid request: "+err.Error()))
		return
	}

	userID := auth.User.ID
	if err := s.deps.Store.CreateSessionIfMissing(r.Context(), req.SessionID, userID, req.Title); err != nil {
		writeError(w, r, err)
		return
	}

	now := time.Now().UTC()
	msgs := make([]gateway.StoredMessage, len(req.Messages))
	for i, m := range req.Messages {
		id := m.ID
		if id == "" {
			id = uuid.Must(uuid.NewV7()).String()
		}
		tokens := m.Tokens
		if tokens <= 0 && s.deps.Counter != nil {
			tokens = s.deps.Counter.CountText(m.Content)
		}
		msgs[i] = gateway.StoredMessage{
			ID:        id,
			SessionID: req.SessionID,
			UserID:    userID,
			Role:      m.Role,
			Content:   m.Content,
			Tokens:    tokens,
			CreatedAt: now,
		}
	}

	if err := s.deps.Store.AppendMessages(r.Context(), req.SessionID, userID, msgs, req.AttachmentIDs); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"synced": len(msgs)})
}

func (s *server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	auth := gateway.AuthFromContext(r.Context())
	if !auth.Features.CanSyncConversations {
		writeError(w, r, gateway.ErrFeatureNotAvailable.WithMessage("conversation sync is not available on your plan"))
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, r, gateway.ErrBadRequest.WithMessage("session_id is required"))
		return
	}

	msgs, err := s.deps.Store.ReadMessages(r.Context(), sessionID, auth.User.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []gateway.StoredMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	auth := gateway.AuthFromContext(r.Context())
	if !auth.Features.CanSyncConversations {
		writeError(w, r, gateway.ErrFeatureNotAvailable.WithMessage("conversation search is not available on your plan"))
		return
	}

	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, r, gateway.ErrBadRequest.WithMessage("q is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 50 {
		limit = 20
	}

	results, err := s.deps.Store.SearchConversations(r.Context(), auth.User.ID, q, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if results == nil {
		results = []gateway.SearchResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
