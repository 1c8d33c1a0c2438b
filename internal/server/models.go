package server

import (
	"net/http"

	gateway "github.com/torii-gw/torii/internal"
)

type modelEntry struct {
	ID                string `json:"id"`
	DisplayName       string `json:"display_name,omitempty"`
	ContextWindow     int    `json:"context_window"`
	MaxOutputTokens   int    `json:"max_output_tokens,omitempty"`
	AcceptsImages     bool   `json:"accepts_images"`
	SupportsReasoning bool   `json:"supports_reasoning"`
	Free              bool   `json:"free"`
}

type modelListResponse struct {
	Models []modelEntry `json:"models"`
}

// handleListModels returns the catalog filtered to the caller's tier. The
// wildcard grant expands to every active model.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	auth := gateway.AuthFromContext(r.Context())

	active, err := s.deps.Catalog.Active(r.Context())
	if err != nil {
		writeError(w, r, gateway.ErrUpstream.Wrap(err))
		return
	}

	entries := make([]modelEntry, 0, len(active))
	for i := range active {
		m := &active[i]
		if !auth.Features.AllowsModel(m.ID) {
			continue
		}
		entries = append(entries, modelEntry{
			ID:                m.ID,
			DisplayName:       m.DisplayName,
			ContextWindow:     m.ContextWindow,
			MaxOutputTokens:   m.MaxOutputTokens,
			AcceptsImages:     m.AcceptsImages(),
			SupportsReasoning: m.SupportsReasoning,
			Free:              m.FreeVariant,
		})
	}
	writeJSON(w, http.StatusOK, modelListResponse{Models: entries})
}
