package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	gateway "github.com/torii-gw/torii/internal"
)

// errorEnvelope is the wire shape for every non-2xx response.
type errorEnvelope struct {
	Error       string   `json:"error"`
	Code        string   `json:"code"`
	Retryable   bool     `json:"retryable"`
	Suggestions []string `json:"suggestions,omitempty"`
	Timestamp   string   `json:"timestamp"`
}

// writeError maps a domain error onto its fixed HTTP status and envelope.
// Non-domain errors are logged with their cause and sanitized to INTERNAL so
// driver and upstream details never reach clients.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var e *gateway.Error
	if !errors.As(err, &e) {
		slog.LogAttrs(r.Context(), slog.LevelError, "unclassified error",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		e = gateway.ErrInternal
	}
	writeJSON(w, e.Code.HTTPStatus(), errorEnvelope{
		Error:       e.Message,
		Code:        string(e.Code),
		Retryable:   e.Retryable,
		Suggestions: e.Suggestions,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	})
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// maxBody caps request body sizes (1 MB covers the token budget of every
// tier with generous slack).
const maxBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, r, gateway.ErrBadRequest.WithMessage("invalid request body"))
		return false
	}
	return true
}
