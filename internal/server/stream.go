package server

import (
	"net/http"
	"time"

	gateway "github.com/torii-gw/torii/internal"
)

// streamCT is written before the first upstream byte. The stream is plain
// text with inline marker lines and a trailing metadata envelope, not SSE.
var streamCT = []string{"text/plain; charset=utf-8"}

func (s *server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, auth, ok := s.decodeChat(w, r)
	if !ok {
		return
	}

	start := time.Now()
	sess, err := s.deps.Chat.OpenStream(r.Context(), req, auth)
	if err != nil {
		// Pre-first-byte failures are plain HTTP errors; the inline error
		// envelope is only for failures after streaming has begun.
		s.countOutcome(chatOutcome(err), auth)
		writeError(w, r, err)
		return
	}

	h := w.Header()
	h["Content-Type"] = streamCT
	h["Cache-Control"] = []string{"no-cache"}
	h["X-Accel-Buffering"] = []string{"no"}
	h["X-Streaming"] = []string{"true"}
	h[modelHeader] = []string{sess.ModelID}
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	res, err := sess.Run(r.Context(), w)
	s.countOutcome(res.Outcome, auth)
	if err != nil {
		// The wire already carries the error envelope (or the client is
		// gone); nothing more can be written here.
		return
	}
	if res.Outcome == gateway.OutcomeOK && s.deps.Metrics != nil {
		s.deps.Metrics.StreamTTFB.WithLabelValues(sess.ModelID).Observe(time.Since(start).Seconds())
		s.deps.Metrics.TokensProcessed.WithLabelValues(sess.ModelID, "input").Add(float64(res.Usage.PromptTokens))
		s.deps.Metrics.TokensProcessed.WithLabelValues(sess.ModelID, "output").Add(float64(res.Usage.CompletionTokens))
	}
}
