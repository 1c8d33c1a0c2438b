package server

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	gateway "github.com/torii-gw/torii/internal"
)

// validate holds the struct validator shared by all handlers. The rules live
// on the request types as `validate` tags.
var validate = validator.New(validator.WithRequiredStructEnabled())

// modelHeader carries the model that actually served the request, which may
// differ from the requested one after a downgrade.
const modelHeader = "X-Model"

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, auth, ok := s.decodeChat(w, r)
	if !ok {
		return
	}

	start := time.Now()
	resp, err := s.deps.Chat.Complete(r.Context(), req, auth)
	if err != nil {
		s.countOutcome(chatOutcome(err), auth)
		writeError(w, r, err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.UpstreamDuration.WithLabelValues(resp.Model).Observe(time.Since(start).Seconds())
		s.deps.Metrics.TokensProcessed.WithLabelValues(resp.Model, "input").Add(float64(resp.Usage.PromptTokens))
		s.deps.Metrics.TokensProcessed.WithLabelValues(resp.Model, "output").Add(float64(resp.Usage.CompletionTokens))
	}
	s.countOutcome(gateway.OutcomeOK, auth)

	w.Header()[modelHeader] = []string{resp.Model}
	writeJSON(w, http.StatusOK, resp)
}

// decodeChat decodes and structurally validates a chat payload. Tier gating
// happens later in the app layer; this is shape only.
func (s *server) decodeChat(w http.ResponseWriter, r *http.Request) (*gateway.ChatRequest, *gateway.AuthContext, bool) {
	auth := gateway.AuthFromContext(r.Context())
	var req gateway.ChatRequest
	if !decodeJSON(w, r, &req) {
		return nil, nil, false
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, r, gateway.ErrBadRequest.WithMessage("invalid request: "+err.Error()))
		return nil, nil, false
	}
	return &req, auth, true
}

func (s *server) countOutcome(outcome gateway.Outcome, auth *gateway.AuthContext) {
	if s.deps.Metrics == nil {
		return
	}
	s.deps.Metrics.ChatOutcomes.WithLabelValues(string(outcome), string(auth.Tier())).Inc()
}

// chatOutcome classifies a failed chat call for the outcome counter. Usage
// accounting does its own classification in the app layer; this only feeds
// metrics labels.
func chatOutcome(err error) gateway.Outcome {
	switch gateway.CodeOf(err) {
	case gateway.CodeUpstreamError, gateway.CodeUpstreamRejected, gateway.CodeModelUnavailable:
		return gateway.OutcomeUpstreamError
	default:
		return gateway.OutcomeRejected
	}
}
