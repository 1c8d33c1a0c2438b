package router

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxErrorBody bounds how much of an upstream error body is captured.
const maxErrorBody = 2048

// APIError is a structured non-2xx response from Router: status, Router's
// own request id, its rate-limit headers, and a bounded body preview.
type APIError struct {
	StatusCode         int
	UpstreamRequestID  string
	RateLimitRemaining string
	RateLimitReset     string
	Body               string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("router: HTTP %d (upstream request %s): %s", e.StatusCode, e.UpstreamRequestID, e.Body)
}

// ParseAPIError drains up to 2KB of resp's body into an APIError. The caller
// still owns closing the body.
func ParseAPIError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &APIError{
		StatusCode:         resp.StatusCode,
		UpstreamRequestID:  resp.Header.Get("X-Request-Id"),
		RateLimitRemaining: resp.Header.Get("X-Ratelimit-Remaining"),
		RateLimitReset:     resp.Header.Get("X-Ratelimit-Reset"),
		Body:               string(body),
	}
}

// IsModelNotFound reports whether the upstream rejection names a missing
// model, which the gateway surfaces as MODEL_UNAVAILABLE.
func (e *APIError) IsModelNotFound() bool {
	if e.StatusCode != http.StatusNotFound && e.StatusCode != http.StatusBadRequest {
		return false
	}
	body := strings.ToLower(e.Body)
	return strings.Contains(body, "model") &&
		(strings.Contains(body, "not found") || strings.Contains(body, "not a valid model") || strings.Contains(body, "does not exist"))
}
