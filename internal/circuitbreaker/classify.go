package circuitbreaker

import (
	"context"
	"errors"
	"net"
	"os"

	"github.com/torii-gw/torii/internal/router"
)

// Weight scores an upstream failure for the sliding window.
//
//   - client cancellation          -> 0 (not the upstream's fault)
//   - timeout                      -> 1.5
//   - 429                          -> 0.5
//   - 5xx, network errors, unknown -> 1.0
//   - other 4xx                    -> 0 (bad request, upstream is healthy)
func Weight(err error) float64 {
	if err == nil {
		return 0
	}
	if errors.Is(err, context.Canceled) {
		return 0
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return 1.5
	}
	var api *router.APIError
	if errors.As(err, &api) {
		return statusWeight(api.StatusCode)
	}
	var ne *net.OpError
	if errors.As(err, &ne) {
		return 1.0
	}
	return 1.0
}

func statusWeight(code int) float64 {
	switch {
	case code == 429:
		return 0.5
	case code >= 500:
		return 1.0
	default:
		return 0
	}
}
