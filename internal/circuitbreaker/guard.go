package circuitbreaker

import (
	"context"

	gateway "github.com/torii-gw/torii/internal"
	"github.com/torii-gw/torii/internal/router"
)

// Upstream is the slice of the Router client the guard wraps.
type Upstream interface {
	Complete(ctx context.Context, req *router.Request) (*router.Completion, error)
	Stream(ctx context.Context, req *router.Request) (<-chan router.StreamChunk, error)
}

// errShortCircuit is returned while the breaker is open. Retryable, so
// clients back off and retry instead of giving up.
var errShortCircuit = gateway.ErrUpstream.WithMessage("upstream temporarily unavailable")

// Guard wraps an Upstream with a circuit breaker. Failed opens and failed
// streams feed the breaker; while open, calls fail without touching the
// network.
type Guard struct {
	next Upstream
	b    *Breaker
}

// NewGuard wraps next.
func NewGuard(next Upstream, cfg Config) *Guard {
	return &Guard{next: next, b: NewBreaker(cfg)}
}

// State exposes the breaker position for readiness reporting.
func (g *Guard) State() State { return g.b.State() }

// Complete proxies a buffered completion through the breaker.
func (g *Guard) Complete(ctx context.Context, req *router.Request) (*router.Completion, error) {
	if !g.b.Allow() {
		return nil, errShortCircuit
	}
	comp, err := g.next.Complete(ctx, req)
	if err != nil {
		g.b.RecordError(Weight(err))
		return nil, err
	}
	g.b.RecordSuccess()
	return comp, nil
}

// Stream proxies a streaming completion. The open is scored immediately;
// the terminal chunk scores the stream itself, so a stream that dies
// mid-flight counts against the upstream.
func (g *Guard) Stream(ctx context.Context, req *router.Request) (<-chan router.StreamChunk, error) {
	if !g.b.Allow() {
		return nil, errShortCircuit
	}
	ch, err := g.next.Stream(ctx, req)
	if err != nil {
		g.b.RecordError(Weight(err))
		return nil, err
	}

	out := make(chan router.StreamChunk)
	go func() {
		defer close(out)
		scored := false
		for chunk := range ch {
			if chunk.Err != nil && !scored {
				g.b.RecordError(Weight(chunk.Err))
				scored = true
			} else if chunk.Done && !scored {
				g.b.RecordSuccess()
				scored = true
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
