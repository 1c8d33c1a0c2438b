// Package ratelimit enforces per-subject sliding-window request limits. Each
// endpoint carries a cost class (A through D) and each caller a subscription
// tier; the class/tier pair selects the hourly budget. Windows live in the
// shared key-value store so limits hold across gateway replicas.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gateway "github.com/torii-gw/torii/internal"
)

// Class is an endpoint's cost class. A is the most expensive per request and
// the most restrictive.
type Class string

const (
	ClassChat    Class = "A"
	ClassStorage Class = "B"
	ClassCRUD    Class = "C"
	ClassAdmin   Class = "D"
)

// DefaultWindow is the sliding-window span.
const DefaultWindow = time.Hour

// Limits maps class then tier to the per-window budget. A zero or missing
// entry denies outright.
type Limits map[string]map[gateway.Tier]int64

// Result is the outcome of one limit check, carrying everything the HTTP
// layer needs for the X-RateLimit-* headers.
type Result struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration // zero unless rejected
	Reset      time.Time
	Degraded   bool // backend was down; the check failed open
}

// Window records an event in a sliding window and reports its state.
type Window interface {
	// Take appends an event at key, drops entries older than the window,
	// and returns the in-window count. When the count exceeds limit the
	// event is removed again and earliest is the oldest surviving entry,
	// which determines when capacity frees up.
	Take(ctx context.Context, key string, window time.Duration, limit int64) (count int64, earliest time.Time, err error)
}

// Limiter checks sliding-window budgets against a Window backend.
type Limiter struct {
	window Window
	limits Limits
	span   time.Duration
}

// New builds a Limiter. span <= 0 selects DefaultWindow.
func New(window Window, limits Limits, span time.Duration) *Limiter {
	if span <= 0 {
		span = DefaultWindow
	}
	return &Limiter{window: window, limits: limits, span: span}
}

func bucketKey(class Class, tier gateway.Tier, subject string) string {
	return fmt.Sprintf("rate_limit:%s:%s:%s", class, tier, subject)
}

// Check consumes one slot for subject in the given class/tier bucket. A zero
// budget denies without touching the backend. A backend failure fails open:
// limiting is protection, not correctness, and an outage must not take chat
// down with it.
func (l *Limiter) Check(ctx context.Context, class Class, tier gateway.Tier, subject string) Result {
	limit := l.limits[string(class)][tier]
	if limit <= 0 {
		return Result{Allowed: false, Limit: 0, Reset: time.Now().Add(l.span)}
	}

	now := time.Now()
	count, earliest, err := l.window.Take(ctx, bucketKey(class, tier, subject), l.span, limit)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "rate limit backend unavailable, failing open",
			slog.String("class", string(class)),
			slog.String("tier", string(tier)),
			slog.String("error", err.Error()),
		)
		return Result{Allowed: true, Limit: limit, Remaining: limit, Reset: now.Add(l.span), Degraded: true}
	}

	if count > limit {
		reset := earliest.Add(l.span)
		retry := reset.Sub(now)
		if retry < 0 {
			retry = 0
		}
		return Result{Allowed: false, Limit: limit, Remaining: 0, RetryAfter: retry, Reset: reset}
	}
	return Result{Allowed: true, Limit: limit, Remaining: limit - count, Reset: now.Add(l.span)}
}
