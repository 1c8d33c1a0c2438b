// Package kv provides the shared key-value store used for auth snapshots
// and other cross-instance cached state. The Redis implementation is the
// production backend; Memory is the in-process fallback for dev and tests.
package kv

import (
	"context"
	"time"
)

// Store is the interface for the shared cache.
//
// Implementations must treat a miss as (nil, false, nil); the error return
// signals backend unavailability, which callers degrade around rather than
// failing the request.
type Store interface {
	// Get retrieves a value by key.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores a value with the given TTL.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	// Delete removes a value.
	Delete(ctx context.Context, key string) error
	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error
}
