// Package blob abstracts the image attachment store: uploads, deletions, and
// short-lived signed read URLs.
package blob

import (
	"context"
	"io"
	"time"
)

// MaxSigningTTL caps signed URL lifetimes.
const MaxSigningTTL = 300 * time.Second

// Store is the attachment blob surface the gateway depends on.
type Store interface {
	// Put writes an object and returns nothing; the caller owns choosing
	// bucket and path.
	Put(ctx context.Context, bucket, path, contentType string, r io.Reader) error
	// Delete removes an object. Missing objects are not an error.
	Delete(ctx context.Context, bucket, path string) error
	// SignedURL mints a read URL valid for ttl, capped at MaxSigningTTL.
	SignedURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error)
}

// clampTTL applies the signing cap; ttl <= 0 selects the cap itself.
func clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > MaxSigningTTL {
		return MaxSigningTTL
	}
	return ttl
}
