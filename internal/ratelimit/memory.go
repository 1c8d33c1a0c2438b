package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryWindow is the single-process fallback backend, used in tests and in
// deployments without a shared cache. Limits enforced here do not span
// replicas.
type MemoryWindow struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
}

// NewMemoryWindow returns an empty in-process backend.
func NewMemoryWindow() *MemoryWindow {
	return &MemoryWindow{buckets: make(map[string][]time.Time)}
}

// Take mirrors the shared-store semantics: prune, append, count, and drop
// the appended event again when over the limit.
func (w *MemoryWindow) Take(_ context.Context, key string, window time.Duration, limit int64) (int64, time.Time, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-window)
	kept := w.buckets[key][:0]
	for _, ts := range w.buckets[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	count := int64(len(kept)) + 1
	if count > limit {
		w.buckets[key] = kept
		var earliest time.Time
		if len(kept) > 0 {
			earliest = kept[0]
		} else {
			earliest = now
		}
		return count, earliest, nil
	}

	w.buckets[key] = append(kept, now)
	return count, time.Time{}, nil
}
