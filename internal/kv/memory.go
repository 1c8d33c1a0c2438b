package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
)

const memoryMaxEntries = 100_000

// entry wraps a cached value with its expiration time.
type entry struct {
	data      []byte
	expiresAt time.Time
}

// Memory is an in-process W-TinyLFU store backed by otter. It satisfies the
// Store contract for single-instance deployments and tests; it provides no
// cross-instance sharing.
type Memory struct {
	cache *otter.Cache[string, entry]
}

// NewMemory creates an in-memory store.
func NewMemory() (*Memory, error) {
	c, err := otter.New[string, entry](&otter.Options[string, entry]{
		MaximumSize:      memoryMaxEntries,
		ExpiryCalculator: otter.ExpiryWriting[string, entry](time.Hour),
	})
	if err != nil {
		return nil, fmt.Errorf("create memory kv: %w", err)
	}
	return &Memory{cache: c}, nil
}

// Get retrieves a value if present and not expired.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := m.cache.GetIfPresent(key)
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(e.expiresAt) {
		m.cache.Invalidate(key)
		return nil, false, nil
	}
	return e.data, true, nil
}

// Set stores a value with per-entry TTL.
func (m *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	m.cache.Set(key, entry{data: val, expiresAt: time.Now().Add(ttl)})
	return nil
}

// Delete removes a value.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.cache.Invalidate(key)
	return nil
}

// Ping always succeeds for the in-process store.
func (m *Memory) Ping(context.Context) error { return nil }
