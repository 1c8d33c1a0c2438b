// Package auth resolves the caller's identity and capabilities: session or
// bearer credentials are verified against the identity provider, the user's
// tier and ban state come from a cached auth snapshot, and feature flags are
// derived from the tier.
package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	gateway "github.com/torii-gw/torii/internal"
	"github.com/torii-gw/torii/internal/kv"
)

// DefaultSnapshotTTL applies when neither the call nor the configuration
// provides one.
const DefaultSnapshotTTL = 900 * time.Second

const snapshotKeyPrefix = "auth:snapshot:user:"

// ProfileSource loads the authoritative profile when the cache misses.
type ProfileSource interface {
	GetProfile(ctx context.Context, userID string) (*gateway.UserProfile, error)
}

// SnapshotCache is the cache-through view of per-user auth attributes. A
// broken cache backend degrades to direct profile reads; it never fails a
// request on its own.
type SnapshotCache struct {
	cache    kv.Store
	profiles ProfileSource
	ttl      time.Duration
}

// NewSnapshotCache returns a SnapshotCache. ttl <= 0 selects
// DefaultSnapshotTTL.
func NewSnapshotCache(cache kv.Store, profiles ProfileSource, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &SnapshotCache{cache: cache, profiles: profiles, ttl: ttl}
}

func snapshotKey(userID string) string { return snapshotKeyPrefix + userID }

// Get returns the snapshot for userID, reading through to the profile store
// on a miss and writing the result behind. Entries with a stale schema
// version are treated as misses.
func (s *SnapshotCache) Get(ctx context.Context, userID string) (*gateway.AuthSnapshot, error) {
	return s.GetWithTTL(ctx, userID, 0)
}

// GetWithTTL is Get with a per-call TTL override; ttl <= 0 uses the
// configured one.
func (s *SnapshotCache) GetWithTTL(ctx context.Context, userID string, ttl time.Duration) (*gateway.AuthSnapshot, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	key := snapshotKey(userID)

	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "auth snapshot cache read failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	} else if ok {
		var snap gateway.AuthSnapshot
		if jsonErr := json.Unmarshal(raw, &snap); jsonErr == nil && snap.Version == gateway.SnapshotVersion {
			return &snap, nil
		}
		// Undecodable or old-schema entry: drop it and refetch.
		_ = s.cache.Delete(ctx, key)
	}

	profile, err := s.profiles.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	snap := &gateway.AuthSnapshot{
		Tier:        profile.Tier,
		AccountType: profile.AccountType,
		Banned:      profile.Banned,
		BannedUntil: profile.BannedUntil,
		UpdatedAt:   time.Now().UTC(),
		Version:     gateway.SnapshotVersion,
	}

	if raw, err := json.Marshal(snap); err == nil {
		if err := s.cache.Set(ctx, key, raw, ttl); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "auth snapshot cache write failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}
	return snap, nil
}

// Invalidate drops the cached snapshot, used after ban/unban and tier
// changes.
func (s *SnapshotCache) Invalidate(ctx context.Context, userID string) error {
	return s.cache.Delete(ctx, snapshotKey(userID))
}
