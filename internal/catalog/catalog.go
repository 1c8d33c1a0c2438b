// Package catalog maintains the process-wide cache of Router's model
// descriptors. Readers get an immutable snapshot; refreshes go through a
// singleflight fetch and publish a new snapshot atomically, so the hot path
// never takes a lock.
package catalog

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	gateway "github.com/torii-gw/torii/internal"
)

// DefaultTTL is the snapshot lifetime when none is configured.
const DefaultTTL = 5 * time.Minute

// fallbackMaxOutput caps computed output budgets when Router does not
// publish one: min(contextWindow/4, 8192).
const fallbackMaxOutput = 8192

// Fetcher retrieves the live model list from Router.
type Fetcher interface {
	FetchModels(ctx context.Context) ([]gateway.ModelDescriptor, error)
}

// TokenLimits is the per-model token budget pair.
type TokenLimits struct {
	MaxInputTokens  int
	MaxOutputTokens int
}

// Capabilities is the classification of a model.
type Capabilities struct {
	MultimodalInput  bool
	MultimodalOutput bool
	ReasoningCapable bool
	Free             bool
}

// snapshot is an immutable view of the catalog at one fetch.
type snapshot struct {
	models    []gateway.ModelDescriptor
	byID      map[string]*gateway.ModelDescriptor
	fetchedAt time.Time
}

// Catalog caches model descriptors with TTL-driven refresh.
type Catalog struct {
	fetcher Fetcher
	ttl     time.Duration
	snap    atomic.Pointer[snapshot]
	group   singleflight.Group
}

// New creates a Catalog. ttl <= 0 selects DefaultTTL.
func New(fetcher Fetcher, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Catalog{fetcher: fetcher, ttl: ttl}
}

// Active returns all non-deprecated models, refreshing the snapshot when
// stale. Concurrent callers on a miss share one upstream fetch. When a
// refresh fails but an old snapshot exists, the stale data is served --
// catalog staleness must not fail requests.
func (c *Catalog) Active(ctx context.Context) ([]gateway.ModelDescriptor, error) {
	s, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]gateway.ModelDescriptor, 0, len(s.models))
	for _, m := range s.models {
		if !m.Deprecated {
			out = append(out, m)
		}
	}
	return out, nil
}

// Get returns one model descriptor by ID.
func (c *Catalog) Get(ctx context.Context, id string) (*gateway.ModelDescriptor, bool) {
	s, err := c.current(ctx)
	if err != nil {
		return nil, false
	}
	m, ok := s.byID[id]
	return m, ok
}

// TokenLimits resolves the input/output budgets for a model. When Router
// does not publish an output limit the fallback policy applies.
func (c *Catalog) TokenLimits(ctx context.Context, id string) (TokenLimits, bool) {
	m, ok := c.Get(ctx, id)
	if !ok {
		return TokenLimits{}, false
	}
	out := m.MaxOutputTokens
	if out <= 0 {
		out = min(m.ContextWindow/4, fallbackMaxOutput)
	}
	return TokenLimits{MaxInputTokens: m.ContextWindow, MaxOutputTokens: out}, true
}

// Classify reports a model's capability set.
func (c *Catalog) Classify(ctx context.Context, id string) (Capabilities, bool) {
	m, ok := c.Get(ctx, id)
	if !ok {
		return Capabilities{}, false
	}
	caps := Capabilities{
		ReasoningCapable: m.SupportsReasoning,
		Free:             m.FreeVariant,
	}
	for _, mod := range m.InputModalities {
		if mod == gateway.ModalityImage {
			caps.MultimodalInput = true
		}
	}
	for _, mod := range m.OutputModalities {
		if mod == gateway.ModalityImage {
			caps.MultimodalOutput = true
		}
	}
	return caps, true
}

// FreeModelIDs returns the IDs of active free-variant models, used as the
// allowed set for anonymous and free tiers.
func (c *Catalog) FreeModelIDs(ctx context.Context) []string {
	models, err := c.Active(ctx)
	if err != nil {
		return nil
	}
	var out []string
	for _, m := range models {
		if m.FreeVariant {
			out = append(out, m.ID)
		}
	}
	return out
}

// ActiveModelIDs returns all active model IDs, used to pick a default model
// for wildcard grants that name no concrete entries.
func (c *Catalog) ActiveModelIDs(ctx context.Context) []string {
	models, err := c.Active(ctx)
	if err != nil {
		return nil
	}
	out := make([]string, len(models))
	for i, m := range models {
		out[i] = m.ID
	}
	return out
}

// Refresh forces a fetch and snapshot publish, for the background refresher.
func (c *Catalog) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (any, error) {
		return nil, c.fetch(ctx)
	})
	return err
}

func (c *Catalog) current(ctx context.Context) (*snapshot, error) {
	s := c.snap.Load()
	if s != nil && time.Since(s.fetchedAt) < c.ttl {
		return s, nil
	}

	_, err, _ := c.group.Do("refresh", func() (any, error) {
		// Re-check inside the flight: a concurrent caller may have
		// published a fresh snapshot while this one queued.
		if cur := c.snap.Load(); cur != nil && time.Since(cur.fetchedAt) < c.ttl {
			return nil, nil
		}
		return nil, c.fetch(ctx)
	})

	cur := c.snap.Load()
	if cur == nil {
		return nil, err
	}
	// Stale-but-present beats failing the request.
	return cur, nil
}

func (c *Catalog) fetch(ctx context.Context) error {
	models, err := c.fetcher.FetchModels(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]*gateway.ModelDescriptor, len(models))
	for i := range models {
		byID[models[i].ID] = &models[i]
	}
	c.snap.Store(&snapshot{models: models, byID: byID, fetchedAt: time.Now()})
	return nil
}
