package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/torii-gw/torii/internal/catalog"
)

const defaultRefreshEvery = 5 * time.Minute

// CatalogRefresher keeps the model catalog warm so request-path reads never
// pay for a Router round trip. Refresh failures are logged and retried on the
// next tick; the catalog keeps serving its last good snapshot meanwhile.
type CatalogRefresher struct {
	catalog *catalog.Catalog
	every   time.Duration
}

// NewCatalogRefresher creates a refresher ticking at the given interval.
func NewCatalogRefresher(cat *catalog.Catalog, every time.Duration) *CatalogRefresher {
	if every <= 0 {
		every = defaultRefreshEvery
	}
	return &CatalogRefresher{catalog: cat, every: every}
}

// Run refreshes immediately, then on every tick until ctx is cancelled.
func (c *CatalogRefresher) Run(ctx context.Context) error {
	c.refresh(ctx)

	ticker := time.NewTicker(c.every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.refresh(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *CatalogRefresher) refresh(ctx context.Context) {
	if err := c.catalog.Refresh(ctx); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "catalog refresh failed",
			slog.String("error", err.Error()),
		)
	}
}
