package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/torii-gw/torii/internal"
)

const (
	usageChanSize   = 1000
	usageBatchSize  = 100
	usageFlushEvery = 5 * time.Second
	usageDrainTime  = 30 * time.Second
)

// UsageStore is the persistence interface consumed by UsageRecorder.
type UsageStore interface {
	InsertUsage(ctx context.Context, events []gateway.UsageEvent) error
}

// UsageRecorder buffers usage events and batch-flushes them to the store.
// Events are dropped if the channel is full (back-pressure on slow DB);
// accounting must never slow down or fail a chat request.
type UsageRecorder struct {
	ch    chan gateway.UsageEvent
	store UsageStore
}

// NewUsageRecorder creates a UsageRecorder backed by store.
func NewUsageRecorder(store UsageStore) *UsageRecorder {
	return &UsageRecorder{
		ch:    make(chan gateway.UsageEvent, usageChanSize),
		store: store,
	}
}

// Record enqueues a usage event. It never blocks; drops on full channel.
func (u *UsageRecorder) Record(ev gateway.UsageEvent) {
	select {
	case u.ch <- ev:
	default:
		slog.Warn("usage event dropped, channel full")
	}
}

// Run processes events until ctx is cancelled, then drains remaining events.
func (u *UsageRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(usageFlushEvery)
	defer ticker.Stop()

	buf := make([]gateway.UsageEvent, 0, usageBatchSize)

	for {
		select {
		case ev := <-u.ch:
			buf = append(buf, ev)
			if len(buf) >= usageBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			// Drain remaining events with a timeout.
			u.drain(buf)
			return nil
		}
	}
}

func (u *UsageRecorder) drain(buf []gateway.UsageEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), usageDrainTime)
	defer cancel()

	for {
		select {
		case ev := <-u.ch:
			buf = append(buf, ev)
			if len(buf) >= usageBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			// Channel empty, flush remaining.
			if len(buf) > 0 {
				u.flush(ctx, buf)
			}
			return
		}
	}
}

func (u *UsageRecorder) flush(ctx context.Context, buf []gateway.UsageEvent) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]gateway.UsageEvent, len(buf))
	copy(batch, buf)

	// Assign IDs and timestamps off the hot path where callers left them empty.
	now := time.Now().UTC()
	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.Must(uuid.NewV7()).String()
		}
		if batch[i].CreatedAt.IsZero() {
			batch[i].CreatedAt = now
		}
	}

	if err := u.store.InsertUsage(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
