package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/torii-gw/torii/internal/blob"
	"github.com/torii-gw/torii/internal/storage"
)

const (
	defaultReapEvery  = time.Hour
	defaultReapMaxAge = 24 * time.Hour
)

// AttachmentReaper deletes attachments that were uploaded but never linked to
// a message. Rows are removed first; orphaned blobs whose delete fails are
// retried implicitly because the reap is idempotent on the blob side.
type AttachmentReaper struct {
	store  storage.AttachmentStore
	blobs  blob.Store
	maxAge time.Duration
	every  time.Duration
}

// NewAttachmentReaper creates a reaper for unlinked attachments older than
// maxAge, checked at the given interval.
func NewAttachmentReaper(store storage.AttachmentStore, blobs blob.Store, maxAge, every time.Duration) *AttachmentReaper {
	if maxAge <= 0 {
		maxAge = defaultReapMaxAge
	}
	if every <= 0 {
		every = defaultReapEvery
	}
	return &AttachmentReaper{store: store, blobs: blobs, maxAge: maxAge, every: every}
}

// Run reaps on every tick until ctx is cancelled.
func (r *AttachmentReaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Reap(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// Reap deletes one batch of expired unlinked attachments and their blobs.
// It returns the number of rows removed; exported so the internal cleanup
// endpoint can trigger a pass on demand.
func (r *AttachmentReaper) Reap(ctx context.Context) int {
	cutoff := time.Now().Add(-r.maxAge)
	rows, err := r.store.DeleteExpiredUnlinked(ctx, cutoff)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "attachment reap failed",
			slog.String("error", err.Error()),
		)
		return 0
	}
	for _, a := range rows {
		if err := r.blobs.Delete(ctx, a.StorageBucket, a.StoragePath); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "attachment blob delete failed",
				slog.String("attachment_id", a.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if len(rows) > 0 {
		slog.LogAttrs(ctx, slog.LevelInfo, "attachments reaped",
			slog.Int("count", len(rows)),
		)
	}
	return len(rows)
}
