// Package storage defines persistence interfaces for the gateway. The core
// consumes these abstractly; the sqlite subpackage is the reference
// implementation. Every operation enforces userID filtering at the store
// layer -- the core does not trust its own gating.
package storage

import (
	"context"
	"time"

	gateway "github.com/torii-gw/torii/internal"
)

// ProfileStore manages user profile persistence and is the authoritative
// fallback behind the auth snapshot cache.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*gateway.UserProfile, error)
	// UpsertProfile materializes a profile on first authenticated request.
	UpsertProfile(ctx context.Context, p *gateway.UserProfile) error
	// SetBan updates ban state; until=nil means permanent.
	SetBan(ctx context.Context, userID string, banned bool, until *time.Time) error
}

// ConversationStore manages sessions, messages, and annotations.
type ConversationStore interface {
	CreateSessionIfMissing(ctx context.Context, sessionID, userID, title string) error
	// AppendMessages is idempotent on message ID. It computes attachment
	// rollups from the linked IDs and updates the session's denormalized
	// counters in the same transaction.
	AppendMessages(ctx context.Context, sessionID, userID string, msgs []gateway.StoredMessage, linkAttachmentIDs []string) error
	PersistAnnotations(ctx context.Context, userID, sessionID, messageID string, anns []gateway.Annotation) error
	ReadMessages(ctx context.Context, sessionID, userID string) ([]gateway.StoredMessage, error)
	// SearchConversations returns matches in title/preview/content classes
	// ordered by last message timestamp descending.
	SearchConversations(ctx context.Context, userID, pattern string, limit int) ([]gateway.SearchResult, error)
}

// AttachmentStore manages attachment rows. Blob bytes live elsewhere.
type AttachmentStore interface {
	CreateAttachment(ctx context.Context, a *gateway.Attachment) error
	MarkAttachmentStatus(ctx context.Context, id, userID string, status gateway.AttachmentStatus) error
	// GetAttachments returns rows for the given IDs in the same order;
	// missing IDs are simply absent from the result.
	GetAttachments(ctx context.Context, ids []string) ([]*gateway.Attachment, error)
	// LinkAttachments binds unlinked rows owned by userID to messageID,
	// at most gateway.MaxAttachmentsPerMessage per call. Returns the number
	// of rows actually linked.
	LinkAttachments(ctx context.Context, userID, messageID string, ids []string) (int, error)
	// DeleteExpiredUnlinked removes rows never linked to a message that are
	// older than the cutoff, returning them so blobs can be reaped.
	DeleteExpiredUnlinked(ctx context.Context, cutoff time.Time) ([]gateway.Attachment, error)
}

// UsageStore manages usage event persistence.
type UsageStore interface {
	InsertUsage(ctx context.Context, events []gateway.UsageEvent) error
}

// Store combines all storage interfaces.
type Store interface {
	ProfileStore
	ConversationStore
	AttachmentStore
	UsageStore
	Ping(ctx context.Context) error
	Close() error
}
