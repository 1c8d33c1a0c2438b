package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	gateway "github.com/torii-gw/torii/internal"
)

// CreateAttachment inserts a new attachment row.
func (s *Store) CreateAttachment(ctx context.Context, a *gateway.Attachment) error {
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO attachments (id, user_id, mime, storage_bucket, storage_path, status, session_id, message_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.Mime, a.StorageBucket, a.StoragePath, a.Status,
		a.SessionID, a.MessageID, createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

// MarkAttachmentStatus transitions an attachment's upload status. The userID
// filter keeps callers from flipping rows they do not own.
func (s *Store) MarkAttachmentStatus(ctx context.Context, id, userID string, status gateway.AttachmentStatus) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE attachments SET status = ? WHERE id = ? AND user_id = ?`,
		status, id, userID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return gateway.ErrNotFound
	}
	return nil
}

// GetAttachments returns rows for the given IDs in input order. IDs with no
// row are absent from the result; the caller decides whether that is fatal.
func (s *Store) GetAttachments(ctx context.Context, ids []string) ([]*gateway.Attachment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.read.QueryContext(ctx,
		`SELECT id, user_id, mime, storage_bucket, storage_path, status, session_id, message_id, created_at
		 FROM attachments WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]*gateway.Attachment, len(ids))
	for rows.Next() {
		var (
			a         gateway.Attachment
			messageID sql.NullString
			createdAt string
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.Mime, &a.StorageBucket, &a.StoragePath,
			&a.Status, &a.SessionID, &messageID, &createdAt); err != nil {
			return nil, err
		}
		if messageID.Valid {
			a.MessageID = &messageID.String
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		byID[a.ID] = &a
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*gateway.Attachment, 0, len(ids))
	for _, id := range ids {
		if a, ok := byID[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

// DeleteExpiredUnlinked removes attachments never linked to a message that
// were created before cutoff, returning the removed rows so the caller can
// reap the blobs.
func (s *Store) DeleteExpiredUnlinked(ctx context.Context, cutoff time.Time) ([]gateway.Attachment, error) {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, user_id, mime, storage_bucket, storage_path, status, session_id, created_at
		 FROM attachments WHERE message_id IS NULL AND created_at < ?`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}

	var out []gateway.Attachment
	for rows.Next() {
		var (
			a         gateway.Attachment
			createdAt string
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.Mime, &a.StorageBucket, &a.StoragePath,
			&a.Status, &a.SessionID, &createdAt); err != nil {
			rows.Close()
			return nil, err
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM attachments WHERE message_id IS NULL AND created_at < ?`,
		cutoff.UTC().Format(time.RFC3339)); err != nil {
		return nil, err
	}
	return out, tx.Commit()
}
