package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	gateway "github.com/torii-gw/torii/internal"
)

const previewLen = 120

// CreateSessionIfMissing inserts a session row if none exists. An existing
// session owned by a different user is an ownership violation.
func (s *Store) CreateSessionIfMissing(ctx context.Context, sessionID, userID, title string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.write.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, user_id, title, last_message_timestamp, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sessionID, userID, title, now, now,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var owner string
	err = s.read.QueryRowContext(ctx, `SELECT user_id FROM sessions WHERE id = ?`, sessionID).Scan(&owner)
	if err != nil {
		return err
	}
	if owner != userID {
		return gateway.ErrForbidden
	}
	return nil
}

// AppendMessages inserts messages idempotently (by message ID), links pending
// attachments to the last user message, computes attachment rollups, and
// updates the session counters -- all in one transaction.
func (s *Store) AppendMessages(ctx context.Context, sessionID, userID string, msgs []gateway.StoredMessage, linkAttachmentIDs []string) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var owner string
	err = tx.QueryRowContext(ctx, `SELECT user_id FROM sessions WHERE id = ?`, sessionID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.ErrNotFound
	}
	if err != nil {
		return err
	}
	if owner != userID {
		return gateway.ErrForbidden
	}

	var (
		inserted    int
		addedTokens int
		lastMsg     gateway.StoredMessage
		lastUserID  string // message ID of the last inserted user-role message
	)
	for _, m := range msgs {
		createdAt := m.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO messages
			 (id, session_id, user_id, role, content, tokens, has_attachments, attachment_count, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?)`,
			m.ID, sessionID, userID, m.Role, m.Content, m.Tokens,
			createdAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			inserted++
			addedTokens += m.Tokens
			lastMsg = m
			if m.Role == "user" {
				lastUserID = m.ID
			}
		}
	}

	if inserted == 0 {
		// Full replay of an earlier call; nothing to roll up.
		return tx.Commit()
	}

	if len(linkAttachmentIDs) > 0 && lastUserID != "" {
		linked, err := linkInTx(ctx, tx, userID, sessionID, lastUserID, linkAttachmentIDs)
		if err != nil {
			return err
		}
		if linked > 0 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE messages SET has_attachments = 1, attachment_count = ? WHERE id = ?`,
				linked, lastUserID,
			); err != nil {
				return err
			}
		}
	}

	preview := trimPreview(lastMsg.Content)
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET
			message_count = message_count + ?,
			total_tokens = total_tokens + ?,
			last_message_preview = ?,
			last_message_timestamp = ?
		 WHERE id = ?`,
		inserted, addedTokens, preview, time.Now().UTC().Format(time.RFC3339), sessionID,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// trimPreview caps the session preview at previewLen bytes, backing up to a
// rune boundary so multibyte content never gets split mid-sequence.
func trimPreview(s string) string {
	if len(s) <= previewLen {
		return s
	}
	cut := previewLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// linkInTx binds still-unlinked attachment rows owned by userID to messageID,
// capped at MaxAttachmentsPerMessage. The nested SELECT makes "only unlinked,
// only up to N" a single atomic statement.
func linkInTx(ctx context.Context, tx *sql.Tx, userID, sessionID, messageID string, ids []string) (int, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, 0, len(ids)+4)
	args = append(args, messageID, sessionID)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, userID, gateway.MaxAttachmentsPerMessage)

	res, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE attachments SET message_id = ?, session_id = ?
		 WHERE id IN (
			SELECT id FROM attachments
			WHERE id IN (%s) AND user_id = ? AND message_id IS NULL AND status = 'ready'
			LIMIT ?
		 )`, placeholders), args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// LinkAttachments is the standalone variant of the in-transaction link, used
// by the persistence facade when messages were stored earlier.
func (s *Store) LinkAttachments(ctx context.Context, userID, messageID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var sessionID string
	err = tx.QueryRowContext(ctx,
		`SELECT session_id FROM messages WHERE id = ? AND user_id = ?`, messageID, userID,
	).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, gateway.ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	linked, err := linkInTx(ctx, tx, userID, sessionID, messageID, ids)
	if err != nil {
		return 0, err
	}
	if linked > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET has_attachments = 1, attachment_count = ? WHERE id = ?`,
			linked, messageID,
		); err != nil {
			return 0, err
		}
	}
	return linked, tx.Commit()
}

// PersistAnnotations stores URL citations for a message, deduplicating by
// (message, url) via the unique index.
func (s *Store) PersistAnnotations(ctx context.Context, userID, sessionID, messageID string, anns []gateway.Annotation) error {
	if len(anns) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, a := range anns {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO annotations
			 (id, user_id, session_id, message_id, type, url, title, content, start_index, end_index, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.Must(uuid.NewV7()).String(), userID, sessionID, messageID,
			a.Type, a.URL, a.Title, a.Content, nullInt(a.StartIndex), nullInt(a.EndIndex), now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ReadMessages returns all messages for a session owned by userID, oldest
// first. Ownership filtering happens in the query itself.
func (s *Store) ReadMessages(ctx context.Context, sessionID, userID string) ([]gateway.StoredMessage, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, session_id, user_id, role, content, tokens, has_attachments, attachment_count, created_at
		 FROM messages WHERE session_id = ? AND user_id = ?
		 ORDER BY created_at, id`, sessionID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.StoredMessage
	for rows.Next() {
		var (
			m         gateway.StoredMessage
			hasAtt    int
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &m.Role, &m.Content,
			&m.Tokens, &hasAtt, &m.AttachmentCount, &createdAt); err != nil {
			return nil, err
		}
		m.HasAttachments = hasAtt == 1
		m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// SearchConversations matches the pattern against session titles, previews,
// and message content. SQLite has no dedicated search function in this
// schema, so LIKE is the stable fallback path; each session appears once,
// classified by its strongest match (title > preview > content).
func (s *Store) SearchConversations(ctx context.Context, userID, pattern string, limit int) ([]gateway.SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	like := "%" + escapeLike(pattern) + "%"

	rows, err := s.read.QueryContext(ctx,
		`SELECT session_id, title, class, snippet, last_message_timestamp FROM (
			SELECT s.id AS session_id, s.title AS title, 'title' AS class, s.title AS snippet,
			       s.last_message_timestamp, 1 AS prio
			FROM sessions s
			WHERE s.user_id = ?1 AND s.title LIKE ?2 ESCAPE '\'
			UNION ALL
			SELECT s.id, s.title, 'preview', s.last_message_preview, s.last_message_timestamp, 2
			FROM sessions s
			WHERE s.user_id = ?1 AND s.last_message_preview LIKE ?2 ESCAPE '\'
			UNION ALL
			SELECT m.session_id, s.title, 'content', substr(m.content, 1, 160), s.last_message_timestamp, 3
			FROM messages m JOIN sessions s ON s.id = m.session_id
			WHERE m.user_id = ?1 AND m.content LIKE ?2 ESCAPE '\'
		 )
		 ORDER BY last_message_timestamp DESC, prio`,
		userID, like)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	var out []gateway.SearchResult
	for rows.Next() {
		var (
			r  gateway.SearchResult
			ts string
		)
		if err := rows.Scan(&r.SessionID, &r.Title, &r.MatchClass, &r.Snippet, &ts); err != nil {
			return nil, err
		}
		if _, dup := seen[r.SessionID]; dup {
			continue
		}
		seen[r.SessionID] = struct{}{}
		r.LastMessageTimestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
