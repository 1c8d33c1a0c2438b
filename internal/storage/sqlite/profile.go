package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	gateway "github.com/torii-gw/torii/internal"
)

// GetProfile returns a user profile by ID.
func (s *Store) GetProfile(ctx context.Context, userID string) (*gateway.UserProfile, error) {
	var (
		p           gateway.UserProfile
		banned      int
		bannedUntil sql.NullString
		createdAt   string
	)
	err := s.read.QueryRowContext(ctx,
		`SELECT id, email, tier, account_type, banned, banned_until, created_at
		 FROM profiles WHERE id = ?`, userID,
	).Scan(&p.ID, &p.Email, &p.Tier, &p.AccountType, &banned, &bannedUntil, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateway.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Banned = banned == 1
	if bannedUntil.Valid {
		t, err := time.Parse(time.RFC3339, bannedUntil.String)
		if err == nil {
			p.BannedUntil = &t
		}
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &p, nil
}

// UpsertProfile creates or refreshes a profile row. Tier and account type
// are only written on insert; admin operations own later changes.
func (s *Store) UpsertProfile(ctx context.Context, p *gateway.UserProfile) error {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO profiles (id, email, tier, account_type, banned, banned_until, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET email = excluded.email`,
		p.ID, p.Email, p.Tier, p.AccountType, boolToInt(p.Banned),
		nullTime(p.BannedUntil), createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

// SetBan updates ban state for a user.
func (s *Store) SetBan(ctx context.Context, userID string, banned bool, until *time.Time) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE profiles SET banned = ?, banned_until = ? WHERE id = ?`,
		boolToInt(banned), nullTime(until), userID,
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

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
