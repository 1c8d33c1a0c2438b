package sqlite

import (
	"context"
	"strings"
	"time"

	gateway "github.com/torii-gw/torii/internal"
)

// InsertUsage batch-inserts usage events.
func (s *Store) InsertUsage(ctx context.Context, events []gateway.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 12
	placeholders := make([]string, len(events))
	args := make([]any, 0, len(events)*cols)

	for i, e := range events {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			e.ID, e.UserID, e.IPHash, e.Tier, e.ModelID,
			e.InputTokens, e.OutputTokens, e.CostMilliCents,
			e.ElapsedMS, e.Outcome, e.RequestID,
			e.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO usage_events
		(id, user_id, ip_hash, tier, model_id, input_tokens, output_tokens,
		 cost_millicents, elapsed_ms, outcome, request_id, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}
