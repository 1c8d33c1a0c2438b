package sqlite

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	gateway "github.com/torii-gw/torii/internal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProfileRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &gateway.UserProfile{
		ID: "u1", Email: "u1@example.com",
		Tier: gateway.TierPro, AccountType: gateway.AccountUser,
	}
	if err := s.UpsertProfile(ctx, p); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Tier != gateway.TierPro || got.Email != "u1@example.com" {
		t.Errorf("profile = %+v", got)
	}

	if _, err := s.GetProfile(ctx, "nope"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("missing profile err = %v, want NOT_FOUND", err)
	}
}

func TestSetBan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertProfile(ctx, &gateway.UserProfile{ID: "u1", Tier: gateway.TierFree, AccountType: gateway.AccountUser}); err != nil {
		t.Fatal(err)
	}
	until := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	if err := s.SetBan(ctx, "u1", true, &until); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Banned || got.BannedUntil == nil || !got.BannedUntil.Equal(until) {
		t.Errorf("ban state = %+v", got)
	}

	if err := s.SetBan(ctx, "u1", false, nil); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetProfile(ctx, "u1")
	if got.Banned {
		t.Error("unban not applied")
	}

	if err := s.SetBan(ctx, "ghost", true, nil); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("ban missing user = %v, want NOT_FOUND", err)
	}
}

func TestAppendAndReadMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSessionIfMissing(ctx, "sess1", "u1", "first chat"); err != nil {
		t.Fatal(err)
	}
	// Idempotent on session too.
	if err := s.CreateSessionIfMissing(ctx, "sess1", "u1", "other title"); err != nil {
		t.Fatal(err)
	}
	// Another user cannot adopt the session.
	if err := s.CreateSessionIfMissing(ctx, "sess1", "u2", "steal"); !errors.Is(err, gateway.ErrForbidden) {
		t.Errorf("cross-user session = %v, want FORBIDDEN", err)
	}

	msgs := []gateway.StoredMessage{
		{ID: "m1", Role: "user", Content: "hello there", Tokens: 3},
		{ID: "m2", Role: "assistant", Content: "hi! how can I help?", Tokens: 6},
	}
	if err := s.AppendMessages(ctx, "sess1", "u1", msgs, nil); err != nil {
		t.Fatal(err)
	}
	// Replay must be a no-op.
	if err := s.AppendMessages(ctx, "sess1", "u1", msgs, nil); err != nil {
		t.Fatal(err)
	}

	got, err := s.ReadMessages(ctx, "sess1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Content != "hello there" || got[1].Content != "hi! how can I help?" {
		t.Errorf("contents = %q, %q", got[0].Content, got[1].Content)
	}

	// Ownership filter at the store layer.
	other, err := s.ReadMessages(ctx, "sess1", "u2")
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Errorf("cross-user read returned %d messages", len(other))
	}
}

func TestPreviewTrimsOnRuneBoundary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSessionIfMissing(ctx, "s1", "u1", "unicode"); err != nil {
		t.Fatal(err)
	}
	// One leading ASCII byte shifts the CJK run so the byte cap lands inside
	// a rune.
	long := "a" + strings.Repeat("你好", 40)
	if err := s.AppendMessages(ctx, "s1", "u1", []gateway.StoredMessage{
		{ID: "m1", Role: "user", Content: long, Tokens: 61},
	}, nil); err != nil {
		t.Fatal(err)
	}

	var preview string
	if err := s.read.QueryRowContext(ctx,
		`SELECT last_message_preview FROM sessions WHERE id = ?`, "s1",
	).Scan(&preview); err != nil {
		t.Fatal(err)
	}
	if len(preview) > previewLen {
		t.Errorf("preview length = %d, want <= %d", len(preview), previewLen)
	}
	if !utf8.ValidString(preview) {
		t.Errorf("preview splits a rune: %q", preview)
	}
	if !strings.HasPrefix(long, preview) {
		t.Errorf("preview is not a prefix of the message: %q", preview)
	}
}

func TestAppendLinksAttachments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSessionIfMissing(ctx, "sess1", "u1", "chat"); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"a1", "a2", "a3", "a4"} {
		att := &gateway.Attachment{
			ID: id, UserID: "u1", Mime: "image/png",
			StorageBucket: "b", StoragePath: "p/" + id, Status: gateway.AttachmentReady,
		}
		if err := s.CreateAttachment(ctx, att); err != nil {
			t.Fatal(err)
		}
	}
	// One owned by someone else: must never link.
	if err := s.CreateAttachment(ctx, &gateway.Attachment{
		ID: "theirs", UserID: "u2", Mime: "image/png",
		StorageBucket: "b", StoragePath: "p/theirs", Status: gateway.AttachmentReady,
	}); err != nil {
		t.Fatal(err)
	}

	msgs := []gateway.StoredMessage{{ID: "m1", Role: "user", Content: "look at these", Tokens: 4}}
	// Five candidates: the foreign row is filtered, and the cap keeps it to 3.
	if err := s.AppendMessages(ctx, "sess1", "u1", msgs, []string{"a1", "a2", "a3", "a4", "theirs"}); err != nil {
		t.Fatal(err)
	}

	got, err := s.ReadMessages(ctx, "sess1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !got[0].HasAttachments || got[0].AttachmentCount != 3 {
		t.Errorf("rollup = hasAttachments %v count %d, want true/3", got[0].HasAttachments, got[0].AttachmentCount)
	}

	rows, err := s.GetAttachments(ctx, []string{"theirs"})
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].MessageID != nil {
		t.Error("foreign attachment was linked")
	}
}

func TestPersistAnnotationsDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	anns := []gateway.Annotation{
		{Type: "url_citation", URL: "https://a.example"},
		{Type: "url_citation", URL: "https://a.example", Title: "dup"},
		{Type: "url_citation", URL: "https://b.example"},
	}
	if err := s.PersistAnnotations(ctx, "u1", "sess1", "m1", anns); err != nil {
		t.Fatal(err)
	}
	var n int
	if err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM annotations WHERE message_id = 'm1'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("annotation rows = %d, want 2", n)
	}
}

func TestSearchConversations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSessionIfMissing(ctx, "s1", "u1", "rust borrow checker"); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendMessages(ctx, "s1", "u1", []gateway.StoredMessage{
		{ID: "m1", Role: "user", Content: "why does go have no generics drama anymore", Tokens: 9},
	}, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateSessionIfMissing(ctx, "s2", "u1", "cooking"); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendMessages(ctx, "s2", "u1", []gateway.StoredMessage{
		{ID: "m2", Role: "user", Content: "best pasta with rust-colored sauce", Tokens: 7},
	}, nil); err != nil {
		t.Fatal(err)
	}

	results, err := s.SearchConversations(ctx, "u1", "rust", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	classes := map[string]gateway.SearchMatchClass{}
	for _, r := range results {
		classes[r.SessionID] = r.MatchClass
	}
	if classes["s1"] != gateway.MatchTitle {
		t.Errorf("s1 class = %s, want title", classes["s1"])
	}
	// s2 matches in preview and content; preview wins.
	if classes["s2"] != gateway.MatchPreview {
		t.Errorf("s2 class = %s, want preview", classes["s2"])
	}

	// Other users see nothing.
	none, err := s.SearchConversations(ctx, "u2", "rust", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("cross-user search hits = %d", len(none))
	}

	// LIKE metacharacters are literals.
	if _, err := s.SearchConversations(ctx, "u1", "100%_done", 10); err != nil {
		t.Fatal(err)
	}
}

func TestDeleteExpiredUnlinked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	if err := s.CreateAttachment(ctx, &gateway.Attachment{
		ID: "old", UserID: "u1", Mime: "image/png", StorageBucket: "b",
		StoragePath: "p/old", Status: gateway.AttachmentReady, CreatedAt: old,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateAttachment(ctx, &gateway.Attachment{
		ID: "fresh", UserID: "u1", Mime: "image/png", StorageBucket: "b",
		StoragePath: "p/fresh", Status: gateway.AttachmentReady,
	}); err != nil {
		t.Fatal(err)
	}

	removed, err := s.DeleteExpiredUnlinked(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || removed[0].ID != "old" {
		t.Errorf("removed = %+v, want [old]", removed)
	}
	rows, _ := s.GetAttachments(ctx, []string{"fresh"})
	if len(rows) != 1 {
		t.Error("fresh attachment should survive retention")
	}
}

func TestInsertUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	events := []gateway.UsageEvent{
		{ID: "e1", UserID: "u1", Tier: gateway.TierPro, ModelID: "vendor/model",
			InputTokens: 10, OutputTokens: 20, CostMilliCents: 35,
			ElapsedMS: 120, Outcome: gateway.OutcomeOK, RequestID: "r1", CreatedAt: time.Now()},
		{ID: "e2", IPHash: "abcd1234", Tier: gateway.TierAnonymous, ModelID: "vendor/free",
			Outcome: gateway.OutcomeRejected, CreatedAt: time.Now()},
	}
	if err := s.InsertUsage(ctx, events); err != nil {
		t.Fatal(err)
	}
	var n int
	if err := s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_events`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("usage rows = %d, want 2", n)
	}
}
