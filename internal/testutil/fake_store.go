// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	gateway "github.com/torii-gw/torii/internal"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu          sync.RWMutex
	profiles    map[string]*gateway.UserProfile
	sessions    map[string]*gateway.Session
	messages    map[string][]gateway.StoredMessage // keyed by session ID
	attachments map[string]*gateway.Attachment
	usage       []gateway.UsageEvent
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		profiles:    make(map[string]*gateway.UserProfile),
		sessions:    make(map[string]*gateway.Session),
		messages:    make(map[string][]gateway.StoredMessage),
		attachments: make(map[string]*gateway.Attachment),
	}
}

// AddProfile inserts a profile into the fake store.
func (s *FakeStore) AddProfile(p *gateway.UserProfile) {
	s.mu.Lock()
	s.profiles[p.ID] = p
	s.mu.Unlock()
}

// AddAttachment inserts an attachment row into the fake store.
func (s *FakeStore) AddAttachment(a *gateway.Attachment) {
	s.mu.Lock()
	s.attachments[a.ID] = a
	s.mu.Unlock()
}

// UsageEvents returns a copy of all recorded usage events.
func (s *FakeStore) UsageEvents() []gateway.UsageEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]gateway.UsageEvent, len(s.usage))
	copy(out, s.usage)
	return out
}

// --- ProfileStore ---

func (s *FakeStore) GetProfile(_ context.Context, userID string) (*gateway.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *FakeStore) UpsertProfile(_ context.Context, p *gateway.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.profiles[p.ID]; ok {
		existing.Email = p.Email
		return nil
	}
	cp := *p
	s.profiles[p.ID] = &cp
	return nil
}

func (s *FakeStore) SetBan(_ context.Context, userID string, banned bool, until *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return gateway.ErrNotFound
	}
	p.Banned = banned
	p.BannedUntil = until
	return nil
}

// --- ConversationStore ---

func (s *FakeStore) CreateSessionIfMissing(_ context.Context, sessionID, userID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; ok {
		return nil
	}
	s.sessions[sessionID] = &gateway.Session{
		ID: sessionID, UserID: userID, Title: title, CreatedAt: time.Now(),
	}
	return nil
}

func (s *FakeStore) AppendMessages(_ context.Context, sessionID, userID string, msgs []gateway.StoredMessage, linkAttachmentIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.UserID != userID {
		return gateway.ErrNotFound
	}
	existing := make(map[string]bool, len(s.messages[sessionID]))
	for _, m := range s.messages[sessionID] {
		existing[m.ID] = true
	}
	for _, m := range msgs {
		if existing[m.ID] {
			continue
		}
		s.messages[sessionID] = append(s.messages[sessionID], m)
		sess.MessageCount++
		sess.TotalTokens += m.Tokens
		sess.LastMessagePreview = m.Content
		sess.LastMessageTimestamp = m.CreatedAt
	}
	linked := 0
	for _, id := range linkAttachmentIDs {
		a, ok := s.attachments[id]
		if ok && a.UserID == userID && a.MessageID == nil && linked < gateway.MaxAttachmentsPerMessage {
			msgID := msgs[len(msgs)-1].ID
			a.MessageID = &msgID
			linked++
		}
	}
	return nil
}

func (s *FakeStore) PersistAnnotations(context.Context, string, string, string, []gateway.Annotation) error {
	return nil
}

func (s *FakeStore) ReadMessages(_ context.Context, sessionID, userID string) ([]gateway.StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.UserID != userID {
		return nil, gateway.ErrNotFound
	}
	out := make([]gateway.StoredMessage, len(s.messages[sessionID]))
	copy(out, s.messages[sessionID])
	return out, nil
}

func (s *FakeStore) SearchConversations(_ context.Context, userID, pattern string, limit int) ([]gateway.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []gateway.SearchResult
	for _, sess := range s.sessions {
		if sess.UserID != userID {
			continue
		}
		if strings.Contains(strings.ToLower(sess.Title), strings.ToLower(pattern)) {
			out = append(out, gateway.SearchResult{
				SessionID:            sess.ID,
				Title:                sess.Title,
				MatchClass:           gateway.MatchTitle,
				Snippet:              sess.Title,
				LastMessageTimestamp: sess.LastMessageTimestamp,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageTimestamp.After(out[j].LastMessageTimestamp)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- AttachmentStore ---

func (s *FakeStore) CreateAttachment(_ context.Context, a *gateway.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.attachments[a.ID] = &cp
	return nil
}

func (s *FakeStore) MarkAttachmentStatus(_ context.Context, id, userID string, status gateway.AttachmentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attachments[id]
	if !ok || a.UserID != userID {
		return gateway.ErrNotFound
	}
	a.Status = status
	return nil
}

func (s *FakeStore) GetAttachments(_ context.Context, ids []string) ([]*gateway.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.Attachment
	for _, id := range ids {
		if a, ok := s.attachments[id]; ok {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *FakeStore) LinkAttachments(_ context.Context, userID, messageID string, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		a, ok := s.attachments[id]
		if ok && a.UserID == userID && a.MessageID == nil && n < gateway.MaxAttachmentsPerMessage {
			a.MessageID = &messageID
			n++
		}
	}
	return n, nil
}

func (s *FakeStore) DeleteExpiredUnlinked(_ context.Context, cutoff time.Time) ([]gateway.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []gateway.Attachment
	for id, a := range s.attachments {
		if a.MessageID == nil && a.CreatedAt.Before(cutoff) {
			out = append(out, *a)
			delete(s.attachments, id)
		}
	}
	return out, nil
}

// --- UsageStore ---

func (s *FakeStore) InsertUsage(_ context.Context, events []gateway.UsageEvent) error {
	s.mu.Lock()
	s.usage = append(s.usage, events...)
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) Ping(context.Context) error { return nil }

func (s *FakeStore) Close() error { return nil }
