// Package gateway defines domain types and interfaces for the Torii chat gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// --- Tiers and account state ---

// Tier is the subscription level of a caller.
type Tier string

const (
	TierAnonymous  Tier = "anonymous"
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierAnonymous, TierFree, TierPro, TierEnterprise:
		return true
	}
	return false
}

// AccountType distinguishes regular users from admins.
type AccountType string

const (
	AccountUser  AccountType = "user"
	AccountAdmin AccountType = "admin"
)

// AccessLevel is an endpoint's authentication requirement.
type AccessLevel string

const (
	AccessPublic    AccessLevel = "public"
	AccessEnhanced  AccessLevel = "enhanced"
	AccessProtected AccessLevel = "protected"
)

// User is the authenticated principal resolved from the identity provider.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// UserProfile is the persisted per-user view consumed by auth middleware.
type UserProfile struct {
	ID          string      `json:"id"`
	Email       string      `json:"email,omitempty"`
	Tier        Tier        `json:"tier"`
	AccountType AccountType `json:"account_type"`
	Banned      bool        `json:"banned"`
	BannedUntil *time.Time  `json:"banned_until,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// IsBanned reports whether the profile is currently banned, honoring a
// temporary ban's expiry.
func (p *UserProfile) IsBanned(now time.Time) bool {
	if !p.Banned {
		return false
	}
	if p.BannedUntil != nil && p.BannedUntil.Before(now) {
		return false
	}
	return true
}

// SnapshotVersion is bumped when the AuthSnapshot schema changes; cached
// entries with an older version are discarded on read.
const SnapshotVersion = 1

// AuthSnapshot is the cached per-user view of tier, ban state, and account
// type. It is the only auth state consulted on the request hot path.
type AuthSnapshot struct {
	Tier        Tier        `json:"tier"`
	AccountType AccountType `json:"account_type"`
	Banned      bool        `json:"banned"`
	BannedUntil *time.Time  `json:"banned_until,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
	Version     int         `json:"v"`
}

// FeatureFlags is the tier-derived capability set. AllowedModels may contain
// the wildcard token "*", expanded against the model catalog at flag
// evaluation time.
type FeatureFlags struct {
	AllowedModels            []string `json:"allowed_models"`
	CanUseCustomSystemPrompt bool     `json:"can_use_custom_system_prompt"`
	CanUseCustomTemperature  bool     `json:"can_use_custom_temperature"`
	CanUseAttachments        bool     `json:"can_use_attachments"`
	CanUseWebSearch          bool     `json:"can_use_web_search"`
	CanUseReasoning          bool     `json:"can_use_reasoning"`
	CanUseImageGeneration    bool     `json:"can_use_image_generation"`
	CanSyncConversations     bool     `json:"can_sync_conversations"`
	CanExportConversations   bool     `json:"can_export_conversations"`
	CanAccessAnalytics       bool     `json:"can_access_analytics"`
	CanBypassRateLimit       bool     `json:"can_bypass_rate_limit"`
	MaxRequestsPerHour       int      `json:"max_requests_per_hour"`
	MaxTokensPerRequest      int      `json:"max_tokens_per_request"`
	MaxAttachmentsPerMessage int      `json:"max_attachments_per_message"`
}

// WildcardModel in AllowedModels grants every active catalog model.
const WildcardModel = "*"

// AllowsModel reports whether the flag set permits the given model ID.
func (f *FeatureFlags) AllowsModel(id string) bool {
	for _, m := range f.AllowedModels {
		if m == WildcardModel || m == id {
			return true
		}
	}
	return false
}

// AuthContext is the per-request authentication result. It is built once by
// the resolver and immutable thereafter.
type AuthContext struct {
	AccessLevel     AccessLevel
	IsAuthenticated bool
	User            *User
	Profile         *UserProfile
	Features        FeatureFlags // never empty; anonymous defaults when unauthenticated
	IPHash          string       // salted, truncated; rate-limit subject for anonymous callers
	RequestID       string
}

// Subject returns the rate-limit bucketing subject: user ID when
// authenticated, salted IP hash otherwise.
func (a *AuthContext) Subject() string {
	if a.IsAuthenticated && a.User != nil {
		return a.User.ID
	}
	return a.IPHash
}

// Tier returns the effective tier, anonymous when no profile is present.
func (a *AuthContext) Tier() Tier {
	if a.Profile != nil {
		return a.Profile.Tier
	}
	return TierAnonymous
}

// --- Models ---

// Modality is an input or output media kind supported by a model.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
)

// ModelDescriptor describes a single upstream model as published by Router.
type ModelDescriptor struct {
	ID                string     `json:"id"`
	DisplayName       string     `json:"display_name"`
	InputModalities   []Modality `json:"input_modalities"`
	OutputModalities  []Modality `json:"output_modalities"`
	ContextWindow     int        `json:"context_window"`
	MaxOutputTokens   int        `json:"max_output_tokens"`
	PricePerKInput    float64    `json:"price_per_k_input"`  // USD per 1k prompt tokens
	PricePerKOutput   float64    `json:"price_per_k_output"` // USD per 1k completion tokens
	SupportsReasoning bool       `json:"supports_reasoning"`
	FreeVariant       bool       `json:"free_variant"`
	Deprecated        bool       `json:"deprecated"`
}

// AcceptsImages reports whether the model takes image input.
func (m *ModelDescriptor) AcceptsImages() bool {
	for _, mod := range m.InputModalities {
		if mod == ModalityImage {
			return true
		}
	}
	return false
}

// SharesInputModalities reports whether m accepts every input modality that
// other accepts. Used when picking a downgrade target.
func (m *ModelDescriptor) SharesInputModalities(other *ModelDescriptor) bool {
	for _, need := range other.InputModalities {
		found := false
		for _, have := range m.InputModalities {
			if have == need {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// --- Chat requests ---

// Reasoning effort levels accepted on chat requests.
const (
	EffortLow    = "low"
	EffortMedium = "medium"
	EffortHigh   = "high"
)

// Reasoning holds the caller's reasoning options.
type Reasoning struct {
	Effort string `json:"effort" validate:"omitempty,oneof=low medium high"`
}

// Message is a single chat message. Content is either a JSON string or an
// array of content blocks; it is kept raw so the hot path does not pay for
// decoding until a component needs the structure.
type Message struct {
	Role    string          `json:"role" validate:"required,oneof=user assistant system"`
	Content json.RawMessage `json:"content" validate:"required"`
}

// ContentBlock is one element of a structured message content array.
type ContentBlock struct {
	Type     string    `json:"type"` // "text" | "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL wraps an image reference inside a content block.
type ImageURL struct {
	URL string `json:"url"`
}

// TextContent wraps a plain string as raw message content.
func TextContent(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// BlockContent wraps a content block list as raw message content.
func BlockContent(blocks []ContentBlock) json.RawMessage {
	b, _ := json.Marshal(blocks)
	return b
}

// DecodeContent decodes raw message content into its two possible shapes.
// Exactly one of text/blocks is meaningful; isText selects which.
func DecodeContent(raw json.RawMessage) (text string, blocks []ContentBlock, isText bool) {
	if len(raw) > 0 && raw[0] == '"' {
		_ = json.Unmarshal(raw, &text)
		return text, nil, true
	}
	_ = json.Unmarshal(raw, &blocks)
	return "", blocks, false
}

// ChatRequest is the client-facing chat payload.
type ChatRequest struct {
	Messages         []Message  `json:"messages" validate:"required,min=1,dive"`
	Model            string     `json:"model"`
	Temperature      *float64   `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	SystemPrompt     string     `json:"system_prompt,omitempty"`
	AttachmentIDs    []string   `json:"attachment_ids,omitempty"`
	WebSearch        bool       `json:"web_search,omitempty"`
	Reasoning        *Reasoning `json:"reasoning,omitempty"`
	Stream           bool       `json:"stream,omitempty"`
	CurrentMessageID string     `json:"current_message_id,omitempty"`
}

// LastUserMessage returns a pointer to the final user-role message, or nil.
func (r *ChatRequest) LastUserMessage() *Message {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return &r.Messages[i]
		}
	}
	return nil
}

// Usage is the token accounting attached to a completed chat.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Annotation is a URL citation attached to an assistant response.
// Annotations are deduplicated by URL.
type Annotation struct {
	Type       string `json:"type"` // always "url_citation"
	URL        string `json:"url"`
	Title      string `json:"title,omitempty"`
	Content    string `json:"content,omitempty"`
	StartIndex *int   `json:"start_index,omitempty"`
	EndIndex   *int   `json:"end_index,omitempty"`
}

// ChatResponse is the non-streaming client payload; the streaming terminal
// envelope carries the same fields.
type ChatResponse struct {
	Response             string       `json:"response"`
	Usage                Usage        `json:"usage"`
	RequestID            string       `json:"request_id"`
	Timestamp            string       `json:"timestamp"` // ISO-8601
	ElapsedMS            int64        `json:"elapsed_ms"`
	ContentType          string       `json:"contentType"` // always "markdown"
	ID                   string       `json:"id"`          // upstream id
	Model                string       `json:"model,omitempty"`
	Reasoning            string       `json:"reasoning,omitempty"`
	Annotations          []Annotation `json:"annotations,omitempty"`
	HasWebsearch         bool         `json:"has_websearch"`
	WebsearchResultCount int          `json:"websearch_result_count"`
	Warnings             []string     `json:"warnings,omitempty"`
}

// MarkdownContentType is the only content type the gateway emits.
const MarkdownContentType = "markdown"

// --- Attachments ---

// AttachmentStatus is the upload lifecycle state of an attachment.
type AttachmentStatus string

const (
	AttachmentPending AttachmentStatus = "pending"
	AttachmentReady   AttachmentStatus = "ready"
	AttachmentFailed  AttachmentStatus = "failed"
)

// AllowedImageMimes are the only attachment content types accepted.
var AllowedImageMimes = map[string]struct{}{
	"image/png":  {},
	"image/jpeg": {},
	"image/webp": {},
}

// MaxAttachmentsPerMessage caps attachment links per stored message.
const MaxAttachmentsPerMessage = 3

// Attachment is an uploaded image blob owned by a user.
type Attachment struct {
	ID            string           `json:"id"`
	UserID        string           `json:"user_id"`
	Mime          string           `json:"mime"`
	StorageBucket string           `json:"storage_bucket"`
	StoragePath   string           `json:"storage_path"`
	Status        AttachmentStatus `json:"status"`
	SessionID     string           `json:"session_id,omitempty"`
	MessageID     *string          `json:"message_id,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// --- Conversations ---

// Session is a stored conversation with denormalized rollups.
type Session struct {
	ID                   string    `json:"id"`
	UserID               string    `json:"user_id"`
	Title                string    `json:"title"`
	MessageCount         int       `json:"message_count"`
	TotalTokens          int       `json:"total_tokens"`
	LastMessagePreview   string    `json:"last_message_preview"`
	LastMessageTimestamp time.Time `json:"last_message_timestamp"`
	CreatedAt            time.Time `json:"created_at"`
}

// StoredMessage is a persisted chat message.
type StoredMessage struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	Role            string    `json:"role"`
	Content         string    `json:"content"`
	Tokens          int       `json:"tokens"`
	HasAttachments  bool      `json:"has_attachments"`
	AttachmentCount int       `json:"attachment_count"`
	CreatedAt       time.Time `json:"created_at"`
}

// SearchMatchClass classifies where a conversation search hit matched.
type SearchMatchClass string

const (
	MatchTitle   SearchMatchClass = "title"
	MatchPreview SearchMatchClass = "preview"
	MatchContent SearchMatchClass = "content"
)

// SearchResult is one conversation search hit.
type SearchResult struct {
	SessionID            string           `json:"session_id"`
	Title                string           `json:"title"`
	MatchClass           SearchMatchClass `json:"match_class"`
	Snippet              string           `json:"snippet"`
	LastMessageTimestamp time.Time        `json:"last_message_timestamp"`
}

// --- Usage events ---

// Outcome classifies how a chat request ended for usage accounting.
type Outcome string

const (
	OutcomeOK            Outcome = "ok"
	OutcomeRejected      Outcome = "rejected"
	OutcomeUpstreamError Outcome = "upstream_error"
	OutcomeCancelled     Outcome = "cancelled"
)

// UsageEvent is a single append-only usage/cost record.
// Cost is in 1/1000-cent units (milli-cents) computed from catalog prices.
type UsageEvent struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id,omitempty"`
	IPHash         string    `json:"ip_hash,omitempty"`
	Tier           Tier      `json:"tier"`
	ModelID        string    `json:"model_id"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	CostMilliCents int64     `json:"cost_millicents"`
	ElapsedMS      int64     `json:"elapsed_ms"`
	Outcome        Outcome   `json:"outcome"`
	RequestID      string    `json:"request_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// CostMilliCents converts a usage into 1/1000-cent units from per-1k prices.
func CostMilliCents(u Usage, pricePerKInput, pricePerKOutput float64) int64 {
	usd := float64(u.PromptTokens)/1000*pricePerKInput + float64(u.CompletionTokens)/1000*pricePerKOutput
	// USD -> cents -> milli-cents
	return int64(usd*100_000 + 0.5)
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Auth field is set later by the middleware via mutation of the same
// pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Auth      *AuthContext
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// AuthFromContext extracts the resolved auth context, or nil.
func AuthFromContext(ctx context.Context) *AuthContext {
	if m := metaFromContext(ctx); m != nil {
		return m.Auth
	}
	return nil
}

// ContextWithAuth stores the auth context in the existing requestMeta if
// present, avoiding a new context.WithValue allocation. Falls back to
// creating new metadata if none exists (e.g., in tests).
func ContextWithAuth(ctx context.Context, a *AuthContext) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Auth = a
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Auth: a})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared helpers ---

// HashIP returns a salted, truncated SHA-256 of a caller IP. The 16 hex
// chars keep keys short while making raw IPs unrecoverable from cache keys.
func HashIP(salt, ip string) string {
	h := sha256.Sum256([]byte(salt + ip))
	return hex.EncodeToString(h[:])[:16]
}
