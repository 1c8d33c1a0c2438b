package app

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"

	gateway "github.com/torii-gw/torii/internal"
	"github.com/torii-gw/torii/internal/relay"
	"github.com/torii-gw/torii/internal/router"
	"github.com/torii-gw/torii/internal/settings"
)

// UsageSink receives append-only usage events. Implementations must never
// block the request path.
type UsageSink interface {
	Record(ev gateway.UsageEvent)
}

// Upstream is the slice of the Router client the chat service consumes.
type Upstream interface {
	Complete(ctx context.Context, req *router.Request) (*router.Completion, error)
	Stream(ctx context.Context, req *router.Request) (<-chan router.StreamChunk, error)
}

// ChatService runs the full chat pipeline: validate, resolve attachments,
// call Router, shape the response, and record usage.
type ChatService struct {
	validator   *Validator
	attachments *AttachmentResolver
	upstream    Upstream
	usage       UsageSink
	flags       *settings.Store
}

// NewChatService wires the pipeline.
func NewChatService(v *Validator, a *AttachmentResolver, up Upstream, usage UsageSink, flags *settings.Store) *ChatService {
	return &ChatService{validator: v, attachments: a, upstream: up, usage: usage, flags: flags}
}

// prepared carries everything a chat call needs after gating.
type prepared struct {
	request   *router.Request
	validated *Validated
	requestID string
	start     time.Time
}

// prepare gates the request and assembles the upstream payload. Gating
// failures are recorded as rejected usage before returning.
func (s *ChatService) prepare(ctx context.Context, req *gateway.ChatRequest, auth *gateway.AuthContext) (*prepared, error) {
	start := time.Now()

	validated, err := s.validator.Validate(ctx, req, auth)
	if err != nil {
		s.record(auth, req.Model, gateway.Usage{}, 0, gateway.OutcomeRejected, start)
		return nil, err
	}
	out := validated.Request

	blocks, err := s.attachments.Resolve(ctx, out.AttachmentIDs, auth, validated.Model)
	if err != nil {
		s.record(auth, validated.Model.ID, gateway.Usage{}, 0, gateway.OutcomeRejected, start)
		return nil, err
	}
	AttachBlocks(out, blocks)

	upReq := &router.Request{
		Model:       out.Model,
		Messages:    out.Messages,
		Temperature: out.Temperature,
		MaxTokens:   validated.MaxOutputTokens,
		Reasoning:   out.Reasoning,
	}
	if out.SystemPrompt != "" {
		msgs := make([]gateway.Message, 0, len(out.Messages)+1)
		msgs = append(msgs, gateway.Message{Role: "system", Content: gateway.TextContent(out.SystemPrompt)})
		msgs = append(msgs, out.Messages...)
		upReq.Messages = msgs
	}
	if out.WebSearch {
		upReq.EnableWebSearch()
	}

	requestID := out.CurrentMessageID
	if requestID == "" {
		requestID = auth.RequestID
	}
	return &prepared{request: upReq, validated: validated, requestID: requestID, start: start}, nil
}

// Complete runs a buffered chat call.
func (s *ChatService) Complete(ctx context.Context, req *gateway.ChatRequest, auth *gateway.AuthContext) (*gateway.ChatResponse, error) {
	prep, err := s.prepare(ctx, req, auth)
	if err != nil {
		return nil, err
	}

	comp, err := s.upstream.Complete(ctx, prep.request)
	if err != nil {
		s.record(auth, prep.request.Model, gateway.Usage{}, elapsedMS(prep.start), outcomeForError(ctx, err), prep.start)
		return nil, err
	}

	annotations := router.MergeAnnotations(nil, comp.Annotations)
	resp := &gateway.ChatResponse{
		Response:             comp.Content,
		Usage:                comp.Usage,
		RequestID:            prep.requestID,
		Timestamp:            time.Now().UTC().Format(time.RFC3339),
		ElapsedMS:            elapsedMS(prep.start),
		ContentType:          gateway.MarkdownContentType,
		ID:                   comp.ID,
		Model:                prep.request.Model,
		Reasoning:            comp.Reasoning,
		Annotations:          annotations,
		HasWebsearch:         len(annotations) > 0,
		WebsearchResultCount: len(annotations),
		Warnings:             prep.validated.Warnings,
	}
	s.recordCost(auth, prep, comp.Usage, gateway.OutcomeOK)
	return resp, nil
}

// StreamSession is an opened streaming call. The server writes its headers
// from ModelID and RequestID before calling Run.
type StreamSession struct {
	ModelID   string
	RequestID string
	Warnings  []string

	svc    *ChatService
	auth   *gateway.AuthContext
	prep   *prepared
	chunks <-chan router.StreamChunk
	opts   relay.Options
}

// OpenStream gates the request and opens the upstream stream. Errors here
// are pre-first-byte and map to plain HTTP error responses.
func (s *ChatService) OpenStream(ctx context.Context, req *gateway.ChatRequest, auth *gateway.AuthContext) (*StreamSession, error) {
	prep, err := s.prepare(ctx, req, auth)
	if err != nil {
		return nil, err
	}

	chunks, err := s.upstream.Stream(ctx, prep.request)
	if err != nil {
		s.record(auth, prep.request.Model, gateway.Usage{}, elapsedMS(prep.start), outcomeForError(ctx, err), prep.start)
		return nil, err
	}

	flags := s.flags.Current()
	return &StreamSession{
		ModelID:   prep.request.Model,
		RequestID: prep.requestID,
		Warnings:  prep.validated.Warnings,
		svc:       s,
		auth:      auth,
		prep:      prep,
		chunks:    chunks,
		opts: relay.Options{
			ModelID:          prep.request.Model,
			RequestID:        prep.requestID,
			ForwardReasoning: auth.Features.CanUseReasoning && req.Reasoning != nil && flags.ReasoningEnabled,
			MarkersEnabled:   flags.MarkersEnabled,
			Debug:            flags.Debug,
			Warnings:         prep.validated.Warnings,
			Start:            prep.start,
		},
	}, nil
}

// Run transforms the upstream stream onto w and records usage when done.
func (ss *StreamSession) Run(ctx context.Context, w io.Writer) (*relay.Result, error) {
	res, err := relay.New(ss.opts).Run(ctx, ss.chunks, w)
	usage := res.Usage
	if usage.TotalTokens == 0 {
		// Upstream never reported usage (cancel or error); estimate from
		// what was gated in and what made it out.
		usage.PromptTokens = ss.prep.validated.InputTokens
		usage.CompletionTokens = (len(res.Content) + 3) / 4
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	ss.svc.recordCost(ss.auth, ss.prep, usage, res.Outcome)
	return res, err
}

// record emits a usage event with zero cost, for rejections and failures.
func (s *ChatService) record(auth *gateway.AuthContext, modelID string, usage gateway.Usage, elapsed int64, outcome gateway.Outcome, start time.Time) {
	if s.usage == nil {
		return
	}
	ev := gateway.UsageEvent{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Tier:         auth.Tier(),
		ModelID:      modelID,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
		ElapsedMS:    elapsed,
		Outcome:      outcome,
		RequestID:    auth.RequestID,
		CreatedAt:    start,
	}
	if auth.IsAuthenticated && auth.User != nil {
		ev.UserID = auth.User.ID
	} else {
		ev.IPHash = auth.IPHash
	}
	s.usage.Record(ev)
}

// recordCost emits a usage event priced from the resolved model.
func (s *ChatService) recordCost(auth *gateway.AuthContext, prep *prepared, usage gateway.Usage, outcome gateway.Outcome) {
	if s.usage == nil {
		return
	}
	m := prep.validated.Model
	ev := gateway.UsageEvent{
		ID:             uuid.Must(uuid.NewV7()).String(),
		Tier:           auth.Tier(),
		ModelID:        prep.request.Model,
		InputTokens:    usage.PromptTokens,
		OutputTokens:   usage.CompletionTokens,
		CostMilliCents: gateway.CostMilliCents(usage, m.PricePerKInput, m.PricePerKOutput),
		ElapsedMS:      elapsedMS(prep.start),
		Outcome:        outcome,
		RequestID:      auth.RequestID,
		CreatedAt:      prep.start,
	}
	if auth.IsAuthenticated && auth.User != nil {
		ev.UserID = auth.User.ID
	} else {
		ev.IPHash = auth.IPHash
	}
	s.usage.Record(ev)
}

func elapsedMS(start time.Time) int64 { return time.Since(start).Milliseconds() }

// outcomeForError separates client cancellation from upstream failure for
// usage accounting.
func outcomeForError(ctx context.Context, err error) gateway.Outcome {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return gateway.OutcomeCancelled
	}
	return gateway.OutcomeUpstreamError
}
