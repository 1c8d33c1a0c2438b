// Package relay converts Router's SSE stream into the client wire protocol:
// content bytes verbatim and in order, optional single-line progressive
// markers for reasoning and citations, and exactly one terminal metadata
// envelope as the last bytes on the stream.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/torii-gw/torii/internal"
	"github.com/torii-gw/torii/internal/router"
)

// Wire protocol sentinels. These are contractual bytes; clients match on
// them literally.
const (
	ReasoningMarker   = "__REASONING_CHUNK__"
	AnnotationsMarker = "__ANNOTATIONS_CHUNK__"
	MetadataStart     = "__STREAM_METADATA_START__"
	MetadataEnd       = "__STREAM_METADATA_END__"
	finalMetadataKey  = "__FINAL_METADATA__"
)

// state is the transformer's position in its lifecycle.
type state int

const (
	stateOpen state = iota
	stateStreaming
	stateFlushing
	stateClosed
	stateError
)

// Options fixes the per-request behavior of one transform.
type Options struct {
	ModelID   string
	RequestID string
	// ForwardReasoning is the conjunction of tier capability, the caller
	// having asked for reasoning, and the global reasoning toggle.
	ForwardReasoning bool
	// MarkersEnabled gates progressive marker lines. The terminal envelope
	// carries annotations either way.
	MarkersEnabled bool
	Debug          bool
	Warnings       []string
	Start          time.Time
}

// Result is what the transform accumulated, for usage recording and
// persistence after the stream closes.
type Result struct {
	Content     string
	Reasoning   string
	Usage       gateway.Usage
	Annotations []gateway.Annotation
	UpstreamID  string
	Outcome     gateway.Outcome
}

// Transformer runs the streaming state machine. One instance per request,
// single producer: all client bytes are written by Run.
type Transformer struct {
	opts  Options
	state state

	content     strings.Builder
	reasoning   strings.Builder
	annotations []gateway.Annotation
	usage       gateway.Usage
	upstreamID  string

	firstAnnotationAt time.Time
}

// New returns a Transformer for one request. A zero Start defaults to now.
func New(opts Options) *Transformer {
	if opts.Start.IsZero() {
		opts.Start = time.Now()
	}
	return &Transformer{opts: opts}
}

// Run consumes chunks until the stream ends and writes the client protocol
// to w. On client disconnect it stops writing, records a cancelled outcome,
// and emits no envelope. The returned Result is valid in every outcome.
func (t *Transformer) Run(ctx context.Context, chunks <-chan router.StreamChunk, w io.Writer) (*Result, error) {
	t.state = stateStreaming

	for chunk := range chunks {
		if chunk.Err != nil {
			if ctx.Err() != nil {
				t.state = stateClosed
				return t.result(gateway.OutcomeCancelled), nil
			}
			t.writeErrorEnvelope(w)
			t.state = stateError
			return t.result(gateway.OutcomeUpstreamError), chunk.Err
		}
		if chunk.Done {
			break
		}
		if err := t.consume(ctx, chunk.Data, w); err != nil {
			if t.state == stateError {
				return t.result(gateway.OutcomeUpstreamError), err
			}
			// Write failure: the client went away.
			t.state = stateClosed
			return t.result(gateway.OutcomeCancelled), nil
		}
	}

	t.state = stateFlushing
	if err := t.writeFinalEnvelope(w); err != nil {
		t.state = stateClosed
		return t.result(gateway.OutcomeCancelled), nil
	}
	t.state = stateClosed
	return t.result(gateway.OutcomeOK), nil
}

// consume handles a single upstream record. It returns an error either when
// a client write failed or, with state set to stateError, when the record
// was an upstream error.
func (t *Transformer) consume(ctx context.Context, data []byte, w io.Writer) error {
	if upErr := gjson.GetBytes(data, "error"); upErr.Exists() && upErr.IsObject() {
		t.writeErrorEnvelope(w)
		t.state = stateError
		return fmt.Errorf("upstream error record: %s", upErr.Raw)
	}

	if id := gjson.GetBytes(data, "id"); id.Type == gjson.String && t.upstreamID == "" {
		t.upstreamID = id.Str
	}
	if u := gjson.GetBytes(data, "usage"); u.IsObject() {
		var usage gateway.Usage
		if json.Unmarshal([]byte(u.Raw), &usage) == nil && usage.TotalTokens > 0 {
			t.usage = usage
		}
	}

	delta := gjson.GetBytes(data, "choices.0.delta")
	if !delta.Exists() {
		return nil
	}

	if c := delta.Get("content"); c.Type == gjson.String && c.Str != "" {
		t.content.WriteString(c.Str)
		if err := writeFlush(w, []byte(c.Str)); err != nil {
			return err
		}
		if t.opts.Debug {
			slog.LogAttrs(ctx, slog.LevelDebug, "content delta",
				slog.String("request_id", t.opts.RequestID),
				slog.Int("bytes", len(c.Str)),
			)
		}
	}

	if r := delta.Get("reasoning"); r.Type == gjson.String && r.Str != "" && t.opts.ForwardReasoning {
		t.reasoning.WriteString(r.Str)
		if t.opts.MarkersEnabled {
			payload, _ := json.Marshal(struct {
				T string `json:"t"`
			}{T: r.Str})
			line := ReasoningMarker + string(payload) + "\n"
			if err := writeFlush(w, []byte(line)); err != nil {
				return err
			}
		}
	}

	if a := delta.Get("annotations"); a.IsArray() {
		parsed := router.ParseAnnotations([]byte(a.Raw))
		if len(parsed) > 0 {
			if t.firstAnnotationAt.IsZero() {
				t.firstAnnotationAt = time.Now()
				if t.opts.Debug {
					slog.LogAttrs(ctx, slog.LevelDebug, "first annotation",
						slog.String("request_id", t.opts.RequestID),
						slog.Int64("ms_since_start", time.Since(t.opts.Start).Milliseconds()),
					)
				}
			}
			t.annotations = router.MergeAnnotations(t.annotations, parsed)
			if t.opts.MarkersEnabled {
				payload, _ := json.Marshal(t.annotations)
				line := AnnotationsMarker + string(payload) + "\n"
				if err := writeFlush(w, []byte(line)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// writeFinalEnvelope emits the terminal delimiter sequence wrapping the
// accumulated response metadata. It is the last write on the stream.
func (t *Transformer) writeFinalEnvelope(w io.Writer) error {
	resp := t.response()
	body, err := json.Marshal(map[string]*gateway.ChatResponse{finalMetadataKey: resp})
	if err != nil {
		return err
	}
	return writeFlush(w, envelopeBytes(body))
}

// writeErrorEnvelope delivers a mid-stream upstream failure inline. HTTP
// status is already on the wire, so the envelope is the only channel left.
func (t *Transformer) writeErrorEnvelope(w io.Writer) {
	payload := map[string]any{
		finalMetadataKey: map[string]any{
			"error":      "upstream error",
			"code":       string(gateway.CodeUpstreamError),
			"retryable":  true,
			"request_id": t.opts.RequestID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = writeFlush(w, envelopeBytes(body))
}

func envelopeBytes(body []byte) []byte {
	var b []byte
	b = append(b, "\n\n"+MetadataStart+"\n"...)
	b = append(b, body...)
	b = append(b, "\n"+MetadataEnd+"\n"...)
	return b
}

// response assembles the ChatResponse carried by the terminal envelope.
func (t *Transformer) response() *gateway.ChatResponse {
	return &gateway.ChatResponse{
		Response:             t.content.String(),
		Usage:                t.usage,
		RequestID:            t.opts.RequestID,
		Timestamp:            time.Now().UTC().Format(time.RFC3339),
		ElapsedMS:            time.Since(t.opts.Start).Milliseconds(),
		ContentType:          gateway.MarkdownContentType,
		ID:                   t.upstreamID,
		Model:                t.opts.ModelID,
		Reasoning:            t.reasoning.String(),
		Annotations:          t.annotations,
		HasWebsearch:         len(t.annotations) > 0,
		WebsearchResultCount: len(t.annotations),
		Warnings:             t.opts.Warnings,
	}
}

func (t *Transformer) result(outcome gateway.Outcome) *Result {
	return &Result{
		Content:     t.content.String(),
		Reasoning:   t.reasoning.String(),
		Usage:       t.usage,
		Annotations: t.annotations,
		UpstreamID:  t.upstreamID,
		Outcome:     outcome,
	}
}

func writeFlush(w io.Writer, b []byte) error {
	if _, err := w.Write(b); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
