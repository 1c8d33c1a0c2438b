// Package router is the HTTP client for the upstream model aggregator. It
// issues buffered and streaming chat completions, lists models, and enriches
// upstream failures with status, request id, and a bounded body preview.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	gateway "github.com/torii-gw/torii/internal"
)

// CallTimeout is the hard cap per upstream call, streaming included.
const CallTimeout = 300 * time.Second

// maxRetryJitter bounds the pause before the single transient-failure retry.
const maxRetryJitter = 250 * time.Millisecond

// Plugin activates an upstream capability (web search is plugin id "web").
type Plugin struct {
	ID string `json:"id"`
}

// Request is the chat completion payload sent to Router.
type Request struct {
	Model       string             `json:"model"`
	Messages    []gateway.Message  `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Reasoning   *gateway.Reasoning `json:"reasoning,omitempty"`
	Plugins     []Plugin           `json:"plugins,omitempty"`
	Usage       *UsageOptions      `json:"usage,omitempty"`
}

// UsageOptions asks Router to attach token accounting to the response.
type UsageOptions struct {
	Include bool `json:"include"`
}

// EnableWebSearch attaches the web plugin.
func (r *Request) EnableWebSearch() {
	for _, p := range r.Plugins {
		if p.ID == "web" {
			return
		}
	}
	r.Plugins = append(r.Plugins, Plugin{ID: "web"})
}

// Completion is Router's buffered chat response, reduced to what the gateway
// consumes.
type Completion struct {
	ID          string
	Model       string
	Content     string
	Reasoning   string
	Annotations []gateway.Annotation
	Usage       gateway.Usage
}

type completionWire struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content     string          `json:"content"`
			Reasoning   string          `json:"reasoning,omitempty"`
			Annotations json.RawMessage `json:"annotations,omitempty"`
		} `json:"message"`
	} `json:"choices"`
	Usage gateway.Usage `json:"usage"`
}

// Client talks to Router. Safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a Client. A nil httpClient gets a default with the 300s cap;
// callers passing their own client keep responsibility for the timeout.
func New(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: CallTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpClient,
	}
}

// Complete issues a buffered chat completion.
func (c *Client) Complete(ctx context.Context, req *Request) (*Completion, error) {
	out := *req
	out.Stream = false
	if out.Usage == nil {
		out.Usage = &UsageOptions{Include: true}
	}

	resp, err := c.post(ctx, "/chat/completions", &out)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, mapAPIError(ctx, resp)
	}

	var wire completionWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, gateway.ErrUpstream.Wrap(fmt.Errorf("decode completion: %w", err))
	}
	comp := &Completion{ID: wire.ID, Model: wire.Model, Usage: wire.Usage}
	if len(wire.Choices) > 0 {
		msg := wire.Choices[0].Message
		comp.Content = msg.Content
		comp.Reasoning = msg.Reasoning
		comp.Annotations = ParseAnnotations(msg.Annotations)
	}
	return comp, nil
}

// StreamChunk is one SSE data payload from a streaming completion. Data is
// the raw JSON record; consumers probe it without full decoding.
type StreamChunk struct {
	Data []byte
	Done bool
	Err  error
}

// Stream opens a streaming chat completion and returns a channel of raw SSE
// payloads. Retries apply only until the stream opens; after the first byte
// errors surface on the channel. The channel closes after Done or Err.
func (c *Client) Stream(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	out := *req
	out.Stream = true
	if out.Usage == nil {
		out.Usage = &UsageOptions{Include: true}
	}

	resp, err := c.post(ctx, "/chat/completions", &out)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, mapAPIError(ctx, resp)
	}

	ch := make(chan StreamChunk, 8)
	go readSSE(ctx, resp, ch)
	return ch, nil
}

// post sends the marshaled body with at most one retry for pre-first-byte
// transient failures: connect errors and 502/503/504. 4xx responses are
// never retried.
func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, gateway.ErrInternal.Wrap(fmt.Errorf("marshal router request: %w", err))
	}

	var resp *http.Response
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
		if err != nil {
			return nil, gateway.ErrInternal.Wrap(err)
		}
		c.setHeaders(req)

		resp, err = c.http.Do(req)
		if err != nil {
			if attempt == 0 && ctx.Err() == nil {
				sleepJitter(ctx)
				continue
			}
			return nil, gateway.ErrUpstream.Wrap(err)
		}
		if attempt == 0 && isTransientStatus(resp.StatusCode) {
			resp.Body.Close()
			sleepJitter(ctx)
			continue
		}
		return resp, nil
	}
}

func isTransientStatus(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func sleepJitter(ctx context.Context) {
	d := time.Duration(rand.Int64N(int64(maxRetryJitter)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// mapAPIError turns a non-2xx response into the domain error taxonomy and
// logs the enriched upstream detail once.
func mapAPIError(ctx context.Context, resp *http.Response) error {
	apiErr := ParseAPIError(resp)
	slog.LogAttrs(ctx, slog.LevelWarn, "router rejected request",
		slog.Int("status", apiErr.StatusCode),
		slog.String("upstream_request_id", apiErr.UpstreamRequestID),
		slog.String("ratelimit_remaining", apiErr.RateLimitRemaining),
		slog.String("body", apiErr.Body),
	)
	switch {
	case apiErr.IsModelNotFound():
		return gateway.ErrModelUnavailable.Wrap(apiErr)
	case apiErr.StatusCode >= 500:
		return gateway.ErrUpstream.Wrap(apiErr)
	default:
		return gateway.ErrUpstreamRejected.Wrap(apiErr)
	}
}

func (c *Client) setHeaders(r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		r.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
