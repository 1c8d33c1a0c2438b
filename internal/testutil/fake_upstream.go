package testutil

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	gateway "github.com/torii-gw/torii/internal"
	"github.com/torii-gw/torii/internal/router"
)

// FakeUpstream is a configurable app.Upstream for testing.
type FakeUpstream struct {
	CompleteFn func(ctx context.Context, req *router.Request) (*router.Completion, error)
	StreamFn   func(ctx context.Context, req *router.Request) (<-chan router.StreamChunk, error)

	mu       sync.Mutex
	requests []*router.Request
}

// Requests returns every request the fake has seen.
func (f *FakeUpstream) Requests() []*router.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*router.Request, len(f.requests))
	copy(out, f.requests)
	return out
}

func (f *FakeUpstream) record(req *router.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
}

// Complete delegates to CompleteFn or returns a default completion.
func (f *FakeUpstream) Complete(ctx context.Context, req *router.Request) (*router.Completion, error) {
	f.record(req)
	if f.CompleteFn != nil {
		return f.CompleteFn(ctx, req)
	}
	return &router.Completion{
		ID:      "gen-fake",
		Model:   req.Model,
		Content: "hello",
		Usage:   gateway.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
	}, nil
}

// Stream delegates to StreamFn or emits a canned two-chunk stream.
func (f *FakeUpstream) Stream(ctx context.Context, req *router.Request) (<-chan router.StreamChunk, error) {
	f.record(req)
	if f.StreamFn != nil {
		return f.StreamFn(ctx, req)
	}
	return ChunkStream(
		[]byte(`{"id":"gen-fake","choices":[{"delta":{"content":"hel"}}]}`),
		[]byte(`{"choices":[{"delta":{"content":"lo"}}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`),
	), nil
}

// ChunkStream builds a closed channel of data chunks followed by Done.
func ChunkStream(data ...[]byte) <-chan router.StreamChunk {
	ch := make(chan router.StreamChunk, len(data)+1)
	for _, d := range data {
		ch <- router.StreamChunk{Data: d}
	}
	ch <- router.StreamChunk{Done: true}
	close(ch)
	return ch
}

// FakeBlob is an in-memory blob.Store.
type FakeBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewFakeBlob returns an empty FakeBlob.
func NewFakeBlob() *FakeBlob {
	return &FakeBlob{objects: make(map[string][]byte)}
}

// Has reports whether an object exists.
func (b *FakeBlob) Has(bucket, path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[bucket+"/"+path]
	return ok
}

func (b *FakeBlob) Put(_ context.Context, bucket, path, _ string, r io.Reader) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return err
	}
	b.mu.Lock()
	b.objects[bucket+"/"+path] = buf.Bytes()
	b.mu.Unlock()
	return nil
}

func (b *FakeBlob) Delete(_ context.Context, bucket, path string) error {
	b.mu.Lock()
	delete(b.objects, bucket+"/"+path)
	b.mu.Unlock()
	return nil
}

func (b *FakeBlob) SignedURL(_ context.Context, bucket, path string, _ time.Duration) (string, error) {
	return "https://signed.test/" + bucket + "/" + path, nil
}

// FakeFetcher serves a fixed model list to the catalog.
type FakeFetcher struct {
	Models []gateway.ModelDescriptor
	Err    error
}

func (f *FakeFetcher) FetchModels(context.Context) ([]gateway.ModelDescriptor, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Models, nil
}

// CatalogModels is a small model set matching the tiers in ProFeatures and
// AnonymousFeatures.
func CatalogModels() []gateway.ModelDescriptor {
	return []gateway.ModelDescriptor{
		{
			ID:               "vendor/free-small",
			InputModalities:  []gateway.Modality{gateway.ModalityText},
			OutputModalities: []gateway.Modality{gateway.ModalityText},
			ContextWindow:    8192, FreeVariant: true,
		},
		{
			ID:               "vendor/free-vision",
			InputModalities:  []gateway.Modality{gateway.ModalityText, gateway.ModalityImage},
			OutputModalities: []gateway.Modality{gateway.ModalityText},
			ContextWindow:    16384, FreeVariant: true,
		},
		{
			ID:               "vendor/vision-pro",
			InputModalities:  []gateway.Modality{gateway.ModalityText, gateway.ModalityImage},
			OutputModalities: []gateway.Modality{gateway.ModalityText},
			ContextWindow:    128000, MaxOutputTokens: 4096,
			SupportsReasoning: true,
			PricePerKInput:    0.003, PricePerKOutput: 0.015,
		},
	}
}
