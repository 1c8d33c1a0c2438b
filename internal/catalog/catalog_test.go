package catalog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gateway "github.com/torii-gw/torii/internal"
)

type fakeFetcher struct {
	mu     sync.Mutex
	calls  atomic.Int64
	models []gateway.ModelDescriptor
	err    error
	delay  time.Duration
}

func (f *fakeFetcher) FetchModels(context.Context) ([]gateway.ModelDescriptor, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.models, f.err
}

func testModels() []gateway.ModelDescriptor {
	return []gateway.ModelDescriptor{
		{
			ID: "vendor/free-small", DisplayName: "Free Small",
			InputModalities: []gateway.Modality{gateway.ModalityText},
			OutputModalities: []gateway.Modality{gateway.ModalityText},
			ContextWindow: 8192, FreeVariant: true,
		},
		{
			ID: "vendor/vision-pro", DisplayName: "Vision Pro",
			InputModalities: []gateway.Modality{gateway.ModalityText, gateway.ModalityImage},
			OutputModalities: []gateway.Modality{gateway.ModalityText},
			ContextWindow: 128000, MaxOutputTokens: 4096,
			SupportsReasoning: true,
			PricePerKInput: 0.003, PricePerKOutput: 0.015,
		},
		{
			ID: "vendor/ancient", DisplayName: "Ancient",
			InputModalities: []gateway.Modality{gateway.ModalityText},
			ContextWindow: 4096, Deprecated: true,
		},
	}
}

func TestActiveFiltersDeprecated(t *testing.T) {
	t.Parallel()
	c := New(&fakeFetcher{models: testModels()}, time.Minute)

	models, err := c.Active(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 2 {
		t.Fatalf("active = %d, want 2", len(models))
	}
	for _, m := range models {
		if m.Deprecated {
			t.Errorf("deprecated model %s in active set", m.ID)
		}
	}
}

func TestTokenLimitsFallbackPolicy(t *testing.T) {
	t.Parallel()
	c := New(&fakeFetcher{models: testModels()}, time.Minute)
	ctx := context.Background()

	// Published output limit is respected.
	tl, ok := c.TokenLimits(ctx, "vendor/vision-pro")
	if !ok || tl.MaxOutputTokens != 4096 || tl.MaxInputTokens != 128000 {
		t.Errorf("limits = %+v, %v", tl, ok)
	}

	// Missing output limit: min(ctx/4, 8192). 8192/4 = 2048.
	tl, ok = c.TokenLimits(ctx, "vendor/free-small")
	if !ok || tl.MaxOutputTokens != 2048 {
		t.Errorf("fallback limits = %+v, %v", tl, ok)
	}

	if _, ok := c.TokenLimits(ctx, "vendor/unknown"); ok {
		t.Error("unknown model should miss")
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	c := New(&fakeFetcher{models: testModels()}, time.Minute)

	caps, ok := c.Classify(context.Background(), "vendor/vision-pro")
	if !ok {
		t.Fatal("classify miss")
	}
	if !caps.MultimodalInput || caps.MultimodalOutput || !caps.ReasoningCapable || caps.Free {
		t.Errorf("caps = %+v", caps)
	}
}

func TestFreeModelIDs(t *testing.T) {
	t.Parallel()
	c := New(&fakeFetcher{models: testModels()}, time.Minute)

	ids := c.FreeModelIDs(context.Background())
	if len(ids) != 1 || ids[0] != "vendor/free-small" {
		t.Errorf("free ids = %v", ids)
	}
}

func TestSingleflightRefresh(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{models: testModels(), delay: 20 * time.Millisecond}
	c := New(f, time.Minute)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Active(context.Background())
		}()
	}
	wg.Wait()

	if n := f.calls.Load(); n != 1 {
		t.Errorf("fetch calls = %d, want 1", n)
	}
}

func TestStaleSnapshotServedOnFetchError(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{models: testModels()}
	c := New(f, time.Nanosecond) // everything is instantly stale

	if _, err := c.Active(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.mu.Lock()
	f.err = errors.New("router down")
	f.mu.Unlock()

	models, err := c.Active(context.Background())
	if err != nil {
		t.Fatalf("stale serve failed: %v", err)
	}
	if len(models) == 0 {
		t.Error("expected stale models")
	}
}

func TestFirstFetchErrorSurfaces(t *testing.T) {
	t.Parallel()
	c := New(&fakeFetcher{err: errors.New("router down")}, time.Minute)
	if _, err := c.Active(context.Background()); err == nil {
		t.Fatal("expected error with no snapshot")
	}
}
