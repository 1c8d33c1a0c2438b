package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	gateway "github.com/torii-gw/torii/internal"
)

func testRequest() *Request {
	return &Request{
		Model:    "vendor/model",
		Messages: []gateway.Message{{Role: "user", Content: gateway.TextContent("hi")}},
	}
}

func TestCompleteHappyPath(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth header = %q", got)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Error(err)
		}
		if req.Stream {
			t.Error("buffered call sent stream=true")
		}
		if req.Usage == nil || !req.Usage.Include {
			t.Error("usage accounting not requested")
		}
		fmt.Fprint(w, `{
			"id": "gen-123",
			"model": "vendor/model",
			"choices": [{"message": {
				"content": "hello",
				"reasoning": "thinking...",
				"annotations": [
					{"type":"url_citation","url_citation":{"url":"https://a.example","title":"A","start_index":0,"end_index":4}},
					{"type":"url_citation","url":"https://b.example"}
				]
			}}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 5, "total_tokens": 8}
		}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "sk-test", srv.Client())
	comp, err := c.Complete(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	if comp.ID != "gen-123" || comp.Content != "hello" || comp.Reasoning != "thinking..." {
		t.Errorf("completion = %+v", comp)
	}
	if comp.Usage.TotalTokens != 8 {
		t.Errorf("usage = %+v", comp.Usage)
	}
	if len(comp.Annotations) != 2 || comp.Annotations[0].URL != "https://a.example" || comp.Annotations[0].Title != "A" {
		t.Errorf("annotations = %+v", comp.Annotations)
	}
}

func TestCompleteRetriesTransientOnce(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"id":"gen-1","choices":[{"message":{"content":"ok"}}],"usage":{}}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "", srv.Client())
	comp, err := c.Complete(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	if comp.Content != "ok" {
		t.Errorf("content = %q", comp.Content)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("upstream calls = %d, want 2", n)
	}
}

func TestCompleteRepeatedTransientSurfacesUpstreamError(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("X-Request-Id", "up-77")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, "", srv.Client())
	_, err := c.Complete(context.Background(), testRequest())
	if !errors.Is(err, gateway.ErrUpstream) {
		t.Fatalf("err = %v, want UPSTREAM_ERROR", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("upstream calls = %d, want 2", n)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.UpstreamRequestID != "up-77" {
		t.Errorf("api error = %+v", apiErr)
	}
}

func TestCompleteNoRetryOn4xx(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"error":{"message":"bad params"}}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "", srv.Client())
	_, err := c.Complete(context.Background(), testRequest())
	if !errors.Is(err, gateway.ErrUpstreamRejected) {
		t.Fatalf("err = %v, want UPSTREAM_REJECTED", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("upstream calls = %d, want 1", n)
	}
}

func TestCompleteModelNotFound(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"message":"vendor/unknown is not a valid model ID"}}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "", srv.Client())
	_, err := c.Complete(context.Background(), &Request{Model: "vendor/unknown"})
	if !errors.Is(err, gateway.ErrModelUnavailable) {
		t.Fatalf("err = %v, want MODEL_UNAVAILABLE", err)
	}
}

func TestStreamDeliversChunksAndDone(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Error(err)
		}
		if !req.Stream {
			t.Error("stream call sent stream=false")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"hel"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"lo"}}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := New(srv.URL, "", srv.Client())
	ch, err := c.Stream(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}

	var data []string
	var done bool
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatal(chunk.Err)
		}
		if chunk.Done {
			done = true
			continue
		}
		data = append(data, string(chunk.Data))
	}
	if !done {
		t.Error("no Done sentinel")
	}
	if len(data) != 2 {
		t.Fatalf("chunks = %d: %v", len(data), data)
	}
}

func TestStreamOpenFailureMapsError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, "", srv.Client())
	if _, err := c.Stream(context.Background(), testRequest()); !errors.Is(err, gateway.ErrUpstreamRejected) {
		t.Fatalf("err = %v, want UPSTREAM_REJECTED", err)
	}
}

func TestFetchModels(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path = %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"data":[
			{
				"id": "vendor/vision-pro",
				"name": "Vision Pro",
				"architecture": {"input_modalities":["text","image"],"output_modalities":["text"]},
				"context_length": 128000,
				"top_provider": {"max_completion_tokens": 4096},
				"pricing": {"prompt": "0.000003", "completion": "0.000015"},
				"supported_parameters": ["temperature","reasoning"]
			},
			{
				"id": "vendor/small:free",
				"name": "Small (free)",
				"architecture": {"input_modalities":["text"],"output_modalities":["text"]},
				"context_length": 8192,
				"pricing": {"prompt": "0", "completion": "0"},
				"supported_parameters": ["temperature"]
			}
		]}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "", srv.Client())
	models, err := c.FetchModels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 2 {
		t.Fatalf("models = %d", len(models))
	}

	vp := models[0]
	if vp.ID != "vendor/vision-pro" || !vp.AcceptsImages() || !vp.SupportsReasoning {
		t.Errorf("vision-pro = %+v", vp)
	}
	if vp.ContextWindow != 128000 || vp.MaxOutputTokens != 4096 {
		t.Errorf("limits = %d/%d", vp.ContextWindow, vp.MaxOutputTokens)
	}
	// 0.000003 USD/token -> 0.003 USD per 1k.
	if vp.PricePerKInput < 0.0029 || vp.PricePerKInput > 0.0031 {
		t.Errorf("price per k input = %v", vp.PricePerKInput)
	}

	free := models[1]
	if !free.FreeVariant || free.SupportsReasoning || free.AcceptsImages() {
		t.Errorf("free = %+v", free)
	}
}

func TestParseAnnotationsShapes(t *testing.T) {
	t.Parallel()
	raw := json.RawMessage(`[
		{"type":"url_citation","url_citation":{"url":"https://a.example","title":"A"}},
		{"type":"url_citation","url":"https://b.example","content":"snippet"},
		{"type":"url_citation"}
	]`)
	anns := ParseAnnotations(raw)
	if len(anns) != 2 {
		t.Fatalf("annotations = %+v", anns)
	}
	if anns[0].URL != "https://a.example" || anns[0].Title != "A" {
		t.Errorf("wrapped shape = %+v", anns[0])
	}
	if anns[1].URL != "https://b.example" || anns[1].Content != "snippet" {
		t.Errorf("flat shape = %+v", anns[1])
	}
	if ParseAnnotations(nil) != nil {
		t.Error("nil input should yield nil")
	}
}

func TestMergeAnnotationsDedups(t *testing.T) {
	t.Parallel()
	dst := []gateway.Annotation{{Type: "url_citation", URL: "https://a.example"}}
	src := []gateway.Annotation{
		{Type: "url_citation", URL: "https://a.example", Title: "dup"},
		{Type: "url_citation", URL: "https://b.example"},
	}
	merged := MergeAnnotations(dst, src)
	if len(merged) != 2 {
		t.Fatalf("merged = %+v", merged)
	}
	if merged[0].Title != "" {
		t.Error("duplicate overwrote first-seen entry")
	}
	if merged[1].URL != "https://b.example" {
		t.Errorf("merged[1] = %+v", merged[1])
	}
}

func TestParseSSELine(t *testing.T) {
	t.Parallel()
	cases := []struct {
		line         string
		field, value string
		ok           bool
	}{
		{`data: {"x":1}`, "data", `{"x":1}`, true},
		{"event: done", "event", "done", true},
		{": comment", "", "", false},
		{"", "", "", false},
		{"garbage", "", "", false},
		{"data:no-space", "data", "no-space", true},
	}
	for _, tc := range cases {
		field, value, ok := ParseSSELine(tc.line)
		if field != tc.field || value != tc.value || ok != tc.ok {
			t.Errorf("ParseSSELine(%q) = %q, %q, %v", tc.line, field, value, ok)
		}
	}
}
