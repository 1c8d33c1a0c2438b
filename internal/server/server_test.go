package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gateway "github.com/torii-gw/torii/internal"
	"github.com/torii-gw/torii/internal/app"
	"github.com/torii-gw/torii/internal/catalog"
	"github.com/torii-gw/torii/internal/ratelimit"
	"github.com/torii-gw/torii/internal/router"
	"github.com/torii-gw/torii/internal/settings"
	"github.com/torii-gw/torii/internal/testutil"
	"github.com/torii-gw/torii/internal/tokencount"
)

type testEnv struct {
	handler  http.Handler
	resolver *testutil.FakeResolver
	store    *testutil.FakeStore
	blobs    *testutil.FakeBlob
	upstream *testutil.FakeUpstream
}

func newEnv(t *testing.T, limits ratelimit.Limits) *testEnv {
	t.Helper()
	store := testutil.NewFakeStore()
	blobs := testutil.NewFakeBlob()
	upstream := &testutil.FakeUpstream{}
	resolver := &testutil.FakeResolver{}

	cat := catalog.New(&testutil.FakeFetcher{Models: testutil.CatalogModels()}, time.Minute)
	counter := tokencount.NewCounter()
	chat := app.NewChatService(
		app.NewValidator(cat, counter),
		app.NewAttachmentResolver(store, blobs, time.Minute),
		upstream,
		nil,
		settings.NewStore(settings.Flags{MarkersEnabled: true, ReasoningEnabled: true}),
	)

	var limiter *ratelimit.Limiter
	if limits != nil {
		limiter = ratelimit.New(ratelimit.NewMemoryWindow(), limits, time.Hour)
	}

	return &testEnv{
		handler: New(Deps{
			Resolver:         resolver,
			Chat:             chat,
			Catalog:          cat,
			Store:            store,
			Blobs:            blobs,
			Limiter:          limiter,
			Counter:          counter,
			InternalSecret:   "hush",
			AttachmentBucket: "att",
		}),
		resolver: resolver,
		store:    store,
		blobs:    blobs,
		upstream: upstream,
	}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func chatBody(model, text string) map[string]any {
	return map[string]any{
		"model":    model,
		"messages": []map[string]any{{"role": "user", "content": text}},
	}
}

func decodeErr(t *testing.T, rec *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var e errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, rec.Body.String())
	}
	return e
}

func TestChatAnonymousHappyPath(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)

	rec := doJSON(t, env.handler, http.MethodPost, "/chat", chatBody("vendor/free-small", "hi"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-Model"); got != "vendor/free-small" {
		t.Errorf("X-Model = %q", got)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id")
	}

	var resp gateway.ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Response != "hello" || resp.ContentType != gateway.MarkdownContentType {
		t.Errorf("resp = %+v", resp)
	}
}

func TestChatResolvesEnhancedLevel(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)

	rec := doJSON(t, env.handler, http.MethodPost, "/chat", chatBody("vendor/free-small", "hi"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	// Chat takes optional credentials with degrade-to-anonymous, so the
	// resolver must see the enhanced level, not public.
	if len(env.resolver.Levels) != 1 || env.resolver.Levels[0] != gateway.AccessEnhanced {
		t.Errorf("resolved levels = %v", env.resolver.Levels)
	}
}

func TestChatUnknownModelReachesUpstream(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)
	auth := testutil.ProAuth()
	auth.Features.AllowedModels = []string{gateway.WildcardModel}
	env.resolver.Auth = auth
	env.upstream.CompleteFn = func(context.Context, *router.Request) (*router.Completion, error) {
		return nil, gateway.ErrUpstreamRejected.Wrap(&router.APIError{
			StatusCode:        http.StatusNotFound,
			UpstreamRequestID: "up-77",
			Body:              `{"error":"model not found"}`,
		})
	}

	rec := doJSON(t, env.handler, http.MethodPost, "/chat", chatBody("vendor/unknown", "hi"))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if e := decodeErr(t, rec); e.Code != "UPSTREAM_REJECTED" {
		t.Errorf("code = %q", e.Code)
	}

	// The wildcard grant lets the unknown model through untouched; the
	// rejection must come from the upstream, not the validator.
	reqs := env.upstream.Requests()
	if len(reqs) != 1 || reqs[0].Model != "vendor/unknown" {
		t.Errorf("upstream requests = %+v", reqs)
	}
}

func TestChatModelDowngradeWarning(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)

	rec := doJSON(t, env.handler, http.MethodPost, "/chat", chatBody("closed/frontier", "hi"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp gateway.ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Model != "vendor/free-small" || len(resp.Warnings) != 1 {
		t.Errorf("model = %q warnings = %v", resp.Model, resp.Warnings)
	}
}

func TestChatFeatureGateRejects(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)

	body := chatBody("vendor/free-small", "hi")
	body["web_search"] = true
	rec := doJSON(t, env.handler, http.MethodPost, "/chat", body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
	if e := decodeErr(t, rec); e.Code != "FEATURE_NOT_AVAILABLE" || len(e.Suggestions) == 0 {
		t.Errorf("envelope = %+v", e)
	}
	if len(env.upstream.Requests()) != 0 {
		t.Error("gated request reached upstream")
	}
}

func TestChatInvalidBody(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)

	rec := doJSON(t, env.handler, http.MethodPost, "/chat", map[string]any{"messages": []any{}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if e := decodeErr(t, rec); e.Code != "BAD_REQUEST" {
		t.Errorf("code = %q", e.Code)
	}
}

func TestRateLimitHeadersAndRejection(t *testing.T) {
	t.Parallel()
	limits := ratelimit.Limits{"A": {gateway.TierAnonymous: 2}}
	env := newEnv(t, limits)

	for i := 0; i < 2; i++ {
		rec := doJSON(t, env.handler, http.MethodPost, "/chat", chatBody("vendor/free-small", "hi"))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
		if rec.Header().Get("X-Ratelimit-Limit") != "2" {
			t.Errorf("limit header = %q", rec.Header().Get("X-Ratelimit-Limit"))
		}
	}

	rec := doJSON(t, env.handler, http.MethodPost, "/chat", chatBody("vendor/free-small", "hi"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if rec.Header().Get("X-Ratelimit-Remaining") != "0" {
		t.Errorf("remaining = %q", rec.Header().Get("X-Ratelimit-Remaining"))
	}
	e := decodeErr(t, rec)
	if e.Code != "RATE_LIMIT_EXCEEDED" || !e.Retryable {
		t.Errorf("envelope = %+v", e)
	}
}

func TestRateLimitBypassForEnterprise(t *testing.T) {
	t.Parallel()
	limits := ratelimit.Limits{"A": {gateway.TierEnterprise: 1}}
	env := newEnv(t, limits)
	auth := testutil.ProAuth()
	auth.Profile.Tier = gateway.TierEnterprise
	auth.Features.CanBypassRateLimit = true
	env.resolver.Auth = auth

	for i := 0; i < 3; i++ {
		rec := doJSON(t, env.handler, http.MethodPost, "/chat", chatBody("vendor/free-small", "hi"))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
}

func TestAdminEndpointsIgnoreBypassGrant(t *testing.T) {
	t.Parallel()
	limits := ratelimit.Limits{"D": {gateway.TierEnterprise: 1}}
	env := newEnv(t, limits)
	auth := testutil.AdminAuth()
	auth.Features.CanBypassRateLimit = true
	env.resolver.Auth = auth
	env.store.AddProfile(&gateway.UserProfile{ID: "u2", Tier: gateway.TierFree})

	// The class-D budget applies even to accounts holding the bypass grant.
	rec := doJSON(t, env.handler, http.MethodPost, "/admin/users/u2/ban", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("first call status = %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Ratelimit-Limit") != "1" {
		t.Errorf("limit header = %q", rec.Header().Get("X-Ratelimit-Limit"))
	}

	rec = doJSON(t, env.handler, http.MethodPost, "/admin/users/u2/unban", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second call status = %d", rec.Code)
	}
	if e := decodeErr(t, rec); e.Code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("code = %q", e.Code)
	}
}

func TestBannedUserBlockedFromChatOnly(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)
	auth := testutil.ProAuth()
	auth.Profile.Banned = true
	env.resolver.Auth = auth
	env.store.AddProfile(auth.Profile)

	rec := doJSON(t, env.handler, http.MethodPost, "/chat", chatBody("vendor/free-small", "hi"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("chat status = %d", rec.Code)
	}
	if e := decodeErr(t, rec); e.Code != "ACCOUNT_BANNED" {
		t.Errorf("code = %q", e.Code)
	}

	// Read access survives the ban.
	env.store.CreateSessionIfMissing(t.Context(), "s1", "u1", "old chat")
	rec = doJSON(t, env.handler, http.MethodGet, "/chat/messages?session_id=s1", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("messages status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestExpiredBanAllowsChat(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)
	auth := testutil.ProAuth()
	past := time.Now().Add(-time.Hour)
	auth.Profile.Banned = true
	auth.Profile.BannedUntil = &past
	env.resolver.Auth = auth

	rec := doJSON(t, env.handler, http.MethodPost, "/chat", chatBody("vendor/free-small", "hi"))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestProtectedEndpointRequiresAuth(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)
	env.resolver.Err = gateway.ErrAuthRequired

	rec := doJSON(t, env.handler, http.MethodPost, "/chat/messages", map[string]any{})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if e := decodeErr(t, rec); e.Code != "AUTH_REQUIRED" {
		t.Errorf("code = %q", e.Code)
	}
}

func TestChatStreamWireFormat(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)

	rec := doJSON(t, env.handler, http.MethodPost, "/chat/stream", chatBody("vendor/free-small", "hi"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Streaming") != "true" {
		t.Error("missing X-Streaming header")
	}
	if rec.Header().Get("X-Model") != "vendor/free-small" {
		t.Errorf("X-Model = %q", rec.Header().Get("X-Model"))
	}

	body := rec.Body.String()
	if !strings.HasPrefix(body, "hello") {
		t.Errorf("content prefix = %q", body[:min(len(body), 20)])
	}
	start := strings.Index(body, "__STREAM_METADATA_START__")
	if start < 0 {
		t.Fatal("missing metadata envelope")
	}
	if !strings.HasSuffix(body, "__STREAM_METADATA_END__\n") {
		t.Errorf("envelope is not the last bytes: %q", body[len(body)-40:])
	}

	payload := body[start+len("__STREAM_METADATA_START__") : strings.Index(body, "__STREAM_METADATA_END__")]
	var envelope map[string]*gateway.ChatResponse
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	final := envelope["__FINAL_METADATA__"]
	if final == nil || final.Response != "hello" || final.Usage.TotalTokens != 7 {
		t.Errorf("final metadata = %+v", final)
	}
}

func TestSyncReadAndSearchMessages(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)
	env.resolver.Auth = testutil.ProAuth()

	sync := map[string]any{
		"session_id": "s1",
		"title":      "trip planning",
		"messages": []map[string]any{
			{"id": "m1", "role": "user", "content": "plan a trip"},
			{"id": "m2", "role": "assistant", "content": "sure, where to?"},
		},
	}
	rec := doJSON(t, env.handler, http.MethodPost, "/chat/messages", sync)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync status = %d: %s", rec.Code, rec.Body.String())
	}

	// Retry is idempotent on message IDs.
	rec = doJSON(t, env.handler, http.MethodPost, "/chat/messages", sync)
	if rec.Code != http.StatusOK {
		t.Fatalf("re-sync status = %d", rec.Code)
	}

	rec = doJSON(t, env.handler, http.MethodGet, "/chat/messages?session_id=s1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("read status = %d", rec.Code)
	}
	var read struct {
		Messages []gateway.StoredMessage `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &read); err != nil {
		t.Fatal(err)
	}
	if len(read.Messages) != 2 || read.Messages[0].Tokens == 0 {
		t.Errorf("messages = %+v", read.Messages)
	}

	rec = doJSON(t, env.handler, http.MethodGet, "/chat/search?q=trip", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("search status = %d", rec.Code)
	}
	var search struct {
		Results []gateway.SearchResult `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &search); err != nil {
		t.Fatal(err)
	}
	if len(search.Results) != 1 || search.Results[0].SessionID != "s1" {
		t.Errorf("results = %+v", search.Results)
	}
}

func TestSyncRequiresFeature(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)
	auth := testutil.ProAuth()
	auth.Features.CanSyncConversations = false
	env.resolver.Auth = auth

	rec := doJSON(t, env.handler, http.MethodPost, "/chat/messages", map[string]any{
		"session_id": "s1",
		"messages":   []map[string]any{{"id": "m1", "role": "user", "content": "x"}},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAttachmentUpload(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)
	env.resolver.Auth = testutil.ProAuth()

	upload := func(mime string) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		hdr := make(map[string][]string)
		hdr["Content-Disposition"] = []string{`form-data; name="file"; filename="pic"`}
		hdr["Content-Type"] = []string{mime}
		pw, err := mw.CreatePart(hdr)
		if err != nil {
			t.Fatal(err)
		}
		pw.Write([]byte("imagebytes"))
		mw.Close()

		req := httptest.NewRequest(http.MethodPost, "/attachments/upload", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		return rec
	}

	rec := upload("image/png")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var att gateway.Attachment
	if err := json.Unmarshal(rec.Body.Bytes(), &att); err != nil {
		t.Fatal(err)
	}
	if att.Status != gateway.AttachmentReady || att.UserID != "u1" {
		t.Errorf("attachment = %+v", att)
	}
	if !env.blobs.Has("att", att.StoragePath) {
		t.Error("blob not written")
	}

	rec = upload("image/gif")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("gif status = %d", rec.Code)
	}
	if e := decodeErr(t, rec); e.Code != "ATTACHMENT_INVALID" {
		t.Errorf("code = %q", e.Code)
	}
}

func TestAdminBanRequiresAdmin(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)
	env.resolver.Auth = testutil.ProAuth()

	rec := doJSON(t, env.handler, http.MethodPost, "/admin/users/u2/ban", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAdminBanUnban(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)
	env.resolver.Auth = testutil.AdminAuth()
	env.store.AddProfile(&gateway.UserProfile{ID: "u2", Tier: gateway.TierFree})

	until := time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339)
	rec := doJSON(t, env.handler, http.MethodPost, "/admin/users/u2/ban", map[string]any{
		"reason": "abuse",
		"until":  until,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("ban status = %d: %s", rec.Code, rec.Body.String())
	}
	p, err := env.store.GetProfile(t.Context(), "u2")
	if err != nil || !p.Banned || p.BannedUntil == nil {
		t.Errorf("profile after ban = %+v (%v)", p, err)
	}
	if len(env.resolver.Invalidated) != 1 || env.resolver.Invalidated[0] != "u2" {
		t.Errorf("invalidated = %v", env.resolver.Invalidated)
	}

	rec = doJSON(t, env.handler, http.MethodPost, "/admin/users/u2/unban", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unban status = %d", rec.Code)
	}
	p, _ = env.store.GetProfile(t.Context(), "u2")
	if p.Banned {
		t.Error("still banned after unban")
	}
}

func TestModelsFilteredByTier(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)

	rec := doJSON(t, env.handler, http.MethodGet, "/models", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var list modelListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Models) != 2 {
		t.Errorf("anonymous models = %+v", list.Models)
	}
	for _, m := range list.Models {
		if !m.Free {
			t.Errorf("non-free model for anonymous tier: %+v", m)
		}
	}

	env.resolver.Auth = testutil.ProAuth()
	rec = doJSON(t, env.handler, http.MethodGet, "/models", nil)
	var proList modelListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &proList); err != nil {
		t.Fatal(err)
	}
	if len(proList.Models) != 3 {
		t.Errorf("pro models = %+v", proList.Models)
	}
}

func TestInternalEndpointsNeedSecret(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/internal/attachments/retention", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("no-secret status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/internal/attachments/retention", nil)
	req.Header.Set("X-Internal-Secret", "hush")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	// Reaper is not wired in tests, so the route answers 404.
	if rec.Code != http.StatusNotFound {
		t.Fatalf("with-secret status = %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	env := newEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}
