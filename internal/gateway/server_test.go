package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harborline/concierge/internal/bus"
	"github.com/harborline/concierge/internal/config"
	"github.com/harborline/concierge/internal/conflict"
	"github.com/harborline/concierge/internal/guard"
	"github.com/harborline/concierge/internal/llm"
	"github.com/harborline/concierge/internal/orchestrator"
	"github.com/harborline/concierge/internal/persistence"
	"github.com/harborline/concierge/internal/tools"
	"github.com/harborline/concierge/internal/trust"
)

// cannedProvider replays scripted responses in order.
type cannedProvider struct {
	script []*llm.Response
	calls  int
}

func (p *cannedProvider) Name() string { return "canned" }

func (p *cannedProvider) Generate(_ context.Context, _ llm.Request) (*llm.Response, error) {
	if p.calls >= len(p.script) {
		return &llm.Response{Text: "All set."}, nil
	}
	resp := p.script[p.calls]
	p.calls++
	return resp, nil
}

type fixture struct {
	server   *httptest.Server
	store    *persistence.Store
	bus      *bus.Bus
	provider *cannedProvider
}

func newFixture(t *testing.T, script []*llm.Response) *fixture {
	t.Helper()
	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "concierge.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	toolReg := tools.NewRegistry()
	trustReg := trust.NewRegistry()
	if err := tools.RegisterReadTools(toolReg, store); err != nil {
		t.Fatalf("register read tools: %v", err)
	}
	if err := tools.RegisterWriteTools(toolReg, trustReg, store, conflict.NewGuard()); err != nil {
		t.Fatalf("register write tools: %v", err)
	}
	engine := trust.NewEngine(store, trustReg, trust.Options{}, nil)
	guards := guard.NewRegistry(guard.Limits{
		MaxToolDepth:         3,
		MaxTurns:             40,
		MaxTokens:            100000,
		MaxDuration:          time.Hour,
		MaxConsecutiveErrors: 3,
	}, eventBus)

	provider := &cannedProvider{script: script}
	orch := orchestrator.New(store, toolReg, engine, guards, provider, eventBus,
		orchestrator.Settings{MaxToolDepth: 3}, "", nil)

	srv := New(Config{
		Store:        store,
		Orchestrator: orch,
		Bus:          eventBus,
		Auth: NewAuthMiddleware([]config.TenantKeyConfig{
			{Key: "key-internal", TenantID: "t1", Channel: "internal"},
			{Key: "key-public", TenantID: "t1", Channel: "public"},
			{Key: "key-other", TenantID: "t2", Channel: "internal"},
		}),
		RateLimit:         NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 600, BurstSize: 100}, nil),
		ConfigFingerprint: "cfg-test",
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{server: ts, store: store, bus: eventBus, provider: provider}
}

func (f *fixture) post(t *testing.T, key, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, f.server.URL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestChat_PlainTurn(t *testing.T) {
	f := newFixture(t, []*llm.Response{{Text: "Hello! How can I help?"}})

	resp, body := f.post(t, "key-internal", "/v1/chat", map[string]any{"message": "hi"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, body %v", resp.StatusCode, body)
	}
	if body["reply"] != "Hello! How can I help?" {
		t.Fatalf("unexpected reply: %v", body["reply"])
	}
	if body["session_id"] == "" || body["session_id"] == nil {
		t.Fatal("missing session_id")
	}
}

func TestChat_RequiresMessage(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.post(t, "key-internal", "/v1/chat", map[string]any{"message": "  "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestChat_RejectsUnknownFields(t *testing.T) {
	f := newFixture(t, nil)

	// Tenant identity comes from the API key, never the body.
	resp, _ := f.post(t, "key-internal", "/v1/chat", map[string]any{
		"message":   "hi",
		"tenant_id": "someone-else",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", resp.StatusCode)
	}
}

func TestProposalFlow_ConfirmOverHTTP(t *testing.T) {
	f := newFixture(t, []*llm.Response{
		{ToolCalls: []llm.ToolCall{{
			ID:   "c1",
			Name: "create_booking",
			Input: map[string]any{
				"event_date":     "2026-10-03",
				"customer_email": "pat@example.com",
			},
		}}},
		{Text: "I need your confirmation to book that."},
	})

	resp, body := f.post(t, "key-internal", "/v1/chat", map[string]any{"message": "book oct 3 for pat@example.com"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status %d", resp.StatusCode)
	}
	pending, ok := body["pending"].([]any)
	if !ok || len(pending) != 1 {
		t.Fatalf("expected one pending action, got %v", body["pending"])
	}
	action := pending[0].(map[string]any)
	proposalID, _ := action["proposal_id"].(string)
	sessionID, _ := body["session_id"].(string)
	if proposalID == "" || sessionID == "" {
		t.Fatalf("missing ids: %v", action)
	}

	// The pending list endpoint sees it too.
	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/v1/proposals?session_id="+sessionID, nil)
	req.Header.Set("X-API-Key", "key-internal")
	listResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("list proposals: %v", err)
	}
	defer listResp.Body.Close()
	var listBody struct {
		Proposals []persistence.Proposal `json:"proposals"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&listBody); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listBody.Proposals) != 1 || listBody.Proposals[0].ID != proposalID {
		t.Fatalf("pending list mismatch: %+v", listBody.Proposals)
	}

	resp, body = f.post(t, "key-internal", "/v1/proposals/"+proposalID+"/confirm",
		map[string]any{"session_id": sessionID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm status %d, body %v", resp.StatusCode, body)
	}
	reply, _ := body["reply"].(string)
	if !strings.HasPrefix(reply, "Done.") {
		t.Fatalf("unexpected confirm reply: %q", reply)
	}

	booking, err := f.store.GetBookingByDate(context.Background(), "t1", "2026-10-03")
	if err != nil {
		t.Fatalf("booking not written: %v", err)
	}
	if booking.CustomerEmail != "pat@example.com" {
		t.Fatalf("wrong booking: %+v", booking)
	}
}

func TestProposalFlow_CrossTenantConfirmDenied(t *testing.T) {
	f := newFixture(t, []*llm.Response{
		{ToolCalls: []llm.ToolCall{{
			ID:   "c1",
			Name: "create_booking",
			Input: map[string]any{
				"event_date":     "2026-10-04",
				"customer_email": "pat@example.com",
			},
		}}},
		{Text: "Awaiting confirmation."},
	})

	_, body := f.post(t, "key-internal", "/v1/chat", map[string]any{"message": "book it"})
	pending := body["pending"].([]any)
	action := pending[0].(map[string]any)
	proposalID := action["proposal_id"].(string)
	sessionID := body["session_id"].(string)

	// A different tenant's key cannot confirm this proposal. The refusal
	// is a user-facing reply, not an execution.
	resp, confirmBody := f.post(t, "key-other", "/v1/proposals/"+proposalID+"/confirm",
		map[string]any{"session_id": sessionID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm status %d body %v", resp.StatusCode, confirmBody)
	}
	if reply, _ := confirmBody["reply"].(string); strings.HasPrefix(reply, "Done.") {
		t.Fatalf("cross-tenant confirm must not execute: %q", reply)
	}
	if _, err := f.store.GetBookingByDate(context.Background(), "t1", "2026-10-04"); err == nil {
		t.Fatal("booking must not exist after denied confirm")
	}
}

func TestProposalDetail_ReturnsHistory(t *testing.T) {
	f := newFixture(t, []*llm.Response{
		{ToolCalls: []llm.ToolCall{{
			ID:   "c1",
			Name: "create_booking",
			Input: map[string]any{
				"event_date":     "2026-10-05",
				"customer_email": "pat@example.com",
			},
		}}},
		{Text: "Awaiting confirmation."},
	})

	_, body := f.post(t, "key-internal", "/v1/chat", map[string]any{"message": "book oct 5"})
	pending := body["pending"].([]any)
	action := pending[0].(map[string]any)
	proposalID := action["proposal_id"].(string)
	sessionID := body["session_id"].(string)

	resp, _ := f.post(t, "key-internal", "/v1/proposals/"+proposalID+"/confirm",
		map[string]any{"session_id": sessionID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm status %d", resp.StatusCode)
	}

	get := func(key string) (*http.Response, map[string]any) {
		req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/v1/proposals/"+proposalID, nil)
		req.Header.Set("X-API-Key", key)
		r, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("detail request: %v", err)
		}
		defer r.Body.Close()
		var decoded map[string]any
		_ = json.NewDecoder(r.Body).Decode(&decoded)
		return r, decoded
	}

	resp2, detail := get("key-internal")
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("detail status %d, body %v", resp2.StatusCode, detail)
	}
	p, ok := detail["proposal"].(map[string]any)
	if !ok || p["id"] != proposalID {
		t.Fatalf("detail missing proposal: %v", detail)
	}
	history, ok := detail["history"].([]any)
	if !ok || len(history) < 2 {
		t.Fatalf("expected transition log through confirm and execute, got %v", detail["history"])
	}

	// Another tenant's key sees nothing.
	resp3, _ := get("key-other")
	if resp3.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign tenant, got %d", resp3.StatusCode)
	}
}

func TestHealthz_OpenAndReportsFingerprint(t *testing.T) {
	f := newFixture(t, nil)

	// No API key on purpose.
	resp, err := http.Get(f.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["db_ok"] != true {
		t.Fatalf("db not healthy: %v", body)
	}
	if body["config_fingerprint"] != "cfg-test" {
		t.Fatalf("fingerprint missing: %v", body)
	}
}

func TestAuth_MissingAndInvalidKeys(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.post(t, "", "/v1/chat", map[string]any{"message": "hi"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", resp.StatusCode)
	}

	resp, _ = f.post(t, "nope", "/v1/chat", map[string]any{"message": "hi"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for bad key, got %d", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, nil)

	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/v1/chat", nil)
	req.Header.Set("X-API-Key", "key-internal")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestRateLimit_Enforced(t *testing.T) {
	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "concierge.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	srv := New(Config{
		Store: store,
		Auth:  NewAuthMiddleware([]config.TenantKeyConfig{{Key: "k", TenantID: "t1", Channel: "internal"}}),
		RateLimit: NewRateLimitMiddleware(config.RateLimitConfig{
			Enabled: true, RequestsPerMinute: 1, BurstSize: 2,
		}, nil),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	status := func() int {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/proposals?session_id=s", nil)
		req.Header.Set("X-API-Key", "k")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if s := status(); s != http.StatusOK {
		t.Fatalf("first request: %d", s)
	}
	if s := status(); s != http.StatusOK {
		t.Fatalf("second request: %d", s)
	}
	if s := status(); s != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", s)
	}

	// Health is never rate limited.
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz rate limited: %d", resp.StatusCode)
	}
}

func TestRateLimit_TenantKeysShareBucket(t *testing.T) {
	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "concierge.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	tenants := []config.TenantKeyConfig{
		{Key: "k-internal", TenantID: "t1", Channel: "internal"},
		{Key: "k-public", TenantID: "t1", Channel: "public"},
	}
	srv := New(Config{
		Store: store,
		Auth:  NewAuthMiddleware(tenants),
		RateLimit: NewRateLimitMiddleware(config.RateLimitConfig{
			Enabled: true, RequestsPerMinute: 1, BurstSize: 2,
		}, tenants),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	status := func(key string) int {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/proposals?session_id=s", nil)
		req.Header.Set("X-API-Key", key)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	// Both keys belong to t1, so they spend from the same allowance.
	if s := status("k-internal"); s != http.StatusOK {
		t.Fatalf("first request: %d", s)
	}
	if s := status("k-public"); s != http.StatusOK {
		t.Fatalf("second request via sibling key: %d", s)
	}
	if s := status("k-internal"); s != http.StatusTooManyRequests {
		t.Fatalf("expected tenant budget exhausted, got %d", s)
	}
}

func TestRateLimit_Eviction(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 10}, nil)
	for i := 0; i < 5; i++ {
		rl.getBucket(fmt.Sprintf("key-%d", i))
	}
	if n := rl.BucketCount(); n != 5 {
		t.Fatalf("expected 5 buckets, got %d", n)
	}
	time.Sleep(10 * time.Millisecond)
	rl.EvictStale(time.Millisecond)
	if n := rl.BucketCount(); n != 0 {
		t.Fatalf("expected eviction to clear buckets, got %d", n)
	}
}
