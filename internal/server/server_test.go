package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/acheron/engine/internal/arbitrage"
	"github.com/acheron/engine/internal/domain"
	"github.com/acheron/engine/internal/odds"
	"github.com/acheron/engine/internal/server/handler"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeHealth struct {
	healthy  bool
	statuses []domain.ComponentHealth
}

func (f fakeHealth) Healthy() bool                      { return f.healthy }
func (f fakeHealth) Statuses() []domain.ComponentHealth { return f.statuses }

type countingLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
}

func (l *countingLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts == nil {
		l.counts = map[string]int{}
	}
	l.counts[key]++
	return l.counts[key] <= limit, nil
}

type fakeAudit struct {
	got  domain.ListOpts
	rows []domain.AuditEntry
}

func (f *fakeAudit) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	f.got = opts
	return f.rows, nil
}

type fakeArchives struct{ infos []domain.BlobInfo }

func (f fakeArchives) List(context.Context, string) ([]domain.BlobInfo, error) {
	return f.infos, nil
}

type fakeStream struct {
	msgs  []domain.StreamMessage
	after string
}

func (f *fakeStream) StreamRead(_ context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	if stream != arbitrage.OpportunityStream {
		return nil, errors.New("unexpected stream " + stream)
	}
	f.after = lastID
	return f.msgs, nil
}

type testEnv struct {
	store   *odds.Store
	engine  *arbitrage.Engine
	limiter *countingLimiter
	audit   *fakeAudit
	stream  *fakeStream
	health  *fakeHealth
	srv     *Server
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   odds.New(odds.Config{}),
		limiter: &countingLimiter{},
		audit:   &fakeAudit{},
		stream:  &fakeStream{},
		health:  &fakeHealth{healthy: true},
	}
	env.engine = arbitrage.NewEngine(env.store, arbitrage.Config{ReferenceSource: "pinnacle"}, nil, nil, testLogger())

	logger := testLogger()
	handlers := Handlers{
		Health: handler.NewHealthHandler(env.health),
		Status: handler.NewStatusHandler("full", time.Now().Add(-time.Minute), func() map[string]any {
			return map[string]any{"engine": env.engine.Stats()}
		}),
		Odds:  handler.NewOddsHandler(env.store, env.engine, logger),
		Arb:   handler.NewArbHandler(env.engine, logger).WithStream(env.stream),
		Audit: handler.NewAuditHandler(env.audit, fakeArchives{infos: []domain.BlobInfo{{Path: "archive/a"}, {Path: "archive/b"}}}, "archive/", logger),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			io.WriteString(w, "acheron_up 1\n")
		}),
	}
	env.srv = NewServer(cfg, handlers, env.limiter, nil, logger)
	return env
}

func (e *testEnv) do(t *testing.T, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

const counterpartyBody = `{"source":"softbook","event_id":"evt-1","market_type":"moneyline","odds":{"home":1.90,"away":2.10}}`

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(t, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decode(t, rec)["status"]; got != "ok" {
		t.Errorf("status field = %v", got)
	}

	env.health.healthy = false
	env.health.statuses = []domain.ComponentHealth{{Name: "interceptor", Status: domain.HealthUnhealthy}}
	rec = env.do(t, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy status = %d", rec.Code)
	}
	body := decode(t, rec)
	if body["status"] != "degraded" {
		t.Errorf("status field = %v", body["status"])
	}
	if comps, _ := body["components"].([]any); len(comps) != 1 {
		t.Errorf("components = %v", body["components"])
	}
}

func TestIngestThenDetect(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(t, http.MethodPost, "/api/odds", counterpartyBody, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("ingest status = %d body=%s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/events", "", nil)
	if got := decode(t, rec)["count"]; got != float64(1) {
		t.Fatalf("events count = %v", got)
	}

	rec = env.do(t, http.MethodGet, "/api/odds/evt-1/moneyline", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("odds status = %d", rec.Code)
	}
	if snaps, _ := decode(t, rec)["snapshots"].([]any); len(snaps) != 1 {
		t.Fatalf("snapshots = %v", snaps)
	}

	ref := domain.PriceUpdate{SourceID: "pinnacle", EventID: "evt-1", Market: domain.MarketMoneyline,
		Prices: map[string]float64{"home": 2.15, "away": 1.85}}
	if _, ok := env.engine.ProcessUpdate(context.Background(), ref, time.Now()); !ok {
		t.Fatal("expected opportunity from reference update")
	}

	rec = env.do(t, http.MethodGet, "/api/arbitrage/recent?limit=5", "", nil)
	body := decode(t, rec)
	if body["source"] != "memory" {
		t.Errorf("source = %v", body["source"])
	}
	if opps, _ := body["opportunities"].([]any); len(opps) != 1 {
		t.Fatalf("opportunities = %v", body["opportunities"])
	}
}

func TestIngestRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{not json`, http.StatusBadRequest},
		{"missing event", `{"source":"softbook","odds":{"home":2.0}}`, http.StatusBadRequest},
		{"single usable price", `{"source":"softbook","event_id":"e","odds":{"home":2.0,"away":0.5}}`, http.StatusBadRequest},
		{"no prices", `{"source":"softbook","event_id":"e"}`, http.StatusBadRequest},
		{"reference source", `{"source":"pinnacle","event_id":"e","odds":{"home":2.0,"away":2.0}}`, http.StatusForbidden},
		{"too large", `{"source":"` + strings.Repeat("x", 70<<10) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Config{})
			if rec := env.do(t, http.MethodPost, "/api/odds", tt.body, nil); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestMarketNotFound(t *testing.T) {
	env := newTestEnv(t, Config{})
	if rec := env.do(t, http.MethodGet, "/api/odds/nope/moneyline", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestAuthProtectsIngestAndAudit(t *testing.T) {
	env := newTestEnv(t, Config{APIKey: "secret"})

	if rec := env.do(t, http.MethodPost, "/api/odds", counterpartyBody, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/odds", counterpartyBody, map[string]string{"Authorization": "Bearer wrong"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/odds", counterpartyBody, map[string]string{"Authorization": "Bearer secret"}); rec.Code != http.StatusAccepted {
		t.Errorf("bearer: status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/audit", "", map[string]string{"X-API-Key": "secret"}); rec.Code != http.StatusOK {
		t.Errorf("api key: status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/audit", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("audit without key: status = %d", rec.Code)
	}
	// Read endpoints stay open.
	if rec := env.do(t, http.MethodGet, "/api/events", "", nil); rec.Code != http.StatusOK {
		t.Errorf("events: status = %d", rec.Code)
	}
}

func TestIngestRateLimit(t *testing.T) {
	env := newTestEnv(t, Config{IngestRateLimit: 2})
	hdr := map[string]string{"X-Forwarded-For": "10.0.0.1, 172.16.0.1"}

	for i := 0; i < 2; i++ {
		if rec := env.do(t, http.MethodPost, "/api/odds", counterpartyBody, hdr); rec.Code != http.StatusAccepted {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}
	rec := env.do(t, http.MethodPost, "/api/odds", counterpartyBody, hdr)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if env.limiter.counts["ingest:10.0.0.1"] != 3 {
		t.Errorf("limiter keys = %v", env.limiter.counts)
	}

	// Another client has its own budget.
	if rec := env.do(t, http.MethodPost, "/api/odds", counterpartyBody, map[string]string{"X-Real-IP": "10.0.0.2"}); rec.Code != http.StatusAccepted {
		t.Errorf("other client: status = %d", rec.Code)
	}
}

func TestRateLimiterErrorFailsOpen(t *testing.T) {
	env := newTestEnv(t, Config{IngestRateLimit: 1})
	env.limiter.err = errors.New("redis down")
	for i := 0; i < 3; i++ {
		if rec := env.do(t, http.MethodPost, "/api/odds", counterpartyBody, nil); rec.Code != http.StatusAccepted {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}
}

func TestAuditPassesFilters(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.audit.rows = []domain.AuditEntry{{ID: 1, Event: "archive.opportunities"}}

	rec := env.do(t, http.MethodGet, "/api/audit?event=archive.opportunities&since=2026-01-01T00:00:00Z&limit=900&offset=3", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := env.audit.got
	if got.Event != "archive.opportunities" || got.Limit != 500 || got.Offset != 3 || got.Since == nil || got.Until != nil {
		t.Errorf("opts = %+v", got)
	}
}

func TestArchivesNewestFirst(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := env.do(t, http.MethodGet, "/api/archives", "", nil)
	archives, _ := decode(t, rec)["archives"].([]any)
	if len(archives) != 2 {
		t.Fatalf("archives = %v", archives)
	}
	if first := archives[0].(map[string]any)["path"]; first != "archive/b" {
		t.Errorf("first = %v", first)
	}
}

func TestArbitrageStream(t *testing.T) {
	env := newTestEnv(t, Config{})
	bus := &captureBus{}
	opp := domain.ArbitrageOpportunity{ID: "o1", EventID: "evt-1", Market: domain.MarketMoneyline}
	if err := arbitrage.NewBusSink(bus).HandleOpportunity(context.Background(), opp, nil); err != nil {
		t.Fatal(err)
	}
	env.stream.msgs = []domain.StreamMessage{
		{ID: "1-0", Payload: bus.last},
		{ID: "2-0", Payload: []byte("garbage")},
	}

	rec := env.do(t, http.MethodGet, "/api/arbitrage/stream?after=0-5", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode(t, rec)
	if env.stream.after != "0-5" {
		t.Errorf("after = %q", env.stream.after)
	}
	if body["next"] != "2-0" {
		t.Errorf("next = %v", body["next"])
	}
	if entries, _ := body["entries"].([]any); len(entries) != 1 {
		t.Errorf("entries = %v", body["entries"])
	}
}

type captureBus struct{ last []byte }

func (b *captureBus) Publish(_ context.Context, _ string, p []byte) error { return nil }
func (b *captureBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("unsupported")
}
func (b *captureBus) StreamAppend(_ context.Context, _ string, p []byte) error {
	b.last = p
	return nil
}
func (b *captureBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestCORSPreflightAndMetrics(t *testing.T) {
	env := newTestEnv(t, Config{CORSOrigins: []string{"https://dash.example"}})

	rec := env.do(t, http.MethodOptions, "/api/odds", "", map[string]string{"Origin": "https://dash.example"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://dash.example" {
		t.Errorf("allow origin = %q", got)
	}

	rec = env.do(t, http.MethodGet, "/api/status", "", map[string]string{"Origin": "https://evil.example"})
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("disallowed origin got CORS header")
	}
	if body := decode(t, rec); body["mode"] != "full" || body["engine"] == nil {
		t.Errorf("status body = %v", body)
	}

	rec = env.do(t, http.MethodGet, "/metrics", "", nil)
	if !strings.Contains(rec.Body.String(), "acheron_up") {
		t.Errorf("metrics body = %q", rec.Body.String())
	}
}
