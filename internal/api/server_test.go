package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"

	"liqflow/config"
	"liqflow/internal/metrics"
	"liqflow/internal/store"
)

type fakeQuery struct {
	total    decimal.Decimal
	totalErr error
	deleted  int64
	resetErr error
	resets   int
}

func (f *fakeQuery) Total24h(context.Context) (decimal.Decimal, error) {
	return f.total, f.totalErr
}

func (f *fakeQuery) ResetCache(context.Context) (int64, error) {
	f.resets++
	return f.deleted, f.resetErr
}

func newTestServer(t *testing.T, q Querier, opts Options) *Server {
	t.Helper()
	opts.Query = q
	srv := NewServer(config.APIConfig{Enabled: true, Address: ":0"}, opts)
	t.Cleanup(srv.unsubscribe)
	return srv
}

func do(t *testing.T, h http.Handler, method, path string) (int, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("%s %s: body is not json: %q", method, path, rec.Body.String())
	}
	return rec.Code, body
}

func TestLiquidationsEndpoint(t *testing.T) {
	q := &fakeQuery{total: decimal.RequireFromString("30")}
	h := newTestServer(t, q, Options{}).Handler()

	code, body := do(t, h, http.MethodGet, "/api/liquidations")
	if code != http.StatusOK || body["total_24h_liquidation_usd"] != "30.00" {
		t.Fatalf("code=%d body=%v", code, body)
	}

	q.totalErr = errors.New("store down")
	code, body = do(t, h, http.MethodGet, "/api/liquidations")
	if code != http.StatusInternalServerError || body["error"] != "Failed to fetch liquidation data" {
		t.Fatalf("code=%d body=%v", code, body)
	}
}

func TestResetCacheEndpoint(t *testing.T) {
	q := &fakeQuery{deleted: 11}
	h := newTestServer(t, q, Options{}).Handler()

	code, body := do(t, h, http.MethodPost, "/api/reset-cache")
	if code != http.StatusOK || body["status"] != "ok" || body["deleted_keys"] != float64(11) {
		t.Fatalf("code=%d body=%v", code, body)
	}

	q.resetErr = errors.New("store down")
	code, body = do(t, h, http.MethodPost, "/api/reset-cache")
	if code != http.StatusInternalServerError || body["error"] != "reset failed" {
		t.Fatalf("code=%d body=%v", code, body)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/reset-cache", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET reset-cache should not be routed, got %d", rec.Code)
	}
	if q.resets != 2 {
		t.Fatalf("resets = %d", q.resets)
	}
}

func TestHealthEndpoint(t *testing.T) {
	mr := miniredis.RunT(t)
	counter, err := store.NewRedis(store.RedisOptions{Addr: mr.Addr(), Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer counter.Close()

	h := newTestServer(t, &fakeQuery{}, Options{
		Store:         counter,
		ProbeKey:      "lighter:liquidations",
		FeedState:     func() string { return "processing" },
		DedupChannels: func() int { return 4 },
	}).Handler()

	code, body := do(t, h, http.MethodGet, "/healthz")
	if code != http.StatusOK || body["status"] != "ok" || body["store"] != "ok" {
		t.Fatalf("code=%d body=%v", code, body)
	}
	if body["feed_state"] != "processing" || body["dedup_channels"] != float64(4) {
		t.Fatalf("unexpected body: %v", body)
	}

	mr.Close()
	code, body = do(t, h, http.MethodGet, "/healthz")
	if code != http.StatusServiceUnavailable || body["store"] != "unreachable" {
		t.Fatalf("code=%d body=%v", code, body)
	}
}

func TestMetricsEndpoints(t *testing.T) {
	srv := newTestServer(t, &fakeQuery{}, Options{Prometheus: true, MetricsHistory: 2})
	h := srv.Handler()

	metrics.IncFeedMessage()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "liqflow_feed_messages_total") {
		t.Fatalf("prometheus output missing counters: %d %s", rec.Code, rec.Body.String())
	}

	for _, name := range []string{"a", "b", "c"} {
		metrics.EmitMetric(nil, "test", name, 1, "counter", nil)
	}
	code, body := do(t, h, http.MethodGet, "/api/metrics")
	items, _ := body["metrics"].([]interface{})
	if code != http.StatusOK || len(items) != 2 {
		t.Fatalf("code=%d metrics=%v", code, body)
	}
	if last := items[1].(map[string]interface{}); last["name"] != "c" {
		t.Fatalf("expected most recent metric last, got %v", last)
	}
}

func TestPrometheusDisabled(t *testing.T) {
	h := newTestServer(t, &fakeQuery{}, Options{}).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with prometheus disabled, got %d", rec.Code)
	}
}

func TestNewServerDisabled(t *testing.T) {
	var srv *Server = NewServer(config.APIConfig{Enabled: false}, Options{})
	if srv != nil {
		t.Fatal("expected nil server when disabled")
	}
	if err := srv.Run(context.Background()); err != nil {
		t.Fatalf("Run on nil server: %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	srv := NewServer(config.APIConfig{Enabled: true, Address: "127.0.0.1:0"}, Options{Query: &fakeQuery{}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":               "0.0.0.0:3001",
		":8081":          "0.0.0.0:8081",
		"  :9090  ":      "0.0.0.0:9090",
		"8080":           "0.0.0.0:8080",
		"localhost":      "localhost:3001",
		"127.0.0.1:80":   "127.0.0.1:80",
		"*:7000":         "0.0.0.0:7000",
		"[::1]:443":      "[::1]:443",
		"api.example.io": "api.example.io:3001",
	}
	for in, want := range cases {
		if got := normalizeAddress(in); got != want {
			t.Errorf("normalizeAddress(%q) = %q, want %q", in, got, want)
		}
	}
}
