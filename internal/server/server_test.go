package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/condamm/internal/amm"
	"github.com/alanyoungcy/condamm/internal/domain"
	"github.com/alanyoungcy/condamm/internal/escrow"
	"github.com/alanyoungcy/condamm/internal/server/handler"
	"github.com/alanyoungcy/condamm/internal/service"
	"github.com/alanyoungcy/condamm/internal/store/memory"
)

// countingLimiter allows the first n calls per key.
type countingLimiter struct {
	mu    sync.Mutex
	n     int
	calls map[string]int
}

func (l *countingLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[key]++
	return l.calls[key] <= l.n, nil
}

func newTestServer(t *testing.T, cfg Config, limiter domain.RateLimiter) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := memory.NewBus()
	markets := service.NewMarketService(memory.NewMarketStore(), nil, nil, bus, memory.NewAuditStore(),
		memory.NewLedgers(), escrow.NewManualClock(1_000), service.MarketServiceConfig{Pool: amm.DefaultConfig()}, logger)
	arb := service.NewArbService(markets, memory.NewArbExecutionStore(), nil, bus, nil, service.ArbConfig{}, logger)

	srv := NewServer(cfg, Handlers{
		Health:  handler.NewHealthHandler(nil, logger),
		Status:  handler.NewStatusHandler("server", time.Now(), markets, logger),
		Markets: handler.NewMarketHandler(markets, logger),
		Arb:     handler.NewArbHandler(arb, logger),
	}, nil, limiter, logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path, body string, header ...string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp.StatusCode, out
}

const createBody = `{
	"id": "%s",
	"question": "who wins?",
	"outcomes": ["yes", "no"],
	"spot": {"asset": "1000000000", "stable": "1000000000"},
	"conditionals": [
		{"asset": "1000000000", "stable": "%s"},
		{"asset": "1000000000", "stable": "%s"}
	]
}`

func createMarket(t *testing.T, ts *httptest.Server, id, condStable string) {
	t.Helper()
	status, out := do(t, ts, http.MethodPost, "/api/markets", fmt.Sprintf(createBody, id, condStable, condStable))
	require.Equal(t, http.StatusCreated, status, out)
}

func TestMarketEndpoints(t *testing.T) {
	ts := newTestServer(t, Config{}, nil)
	createMarket(t, ts, "m1", "1000000000")

	status, out := do(t, ts, http.MethodGet, "/api/markets/m1", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), out["version"])
	pools := out["pools"].([]any)
	require.Len(t, pools, 3)
	spot := pools[0].(map[string]any)
	assert.Equal(t, float64(-1), spot["pool"])
	assert.Equal(t, "1000000000000", spot["price"])
	assert.Equal(t, "1000000000000", spot["twap"])

	status, out = do(t, ts, http.MethodGet, "/api/markets", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, out["markets"], 1)

	status, out = do(t, ts, http.MethodPost, "/api/markets/m1/quote",
		`{"pool": -1, "direction": "asset_to_stable", "amount_in": "1000000"}`)
	require.Equal(t, http.StatusOK, status, out)
	quoted := out["amount_out"].(string)
	assert.NotEqual(t, "0", quoted)

	status, out = do(t, ts, http.MethodPost, "/api/markets/m1/swap",
		`{"pool": -1, "direction": "asset_to_stable", "amount_in": "1000000", "min_amount_out": "`+quoted+`"}`)
	require.Equal(t, http.StatusOK, status, out)
	assert.Equal(t, quoted, out["amount_out"])
	assert.Equal(t, float64(2), out["version"])

	status, out = do(t, ts, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "server", out["mode"])
	assert.Equal(t, float64(1), out["markets"])
}

func TestErrorStatuses(t *testing.T) {
	ts := newTestServer(t, Config{}, nil)
	createMarket(t, ts, "m1", "1000000000")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"missing market", http.MethodGet, "/api/markets/nope", "", http.StatusNotFound},
		{"duplicate market", http.MethodPost, "/api/markets",
			fmt.Sprintf(createBody, "m1", "1000000000", "1000000000"), http.StatusConflict},
		{"malformed body", http.MethodPost, "/api/markets/m1/swap", `{"pool":`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/markets/m1/swap", `{"pool": -1, "bogus": 1}`, http.StatusBadRequest},
		{"missing pool", http.MethodPost, "/api/markets/m1/quote",
			`{"direction": "asset_to_stable", "amount_in": "10"}`, http.StatusBadRequest},
		{"bad direction", http.MethodPost, "/api/markets/m1/quote",
			`{"pool": -1, "direction": "sideways", "amount_in": "10"}`, http.StatusBadRequest},
		{"pool out of range", http.MethodPost, "/api/markets/m1/swap",
			`{"pool": 5, "direction": "asset_to_stable", "amount_in": "10"}`, http.StatusBadRequest},
		{"zero amount", http.MethodPost, "/api/markets/m1/quote",
			`{"pool": 0, "direction": "stable_to_asset", "amount_in": "0"}`, http.StatusBadRequest},
		{"slippage", http.MethodPost, "/api/markets/m1/swap",
			`{"pool": -1, "direction": "asset_to_stable", "amount_in": "1000000", "min_amount_out": "1000000"}`,
			http.StatusBadRequest},
		{"no route", http.MethodPost, "/api/markets/m1/arbitrage", "", http.StatusUnprocessableEntity},
		{"bad size hint", http.MethodGet, "/api/markets/m1/route?size_hint=-3", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, out := do(t, ts, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, status, out)
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestArbitrageEndpoints(t *testing.T) {
	ts := newTestServer(t, Config{}, nil)
	createMarket(t, ts, "skewed", "1200000000")

	status, out := do(t, ts, http.MethodGet, "/api/markets/skewed/route", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "spot_to_conditional", out["kind"])
	expected := out["expected_profit"].(string)
	assert.NotEqual(t, "0", expected)

	status, out = do(t, ts, http.MethodPost, "/api/markets/skewed/arbitrage", `{}`)
	require.Equal(t, http.StatusOK, status, out)
	exec := out["execution"].(map[string]any)
	assert.Equal(t, "filled", exec["status"])
	assert.Equal(t, expected, exec["realized_profit"])

	status, out = do(t, ts, http.MethodGet, "/api/executions?limit=10", "")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, out["executions"], 1)
	assert.Equal(t, float64(10), out["limit"])

	status, out = do(t, ts, http.MethodPost, "/api/markets/skewed/wind-down", "")
	require.Equal(t, http.StatusOK, status, out)
	assert.Equal(t, "wound_down", out["market"].(map[string]any)["status"])

	status, _ = do(t, ts, http.MethodPost, "/api/markets/skewed/swap",
		`{"pool": -1, "direction": "asset_to_stable", "amount_in": "10"}`)
	assert.Equal(t, http.StatusConflict, status)
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t, Config{APIKey: "secret"}, nil)

	status, _ := do(t, ts, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, status)

	status, out := do(t, ts, http.MethodGet, "/api/markets", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "missing authentication token", out["error"])

	status, _ = do(t, ts, http.MethodGet, "/api/markets", "", "Authorization", "Bearer nope")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = do(t, ts, http.MethodGet, "/api/markets", "", "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, status)
	status, _ = do(t, ts, http.MethodGet, "/api/markets", "", "X-API-Key", "secret")
	assert.Equal(t, http.StatusOK, status)
}

func TestRateLimit(t *testing.T) {
	limiter := &countingLimiter{n: 2, calls: make(map[string]int)}
	ts := newTestServer(t, Config{RateLimit: 2, RateWindow: time.Second}, limiter)
	createMarket(t, ts, "m1", "1000000000")

	quote := `{"pool": -1, "direction": "asset_to_stable", "amount_in": "1000"}`
	for range 2 {
		status, _ := do(t, ts, http.MethodPost, "/api/markets/m1/quote", quote)
		require.Equal(t, http.StatusOK, status)
	}
	status, out := do(t, ts, http.MethodPost, "/api/markets/m1/quote", quote)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "rate limit exceeded", out["error"])

	// Reads are not limited.
	status, _ = do(t, ts, http.MethodGet, "/api/markets/m1", "")
	assert.Equal(t, http.StatusOK, status)
}

func TestCORSAndRequestID(t *testing.T) {
	ts := newTestServer(t, Config{CORSOrigins: []string{"https://app.example"}}, nil)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/markets", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err = http.NewRequest(http.MethodGet, ts.URL+"/api/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("X-Request-ID", "req-1")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "req-1", resp.Header.Get("X-Request-ID"))
}
