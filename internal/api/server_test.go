package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"signal-router/internal/dispatch"
	"signal-router/internal/events"
	"signal-router/internal/gateway"
	"signal-router/internal/monitor"
	"signal-router/internal/pricecache"
	"signal-router/internal/registry"
	"signal-router/pkg/db"
	"signal-router/pkg/exchange"
	"signal-router/pkg/exchange/mock"
)

type apiFixture struct {
	server   *Server
	store    *db.Store
	pool     *gateway.Pool
	strategy *db.Strategy
	accounts []*db.Account
}

func newAPIFixture(t *testing.T, accountCount int) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := db.NewStore(database)

	strategy := &db.Strategy{GroupName: "g1", WebhookToken: "tok", MarketType: "crypto", Enabled: true}
	if err := store.UpsertStrategy(ctx, strategy); err != nil {
		t.Fatalf("strategy: %v", err)
	}

	pool := gateway.NewPool(nil, true)
	var accounts []*db.Account
	for i := 0; i < accountCount; i++ {
		acct := &db.Account{
			Name:     "acct",
			Exchange: string(exchange.Mock),
			Market:   string(exchange.MarketSpot),
			IsActive: true,
		}
		if err := store.UpsertAccount(ctx, acct); err != nil {
			t.Fatalf("account: %v", err)
		}
		if err := store.UpsertStrategyAccount(ctx, &db.StrategyAccount{
			StrategyID: strategy.ID, AccountID: acct.ID, Weight: 1, Leverage: 1, Enabled: true,
		}); err != nil {
			t.Fatalf("edge: %v", err)
		}
		if err := store.SetCapital(ctx, strategy.ID, acct.ID, decimal.NewFromInt(1000)); err != nil {
			t.Fatalf("capital: %v", err)
		}
		accounts = append(accounts, acct)

		gw, err := pool.For(ctx, acct)
		if err != nil {
			t.Fatalf("gateway: %v", err)
		}
		gw.(*mock.Client).SetPrice("BTC/USDT", decimal.NewFromInt(50000))
	}

	reg := registry.New()
	reg.Update([]exchange.Instrument{{
		Exchange:    exchange.Mock,
		Market:      exchange.MarketSpot,
		Symbol:      "BTC/USDT",
		StepSize:    decimal.RequireFromString("0.0001"),
		MinQty:      decimal.RequireFromString("0.0001"),
		MinNotional: decimal.NewFromInt(5),
	}})

	prices := pricecache.New(30*time.Second, time.Minute)
	bus := events.NewBus()
	metrics := monitor.NewMetrics()
	d := dispatch.New(store, pool, reg, prices, bus, metrics, 8, 5*time.Second, 5*time.Second)
	t.Cleanup(d.Stop)

	server := NewServer(store, d, reg, bus, metrics, SystemMeta{
		Version: "test", MockMode: true, StartedAt: time.Now(), WebhookPath: "/webhook",
	})
	return &apiFixture{server: server, store: store, pool: pool, strategy: strategy, accounts: accounts}
}

func (f *apiFixture) post(t *testing.T, body map[string]any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.server.Router.ServeHTTP(w, req)
	return w
}

func marketPayload() map[string]any {
	return map[string]any{
		"group_name": "g1",
		"token":      "tok",
		"symbol":     "BTC/USDT",
		"side":       "buy",
		"order_type": "MARKET",
		"qty_per":    10,
	}
}

func TestWebhookMarketOrder(t *testing.T) {
	f := newAPIFixture(t, 2)

	w := f.post(t, marketPayload(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp webhookResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Accepted != 2 || resp.Failed != 0 {
		t.Fatalf("response = %+v", resp)
	}

	orders, err := f.store.ListRecentOrders(context.Background(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("orders = %d, want 2", len(orders))
	}
}

func TestWebhookLimitOrderQueued(t *testing.T) {
	f := newAPIFixture(t, 1)

	payload := marketPayload()
	payload["order_type"] = "LIMIT"
	payload["price"] = 49000

	w := f.post(t, payload, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body = %s", w.Code, w.Body.String())
	}
}

func TestWebhookValidation(t *testing.T) {
	f := newAPIFixture(t, 1)

	cases := []struct {
		name   string
		mutate func(map[string]any)
		want   int
	}{
		{"missing token", func(p map[string]any) { delete(p, "token") }, http.StatusBadRequest},
		{"wrong token", func(p map[string]any) { p["token"] = "nope" }, http.StatusUnauthorized},
		{"unknown group", func(p map[string]any) { p["group_name"] = "ghost" }, http.StatusUnauthorized},
		{"missing side", func(p map[string]any) { delete(p, "side") }, http.StatusBadRequest},
		{"bad side", func(p map[string]any) { p["side"] = "hold" }, http.StatusBadRequest},
		{"bad order type", func(p map[string]any) { p["order_type"] = "ICEBERG" }, http.StatusBadRequest},
		{"limit without price", func(p map[string]any) { p["order_type"] = "LIMIT" }, http.StatusBadRequest},
		{"stop without trigger", func(p map[string]any) { p["order_type"] = "STOP_MARKET" }, http.StatusBadRequest},
		{"bad symbol", func(p map[string]any) { p["symbol"] = "AAPL" }, http.StatusBadRequest},
		{"missing qty", func(p map[string]any) { delete(p, "qty_per") }, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := marketPayload()
			tc.mutate(payload)
			w := f.post(t, payload, nil)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

func TestWebhookPartialFailure(t *testing.T) {
	f := newAPIFixture(t, 2)

	gw, _ := f.pool.For(context.Background(), f.accounts[0])
	gw.(*mock.Client).FailNextOrder(
		exchange.NewError(exchange.Mock, exchange.KindRejected, "insufficient balance", nil))

	w := f.post(t, marketPayload(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", w.Code, w.Body.String())
	}

	var resp webhookResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Accepted != 1 || resp.Failed != 1 {
		t.Fatalf("response = %+v", resp)
	}
	if len(resp.Failures) != 1 || resp.Failures[0].AccountID != f.accounts[0].ID {
		t.Fatalf("failures = %+v", resp.Failures)
	}
	if resp.Failures[0].ErrorKind != "REJECTED" {
		t.Errorf("error kind = %s, want REJECTED", resp.Failures[0].ErrorKind)
	}
}

func TestWebhookIdempotency(t *testing.T) {
	f := newAPIFixture(t, 1)

	headers := map[string]string{"X-Idempotency-Key": "sig-42"}
	if w := f.post(t, marketPayload(), headers); w.Code != http.StatusOK {
		t.Fatalf("first status = %d", w.Code)
	}
	if w := f.post(t, marketPayload(), headers); w.Code != http.StatusConflict {
		t.Fatalf("replay status = %d, want 409", w.Code)
	}

	// Only the first delivery reached the exchange.
	orders, _ := f.store.ListRecentOrders(context.Background(), 10)
	if len(orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(orders))
	}
}

func TestWebhookBatchInheritsSymbol(t *testing.T) {
	f := newAPIFixture(t, 1)

	payload := map[string]any{
		"group_name": "g1",
		"token":      "tok",
		"symbol":     "BTC/USDT",
		"orders": []map[string]any{
			{"side": "buy", "order_type": "MARKET", "qty_per": 10},
			{"side": "sell", "order_type": "LIMIT", "qty_per": 5, "price": 52000},
		},
	}
	w := f.post(t, payload, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp webhookResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Market leg completes synchronously, limit leg queues; queued legs count
	// as accepted and mixed batches answer 200.
	if resp.Accepted != 2 || resp.Failed != 0 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestOperatorEndpoints(t *testing.T) {
	f := newAPIFixture(t, 1)

	if w := f.post(t, marketPayload(), nil); w.Code != http.StatusOK {
		t.Fatalf("seed dispatch failed: %d", w.Code)
	}

	paths := []string{
		"/health",
		"/api/system/status",
		"/api/metrics",
		"/api/strategies",
		"/api/accounts",
		"/api/orders",
		"/api/positions",
		"/api/trades",
		"/api/failed-orders",
	}
	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			w := httptest.NewRecorder()
			f.server.Router.ServeHTTP(w, req)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
			}
		})
	}

	// Tokens never appear in the strategy listing.
	req := httptest.NewRequest(http.MethodGet, "/api/strategies", nil)
	w := httptest.NewRecorder()
	f.server.Router.ServeHTTP(w, req)
	if bytes.Contains(w.Body.Bytes(), []byte("tok\"")) {
		t.Errorf("strategy listing leaks webhook token: %s", w.Body.String())
	}

	// Credentials never appear in the account listing.
	req = httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	w = httptest.NewRecorder()
	f.server.Router.ServeHTTP(w, req)
	for _, field := range []string{"api_key", "api_secret"} {
		if bytes.Contains(w.Body.Bytes(), []byte(field)) {
			t.Errorf("account listing leaks %s: %s", field, w.Body.String())
		}
	}
}

func TestEnableAccountEndpoint(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t, 1)
	acct := f.accounts[0]

	if err := f.store.SetAccountActive(ctx, acct.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/accounts/"+acct.ID+"/enable", nil)
	w := httptest.NewRecorder()
	f.server.Router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	got, err := f.store.GetAccount(ctx, acct.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !got.IsActive {
		t.Error("account still inactive after enable")
	}

	t.Run("unknown account is 404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/accounts/ghost/enable", nil)
		w := httptest.NewRecorder()
		f.server.Router.ServeHTTP(w, req)
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})
}
