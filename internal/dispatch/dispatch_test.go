package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"signal-router/internal/events"
	"signal-router/internal/gateway"
	"signal-router/internal/monitor"
	"signal-router/internal/pricecache"
	"signal-router/internal/registry"
	"signal-router/pkg/db"
	"signal-router/pkg/exchange"
	"signal-router/pkg/exchange/mock"
)

type fixture struct {
	store    *db.Store
	pool     *gateway.Pool
	strategy *db.Strategy
	accounts []*db.Account
	d        *Dispatcher
}

func newFixture(t *testing.T, accountCount int) *fixture {
	t.Helper()
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
	d := New(store, pool, reg, prices, events.NewBus(), monitor.NewMetrics(), 8, 5*time.Second, 5*time.Second)
	t.Cleanup(d.Stop)

	return &fixture{store: store, pool: pool, strategy: strategy, accounts: accounts, d: d}
}

func TestSortByPriority(t *testing.T) {
	intents := []Intent{
		{Symbol: "A", Type: exchange.OrderTypeStopMarket},
		{Symbol: "B", Type: exchange.OrderTypeLimit},
		{Symbol: "C", Type: exchange.OrderTypeMarket},
		{Symbol: "D", Type: exchange.OrderTypeCancelAll},
		{Symbol: "E", Type: exchange.OrderTypeMarket},
	}
	SortByPriority(intents)

	want := []string{"C", "E", "D", "B", "A"}
	for i, sym := range want {
		if intents[i].Symbol != sym {
			t.Fatalf("position %d = %s, want %s (order: %v)", i, intents[i].Symbol, sym, intents)
		}
	}
}

func TestMarketFastPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)

	summary := f.d.Dispatch(ctx, f.strategy, []Intent{{
		Symbol: "BTC/USDT",
		Side:   exchange.SideBuy,
		Type:   exchange.OrderTypeMarket,
		QtyPer: decimal.NewFromInt(10),
	}})

	if summary.Total != 2 || summary.Successful != 2 || summary.Failed != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	for _, acct := range f.accounts {
		orders, err := f.store.ListRecentOrders(ctx, 10)
		if err != nil {
			t.Fatalf("list orders: %v", err)
		}
		var found bool
		for _, o := range orders {
			if o.AccountID == acct.ID {
				found = true
				if o.Status != "FILLED" {
					t.Errorf("account %s order status = %s, want FILLED", acct.ID, o.Status)
				}
				// 10% of 1000 at 50000 is 0.002 BTC.
				if !o.Qty.Equal(decimal.RequireFromString("0.002")) {
					t.Errorf("qty = %s, want 0.002", o.Qty)
				}
			}
		}
		if !found {
			t.Errorf("no order row for account %s", acct.ID)
		}
	}
}

func TestAccountIsolation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)

	gw, _ := f.pool.For(ctx, f.accounts[0])
	gw.(*mock.Client).FailNextOrder(
		exchange.NewError(exchange.Mock, exchange.KindRejected, "insufficient balance", nil))

	summary := f.d.Dispatch(ctx, f.strategy, []Intent{{
		Symbol: "BTC/USDT",
		Side:   exchange.SideBuy,
		Type:   exchange.OrderTypeMarket,
		QtyPer: decimal.NewFromInt(10),
	}})

	if summary.Successful != 1 || summary.Failed != 1 {
		t.Fatalf("summary = %+v, want one success and one failure", summary)
	}

	failed, err := f.store.ListFailedOrders(ctx, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].AccountID != f.accounts[0].ID {
		t.Errorf("failed orders = %+v", failed)
	}

	// The healthy account's order went through untouched.
	orders, _ := f.store.ListRecentOrders(ctx, 10)
	var filled int
	for _, o := range orders {
		if o.AccountID == f.accounts[1].ID && o.Status == "FILLED" {
			filled++
		}
	}
	if filled != 1 {
		t.Errorf("healthy account fills = %d, want 1", filled)
	}
}

func TestLimitSlowPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	summary := f.d.Dispatch(ctx, f.strategy, []Intent{{
		Symbol: "BTC/USDT",
		Side:   exchange.SideBuy,
		Type:   exchange.OrderTypeLimit,
		QtyPer: decimal.NewFromInt(10),
		Price:  decimal.NewFromInt(49000),
	}})

	if !summary.AllQueued() {
		t.Fatalf("summary = %+v, want all queued", summary)
	}

	// The background leg lands shortly after the acknowledgment.
	deadline := time.Now().Add(2 * time.Second)
	for {
		orders, err := f.store.ListNonTerminalOrders(ctx, f.accounts[0].ID)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(orders) == 1 {
			if orders[0].Status != "NEW" && orders[0].Status != "OPEN" {
				t.Errorf("status = %s, want resting", orders[0].Status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("queued limit order never reached the store")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCancelAllEnqueuesBySide(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	acct := f.accounts[0]

	seed := func(side string) *db.OpenOrder {
		o := &db.OpenOrder{
			StrategyID: f.strategy.ID, AccountID: acct.ID,
			Exchange: acct.Exchange, Market: acct.Market,
			Symbol: "BTC/USDT", Side: side, OrderType: "LIMIT",
			Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(40000),
		}
		if err := f.store.CreatePendingOrder(ctx, o); err != nil {
			t.Fatalf("pending: %v", err)
		}
		if err := f.store.PromotePending(ctx, o.ID, "EX-"+o.ID, exchange.StatusOpen, decimal.Zero, decimal.Zero); err != nil {
			t.Fatalf("promote: %v", err)
		}
		return o
	}
	buy1, buy2, sell1 := seed("BUY"), seed("BUY"), seed("SELL")

	summary := f.d.Dispatch(ctx, f.strategy, []Intent{{
		Symbol: "BTC/USDT",
		Side:   exchange.SideBuy,
		Type:   exchange.OrderTypeCancelAll,
	}})
	if summary.Successful != 1 || summary.Failed != 0 {
		t.Fatalf("summary = %+v", summary)
	}

	batch, err := f.store.ClaimCancelBatch(ctx, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("queued cancels = %d, want 2 (buy side only)", len(batch))
	}
	queued := map[string]bool{}
	for _, req := range batch {
		queued[req.OrderID] = true
	}
	if !queued[buy1.ID] || !queued[buy2.ID] || queued[sell1.ID] {
		t.Errorf("queued = %v, want both buys and not the sell", queued)
	}
}

func TestAuthErrorDisablesAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	acct := f.accounts[0]

	gw, _ := f.pool.For(ctx, acct)
	gw.(*mock.Client).FailNextOrder(
		exchange.NewError(exchange.Mock, exchange.KindAuth, "invalid api key", nil))

	intent := Intent{
		Symbol: "BTC/USDT",
		Side:   exchange.SideBuy,
		Type:   exchange.OrderTypeMarket,
		QtyPer: decimal.NewFromInt(10),
	}
	summary := f.d.Dispatch(ctx, f.strategy, []Intent{intent})
	if summary.Failed != 1 {
		t.Fatalf("summary = %+v, want one failure", summary)
	}

	got, err := f.store.GetAccount(ctx, acct.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got.IsActive {
		t.Error("account still active after credential rejection")
	}

	// Disabled accounts fall out of routing entirely.
	again := f.d.Dispatch(ctx, f.strategy, []Intent{intent})
	if again.Total != 0 {
		t.Errorf("second dispatch total = %d, want 0", again.Total)
	}

	// Operators bring it back after rotating keys.
	if err := f.store.SetAccountActive(ctx, acct.ID, true); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	third := f.d.Dispatch(ctx, f.strategy, []Intent{intent})
	if third.Total != 1 || third.Successful != 1 {
		t.Errorf("dispatch after re-enable = %+v, want one success", third)
	}
}

func TestFullCloseRequiresPosition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	summary := f.d.Dispatch(ctx, f.strategy, []Intent{{
		Symbol: "BTC/USDT",
		Side:   exchange.SideSell,
		Type:   exchange.OrderTypeMarket,
		QtyPer: decimal.NewFromInt(-100),
	}})

	if summary.Failed != 1 {
		t.Fatalf("summary = %+v, want rejection", summary)
	}
	failed, _ := f.store.ListFailedOrders(ctx, 10)
	if len(failed) != 1 || failed[0].ErrorKind != "REJECTED" {
		t.Fatalf("failed = %+v, want one REJECTED row", failed)
	}
}
