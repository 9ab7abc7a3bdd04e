package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"signal-router/internal/events"
	"signal-router/internal/gateway"
	"signal-router/internal/monitor"
	"signal-router/pkg/db"
	"signal-router/pkg/exchange"
	"signal-router/pkg/exchange/mock"
)

type fixture struct {
	r        *Reconciler
	store    *db.Store
	pool     *gateway.Pool
	database *db.Database
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := db.NewStore(database)
	pool := gateway.NewPool(nil, true)
	r := New(store, pool, events.NewBus(), monitor.NewMetrics(), Config{
		PollInterval:     time.Second,
		CancelInterval:   time.Second,
		SweepInterval:    time.Second,
		OrphanTimeout:    2 * time.Minute,
		MaxCancelRetries: 5,
		RebalanceEpsilon: 0.05,
	})
	return fixture{r: r, store: store, pool: pool, database: database}
}

func seedAccount(t *testing.T, store *db.Store) *db.Account {
	t.Helper()
	acct := &db.Account{
		Name:     "main",
		Exchange: string(exchange.Mock),
		Market:   string(exchange.MarketSpot),
		IsActive: true,
	}
	if err := store.UpsertAccount(context.Background(), acct); err != nil {
		t.Fatalf("account: %v", err)
	}
	return acct
}

func TestIngestAppliesFeedEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r, store := f.r, f.store
	acct := seedAccount(t, store)

	o := &db.OpenOrder{
		StrategyID: "st", AccountID: acct.ID, Exchange: acct.Exchange, Market: acct.Market,
		Symbol: "BTC/USDT", Side: "BUY", OrderType: "LIMIT",
		Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(100),
	}
	if err := store.CreatePendingOrder(ctx, o); err != nil {
		t.Fatalf("pending: %v", err)
	}
	if err := store.PromotePending(ctx, o.ID, "EX-1", exchange.StatusOpen, decimal.Zero, decimal.Zero); err != nil {
		t.Fatalf("promote: %v", err)
	}

	r.ingest(ctx, acct.ID, exchange.OrderUpdate{
		ExchangeOrderID: "EX-1",
		Status:          exchange.StatusFilled,
		FilledQty:       decimal.NewFromInt(1),
		LastQty:         decimal.NewFromInt(1),
		LastPrice:       decimal.NewFromInt(100),
		TradeSeq:        "T-1",
	})

	got, err := store.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "FILLED" || !got.FilledQty.Equal(decimal.NewFromInt(1)) {
		t.Errorf("order = (%s, %s), want FILLED 1", got.Status, got.FilledQty)
	}

	// Unknown exchange order ids are silently skipped.
	r.ingest(ctx, acct.ID, exchange.OrderUpdate{ExchangeOrderID: "EX-UNKNOWN", Status: exchange.StatusFilled})
}

func TestSweepRecoversLandedOrders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r, store := f.r, f.store
	acct := seedAccount(t, store)

	gw, err := f.pool.For(ctx, acct)
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	mc := gw.(*mock.Client)
	mc.SetPrice("BTC/USDT", decimal.NewFromInt(100))

	newPending := func() *db.OpenOrder {
		o := &db.OpenOrder{
			StrategyID: "st", AccountID: acct.ID, Exchange: acct.Exchange, Market: acct.Market,
			Symbol: "BTC/USDT", Side: "BUY", OrderType: "LIMIT",
			Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(90),
		}
		if err := store.CreatePendingOrder(ctx, o); err != nil {
			t.Fatalf("pending: %v", err)
		}
		return o
	}

	// The submission for landed reached the venue but the ack was lost, so
	// the row never left PENDING. The one for lost never reached the venue.
	landed := newPending()
	lost := newPending()
	res, err := mc.CreateOrder(ctx, exchange.OrderRequest{
		ClientID: landed.ID, Symbol: "BTC/USDT", Side: exchange.SideBuy,
		Type: exchange.OrderTypeLimit, Qty: decimal.NewFromInt(1),
		Price: decimal.NewFromInt(90), Market: exchange.MarketSpot,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, o := range []*db.OpenOrder{landed, lost} {
		_, err := f.database.DB.ExecContext(ctx, `
			UPDATE open_orders SET created_at = datetime('now', '-300 seconds') WHERE id = ?
		`, o.ID)
		if err != nil {
			t.Fatalf("backdate: %v", err)
		}
	}

	r.sweepOnce(ctx)

	got, _ := store.GetOrder(ctx, landed.ID)
	if got.Status != "OPEN" || got.ExchangeOrderID != res.ExchangeOrderID {
		t.Errorf("landed order = (%s, %s), want (OPEN, %s)", got.Status, got.ExchangeOrderID, res.ExchangeOrderID)
	}

	gone, _ := store.GetOrder(ctx, lost.ID)
	if gone.Status != "FAILED" || gone.FailReason != "orphan-timeout" {
		t.Errorf("lost order = (%s, %q), want (FAILED, orphan-timeout)", gone.Status, gone.FailReason)
	}
	failed, _ := store.ListFailedOrders(ctx, 10)
	if len(failed) != 1 || failed[0].OriginalOrderID != lost.ID {
		t.Errorf("failed orders = %+v, want one row for the lost order", failed)
	}
}

func TestAttachFeedsPicksUpNewAccounts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t)
	seedAccount(t, f.store)

	started := make(map[string]bool)
	if n := f.r.attachFeeds(ctx, started); n != 1 {
		t.Fatalf("first scan attached %d listeners, want 1", n)
	}
	if n := f.r.attachFeeds(ctx, started); n != 0 {
		t.Errorf("rescan attached %d listeners, want 0", n)
	}

	seedAccount(t, f.store)
	if n := f.r.attachFeeds(ctx, started); n != 1 {
		t.Errorf("scan after seeding attached %d listeners, want 1", n)
	}
}

func TestDrainCancels(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r, store, pool := f.r, f.store, f.pool
	acct := seedAccount(t, store)

	gw, err := pool.For(ctx, acct)
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	mc := gw.(*mock.Client)
	mc.SetPrice("BTC/USDT", decimal.NewFromInt(100))
	res, err := mc.CreateOrder(ctx, exchange.OrderRequest{
		Symbol: "BTC/USDT", Side: exchange.SideBuy, Type: exchange.OrderTypeLimit,
		Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(90), Market: exchange.MarketSpot,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	o := &db.OpenOrder{
		StrategyID: "st", AccountID: acct.ID, Exchange: acct.Exchange, Market: acct.Market,
		Symbol: "BTC/USDT", Side: "BUY", OrderType: "LIMIT",
		Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(90),
	}
	if err := store.CreatePendingOrder(ctx, o); err != nil {
		t.Fatalf("pending: %v", err)
	}
	if err := store.PromotePending(ctx, o.ID, res.ExchangeOrderID, exchange.StatusOpen, decimal.Zero, decimal.Zero); err != nil {
		t.Fatalf("promote: %v", err)
	}
	o.ExchangeOrderID = res.ExchangeOrderID

	t.Run("live order cancels and resolves", func(t *testing.T) {
		if _, err := store.EnqueueCancel(ctx, o); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		r.drainCancels(ctx)

		batch, err := store.ClaimCancelBatch(ctx, 10)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if len(batch) != 0 {
			t.Errorf("queue still has %d live rows after drain", len(batch))
		}
	})

	t.Run("already gone counts as success", func(t *testing.T) {
		// The first drain cancelled it at the venue; a second request must
		// resolve cleanly on NOT_FOUND/CONFLICT.
		if _, err := store.EnqueueCancel(ctx, o); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		r.drainCancels(ctx)
		failed, _ := store.ListFailedOrders(ctx, 10)
		if len(failed) != 0 {
			t.Errorf("failed orders = %+v, want none", failed)
		}
	})
}

func TestRebalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r, store := f.r, f.store
	acct := seedAccount(t, store)

	for _, e := range []db.StrategyAccount{
		{StrategyID: "st-a", AccountID: acct.ID, Weight: 1, Leverage: 1, Enabled: true},
		{StrategyID: "st-b", AccountID: acct.ID, Weight: 3, Leverage: 1, Enabled: true},
	} {
		e := e
		if err := store.UpsertStrategyAccount(ctx, &e); err != nil {
			t.Fatalf("edge: %v", err)
		}
	}

	// Mock accounts report a 10000 quote balance.
	r.rebalanceOnce(ctx)

	a, _ := store.GetCapital(ctx, "st-a", acct.ID)
	b, _ := store.GetCapital(ctx, "st-b", acct.ID)
	if !a.Equal(decimal.NewFromInt(2500)) || !b.Equal(decimal.NewFromInt(7500)) {
		t.Errorf("capitals = (%s, %s), want (2500, 7500)", a, b)
	}

	t.Run("drift inside epsilon is untouched", func(t *testing.T) {
		// 2% under target stays put with epsilon 0.05.
		if err := store.SetCapital(ctx, "st-a", acct.ID, decimal.NewFromInt(2450)); err != nil {
			t.Fatalf("set: %v", err)
		}
		r.rebalanceOnce(ctx)
		a, _ := store.GetCapital(ctx, "st-a", acct.ID)
		if !a.Equal(decimal.NewFromInt(2450)) {
			t.Errorf("capital = %s, want 2450 untouched", a)
		}
	})
}

func TestWithinEpsilon(t *testing.T) {
	tests := []struct {
		current, target string
		want            bool
	}{
		{"100", "100", true},
		{"104", "100", true},
		{"106", "100", false},
		{"0", "0", true},
		{"1", "0", false},
	}
	for _, tt := range tests {
		got := withinEpsilon(decimal.RequireFromString(tt.current), decimal.RequireFromString(tt.target), 0.05)
		if got != tt.want {
			t.Errorf("withinEpsilon(%s, %s) = %v, want %v", tt.current, tt.target, got, tt.want)
		}
	}
}
