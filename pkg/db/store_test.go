package db

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"signal-router/pkg/exchange"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(database)
}

func seedOrder(t *testing.T, s *Store) *OpenOrder {
	t.Helper()
	o := &OpenOrder{
		StrategyID: "strat-1",
		AccountID:  "acct-1",
		Exchange:   "BINANCE",
		Market:     "FUTURES",
		Symbol:     "BTC/USDT",
		Side:       "BUY",
		OrderType:  "LIMIT",
		Qty:        decimal.NewFromInt(2),
		Price:      decimal.NewFromInt(100),
	}
	if err := s.CreatePendingOrder(context.Background(), o); err != nil {
		t.Fatalf("create pending: %v", err)
	}
	return o
}

func TestOrderLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	o := seedOrder(t, s)

	t.Run("pending row carries sentinel id", func(t *testing.T) {
		got, err := s.GetOrder(ctx, o.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != "PENDING" {
			t.Errorf("status = %s, want PENDING", got.Status)
		}
		if len(got.ExchangeOrderID) <= len(PendingPrefix) || got.ExchangeOrderID[:len(PendingPrefix)] != PendingPrefix {
			t.Errorf("exchange_order_id = %q, want sentinel", got.ExchangeOrderID)
		}
	})

	t.Run("promote swaps in the real id", func(t *testing.T) {
		err := s.PromotePending(ctx, o.ID, "EX-1001", exchange.StatusOpen, decimal.Zero, decimal.Zero)
		if err != nil {
			t.Fatalf("promote: %v", err)
		}
		got, _ := s.GetOrder(ctx, o.ID)
		if got.ExchangeOrderID != "EX-1001" || got.Status != "OPEN" {
			t.Errorf("got (%s, %s), want (EX-1001, OPEN)", got.ExchangeOrderID, got.Status)
		}
	})

	t.Run("promote is pending-only", func(t *testing.T) {
		err := s.PromotePending(ctx, o.ID, "EX-9999", exchange.StatusNew, decimal.Zero, decimal.Zero)
		if err != ErrNotFound {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("status never moves backward", func(t *testing.T) {
		_, _, err := s.UpsertFromFeed(ctx, o.AccountID, exchange.OrderUpdate{
			ExchangeOrderID: "EX-1001",
			Status:          exchange.StatusNew,
		})
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
		got, _ := s.GetOrder(ctx, o.ID)
		if got.Status != "OPEN" {
			t.Errorf("status = %s, want OPEN (NEW must not regress)", got.Status)
		}
	})

	t.Run("terminal status sticks", func(t *testing.T) {
		_, _, err := s.UpsertFromFeed(ctx, o.AccountID, exchange.OrderUpdate{
			ExchangeOrderID: "EX-1001",
			Status:          exchange.StatusCancelled,
		})
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
		_, _, err = s.UpsertFromFeed(ctx, o.AccountID, exchange.OrderUpdate{
			ExchangeOrderID: "EX-1001",
			Status:          exchange.StatusPartially,
		})
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
		got, _ := s.GetOrder(ctx, o.ID)
		if got.Status != "CANCELLED" {
			t.Errorf("status = %s, want CANCELLED", got.Status)
		}
	})
}

func TestFailPending(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	o := seedOrder(t, s)

	if err := s.FailPending(ctx, o.ID, "insufficient balance", "REJECTED"); err != nil {
		t.Fatalf("fail pending: %v", err)
	}
	got, _ := s.GetOrder(ctx, o.ID)
	if got.Status != "FAILED" || got.FailReason != "insufficient balance" {
		t.Errorf("got (%s, %q)", got.Status, got.FailReason)
	}
	failed, err := s.ListFailedOrders(ctx, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].OperationType != "CREATE" || failed[0].ErrorKind != "REJECTED" {
		t.Errorf("failed orders = %+v", failed)
	}
}

func TestDuplicateFillIsIgnored(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	o := seedOrder(t, s)
	if err := s.PromotePending(ctx, o.ID, "EX-2001", exchange.StatusOpen, decimal.Zero, decimal.Zero); err != nil {
		t.Fatalf("promote: %v", err)
	}

	fill := exchange.OrderUpdate{
		ExchangeOrderID: "EX-2001",
		Status:          exchange.StatusPartially,
		LastQty:         decimal.NewFromInt(1),
		LastPrice:       decimal.NewFromInt(100),
		TradeSeq:        "T-1",
	}
	for i := 0; i < 3; i++ {
		_, traded, err := s.UpsertFromFeed(ctx, o.AccountID, fill)
		if err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
		if traded != (i == 0) {
			t.Errorf("upsert %d traded = %v", i, traded)
		}
	}

	got, _ := s.GetOrder(ctx, o.ID)
	if !got.FilledQty.Equal(decimal.NewFromInt(1)) {
		t.Errorf("filled_qty = %s, want 1 (duplicate fills must not stack)", got.FilledQty)
	}
	pos, err := s.GetPosition(ctx, "strat-1", "acct-1", "BTC/USDT")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !pos.Qty.Equal(decimal.NewFromInt(1)) {
		t.Errorf("position qty = %s, want 1", pos.Qty)
	}
}

func TestPositionMath(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	apply := func(delta, price int64) {
		t.Helper()
		err := s.ApplyFill(ctx, "st", "ac", "ETH/USDT",
			decimal.NewFromInt(delta), decimal.NewFromInt(price))
		if err != nil {
			t.Fatalf("apply fill: %v", err)
		}
	}
	pos := func() *StrategyPosition {
		t.Helper()
		p, err := s.GetPosition(ctx, "st", "ac", "ETH/USDT")
		if err != nil {
			t.Fatalf("position: %v", err)
		}
		return p
	}

	t.Run("adds blend the entry price", func(t *testing.T) {
		apply(1, 100)
		apply(1, 200)
		p := pos()
		if !p.Qty.Equal(decimal.NewFromInt(2)) || !p.EntryPrice.Equal(decimal.NewFromInt(150)) {
			t.Errorf("got qty=%s entry=%s, want 2 @ 150", p.Qty, p.EntryPrice)
		}
	})

	t.Run("reduce keeps entry and realizes pnl", func(t *testing.T) {
		apply(-1, 250)
		p := pos()
		if !p.EntryPrice.Equal(decimal.NewFromInt(150)) {
			t.Errorf("entry = %s, want 150 unchanged", p.EntryPrice)
		}
		if !p.RealizedPnL.Equal(decimal.NewFromInt(100)) {
			t.Errorf("pnl = %s, want 100", p.RealizedPnL)
		}
	})

	t.Run("flip resets entry to fill price", func(t *testing.T) {
		apply(-3, 300)
		p := pos()
		if !p.Qty.Equal(decimal.NewFromInt(-2)) || !p.EntryPrice.Equal(decimal.NewFromInt(300)) {
			t.Errorf("got qty=%s entry=%s, want -2 @ 300", p.Qty, p.EntryPrice)
		}
		// 100 from the reduce plus (300-150)*1 from closing the long.
		if !p.RealizedPnL.Equal(decimal.NewFromInt(250)) {
			t.Errorf("pnl = %s, want 250", p.RealizedPnL)
		}
	})
}

func TestCancelQueue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	o := seedOrder(t, s)

	t.Run("enqueue dedupes live rows", func(t *testing.T) {
		first, err := s.EnqueueCancel(ctx, o)
		if err != nil || !first {
			t.Fatalf("first enqueue = (%v, %v), want (true, nil)", first, err)
		}
		second, err := s.EnqueueCancel(ctx, o)
		if err != nil {
			t.Fatalf("second enqueue: %v", err)
		}
		if second {
			t.Error("second enqueue inserted, want dedup")
		}
	})

	var claimed CancelRequest
	t.Run("claim flips to processing", func(t *testing.T) {
		batch, err := s.ClaimCancelBatch(ctx, 10)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if len(batch) != 1 || batch[0].Status != CancelProcessing {
			t.Fatalf("batch = %+v, want one PROCESSING row", batch)
		}
		claimed = batch[0]

		again, err := s.ClaimCancelBatch(ctx, 10)
		if err != nil {
			t.Fatalf("claim again: %v", err)
		}
		if len(again) != 0 {
			t.Errorf("second claim got %d rows, want 0", len(again))
		}
	})

	t.Run("failed attempt backs off", func(t *testing.T) {
		if err := s.ResolveCancel(ctx, claimed, false, "timeout", 5); err != nil {
			t.Fatalf("resolve: %v", err)
		}
		// next_attempt_at moved 30s out, so nothing is due yet.
		batch, err := s.ClaimCancelBatch(ctx, 10)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if len(batch) != 0 {
			t.Errorf("claimed %d rows before backoff expired, want 0", len(batch))
		}
	})

	t.Run("exhausted retries record a failed cancel", func(t *testing.T) {
		claimed.RetryCount = 4
		if err := s.ResolveCancel(ctx, claimed, false, "still down", 5); err != nil {
			t.Fatalf("resolve: %v", err)
		}
		failed, err := s.ListFailedOrders(ctx, 10)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		var cancels int
		for _, f := range failed {
			if f.OperationType == "CANCEL" && f.OriginalOrderID == o.ID {
				cancels++
			}
		}
		if cancels != 1 {
			t.Errorf("failed cancel rows = %d, want 1", cancels)
		}

		// The dead row no longer blocks a fresh enqueue.
		inserted, err := s.EnqueueCancel(ctx, o)
		if err != nil || !inserted {
			t.Errorf("re-enqueue after failure = (%v, %v), want (true, nil)", inserted, err)
		}
	})
}

func TestExpiredPending(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	stale := seedOrder(t, s)
	fresh := seedOrder(t, s)

	_, err := s.db.ExecContext(ctx, `
		UPDATE open_orders SET created_at = datetime('now', '-300 seconds') WHERE id = ?
	`, stale.ID)
	if err != nil {
		t.Fatalf("backdate: %v", err)
	}

	expired, err := s.ListExpiredPending(ctx, 120*time.Second)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != stale.ID {
		t.Fatalf("expired = %+v, want just the backdated order", expired)
	}

	if err := s.FailPending(ctx, stale.ID, "orphan-timeout", ""); err != nil {
		t.Fatalf("fail pending: %v", err)
	}
	got, _ := s.GetOrder(ctx, stale.ID)
	if got.Status != "FAILED" || got.FailReason != "orphan-timeout" {
		t.Errorf("stale order = (%s, %q)", got.Status, got.FailReason)
	}
	kept, _ := s.GetOrder(ctx, fresh.ID)
	if kept.Status != "PENDING" {
		t.Errorf("fresh order status = %s, want PENDING", kept.Status)
	}
}

func TestRestSnapshotBooksFills(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	o := seedOrder(t, s)
	if err := s.PromotePending(ctx, o.ID, "EX-3001", exchange.StatusOpen, decimal.Zero, decimal.Zero); err != nil {
		t.Fatalf("promote: %v", err)
	}

	// REST order queries report a cumulative total with no execution id.
	snapshot := func(status exchange.OrderStatus, filled int64) exchange.OrderUpdate {
		return exchange.OrderUpdate{
			ExchangeOrderID: "EX-3001",
			Status:          status,
			FilledQty:       decimal.NewFromInt(filled),
			LastPrice:       decimal.NewFromInt(100),
		}
	}

	_, traded, err := s.UpsertFromFeed(ctx, o.AccountID, snapshot(exchange.StatusPartially, 1))
	if err != nil {
		t.Fatalf("first snapshot: %v", err)
	}
	if !traded {
		t.Error("first snapshot did not book a trade")
	}
	pos, err := s.GetPosition(ctx, "strat-1", "acct-1", "BTC/USDT")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !pos.Qty.Equal(decimal.NewFromInt(1)) {
		t.Errorf("position qty = %s, want 1", pos.Qty)
	}

	_, traded, err = s.UpsertFromFeed(ctx, o.AccountID, snapshot(exchange.StatusFilled, 2))
	if err != nil {
		t.Fatalf("second snapshot: %v", err)
	}
	if !traded {
		t.Error("second snapshot did not book the delta")
	}

	// Replaying the final snapshot must not stack.
	_, traded, err = s.UpsertFromFeed(ctx, o.AccountID, snapshot(exchange.StatusFilled, 2))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if traded {
		t.Error("replayed snapshot booked a trade")
	}

	pos, _ = s.GetPosition(ctx, "strat-1", "acct-1", "BTC/USDT")
	if !pos.Qty.Equal(decimal.NewFromInt(2)) {
		t.Errorf("position qty = %s, want 2", pos.Qty)
	}
	got, _ := s.GetOrder(ctx, o.ID)
	if got.Status != "FILLED" || !got.FilledQty.Equal(decimal.NewFromInt(2)) {
		t.Errorf("order = (%s, %s), want (FILLED, 2)", got.Status, got.FilledQty)
	}
	trades, err := s.ListRecentTrades(ctx, 10)
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if len(trades) != 2 {
		t.Errorf("trade rows = %d, want 2", len(trades))
	}
}

func TestSameVenueOrderIDAcrossAccounts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := seedOrder(t, s)
	b := &OpenOrder{
		StrategyID: "strat-1",
		AccountID:  "acct-2",
		Exchange:   "BINANCE",
		Market:     "FUTURES",
		Symbol:     "BTC/USDT",
		Side:       "BUY",
		OrderType:  "LIMIT",
		Qty:        decimal.NewFromInt(2),
		Price:      decimal.NewFromInt(100),
	}
	if err := s.CreatePendingOrder(ctx, b); err != nil {
		t.Fatalf("create pending: %v", err)
	}

	// Venues only guarantee order id uniqueness per account, so two accounts
	// on the same venue may legitimately report the same id.
	if err := s.PromotePending(ctx, a.ID, "EX-7", exchange.StatusOpen, decimal.Zero, decimal.Zero); err != nil {
		t.Fatalf("promote first: %v", err)
	}
	if err := s.PromotePending(ctx, b.ID, "EX-7", exchange.StatusOpen, decimal.Zero, decimal.Zero); err != nil {
		t.Fatalf("promote second: %v", err)
	}

	// Feed updates resolve to the right row via the account scope.
	_, _, err := s.UpsertFromFeed(ctx, "acct-2", exchange.OrderUpdate{
		ExchangeOrderID: "EX-7",
		Status:          exchange.StatusFilled,
		LastQty:         decimal.NewFromInt(2),
		LastPrice:       decimal.NewFromInt(100),
		TradeSeq:        "T-9",
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	first, _ := s.GetOrder(ctx, a.ID)
	if first.Status != "OPEN" {
		t.Errorf("first account order status = %s, want OPEN untouched", first.Status)
	}
	second, _ := s.GetOrder(ctx, b.ID)
	if second.Status != "FILLED" {
		t.Errorf("second account order status = %s, want FILLED", second.Status)
	}
}

func TestRecordWebhookIdempotency(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	w := &WebhookLog{IdempotencyKey: "abc-123", StrategyID: "st", Payload: "{}", StatusCode: 202}
	if err := s.RecordWebhook(ctx, w); err != nil {
		t.Fatalf("first record: %v", err)
	}
	dup := &WebhookLog{IdempotencyKey: "abc-123", StrategyID: "st", Payload: "{}", StatusCode: 202}
	if err := s.RecordWebhook(ctx, dup); err != ErrDuplicateWebhook {
		t.Errorf("err = %v, want ErrDuplicateWebhook", err)
	}

	// Requests without a key never collide.
	for i := 0; i < 2; i++ {
		if err := s.RecordWebhook(ctx, &WebhookLog{Payload: "{}", StatusCode: 200}); err != nil {
			t.Errorf("keyless record %d: %v", i, err)
		}
	}
}

func TestRoutingTables(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	acct := &Account{Name: "main", Exchange: "BYBIT", Market: "FUTURES", APIKey: "k", APISecret: "s", IsActive: true}
	if err := s.UpsertAccount(ctx, acct); err != nil {
		t.Fatalf("upsert account: %v", err)
	}
	st := &Strategy{GroupName: "trend-1", WebhookToken: "tok", MarketType: "crypto", Enabled: true}
	if err := s.UpsertStrategy(ctx, st); err != nil {
		t.Fatalf("upsert strategy: %v", err)
	}
	edge := &StrategyAccount{StrategyID: st.ID, AccountID: acct.ID, Weight: 2, Leverage: 3, Enabled: true}
	if err := s.UpsertStrategyAccount(ctx, edge); err != nil {
		t.Fatalf("upsert edge: %v", err)
	}

	t.Run("group lookup round-trips", func(t *testing.T) {
		got, err := s.GetStrategyByGroup(ctx, "trend-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.ID != st.ID || got.WebhookToken != "tok" {
			t.Errorf("got %+v", got)
		}
	})

	t.Run("upsert keeps the strategy id stable", func(t *testing.T) {
		again := &Strategy{GroupName: "trend-1", WebhookToken: "tok2", Enabled: true}
		if err := s.UpsertStrategy(ctx, again); err != nil {
			t.Fatalf("re-upsert: %v", err)
		}
		if again.ID != st.ID {
			t.Errorf("id changed on upsert: %s vs %s", again.ID, st.ID)
		}
	})

	t.Run("inactive accounts drop out of routing", func(t *testing.T) {
		edges, err := s.ListStrategyAccounts(ctx, st.ID)
		if err != nil {
			t.Fatalf("list edges: %v", err)
		}
		if len(edges) != 1 || edges[0].Weight != 2 {
			t.Fatalf("edges = %+v", edges)
		}

		acct.IsActive = false
		if err := s.UpsertAccount(ctx, acct); err != nil {
			t.Fatalf("deactivate: %v", err)
		}
		edges, _ = s.ListStrategyAccounts(ctx, st.ID)
		if len(edges) != 0 {
			t.Errorf("edges after deactivation = %+v, want none", edges)
		}
	})

	t.Run("capital defaults to zero", func(t *testing.T) {
		cap, err := s.GetCapital(ctx, st.ID, acct.ID)
		if err != nil || !cap.IsZero() {
			t.Fatalf("got (%s, %v), want (0, nil)", cap, err)
		}
		if err := s.SetCapital(ctx, st.ID, acct.ID, decimal.NewFromInt(5000)); err != nil {
			t.Fatalf("set: %v", err)
		}
		cap, _ = s.GetCapital(ctx, st.ID, acct.ID)
		if !cap.Equal(decimal.NewFromInt(5000)) {
			t.Errorf("capital = %s, want 5000", cap)
		}
	})
}
