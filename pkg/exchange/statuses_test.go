package exchange

import "testing"

func TestNormalizeStatus(t *testing.T) {
	cases := []struct {
		ex   Name
		raw  string
		want OrderStatus
	}{
		{Binance, "NEW", StatusNew},
		{Binance, "PARTIALLY_FILLED", StatusPartially},
		{Binance, "FILLED", StatusFilled},
		{Binance, "CANCELED", StatusCancelled},
		{Binance, "EXPIRED", StatusCancelled},
		{Binance, "REJECTED", StatusFailed},
		{Bybit, "Created", StatusNew},
		{Bybit, "New", StatusNew},
		{Bybit, "PartiallyFilled", StatusPartially},
		{Bybit, "Filled", StatusFilled},
		{Bybit, "Cancelled", StatusCancelled},
		{Upbit, "wait", StatusOpen},
		{Upbit, "done", StatusFilled},
		{Upbit, "cancel", StatusCancelled},
		{Bithumb, "bid", StatusOpen},
		{Bithumb, "fill", StatusFilled},
		{Bithumb, "cancel", StatusCancelled},
	}
	for _, c := range cases {
		got, ok := NormalizeStatus(c.ex, c.raw)
		if !ok {
			t.Fatalf("NormalizeStatus(%s, %s): not mapped", c.ex, c.raw)
		}
		if got != c.want {
			t.Errorf("NormalizeStatus(%s, %s) = %s, want %s", c.ex, c.raw, got, c.want)
		}
	}

	if _, ok := NormalizeStatus(Binance, "PENDING_NEW"); ok {
		t.Error("unmapped binance status should report ok=false")
	}
	if _, ok := NormalizeStatus(Upbit, "frozen"); ok {
		t.Error("unmapped upbit status should report ok=false")
	}
}

func TestStatusRankForwardOnly(t *testing.T) {
	order := []OrderStatus{StatusPending, StatusNew, StatusOpen, StatusPartially, StatusFilled}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("rank(%s) should exceed rank(%s)", order[i], order[i-1])
		}
	}
	// Terminal states share the top rank so none can overwrite another.
	if StatusFilled.Rank() != StatusCancelled.Rank() || StatusCancelled.Rank() != StatusFailed.Rank() {
		t.Error("terminal states should share one rank")
	}
	for _, s := range []OrderStatus{StatusFilled, StatusCancelled, StatusFailed} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []OrderStatus{StatusPending, StatusNew, StatusOpen, StatusPartially} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
