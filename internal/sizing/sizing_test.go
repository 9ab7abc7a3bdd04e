package sizing

import (
	"testing"

	"github.com/shopspring/decimal"

	"signal-router/internal/registry"
	"signal-router/pkg/exchange"
)

func testRegistry() *registry.Registry {
	r := registry.New()
	r.Update([]exchange.Instrument{
		{
			Exchange:    exchange.Binance,
			Market:      exchange.MarketFutures,
			Symbol:      "BTC/USDT",
			TickSize:    decimal.RequireFromString("0.1"),
			StepSize:    decimal.RequireFromString("0.0001"),
			MinQty:      decimal.RequireFromString("0.001"),
			MinNotional: decimal.NewFromInt(5),
		},
	})
	return r
}

func baseInput() Input {
	return Input{
		MarketType: "crypto",
		Exchange:   exchange.Binance,
		Market:     exchange.MarketFutures,
		Symbol:     "BTC/USDT",
		Side:       exchange.SideBuy,
		LastPrice:  decimal.NewFromInt(50000),
		Capital:    decimal.NewFromInt(1000),
		Leverage:   1,
	}
}

func TestPercentSizing(t *testing.T) {
	reg := testRegistry()

	t.Run("ten percent of 1000 at 50000", func(t *testing.T) {
		in := baseInput()
		in.QtyPer = decimal.NewFromInt(10)
		got, err := Size(reg, in)
		if err != nil {
			t.Fatalf("size: %v", err)
		}
		if !got.Qty.Equal(decimal.RequireFromString("0.002")) {
			t.Errorf("qty = %s, want 0.002", got.Qty)
		}
		if got.Side != exchange.SideBuy {
			t.Errorf("side = %s, want BUY", got.Side)
		}
	})

	t.Run("notional inverts up to rounding", func(t *testing.T) {
		in := baseInput()
		in.QtyPer = decimal.NewFromInt(25)
		in.Leverage = 4
		got, err := Size(reg, in)
		if err != nil {
			t.Fatalf("size: %v", err)
		}
		// 25% x 1000 x 4 = 1000 notional; 1000/50000 = 0.02 exactly on step.
		notional := got.Qty.Mul(in.LastPrice)
		if !notional.Equal(decimal.NewFromInt(1000)) {
			t.Errorf("notional = %s, want 1000", notional)
		}
	})

	t.Run("leverage ignored on spot", func(t *testing.T) {
		reg2 := testRegistry()
		reg2.Update([]exchange.Instrument{{
			Exchange: exchange.Binance,
			Market:   exchange.MarketSpot,
			Symbol:   "BTC/USDT",
			StepSize: decimal.RequireFromString("0.0001"),
		}})
		in := baseInput()
		in.Market = exchange.MarketSpot
		in.QtyPer = decimal.NewFromInt(10)
		in.Leverage = 5
		got, err := Size(reg2, in)
		if err != nil {
			t.Fatalf("size: %v", err)
		}
		if !got.Qty.Equal(decimal.RequireFromString("0.002")) {
			t.Errorf("qty = %s, want 0.002 without leverage", got.Qty)
		}
	})

	t.Run("zero qty_per rejected", func(t *testing.T) {
		in := baseInput()
		if _, err := Size(reg, in); !exchange.IsKind(err, exchange.KindRejected) {
			t.Errorf("err = %v, want REJECTED", err)
		}
	})

	t.Run("dust result rejected on min notional", func(t *testing.T) {
		in := baseInput()
		in.QtyPer = decimal.RequireFromString("0.01")
		in.Capital = decimal.NewFromInt(100)
		if _, err := Size(reg, in); !exchange.IsKind(err, exchange.KindRejected) {
			t.Errorf("err = %v, want REJECTED", err)
		}
	})
}

func TestFullClose(t *testing.T) {
	reg := testRegistry()

	t.Run("long closes with a sell", func(t *testing.T) {
		in := baseInput()
		in.QtyPer = FullClose
		in.Position = decimal.RequireFromString("0.5")
		got, err := Size(reg, in)
		if err != nil {
			t.Fatalf("size: %v", err)
		}
		if got.Side != exchange.SideSell || !got.Qty.Equal(decimal.RequireFromString("0.5")) {
			t.Errorf("got %s %s, want SELL 0.5", got.Side, got.Qty)
		}
		if !got.ReduceOnly {
			t.Error("futures full close should be reduce-only")
		}
	})

	t.Run("short closes with a buy", func(t *testing.T) {
		in := baseInput()
		in.QtyPer = FullClose
		in.Position = decimal.RequireFromString("-0.3")
		got, err := Size(reg, in)
		if err != nil {
			t.Fatalf("size: %v", err)
		}
		if got.Side != exchange.SideBuy || !got.Qty.Equal(decimal.RequireFromString("0.3")) {
			t.Errorf("got %s %s, want BUY 0.3", got.Side, got.Qty)
		}
	})

	t.Run("flat position rejected", func(t *testing.T) {
		in := baseInput()
		in.QtyPer = FullClose
		_, err := Size(reg, in)
		if !exchange.IsKind(err, exchange.KindRejected) {
			t.Fatalf("err = %v, want REJECTED", err)
		}
		if err.Error() != "BINANCE REJECTED: no-position-to-close" {
			t.Errorf("reason = %q", err.Error())
		}
	})
}

func TestSecuritiesSizing(t *testing.T) {
	reg := testRegistry()

	in := Input{
		MarketType: "securities",
		Exchange:   exchange.Mock,
		Symbol:     "005930",
		Side:       exchange.SideBuy,
		QtyPer:     decimal.RequireFromString("7.9"),
	}
	got, err := Size(reg, in)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if !got.Qty.Equal(decimal.NewFromInt(7)) {
		t.Errorf("qty = %s, want 7 whole shares", got.Qty)
	}

	in.QtyPer = decimal.Zero
	if _, err := Size(reg, in); !exchange.IsKind(err, exchange.KindRejected) {
		t.Errorf("err = %v, want REJECTED", err)
	}
}
