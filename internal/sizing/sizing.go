// Package sizing converts the webhook's qty_per contract into an
// exchange-valid base quantity.
package sizing

import (
	"github.com/shopspring/decimal"

	"signal-router/internal/registry"
	"signal-router/pkg/exchange"
)

// FullClose is the qty_per sentinel for liquidating the whole position.
var FullClose = decimal.NewFromInt(-100)

var hundred = decimal.NewFromInt(100)

// Input carries everything one sizing decision needs.
type Input struct {
	MarketType string // crypto or securities
	Exchange   exchange.Name
	Market     exchange.MarketType
	Symbol     string
	Side       exchange.Side
	QtyPer     decimal.Decimal
	LimitPrice decimal.Decimal // zero for market orders
	LastPrice  decimal.Decimal
	Capital    decimal.Decimal // allocated capital for this routing edge
	Leverage   int
	Position   decimal.Decimal // signed current position qty
}

// Result is the sized order leg. Side may differ from the input side when
// qty_per = -100 infers the closing direction from the position.
type Result struct {
	Qty        decimal.Decimal
	Side       exchange.Side
	ReduceOnly bool
}

// Size applies the qty_per semantics, then precision rounding and constraint
// validation.
//
// qty_per > 0 is a percentage of allocated capital (times leverage on
// futures) converted at the last price. qty_per = -100 closes the whole
// position. Securities qty_per is a literal share count.
func Size(reg *registry.Registry, in Input) (Result, error) {
	if in.MarketType == "securities" {
		return sizeSecurities(in)
	}

	if in.QtyPer.Equal(FullClose) {
		return sizeFullClose(reg, in)
	}

	if !in.QtyPer.IsPositive() {
		return Result{}, exchange.NewError(in.Exchange, exchange.KindRejected,
			"qty_per must be positive or -100", nil)
	}
	if !in.LastPrice.IsPositive() {
		return Result{}, exchange.NewError(in.Exchange, exchange.KindRejected,
			in.Symbol+": no reference price", nil)
	}

	notional := in.Capital.Mul(in.QtyPer).Div(hundred)
	if in.Market == exchange.MarketFutures && in.Leverage > 1 {
		notional = notional.Mul(decimal.NewFromInt(int64(in.Leverage)))
	}
	qty := reg.RoundQty(in.Exchange, in.Market, in.Symbol, notional.Div(in.LastPrice))

	if err := reg.ValidateOrder(in.Exchange, in.Market, in.Symbol, qty, refPrice(in)); err != nil {
		return Result{}, err
	}
	return Result{Qty: qty, Side: in.Side}, nil
}

// sizeFullClose liquidates the tracked position; the side comes from the
// position sign, not the payload.
func sizeFullClose(reg *registry.Registry, in Input) (Result, error) {
	if in.Position.IsZero() {
		return Result{}, exchange.NewError(in.Exchange, exchange.KindRejected,
			"no-position-to-close", nil)
	}
	side := exchange.SideSell
	if in.Position.IsNegative() {
		side = exchange.SideBuy
	}
	qty := reg.RoundQty(in.Exchange, in.Market, in.Symbol, in.Position.Abs())
	if err := reg.ValidateOrder(in.Exchange, in.Market, in.Symbol, qty, refPrice(in)); err != nil {
		return Result{}, err
	}
	return Result{Qty: qty, Side: side, ReduceOnly: in.Market == exchange.MarketFutures}, nil
}

// sizeSecurities treats qty_per as a literal integer share count.
func sizeSecurities(in Input) (Result, error) {
	if in.QtyPer.Equal(FullClose) {
		if in.Position.IsZero() {
			return Result{}, exchange.NewError(in.Exchange, exchange.KindRejected,
				"no-position-to-close", nil)
		}
		side := exchange.SideSell
		if in.Position.IsNegative() {
			side = exchange.SideBuy
		}
		return Result{Qty: in.Position.Abs().Floor(), Side: side}, nil
	}
	shares := in.QtyPer.Floor()
	if !shares.IsPositive() {
		return Result{}, exchange.NewError(in.Exchange, exchange.KindRejected,
			"share count must be a positive integer", nil)
	}
	return Result{Qty: shares, Side: in.Side}, nil
}

// refPrice picks the price the constraints are checked against: the limit
// price when one exists, else the last trade.
func refPrice(in Input) decimal.Decimal {
	if in.LimitPrice.IsPositive() {
		return in.LimitPrice
	}
	return in.LastPrice
}
