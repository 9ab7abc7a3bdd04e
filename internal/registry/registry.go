// Package registry holds per-venue instrument constraints and applies the
// precision rules every outgoing order must pass.
package registry

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"signal-router/pkg/exchange"
	"signal-router/pkg/exchange/upbit"
)

// Registry caches instrument metadata keyed by (exchange, market, symbol).
type Registry struct {
	mu          sync.RWMutex
	instruments map[string]exchange.Instrument
}

func New() *Registry {
	return &Registry{instruments: make(map[string]exchange.Instrument)}
}

func key(ex exchange.Name, market exchange.MarketType, symbol string) string {
	return string(ex) + "|" + string(market) + "|" + symbol
}

// Update merges a fresh instrument snapshot into the registry.
func (r *Registry) Update(instruments []exchange.Instrument) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range instruments {
		r.instruments[key(inst.Exchange, inst.Market, inst.Symbol)] = inst
	}
}

// LoadFrom pulls the instrument table from one gateway.
func (r *Registry) LoadFrom(ctx context.Context, gw exchange.Gateway) error {
	instruments, err := gw.Instruments(ctx)
	if err != nil {
		return fmt.Errorf("load instruments from %s: %w", gw.Name(), err)
	}
	r.Update(instruments)
	return nil
}

// RunRefresh reloads the given gateways every interval until ctx is done.
// A failed refresh keeps the previous snapshot.
func (r *Registry) RunRefresh(ctx context.Context, gateways []exchange.Gateway, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, gw := range gateways {
				if err := r.LoadFrom(ctx, gw); err != nil {
					log.Printf("[registry] refresh %s: %v", gw.Name(), err)
				}
			}
		}
	}
}

// Symbols lists the known symbols for one venue variant, sorted. Price
// stream subscriptions are built from this after the initial load.
func (r *Registry) Symbols(ex exchange.Name, market exchange.MarketType) []string {
	prefix := string(ex) + "|" + string(market) + "|"
	r.mu.RLock()
	var out []string
	for k, inst := range r.instruments {
		if strings.HasPrefix(k, prefix) {
			out = append(out, inst.Symbol)
		}
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Lookup returns the constraints for one instrument.
func (r *Registry) Lookup(ex exchange.Name, market exchange.MarketType, symbol string) (exchange.Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instruments[key(ex, market, symbol)]
	return inst, ok
}

// tickFor resolves the effective tick size; KRW venues use a price-banded
// table instead of a fixed per-symbol tick.
func tickFor(inst exchange.Instrument, price decimal.Decimal) decimal.Decimal {
	if inst.TickSize.IsPositive() {
		return inst.TickSize
	}
	if inst.Exchange == exchange.Upbit || inst.Exchange == exchange.Bithumb {
		return upbit.TickFor(price)
	}
	return decimal.Zero
}

// RoundPrice snaps price to the instrument's tick. Buys round down and sells
// round up so the rounded price never crosses further than the requested one.
func (r *Registry) RoundPrice(ex exchange.Name, market exchange.MarketType, symbol string, side exchange.Side, price decimal.Decimal) decimal.Decimal {
	inst, ok := r.Lookup(ex, market, symbol)
	if !ok {
		return price
	}
	tick := tickFor(inst, price)
	if !tick.IsPositive() {
		return price
	}
	steps := price.Div(tick)
	if side == exchange.SideSell {
		steps = steps.Ceil()
	} else {
		steps = steps.Floor()
	}
	return steps.Mul(tick)
}

// RoundQty floors qty to the instrument's step size.
func (r *Registry) RoundQty(ex exchange.Name, market exchange.MarketType, symbol string, qty decimal.Decimal) decimal.Decimal {
	inst, ok := r.Lookup(ex, market, symbol)
	if !ok || !inst.StepSize.IsPositive() {
		return qty
	}
	return qty.Div(inst.StepSize).Floor().Mul(inst.StepSize)
}

// ValidateOrder checks a rounded order against the instrument constraints.
// price is the limit price, or the reference last price for market orders.
func (r *Registry) ValidateOrder(ex exchange.Name, market exchange.MarketType, symbol string, qty, price decimal.Decimal) error {
	inst, ok := r.Lookup(ex, market, symbol)
	if !ok {
		return exchange.NewError(ex, exchange.KindRejected,
			fmt.Sprintf("unknown instrument %s %s", market, symbol), nil)
	}
	if !qty.IsPositive() {
		return exchange.NewError(ex, exchange.KindRejected,
			fmt.Sprintf("%s: quantity rounds to zero", symbol), nil)
	}
	if inst.MinQty.IsPositive() && qty.LessThan(inst.MinQty) {
		return exchange.NewError(ex, exchange.KindRejected,
			fmt.Sprintf("%s: quantity %s below minimum %s", symbol, qty, inst.MinQty), nil)
	}
	if !price.IsPositive() {
		return exchange.NewError(ex, exchange.KindRejected,
			fmt.Sprintf("%s: price must be positive", symbol), nil)
	}
	if inst.MinNotional.IsPositive() && qty.Mul(price).LessThan(inst.MinNotional) {
		return exchange.NewError(ex, exchange.KindRejected,
			fmt.Sprintf("%s: notional %s below minimum %s", symbol, qty.Mul(price), inst.MinNotional), nil)
	}
	return nil
}

// SymbolOK is the authoritative syntactic check: crypto strategies require
// canonical BASE/QUOTE, securities the permissive code form.
func (r *Registry) SymbolOK(marketType, raw string) bool {
	if marketType == "securities" {
		return exchange.SecuritiesSymbolOK(raw)
	}
	return exchange.IsCryptoSymbol(raw)
}
