// Package pricecache keeps the last observed trade price per instrument so
// sizing rarely needs a synchronous REST round trip.
package pricecache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"signal-router/pkg/exchange"
)

// Cache maps (exchange, market, symbol) to the most recent quote. Entries
// older than ttl are treated as misses; entries older than staleAfter are
// never served, even as a fallback.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]entry
	ttl        time.Duration
	staleAfter time.Duration
	now        func() time.Time
}

type entry struct {
	quote exchange.Quote
	seen  time.Time
}

func New(ttl, staleAfter time.Duration) *Cache {
	return &Cache{
		entries:    make(map[string]entry),
		ttl:        ttl,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

func key(ex exchange.Name, market exchange.MarketType, symbol string) string {
	return string(ex) + "|" + string(market) + "|" + symbol
}

// Put stores a quote; public WS feeds and REST warmers both land here.
func (c *Cache) Put(q exchange.Quote) {
	c.mu.Lock()
	c.entries[key(q.Exchange, q.Market, q.Symbol)] = entry{quote: q, seen: c.now()}
	c.mu.Unlock()
}

// Get returns the cached quote when it is within ttl.
func (c *Cache) Get(ex exchange.Name, market exchange.MarketType, symbol string) (exchange.Quote, bool) {
	c.mu.RLock()
	e, ok := c.entries[key(ex, market, symbol)]
	c.mu.RUnlock()
	if !ok || c.now().Sub(e.seen) > c.ttl {
		return exchange.Quote{}, false
	}
	return e.quote, true
}

// Price returns a usable last price, fetching synchronously on a miss. When
// the fetch fails, a cached entry younger than staleAfter is served as a
// degraded fallback; anything older is rejected.
func (c *Cache) Price(ctx context.Context, gw exchange.Gateway, market exchange.MarketType, symbol string) (exchange.Quote, error) {
	if q, ok := c.Get(gw.Name(), market, symbol); ok {
		return q, nil
	}

	q, fetchErr := gw.FetchPrice(ctx, symbol)
	if fetchErr == nil {
		q.Market = market
		c.Put(q)
		return q, nil
	}

	c.mu.RLock()
	e, ok := c.entries[key(gw.Name(), market, symbol)]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.seen) <= c.staleAfter {
		return e.quote, nil
	}
	return exchange.Quote{}, fmt.Errorf("no usable price for %s %s: %w", gw.Name(), symbol, fetchErr)
}

// Warm bulk-loads prices for the given symbols (nil means the venue's full
// table) via one batched REST call.
func (c *Cache) Warm(ctx context.Context, gw exchange.Gateway, symbols []string) error {
	quotes, err := gw.FetchPrices(ctx, symbols)
	if err != nil {
		return fmt.Errorf("warm %s: %w", gw.Name(), err)
	}
	for _, q := range quotes {
		c.Put(q)
	}
	return nil
}

// StreamFrom feeds the venue's public trade stream into the cache until ctx
// is done. The adapter reconnects internally.
func (c *Cache) StreamFrom(ctx context.Context, gw exchange.Gateway, symbols []string) error {
	return gw.SubscribePublicPrices(ctx, symbols, c.Put)
}
