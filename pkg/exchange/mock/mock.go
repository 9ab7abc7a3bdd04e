// Package mock implements an in-memory Gateway with deterministic behavior.
// It backs tests and the USE_MOCK_EXCHANGE mode: market orders fill at the
// seeded price immediately, limit and stop orders rest until Fill or Cancel.
package mock

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"signal-router/pkg/exchange"
)

type restingOrder struct {
	req    exchange.OrderRequest
	id     string
	status exchange.OrderStatus
	filled decimal.Decimal
	avg    decimal.Decimal
	fills  int
}

// Client is the mock gateway. All state is process-local.
type Client struct {
	mu      sync.Mutex
	prices  map[string]decimal.Decimal
	orders  map[string]*restingOrder
	nextID  int
	balance decimal.Decimal
	feeRate decimal.Decimal

	subsMu sync.Mutex
	subs   []func(exchange.OrderUpdate)

	// FailNext makes the next CreateOrder return the given error once.
	failNext error
}

// New builds a mock gateway with the given starting quote balance.
func New(balance decimal.Decimal) *Client {
	return &Client{
		prices:  make(map[string]decimal.Decimal),
		orders:  make(map[string]*restingOrder),
		balance: balance,
		feeRate: decimal.New(1, -3), // 0.1%
	}
}

func (c *Client) Name() exchange.Name { return exchange.Mock }

func (c *Client) Capabilities() exchange.Capabilities {
	return exchange.Capabilities{Futures: true, Leverage: true, Batch: true, PrivateStream: true}
}

// SetPrice seeds the last-trade price for a symbol.
func (c *Client) SetPrice(symbol string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[symbol] = price
}

// FailNextOrder arms a one-shot error for the next CreateOrder.
func (c *Client) FailNextOrder(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = err
}

func (c *Client) FetchBalance(ctx context.Context, _ exchange.MarketType) (exchange.BalanceSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return exchange.BalanceSnapshot{Currency: "USDT", Free: c.balance, Total: c.balance}, nil
}

func (c *Client) FetchPrice(ctx context.Context, symbol string) (exchange.Quote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	price, ok := c.prices[symbol]
	if !ok {
		return exchange.Quote{}, exchange.NewError(exchange.Mock, exchange.KindNotFound, "no price for "+symbol, nil)
	}
	return exchange.Quote{Exchange: exchange.Mock, Market: exchange.MarketSpot, Symbol: symbol, Price: price, Ts: time.Now()}, nil
}

func (c *Client) FetchPrices(ctx context.Context, symbols []string) ([]exchange.Quote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	var out []exchange.Quote
	if symbols == nil {
		for s, p := range c.prices {
			out = append(out, exchange.Quote{Exchange: exchange.Mock, Market: exchange.MarketSpot, Symbol: s, Price: p, Ts: now})
		}
		return out, nil
	}
	for _, s := range symbols {
		if p, ok := c.prices[s]; ok {
			out = append(out, exchange.Quote{Exchange: exchange.Mock, Market: exchange.MarketSpot, Symbol: s, Price: p, Ts: now})
		}
	}
	return out, nil
}

func (c *Client) CreateOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	c.mu.Lock()
	if c.failNext != nil {
		err := c.failNext
		c.failNext = nil
		c.mu.Unlock()
		return exchange.OrderResult{}, err
	}
	if req.Qty.Sign() <= 0 {
		c.mu.Unlock()
		return exchange.OrderResult{}, exchange.NewError(exchange.Mock, exchange.KindRejected, "non-positive qty", nil)
	}

	c.nextID++
	id := "MOCK-" + strconv.Itoa(c.nextID)
	order := &restingOrder{req: req, id: id, status: exchange.StatusOpen}

	var result exchange.OrderResult
	if req.Type == exchange.OrderTypeMarket {
		price, ok := c.prices[req.Symbol]
		if !ok {
			c.mu.Unlock()
			return exchange.OrderResult{}, exchange.NewError(exchange.Mock, exchange.KindRejected, "no price for "+req.Symbol, nil)
		}
		order.status = exchange.StatusFilled
		order.filled = req.Qty
		order.avg = price
		order.fills = 1
		result = exchange.OrderResult{ExchangeOrderID: id, Status: exchange.StatusFilled, FilledQty: req.Qty, AvgPrice: price}
	} else {
		result = exchange.OrderResult{ExchangeOrderID: id, Status: exchange.StatusNew}
	}
	c.orders[id] = order
	c.mu.Unlock()

	if order.status == exchange.StatusFilled {
		c.publish(c.fillUpdate(order))
	}
	return result, nil
}

func (c *Client) CreateBatchOrders(ctx context.Context, reqs []exchange.OrderRequest) (exchange.BatchResult, error) {
	var out exchange.BatchResult
	for _, req := range reqs {
		res, err := c.CreateOrder(ctx, req)
		out.Items = append(out.Items, exchange.BatchItem{Request: req, Result: res, Err: err})
		if err != nil {
			out.Failed++
		} else {
			out.Successful++
		}
	}
	return out, nil
}

func (c *Client) CancelOrder(ctx context.Context, _ string, exchangeOrderID string, _ exchange.MarketType) error {
	c.mu.Lock()
	order, ok := c.orders[exchangeOrderID]
	if !ok {
		c.mu.Unlock()
		return exchange.NewError(exchange.Mock, exchange.KindNotFound, "order "+exchangeOrderID+" not found", nil)
	}
	if order.status.IsTerminal() {
		c.mu.Unlock()
		return exchange.NewError(exchange.Mock, exchange.KindConflict, "order "+exchangeOrderID+" already terminal", nil)
	}
	order.status = exchange.StatusCancelled
	update := c.statusUpdate(order)
	c.mu.Unlock()

	c.publish(update)
	return nil
}

func (c *Client) CancelAll(ctx context.Context, symbol string, side exchange.Side, market exchange.MarketType) error {
	c.mu.Lock()
	var ids []string
	for id, o := range c.orders {
		if o.status.IsTerminal() || o.req.Symbol != symbol {
			continue
		}
		if side != "" && o.req.Side != side {
			continue
		}
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		if err := c.CancelOrder(ctx, symbol, id, market); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) FetchOpenOrders(ctx context.Context, symbol string, _ exchange.MarketType) ([]exchange.OrderUpdate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []exchange.OrderUpdate
	for _, o := range c.orders {
		if o.status.IsTerminal() {
			continue
		}
		if symbol != "" && o.req.Symbol != symbol {
			continue
		}
		out = append(out, c.statusUpdate(o))
	}
	return out, nil
}

func (c *Client) FetchOrder(ctx context.Context, _ string, exchangeOrderID string, _ exchange.MarketType) (exchange.OrderUpdate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	order, ok := c.orders[exchangeOrderID]
	if !ok {
		return exchange.OrderUpdate{}, exchange.NewError(exchange.Mock, exchange.KindNotFound, "order "+exchangeOrderID+" not found", nil)
	}
	return c.statusUpdate(order), nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }

func (c *Client) Instruments(ctx context.Context) ([]exchange.Instrument, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]exchange.Instrument, 0, len(c.prices))
	for s := range c.prices {
		out = append(out, exchange.Instrument{
			Exchange:    exchange.Mock,
			Market:      exchange.MarketSpot,
			Symbol:      s,
			TickSize:    decimal.New(1, -2),
			StepSize:    decimal.New(1, -6),
			MinQty:      decimal.New(1, -6),
			MinNotional: decimal.NewFromInt(5),
		})
	}
	return out, nil
}

// Fill executes qty of a resting order at the given price, emitting a private
// update. Filling to completion marks the order FILLED.
func (c *Client) Fill(exchangeOrderID string, qty, price decimal.Decimal) error {
	c.mu.Lock()
	order, ok := c.orders[exchangeOrderID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("mock: order %s not found", exchangeOrderID)
	}
	if order.status.IsTerminal() {
		c.mu.Unlock()
		return fmt.Errorf("mock: order %s already terminal", exchangeOrderID)
	}
	prevNotional := order.avg.Mul(order.filled)
	order.fills++
	order.filled = order.filled.Add(qty)
	order.avg = prevNotional.Add(price.Mul(qty)).Div(order.filled)
	if order.filled.GreaterThanOrEqual(order.req.Qty) {
		order.status = exchange.StatusFilled
	} else {
		order.status = exchange.StatusPartially
	}
	update := c.fillUpdate(order)
	update.LastQty = qty
	update.LastPrice = price
	c.mu.Unlock()

	c.publish(update)
	return nil
}

func (c *Client) statusUpdate(o *restingOrder) exchange.OrderUpdate {
	return exchange.OrderUpdate{
		Exchange:        exchange.Mock,
		ExchangeOrderID: o.id,
		ClientID:        o.req.ClientID,
		Symbol:          o.req.Symbol,
		Side:            o.req.Side,
		Status:          o.status,
		FilledQty:       o.filled,
		LastPrice:       o.avg,
		Timestamp:       time.Now(),
	}
}

func (c *Client) fillUpdate(o *restingOrder) exchange.OrderUpdate {
	update := c.statusUpdate(o)
	update.LastQty = o.filled
	update.LastPrice = o.avg
	update.Fee = o.avg.Mul(o.filled).Mul(c.feeRate)
	update.TradeSeq = o.id + "-T" + strconv.Itoa(o.fills)
	return update
}

func (c *Client) publish(update exchange.OrderUpdate) {
	c.subsMu.Lock()
	subs := make([]func(exchange.OrderUpdate), len(c.subs))
	copy(subs, c.subs)
	c.subsMu.Unlock()
	for _, cb := range subs {
		cb(update)
	}
}

// SubscribePublicPrices replays seeded prices once and then blocks until ctx
// is done; SetPrice drives subsequent quotes through the callback.
func (c *Client) SubscribePublicPrices(ctx context.Context, symbols []string, cb func(exchange.Quote)) error {
	quotes, _ := c.FetchPrices(ctx, symbols)
	for _, q := range quotes {
		cb(q)
	}
	<-ctx.Done()
	return ctx.Err()
}

// SubscribePrivateOrders registers the callback for order events until ctx is
// done.
func (c *Client) SubscribePrivateOrders(ctx context.Context, cb func(exchange.OrderUpdate)) error {
	c.subsMu.Lock()
	c.subs = append(c.subs, cb)
	c.subsMu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}
