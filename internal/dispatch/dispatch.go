// Package dispatch fans a validated signal out to every subscribed account,
// sizing each leg and submitting it through the account's gateway with the
// DB-first pending-row pattern.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/shopspring/decimal"

	"signal-router/internal/events"
	"signal-router/internal/gateway"
	"signal-router/internal/monitor"
	"signal-router/internal/pricecache"
	"signal-router/internal/registry"
	"signal-router/internal/sizing"
	"signal-router/pkg/db"
	"signal-router/pkg/exchange"
)

// Intent is one normalized sub-order from a webhook payload.
type Intent struct {
	Symbol    string
	Side      exchange.Side
	Type      exchange.OrderType
	QtyPer    decimal.Decimal
	Price     decimal.Decimal
	StopPrice decimal.Decimal
}

// Outcome reports one (intent, account) leg.
type Outcome struct {
	AccountID string          `json:"account_id"`
	Symbol    string          `json:"symbol"`
	OrderType string          `json:"order_type"`
	OrderID   string          `json:"order_id,omitempty"`
	Queued    bool            `json:"queued,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Qty       decimal.Decimal `json:"qty,omitempty"`
}

// fail stamps the outcome with the error and its kind.
func (o *Outcome) fail(err error) {
	o.Error = err.Error()
	o.ErrorKind = string(exchange.KindOf(err))
}

// Summary aggregates a whole dispatch; queued legs count as successful until
// their background submission settles.
type Summary struct {
	Total      int       `json:"total"`
	Successful int       `json:"successful"`
	Failed     int       `json:"failed"`
	Queued     int       `json:"queued"`
	Outcomes   []Outcome `json:"outcomes"`
}

// AllQueued reports whether every leg took the slow path.
func (s Summary) AllQueued() bool {
	return s.Total > 0 && s.Queued == s.Total
}

// Dispatcher routes intents to accounts.
type Dispatcher struct {
	store   *db.Store
	pool    *gateway.Pool
	reg     *registry.Registry
	prices  *pricecache.Cache
	bus     *events.Bus
	metrics *monitor.Metrics
	workers *pond.WorkerPool

	marketTimeout time.Duration
	orderTimeout  time.Duration
}

func New(store *db.Store, pool *gateway.Pool, reg *registry.Registry, prices *pricecache.Cache, bus *events.Bus, metrics *monitor.Metrics, fanout int, marketTimeout, orderTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		store:         store,
		pool:          pool,
		reg:           reg,
		prices:        prices,
		bus:           bus,
		metrics:       metrics,
		workers:       pond.New(fanout, fanout*4),
		marketTimeout: marketTimeout,
		orderTimeout:  orderTimeout,
	}
}

// Stop drains the worker pool.
func (d *Dispatcher) Stop() {
	d.workers.StopAndWait()
}

// priority orders sub-orders within a batch: fills first, then cancels, then
// resting orders.
func priority(t exchange.OrderType) int {
	switch t {
	case exchange.OrderTypeMarket:
		return 0
	case exchange.OrderTypeCancelAll:
		return 1
	case exchange.OrderTypeLimit:
		return 2
	default: // STOP_MARKET, STOP_LIMIT
		return 3
	}
}

// SortByPriority orders intents in dispatch order, keeping payload order
// within the same class.
func SortByPriority(intents []Intent) {
	sort.SliceStable(intents, func(i, j int) bool {
		return priority(intents[i].Type) < priority(intents[j].Type)
	})
}

func isFastPath(t exchange.OrderType) bool {
	return t == exchange.OrderTypeMarket || t == exchange.OrderTypeCancelAll
}

// Dispatch expands intents across the strategy's accounts. MARKET and
// CANCEL_ALL legs run synchronously; LIMIT and STOP legs are queued to the
// background and reported as accepted. One account's failure never aborts
// the others.
func (d *Dispatcher) Dispatch(ctx context.Context, strategy *db.Strategy, intents []Intent) Summary {
	SortByPriority(intents)

	edges, err := d.store.ListStrategyAccounts(ctx, strategy.ID)
	if err != nil {
		log.Printf("[dispatch] %s: list accounts: %v", strategy.GroupName, err)
		return Summary{}
	}
	if len(edges) == 0 {
		log.Printf("[dispatch] %s: no subscribed accounts", strategy.GroupName)
		return Summary{}
	}

	var (
		mu      sync.Mutex
		summary Summary
	)
	summary.Total = len(intents) * len(edges)
	record := func(o Outcome) {
		mu.Lock()
		defer mu.Unlock()
		summary.Outcomes = append(summary.Outcomes, o)
		switch {
		case o.Queued:
			summary.Queued++
			summary.Successful++
		case o.Error != "":
			summary.Failed++
		default:
			summary.Successful++
		}
	}

	group := d.workers.Group()
	for _, intent := range intents {
		for _, edge := range edges {
			intent, edge := intent, edge
			if isFastPath(intent.Type) {
				group.Submit(func() {
					record(d.runLeg(ctx, strategy, edge, intent, d.marketTimeout))
				})
				continue
			}
			// Slow path: acknowledge now, submit off the request context.
			record(Outcome{AccountID: edge.AccountID, Symbol: intent.Symbol,
				OrderType: string(intent.Type), Queued: true})
			d.workers.Submit(func() {
				bg, cancel := context.WithTimeout(context.Background(), d.orderTimeout)
				defer cancel()
				out := d.runLeg(bg, strategy, edge, intent, d.orderTimeout)
				if out.Error != "" {
					log.Printf("[dispatch] %s queued leg failed: account=%s symbol=%s: %s",
						strategy.GroupName, edge.AccountID, intent.Symbol, out.Error)
				}
			})
		}
	}
	group.Wait()

	detail := fmt.Sprintf("total=%d successful=%d failed=%d queued=%d",
		summary.Total, summary.Successful, summary.Failed, summary.Queued)
	if err := d.store.AppendOrderLog(ctx, strategy.ID, "", "", db.OrderLogDispatched, detail); err != nil {
		log.Printf("[dispatch] %s: order log: %v", strategy.GroupName, err)
	}
	return summary
}

// runLeg executes one (intent, account) leg, recovering panics so a bad leg
// cannot take down its siblings.
func (d *Dispatcher) runLeg(ctx context.Context, strategy *db.Strategy, edge db.StrategyAccount, intent Intent, timeout time.Duration) (out Outcome) {
	out = Outcome{AccountID: edge.AccountID, Symbol: intent.Symbol, OrderType: string(intent.Type)}
	defer func() {
		if r := recover(); r != nil {
			out.Error = fmt.Sprintf("panic: %v", r)
			log.Printf("[dispatch] recovered: strategy=%s account=%s: %v", strategy.GroupName, edge.AccountID, r)
		}
	}()

	legCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	acct, err := d.store.GetAccount(legCtx, edge.AccountID)
	if err != nil {
		out.Error = fmt.Sprintf("load account: %v", err)
		return out
	}
	gw, err := d.pool.For(legCtx, acct)
	if err != nil {
		out.fail(err)
		d.quarantineOnAuth(legCtx, acct, err)
		return out
	}
	market := exchange.MarketType(acct.Market)

	if intent.Type == exchange.OrderTypeCancelAll {
		queued, err := d.enqueueCancelAll(legCtx, strategy, acct, intent)
		if err != nil {
			out.fail(err)
			d.recordFailure(legCtx, strategy, edge, acct, intent, "", err)
			return out
		}
		log.Printf("[dispatch] cancel-all %s account=%s symbol=%s queued=%d",
			strategy.GroupName, acct.ID, intent.Symbol, queued)
		return out
	}

	sized, err := d.size(legCtx, strategy, edge, acct, gw, intent, market)
	if err != nil {
		out.fail(err)
		d.recordFailure(legCtx, strategy, edge, acct, intent, "", err)
		return out
	}
	out.Qty = sized.Qty

	order := &db.OpenOrder{
		StrategyID: strategy.ID,
		AccountID:  acct.ID,
		Exchange:   acct.Exchange,
		Market:     acct.Market,
		Symbol:     intent.Symbol,
		Side:       string(sized.Side),
		OrderType:  string(intent.Type),
		Qty:        sized.Qty,
		Price:      d.reg.RoundPrice(gw.Name(), market, intent.Symbol, sized.Side, intent.Price),
		StopPrice:  intent.StopPrice,
	}
	if err := d.store.CreatePendingOrder(legCtx, order); err != nil {
		out.Error = fmt.Sprintf("create pending: %v", err)
		return out
	}
	out.OrderID = order.ID

	req := exchange.OrderRequest{
		Symbol:     intent.Symbol,
		Side:       sized.Side,
		Type:       intent.Type,
		Qty:        sized.Qty,
		Price:      order.Price,
		StopPrice:  intent.StopPrice,
		ClientID:   order.ID,
		Market:     market,
		ReduceOnly: sized.ReduceOnly,
		Leverage:   edge.Leverage,
	}
	timer := monitor.NewTimer(nil)
	if d.metrics != nil {
		timer = monitor.NewTimer(d.metrics.ExchangeLatency)
	}
	result, err := gw.CreateOrder(legCtx, req)
	timer.Stop()
	if err != nil {
		if exchange.IsKind(err, exchange.KindTransient) {
			// Outcome unknown: leave the PENDING row for the probe/sweeper.
			out.Error = fmt.Sprintf("submit outcome unknown: %v", err)
			out.ErrorKind = string(exchange.KindTransient)
			log.Printf("[dispatch] order %s outcome unknown, leaving pending: %v", order.ID, err)
			return out
		}
		out.fail(err)
		if ferr := d.store.FailPending(legCtx, order.ID, err.Error(), string(exchange.KindOf(err))); ferr != nil {
			log.Printf("[dispatch] fail pending %s: %v", order.ID, ferr)
		}
		d.quarantineOnAuth(legCtx, acct, err)
		d.publishFailed(strategy, acct, order, err)
		return out
	}

	if err := d.store.PromotePending(legCtx, order.ID, result.ExchangeOrderID, result.Status, result.FilledQty, result.AvgPrice); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			// The feed promoted it first; the row already carries the real id.
			log.Printf("[dispatch] promote %s: settled by feed", order.ID)
		} else {
			out.fail(fmt.Errorf("promote order: %w", err))
			log.Printf("[dispatch] promote %s (eoid=%s): %v", order.ID, result.ExchangeOrderID, err)
			return out
		}
	}
	if err := d.store.AppendOrderLog(legCtx, strategy.ID, acct.ID, order.ID, db.OrderLogPromoted,
		fmt.Sprintf("eoid=%s status=%s", result.ExchangeOrderID, result.Status)); err != nil {
		log.Printf("[dispatch] order log %s: %v", order.ID, err)
	}
	d.bus.Publish(events.EventOrderDispatched, Outcome{
		AccountID: acct.ID, Symbol: intent.Symbol, OrderType: string(intent.Type),
		OrderID: order.ID, Qty: sized.Qty,
	})
	return out
}

// quarantineOnAuth pulls an account out of routing when the venue rejects
// its credentials; every later leg would fail the same way. Operators
// re-enable it over the API after rotating keys.
func (d *Dispatcher) quarantineOnAuth(ctx context.Context, acct *db.Account, cause error) {
	if !exchange.IsKind(cause, exchange.KindAuth) {
		return
	}
	if err := d.store.SetAccountActive(ctx, acct.ID, false); err != nil {
		log.Printf("[dispatch] disable account %s: %v", acct.ID, err)
		return
	}
	log.Printf("[dispatch] account %s disabled after auth error: %v", acct.ID, cause)
	d.bus.Publish(events.EventAccountDisabled, *acct)
}

// enqueueCancelAll puts one durable cancel request per matching tracked
// order on the queue; the reconciler's drainer executes them. Orders still
// waiting on their exchange ack are skipped, the sweeper owns those.
func (d *Dispatcher) enqueueCancelAll(ctx context.Context, strategy *db.Strategy, acct *db.Account, intent Intent) (int, error) {
	orders, err := d.store.ListNonTerminalOrders(ctx, acct.ID)
	if err != nil {
		return 0, fmt.Errorf("list open orders: %w", err)
	}
	var queued int
	for i := range orders {
		o := &orders[i]
		if o.StrategyID != strategy.ID || o.Symbol != intent.Symbol {
			continue
		}
		if intent.Side != "" && o.Side != string(intent.Side) {
			continue
		}
		if strings.HasPrefix(o.ExchangeOrderID, db.PendingPrefix) {
			continue
		}
		inserted, err := d.store.EnqueueCancel(ctx, o)
		if err != nil {
			return queued, err
		}
		if inserted {
			queued++
		}
	}
	return queued, nil
}

// size resolves capital, position and price, then applies the qty_per rules.
func (d *Dispatcher) size(ctx context.Context, strategy *db.Strategy, edge db.StrategyAccount, acct *db.Account, gw exchange.Gateway, intent Intent, market exchange.MarketType) (sizing.Result, error) {
	capital, err := d.store.GetCapital(ctx, strategy.ID, acct.ID)
	if err != nil {
		return sizing.Result{}, fmt.Errorf("load capital: %w", err)
	}

	var position decimal.Decimal
	if pos, err := d.store.GetPosition(ctx, strategy.ID, acct.ID, intent.Symbol); err == nil {
		position = pos.Qty
	}

	var lastPrice decimal.Decimal
	if strategy.MarketType != "securities" {
		quote, err := d.prices.Price(ctx, gw, market, intent.Symbol)
		if err != nil {
			return sizing.Result{}, err
		}
		lastPrice = quote.Price
	}

	return sizing.Size(d.reg, sizing.Input{
		MarketType: strategy.MarketType,
		Exchange:   gw.Name(),
		Market:     market,
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		QtyPer:     intent.QtyPer,
		LimitPrice: intent.Price,
		LastPrice:  lastPrice,
		Capital:    capital,
		Leverage:   edge.Leverage,
		Position:   position,
	})
}

func (d *Dispatcher) recordFailure(ctx context.Context, strategy *db.Strategy, edge db.StrategyAccount, acct *db.Account, intent Intent, orderID string, cause error) {
	op := "CREATE"
	if intent.Type == exchange.OrderTypeCancelAll {
		op = "CANCEL"
	}
	err := d.store.InsertFailedOrder(ctx, &db.FailedOrder{
		OperationType:   op,
		OriginalOrderID: orderID,
		StrategyID:      strategy.ID,
		AccountID:       acct.ID,
		Exchange:        acct.Exchange,
		Market:          acct.Market,
		Symbol:          intent.Symbol,
		Side:            string(intent.Side),
		OrderType:       string(intent.Type),
		Qty:             decimal.Zero,
		Price:           intent.Price,
		Reason:          cause.Error(),
		ErrorKind:       string(exchange.KindOf(cause)),
	})
	if err != nil {
		log.Printf("[dispatch] record failure: %v", err)
	}
	d.bus.Publish(events.EventOrderFailed, Outcome{
		AccountID: acct.ID, Symbol: intent.Symbol, OrderType: string(intent.Type), Error: cause.Error(),
	})
}

func (d *Dispatcher) publishFailed(strategy *db.Strategy, acct *db.Account, order *db.OpenOrder, cause error) {
	d.bus.Publish(events.EventOrderFailed, Outcome{
		AccountID: acct.ID, Symbol: order.Symbol, OrderType: order.OrderType,
		OrderID: order.ID, Error: cause.Error(),
	})
}
