// Package reconcile runs the background loops that converge local state with
// the exchanges: private execution feeds, a REST poller fallback, the cancel
// queue drainer, and the orphan/capital sweeper.
package reconcile

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"signal-router/internal/events"
	"signal-router/internal/gateway"
	"signal-router/internal/monitor"
	"signal-router/pkg/db"
	"signal-router/pkg/exchange"
)

const cancelBatchSize = 50

// Config tunes the loop periods.
type Config struct {
	PollInterval     time.Duration
	CancelInterval   time.Duration
	SweepInterval    time.Duration
	FeedRescan       time.Duration // how often new accounts are checked for stream listeners
	OrphanTimeout    time.Duration
	MaxCancelRetries int
	RebalanceEpsilon float64
}

// Reconciler owns the four loops. Run blocks until ctx is done.
type Reconciler struct {
	store   *db.Store
	pool    *gateway.Pool
	bus     *events.Bus
	metrics *monitor.Metrics
	cfg     Config
}

func New(store *db.Store, pool *gateway.Pool, bus *events.Bus, metrics *monitor.Metrics, cfg Config) *Reconciler {
	return &Reconciler{store: store, pool: pool, bus: bus, metrics: metrics, cfg: cfg}
}

// Run starts the feed listeners and the three tickers under one errgroup.
func (r *Reconciler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.runFeeds(ctx) })
	g.Go(func() error { return r.runPoller(ctx) })
	g.Go(func() error { return r.runCancelDrainer(ctx) })
	g.Go(func() error { return r.runSweeper(ctx) })
	return g.Wait()
}

// runFeeds keeps one private-stream listener per streaming-capable account,
// rescanning so accounts seeded after startup get a listener too. The
// adapters reconnect internally; a listener only exits with ctx.
func (r *Reconciler) runFeeds(ctx context.Context) error {
	started := make(map[string]bool)
	r.attachFeeds(ctx, started)

	rescan := r.cfg.FeedRescan
	if rescan <= 0 {
		rescan = 30 * time.Second
	}
	ticker := time.NewTicker(rescan)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.attachFeeds(ctx, started)
		}
	}
}

// attachFeeds starts listeners for active accounts that do not have one yet
// and returns how many it attached. Accounts whose gateway cannot be built
// are retried on the next scan.
func (r *Reconciler) attachFeeds(ctx context.Context, started map[string]bool) int {
	accounts, err := r.store.ListActiveAccounts(ctx)
	if err != nil {
		log.Printf("[reconcile] feeds: %v", err)
		return 0
	}
	var attached int
	for i := range accounts {
		acct := accounts[i]
		if started[acct.ID] {
			continue
		}
		gw, err := r.pool.For(ctx, &acct)
		if err != nil {
			log.Printf("[reconcile] feed %s: %v", acct.ID, err)
			continue
		}
		started[acct.ID] = true
		if !gw.Capabilities().PrivateStream {
			log.Printf("[reconcile] %s (%s) has no private stream, poller only", acct.ID, acct.Exchange)
			continue
		}
		attached++
		go func(acct db.Account, gw exchange.Gateway) {
			err := gw.SubscribePrivateOrders(ctx, func(update exchange.OrderUpdate) {
				r.ingest(ctx, acct.ID, update)
			})
			if err != nil && ctx.Err() == nil {
				log.Printf("[reconcile] feed %s ended: %v", acct.ID, err)
			}
		}(acct, gw)
	}
	return attached
}

// ingest applies one execution event for the account; duplicates from the
// WS/poller overlap are absorbed by the store.
func (r *Reconciler) ingest(ctx context.Context, accountID string, update exchange.OrderUpdate) {
	order, traded, err := r.store.UpsertFromFeed(ctx, accountID, update)
	if err != nil {
		if err != db.ErrNotFound {
			log.Printf("[reconcile] ingest %s: %v", update.ExchangeOrderID, err)
		}
		return
	}
	r.bus.Publish(events.EventOrderUpdate, *order)
	if traded {
		r.bus.Publish(events.EventTradeExecuted, *order)
		if r.metrics != nil {
			r.metrics.IncrementTrades()
		}
	}
	if order.Status == string(exchange.StatusFilled) {
		if err := r.store.AppendOrderLog(ctx, order.StrategyID, order.AccountID, order.ID,
			db.OrderLogFilled, "filled="+order.FilledQty.String()); err != nil {
			log.Printf("[reconcile] order log %s: %v", order.ID, err)
		}
	}
	if order.Status == string(exchange.StatusCancelled) {
		if err := r.store.AppendOrderLog(ctx, order.StrategyID, order.AccountID, order.ID,
			db.OrderLogCancelled, ""); err != nil {
			log.Printf("[reconcile] order log %s: %v", order.ID, err)
		}
	}
}

// runPoller probes every tracked non-terminal order over REST. It is the
// safety net for missed or unavailable streams.
func (r *Reconciler) runPoller(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

func (r *Reconciler) pollOnce(ctx context.Context) {
	accountIDs, err := r.store.AccountsWithOpenOrders(ctx)
	if err != nil {
		log.Printf("[reconcile] poll: %v", err)
		return
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range accountIDs {
		id := id
		g.Go(func() error {
			r.pollAccount(ctx, id)
			return nil
		})
	}
	g.Wait()
}

func (r *Reconciler) pollAccount(ctx context.Context, accountID string) {
	acct, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		log.Printf("[reconcile] poll %s: %v", accountID, err)
		return
	}
	gw, err := r.pool.For(ctx, acct)
	if err != nil {
		log.Printf("[reconcile] poll %s: %v", accountID, err)
		return
	}
	orders, err := r.store.ListNonTerminalOrders(ctx, accountID)
	if err != nil {
		log.Printf("[reconcile] poll %s: %v", accountID, err)
		return
	}
	for _, o := range orders {
		if strings.HasPrefix(o.ExchangeOrderID, db.PendingPrefix) {
			// Never acked; the sweeper owns these.
			continue
		}
		update, err := gw.FetchOrder(ctx, o.Symbol, o.ExchangeOrderID, exchange.MarketType(o.Market))
		if err != nil {
			if exchange.IsKind(err, exchange.KindNotFound) {
				log.Printf("[reconcile] poll: order %s unknown at %s", o.ExchangeOrderID, acct.Exchange)
			} else {
				log.Printf("[reconcile] poll %s: %v", o.ExchangeOrderID, err)
			}
			continue
		}
		r.ingest(ctx, accountID, update)
	}
}

// runCancelDrainer claims due cancel requests and executes them against the
// venue. NOT_FOUND and CONFLICT mean the order is already gone and count as
// success.
func (r *Reconciler) runCancelDrainer(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.CancelInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.drainCancels(ctx)
		}
	}
}

func (r *Reconciler) drainCancels(ctx context.Context) {
	batch, err := r.store.ClaimCancelBatch(ctx, cancelBatchSize)
	if err != nil {
		log.Printf("[reconcile] claim cancels: %v", err)
		return
	}
	for _, req := range batch {
		success, attemptErr := r.executeCancel(ctx, req)
		if err := r.store.ResolveCancel(ctx, req, success, attemptErr, r.cfg.MaxCancelRetries); err != nil {
			log.Printf("[reconcile] resolve cancel %d: %v", req.ID, err)
		}
		if success && r.metrics != nil {
			r.metrics.IncrementCancels()
		}
		r.bus.Publish(events.EventCancelResolved, req)
	}
}

func (r *Reconciler) executeCancel(ctx context.Context, req db.CancelRequest) (bool, string) {
	acct, err := r.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return false, err.Error()
	}
	gw, err := r.pool.For(ctx, acct)
	if err != nil {
		return false, err.Error()
	}
	err = gw.CancelOrder(ctx, req.Symbol, req.ExchangeOrderID, exchange.MarketType(req.Market))
	if err == nil ||
		exchange.IsKind(err, exchange.KindNotFound) ||
		exchange.IsKind(err, exchange.KindConflict) {
		return true, ""
	}
	return false, err.Error()
}

// runSweeper fails timed-out PENDING rows and rebalances capital.
func (r *Reconciler) runSweeper(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweepOnce(ctx)
			r.rebalanceOnce(ctx)
		}
	}
}

func (r *Reconciler) sweepOnce(ctx context.Context) {
	expired, err := r.store.ListExpiredPending(ctx, r.cfg.OrphanTimeout)
	if err != nil {
		log.Printf("[reconcile] sweep: %v", err)
		return
	}
	for i := range expired {
		o := &expired[i]
		if r.resolveOrphan(ctx, o) {
			continue
		}
		if err := r.store.FailPending(ctx, o.ID, "orphan-timeout", ""); err != nil {
			if !errors.Is(err, db.ErrNotFound) {
				log.Printf("[reconcile] fail orphan %s: %v", o.ID, err)
			}
			continue
		}
		log.Printf("[reconcile] orphaned order %s (%s %s) failed after %s",
			o.ID, o.Symbol, o.Side, r.cfg.OrphanTimeout)
		if err := r.store.AppendOrderLog(ctx, o.StrategyID, o.AccountID, o.ID,
			db.OrderLogOrphaned, "pending past "+r.cfg.OrphanTimeout.String()); err != nil {
			log.Printf("[reconcile] order log %s: %v", o.ID, err)
		}
		o.Status = string(exchange.StatusFailed)
		o.FailReason = "orphan-timeout"
		r.bus.Publish(events.EventOrderFailed, *o)
	}
}

// resolveOrphan asks the venue whether a never-acked submission actually
// landed, matching open orders by our client order id. A match is ingested
// like any feed event. A lookup failure defers the decision to the next
// sweep instead of failing a possibly live order.
func (r *Reconciler) resolveOrphan(ctx context.Context, o *db.OpenOrder) bool {
	acct, err := r.store.GetAccount(ctx, o.AccountID)
	if err != nil {
		log.Printf("[reconcile] sweep %s: %v", o.ID, err)
		return false
	}
	gw, err := r.pool.For(ctx, acct)
	if err != nil {
		log.Printf("[reconcile] sweep %s: %v", o.ID, err)
		return false
	}
	open, err := gw.FetchOpenOrders(ctx, o.Symbol, exchange.MarketType(o.Market))
	if err != nil {
		log.Printf("[reconcile] sweep lookup %s at %s: %v", o.ID, acct.Exchange, err)
		return true // venue unreachable; keep the row for the next pass
	}
	for _, u := range open {
		if u.ClientID != o.ID {
			continue
		}
		r.ingest(ctx, acct.ID, u)
		log.Printf("[reconcile] order %s recovered at %s as %s", o.ID, acct.Exchange, u.ExchangeOrderID)
		return true
	}
	return false
}

// rebalanceOnce realigns per-edge capital with each account's live equity,
// split by edge weight. Small drifts inside the epsilon band are left alone
// to avoid churning allocations on every fill.
func (r *Reconciler) rebalanceOnce(ctx context.Context) {
	accounts, err := r.store.ListActiveAccounts(ctx)
	if err != nil {
		log.Printf("[reconcile] rebalance: %v", err)
		return
	}
	for _, acct := range accounts {
		acct := acct
		edges, err := r.store.ListAccountEdges(ctx, acct.ID)
		if err != nil || len(edges) == 0 {
			continue
		}
		gw, err := r.pool.For(ctx, &acct)
		if err != nil {
			continue
		}
		balance, err := gw.FetchBalance(ctx, exchange.MarketType(acct.Market))
		if err != nil {
			log.Printf("[reconcile] rebalance %s: %v", acct.ID, err)
			continue
		}

		var totalWeight float64
		for _, e := range edges {
			totalWeight += e.Weight
		}
		if totalWeight <= 0 {
			continue
		}
		for _, e := range edges {
			target := balance.Total.Mul(decimal.NewFromFloat(e.Weight / totalWeight))
			current, err := r.store.GetCapital(ctx, e.StrategyID, acct.ID)
			if err != nil {
				continue
			}
			if withinEpsilon(current, target, r.cfg.RebalanceEpsilon) {
				continue
			}
			if err := r.store.SetCapital(ctx, e.StrategyID, acct.ID, target); err != nil {
				log.Printf("[reconcile] set capital %s/%s: %v", e.StrategyID, acct.ID, err)
				continue
			}
			log.Printf("[reconcile] rebalanced %s/%s: %s -> %s", e.StrategyID, acct.ID, current, target)
		}
	}
}

// withinEpsilon reports whether current is within the relative epsilon band
// around target. A zero target only matches a zero current.
func withinEpsilon(current, target decimal.Decimal, epsilon float64) bool {
	if target.IsZero() {
		return current.IsZero()
	}
	drift := current.Sub(target).Abs().Div(target.Abs())
	return drift.LessThanOrEqual(decimal.NewFromFloat(epsilon))
}
