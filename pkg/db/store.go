package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"signal-router/pkg/exchange"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrDuplicateWebhook = errors.New("duplicate idempotency key")
)

// Store provides the concurrent-safe operations over the order state.
type Store struct {
	db *sql.DB
}

// NewStore wraps an opened database.
func NewStore(d *Database) *Store {
	return &Store{db: d.DB}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// PendingPrefix marks sentinel exchange order ids written before the exchange
// call acks.
const PendingPrefix = "PENDING:"

// CreatePendingOrder inserts the order row before the exchange call so a
// crash between insert and ack leaves a sweepable PENDING row instead of an
// untracked live order.
func (s *Store) CreatePendingOrder(ctx context.Context, o *OpenOrder) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.Status = string(exchange.StatusPending)
	o.ExchangeOrderID = PendingPrefix + uuid.NewString()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO open_orders
			(id, strategy_id, account_id, exchange, market, symbol, side, order_type,
			 qty, price, stop_price, status, exchange_order_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.StrategyID, o.AccountID, o.Exchange, o.Market, o.Symbol, o.Side, o.OrderType,
		o.Qty.String(), o.Price.String(), o.StopPrice.String(), o.Status, o.ExchangeOrderID)
	if err != nil {
		return fmt.Errorf("insert pending order: %w", err)
	}
	return nil
}

// PromotePending swaps the sentinel id for the exchange's id and applies the
// ack status. Only PENDING rows are eligible.
func (s *Store) PromotePending(ctx context.Context, orderID, exchangeOrderID string, status exchange.OrderStatus, filledQty, avgPrice decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE open_orders
		SET exchange_order_id = ?, status = ?, filled_qty = ?, avg_price = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'PENDING'
	`, exchangeOrderID, string(status), filledQty.String(), avgPrice.String(), orderID)
	if err != nil {
		return fmt.Errorf("promote pending: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailPending transitions a PENDING row to FAILED and records the failure.
func (s *Store) FailPending(ctx context.Context, orderID, reason, errorKind string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var o OpenOrder
	if err := scanOrder(tx.QueryRowContext(ctx, selectOrder+` WHERE id = ?`, orderID), &o); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE open_orders
		SET status = 'FAILED', fail_reason = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'PENDING'
	`, reason, orderID)
	if err != nil {
		return fmt.Errorf("fail pending: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := insertFailedOrderTx(ctx, tx, &FailedOrder{
		OperationType:   "CREATE",
		OriginalOrderID: o.ID,
		StrategyID:      o.StrategyID,
		AccountID:       o.AccountID,
		Exchange:        o.Exchange,
		Market:          o.Market,
		Symbol:          o.Symbol,
		Side:            o.Side,
		OrderType:       o.OrderType,
		Qty:             o.Qty,
		Price:           o.Price,
		Reason:          reason,
		ErrorKind:       errorKind,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

const selectOrder = `
	SELECT id, strategy_id, account_id, exchange, market, symbol, side, order_type,
	       qty, price, stop_price, filled_qty, avg_price, status, exchange_order_id,
	       COALESCE(fail_reason, ''), created_at, updated_at
	FROM open_orders`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner, o *OpenOrder) error {
	var qty, price, stopPrice, filledQty, avgPrice string
	err := row.Scan(&o.ID, &o.StrategyID, &o.AccountID, &o.Exchange, &o.Market, &o.Symbol,
		&o.Side, &o.OrderType, &qty, &price, &stopPrice, &filledQty, &avgPrice,
		&o.Status, &o.ExchangeOrderID, &o.FailReason, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("scan order: %w", err)
	}
	o.Qty = dec(qty)
	o.Price = dec(price)
	o.StopPrice = dec(stopPrice)
	o.FilledQty = dec(filledQty)
	o.AvgPrice = dec(avgPrice)
	return nil
}

// GetOrder fetches one order by local id.
func (s *Store) GetOrder(ctx context.Context, orderID string) (*OpenOrder, error) {
	var o OpenOrder
	if err := scanOrder(s.db.QueryRowContext(ctx, selectOrder+` WHERE id = ?`, orderID), &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOrderByExchangeID fetches one order by its exchange order id. Venue ids
// are only unique per account, so the account scopes the lookup.
func (s *Store) GetOrderByExchangeID(ctx context.Context, accountID, exchangeOrderID string) (*OpenOrder, error) {
	var o OpenOrder
	if err := scanOrder(s.db.QueryRowContext(ctx,
		selectOrder+` WHERE account_id = ? AND exchange_order_id = ?`, accountID, exchangeOrderID), &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) queryOrders(ctx context.Context, query string, args ...any) ([]OpenOrder, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []OpenOrder
	for rows.Next() {
		var o OpenOrder
		if err := scanOrder(rows, &o); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ListNonTerminalOrders returns all orders still in flight, optionally for
// one account.
func (s *Store) ListNonTerminalOrders(ctx context.Context, accountID string) ([]OpenOrder, error) {
	q := selectOrder + ` WHERE status NOT IN ('FILLED', 'CANCELLED', 'FAILED')`
	if accountID != "" {
		return s.queryOrders(ctx, q+` AND account_id = ? ORDER BY created_at`, accountID)
	}
	return s.queryOrders(ctx, q+` ORDER BY created_at`)
}

// ListRecentOrders returns the newest orders for the operator surface.
func (s *Store) ListRecentOrders(ctx context.Context, limit int) ([]OpenOrder, error) {
	return s.queryOrders(ctx, selectOrder+` ORDER BY created_at DESC LIMIT ?`, limit)
}

// AccountsWithOpenOrders lists account ids holding at least one non-terminal
// order; the poller only visits those.
func (s *Store) AccountsWithOpenOrders(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT account_id FROM open_orders
		WHERE status NOT IN ('FILLED', 'CANCELLED', 'FAILED')
	`)
	if err != nil {
		return nil, fmt.Errorf("query accounts with open orders: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertFromFeed applies one normalized execution event for the given
// account. Trade rows dedupe on (order_id, trade_seq); the position
// mutation is conditional on the trade insert landing, and the status only
// moves forward. Both the stream and the poller funnel through here, so
// duplicate delivery is harmless. REST snapshots that report only a
// cumulative filled total get a synthesized trade for the delta, keyed by
// that total, so poll-only venues still book trades and positions.
// It returns the affected order and whether a new trade row was recorded.
func (s *Store) UpsertFromFeed(ctx context.Context, accountID string, update exchange.OrderUpdate) (*OpenOrder, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	var o OpenOrder
	err = scanOrder(tx.QueryRowContext(ctx,
		selectOrder+` WHERE account_id = ? AND exchange_order_id = ?`, accountID, update.ExchangeOrderID), &o)
	if errors.Is(err, ErrNotFound) && update.ClientID != "" {
		// The ack may not have promoted the sentinel yet; the client id is
		// our row id.
		err = scanOrder(tx.QueryRowContext(ctx,
			selectOrder+` WHERE account_id = ? AND id = ?`, accountID, update.ClientID), &o)
	}
	if errors.Is(err, ErrNotFound) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, err
	}

	eoid := update.ExchangeOrderID
	if eoid == "" {
		eoid = o.ExchangeOrderID
	}
	tradeSeq, lastQty, lastPrice := update.TradeSeq, update.LastQty, update.LastPrice
	if tradeSeq == "" && update.FilledQty.GreaterThan(o.FilledQty) {
		// Cumulative snapshot without an execution id (REST order queries).
		// Book the delta under a total-derived seq so replays dedupe.
		lastQty = update.FilledQty.Sub(o.FilledQty)
		tradeSeq = eoid + "-cum-" + update.FilledQty.String()
	}

	var traded bool
	if tradeSeq != "" && lastQty.IsPositive() {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO trades
				(order_id, exchange_order_id, trade_seq, strategy_id, account_id,
				 symbol, side, qty, price, fee)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, o.ID, eoid, tradeSeq, o.StrategyID, o.AccountID,
			o.Symbol, o.Side, lastQty.String(), lastPrice.String(), update.Fee.String())
		if err != nil {
			return nil, false, fmt.Errorf("insert trade: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			traded = true
			delta := lastQty
			if o.Side == string(exchange.SideSell) {
				delta = delta.Neg()
			}
			if err := applyFillTx(ctx, tx, o.StrategyID, o.AccountID, o.Symbol, delta, lastPrice); err != nil {
				return nil, false, err
			}
			prev := o.AvgPrice.Mul(o.FilledQty)
			newFilled := o.FilledQty.Add(lastQty)
			if update.FilledQty.GreaterThan(newFilled) {
				newFilled = update.FilledQty
			}
			o.FilledQty = newFilled
			o.AvgPrice = prev.Add(lastPrice.Mul(lastQty)).Div(o.FilledQty)
		}
	} else if update.FilledQty.GreaterThan(o.FilledQty) {
		o.FilledQty = update.FilledQty
		if update.LastPrice.IsPositive() {
			o.AvgPrice = update.LastPrice
		}
	}

	current := exchange.OrderStatus(o.Status)
	if update.Status.Rank() > current.Rank() {
		o.Status = string(update.Status)
	}
	// Swap the sentinel id once the feed names the real one.
	if strings.HasPrefix(o.ExchangeOrderID, PendingPrefix) && update.ExchangeOrderID != "" &&
		!strings.HasPrefix(update.ExchangeOrderID, PendingPrefix) {
		o.ExchangeOrderID = update.ExchangeOrderID
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE open_orders
		SET status = ?, filled_qty = ?, avg_price = ?, exchange_order_id = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, o.Status, o.FilledQty.String(), o.AvgPrice.String(), o.ExchangeOrderID, o.ID)
	if err != nil {
		return nil, false, fmt.Errorf("update order from feed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return &o, traded, nil
}

// ApplyFill mutates the strategy position by a signed base-qty delta at the
// given price. Exposed for rebuilds; the feed path applies fills inside its
// own transaction.
func (s *Store) ApplyFill(ctx context.Context, strategyID, accountID, symbol string, delta, price decimal.Decimal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := applyFillTx(ctx, tx, strategyID, accountID, symbol, delta, price); err != nil {
		return err
	}
	return tx.Commit()
}

// applyFillTx implements the entry-price rules: growing the position blends
// the average, reducing leaves it and realizes pnl, flipping through zero
// resets it to the fill price.
func applyFillTx(ctx context.Context, tx *sql.Tx, strategyID, accountID, symbol string, delta, price decimal.Decimal) error {
	var qtyStr, entryStr, pnlStr string
	err := tx.QueryRowContext(ctx, `
		SELECT qty, entry_price, realized_pnl FROM strategy_positions
		WHERE strategy_id = ? AND account_id = ? AND symbol = ?
	`, strategyID, accountID, symbol).Scan(&qtyStr, &entryStr, &pnlStr)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("select position: %w", err)
	}

	qty := dec(qtyStr)
	entry := dec(entryStr)
	pnl := dec(pnlStr)
	newQty := qty.Add(delta)

	switch {
	case qty.IsZero() || qty.Sign() == delta.Sign():
		// Growing (or opening): blended average entry.
		notional := entry.Mul(qty.Abs()).Add(price.Mul(delta.Abs()))
		entry = notional.Div(newQty.Abs())
	case newQty.IsZero():
		closed := delta.Abs()
		pnl = pnl.Add(price.Sub(entry).Mul(closed).Mul(decimal.NewFromInt(int64(qty.Sign()))))
		entry = decimal.Zero
	case newQty.Sign() == qty.Sign():
		// Reducing: entry unchanged, realize on the closed slice.
		closed := delta.Abs()
		pnl = pnl.Add(price.Sub(entry).Mul(closed).Mul(decimal.NewFromInt(int64(qty.Sign()))))
	default:
		// Flip through zero: realize the whole old side, restart at price.
		pnl = pnl.Add(price.Sub(entry).Mul(qty.Abs()).Mul(decimal.NewFromInt(int64(qty.Sign()))))
		entry = price
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO strategy_positions (strategy_id, account_id, symbol, qty, entry_price, realized_pnl, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(strategy_id, account_id, symbol) DO UPDATE SET
			qty = excluded.qty,
			entry_price = excluded.entry_price,
			realized_pnl = excluded.realized_pnl,
			updated_at = CURRENT_TIMESTAMP
	`, strategyID, accountID, symbol, newQty.String(), entry.String(), pnl.String())
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

// GetPosition returns the net position for one (strategy, account, symbol).
func (s *Store) GetPosition(ctx context.Context, strategyID, accountID, symbol string) (*StrategyPosition, error) {
	var p StrategyPosition
	var qty, entry, pnl string
	err := s.db.QueryRowContext(ctx, `
		SELECT strategy_id, account_id, symbol, qty, entry_price, realized_pnl, updated_at
		FROM strategy_positions
		WHERE strategy_id = ? AND account_id = ? AND symbol = ?
	`, strategyID, accountID, symbol).Scan(&p.StrategyID, &p.AccountID, &p.Symbol, &qty, &entry, &pnl, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select position: %w", err)
	}
	p.Qty = dec(qty)
	p.EntryPrice = dec(entry)
	p.RealizedPnL = dec(pnl)
	return &p, nil
}

// ListPositions returns all positions for one strategy.
func (s *Store) ListPositions(ctx context.Context, strategyID string) ([]StrategyPosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT strategy_id, account_id, symbol, qty, entry_price, realized_pnl, updated_at
		FROM strategy_positions WHERE strategy_id = ? ORDER BY account_id, symbol
	`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var positions []StrategyPosition
	for rows.Next() {
		var p StrategyPosition
		var qty, entry, pnl string
		if err := rows.Scan(&p.StrategyID, &p.AccountID, &p.Symbol, &qty, &entry, &pnl, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Qty = dec(qty)
		p.EntryPrice = dec(entry)
		p.RealizedPnL = dec(pnl)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// EnqueueCancel queues a cancel for the order unless a live queue row already
// exists; the partial unique index enforces at-most-one in flight.
func (s *Store) EnqueueCancel(ctx context.Context, o *OpenOrder) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO cancel_queue (order_id, account_id, symbol, exchange_order_id, market)
		VALUES (?, ?, ?, ?, ?)
	`, o.ID, o.AccountID, o.Symbol, o.ExchangeOrderID, o.Market)
	if err != nil {
		return false, fmt.Errorf("enqueue cancel: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ClaimCancelBatch atomically flips up to limit due PENDING rows to
// PROCESSING and returns them. Concurrent drainers never claim the same row.
func (s *Store) ClaimCancelBatch(ctx context.Context, limit int) ([]CancelRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM cancel_queue
		WHERE status = 'PENDING' AND next_attempt_at <= CURRENT_TIMESTAMP
		ORDER BY id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("select due cancels: %w", err)
	}
	var ids []any
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	_, err = tx.ExecContext(ctx, `
		UPDATE cancel_queue SET status = 'PROCESSING', updated_at = CURRENT_TIMESTAMP
		WHERE id IN (`+placeholders+`) AND status = 'PENDING'
	`, ids...)
	if err != nil {
		return nil, fmt.Errorf("claim cancels: %w", err)
	}

	claimed, err := queryCancelsTx(ctx, tx, `
		SELECT id, order_id, account_id, symbol, exchange_order_id, market, status,
		       retry_count, next_attempt_at, COALESCE(last_error, ''), created_at, updated_at
		FROM cancel_queue WHERE id IN (`+placeholders+`) AND status = 'PROCESSING'
	`, ids...)
	if err != nil {
		return nil, err
	}
	return claimed, tx.Commit()
}

func queryCancelsTx(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]CancelRequest, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cancels: %w", err)
	}
	defer rows.Close()

	var out []CancelRequest
	for rows.Next() {
		var c CancelRequest
		if err := rows.Scan(&c.ID, &c.OrderID, &c.AccountID, &c.Symbol, &c.ExchangeOrderID,
			&c.Market, &c.Status, &c.RetryCount, &c.NextAttemptAt, &c.LastError,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResolveCancel finalizes one claimed cancel attempt. Failures back off
// exponentially (base 30s, doubling per retry) until maxRetries, then the
// row goes FAILED and a FailedOrder(CANCEL) is recorded.
func (s *Store) ResolveCancel(ctx context.Context, c CancelRequest, success bool, attemptErr string, maxRetries int) error {
	if success {
		_, err := s.db.ExecContext(ctx, `
			UPDATE cancel_queue SET status = 'SUCCESS', updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, c.ID)
		return err
	}

	retries := c.RetryCount + 1
	if retries >= maxRetries {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		_, err = tx.ExecContext(ctx, `
			UPDATE cancel_queue
			SET status = 'FAILED', retry_count = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, retries, attemptErr, c.ID)
		if err != nil {
			return fmt.Errorf("fail cancel: %w", err)
		}
		if err := insertFailedOrderTx(ctx, tx, &FailedOrder{
			OperationType:   "CANCEL",
			OriginalOrderID: c.OrderID,
			AccountID:       c.AccountID,
			Symbol:          c.Symbol,
			Market:          c.Market,
			Reason:          attemptErr,
		}); err != nil {
			return err
		}
		return tx.Commit()
	}

	backoff := 30 * time.Second << (retries - 1)
	_, err := s.db.ExecContext(ctx, `
		UPDATE cancel_queue
		SET status = 'PENDING', retry_count = ?, last_error = ?,
		    next_attempt_at = datetime('now', ?), updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, retries, attemptErr, fmt.Sprintf("+%d seconds", int(backoff.Seconds())), c.ID)
	if err != nil {
		return fmt.Errorf("requeue cancel: %w", err)
	}
	return nil
}

// ListExpiredPending returns PENDING orders older than timeout. Crashes or
// lost acks between the pending insert and the exchange response surface
// here; the sweeper checks each against the venue before failing it.
func (s *Store) ListExpiredPending(ctx context.Context, timeout time.Duration) ([]OpenOrder, error) {
	cutoff := fmt.Sprintf("-%d seconds", int(timeout.Seconds()))
	return s.queryOrders(ctx, selectOrder+`
		WHERE status = 'PENDING' AND created_at < datetime('now', ?)
	`, cutoff)
}

func insertFailedOrderTx(ctx context.Context, tx *sql.Tx, f *FailedOrder) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO failed_orders
			(id, operation_type, original_order_id, strategy_id, account_id, exchange,
			 market, symbol, side, order_type, qty, price, reason, error_kind)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.OperationType, f.OriginalOrderID, f.StrategyID, f.AccountID, f.Exchange,
		f.Market, f.Symbol, f.Side, f.OrderType, f.Qty.String(), f.Price.String(),
		f.Reason, f.ErrorKind)
	if err != nil {
		return fmt.Errorf("insert failed order: %w", err)
	}
	return nil
}

// InsertFailedOrder records a failure outside any surrounding transaction.
func (s *Store) InsertFailedOrder(ctx context.Context, f *FailedOrder) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := insertFailedOrderTx(ctx, tx, f); err != nil {
		return err
	}
	return tx.Commit()
}

// ListRecentTrades returns the newest fills for the operator surface.
func (s *Store) ListRecentTrades(ctx context.Context, limit int) ([]Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, exchange_order_id, trade_seq, strategy_id, account_id,
		       symbol, side, qty, price, fee, created_at
		FROM trades ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var t Trade
		var qty, price, fee string
		if err := rows.Scan(&t.ID, &t.OrderID, &t.ExchangeOrderID, &t.TradeSeq,
			&t.StrategyID, &t.AccountID, &t.Symbol, &t.Side, &qty, &price, &fee, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Qty = dec(qty)
		t.Price = dec(price)
		t.Fee = dec(fee)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// DayStats aggregates activity since a cutoff for the daily report.
type DayStats struct {
	Orders   int
	Trades   int
	Failed   int
	Notional decimal.Decimal
}

// CollectDayStats sums order, trade and failure counts since the cutoff.
// Trade notional is summed in Go to keep decimal exactness.
func (s *Store) CollectDayStats(ctx context.Context, since time.Time) (DayStats, error) {
	var stats DayStats
	cutoff := since.UTC().Format("2006-01-02 15:04:05")

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM open_orders WHERE created_at >= ?`, cutoff).Scan(&stats.Orders); err != nil {
		return stats, fmt.Errorf("count orders: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM failed_orders WHERE created_at >= ?`, cutoff).Scan(&stats.Failed); err != nil {
		return stats, fmt.Errorf("count failures: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT qty, price FROM trades WHERE created_at >= ?`, cutoff)
	if err != nil {
		return stats, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var qty, price string
		if err := rows.Scan(&qty, &price); err != nil {
			return stats, err
		}
		stats.Trades++
		stats.Notional = stats.Notional.Add(dec(qty).Mul(dec(price)))
	}
	return stats, rows.Err()
}

// RealizedPnLByStrategy sums realized pnl across positions, grouped by
// strategy, for the daily report.
func (s *Store) RealizedPnLByStrategy(ctx context.Context) (map[string]decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT strategy_id, realized_pnl FROM strategy_positions`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	pnl := make(map[string]decimal.Decimal)
	for rows.Next() {
		var strategyID, raw string
		if err := rows.Scan(&strategyID, &raw); err != nil {
			return nil, err
		}
		pnl[strategyID] = pnl[strategyID].Add(dec(raw))
	}
	return pnl, rows.Err()
}

func dec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
