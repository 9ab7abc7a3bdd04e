package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UpsertAccount inserts or refreshes one account row keyed by id.
func (s *Store) UpsertAccount(ctx context.Context, a *Account) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, name, exchange, market, api_key, api_secret, testnet, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			exchange = excluded.exchange,
			market = excluded.market,
			api_key = excluded.api_key,
			api_secret = excluded.api_secret,
			testnet = excluded.testnet,
			is_active = excluded.is_active,
			updated_at = CURRENT_TIMESTAMP
	`, a.ID, a.UserID, a.Name, a.Exchange, a.Market, a.APIKey, a.APISecret, a.Testnet, a.IsActive)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

const selectAccount = `
	SELECT id, COALESCE(user_id, ''), name, exchange, market, api_key, api_secret,
	       testnet, is_active, created_at, updated_at
	FROM accounts`

func scanAccount(row rowScanner, a *Account) error {
	err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.Exchange, &a.Market, &a.APIKey,
		&a.APISecret, &a.Testnet, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("scan account: %w", err)
	}
	return nil
}

// GetAccount fetches one account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*Account, error) {
	var a Account
	if err := scanAccount(s.db.QueryRowContext(ctx, selectAccount+` WHERE id = ?`, id), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// SetAccountActive flips routing eligibility for one account. The dispatcher
// pulls accounts out on auth errors; operators put them back over the API.
func (s *Store) SetAccountActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET is_active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, active, id)
	if err != nil {
		return fmt.Errorf("set account active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAccounts returns every account, active or not, for the operator
// surface.
func (s *Store) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, selectAccount+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var a Account
		if err := scanAccount(rows, &a); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// ListActiveAccounts returns all accounts currently eligible for routing.
func (s *Store) ListActiveAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, selectAccount+` WHERE is_active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var a Account
		if err := scanAccount(rows, &a); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpsertStrategy inserts or refreshes one strategy keyed by group name.
func (s *Store) UpsertStrategy(ctx context.Context, st *Strategy) error {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO strategies (id, group_name, webhook_token, market_type, enabled)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(group_name) DO UPDATE SET
			webhook_token = excluded.webhook_token,
			market_type = excluded.market_type,
			enabled = excluded.enabled
	`, st.ID, st.GroupName, st.WebhookToken, st.MarketType, st.Enabled)
	if err != nil {
		return fmt.Errorf("upsert strategy: %w", err)
	}
	// The upsert keeps the original id on conflict; read it back.
	return s.db.QueryRowContext(ctx,
		`SELECT id FROM strategies WHERE group_name = ?`, st.GroupName).Scan(&st.ID)
}

// GetStrategyByGroup resolves a webhook group name to its strategy.
func (s *Store) GetStrategyByGroup(ctx context.Context, groupName string) (*Strategy, error) {
	var st Strategy
	err := s.db.QueryRowContext(ctx, `
		SELECT id, group_name, webhook_token, market_type, enabled, created_at
		FROM strategies WHERE group_name = ?
	`, groupName).Scan(&st.ID, &st.GroupName, &st.WebhookToken, &st.MarketType, &st.Enabled, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select strategy: %w", err)
	}
	return &st, nil
}

// ListStrategies returns every strategy.
func (s *Store) ListStrategies(ctx context.Context) ([]Strategy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_name, webhook_token, market_type, enabled, created_at
		FROM strategies ORDER BY group_name
	`)
	if err != nil {
		return nil, fmt.Errorf("query strategies: %w", err)
	}
	defer rows.Close()

	var out []Strategy
	for rows.Next() {
		var st Strategy
		if err := rows.Scan(&st.ID, &st.GroupName, &st.WebhookToken, &st.MarketType, &st.Enabled, &st.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpsertStrategyAccount inserts or refreshes one routing edge.
func (s *Store) UpsertStrategyAccount(ctx context.Context, e *StrategyAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO strategy_accounts (strategy_id, account_id, weight, leverage, max_symbols, enabled)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(strategy_id, account_id) DO UPDATE SET
			weight = excluded.weight,
			leverage = excluded.leverage,
			max_symbols = excluded.max_symbols,
			enabled = excluded.enabled
	`, e.StrategyID, e.AccountID, e.Weight, e.Leverage, e.MaxSymbols, e.Enabled)
	if err != nil {
		return fmt.Errorf("upsert strategy account: %w", err)
	}
	return nil
}

// ListStrategyAccounts returns the enabled routing edges of one strategy whose
// accounts are active.
func (s *Store) ListStrategyAccounts(ctx context.Context, strategyID string) ([]StrategyAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sa.strategy_id, sa.account_id, sa.weight, sa.leverage, sa.max_symbols, sa.enabled
		FROM strategy_accounts sa
		JOIN accounts a ON a.id = sa.account_id
		WHERE sa.strategy_id = ? AND sa.enabled = 1 AND a.is_active = 1
		ORDER BY sa.account_id
	`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("query strategy accounts: %w", err)
	}
	defer rows.Close()

	var edges []StrategyAccount
	for rows.Next() {
		var e StrategyAccount
		if err := rows.Scan(&e.StrategyID, &e.AccountID, &e.Weight, &e.Leverage, &e.MaxSymbols, &e.Enabled); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// ListAccountEdges returns every enabled routing edge touching one account,
// across strategies. The rebalancer splits the account's equity over these.
func (s *Store) ListAccountEdges(ctx context.Context, accountID string) ([]StrategyAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT strategy_id, account_id, weight, leverage, max_symbols, enabled
		FROM strategy_accounts
		WHERE account_id = ? AND enabled = 1
		ORDER BY strategy_id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query account edges: %w", err)
	}
	defer rows.Close()

	var edges []StrategyAccount
	for rows.Next() {
		var e StrategyAccount
		if err := rows.Scan(&e.StrategyID, &e.AccountID, &e.Weight, &e.Leverage, &e.MaxSymbols, &e.Enabled); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// SetCapital sets the allocated capital for one routing edge.
func (s *Store) SetCapital(ctx context.Context, strategyID, accountID string, capital decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO strategy_capitals (strategy_id, account_id, allocated_capital, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(strategy_id, account_id) DO UPDATE SET
			allocated_capital = excluded.allocated_capital,
			updated_at = CURRENT_TIMESTAMP
	`, strategyID, accountID, capital.String())
	if err != nil {
		return fmt.Errorf("set capital: %w", err)
	}
	return nil
}

// GetCapital returns the allocated capital for one routing edge, zero when
// none is recorded.
func (s *Store) GetCapital(ctx context.Context, strategyID, accountID string) (decimal.Decimal, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT allocated_capital FROM strategy_capitals
		WHERE strategy_id = ? AND account_id = ?
	`, strategyID, accountID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("select capital: %w", err)
	}
	return dec(raw), nil
}

// ListCapitals returns every allocation for one strategy keyed by account id.
func (s *Store) ListCapitals(ctx context.Context, strategyID string) (map[string]decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, allocated_capital FROM strategy_capitals WHERE strategy_id = ?
	`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("query capitals: %w", err)
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var accountID, raw string
		if err := rows.Scan(&accountID, &raw); err != nil {
			return nil, err
		}
		out[accountID] = dec(raw)
	}
	return out, rows.Err()
}

// RecordWebhook logs one ingress request; a reused idempotency key returns
// ErrDuplicateWebhook without writing.
func (s *Store) RecordWebhook(ctx context.Context, w *WebhookLog) error {
	key := sql.NullString{String: w.IdempotencyKey, Valid: w.IdempotencyKey != ""}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_logs (idempotency_key, strategy_id, payload, status_code, response)
		VALUES (?, ?, ?, ?, ?)
	`, key, w.StrategyID, w.Payload, w.StatusCode, w.Response)
	if isUniqueViolation(err) {
		return ErrDuplicateWebhook
	}
	if err != nil {
		return fmt.Errorf("record webhook: %w", err)
	}
	w.ID, _ = res.LastInsertId()
	return nil
}

// UpdateWebhookResult backfills the final status once dispatch settles.
func (s *Store) UpdateWebhookResult(ctx context.Context, id int64, statusCode int, response string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_logs SET status_code = ?, response = ? WHERE id = ?
	`, statusCode, response, id)
	return err
}

// AppendOrderLog writes one lifecycle event to the strategy audit trail.
func (s *Store) AppendOrderLog(ctx context.Context, strategyID, accountID, orderID, event, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO strategy_order_logs (strategy_id, account_id, order_id, event, detail)
		VALUES (?, ?, ?, ?, ?)
	`, strategyID, accountID, orderID, event, detail)
	if err != nil {
		return fmt.Errorf("append order log: %w", err)
	}
	return nil
}

// ListFailedOrders returns unretried failures, oldest first.
func (s *Store) ListFailedOrders(ctx context.Context, limit int) ([]FailedOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation_type, COALESCE(original_order_id, ''), COALESCE(strategy_id, ''),
		       COALESCE(account_id, ''), COALESCE(exchange, ''), COALESCE(market, ''),
		       COALESCE(symbol, ''), COALESCE(side, ''), COALESCE(order_type, ''),
		       COALESCE(qty, '0'), COALESCE(price, '0'), reason, COALESCE(error_kind, ''),
		       retried, created_at
		FROM failed_orders WHERE retried = 0 ORDER BY created_at LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed orders: %w", err)
	}
	defer rows.Close()

	var out []FailedOrder
	for rows.Next() {
		var f FailedOrder
		var qty, price string
		if err := rows.Scan(&f.ID, &f.OperationType, &f.OriginalOrderID, &f.StrategyID,
			&f.AccountID, &f.Exchange, &f.Market, &f.Symbol, &f.Side, &f.OrderType,
			&qty, &price, &f.Reason, &f.ErrorKind, &f.Retried, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Qty = dec(qty)
		f.Price = dec(price)
		out = append(out, f)
	}
	return out, rows.Err()
}

// MarkFailedRetried flags one failure as handled.
func (s *Store) MarkFailedRetried(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE failed_orders SET retried = 1 WHERE id = ?`, id)
	return err
}
