package db

import (
	"database/sql"
	"fmt"
)

// Monetary columns are TEXT holding exact decimal strings; REAL would lose
// precision on fee and position arithmetic.
const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    user_id TEXT,
    name TEXT NOT NULL,
    exchange TEXT NOT NULL,
    market TEXT NOT NULL DEFAULT 'SPOT',
    api_key TEXT NOT NULL,
    api_secret TEXT NOT NULL,
    testnet INTEGER DEFAULT 0,
    is_active INTEGER DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS strategies (
    id TEXT PRIMARY KEY,
    group_name TEXT NOT NULL UNIQUE,
    webhook_token TEXT NOT NULL,
    market_type TEXT NOT NULL DEFAULT 'crypto',
    enabled INTEGER DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS strategy_accounts (
    strategy_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    weight REAL NOT NULL DEFAULT 1,
    leverage INTEGER NOT NULL DEFAULT 1,
    max_symbols INTEGER NOT NULL DEFAULT 0,
    enabled INTEGER DEFAULT 1,
    PRIMARY KEY(strategy_id, account_id),
    FOREIGN KEY(strategy_id) REFERENCES strategies(id),
    FOREIGN KEY(account_id) REFERENCES accounts(id)
);

CREATE TABLE IF NOT EXISTS strategy_capitals (
    strategy_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    allocated_capital TEXT NOT NULL DEFAULT '0',
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY(strategy_id, account_id)
);

CREATE TABLE IF NOT EXISTS strategy_positions (
    strategy_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    qty TEXT NOT NULL DEFAULT '0',
    entry_price TEXT NOT NULL DEFAULT '0',
    realized_pnl TEXT NOT NULL DEFAULT '0',
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY(strategy_id, account_id, symbol)
);

CREATE TABLE IF NOT EXISTS open_orders (
    id TEXT PRIMARY KEY,
    strategy_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    exchange TEXT NOT NULL,
    market TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    order_type TEXT NOT NULL,
    qty TEXT NOT NULL,
    price TEXT NOT NULL DEFAULT '0',
    stop_price TEXT NOT NULL DEFAULT '0',
    filled_qty TEXT NOT NULL DEFAULT '0',
    avg_price TEXT NOT NULL DEFAULT '0',
    status TEXT NOT NULL DEFAULT 'PENDING',
    exchange_order_id TEXT NOT NULL,
    fail_reason TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
-- Venues only guarantee order id uniqueness per account, so the scope is
-- (account, exchange_order_id); the partial index serves the hot
-- non-terminal scans without indexing the ever-growing terminal tail.
CREATE UNIQUE INDEX IF NOT EXISTS idx_open_orders_eoid ON open_orders(account_id, exchange_order_id);
CREATE INDEX IF NOT EXISTS idx_open_orders_live
    ON open_orders(status, created_at)
    WHERE status NOT IN ('FILLED', 'CANCELLED', 'FAILED');
CREATE INDEX IF NOT EXISTS idx_open_orders_account ON open_orders(account_id, symbol);

CREATE TABLE IF NOT EXISTS trades (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id TEXT NOT NULL,
    exchange_order_id TEXT NOT NULL,
    trade_seq TEXT NOT NULL,
    strategy_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    qty TEXT NOT NULL,
    price TEXT NOT NULL,
    fee TEXT NOT NULL DEFAULT '0',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(order_id, trade_seq)
);

CREATE TABLE IF NOT EXISTS failed_orders (
    id TEXT PRIMARY KEY,
    operation_type TEXT NOT NULL,
    original_order_id TEXT,
    strategy_id TEXT,
    account_id TEXT,
    exchange TEXT,
    market TEXT,
    symbol TEXT,
    side TEXT,
    order_type TEXT,
    qty TEXT,
    price TEXT,
    reason TEXT NOT NULL,
    error_kind TEXT,
    retried INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS cancel_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    exchange_order_id TEXT NOT NULL,
    market TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'PENDING',
    retry_count INTEGER NOT NULL DEFAULT 0,
    next_attempt_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    last_error TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_cancel_queue_live
    ON cancel_queue(order_id) WHERE status IN ('PENDING', 'PROCESSING');

CREATE TABLE IF NOT EXISTS webhook_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    idempotency_key TEXT UNIQUE,
    strategy_id TEXT,
    payload TEXT NOT NULL,
    status_code INTEGER NOT NULL,
    response TEXT,
    received_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS strategy_order_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    strategy_id TEXT NOT NULL,
    account_id TEXT,
    order_id TEXT,
    event TEXT NOT NULL,
    detail TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_order_logs_strategy ON strategy_order_logs(strategy_id, created_at);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if err := rescopeOrderIDUnique(d.DB); err != nil {
		return err
	}
	if err := rescopeTradeDedupe(d.DB); err != nil {
		return err
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := d.DB.Exec(`DROP INDEX IF EXISTS idx_open_orders_status`); err != nil {
		return fmt.Errorf("drop superseded index: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "open_orders", "fail_reason", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "accounts", "testnet", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "strategy_accounts", "max_symbols", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "failed_orders", "error_kind", "TEXT"); err != nil {
		return err
	}
	return nil
}

// ensureColumn adds a column if it is missing; SQLite has no IF NOT EXISTS
// for ALTER TABLE.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notnull    int
			dflt       sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &primaryKey); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	if err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

// rescopeOrderIDUnique rebuilds open_orders on DB files created when
// exchange_order_id carried a table-level UNIQUE. That scope is wrong: venues
// reuse order ids across accounts, so uniqueness belongs to
// (account_id, exchange_order_id). Constraint indexes cannot be dropped in
// place, hence the copy-and-rename.
func rescopeOrderIDUnique(db *sql.DB) error {
	rows, err := db.Query(`PRAGMA index_list(open_orders)`)
	if err != nil {
		// Fresh file, no table yet.
		return nil
	}
	defer rows.Close()

	var hasConstraint bool
	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return err
		}
		if unique == 1 && origin == "u" {
			hasConstraint = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if !hasConstraint {
		return nil
	}
	// The copy below names every column, so backfill ones added after the
	// constraint era first.
	if err := ensureColumn(db, "open_orders", "fail_reason", "TEXT"); err != nil {
		return err
	}

	const rebuild = `
BEGIN;
CREATE TABLE open_orders_rescoped (
    id TEXT PRIMARY KEY,
    strategy_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    exchange TEXT NOT NULL,
    market TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    order_type TEXT NOT NULL,
    qty TEXT NOT NULL,
    price TEXT NOT NULL DEFAULT '0',
    stop_price TEXT NOT NULL DEFAULT '0',
    filled_qty TEXT NOT NULL DEFAULT '0',
    avg_price TEXT NOT NULL DEFAULT '0',
    status TEXT NOT NULL DEFAULT 'PENDING',
    exchange_order_id TEXT NOT NULL,
    fail_reason TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
INSERT INTO open_orders_rescoped
    SELECT id, strategy_id, account_id, exchange, market, symbol, side, order_type,
           qty, price, stop_price, filled_qty, avg_price, status, exchange_order_id,
           fail_reason, created_at, updated_at
    FROM open_orders;
DROP TABLE open_orders;
ALTER TABLE open_orders_rescoped RENAME TO open_orders;
COMMIT;`
	if _, err := db.Exec(rebuild); err != nil {
		return fmt.Errorf("rescope open_orders unique: %w", err)
	}
	return nil
}

// rescopeTradeDedupe rebuilds trades on DB files where the dedupe key was
// (exchange_order_id, trade_seq). Two accounts on one venue can report the
// same order id and execution id, so the key must lean on our own order id,
// which is unique per row.
func rescopeTradeDedupe(db *sql.DB) error {
	rows, err := db.Query(`PRAGMA index_list(trades)`)
	if err != nil {
		// Fresh file, no table yet.
		return nil
	}
	var constraintIndex string
	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			rows.Close()
			return err
		}
		if unique == 1 && origin == "u" {
			constraintIndex = name
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()
	if constraintIndex == "" {
		return nil
	}

	var firstColumn string
	cols, err := db.Query(fmt.Sprintf(`PRAGMA index_info(%q)`, constraintIndex))
	if err != nil {
		return err
	}
	for cols.Next() {
		var (
			seqno, cid int
			name       string
		)
		if err := cols.Scan(&seqno, &cid, &name); err != nil {
			cols.Close()
			return err
		}
		if seqno == 0 {
			firstColumn = name
		}
	}
	if err := cols.Err(); err != nil {
		cols.Close()
		return err
	}
	cols.Close()
	if firstColumn != "exchange_order_id" {
		return nil
	}

	const rebuild = `
BEGIN;
CREATE TABLE trades_rescoped (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id TEXT NOT NULL,
    exchange_order_id TEXT NOT NULL,
    trade_seq TEXT NOT NULL,
    strategy_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    qty TEXT NOT NULL,
    price TEXT NOT NULL,
    fee TEXT NOT NULL DEFAULT '0',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(order_id, trade_seq)
);
INSERT INTO trades_rescoped
    SELECT id, order_id, exchange_order_id, trade_seq, strategy_id, account_id,
           symbol, side, qty, price, fee, created_at
    FROM trades;
DROP TABLE trades;
ALTER TABLE trades_rescoped RENAME TO trades;
COMMIT;`
	if _, err := db.Exec(rebuild); err != nil {
		return fmt.Errorf("rescope trades dedupe: %w", err)
	}
	return nil
}
