package db

import (
	"strings"
	"testing"
)

func indexSQL(t *testing.T, d *Database, name string) (string, bool) {
	t.Helper()
	var sql string
	err := d.DB.QueryRow(`
		SELECT COALESCE(sql, '') FROM sqlite_master WHERE type = 'index' AND name = ?
	`, name).Scan(&sql)
	if err != nil {
		return "", false
	}
	return sql, true
}

func TestOpenOrderIndexes(t *testing.T) {
	d, err := New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer d.Close()
	if err := ApplyMigrations(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	t.Run("venue id unique per account", func(t *testing.T) {
		sql, ok := indexSQL(t, d, "idx_open_orders_eoid")
		if !ok {
			t.Fatal("idx_open_orders_eoid missing")
		}
		if !strings.Contains(sql, "account_id") || !strings.Contains(sql, "exchange_order_id") {
			t.Errorf("index sql = %q, want (account_id, exchange_order_id)", sql)
		}
	})

	t.Run("live scan index skips terminal rows", func(t *testing.T) {
		sql, ok := indexSQL(t, d, "idx_open_orders_live")
		if !ok {
			t.Fatal("idx_open_orders_live missing")
		}
		if !strings.Contains(sql, "WHERE") || !strings.Contains(sql, "NOT IN") {
			t.Errorf("index sql = %q, want a partial index over non-terminal rows", sql)
		}
	})

	t.Run("superseded status index dropped", func(t *testing.T) {
		if _, ok := indexSQL(t, d, "idx_open_orders_status"); ok {
			t.Error("idx_open_orders_status still present")
		}
	})
}

// Files written before the scope fix carried a table-level UNIQUE on
// exchange_order_id alone. The migration must rebuild them so two accounts on
// one venue can hold the same venue order id.
func TestMigrationRescopesVenueOrderID(t *testing.T) {
	d, err := New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer d.Close()

	_, err = d.DB.Exec(`
		CREATE TABLE open_orders (
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
		    exchange_order_id TEXT NOT NULL UNIQUE,
		    fail_reason TEXT,
		    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		INSERT INTO open_orders (id, strategy_id, account_id, exchange, market, symbol,
		    side, order_type, qty, exchange_order_id)
		VALUES ('o-1', 'st', 'acct-1', 'BINANCE', 'SPOT', 'BTC/USDT', 'BUY', 'LIMIT', '1', 'EX-1');
	`)
	if err != nil {
		t.Fatalf("seed old schema: %v", err)
	}

	if err := ApplyMigrations(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	insert := func(id, accountID, eoid string) error {
		_, err := d.DB.Exec(`
			INSERT INTO open_orders (id, strategy_id, account_id, exchange, market, symbol,
			    side, order_type, qty, exchange_order_id)
			VALUES (?, 'st', ?, 'BINANCE', 'SPOT', 'BTC/USDT', 'BUY', 'LIMIT', '1', ?)
		`, id, accountID, eoid)
		return err
	}

	// Existing rows survive the rebuild.
	var count int
	if err := d.DB.QueryRow(`SELECT COUNT(*) FROM open_orders`).Scan(&count); err != nil || count != 1 {
		t.Fatalf("rows after rebuild = (%d, %v), want 1", count, err)
	}

	if err := insert("o-2", "acct-2", "EX-1"); err != nil {
		t.Errorf("same venue id on another account rejected: %v", err)
	}
	if err := insert("o-3", "acct-1", "EX-1"); !isUniqueViolation(err) {
		t.Errorf("duplicate venue id within one account = %v, want unique violation", err)
	}
}

func TestMigrationRescopesTradeDedupe(t *testing.T) {
	d, err := New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer d.Close()

	_, err = d.DB.Exec(`
		CREATE TABLE trades (
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
		    UNIQUE(exchange_order_id, trade_seq)
		);
		INSERT INTO trades (order_id, exchange_order_id, trade_seq, strategy_id,
		    account_id, symbol, side, qty, price)
		VALUES ('o-1', 'EX-1', 'T-1', 'st', 'acct-1', 'BTC/USDT', 'BUY', '1', '100');
	`)
	if err != nil {
		t.Fatalf("seed old schema: %v", err)
	}

	if err := ApplyMigrations(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	// Another account's fill under the same venue order and execution id must
	// book; a true replay for the same order must not.
	_, err = d.DB.Exec(`
		INSERT INTO trades (order_id, exchange_order_id, trade_seq, strategy_id,
		    account_id, symbol, side, qty, price)
		VALUES ('o-2', 'EX-1', 'T-1', 'st', 'acct-2', 'BTC/USDT', 'BUY', '1', '100')
	`)
	if err != nil {
		t.Errorf("cross-account fill rejected: %v", err)
	}
	_, err = d.DB.Exec(`
		INSERT INTO trades (order_id, exchange_order_id, trade_seq, strategy_id,
		    account_id, symbol, side, qty, price)
		VALUES ('o-1', 'EX-1', 'T-1', 'st', 'acct-1', 'BTC/USDT', 'BUY', '1', '100')
	`)
	if !isUniqueViolation(err) {
		t.Errorf("replayed fill = %v, want unique violation", err)
	}
}
