package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"signal-router/pkg/crypto"
	"signal-router/pkg/db"
)

const sampleYAML = `
accounts:
  - id: acct-main
    name: main futures
    exchange: BINANCE
    market: FUTURES
    api_key: plain-key
    api_secret: plain-secret
    testnet: true
    active: true
  - id: acct-krw
    name: upbit spot
    exchange: UPBIT
    market: SPOT
    api_key_env: SEED_TEST_UPBIT_KEY
    api_secret_env: SEED_TEST_UPBIT_SECRET
    active: true

strategies:
  - group_name: trend-1h
    token: whk-123
    market_type: crypto
    enabled: true
    accounts:
      - account: acct-main
        weight: 2
        leverage: 3
        capital: 5000
      - account: acct-krw
        weight: 1
        leverage: 1
        capital: 1000
`

func writeSeed(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "router.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	return path
}

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db.NewStore(database)
}

func TestSyncSeedsRoutingTables(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	t.Setenv("SEED_TEST_UPBIT_KEY", "env-key")
	t.Setenv("SEED_TEST_UPBIT_SECRET", "env-secret")

	f, err := Load(writeSeed(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Sync(ctx, store, nil, f); err != nil {
		t.Fatalf("sync: %v", err)
	}

	acct, err := store.GetAccount(ctx, "acct-krw")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if acct.APIKey != "env-key" || acct.APISecret != "env-secret" {
		t.Errorf("env credentials not resolved: %+v", acct)
	}

	strategy, err := store.GetStrategyByGroup(ctx, "trend-1h")
	if err != nil {
		t.Fatalf("strategy: %v", err)
	}
	edges, err := store.ListStrategyAccounts(ctx, strategy.ID)
	if err != nil {
		t.Fatalf("edges: %v", err)
	}
	if len(edges) != 2 {
		t.Fatalf("edges = %d, want 2", len(edges))
	}

	capital, err := store.GetCapital(ctx, strategy.ID, "acct-main")
	if err != nil {
		t.Fatalf("capital: %v", err)
	}
	if !capital.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("capital = %s, want 5000", capital)
	}
}

func TestSyncEncryptsInlineCredentials(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	t.Setenv("SEED_TEST_UPBIT_KEY", "env-key")
	t.Setenv("SEED_TEST_UPBIT_SECRET", "env-secret")

	keys, err := crypto.NewKeyManager(
		"000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f", 1)
	if err != nil {
		t.Fatalf("key manager: %v", err)
	}

	f, err := Load(writeSeed(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Sync(ctx, store, keys, f); err != nil {
		t.Fatalf("sync: %v", err)
	}

	acct, err := store.GetAccount(ctx, "acct-main")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if !crypto.IsEncrypted(acct.APIKey) || !crypto.IsEncrypted(acct.APISecret) {
		t.Fatalf("inline credentials stored in plaintext: %q", acct.APIKey)
	}
	plain, err := keys.Decrypt(acct.APISecret)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "plain-secret" {
		t.Errorf("decrypted = %q, want plain-secret", plain)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	t.Setenv("SEED_TEST_UPBIT_KEY", "env-key")
	t.Setenv("SEED_TEST_UPBIT_SECRET", "env-secret")

	f, err := Load(writeSeed(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Sync(ctx, store, nil, f); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	first, err := store.GetStrategyByGroup(ctx, "trend-1h")
	if err != nil {
		t.Fatalf("strategy: %v", err)
	}

	if err := Sync(ctx, store, nil, f); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	second, err := store.GetStrategyByGroup(ctx, "trend-1h")
	if err != nil {
		t.Fatalf("strategy: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("strategy id changed across syncs: %s vs %s", first.ID, second.ID)
	}
}
