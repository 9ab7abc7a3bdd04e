package gateway

import (
	"context"
	"testing"

	"signal-router/pkg/crypto"
	"signal-router/pkg/db"
	"signal-router/pkg/exchange"
)

func TestPoolCachesPerAccount(t *testing.T) {
	ctx := context.Background()
	p := NewPool(nil, true)

	a := &db.Account{ID: "a1", Exchange: "MOCK"}
	b := &db.Account{ID: "a2", Exchange: "MOCK"}

	gwA1, err := p.For(ctx, a)
	if err != nil {
		t.Fatalf("for a1: %v", err)
	}
	gwA2, _ := p.For(ctx, a)
	if gwA1 != gwA2 {
		t.Error("same account must reuse the cached client")
	}
	gwB, _ := p.For(ctx, b)
	if gwA1 == gwB {
		t.Error("accounts must not share clients")
	}

	p.Evict("a1")
	gwA3, _ := p.For(ctx, a)
	if gwA1 == gwA3 {
		t.Error("evicted account must get a fresh client")
	}
}

func TestPoolDecryptsCredentials(t *testing.T) {
	ctx := context.Background()
	km, err := crypto.NewKeyManager("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f", 1)
	if err != nil {
		t.Fatalf("key manager: %v", err)
	}
	encKey, _ := km.Encrypt("ak")
	encSecret, _ := km.Encrypt("as")

	t.Run("encrypted secrets build a client", func(t *testing.T) {
		p := NewPool(km, false)
		acct := &db.Account{ID: "a1", Exchange: string(exchange.Mock), APIKey: encKey, APISecret: encSecret}
		if _, err := p.For(ctx, acct); err != nil {
			t.Errorf("for: %v", err)
		}
	})

	t.Run("encrypted secrets without a key fail", func(t *testing.T) {
		p := NewPool(nil, false)
		acct := &db.Account{ID: "a2", Exchange: string(exchange.Mock), APIKey: encKey, APISecret: encSecret}
		if _, err := p.For(ctx, acct); err == nil {
			t.Error("expected an error without a master key")
		}
	})

	t.Run("unknown exchange rejected", func(t *testing.T) {
		p := NewPool(nil, false)
		acct := &db.Account{ID: "a3", Exchange: "NASDAQ"}
		if _, err := p.For(ctx, acct); err == nil {
			t.Error("expected an error for an unknown exchange")
		}
	})
}
