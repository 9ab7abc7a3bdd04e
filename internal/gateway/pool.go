// Package gateway builds and caches one exchange client per account,
// decrypting stored credentials on first use.
package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"signal-router/pkg/crypto"
	"signal-router/pkg/db"
	"signal-router/pkg/exchange"
	"signal-router/pkg/exchange/binance"
	"signal-router/pkg/exchange/bithumb"
	"signal-router/pkg/exchange/bybit"
	"signal-router/pkg/exchange/mock"
	"signal-router/pkg/exchange/upbit"
)

// Pool hands out a live Gateway per account id. Clients are built lazily and
// reused; Evict drops one after a credential rotation.
type Pool struct {
	mu      sync.Mutex
	clients map[string]exchange.Gateway

	keys    *crypto.KeyManager // nil tolerates plaintext secrets
	useMock bool
}

func NewPool(keys *crypto.KeyManager, useMock bool) *Pool {
	return &Pool{
		clients: make(map[string]exchange.Gateway),
		keys:    keys,
		useMock: useMock,
	}
}

// For returns the gateway for the account, building it on first use.
func (p *Pool) For(ctx context.Context, acct *db.Account) (exchange.Gateway, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if gw, ok := p.clients[acct.ID]; ok {
		return gw, nil
	}
	gw, err := p.build(ctx, acct)
	if err != nil {
		return nil, err
	}
	p.clients[acct.ID] = gw
	return gw, nil
}

// Evict drops a cached client so the next For rebuilds it.
func (p *Pool) Evict(accountID string) {
	p.mu.Lock()
	delete(p.clients, accountID)
	p.mu.Unlock()
}

func (p *Pool) build(ctx context.Context, acct *db.Account) (exchange.Gateway, error) {
	if p.useMock {
		return mock.New(decimal.NewFromInt(10000)), nil
	}

	apiKey, err := p.secret(acct.APIKey)
	if err != nil {
		return nil, fmt.Errorf("account %s api key: %w", acct.ID, err)
	}
	apiSecret, err := p.secret(acct.APISecret)
	if err != nil {
		return nil, fmt.Errorf("account %s api secret: %w", acct.ID, err)
	}

	switch exchange.Name(acct.Exchange) {
	case exchange.Binance:
		return binance.New(ctx, binance.Config{APIKey: apiKey, APISecret: apiSecret, Testnet: acct.Testnet}), nil
	case exchange.Bybit:
		return bybit.New(ctx, bybit.Config{APIKey: apiKey, APISecret: apiSecret, Testnet: acct.Testnet}), nil
	case exchange.Upbit:
		return upbit.New(upbit.Config{AccessKey: apiKey, SecretKey: apiSecret}), nil
	case exchange.Bithumb:
		return bithumb.New(bithumb.Config{APIKey: apiKey, APISecret: apiSecret}), nil
	case exchange.Mock:
		return mock.New(decimal.NewFromInt(10000)), nil
	default:
		return nil, fmt.Errorf("account %s: unknown exchange %q", acct.ID, acct.Exchange)
	}
}

// secret decrypts a stored credential when it carries the envelope marker.
// Plaintext is passed through only when no key manager is configured.
func (p *Pool) secret(value string) (string, error) {
	if !crypto.IsEncrypted(value) {
		return value, nil
	}
	if p.keys == nil {
		return "", fmt.Errorf("credential is encrypted but no master key is set")
	}
	return p.keys.Decrypt(value)
}
