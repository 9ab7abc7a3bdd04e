// Package exchange defines the uniform adapter surface over heterogeneous
// trading venues plus the shared plumbing (rate limits, symbol and status
// normalization, error taxonomy, resilient REST transport).
package exchange

import "context"

// Gateway abstracts a trading venue variant (exchange × market family).
// Callers must consult Capabilities before invoking optional methods:
// SetLeverage requires Leverage, SubscribePrivateOrders requires
// PrivateStream. CreateBatchOrders always works; without native Batch support
// the adapter serializes calls under the venue's order-rate ceiling.
type Gateway interface {
	Name() Name
	Capabilities() Capabilities

	FetchBalance(ctx context.Context, market MarketType) (BalanceSnapshot, error)
	FetchPrice(ctx context.Context, symbol string) (Quote, error)
	// FetchPrices returns quotes for the given symbols; nil asks for every
	// market the venue lists. Implementations must stay URL-length safe
	// (chunking or an all-markets endpoint).
	FetchPrices(ctx context.Context, symbols []string) ([]Quote, error)

	CreateOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CreateBatchOrders(ctx context.Context, reqs []OrderRequest) (BatchResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string, market MarketType) error
	CancelAll(ctx context.Context, symbol string, side Side, market MarketType) error

	FetchOpenOrders(ctx context.Context, symbol string, market MarketType) ([]OrderUpdate, error)
	FetchOrder(ctx context.Context, symbol, exchangeOrderID string, market MarketType) (OrderUpdate, error)

	SetLeverage(ctx context.Context, symbol string, leverage int) error

	Instruments(ctx context.Context) ([]Instrument, error)

	// SubscribePublicPrices streams last-trade quotes until ctx is done.
	// The adapter reconnects internally with backoff.
	SubscribePublicPrices(ctx context.Context, symbols []string, cb func(Quote)) error
	// SubscribePrivateOrders streams execution events for the credentialed
	// account until ctx is done, reconnecting internally.
	SubscribePrivateOrders(ctx context.Context, cb func(OrderUpdate)) error
}
