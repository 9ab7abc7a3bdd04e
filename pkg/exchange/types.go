package exchange

import (
	"time"

	"github.com/shopspring/decimal"
)

// Name identifies an exchange variant.
type Name string

const (
	Binance Name = "BINANCE"
	Bybit   Name = "BYBIT"
	Upbit   Name = "UPBIT"
	Bithumb Name = "BITHUMB"
	Mock    Name = "MOCK"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns SELL for BUY and BUY for SELL.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes the order types accepted at the webhook.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
	OrderTypeStopLimit  OrderType = "STOP_LIMIT"
	OrderTypeCancelAll  OrderType = "CANCEL_ALL_ORDER"
)

// OrderStatus is the published status vocabulary. PENDING and FAILED are
// internal; the rest mirror exchange states.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusNew       OrderStatus = "NEW"
	StatusOpen      OrderStatus = "OPEN"
	StatusPartially OrderStatus = "PARTIALLY_FILLED"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusFailed    OrderStatus = "FAILED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Rank orders statuses along the state machine; a transition is only applied
// when the new rank is strictly greater (terminal states share the top rank).
func (s OrderStatus) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusNew:
		return 1
	case StatusOpen:
		return 2
	case StatusPartially:
		return 3
	case StatusFilled, StatusCancelled, StatusFailed:
		return 4
	}
	return -1
}

// MarketType distinguishes spot vs futures venues.
type MarketType string

const (
	MarketSpot    MarketType = "SPOT"
	MarketFutures MarketType = "FUTURES"
)

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol     string // canonical BASE/QUOTE (crypto) or securities code
	Side       Side
	Type       OrderType
	Qty        decimal.Decimal
	Price      decimal.Decimal // required for LIMIT / STOP_LIMIT
	StopPrice  decimal.Decimal // required for STOP_MARKET / STOP_LIMIT
	ClientID   string          // client order id (maps to the local order row)
	Market     MarketType
	ReduceOnly bool
	Leverage   int // futures only; 0 means leave as-is
}

// OrderResult returns the exchange ack for a single order.
type OrderResult struct {
	ExchangeOrderID string
	Status          OrderStatus
	FilledQty       decimal.Decimal
	AvgPrice        decimal.Decimal
}

// BatchItem is one outcome inside a batch submission.
type BatchItem struct {
	Request OrderRequest
	Result  OrderResult
	Err     error
}

// BatchResult summarizes a batch submission.
type BatchResult struct {
	Items      []BatchItem
	Successful int
	Failed     int
}

// OrderUpdate is a normalized execution event from a private feed or poller.
type OrderUpdate struct {
	Exchange        Name
	ExchangeOrderID string
	ClientID        string
	Symbol          string // canonical form
	Side            Side
	Status          OrderStatus
	FilledQty       decimal.Decimal // cumulative
	LastQty         decimal.Decimal // this fill only; zero for pure status moves
	LastPrice       decimal.Decimal
	Fee             decimal.Decimal
	TradeSeq        string // exchange trade/execution id; dedup key with order id
	Timestamp       time.Time
}

// Quote is a last-trade price observation.
type Quote struct {
	Exchange Name
	Market   MarketType
	Symbol   string // canonical form
	Price    decimal.Decimal
	Ts       time.Time
}

// BalanceSnapshot reports quote-currency balance for an account.
type BalanceSnapshot struct {
	Currency string // USDT for overseas venues, KRW for domestic
	Free     decimal.Decimal
	Used     decimal.Decimal
	Total    decimal.Decimal
}

// Instrument holds per-symbol trading constraints.
type Instrument struct {
	Exchange    Name
	Market      MarketType
	Symbol      string // canonical form
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// Capabilities gates the optional parts of the Gateway surface.
type Capabilities struct {
	Futures       bool
	Leverage      bool
	Batch         bool // native batch endpoint; false means serialized submits
	PrivateStream bool
}
