package db

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account holds one exchange account's (encrypted) credentials and routing
// identity.
type Account struct {
	ID        string
	UserID    string
	Name      string
	Exchange  string
	Market    string
	APIKey    string
	APISecret string
	Testnet   bool
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Strategy is one webhook signal group.
type Strategy struct {
	ID           string
	GroupName    string
	WebhookToken string
	MarketType   string // crypto or securities
	Enabled      bool
	CreatedAt    time.Time
}

// StrategyAccount is the routing edge from a strategy to an account.
type StrategyAccount struct {
	StrategyID string
	AccountID  string
	Weight     float64
	Leverage   int
	MaxSymbols int
	Enabled    bool
}

// StrategyCapital is the capital allocated to one routing edge.
type StrategyCapital struct {
	StrategyID       string
	AccountID        string
	AllocatedCapital decimal.Decimal
	UpdatedAt        time.Time
}

// StrategyPosition is the per-edge net position in one symbol.
type StrategyPosition struct {
	StrategyID  string
	AccountID   string
	Symbol      string
	Qty         decimal.Decimal
	EntryPrice  decimal.Decimal
	RealizedPnL decimal.Decimal
	UpdatedAt   time.Time
}

// OpenOrder is one tracked order row; ID doubles as the client order id sent
// to the exchange.
type OpenOrder struct {
	ID              string
	StrategyID      string
	AccountID       string
	Exchange        string
	Market          string
	Symbol          string
	Side            string
	OrderType       string
	Qty             decimal.Decimal
	Price           decimal.Decimal
	StopPrice       decimal.Decimal
	FilledQty       decimal.Decimal
	AvgPrice        decimal.Decimal
	Status          string
	ExchangeOrderID string
	FailReason      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Trade is one immutable fill row, unique per (exchange_order_id, trade_seq).
type Trade struct {
	ID              int64
	OrderID         string
	ExchangeOrderID string
	TradeSeq        string
	StrategyID      string
	AccountID       string
	Symbol          string
	Side            string
	Qty             decimal.Decimal
	Price           decimal.Decimal
	Fee             decimal.Decimal
	CreatedAt       time.Time
}

// FailedOrder records a create or cancel that gave up.
type FailedOrder struct {
	ID              string
	OperationType   string // CREATE or CANCEL
	OriginalOrderID string
	StrategyID      string
	AccountID       string
	Exchange        string
	Market          string
	Symbol          string
	Side            string
	OrderType       string
	Qty             decimal.Decimal
	Price           decimal.Decimal
	Reason          string
	ErrorKind       string
	Retried         bool
	CreatedAt       time.Time
}

// CancelRequest is one queued cancel attempt.
type CancelRequest struct {
	ID              int64
	OrderID         string
	AccountID       string
	Symbol          string
	ExchangeOrderID string
	Market          string
	Status          string
	RetryCount      int
	NextAttemptAt   time.Time
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// WebhookLog records one ingress request for audit and idempotency.
type WebhookLog struct {
	ID             int64
	IdempotencyKey string
	StrategyID     string
	Payload        string
	StatusCode     int
	Response       string
	ReceivedAt     time.Time
}

// OrderLogEvent names for strategy_order_logs.
const (
	OrderLogDispatched = "DISPATCHED"
	OrderLogPromoted   = "PROMOTED"
	OrderLogFailed     = "FAILED"
	OrderLogFilled     = "FILLED"
	OrderLogCancelled  = "CANCELLED"
	OrderLogOrphaned   = "ORPHANED"
)

// Cancel queue states.
const (
	CancelPending    = "PENDING"
	CancelProcessing = "PROCESSING"
	CancelSuccess    = "SUCCESS"
	CancelFailed     = "FAILED"
)
