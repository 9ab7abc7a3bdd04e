package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"signal-router/internal/dispatch"
	"signal-router/internal/monitor"
	"signal-router/pkg/db"
	"signal-router/pkg/exchange"
)

// webhookRequest is the ingress wire format. Single-order fields sit at the
// top level; batch mode moves them into orders, inheriting the top-level
// symbol when a sub-order omits its own.
type webhookRequest struct {
	GroupName      string          `json:"group_name"`
	Token          string          `json:"token"`
	IdempotencyKey string          `json:"idempotency_key"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	OrderType      string          `json:"order_type"`
	QtyPer         decimal.Decimal `json:"qty_per"`
	Price          decimal.Decimal `json:"price"`
	StopPrice      decimal.Decimal `json:"stop_price"`
	Orders         []webhookOrder  `json:"orders"`
}

type webhookOrder struct {
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	OrderType string          `json:"order_type"`
	QtyPer    decimal.Decimal `json:"qty_per"`
	Price     decimal.Decimal `json:"price"`
	StopPrice decimal.Decimal `json:"stop_price"`
}

type webhookFailure struct {
	AccountID string `json:"account_id"`
	Reason    string `json:"reason"`
	ErrorKind string `json:"error_kind,omitempty"`
}

type webhookResponse struct {
	Accepted int              `json:"accepted"`
	Failed   int              `json:"failed"`
	Failures []webhookFailure `json:"failures,omitempty"`
}

// webhook is the single signal ingress. Validation order: schema, token,
// symbol, then dispatch.
func (s *Server) webhook(c *gin.Context) {
	s.Metrics.IncrementWebhooks()

	raw, err := c.GetRawData()
	if err != nil {
		s.reject(c, http.StatusBadRequest, "unreadable body")
		return
	}
	var req webhookRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.reject(c, http.StatusBadRequest, "malformed JSON: "+err.Error())
		return
	}
	if req.GroupName == "" || req.Token == "" {
		s.reject(c, http.StatusBadRequest, "group_name and token are required")
		return
	}

	intents, err := parseIntents(req)
	if err != nil {
		s.reject(c, http.StatusBadRequest, err.Error())
		return
	}

	strategy, err := s.Store.GetStrategyByGroup(c.Request.Context(), req.GroupName)
	if err != nil || !strategy.Enabled ||
		subtle.ConstantTimeCompare([]byte(strategy.WebhookToken), []byte(req.Token)) != 1 {
		s.reject(c, http.StatusUnauthorized, "invalid group or token")
		return
	}

	for _, intent := range intents {
		if !s.Registry.SymbolOK(strategy.MarketType, intent.Symbol) {
			s.reject(c, http.StatusBadRequest,
				fmt.Sprintf("symbol %q is not valid for %s", intent.Symbol, strategy.MarketType))
			return
		}
	}

	key := req.IdempotencyKey
	if key == "" {
		key = c.GetHeader("X-Idempotency-Key")
	}
	whLog := &db.WebhookLog{
		IdempotencyKey: key,
		StrategyID:     strategy.ID,
		Payload:        string(raw),
		StatusCode:     http.StatusAccepted,
	}
	if err := s.Store.RecordWebhook(c.Request.Context(), whLog); err != nil {
		if errors.Is(err, db.ErrDuplicateWebhook) {
			s.reject(c, http.StatusConflict, "duplicate idempotency key")
			return
		}
		s.reject(c, http.StatusInternalServerError, "webhook log: "+err.Error())
		return
	}

	timer := monitor.NewTimer(s.Metrics.DispatchLatency)
	summary := s.Dispatcher.Dispatch(c.Request.Context(), strategy, intents)
	timer.Stop()

	status := statusFor(summary)
	resp := webhookResponse{Accepted: summary.Successful, Failed: summary.Failed}
	for _, out := range summary.Outcomes {
		if out.Error != "" {
			resp.Failures = append(resp.Failures, webhookFailure{
				AccountID: out.AccountID, Reason: out.Error, ErrorKind: out.ErrorKind,
			})
			s.Metrics.IncrementFailed()
		} else if !out.Queued {
			s.Metrics.IncrementDispatched()
		}
	}

	if err := s.Store.UpdateWebhookResult(c.Request.Context(), whLog.ID, status,
		fmt.Sprintf("accepted=%d failed=%d", resp.Accepted, resp.Failed)); err != nil {
		log.Printf("[api] webhook result update: %v", err)
	}
	c.JSON(status, resp)
}

// statusFor maps a dispatch summary onto the response contract: 202 when
// everything was queued, 429 when the venue throttled every leg, 200
// otherwise (partial failure included).
func statusFor(summary dispatch.Summary) int {
	if summary.AllQueued() {
		return http.StatusAccepted
	}
	if summary.Total > 0 && summary.Failed == summary.Total {
		throttled := true
		for _, out := range summary.Outcomes {
			if out.ErrorKind != string(exchange.KindThrottled) {
				throttled = false
				break
			}
		}
		if throttled {
			return http.StatusTooManyRequests
		}
	}
	return http.StatusOK
}

func (s *Server) reject(c *gin.Context, status int, reason string) {
	s.Metrics.IncrementRejected()
	c.JSON(status, gin.H{"error": reason})
}

// parseIntents expands the payload into normalized sub-orders, enforcing the
// per-type required fields.
func parseIntents(req webhookRequest) ([]dispatch.Intent, error) {
	if len(req.Orders) > 0 {
		intents := make([]dispatch.Intent, 0, len(req.Orders))
		for i, o := range req.Orders {
			if o.Symbol == "" {
				o.Symbol = req.Symbol
			}
			intent, err := parseIntent(o)
			if err != nil {
				return nil, fmt.Errorf("orders[%d]: %w", i, err)
			}
			intents = append(intents, intent)
		}
		return intents, nil
	}
	intent, err := parseIntent(webhookOrder{
		Symbol: req.Symbol, Side: req.Side, OrderType: req.OrderType,
		QtyPer: req.QtyPer, Price: req.Price, StopPrice: req.StopPrice,
	})
	if err != nil {
		return nil, err
	}
	return []dispatch.Intent{intent}, nil
}

func parseIntent(o webhookOrder) (dispatch.Intent, error) {
	var intent dispatch.Intent
	if o.Symbol == "" {
		return intent, errors.New("symbol is required")
	}
	intent.Symbol = strings.ToUpper(strings.TrimSpace(o.Symbol))

	orderType := exchange.OrderType(strings.ToUpper(strings.TrimSpace(o.OrderType)))
	switch orderType {
	case exchange.OrderTypeMarket, exchange.OrderTypeLimit,
		exchange.OrderTypeStopMarket, exchange.OrderTypeStopLimit,
		exchange.OrderTypeCancelAll:
		intent.Type = orderType
	default:
		return intent, fmt.Errorf("unknown order_type %q", o.OrderType)
	}

	switch strings.ToLower(strings.TrimSpace(o.Side)) {
	case "buy":
		intent.Side = exchange.SideBuy
	case "sell":
		intent.Side = exchange.SideSell
	case "":
		if orderType != exchange.OrderTypeCancelAll {
			return intent, errors.New("side is required")
		}
	default:
		return intent, fmt.Errorf("side must be buy or sell, got %q", o.Side)
	}

	intent.QtyPer = o.QtyPer
	intent.Price = o.Price
	intent.StopPrice = o.StopPrice

	switch orderType {
	case exchange.OrderTypeCancelAll:
		// Symbol-wide cancel; qty_per and prices are ignored.
	case exchange.OrderTypeMarket:
		if o.QtyPer.IsZero() {
			return intent, errors.New("qty_per is required")
		}
	case exchange.OrderTypeLimit:
		if o.QtyPer.IsZero() {
			return intent, errors.New("qty_per is required")
		}
		if !o.Price.IsPositive() {
			return intent, errors.New("price is required for LIMIT")
		}
	case exchange.OrderTypeStopMarket:
		if o.QtyPer.IsZero() {
			return intent, errors.New("qty_per is required")
		}
		if !o.StopPrice.IsPositive() {
			return intent, errors.New("stop_price is required for STOP_MARKET")
		}
	case exchange.OrderTypeStopLimit:
		if o.QtyPer.IsZero() {
			return intent, errors.New("qty_per is required")
		}
		if !o.Price.IsPositive() || !o.StopPrice.IsPositive() {
			return intent, errors.New("price and stop_price are required for STOP_LIMIT")
		}
	}
	return intent, nil
}
