package upbit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"signal-router/pkg/exchange"
)

// SubscribePublicPrices streams last-trade quotes for the given symbols.
func (c *Client) SubscribePublicPrices(ctx context.Context, symbols []string, cb func(exchange.Quote)) error {
	if len(symbols) == 0 {
		return nil
	}
	codes := make([]string, 0, len(symbols))
	for _, s := range symbols {
		raw, err := exchange.EncodeSymbol(exchange.Upbit, s)
		if err != nil {
			return err
		}
		codes = append(codes, raw)
	}

	return exchange.RunWSLoop(ctx, "upbit-prices", exchange.WSSession{
		URL: func(ctx context.Context) (string, error) { return c.ws, nil },
		OnOpen: func(ctx context.Context, conn *websocket.Conn) error {
			sub := []any{
				map[string]string{"ticket": uuid.NewString()},
				map[string]any{"type": "trade", "codes": codes},
				map[string]string{"format": "DEFAULT"},
			}
			return conn.WriteJSON(sub)
		},
		OnMessage: func(msg []byte) error {
			var frame struct {
				Type       string  `json:"type"`
				Code       string  `json:"code"`
				TradePrice float64 `json:"trade_price"`
				Timestamp  int64   `json:"timestamp"`
			}
			if err := json.Unmarshal(msg, &frame); err != nil {
				return fmt.Errorf("decode trade frame: %w", err)
			}
			if frame.Type != "trade" {
				return nil
			}
			canonical, err := exchange.DecodeSymbol(exchange.Upbit, frame.Code)
			if err != nil {
				return nil
			}
			cb(exchange.Quote{
				Exchange: exchange.Upbit,
				Market:   exchange.MarketSpot,
				Symbol:   canonical,
				Price:    decimal.NewFromFloat(frame.TradePrice),
				Ts:       time.UnixMilli(frame.Timestamp),
			})
			return nil
		},
		PingInterval: time.Minute,
	})
}

// SubscribePrivateOrders streams myOrder events for this account. The dial is
// authorized with the same JWT scheme as REST.
func (c *Client) SubscribePrivateOrders(ctx context.Context, cb func(exchange.OrderUpdate)) error {
	return exchange.RunWSLoop(ctx, "upbit-private", exchange.WSSession{
		URL: func(ctx context.Context) (string, error) { return c.ws + "/private", nil },
		Header: func(ctx context.Context) (http.Header, error) {
			claims := jwt.MapClaims{"access_key": c.cfg.AccessKey, "nonce": uuid.NewString()}
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.cfg.SecretKey))
			if err != nil {
				return nil, err
			}
			h := http.Header{}
			h.Set("Authorization", "Bearer "+token)
			return h, nil
		},
		OnOpen: func(ctx context.Context, conn *websocket.Conn) error {
			sub := []any{
				map[string]string{"ticket": uuid.NewString()},
				map[string]any{"type": "myOrder"},
				map[string]string{"format": "DEFAULT"},
			}
			return conn.WriteJSON(sub)
		},
		OnMessage: func(msg []byte) error {
			update, ok, err := parseMyOrder(msg)
			if err != nil {
				return err
			}
			if ok {
				cb(update)
			}
			return nil
		},
		PingInterval: time.Minute,
	})
}

// parseMyOrder normalizes a myOrder frame. The "trade" state marks a fill;
// the order-level state machine advances on wait/done/cancel.
func parseMyOrder(msg []byte) (exchange.OrderUpdate, bool, error) {
	var ev struct {
		Type           string  `json:"type"`
		Code           string  `json:"code"`
		UUID           string  `json:"uuid"`
		Identifier     string  `json:"identifier"`
		AskBid         string  `json:"ask_bid"`
		State          string  `json:"state"`
		TradeUUID      string  `json:"trade_uuid"`
		Volume         float64 `json:"volume"`
		ExecutedVolume float64 `json:"executed_volume"`
		Price          float64 `json:"price"`
		TradeFee       float64 `json:"trade_fee"`
		Timestamp      int64   `json:"timestamp"`
	}
	if err := json.Unmarshal(msg, &ev); err != nil {
		return exchange.OrderUpdate{}, false, fmt.Errorf("decode myOrder frame: %w", err)
	}
	if ev.Type != "myOrder" {
		return exchange.OrderUpdate{}, false, nil
	}

	var status exchange.OrderStatus
	var lastQty decimal.Decimal
	if ev.State == "trade" {
		// Fill event; the terminal done/cancel frame follows separately.
		status = exchange.StatusPartially
		lastQty = decimal.NewFromFloat(ev.Volume)
	} else {
		s, ok := exchange.NormalizeStatus(exchange.Upbit, ev.State)
		if !ok {
			return exchange.OrderUpdate{}, false, exchange.NewError(exchange.Upbit,
				exchange.KindUnknownTerminal, "myOrder state "+ev.State, nil)
		}
		status = s
	}

	canonical, err := exchange.DecodeSymbol(exchange.Upbit, ev.Code)
	if err != nil {
		canonical = ev.Code
	}
	side := exchange.SideSell
	if ev.AskBid == "BID" {
		side = exchange.SideBuy
	}
	return exchange.OrderUpdate{
		Exchange:        exchange.Upbit,
		ExchangeOrderID: ev.UUID,
		ClientID:        ev.Identifier,
		Symbol:          canonical,
		Side:            side,
		Status:          status,
		FilledQty:       decimal.NewFromFloat(ev.ExecutedVolume),
		LastQty:         lastQty,
		LastPrice:       decimal.NewFromFloat(ev.Price),
		Fee:             decimal.NewFromFloat(ev.TradeFee),
		TradeSeq:        ev.TradeUUID,
		Timestamp:       time.UnixMilli(ev.Timestamp),
	}, true, nil
}
