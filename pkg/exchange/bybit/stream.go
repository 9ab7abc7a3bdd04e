package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"signal-router/pkg/exchange"
)

// Bybit expects an application-level {"op":"ping"} rather than ws control
// frames; the server drops idle connections after 30 seconds.
const wsPingInterval = 20 * time.Second

func startPingLoop(ctx context.Context, conn *websocket.Conn) {
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
					return
				}
			}
		}
	}()
}

// SubscribePublicPrices streams spot publicTrade quotes until ctx is done.
func (c *Client) SubscribePublicPrices(ctx context.Context, symbols []string, cb func(exchange.Quote)) error {
	if len(symbols) == 0 {
		return nil
	}
	args := make([]string, 0, len(symbols))
	for _, s := range symbols {
		raw, err := exchange.EncodeSymbol(exchange.Bybit, s)
		if err != nil {
			return err
		}
		args = append(args, "publicTrade."+raw)
	}

	return exchange.RunWSLoop(ctx, "bybit-prices", exchange.WSSession{
		URL: func(ctx context.Context) (string, error) { return c.publicWS, nil },
		OnOpen: func(ctx context.Context, conn *websocket.Conn) error {
			startPingLoop(ctx, conn)
			return conn.WriteJSON(map[string]any{"op": "subscribe", "args": args})
		},
		OnMessage: func(msg []byte) error {
			var frame struct {
				Topic string `json:"topic"`
				Data  []struct {
					Symbol string `json:"s"`
					Price  string `json:"p"`
					TsMs   int64  `json:"T"`
				} `json:"data"`
			}
			if err := json.Unmarshal(msg, &frame); err != nil {
				return fmt.Errorf("decode trade frame: %w", err)
			}
			if len(frame.Topic) < len("publicTrade.") || frame.Topic[:len("publicTrade.")] != "publicTrade." {
				return nil
			}
			for _, t := range frame.Data {
				canonical, err := exchange.DecodeSymbol(exchange.Bybit, t.Symbol)
				if err != nil {
					continue
				}
				cb(exchange.Quote{
					Exchange: exchange.Bybit,
					Market:   exchange.MarketSpot,
					Symbol:   canonical,
					Price:    dec(t.Price),
					Ts:       time.UnixMilli(t.TsMs),
				})
			}
			return nil
		},
	})
}

// SubscribePrivateOrders streams order and execution topics for this account.
func (c *Client) SubscribePrivateOrders(ctx context.Context, cb func(exchange.OrderUpdate)) error {
	return exchange.RunWSLoop(ctx, "bybit-private", exchange.WSSession{
		URL: func(ctx context.Context) (string, error) { return c.privateWS, nil },
		OnOpen: func(ctx context.Context, conn *websocket.Conn) error {
			expires := time.Now().Add(5 * time.Second).UnixMilli()
			mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
			mac.Write([]byte("GET/realtime" + strconv.FormatInt(expires, 10)))
			auth := map[string]any{
				"op":   "auth",
				"args": []any{c.cfg.APIKey, expires, hex.EncodeToString(mac.Sum(nil))},
			}
			if err := conn.WriteJSON(auth); err != nil {
				return err
			}
			startPingLoop(ctx, conn)
			return conn.WriteJSON(map[string]any{"op": "subscribe", "args": []string{"order", "execution"}})
		},
		OnMessage: func(msg []byte) error {
			updates, err := parsePrivateFrame(msg)
			if err != nil {
				return err
			}
			for _, u := range updates {
				cb(u)
			}
			return nil
		},
	})
}

func parsePrivateFrame(msg []byte) ([]exchange.OrderUpdate, error) {
	var head struct {
		Topic string          `json:"topic"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		return nil, fmt.Errorf("decode private frame: %w", err)
	}

	switch head.Topic {
	case "order":
		var rows []restOrder
		if err := json.Unmarshal(head.Data, &rows); err != nil {
			return nil, err
		}
		updates := make([]exchange.OrderUpdate, 0, len(rows))
		for _, o := range rows {
			updates = append(updates, toUpdate(o))
		}
		return updates, nil

	case "execution":
		var rows []struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			ExecID      string `json:"execId"`
			ExecQty     string `json:"execQty"`
			ExecPrice   string `json:"execPrice"`
			ExecFee     string `json:"execFee"`
			ExecTime    string `json:"execTime"`
		}
		if err := json.Unmarshal(head.Data, &rows); err != nil {
			return nil, err
		}
		updates := make([]exchange.OrderUpdate, 0, len(rows))
		for _, e := range rows {
			canonical, err := exchange.DecodeSymbol(exchange.Bybit, e.Symbol)
			if err != nil {
				canonical = e.Symbol
			}
			ms, _ := strconv.ParseInt(e.ExecTime, 10, 64)
			// Fill events carry no order status; PARTIALLY_FILLED records the
			// trade while the order topic decides the terminal transition.
			updates = append(updates, exchange.OrderUpdate{
				Exchange:        exchange.Bybit,
				ExchangeOrderID: e.OrderID,
				ClientID:        e.OrderLinkID,
				Symbol:          canonical,
				Side:            fromBybitSide(e.Side),
				Status:          exchange.StatusPartially,
				LastQty:         dec(e.ExecQty),
				LastPrice:       dec(e.ExecPrice),
				Fee:             dec(e.ExecFee),
				TradeSeq:        e.ExecID,
				Timestamp:       time.UnixMilli(ms),
			})
		}
		return updates, nil
	}
	return nil, nil
}
