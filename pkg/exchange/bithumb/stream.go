package bithumb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"signal-router/pkg/exchange"
)

const contTimeLayout = "2006-01-02 15:04:05.000000"

// SubscribePublicPrices streams transaction (last trade) quotes.
func (c *Client) SubscribePublicPrices(ctx context.Context, symbols []string, cb func(exchange.Quote)) error {
	if len(symbols) == 0 {
		return nil
	}
	raws := make([]string, 0, len(symbols))
	for _, s := range symbols {
		raw, err := exchange.EncodeSymbol(exchange.Bithumb, s)
		if err != nil {
			return err
		}
		raws = append(raws, raw)
	}

	return exchange.RunWSLoop(ctx, "bithumb-prices", exchange.WSSession{
		URL: func(ctx context.Context) (string, error) { return c.ws, nil },
		OnOpen: func(ctx context.Context, conn *websocket.Conn) error {
			return conn.WriteJSON(map[string]any{"type": "transaction", "symbols": raws})
		},
		OnMessage: func(msg []byte) error {
			var frame struct {
				Type    string `json:"type"`
				Content struct {
					List []struct {
						Symbol    string `json:"symbol"`
						ContPrice string `json:"contPrice"`
						ContDtm   string `json:"contDtm"`
					} `json:"list"`
				} `json:"content"`
			}
			if err := json.Unmarshal(msg, &frame); err != nil {
				return fmt.Errorf("decode transaction frame: %w", err)
			}
			if frame.Type != "transaction" {
				return nil
			}
			for _, t := range frame.Content.List {
				canonical, err := exchange.DecodeSymbol(exchange.Bithumb, t.Symbol)
				if err != nil {
					continue
				}
				price, err := decimal.NewFromString(t.ContPrice)
				if err != nil {
					continue
				}
				ts := time.Now()
				if parsed, err := time.ParseInLocation(contTimeLayout, t.ContDtm, time.Local); err == nil {
					ts = parsed
				}
				cb(exchange.Quote{
					Exchange: exchange.Bithumb,
					Market:   exchange.MarketSpot,
					Symbol:   canonical,
					Price:    price,
					Ts:       ts,
				})
			}
			return nil
		},
		PingInterval: time.Minute,
	})
}
