package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"signal-router/pkg/exchange"
)

// SubscribePublicPrices streams spot last-trade quotes over the combined
// stream endpoint, reconnecting until ctx is done.
func (c *Client) SubscribePublicPrices(ctx context.Context, symbols []string, cb func(exchange.Quote)) error {
	if len(symbols) == 0 {
		return nil
	}
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		raw, err := exchange.EncodeSymbol(exchange.Binance, s)
		if err != nil {
			return err
		}
		streams = append(streams, strings.ToLower(raw)+"@trade")
	}
	wsURL := c.spotWS + "/stream?streams=" + strings.Join(streams, "/")

	return exchange.RunWSLoop(ctx, "binance-prices", exchange.WSSession{
		URL: func(ctx context.Context) (string, error) { return wsURL, nil },
		OnMessage: func(msg []byte) error {
			var frame struct {
				Data struct {
					Event  string `json:"e"`
					Symbol string `json:"s"`
					Price  string `json:"p"`
					TsMs   int64  `json:"T"`
				} `json:"data"`
			}
			if err := json.Unmarshal(msg, &frame); err != nil {
				return fmt.Errorf("decode trade frame: %w", err)
			}
			if frame.Data.Event != "trade" {
				return nil
			}
			canonical, err := exchange.DecodeSymbol(exchange.Binance, frame.Data.Symbol)
			if err != nil {
				return nil
			}
			cb(exchange.Quote{
				Exchange: exchange.Binance,
				Market:   exchange.MarketSpot,
				Symbol:   canonical,
				Price:    dec(frame.Data.Price),
				Ts:       time.UnixMilli(frame.Data.TsMs),
			})
			return nil
		},
		PingInterval: 3 * time.Minute,
	})
}
