package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"signal-router/pkg/exchange"
)

// Listen keys expire after 60 minutes without a keepalive.
const listenKeyKeepalive = 30 * time.Minute

// SubscribePrivateOrders streams execution events for this account on both
// spot and futures, reconnecting each leg independently until ctx is done.
func (c *Client) SubscribePrivateOrders(ctx context.Context, cb func(exchange.OrderUpdate)) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.runUserStream(ctx, exchange.MarketSpot, cb) })
	g.Go(func() error { return c.runUserStream(ctx, exchange.MarketFutures, cb) })
	return g.Wait()
}

func (c *Client) listenKeyEndpoint(market exchange.MarketType) string {
	if market == exchange.MarketFutures {
		return c.futBase + "/fapi/v1/listenKey"
	}
	return c.spotBase + "/api/v3/userDataStream"
}

func (c *Client) createListenKey(ctx context.Context, market exchange.MarketType) (string, error) {
	body, err := c.rest.PostForm(ctx, c.listenKeyEndpoint(market), "", c.signer())
	if err != nil {
		return "", err
	}
	var res struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("decode listen key: %w", err)
	}
	if res.ListenKey == "" {
		return "", exchange.NewError(exchange.Binance, exchange.KindAuth, "empty listen key", nil)
	}
	return res.ListenKey, nil
}

func (c *Client) keepAliveListenKey(ctx context.Context, market exchange.MarketType, key string) error {
	params := url.Values{}
	if market == exchange.MarketSpot {
		// Futures keepalive takes no parameters; spot wants the key back.
		params.Set("listenKey", key)
	}
	_, err := c.rest.Put(ctx, c.listenKeyEndpoint(market), params, c.signer())
	return err
}

func (c *Client) runUserStream(ctx context.Context, market exchange.MarketType, cb func(exchange.OrderUpdate)) error {
	tag := "binance-user-spot"
	wsBase := c.spotWS
	if market == exchange.MarketFutures {
		tag = "binance-user-futures"
		wsBase = c.futWS
	}

	var currentKey string
	return exchange.RunWSLoop(ctx, tag, exchange.WSSession{
		URL: func(ctx context.Context) (string, error) {
			key, err := c.createListenKey(ctx, market)
			if err != nil {
				return "", err
			}
			currentKey = key
			return wsBase + "/ws/" + key, nil
		},
		OnOpen: func(ctx context.Context, _ *websocket.Conn) error {
			go c.keepAliveLoop(ctx, market, currentKey)
			return nil
		},
		OnMessage: func(msg []byte) error {
			update, ok, err := parseUserEvent(market, msg)
			if err != nil {
				return err
			}
			if ok {
				cb(update)
			}
			return nil
		},
		PingInterval: 3 * time.Minute,
	})
}

func (c *Client) keepAliveLoop(ctx context.Context, market exchange.MarketType, key string) {
	ticker := time.NewTicker(listenKeyKeepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.keepAliveListenKey(ctx, market, key); err != nil {
				return
			}
		}
	}
}

// parseUserEvent normalizes executionReport (spot) and ORDER_TRADE_UPDATE
// (futures) frames; other event types are skipped.
func parseUserEvent(market exchange.MarketType, msg []byte) (exchange.OrderUpdate, bool, error) {
	var head struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		return exchange.OrderUpdate{}, false, fmt.Errorf("decode user event: %w", err)
	}

	switch head.Event {
	case "executionReport":
		var ev struct {
			Symbol     string `json:"s"`
			ClientID   string `json:"c"`
			Side       string `json:"S"`
			Status     string `json:"X"`
			OrderID    int64  `json:"i"`
			LastQty    string `json:"l"`
			CumQty     string `json:"z"`
			LastPrice  string `json:"L"`
			Commission string `json:"n"`
			TradeID    int64  `json:"t"`
			TsMs       int64  `json:"T"`
		}
		if err := json.Unmarshal(msg, &ev); err != nil {
			return exchange.OrderUpdate{}, false, err
		}
		return normalizeUserEvent(ev.Symbol, ev.ClientID, ev.Side, ev.Status,
			ev.OrderID, ev.LastQty, ev.CumQty, ev.LastPrice, ev.Commission, ev.TradeID, ev.TsMs)

	case "ORDER_TRADE_UPDATE":
		var ev struct {
			TsMs  int64 `json:"T"`
			Order struct {
				Symbol     string `json:"s"`
				ClientID   string `json:"c"`
				Side       string `json:"S"`
				Status     string `json:"X"`
				OrderID    int64  `json:"i"`
				LastQty    string `json:"l"`
				CumQty     string `json:"z"`
				LastPrice  string `json:"L"`
				Commission string `json:"n"`
				TradeID    int64  `json:"t"`
			} `json:"o"`
		}
		if err := json.Unmarshal(msg, &ev); err != nil {
			return exchange.OrderUpdate{}, false, err
		}
		o := ev.Order
		return normalizeUserEvent(o.Symbol, o.ClientID, o.Side, o.Status,
			o.OrderID, o.LastQty, o.CumQty, o.LastPrice, o.Commission, o.TradeID, ev.TsMs)
	}
	return exchange.OrderUpdate{}, false, nil
}

func normalizeUserEvent(symbol, clientID, side, rawStatus string, orderID int64,
	lastQty, cumQty, lastPrice, commission string, tradeID, tsMs int64) (exchange.OrderUpdate, bool, error) {

	status, ok := exchange.NormalizeStatus(exchange.Binance, rawStatus)
	if !ok {
		return exchange.OrderUpdate{}, false, exchange.NewError(exchange.Binance,
			exchange.KindUnknownTerminal, "user stream status "+rawStatus, nil)
	}
	canonical, err := exchange.DecodeSymbol(exchange.Binance, symbol)
	if err != nil {
		canonical = symbol
	}
	update := exchange.OrderUpdate{
		Exchange:        exchange.Binance,
		ExchangeOrderID: strconv.FormatInt(orderID, 10),
		ClientID:        clientID,
		Symbol:          canonical,
		Side:            exchange.Side(side),
		Status:          status,
		FilledQty:       dec(cumQty),
		LastQty:         dec(lastQty),
		LastPrice:       dec(lastPrice),
		Fee:             dec(commission),
		Timestamp:       time.UnixMilli(tsMs),
	}
	if tradeID > 0 {
		update.TradeSeq = strconv.FormatInt(tradeID, 10)
	}
	return update, true, nil
}
