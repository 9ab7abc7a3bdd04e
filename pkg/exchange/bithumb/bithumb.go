// Package bithumb implements the Gateway over the Bithumb KRW spot API.
// Private endpoints use the Api-Sign HMAC-SHA512 header scheme; there is no
// private stream, so order progress arrives through the REST poller.
package bithumb

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"signal-router/pkg/exchange"
)

// The ticker endpoint accepts at most 100 markets per call.
const tickerChunkSize = 100

const minNotionalKRW = 500

// Config carries one account's credentials.
type Config struct {
	APIKey    string
	APISecret string
}

// Client is the Bithumb gateway. Spot only, KRW quoted.
type Client struct {
	cfg  Config
	rest *exchange.RESTClient

	base string
	ws   string
}

// New builds a Bithumb gateway.
func New(cfg Config) *Client {
	return &Client{
		cfg:  cfg,
		rest: exchange.NewRESTClient(exchange.Bithumb, 10*time.Second, exchange.NewLimiter(8, 8)),
		base: "https://api.bithumb.com",
		ws:   "wss://pubwss.bithumb.com/pub/ws",
	}
}

func (c *Client) Name() exchange.Name { return exchange.Bithumb }

func (c *Client) Capabilities() exchange.Capabilities {
	return exchange.Capabilities{Futures: false, Leverage: false, Batch: false, PrivateStream: false}
}

// signer implements the legacy header scheme: Api-Sign is the base64 of
// HMAC-SHA512 over endpoint + NUL + form + NUL + nonce.
type signer struct {
	apiKey    string
	apiSecret string
	endpoint  string
	form      string
}

func (s signer) SignRequest(req *http.Request) error {
	nonce := strconv.FormatInt(time.Now().UnixMilli(), 10)
	payload := s.endpoint + "\x00" + s.form + "\x00" + nonce
	mac := hmac.New(sha512.New, []byte(s.apiSecret))
	mac.Write([]byte(payload))
	sign := base64.StdEncoding.EncodeToString([]byte(hex.EncodeToString(mac.Sum(nil))))

	req.Header.Set("Api-Key", s.apiKey)
	req.Header.Set("Api-Sign", sign)
	req.Header.Set("Api-Nonce", nonce)
	return nil
}

// postPrivate submits a signed form and unwraps the status envelope.
func (c *Client) postPrivate(ctx context.Context, endpoint string, params url.Values, data any) error {
	params.Set("endpoint", endpoint)
	form := params.Encode()
	body, err := c.rest.PostForm(ctx, c.base+endpoint, form, signer{
		apiKey: c.cfg.APIKey, apiSecret: c.cfg.APISecret, endpoint: endpoint, form: form,
	})
	if err != nil {
		return err
	}
	return unwrap(body, data)
}

func unwrap(body []byte, data any) error {
	var env struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.Status != "0000" {
		kind := exchange.KindRejected
		switch env.Status {
		case "5100", "5200":
			kind = exchange.KindAuth
		case "5500":
			kind = exchange.KindNotFound
		case "5900":
			kind = exchange.KindThrottled
		}
		return exchange.NewError(exchange.Bithumb, kind,
			fmt.Sprintf("status %s: %s", env.Status, env.Message), nil)
	}
	if data != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, data); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

// FetchBalance returns the KRW balance.
func (c *Client) FetchBalance(ctx context.Context, _ exchange.MarketType) (exchange.BalanceSnapshot, error) {
	params := url.Values{}
	params.Set("currency", "ALL")
	var data struct {
		TotalKRW     string `json:"total_krw"`
		InUseKRW     string `json:"in_use_krw"`
		AvailableKRW string `json:"available_krw"`
	}
	if err := c.postPrivate(ctx, "/info/balance", params, &data); err != nil {
		return exchange.BalanceSnapshot{}, err
	}
	return exchange.BalanceSnapshot{
		Currency: "KRW",
		Free:     dec(data.AvailableKRW),
		Used:     dec(data.InUseKRW),
		Total:    dec(data.TotalKRW),
	}, nil
}

// FetchPrice returns the last trade price for one market.
func (c *Client) FetchPrice(ctx context.Context, symbol string) (exchange.Quote, error) {
	quotes, err := c.fetchTickerChunk(ctx, []string{symbol})
	if err != nil {
		return exchange.Quote{}, err
	}
	if len(quotes) == 0 {
		return exchange.Quote{}, exchange.NewError(exchange.Bithumb, exchange.KindNotFound, "no ticker for "+symbol, nil)
	}
	return quotes[0], nil
}

// FetchPrices returns quotes chunked under the per-call market cap; nil
// enumerates the whole KRW board first.
func (c *Client) FetchPrices(ctx context.Context, symbols []string) ([]exchange.Quote, error) {
	if symbols == nil {
		all, err := c.fetchAllSymbols(ctx)
		if err != nil {
			return nil, err
		}
		symbols = all
	}
	var out []exchange.Quote
	for _, chunk := range ChunkSymbols(symbols, tickerChunkSize) {
		quotes, err := c.fetchTickerChunk(ctx, chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, quotes...)
	}
	return out, nil
}

// ChunkSymbols splits symbols into slices of at most size entries.
func ChunkSymbols(symbols []string, size int) [][]string {
	if size <= 0 || len(symbols) == 0 {
		return nil
	}
	chunks := make([][]string, 0, (len(symbols)+size-1)/size)
	for start := 0; start < len(symbols); start += size {
		end := start + size
		if end > len(symbols) {
			end = len(symbols)
		}
		chunks = append(chunks, symbols[start:end])
	}
	return chunks
}

func (c *Client) fetchAllSymbols(ctx context.Context) ([]string, error) {
	body, err := c.rest.Get(ctx, c.base+"/public/ticker/ALL_KRW", nil, nil)
	if err != nil {
		return nil, err
	}
	var data map[string]json.RawMessage
	if err := unwrap(body, &data); err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(data))
	for base := range data {
		if base == "date" {
			continue
		}
		symbols = append(symbols, base+"/KRW")
	}
	return symbols, nil
}

func (c *Client) fetchTickerChunk(ctx context.Context, symbols []string) ([]exchange.Quote, error) {
	raws := make([]string, 0, len(symbols))
	for _, s := range symbols {
		raw, err := exchange.EncodeSymbol(exchange.Bithumb, s)
		if err != nil {
			continue
		}
		raws = append(raws, raw)
	}
	if len(raws) == 0 {
		return nil, nil
	}
	params := url.Values{}
	params.Set("markets", strings.Join(raws, ","))
	body, err := c.rest.Get(ctx, c.base+"/v1/ticker", params, nil)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Market      string  `json:"market"`
		TradePrice  float64 `json:"trade_price"`
		TimestampMs int64   `json:"timestamp"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode tickers: %w", err)
	}
	quotes := make([]exchange.Quote, 0, len(rows))
	for _, r := range rows {
		canonical, err := exchange.DecodeSymbol(exchange.Bithumb, r.Market)
		if err != nil {
			continue
		}
		quotes = append(quotes, exchange.Quote{
			Exchange: exchange.Bithumb,
			Market:   exchange.MarketSpot,
			Symbol:   canonical,
			Price:    decimal.NewFromFloat(r.TradePrice),
			Ts:       time.UnixMilli(r.TimestampMs),
		})
	}
	return quotes, nil
}

// CreateOrder submits one order. Stop orders are not supported on this venue.
func (c *Client) CreateOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	base, quote, err := exchange.SplitSymbol(req.Symbol)
	if err != nil {
		return exchange.OrderResult{}, err
	}
	params := url.Values{}
	params.Set("order_currency", base)
	params.Set("payment_currency", quote)

	var endpoint string
	switch req.Type {
	case exchange.OrderTypeLimit:
		endpoint = "/trade/place"
		params.Set("units", req.Qty.String())
		params.Set("price", req.Price.String())
		if req.Side == exchange.SideBuy {
			params.Set("type", "bid")
		} else {
			params.Set("type", "ask")
		}
	case exchange.OrderTypeMarket:
		if req.Side == exchange.SideBuy {
			endpoint = "/trade/market_buy"
		} else {
			endpoint = "/trade/market_sell"
		}
		params.Set("units", req.Qty.String())
	default:
		return exchange.OrderResult{}, exchange.NewError(exchange.Bithumb, exchange.KindRejected,
			fmt.Sprintf("order type %s not supported", req.Type), nil)
	}

	var data struct {
		OrderID string `json:"order_id"`
	}
	if err := c.postPrivate(ctx, endpoint, params, &data); err != nil {
		return exchange.OrderResult{}, err
	}
	return exchange.OrderResult{ExchangeOrderID: data.OrderID, Status: exchange.StatusNew}, nil
}

// CreateBatchOrders serializes submissions; there is no batch endpoint.
func (c *Client) CreateBatchOrders(ctx context.Context, reqs []exchange.OrderRequest) (exchange.BatchResult, error) {
	var out exchange.BatchResult
	for _, req := range reqs {
		res, err := c.CreateOrder(ctx, req)
		out.Items = append(out.Items, exchange.BatchItem{Request: req, Result: res, Err: err})
		if err != nil {
			out.Failed++
		} else {
			out.Successful++
		}
	}
	return out, nil
}

// CancelOrder cancels one order. The venue wants the original side, so the
// adapter looks the order up first.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string, market exchange.MarketType) error {
	update, err := c.FetchOrder(ctx, symbol, exchangeOrderID, market)
	if err != nil {
		return err
	}
	base, quote, err := exchange.SplitSymbol(symbol)
	if err != nil {
		return err
	}
	params := url.Values{}
	params.Set("order_id", exchangeOrderID)
	params.Set("order_currency", base)
	params.Set("payment_currency", quote)
	if update.Side == exchange.SideBuy {
		params.Set("type", "bid")
	} else {
		params.Set("type", "ask")
	}
	return c.postPrivate(ctx, "/trade/cancel", params, nil)
}

// CancelAll enumerates open orders and cancels them one by one.
func (c *Client) CancelAll(ctx context.Context, symbol string, side exchange.Side, market exchange.MarketType) error {
	open, err := c.FetchOpenOrders(ctx, symbol, market)
	if err != nil {
		return err
	}
	for _, o := range open {
		if side != "" && o.Side != side {
			continue
		}
		if err := c.CancelOrder(ctx, symbol, o.ExchangeOrderID, market); err != nil {
			if exchange.IsKind(err, exchange.KindNotFound) || exchange.IsKind(err, exchange.KindConflict) {
				continue
			}
			return err
		}
	}
	return nil
}

// FetchOpenOrders lists resting orders for one market.
func (c *Client) FetchOpenOrders(ctx context.Context, symbol string, _ exchange.MarketType) ([]exchange.OrderUpdate, error) {
	base, quote, err := exchange.SplitSymbol(symbol)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("order_currency", base)
	params.Set("payment_currency", quote)

	var rows []struct {
		OrderID   string `json:"order_id"`
		Type      string `json:"type"`
		Units     string `json:"units"`
		UnitsRem  string `json:"units_remaining"`
		Price     string `json:"price"`
		OrderDate int64  `json:"order_date,string"`
	}
	if err := c.postPrivate(ctx, "/info/orders", params, &rows); err != nil {
		// An empty book comes back as a not-found status.
		if exchange.IsKind(err, exchange.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	updates := make([]exchange.OrderUpdate, 0, len(rows))
	for _, r := range rows {
		side := exchange.SideSell
		if r.Type == "bid" {
			side = exchange.SideBuy
		}
		filled := dec(r.Units).Sub(dec(r.UnitsRem))
		updates = append(updates, exchange.OrderUpdate{
			Exchange:        exchange.Bithumb,
			ExchangeOrderID: r.OrderID,
			Symbol:          symbol,
			Side:            side,
			Status:          exchange.StatusOpen,
			FilledQty:       filled,
			LastPrice:       dec(r.Price),
			Timestamp:       time.UnixMicro(r.OrderDate),
		})
	}
	return updates, nil
}

// FetchOrder retrieves one order with its contract (fill) history.
func (c *Client) FetchOrder(ctx context.Context, symbol, exchangeOrderID string, _ exchange.MarketType) (exchange.OrderUpdate, error) {
	base, quote, err := exchange.SplitSymbol(symbol)
	if err != nil {
		return exchange.OrderUpdate{}, err
	}
	params := url.Values{}
	params.Set("order_id", exchangeOrderID)
	params.Set("order_currency", base)
	params.Set("payment_currency", quote)

	var data struct {
		OrderStatus string `json:"order_status"`
		Type        string `json:"type"`
		OrderQty    string `json:"order_qty"`
		Contract    []struct {
			Units string `json:"units"`
			Price string `json:"price"`
			Fee   string `json:"fee"`
		} `json:"contract"`
	}
	if err := c.postPrivate(ctx, "/info/order_detail", params, &data); err != nil {
		return exchange.OrderUpdate{}, err
	}

	status, ok := exchange.NormalizeStatus(exchange.Bithumb, data.OrderStatus)
	if !ok {
		return exchange.OrderUpdate{}, exchange.NewError(exchange.Bithumb,
			exchange.KindUnknownTerminal, "order status "+data.OrderStatus, nil)
	}
	side := exchange.SideSell
	if data.Type == "bid" {
		side = exchange.SideBuy
	}
	filled := decimal.Zero
	notional := decimal.Zero
	fee := decimal.Zero
	for _, con := range data.Contract {
		u, p := dec(con.Units), dec(con.Price)
		filled = filled.Add(u)
		notional = notional.Add(u.Mul(p))
		fee = fee.Add(dec(con.Fee))
	}
	avg := decimal.Zero
	if filled.IsPositive() {
		avg = notional.Div(filled)
	}
	return exchange.OrderUpdate{
		Exchange:        exchange.Bithumb,
		ExchangeOrderID: exchangeOrderID,
		Symbol:          symbol,
		Side:            side,
		Status:          status,
		FilledQty:       filled,
		LastPrice:       avg,
		Fee:             fee,
		Timestamp:       time.Now(),
	}, nil
}

// SetLeverage is unsupported on spot KRW markets.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return exchange.NewError(exchange.Bithumb, exchange.KindRejected, "leverage not supported", nil)
}

// SubscribePrivateOrders is unsupported; Capabilities reports no private
// stream and the poller covers order progress.
func (c *Client) SubscribePrivateOrders(ctx context.Context, cb func(exchange.OrderUpdate)) error {
	return exchange.NewError(exchange.Bithumb, exchange.KindRejected, "private stream not supported", nil)
}

// Instruments lists KRW markets with the venue's flat constraints.
func (c *Client) Instruments(ctx context.Context) ([]exchange.Instrument, error) {
	symbols, err := c.fetchAllSymbols(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]exchange.Instrument, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, exchange.Instrument{
			Exchange:    exchange.Bithumb,
			Market:      exchange.MarketSpot,
			Symbol:      s,
			StepSize:    decimal.New(1, -8),
			MinQty:      decimal.New(1, -8),
			MinNotional: decimal.NewFromInt(minNotionalKRW),
		})
	}
	return out, nil
}

func dec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
