// Package upbit implements the Gateway over the Upbit KRW spot API. Requests
// are authorized with an HS256 JWT carrying a SHA512 hash of the query.
package upbit

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"signal-router/pkg/exchange"
)

// Upbit caps order endpoints at 8 requests per second per account, so order
// submissions are serialized with a floor gap between calls.
const orderGap = 125 * time.Millisecond

const minNotionalKRW = 5000

// Config carries one account's credentials.
type Config struct {
	AccessKey string
	SecretKey string
}

// Client is the Upbit gateway. Spot only, KRW quoted.
type Client struct {
	cfg        Config
	rest       *exchange.RESTClient
	serializer *exchange.OrderSerializer

	base string
	ws   string
}

// New builds an Upbit gateway.
func New(cfg Config) *Client {
	return &Client{
		cfg:        cfg,
		rest:       exchange.NewRESTClient(exchange.Upbit, 10*time.Second, exchange.NewLimiter(8, 8)),
		serializer: exchange.NewOrderSerializer(orderGap),
		base:       "https://api.upbit.com",
		ws:         "wss://api.upbit.com/websocket/v1",
	}
}

func (c *Client) Name() exchange.Name { return exchange.Upbit }

func (c *Client) Capabilities() exchange.Capabilities {
	return exchange.Capabilities{Futures: false, Leverage: false, Batch: false, PrivateStream: true}
}

// authToken builds the JWT for one request; query is the encoded query string
// or form body, empty for bare endpoints.
func (c *Client) authToken(query string) (string, error) {
	claims := jwt.MapClaims{
		"access_key": c.cfg.AccessKey,
		"nonce":      uuid.NewString(),
	}
	if query != "" {
		sum := sha512.Sum512([]byte(query))
		claims["query_hash"] = hex.EncodeToString(sum[:])
		claims["query_hash_alg"] = "SHA512"
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.cfg.SecretKey))
}

type jwtSigner struct {
	token string
}

func (s jwtSigner) SignRequest(req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+s.token)
	return nil
}

func (c *Client) signer(query string) (exchange.Signer, error) {
	token, err := c.authToken(query)
	if err != nil {
		return nil, exchange.NewError(exchange.Upbit, exchange.KindAuth, "sign jwt", err)
	}
	return jwtSigner{token: token}, nil
}

// FetchBalance returns the KRW balance.
func (c *Client) FetchBalance(ctx context.Context, _ exchange.MarketType) (exchange.BalanceSnapshot, error) {
	signer, err := c.signer("")
	if err != nil {
		return exchange.BalanceSnapshot{}, err
	}
	body, err := c.rest.Get(ctx, c.base+"/v1/accounts", nil, signer)
	if err != nil {
		return exchange.BalanceSnapshot{}, err
	}
	var rows []struct {
		Currency string `json:"currency"`
		Balance  string `json:"balance"`
		Locked   string `json:"locked"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return exchange.BalanceSnapshot{}, fmt.Errorf("decode accounts: %w", err)
	}
	for _, r := range rows {
		if r.Currency == "KRW" {
			free := dec(r.Balance)
			used := dec(r.Locked)
			return exchange.BalanceSnapshot{Currency: "KRW", Free: free, Used: used, Total: free.Add(used)}, nil
		}
	}
	return exchange.BalanceSnapshot{Currency: "KRW"}, nil
}

// FetchPrice returns the last trade price for one market.
func (c *Client) FetchPrice(ctx context.Context, symbol string) (exchange.Quote, error) {
	raw, err := exchange.EncodeSymbol(exchange.Upbit, symbol)
	if err != nil {
		return exchange.Quote{}, err
	}
	quotes, err := c.fetchTickerChunk(ctx, []string{raw})
	if err != nil {
		return exchange.Quote{}, err
	}
	if len(quotes) == 0 {
		return exchange.Quote{}, exchange.NewError(exchange.Upbit, exchange.KindNotFound, "no ticker for "+symbol, nil)
	}
	return quotes[0], nil
}

// FetchPrices returns quotes for the given symbols, chunked to keep URLs
// short; nil enumerates every KRW market first.
func (c *Client) FetchPrices(ctx context.Context, symbols []string) ([]exchange.Quote, error) {
	var markets []string
	if symbols == nil {
		all, err := c.fetchMarkets(ctx)
		if err != nil {
			return nil, err
		}
		markets = all
	} else {
		for _, s := range symbols {
			raw, err := exchange.EncodeSymbol(exchange.Upbit, s)
			if err != nil {
				continue
			}
			markets = append(markets, raw)
		}
	}

	var out []exchange.Quote
	for start := 0; start < len(markets); start += 100 {
		end := start + 100
		if end > len(markets) {
			end = len(markets)
		}
		quotes, err := c.fetchTickerChunk(ctx, markets[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, quotes...)
	}
	return out, nil
}

func (c *Client) fetchMarkets(ctx context.Context) ([]string, error) {
	body, err := c.rest.Get(ctx, c.base+"/v1/market/all", nil, nil)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Market string `json:"market"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode markets: %w", err)
	}
	markets := make([]string, 0, len(rows))
	for _, r := range rows {
		if len(r.Market) > 4 && r.Market[:4] == "KRW-" {
			markets = append(markets, r.Market)
		}
	}
	return markets, nil
}

func (c *Client) fetchTickerChunk(ctx context.Context, markets []string) ([]exchange.Quote, error) {
	params := url.Values{}
	params.Set("markets", strings.Join(markets, ","))
	body, err := c.rest.Get(ctx, c.base+"/v1/ticker", params, nil)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Market     string  `json:"market"`
		TradePrice float64 `json:"trade_price"`
		Timestamp  int64   `json:"timestamp"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode tickers: %w", err)
	}
	quotes := make([]exchange.Quote, 0, len(rows))
	for _, r := range rows {
		canonical, err := exchange.DecodeSymbol(exchange.Upbit, r.Market)
		if err != nil {
			continue
		}
		quotes = append(quotes, exchange.Quote{
			Exchange: exchange.Upbit,
			Market:   exchange.MarketSpot,
			Symbol:   canonical,
			Price:    decimal.NewFromFloat(r.TradePrice),
			Ts:       time.UnixMilli(r.Timestamp),
		})
	}
	return quotes, nil
}

// CreateOrder submits one order under the serialized order-rate ceiling.
// Market buys are expressed as a KRW spend, so the adapter converts base
// quantity through the current last price.
func (c *Client) CreateOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	switch req.Type {
	case exchange.OrderTypeMarket, exchange.OrderTypeLimit:
	default:
		return exchange.OrderResult{}, exchange.NewError(exchange.Upbit, exchange.KindRejected,
			fmt.Sprintf("order type %s not supported", req.Type), nil)
	}
	raw, err := exchange.EncodeSymbol(exchange.Upbit, req.Symbol)
	if err != nil {
		return exchange.OrderResult{}, err
	}

	params := url.Values{}
	params.Set("market", raw)
	if req.Side == exchange.SideBuy {
		params.Set("side", "bid")
	} else {
		params.Set("side", "ask")
	}
	if req.ClientID != "" {
		params.Set("identifier", req.ClientID)
	}

	switch {
	case req.Type == exchange.OrderTypeLimit:
		params.Set("ord_type", "limit")
		params.Set("volume", req.Qty.String())
		params.Set("price", req.Price.String())
	case req.Side == exchange.SideBuy:
		// Market bids spend KRW rather than naming a volume.
		quote, err := c.FetchPrice(ctx, req.Symbol)
		if err != nil {
			return exchange.OrderResult{}, err
		}
		spend := req.Qty.Mul(quote.Price).RoundDown(0)
		if spend.LessThan(decimal.NewFromInt(minNotionalKRW)) {
			return exchange.OrderResult{}, exchange.NewError(exchange.Upbit, exchange.KindRejected,
				fmt.Sprintf("order notional %s below %d KRW", spend, minNotionalKRW), nil)
		}
		params.Set("ord_type", "price")
		params.Set("price", spend.String())
	default:
		params.Set("ord_type", "market")
		params.Set("volume", req.Qty.String())
	}

	var result exchange.OrderResult
	err = c.serializer.Do(ctx, func() error {
		form := params.Encode()
		signer, err := c.signer(form)
		if err != nil {
			return err
		}
		body, err := c.rest.PostForm(ctx, c.base+"/v1/orders", form, signer)
		if err != nil {
			return err
		}
		var resp restOrder
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("decode order response: %w", err)
		}
		status, ok := exchange.NormalizeStatus(exchange.Upbit, resp.State)
		if !ok {
			return exchange.NewError(exchange.Upbit, exchange.KindUnknownTerminal, "order state "+resp.State, nil)
		}
		result = exchange.OrderResult{
			ExchangeOrderID: resp.UUID,
			Status:          status,
			FilledQty:       dec(resp.ExecutedVolume),
		}
		return nil
	})
	return result, err
}

// CreateBatchOrders serializes submissions; Upbit has no batch endpoint.
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

// CancelOrder cancels one order by uuid.
func (c *Client) CancelOrder(ctx context.Context, _ string, exchangeOrderID string, _ exchange.MarketType) error {
	params := url.Values{}
	params.Set("uuid", exchangeOrderID)
	query := params.Encode()
	signer, err := c.signer(query)
	if err != nil {
		return err
	}
	_, err = c.rest.Delete(ctx, c.base+"/v1/order?"+query, nil, signer)
	return err
}

// CancelAll cancels open orders in the market via the bulk endpoint, which
// natively supports a side filter.
func (c *Client) CancelAll(ctx context.Context, symbol string, side exchange.Side, _ exchange.MarketType) error {
	raw, err := exchange.EncodeSymbol(exchange.Upbit, symbol)
	if err != nil {
		return err
	}
	params := url.Values{}
	params.Set("pairs", raw)
	switch side {
	case exchange.SideBuy:
		params.Set("side", "bid")
	case exchange.SideSell:
		params.Set("side", "ask")
	default:
		params.Set("side", "all")
	}
	query := params.Encode()
	signer, err := c.signer(query)
	if err != nil {
		return err
	}
	_, err = c.rest.Delete(ctx, c.base+"/v1/orders/open?"+query, nil, signer)
	return err
}

type restOrder struct {
	UUID           string `json:"uuid"`
	Identifier     string `json:"identifier"`
	Market         string `json:"market"`
	Side           string `json:"side"`
	State          string `json:"state"`
	Volume         string `json:"volume"`
	ExecutedVolume string `json:"executed_volume"`
	AvgPrice       string `json:"avg_price"`
	Price          string `json:"price"`
	PaidFee        string `json:"paid_fee"`
	CreatedAt      string `json:"created_at"`
}

func toUpdate(o restOrder) exchange.OrderUpdate {
	status, _ := exchange.NormalizeStatus(exchange.Upbit, o.State)
	canonical, err := exchange.DecodeSymbol(exchange.Upbit, o.Market)
	if err != nil {
		canonical = o.Market
	}
	side := exchange.SideSell
	if o.Side == "bid" {
		side = exchange.SideBuy
	}
	price := dec(o.AvgPrice)
	if price.IsZero() {
		price = dec(o.Price)
	}
	ts := time.Now()
	if t, err := time.Parse(time.RFC3339, o.CreatedAt); err == nil {
		ts = t
	}
	return exchange.OrderUpdate{
		Exchange:        exchange.Upbit,
		ExchangeOrderID: o.UUID,
		ClientID:        o.Identifier,
		Symbol:          canonical,
		Side:            side,
		Status:          status,
		FilledQty:       dec(o.ExecutedVolume),
		LastPrice:       price,
		Fee:             dec(o.PaidFee),
		Timestamp:       ts,
	}
}

// FetchOpenOrders lists wait/watch orders, optionally narrowed to one market.
func (c *Client) FetchOpenOrders(ctx context.Context, symbol string, _ exchange.MarketType) ([]exchange.OrderUpdate, error) {
	params := url.Values{}
	if symbol != "" {
		raw, err := exchange.EncodeSymbol(exchange.Upbit, symbol)
		if err != nil {
			return nil, err
		}
		params.Set("market", raw)
	}
	params.Add("states[]", "wait")
	params.Add("states[]", "watch")
	query := params.Encode()
	signer, err := c.signer(query)
	if err != nil {
		return nil, err
	}
	body, err := c.rest.Get(ctx, c.base+"/v1/orders/open?"+query, nil, signer)
	if err != nil {
		return nil, err
	}
	var rows []restOrder
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	updates := make([]exchange.OrderUpdate, 0, len(rows))
	for _, o := range rows {
		updates = append(updates, toUpdate(o))
	}
	return updates, nil
}

// FetchOrder retrieves one order's current state.
func (c *Client) FetchOrder(ctx context.Context, _ string, exchangeOrderID string, _ exchange.MarketType) (exchange.OrderUpdate, error) {
	params := url.Values{}
	params.Set("uuid", exchangeOrderID)
	query := params.Encode()
	signer, err := c.signer(query)
	if err != nil {
		return exchange.OrderUpdate{}, err
	}
	body, err := c.rest.Get(ctx, c.base+"/v1/order?"+query, nil, signer)
	if err != nil {
		return exchange.OrderUpdate{}, err
	}
	var o restOrder
	if err := json.Unmarshal(body, &o); err != nil {
		return exchange.OrderUpdate{}, fmt.Errorf("decode order: %w", err)
	}
	return toUpdate(o), nil
}

// SetLeverage is unsupported on spot KRW markets.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return exchange.NewError(exchange.Upbit, exchange.KindRejected, "leverage not supported", nil)
}

// Instruments lists KRW markets. Price ticks follow the KRW band table, so
// TickSize is left zero and callers round prices through TickFor.
func (c *Client) Instruments(ctx context.Context) ([]exchange.Instrument, error) {
	markets, err := c.fetchMarkets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]exchange.Instrument, 0, len(markets))
	for _, m := range markets {
		canonical, err := exchange.DecodeSymbol(exchange.Upbit, m)
		if err != nil {
			continue
		}
		out = append(out, exchange.Instrument{
			Exchange:    exchange.Upbit,
			Market:      exchange.MarketSpot,
			Symbol:      canonical,
			StepSize:    decimal.New(1, -8),
			MinQty:      decimal.New(1, -8),
			MinNotional: decimal.NewFromInt(minNotionalKRW),
		})
	}
	return out, nil
}

// TickFor returns the KRW price tick for the given price band.
func TickFor(price decimal.Decimal) decimal.Decimal {
	bands := []struct {
		floor decimal.Decimal
		tick  decimal.Decimal
	}{
		{decimal.NewFromInt(2_000_000), decimal.NewFromInt(1000)},
		{decimal.NewFromInt(1_000_000), decimal.NewFromInt(500)},
		{decimal.NewFromInt(500_000), decimal.NewFromInt(100)},
		{decimal.NewFromInt(100_000), decimal.NewFromInt(50)},
		{decimal.NewFromInt(10_000), decimal.NewFromInt(10)},
		{decimal.NewFromInt(1_000), decimal.NewFromInt(1)},
		{decimal.NewFromInt(100), decimal.New(1, -1)},
		{decimal.NewFromInt(10), decimal.New(1, -2)},
		{decimal.NewFromInt(1), decimal.New(1, -3)},
	}
	for _, b := range bands {
		if price.GreaterThanOrEqual(b.floor) {
			return b.tick
		}
	}
	return decimal.New(1, -4)
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
