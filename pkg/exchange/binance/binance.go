// Package binance implements the Gateway over Binance spot and USDT-margined
// futures REST and websocket APIs.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"signal-router/pkg/exchange"
)

const recvWindow = 5000

// Config carries one account's credentials.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
}

// Client is the Binance gateway. One instance serves both SPOT and FUTURES
// through the Market field on each request.
type Client struct {
	cfg      Config
	rest     *exchange.RESTClient
	timeSync *exchange.TimeSync

	spotBase string
	futBase  string
	spotWS   string
	futWS    string
}

// New builds a Binance gateway and starts its clock sync.
func New(ctx context.Context, cfg Config) *Client {
	c := &Client{
		cfg:      cfg,
		rest:     exchange.NewRESTClient(exchange.Binance, 10*time.Second, exchange.NewLimiter(18, 20)),
		spotBase: "https://api.binance.com",
		futBase:  "https://fapi.binance.com",
		spotWS:   "wss://stream.binance.com:9443",
		futWS:    "wss://fstream.binance.com",
	}
	if cfg.Testnet {
		c.spotBase = "https://testnet.binance.vision"
		c.futBase = "https://testnet.binancefuture.com"
		c.spotWS = "wss://testnet.binance.vision"
		c.futWS = "wss://stream.binancefuture.com"
	}
	c.timeSync = exchange.NewTimeSync(func(ctx context.Context) (int64, error) {
		return c.fetchServerTime(ctx)
	})
	c.timeSync.Start(ctx)
	return c
}

func (c *Client) Name() exchange.Name { return exchange.Binance }

func (c *Client) Capabilities() exchange.Capabilities {
	return exchange.Capabilities{Futures: true, Leverage: true, Batch: true, PrivateStream: true}
}

func (c *Client) base(market exchange.MarketType) string {
	if market == exchange.MarketFutures {
		return c.futBase
	}
	return c.spotBase
}

func (c *Client) fetchServerTime(ctx context.Context) (int64, error) {
	body, err := c.rest.Get(ctx, c.spotBase+"/api/v3/time", nil, nil)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

// signQuery stamps and signs params, returning the final encoded query with
// the signature appended last (Binance verifies over the preceding bytes).
func (c *Client) signQuery(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(c.timeSync.Now(), 10))
	params.Set("recvWindow", strconv.Itoa(recvWindow))
	encoded := params.Encode()
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(encoded))
	return encoded + "&signature=" + hex.EncodeToString(mac.Sum(nil))
}

type headerSigner struct{ apiKey string }

func (s headerSigner) SignRequest(req *http.Request) error {
	req.Header.Set("X-MBX-APIKEY", s.apiKey)
	return nil
}

func (c *Client) signer() exchange.Signer { return headerSigner{apiKey: c.cfg.APIKey} }

// FetchBalance returns the USDT balance for the given market family.
func (c *Client) FetchBalance(ctx context.Context, market exchange.MarketType) (exchange.BalanceSnapshot, error) {
	if market == exchange.MarketFutures {
		u := c.futBase + "/fapi/v2/balance?" + c.signQuery(url.Values{})
		body, err := c.rest.Get(ctx, u, nil, c.signer())
		if err != nil {
			return exchange.BalanceSnapshot{}, err
		}
		var rows []struct {
			Asset            string `json:"asset"`
			Balance          string `json:"balance"`
			AvailableBalance string `json:"availableBalance"`
		}
		if err := json.Unmarshal(body, &rows); err != nil {
			return exchange.BalanceSnapshot{}, fmt.Errorf("decode futures balance: %w", err)
		}
		for _, r := range rows {
			if r.Asset == "USDT" {
				total := dec(r.Balance)
				free := dec(r.AvailableBalance)
				return exchange.BalanceSnapshot{Currency: "USDT", Free: free, Used: total.Sub(free), Total: total}, nil
			}
		}
		return exchange.BalanceSnapshot{Currency: "USDT"}, nil
	}

	u := c.spotBase + "/api/v3/account?" + c.signQuery(url.Values{})
	body, err := c.rest.Get(ctx, u, nil, c.signer())
	if err != nil {
		return exchange.BalanceSnapshot{}, err
	}
	var res struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return exchange.BalanceSnapshot{}, fmt.Errorf("decode account: %w", err)
	}
	for _, b := range res.Balances {
		if b.Asset == "USDT" {
			free := dec(b.Free)
			used := dec(b.Locked)
			return exchange.BalanceSnapshot{Currency: "USDT", Free: free, Used: used, Total: free.Add(used)}, nil
		}
	}
	return exchange.BalanceSnapshot{Currency: "USDT"}, nil
}

// FetchPrice returns the last trade price on spot.
func (c *Client) FetchPrice(ctx context.Context, symbol string) (exchange.Quote, error) {
	raw, err := exchange.EncodeSymbol(exchange.Binance, symbol)
	if err != nil {
		return exchange.Quote{}, err
	}
	params := url.Values{}
	params.Set("symbol", raw)
	body, err := c.rest.Get(ctx, c.spotBase+"/api/v3/ticker/price", params, nil)
	if err != nil {
		return exchange.Quote{}, err
	}
	var res struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return exchange.Quote{}, fmt.Errorf("decode ticker: %w", err)
	}
	return exchange.Quote{Exchange: exchange.Binance, Market: exchange.MarketSpot, Symbol: symbol, Price: dec(res.Price), Ts: time.Now()}, nil
}

// FetchPrices returns quotes for the given symbols, or the full ticker table
// when symbols is nil. The full table is one call so there is no URL growth.
func (c *Client) FetchPrices(ctx context.Context, symbols []string) ([]exchange.Quote, error) {
	body, err := c.rest.Get(ctx, c.spotBase+"/api/v3/ticker/price", nil, nil)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode tickers: %w", err)
	}

	var want map[string]bool
	if symbols != nil {
		want = make(map[string]bool, len(symbols))
		for _, s := range symbols {
			raw, err := exchange.EncodeSymbol(exchange.Binance, s)
			if err != nil {
				continue
			}
			want[raw] = true
		}
	}

	now := time.Now()
	quotes := make([]exchange.Quote, 0, len(rows))
	for _, r := range rows {
		if want != nil && !want[r.Symbol] {
			continue
		}
		canonical, err := exchange.DecodeSymbol(exchange.Binance, r.Symbol)
		if err != nil {
			continue
		}
		quotes = append(quotes, exchange.Quote{
			Exchange: exchange.Binance, Market: exchange.MarketSpot,
			Symbol: canonical, Price: dec(r.Price), Ts: now,
		})
	}
	return quotes, nil
}

func (c *Client) orderParams(req exchange.OrderRequest) (url.Values, error) {
	raw, err := exchange.EncodeSymbol(exchange.Binance, req.Symbol)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", raw)
	params.Set("side", string(req.Side))
	params.Set("quantity", req.Qty.String())
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	futures := req.Market == exchange.MarketFutures
	switch req.Type {
	case exchange.OrderTypeMarket:
		params.Set("type", "MARKET")
	case exchange.OrderTypeLimit:
		params.Set("type", "LIMIT")
		params.Set("price", req.Price.String())
		params.Set("timeInForce", "GTC")
	case exchange.OrderTypeStopMarket:
		if futures {
			params.Set("type", "STOP_MARKET")
		} else {
			params.Set("type", "STOP_LOSS")
		}
		params.Set("stopPrice", req.StopPrice.String())
	case exchange.OrderTypeStopLimit:
		if futures {
			params.Set("type", "STOP")
		} else {
			params.Set("type", "STOP_LOSS_LIMIT")
			params.Set("timeInForce", "GTC")
		}
		params.Set("price", req.Price.String())
		params.Set("stopPrice", req.StopPrice.String())
	default:
		return nil, exchange.NewError(exchange.Binance, exchange.KindRejected,
			fmt.Sprintf("order type %s not supported", req.Type), nil)
	}
	if futures && req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	return params, nil
}

// CreateOrder submits a single order. Not retried on transport failure; the
// caller resolves unknown outcomes through FetchOrder.
func (c *Client) CreateOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	if req.Market == exchange.MarketFutures && req.Leverage > 0 {
		if err := c.SetLeverage(ctx, req.Symbol, req.Leverage); err != nil {
			return exchange.OrderResult{}, err
		}
	}
	params, err := c.orderParams(req)
	if err != nil {
		return exchange.OrderResult{}, err
	}

	endpoint := c.spotBase + "/api/v3/order"
	if req.Market == exchange.MarketFutures {
		endpoint = c.futBase + "/fapi/v1/order"
	}
	body, err := c.rest.PostForm(ctx, endpoint, c.signQuery(params), c.signer())
	if err != nil {
		return exchange.OrderResult{}, err
	}

	var resp struct {
		OrderID     int64  `json:"orderId"`
		Status      string `json:"status"`
		ExecutedQty string `json:"executedQty"`
		// Spot reports fills inline for MARKET; futures reports avgPrice.
		AvgPrice string `json:"avgPrice"`
		Fills    []struct {
			Price string `json:"price"`
			Qty   string `json:"qty"`
		} `json:"fills"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return exchange.OrderResult{}, fmt.Errorf("decode order response: %w", err)
	}

	status, ok := exchange.NormalizeStatus(exchange.Binance, resp.Status)
	if !ok {
		return exchange.OrderResult{}, exchange.NewError(exchange.Binance, exchange.KindUnknownTerminal,
			"order status "+resp.Status, nil)
	}
	result := exchange.OrderResult{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:          status,
		FilledQty:       dec(resp.ExecutedQty),
		AvgPrice:        dec(resp.AvgPrice),
	}
	if len(resp.Fills) > 0 {
		notional := decimal.Zero
		qty := decimal.Zero
		for _, f := range resp.Fills {
			p, q := dec(f.Price), dec(f.Qty)
			notional = notional.Add(p.Mul(q))
			qty = qty.Add(q)
		}
		if qty.IsPositive() {
			result.AvgPrice = notional.Div(qty)
		}
	}
	return result, nil
}

// CreateBatchOrders uses the futures batch endpoint when it applies, and
// falls back to sequential submits otherwise.
func (c *Client) CreateBatchOrders(ctx context.Context, reqs []exchange.OrderRequest) (exchange.BatchResult, error) {
	if len(reqs) == 0 {
		return exchange.BatchResult{}, nil
	}
	if reqs[0].Market == exchange.MarketFutures && len(reqs) > 1 {
		return c.createFuturesBatch(ctx, reqs)
	}
	var out exchange.BatchResult
	for _, req := range reqs {
		res, err := c.CreateOrder(ctx, req)
		item := exchange.BatchItem{Request: req, Result: res, Err: err}
		out.Items = append(out.Items, item)
		if err != nil {
			out.Failed++
		} else {
			out.Successful++
		}
	}
	return out, nil
}

func (c *Client) createFuturesBatch(ctx context.Context, reqs []exchange.OrderRequest) (exchange.BatchResult, error) {
	var out exchange.BatchResult
	// The endpoint caps at 5 orders per call.
	for start := 0; start < len(reqs); start += 5 {
		end := start + 5
		if end > len(reqs) {
			end = len(reqs)
		}
		chunk := reqs[start:end]

		items := make([]map[string]string, 0, len(chunk))
		for _, req := range chunk {
			params, err := c.orderParams(req)
			if err != nil {
				out.Items = append(out.Items, exchange.BatchItem{Request: req, Err: err})
				out.Failed++
				continue
			}
			m := make(map[string]string, len(params))
			for k := range params {
				m[k] = params.Get(k)
			}
			items = append(items, m)
		}
		if len(items) == 0 {
			continue
		}
		encoded, err := json.Marshal(items)
		if err != nil {
			return out, err
		}
		params := url.Values{}
		params.Set("batchOrders", string(encoded))

		body, err := c.rest.PostForm(ctx, c.futBase+"/fapi/v1/batchOrders", c.signQuery(params), c.signer())
		if err != nil {
			for _, req := range chunk {
				out.Items = append(out.Items, exchange.BatchItem{Request: req, Err: err})
				out.Failed++
			}
			continue
		}
		var results []struct {
			OrderID int64  `json:"orderId"`
			Status  string `json:"status"`
			Code    int    `json:"code"`
			Msg     string `json:"msg"`
		}
		if err := json.Unmarshal(body, &results); err != nil {
			return out, fmt.Errorf("decode batch response: %w", err)
		}
		for i, r := range results {
			if i >= len(chunk) {
				break
			}
			item := exchange.BatchItem{Request: chunk[i]}
			if r.Code != 0 {
				item.Err = exchange.NewError(exchange.Binance, exchange.KindRejected, r.Msg, nil)
				out.Failed++
			} else {
				status, _ := exchange.NormalizeStatus(exchange.Binance, r.Status)
				item.Result = exchange.OrderResult{ExchangeOrderID: strconv.FormatInt(r.OrderID, 10), Status: status}
				out.Successful++
			}
			out.Items = append(out.Items, item)
		}
	}
	return out, nil
}

// CancelOrder cancels one order by exchange order id.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string, market exchange.MarketType) error {
	raw, err := exchange.EncodeSymbol(exchange.Binance, symbol)
	if err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", raw)
	params.Set("orderId", exchangeOrderID)

	endpoint := c.spotBase + "/api/v3/order"
	if market == exchange.MarketFutures {
		endpoint = c.futBase + "/fapi/v1/order"
	}
	_, err = c.rest.Delete(ctx, endpoint+"?"+c.signQuery(params), nil, c.signer())
	return err
}

// CancelAll cancels the symbol's open orders, optionally only one side.
func (c *Client) CancelAll(ctx context.Context, symbol string, side exchange.Side, market exchange.MarketType) error {
	if side != "" {
		// No native side filter; enumerate and cancel individually.
		open, err := c.FetchOpenOrders(ctx, symbol, market)
		if err != nil {
			return err
		}
		for _, o := range open {
			if o.Side != side {
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

	raw, err := exchange.EncodeSymbol(exchange.Binance, symbol)
	if err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", raw)
	endpoint := c.spotBase + "/api/v3/openOrders"
	if market == exchange.MarketFutures {
		endpoint = c.futBase + "/fapi/v1/allOpenOrders"
	}
	_, err = c.rest.Delete(ctx, endpoint+"?"+c.signQuery(params), nil, c.signer())
	if exchange.IsKind(err, exchange.KindNotFound) {
		// Nothing open; treated as success.
		return nil
	}
	return err
}

type restOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	Price         string `json:"price"`
	AvgPrice      string `json:"avgPrice"`
	UpdateTime    int64  `json:"updateTime"`
}

func (c *Client) toUpdate(o restOrder) exchange.OrderUpdate {
	status, _ := exchange.NormalizeStatus(exchange.Binance, o.Status)
	canonical, err := exchange.DecodeSymbol(exchange.Binance, o.Symbol)
	if err != nil {
		canonical = o.Symbol
	}
	price := dec(o.AvgPrice)
	if price.IsZero() {
		price = dec(o.Price)
	}
	return exchange.OrderUpdate{
		Exchange:        exchange.Binance,
		ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
		ClientID:        o.ClientOrderID,
		Symbol:          canonical,
		Side:            exchange.Side(o.Side),
		Status:          status,
		FilledQty:       dec(o.ExecutedQty),
		LastPrice:       price,
		Timestamp:       time.UnixMilli(o.UpdateTime),
	}
}

// FetchOpenOrders lists resting orders; empty symbol means all symbols.
func (c *Client) FetchOpenOrders(ctx context.Context, symbol string, market exchange.MarketType) ([]exchange.OrderUpdate, error) {
	params := url.Values{}
	if symbol != "" {
		raw, err := exchange.EncodeSymbol(exchange.Binance, symbol)
		if err != nil {
			return nil, err
		}
		params.Set("symbol", raw)
	}
	endpoint := c.spotBase + "/api/v3/openOrders"
	if market == exchange.MarketFutures {
		endpoint = c.futBase + "/fapi/v1/openOrders"
	}
	body, err := c.rest.Get(ctx, endpoint+"?"+c.signQuery(params), nil, c.signer())
	if err != nil {
		return nil, err
	}
	var rows []restOrder
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	updates := make([]exchange.OrderUpdate, 0, len(rows))
	for _, o := range rows {
		updates = append(updates, c.toUpdate(o))
	}
	return updates, nil
}

// FetchOrder retrieves one order's current state.
func (c *Client) FetchOrder(ctx context.Context, symbol, exchangeOrderID string, market exchange.MarketType) (exchange.OrderUpdate, error) {
	raw, err := exchange.EncodeSymbol(exchange.Binance, symbol)
	if err != nil {
		return exchange.OrderUpdate{}, err
	}
	params := url.Values{}
	params.Set("symbol", raw)
	params.Set("orderId", exchangeOrderID)
	endpoint := c.spotBase + "/api/v3/order"
	if market == exchange.MarketFutures {
		endpoint = c.futBase + "/fapi/v1/order"
	}
	body, err := c.rest.Get(ctx, endpoint+"?"+c.signQuery(params), nil, c.signer())
	if err != nil {
		return exchange.OrderUpdate{}, err
	}
	var o restOrder
	if err := json.Unmarshal(body, &o); err != nil {
		return exchange.OrderUpdate{}, fmt.Errorf("decode order: %w", err)
	}
	return c.toUpdate(o), nil
}

// SetLeverage applies futures leverage for the symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	raw, err := exchange.EncodeSymbol(exchange.Binance, symbol)
	if err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", raw)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err = c.rest.PostForm(ctx, c.futBase+"/fapi/v1/leverage", c.signQuery(params), c.signer())
	return err
}

// Instruments returns trading constraints for spot and futures symbols.
func (c *Client) Instruments(ctx context.Context) ([]exchange.Instrument, error) {
	spot, err := c.fetchInstruments(ctx, c.spotBase+"/api/v3/exchangeInfo", exchange.MarketSpot)
	if err != nil {
		return nil, err
	}
	fut, err := c.fetchInstruments(ctx, c.futBase+"/fapi/v1/exchangeInfo", exchange.MarketFutures)
	if err != nil {
		return nil, err
	}
	return append(spot, fut...), nil
}

func (c *Client) fetchInstruments(ctx context.Context, endpoint string, market exchange.MarketType) ([]exchange.Instrument, error) {
	body, err := c.rest.Get(ctx, endpoint, nil, nil)
	if err != nil {
		return nil, err
	}
	var res struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Status  string `json:"status"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
				MinQty      string `json:"minQty"`
				MinNotional string `json:"minNotional"`
				Notional    string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode exchangeInfo: %w", err)
	}

	instruments := make([]exchange.Instrument, 0, len(res.Symbols))
	for _, s := range res.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		canonical, err := exchange.DecodeSymbol(exchange.Binance, s.Symbol)
		if err != nil {
			continue
		}
		inst := exchange.Instrument{Exchange: exchange.Binance, Market: market, Symbol: canonical}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				inst.TickSize = dec(f.TickSize)
			case "LOT_SIZE":
				inst.StepSize = dec(f.StepSize)
				inst.MinQty = dec(f.MinQty)
			case "MIN_NOTIONAL":
				inst.MinNotional = dec(f.MinNotional)
			case "NOTIONAL":
				inst.MinNotional = dec(f.MinNotional)
			}
		}
		instruments = append(instruments, inst)
	}
	return instruments, nil
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
