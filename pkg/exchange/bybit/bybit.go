// Package bybit implements the Gateway over the Bybit v5 unified API.
// Spot maps to category=spot and futures to category=linear.
package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"signal-router/pkg/exchange"
)

const recvWindow = "5000"

// Config carries one account's credentials.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
}

// Client is the Bybit gateway.
type Client struct {
	cfg      Config
	rest     *exchange.RESTClient
	timeSync *exchange.TimeSync

	base      string
	publicWS  string
	privateWS string
}

// New builds a Bybit gateway and starts its clock sync.
func New(ctx context.Context, cfg Config) *Client {
	c := &Client{
		cfg:       cfg,
		rest:      exchange.NewRESTClient(exchange.Bybit, 10*time.Second, exchange.NewLimiter(10, 10)),
		base:      "https://api.bybit.com",
		publicWS:  "wss://stream.bybit.com/v5/public/spot",
		privateWS: "wss://stream.bybit.com/v5/private",
	}
	if cfg.Testnet {
		c.base = "https://api-testnet.bybit.com"
		c.publicWS = "wss://stream-testnet.bybit.com/v5/public/spot"
		c.privateWS = "wss://stream-testnet.bybit.com/v5/private"
	}
	c.timeSync = exchange.NewTimeSync(func(ctx context.Context) (int64, error) {
		return c.fetchServerTime(ctx)
	})
	c.timeSync.Start(ctx)
	return c
}

func (c *Client) Name() exchange.Name { return exchange.Bybit }

func (c *Client) Capabilities() exchange.Capabilities {
	return exchange.Capabilities{Futures: true, Leverage: true, Batch: true, PrivateStream: true}
}

func category(market exchange.MarketType) string {
	if market == exchange.MarketFutures {
		return "linear"
	}
	return "spot"
}

func toBybitSide(s exchange.Side) string {
	if s == exchange.SideBuy {
		return "Buy"
	}
	return "Sell"
}

func fromBybitSide(s string) exchange.Side {
	if strings.EqualFold(s, "Buy") {
		return exchange.SideBuy
	}
	return exchange.SideSell
}

func (c *Client) fetchServerTime(ctx context.Context) (int64, error) {
	body, err := c.rest.Get(ctx, c.base+"/v5/market/time", nil, nil)
	if err != nil {
		return 0, err
	}
	var res struct {
		Result struct {
			TimeNano string `json:"timeNano"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, err
	}
	nanos, err := strconv.ParseInt(res.Result.TimeNano, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse server time: %w", err)
	}
	return nanos / int64(time.Millisecond), nil
}

// signer implements the v5 header scheme: the HMAC covers
// timestamp + apiKey + recvWindow + payload, where payload is the query
// string for GET and the JSON body for POST.
type signer struct {
	apiKey    string
	apiSecret string
	now       func() int64
}

func (s *signer) SignRequest(req *http.Request) error {
	payload := req.URL.RawQuery
	if req.Method == http.MethodPost && req.GetBody != nil {
		r, err := req.GetBody()
		if err != nil {
			return err
		}
		b, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		payload = string(b)
	}
	ts := strconv.FormatInt(s.now(), 10)
	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte(ts + s.apiKey + recvWindow + payload))

	req.Header.Set("X-BAPI-API-KEY", s.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", hex.EncodeToString(mac.Sum(nil)))
	return nil
}

func (c *Client) signer() exchange.Signer {
	return &signer{apiKey: c.cfg.APIKey, apiSecret: c.cfg.APISecret, now: c.timeSync.Now}
}

// checkRet unwraps the v5 envelope and classifies non-zero retCodes.
func (c *Client) checkRet(body []byte, result any) error {
	var env struct {
		RetCode int             `json:"retCode"`
		RetMsg  string          `json:"retMsg"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.RetCode != 0 {
		kind := exchange.KindRejected
		switch env.RetCode {
		case 10006, 10018:
			kind = exchange.KindThrottled
		case 10003, 10004, 10005:
			kind = exchange.KindAuth
		case 110001, 170213:
			kind = exchange.KindNotFound
		}
		return exchange.NewError(exchange.Bybit, kind,
			fmt.Sprintf("retCode %d: %s", env.RetCode, env.RetMsg), nil)
	}
	if result != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

func (c *Client) getSigned(ctx context.Context, path string, params url.Values, result any) error {
	u := c.base + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	body, err := c.rest.Get(ctx, u, nil, c.signer())
	if err != nil {
		return err
	}
	return c.checkRet(body, result)
}

func (c *Client) postSigned(ctx context.Context, path string, payload any, result any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	body, err := c.rest.PostJSON(ctx, c.base+path, b, c.signer())
	if err != nil {
		return err
	}
	return c.checkRet(body, result)
}

// FetchBalance returns the unified-account USDT balance.
func (c *Client) FetchBalance(ctx context.Context, _ exchange.MarketType) (exchange.BalanceSnapshot, error) {
	params := url.Values{}
	params.Set("accountType", "UNIFIED")
	params.Set("coin", "USDT")
	var res struct {
		List []struct {
			Coin []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
				Locked        string `json:"locked"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := c.getSigned(ctx, "/v5/account/wallet-balance", params, &res); err != nil {
		return exchange.BalanceSnapshot{}, err
	}
	for _, acct := range res.List {
		for _, coin := range acct.Coin {
			if coin.Coin == "USDT" {
				total := dec(coin.WalletBalance)
				used := dec(coin.Locked)
				return exchange.BalanceSnapshot{Currency: "USDT", Free: total.Sub(used), Used: used, Total: total}, nil
			}
		}
	}
	return exchange.BalanceSnapshot{Currency: "USDT"}, nil
}

// FetchPrice returns the spot last price for one symbol.
func (c *Client) FetchPrice(ctx context.Context, symbol string) (exchange.Quote, error) {
	raw, err := exchange.EncodeSymbol(exchange.Bybit, symbol)
	if err != nil {
		return exchange.Quote{}, err
	}
	params := url.Values{}
	params.Set("category", "spot")
	params.Set("symbol", raw)
	quotes, err := c.fetchTickers(ctx, params)
	if err != nil {
		return exchange.Quote{}, err
	}
	if len(quotes) == 0 {
		return exchange.Quote{}, exchange.NewError(exchange.Bybit, exchange.KindNotFound, "no ticker for "+symbol, nil)
	}
	return quotes[0], nil
}

// FetchPrices returns quotes for the given symbols; nil fetches the whole
// spot ticker table in one call.
func (c *Client) FetchPrices(ctx context.Context, symbols []string) ([]exchange.Quote, error) {
	params := url.Values{}
	params.Set("category", "spot")
	quotes, err := c.fetchTickers(ctx, params)
	if err != nil {
		return nil, err
	}
	if symbols == nil {
		return quotes, nil
	}
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}
	filtered := quotes[:0]
	for _, q := range quotes {
		if want[q.Symbol] {
			filtered = append(filtered, q)
		}
	}
	return filtered, nil
}

func (c *Client) fetchTickers(ctx context.Context, params url.Values) ([]exchange.Quote, error) {
	body, err := c.rest.Get(ctx, c.base+"/v5/market/tickers?"+params.Encode(), nil, nil)
	if err != nil {
		return nil, err
	}
	var res struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := c.checkRet(body, &res); err != nil {
		return nil, err
	}
	now := time.Now()
	quotes := make([]exchange.Quote, 0, len(res.List))
	for _, t := range res.List {
		canonical, err := exchange.DecodeSymbol(exchange.Bybit, t.Symbol)
		if err != nil {
			continue
		}
		quotes = append(quotes, exchange.Quote{
			Exchange: exchange.Bybit, Market: exchange.MarketSpot,
			Symbol: canonical, Price: dec(t.LastPrice), Ts: now,
		})
	}
	return quotes, nil
}

type orderPayload map[string]any

func (c *Client) orderPayload(req exchange.OrderRequest) (orderPayload, error) {
	raw, err := exchange.EncodeSymbol(exchange.Bybit, req.Symbol)
	if err != nil {
		return nil, err
	}
	p := orderPayload{
		"category": category(req.Market),
		"symbol":   raw,
		"side":     toBybitSide(req.Side),
		"qty":      req.Qty.String(),
	}
	if req.ClientID != "" {
		p["orderLinkId"] = req.ClientID
	}
	switch req.Type {
	case exchange.OrderTypeMarket:
		p["orderType"] = "Market"
	case exchange.OrderTypeLimit:
		p["orderType"] = "Limit"
		p["price"] = req.Price.String()
		p["timeInForce"] = "GTC"
	case exchange.OrderTypeStopMarket:
		p["orderType"] = "Market"
		p["triggerPrice"] = req.StopPrice.String()
		p["triggerDirection"] = triggerDirection(req.Side)
	case exchange.OrderTypeStopLimit:
		p["orderType"] = "Limit"
		p["price"] = req.Price.String()
		p["timeInForce"] = "GTC"
		p["triggerPrice"] = req.StopPrice.String()
		p["triggerDirection"] = triggerDirection(req.Side)
	default:
		return nil, exchange.NewError(exchange.Bybit, exchange.KindRejected,
			fmt.Sprintf("order type %s not supported", req.Type), nil)
	}
	if req.Market == exchange.MarketFutures && req.ReduceOnly {
		p["reduceOnly"] = true
	}
	return p, nil
}

// Stops trigger in the adverse direction for the position being protected:
// a SELL stop fires on price falling, a BUY stop on price rising.
func triggerDirection(side exchange.Side) int {
	if side == exchange.SideSell {
		return 2
	}
	return 1
}

// CreateOrder submits a single order.
func (c *Client) CreateOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	if req.Market == exchange.MarketFutures && req.Leverage > 0 {
		if err := c.SetLeverage(ctx, req.Symbol, req.Leverage); err != nil {
			return exchange.OrderResult{}, err
		}
	}
	payload, err := c.orderPayload(req)
	if err != nil {
		return exchange.OrderResult{}, err
	}
	var res struct {
		OrderID string `json:"orderId"`
	}
	if err := c.postSigned(ctx, "/v5/order/create", payload, &res); err != nil {
		return exchange.OrderResult{}, err
	}
	// The create ack has no status; the resting state arrives on the feed.
	return exchange.OrderResult{ExchangeOrderID: res.OrderID, Status: exchange.StatusNew}, nil
}

// CreateBatchOrders uses the native batch endpoint, 10 orders per call.
func (c *Client) CreateBatchOrders(ctx context.Context, reqs []exchange.OrderRequest) (exchange.BatchResult, error) {
	var out exchange.BatchResult
	for start := 0; start < len(reqs); start += 10 {
		end := start + 10
		if end > len(reqs) {
			end = len(reqs)
		}
		chunk := reqs[start:end]

		payloads := make([]orderPayload, 0, len(chunk))
		kept := make([]exchange.OrderRequest, 0, len(chunk))
		for _, req := range chunk {
			p, err := c.orderPayload(req)
			if err != nil {
				out.Items = append(out.Items, exchange.BatchItem{Request: req, Err: err})
				out.Failed++
				continue
			}
			delete(p, "category") // batch carries category at the top level
			payloads = append(payloads, p)
			kept = append(kept, req)
		}
		if len(payloads) == 0 {
			continue
		}

		body := map[string]any{"category": category(chunk[0].Market), "request": payloads}
		var res struct {
			List []struct {
				OrderID string `json:"orderId"`
			} `json:"list"`
		}
		raw, err := json.Marshal(body)
		if err != nil {
			return out, err
		}
		respBody, err := c.rest.PostJSON(ctx, c.base+"/v5/order/create-batch", raw, c.signer())
		if err != nil {
			for _, req := range kept {
				out.Items = append(out.Items, exchange.BatchItem{Request: req, Err: err})
				out.Failed++
			}
			continue
		}
		// Per-order outcomes live in retExtInfo, parallel to result.list.
		var env struct {
			RetCode    int             `json:"retCode"`
			RetMsg     string          `json:"retMsg"`
			Result     json.RawMessage `json:"result"`
			RetExtInfo struct {
				List []struct {
					Code int    `json:"code"`
					Msg  string `json:"msg"`
				} `json:"list"`
			} `json:"retExtInfo"`
		}
		if err := json.Unmarshal(respBody, &env); err != nil {
			return out, fmt.Errorf("decode batch envelope: %w", err)
		}
		if env.RetCode != 0 {
			batchErr := exchange.NewError(exchange.Bybit, exchange.KindRejected,
				fmt.Sprintf("retCode %d: %s", env.RetCode, env.RetMsg), nil)
			for _, req := range kept {
				out.Items = append(out.Items, exchange.BatchItem{Request: req, Err: batchErr})
				out.Failed++
			}
			continue
		}
		if err := json.Unmarshal(env.Result, &res); err != nil {
			return out, fmt.Errorf("decode batch result: %w", err)
		}
		for i, req := range kept {
			item := exchange.BatchItem{Request: req}
			code := 0
			if i < len(env.RetExtInfo.List) {
				code = env.RetExtInfo.List[i].Code
			}
			if code != 0 {
				item.Err = exchange.NewError(exchange.Bybit, exchange.KindRejected, env.RetExtInfo.List[i].Msg, nil)
				out.Failed++
			} else {
				id := ""
				if i < len(res.List) {
					id = res.List[i].OrderID
				}
				item.Result = exchange.OrderResult{ExchangeOrderID: id, Status: exchange.StatusNew}
				out.Successful++
			}
			out.Items = append(out.Items, item)
		}
	}
	return out, nil
}

// CancelOrder cancels one order by exchange order id.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string, market exchange.MarketType) error {
	raw, err := exchange.EncodeSymbol(exchange.Bybit, symbol)
	if err != nil {
		return err
	}
	payload := orderPayload{
		"category": category(market),
		"symbol":   raw,
		"orderId":  exchangeOrderID,
	}
	return c.postSigned(ctx, "/v5/order/cancel", payload, nil)
}

// CancelAll cancels the symbol's open orders, optionally only one side.
func (c *Client) CancelAll(ctx context.Context, symbol string, side exchange.Side, market exchange.MarketType) error {
	if side != "" {
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
	raw, err := exchange.EncodeSymbol(exchange.Bybit, symbol)
	if err != nil {
		return err
	}
	payload := orderPayload{"category": category(market), "symbol": raw}
	return c.postSigned(ctx, "/v5/order/cancel-all", payload, nil)
}

type restOrder struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderStatus string `json:"orderStatus"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
	UpdatedTime string `json:"updatedTime"`
}

func toUpdate(o restOrder) exchange.OrderUpdate {
	status, _ := exchange.NormalizeStatus(exchange.Bybit, o.OrderStatus)
	canonical, err := exchange.DecodeSymbol(exchange.Bybit, o.Symbol)
	if err != nil {
		canonical = o.Symbol
	}
	ms, _ := strconv.ParseInt(o.UpdatedTime, 10, 64)
	return exchange.OrderUpdate{
		Exchange:        exchange.Bybit,
		ExchangeOrderID: o.OrderID,
		ClientID:        o.OrderLinkID,
		Symbol:          canonical,
		Side:            fromBybitSide(o.Side),
		Status:          status,
		FilledQty:       dec(o.CumExecQty),
		LastPrice:       dec(o.AvgPrice),
		Timestamp:       time.UnixMilli(ms),
	}
}

// FetchOpenOrders lists resting orders; empty symbol means settleCoin=USDT
// for futures and the whole spot book otherwise.
func (c *Client) FetchOpenOrders(ctx context.Context, symbol string, market exchange.MarketType) ([]exchange.OrderUpdate, error) {
	params := url.Values{}
	params.Set("category", category(market))
	if symbol != "" {
		raw, err := exchange.EncodeSymbol(exchange.Bybit, symbol)
		if err != nil {
			return nil, err
		}
		params.Set("symbol", raw)
	} else if market == exchange.MarketFutures {
		params.Set("settleCoin", "USDT")
	}
	var res struct {
		List []restOrder `json:"list"`
	}
	if err := c.getSigned(ctx, "/v5/order/realtime", params, &res); err != nil {
		return nil, err
	}
	updates := make([]exchange.OrderUpdate, 0, len(res.List))
	for _, o := range res.List {
		updates = append(updates, toUpdate(o))
	}
	return updates, nil
}

// FetchOrder retrieves one order's current state, falling back to history
// once the order leaves the realtime window.
func (c *Client) FetchOrder(ctx context.Context, symbol, exchangeOrderID string, market exchange.MarketType) (exchange.OrderUpdate, error) {
	raw, err := exchange.EncodeSymbol(exchange.Bybit, symbol)
	if err != nil {
		return exchange.OrderUpdate{}, err
	}
	params := url.Values{}
	params.Set("category", category(market))
	params.Set("symbol", raw)
	params.Set("orderId", exchangeOrderID)

	for _, path := range []string{"/v5/order/realtime", "/v5/order/history"} {
		var res struct {
			List []restOrder `json:"list"`
		}
		if err := c.getSigned(ctx, path, params, &res); err != nil {
			return exchange.OrderUpdate{}, err
		}
		if len(res.List) > 0 {
			return toUpdate(res.List[0]), nil
		}
	}
	return exchange.OrderUpdate{}, exchange.NewError(exchange.Bybit, exchange.KindNotFound,
		"order "+exchangeOrderID+" not found", nil)
}

// SetLeverage applies symmetric leverage on the linear contract.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	raw, err := exchange.EncodeSymbol(exchange.Bybit, symbol)
	if err != nil {
		return err
	}
	lev := strconv.Itoa(leverage)
	payload := orderPayload{
		"category":     "linear",
		"symbol":       raw,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}
	err = c.postSigned(ctx, "/v5/position/set-leverage", payload, nil)
	// 110043: leverage already set to the requested value.
	if err != nil && strings.Contains(err.Error(), "110043") {
		return nil
	}
	return err
}

// Instruments returns trading constraints for spot and linear symbols.
func (c *Client) Instruments(ctx context.Context) ([]exchange.Instrument, error) {
	var out []exchange.Instrument
	for _, market := range []exchange.MarketType{exchange.MarketSpot, exchange.MarketFutures} {
		params := url.Values{}
		params.Set("category", category(market))
		params.Set("limit", "1000")
		var res struct {
			List []struct {
				Symbol      string `json:"symbol"`
				Status      string `json:"status"`
				PriceFilter struct {
					TickSize string `json:"tickSize"`
				} `json:"priceFilter"`
				LotSizeFilter struct {
					QtyStep          string `json:"qtyStep"`
					BasePrecision    string `json:"basePrecision"`
					MinOrderQty      string `json:"minOrderQty"`
					MinOrderAmt      string `json:"minOrderAmt"`
					MinNotionalValue string `json:"minNotionalValue"`
				} `json:"lotSizeFilter"`
			} `json:"list"`
		}
		body, err := c.rest.Get(ctx, c.base+"/v5/market/instruments-info?"+params.Encode(), nil, nil)
		if err != nil {
			return nil, err
		}
		if err := c.checkRet(body, &res); err != nil {
			return nil, err
		}
		for _, s := range res.List {
			if s.Status != "Trading" {
				continue
			}
			canonical, err := exchange.DecodeSymbol(exchange.Bybit, s.Symbol)
			if err != nil {
				continue
			}
			step := dec(s.LotSizeFilter.QtyStep)
			if step.IsZero() {
				step = dec(s.LotSizeFilter.BasePrecision)
			}
			minNotional := dec(s.LotSizeFilter.MinNotionalValue)
			if minNotional.IsZero() {
				minNotional = dec(s.LotSizeFilter.MinOrderAmt)
			}
			out = append(out, exchange.Instrument{
				Exchange:    exchange.Bybit,
				Market:      market,
				Symbol:      canonical,
				TickSize:    dec(s.PriceFilter.TickSize),
				StepSize:    step,
				MinQty:      dec(s.LotSizeFilter.MinOrderQty),
				MinNotional: minNotional,
			})
		}
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
