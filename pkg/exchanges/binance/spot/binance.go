// Package spot is the Binance spot Venue. Requests are signed with a
// server-synced timestamp inside recvWindow; the connection nonce is accepted
// but not transmitted.
package spot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/binance"
	"execution-core/pkg/exchanges/common"
)

const venueName = "binance"

// Config holds Binance credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	BaseURL    string // overrides the production/testnet host
	StreamURL  string // overrides the websocket host
	RecvWindow int64  // ms
	Quote      string // balance asset, default USDT
	HTTPClient *http.Client
}

// Client is a Binance spot trading client.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	timeSync   *common.TimeSync
	weight     *common.WeightTracker
}

func New(cfg Config) *Client {
	base := "https://api.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binance.vision"
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.Quote == "" {
		cfg.Quote = "USDT"
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	c := &Client{cfg: cfg, baseURL: base, httpClient: hc}
	c.timeSync = common.NewTimeSync(c.ServerTime)
	// 1200 weight/min for spot
	c.weight = common.NewWeightTracker(1200, time.Minute)
	return c
}

func (c *Client) Name() string            { return venueName }
func (c *Client) Mode() common.MarketMode { return common.ModeSpot }

// Weight exposes the request-weight tracker.
func (c *Client) Weight() *common.WeightTracker { return c.weight }

// StartTimeSync keeps the server clock offset fresh until ctx ends.
func (c *Client) StartTimeSync(ctx context.Context) { c.timeSync.Start(ctx) }

func (c *Client) credentials() error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.NewError(venueName, common.KindAuth, 0, "API key/secret required")
	}
	return nil
}

type accountInfo struct {
	CanTrade bool `json:"canTrade"`
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

func (c *Client) account(ctx context.Context) (*accountInfo, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return nil, err
	}
	var info accountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, common.Transport(venueName, fmt.Errorf("decode account: %w", err))
	}
	return &info, nil
}

// Balance returns the quote asset balance.
func (c *Client) Balance(ctx context.Context, _ int64) (common.Balance, error) {
	info, err := c.account(ctx)
	if err != nil {
		return common.Balance{}, err
	}
	out := common.Balance{Asset: c.cfg.Quote}
	for _, b := range info.Balances {
		if strings.EqualFold(b.Asset, c.cfg.Quote) {
			free, locked := binance.Dec(b.Free), binance.Dec(b.Locked)
			out.Available = free
			out.Locked = locked
			out.Total = free.Add(locked)
		}
	}
	return out, nil
}

// Holdings lists every non-zero asset other than the quote asset.
func (c *Client) Holdings(ctx context.Context, _ int64) ([]common.Holding, error) {
	info, err := c.account(ctx)
	if err != nil {
		return nil, err
	}
	var out []common.Holding
	for _, b := range info.Balances {
		if strings.EqualFold(b.Asset, c.cfg.Quote) {
			continue
		}
		qty := binance.Dec(b.Free).Add(binance.Dec(b.Locked))
		if !qty.IsPositive() {
			continue
		}
		out = append(out, common.Holding{Asset: b.Asset, Qty: qty, Direction: common.Long})
	}
	return out, nil
}

type orderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	OrigClientOrderID   string `json:"origClientOrderId"`
	Side                string `json:"side"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	TransactTime        int64  `json:"transactTime"`
	UpdateTime          int64  `json:"updateTime"`
	Fills               []struct {
		Price      string `json:"price"`
		Qty        string `json:"qty"`
		Commission string `json:"commission"`
	} `json:"fills"`
}

func (r orderResponse) result() common.OrderResult {
	filled := binance.Dec(r.ExecutedQty)
	avg := decimal.Zero
	if filled.IsPositive() {
		avg = binance.Dec(r.CummulativeQuoteQty).Div(filled)
	}
	fee := decimal.Zero
	for _, f := range r.Fills {
		fee = fee.Add(binance.Dec(f.Commission))
	}
	ts := r.TransactTime
	if ts == 0 {
		ts = r.UpdateTime
	}
	cid := r.ClientOrderID
	if cid == "" {
		cid = r.OrigClientOrderID
	}
	return common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		ClientID:        cid,
		Symbol:          r.Symbol,
		Side:            common.Side(r.Side),
		Status:          binance.MapStatus(r.Status),
		FilledQty:       filled,
		AvgPrice:        avg,
		Fee:             fee,
		UpdatedAt:       time.UnixMilli(ts),
	}
}

// SubmitOrder places a MARKET order.
func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if req.Side == common.SideSellShort {
		return common.OrderResult{}, common.NewError(venueName, common.KindRejected, 0, "spot cannot open shorts")
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", binance.OrderSide(req.Side))
	params.Set("type", "MARKET")
	params.Set("quantity", req.Qty.String())
	params.Set("newOrderRespType", "FULL")
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	body, err := c.doSigned(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, common.Transport(venueName, fmt.Errorf("decode order response: %w", err))
	}
	out := resp.result()
	out.Side = req.Side
	return out, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string, _ int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)
	_, err := c.doSigned(ctx, http.MethodDelete, "/api/v3/order", params)
	return err
}

// LookupOrder queries by client order id. -2013 is a confirmed absence.
func (c *Client) LookupOrder(ctx context.Context, symbol, clientID string, _ int64) (common.OrderResult, bool, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientID)
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		if common.KindOf(err) == common.KindNotFound {
			return common.OrderResult{}, false, nil
		}
		return common.OrderResult{}, false, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, false, common.Transport(venueName, fmt.Errorf("decode order: %w", err))
	}
	return resp.result(), true, nil
}

// SymbolRules reads exchangeInfo.
func (c *Client) SymbolRules(ctx context.Context) ([]common.SymbolRule, error) {
	body, err := c.doPublic(ctx, "/api/v3/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}
	var info struct {
		Symbols []binance.ExchangeSymbol `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, common.Transport(venueName, fmt.Errorf("decode exchangeInfo: %w", err))
	}
	out := make([]common.SymbolRule, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		out = append(out, s.Rule())
	}
	return out, nil
}

// Price returns the last traded price of a native symbol.
func (c *Client) Price(ctx context.Context, symbol string) (float64, error) {
	body, err := c.doPublic(ctx, "/api/v3/ticker/price", url.Values{"symbol": {symbol}})
	if err != nil {
		return 0, err
	}
	var t struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &t); err != nil {
		return 0, common.Transport(venueName, fmt.Errorf("decode ticker: %w", err))
	}
	px, _ := binance.Dec(t.Price).Float64()
	return px, nil
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.doPublic(ctx, "/api/v3/ping", nil)
	return err
}

// ServerTime fetches server time (ms).
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "/api/v3/time", nil)
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

// doSigned signs the query with a synced timestamp and performs the request.
// A timestamp rejection resyncs the clock before returning.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if err := c.credentials(); err != nil {
		return nil, err
	}
	params.Set("timestamp", strconv.FormatInt(c.timeSync.Now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	encoded := params.Encode()
	encoded += "&signature=" + binance.Sign(encoded, c.cfg.APISecret)

	var (
		req *http.Request
		err error
	)
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	body, err := c.do(req)
	if common.KindOf(err) == common.KindInvalidNonce {
		_ = c.timeSync.Sync(ctx)
	}
	return body, err
}

func (c *Client) doPublic(ctx context.Context, path string, q url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, common.Transport(venueName, err)
	}
	defer res.Body.Close()
	c.weight.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, common.Transport(venueName, err)
	}
	if res.StatusCode >= 300 {
		return nil, binance.Classify(venueName, res.StatusCode, body)
	}
	return body, nil
}
