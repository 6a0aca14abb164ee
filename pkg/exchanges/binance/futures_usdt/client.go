// Package futures_usdt is the Binance USDT-M perpetual futures Venue. It can
// open shorts; a SELL_SHORT is sent as SELL and exits go out reduceOnly.
package futures_usdt

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

// Config holds Binance USDT-M futures credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	BaseURL    string
	StreamURL  string // overrides the websocket host
	RecvWindow int64  // ms
	HTTPClient *http.Client
}

// Client handles Binance USDT-M futures.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	timeSync   *common.TimeSync
	weight     *common.WeightTracker
}

// NewClient creates a new USDT-M futures client.
func NewClient(cfg Config) *Client {
	base := "https://fapi.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	c := &Client{cfg: cfg, baseURL: base, httpClient: hc}
	c.timeSync = common.NewTimeSync(c.ServerTime)
	c.weight = common.NewWeightTracker(2400, time.Minute) // 2400 weight/min for futures
	return c
}

func (c *Client) Name() string            { return venueName }
func (c *Client) Mode() common.MarketMode { return common.ModePerpetual }

func (c *Client) Weight() *common.WeightTracker { return c.weight }

func (c *Client) StartTimeSync(ctx context.Context) { c.timeSync.Start(ctx) }

type futuresBalance struct {
	Asset            string `json:"asset"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
}

// Balance returns the USDT wallet.
func (c *Client) Balance(ctx context.Context, _ int64) (common.Balance, error) {
	var rows []futuresBalance
	if err := c.signedJSON(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{}, &rows); err != nil {
		return common.Balance{}, err
	}
	out := common.Balance{Asset: "USDT"}
	for _, b := range rows {
		if b.Asset != "USDT" {
			continue
		}
		out.Total = binance.Dec(b.Balance)
		out.Available = binance.Dec(b.AvailableBalance)
		out.Locked = out.Total.Sub(out.Available)
		if out.Locked.IsNegative() {
			out.Locked = decimal.Zero
		}
	}
	return out, nil
}

type positionRisk struct {
	Symbol       string `json:"symbol"`
	PositionSide string `json:"positionSide"`
	PositionAmt  string `json:"positionAmt"`
	EntryPrice   string `json:"entryPrice"`
	MarkPrice    string `json:"markPrice"`
}

// Holdings lists non-zero positions. Negative amounts are shorts.
func (c *Client) Holdings(ctx context.Context, _ int64) ([]common.Holding, error) {
	var rows []positionRisk
	if err := c.signedJSON(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{}, &rows); err != nil {
		return nil, err
	}
	var out []common.Holding
	for _, p := range rows {
		amt := binance.Dec(p.PositionAmt)
		if amt.IsZero() {
			continue
		}
		dir := common.Long
		if amt.IsNegative() {
			dir = common.Short
		}
		out = append(out, common.Holding{
			Symbol:     p.Symbol,
			Qty:        amt.Abs(),
			Direction:  dir,
			EntryPrice: binance.Dec(p.EntryPrice),
			MarkPrice:  binance.Dec(p.MarkPrice),
		})
	}
	return out, nil
}

type orderResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	Side          string `json:"side"`
	UpdateTime    int64  `json:"updateTime"`
}

func (r orderResponse) result() common.OrderResult {
	return common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		ClientID:        r.ClientOrderID,
		Symbol:          r.Symbol,
		Side:            common.Side(r.Side),
		Status:          binance.MapStatus(r.Status),
		FilledQty:       binance.Dec(r.ExecutedQty),
		AvgPrice:        binance.Dec(r.AvgPrice),
		UpdatedAt:       time.UnixMilli(r.UpdateTime),
	}
}

// SubmitOrder places a MARKET order.
func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", binance.OrderSide(req.Side))
	params.Set("type", "MARKET")
	params.Set("quantity", req.Qty.String())
	params.Set("newOrderRespType", "RESULT")
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	var resp orderResponse
	if err := c.signedJSON(ctx, http.MethodPost, "/fapi/v1/order", params, &resp); err != nil {
		return common.OrderResult{}, err
	}
	out := resp.result()
	out.Side = req.Side
	return out, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string, _ int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)
	_, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", params)
	return err
}

// LookupOrder queries by client order id. -2013 is a confirmed absence.
func (c *Client) LookupOrder(ctx context.Context, symbol, clientID string, _ int64) (common.OrderResult, bool, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientID)
	var resp orderResponse
	err := c.signedJSON(ctx, http.MethodGet, "/fapi/v1/order", params, &resp)
	if common.KindOf(err) == common.KindNotFound {
		return common.OrderResult{}, false, nil
	}
	if err != nil {
		return common.OrderResult{}, false, err
	}
	return resp.result(), true, nil
}

// SymbolRules lists perpetual contracts only.
func (c *Client) SymbolRules(ctx context.Context) ([]common.SymbolRule, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}
	var info struct {
		Symbols []struct {
			binance.ExchangeSymbol
			ContractType string `json:"contractType"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, common.Transport(venueName, fmt.Errorf("decode exchangeInfo: %w", err))
	}
	out := make([]common.SymbolRule, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.ContractType != "" && s.ContractType != "PERPETUAL" {
			continue
		}
		out = append(out, s.Rule())
	}
	return out, nil
}

func (c *Client) Price(ctx context.Context, symbol string) (float64, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/ticker/price", url.Values{"symbol": {symbol}})
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
	_, err := c.doPublic(ctx, "/fapi/v1/ping", nil)
	return err
}

// ServerTime fetches server time (ms).
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/time", nil)
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

// CreateListenKey creates a listen key for the user data stream.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.doKeyed(ctx, http.MethodPost, nil)
	if err != nil {
		return "", err
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey extends listen key life.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	_, err := c.doKeyed(ctx, http.MethodPut, url.Values{"listenKey": {listenKey}})
	return err
}

// CloseListenKey closes the user data stream.
func (c *Client) CloseListenKey(ctx context.Context, listenKey string) error {
	_, err := c.doKeyed(ctx, http.MethodDelete, url.Values{"listenKey": {listenKey}})
	return err
}

// StreamURL is the websocket endpoint for a listen key.
func (c *Client) StreamURL(listenKey string) string {
	base := "wss://fstream.binance.com/ws"
	if c.cfg.Testnet {
		base = "wss://stream.binancefuture.com/ws"
	}
	if c.cfg.StreamURL != "" {
		base = strings.TrimRight(c.cfg.StreamURL, "/")
	}
	return base + "/" + listenKey
}

func (c *Client) signedJSON(ctx context.Context, method, path string, params url.Values, out any) error {
	body, err := c.doSigned(ctx, method, path, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return common.Transport(venueName, fmt.Errorf("decode %s: %w", path, err))
	}
	return nil
}

func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, common.NewError(venueName, common.KindAuth, 0, "API key/secret required")
	}
	params.Set("timestamp", strconv.FormatInt(c.timeSync.Now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	encoded := params.Encode()
	encoded += "&signature=" + binance.Sign(encoded, c.cfg.APISecret)

	var (
		req *http.Request
		err error
	)
	if method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+encoded, nil)
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

func (c *Client) doKeyed(ctx context.Context, method string, q url.Values) ([]byte, error) {
	u := c.baseURL + "/fapi/v1/listenKey"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.do(req)
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
