// Package kraken is the Kraken spot Venue. Kraken authenticates every
// private call with a strictly increasing nonce in the signed POST body, so
// this adapter transmits the nonce the connection sequenced.
package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
)

const venueName = "kraken"

// Config holds Kraken credentials. APISecret is the base64 private key as
// issued by Kraken.
type Config struct {
	APIKey     string
	APISecret  string
	BaseURL    string
	Quote      string // native-free asset code, e.g. USD
	HTTPClient *http.Client
}

// Client implements common.Venue for Kraken spot.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
}

func New(cfg Config) *Client {
	base := "https://api.kraken.com"
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Quote == "" {
		cfg.Quote = "USD"
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{cfg: cfg, baseURL: base, httpClient: hc}
}

func (c *Client) Name() string            { return venueName }
func (c *Client) Mode() common.MarketMode { return common.ModeSpot }

// Sign computes API-Sign: base64(HMAC-SHA512(path + SHA256(nonce + body))).
func Sign(path, nonce, body, secret string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("decode kraken secret: %w", err)
	}
	sum := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(path))
	mac.Write(sum[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Asset strips Kraken's legacy X/Z prefixes: XXBT is XBT, ZUSD is USD.
func Asset(code string) string {
	code = strings.ToUpper(code)
	if i := strings.IndexByte(code, '.'); i > 0 {
		code = code[:i]
	}
	if len(code) == 4 && (code[0] == 'X' || code[0] == 'Z') {
		return code[1:]
	}
	return code
}

type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// Classify maps Kraken error strings onto venue error kinds.
func Classify(status int, msgs []string) *common.VenueError {
	msg := strings.Join(msgs, "; ")
	kind := common.KindFromHTTP(status)
	if status < 300 {
		kind = common.KindRejected
	}
	for _, m := range msgs {
		switch {
		case strings.HasPrefix(m, "EAPI:Invalid nonce"):
			kind = common.KindInvalidNonce
		case strings.Contains(m, "Rate limit exceeded"), strings.HasPrefix(m, "EGeneral:Too many requests"):
			kind = common.KindRateLimited
		case strings.HasPrefix(m, "EGeneral:Permission denied"):
			kind = common.KindForbidden
		case strings.HasPrefix(m, "EAPI:Invalid key"), strings.HasPrefix(m, "EAPI:Invalid signature"), strings.HasPrefix(m, "EAPI:Bad request"):
			kind = common.KindAuth
		case strings.HasPrefix(m, "EOrder:Insufficient funds"), strings.HasPrefix(m, "EOrder:Insufficient margin"):
			kind = common.KindInsufficientFunds
		case strings.HasPrefix(m, "EQuery:Unknown asset pair"), strings.HasPrefix(m, "EGeneral:Invalid arguments:pair"):
			kind = common.KindInvalidSymbol
		case strings.HasPrefix(m, "EOrder:Order minimum not met"), strings.HasPrefix(m, "EGeneral:Invalid arguments:volume"):
			kind = common.KindPrecision
		case strings.HasPrefix(m, "EOrder:Unknown order"):
			kind = common.KindNotFound
		case strings.HasPrefix(m, "EService:"):
			kind = common.KindTransport
		default:
			continue
		}
		break
	}
	return common.NewError(venueName, kind, status, msg)
}

type balanceEx struct {
	Balance   string `json:"balance"`
	HoldTrade string `json:"hold_trade"`
}

func (c *Client) balances(ctx context.Context, nonce int64) (map[string]balanceEx, error) {
	var raw map[string]balanceEx
	if err := c.private(ctx, "/0/private/BalanceEx", url.Values{}, nonce, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]balanceEx, len(raw))
	for code, b := range raw {
		a := Asset(code)
		if prev, ok := out[a]; ok {
			// Staked or flexible variants of the same asset fold together.
			b.Balance = dec(prev.Balance).Add(dec(b.Balance)).String()
			b.HoldTrade = dec(prev.HoldTrade).Add(dec(b.HoldTrade)).String()
		}
		out[a] = b
	}
	return out, nil
}

// Balance returns the quote asset.
func (c *Client) Balance(ctx context.Context, nonce int64) (common.Balance, error) {
	all, err := c.balances(ctx, nonce)
	if err != nil {
		return common.Balance{}, err
	}
	b := all[strings.ToUpper(c.cfg.Quote)]
	total, hold := dec(b.Balance), dec(b.HoldTrade)
	return common.Balance{Asset: strings.ToUpper(c.cfg.Quote), Total: total, Available: total.Sub(hold), Locked: hold}, nil
}

// Holdings lists non-zero assets other than the quote.
func (c *Client) Holdings(ctx context.Context, nonce int64) ([]common.Holding, error) {
	all, err := c.balances(ctx, nonce)
	if err != nil {
		return nil, err
	}
	assets := make([]string, 0, len(all))
	for a := range all {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	var out []common.Holding
	for _, a := range assets {
		if a == strings.ToUpper(c.cfg.Quote) {
			continue
		}
		qty := dec(all[a].Balance)
		if !qty.IsPositive() {
			continue
		}
		out = append(out, common.Holding{Asset: a, Qty: qty, Direction: common.Long})
	}
	return out, nil
}

type addOrderResult struct {
	Txid []string `json:"txid"`
}

// SubmitOrder places a market order. Kraken acknowledges without fill
// details; callers confirm through LookupOrder.
func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if req.Side == common.SideSellShort {
		return common.OrderResult{}, common.NewError(venueName, common.KindRejected, 0, "spot venue cannot open shorts")
	}
	form := url.Values{}
	form.Set("ordertype", "market")
	form.Set("type", strings.ToLower(string(req.Side)))
	form.Set("volume", req.Qty.String())
	form.Set("pair", req.Symbol)
	if req.ClientID != "" {
		form.Set("cl_ord_id", req.ClientID)
	}
	var res addOrderResult
	if err := c.private(ctx, "/0/private/AddOrder", form, req.Nonce, &res); err != nil {
		return common.OrderResult{}, err
	}
	out := common.OrderResult{ClientID: req.ClientID, Symbol: req.Symbol, Side: req.Side, Status: common.StatusNew, UpdatedAt: time.Now()}
	if len(res.Txid) > 0 {
		out.ExchangeOrderID = res.Txid[0]
	}
	return out, nil
}

func (c *Client) CancelOrder(ctx context.Context, _ string, exchangeOrderID string, nonce int64) error {
	form := url.Values{}
	form.Set("txid", exchangeOrderID)
	return c.private(ctx, "/0/private/CancelOrder", form, nonce, nil)
}

type orderInfo struct {
	Status  string  `json:"status"`
	ClOrdID string  `json:"cl_ord_id"`
	VolExec string  `json:"vol_exec"`
	Price   string  `json:"price"`
	Fee     string  `json:"fee"`
	CloseTm float64 `json:"closetm"`
	OpenTm  float64 `json:"opentm"`
	Descr   struct {
		Pair string `json:"pair"`
		Type string `json:"type"`
	} `json:"descr"`
}

// LookupOrder searches closed orders by client id. Market orders close
// within the matching cycle, so an empty answer is treated as absence.
func (c *Client) LookupOrder(ctx context.Context, symbol, clientID string, nonce int64) (common.OrderResult, bool, error) {
	form := url.Values{}
	form.Set("cl_ord_id", clientID)
	var res struct {
		Closed map[string]orderInfo `json:"closed"`
	}
	if err := c.private(ctx, "/0/private/ClosedOrders", form, nonce, &res); err != nil {
		return common.OrderResult{}, false, err
	}
	for txid, o := range res.Closed {
		if o.ClOrdID != "" && o.ClOrdID != clientID {
			continue
		}
		ts := o.CloseTm
		if ts == 0 {
			ts = o.OpenTm
		}
		return common.OrderResult{
			ExchangeOrderID: txid,
			ClientID:        clientID,
			Symbol:          symbol,
			Side:            common.Side(strings.ToUpper(o.Descr.Type)),
			Status:          mapStatus(o.Status, dec(o.VolExec)),
			FilledQty:       dec(o.VolExec),
			AvgPrice:        dec(o.Price),
			Fee:             dec(o.Fee),
			UpdatedAt:       time.Unix(int64(ts), 0),
		}, true, nil
	}
	return common.OrderResult{}, false, nil
}

func mapStatus(s string, filled decimal.Decimal) common.OrderStatus {
	switch s {
	case "pending", "open":
		if filled.IsPositive() {
			return common.StatusPartial
		}
		return common.StatusNew
	case "closed":
		return common.StatusFilled
	case "canceled":
		if filled.IsPositive() {
			return common.StatusPartial
		}
		return common.StatusCanceled
	case "expired":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

type assetPair struct {
	Altname     string `json:"altname"`
	Base        string `json:"base"`
	Quote       string `json:"quote"`
	LotDecimals int32  `json:"lot_decimals"`
	OrderMin    string `json:"ordermin"`
	CostMin     string `json:"costmin"`
	Status      string `json:"status"`
}

// SymbolRules lists asset pairs by altname.
func (c *Client) SymbolRules(ctx context.Context) ([]common.SymbolRule, error) {
	var pairs map[string]assetPair
	if err := c.public(ctx, "/0/public/AssetPairs", nil, &pairs); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(pairs))
	for k := range pairs {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]common.SymbolRule, 0, len(pairs))
	for _, k := range names {
		p := pairs[k]
		if strings.HasSuffix(k, ".d") {
			continue
		}
		out = append(out, common.SymbolRule{
			Symbol:      p.Altname,
			Base:        Asset(p.Base),
			Quote:       Asset(p.Quote),
			StepSize:    decimal.New(1, -p.LotDecimals),
			MinNotional: dec(p.CostMin),
			Trading:     p.Status == "" || p.Status == "online",
		})
	}
	return out, nil
}

func (c *Client) Price(ctx context.Context, symbol string) (float64, error) {
	var res map[string]struct {
		C []string `json:"c"`
	}
	if err := c.public(ctx, "/0/public/Ticker", url.Values{"pair": {symbol}}, &res); err != nil {
		return 0, err
	}
	for _, t := range res {
		if len(t.C) > 0 {
			f, _ := dec(t.C[0]).Float64()
			return f, nil
		}
	}
	return 0, common.NewError(venueName, common.KindInvalidSymbol, 0, "no ticker for "+symbol)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.public(ctx, "/0/public/Time", nil, nil)
}

func (c *Client) private(ctx context.Context, path string, form url.Values, nonce int64, out any) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.NewError(venueName, common.KindAuth, 0, "API key/secret required")
	}
	n := strconv.FormatInt(nonce, 10)
	form.Set("nonce", n)
	body := form.Encode()
	sig, err := Sign(path, n, body, c.cfg.APISecret)
	if err != nil {
		return common.NewError(venueName, common.KindAuth, 0, err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("API-Key", c.cfg.APIKey)
	req.Header.Set("API-Sign", sig)
	return c.do(req, out)
}

func (c *Client) public(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return common.Transport(venueName, err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return common.Transport(venueName, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if res.StatusCode >= 300 {
			return common.NewError(venueName, common.KindFromHTTP(res.StatusCode), res.StatusCode, strings.TrimSpace(string(raw)))
		}
		return common.Transport(venueName, fmt.Errorf("decode response: %w", err))
	}
	if len(env.Error) > 0 || res.StatusCode >= 300 {
		return Classify(res.StatusCode, env.Error)
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return common.Transport(venueName, fmt.Errorf("decode result: %w", err))
	}
	return nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
