package spot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// CreateListenKey creates a new user data stream listen key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.doKeyed(ctx, http.MethodPost, nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode listen key: %w", err)
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends the validity of a listen key.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	_, err := c.doKeyed(ctx, http.MethodPut, url.Values{"listenKey": {listenKey}})
	return err
}

// CloseListenKey closes a user data stream.
func (c *Client) CloseListenKey(ctx context.Context, listenKey string) error {
	_, err := c.doKeyed(ctx, http.MethodDelete, url.Values{"listenKey": {listenKey}})
	return err
}

// StreamURL is the websocket endpoint for a listen key.
func (c *Client) StreamURL(listenKey string) string {
	base := "wss://stream.binance.com:9443/ws"
	if c.cfg.Testnet {
		base = "wss://testnet.binance.vision/ws"
	}
	if c.cfg.StreamURL != "" {
		base = strings.TrimRight(c.cfg.StreamURL, "/")
	}
	return base + "/" + listenKey
}

// doKeyed calls the listen-key endpoint, which takes the API key but no
// signature.
func (c *Client) doKeyed(ctx context.Context, method string, q url.Values) ([]byte, error) {
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("binance: API key required")
	}
	u := c.baseURL + "/api/v3/userDataStream"
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
