// Package btcc implements the exchange gateway against the BTCC spot API.
package btcc

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"signal-core/pkg/exchanges/common"
)

// Config holds BTCC credentials.
type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string // override for tests
	Timeout   time.Duration
}

// Client is a BTCC spot client implementing common.Gateway.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
}

func New(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.btcc.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// GetAccount returns asset balances for the connected account.
func (c *Client) GetAccount(ctx context.Context) (common.AccountSnapshot, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/v1/account/balances", url.Values{})
	if err != nil {
		return common.AccountSnapshot{}, err
	}

	var resp struct {
		Balances []struct {
			Currency  string  `json:"currency"`
			Available float64 `json:"available"`
			Frozen    float64 `json:"frozen"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.AccountSnapshot{}, fmt.Errorf("decode balances: %w", err)
	}

	snap := common.AccountSnapshot{CanTrade: true}
	for _, b := range resp.Balances {
		if b.Available == 0 && b.Frozen == 0 {
			continue
		}
		snap.Balances = append(snap.Balances, common.AssetBalance{
			Asset:  strings.ToUpper(b.Currency),
			Free:   b.Available,
			Locked: b.Frozen,
		})
	}
	return snap, nil
}

// GetPrice returns the last traded price for a pair.
func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	endpoint := c.baseURL + "/v1/market/ticker?symbol=" + url.QueryEscape(symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return 0, fmt.Errorf("btcc ticker %s status %d: %s", symbol, res.StatusCode, string(body))
	}

	var tick struct {
		Last float64 `json:"last"`
	}
	if err := json.Unmarshal(body, &tick); err != nil {
		return 0, fmt.Errorf("decode ticker: %w", err)
	}
	return tick.Last, nil
}

// ExecuteTrade submits a market order.
func (c *Client) ExecuteTrade(ctx context.Context, symbol string, side common.Side, quantity float64) (common.TradeResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", strings.ToUpper(string(side)))
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(quantity, 'f', -1, 64))

	body, err := c.doSigned(ctx, http.MethodPost, "/v1/order", params)
	if err != nil {
		return common.TradeResult{}, err
	}

	var resp struct {
		OrderID  string  `json:"order_id"`
		Status   string  `json:"status"`
		AvgPrice float64 `json:"avg_price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.TradeResult{}, fmt.Errorf("decode order response: %w", err)
	}

	status := common.StatusUnknown
	switch strings.ToUpper(resp.Status) {
	case "FILLED", "DONE":
		status = common.StatusFilled
	case "REJECTED", "CANCELED":
		status = common.StatusRejected
	}

	return common.TradeResult{
		OrderID: resp.OrderID,
		Price:   resp.AvgPrice,
		Status:  status,
	}, nil
}

// ValidateSymbol checks the pair exists on this venue.
func (c *Client) ValidateSymbol(ctx context.Context, symbol string) error {
	_, err := c.GetPrice(ctx, symbol)
	return err
}

// doSigned performs an authenticated request. BTCC signs the sorted query
// string plus timestamp with HMAC-SHA256.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, errors.New("btcc: API key/secret required")
	}

	params.Set("api_key", c.cfg.APIKey)
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var payload strings.Builder
	for i, k := range keys {
		if i > 0 {
			payload.WriteByte('&')
		}
		payload.WriteString(k)
		payload.WriteByte('=')
		payload.WriteString(params.Get(k))
	}

	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(payload.String()))
	params.Set("sign", hex.EncodeToString(mac.Sum(nil)))

	encoded := params.Encode()
	var (
		req *http.Request
		err error
	)
	if method == http.MethodGet {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+encoded, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("btcc %s %s status %d: %s", method, path, res.StatusCode, string(body))
	}
	return body, nil
}
