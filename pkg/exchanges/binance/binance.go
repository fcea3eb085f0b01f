// Package binance implements the exchange gateway against the Binance spot API.
package binance

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
	"strconv"
	"strings"
	"time"

	"signal-core/pkg/exchanges/common"
)

// Config holds Binance credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
	Timeout    time.Duration
}

// Client is a Binance spot client implementing common.Gateway.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	rateLimiter *common.RateLimiter
}

func New(cfg Config) *Client {
	base := "https://api.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binance.vision"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		// 1200 weight/min for spot
		rateLimiter: common.NewRateLimiter(1200, time.Minute),
	}
}

// GetAccount returns asset balances for the connected account.
func (c *Client) GetAccount(ctx context.Context) (common.AccountSnapshot, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.AccountSnapshot{}, errors.New("binance: API key/secret required")
	}
	params := url.Values{}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))

	body, err := c.doSigned(ctx, http.MethodGet, c.baseURL+"/api/v3/account", params)
	if err != nil {
		return common.AccountSnapshot{}, err
	}

	var info struct {
		CanTrade bool `json:"canTrade"`
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return common.AccountSnapshot{}, fmt.Errorf("decode account info: %w", err)
	}

	snap := common.AccountSnapshot{CanTrade: info.CanTrade}
	for _, b := range info.Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		if free == 0 && locked == 0 {
			continue
		}
		snap.Balances = append(snap.Balances, common.AssetBalance{
			Asset:  b.Asset,
			Free:   free,
			Locked: locked,
		})
	}
	return snap, nil
}

// GetPrice returns the last traded price for a pair.
func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	endpoint := c.baseURL + "/api/v3/ticker/price?symbol=" + url.QueryEscape(symbol)
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
		return 0, fmt.Errorf("binance ticker %s status %d: %s", symbol, res.StatusCode, string(body))
	}

	var tick struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &tick); err != nil {
		return 0, fmt.Errorf("decode ticker: %w", err)
	}
	return strconv.ParseFloat(tick.Price, 64)
}

// ExecuteTrade submits a market order and returns the average fill price.
func (c *Client) ExecuteTrade(ctx context.Context, symbol string, side common.Side, quantity float64) (common.TradeResult, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.TradeResult{}, errors.New("binance: API key/secret required")
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", strings.ToUpper(string(side)))
	params.Set("type", "MARKET")
	params.Set("quantity", formatFloat(quantity))
	params.Set("newOrderRespType", "FULL")
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))

	body, err := c.doSigned(ctx, http.MethodPost, c.baseURL+"/api/v3/order", params)
	if err != nil {
		return common.TradeResult{}, err
	}

	var resp struct {
		OrderID     int64  `json:"orderId"`
		Status      string `json:"status"`
		ExecutedQty string `json:"executedQty"`
		CumQuoteQty string `json:"cummulativeQuoteQty"`
		Fills       []struct {
			Price string `json:"price"`
			Qty   string `json:"qty"`
		} `json:"fills"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.TradeResult{}, fmt.Errorf("decode order response: %w", err)
	}

	return common.TradeResult{
		OrderID: strconv.FormatInt(resp.OrderID, 10),
		Price:   avgFillPrice(resp.Fills, resp.ExecutedQty, resp.CumQuoteQty),
		Status:  mapStatus(resp.Status),
	}, nil
}

// ValidateSymbol checks the pair exists and is trading on this venue.
func (c *Client) ValidateSymbol(ctx context.Context, symbol string) error {
	endpoint := c.baseURL + "/api/v3/exchangeInfo?symbol=" + url.QueryEscape(symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return fmt.Errorf("binance symbol %s status %d: %s", symbol, res.StatusCode, string(body))
	}

	var info struct {
		Symbols []struct {
			Status string `json:"status"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return fmt.Errorf("decode exchange info: %w", err)
	}
	if len(info.Symbols) == 0 || info.Symbols[0].Status != "TRADING" {
		return fmt.Errorf("binance: symbol %s not tradable", symbol)
	}
	return nil
}

// doSigned signs the query and performs the HTTP request.
func (c *Client) doSigned(ctx context.Context, method, endpoint string, params url.Values) ([]byte, error) {
	sig := sign(params.Encode(), c.cfg.APISecret)
	params.Set("signature", sig)

	var (
		req *http.Request
		err error
	)
	encoded := params.Encode()
	switch method {
	case http.MethodGet, http.MethodDelete:
		// For GET/DELETE Binance expects signed params in query string.
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if c.rateLimiter != nil {
		c.rateLimiter.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))
	}

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("binance %s %s status %d: %s", method, endpoint, res.StatusCode, string(body))
	}
	return body, nil
}

func sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func mapStatus(s string) common.OrderStatus {
	switch s {
	case "FILLED", "PARTIALLY_FILLED":
		return common.StatusFilled
	case "REJECTED", "EXPIRED", "CANCELED":
		return common.StatusRejected
	default:
		return common.StatusUnknown
	}
}

func avgFillPrice(fills []struct {
	Price string `json:"price"`
	Qty   string `json:"qty"`
}, executedQty, cumQuoteQty string) float64 {
	var totalQty, totalQuote float64
	for _, f := range fills {
		p, _ := strconv.ParseFloat(f.Price, 64)
		q, _ := strconv.ParseFloat(f.Qty, 64)
		totalQty += q
		totalQuote += p * q
	}
	if totalQty > 0 {
		return totalQuote / totalQty
	}
	// Fallback for venues that omit fills on the ack.
	qty, _ := strconv.ParseFloat(executedQty, 64)
	quote, _ := strconv.ParseFloat(cumQuoteQty, 64)
	if qty > 0 {
		return quote / qty
	}
	return 0
}
