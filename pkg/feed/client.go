// Package feed fetches raw signals from the external signal provider.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// ErrUpstreamUnavailable wraps feed timeouts and non-2xx responses.
var ErrUpstreamUnavailable = errors.New("signal feed unavailable")

// RawSignal is the provider's wire shape. Fields are loosely typed because
// the feed is unreliable: ids and dates may be missing or malformed.
type RawSignal struct {
	ID        string   `json:"id"`
	Direction string   `json:"direction"`
	Token     string   `json:"token"`
	Price     float64  `json:"price"`
	RiskLevel string   `json:"riskLevel"`
	RiskScore float64  `json:"riskScore"`
	Link      string   `json:"link,omitempty"`
	Positives []string `json:"positives,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
	CreatedAt string   `json:"createdAt,omitempty"`
	ExpiresAt string   `json:"expiresAt,omitempty"`
}

// Client pulls signals over HTTP with a bounded timeout and a local rate
// limit so refresh storms cannot trip the provider's quota.
type Client struct {
	url        string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a feed client. One request per 2s, burst 3.
func NewClient(url string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Every(2*time.Second), 3),
	}
}

// GetSignals fetches the current raw signal batch.
func (c *Client) GetSignals(ctx context.Context) ([]RawSignal, error) {
	if c.url == "" {
		return nil, fmt.Errorf("%w: feed url not configured", ErrUpstreamUnavailable)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, res.StatusCode)
	}

	var signals []RawSignal
	if err := json.Unmarshal(body, &signals); err != nil {
		// Some deployments wrap the array in an envelope.
		var envelope struct {
			Signals []RawSignal `json:"signals"`
		}
		if err2 := json.Unmarshal(body, &envelope); err2 != nil {
			return nil, fmt.Errorf("%w: decode: %v", ErrUpstreamUnavailable, err)
		}
		signals = envelope.Signals
	}
	return signals, nil
}
