// Package gateway resolves per-user exchange gateways from stored,
// encrypted credentials.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"signal-core/pkg/crypto"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/binance"
	"signal-core/pkg/exchanges/btcc"
	"signal-core/pkg/exchanges/common"
)

var (
	ErrNoConnection        = errors.New("no active exchange connection")
	ErrUnsupportedExchange = errors.New("unsupported exchange type")
)

// Pool caches one gateway per connection. Deactivating a connection
// invalidates the cached entry on the next resolve.
type Pool struct {
	db      *db.Database
	keys    *crypto.KeyManager
	timeout time.Duration
	testnet bool

	mu      sync.RWMutex
	clients map[string]common.Gateway // connection id -> gateway
}

// NewPool creates a gateway pool.
func NewPool(database *db.Database, keys *crypto.KeyManager, timeout time.Duration, testnet bool) *Pool {
	return &Pool{
		db:      database,
		keys:    keys,
		timeout: timeout,
		testnet: testnet,
		clients: make(map[string]common.Gateway),
	}
}

// ForUser resolves the gateway for the user's active connection, decrypting
// credentials on first use and caching the client per connection id.
func (p *Pool) ForUser(ctx context.Context, userID string) (common.Gateway, error) {
	conn, err := p.db.GetActiveConnection(ctx, userID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, ErrNoConnection
	}

	p.mu.RLock()
	gw, ok := p.clients[conn.ID]
	p.mu.RUnlock()
	if ok {
		return gw, nil
	}

	apiKey, err := p.keys.Decrypt(conn.APIKeyEncrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt api key: %w", err)
	}
	apiSecret, err := p.keys.Decrypt(conn.APISecretEncrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt api secret: %w", err)
	}

	gw, err = p.build(conn.ExchangeType, apiKey, apiSecret)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.clients[conn.ID] = gw
	p.mu.Unlock()
	return gw, nil
}

// Invalidate drops the cached client for a connection, forcing a rebuild.
func (p *Pool) Invalidate(connectionID string) {
	p.mu.Lock()
	delete(p.clients, connectionID)
	p.mu.Unlock()
}

// Verify builds a throwaway gateway from plaintext credentials and checks
// they can read the account. Used before storing a new connection.
func (p *Pool) Verify(ctx context.Context, exchangeType, apiKey, apiSecret string) error {
	gw, err := p.build(exchangeType, apiKey, apiSecret)
	if err != nil {
		return err
	}
	snap, err := gw.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("credential check failed: %w", err)
	}
	if !snap.CanTrade {
		return errors.New("credentials valid but trading is disabled on this account")
	}
	return nil
}

func (p *Pool) build(exchangeType, apiKey, apiSecret string) (common.Gateway, error) {
	switch exchangeType {
	case "binance":
		return binance.New(binance.Config{
			APIKey:    apiKey,
			APISecret: apiSecret,
			Testnet:   p.testnet,
			Timeout:   p.timeout,
		}), nil
	case "btcc":
		return btcc.New(btcc.Config{
			APIKey:    apiKey,
			APISecret: apiSecret,
			Timeout:   p.timeout,
		}), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedExchange, exchangeType)
}
