// Package portfolio reconciles cached holdings against live exchange state.
package portfolio

import (
	"context"
	"fmt"
	"log"
	"time"

	"signal-core/internal/events"
	"signal-core/pkg/cache"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/common"
)

// GatewayResolver yields the exchange gateway for a user's active connection.
type GatewayResolver interface {
	ForUser(ctx context.Context, userID string) (common.Gateway, error)
}

// Service refreshes portfolio snapshots. Every refresh fully replaces the
// stored snapshot; a failed refresh leaves the previous one in place and is
// logged, never surfaced as a user-facing error on its own.
type Service struct {
	db       *db.Database
	gateways GatewayResolver
	prices   *cache.PriceCache
	bus      *events.Bus
	interval time.Duration
	now      cache.Clock
}

// NewService creates the reconciliation service.
func NewService(database *db.Database, gateways GatewayResolver, prices *cache.PriceCache, bus *events.Bus, interval time.Duration) *Service {
	return &Service{
		db:       database,
		gateways: gateways,
		prices:   prices,
		bus:      bus,
		interval: interval,
		now:      time.Now,
	}
}

// Start begins the periodic polling loop over all connected users.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.pollAll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Printf("portfolio: reconciliation started (interval %v)", s.interval)
}

func (s *Service) pollAll(ctx context.Context) {
	users, err := s.db.ListConnectedUsers(ctx)
	if err != nil {
		log.Printf("portfolio: list users: %v", err)
		return
	}
	for _, u := range users {
		if _, err := s.Refresh(ctx, u.ID); err != nil {
			log.Printf("portfolio: refresh user %s: %v", u.ID, err)
		}
	}
	s.prices.Cleanup()
}

// Refresh rebuilds the user's snapshot from live exchange state.
func (s *Service) Refresh(ctx context.Context, userID string) (*db.Portfolio, error) {
	gw, err := s.gateways.ForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve gateway: %w", err)
	}

	account, err := gw.GetAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch account: %w", err)
	}

	// Previous snapshot supplies average prices so unrealized PnL survives
	// the full replacement.
	prevAvg := make(map[string]float64)
	if prev, err := s.db.GetPortfolio(ctx, userID); err == nil && prev != nil {
		for _, h := range prev.Holdings {
			prevAvg[h.Token] = h.AveragePrice
		}
	}

	snapshot := db.Portfolio{
		UserID:      userID,
		RefreshedAt: s.now(),
	}
	for _, bal := range account.Balances {
		amount := bal.Free + bal.Locked
		if amount <= 0 {
			continue
		}
		if common.Stablecoins[bal.Asset] {
			snapshot.FreeCapital += amount
			continue
		}

		price, err := s.price(ctx, gw, common.Pair(bal.Asset))
		if err != nil {
			log.Printf("portfolio: price %s for user %s: %v", bal.Asset, userID, err)
			continue
		}

		h := db.Holding{
			UserID:       userID,
			Token:        bal.Asset,
			Amount:       amount,
			AveragePrice: prevAvg[bal.Asset],
			CurrentPrice: price,
			Value:        amount * price,
		}
		if h.AveragePrice > 0 {
			h.PnL = (price - h.AveragePrice) * amount
			h.PnLPercentage = (price - h.AveragePrice) / h.AveragePrice * 100
		}
		snapshot.Holdings = append(snapshot.Holdings, h)
		snapshot.AllocatedCapital += h.Value
	}
	snapshot.TotalValue = snapshot.FreeCapital + snapshot.AllocatedCapital

	if err := s.db.ReplacePortfolio(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("store snapshot: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(events.EventPortfolioRefreshed, snapshot)
	}
	return &snapshot, nil
}

// RefreshAfterTrade runs a refresh where failure must not fail the trade.
func (s *Service) RefreshAfterTrade(ctx context.Context, userID string) {
	if _, err := s.Refresh(ctx, userID); err != nil {
		log.Printf("portfolio: post-trade refresh for user %s failed (stale snapshot retained): %v", userID, err)
	}
}

// Cached returns the stored snapshot without touching the exchange.
func (s *Service) Cached(ctx context.Context, userID string) (*db.Portfolio, error) {
	return s.db.GetPortfolio(ctx, userID)
}

func (s *Service) price(ctx context.Context, gw common.Gateway, symbol string) (float64, error) {
	if p, ok := s.prices.Get(symbol); ok {
		return p, nil
	}
	p, err := gw.GetPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}
	s.prices.Set(symbol, p)
	return p, nil
}
