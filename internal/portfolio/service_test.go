package portfolio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"signal-core/pkg/cache"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/common"
)

type fakeGateway struct {
	mu         sync.Mutex
	balances   []common.AssetBalance
	prices     map[string]float64
	priceCalls int
	fail       bool
}

func (g *fakeGateway) GetAccount(ctx context.Context) (common.AccountSnapshot, error) {
	if g.fail {
		return common.AccountSnapshot{}, errors.New("exchange down")
	}
	return common.AccountSnapshot{Balances: g.balances, CanTrade: true}, nil
}

func (g *fakeGateway) GetPrice(ctx context.Context, symbol string) (float64, error) {
	g.mu.Lock()
	g.priceCalls++
	g.mu.Unlock()
	if p, ok := g.prices[symbol]; ok {
		return p, nil
	}
	return 0, errors.New("unknown symbol")
}

func (g *fakeGateway) ExecuteTrade(ctx context.Context, symbol string, side common.Side, quantity float64) (common.TradeResult, error) {
	return common.TradeResult{}, errors.New("not used")
}

func (g *fakeGateway) ValidateSymbol(ctx context.Context, symbol string) error { return nil }

type fakeResolver struct {
	gw  common.Gateway
	err error
}

func (r *fakeResolver) ForUser(ctx context.Context, userID string) (common.Gateway, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.gw, nil
}

func newTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("create db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return database
}

func TestRefreshSplitsStablecoinsFromHoldings(t *testing.T) {
	gw := &fakeGateway{
		balances: []common.AssetBalance{
			{Asset: "USDT", Free: 400, Locked: 100},
			{Asset: "USDC", Free: 100},
			{Asset: "SOL", Free: 2},
			{Asset: "ETH", Free: 0.1},
			{Asset: "DUST", Free: 0}, // zero balances dropped
		},
		prices: map[string]float64{"SOLUSDT": 100, "ETHUSDT": 3000},
	}
	database := newTestDB(t)
	svc := NewService(database, &fakeResolver{gw: gw}, cache.NewPriceCache(time.Minute, time.Now), nil, time.Hour)

	snap, err := svc.Refresh(context.Background(), "u1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// Stablecoins count 1:1 as free capital: 400+100+100 = 600.
	if snap.FreeCapital != 600 {
		t.Errorf("expected free capital 600, got %v", snap.FreeCapital)
	}
	// SOL 2*100 + ETH 0.1*3000 = 500 allocated.
	if snap.AllocatedCapital != 500 {
		t.Errorf("expected allocated 500, got %v", snap.AllocatedCapital)
	}
	if snap.TotalValue != 1100 {
		t.Errorf("expected total 1100, got %v", snap.TotalValue)
	}
	if len(snap.Holdings) != 2 {
		t.Errorf("expected 2 holdings, got %+v", snap.Holdings)
	}
	for _, h := range snap.Holdings {
		if common.Stablecoins[h.Token] {
			t.Errorf("stablecoin %s must never appear as a holding", h.Token)
		}
	}
}

func TestRefreshReplacesWholeSnapshot(t *testing.T) {
	gw := &fakeGateway{
		balances: []common.AssetBalance{
			{Asset: "USDT", Free: 500},
			{Asset: "SOL", Free: 2},
		},
		prices: map[string]float64{"SOLUSDT": 100},
	}
	database := newTestDB(t)
	svc := NewService(database, &fakeResolver{gw: gw}, cache.NewPriceCache(time.Millisecond, time.Now), nil, time.Hour)
	ctx := context.Background()

	if _, err := svc.Refresh(ctx, "u1"); err != nil {
		t.Fatalf("first refresh: %v", err)
	}

	// SOL fully sold on the exchange.
	gw.balances = []common.AssetBalance{{Asset: "USDT", Free: 700}}
	time.Sleep(2 * time.Millisecond)

	snap, err := svc.Refresh(ctx, "u1")
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if len(snap.Holdings) != 0 {
		t.Errorf("sold token must vanish from the snapshot: %+v", snap.Holdings)
	}

	stored, err := database.GetPortfolio(ctx, "u1")
	if err != nil || stored == nil {
		t.Fatalf("get portfolio: %v", err)
	}
	if len(stored.Holdings) != 0 || stored.FreeCapital != 700 {
		t.Errorf("stored snapshot not replaced: %+v", stored)
	}
}

func TestRefreshFailureKeepsPreviousSnapshot(t *testing.T) {
	gw := &fakeGateway{
		balances: []common.AssetBalance{{Asset: "USDT", Free: 500}},
		prices:   map[string]float64{},
	}
	database := newTestDB(t)
	svc := NewService(database, &fakeResolver{gw: gw}, cache.NewPriceCache(time.Minute, time.Now), nil, time.Hour)
	ctx := context.Background()

	if _, err := svc.Refresh(ctx, "u1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	gw.fail = true
	if _, err := svc.Refresh(ctx, "u1"); err == nil {
		t.Fatal("expected refresh failure")
	}

	stored, err := database.GetPortfolio(ctx, "u1")
	if err != nil || stored == nil {
		t.Fatalf("previous snapshot lost: %v", err)
	}
	if stored.FreeCapital != 500 {
		t.Errorf("previous snapshot mutated: %+v", stored)
	}
}

func TestRefreshUsesPriceCache(t *testing.T) {
	gw := &fakeGateway{
		balances: []common.AssetBalance{{Asset: "SOL", Free: 2}},
		prices:   map[string]float64{"SOLUSDT": 100},
	}
	database := newTestDB(t)
	svc := NewService(database, &fakeResolver{gw: gw}, cache.NewPriceCache(time.Minute, time.Now), nil, time.Hour)
	ctx := context.Background()

	if _, err := svc.Refresh(ctx, "u1"); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if _, err := svc.Refresh(ctx, "u1"); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if gw.priceCalls != 1 {
		t.Errorf("expected cached price on second refresh, got %d calls", gw.priceCalls)
	}
}
