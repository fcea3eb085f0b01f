package window

import (
	"context"
	"sync"
	"testing"
	"time"

	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/common"
)

func seedPortfolio(t *testing.T, env *testEnv, userID string) {
	t.Helper()
	err := env.db.ReplacePortfolio(context.Background(), db.Portfolio{
		UserID: userID, TotalValue: 1000, FreeCapital: 1000, RefreshedAt: env.now,
	})
	if err != nil {
		t.Fatalf("seed portfolio: %v", err)
	}
}

func TestSweepExecutesForEligibleUsers(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "u1", db.RiskMedium, true)
	env.seedUser(t, "u2", db.RiskHigh, true) // wrong level, must be skipped
	seedPortfolio(t, env, "u1")
	seedPortfolio(t, env, "u2")
	sig := env.seedSignal(t, "sig-1", db.DirectionBuy, -time.Minute)

	results, err := env.sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d: %+v", len(results), results)
	}
	if results[0].UserID != "u1" || results[0].Error != "" {
		t.Errorf("unexpected result: %+v", results[0])
	}

	trades, err := env.db.ListTradesByUser(context.Background(), "u1", 10)
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if len(trades) != 1 || !trades[0].AutoExecuted {
		t.Errorf("expected one auto-executed trade, got %+v", trades)
	}
	if trades[0].SignalID != sig.ID {
		t.Errorf("trade not linked to signal: %+v", trades[0])
	}

	stored, err := env.db.GetSignal(context.Background(), sig.ID)
	if err != nil || stored == nil {
		t.Fatalf("get signal: %v", err)
	}
	if !stored.AutoExecuted {
		t.Error("signal must be marked auto-executed")
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "u1", db.RiskMedium, true)
	seedPortfolio(t, env, "u1")
	env.seedSignal(t, "sig-1", db.DirectionBuy, -time.Minute)

	if _, err := env.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	results, err := env.sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("second sweep must find nothing, got %+v", results)
	}

	trades, _ := env.db.ListTradesByUser(context.Background(), "u1", 10)
	if len(trades) != 1 {
		t.Errorf("expected exactly 1 trade after repeated sweeps, got %d", len(trades))
	}
}

func TestConcurrentSweepsExecuteAtMostOnce(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "u1", db.RiskMedium, true)
	seedPortfolio(t, env, "u1")
	env.seedSignal(t, "sig-1", db.DirectionBuy, -time.Minute)

	const sweeps = 8
	var wg sync.WaitGroup
	for i := 0; i < sweeps; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.sweeper.Sweep(context.Background()); err != nil {
				t.Errorf("sweep: %v", err)
			}
		}()
	}
	wg.Wait()

	trades, err := env.db.ListTradesByUser(context.Background(), "u1", 10)
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected exactly 1 trade across concurrent sweeps, got %d", len(trades))
	}
}

func TestSweepSkipsUsersWhoDecided(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "u1", db.RiskMedium, true)
	seedPortfolio(t, env, "u1")
	sig := env.seedSignal(t, "sig-1", db.DirectionBuy, 2*time.Minute)

	// u1 skips inside the window.
	if err := env.manager.Skip(context.Background(), "u1", sig.ID); err != nil {
		t.Fatalf("skip: %v", err)
	}

	// Window closes.
	env.now = env.now.Add(3 * time.Minute)

	results, err := env.sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("skipped user must not be auto-executed: %+v", results)
	}
	trades, _ := env.db.ListTradesByUser(context.Background(), "u1", 10)
	if len(trades) != 0 {
		t.Errorf("no trades expected, got %+v", trades)
	}
}

func TestSweepSellRequiresHolding(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "u1", db.RiskMedium, true)

	// Snapshot with SOL held makes the SELL eligible.
	err := env.db.ReplacePortfolio(context.Background(), db.Portfolio{
		UserID: "u1", TotalValue: 1000, FreeCapital: 800,
		Holdings:    []db.Holding{{UserID: "u1", Token: "SOL", Amount: 4, CurrentPrice: 50, Value: 200}},
		RefreshedAt: env.now,
	})
	if err != nil {
		t.Fatalf("seed portfolio: %v", err)
	}
	env.gw.balances = append(env.gw.balances, common.AssetBalance{Asset: "SOL", Free: 4})

	env.seedSignal(t, "sig-sell", db.DirectionSell, -time.Minute)

	results, err := env.sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(results) != 1 || results[0].Error != "" {
		t.Fatalf("expected successful sell execution, got %+v", results)
	}

	trades, _ := env.db.ListTradesByUser(context.Background(), "u1", 10)
	if len(trades) != 1 || trades[0].Direction != db.DirectionSell || trades[0].Amount != 4 {
		t.Errorf("expected full-holding sell, got %+v", trades)
	}
}
