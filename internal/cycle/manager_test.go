package cycle

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"signal-core/pkg/db"
)

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

func buyTrade(id string, price, amount float64) db.Trade {
	return db.Trade{
		ID: id, UserID: "u1", Direction: db.DirectionBuy, Token: "SOL",
		Price: price, Amount: amount, Status: db.TradeCompleted,
	}
}

func sellTrade(id string, price, amount float64) db.Trade {
	return db.Trade{
		ID: id, UserID: "u1", Direction: db.DirectionSell, Token: "SOL",
		Price: price, Amount: amount, Status: db.TradeCompleted,
	}
}

func TestRecordBuyOpensEntryCycle(t *testing.T) {
	m := NewManager(newTestDB(t), nil)
	ctx := context.Background()

	c, err := m.RecordBuy(ctx, buyTrade("t1", 100, 2))
	if err != nil {
		t.Fatalf("record buy: %v", err)
	}
	if c.State != db.CycleEntry {
		t.Errorf("expected entry state, got %s", c.State)
	}
	if c.EntryPrice != 100 || c.EntryAmount != 2 {
		t.Errorf("entry fields wrong: %+v", c)
	}
}

func TestRecordBuyAccumulatesWithWeightedAverage(t *testing.T) {
	m := NewManager(newTestDB(t), nil)
	ctx := context.Background()

	if _, err := m.RecordBuy(ctx, buyTrade("t1", 100, 2)); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	c, err := m.RecordBuy(ctx, buyTrade("t2", 130, 1))
	if err != nil {
		t.Fatalf("second buy: %v", err)
	}

	// (100*2 + 130*1) / 3 = 110
	if c.EntryAmount != 3 {
		t.Errorf("expected accumulated amount 3, got %v", c.EntryAmount)
	}
	if c.EntryPrice != 110 {
		t.Errorf("expected weighted avg 110, got %v", c.EntryPrice)
	}
	if c.State != db.CycleHold {
		t.Errorf("accumulation should move to hold, got %s", c.State)
	}
}

func TestConcurrentBuysCreateSingleCycle(t *testing.T) {
	database := newTestDB(t)
	m := NewManager(database, nil)
	ctx := context.Background()

	const buyers = 10
	var wg sync.WaitGroup
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := m.RecordBuy(ctx, buyTrade(fmt.Sprintf("t%d", i), 100, 1)); err != nil {
				t.Errorf("buy %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	cycles, err := database.ListCyclesByUser(ctx, "u1", 100)
	if err != nil {
		t.Fatalf("list cycles: %v", err)
	}
	var open int
	for _, c := range cycles {
		if c.Open() {
			open++
			if c.EntryAmount != buyers {
				t.Errorf("expected all buys accumulated (%d), got %v", buyers, c.EntryAmount)
			}
		}
	}
	if open != 1 {
		t.Fatalf("expected exactly 1 open cycle, got %d", open)
	}
}

func TestRecordSellFullCloseRealizesPnL(t *testing.T) {
	m := NewManager(newTestDB(t), nil)
	ctx := context.Background()

	if _, err := m.RecordBuy(ctx, buyTrade("t1", 100, 2)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	c, err := m.RecordSell(ctx, sellTrade("t2", 120, 2), 100)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}

	if c.State != db.CycleExit {
		t.Errorf("expected exit state, got %s", c.State)
	}
	// (120-100)*2 = 40, 40/(100*2)*100 = 20%
	if c.PnL != 40 {
		t.Errorf("expected pnl 40, got %v", c.PnL)
	}
	if c.PnLPercentage != 20 {
		t.Errorf("expected pnl 20%%, got %v", c.PnLPercentage)
	}
	if c.ExitPrice != 120 || c.ExitTradeID != "t2" {
		t.Errorf("exit fields wrong: %+v", c)
	}
}

func TestRecordSellPartialKeepsCycleOpen(t *testing.T) {
	database := newTestDB(t)
	m := NewManager(database, nil)
	ctx := context.Background()

	if _, err := m.RecordBuy(ctx, buyTrade("t1", 100, 4)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	// Sell 25%: 1 unit at 120 -> running pnl 20.
	c, err := m.RecordSell(ctx, sellTrade("t2", 120, 1), 25)
	if err != nil {
		t.Fatalf("partial sell: %v", err)
	}
	if !c.Open() {
		t.Fatalf("partial sell must keep the cycle open, state %s", c.State)
	}
	if c.PnL != 20 {
		t.Errorf("expected running pnl 20, got %v", c.PnL)
	}

	// Second partial: 1 unit at 90 -> running pnl 20 + (-10) = 10.
	c, err = m.RecordSell(ctx, sellTrade("t3", 90, 1), 25)
	if err != nil {
		t.Fatalf("second partial: %v", err)
	}
	if c.PnL != 10 {
		t.Errorf("expected running pnl 10, got %v", c.PnL)
	}

	exits, err := database.ListPartialExits(ctx, c.ID)
	if err != nil {
		t.Fatalf("list exits: %v", err)
	}
	if len(exits) != 2 {
		t.Errorf("expected 2 partial exits, got %d", len(exits))
	}
}

func TestRecordSellWithoutOpenCycleIsTolerated(t *testing.T) {
	m := NewManager(newTestDB(t), nil)

	c, err := m.RecordSell(context.Background(), sellTrade("t1", 100, 1), 100)
	if err != nil {
		t.Fatalf("expected tolerated sell, got %v", err)
	}
	if c != nil {
		t.Errorf("expected no cycle, got %+v", c)
	}
}

func TestCompleteRequiresExitState(t *testing.T) {
	m := NewManager(newTestDB(t), nil)
	ctx := context.Background()

	c, err := m.RecordBuy(ctx, buyTrade("t1", 100, 2))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if err := m.Complete(ctx, *c); err == nil {
		t.Error("completing an open cycle must fail")
	}

	closed, err := m.RecordSell(ctx, sellTrade("t2", 110, 2), 100)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if err := m.Complete(ctx, *closed); err != nil {
		t.Errorf("complete after exit: %v", err)
	}
}
