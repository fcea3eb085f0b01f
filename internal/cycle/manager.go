// Package cycle maintains the entry/hold/exit position lifecycle per
// (user, token) with realized PnL accounting.
package cycle

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"signal-core/internal/events"
	"signal-core/pkg/db"
)

// Manager owns cycle transitions. All mutations go through the per-key lock;
// the partial unique index on open cycles backs the same invariant at the
// storage layer for multi-instance deployments.
type Manager struct {
	db    *db.Database
	bus   *events.Bus
	locks *KeyedMutex
}

// NewManager creates a cycle manager.
func NewManager(database *db.Database, bus *events.Bus) *Manager {
	return &Manager{
		db:    database,
		bus:   bus,
		locks: NewKeyedMutex(),
	}
}

func lockKey(userID, token string) string {
	return userID + "|" + token
}

// RecordBuy applies a completed BUY trade: opens a cycle when none is open,
// otherwise accumulates into the existing one with a weighted-average entry
// price. Never creates a second open cycle for the same (user, token).
func (m *Manager) RecordBuy(ctx context.Context, t db.Trade) (*db.Cycle, error) {
	unlock := m.locks.Lock(lockKey(t.UserID, t.Token))
	defer unlock()

	open, err := m.db.FindOpenCycle(ctx, t.UserID, t.Token)
	if err != nil {
		return nil, fmt.Errorf("find open cycle: %w", err)
	}

	if open == nil {
		c := db.Cycle{
			ID:           uuid.NewString(),
			UserID:       t.UserID,
			Token:        t.Token,
			State:        db.CycleEntry,
			EntryTradeID: t.ID,
			EntryPrice:   t.Price,
			EntryAmount:  t.Amount,
			Guidance:     fmt.Sprintf("Position opened at %.6f", t.Price),
		}
		err := m.db.CreateCycle(ctx, c)
		if err == db.ErrCycleExists {
			// Lost the race against another instance; fall through to
			// accumulation against the winner's cycle.
			open, err = m.db.FindOpenCycle(ctx, t.UserID, t.Token)
			if err != nil {
				return nil, fmt.Errorf("refetch open cycle: %w", err)
			}
		} else if err != nil {
			return nil, fmt.Errorf("create cycle: %w", err)
		} else {
			m.attach(ctx, t.ID, c.ID)
			m.publish(c)
			return &c, nil
		}
	}

	// Accumulate: weighted-average entry across all buys in the cycle.
	total := open.EntryAmount + t.Amount
	if total > 0 {
		open.EntryPrice = (open.EntryPrice*open.EntryAmount + t.Price*t.Amount) / total
	}
	open.EntryAmount = total
	open.State = db.CycleHold
	open.Guidance = fmt.Sprintf("Accumulated to %.6f @ avg %.6f", open.EntryAmount, open.EntryPrice)
	if err := m.db.SaveCycle(ctx, *open); err != nil {
		return nil, fmt.Errorf("save cycle: %w", err)
	}
	m.attach(ctx, t.ID, open.ID)
	m.publish(*open)
	return open, nil
}

// RecordSell applies a completed SELL trade against the open cycle.
// percentage < 100 appends a partial exit and keeps the cycle open; a full
// sell closes it and realizes PnL. A SELL with no open cycle is tolerated:
// the trade stands, no cycle is touched.
func (m *Manager) RecordSell(ctx context.Context, t db.Trade, percentage float64) (*db.Cycle, error) {
	unlock := m.locks.Lock(lockKey(t.UserID, t.Token))
	defer unlock()

	open, err := m.db.FindOpenCycle(ctx, t.UserID, t.Token)
	if err != nil {
		return nil, fmt.Errorf("find open cycle: %w", err)
	}
	if open == nil {
		log.Printf("cycle: SELL %s for user %s with no open cycle, trade %s stands alone", t.Token, t.UserID, t.ID)
		return nil, nil
	}

	if percentage > 0 && percentage < 100 {
		exit := db.PartialExit{
			ID:         uuid.NewString(),
			CycleID:    open.ID,
			Percentage: percentage,
			Price:      t.Price,
			Amount:     t.Amount,
		}
		if err := m.db.AddPartialExit(ctx, exit); err != nil {
			return nil, fmt.Errorf("add partial exit: %w", err)
		}

		// Running PnL over everything sold so far, weighted by amount.
		exits, err := m.db.ListPartialExits(ctx, open.ID)
		if err != nil {
			return nil, fmt.Errorf("list partial exits: %w", err)
		}
		var soldAmount, pnl float64
		for _, e := range exits {
			soldAmount += e.Amount
			pnl += (e.Price - open.EntryPrice) * e.Amount
		}
		open.PnL = pnl
		if open.EntryPrice > 0 && soldAmount > 0 {
			open.PnLPercentage = pnl / (open.EntryPrice * soldAmount) * 100
		}
		open.Guidance = fmt.Sprintf("Partial exit %.1f%% at %.6f", percentage, t.Price)
		if err := m.db.SaveCycle(ctx, *open); err != nil {
			return nil, fmt.Errorf("save cycle: %w", err)
		}
		m.attach(ctx, t.ID, open.ID)
		m.publish(*open)
		return open, nil
	}

	// Full close.
	open.State = db.CycleExit
	open.ExitTradeID = t.ID
	open.ExitPrice = t.Price
	open.PnL = (t.Price - open.EntryPrice) * t.Amount
	if open.EntryPrice > 0 && t.Amount > 0 {
		open.PnLPercentage = open.PnL / (open.EntryPrice * t.Amount) * 100
	}
	open.Guidance = fmt.Sprintf("Closed at %.6f, pnl %.2f", t.Price, open.PnL)
	if err := m.db.SaveCycle(ctx, *open); err != nil {
		return nil, fmt.Errorf("save cycle: %w", err)
	}
	m.attach(ctx, t.ID, open.ID)
	m.publish(*open)
	return open, nil
}

// MarkHold transitions an entry cycle to hold.
func (m *Manager) MarkHold(ctx context.Context, userID, token string) error {
	unlock := m.locks.Lock(lockKey(userID, token))
	defer unlock()

	open, err := m.db.FindOpenCycle(ctx, userID, token)
	if err != nil {
		return err
	}
	if open == nil || open.State != db.CycleEntry {
		return nil
	}
	open.State = db.CycleHold
	return m.db.SaveCycle(ctx, *open)
}

// Complete marks an exited cycle as completed.
func (m *Manager) Complete(ctx context.Context, c db.Cycle) error {
	if c.State != db.CycleExit {
		return fmt.Errorf("cycle %s is %s, not exit", c.ID, c.State)
	}
	c.State = db.CycleCompleted
	return m.db.SaveCycle(ctx, c)
}

func (m *Manager) attach(ctx context.Context, tradeID, cycleID string) {
	if err := m.db.AttachTradeCycle(ctx, tradeID, cycleID); err != nil {
		log.Printf("cycle: attach trade %s to cycle %s: %v", tradeID, cycleID, err)
	}
}

func (m *Manager) publish(c db.Cycle) {
	if m.bus != nil {
		m.bus.Publish(events.EventCycleUpdated, c)
	}
}
