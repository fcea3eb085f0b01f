// Package db stores signals, trades, cycles and portfolio snapshots in SQLite.
//
// The queries in this file carry the core lifecycle invariants: the
// at-most-once auto-execution claim, sticky signal time anchors, the
// single-open-cycle rule and whole-snapshot portfolio replacement.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")

	// ErrCycleExists is returned when cycle creation loses the race against
	// a concurrent open cycle for the same (user, token).
	ErrCycleExists = errors.New("an open cycle already exists for this user and token")

	// ErrActionExists is returned when a user already decided on a signal.
	ErrActionExists = errors.New("a decision was already recorded for this signal")
)

// ----------------------------------------
// Signal queries
// ----------------------------------------

// SignalAnchors returns the stored created_at/expires_at for a signal id.
// Once a signal is persisted its window never moves, so refreshed feed data
// must be re-anchored to these values.
func (d *Database) SignalAnchors(ctx context.Context, id string) (createdAt, expiresAt time.Time, ok bool, err error) {
	row := d.DB.QueryRowContext(ctx, `SELECT created_at, expires_at FROM signals WHERE id = ?`, id)
	if err = row.Scan(&createdAt, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, time.Time{}, false, nil
		}
		return time.Time{}, time.Time{}, false, err
	}
	return createdAt, expiresAt, true, nil
}

// ClaimAutoExecution atomically flips auto_executed from false to true.
// Returns true only for the single caller that wins the claim; repeated
// sweeps and sweep/manual races all observe false afterwards.
func (d *Database) ClaimAutoExecution(ctx context.Context, signalID string) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE signals SET auto_executed = 1
		WHERE id = ? AND auto_executed = 0
	`, signalID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListExpiredUnclaimed returns signals whose window has passed and that no
// sweep has claimed yet.
func (d *Database) ListExpiredUnclaimed(ctx context.Context, now time.Time) ([]Signal, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, direction, token, price, risk_level, risk_score, link, auto_executed, created_at, expires_at
		FROM signals
		WHERE expires_at < ? AND auto_executed = 0
		ORDER BY expires_at ASC
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Signal
	for rows.Next() {
		var s Signal
		if err := rows.Scan(&s.ID, &s.Direction, &s.Token, &s.Price, &s.RiskLevel, &s.RiskScore, &s.Link, &s.AutoExecuted, &s.CreatedAt, &s.ExpiresAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// RecordSignalAction stores a user's decision for a signal. The first
// decision wins; later attempts hit the primary key and surface as
// ErrActionExists.
func (d *Database) RecordSignalAction(ctx context.Context, a SignalAction) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO signal_actions (user_id, signal_id, action, percentage, created_at)
		VALUES (?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, a.UserID, a.SignalID, a.Action, a.Percentage, a.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return ErrActionExists
	}
	return err
}

// GetSignalAction returns the user's decision on a signal, or nil.
func (d *Database) GetSignalAction(ctx context.Context, userID, signalID string) (*SignalAction, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT user_id, signal_id, action, percentage, created_at
		FROM signal_actions WHERE user_id = ? AND signal_id = ?
	`, userID, signalID)
	var a SignalAction
	if err := row.Scan(&a.UserID, &a.SignalID, &a.Action, &a.Percentage, &a.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// ----------------------------------------
// Cycle queries
// ----------------------------------------

// FindOpenCycle returns the open (entry/hold) cycle for a (user, token), or nil.
func (d *Database) FindOpenCycle(ctx context.Context, userID, token string) (*Cycle, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, user_id, token, state, entry_trade_id, exit_trade_id, entry_price, entry_amount,
		       exit_price, pnl, pnl_percentage, guidance, created_at, updated_at
		FROM cycles
		WHERE user_id = ? AND token = ? AND state IN ('entry', 'hold')
	`, userID, token)
	return scanCycle(row)
}

// CreateCycle inserts a cycle row. A unique partial index on open cycles
// backs the single-open-cycle invariant; losing the race surfaces as
// ErrCycleExists so the caller can re-fetch instead of failing the user.
func (d *Database) CreateCycle(ctx context.Context, c Cycle) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO cycles (id, user_id, token, state, entry_trade_id, exit_trade_id, entry_price, entry_amount,
		                    exit_price, pnl, pnl_percentage, guidance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), COALESCE(?, CURRENT_TIMESTAMP))
	`, c.ID, c.UserID, c.Token, c.State, c.EntryTradeID, c.ExitTradeID, c.EntryPrice, c.EntryAmount,
		c.ExitPrice, c.PnL, c.PnLPercentage, c.Guidance, c.CreatedAt, c.UpdatedAt)
	if err != nil && isUniqueViolation(err) {
		return ErrCycleExists
	}
	return err
}

// SaveCycle persists cycle mutations (state transitions, pnl, exit fields).
func (d *Database) SaveCycle(ctx context.Context, c Cycle) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE cycles
		SET state = ?, exit_trade_id = ?, entry_price = ?, entry_amount = ?, exit_price = ?,
		    pnl = ?, pnl_percentage = ?, guidance = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, c.State, c.ExitTradeID, c.EntryPrice, c.EntryAmount, c.ExitPrice, c.PnL, c.PnLPercentage, c.Guidance, c.ID)
	return err
}

// AddPartialExit appends one partial sell record to a cycle.
func (d *Database) AddPartialExit(ctx context.Context, p PartialExit) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO cycle_partial_exits (id, cycle_id, percentage, price, amount, created_at)
		VALUES (?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, p.ID, p.CycleID, p.Percentage, p.Price, p.Amount, p.CreatedAt)
	return err
}

// ListPartialExits returns partial sells for a cycle in order.
func (d *Database) ListPartialExits(ctx context.Context, cycleID string) ([]PartialExit, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, cycle_id, percentage, price, amount, created_at
		FROM cycle_partial_exits WHERE cycle_id = ?
		ORDER BY created_at ASC
	`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []PartialExit
	for rows.Next() {
		var p PartialExit
		if err := rows.Scan(&p.ID, &p.CycleID, &p.Percentage, &p.Price, &p.Amount, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListCyclesByUser returns a user's cycles, newest first.
func (d *Database) ListCyclesByUser(ctx context.Context, userID string, limit int) ([]Cycle, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, token, state, entry_trade_id, exit_trade_id, entry_price, entry_amount,
		       exit_price, pnl, pnl_percentage, guidance, created_at, updated_at
		FROM cycles WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Cycle
	for rows.Next() {
		var c Cycle
		if err := rows.Scan(&c.ID, &c.UserID, &c.Token, &c.State, &c.EntryTradeID, &c.ExitTradeID, &c.EntryPrice, &c.EntryAmount,
			&c.ExitPrice, &c.PnL, &c.PnLPercentage, &c.Guidance, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func scanCycle(row *sql.Row) (*Cycle, error) {
	var c Cycle
	if err := row.Scan(&c.ID, &c.UserID, &c.Token, &c.State, &c.EntryTradeID, &c.ExitTradeID, &c.EntryPrice, &c.EntryAmount,
		&c.ExitPrice, &c.PnL, &c.PnLPercentage, &c.Guidance, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces SQLITE_CONSTRAINT_UNIQUE in the message.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ----------------------------------------
// Portfolio queries
// ----------------------------------------

// ReplacePortfolio overwrites the snapshot and all holdings for a user in one
// transaction. There is deliberately no partial-merge path.
func (d *Database) ReplacePortfolio(ctx context.Context, p Portfolio) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO portfolios (user_id, total_value, free_capital, allocated_capital, refreshed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			total_value = excluded.total_value,
			free_capital = excluded.free_capital,
			allocated_capital = excluded.allocated_capital,
			refreshed_at = excluded.refreshed_at
	`, p.UserID, p.TotalValue, p.FreeCapital, p.AllocatedCapital, p.RefreshedAt); err != nil {
		return fmt.Errorf("upsert portfolio: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM holdings WHERE user_id = ?`, p.UserID); err != nil {
		return fmt.Errorf("clear holdings: %w", err)
	}
	for _, h := range p.Holdings {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO holdings (user_id, token, amount, average_price, current_price, value, pnl, pnl_percentage)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, p.UserID, h.Token, h.Amount, h.AveragePrice, h.CurrentPrice, h.Value, h.PnL, h.PnLPercentage); err != nil {
			return fmt.Errorf("insert holding %s: %w", h.Token, err)
		}
	}

	return tx.Commit()
}

// GetPortfolio returns the cached snapshot (with holdings) or nil.
func (d *Database) GetPortfolio(ctx context.Context, userID string) (*Portfolio, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	row := d.DB.QueryRowContext(ctx, `
		SELECT user_id, total_value, free_capital, allocated_capital, refreshed_at
		FROM portfolios WHERE user_id = ?
	`, userID)
	var p Portfolio
	if err := row.Scan(&p.UserID, &p.TotalValue, &p.FreeCapital, &p.AllocatedCapital, &p.RefreshedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	rows, err := d.DB.QueryContext(ctx, `
		SELECT user_id, token, amount, average_price, current_price, value, pnl, pnl_percentage
		FROM holdings WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var h Holding
		if err := rows.Scan(&h.UserID, &h.Token, &h.Amount, &h.AveragePrice, &h.CurrentPrice, &h.Value, &h.PnL, &h.PnLPercentage); err != nil {
			return nil, err
		}
		p.Holdings = append(p.Holdings, h)
	}
	return &p, rows.Err()
}

// ----------------------------------------
// BUY dedupe bookkeeping
// ----------------------------------------

// RecordSignalToken stamps a (user, token) BUY notification time.
func (d *Database) RecordSignalToken(ctx context.Context, userID, token string, at time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO last_signal_tokens (user_id, token, notified_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, token) DO UPDATE SET notified_at = excluded.notified_at
	`, userID, token, at)
	return err
}

// SignalTokenSince reports whether the user saw a BUY for this token after cutoff.
func (d *Database) SignalTokenSince(ctx context.Context, userID, token string, cutoff time.Time) (bool, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT notified_at FROM last_signal_tokens WHERE user_id = ? AND token = ?
	`, userID, token)
	var at time.Time
	if err := row.Scan(&at); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return at.After(cutoff), nil
}

// RecentSignalTokens returns the tokens a user was notified about after cutoff.
func (d *Database) RecentSignalTokens(ctx context.Context, userID string, cutoff time.Time) (map[string]time.Time, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT token, notified_at FROM last_signal_tokens
		WHERE user_id = ? AND notified_at > ?
	`, userID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make(map[string]time.Time)
	for rows.Next() {
		var (
			token string
			at    time.Time
		)
		if err := rows.Scan(&token, &at); err != nil {
			return nil, err
		}
		res[token] = at
	}
	return res, rows.Err()
}
