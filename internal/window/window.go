// Package window enforces the time-boxed execution window around each
// signal: manual accept/skip while it is open, unattended auto-execution
// once it closes.
package window

import (
	"context"
	"errors"
	"fmt"
	"time"

	"signal-core/internal/signals"
	"signal-core/internal/trade"
	"signal-core/pkg/db"
)

var (
	ErrSignalNotFound       = errors.New("signal not found")
	ErrSignalExpired        = errors.New("signal execution window has expired")
	ErrExchangeNotConnected = errors.New("no exchange account connected")
	ErrInvalidPercentage    = errors.New("percentage must be between 0 and 100 exclusive")
	ErrAlreadyDecided       = errors.New("a decision was already recorded for this signal")
)

// State is the per-user view of a signal's window.
type State string

const (
	StatePending           State = "pending"
	StateAccepted          State = "accepted"
	StatePartiallyAccepted State = "partially_accepted"
	StateSkipped           State = "skipped"
	StateAutoExecuted      State = "auto_executed"
	StateExpired           State = "expired"
)

// Remaining returns the time left in the window, floored at zero.
func Remaining(sig db.Signal, now time.Time) time.Duration {
	d := sig.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Manager validates and executes manual window actions.
type Manager struct {
	db      *db.Database
	signals *signals.Service
	trades  *trade.Orchestrator
	now     func() time.Time
}

// NewManager creates a window manager.
func NewManager(database *db.Database, sv *signals.Service, trades *trade.Orchestrator, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{db: database, signals: sv, trades: trades, now: now}
}

// StateFor derives the per-user window state of a signal.
func (m *Manager) StateFor(ctx context.Context, userID string, sig db.Signal) (State, error) {
	action, err := m.db.GetSignalAction(ctx, userID, sig.ID)
	if err != nil {
		return "", err
	}
	if action != nil {
		switch action.Action {
		case db.ActionAccept:
			return StateAccepted, nil
		case db.ActionAcceptPartial:
			return StatePartiallyAccepted, nil
		case db.ActionSkip:
			return StateSkipped, nil
		}
	}
	if sig.AutoExecuted {
		return StateAutoExecuted, nil
	}
	if !m.now().Before(sig.ExpiresAt) {
		return StateExpired, nil
	}
	return StatePending, nil
}

// Accept executes the signal in full for the user. Only valid inside the
// window and with a connected exchange.
func (m *Manager) Accept(ctx context.Context, userID, signalID string) (*db.Trade, error) {
	return m.accept(ctx, userID, signalID, 100)
}

// AcceptPartial executes the given percentage of the standard trade size:
// for a SELL that share of the current holding, for a BUY a scaled-down
// notional. Percentage must be strictly between 0 and 100.
func (m *Manager) AcceptPartial(ctx context.Context, userID, signalID string, percentage float64) (*db.Trade, error) {
	if percentage <= 0 || percentage >= 100 {
		return nil, ErrInvalidPercentage
	}
	return m.accept(ctx, userID, signalID, percentage)
}

func (m *Manager) accept(ctx context.Context, userID, signalID string, percentage float64) (*db.Trade, error) {
	user, sig, err := m.resolve(ctx, userID, signalID)
	if err != nil {
		return nil, err
	}
	if !m.now().Before(sig.ExpiresAt) {
		return nil, ErrSignalExpired
	}
	if !user.ExchangeConnected {
		return nil, ErrExchangeNotConnected
	}

	// Provisional ids never reach execution; promote first.
	persisted, err := m.signals.Materialize(ctx, sig)
	if err != nil {
		return nil, fmt.Errorf("materialize signal: %w", err)
	}

	action := db.SignalAction{
		UserID:     userID,
		SignalID:   persisted.ID,
		Action:     db.ActionAccept,
		Percentage: percentage,
		CreatedAt:  m.now(),
	}
	if percentage < 100 {
		action.Action = db.ActionAcceptPartial
	}
	if err := m.db.RecordSignalAction(ctx, action); err != nil {
		if errors.Is(err, db.ErrActionExists) {
			return nil, ErrAlreadyDecided
		}
		return nil, fmt.Errorf("record action: %w", err)
	}

	return m.trades.Execute(ctx, trade.Request{
		User:       *user,
		Signal:     persisted,
		Percentage: percentage,
	})
}

// Skip records a skip. Valid even after expiry and without a connected
// exchange; skipping costs nothing.
func (m *Manager) Skip(ctx context.Context, userID, signalID string) error {
	_, sig, err := m.resolve(ctx, userID, signalID)
	if err != nil {
		return err
	}
	persisted, err := m.signals.Materialize(ctx, sig)
	if err != nil {
		return fmt.Errorf("materialize signal: %w", err)
	}
	err = m.db.RecordSignalAction(ctx, db.SignalAction{
		UserID:    userID,
		SignalID:  persisted.ID,
		Action:    db.ActionSkip,
		CreatedAt: m.now(),
	})
	if errors.Is(err, db.ErrActionExists) {
		return ErrAlreadyDecided
	}
	return err
}

func (m *Manager) resolve(ctx context.Context, userID, signalID string) (*db.User, db.Signal, error) {
	user, err := m.db.GetUser(ctx, userID)
	if err != nil {
		return nil, db.Signal{}, err
	}
	if user == nil {
		return nil, db.Signal{}, db.ErrNotFound
	}
	sig, err := m.signals.Get(ctx, signalID)
	if err != nil {
		return nil, db.Signal{}, err
	}
	if sig == nil {
		return nil, db.Signal{}, ErrSignalNotFound
	}
	return user, *sig, nil
}
