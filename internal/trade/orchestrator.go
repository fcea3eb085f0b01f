// Package trade turns an accepted signal into an exchange order, a ledger
// entry and a cycle update.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"signal-core/internal/cycle"
	"signal-core/internal/eligibility"
	"signal-core/internal/events"
	"signal-core/internal/notify"
	"signal-core/internal/portfolio"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/common"
)

var (
	ErrInvalidSizing        = errors.New("computed order quantity is not positive")
	ErrInsufficientCapital  = errors.New("portfolio value too small to fund a trade")
	ErrNoHoldings           = errors.New("no holdings of this token to sell")
	ErrTradeExecutionFailed = errors.New("trade execution failed")
	ErrNoPortfolio          = errors.New("no portfolio snapshot available")
)

// Request is one execution order derived from a signal.
type Request struct {
	User   db.User
	Signal db.Signal
	// Percentage scales the order: 0 or 100 means the full size. For a
	// SELL it is the share of the current holding; for a BUY it scales
	// the standard notional down.
	Percentage   float64
	AutoExecuted bool
}

// Orchestrator runs the buy/sell pipeline: size, submit, record, reconcile.
type Orchestrator struct {
	db        *db.Database
	gateways  portfolio.GatewayResolver
	portfolio *portfolio.Service
	cycles    *cycle.Manager
	profiles  eligibility.Profiles
	notify    notify.Sink
	bus       *events.Bus
	retry     RetryPolicy
	now       func() time.Time
}

// NewOrchestrator wires the execution pipeline.
func NewOrchestrator(database *db.Database, gateways portfolio.GatewayResolver, pf *portfolio.Service, cycles *cycle.Manager, profiles eligibility.Profiles, sink notify.Sink, bus *events.Bus) *Orchestrator {
	if sink == nil {
		sink = notify.NopSink{}
	}
	return &Orchestrator{
		db:        database,
		gateways:  gateways,
		portfolio: pf,
		cycles:    cycles,
		profiles:  profiles,
		notify:    sink,
		bus:       bus,
		retry:     DefaultRetryPolicy(),
		now:       time.Now,
	}
}

// SetRetryPolicy overrides the retry policy used by position-management
// sells. Signal-driven submissions are never retried.
func (o *Orchestrator) SetRetryPolicy(p RetryPolicy) {
	o.retry = p
}

// Execute runs one signal-driven trade end to end. The returned Trade is
// the persisted ledger row; on submission failure a failed row is still
// written and ErrTradeExecutionFailed is returned alongside it. The order
// is submitted exactly once; an ambiguous gateway error must not turn
// into a duplicate fill.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*db.Trade, error) {
	gw, err := o.gateways.ForUser(ctx, req.User.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve gateway: %w", err)
	}
	return o.execute(ctx, gw, req, RetryPolicy{Attempts: 1})
}

// SellHolding is the position-management exit: it sells a share of an
// existing holding directly from the portfolio view, outside any signal
// window. Unlike signal-driven execution, the submission uses the retry
// policy.
func (o *Orchestrator) SellHolding(ctx context.Context, user db.User, token string, percentage float64) (*db.Trade, error) {
	gw, err := o.gateways.ForUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve gateway: %w", err)
	}

	price, err := gw.GetPrice(ctx, common.Pair(token))
	if err != nil {
		// The fill price from the venue corrects the ledger row.
		log.Printf("trade: reference price for %s: %v", token, err)
	}

	return o.execute(ctx, gw, Request{
		User:       user,
		Signal:     db.Signal{Direction: db.DirectionSell, Token: token, Price: price},
		Percentage: percentage,
	}, o.retry)
}

func (o *Orchestrator) execute(ctx context.Context, gw common.Gateway, req Request, retry RetryPolicy) (*db.Trade, error) {
	snapshot, err := o.snapshot(ctx, req.User.ID)
	if err != nil {
		return nil, err
	}

	quantity, err := o.size(req, snapshot)
	if err != nil {
		return nil, err
	}

	symbol := common.Pair(req.Signal.Token)
	side := common.SideBuy
	if req.Signal.Direction == db.DirectionSell {
		side = common.SideSell
	}

	var result common.TradeResult
	submitErr := retry.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = gw.ExecuteTrade(ctx, symbol, side, quantity)
		if err != nil {
			return err
		}
		if result.Status != common.StatusFilled {
			return fmt.Errorf("order %s not filled: %s", result.OrderID, result.Status)
		}
		return nil
	})

	t := db.Trade{
		ID:           uuid.NewString(),
		UserID:       req.User.ID,
		SignalID:     req.Signal.ID,
		Direction:    req.Signal.Direction,
		Token:        req.Signal.Token,
		Price:        req.Signal.Price,
		Amount:       quantity,
		Status:       db.TradeCompleted,
		AutoExecuted: req.AutoExecuted,
		CreatedAt:    o.now(),
	}

	if submitErr != nil {
		t.Status = db.TradeFailed
		if err := o.db.CreateTrade(ctx, t); err != nil {
			log.Printf("trade: persist failed trade for user %s: %v", req.User.ID, err)
		}
		if o.bus != nil {
			o.bus.Publish(events.EventTradeFailed, t)
		}
		o.notify.Notify(req.User.ID, fmt.Sprintf("%s %s failed: %v", t.Direction, t.Token, submitErr), notify.KindTrade, t.ID)
		return &t, fmt.Errorf("%w: %v", ErrTradeExecutionFailed, submitErr)
	}

	if result.Price > 0 {
		t.Price = result.Price
	}
	if err := o.db.CreateTrade(ctx, t); err != nil {
		return nil, fmt.Errorf("persist trade: %w", err)
	}

	o.recordCycle(ctx, t, req.Percentage)

	if t.Direction == db.DirectionBuy {
		if err := o.db.RecordSignalToken(ctx, t.UserID, t.Token, o.now()); err != nil {
			log.Printf("trade: record signal token %s for user %s: %v", t.Token, t.UserID, err)
		}
	}

	// Post-trade refresh keeps the snapshot close to reality; failure here
	// never fails the trade.
	o.portfolio.RefreshAfterTrade(ctx, t.UserID)

	if o.bus != nil {
		o.bus.Publish(events.EventTradeExecuted, t)
	}
	o.notify.Notify(t.UserID, fmt.Sprintf("%s %.6f %s @ %.6f", t.Direction, t.Amount, t.Token, t.Price), notify.KindTrade, t.ID)
	return &t, nil
}

// snapshot resolves the freshest portfolio view, degrading to the cached
// snapshot when the exchange is unreachable.
func (o *Orchestrator) snapshot(ctx context.Context, userID string) (*db.Portfolio, error) {
	snap, err := o.portfolio.Refresh(ctx, userID)
	if err == nil {
		return snap, nil
	}
	log.Printf("trade: live portfolio refresh failed for user %s, using cached snapshot: %v", userID, err)

	cached, cacheErr := o.portfolio.Cached(ctx, userID)
	if cacheErr != nil {
		return nil, fmt.Errorf("cached portfolio: %w", cacheErr)
	}
	if cached == nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPortfolio, err)
	}
	return cached, nil
}

// size computes the order quantity.
//
// BUY commits a fixed fraction of total portfolio value, regardless of how
// much of it is currently allocated; SELL moves the held amount. Both scale
// by the requested percentage.
func (o *Orchestrator) size(req Request, snap *db.Portfolio) (float64, error) {
	switch req.Signal.Direction {
	case db.DirectionBuy:
		notional := snap.TotalValue * o.profiles.BuyFraction
		if req.Percentage > 0 && req.Percentage < 100 {
			notional *= req.Percentage / 100
		}
		if notional <= 0 {
			return 0, ErrInsufficientCapital
		}
		if req.Signal.Price <= 0 {
			return 0, ErrInvalidSizing
		}
		quantity := notional / req.Signal.Price
		if quantity <= 0 {
			return 0, ErrInvalidSizing
		}
		return quantity, nil

	case db.DirectionSell:
		var held float64
		for _, h := range snap.Holdings {
			if h.Token == req.Signal.Token {
				held = h.Amount
				break
			}
		}
		if held <= 0 {
			return 0, ErrNoHoldings
		}
		if req.Percentage > 0 && req.Percentage < 100 {
			return held * req.Percentage / 100, nil
		}
		return held, nil
	}
	return 0, fmt.Errorf("unknown direction %q", req.Signal.Direction)
}

func (o *Orchestrator) recordCycle(ctx context.Context, t db.Trade, percentage float64) {
	var err error
	switch t.Direction {
	case db.DirectionBuy:
		_, err = o.cycles.RecordBuy(ctx, t)
	case db.DirectionSell:
		_, err = o.cycles.RecordSell(ctx, t, percentage)
	}
	if err != nil {
		log.Printf("trade: cycle update for trade %s: %v", t.ID, err)
	}
}
