package window

import (
	"context"
	"log"
	"time"

	"signal-core/internal/eligibility"
	"signal-core/internal/events"
	"signal-core/internal/trade"
	"signal-core/pkg/db"
)

// Result is the outcome of one auto-execution attempt inside a sweep.
type Result struct {
	SignalID string `json:"signalId"`
	UserID   string `json:"userId"`
	TradeID  string `json:"tradeId,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Sweeper auto-executes expired, unclaimed signals. The claim is a single
// conditional update per signal, so concurrent sweeps and restarts execute
// each signal at most once.
type Sweeper struct {
	db       *db.Database
	filter   *eligibility.Filter
	trades   *trade.Orchestrator
	bus      *events.Bus
	interval time.Duration
	enabled  bool
	now      func() time.Time
}

// NewSweeper creates the sweep loop.
func NewSweeper(database *db.Database, filter *eligibility.Filter, trades *trade.Orchestrator, bus *events.Bus, interval time.Duration, enabled bool) *Sweeper {
	return &Sweeper{
		db:       database,
		filter:   filter,
		trades:   trades,
		bus:      bus,
		interval: interval,
		enabled:  enabled,
		now:      time.Now,
	}
}

// Start runs the periodic sweep until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	if !s.enabled {
		log.Printf("sweep: disabled")
		return
	}
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.Sweep(ctx); err != nil {
					log.Printf("sweep: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Printf("sweep: started (interval %v)", s.interval)
}

// Sweep claims every expired unclaimed signal and executes it for each
// eligible connected user. Also serves the manual trigger endpoint.
func (s *Sweeper) Sweep(ctx context.Context) ([]Result, error) {
	expired, err := s.db.ListExpiredUnclaimed(ctx, s.now())
	if err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, nil
	}

	users, err := s.db.ListConnectedUsers(ctx)
	if err != nil {
		return nil, err
	}

	var results []Result
	for _, sig := range expired {
		claimed, err := s.db.ClaimAutoExecution(ctx, sig.ID)
		if err != nil {
			log.Printf("sweep: claim signal %s: %v", sig.ID, err)
			continue
		}
		if !claimed {
			// Another sweep or instance owns this signal.
			continue
		}
		if s.bus != nil {
			s.bus.Publish(events.EventSignalClaimed, sig)
		}
		results = append(results, s.executeForAll(ctx, sig, users)...)
	}
	return results, nil
}

// executeForAll fans one claimed signal out to eligible users. Failures are
// isolated per user; one rejected order never blocks the rest.
func (s *Sweeper) executeForAll(ctx context.Context, sig db.Signal, users []db.User) []Result {
	var results []Result
	for _, user := range users {
		action, err := s.db.GetSignalAction(ctx, user.ID, sig.ID)
		if err != nil {
			results = append(results, Result{SignalID: sig.ID, UserID: user.ID, Error: err.Error()})
			continue
		}
		if action != nil {
			// The user already decided inside the window.
			continue
		}

		ok, err := s.eligible(ctx, sig, user)
		if err != nil {
			results = append(results, Result{SignalID: sig.ID, UserID: user.ID, Error: err.Error()})
			continue
		}
		if !ok {
			continue
		}

		t, err := s.trades.Execute(ctx, trade.Request{
			User:         user,
			Signal:       sig,
			AutoExecuted: true,
		})
		r := Result{SignalID: sig.ID, UserID: user.ID}
		if t != nil {
			r.TradeID = t.ID
		}
		if err != nil {
			r.Error = err.Error()
			log.Printf("sweep: execute signal %s for user %s: %v", sig.ID, user.ID, err)
		}
		results = append(results, r)
	}
	return results
}

// eligible applies the strict rules only; the closest-score discovery
// fallback never triggers unattended orders.
func (s *Sweeper) eligible(ctx context.Context, sig db.Signal, user db.User) (bool, error) {
	var holdings []db.Holding
	if snap, err := s.db.GetPortfolio(ctx, user.ID); err == nil && snap != nil {
		holdings = snap.Holdings
	}
	return s.filter.Matches(ctx, sig, user, holdings)
}
