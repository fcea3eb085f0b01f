package common

import "context"

// Gateway abstracts one connected exchange account. Implementations carry
// the account credentials; callers resolve a per-user Gateway through the
// gateway pool. Every call must be bounded by the client timeout.
type Gateway interface {
	// GetAccount returns raw asset balances for the connected account.
	GetAccount(ctx context.Context) (AccountSnapshot, error)
	// GetPrice returns the last price for a trading pair (e.g. SOLUSDT).
	GetPrice(ctx context.Context, symbol string) (float64, error)
	// ExecuteTrade submits a market order and returns the fill.
	ExecuteTrade(ctx context.Context, symbol string, side Side, quantity float64) (TradeResult, error)
	// ValidateSymbol checks that the pair is tradable on this venue.
	ValidateSymbol(ctx context.Context, symbol string) error
}
