// Package eligibility decides which signals are actionable for a user.
package eligibility

import (
	"context"
	"math"
	"time"

	"signal-core/pkg/cache"
	"signal-core/pkg/db"
)

// DedupeWindow suppresses repeat BUY signals on the same token per user.
const DedupeWindow = 24 * time.Hour

// Filter applies per-user eligibility rules to a signal batch.
type Filter struct {
	db       *db.Database
	profiles Profiles
	now      cache.Clock
}

// NewFilter creates an eligibility filter.
func NewFilter(database *db.Database, profiles Profiles, now cache.Clock) *Filter {
	if now == nil {
		now = time.Now
	}
	return &Filter{db: database, profiles: profiles, now: now}
}

// ForUser returns the signals the user should see. riskScores supplies
// fallback scores for signals the feed delivered without one.
//
// Rules:
//   - BUY: risk level must match the user's, and the token must not have
//     been surfaced to this user within the dedupe window.
//   - SELL: only for tokens the user actually holds, and only with a
//     connected exchange. A SELL for an unheld token is never surfaced.
//   - If nothing matches but BUY signals exist, the BUY closest to the
//     user's numeric risk target is offered instead.
func (f *Filter) ForUser(ctx context.Context, signals []db.Signal, user db.User, holdings []db.Holding, riskScores map[string]float64) ([]db.Signal, error) {
	held := make(map[string]float64, len(holdings))
	for _, h := range holdings {
		if h.Amount > 0 {
			held[h.Token] = h.Amount
		}
	}

	recent, err := f.db.RecentSignalTokens(ctx, user.ID, f.now().Add(-DedupeWindow))
	if err != nil {
		return nil, err
	}

	var (
		eligible []db.Signal
		buys     []db.Signal
	)
	for _, s := range signals {
		switch s.Direction {
		case db.DirectionBuy:
			buys = append(buys, s)
			if _, seen := recent[s.Token]; seen {
				continue
			}
			if s.RiskLevel == user.RiskLevel {
				eligible = append(eligible, s)
			}
		case db.DirectionSell:
			if !user.ExchangeConnected {
				continue
			}
			if held[s.Token] > 0 {
				eligible = append(eligible, s)
			}
		}
	}

	if len(eligible) == 0 && len(buys) > 0 {
		if pick, ok := f.closestBuy(buys, user.RiskLevel, riskScores); ok {
			eligible = append(eligible, pick)
		}
	}
	return eligible, nil
}

// Matches applies the strict rules to one signal, without the closest-score
// fallback. Unattended execution uses this; discovery listings use ForUser.
func (f *Filter) Matches(ctx context.Context, s db.Signal, user db.User, holdings []db.Holding) (bool, error) {
	switch s.Direction {
	case db.DirectionBuy:
		seen, err := f.db.SignalTokenSince(ctx, user.ID, s.Token, f.now().Add(-DedupeWindow))
		if err != nil {
			return false, err
		}
		return !seen && s.RiskLevel == user.RiskLevel, nil
	case db.DirectionSell:
		if !user.ExchangeConnected {
			return false, nil
		}
		for _, h := range holdings {
			if h.Token == s.Token && h.Amount > 0 {
				return true, nil
			}
		}
	}
	return false, nil
}

// closestBuy selects the BUY whose risk score is nearest the user's target;
// ties keep the first occurrence.
func (f *Filter) closestBuy(buys []db.Signal, level db.RiskLevel, riskScores map[string]float64) (db.Signal, bool) {
	target := f.profiles.Target(level)

	var (
		best     db.Signal
		bestDist = math.Inf(1)
		found    bool
	)
	for _, s := range buys {
		score := s.RiskScore
		if score == 0 {
			if v, ok := riskScores[s.Token]; ok {
				score = v
			} else {
				score = f.profiles.Target(s.RiskLevel)
			}
		}
		if dist := math.Abs(score - target); dist < bestDist {
			best, bestDist, found = s, dist, true
		}
	}
	return best, found
}
