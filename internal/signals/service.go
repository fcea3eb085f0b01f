// Package signals ingests the external feed, normalizes raw signals and
// anchors their execution windows.
package signals

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"signal-core/internal/events"
	"signal-core/pkg/cache"
	"signal-core/pkg/db"
	"signal-core/pkg/feed"
)

// ErrUpstreamUnavailable is surfaced only when the feed fails and no cached
// batch exists to fall back on.
var ErrUpstreamUnavailable = feed.ErrUpstreamUnavailable

// Feed is the slice of the provider client the service needs.
type Feed interface {
	GetSignals(ctx context.Context) ([]feed.RawSignal, error)
}

// Service normalizes and caches the signal stream.
type Service struct {
	feed   Feed
	db     *db.Database
	bus    *events.Bus
	window time.Duration
	now    cache.Clock

	batch    *cache.Snapshot[[]db.Signal]
	riskData *cache.Snapshot[map[string]float64]
}

// Config for the signal service.
type Config struct {
	Window      time.Duration // execution window, default 10m
	CacheTTL    time.Duration // feed cache, default 5m
	RiskDataTTL time.Duration // token risk score cache, default 15m
	Clock       cache.Clock
}

// NewService creates the ingestion service.
func NewService(f Feed, database *db.Database, bus *events.Bus, cfg Config) *Service {
	if cfg.Window == 0 {
		cfg.Window = 10 * time.Minute
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.RiskDataTTL == 0 {
		cfg.RiskDataTTL = 15 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Service{
		feed:     f,
		db:       database,
		bus:      bus,
		window:   cfg.Window,
		now:      cfg.Clock,
		batch:    cache.NewSnapshot[[]db.Signal](cfg.CacheTTL, cfg.Clock),
		riskData: cache.NewSnapshot[map[string]float64](cfg.RiskDataTTL, cfg.Clock),
	}
}

// Fetch returns the current normalized signal batch. Serves the cache within
// its TTL unless forceRefresh is set; on feed failure it degrades to the last
// non-empty cached batch before giving up with ErrUpstreamUnavailable.
func (s *Service) Fetch(ctx context.Context, forceRefresh bool) ([]db.Signal, error) {
	if !forceRefresh {
		if cached, ok := s.batch.Get(); ok {
			return cached, nil
		}
	}

	raw, err := s.feed.GetSignals(ctx)
	if err != nil {
		if last, ok := s.batch.Last(); ok && len(last) > 0 {
			log.Printf("signals: feed fetch failed, serving cached batch: %v", err)
			return last, nil
		}
		return nil, err
	}

	normalized := make([]db.Signal, 0, len(raw))
	scores := make(map[string]float64, len(raw))
	for _, r := range raw {
		sig, err := s.normalize(ctx, r)
		if err != nil {
			log.Printf("signals: dropping malformed signal (token=%q): %v", r.Token, err)
			continue
		}
		normalized = append(normalized, sig)
		if sig.RiskScore > 0 {
			scores[sig.Token] = sig.RiskScore
		}
	}

	s.batch.Set(normalized)
	s.riskData.Set(scores)

	if s.bus != nil {
		for _, sig := range normalized {
			s.bus.Publish(events.EventSignalPublished, sig)
		}
	}
	return normalized, nil
}

// normalize repairs a raw signal into the canonical shape. Time anchors of
// already-persisted signals are sticky: a refresh never moves a countdown.
func (s *Service) normalize(ctx context.Context, r feed.RawSignal) (db.Signal, error) {
	direction := db.Direction(strings.ToUpper(strings.TrimSpace(r.Direction)))
	if direction != db.DirectionBuy && direction != db.DirectionSell {
		return db.Signal{}, fmt.Errorf("unknown direction %q", r.Direction)
	}
	token := strings.ToUpper(strings.TrimSpace(r.Token))
	if token == "" {
		return db.Signal{}, fmt.Errorf("empty token")
	}
	if r.Price <= 0 {
		return db.Signal{}, fmt.Errorf("non-positive price %v", r.Price)
	}

	riskLevel := db.RiskLevel(strings.ToLower(strings.TrimSpace(r.RiskLevel)))
	switch riskLevel {
	case db.RiskLow, db.RiskMedium, db.RiskHigh:
	default:
		riskLevel = db.RiskMedium
	}

	createdAt, ok := parseTime(r.CreatedAt)
	if !ok {
		createdAt = s.now()
	}
	expiresAt, ok := parseTime(r.ExpiresAt)
	if !ok || !expiresAt.After(createdAt) {
		expiresAt = createdAt.Add(s.window)
	}

	sig := db.Signal{
		ID:        strings.TrimSpace(r.ID),
		Direction: direction,
		Token:     token,
		Price:     r.Price,
		RiskLevel: riskLevel,
		RiskScore: r.RiskScore,
		Link:      r.Link,
		Positives: r.Positives,
		Warnings:  r.Warnings,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	}

	if sig.ID == "" {
		sig.ID = provisionalID(sig)
		return sig, nil
	}

	// Persisted anchors win over whatever the refreshed feed claims.
	storedCreated, storedExpires, found, err := s.db.SignalAnchors(ctx, sig.ID)
	if err != nil {
		return db.Signal{}, fmt.Errorf("lookup anchors: %w", err)
	}
	if found {
		sig.CreatedAt = storedCreated
		sig.ExpiresAt = storedExpires
		return sig, nil
	}

	if err := s.db.CreateSignal(ctx, sig); err != nil {
		return db.Signal{}, fmt.Errorf("persist signal: %w", err)
	}
	return sig, nil
}

// Materialize promotes a provisional signal into the store, swapping its
// synthetic id for a persisted one. Execution actions must never reference a
// provisional id.
func (s *Service) Materialize(ctx context.Context, sig db.Signal) (db.Signal, error) {
	if !sig.Provisional() {
		existing, err := s.db.GetSignal(ctx, sig.ID)
		if err != nil {
			return db.Signal{}, err
		}
		if existing != nil {
			return *existing, nil
		}
		if err := s.db.CreateSignal(ctx, sig); err != nil {
			return db.Signal{}, fmt.Errorf("persist signal: %w", err)
		}
		return sig, nil
	}

	sig.ID = uuid.NewString()
	if err := s.db.CreateSignal(ctx, sig); err != nil {
		return db.Signal{}, fmt.Errorf("materialize signal: %w", err)
	}
	return sig, nil
}

// Get returns one signal from the current batch or the store.
func (s *Service) Get(ctx context.Context, id string) (*db.Signal, error) {
	if batch, ok := s.batch.Last(); ok {
		for _, sig := range batch {
			if sig.ID == id {
				return &sig, nil
			}
		}
	}
	return s.db.GetSignal(ctx, id)
}

// RiskScores returns the cached token -> risk score map, empty when stale.
func (s *Service) RiskScores() map[string]float64 {
	if scores, ok := s.riskData.Get(); ok {
		return scores
	}
	return map[string]float64{}
}

// provisionalID derives a deterministic synthetic id so the same raw signal
// maps to the same identity across refreshes.
func provisionalID(s db.Signal) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s|%s|%v|%d", s.Direction, s.Token, s.Price, s.CreatedAt.Unix())))
	return db.ProvisionalIDPrefix + hex.EncodeToString(sum[:])[:16]
}

func parseTime(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
