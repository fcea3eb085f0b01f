package cache

import (
	"testing"
	"time"
)

type fakeClock struct {
	at time.Time
}

func (c *fakeClock) now() time.Time { return c.at }

func (c *fakeClock) advance(d time.Duration) { c.at = c.at.Add(d) }

func TestSnapshotTTL(t *testing.T) {
	clock := &fakeClock{at: time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)}
	s := NewSnapshot[string](5*time.Minute, clock.now)

	if _, ok := s.Get(); ok {
		t.Error("empty snapshot must miss")
	}

	s.Set("batch-1")
	if v, ok := s.Get(); !ok || v != "batch-1" {
		t.Errorf("expected fresh hit, got %q %v", v, ok)
	}

	clock.advance(6 * time.Minute)
	if _, ok := s.Get(); ok {
		t.Error("expected miss past TTL")
	}

	// Degraded reads still see the stale value.
	if v, ok := s.Last(); !ok || v != "batch-1" {
		t.Errorf("Last must return the stale value, got %q %v", v, ok)
	}

	age, ok := s.Age()
	if !ok || age != 6*time.Minute {
		t.Errorf("expected age 6m, got %v %v", age, ok)
	}
}

func TestPriceCacheExpiry(t *testing.T) {
	clock := &fakeClock{at: time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)}
	c := NewPriceCache(time.Minute, clock.now)

	c.Set("SOLUSDT", 150)
	c.Set("ETHUSDT", 3000)

	if p, ok := c.Get("SOLUSDT"); !ok || p != 150 {
		t.Errorf("expected fresh price, got %v %v", p, ok)
	}
	if _, ok := c.Get("BTCUSDT"); ok {
		t.Error("unknown symbol must miss")
	}

	clock.advance(2 * time.Minute)
	if _, ok := c.Get("SOLUSDT"); ok {
		t.Error("expected miss past max age")
	}

	if removed := c.Cleanup(); removed != 2 {
		t.Errorf("expected 2 expired entries removed, got %d", removed)
	}
	if c.Len() != 0 {
		t.Errorf("expected empty cache after cleanup, got %d", c.Len())
	}
}
