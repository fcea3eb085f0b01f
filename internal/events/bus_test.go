package events

import (
	"testing"
)

func TestPublishReachesSubscribers(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(EventTradeExecuted, 1)
	defer cancel()

	b.Publish(EventTradeExecuted, "payload")
	select {
	case got := <-ch:
		if got != "payload" {
			t.Errorf("unexpected payload: %v", got)
		}
	default:
		t.Fatal("expected a delivered payload")
	}

	// Other topics never leak in.
	b.Publish(EventTradeFailed, "other")
	select {
	case got := <-ch:
		t.Errorf("unexpected cross-topic delivery: %v", got)
	default:
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(EventNotification, 1)
	cancel()

	if _, open := <-ch; open {
		t.Error("expected closed channel after cancel")
	}

	// Publishing after cancel is a no-op.
	b.Publish(EventNotification, "late")
}

func TestSlowSubscriberDropsAndCounts(t *testing.T) {
	b := NewBus()
	_, cancel := b.Subscribe(EventPortfolioRefreshed, 1)
	defer cancel()

	b.Publish(EventPortfolioRefreshed, 1)
	b.Publish(EventPortfolioRefreshed, 2) // buffer full, dropped
	b.Publish(EventPortfolioRefreshed, 3)

	if got := b.Dropped(); got != 2 {
		t.Errorf("expected 2 dropped payloads, got %d", got)
	}
}
