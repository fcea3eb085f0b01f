// Package events carries the core's broadcast topics: signal lifecycle,
// trade outcomes, portfolio refreshes and user notifications.
package events

import (
	"sync"
	"sync/atomic"
)

// Event is a broadcast topic.
type Event string

const (
	EventSignalPublished    Event = "signal.published"
	EventSignalClaimed      Event = "signal.claimed"
	EventTradeExecuted      Event = "trade.executed"
	EventTradeFailed        Event = "trade.failed"
	EventCycleUpdated       Event = "cycle.updated"
	EventPortfolioRefreshed Event = "portfolio.refreshed"
	EventNotification       Event = "notification"
)

// Bus fans payloads out to channel subscribers per topic. Publishing never
// blocks: a subscriber whose buffer is full loses the payload, counted in
// Dropped.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Event][]chan any
	dropped atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan any)}
}

// Subscribe registers a buffered listener on a topic. The returned cancel
// function removes the subscription and closes the channel.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	b.subs[e] = append(b.subs[e], ch)

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[e]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.subs[e] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

// Publish delivers the payload to every subscriber of the topic with room
// in its buffer.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- payload:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many payloads were discarded on full buffers since
// the bus was created.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
