// Package notify defines the notification boundary. Delivery (Telegram,
// push, sockets) lives outside the core; the core only emits.
package notify

import (
	"log"

	"signal-core/internal/events"
)

// Kind classifies a notification for downstream routing.
type Kind string

const (
	KindSignal    Kind = "signal"
	KindTrade     Kind = "trade"
	KindCycle     Kind = "cycle"
	KindPortfolio Kind = "portfolio"
)

// Message is one user-facing notification.
type Message struct {
	UserID    string `json:"userId"`
	Text      string `json:"text"`
	Kind      Kind   `json:"kind"`
	RelatedID string `json:"relatedId,omitempty"`
}

// Sink receives notifications fire-and-forget. Injected everywhere a
// notification is emitted; never a process-wide singleton.
type Sink interface {
	Notify(userID, text string, kind Kind, relatedID string)
}

// BusSink publishes notifications onto the event bus, where the websocket
// handler and any external delivery workers pick them up.
type BusSink struct {
	Bus *events.Bus
}

func (s *BusSink) Notify(userID, text string, kind Kind, relatedID string) {
	if s.Bus == nil {
		return
	}
	s.Bus.Publish(events.EventNotification, Message{
		UserID:    userID,
		Text:      text,
		Kind:      kind,
		RelatedID: relatedID,
	})
}

// LogSink writes notifications to the process log. Useful in tests and as a
// fallback when no bus is wired.
type LogSink struct{}

func (LogSink) Notify(userID, text string, kind Kind, relatedID string) {
	log.Printf("notify [%s] user=%s related=%s: %s", kind, userID, relatedID, text)
}

// NopSink discards notifications.
type NopSink struct{}

func (NopSink) Notify(string, string, Kind, string) {}
