// Package stream delivers engine events to subscribers: WebSocket clients
// grouped into per-user and per-symbol rooms, and a Kafka topic.
//
// Publishing never blocks the caller. Sinks with bounded queues drop events
// when full and count the drop.
package stream

import (
	"sync"
	"time"
)

// Event types.
const (
	TypeOrderUpdated     = "order:updated"
	TypeTradeRecorded    = "trade:recorded"
	TypeOrderBookUpdated = "orderbook:updated"
	TypeMarketTicker     = "market:ticker"
)

// Event is one message addressed to a topic.
type Event struct {
	Type      string    `json:"type"`
	Topic     string    `json:"topic"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// UserTopic is the room of one user's private events.
func UserTopic(userID string) string { return "user:" + userID }

// SymbolTopic is the room of one symbol's public events.
func SymbolTopic(symbol string) string { return "symbol:" + symbol }

// Sink receives events. Publish must not block.
type Sink interface {
	Publish(Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}

// Fanout publishes each event to every sink in order.
type Fanout []Sink

func (f Fanout) Publish(ev Event) {
	for _, s := range f {
		s.Publish(ev)
	}
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns recorded events with the given type.
func (r *Recorder) OfType(typ string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// Reset forgets recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
