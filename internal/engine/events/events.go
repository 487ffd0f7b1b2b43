// Package events records what happened to strategies and tokens.
//
// Services emit events through a Sink after a state change has committed.
// Emission never feeds back into control flow: sinks swallow their own
// failures.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/strategy_layer/internal/chain"
	"github.com/R3E-Network/strategy_layer/pkg/logger"
)

// EventType classifies an event.
type EventType string

const (
	// Registry
	EventStrategyCreated      EventType = "strategy.created"
	EventOwnerOffered         EventType = "owner.offered"
	EventOwnerOfferCancelled  EventType = "owner.offer_cancelled"
	EventOwnerClaimed         EventType = "owner.claimed"
	EventFeeChangeRequested   EventType = "fee_change.requested"
	EventFeeChangeResolved    EventType = "fee_change.resolved"
	EventPaymentAssetsChanged EventType = "payment_assets.changed"
	EventFeePayeeChanged      EventType = "fee_payee.changed"

	// Tokens
	EventTokenMinted      EventType = "token.minted"
	EventTokenTransferred EventType = "token.transferred"
	EventTokenBurned      EventType = "token.burned"
	EventTokenBorrowed    EventType = "token.borrowed"
	EventTokenReleased    EventType = "token.released"

	// Sessions
	EventSessionStarted EventType = "session.started"
	EventSessionStopped EventType = "session.stopped"

	// Energy
	EventEnergyUsed            EventType = "energy.used"
	EventEnergyRefilled        EventType = "energy.refilled"
	EventRefillCapacityChanged EventType = "refill_capacity.changed"
)

// Event is a structured notification of a committed state change.
type Event struct {
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	Timestamp  time.Time         `json:"timestamp"`
	StrategyID string            `json:"strategy_id,omitempty"`
	TokenID    string            `json:"token_id,omitempty"`
	Actor      string            `json:"actor,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
}

// String returns the JSON form of e.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// Sink receives events.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event Event)

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }

// NoOpSink discards every event.
type NoOpSink struct{}

// Emit implements Sink.
func (NoOpSink) Emit(context.Context, Event) {}

// Multi fans an event out to several sinks in order.
func Multi(sinks ...Sink) Sink {
	flat := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			flat = append(flat, s)
		}
	}
	return SinkFunc(func(ctx context.Context, event Event) {
		for _, s := range flat {
			s.Emit(ctx, event)
		}
	})
}

// LogSink writes each event as a structured log line.
func LogSink(log *logger.Logger) Sink {
	if log == nil {
		log = logger.NewDefault("events")
	}
	return SinkFunc(func(_ context.Context, event Event) {
		entry := log.WithField("event_id", event.ID).WithField("event", string(event.Type))
		if event.StrategyID != "" {
			entry = entry.WithField("strategy_id", event.StrategyID)
		}
		if event.TokenID != "" {
			entry = entry.WithField("token_id", event.TokenID)
		}
		for k, v := range event.Attributes {
			entry = entry.WithField(k, v)
		}
		entry.Debug("event emitted")
	})
}

// Handler is notified of each event recorded in a RingBuffer.
type Handler func(Event)

// Filter decides whether a handler sees an event.
type Filter func(Event) bool

// RingBuffer keeps the most recent events in memory. It is safe for
// concurrent use and implements Sink.
type RingBuffer struct {
	mu       sync.RWMutex
	events   []Event
	size     int
	head     int
	count    int
	handlers []handlerEntry
	nextID   int64
}

type handlerEntry struct {
	id      int64
	filter  Filter
	handler Handler
}

var _ Sink = (*RingBuffer)(nil)

// NewRingBuffer creates a buffer holding at most size events.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

// Emit records event and notifies subscribers outside the lock.
func (rb *RingBuffer) Emit(ctx context.Context, event Event) {
	if event.RequestID == "" {
		if id, ok := ctx.Value(requestIDKey).(string); ok {
			event.RequestID = id
		}
	}

	rb.mu.Lock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	rb.events[rb.head] = event
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}

	handlers := make([]handlerEntry, len(rb.handlers))
	copy(handlers, rb.handlers)
	rb.mu.Unlock()

	for _, h := range handlers {
		if h.filter == nil || h.filter(event) {
			h.handler(event)
		}
	}
}

// Subscribe registers handler for every event. The returned func unsubscribes.
func (rb *RingBuffer) Subscribe(handler Handler) func() {
	return rb.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers handler for events accepted by filter.
func (rb *RingBuffer) SubscribeFiltered(filter Filter, handler Handler) func() {
	rb.mu.Lock()
	id := rb.nextID
	rb.nextID++
	rb.handlers = append(rb.handlers, handlerEntry{id: id, filter: filter, handler: handler})
	rb.mu.Unlock()

	return func() {
		rb.mu.Lock()
		defer rb.mu.Unlock()
		for i, h := range rb.handlers {
			if h.id == id {
				rb.handlers = append(rb.handlers[:i], rb.handlers[i+1:]...)
				return
			}
		}
	}
}

// Recent returns up to n events, newest first.
func (rb *RingBuffer) Recent(n int) []Event {
	return rb.collect(n, nil)
}

// RecentByStrategy returns up to n events for one strategy, newest first.
func (rb *RingBuffer) RecentByStrategy(strategyID string, n int) []Event {
	return rb.collect(n, func(e Event) bool { return e.StrategyID == strategyID })
}

// RecentByToken returns up to n events for one token, newest first.
func (rb *RingBuffer) RecentByToken(tokenID string, n int) []Event {
	return rb.collect(n, func(e Event) bool { return e.TokenID == tokenID })
}

// RecentByType returns up to n events of one type, newest first.
func (rb *RingBuffer) RecentByType(eventType EventType, n int) []Event {
	return rb.collect(n, func(e Event) bool { return e.Type == eventType })
}

func (rb *RingBuffer) collect(n int, keep Filter) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}

	var result []Event
	for i := 0; i < rb.count && len(result) < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		if keep == nil || keep(rb.events[idx]) {
			result = append(result, rb.events[idx])
		}
	}
	return result
}

// Count returns the number of buffered events.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Clear drops all buffered events.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.events = make([]Event, rb.size)
	rb.head = 0
	rb.count = 0
}

type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID attaches a request ID that sinks copy onto events.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFrom returns the request ID attached to ctx, if any.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Builder assembles an Event.
type Builder struct {
	event Event
}

// NewEvent starts an event of the given type.
func NewEvent(eventType EventType) *Builder {
	return &Builder{event: Event{Type: eventType, Timestamp: time.Now().UTC()}}
}

// Strategy sets the strategy the event concerns.
func (b *Builder) Strategy(id chain.Address) *Builder {
	b.event.StrategyID = chain.Hex(id)
	return b
}

// Token sets the token the event concerns.
func (b *Builder) Token(id chain.Address) *Builder {
	b.event.TokenID = chain.Hex(id)
	return b
}

// Actor sets the caller that caused the event.
func (b *Builder) Actor(a chain.Address) *Builder {
	b.event.Actor = chain.Hex(a)
	return b
}

// At overrides the timestamp.
func (b *Builder) At(ts time.Time) *Builder {
	b.event.Timestamp = ts.UTC()
	return b
}

// Attr adds an attribute.
func (b *Builder) Attr(key, value string) *Builder {
	if b.event.Attributes == nil {
		b.event.Attributes = make(map[string]string)
	}
	b.event.Attributes[key] = value
	return b
}

// Build returns the event with an ID assigned.
func (b *Builder) Build() Event {
	if b.event.ID == "" {
		b.event.ID = uuid.NewString()
	}
	return b.event
}

// EmitTo builds the event and hands it to sink. A nil sink is ignored.
func (b *Builder) EmitTo(ctx context.Context, sink Sink) {
	if sink == nil {
		return
	}
	ev := b.Build()
	if ev.RequestID == "" {
		ev.RequestID = RequestIDFrom(ctx)
	}
	sink.Emit(ctx, ev)
}
