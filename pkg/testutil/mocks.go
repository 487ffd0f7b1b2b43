// Package testutil provides common testing utilities and test doubles.
package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/R3E-Network/strategy_layer/internal/chain"
	"github.com/R3E-Network/strategy_layer/internal/engine/events"
	"github.com/R3E-Network/strategy_layer/internal/ledger"
)

// Addr resolves a readable identity to an address.
func Addr(identity string) chain.Address {
	return chain.ResolveRegistrarAddress(identity)
}

// RecordingSink keeps every emitted event in order.
type RecordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

var _ events.Sink = (*RecordingSink)(nil)

// NewRecordingSink creates an empty sink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

// Emit implements events.Sink.
func (s *RecordingSink) Emit(_ context.Context, ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events returns a copy of the recorded events.
func (s *RecordingSink) Events() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event(nil), s.events...)
}

// Types returns the recorded event types in order.
func (s *RecordingSink) Types() []events.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.EventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

// Last returns the most recent event of the given type.
func (s *RecordingSink) Last(t events.EventType) (events.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Type == t {
			return s.events[i], true
		}
	}
	return events.Event{}, false
}

// Reset drops recorded events.
func (s *RecordingSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

// ErrInjected is returned by FlakyLedger for its scheduled failure.
var ErrInjected = errors.New("testutil: injected transfer failure")

// FlakyLedger forwards single transfers to an in-memory ledger and fails
// the FailOn-th call (1-based). It deliberately does not implement
// ledger.Batcher, so callers exercise their sequential path.
type FlakyLedger struct {
	Inner  *ledger.Memory
	FailOn int

	mu    sync.Mutex
	calls int
}

var _ ledger.Ledger = (*FlakyLedger)(nil)

// NewFlakyLedger wraps inner and fails the failOn-th transfer. Zero never fails.
func NewFlakyLedger(inner *ledger.Memory, failOn int) *FlakyLedger {
	return &FlakyLedger{Inner: inner, FailOn: failOn}
}

// Transfer implements ledger.Transferer.
func (f *FlakyLedger) Transfer(ctx context.Context, from, to chain.Address, asset ledger.AssetID, amount uint64) (ledger.Receipt, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	if f.FailOn > 0 && call == f.FailOn {
		return ledger.Receipt{}, ErrInjected
	}
	return f.Inner.Transfer(ctx, from, to, asset, amount)
}

// Decimals implements ledger.AssetRegistry.
func (f *FlakyLedger) Decimals(ctx context.Context, asset ledger.AssetID) (uint8, error) {
	return f.Inner.Decimals(ctx, asset)
}

// Calls reports how many transfers were attempted.
func (f *FlakyLedger) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start.UTC()}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
