// Package events implements the "event sink" external interface of
// spec.md §6: a typed variant per notable occurrence in the handshake,
// answerer, and maintenance loop, delivered through a best-effort,
// non-blocking Sink.
package events

import "github.com/xtaci/p2pconn/wire"

// Event is the closed set of typed event variants this layer emits.
// Only the payload fields relevant to a variant are populated; Sink
// implementations switch on Kind.
type Event struct {
	Kind EventKind

	PeerID     string
	Point      wire.Point
	Motive     int
	Points     []wire.Point
	Count      int
	Active     int
	MinTarget  int
	MaxTarget  int
}

// EventKind discriminates the Event payload.
type EventKind int

const (
	// EventAnswererPrivateCall fires on every call into a Private
	// answerer (spec.md §4.6: "emit an event per call").
	EventAnswererPrivateCall EventKind = iota
	// EventAdvertiseReceived fires when Default.advertise registers points.
	EventAdvertiseReceived
	// EventBootstrapReplied fires when Default.bootstrap writes an Advertise back.
	EventBootstrapReplied
	// EventSwapAccepted fires when a swap (from swap_request or swap_ack)
	// has connected to its new point.
	EventSwapAccepted
	// EventSwapIgnored fires when a swap_request/swap_ack is ignored (hysteresis or no pending match).
	EventSwapIgnored
	// EventTooFewConnections fires when maintenance finds n < min_threshold.
	EventTooFewConnections
	// EventTooManyConnections fires when maintenance finds n > max_threshold.
	EventTooManyConnections
	// EventMaintained fires once the loop quiesces inside
	// [min_threshold, max_threshold].
	EventMaintained
)

// Sink is a best-effort, non-blocking emit function. Implementations
// must never block the caller and must never panic.
type Sink interface {
	Emit(Event)
}

// NopSink discards every event; useful as a default/test Sink.
type NopSink struct{}

func (NopSink) Emit(Event) {}
