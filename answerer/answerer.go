// Package answerer implements spec.md §4.6 (C6): the per-connection
// dispatch table reacting to inbound non-application control messages
// (advertise, bootstrap, swap request/ack).
//
// The dispatch-by-message-kind shape generalizes agent-tcp/tcp_peer.go's
// handleGossip switch, specialized here to the four control message
// kinds the wire package defines; Private/Default mirror that file's
// split between a peer that merely acknowledges traffic and one that
// actually acts on it.
package answerer

import (
	"github.com/xtaci/p2pconn/crypto"
	"github.com/xtaci/p2pconn/events"
	"github.com/xtaci/p2pconn/wire"
)

// Answerer is the per-connection reaction table spec.md §4.6 specifies:
// one instance per live Session, invoked as Dispatch decodes inbound
// control envelopes off that connection's Reader queue.
type Answerer interface {
	Advertise(points []wire.Point)
	Bootstrap()
	SwapRequest(newPoint wire.Point)
	SwapAck(newPoint wire.Point)
}

// Dispatch decodes e and routes it to the matching Answerer method.
// KindApplication is left to the caller; it is not a control message.
func Dispatch(a Answerer, e wire.Envelope) error {
	switch e.Kind {
	case wire.KindAdvertise:
		points, err := wire.DecodeAdvertise(&e)
		if err != nil {
			return err
		}
		a.Advertise(points)
	case wire.KindBootstrap:
		a.Bootstrap()
	case wire.KindSwapRequest:
		p, err := wire.DecodeSwapRequest(&e)
		if err != nil {
			return err
		}
		a.SwapRequest(p)
	case wire.KindSwapAck:
		p, err := wire.DecodeSwapAck(&e)
		if err != nil {
			return err
		}
		a.SwapAck(p)
	}
	return nil
}

// Private is the answerer variant for connections spec.md §4.6 marks
// private: it swallows every call, emitting one event each so the
// activity is still observable.
type Private struct {
	peerID crypto.PeerID
	sink   events.Sink
}

// NewPrivate constructs a Private answerer for the connection to peerID.
func NewPrivate(peerID crypto.PeerID, sink events.Sink) *Private {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Private{peerID: peerID, sink: sink}
}

func (p *Private) Advertise([]wire.Point)  { p.emit() }
func (p *Private) Bootstrap()              { p.emit() }
func (p *Private) SwapRequest(wire.Point)  { p.emit() }
func (p *Private) SwapAck(wire.Point)      { p.emit() }

func (p *Private) emit() {
	p.sink.Emit(events.Event{Kind: events.EventAnswererPrivateCall, PeerID: p.peerID.String()})
}
