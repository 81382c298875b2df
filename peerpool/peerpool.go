// Package peerpool declares the peer-pool/connection-table interfaces
// consumed by the answerer and maintenance packages (spec.md §6), plus
// an in-memory reference Pool sufficient to drive their tests and the
// cmd/p2pnode demo.
//
// The bookkeeping shape (a mutex-guarded map of known points plus a
// mutex-guarded map of live connections) generalizes agent-tcp/agent.go's
// agentImpl, which guards its participant/consensus state behind a
// single consensusMu and exposes AddPeer/RemovePeer; here the same
// guarded-map idiom is split across a points table and a connections
// table, since maintenance and the answerer reason about them
// separately (known-but-unconnected vs. actually-connected).
package peerpool

import (
	"time"

	"github.com/xtaci/p2pconn/conn"
	"github.com/xtaci/p2pconn/crypto"
	"github.com/xtaci/p2pconn/handshake"
	"github.com/xtaci/p2pconn/wire"
)

// PointState is the state machine classify (maintenance.classify)
// reads off a known point.
type PointState int

const (
	// StateDisconnected: no live connection, not currently being dialed.
	StateDisconnected PointState = iota
	// StateConnecting: a dial is in flight.
	StateConnecting
	// StateConnected: a live Session exists for this point.
	StateConnected
)

// PointInfo is the bookkeeping record for a single known point.
type PointInfo struct {
	Point       wire.Point
	State       PointState
	Trusted     bool
	Banned      bool
	Private     bool // the owning peer announced itself private, per its last connection
	LastMiss    *time.Time // nil means "no recorded miss" (Option<last_miss_time>)
	ReconnectAt time.Time  // zero means no backoff in effect
}

// ConnectionInfo pairs a live Session with the handshake-derived info
// maintenance and the answerer need for dispatch decisions.
type ConnectionInfo struct {
	Session *conn.Session
	Info    handshake.ConnectionInfo
}

// Points is the "known points" half of spec.md §6's peer pool: a table
// of reachable addresses, their trust/ban/backoff state, independent of
// whether a live connection currently exists.
type Points interface {
	// RegisterPoint records p as known, if not already present.
	RegisterPoint(p wire.Point)
	// RegisterListOfNewPoints is Default.advertise's target: bulk
	// register, ignoring points already known.
	RegisterListOfNewPoints(points []wire.Point)
	// ListKnownPoints returns all known points; if ignorePrivate,
	// peers who announced themselves private are excluded.
	ListKnownPoints(ignorePrivate bool) []PointInfo
	// Banned reports whether p is on the ban list.
	Banned(p wire.Point) bool
	// FoldKnown folds over every known point, in arbitrary order,
	// short-circuiting if fn returns false.
	FoldKnown(fn func(PointInfo) bool)
	// RecordMiss records a failed connection attempt against p at now,
	// setting its backoff so classify skips it until the backoff elapses.
	RecordMiss(p wire.Point, now time.Time, backoff time.Duration)
	// MarkConnecting/MarkConnected/MarkDisconnected transition p's
	// PointState as dials start, succeed, or end.
	MarkConnecting(p wire.Point)
	MarkConnected(p wire.Point)
	MarkDisconnected(p wire.Point)
}

// Connections is the "live connections" half of spec.md §6's peer
// pool.
type Connections interface {
	// FindByPeerID returns the live connection to id, if any.
	FindByPeerID(id crypto.PeerID) (ConnectionInfo, bool)
	// RandomAddr returns a random connected peer, excluding any that
	// are both private and trusted if noPrivate is set (the swap
	// routine's "pick a random connected peer" step).
	RandomAddr(noPrivate bool) (ConnectionInfo, bool)
	// ProposeSwapRequest records that this connection most recently
	// proposed replacing itself with candidate, for swap_ack's pending
	// check.
	ProposeSwapRequest(id crypto.PeerID, candidate wire.Point, at time.Time)
	// PendingSwapRequest returns the last point id proposed as a swap
	// target for id, if that proposal hasn't since been superseded.
	PendingSwapRequest(id crypto.PeerID) (wire.Point, bool)
	// Fold folds over every live connection, short-circuiting if fn
	// returns false.
	Fold(fn func(ConnectionInfo) bool)
	// Register adds a newly accepted/connected session under its
	// peer id.
	Register(info ConnectionInfo)
	// Remove drops the connection for id, e.g. on disconnect.
	Remove(id crypto.PeerID)
	// ActiveConnections is maintenance's active_connections(pool).
	ActiveConnections() int
	// ConnectedPeerIDs lists every currently connected peer id.
	ConnectedPeerIDs() []crypto.PeerID
}

// Pool bundles Points and Connections behind one handle, the shape
// answerer and maintenance both take as a constructor argument.
type Pool interface {
	Points
	Connections
}

// ConnectHandler dials point and returns the resulting Session, the
// "connect handler" of spec.md §6.
type ConnectHandler interface {
	Connect(p wire.Point) (*conn.Session, error)
}

// ConnectHandlerFunc adapts a plain function to ConnectHandler.
type ConnectHandlerFunc func(wire.Point) (*conn.Session, error)

func (f ConnectHandlerFunc) Connect(p wire.Point) (*conn.Session, error) { return f(p) }

// Triggers is spec.md §6's wait_new_peer/wait_new_point/
// wait_too_few_connections/wait_too_many_connections: channels
// maintenance's idle-tick select multiplexes over.
type Triggers interface {
	NewPeer() <-chan struct{}
	NewPoint() <-chan struct{}
	TooFewConnections() <-chan struct{}
	TooManyConnections() <-chan struct{}
}
