package answerer

import (
	"time"

	"github.com/xtaci/p2pconn/conn"
	"github.com/xtaci/p2pconn/crypto"
	"github.com/xtaci/p2pconn/events"
	"github.com/xtaci/p2pconn/maintenance"
	"github.com/xtaci/p2pconn/peerpool"
	"github.com/xtaci/p2pconn/wire"
)

// Config gathers Default's dependencies: the shared pool and connect
// handler, the single process-wide SwapClock owned by maintenance.Maintenance,
// and this connection's own Session (swap_request/bootstrap write their
// replies back on it).
type Config struct {
	Pool             peerpool.Pool
	Connect          peerpool.ConnectHandler
	SwapClock        *maintenance.SwapClock
	Session          *conn.Session
	SwapLinger       time.Duration
	ReconnectBackoff time.Duration
	Sink             events.Sink
	Clock            func() time.Time
}

// Default is spec.md §4.6's acting answerer variant, one per live,
// non-private connection.
type Default struct {
	pool             peerpool.Pool
	connect          peerpool.ConnectHandler
	swapClock        *maintenance.SwapClock
	session          *conn.Session
	peerID           crypto.PeerID
	private          bool
	swapLinger       time.Duration
	reconnectBackoff time.Duration
	sink             events.Sink
	clock            func() time.Time
}

// NewDefault constructs a Default answerer bound to cfg.Session's
// connection.
func NewDefault(cfg Config) *Default {
	info := cfg.Session.Info()
	sink := cfg.Sink
	if sink == nil {
		sink = events.NopSink{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Default{
		pool:             cfg.Pool,
		connect:          cfg.Connect,
		swapClock:        cfg.SwapClock,
		session:          cfg.Session,
		peerID:           info.PeerID,
		private:          info.PrivateNode,
		swapLinger:       cfg.SwapLinger,
		reconnectBackoff: cfg.ReconnectBackoff,
		sink:             sink,
		clock:            clock,
	}
}

// Advertise implements spec.md §4.6's Default.advertise(points).
func (d *Default) Advertise(points []wire.Point) {
	d.pool.RegisterListOfNewPoints(points)
	d.sink.Emit(events.Event{Kind: events.EventAdvertiseReceived, PeerID: d.peerID.String(), Count: len(points)})
}

// Bootstrap implements spec.md §4.6's Default.bootstrap: ignored on a
// private connection, else replies with the known non-private points.
func (d *Default) Bootstrap() {
	if d.private {
		return
	}
	known := d.pool.ListKnownPoints(true)
	points := make([]wire.Point, 0, len(known))
	for _, info := range known {
		points = append(points, info.Point)
	}
	d.session.WriteNow(wire.EncodeAdvertise(points))
	d.sink.Emit(events.Event{Kind: events.EventBootstrapReplied, PeerID: d.peerID.String(), Count: len(points)})
}

// SwapRequest implements spec.md §4.6's Default.swap_request(new_point,
// _peer): hysteresis gate, reject an already-live new_point, otherwise
// pick a victim to offer back and perform the swap.
func (d *Default) SwapRequest(newPoint wire.Point) {
	now := d.clock()
	if now.Sub(d.swapClock.Latest()) < d.swapLinger {
		d.ignore(newPoint)
		return
	}
	if d.pointLive(newPoint) {
		d.ignore(newPoint)
		return
	}
	victim, ok := d.pool.RandomAddr(true)
	if !ok {
		d.ignore(newPoint)
		return
	}
	if ok, err := d.session.WriteNow(wire.EncodeSwapAck(victim.Info.IDPoint)); err != nil || !ok {
		return
	}
	d.performSwap(now, newPoint, victim, true)
}

// SwapAck implements spec.md §4.6's Default.swap_ack(new_point, _peer):
// acted on only if this connection still has a matching pending
// swap_request and the pool has no live connection to the point it
// proposed.
func (d *Default) SwapAck(newPoint wire.Point) {
	proposed, ok := d.pool.PendingSwapRequest(d.peerID)
	if !ok || d.pointLive(proposed) {
		d.ignore(newPoint)
		return
	}
	self, found := d.pool.FindByPeerID(d.peerID)
	d.performSwap(d.clock(), newPoint, self, found)
}

// performSwap implements the swap routine shared by swap_request and
// swap_ack: accept now, attempt connect(target), and on success
// disconnect the superseded connection (the offered victim for
// swap_request, this connection itself for swap_ack).
func (d *Default) performSwap(now time.Time, target wire.Point, supersede peerpool.ConnectionInfo, hasSupersede bool) {
	d.swapClock.SetAccepted(now)
	d.pool.MarkConnecting(target)
	sess, err := d.connect.Connect(target)
	if err != nil {
		d.pool.RecordMiss(target, now, d.reconnectBackoff)
		d.swapClock.RewindAccepted(d.swapClock.LatestSuccessful())
		d.ignore(target)
		return
	}
	d.pool.Register(peerpool.ConnectionInfo{Session: sess, Info: sess.Info()})
	d.pool.MarkConnected(target)
	d.swapClock.SetSuccessful(now)
	d.sink.Emit(events.Event{Kind: events.EventSwapAccepted, PeerID: d.peerID.String(), Point: target})

	if hasSupersede {
		supersede.Session.Close(false)
		d.pool.Remove(supersede.Info.PeerID)
		d.pool.MarkDisconnected(supersede.Info.IDPoint)
	}
}

// pointLive reports whether p's known state is anything but
// Disconnected (Connecting or Connected) — the "already non-disconnected"
// guard of swap_request, reused for swap_ack's pending-point check.
func (d *Default) pointLive(p wire.Point) bool {
	live := false
	d.pool.FoldKnown(func(info peerpool.PointInfo) bool {
		if info.Point == p {
			live = info.State != peerpool.StateDisconnected
			return false
		}
		return true
	})
	return live
}

func (d *Default) ignore(p wire.Point) {
	d.sink.Emit(events.Event{Kind: events.EventSwapIgnored, PeerID: d.peerID.String(), Point: p})
}
