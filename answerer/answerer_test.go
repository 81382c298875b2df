package answerer

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xtaci/p2pconn/config"
	pconn "github.com/xtaci/p2pconn/conn"
	"github.com/xtaci/p2pconn/crypto"
	"github.com/xtaci/p2pconn/events"
	"github.com/xtaci/p2pconn/handshake"
	"github.com/xtaci/p2pconn/maintenance"
	"github.com/xtaci/p2pconn/peerpool"
	"github.com/xtaci/p2pconn/wire"
)

type netStream struct{ net.Conn }

func (n netStream) WriteAll(ctx context.Context, p []byte) error {
	_, err := n.Conn.Write(p)
	return err
}

func (n netStream) ReadFull(ctx context.Context, p []byte) error {
	off := 0
	for off < len(p) {
		k, err := n.Conn.Read(p[off:])
		off += k
		if err != nil {
			return err
		}
	}
	return nil
}

func fixedClock() time.Time { return time.Unix(1700000000, 0) }

// newSessionPair builds two connected, authenticated *conn.Session
// values over an in-memory pipe. privateB sets the "b" side's
// StaticMetadata.Private, so b's own session classifies its connection
// to "a" as private; a's view of the connection stays non-private.
func newSessionPair(t *testing.T, privateB bool) (*pconn.Session, *pconn.Session) {
	t.Helper()
	ka, err := crypto.GenerateIdentity(0, "a")
	assert.Nil(t, err)
	kb, err := crypto.GenerateIdentity(0, "b")
	assert.Nil(t, err)
	version := wire.Version{ChainName: "test"}
	metaA := config.StaticMetadata{}
	metaB := config.StaticMetadata{Private: privateB}
	connA, connB := net.Pipe()
	ctx := context.Background()

	type hsResult struct {
		ac  *handshake.AuthenticatedConnection
		err error
	}
	outA := make(chan hsResult, 1)
	outB := make(chan hsResult, 1)
	go func() {
		ac, err := handshake.Authenticate(ctx, netStream{connA}, 0, false, "127.0.0.1", 9732, 30001, ka, version, metaA, fixedClock)
		outA <- hsResult{ac, err}
	}()
	go func() {
		ac, err := handshake.Authenticate(ctx, netStream{connB}, 0, true, "127.0.0.1", 9732, 30002, kb, version, metaB, fixedClock)
		outB <- hsResult{ac, err}
	}()
	resA := <-outA
	resB := <-outB
	assert.Nil(t, resA.err)
	assert.Nil(t, resB.err)

	type acceptResult struct {
		s   *pconn.Session
		err error
	}
	sessA := make(chan acceptResult, 1)
	sessB := make(chan acceptResult, 1)
	go func() {
		s, err := pconn.Accept(ctx, resA.ac, wire.ProtoEncoding{}, 1<<20, 1<<20, 4096, nil)
		sessA <- acceptResult{s, err}
	}()
	go func() {
		s, err := pconn.Accept(ctx, resB.ac, wire.ProtoEncoding{}, 1<<20, 1<<20, 4096, nil)
		sessB <- acceptResult{s, err}
	}()
	ra := <-sessA
	rb := <-sessB
	assert.Nil(t, ra.err)
	assert.Nil(t, rb.err)
	return ra.s, rb.s
}

type spySink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *spySink) Emit(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *spySink) kinds() []events.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.EventKind, len(s.events))
	for i, e := range s.events {
		out[i] = e.Kind
	}
	return out
}

func TestPrivateSwallowsEveryCallAndEmits(t *testing.T) {
	sink := &spySink{}
	id, err := crypto.GenerateIdentity(0, "peer")
	assert.Nil(t, err)
	p := NewPrivate(id.PeerID, sink)

	p.Advertise([]wire.Point{{Addr: "x"}})
	p.Bootstrap()
	p.SwapRequest(wire.Point{Addr: "y"})
	p.SwapAck(wire.Point{Addr: "z"})

	assert.Equal(t, 4, len(sink.kinds()))
	for _, k := range sink.kinds() {
		assert.Equal(t, events.EventAnswererPrivateCall, k)
	}
}

func TestDefaultAdvertiseRegistersPoints(t *testing.T) {
	a, b := newSessionPair(t, false)
	defer a.Close(false)
	defer b.Close(false)

	pool := peerpool.NewMemoryPool()
	d := NewDefault(Config{Pool: pool, Session: a, Clock: fixedClock})

	pts := []wire.Point{{Addr: "10.0.0.1", Port: 1}, {Addr: "10.0.0.2", Port: 2}}
	d.Advertise(pts)

	known := pool.ListKnownPoints(false)
	assert.Equal(t, 2, len(known))
}

func TestDefaultBootstrapIgnoredWhenPrivate(t *testing.T) {
	a, b := newSessionPair(t, true) // b classifies its connection as private
	defer a.Close(false)
	defer b.Close(false)

	pool := peerpool.NewMemoryPool()
	// d answers on b's side of the wire, representing a private connection.
	d := NewDefault(Config{Pool: pool, Session: b, Clock: fixedClock})
	assert.True(t, d.private)

	d.Bootstrap()

	_, _, found := a.ReadNow()
	assert.False(t, found)
}

func TestDefaultBootstrapRepliesWithKnownNonPrivatePoints(t *testing.T) {
	a, b := newSessionPair(t, false)
	defer a.Close(false)
	defer b.Close(false)

	pool := peerpool.NewMemoryPool()
	pool.RegisterPoint(wire.Point{Addr: "10.0.0.1", Port: 1})
	d := NewDefault(Config{Pool: pool, Session: b, Clock: fixedClock})

	d.Bootstrap()

	_, msg, err := a.Read(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, wire.KindAdvertise, msg.Kind)
	pts, err := wire.DecodeAdvertise(&msg)
	assert.Nil(t, err)
	assert.Equal(t, 1, len(pts))
}

func TestDefaultSwapRequestIgnoredDuringLinger(t *testing.T) {
	a, b := newSessionPair(t, false)
	defer a.Close(false)
	defer b.Close(false)

	pool := peerpool.NewMemoryPool()
	var clock maintenance.SwapClock
	clock.SetAccepted(fixedClock())

	sink := &spySink{}
	d := NewDefault(Config{
		Pool: pool, Session: b, SwapClock: &clock,
		SwapLinger: time.Hour, Sink: sink, Clock: fixedClock,
	})

	d.SwapRequest(wire.Point{Addr: "10.0.0.9"})

	assert.Equal(t, []events.EventKind{events.EventSwapIgnored}, sink.kinds())
}

func TestDefaultSwapRequestPerformsSwapOnSuccess(t *testing.T) {
	a, b := newSessionPair(t, false)
	defer a.Close(false)
	defer b.Close(false)

	// victim: a third, already-connected session registered in the pool.
	victimSess, victimPeer := newSessionPair(t, false)
	defer victimPeer.Close(false)

	pool := peerpool.NewMemoryPool()
	pool.Register(peerpool.ConnectionInfo{Session: victimSess, Info: victimSess.Info()})

	replacementSess, replacementPeer := newSessionPair(t, false)
	defer replacementPeer.Close(false)

	connect := peerpool.ConnectHandlerFunc(func(wire.Point) (*pconn.Session, error) {
		return replacementSess, nil
	})

	var clock maintenance.SwapClock
	sink := &spySink{}
	d := NewDefault(Config{
		Pool: pool, Connect: connect, SwapClock: &clock, Session: b,
		SwapLinger: time.Minute, Sink: sink, Clock: fixedClock,
	})

	newPoint := wire.Point{Addr: "10.0.0.42", Port: 9}
	d.SwapRequest(newPoint)

	// swap_request must have written a SwapAck back to a.
	_, msg, err := a.Read(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, wire.KindSwapAck, msg.Kind)

	assert.Equal(t, 1, len(pool.ConnectedPeerIDs()))
	_, connected := pool.FindByPeerID(replacementSess.Info().PeerID)
	assert.True(t, connected)
	assert.Equal(t, fixedClock(), clock.LatestSuccessful())

	kinds := sink.kinds()
	assert.Equal(t, events.EventSwapAccepted, kinds[len(kinds)-1])
}

func TestDefaultSwapAckIgnoredWithoutPendingRequest(t *testing.T) {
	a, b := newSessionPair(t, false)
	defer a.Close(false)
	defer b.Close(false)

	pool := peerpool.NewMemoryPool()
	var clock maintenance.SwapClock
	sink := &spySink{}
	d := NewDefault(Config{Pool: pool, SwapClock: &clock, Session: b, Sink: sink, Clock: fixedClock})

	d.SwapAck(wire.Point{Addr: "10.0.0.1"})

	assert.Equal(t, []events.EventKind{events.EventSwapIgnored}, sink.kinds())
}

func TestDefaultSwapAckPerformsSwapWhenPendingAndUnfulfilled(t *testing.T) {
	a, b := newSessionPair(t, false)

	pool := peerpool.NewMemoryPool()
	pool.Register(peerpool.ConnectionInfo{Session: a, Info: a.Info()})
	pool.ProposeSwapRequest(a.Info().PeerID, wire.Point{Addr: "proposed"}, fixedClock())

	replacementSess, replacementPeer := newSessionPair(t, false)
	defer replacementPeer.Close(false)
	connect := peerpool.ConnectHandlerFunc(func(wire.Point) (*pconn.Session, error) {
		return replacementSess, nil
	})

	var clock maintenance.SwapClock
	sink := &spySink{}
	// d answers on the "a" connection's own side, i.e. this is the
	// connection whose peer id is a.Info().PeerID from the pool's
	// perspective. We simulate that by constructing Default directly
	// with that peer id instead of deriving it from a second session.
	d := &Default{
		pool: pool, connect: connect, swapClock: &clock, session: b,
		peerID: a.Info().PeerID, sink: sink, clock: fixedClock,
	}
	defer b.Close(false)

	newPoint := wire.Point{Addr: "10.0.0.55", Port: 7}
	d.SwapAck(newPoint)

	assert.Equal(t, fixedClock(), clock.LatestSuccessful())
	kinds := sink.kinds()
	assert.Equal(t, events.EventSwapAccepted, kinds[len(kinds)-1])

	// the superseded connection (a, registered under its own peer id) was removed.
	_, found := pool.FindByPeerID(a.Info().PeerID)
	assert.False(t, found)
}
