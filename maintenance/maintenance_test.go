package maintenance

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
	"github.com/xtaci/p2pconn/handshake"
	"github.com/xtaci/p2pconn/peerpool"
	"github.com/xtaci/p2pconn/wire"
)

// netStream adapts a net.Conn (one end of net.Pipe) into a
// handshake.Stream, the same loopback-pipe adapter handshake_test.go
// and conn/session_test.go use.
type netStream struct{ net.Conn }

func (n netStream) WriteAll(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := n.Conn.Write(p)
	return err
}

func (n netStream) ReadFull(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
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
// values over an in-memory pipe, so tests can register real sessions
// in a peerpool.Pool without a live TCP socket.
func newSessionPair(t *testing.T) (*pconn.Session, *pconn.Session) {
	t.Helper()
	ka, err := crypto.GenerateIdentity(0, "a")
	assert.Nil(t, err)
	kb, err := crypto.GenerateIdentity(0, "b")
	assert.Nil(t, err)
	version := wire.Version{ChainName: "test"}
	meta := config.StaticMetadata{}
	connA, connB := net.Pipe()
	ctx := context.Background()

	type hsResult struct {
		ac  *handshake.AuthenticatedConnection
		err error
	}
	outA := make(chan hsResult, 1)
	outB := make(chan hsResult, 1)
	go func() {
		ac, err := handshake.Authenticate(ctx, netStream{connA}, 0, false, "127.0.0.1", 9732, 30001, ka, version, meta, fixedClock)
		outA <- hsResult{ac, err}
	}()
	go func() {
		ac, err := handshake.Authenticate(ctx, netStream{connB}, 0, true, "127.0.0.1", 9732, 30002, kb, version, meta, fixedClock)
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

// fakeTriggers never fires: the loop only ever wakes on its own timer
// in these tests.
type fakeTriggers struct{}

func (fakeTriggers) NewPeer() <-chan struct{}            { return nil }
func (fakeTriggers) NewPoint() <-chan struct{}           { return nil }
func (fakeTriggers) TooFewConnections() <-chan struct{}  { return nil }
func (fakeTriggers) TooManyConnections() <-chan struct{} { return nil }

// TestMaintenanceBringsTooFewIntoBand is spec.md §8 scenario S7's
// first half: min=10, expected=20, max=30, active=5 must converge into
// [min_threshold=13, max_threshold=27].
func TestMaintenanceBringsTooFewIntoBand(t *testing.T) {
	pool := peerpool.NewMemoryPool()

	var keepAlive []*pconn.Session
	for i := 0; i < 5; i++ {
		a, b := newSessionPair(t)
		pool.Register(peerpool.ConnectionInfo{Session: a, Info: a.Info()})
		keepAlive = append(keepAlive, a, b)
	}
	for i := 0; i < 20; i++ {
		pool.RegisterPoint(wire.Point{Addr: "10.0.0.1", Port: uint16(20000 + i)})
	}

	var mu sync.Mutex
	var spares []*pconn.Session
	connect := peerpool.ConnectHandlerFunc(func(p wire.Point) (*pconn.Session, error) {
		a, b := newSessionPair(t)
		mu.Lock()
		spares = append(spares, b)
		mu.Unlock()
		return a, nil
	})

	bounds, err := config.NewBounds(10, 20, 30)
	assert.Nil(t, err)

	m := New(Config{
		Bounds:                     bounds,
		MaintenanceIdleTime:        50 * time.Millisecond,
		TimeBetweenLookingForPeers: 50 * time.Millisecond,
		SwapLinger:                 time.Second,
		ReconnectBackoff:           time.Second,
	}, pool, connect, fakeTriggers{}, nil, nil, fixedClock)

	m.Start()
	defer m.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	assert.Nil(t, m.WaitJustMaintained(ctx))

	active := pool.ActiveConnections()
	assert.GreaterOrEqual(t, active, bounds.MinThreshold)
	assert.LessOrEqual(t, active, bounds.MaxThreshold)

	_ = keepAlive
	mu.Lock()
	_ = spares
	mu.Unlock()
}

// TestMaintenanceDisconnectsExcess is S7's second half: active=31 must
// be brought down to max_target=24 on the first tick.
func TestMaintenanceDisconnectsExcess(t *testing.T) {
	pool := peerpool.NewMemoryPool()

	var keepAlive []*pconn.Session
	for i := 0; i < 31; i++ {
		a, b := newSessionPair(t)
		pool.Register(peerpool.ConnectionInfo{Session: a, Info: a.Info()})
		keepAlive = append(keepAlive, a, b)
	}

	bounds, err := config.NewBounds(10, 20, 30)
	assert.Nil(t, err)

	connect := peerpool.ConnectHandlerFunc(func(wire.Point) (*pconn.Session, error) {
		t.Fatal("too-many branch must never dial")
		return nil, nil
	})

	m := New(Config{
		Bounds:                     bounds,
		MaintenanceIdleTime:        50 * time.Millisecond,
		TimeBetweenLookingForPeers: 50 * time.Millisecond,
		SwapLinger:                 time.Second,
		ReconnectBackoff:           time.Second,
	}, pool, connect, fakeTriggers{}, nil, nil, fixedClock)

	m.Start()
	defer m.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	assert.Nil(t, m.WaitJustMaintained(ctx))

	active := pool.ActiveConnections()
	assert.LessOrEqual(t, active, bounds.MaxTarget)

	_ = keepAlive
}

func TestClassifyAndTopCandidatesOrdering(t *testing.T) {
	now := fixedClock()
	older := now.Add(-time.Hour)
	newer := now.Add(-time.Minute)

	banned := peerpool.PointInfo{Point: wire.Point{Addr: "a"}, Banned: true}
	assert.Equal(t, classIgnore, classify(banned, nil, false, now))

	neverMissed := peerpool.PointInfo{Point: wire.Point{Addr: "b"}, State: peerpool.StateDisconnected}
	assert.Equal(t, classCandidate, classify(neverMissed, nil, false, now))

	backoffActive := peerpool.PointInfo{Point: wire.Point{Addr: "c"}, State: peerpool.StateDisconnected, LastMiss: &newer, ReconnectAt: now.Add(time.Hour)}
	assert.Equal(t, classSeen, classify(backoffActive, nil, false, now))

	backoffElapsed := peerpool.PointInfo{Point: wire.Point{Addr: "d"}, State: peerpool.StateDisconnected, LastMiss: &older, ReconnectAt: now.Add(-time.Minute)}
	assert.Equal(t, classCandidate, classify(backoffElapsed, nil, false, now))

	connected := peerpool.PointInfo{Point: wire.Point{Addr: "e"}, State: peerpool.StateConnected}
	assert.Equal(t, classSeen, classify(connected, nil, false, now))

	untrustedPrivate := peerpool.PointInfo{Point: wire.Point{Addr: "f"}, State: peerpool.StateDisconnected}
	assert.Equal(t, classIgnore, classify(untrustedPrivate, nil, true, now))

	seen := map[wire.Point]bool{{Addr: "g"}: true}
	alreadySeen := peerpool.PointInfo{Point: wire.Point{Addr: "g"}, State: peerpool.StateDisconnected}
	assert.Equal(t, classIgnore, classify(alreadySeen, seen, false, now))
}

func TestTopCandidatesOrdersNewestMissFirstNoneLast(t *testing.T) {
	now := fixedClock()
	older := now.Add(-time.Hour)
	newer := now.Add(-time.Minute)

	pool := peerpool.NewMemoryPool()
	pA := wire.Point{Addr: "never-missed"}
	pB := wire.Point{Addr: "missed-older", Port: 1}
	pC := wire.Point{Addr: "missed-newer", Port: 2}

	pool.RegisterPoint(pA)
	pool.RegisterPoint(pB)
	pool.RecordMiss(pB, older, -time.Hour) // backoff already elapsed
	pool.RegisterPoint(pC)
	pool.RecordMiss(pC, newer, -time.Hour)

	out := topCandidates(pool, nil, false, now, 3)
	assert.Equal(t, []wire.Point{pC, pB, pA}, out)
}

func TestSwapClockLatestPicksMostRecent(t *testing.T) {
	var c SwapClock
	t0 := fixedClock()
	c.SetAccepted(t0)
	assert.Equal(t, t0, c.Latest())

	t1 := t0.Add(time.Minute)
	c.SetSuccessful(t1)
	assert.Equal(t, t1, c.Latest())

	c.RewindAccepted(t1)
	assert.Equal(t, t1, c.LatestAccepted())
}
