// Package maintenance implements the connection maintenance loop of
// spec.md §4.7 (C7): keeping the active connection count within
// [min_threshold, max_threshold] by contacting new peers or
// disconnecting excess ones, and nudging the swap protocol along on
// idle ticks.
//
// The self-rescheduling worker-loop shape (tick, act or sleep, repeat,
// woken either by its own timer or an external signal) generalizes
// agent-tcp/tcp_peer.go's TCPAgent.Update / timer.SystemTimedSched.Put
// idiom, translated from a fixed-interval timer into the idle/trigger
// select loop spec.md §4.7 requires; see classify.go for the
// container/heap-based candidate ordering try_to_contact uses.
package maintenance

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/xtaci/p2pconn/config"
	"github.com/xtaci/p2pconn/events"
	"github.com/xtaci/p2pconn/peerpool"
	"github.com/xtaci/p2pconn/wire"
)

// Discovery is the optional discovery module of spec.md §4.7's
// ask_for_more_contacts ("wake the discovery module if present").
type Discovery interface {
	WakeUp()
}

// Config holds the tunables of spec.md §4.7, derived once at startup.
type Config struct {
	Bounds                     config.Bounds
	MaintenanceIdleTime        time.Duration
	TimeBetweenLookingForPeers time.Duration
	SwapLinger                 time.Duration
	ReconnectBackoff           time.Duration
	PrivateMode                bool
}

// broadcaster is the close-and-replace wake signal used for
// just_maintained, the same idiom conn's byteQueue uses for its
// itemCh/roomCh wakeups.
type broadcaster struct {
	mu sync.Mutex
	ch chan struct{}
}

func newBroadcaster() *broadcaster { return &broadcaster{ch: make(chan struct{})} }

func (b *broadcaster) wait(ctx context.Context) error {
	b.mu.Lock()
	ch := b.ch
	b.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *broadcaster) signal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	close(b.ch)
	b.ch = make(chan struct{})
}

// Maintenance is spec.md §4.7 (C7): one per process, started once,
// stopped on shutdown.
type Maintenance struct {
	cfg       Config
	pool      peerpool.Pool
	connect   peerpool.ConnectHandler
	triggers  peerpool.Triggers
	discovery Discovery
	sink      events.Sink
	clock     func() time.Time

	swap SwapClock

	pleaseMaintain chan struct{}
	justMaintained *broadcaster

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Maintenance loop. discovery may be nil. clock may
// be nil, defaulting to time.Now (tests pass a deterministic clock).
func New(cfg Config, pool peerpool.Pool, connect peerpool.ConnectHandler, triggers peerpool.Triggers, discovery Discovery, sink events.Sink, clock func() time.Time) *Maintenance {
	if clock == nil {
		clock = time.Now
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Maintenance{
		cfg:            cfg,
		pool:           pool,
		connect:        connect,
		triggers:       triggers,
		discovery:      discovery,
		sink:           sink,
		clock:          clock,
		pleaseMaintain: make(chan struct{}, 1),
		justMaintained: newBroadcaster(),
	}
}

// SwapClock exposes the shared process-wide swap timestamps for the
// answerer package to borrow, per spec.md §9's single-owner rule.
func (m *Maintenance) SwapClock() *SwapClock { return &m.swap }

// Start launches the worker loop goroutine.
func (m *Maintenance) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		m.run(ctx)
	}()
}

// Stop cancels the loop and waits for it to exit.
func (m *Maintenance) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}
}

// PleaseMaintain implements spec.md §4.7's please_maintain signal: a
// non-blocking nudge that wakes an idle-sleeping loop early.
func (m *Maintenance) PleaseMaintain() {
	select {
	case m.pleaseMaintain <- struct{}{}:
	default:
	}
}

// WaitJustMaintained blocks until the loop next quiesces inside
// [min_threshold, max_threshold] (or ctx is done), the synchronization point spec.md §8's
// property 10 and scenario S7 test against.
func (m *Maintenance) WaitJustMaintained(ctx context.Context) error {
	return m.justMaintained.wait(ctx)
}

// run implements spec.md §4.7's worker_loop.
func (m *Maintenance) run(ctx context.Context) {
	for ctx.Err() == nil {
		n := m.pool.ActiveConnections()
		switch {
		case n < m.cfg.Bounds.MinThreshold:
			m.sink.Emit(events.Event{Kind: events.EventTooFewConnections, Active: n, MinTarget: m.cfg.Bounds.MinTarget})
			minToContact := m.cfg.Bounds.MinTarget - n
			maxToContact := m.cfg.Bounds.MaxTarget - n
			if maxToContact < minToContact {
				maxToContact = minToContact
			}
			ok := m.tryToContact(ctx, minToContact, maxToContact)
			if !ok && m.pool.ActiveConnections() < m.cfg.Bounds.MinThreshold {
				m.askForMoreContacts(ctx)
			}
		case n > m.cfg.Bounds.MaxThreshold:
			m.sink.Emit(events.Event{Kind: events.EventTooManyConnections, Active: n, MaxTarget: m.cfg.Bounds.MaxTarget})
			m.disconnectExcess(n - m.cfg.Bounds.MaxTarget)
		default:
			m.sink.Emit(events.Event{Kind: events.EventMaintained, Active: n})
			m.justMaintained.signal()
			if !m.cfg.PrivateMode {
				m.sendOneSwapRequest()
			}
			m.idleWait(ctx)
		}
	}
}

// idleWait implements the idle-tick sleep of spec.md §4.7's worker_loop
// "else" branch: sleep until maintenance_idle_time elapses,
// please_maintain is signaled, or a too-few/too-many trigger fires.
func (m *Maintenance) idleWait(ctx context.Context) {
	timer := time.NewTimer(m.cfg.MaintenanceIdleTime)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-m.pleaseMaintain:
	case <-m.triggers.TooFewConnections():
	case <-m.triggers.TooManyConnections():
	case <-ctx.Done():
	}
}

// tryToContact implements spec.md §4.7's try_to_contact(min, max): it
// repeatedly fetches up to max candidates, attempts to connect each,
// and stops once min additional connections succeed or no candidates
// remain at all across the whole run.
func (m *Maintenance) tryToContact(ctx context.Context, min, max int) bool {
	if min <= 0 {
		return true
	}
	seen := make(map[wire.Point]bool)
	succeeded := 0
	for succeeded < min {
		if ctx.Err() != nil {
			return false
		}
		candidates := topCandidates(m.pool, seen, m.cfg.PrivateMode, m.clock(), max)
		if len(candidates) == 0 {
			return false
		}
		for _, pt := range candidates {
			seen[pt] = true
			if succeeded >= min {
				break
			}
			m.pool.MarkConnecting(pt)
			sess, err := m.connect.Connect(pt)
			if err != nil {
				// Failure semantics: per-connection failures only
				// decrement the success count; the loop never aborts
				// on transient errors (spec.md §4.7/§7).
				m.pool.RecordMiss(pt, m.clock(), m.cfg.ReconnectBackoff)
				continue
			}
			m.pool.Register(peerpool.ConnectionInfo{Session: sess, Info: sess.Info()})
			m.pool.MarkConnected(pt)
			succeeded++
		}
	}
	return true
}

// askForMoreContacts implements spec.md §4.7's ask_for_more_contacts.
func (m *Maintenance) askForMoreContacts(ctx context.Context) {
	if m.cfg.PrivateMode {
		m.sleepOrDone(ctx, m.cfg.TimeBetweenLookingForPeers)
		return
	}
	m.broadcastBootstrap()
	if m.discovery != nil {
		m.discovery.WakeUp()
	}
	timer := time.NewTimer(m.cfg.TimeBetweenLookingForPeers)
	defer timer.Stop()
	select {
	case <-m.triggers.NewPeer():
	case <-m.triggers.NewPoint():
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (m *Maintenance) sleepOrDone(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// broadcastBootstrap sends a Bootstrap message to every connected,
// non-private peer.
func (m *Maintenance) broadcastBootstrap() {
	m.pool.Fold(func(ci peerpool.ConnectionInfo) bool {
		if !ci.Info.PrivateNode {
			ci.Session.WriteNow(wire.EncodeBootstrap())
		}
		return true
	})
}

// disconnectExcess randomly picks count connections, excluding any
// that are both private and trusted, and disconnects them in parallel.
func (m *Maintenance) disconnectExcess(count int) {
	if count <= 0 {
		return
	}
	var candidates []peerpool.ConnectionInfo
	m.pool.Fold(func(ci peerpool.ConnectionInfo) bool {
		if ci.Info.PrivateNode && m.trusted(ci.Info.IDPoint) {
			return true
		}
		candidates = append(candidates, ci)
		return true
	})
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if count > len(candidates) {
		count = len(candidates)
	}

	var wg sync.WaitGroup
	for _, ci := range candidates[:count] {
		wg.Add(1)
		go func(ci peerpool.ConnectionInfo) {
			defer wg.Done()
			ci.Session.Close(false)
			m.pool.Remove(ci.Info.PeerID)
			m.pool.MarkDisconnected(ci.Info.IDPoint)
		}(ci)
	}
	wg.Wait()
}

func (m *Maintenance) trusted(p wire.Point) bool {
	trusted := false
	m.pool.FoldKnown(func(info peerpool.PointInfo) bool {
		if info.Point == p {
			trusted = info.Trusted
			return false
		}
		return true
	})
	return trusted
}

// sendOneSwapRequest implements the idle-tick "send one swap-request
// to a chosen peer" step of spec.md §4.7's worker_loop.
func (m *Maintenance) sendOneSwapRequest() {
	target, ok := m.pool.RandomAddr(false)
	if !ok {
		return
	}
	pt, ok := m.pickSwapCandidate()
	if !ok {
		return
	}
	if ok, err := target.Session.WriteNow(wire.EncodeSwapRequest(pt)); err == nil && ok {
		m.pool.ProposeSwapRequest(target.Info.PeerID, pt, m.clock())
	}
}

// pickSwapCandidate chooses a random known, unbanned, disconnected
// point to propose in a swap_request.
func (m *Maintenance) pickSwapCandidate() (wire.Point, bool) {
	var candidates []wire.Point
	m.pool.FoldKnown(func(info peerpool.PointInfo) bool {
		if !info.Banned && info.State == peerpool.StateDisconnected {
			candidates = append(candidates, info.Point)
		}
		return true
	})
	if len(candidates) == 0 {
		return wire.Point{}, false
	}
	return candidates[rand.Intn(len(candidates))], true
}
