package peerpool

import (
	"math/rand"
	"sync"
	"time"

	"github.com/xtaci/p2pconn/crypto"
	"github.com/xtaci/p2pconn/wire"
)

// MemoryPool is the reference in-memory Pool of SPEC_FULL.md §10: good
// enough to drive maintenance/answerer tests and the cmd/p2pnode demo.
// No persistence beyond process lifetime, per spec.md §1's non-goal on
// storage beyond lookup.
//
// Grounded on agent-tcp/agent.go's agentImpl: a single mutex guarding a
// plain map, the same shape as consensusMu guarding agent's consensus
// participant set, split here into a points table and a connections
// table since callers reason about them independently.
type MemoryPool struct {
	mu     sync.Mutex
	points map[wire.Point]*PointInfo
	conns  map[crypto.PeerID]*ConnectionInfo
	swaps  map[crypto.PeerID]pendingSwap
}

type pendingSwap struct {
	candidate wire.Point
	at        time.Time
}

func NewMemoryPool() *MemoryPool {
	return &MemoryPool{
		points: make(map[wire.Point]*PointInfo),
		conns:  make(map[crypto.PeerID]*ConnectionInfo),
		swaps:  make(map[crypto.PeerID]pendingSwap),
	}
}

func (p *MemoryPool) RegisterPoint(pt wire.Point) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registerLocked(pt)
}

func (p *MemoryPool) registerLocked(pt wire.Point) *PointInfo {
	info, ok := p.points[pt]
	if !ok {
		info = &PointInfo{Point: pt}
		p.points[pt] = info
	}
	return info
}

func (p *MemoryPool) RegisterListOfNewPoints(points []wire.Point) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pt := range points {
		p.registerLocked(pt)
	}
}

func (p *MemoryPool) ListKnownPoints(ignorePrivate bool) []PointInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PointInfo, 0, len(p.points))
	for _, info := range p.points {
		if ignorePrivate && info.Private {
			continue
		}
		out = append(out, *info)
	}
	return out
}

func (p *MemoryPool) Banned(pt wire.Point) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if info, ok := p.points[pt]; ok {
		return info.Banned
	}
	return false
}

func (p *MemoryPool) FoldKnown(fn func(PointInfo) bool) {
	p.mu.Lock()
	snapshot := make([]PointInfo, 0, len(p.points))
	for _, info := range p.points {
		snapshot = append(snapshot, *info)
	}
	p.mu.Unlock()
	for _, info := range snapshot {
		if !fn(info) {
			return
		}
	}
}

func (p *MemoryPool) RecordMiss(pt wire.Point, now time.Time, backoff time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := p.registerLocked(pt)
	missAt := now
	info.LastMiss = &missAt
	info.ReconnectAt = now.Add(backoff)
	info.State = StateDisconnected
}

func (p *MemoryPool) MarkConnecting(pt wire.Point)   { p.setState(pt, StateConnecting) }
func (p *MemoryPool) MarkConnected(pt wire.Point)    { p.setState(pt, StateConnected) }
func (p *MemoryPool) MarkDisconnected(pt wire.Point) { p.setState(pt, StateDisconnected) }

func (p *MemoryPool) setState(pt wire.Point, state PointState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registerLocked(pt).State = state
}

func (p *MemoryPool) FindByPeerID(id crypto.PeerID) (ConnectionInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[id]; ok {
		return *c, true
	}
	return ConnectionInfo{}, false
}

// RandomAddr implements the swap routine's "pick a random connected
// peer (not both private and trusted)" step: trust is read off the
// matching PointInfo for the connection's IDPoint, defaulting to
// untrusted if the point was never separately registered.
func (p *MemoryPool) RandomAddr(noPrivate bool) (ConnectionInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	candidates := make([]ConnectionInfo, 0, len(p.conns))
	for _, c := range p.conns {
		if noPrivate && c.Info.PrivateNode && p.trustedLocked(c.Info.IDPoint) {
			continue
		}
		candidates = append(candidates, *c)
	}
	if len(candidates) == 0 {
		return ConnectionInfo{}, false
	}
	return candidates[rand.Intn(len(candidates))], true
}

func (p *MemoryPool) trustedLocked(pt wire.Point) bool {
	if info, ok := p.points[pt]; ok {
		return info.Trusted
	}
	return false
}

func (p *MemoryPool) ProposeSwapRequest(id crypto.PeerID, candidate wire.Point, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.swaps[id] = pendingSwap{candidate: candidate, at: at}
}

func (p *MemoryPool) PendingSwapRequest(id crypto.PeerID) (wire.Point, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.swaps[id]
	if !ok {
		return wire.Point{}, false
	}
	return s.candidate, true
}

func (p *MemoryPool) Fold(fn func(ConnectionInfo) bool) {
	p.mu.Lock()
	snapshot := make([]ConnectionInfo, 0, len(p.conns))
	for _, c := range p.conns {
		snapshot = append(snapshot, *c)
	}
	p.mu.Unlock()
	for _, c := range snapshot {
		if !fn(c) {
			return
		}
	}
}

func (p *MemoryPool) Register(info ConnectionInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := info.Info.PeerID
	p.conns[id] = &info
	p.registerLocked(info.Info.IDPoint).Private = info.Info.PrivateNode
	p.points[info.Info.IDPoint].State = StateConnected
}

func (p *MemoryPool) Remove(id crypto.PeerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, id)
	delete(p.swaps, id)
}

func (p *MemoryPool) ActiveConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *MemoryPool) ConnectedPeerIDs() []crypto.PeerID {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]crypto.PeerID, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	return ids
}
