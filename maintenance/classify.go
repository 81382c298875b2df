package maintenance

import (
	"container/heap"
	"time"

	"github.com/xtaci/p2pconn/peerpool"
	"github.com/xtaci/p2pconn/wire"
)

// classification is classify(point)'s result (spec.md §4.7).
type classification int

const (
	classIgnore classification = iota
	classCandidate
	classSeen
)

// classify implements spec.md §4.7's classify(point): Ignore if
// banned, already seen this try_to_contact loop, or (in private mode)
// not trusted; else Candidate if Disconnected with no recent miss or
// an elapsed backoff, else Seen.
func classify(info peerpool.PointInfo, seen map[wire.Point]bool, privateMode bool, now time.Time) classification {
	if info.Banned || seen[info.Point] {
		return classIgnore
	}
	if privateMode && !info.Trusted {
		return classIgnore
	}
	if info.State != peerpool.StateDisconnected {
		return classSeen
	}
	if info.LastMiss == nil || !now.Before(info.ReconnectAt) {
		return classCandidate
	}
	return classSeen
}

// candidate pairs a point with its last-miss time for the priority
// heap below.
type candidate struct {
	point    wire.Point
	lastMiss *time.Time
}

// candidateHeap is the "bounded max-heap keyed by Option<last_miss_time>,
// None < Some t, newest-miss first" of spec.md §4.7: a never-missed
// point (None) sorts last, and among points with a recorded miss the
// most recently missed sorts first. container/heap.Pop then yields
// candidates in exactly that priority order.
type candidateHeap []candidate

func (h candidateHeap) Len() int { return len(h) }

func (h candidateHeap) Less(i, j int) bool {
	a, b := h[i].lastMiss, h[j].lastMiss
	switch {
	case a == nil:
		return false // None never outranks anything
	case b == nil:
		return true // Some(t) always outranks None
	default:
		return a.After(*b) // more recent miss outranks an older one
	}
}

func (h candidateHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }

func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// topCandidates returns up to max points classified as Candidate,
// ordered by candidateHeap's priority, the "fetch up to max candidates
// from known points" step of try_to_contact.
func topCandidates(pool peerpool.Points, seen map[wire.Point]bool, privateMode bool, now time.Time, max int) []wire.Point {
	h := &candidateHeap{}
	heap.Init(h)
	pool.FoldKnown(func(info peerpool.PointInfo) bool {
		if classify(info, seen, privateMode, now) == classCandidate {
			heap.Push(h, candidate{point: info.Point, lastMiss: info.LastMiss})
		}
		return true
	})
	n := max
	if h.Len() < n {
		n = h.Len()
	}
	out := make([]wire.Point, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, heap.Pop(h).(candidate).point)
	}
	return out
}
