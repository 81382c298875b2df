// Package ioscheduler implements the I/O scheduler consumed by the
// rest of this module (spec.md §6): write/read_full/close/stat/id over
// a raw stream, driven by a single async reactor shared by every
// connection in the process.
//
// This is a direct generalization of the teacher's own use of
// github.com/xtaci/gaio in agent-tcp/agent.go: one shared
// *gaio.Watcher, one dispatch goroutine draining WaitIO() and routing
// each completion back to whichever caller is waiting on it. The
// teacher hardcodes that routing to a two-state consensus read loop
// (stateReadSize/stateReadMessage); here it's generalized into a
// request/response router keyed by the pending request itself, so any
// number of unrelated Reader/Writer goroutines can multiplex the one
// reactor.
package ioscheduler

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtaci/gaio"
)

// defaultIOTimeout bounds a read/write with no context deadline of its
// own; named after the teacher's defaultReadTimeout/defaultWriteTimeout
// constants in agent-tcp/agent.go and agent-tcp/tcp_peer.go.
const defaultIOTimeout = 10 * time.Minute

// Scheduler multiplexes many Streams over one gaio reactor.
type Scheduler struct {
	watcher *gaio.Watcher

	closeOnce sync.Once
	closeErr  error
}

// NewScheduler starts the reactor and its dispatch goroutine.
func NewScheduler() (*Scheduler, error) {
	w, err := gaio.NewWatcher()
	if err != nil {
		return nil, err
	}
	s := &Scheduler{watcher: w}
	go s.dispatchLoop()
	return s, nil
}

// request is used both as the channel-carrying completion box and as
// the gaio "context" value threaded through Watcher.Read/Write/WaitIO,
// so the dispatch loop can route a completion straight back to the
// goroutine that's waiting on it.
type request struct {
	done chan gaio.OpResult
}

func (s *Scheduler) dispatchLoop() {
	for {
		results, err := s.watcher.WaitIO()
		if err != nil {
			return
		}
		for _, res := range results {
			req, ok := res.Context.(*request)
			if !ok {
				continue
			}
			req.done <- res
		}
	}
}

// Close shuts down the reactor. Idempotent.
func (s *Scheduler) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.watcher.Close()
	})
	return s.closeErr
}

var streamCounter uint64

// Stream is a single raw connection registered with the Scheduler: the
// "stream" of spec.md §6.
type Stream struct {
	sched *Scheduler
	conn  net.Conn
	id    uint64

	closeOnce sync.Once

	bytesRead    uint64
	bytesWritten uint64
}

// Register wraps conn as a Stream driven by sched's reactor.
func (s *Scheduler) Register(conn net.Conn) *Stream {
	return &Stream{sched: s, conn: conn, id: atomic.AddUint64(&streamCounter, 1)}
}

// deadlineFrom derives a gaio deadline from ctx, falling back to
// defaultIOTimeout when ctx carries none — mirroring the teacher's
// fixed-timeout calls to watcher.ReadFull/Write.
func deadlineFrom(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(defaultIOTimeout)
}

// submit runs submit(req) to enqueue a gaio operation, then blocks
// until it completes or ctx is canceled.
func (s *Stream) submit(ctx context.Context, submit func(req *request) error) (int, error) {
	req := &request{done: make(chan gaio.OpResult, 1)}
	if err := submit(req); err != nil {
		return 0, err
	}
	select {
	case res := <-req.done:
		return res.Size, res.Error
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// WriteAll implements spec.md §6's write(stream, bytes, cancel?). It
// blocks until the entire buffer has been handed to the kernel or ctx
// is canceled. Named WriteAll (not Write) so *Stream satisfies
// wire.RawStream without colliding with the plain io.Writer shape.
func (s *Stream) WriteAll(ctx context.Context, buf []byte) error {
	n, err := s.submit(ctx, func(req *request) error {
		return s.sched.watcher.WriteTimeout(req, s.conn, buf, deadlineFrom(ctx))
	})
	atomic.AddUint64(&s.bytesWritten, uint64(n))
	return err
}

// ReadFull implements spec.md §6's read_full(stream, buffer, cancel?):
// it fills buf exactly or returns an error.
func (s *Stream) ReadFull(ctx context.Context, buf []byte) error {
	n, err := s.submit(ctx, func(req *request) error {
		return s.sched.watcher.ReadFull(req, s.conn, buf, deadlineFrom(ctx))
	})
	atomic.AddUint64(&s.bytesRead, uint64(n))
	return err
}

// Read implements io.Reader using a background context, so a Stream
// can be handed directly to APIs expecting a plain io.Reader (the
// to_readable(stream) primitive of spec.md §6 is therefore the
// identity function: a Stream already is one).
func (s *Stream) Read(p []byte) (int, error) {
	req := &request{done: make(chan gaio.OpResult, 1)}
	if err := s.sched.watcher.ReadTimeout(req, s.conn, p, deadlineFrom(context.Background())); err != nil {
		return 0, err
	}
	res := <-req.done
	atomic.AddUint64(&s.bytesRead, uint64(res.Size))
	return res.Size, res.Error
}

// ToReadable returns stream itself, which already satisfies io.Reader.
func ToReadable(stream *Stream) *Stream { return stream }

// Close closes the underlying raw stream exactly once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// Stat reports cumulative bytes read/written on this stream.
func (s *Stream) Stat() (bytesRead, bytesWritten uint64) {
	return atomic.LoadUint64(&s.bytesRead), atomic.LoadUint64(&s.bytesWritten)
}

// ID returns a stable per-process identifier for this stream.
func (s *Stream) ID() uint64 { return s.id }

// RemoteAddr exposes the underlying connection's remote address.
func (s *Stream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }
