// Package conn implements the Reader/Writer worker pair and the
// Session that owns them (spec.md §4.3-§4.5, C3-C5): decrypting and
// decoding inbound chunks into a bounded queue, encoding and encrypting
// outbound messages out of another, and a single shared cancellation
// handle that tears both down and closes the raw stream exactly once.
//
// The two-goroutine-per-connection shape, and the "trip a handle once,
// everything unwinds" cancellation style, generalizes the teacher's
// readLoop/sendLoop pair and dieOnce/die idiom in
// agent-tcp/tcp_peer.go; context.Context+CancelFunc stands in for the
// teacher's bare `die chan struct{}` so read_chunk/write_chunk/queue
// operations can all select on the same cancellation signal.
package conn

import (
	"context"
	"sync"

	"github.com/xtaci/p2pconn/handshake"
	"github.com/xtaci/p2pconn/wire"
)

// Session is spec.md §3/§4.5 (C5): the authenticated connection
// promoted to a running Reader+Writer pair.
type Session struct {
	ac     *handshake.AuthenticatedConnection
	reader *Reader
	writer *Writer

	cancel          context.CancelFunc
	streamCloseOnce sync.Once
}

// Accept implements spec.md §4.2/§4.5's accept: it runs the
// write(Ack)/read(Ack_like) round trip, and on a plain Ack starts the
// Reader and Writer under a fresh cancellation handle. A Nack or any
// round-trip failure returns the classified error instead (see
// handshake.AckRoundTrip).
// inboundKindBudget, if non-nil, overrides the shared inboundQueueCapacity
// budget for specific message kinds (SPEC_FULL.md's per-message-type
// inbound queue sizing supplement); pass nil for a single shared budget.
func Accept(ctx context.Context, ac *handshake.AuthenticatedConnection, enc wire.Encoding, inboundQueueCapacity, outboundQueueCapacity, chunksSize int, inboundKindBudget func(wire.MessageKind) int) (*Session, error) {
	if err := handshake.AckRoundTrip(ctx, ac); err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{ac: ac, cancel: cancel}
	s.reader = newReader(sctx, cancel, ac.Stream, ac.Crypto, enc, inboundQueueCapacity, inboundKindBudget)
	s.writer = newWriter(sctx, cancel, ac.Stream, ac.Crypto, enc, chunksSize, outboundQueueCapacity)

	// Install the cancellation hook of spec.md §5 step 3: whichever
	// goroutine trips cancel first, the raw stream closes exactly once.
	go func() {
		<-sctx.Done()
		s.streamCloseOnce.Do(func() { s.ac.Stream.Close() })
	}()

	return s, nil
}

// Info exposes the connection info derived during the handshake.
func (s *Session) Info() handshake.ConnectionInfo { return s.ac.Info }

// Read implements spec.md §4.5's read(s): blocks until a message, or
// the terminal close error, is available.
func (s *Session) Read(ctx context.Context) (int, wire.Envelope, error) {
	v, err := s.reader.queue.pop(ctx)
	if err != nil {
		// pop already returns p2perr.ErrConnectionClosed for a closed
		// queue; a caller-supplied ctx cancellation propagates as-is.
		return 0, wire.Envelope{}, err
	}
	item := v.(*InboundItem)
	if item.Err != nil {
		return 0, wire.Envelope{}, item.Err
	}
	return item.ChunkSize, item.Msg, nil
}

// ReadNow implements spec.md §4.5's read_now(s): a non-blocking poll.
// A terminal error item is left in place (not consumed) so a
// subsequent blocking Read still observes the close.
func (s *Session) ReadNow() (int, wire.Envelope, bool) {
	front, ok := s.reader.queue.peekFront()
	if !ok || front.(*InboundItem).Err != nil {
		return 0, wire.Envelope{}, false
	}
	v, _ := s.reader.queue.popNow()
	item := v.(*InboundItem)
	return item.ChunkSize, item.Msg, true
}

// Write implements spec.md §4.4's write(session, msg).
func (s *Session) Write(ctx context.Context, msg *wire.Envelope) error {
	return s.writer.write(ctx, msg)
}

// WriteNow implements spec.md §4.4's write_now(session, msg).
func (s *Session) WriteNow(msg *wire.Envelope) (bool, error) {
	return s.writer.writeNow(msg)
}

// WriteSync implements spec.md §4.4's write_sync(session, msg).
func (s *Session) WriteSync(ctx context.Context, msg *wire.Envelope) error {
	return s.writer.writeSync(ctx, msg)
}

// RawWriteSync implements spec.md §4.4's raw_write_sync(session,
// bytes). Test-only, per spec.
func (s *Session) RawWriteSync(ctx context.Context, raw []byte) error {
	return s.writer.rawWriteSync(ctx, raw)
}

// Equal implements spec.md §4.5's equal(s1, s2): true iff both
// sessions wrap the same underlying stream identity.
func Equal(s1, s2 *Session) bool {
	return s1 != nil && s2 != nil && s1.ac.Stream == s2.ac.Stream
}

// Close implements spec.md §4.5's close(s, wait). If wait, the writer
// queue is closed and the writer is allowed to flush before
// cancellation trips; otherwise cancellation trips immediately.
// Idempotent: a second call is a no-op.
func (s *Session) Close(wait bool) {
	if wait {
		s.writer.queue.close()
		<-s.writer.done
	}
	s.cancel()
	<-s.reader.done
	<-s.writer.done
}
