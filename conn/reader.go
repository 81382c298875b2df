package conn

import (
	"context"
	"io"

	"github.com/xtaci/p2pconn/crypto"
	"github.com/xtaci/p2pconn/handshake"
	"github.com/xtaci/p2pconn/p2perr"
	"github.com/xtaci/p2pconn/wire"
)

// InboundItem is the inbound queue item of spec.md §3: `Result<(size,
// Msg), Error>`. Only a terminal Err is ever pushed; the Reader stops
// pushing after it.
type InboundItem struct {
	ChunkSize int
	Msg       wire.Envelope
	Err       error
}

// Size implements sized for queue byte accounting: spec.md §3 sizes
// the item by its on-wire chunk length.
func (it *InboundItem) Size() int {
	if it.Err != nil {
		return 0
	}
	return it.ChunkSize
}

// queueKind implements kindSized: a terminal error item has no kind
// and is never subject to a per-kind budget.
func (it *InboundItem) queueKind() (wire.MessageKind, bool) {
	if it.Err != nil {
		return 0, false
	}
	return it.Msg.Kind, true
}

// Reader is the background task of spec.md §4.3 (C3): it decrypts
// chunks, feeds them to a streaming decoder, and pushes decoded
// messages into a bounded inbound queue.
type Reader struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream handshake.Stream
	state  *crypto.State
	queue  *byteQueue
	done   chan struct{}
}

func newReader(ctx context.Context, cancel context.CancelFunc, stream handshake.Stream, state *crypto.State, enc wire.Encoding, queueCapacity int, kindBudget func(wire.MessageKind) int) *Reader {
	var queue *byteQueue
	if kindBudget != nil {
		queue = newByteQueueWithKindLimiter(queueCapacity, kindBudget)
	} else {
		queue = newByteQueue(queueCapacity)
	}
	r := &Reader{
		ctx:    ctx,
		cancel: cancel,
		stream: stream,
		state:  state,
		queue:  queue,
		done:   make(chan struct{}),
	}
	go r.workerLoop(enc)
	return r
}

// workerLoop implements spec.md §4.3's worker_loop.
//
// chunk_size_bytes (spec.md §3's inbound queue item, §8 scenario S1) is
// defined at the C1 crypto-frame layer: tag plus ciphertext for every
// physical wire chunk consumed to decode one message, not the
// plaintext byte count of whichever chunk happened to complete it.
// pendingWireBytes accumulates crypto.TagLength+len(chunk) across every
// Feed call since the last completed message, so a message that spans
// several physical chunks (chunksSize smaller than the serialized
// message) is charged for all of them, not just the last.
func (r *Reader) workerLoop(enc wire.Encoding) {
	defer close(r.done)
	defer r.queue.close()
	dec := wire.NewStreamDecoder(enc)
	pendingWireBytes := 0

	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		chunk, err := wire.ReadChunk(r.ctx, r.stream, r.state)
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				err = p2perr.ErrConnectionClosed
			}
			r.terminate(err)
			return
		}
		pendingWireBytes += crypto.TagLength + len(chunk)

		result := dec.Feed(chunk)
		switch result.Outcome {
		case wire.DecodeAwait:
			continue
		case wire.DecodeSuccess:
			item := &InboundItem{ChunkSize: pendingWireBytes, Msg: result.Msg}
			pendingWireBytes = 0
			if err := r.queue.push(r.ctx, item); err != nil {
				// queue closed or context canceled: normal shutdown,
				// not a new failure to report.
				return
			}
		case wire.DecodeError:
			r.terminate(&p2perr.DecodingError{Cause: result.Err})
			return
		}
	}
}

// terminate best-effort pushes a terminal error item, then trips the
// shared cancellation handle, per spec.md §7.
func (r *Reader) terminate(err error) {
	_, _ = r.queue.pushNow(&InboundItem{Err: err})
	r.cancel()
}

// shutdown implements spec.md §4.3's shutdown(reader): trip the
// cancellation handle.
func (r *Reader) shutdown() { r.cancel() }
