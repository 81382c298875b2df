package conn

import (
	"context"

	"github.com/xtaci/p2pconn/crypto"
	"github.com/xtaci/p2pconn/handshake"
	"github.com/xtaci/p2pconn/p2perr"
	"github.com/xtaci/p2pconn/wire"
)

// OutboundItem is the outbound queue item of spec.md §3: a
// pre-split list of plaintext chunks, each already sized to at most
// chunksSize bytes, plus an optional completion notifier.
type OutboundItem struct {
	Chunks [][]byte
	Notify chan error // nil unless enqueued by write_sync/raw_write_sync
}

// Size implements sized for queue byte accounting.
func (it *OutboundItem) Size() int {
	n := 0
	for _, c := range it.Chunks {
		n += len(c)
	}
	if it.Notify != nil {
		n++ // flag-sized surcharge for an attached sync notifier
	}
	return n
}

// Writer is the background task of spec.md §4.4 (C4): it pops
// pre-split outbound chunk lists and writes them through §4.1 in
// order.
type Writer struct {
	ctx        context.Context
	cancel     context.CancelFunc
	stream     handshake.Stream
	state      *crypto.State
	enc        wire.Encoding
	chunksSize int
	queue      *byteQueue
	done       chan struct{}
}

func newWriter(ctx context.Context, cancel context.CancelFunc, stream handshake.Stream, state *crypto.State, enc wire.Encoding, chunksSize, queueCapacity int) *Writer {
	w := &Writer{
		ctx:        ctx,
		cancel:     cancel,
		stream:     stream,
		state:      state,
		enc:        enc,
		chunksSize: chunksSize,
		queue:      newByteQueue(queueCapacity),
		done:       make(chan struct{}),
	}
	go w.workerLoop()
	return w
}

// encodeMessage implements spec.md §4.4's encode_message: serialize
// via w.enc, then split into chunksSize-capped pieces.
func (w *Writer) encodeMessage(msg *wire.Envelope) ([][]byte, error) {
	buf, err := wire.EncodeEnvelope(w.enc, msg)
	if err != nil {
		return nil, err
	}
	return wire.SplitIntoChunks(buf, w.chunksSize), nil
}

// workerLoop implements spec.md §4.4's worker_loop.
func (w *Writer) workerLoop() {
	defer close(w.done)
	defer w.drainPending()

	for {
		v, err := w.queue.pop(w.ctx)
		if err != nil {
			return
		}
		item := v.(*OutboundItem)

		var writeErr error
		for _, chunk := range item.Chunks {
			if writeErr = wire.WriteChunk(w.ctx, w.stream, w.state, chunk); writeErr != nil {
				break
			}
		}

		if item.Notify != nil {
			if writeErr != nil {
				item.Notify <- p2perr.ErrConnectionClosed
			} else {
				item.Notify <- nil
			}
		}

		if writeErr != nil {
			w.cancel()
			return
		}
	}
}

// drainPending implements the writer half of spec.md §5's
// cancellation trip: close the queue, then complete every notifier
// still waiting on an item that will now never be written.
func (w *Writer) drainPending() {
	w.queue.close()
	for {
		v, ok := w.queue.popNow()
		if !ok {
			return
		}
		item := v.(*OutboundItem)
		if item.Notify != nil {
			item.Notify <- p2perr.ErrConnectionClosed
		}
	}
}

// write implements spec.md §4.4's write(session, msg): encode, push
// to the queue, blocking while the queue is full.
func (w *Writer) write(ctx context.Context, msg *wire.Envelope) error {
	chunks, err := w.encodeMessage(msg)
	if err != nil {
		return err
	}
	return w.queue.push(ctx, &OutboundItem{Chunks: chunks})
}

// writeNow implements spec.md §4.4's write_now(session, msg): a
// non-blocking enqueue.
func (w *Writer) writeNow(msg *wire.Envelope) (bool, error) {
	chunks, err := w.encodeMessage(msg)
	if err != nil {
		return false, err
	}
	return w.queue.pushNow(&OutboundItem{Chunks: chunks})
}

// writeSync implements spec.md §4.4's write_sync(session, msg):
// encode, enqueue with a notifier, and await it.
func (w *Writer) writeSync(ctx context.Context, msg *wire.Envelope) error {
	chunks, err := w.encodeMessage(msg)
	if err != nil {
		return err
	}
	return w.enqueueSync(ctx, chunks)
}

// rawWriteSync implements spec.md §4.4's raw_write_sync(session,
// bytes): bypass encoding, pre-split raw bytes directly. Test-only,
// per spec.md §4.4.
func (w *Writer) rawWriteSync(ctx context.Context, raw []byte) error {
	return w.enqueueSync(ctx, wire.SplitIntoChunks(raw, w.chunksSize))
}

func (w *Writer) enqueueSync(ctx context.Context, chunks [][]byte) error {
	notify := make(chan error, 1)
	if err := w.queue.push(ctx, &OutboundItem{Chunks: chunks, Notify: notify}); err != nil {
		return err
	}
	select {
	case err := <-notify:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
