package conn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/xtaci/p2pconn/config"
	"github.com/xtaci/p2pconn/crypto"
	"github.com/xtaci/p2pconn/handshake"
	"github.com/xtaci/p2pconn/p2perr"
	"github.com/xtaci/p2pconn/wire"
)

// netStream mirrors handshake_test.go's adapter: wraps a net.Conn (one
// end of net.Pipe) as a handshake.Stream for tests, bypassing the
// gaio-backed ioscheduler.
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

func pairedSessions(t *testing.T) (*Session, *Session) {
	t.Helper()
	return pairedSessionsChunked(t, 4096)
}

func pairedSessionsChunked(t *testing.T, chunksSize int) (*Session, *Session) {
	t.Helper()
	ka, _ := crypto.GenerateIdentity(0, "a")
	kb, _ := crypto.GenerateIdentity(0, "b")
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
		s   *Session
		err error
	}
	sessA := make(chan acceptResult, 1)
	sessB := make(chan acceptResult, 1)
	go func() {
		s, err := Accept(ctx, resA.ac, wire.ProtoEncoding{}, 1<<20, 1<<20, chunksSize, nil)
		sessA <- acceptResult{s, err}
	}()
	go func() {
		s, err := Accept(ctx, resB.ac, wire.ProtoEncoding{}, 1<<20, 1<<20, chunksSize, nil)
		sessB <- acceptResult{s, err}
	}()
	ra := <-sessA
	rb := <-sessB
	assert.Nil(t, ra.err)
	assert.Nil(t, rb.err)
	return ra.s, rb.s
}

func TestHappyHandshakeWriteReadClose(t *testing.T) {
	a, b := pairedSessions(t)
	ctx := context.Background()

	assert.Nil(t, a.Write(ctx, wire.EncodeApplication(nil)))
	size, msg, err := b.Read(ctx)
	assert.Nil(t, err)
	// chunk_size_bytes is the C1 wire-frame cost: 16-byte tag plus the
	// 6-byte plaintext (4-byte envelope length prefix + 2-byte empty
	// envelope body), all carried in the one physical chunk this
	// message fits in.
	assert.Equal(t, 22, size)
	assert.Equal(t, wire.KindApplication, msg.Kind)

	a.Close(false)
	_, _, err = b.Read(ctx)
	assert.Equal(t, p2perr.ErrConnectionClosed, err)
}

// TestReadSizeSumsAllWireChunksForMultiChunkMessage forces a single
// envelope to split across several physical chunks (chunksSize well
// below the serialized message) and checks that the size returned by
// Read is the sum of every contributing chunk's tag+ciphertext bytes,
// not just the plaintext length of the chunk that completed decoding.
func TestReadSizeSumsAllWireChunksForMultiChunkMessage(t *testing.T) {
	const chunksSize = 19 // CheckBinaryChunksSize's minimum legal value
	a, b := pairedSessionsChunked(t, chunksSize)
	ctx := context.Background()
	defer a.Close(false)
	defer b.Close(false)

	payload := make([]byte, 200)
	for i := range payload {
		payload[i] = byte(i)
	}
	env := wire.EncodeApplication(payload)
	framed, err := wire.EncodeEnvelope(wire.ProtoEncoding{}, env)
	assert.Nil(t, err)
	chunks := wire.SplitIntoChunks(framed, chunksSize)
	assert.True(t, len(chunks) > 1, "test payload must force multiple physical chunks")
	wantSize := len(framed) + len(chunks)*crypto.TagLength

	assert.Nil(t, a.Write(ctx, env))
	size, msg, readErr := b.Read(ctx)
	assert.Nil(t, readErr)
	assert.Equal(t, wantSize, size)
	assert.Equal(t, wire.KindApplication, msg.Kind)
	assert.Equal(t, payload, wire.DecodeApplication(&msg))
}

func TestQueueOrderPreservedAcrossSession(t *testing.T) {
	a, b := pairedSessions(t)
	ctx := context.Background()
	defer a.Close(false)
	defer b.Close(false)

	for i := 0; i < 5; i++ {
		assert.Nil(t, a.Write(ctx, wire.EncodeApplication([]byte{byte(i)})))
	}
	for i := 0; i < 5; i++ {
		_, msg, err := b.Read(ctx)
		assert.Nil(t, err)
		assert.Equal(t, []byte{byte(i)}, wire.DecodeApplication(&msg))
	}
}

func TestWriteSyncCompletesAfterHandoff(t *testing.T) {
	a, b := pairedSessions(t)
	ctx := context.Background()
	defer a.Close(false)
	defer b.Close(false)

	done := make(chan error, 1)
	go func() { done <- a.WriteSync(ctx, wire.EncodeApplication([]byte("hi"))) }()

	_, msg, err := b.Read(ctx)
	assert.Nil(t, err)
	assert.Equal(t, []byte("hi"), wire.DecodeApplication(&msg))
	assert.Nil(t, <-done)
}

func TestCloseIsIdempotent(t *testing.T) {
	a, b := pairedSessions(t)
	defer b.Close(false)

	a.Close(true)
	a.Close(true) // must not panic or double-close the stream

	ctx := context.Background()
	err := a.Write(ctx, wire.EncodeApplication(nil))
	assert.Equal(t, p2perr.ErrConnectionClosed, err)
}

