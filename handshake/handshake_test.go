package handshake

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/xtaci/p2pconn/config"
	"github.com/xtaci/p2pconn/crypto"
	"github.com/xtaci/p2pconn/p2perr"
	"github.com/xtaci/p2pconn/wire"
)

// netStream adapts a net.Conn (e.g. one end of net.Pipe) into a Stream
// for tests, without pulling in the gaio-backed ioscheduler.
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

type handshakeResult struct {
	ac  *AuthenticatedConnection
	err error
}

func runAuthenticate(ctx context.Context, conn net.Conn, incoming bool, powTarget uint, identity *crypto.Identity, remoteSocketPort uint16, version wire.Version, meta config.MetadataConfig, out chan<- handshakeResult) {
	ac, err := Authenticate(ctx, netStream{conn}, powTarget, incoming, "127.0.0.1", 9732, remoteSocketPort, identity, version, meta, fixedClock)
	out <- handshakeResult{ac, err}
}

func TestHappyHandshakeAndAck(t *testing.T) {
	ka, _ := crypto.GenerateIdentity(0, "a")
	kb, _ := crypto.GenerateIdentity(0, "b")
	version := wire.Version{ChainName: "test", DistributedDBVersion: 1, P2PVersion: wire.CapNackWithList}
	meta := config.StaticMetadata{Local: []byte("meta")}

	connA, connB := net.Pipe()
	ctx := context.Background()

	outA := make(chan handshakeResult, 1)
	outB := make(chan handshakeResult, 1)
	go runAuthenticate(ctx, connA, false, 0, ka, 30001, version, meta, outA)
	go runAuthenticate(ctx, connB, true, 0, kb, 30002, version, meta, outB)

	resA := <-outA
	resB := <-outB
	assert.Nil(t, resA.err)
	assert.Nil(t, resB.err)

	assert.Equal(t, resA.ac.Crypto.ChannelKey, resB.ac.Crypto.ChannelKey)
	assert.Equal(t, resA.ac.Crypto.LocalNonce, resB.ac.Crypto.RemoteNonce)
	assert.Equal(t, resA.ac.Crypto.RemoteNonce, resB.ac.Crypto.LocalNonce)
	assert.Equal(t, kb.PeerID, resA.ac.Info.PeerID)
	assert.Equal(t, ka.PeerID, resB.ac.Info.PeerID)

	ackA := make(chan error, 1)
	ackB := make(chan error, 1)
	go func() { ackA <- AckRoundTrip(ctx, resA.ac) }()
	go func() { ackB <- AckRoundTrip(ctx, resB.ac) }()
	assert.Nil(t, <-ackA)
	assert.Nil(t, <-ackB)
}

func TestPoWRejection(t *testing.T) {
	ka, _ := crypto.GenerateIdentity(0, "a")
	kb, _ := crypto.GenerateIdentity(0, "b") // target 0 stamp won't meet target 8
	version := wire.Version{ChainName: "test"}
	meta := config.StaticMetadata{}

	connA, connB := net.Pipe()
	ctx := context.Background()

	outA := make(chan handshakeResult, 1)
	outB := make(chan handshakeResult, 1)
	go runAuthenticate(ctx, connA, false, 8, ka, 30001, version, meta, outA)
	go runAuthenticate(ctx, connB, true, 0, kb, 30002, version, meta, outB)

	resA := <-outA
	<-outB

	var powErr *p2perr.NotEnoughPoWError
	assert.True(t, errors.As(resA.err, &powErr))
}

func TestSelfConnectGuard(t *testing.T) {
	ka, _ := crypto.GenerateIdentity(0, "a")
	version := wire.Version{ChainName: "test"}
	meta := config.StaticMetadata{}

	connA, connB := net.Pipe()
	ctx := context.Background()

	outA := make(chan handshakeResult, 1)
	outB := make(chan handshakeResult, 1)
	go runAuthenticate(ctx, connA, false, 0, ka, 30001, version, meta, outA)
	go runAuthenticate(ctx, connB, true, 0, ka, 30002, version, meta, outB)

	resA := <-outA
	resB := <-outB

	var myselfErr *p2perr.MyselfError
	assert.True(t, errors.As(resA.err, &myselfErr))
	assert.True(t, errors.As(resB.err, &myselfErr))
}

func TestNackWithAlternatives(t *testing.T) {
	ka, _ := crypto.GenerateIdentity(0, "a")
	kb, _ := crypto.GenerateIdentity(0, "b")
	version := wire.Version{ChainName: "test", P2PVersion: wire.CapNackWithList}
	meta := config.StaticMetadata{}

	connA, connB := net.Pipe()
	ctx := context.Background()

	outA := make(chan handshakeResult, 1)
	outB := make(chan handshakeResult, 1)
	go runAuthenticate(ctx, connA, false, 0, ka, 30001, version, meta, outA)
	go runAuthenticate(ctx, connB, true, 0, kb, 30002, version, meta, outB)

	resA := <-outA
	resB := <-outB
	assert.Nil(t, resA.err)
	assert.Nil(t, resB.err)

	alts := []string{"p1", "p2", "p3"}
	go Nack(ctx, resB.ac, p2perr.MotiveTooManyConnections, alts)

	err := AckRoundTrip(ctx, resA.ac)
	var nackErr *p2perr.RejectedByNackError
	assert.True(t, errors.As(err, &nackErr))
	assert.Equal(t, p2perr.MotiveTooManyConnections, nackErr.Motive)
	assert.Equal(t, alts, nackErr.Alternatives)
}

func TestNackV0WhenCapabilityAbsent(t *testing.T) {
	ka, _ := crypto.GenerateIdentity(0, "a")
	kb, _ := crypto.GenerateIdentity(0, "b")
	version := wire.Version{ChainName: "test"} // no CapNackWithList
	meta := config.StaticMetadata{}

	connA, connB := net.Pipe()
	ctx := context.Background()

	outA := make(chan handshakeResult, 1)
	outB := make(chan handshakeResult, 1)
	go runAuthenticate(ctx, connA, false, 0, ka, 30001, version, meta, outA)
	go runAuthenticate(ctx, connB, true, 0, kb, 30002, version, meta, outB)

	resA := <-outA
	resB := <-outB

	go Nack(ctx, resB.ac, p2perr.MotiveTooManyConnections, []string{"p1"})

	err := AckRoundTrip(ctx, resA.ac)
	var nackErr *p2perr.RejectedByNackError
	assert.True(t, errors.As(err, &nackErr))
	assert.Equal(t, p2perr.MotiveNoMotive, nackErr.Motive)
	assert.Nil(t, nackErr.Alternatives)
}
