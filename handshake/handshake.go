// Package handshake implements spec.md §4.2 (C2): deriving a shared
// channel key and mirrored nonce pair from a raw stream, verifying
// proof-of-work and self-connect, exchanging metadata, and the
// Ack/Nack round trip that follows it.
//
// The framing shape (write cleartext, read cleartext, derive keys,
// exchange an encrypted control message) generalizes the teacher's
// own connect/handshake sequence in agent-tcp/agent.go, which writes
// a handshake frame then waits for the peer's response frame before
// treating the connection as live.
package handshake

import (
	"context"
	"crypto/rand"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/xtaci/p2pconn/config"
	"github.com/xtaci/p2pconn/crypto"
	"github.com/xtaci/p2pconn/p2perr"
	"github.com/xtaci/p2pconn/wire"
)

// Stream is the raw byte-stream shape the handshake needs: the
// cancellable read/write pair of wire.RawStream, plus the ability to
// close the connection exactly once on failure. ioscheduler.Stream
// satisfies this directly.
type Stream interface {
	wire.RawStream
	Close() error
}

// ConnectionInfo is the "connection info" record of spec.md §3,
// composed once a handshake completes.
type ConnectionInfo struct {
	PeerID           crypto.PeerID
	AnnouncedVersion wire.Version
	Incoming         bool
	IDPoint          wire.Point
	RemoteSocketPort uint16
	PrivateNode      bool
	LocalMetadata    []byte
	RemoteMetadata   []byte
	// ConnectedAt is a local-clock timestamp for events/metrics only;
	// it never feeds the wire format or nonce derivation.
	ConnectedAt time.Time
}

// AuthenticatedConnection is a stream that has completed the
// handshake but not yet exchanged Ack (spec.md GLOSSARY).
type AuthenticatedConnection struct {
	Stream Stream
	Info   ConnectionInfo
	Crypto *crypto.State
}

// Authenticate runs spec.md §4.2 steps 1-9. clockNow lets callers
// (and tests) control ConnectionInfo.ConnectedAt; production callers
// pass time.Now.
func Authenticate(
	ctx context.Context,
	stream Stream,
	powTarget uint,
	incoming bool,
	remoteAddr string,
	advertisedPort uint16,
	remoteSocketPort uint16,
	identity *crypto.Identity,
	announcedVersion wire.Version,
	meta config.MetadataConfig,
	clockNow func() time.Time,
) (*AuthenticatedConnection, error) {
	// Step 1: random local nonce seed.
	localSeed, err := crypto.RandomNonceSeed(rand.Reader)
	if err != nil {
		return nil, err
	}

	// Step 2: write our cleartext ConnectionMessage, retaining the
	// exact bytes written.
	localMsg := wire.ConnectionMessage{
		Port:             advertisedPort,
		PublicKey:        identity.PublicKey,
		ProofOfWork:      identity.PoWStamp,
		MessageNonceSeed: localSeed,
		Version:          announcedVersion,
	}
	sentMsg, err := wire.WriteConnectionMessage(ctx, stream, localMsg)
	if err != nil {
		stream.Close()
		return nil, err
	}

	// Step 3: read the peer's cleartext ConnectionMessage, retaining
	// its exact bytes.
	remote, recvMsg, err := wire.ReadConnectionMessage(ctx, stream)
	if err != nil {
		stream.Close()
		return nil, err
	}

	// Step 4: self-connect guard.
	remotePeerID := crypto.HashPeerID(remote.PublicKey)
	if remotePeerID == identity.PeerID {
		stream.Close()
		idPort := remoteSocketPort
		if incoming {
			idPort = remote.Port
		}
		return nil, &p2perr.MyselfError{Point: net.JoinHostPort(remoteAddr, strconv.Itoa(int(idPort)))}
	}

	// Step 5: proof-of-work gate.
	if !crypto.CheckProofOfWork(remote.PublicKey, remote.ProofOfWork, powTarget) {
		stream.Close()
		return nil, &p2perr.NotEnoughPoWError{PeerID: remotePeerID.String()}
	}

	// Step 6: derive the shared channel key.
	channelKey := crypto.Precompute(identity.SecretKey, remote.PublicKey)

	// Step 7: derive the mirrored local/remote nonce pair.
	localNonce, remoteNonce := crypto.GenerateNonces(incoming, sentMsg, recvMsg)
	state := &crypto.State{ChannelKey: channelKey, LocalNonce: localNonce, RemoteNonce: remoteNonce}

	// Step 8: encrypted metadata exchange.
	localMeta := meta.Value()
	if err := wire.WriteChunk(ctx, stream, state, localMeta); err != nil {
		stream.Close()
		return nil, err
	}
	remoteMeta, err := wire.ReadChunk(ctx, stream, state)
	if err != nil {
		stream.Close()
		return nil, err
	}

	// Step 9: compose ConnectionInfo.
	var remoteListeningPort uint16
	if incoming {
		remoteListeningPort = remote.Port
	} else {
		remoteListeningPort = remoteSocketPort
	}

	if clockNow == nil {
		clockNow = time.Now
	}

	info := ConnectionInfo{
		PeerID:           remotePeerID,
		AnnouncedVersion: remote.Version,
		Incoming:         incoming,
		IDPoint:          wire.Point{Addr: remoteAddr, Port: remoteListeningPort},
		RemoteSocketPort: remoteSocketPort,
		PrivateNode:      meta.PrivateNode(remoteMeta),
		LocalMetadata:    localMeta,
		RemoteMetadata:   remoteMeta,
		ConnectedAt:      clockNow(),
	}

	return &AuthenticatedConnection{Stream: stream, Info: info, Crypto: state}, nil
}

// Nack implements spec.md §4.2's nack: it sends Nack{motive,
// alternatives} if the peer's announced version supports
// NackWithList, else the legacy Nack_v0, then closes the stream.
// Write failures are swallowed, per spec ("best-effort").
func Nack(ctx context.Context, ac *AuthenticatedConnection, motive p2perr.Motive, alternatives []string) {
	var ack wire.AckMessage
	if ac.Info.AnnouncedVersion.P2PVersion.Has(wire.CapNackWithList) {
		ack = wire.Nack(motive, alternatives)
	} else {
		ack = wire.NackV0()
	}
	_ = wire.WriteChunk(ctx, ac.Stream, ac.Crypto, ack.Encode())
	ac.Stream.Close()
}

// AckRoundTrip implements the write(Ack)/read(Ack_like) exchange of
// spec.md §4.2's accept: it sends a plain Ack, reads the peer's reply,
// and returns nil only on a plain Ack. Any failure closes the stream
// and remaps ConnectionClosed → RejectedSocketConnection and
// DecipherError → InvalidAuth, per spec.md §7. A received Nack/Nack_v0
// surfaces as *p2perr.RejectedByNackError.
func AckRoundTrip(ctx context.Context, ac *AuthenticatedConnection) error {
	if err := wire.WriteChunk(ctx, ac.Stream, ac.Crypto, wire.Ack().Encode()); err != nil {
		ac.Stream.Close()
		return remapAckError(err)
	}

	plaintext, err := wire.ReadChunk(ctx, ac.Stream, ac.Crypto)
	if err != nil {
		ac.Stream.Close()
		return remapAckError(err)
	}

	ack, err := wire.DecodeAckMessage(plaintext)
	if err != nil {
		ac.Stream.Close()
		return &p2perr.DecodingError{Cause: err}
	}

	switch ack.Tag {
	case wire.AckTagAck:
		return nil
	case wire.AckTagNackV0:
		ac.Stream.Close()
		return &p2perr.RejectedByNackError{Motive: p2perr.MotiveNoMotive}
	case wire.AckTagNack:
		ac.Stream.Close()
		return &p2perr.RejectedByNackError{Motive: ack.Motive, Alternatives: ack.Alternatives}
	default:
		ac.Stream.Close()
		return p2perr.ErrInvalidAuth
	}
}

func remapAckError(err error) error {
	if err == p2perr.ErrConnectionClosed || err == io.EOF || err == io.ErrUnexpectedEOF {
		return p2perr.ErrRejectedSocketConnection
	}
	if err == p2perr.ErrDecipher {
		return p2perr.ErrInvalidAuth
	}
	return err
}
