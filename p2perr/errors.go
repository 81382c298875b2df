// Package p2perr collects the closed set of error kinds the session
// layer can produce, following the teacher's convention of sentinel
// errors declared alongside the code that raises them, but centralized
// here so the layers that surface errors (wire, handshake, conn)
// share one taxonomy instead of overloading a generic I/O error.
package p2perr

import (
	"errors"
	"fmt"
)

// Sizing errors.
var (
	ErrInvalidMessageSize            = errors.New("p2pconn: message exceeds maximum chunk plaintext size")
	ErrInvalidIncomingCiphertextSize = errors.New("p2pconn: incoming chunk length below minimum")
	ErrInvalidChunksSize             = errors.New("p2pconn: configured chunk size out of bounds")
)

// Crypto errors.
var (
	ErrDecipher     = errors.New("p2pconn: authenticated decryption failed")
	ErrNotEnoughPoW = errors.New("p2pconn: proof-of-work stamp below target")
	ErrMyself       = errors.New("p2pconn: remote peer id matches local identity")
	ErrInvalidAuth  = errors.New("p2pconn: ack round-trip failed authentication")
)

// Connection lifecycle errors.
var (
	ErrConnectionClosed         = errors.New("p2pconn: connection closed")
	ErrRejectedSocketConnection = errors.New("p2pconn: socket closed during ack round-trip")
)

// InvalidChunksSizeError carries the offending value and valid bounds.
type InvalidChunksSizeError struct {
	Value, Min, Max int
}

func (e *InvalidChunksSizeError) Error() string {
	return fmt.Sprintf("p2pconn: chunk size %d out of bounds [%d, %d]", e.Value, e.Min, e.Max)
}

func (e *InvalidChunksSizeError) Unwrap() error { return ErrInvalidChunksSize }

// NotEnoughPoWError carries the offending peer id.
type NotEnoughPoWError struct {
	PeerID string
}

func (e *NotEnoughPoWError) Error() string {
	return fmt.Sprintf("p2pconn: peer %s did not present enough proof-of-work", e.PeerID)
}

func (e *NotEnoughPoWError) Unwrap() error { return ErrNotEnoughPoW }

// MyselfError carries the id_point the loop attempted to connect to.
type MyselfError struct {
	Point string
}

func (e *MyselfError) Error() string {
	return fmt.Sprintf("p2pconn: refusing to connect to self at %s", e.Point)
}

func (e *MyselfError) Unwrap() error { return ErrMyself }

// DecodingError wraps a decoder failure, preserving its cause.
type DecodingError struct{ Cause error }

func (e *DecodingError) Error() string { return fmt.Sprintf("p2pconn: decoding error: %v", e.Cause) }
func (e *DecodingError) Unwrap() error { return e.Cause }

// EncodingError wraps an encoder failure, preserving its cause.
type EncodingError struct{ Cause error }

func (e *EncodingError) Error() string { return fmt.Sprintf("p2pconn: encoding error: %v", e.Cause) }
func (e *EncodingError) Unwrap() error { return e.Cause }

var (
	ErrUnexpectedSizeOfEncodedValue  = errors.New("p2pconn: encoded value has unexpected size")
	ErrUnexpectedSizeOfDecodedBuffer = errors.New("p2pconn: decoded buffer has unexpected size")
)

// Motive is the reason carried by a Nack.
type Motive int

const (
	MotiveNoMotive Motive = iota
	MotiveTooManyConnections
	MotiveUnknownChainName
	MotiveDeprecatedP2PVersion
	MotiveDeprecatedDistributedDbVersion
	MotiveAlreadyConnected
	MotiveMyselfFound
	MotiveLocalhostFound
	MotiveTooManyConnectionsForPeer
	MotiveUnknown
)

// RejectedByNackError is returned by accept() when the remote nacked.
type RejectedByNackError struct {
	Motive       Motive
	Alternatives []string // encoded id_points, nil if the peer sent Nack_v0
}

func (e *RejectedByNackError) Error() string {
	return fmt.Sprintf("p2pconn: rejected by nack (motive=%d, %d alternatives)", e.Motive, len(e.Alternatives))
}
