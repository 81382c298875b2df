package wire

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/xtaci/p2pconn/crypto"
)

var errShortBuffer = errors.New("p2pconn/wire: buffer too short to decode")

// MaxHandshakeFrameLen bounds the 2-byte length prefix of a handshake frame.
const MaxHandshakeFrameLen = 0xFFFF

// ConnectionMessage is the cleartext handshake payload of spec.md §3:
// { port: optional uint16, public_key, proof_of_work_stamp,
//   message_nonce_seed, version }. Port 0 is the wire-level sentinel
// for "absent" (spec.md §3).
type ConnectionMessage struct {
	Port             uint16 // 0 means absent
	PublicKey        crypto.PublicKey
	ProofOfWork      crypto.ProofOfWork
	MessageNonceSeed crypto.Nonce
	Version          Version
}

// Encode serializes m with a 2-byte big-endian length prefix, per
// spec.md §6 ("Handshake frame: len:u16 ‖ ConnectionMessage-bytes").
func (m ConnectionMessage) Encode() ([]byte, error) {
	body := make([]byte, 2+crypto.PublicKeySize+len(m.ProofOfWork)+crypto.NonceLength+m.Version.encodedSize())
	off := 0
	binary.BigEndian.PutUint16(body[off:], m.Port)
	off += 2
	copy(body[off:], m.PublicKey[:])
	off += crypto.PublicKeySize
	copy(body[off:], m.ProofOfWork[:])
	off += len(m.ProofOfWork)
	copy(body[off:], m.MessageNonceSeed[:])
	off += crypto.NonceLength
	off += m.Version.encode(body[off:])

	if len(body) > MaxHandshakeFrameLen {
		return nil, errShortBuffer
	}
	frame := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(frame[0:2], uint16(len(body)))
	copy(frame[2:], body)
	return frame, nil
}

// DecodeConnectionMessage parses the body of a handshake frame (the
// bytes after the 2-byte length prefix has already been stripped).
func DecodeConnectionMessage(body []byte) (ConnectionMessage, error) {
	var m ConnectionMessage
	if len(body) < 2+crypto.PublicKeySize+len(m.ProofOfWork)+crypto.NonceLength {
		return m, errShortBuffer
	}
	off := 0
	m.Port = binary.BigEndian.Uint16(body[off:])
	off += 2
	copy(m.PublicKey[:], body[off:])
	off += crypto.PublicKeySize
	copy(m.ProofOfWork[:], body[off:])
	off += len(m.ProofOfWork)
	copy(m.MessageNonceSeed[:], body[off:])
	off += crypto.NonceLength

	v, _, err := decodeVersion(body[off:])
	if err != nil {
		return m, err
	}
	m.Version = v
	return m, nil
}

// WriteConnectionMessage writes the framed, length-prefixed cleartext
// message to w and returns the exact bytes written, which both sides
// of the handshake must retain verbatim for GenerateNonces
// (spec.md §4.2 steps 2-3).
func WriteConnectionMessage(ctx context.Context, s RawStream, m ConnectionMessage) ([]byte, error) {
	frame, err := m.Encode()
	if err != nil {
		return nil, err
	}
	if err := s.WriteAll(ctx, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// ReadConnectionMessage reads a framed cleartext message from s,
// returning both the decoded message and the raw frame bytes (for the
// same nonce-derivation reason as WriteConnectionMessage).
func ReadConnectionMessage(ctx context.Context, s RawStream) (ConnectionMessage, []byte, error) {
	var lenBuf [2]byte
	if err := s.ReadFull(ctx, lenBuf[:]); err != nil {
		return ConnectionMessage{}, nil, err
	}
	bodyLen := int(binary.BigEndian.Uint16(lenBuf[:]))
	body := make([]byte, bodyLen)
	if err := s.ReadFull(ctx, body); err != nil {
		return ConnectionMessage{}, nil, err
	}
	m, err := DecodeConnectionMessage(body)
	if err != nil {
		return ConnectionMessage{}, nil, err
	}
	frame := make([]byte, 2+bodyLen)
	copy(frame[0:2], lenBuf[:])
	copy(frame[2:], body)
	return m, frame, nil
}
