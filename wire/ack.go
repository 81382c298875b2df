package wire

import (
	"encoding/binary"

	"github.com/xtaci/p2pconn/p2perr"
)

// Ack tags, bit-exact per spec.md §3/§6.
const (
	AckTagAck    = 0
	AckTagNack   = 1
	AckTagNackV0 = 255
)

// MaxAlternatives is the cap on Nack's alternative point list.
const MaxAlternatives = 100

// AckMessage is the tagged union { Ack | Nack_v0 | Nack{motive, points} }
// exchanged as the plaintext of a chunk during accept() (spec.md §3/§4.2).
type AckMessage struct {
	Tag          byte
	Motive       p2perr.Motive
	Alternatives []string // encoded id_points; only meaningful when Tag == AckTagNack
}

// Ack builds the plain Ack variant.
func Ack() AckMessage { return AckMessage{Tag: AckTagAck} }

// NackV0 builds the motiveless legacy Nack variant.
func NackV0() AckMessage { return AckMessage{Tag: AckTagNackV0} }

// Nack builds a Nack carrying a motive and up to 100 alternative points.
func Nack(motive p2perr.Motive, alternatives []string) AckMessage {
	if len(alternatives) > MaxAlternatives {
		alternatives = alternatives[:MaxAlternatives]
	}
	return AckMessage{Tag: AckTagNack, Motive: motive, Alternatives: alternatives}
}

// Encode serializes the union per spec.md §6: tag byte, then for Nack
// only, a 4-byte motive and a capped, length-prefixed point list.
func (a AckMessage) Encode() []byte {
	switch a.Tag {
	case AckTagAck, AckTagNackV0:
		return []byte{a.Tag}
	case AckTagNack:
		alts := a.Alternatives
		if len(alts) > MaxAlternatives {
			alts = alts[:MaxAlternatives]
		}
		size := 1 + 4 + 2
		for _, p := range alts {
			size += 2 + len(p)
		}
		buf := make([]byte, size)
		buf[0] = a.Tag
		binary.BigEndian.PutUint32(buf[1:5], uint32(a.Motive))
		binary.BigEndian.PutUint16(buf[5:7], uint16(len(alts)))
		off := 7
		for _, p := range alts {
			binary.BigEndian.PutUint16(buf[off:], uint16(len(p)))
			off += 2
			off += copy(buf[off:], p)
		}
		return buf
	default:
		return []byte{AckTagNackV0}
	}
}

// DecodeAckMessage parses the plaintext of a decrypted Ack chunk.
func DecodeAckMessage(buf []byte) (AckMessage, error) {
	if len(buf) < 1 {
		return AckMessage{}, errShortBuffer
	}
	tag := buf[0]
	switch tag {
	case AckTagAck, AckTagNackV0:
		return AckMessage{Tag: tag}, nil
	case AckTagNack:
		if len(buf) < 7 {
			return AckMessage{}, errShortBuffer
		}
		motive := p2perr.Motive(binary.BigEndian.Uint32(buf[1:5]))
		count := int(binary.BigEndian.Uint16(buf[5:7]))
		if count > MaxAlternatives {
			return AckMessage{}, errShortBuffer
		}
		off := 7
		alts := make([]string, 0, count)
		for i := 0; i < count; i++ {
			if len(buf) < off+2 {
				return AckMessage{}, errShortBuffer
			}
			l := int(binary.BigEndian.Uint16(buf[off:]))
			off += 2
			if len(buf) < off+l {
				return AckMessage{}, errShortBuffer
			}
			alts = append(alts, string(buf[off:off+l]))
			off += l
		}
		return AckMessage{Tag: tag, Motive: motive, Alternatives: alts}, nil
	default:
		return AckMessage{}, errShortBuffer
	}
}
