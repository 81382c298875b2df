package wire

import (
	"encoding/binary"
)

// Capabilities is the bitmap carried in a Version's P2PVersion field.
// spec.md §9: "treat [NackWithList] as a tagged capability set; future
// capabilities extend the same bitmap."
type Capabilities uint16

const (
	// CapNackWithList marks support for receiving a Nack{motive, points}
	// instead of the bare Nack_v0.
	CapNackWithList Capabilities = 1 << 0
)

// Has reports whether c includes cap.
func (c Capabilities) Has(cap Capabilities) bool { return c&cap != 0 }

// Version is the announced protocol version exchanged in the
// cleartext ConnectionMessage.
type Version struct {
	ChainName             string
	DistributedDBVersion  uint16
	P2PVersion            Capabilities
}

func (v Version) encodedSize() int {
	return 2 + len(v.ChainName) + 2 + 2
}

func (v Version) encode(buf []byte) int {
	off := 0
	binary.BigEndian.PutUint16(buf[off:], uint16(len(v.ChainName)))
	off += 2
	off += copy(buf[off:], v.ChainName)
	binary.BigEndian.PutUint16(buf[off:], v.DistributedDBVersion)
	off += 2
	binary.BigEndian.PutUint16(buf[off:], uint16(v.P2PVersion))
	off += 2
	return off
}

func decodeVersion(buf []byte) (Version, int, error) {
	var v Version
	if len(buf) < 2 {
		return v, 0, errShortBuffer
	}
	nameLen := int(binary.BigEndian.Uint16(buf[0:2]))
	off := 2
	if len(buf) < off+nameLen+4 {
		return v, 0, errShortBuffer
	}
	v.ChainName = string(buf[off : off+nameLen])
	off += nameLen
	v.DistributedDBVersion = binary.BigEndian.Uint16(buf[off:])
	off += 2
	v.P2PVersion = Capabilities(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	return v, off, nil
}
