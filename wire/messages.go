package wire

import "encoding/binary"

// Point is a reachable (address, port) pair — the wire form of an
// id_point (spec.md §3).
type Point struct {
	Addr string
	Port uint16
}

func (p Point) encodedSize() int { return 2 + len(p.Addr) + 2 }

func (p Point) encode(buf []byte) int {
	binary.BigEndian.PutUint16(buf, uint16(len(p.Addr)))
	off := 2 + copy(buf[2:], p.Addr)
	binary.BigEndian.PutUint16(buf[off:], p.Port)
	return off + 2
}

func decodePoint(buf []byte) (Point, int, error) {
	if len(buf) < 2 {
		return Point{}, 0, errShortBuffer
	}
	l := int(binary.BigEndian.Uint16(buf[0:2]))
	off := 2
	if len(buf) < off+l+2 {
		return Point{}, 0, errShortBuffer
	}
	addr := string(buf[off : off+l])
	off += l
	port := binary.BigEndian.Uint16(buf[off:])
	off += 2
	return Point{Addr: addr, Port: port}, off, nil
}

func encodePoints(points []Point) []byte {
	size := 2
	for _, p := range points {
		size += p.encodedSize()
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf, uint16(len(points)))
	off := 2
	for _, p := range points {
		off += p.encode(buf[off:])
	}
	return buf
}

func decodePoints(buf []byte) ([]Point, error) {
	if len(buf) < 2 {
		return nil, errShortBuffer
	}
	count := int(binary.BigEndian.Uint16(buf[0:2]))
	off := 2
	points := make([]Point, 0, count)
	for i := 0; i < count; i++ {
		p, n, err := decodePoint(buf[off:])
		if err != nil {
			return nil, err
		}
		points = append(points, p)
		off += n
	}
	return points, nil
}

// EncodeApplication wraps an opaque application payload, the
// KindApplication variant Reader/Writer pass straight through to/from
// the caller without any answerer-level interpretation.
func EncodeApplication(payload []byte) *Envelope {
	return &Envelope{Kind: KindApplication, Payload: payload}
}

// DecodeApplication extracts an application payload from e.
func DecodeApplication(e *Envelope) []byte { return e.Payload }

// EncodeAdvertise builds an Envelope carrying a list of points for
// the peer pool, per spec.md §4.6's advertise message.
func EncodeAdvertise(points []Point) *Envelope {
	return &Envelope{Kind: KindAdvertise, Payload: encodePoints(points)}
}

// DecodeAdvertise parses an Advertise envelope's payload.
func DecodeAdvertise(e *Envelope) ([]Point, error) {
	return decodePoints(e.Payload)
}

// EncodeBootstrap builds an empty Bootstrap envelope.
func EncodeBootstrap() *Envelope {
	return &Envelope{Kind: KindBootstrap}
}

// EncodeSwapRequest builds a SwapRequest envelope proposing newPoint.
func EncodeSwapRequest(newPoint Point) *Envelope {
	buf := make([]byte, newPoint.encodedSize())
	newPoint.encode(buf)
	return &Envelope{Kind: KindSwapRequest, Payload: buf}
}

// DecodeSwapRequest parses a SwapRequest envelope's payload.
func DecodeSwapRequest(e *Envelope) (Point, error) {
	p, _, err := decodePoint(e.Payload)
	return p, err
}

// EncodeSwapAck builds a SwapAck envelope proposing thatPoint in
// place of the peer that sent the original swap request.
func EncodeSwapAck(thatPoint Point) *Envelope {
	buf := make([]byte, thatPoint.encodedSize())
	thatPoint.encode(buf)
	return &Envelope{Kind: KindSwapAck, Payload: buf}
}

// DecodeSwapAck parses a SwapAck envelope's payload.
func DecodeSwapAck(e *Envelope) (Point, error) {
	p, _, err := decodePoint(e.Payload)
	return p, err
}
