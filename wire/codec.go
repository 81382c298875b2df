package wire

import (
	"bytes"
	"encoding/binary"

	"github.com/gogo/protobuf/proto"
	"github.com/xtaci/p2pconn/p2perr"
)

// Encoding is the pluggable codec consumed by conn's Reader/Writer,
// matching spec.md's "encoding" parameter of C3/C4 and the
// conn_meta_encoding of §6.
type Encoding interface {
	Marshal(*Envelope) ([]byte, error)
	Unmarshal([]byte, *Envelope) error
}

// ProtoEncoding is the default Encoding, backed by gogo/protobuf.
// Envelope implements Marshaler/Unmarshaler by hand (envelope.go), so
// proto.Marshal/proto.Unmarshal dispatch straight to those methods
// without needing protoc-generated descriptors.
type ProtoEncoding struct{}

func (ProtoEncoding) Marshal(e *Envelope) ([]byte, error) {
	b, err := proto.Marshal(e)
	if err != nil {
		return nil, &p2perr.EncodingError{Cause: err}
	}
	return b, nil
}

func (ProtoEncoding) Unmarshal(data []byte, e *Envelope) error {
	if err := proto.Unmarshal(data, e); err != nil {
		return &p2perr.DecodingError{Cause: err}
	}
	return nil
}

// DecodeOutcome classifies a single Feed() call's result, matching
// spec.md §4.3's Success/Await/Error decoder variants.
type DecodeOutcome int

const (
	DecodeAwait DecodeOutcome = iota
	DecodeSuccess
	DecodeError
)

// DecodeResult is the result of feeding bytes to a StreamDecoder.
type DecodeResult struct {
	Outcome DecodeOutcome
	Msg     Envelope
	Size    int // plaintext length of Msg's framed envelope (4-byte prefix + body), excluding chunk tags
	Err     error
}

// StreamDecoder is the "streaming binary decoder" of spec.md §4.3: fed
// successive plaintext chunks (which may split a single serialized
// envelope across several chunk boundaries, per C4's chunking), it
// buffers until a complete length-prefixed envelope is available.
//
// Envelopes are additionally framed with their own 4-byte big-endian
// length prefix so the decoder knows how many accumulated bytes make
// up one message — this is the "remaining_stream" lazy sequence of
// spec.md §4.3: after a Success, any bytes left in the buffer already
// belong to the next message and are preserved across calls.
type StreamDecoder struct {
	enc Encoding
	buf bytes.Buffer
}

// NewStreamDecoder constructs a decoder using enc to unmarshal envelope bodies.
func NewStreamDecoder(enc Encoding) *StreamDecoder {
	return &StreamDecoder{enc: enc}
}

const envelopeLenPrefix = 4

// Feed appends chunk (which may be nil, to re-attempt decoding
// already-buffered bytes without waiting on new I/O) and attempts to
// decode one complete envelope.
func (d *StreamDecoder) Feed(chunk []byte) DecodeResult {
	if len(chunk) > 0 {
		d.buf.Write(chunk)
	}

	raw := d.buf.Bytes()
	if len(raw) < envelopeLenPrefix {
		return DecodeResult{Outcome: DecodeAwait}
	}
	bodyLen := int(binary.BigEndian.Uint32(raw[:envelopeLenPrefix]))
	total := envelopeLenPrefix + bodyLen
	if len(raw) < total {
		return DecodeResult{Outcome: DecodeAwait}
	}

	var env Envelope
	if err := d.enc.Unmarshal(raw[envelopeLenPrefix:total], &env); err != nil {
		return DecodeResult{Outcome: DecodeError, Err: err}
	}

	leftover := append([]byte(nil), raw[total:]...)
	d.buf.Reset()
	d.buf.Write(leftover)

	return DecodeResult{Outcome: DecodeSuccess, Msg: env, Size: total}
}

// EncodeEnvelope serializes msg with its 4-byte length prefix, the
// counterpart framing StreamDecoder.Feed expects.
func EncodeEnvelope(enc Encoding, msg *Envelope) ([]byte, error) {
	body, err := enc.Marshal(msg)
	if err != nil {
		return nil, err
	}
	out := make([]byte, envelopeLenPrefix+len(body))
	binary.BigEndian.PutUint32(out[:envelopeLenPrefix], uint32(len(body)))
	copy(out[envelopeLenPrefix:], body)
	return out, nil
}

// SplitIntoChunks splits data into pieces each at most chunkSize
// bytes, the "encode_message" split step of spec.md §4.4.
func SplitIntoChunks(data []byte, chunkSize int) [][]byte {
	if chunkSize <= 0 {
		return [][]byte{data}
	}
	var chunks [][]byte
	for len(data) > 0 {
		n := chunkSize
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}
	return chunks
}
