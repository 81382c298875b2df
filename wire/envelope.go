package wire

import (
	"encoding/binary"
	"fmt"
)

// MessageKind discriminates the payload carried by an Envelope. This
// is the wire-level counterpart of the teacher's Gossip.Command enum
// in message.go / tcp_peer.go's handleGossip switch: one small tagged
// union dispatched by conn and answerer.
type MessageKind uint16

const (
	KindApplication MessageKind = iota
	KindAdvertise
	KindBootstrap
	KindSwapRequest
	KindSwapAck
)

func (k MessageKind) String() string {
	switch k {
	case KindApplication:
		return "application"
	case KindAdvertise:
		return "advertise"
	case KindBootstrap:
		return "bootstrap"
	case KindSwapRequest:
		return "swap_request"
	case KindSwapAck:
		return "swap_ack"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(k))
	}
}

// Envelope is the single message type that flows through the
// Reader/Writer queues (spec.md's generic "Msg"), directly modeled on
// the teacher's Gossip{Command, Message} envelope
// (agent-tcp/tcp_peer.go). It implements gogo/protobuf's Marshaler and
// Unmarshaler interfaces by hand (no protoc-generated code is needed
// for those interfaces — gogo's top-level proto.Marshal/Unmarshal
// dispatch directly to Marshal()/Unmarshal() when a message provides
// them), so it can be handed straight to proto.Marshal/proto.Unmarshal
// in ProtoEncoding.
type Envelope struct {
	Kind    MessageKind
	Payload []byte
}

// Reset, String, ProtoMessage satisfy gogo/protobuf's proto.Message.
func (e *Envelope) Reset()         { *e = Envelope{} }
func (e *Envelope) String() string { return fmt.Sprintf("Envelope{%s, %d bytes}", e.Kind, len(e.Payload)) }
func (*Envelope) ProtoMessage()    {}

// Marshal implements gogo/protobuf's Marshaler.
func (e *Envelope) Marshal() ([]byte, error) {
	buf := make([]byte, 2+len(e.Payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(e.Kind))
	copy(buf[2:], e.Payload)
	return buf, nil
}

// Unmarshal implements gogo/protobuf's Unmarshaler.
func (e *Envelope) Unmarshal(data []byte) error {
	if len(data) < 2 {
		return errShortBuffer
	}
	e.Kind = MessageKind(binary.BigEndian.Uint16(data[0:2]))
	e.Payload = append([]byte(nil), data[2:]...)
	return nil
}
