package router

import (
	"encoding/binary"

	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/fault"
)

// HeaderSize is the fixed wire header length: label u64, len u32, flags
// u32, all big-endian, no padding.
const HeaderSize = 16

// DefaultMaxPayload bounds a message payload unless the endpoint
// configures its own limit.
const DefaultMaxPayload = 1 << 20

// Message is one unit of inter-capsule transfer. The payload is always
// copied at the kernel boundary; capsules never share backing memory.
type Message struct {
	Label   uint64
	Flags   uint32
	Payload []byte
}

// Priority orders messages for drop decisions. Higher flags value wins.
func (m Message) Priority() uint32 { return m.Flags }

func (m Message) clone() Message {
	c := m
	if m.Payload != nil {
		c.Payload = make([]byte, len(m.Payload))
		copy(c.Payload, m.Payload)
	}
	return c
}

// Encode serializes the message to the wire frame.
func Encode(m Message) []byte {
	buf := make([]byte, HeaderSize+len(m.Payload))
	binary.BigEndian.PutUint64(buf[0:8], m.Label)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(m.Payload)))
	binary.BigEndian.PutUint32(buf[12:16], m.Flags)
	copy(buf[HeaderSize:], m.Payload)
	return buf
}

// Decode parses a wire frame. The declared length must match the supplied
// payload exactly and stay within maxPayload; both checks happen before
// any queue is touched.
func Decode(frame []byte, maxPayload uint32) (Message, error) {
	if len(frame) < HeaderSize {
		return Message{}, fault.New(fault.CodeBadMessage, "frame shorter than header: %d bytes", len(frame))
	}
	declared := binary.BigEndian.Uint32(frame[8:12])
	if declared > maxPayload {
		return Message{}, fault.New(fault.CodeBadMessage, "declared payload %d exceeds maximum %d", declared, maxPayload)
	}
	if uint32(len(frame)-HeaderSize) != declared {
		return Message{}, fault.New(fault.CodeBadMessage, "declared payload %d does not match supplied %d", declared, len(frame)-HeaderSize)
	}
	m := Message{
		Label: binary.BigEndian.Uint64(frame[0:8]),
		Flags: binary.BigEndian.Uint32(frame[12:16]),
	}
	if declared > 0 {
		m.Payload = make([]byte, declared)
		copy(m.Payload, frame[HeaderSize:])
	}
	return m, nil
}
