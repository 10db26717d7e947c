package wire

import (
	"encoding/binary"
	"fmt"
	"strconv"
)

const (
	// HeaderSize is the size of the frame length prefix, an explicit
	// little-endian word so mixed-endian deployments interoperate.
	HeaderSize = 8

	// tlvHeaderSize is one type byte plus a 4-byte big-endian length.
	tlvHeaderSize = 5

	// MaxTLVLen is the largest value a TLV length field can carry.
	MaxTLVLen = 1<<32 - 1
)

// Message is one frame payload: a leading MsgType byte followed by zero or
// more TLV records. The zero value is not usable; construct with New or
// FromBytes.
type Message struct {
	buf []byte
}

// New returns an empty message of the given type.
func New(t MsgType) *Message {
	return &Message{buf: []byte{byte(t)}}
}

// FromBytes wraps an already received payload. The slice is retained.
func FromBytes(buf []byte) *Message {
	return &Message{buf: buf}
}

// Type returns the message type byte. An empty buffer decodes as MsgNone.
func (m *Message) Type() MsgType {
	if len(m.buf) == 0 {
		return MsgNone
	}
	return MsgType(m.buf[0])
}

// AddTLV appends one record. Values longer than MaxTLVLen are rejected.
func (m *Message) AddTLV(t TLVType, value []byte) error {
	if uint64(len(value)) > MaxTLVLen {
		return fmt.Errorf("tlv value too large: %d bytes", len(value))
	}
	m.buf = append(m.buf, byte(t))
	m.buf = binary.BigEndian.AppendUint32(m.buf, uint32(len(value)))
	m.buf = append(m.buf, value...)
	return nil
}

// AddString appends a record with a string value.
func (m *Message) AddString(t TLVType, value string) {
	m.AddTLV(t, []byte(value)) //nolint:errcheck // length bounded by caller
}

// AddEnd appends the zero-length END record that terminates a message.
func (m *Message) AddEnd() {
	m.AddTLV(TLVEnd, nil) //nolint:errcheck
}

// AddError appends an ERROR record carrying the ASCII decimal code.
func (m *Message) AddError(e ErrType) {
	m.AddString(TLVError, strconv.Itoa(int(e)))
}

// Bytes returns the payload, type byte included.
func (m *Message) Bytes() []byte {
	return m.buf
}

// Size returns the payload length in bytes.
func (m *Message) Size() int {
	return len(m.buf)
}

// Frame returns the on-wire encoding: 8-byte little-endian length header
// followed by the payload.
func (m *Message) Frame() []byte {
	out := make([]byte, HeaderSize+len(m.buf))
	binary.LittleEndian.PutUint64(out, uint64(len(m.buf)))
	copy(out[HeaderSize:], m.buf)
	return out
}

// VerifyEnd reports whether the buffer terminates with a zero-length END
// record, i.e. its final five bytes are END,0,0,0,0.
func VerifyEnd(buf []byte) bool {
	n := len(buf)
	if n < tlvHeaderSize {
		return false
	}
	if TLVType(buf[n-5]) != TLVEnd {
		return false
	}
	return buf[n-4] == 0 && buf[n-3] == 0 && buf[n-2] == 0 && buf[n-1] == 0
}
