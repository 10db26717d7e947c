package wire

import "encoding/binary"

// View iterates over the TLV records of a received message. Call Next at
// least once before using the accessors; after Next returns false the view
// is finished and the accessors return zero values.
type View struct {
	buf   []byte
	off   int
	typ   TLVType
	val   []byte
	valid bool
}

// NewView positions a view just past the message type byte.
func NewView(m *Message) *View {
	v := &View{buf: m.Bytes()}
	if len(v.buf) > 0 {
		v.off = 1
	}
	return v
}

// Next advances to the following record. It returns false when the buffer
// is exhausted or the next record header is truncated.
func (v *View) Next() bool {
	v.valid = false
	v.typ, v.val = 0, nil
	if v.off >= len(v.buf) {
		return false
	}
	if v.off+tlvHeaderSize > len(v.buf) {
		return false
	}
	v.typ = TLVType(v.buf[v.off])
	length := int(binary.BigEndian.Uint32(v.buf[v.off+1 : v.off+5]))
	v.off += tlvHeaderSize
	if v.off+length > len(v.buf) {
		return false
	}
	v.val = v.buf[v.off : v.off+length]
	v.off += length
	v.valid = true
	return true
}

// Valid reports whether the view currently addresses a record.
func (v *View) Valid() bool {
	return v.valid
}

// Type returns the current record's type.
func (v *View) Type() TLVType {
	return v.typ
}

// Len returns the current record's value length.
func (v *View) Len() int {
	return len(v.val)
}

// Value returns the current record's value bytes. The slice aliases the
// message buffer.
func (v *View) Value() []byte {
	return v.val
}

// Text returns the current record's value as a string.
func (v *View) Text() string {
	return string(v.val)
}

// VerifyEnd reports whether the underlying buffer carries a trailing END
// record, regardless of the view's position.
func (v *View) VerifyEnd() bool {
	return VerifyEnd(v.buf)
}
