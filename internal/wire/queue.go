package wire

import "strconv"

// ReplyFrameLimit caps the size of a control reply frame. A TLV that would
// push the current frame past the limit opens a new frame of the same
// message type.
const ReplyFrameLimit = 4096

// ReplyQueue accumulates the (possibly multi-frame) server reply to one
// request. All frames share the request's message type; the last frame ends
// with an END record and any ERROR record's code is remembered for logging.
type ReplyQueue struct {
	typ     MsgType
	frames  []*Message
	errType ErrType
}

// NewReplyQueue starts a queue with a single empty frame of the given type.
func NewReplyQueue(t MsgType) *ReplyQueue {
	return &ReplyQueue{
		typ:     t,
		frames:  []*Message{New(t)},
		errType: ErrNone,
	}
}

// AddTLV appends a record to the last frame, or to a fresh frame when the
// addition would exceed ReplyFrameLimit.
func (q *ReplyQueue) AddTLV(t TLVType, value []byte) {
	last := q.frames[len(q.frames)-1]
	if last.Size()+tlvHeaderSize+len(value) > ReplyFrameLimit {
		last = New(q.typ)
		q.frames = append(q.frames, last)
	}
	last.AddTLV(t, value) //nolint:errcheck // bounded by ReplyFrameLimit
	if t == TLVError {
		if code, err := strconv.Atoi(string(value)); err == nil {
			q.errType = ErrType(code)
		}
	}
}

// AddString appends a record with a string value.
func (q *ReplyQueue) AddString(t TLVType, value string) {
	q.AddTLV(t, []byte(value))
}

// AddMessage appends a pre-built frame, bypassing the size limit. Used for
// RETRIEVE chunk frames which carry their own ITEM/CONTENT/END layout.
func (q *ReplyQueue) AddMessage(m *Message) {
	q.frames = append(q.frames, m)
}

// Reset discards all accumulated frames and starts over with one empty
// frame, keeping the message type.
func (q *ReplyQueue) Reset() {
	q.frames = []*Message{New(q.typ)}
	q.errType = ErrNone
}

// CloseOK terminates the reply with OK followed by END.
func (q *ReplyQueue) CloseOK() {
	q.AddTLV(TLVOK, nil)
	q.AddTLV(TLVEnd, nil)
}

// CloseError terminates the reply with ERROR(code) followed by END.
func (q *ReplyQueue) CloseError(e ErrType) {
	q.AddString(TLVError, strconv.Itoa(int(e)))
	q.AddTLV(TLVEnd, nil)
}

// Frames returns the accumulated frames in send order. The first frame of a
// RETRIEVE reply built purely of chunk frames is the empty bootstrap frame;
// Frames drops it when it carries no records.
func (q *ReplyQueue) Frames() []*Message {
	if len(q.frames) > 1 && q.frames[0].Size() == 1 {
		return q.frames[1:]
	}
	return q.frames
}

// Type returns the shared message type of all frames.
func (q *ReplyQueue) Type() MsgType {
	return q.typ
}

// Err returns the last ERROR code added, or ErrNone.
func (q *ReplyQueue) Err() ErrType {
	return q.errType
}
