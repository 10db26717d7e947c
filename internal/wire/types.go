// Package wire implements the length-prefixed TLV protocol spoken between
// the backup client and server. A frame on the wire is an 8-byte
// little-endian payload length followed by the payload; the first payload
// byte is the message type and the rest is a sequence of TLV records.
package wire

// MsgType is the first byte of every frame payload.
type MsgType uint8

const (
	MsgNone MsgType = iota
	MsgCreate
	MsgUpdate
	MsgErase
	MsgList
	MsgAuth
	MsgRetrieve
	MsgKeepAlive
)

func (t MsgType) String() string {
	switch t {
	case MsgCreate:
		return "CREATE"
	case MsgUpdate:
		return "UPDATE"
	case MsgErase:
		return "ERASE"
	case MsgList:
		return "LIST"
	case MsgAuth:
		return "AUTH"
	case MsgRetrieve:
		return "RETRIEVE"
	case MsgKeepAlive:
		return "KEEP_ALIVE"
	default:
		return "-"
	}
}

// TLVType tags a single record inside a message.
type TLVType uint8

const (
	TLVUsername TLVType = iota
	TLVPassword
	TLVItem
	TLVEnd
	TLVOK
	TLVError
	TLVContent
)

func (t TLVType) String() string {
	switch t {
	case TLVUsername:
		return "USRN"
	case TLVPassword:
		return "PSWD"
	case TLVItem:
		return "ITEM"
	case TLVEnd:
		return "END"
	case TLVOK:
		return "OK"
	case TLVError:
		return "ERROR"
	case TLVContent:
		return "CONTENT"
	default:
		return "?"
	}
}

// ErrType is carried as ASCII decimal inside an ERROR record.
type ErrType int

const (
	ErrNone            ErrType = 0
	ErrNoContent       ErrType = 1
	ErrMsgTypeRejected ErrType = 2

	ErrCreateNoItem       ErrType = 101
	ErrCreateNoContent    ErrType = 102
	ErrCreateAlreadyExist ErrType = 103
	ErrCreateFailed       ErrType = 104
	ErrCreateNoMatch      ErrType = 105

	ErrUpdateNoItem         ErrType = 201
	ErrUpdateNoContent      ErrType = 202
	ErrUpdateNotExist       ErrType = 203
	ErrUpdateAlreadyUpdated ErrType = 204
	ErrUpdateFailed         ErrType = 205
	ErrUpdateNoMatch        ErrType = 206

	ErrEraseNoItem  ErrType = 301
	ErrEraseNoMatch ErrType = 302
	ErrEraseFailed  ErrType = 303

	ErrListFailed ErrType = 401

	ErrAuthNoUsername ErrType = 501
	ErrAuthNoPassword ErrType = 502
	ErrAuthFailed     ErrType = 503

	ErrRetrieveFailed ErrType = 601
)

var errTypeNames = map[ErrType]string{
	ErrNone:                 "OK",
	ErrNoContent:            "ERR_NO_CONTENT",
	ErrMsgTypeRejected:      "ERR_MSG_TYPE_REJECTED",
	ErrCreateNoItem:         "ERR_CREATE_NO_ITEM",
	ErrCreateNoContent:      "ERR_CREATE_NO_CONTENT",
	ErrCreateAlreadyExist:   "ERR_CREATE_ALREADY_EXIST",
	ErrCreateFailed:         "ERR_CREATE_FAILED",
	ErrCreateNoMatch:        "ERR_CREATE_NO_MATCH",
	ErrUpdateNoItem:         "ERR_UPDATE_NO_ITEM",
	ErrUpdateNoContent:      "ERR_UPDATE_NO_CONTENT",
	ErrUpdateNotExist:       "ERR_UPDATE_NOT_EXIST",
	ErrUpdateAlreadyUpdated: "ERR_UPDATE_ALREADY_UPDATED",
	ErrUpdateFailed:         "ERR_UPDATE_FAILED",
	ErrUpdateNoMatch:        "ERR_UPDATE_NO_MATCH",
	ErrEraseNoItem:          "ERR_ERASE_NO_ITEM",
	ErrEraseNoMatch:         "ERR_ERASE_NO_MATCH",
	ErrEraseFailed:          "ERR_ERASE_FAILED",
	ErrListFailed:           "ERR_LIST_FAILED",
	ErrAuthNoUsername:       "ERR_AUTH_NO_USRN",
	ErrAuthNoPassword:       "ERR_AUTH_NO_PSWD",
	ErrAuthFailed:           "ERR_AUTH_FAILED",
	ErrRetrieveFailed:       "ERR_RETRIEVE_FAILED",
}

func (e ErrType) String() string {
	if s, ok := errTypeNames[e]; ok {
		return s
	}
	return "ERR_UNKNOWN"
}
