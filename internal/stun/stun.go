// Package stun implements a zero-copy encoder/decoder for the STUN message
// format (RFC 5389, RFC 8489) used as the wire codec of the core.
package stun

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// MagicCookie is the fixed STUN magic cookie value.
const MagicCookie uint32 = 0x2112A442

// DefaultPort is the IANA-assigned STUN/TURN port.
const DefaultPort = 3478

// TransactionIDSize is the size of an RFC 5389 transaction id, in bytes.
const TransactionIDSize = 12

const (
	messageHeaderSize   = 20
	attributeHeaderSize = 4
)

// Errors returned by Decode and attribute getters.
var (
	ErrInvalidInput       = errors.New("stun: invalid input")
	ErrUnknownMethod      = errors.New("stun: unknown method")
	ErrAttributeNotFound  = errors.New("stun: attribute not found")
	ErrIntegrityFailed    = errors.New("stun: integrity check failed")
	ErrNotFoundIntegrity  = errors.New("stun: message integrity attribute not found")
	ErrFingerprintMismatch = errors.New("stun: fingerprint mismatch")
	ErrFingerprintNotFound = errors.New("stun: fingerprint attribute not found")
)

// TransactionID is a 96-bit STUN transaction identifier.
type TransactionID [TransactionIDSize]byte

// Method is the method portion of a MessageType (low 12 bits of the type
// field once class bits are stripped).
type Method uint16

// Known methods.
const (
	MethodBinding          Method = 0x001
	MethodAllocate         Method = 0x003
	MethodRefresh          Method = 0x004
	MethodSend             Method = 0x006
	MethodData             Method = 0x007
	MethodCreatePermission Method = 0x008
	MethodChannelBind      Method = 0x009
)

var methodName = map[Method]string{
	MethodBinding:          "Binding",
	MethodAllocate:         "Allocate",
	MethodRefresh:          "Refresh",
	MethodSend:             "Send",
	MethodData:             "Data",
	MethodCreatePermission: "CreatePermission",
	MethodChannelBind:      "ChannelBind",
}

func (m Method) String() string {
	if name, ok := methodName[m]; ok {
		return name
	}
	return "unknown"
}

// Class is the STUN message class.
type Class byte

// Known classes.
const (
	ClassRequest         Class = 0x00
	ClassIndication      Class = 0x01
	ClassSuccessResponse Class = 0x02
	ClassErrorResponse   Class = 0x03
)

func (c Class) String() string {
	switch c {
	case ClassRequest:
		return "request"
	case ClassIndication:
		return "indication"
	case ClassSuccessResponse:
		return "success response"
	case ClassErrorResponse:
		return "error response"
	default:
		return "unknown class"
	}
}

// MessageType is the decoded (method, class) pair of a STUN message.
type MessageType struct {
	Method Method
	Class  Class
}

// NewType builds a MessageType from a method and class.
func NewType(method Method, class Class) MessageType {
	return MessageType{Method: method, Class: class}
}

func (t MessageType) String() string {
	return t.Method.String() + " " + t.Class.String()
}

// encode packs (method, class) into the 14-bit wire type field using the
// RFC 5389 bit-interleaving layout: class bits are spread across bit 4 and
// bit 8 of the 16-bit type field, method bits fill the rest.
func (t MessageType) encode() uint16 {
	m := uint16(t.Method)
	a := m & 0b0000_0000_1111 // M0..M3
	b := (m & 0b0000_0111_0000) << 1
	d := (m & 0b1111_1000_0000) << 2
	method := a | b | d
	c := uint16(t.Class)
	c0 := (c & 0b01) << 4
	c1 := (c & 0b10) << 7
	return method | c0 | c1
}

func decodeType(v uint16) MessageType {
	a := v & 0b0000_0000_0000_1111
	b := (v & 0b0000_0000_1110_0000) >> 1
	d := (v & 0b0011_1110_0000_0000) >> 2
	method := Method(a | b | d)
	c0 := (v & 0b0000_0000_0001_0000) >> 4
	c1 := (v & 0b0000_0001_0000_0000) >> 7
	return MessageType{Method: method, Class: Class(c0 | c1)}
}

// Attribute is a single decoded STUN attribute TLV. Value aliases the
// decoding buffer; callers must copy it before the buffer is reused.
type Attribute struct {
	Type   AttrType
	Length uint16
	Value  []byte
}

// AttrType identifies a STUN/TURN attribute.
type AttrType uint16

// Known attribute types.
const (
	AttrMappedAddress     AttrType = 0x0001
	AttrUsername          AttrType = 0x0006
	AttrMessageIntegrity  AttrType = 0x0008
	AttrErrorCode         AttrType = 0x0009
	AttrUnknownAttributes AttrType = 0x000A
	AttrRealm             AttrType = 0x0014
	AttrNonce             AttrType = 0x0015
	AttrXORMappedAddress  AttrType = 0x0020
	AttrSoftware          AttrType = 0x8022
	AttrFingerprint       AttrType = 0x8028

	// TURN attributes (RFC 5766 / RFC 8656). Defined here because they share
	// the same attribute namespace as STUN and the generic codec needs to
	// know their XOR-address semantics; turn-method-specific validation
	// lives in package turn.
	AttrChannelNumber      AttrType = 0x000C
	AttrLifetime           AttrType = 0x000D
	AttrXORPeerAddress     AttrType = 0x0012
	AttrData               AttrType = 0x0013
	AttrXORRelayedAddress  AttrType = 0x0016
	AttrRequestedTransport AttrType = 0x0019
	AttrResponseOrigin     AttrType = 0x802b
)

var attrName = map[AttrType]string{
	AttrMappedAddress:      "MAPPED-ADDRESS",
	AttrUsername:           "USERNAME",
	AttrMessageIntegrity:   "MESSAGE-INTEGRITY",
	AttrErrorCode:          "ERROR-CODE",
	AttrUnknownAttributes:  "UNKNOWN-ATTRIBUTES",
	AttrRealm:              "REALM",
	AttrNonce:              "NONCE",
	AttrXORMappedAddress:   "XOR-MAPPED-ADDRESS",
	AttrSoftware:           "SOFTWARE",
	AttrFingerprint:        "FINGERPRINT",
	AttrChannelNumber:      "CHANNEL-NUMBER",
	AttrLifetime:           "LIFETIME",
	AttrXORPeerAddress:     "XOR-PEER-ADDRESS",
	AttrData:               "DATA",
	AttrXORRelayedAddress:  "XOR-RELAYED-ADDRESS",
	AttrRequestedTransport: "REQUESTED-TRANSPORT",
	AttrResponseOrigin:     "RESPONSE-ORIGIN",
}

func (t AttrType) String() string {
	if name, ok := attrName[t]; ok {
		return name
	}
	return "unknown attribute"
}

// padding4 returns the number of zero bytes required to align n up to a
// 4-byte boundary.
func padding4(n int) int {
	return (4 - (n % 4)) % 4
}

// Message is a decoded STUN message. Raw aliases the buffer Decode was
// called with; Attributes' Value fields alias into Raw.
type Message struct {
	Type          MessageType
	TransactionID TransactionID
	Attributes    []Attribute
	Raw           []byte
}

// Reset clears m for reuse without releasing its backing arrays.
func (m *Message) Reset() {
	m.Type = MessageType{}
	m.TransactionID = TransactionID{}
	m.Attributes = m.Attributes[:0]
	m.Raw = nil
}

// IsMessage reports whether the first two bits of b look like a STUN
// message header (both zero), the cheap de-multiplexing check against
// ChannelData framing.
func IsMessage(b []byte) bool {
	return len(b) >= messageHeaderSize && b[0]&0b1100_0000 == 0
}

// Decode parses a STUN message out of b without copying attribute payloads.
func Decode(b []byte, m *Message) error {
	if len(b) < messageHeaderSize {
		return ErrInvalidInput
	}
	if b[0]&0b1100_0000 != 0 {
		return ErrInvalidInput
	}
	typ := binary.BigEndian.Uint16(b[0:2])
	length := binary.BigEndian.Uint16(b[2:4])
	cookie := binary.BigEndian.Uint32(b[4:8])
	if cookie != MagicCookie {
		return ErrInvalidInput
	}
	if int(length) > len(b)-messageHeaderSize {
		return ErrInvalidInput
	}
	m.Type = decodeType(typ)
	if _, ok := methodName[m.Type.Method]; !ok {
		return ErrUnknownMethod
	}
	copy(m.TransactionID[:], b[8:20])
	m.Raw = b
	m.Attributes = m.Attributes[:0]

	offset := messageHeaderSize
	end := messageHeaderSize + int(length)
	for offset < end {
		if end-offset < attributeHeaderSize {
			return ErrInvalidInput
		}
		aType := AttrType(binary.BigEndian.Uint16(b[offset : offset+2]))
		aLen := binary.BigEndian.Uint16(b[offset+2 : offset+4])
		valueStart := offset + attributeHeaderSize
		valueEnd := valueStart + int(aLen)
		if valueEnd > end {
			return ErrInvalidInput
		}
		m.Attributes = append(m.Attributes, Attribute{
			Type:   aType,
			Length: aLen,
			Value:  b[valueStart:valueEnd],
		})
		offset = valueEnd + padding4(int(aLen))
	}
	if offset != end {
		return ErrInvalidInput
	}
	return nil
}

// Get returns the first attribute of the given type, or ErrAttributeNotFound.
func (m *Message) Get(t AttrType) (Attribute, error) {
	for _, a := range m.Attributes {
		if a.Type == t {
			return a, nil
		}
	}
	return Attribute{}, ErrAttributeNotFound
}

// Contains reports whether the message carries an attribute of type t.
func (m *Message) Contains(t AttrType) bool {
	_, err := m.Get(t)
	return err == nil
}

func (m *Message) String() string {
	return m.Type.String()
}
