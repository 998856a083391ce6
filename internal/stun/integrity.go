package stun

import (
	"crypto/hmac"
	"crypto/md5" // #nosec -- RFC 5389 §15.4 long-term credential key, not a security primitive choice
	"crypto/sha1" // #nosec -- mandated by RFC 5389 long-term credential MESSAGE-INTEGRITY
	"encoding/binary"
	"unsafe"
)

const messageIntegritySize = 20

// MessageIntegrity is the long-term-credential HMAC-SHA1 key, MD5(username
// ":" realm ":" password) per RFC 5389 §15.4.
type MessageIntegrity []byte

// NewLongTermIntegrity computes the RFC 5389 §15.4 long-term credential
// key: MD5(username ":" realm ":" password). This is the HMAC-SHA1 key
// used for MESSAGE-INTEGRITY, not a credential itself.
func NewLongTermIntegrity(username, realm, password string) []byte {
	h := md5.New() // #nosec -- RFC-mandated hash, see above
	h.Write([]byte(username))
	h.Write([]byte(":"))
	h.Write([]byte(realm))
	h.Write([]byte(":"))
	h.Write([]byte(password))
	return h.Sum(nil)
}

// computeIntegrity hashes the message from byte 0 up to (but not including)
// the MESSAGE-INTEGRITY attribute. buf's header length field must already
// reflect the content length including the integrity attribute.
func computeIntegrity(key, buf []byte) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(buf)
	return mac.Sum(nil)
}

// CheckIntegrity verifies a decoded message's MESSAGE-INTEGRITY attribute
// against key, per RFC 5389 §15.4. raw must be the
// original undecoded bytes the message was parsed from.
func CheckIntegrity(raw []byte, m *Message, key []byte) error {
	attr, err := m.Get(AttrMessageIntegrity)
	if err != nil {
		return ErrNotFoundIntegrity
	}
	if len(attr.Value) != messageIntegritySize {
		return ErrIntegrityFailed
	}
	// Locate offset of the attribute in raw by pointer arithmetic on the
	// shared backing array: Value starts attributeHeaderSize bytes after
	// the attribute header, which itself directly precedes it.
	offset := attrOffset(raw, attr.Value)
	if offset < 0 {
		return ErrIntegrityFailed
	}
	var hdr [messageHeaderSize]byte
	copy(hdr[:], raw[:messageHeaderSize])
	binary.BigEndian.PutUint16(hdr[2:4], uint16(offset+attributeHeaderSize+messageIntegritySize-messageHeaderSize))
	mac := hmac.New(sha1.New, key)
	mac.Write(hdr[:])
	mac.Write(raw[messageHeaderSize:offset])
	computed := mac.Sum(nil)
	if !hmac.Equal(computed, attr.Value) {
		return ErrIntegrityFailed
	}
	return nil
}

// attrOffset returns the byte offset within raw where the attribute TLV
// header (type|length) begins, given the slice of its value, which must
// alias raw's backing array (true for every Attribute produced by Decode).
func attrOffset(raw []byte, value []byte) int {
	if len(raw) == 0 || len(value) == 0 {
		return -1
	}
	base := uintptr(unsafe.Pointer(&raw[0]))
	ptr := uintptr(unsafe.Pointer(&value[0]))
	if ptr < base {
		return -1
	}
	offset := int(ptr - base)
	if offset+len(value) > len(raw) {
		return -1
	}
	return offset - attributeHeaderSize
}
