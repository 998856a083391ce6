package stun

import (
	"crypto/rand"
	"encoding/binary"
)

// Setter writes its value into an Encoder as one or more attributes.
type Setter interface {
	AddTo(e *Encoder) error
}

// Getter reads its value from a decoded Message.
type Getter interface {
	GetFrom(m *Message) error
}

// Encoder builds a STUN message into an owned buffer. Reset starts a new
// message in the same backing array; the server's pooled per-datagram
// context keeps one scratch Encoder and calls Reset between uses.
type Encoder struct {
	buf  []byte
	attr int // offset where the attribute section begins
}

// NewEncoder allocates an encoder with transaction id tid and starts the
// 20-byte header (length patched in on Flush).
func NewEncoder(buf []byte, typ MessageType, tid TransactionID) *Encoder {
	e := &Encoder{buf: buf[:0]}
	e.reset(typ, tid)
	return e
}

// Reset reinitializes e to encode a new message of type typ/tid into its
// existing backing array.
func (e *Encoder) Reset(typ MessageType, tid TransactionID) {
	e.buf = e.buf[:0]
	e.reset(typ, tid)
}

func (e *Encoder) reset(typ MessageType, tid TransactionID) {
	var hdr [messageHeaderSize]byte
	binary.BigEndian.PutUint16(hdr[0:2], typ.encode())
	binary.BigEndian.PutUint16(hdr[2:4], 0) // patched by Flush
	binary.BigEndian.PutUint32(hdr[4:8], MagicCookie)
	copy(hdr[8:20], tid[:])
	e.buf = append(e.buf, hdr[:]...)
	e.attr = messageHeaderSize
}

// NewTransactionID generates a random transaction id.
func NewTransactionID() TransactionID {
	var t TransactionID
	_, _ = rand.Read(t[:])
	return t
}

// Raw returns the encoded bytes so far (header length field is only valid
// after Flush).
func (e *Encoder) Raw() []byte { return e.buf }

// addRaw appends one attribute TLV (type, value) with zero-padding.
func (e *Encoder) addRaw(t AttrType, v []byte) error {
	var hdr [attributeHeaderSize]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(t))
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(v)))
	e.buf = append(e.buf, hdr[:]...)
	e.buf = append(e.buf, v...)
	pad := padding4(len(v))
	for i := 0; i < pad; i++ {
		e.buf = append(e.buf, 0)
	}
	return nil
}

// Add appends a Setter's attribute(s).
func (e *Encoder) Add(s Setter) error {
	return s.AddTo(e)
}

// AddRaw appends one attribute TLV verbatim. Exported so attribute types
// defined outside this package (e.g. TURN's CHANNEL-NUMBER, LIFETIME) can
// build their own wire encoding without round-tripping through a Setter
// defined here.
func (e *Encoder) AddRaw(t AttrType, v []byte) error {
	return e.addRaw(t, v)
}

// TransactionID returns the transaction id this encoder is currently
// writing, for Setters (XOR-address attributes) that need it.
func (e *Encoder) TransactionID() TransactionID {
	return e.transactionID()
}

// Build resets e to a fresh message of the given type/transaction id and
// applies each Setter in order, finishing with Flush(nil).
func (e *Encoder) Build(typ MessageType, tid TransactionID, setters ...Setter) error {
	e.Reset(typ, tid)
	for _, s := range setters {
		if err := s.AddTo(e); err != nil {
			return err
		}
	}
	return e.Flush(nil)
}

// patchLength rewrites the header length field to reflect the current
// attribute-section size (contentLen bytes, not including the header).
func (e *Encoder) patchLength(contentLen int) {
	binary.BigEndian.PutUint16(e.buf[2:4], uint16(contentLen))
}

// Flush finalizes the message: patches the header length, optionally
// appends MESSAGE-INTEGRITY computed with key, and always appends
// FINGERPRINT last.
func (e *Encoder) Flush(key []byte) error {
	if key != nil {
		// Header length must reflect "up to and including MESSAGE-INTEGRITY"
		// before computing the HMAC, per RFC 5389 §15.4.
		e.patchLength(len(e.buf) - messageHeaderSize + messageIntegritySize + attributeHeaderSize)
		mac := computeIntegrity(key, e.buf)
		if err := e.addRaw(AttrMessageIntegrity, mac); err != nil {
			return err
		}
	}
	// Header length must include FINGERPRINT before computing the CRC.
	e.patchLength(len(e.buf) - messageHeaderSize + fingerprintSize + attributeHeaderSize)
	fp := computeFingerprint(e.buf)
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], fp)
	return e.addRaw(AttrFingerprint, v[:])
}
