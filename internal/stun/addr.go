package stun

import (
	"encoding/binary"
	"net"
)

const (
	familyIPv4 byte = 0x01
	familyIPv6 byte = 0x02
)

// EncodeAddr writes a MAPPED-ADDRESS-shaped attribute (family, port, ip)
// with no XOR obfuscation.
func EncodeAddr(ip net.IP, port int) []byte {
	return encodeAddr(ip, port, nil)
}

// EncodeXORAddr writes an XOR-*-ADDRESS-shaped attribute: port XORed with
// the high 16 bits of the magic cookie, address XORed with the cookie
// (IPv4) or cookie||transactionID (IPv6), per RFC 5389 §15.2.
func EncodeXORAddr(ip net.IP, port int, tid TransactionID) []byte {
	return encodeAddr(ip, port, &tid)
}

func encodeAddr(ip net.IP, port int, tid *TransactionID) []byte {
	v4 := ip.To4()
	family := familyIPv4
	addrLen := net.IPv4len
	if v4 == nil {
		family = familyIPv6
		addrLen = net.IPv6len
	}
	v := make([]byte, 4+addrLen)
	v[0] = 0
	v[1] = family
	portVal := uint16(port)
	var raw []byte
	if v4 != nil {
		raw = v4
	} else {
		raw = ip.To16()
	}
	if tid != nil {
		portVal ^= uint16(MagicCookie >> 16)
	}
	binary.BigEndian.PutUint16(v[2:4], portVal)
	xorKey := make([]byte, addrLen)
	if tid != nil {
		binary.BigEndian.PutUint32(xorKey[0:4], MagicCookie)
		if family == familyIPv6 {
			copy(xorKey[4:], tid[:])
		}
	}
	for i := 0; i < addrLen; i++ {
		b := raw[i]
		if tid != nil {
			b ^= xorKey[i]
		}
		v[4+i] = b
	}
	return v
}

// DecodeAddr reads a MAPPED-ADDRESS-shaped attribute value.
func DecodeAddr(v []byte) (net.IP, int, error) {
	return decodeAddr(v, nil)
}

// DecodeXORAddr reads an XOR-*-ADDRESS-shaped attribute value.
func DecodeXORAddr(v []byte, tid TransactionID) (net.IP, int, error) {
	return decodeAddr(v, &tid)
}

func decodeAddr(v []byte, tid *TransactionID) (net.IP, int, error) {
	if len(v) < 4 {
		return nil, 0, ErrInvalidInput
	}
	family := v[1]
	var addrLen int
	switch family {
	case familyIPv4:
		addrLen = net.IPv4len
	case familyIPv6:
		addrLen = net.IPv6len
	default:
		return nil, 0, ErrInvalidInput
	}
	if len(v) != 4+addrLen {
		return nil, 0, ErrInvalidInput
	}
	port := int(binary.BigEndian.Uint16(v[2:4]))
	xorKey := make([]byte, addrLen)
	if tid != nil {
		port ^= int(MagicCookie >> 16)
		binary.BigEndian.PutUint32(xorKey[0:4], MagicCookie)
		if family == familyIPv6 {
			copy(xorKey[4:], tid[:])
		}
	}
	ip := make(net.IP, addrLen)
	for i := 0; i < addrLen; i++ {
		b := v[4+i]
		if tid != nil {
			b ^= xorKey[i]
		}
		ip[i] = b
	}
	return ip, port, nil
}

// MappedAddress is the MAPPED-ADDRESS attribute.
type MappedAddress struct {
	IP   net.IP
	Port int
}

func (a *MappedAddress) AddTo(e *Encoder) error {
	return e.addRaw(AttrMappedAddress, EncodeAddr(a.IP, a.Port))
}

func (a *MappedAddress) GetFrom(m *Message) error {
	attr, err := m.Get(AttrMappedAddress)
	if err != nil {
		return err
	}
	ip, port, err := DecodeAddr(attr.Value)
	if err != nil {
		return err
	}
	a.IP, a.Port = ip, port
	return nil
}

// XORMappedAddress is the XOR-MAPPED-ADDRESS attribute.
type XORMappedAddress struct {
	IP   net.IP
	Port int
}

func (a *XORMappedAddress) AddTo(e *Encoder) error {
	return e.addRaw(AttrXORMappedAddress, EncodeXORAddr(a.IP, a.Port, e.transactionID()))
}

func (a *XORMappedAddress) GetFrom(m *Message) error {
	attr, err := m.Get(AttrXORMappedAddress)
	if err != nil {
		return err
	}
	ip, port, err := DecodeXORAddr(attr.Value, m.TransactionID)
	if err != nil {
		return err
	}
	a.IP, a.Port = ip, port
	return nil
}

// ResponseOrigin is the RESPONSE-ORIGIN attribute: the server interface a
// request was received on, encoded unobfuscated like MAPPED-ADDRESS.
type ResponseOrigin struct {
	IP   net.IP
	Port int
}

func (a *ResponseOrigin) AddTo(e *Encoder) error {
	return e.addRaw(AttrResponseOrigin, EncodeAddr(a.IP, a.Port))
}

func (a *ResponseOrigin) GetFrom(m *Message) error {
	attr, err := m.Get(AttrResponseOrigin)
	if err != nil {
		return err
	}
	ip, port, err := DecodeAddr(attr.Value)
	if err != nil {
		return err
	}
	a.IP, a.Port = ip, port
	return nil
}

// transactionID exposes the encoder's in-progress transaction id so
// XOR-address setters can read it back out of the header they already
// wrote, without threading it through every Setter's constructor.
func (e *Encoder) transactionID() TransactionID {
	var tid TransactionID
	copy(tid[:], e.buf[8:20])
	return tid
}
