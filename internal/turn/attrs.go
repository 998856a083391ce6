package turn

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/gortc/turnrelay/internal/stun"
)

// RequestedTransport is the REQUESTED-TRANSPORT attribute: the high octet
// of a 4-byte value names the transport protocol, the rest is reserved.
type RequestedTransport struct {
	Protocol Protocol
}

func (r RequestedTransport) AddTo(e *stun.Encoder) error {
	v := []byte{byte(r.Protocol), 0, 0, 0}
	return e.AddRaw(stun.AttrRequestedTransport, v)
}

func (r *RequestedTransport) GetFrom(m *stun.Message) error {
	attr, err := m.Get(stun.AttrRequestedTransport)
	if err != nil {
		return err
	}
	if len(attr.Value) < 4 {
		return stun.ErrInvalidInput
	}
	r.Protocol = Protocol(attr.Value[0])
	return nil
}

// maxLifetimeSeconds is the hard upper bound the server enforces on any
// requested allocation lifetime.
const maxLifetimeSeconds = 3600

// defaultLifetimeSeconds is the default advertised when a request omits
// LIFETIME.
const defaultLifetimeSeconds = 600

// Lifetime is the LIFETIME attribute (seconds, u32 on the wire).
type Lifetime struct {
	Duration time.Duration
}

func clampLifetime(d time.Duration) time.Duration {
	if d > maxLifetimeSeconds*time.Second {
		return maxLifetimeSeconds * time.Second
	}
	return d
}

// DefaultLifetime is the RFC default allocation/refresh lifetime.
func DefaultLifetime() time.Duration { return defaultLifetimeSeconds * time.Second }

func (l Lifetime) AddTo(e *stun.Encoder) error {
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], uint32(clampLifetime(l.Duration)/time.Second))
	return e.AddRaw(stun.AttrLifetime, v[:])
}

func (l *Lifetime) GetFrom(m *stun.Message) error {
	attr, err := m.Get(stun.AttrLifetime)
	if err != nil {
		return err
	}
	if len(attr.Value) < 4 {
		return stun.ErrInvalidInput
	}
	secs := binary.BigEndian.Uint32(attr.Value)
	l.Duration = clampLifetime(time.Duration(secs) * time.Second)
	return nil
}

// PeerAddress is the XOR-PEER-ADDRESS attribute.
type PeerAddress Addr

func (a PeerAddress) AddTo(e *stun.Encoder) error {
	return e.AddRaw(stun.AttrXORPeerAddress, stun.EncodeXORAddr(a.IP, a.Port, e.TransactionID()))
}

func (a *PeerAddress) GetFrom(m *stun.Message) error {
	attr, err := m.Get(stun.AttrXORPeerAddress)
	if err != nil {
		return err
	}
	ip, port, err := stun.DecodeXORAddr(attr.Value, m.TransactionID)
	if err != nil {
		return err
	}
	a.IP, a.Port = ip, port
	return nil
}

// PeerAddresses returns every XOR-PEER-ADDRESS attribute on m (a
// CreatePermission request may list several).
func PeerAddresses(m *stun.Message) []Addr {
	var out []Addr
	for _, a := range m.Attributes {
		if a.Type != stun.AttrXORPeerAddress {
			continue
		}
		ip, port, err := stun.DecodeXORAddr(a.Value, m.TransactionID)
		if err != nil {
			continue
		}
		out = append(out, Addr{IP: ip, Port: port})
	}
	return out
}

// RelayedAddress is the XOR-RELAYED-ADDRESS attribute.
type RelayedAddress Addr

func (a RelayedAddress) AddTo(e *stun.Encoder) error {
	return e.AddRaw(stun.AttrXORRelayedAddress, stun.EncodeXORAddr(a.IP, a.Port, e.TransactionID()))
}

func (a *RelayedAddress) GetFrom(m *stun.Message) error {
	attr, err := m.Get(stun.AttrXORRelayedAddress)
	if err != nil {
		return err
	}
	ip, port, err := stun.DecodeXORAddr(attr.Value, m.TransactionID)
	if err != nil {
		return err
	}
	a.IP, a.Port = ip, port
	return nil
}

// Data is the DATA attribute: an opaque, possibly empty byte payload.
type Data []byte

func (d Data) AddTo(e *stun.Encoder) error {
	return e.AddRaw(stun.AttrData, d)
}

func (d *Data) GetFrom(m *stun.Message) error {
	attr, err := m.Get(stun.AttrData)
	if err != nil {
		return err
	}
	*d = attr.Value
	return nil
}

// XORMappedAddress re-exported so handlers that only import package turn
// can still decorate Binding/Allocate responses with the client's reflexive
// address.
type XORMappedAddress = stun.XORMappedAddress

// netAddr converts Addr to the net package's *net.UDPAddr, the shape
// listeners outside the core expect.
func (a Addr) netAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.IP, Port: a.Port}
}

// UDPAddr exposes the conversion used by the server when handing a
// destination back to its listener.
func (a Addr) UDPAddr() *net.UDPAddr { return a.netAddr() }
