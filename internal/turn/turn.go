// Package turn implements the TURN-specific (RFC 5766/8656) extensions on
// top of the STUN codec in package stun: the relay/peer address attributes,
// channel numbers, lifetimes, the ChannelData framing, and the address/
// tuple value types the router and session manager key their state on.
package turn

import (
	"fmt"
	"net"

	"github.com/pkg/errors"

	"github.com/gortc/turnrelay/internal/stun"
)

// Method aliases re-exported for convenience at call sites that only deal
// with TURN methods.
const (
	MethodAllocate         = stun.MethodAllocate
	MethodRefresh          = stun.MethodRefresh
	MethodSend             = stun.MethodSend
	MethodData             = stun.MethodData
	MethodCreatePermission = stun.MethodCreatePermission
	MethodChannelBind      = stun.MethodChannelBind
)

// Request/response/indication message types used by the router's handler
// table.
var (
	BindingRequest           = stun.NewType(stun.MethodBinding, stun.ClassRequest)
	AllocateRequest          = stun.NewType(stun.MethodAllocate, stun.ClassRequest)
	RefreshRequest           = stun.NewType(stun.MethodRefresh, stun.ClassRequest)
	CreatePermissionRequest  = stun.NewType(stun.MethodCreatePermission, stun.ClassRequest)
	ChannelBindRequest       = stun.NewType(stun.MethodChannelBind, stun.ClassRequest)
	SendIndication           = stun.NewType(stun.MethodSend, stun.ClassIndication)
	DataIndication           = stun.NewType(stun.MethodData, stun.ClassIndication)
)

// Protocol is the L4 protocol of a FiveTuple.
type Protocol byte

// Supported protocols; only UDP allocations are implemented.
const (
	ProtoUDP Protocol = 17
	ProtoTCP Protocol = 6
)

func (p Protocol) String() string {
	switch p {
	case ProtoUDP:
		return "udp"
	case ProtoTCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// Addr is a (ip, port) pair, the common shape every STUN/TURN address
// attribute decodes to.
type Addr struct {
	IP   net.IP
	Port int
}

// Equal reports whether a and b denote the same address.
func (a Addr) Equal(b Addr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

func (a Addr) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// FiveTuple is (peer/client address, server interface address, protocol),
// the tuple a relay session is keyed on.
type FiveTuple struct {
	Client Addr
	Server Addr
	Proto  Protocol
}

// Equal reports whether two tuples denote the same session.
func (t FiveTuple) Equal(o FiveTuple) bool {
	return t.Proto == o.Proto && t.Client.Equal(o.Client) && t.Server.Equal(o.Server)
}

func (t FiveTuple) String() string {
	return fmt.Sprintf("%s->%s(%s)", t.Client, t.Server, t.Proto)
}

// Errors.
var (
	ErrInvalidChannelNumber = errors.New("turn: invalid channel number")
)

// ChannelNumberMin and ChannelNumberMax bound the valid CHANNEL-NUMBER
// range, per RFC 5766 §11.
const (
	ChannelNumberMin uint16 = 0x4000
	ChannelNumberMax uint16 = 0x7FFF
)

// ChannelNumber is the CHANNEL-NUMBER attribute value.
type ChannelNumber uint16

// Valid reports whether n is in [0x4000, 0x7FFF].
func (n ChannelNumber) Valid() bool {
	return uint16(n) >= ChannelNumberMin && uint16(n) <= ChannelNumberMax
}

func (n ChannelNumber) String() string { return fmt.Sprintf("0x%04x", uint16(n)) }

// AddTo implements stun.Setter: CHANNEL-NUMBER is 2 bytes of number
// followed by 2 reserved zero bytes.
func (n ChannelNumber) AddTo(e *stun.Encoder) error {
	v := []byte{byte(n >> 8), byte(n), 0, 0}
	return e.AddRaw(stun.AttrChannelNumber, v)
}

// GetFrom implements stun.Getter.
func (n *ChannelNumber) GetFrom(m *stun.Message) error {
	attr, err := m.Get(stun.AttrChannelNumber)
	if err != nil {
		return err
	}
	if len(attr.Value) < 2 {
		return stun.ErrInvalidInput
	}
	*n = ChannelNumber(uint16(attr.Value[0])<<8 | uint16(attr.Value[1]))
	return nil
}
