package server

import (
	"net"
	"sync"
	"time"

	"github.com/gortc/turnrelay/internal/allocator"
	"github.com/gortc/turnrelay/internal/stun"
	"github.com/gortc/turnrelay/internal/turn"
)

var contextPool = &sync.Pool{
	New: func() interface{} {
		return &context{
			cdata:    new(turn.ChannelData),
			request:  new(stun.Message),
			encoder:  stun.NewEncoder(make([]byte, 0, 2048), stun.MessageType{}, stun.TransactionID{}),
			buf:      make([]byte, 2048),
		}
	},
}

func acquireContext() *context {
	return contextPool.Get().(*context)
}

func putContext(ctx *context) {
	ctx.reset()
	contextPool.Put(ctx)
}

// context is the per-datagram scratch state threaded through a Router's
// handler table: the decoded request, the response encoder, the derived
// session key, and (for Send/ChannelData) the forwarding target.
type context struct {
	addr net.Addr
	conn net.PacketConn
	cfg  *config
	time time.Time

	client turn.Addr // peer/client address this datagram arrived from
	iface  turn.Addr // server interface (ingress socket) address

	key allocator.SessionKey

	request *stun.Message
	cdata   *turn.ChannelData
	encoder *stun.Encoder

	nonce     string
	integrity []byte // nil when the request is unauthenticated

	out []byte // encoded response or forwarded payload, ready to write

	// forwardPayload/relayTarget/viaIface carry a Send/ChannelData relay
	// target: relayTarget is always set for a successful forward, viaIface
	// is only set when the egress interface differs from the ingress one
	// (cluster forwarding), naming the socket the Server must use to reach
	// it.
	forwardPayload []byte
	relayTarget    *net.UDPAddr
	viaIface       *turn.Addr

	buf []byte // read buffer
}

func (c *context) setKey() {
	c.key = allocator.SessionKey{Peer: c.client, Interface: c.iface}
}

func (c *context) reset() {
	c.addr = nil
	c.conn = nil
	c.cfg = nil
	c.time = time.Time{}
	c.client = turn.Addr{}
	c.iface = turn.Addr{}
	c.key = allocator.SessionKey{}
	c.request.Reset()
	c.cdata.Reset()
	c.nonce = ""
	c.integrity = nil
	c.out = nil
	c.forwardPayload = nil
	c.relayTarget = nil
	c.viaIface = nil
	c.buf = c.buf[:cap(c.buf)]
}

// buildErr encodes an error response of the request's method, decorated
// with NONCE only when a challenge nonce is set, REALM, SOFTWARE, and (when c.integrity was
// already established) MESSAGE-INTEGRITY, finishing with FINGERPRINT.
func (c *context) buildErr(code stun.ErrorCode, extra ...stun.Setter) error {
	return c.build(stun.ClassErrorResponse, append([]stun.Setter{stun.NewErrorCode(code)}, extra...)...)
}

func (c *context) buildOk(extra ...stun.Setter) error {
	return c.build(stun.ClassSuccessResponse, extra...)
}

func (c *context) build(class stun.Class, setters ...stun.Setter) error {
	if c.request.Type.Class == stun.ClassIndication {
		return nil
	}
	typ := stun.NewType(c.request.Type.Method, class)
	c.encoder.Reset(typ, c.request.TransactionID)
	if c.nonce != "" {
		if err := c.encoder.Add(stun.Nonce(c.nonce)); err != nil {
			return err
		}
	}
	if c.nonce != "" || class == stun.ClassErrorResponse {
		if err := c.encoder.Add(stun.NewRealm(c.cfg.Realm())); err != nil {
			return err
		}
	}
	if sw := c.cfg.Software(); len(sw) > 0 {
		if err := c.encoder.Add(sw); err != nil {
			return err
		}
	}
	for _, s := range setters {
		if err := c.encoder.Add(s); err != nil {
			return err
		}
	}
	if err := c.encoder.Flush(c.integrity); err != nil {
		return err
	}
	c.out = c.encoder.Raw()
	return nil
}
