package server

import (
	"net"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/gortc/turnrelay/internal/allocator"
	"github.com/gortc/turnrelay/internal/stun"
	"github.com/gortc/turnrelay/internal/turn"
)

type handleFunc func(r *Router, ctx *context) error

// Router is the per-ingress-socket dispatcher: it decodes a datagram,
// demultiplexes STUN from ChannelData, authenticates when the method
// requires it, and calls into the shared SessionManager. A Router holds no
// per-request state of its own; everything mutable lives in the context
// passed to it, so a single Router value is safe to share across the
// worker goroutines serving one socket. cfg is stored in an atomic.Value
// so Reconfigure can swap it without pausing in-flight workers.
type Router struct {
	sm       *allocator.SessionManager
	cfg      atomic.Value
	log      *zap.Logger
	metrics  metricsRecorder
	handlers map[stun.MessageType]handleFunc
}

func (r *Router) config() *config { return r.cfg.Load().(*config) }

func (r *Router) setConfig(cfg *config) { r.cfg.Store(cfg) }

// NewRouter builds a Router bound to sm and cfg. cfg may be swapped later
// via setConfig; Router always reads through the atomic snapshot.
func NewRouter(sm *allocator.SessionManager, cfg *config, log *zap.Logger, metrics metricsRecorder) *Router {
	r := &Router{sm: sm, log: log, metrics: metrics}
	r.cfg.Store(cfg)
	r.handlers = map[stun.MessageType]handleFunc{
		turn.BindingRequest:          (*Router).handleBinding,
		turn.AllocateRequest:         (*Router).handleAllocate,
		turn.RefreshRequest:          (*Router).handleRefresh,
		turn.CreatePermissionRequest: (*Router).handleCreatePermission,
		turn.ChannelBindRequest:      (*Router).handleChannelBind,
		turn.SendIndication:          (*Router).handleSend,
	}
	return r
}

// Process decodes data (already read from the socket into ctx.buf) and
// drives the per-method handler. ctx.client and ctx.iface must already be
// set by the caller. On return, ctx.out holds an encoded response to write
// back to ctx.addr (if non-nil), and ctx.forwardPayload/ctx.relayTarget
// hold a forwarded datagram (if non-nil).
func (r *Router) Process(ctx *context, data []byte) {
	ctx.cfg = r.config()
	if turn.IsChannelData(data) {
		if err := turn.Decode(data, ctx.cdata, false); err != nil {
			return
		}
		ctx.setKey()
		r.handleChannelData(ctx)
		return
	}
	if !stun.IsMessage(data) {
		return
	}
	if err := stun.Decode(data, ctx.request); err != nil {
		return
	}
	r.metrics.incSTUNMessages()
	if ctx.request.Contains(stun.AttrFingerprint) {
		if err := stun.CheckFingerprint(data, ctx.request); err != nil {
			return
		}
	}
	ctx.setKey()
	h, ok := r.handlers[ctx.request.Type]
	if !ok {
		if ctx.request.Type.Class != stun.ClassIndication {
			_ = ctx.buildErr(stun.CodeBadRequest)
		}
		return
	}
	if err := h(r, ctx); err != nil {
		r.log.Debug("handler failed", zap.Stringer("method", ctx.request.Type), zap.Error(err))
	}
}

// authenticate is the shared long-term-credential check: extract
// USERNAME, resolve (or create) the session's integrity key, and verify
// MESSAGE-INTEGRITY. On any failure it builds the 401 challenge response
// itself and returns ok=false; callers should simply return on failure.
func (r *Router) authenticate(ctx *context) (string, bool) {
	var username stun.Username
	if err := username.GetFrom(ctx.request); err != nil {
		r.challenge(ctx)
		return "", false
	}
	key, ok := r.sm.GetIntegrity(ctx.key, username.String(), r.config().Realm())
	if !ok {
		r.challenge(ctx)
		return "", false
	}
	if err := stun.CheckIntegrity(ctx.request.Raw, ctx.request, key); err != nil {
		r.challenge(ctx)
		return "", false
	}
	ctx.integrity = key
	return username.String(), true
}

func (r *Router) challenge(ctx *context) {
	if !r.config().allowNonce() {
		// Nonce issuance is rate limited; an over-limit challenge is
		// silently dropped rather than answered without a NONCE.
		return
	}
	ctx.nonce = r.sm.GetNonce(ctx.key)
	_ = ctx.buildErr(stun.CodeUnauthorized)
}

func (r *Router) handleBinding(ctx *context) error {
	if r.config().RequireAuthForSTUN() {
		if _, ok := r.authenticate(ctx); !ok {
			return nil
		}
	}
	return ctx.buildOk(
		&stun.XORMappedAddress{IP: ctx.client.IP, Port: ctx.client.Port},
		&stun.MappedAddress{IP: ctx.client.IP, Port: ctx.client.Port},
		&stun.ResponseOrigin{IP: ctx.iface.IP, Port: ctx.iface.Port},
	)
}

func (r *Router) handleAllocate(ctx *context) error {
	var rt turn.RequestedTransport
	if err := rt.GetFrom(ctx.request); err != nil {
		return ctx.buildErr(stun.CodeServerError)
	}
	if rt.Protocol != turn.ProtoUDP {
		return ctx.buildErr(stun.CodeServerError)
	}
	if _, ok := r.authenticate(ctx); !ok {
		return nil
	}
	if !r.config().allowAllocate() {
		return ctx.buildErr(stun.CodeAllocQuota)
	}
	port, ok := r.sm.Allocate(ctx.key)
	if !ok {
		return ctx.buildErr(stun.CodeAllocQuota)
	}
	var lifetime turn.Lifetime
	if err := lifetime.GetFrom(ctx.request); err != nil {
		lifetime.Duration = r.config().DefaultLifetime()
	}
	r.sm.Refresh(ctx.key, lifetime.Duration)
	return ctx.buildOk(
		turn.RelayedAddress{IP: ctx.iface.IP, Port: int(port)},
		&stun.XORMappedAddress{IP: ctx.client.IP, Port: ctx.client.Port},
		turn.Lifetime{Duration: lifetime.Duration},
	)
}

func (r *Router) handleRefresh(ctx *context) error {
	if _, ok := r.authenticate(ctx); !ok {
		return nil
	}
	var lifetime turn.Lifetime
	if err := lifetime.GetFrom(ctx.request); err != nil {
		lifetime.Duration = r.config().DefaultLifetime()
	}
	if !r.sm.Refresh(ctx.key, lifetime.Duration) {
		return ctx.buildErr(stun.CodeAllocMismatch)
	}
	return ctx.buildOk(turn.Lifetime{Duration: lifetime.Duration})
}

func (r *Router) handleCreatePermission(ctx *context) error {
	if _, ok := r.authenticate(ctx); !ok {
		return nil
	}
	peers := turn.PeerAddresses(ctx.request)
	if len(peers) == 0 {
		return ctx.buildErr(stun.CodeBadRequest)
	}
	for _, p := range peers {
		if !r.config().IsServerInterface(p) {
			return ctx.buildErr(stun.CodeAddrFamily)
		}
	}
	ports := make([]uint16, 0, len(peers))
	for _, p := range peers {
		if !r.config().allowPeer(p) {
			return ctx.buildErr(stun.CodeForbidden)
		}
		ports = append(ports, uint16(p.Port))
	}
	if !r.sm.CreatePermission(ctx.key, ctx.iface, ports) {
		return ctx.buildErr(stun.CodeForbidden)
	}
	return ctx.buildOk()
}

func (r *Router) handleChannelBind(ctx *context) error {
	peers := turn.PeerAddresses(ctx.request)
	if len(peers) != 1 {
		return ctx.buildErr(stun.CodeBadRequest)
	}
	peer := peers[0]
	if !r.config().IsServerInterface(peer) {
		return ctx.buildErr(stun.CodeAddrFamily)
	}
	var channel turn.ChannelNumber
	if err := channel.GetFrom(ctx.request); err != nil || !channel.Valid() {
		return ctx.buildErr(stun.CodeBadRequest)
	}
	if _, ok := r.authenticate(ctx); !ok {
		return nil
	}
	if !r.config().allowPeer(peer) {
		return ctx.buildErr(stun.CodeForbidden)
	}
	if !r.sm.BindChannel(ctx.key, ctx.iface, uint16(peer.Port), channel) {
		return ctx.buildErr(stun.CodeForbidden)
	}
	return ctx.buildOk()
}

// handleSend implements the Send indication: never answered, silently
// dropped on any precondition failure, per RFC 5766 §10.
func (r *Router) handleSend(ctx *context) error {
	var peer turn.PeerAddress
	if err := peer.GetFrom(ctx.request); err != nil {
		return nil
	}
	var data turn.Data
	if err := data.GetFrom(ctx.request); err != nil {
		return nil
	}
	sess, ok := r.sm.GetSession(ctx.key)
	if !ok || !sess.HasPort {
		return nil
	}
	ep, ok := r.sm.GetRelayAddress(ctx.key, uint16(peer.Port))
	if !ok {
		return nil
	}
	enc := stun.NewEncoder(make([]byte, 0, len(data)+64), turn.DataIndication, stun.NewTransactionID())
	if err := enc.Add(turn.PeerAddress{IP: ctx.iface.IP, Port: int(sess.AllocatedPort)}); err != nil {
		return err
	}
	if err := enc.Add(turn.Data(data)); err != nil {
		return err
	}
	if err := enc.Flush(nil); err != nil {
		return err
	}
	ctx.forwardPayload = enc.Raw()
	setForwardTarget(ctx, ep)
	return nil
}

// handleChannelData forwards a ChannelData frame unchanged.
func (r *Router) handleChannelData(ctx *context) {
	ep, ok := r.sm.GetChannelRelayAddress(ctx.key, ctx.cdata.Number)
	if !ok {
		return
	}
	ctx.forwardPayload = ctx.cdata.Raw
	setForwardTarget(ctx, ep)
}

// setForwardTarget populates ctx's relay/endpoint target: relay is
// always the destination session's real network address; endpoint is only
// set when that session is served by a different interface than the one
// this datagram arrived on (cluster forwarding, enabled when Options lists
// more than one interface).
func setForwardTarget(ctx *context, ep allocator.Endpoint) {
	ctx.relayTarget = &net.UDPAddr{IP: ep.Source.IP, Port: ep.Source.Port}
	if !ep.Endpoint.Equal(ctx.iface) {
		via := ep.Endpoint
		ctx.viaIface = &via
	}
}

type metricsRecorder interface {
	incSTUNMessages()
}
