// Package server wires the codec (stun/turn) and the allocation core
// (allocator) into a running TURN relay: one Router per ingress socket,
// a worker pool bounding concurrent datagram processing, and a
// hot-swappable config for live reload.
package server

import (
	"net"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-reuseport"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gortc/turnrelay/internal/allocator"
	"github.com/gortc/turnrelay/internal/auth"
	"github.com/gortc/turnrelay/internal/turn"
)

// Server runs the TURN relay over one or more UDP sockets (Options.Conns),
// sharing a single allocator.SessionManager across all of them so a session
// allocated on one interface is visible to Send/ChannelData arriving on
// another (cluster forwarding).
type Server struct {
	log *zap.Logger

	sm       *allocator.SessionManager
	observer allocator.Observer

	sockets    []net.PacketConn
	socketByIP map[string]net.PacketConn // interface IP string -> socket, for cross-interface forwarding

	router *Router

	pool *workerPool

	close chan struct{}
	wg    sync.WaitGroup

	reusePort bool
	reused    []net.PacketConn // sockets opened for extra reuseport workers

	metrics fullMetricsRecorder
}

// New builds a Server from Options. It does not start serving; call Serve.
func New(o Options) (*Server, error) {
	if len(o.Conns) == 0 {
		return nil, errors.New("server: at least one listener is required")
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Workers == 0 {
		o.Workers = 100
	}
	if o.Observer == nil {
		o.Observer = auth.NewStatic(o.Log.Named("auth"), nil)
	}
	observer := o.Observer
	if o.HookSink != nil {
		observer = auth.NewHookEvents(o.Log.Named("hooks"), observer, o.HookSink)
	}

	interfaces := make([]turn.Addr, 0, len(o.Conns))
	socketByIP := make(map[string]net.PacketConn, len(o.Conns))
	for _, conn := range o.Conns {
		addr, ok := conn.LocalAddr().(*net.UDPAddr)
		if !ok {
			return nil, errors.Errorf("server: unexpected local addr %s", conn.LocalAddr())
		}
		iface := turn.Addr{IP: addr.IP, Port: addr.Port}
		interfaces = append(interfaces, iface)
		socketByIP[addr.IP.String()] = conn
	}

	if len(o.Labels) == 0 {
		o.Labels = map[string]string{}
	}
	o.Labels["addr"] = o.Conns[0].LocalAddr().String()

	var metrics fullMetricsRecorder = noopMetrics{}
	prom := newPromMetrics(o.Labels)
	if o.Registry != nil {
		if err := o.Registry.Register(prom); err != nil {
			return nil, errors.Wrap(err, "failed to register server metrics")
		}
		metrics = prom
	}
	observer = newMetricsObserver(observer, metrics)

	sm := allocator.NewSessionManager(o.Log.Named("allocator"), observer)

	s := &Server{
		log:        o.Log,
		sm:         sm,
		observer:   observer,
		sockets:    o.Conns,
		socketByIP: socketByIP,
		close:      make(chan struct{}),
		reusePort:  reuseport.Available() && o.ReusePort,
		metrics:    metrics,
	}
	cfg := newConfig(o, interfaces)
	s.router = NewRouter(sm, cfg, o.Log.Named("router"), metrics)
	s.pool = &workerPool{
		Logger:          o.Log.Named("pool"),
		WorkerFunc:      s.serveOne,
		MaxWorkersCount: o.Workers,
	}
	return s, nil
}

// config returns the router's live configuration snapshot, for tests that
// need to inspect current settings.
func (s *Server) config() *config { return s.router.config() }

// Reconfigure swaps the live config without restarting listeners.
func (s *Server) Reconfigure(o Options) {
	interfaces := make([]turn.Addr, 0, len(s.sockets))
	for _, conn := range s.sockets {
		if a, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			interfaces = append(interfaces, turn.Addr{IP: a.IP, Port: a.Port})
		}
	}
	cfg := newConfig(o, interfaces)
	s.router.setConfig(cfg)
}

// Close stops every worker and closes all listening sockets.
func (s *Server) Close() error {
	close(s.close)
	s.pool.Stop()
	var firstErr error
	for _, conn := range s.sockets {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, conn := range s.reused {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.sm.Close()
	s.wg.Wait()
	return firstErr
}

func isErrConnClosed(err error) bool {
	return strings.HasSuffix(err.Error(), "use of closed network connection")
}

// serveOne runs the router against one already-read datagram and writes
// back whatever response or forwarded payload it produced.
func (s *Server) serveOne(ctx *context) error {
	defer putContext(ctx)
	ctx.time = time.Now()
	udpAddr, ok := ctx.addr.(*net.UDPAddr)
	if !ok {
		return errors.Errorf("server: unknown addr %s", ctx.addr)
	}
	ctx.client = turn.Addr{IP: udpAddr.IP, Port: udpAddr.Port}

	if !s.router.config().allowClient(ctx.client) {
		if ce := s.log.Check(zapcore.DebugLevel, "client denied"); ce != nil {
			ce.Write(zap.Stringer("addr", ctx.client))
		}
		return nil
	}

	s.router.Process(ctx, ctx.buf)

	if ctx.out != nil {
		if err := ctx.conn.SetWriteDeadline(ctx.time.Add(time.Second)); err != nil {
			s.log.Warn("failed to set deadline", zap.Error(err))
		}
		if _, err := ctx.conn.WriteTo(ctx.out, ctx.addr); err != nil && !isErrConnClosed(err) {
			s.log.Warn("writeTo failed", zap.Error(err))
			return err
		}
	}
	if ctx.forwardPayload != nil {
		s.forward(ctx)
	}
	return nil
}

// forward delivers ctx.forwardPayload to ctx.relayTarget, using ctx.conn
// when the destination is served by this same interface and switching to
// the matching socket in socketByIP otherwise (cluster forwarding).
func (s *Server) forward(ctx *context) {
	conn := ctx.conn
	if ctx.viaIface != nil {
		if c, ok := s.socketByIP[ctx.viaIface.IP.String()]; ok {
			conn = c
		} else {
			s.log.Warn("no local socket for forwarding interface", zap.Stringer("iface", ctx.viaIface))
			return
		}
	}
	if _, err := conn.WriteTo(ctx.forwardPayload, ctx.relayTarget); err != nil && !isErrConnClosed(err) {
		s.log.Warn("forward failed", zap.Error(err))
		return
	}
	s.metrics.incForwardedBytes(len(ctx.forwardPayload))
}

func (s *Server) worker(conn net.PacketConn) {
	defer s.wg.Done()
	s.log.Debug("worker started")
	defer s.log.Debug("worker done")
	buf := make([]byte, 2048)
	for {
		select {
		case <-s.close:
			return
		default:
		}
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if !isErrConnClosed(err) {
				s.log.Warn("readFrom failed", zap.Error(err))
			}
			return
		}

		ctx := acquireContext()
		ctx.conn = conn
		ctx.buf = ctx.buf[:cap(ctx.buf)]
		copy(ctx.buf, buf[:n])
		ctx.buf = ctx.buf[:n]
		ctx.addr = addr
		if a, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			ctx.iface = turn.Addr{IP: a.IP, Port: a.Port}
		}

		for i := 0; i < 7; i++ {
			if s.pool.Serve(ctx) {
				break
			}
			s.log.Warn("not enough workers")
			time.Sleep(300 * time.Millisecond)
		}
	}
}

// Serve spawns GOMAXPROCS worker goroutines per listener (optionally on
// independently-reuseport'd sockets) and blocks until Close.
func (s *Server) Serve() error {
	s.pool.Start()
	for _, conn := range s.sockets {
		for i := 0; i < runtime.GOMAXPROCS(-1); i++ {
			s.wg.Add(1)
			target := conn
			if s.reusePort {
				laddr := conn.LocalAddr()
				extra, err := reuseport.ListenPacket(laddr.Network(), laddr.String())
				if err != nil {
					s.log.Warn("failed to open additional reuseport socket", zap.Error(err))
				} else {
					s.reused = append(s.reused, extra)
					target = extra
				}
			}
			go s.worker(target)
		}
	}
	s.wg.Wait()
	return nil
}
