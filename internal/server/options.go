package server

import (
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/gortc/turnrelay/internal/allocator"
	"github.com/gortc/turnrelay/internal/filter"
	"github.com/gortc/turnrelay/internal/hook"
)

// MetricsRegistry is the subset of prometheus.Registerer the server needs.
type MetricsRegistry interface {
	Register(c prometheus.Collector) error
}

// Options configures a Server. Conns must contain at least one listener;
// additional entries enable cluster forwarding, where a session
// allocated on one interface can be reached by a Send/ChannelData that
// arrived on another.
type Options struct {
	Conns []net.PacketConn

	Observer allocator.Observer // long-term credential source + lifecycle hooks
	HookSink hook.Sink          // optional webhook fan-out, wrapped around Observer

	Software    string
	Realm       string
	AuthForSTUN bool

	PeerRule   filter.Rule
	ClientRule filter.Rule

	DefaultLifetime time.Duration
	Workers         int

	AllocateRateLimit float64 // allocations/sec per process, 0 disables
	NonceRateLimit    float64 // nonce issuances/sec per process, 0 disables

	ReusePort bool

	Registry MetricsRegistry
	Labels   prometheus.Labels

	Log *zap.Logger
}
