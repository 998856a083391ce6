package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gortc/turnrelay/internal/filter"
	"github.com/gortc/turnrelay/internal/stun"
	"github.com/gortc/turnrelay/internal/turn"
)

// config is the Router's hot-swappable configuration. A reload
// (internal/reload) replaces the whole value through the Router's atomic
// swap without stopping in-flight workers; lock guards reads of the fields.
type config struct {
	lock            sync.RWMutex
	maxLifetime     time.Duration
	defaultLifetime time.Duration
	authForSTUN     bool
	realm           string
	software        stun.Software
	interfaces      []turn.Addr
	peerFilter      filter.Rule
	clientFilter    filter.Rule
	allocateLimiter *rate.Limiter
	nonceLimiter    *rate.Limiter
}

func newConfig(o Options, interfaces []turn.Addr) *config {
	peerFilter := o.PeerRule
	if peerFilter == nil {
		peerFilter = filter.AllowAll
	}
	clientFilter := o.ClientRule
	if clientFilter == nil {
		clientFilter = filter.AllowAll
	}
	defaultLifetime := o.DefaultLifetime
	if defaultLifetime == 0 {
		defaultLifetime = turn.DefaultLifetime()
	}
	c := &config{
		maxLifetime:     maxRefreshLifetime(),
		defaultLifetime: defaultLifetime,
		authForSTUN:     o.AuthForSTUN,
		realm:           o.Realm,
		software:        stun.NewSoftware(o.Software),
		interfaces:      interfaces,
		peerFilter:      peerFilter,
		clientFilter:    clientFilter,
	}
	if o.AllocateRateLimit > 0 {
		c.allocateLimiter = rate.NewLimiter(rate.Limit(o.AllocateRateLimit), int(o.AllocateRateLimit))
	}
	if o.NonceRateLimit > 0 {
		c.nonceLimiter = rate.NewLimiter(rate.Limit(o.NonceRateLimit), int(o.NonceRateLimit))
	}
	return c
}

func maxRefreshLifetime() time.Duration { return time.Hour }

func (c *config) DefaultLifetime() time.Duration {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.defaultLifetime
}

func (c *config) MaxLifetime() time.Duration {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.maxLifetime
}

func (c *config) RequireAuthForSTUN() bool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.authForSTUN
}

func (c *config) Realm() string {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.realm
}

func (c *config) Software() stun.Software {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.software
}

// IsServerInterface reports whether addr's IP matches one of this
// server's configured relay interfaces, the CreatePermission/ChannelBind
// precondition behind error 443.
func (c *config) IsServerInterface(addr turn.Addr) bool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	for _, iface := range c.interfaces {
		if iface.IP.Equal(addr.IP) {
			return true
		}
	}
	return false
}

func (c *config) allowPeer(addr turn.Addr) bool {
	c.lock.RLock()
	rule := c.peerFilter
	c.lock.RUnlock()
	return rule.Action(addr) == filter.Allow
}

func (c *config) allowClient(addr turn.Addr) bool {
	c.lock.RLock()
	rule := c.clientFilter
	c.lock.RUnlock()
	return rule.Action(addr) == filter.Allow
}

func (c *config) allowAllocate() bool {
	c.lock.RLock()
	l := c.allocateLimiter
	c.lock.RUnlock()
	if l == nil {
		return true
	}
	return l.Allow()
}

func (c *config) allowNonce() bool {
	c.lock.RLock()
	l := c.nonceLimiter
	c.lock.RUnlock()
	if l == nil {
		return true
	}
	return l.Allow()
}
