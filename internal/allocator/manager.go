package allocator

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/gortc/turnrelay/internal/turn"
)

// maxRefreshLifetime is the ceiling Refresh enforces, per RFC 5766 §7.2.
const maxRefreshLifetime = 3600 * time.Second

// tableID enumerates SessionManager's guarded tables in the fixed lock
// order: sessions, then the port allocator, the port mapping, the port
// relay table, and the channel relay table last. Pre-auth nonce records
// are not part of this chain: they
// carry no cross-table invariant, so they live in a self-locked go-cache
// instance instead of a sixth hand-rolled RWMutex.
type tableID int

const (
	tSessions tableID = iota
	tPortAlloc
	tPortMapping
	tPortRelay
	tChannelRelay
)

type lockReq struct {
	table tableID
	write bool
}

// SessionManager owns all shared relay state: sessions, the port bit-set,
// the port↔session and port/channel-relay maps, and pre-auth nonce
// records. Routers hold a shared reference and only ever call its methods;
// they never touch a table directly.
type SessionManager struct {
	log      *zap.Logger
	observer Observer
	timer    Timer

	sessionsMu sync.RWMutex
	sessions   map[string]*Session

	portAllocMu sync.RWMutex
	ports       PortAllocator

	portMappingMu sync.RWMutex
	portMapping   map[uint16]SessionKey

	portRelayMu sync.RWMutex
	portRelay   map[string]map[uint16]Endpoint

	channelRelayMu sync.RWMutex
	channelRelay   map[string]map[turn.ChannelNumber]Endpoint

	// nonces holds pre-authentication nonce records, keyed by
	// SessionKey.String(). Expiry is enforced by go-cache's own janitor,
	// not the once-per-second sweeper.
	nonces *cache.Cache

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewSessionManager constructs an empty manager and starts its
// once-per-second expiration sweeper. Call Close to stop the sweeper.
func NewSessionManager(log *zap.Logger, observer Observer) *SessionManager {
	m := &SessionManager{
		log:          log,
		observer:     observer,
		sessions:     make(map[string]*Session),
		portMapping:  make(map[uint16]SessionKey),
		portRelay:    make(map[string]map[uint16]Endpoint),
		channelRelay: make(map[string]map[turn.ChannelNumber]Endpoint),
		nonces:       cache.New(nonceTTLSeconds*time.Second, 2*nonceTTLSeconds*time.Second),
		stop:         make(chan struct{}),
	}
	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

// Close stops the background sweeper. The manager must not be used
// afterwards.
func (m *SessionManager) Close() {
	close(m.stop)
	m.wg.Wait()
}

func (m *SessionManager) mutex(t tableID) *sync.RWMutex {
	switch t {
	case tSessions:
		return &m.sessionsMu
	case tPortAlloc:
		return &m.portAllocMu
	case tPortMapping:
		return &m.portMappingMu
	case tPortRelay:
		return &m.portRelayMu
	case tChannelRelay:
		return &m.channelRelayMu
	default:
		panic("allocator: unknown table")
	}
}

// withTables acquires the requested locks in the fixed table order,
// regardless of the order they appear in reqs, then runs fn, then releases
// them in reverse. This is the sole path by which any method touches more
// than one table, so the lock order can never be violated by a call
// site mistake.
func (m *SessionManager) withTables(reqs []lockReq, fn func()) {
	ordered := make([]lockReq, len(reqs))
	copy(ordered, reqs)
	sortLockReqs(ordered)
	for _, r := range ordered {
		if r.write {
			m.mutex(r.table).Lock()
		} else {
			m.mutex(r.table).RLock()
		}
	}
	defer func() {
		for i := len(ordered) - 1; i >= 0; i-- {
			r := ordered[i]
			if r.write {
				m.mutex(r.table).Unlock()
			} else {
				m.mutex(r.table).RUnlock()
			}
		}
	}()
	fn()
}

func sortLockReqs(reqs []lockReq) {
	for i := 1; i < len(reqs); i++ {
		for j := i; j > 0 && reqs[j].table < reqs[j-1].table; j-- {
			reqs[j], reqs[j-1] = reqs[j-1], reqs[j]
		}
	}
}

// GetNonce returns the nonce for key. If an authenticated session already
// exists, its own nonce supersedes any pre-auth record. Otherwise a
// fresh unauthenticated record is created (or the existing one returned)
// with a 600s expiry.
func (m *SessionManager) GetNonce(key SessionKey) string {
	var nonce string
	m.withTables([]lockReq{{tSessions, false}}, func() {
		if s, ok := m.sessions[key.String()]; ok {
			nonce = s.Nonce
		}
	})
	if nonce != "" {
		return nonce
	}
	k := key.String()
	if v, found := m.nonces.Get(k); found {
		return v.(string)
	}
	nonce = newNonce()
	m.nonces.SetDefault(k, nonce)
	return nonce
}

// GetIntegrity returns key's cached integrity key if it has an
// authenticated session, otherwise consults the Observer. It is the only
// operation that may suspend, and it holds no table lock across that call.
func (m *SessionManager) GetIntegrity(key SessionKey, username, realm string) ([]byte, bool) {
	var cached []byte
	m.withTables([]lockReq{{tSessions, false}}, func() {
		if s, ok := m.sessions[key.String()]; ok {
			cached = s.IntegrityKey
		}
	})
	if cached != nil {
		return cached, true
	}

	password, ok := m.observer.GetPassword(username)
	if !ok {
		return nil, false
	}
	integrityKey := longTermKey(username, realm, password)

	k := key.String()
	nonce := newNonce()
	if v, found := m.nonces.Get(k); found {
		nonce = v.(string)
		m.nonces.Delete(k)
	}
	m.withTables([]lockReq{{tSessions, true}}, func() {
		s := newSession(key, username, realm, integrityKey, m.timer.Now()+nonceTTLSeconds)
		s.Nonce = nonce
		m.sessions[key.String()] = s
	})
	m.log.Debug("session created",
		zap.Stringer("key", key),
		zap.String("username", username),
	)
	return integrityKey, true
}

// Allocate assigns key's session a relay port, idempotently. It fails if
// the session does not exist or the pool is exhausted.
func (m *SessionManager) Allocate(key SessionKey) (uint16, bool) {
	var port uint16
	var ok bool
	m.withTables([]lockReq{{tSessions, true}, {tPortAlloc, true}, {tPortMapping, true}}, func() {
		s, found := m.sessions[key.String()]
		if !found {
			return
		}
		if s.HasPort {
			port, ok = s.AllocatedPort, true
			return
		}
		p, allocated := m.ports.Alloc()
		if !allocated {
			return
		}
		s.AllocatedPort = p
		s.HasPort = true
		s.ExpiresAt = m.timer.Now() + nonceTTLSeconds
		m.portMapping[p] = key
		port, ok = p, true
	})
	if ok {
		m.log.Debug("allocated port", zap.Stringer("key", key), zap.Uint16("port", port))
		m.observer.OnAllocated(key, m.sessionUsername(key), port)
	} else {
		m.log.Warn("allocation failed", zap.Stringer("key", key))
	}
	return port, ok
}

func (m *SessionManager) sessionUsername(key SessionKey) string {
	var name string
	m.withTables([]lockReq{{tSessions, false}}, func() {
		if s, ok := m.sessions[key.String()]; ok {
			name = s.Username
		}
	})
	return name
}

// CreatePermission installs permissions for key's session to receive from
// each port in ports, relaying through endpoint. All-or-nothing: if any
// port fails to resolve a sender, no table is modified.
func (m *SessionManager) CreatePermission(key SessionKey, endpoint turn.Addr, ports []uint16) bool {
	ok := false
	m.withTables([]lockReq{{tSessions, true}, {tPortMapping, false}, {tPortRelay, true}}, func() {
		s, found := m.sessions[key.String()]
		if !found || !s.HasPort {
			return
		}
		localPort := s.AllocatedPort
		senders := make([]SessionKey, len(ports))
		for i, p := range ports {
			if p == localPort {
				return
			}
			sender, found := m.portMapping[p]
			if !found {
				return
			}
			senders[i] = sender
		}
		for i, p := range ports {
			sender := senders[i].String()
			if m.portRelay[sender] == nil {
				m.portRelay[sender] = make(map[uint16]Endpoint)
			}
			m.portRelay[sender][localPort] = Endpoint{Source: key.Peer, Endpoint: endpoint}
			s.Permissions[p] = struct{}{}
		}
		ok = true
	})
	if ok {
		m.observer.OnCreatePermission(key, m.sessionUsername(key), ports)
	}
	return ok
}

// BindChannel binds channel to port for key's session, implying a
// CreatePermission for that port (RFC 5766 §11.2: a ChannelBind also
// installs a permission for the peer, so clients need not send both).
func (m *SessionManager) BindChannel(key SessionKey, endpoint turn.Addr, port uint16, channel turn.ChannelNumber) bool {
	ok := false
	m.withTables([]lockReq{
		{tSessions, true}, {tPortMapping, false}, {tPortRelay, true}, {tChannelRelay, true},
	}, func() {
		s, found := m.sessions[key.String()]
		if !found || !s.HasPort {
			return
		}
		peerKey, found := m.portMapping[port]
		if !found {
			return
		}
		peerKeyStr := peerKey.String()
		if _, bound := s.BoundChannels[channel]; bound {
			// The channel number is already in use by this session. A
			// retransmit of the same binding is idempotent; repointing the
			// channel at a different peer is refused.
			existing, relayFound := m.channelRelay[peerKeyStr][channel]
			if !relayFound || !existing.Source.Equal(key.Peer) {
				return
			}
		}
		localPort := s.AllocatedPort
		if m.portRelay[peerKeyStr] == nil {
			m.portRelay[peerKeyStr] = make(map[uint16]Endpoint)
		}
		m.portRelay[peerKeyStr][localPort] = Endpoint{Source: key.Peer, Endpoint: endpoint}
		s.Permissions[port] = struct{}{}

		if m.channelRelay[peerKeyStr] == nil {
			m.channelRelay[peerKeyStr] = make(map[turn.ChannelNumber]Endpoint)
		}
		m.channelRelay[peerKeyStr][channel] = Endpoint{Source: key.Peer, Endpoint: endpoint}
		s.BoundChannels[channel] = struct{}{}
		ok = true
	})
	if ok {
		m.observer.OnChannelBind(key, m.sessionUsername(key), uint16(channel))
	}
	return ok
}

// GetRelayAddress looks up where a Send indication from key, addressed to
// peerPort, should actually be delivered.
func (m *SessionManager) GetRelayAddress(key SessionKey, peerPort uint16) (Endpoint, bool) {
	var ep Endpoint
	var ok bool
	m.withTables([]lockReq{{tPortRelay, false}}, func() {
		ep, ok = m.portRelay[key.String()][peerPort]
	})
	return ep, ok
}

// GetChannelRelayAddress looks up the egress endpoint for a ChannelData
// frame arriving on channel from key.
func (m *SessionManager) GetChannelRelayAddress(key SessionKey, channel turn.ChannelNumber) (Endpoint, bool) {
	var ep Endpoint
	var ok bool
	m.withTables([]lockReq{{tChannelRelay, false}}, func() {
		ep, ok = m.channelRelay[key.String()][channel]
	})
	return ep, ok
}

// Refresh extends key's session lifetime, or destroys it if lifetime is
// zero. Returns false if lifetime exceeds the maximum or the session does
// not exist.
func (m *SessionManager) Refresh(key SessionKey, lifetime time.Duration) bool {
	if lifetime > maxRefreshLifetime {
		return false
	}
	if lifetime == 0 {
		destroyed := m.destroy(key)
		return destroyed
	}
	ok := false
	m.withTables([]lockReq{{tSessions, true}}, func() {
		s, found := m.sessions[key.String()]
		if !found {
			return
		}
		s.ExpiresAt = m.timer.Now() + uint64(lifetime/time.Second)
		ok = true
	})
	if ok {
		m.observer.OnRefresh(key, m.sessionUsername(key), uint64(lifetime/time.Second))
	}
	return ok
}

// removeSessionLocked deletes key's session and all of its table entries.
// Callers must hold every table write-locked, in the fixed acquisition
// order.
func (m *SessionManager) removeSessionLocked(key SessionKey) bool {
	keyStr := key.String()
	s, found := m.sessions[keyStr]
	if !found {
		return false
	}
	if s.HasPort {
		m.ports.Restore(s.AllocatedPort)
		delete(m.portMapping, s.AllocatedPort)
	}
	delete(m.portRelay, keyStr)
	delete(m.channelRelay, keyStr)
	delete(m.sessions, keyStr)
	m.log.Debug("session destroyed",
		zap.Stringer("key", key),
		zap.String("username", s.Username),
	)
	m.observer.OnDestroy(key, s.Username)
	return true
}

func (m *SessionManager) destroy(key SessionKey) bool {
	ok := false
	m.withTables([]lockReq{
		{tSessions, true}, {tPortAlloc, true}, {tPortMapping, true}, {tPortRelay, true}, {tChannelRelay, true},
	}, func() {
		ok = m.removeSessionLocked(key)
	})
	return ok
}

// GetSession returns a snapshot copy of key's session state, for routers
// that need to inspect authentication/port status without holding a lock.
func (m *SessionManager) GetSession(key SessionKey) (Session, bool) {
	var out Session
	var ok bool
	m.withTables([]lockReq{{tSessions, false}}, func() {
		s, found := m.sessions[key.String()]
		if found {
			out, ok = *s, true
		}
	})
	return out, ok
}

// PortPoolLen reports the current number of allocated relay ports, for
// capacity metrics.
func (m *SessionManager) PortPoolLen() int {
	var n int
	m.withTables([]lockReq{{tPortAlloc, false}}, func() {
		n = m.ports.Len()
	})
	return n
}

func (m *SessionManager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep is the expiration sweeper: advance the timer, then destroy
// every expired session as a single batch holding all five table locks
// together. Pre-auth nonce record expiry is handled by go-cache's own
// janitor goroutine, not this sweeper.
func (m *SessionManager) sweep() {
	now := m.timer.Tick()
	m.withTables([]lockReq{
		{tSessions, true}, {tPortAlloc, true}, {tPortMapping, true}, {tPortRelay, true}, {tChannelRelay, true},
	}, func() {
		var expired []SessionKey
		for _, s := range m.sessions {
			if s.ExpiresAt <= now {
				expired = append(expired, s.Key)
			}
		}
		for _, k := range expired {
			m.removeSessionLocked(k)
		}
	})
}
