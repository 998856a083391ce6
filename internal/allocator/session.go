package allocator

import (
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/gortc/turnrelay/internal/stun"
	"github.com/gortc/turnrelay/internal/turn"
)

// SessionKey identifies a session by (peer address, local interface
// address); it is the FiveTuple minus the protocol, which this server
// fixes to UDP.
type SessionKey struct {
	Peer      turn.Addr
	Interface turn.Addr
}

func (k SessionKey) String() string {
	return k.Peer.String() + "->" + k.Interface.String()
}

// Endpoint routes relayed traffic: source is the peer's SessionKey.Peer,
// Endpoint is the local interface via which the peer is reachable (may
// differ from the ingress interface in a clustered deployment).
type Endpoint struct {
	Source   turn.Addr
	Endpoint turn.Addr
}

// Session is one authenticated 5-tuple's state.
type Session struct {
	Key           SessionKey
	Username      string
	Realm         string
	Nonce         string
	IntegrityKey  []byte
	AllocatedPort uint16
	HasPort       bool
	BoundChannels map[turn.ChannelNumber]struct{}
	Permissions   map[uint16]struct{}
	ExpiresAt     uint64
}

func newSession(key SessionKey, username, realm string, integrityKey []byte, expiresAt uint64) *Session {
	return &Session{
		Key:           key,
		Username:      username,
		Realm:         realm,
		IntegrityKey:  integrityKey,
		BoundChannels: make(map[turn.ChannelNumber]struct{}),
		Permissions:   make(map[uint16]struct{}),
		ExpiresAt:     expiresAt,
	}
}

// longTermKey computes the RFC 5389 §15.4 long-term credential key:
// MD5(username ":" realm ":" password).
func longTermKey(username, realm, password string) []byte {
	return stun.NewLongTermIntegrity(username, realm, password)
}

// nonceTTLSeconds is both the pre-auth nonce record's go-cache TTL and the
// default session expiry.
const nonceTTLSeconds = 600

const nonceAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// newNonce produces a fresh 16-char lowercased alphanumeric nonce.
func newNonce() string {
	b := make([]byte, 16)
	for i := range b {
		b[i] = nonceAlphabet[rand.Intn(len(nonceAlphabet))] // #nosec -- anti-replay nonce, not a secret
	}
	return string(b)
}

// Timer is the manager's monotonically-ticking second counter, advanced by
// the sweeper exactly once per wall-clock second.
type Timer struct {
	value atomic.Uint64
}

// Now returns the current timer value.
func (t *Timer) Now() uint64 { return t.value.Load() }

// Tick advances the timer by one and returns the new value.
func (t *Timer) Tick() uint64 { return t.value.Add(1) }

// expiresIn returns the timer value lifetime seconds from now.
func expiresIn(t *Timer, lifetime time.Duration) uint64 {
	return t.Now() + uint64(lifetime/time.Second)
}
