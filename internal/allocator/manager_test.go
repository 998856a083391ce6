package allocator

import (
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gortc/turnrelay/internal/turn"
)

type staticObserver struct {
	NopObserver
	passwords map[string]string
}

func (o *staticObserver) GetPassword(username string) (string, bool) {
	p, ok := o.passwords[username]
	return p, ok
}

func newTestManager(t *testing.T, passwords map[string]string) *SessionManager {
	t.Helper()
	m := NewSessionManager(zap.NewNop(), &staticObserver{passwords: passwords})
	t.Cleanup(m.Close)
	return m
}

func addr(ip string, port int) turn.Addr {
	return turn.Addr{IP: net.ParseIP(ip), Port: port}
}

func TestGetNonceCreatesAndReuses(t *testing.T) {
	m := newTestManager(t, nil)
	key := SessionKey{Peer: addr("203.0.113.1", 1000), Interface: addr("198.51.100.1", 3478)}
	n1 := m.GetNonce(key)
	n2 := m.GetNonce(key)
	if n1 != n2 {
		t.Fatalf("expected stable nonce, got %q then %q", n1, n2)
	}
	if len(n1) != 16 {
		t.Fatalf("expected 16-char nonce, got %d", len(n1))
	}
	for _, c := range n1 {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			t.Fatalf("nonce %q contains non-lowercase-alphanumeric %q", n1, c)
		}
	}
}

func TestGetIntegrityAuthenticatesAndCaches(t *testing.T) {
	m := newTestManager(t, map[string]string{"alice": "secret"})
	key := SessionKey{Peer: addr("203.0.113.1", 1000), Interface: addr("198.51.100.1", 3478)}
	k1, ok := m.GetIntegrity(key, "alice", "example.org")
	if !ok {
		t.Fatal("expected authentication to succeed")
	}
	k2, ok := m.GetIntegrity(key, "alice", "example.org")
	if !ok || string(k1) != string(k2) {
		t.Fatal("expected cached integrity key on second call")
	}
}

func TestGetIntegrityUnknownUser(t *testing.T) {
	m := newTestManager(t, map[string]string{"alice": "secret"})
	key := SessionKey{Peer: addr("203.0.113.2", 1000), Interface: addr("198.51.100.1", 3478)}
	if _, ok := m.GetIntegrity(key, "mallory", "example.org"); ok {
		t.Fatal("expected unknown user to fail authentication")
	}
}

func TestAllocateIdempotent(t *testing.T) {
	m := newTestManager(t, map[string]string{"alice": "secret"})
	key := SessionKey{Peer: addr("203.0.113.1", 1000), Interface: addr("198.51.100.1", 3478)}
	if _, ok := m.GetIntegrity(key, "alice", "example.org"); !ok {
		t.Fatal("auth failed")
	}
	p1, ok := m.Allocate(key)
	if !ok {
		t.Fatal("allocate failed")
	}
	p2, ok := m.Allocate(key)
	if !ok || p1 != p2 {
		t.Fatalf("expected idempotent allocation, got %d then %d", p1, p2)
	}
	if p1 < MinPort {
		t.Fatalf("port %d below range", p1)
	}
}

func TestAllocateRequiresSession(t *testing.T) {
	m := newTestManager(t, nil)
	key := SessionKey{Peer: addr("203.0.113.1", 1000), Interface: addr("198.51.100.1", 3478)}
	if _, ok := m.Allocate(key); ok {
		t.Fatal("expected allocate without a session to fail")
	}
}

func TestCreatePermissionAndRelayLookup(t *testing.T) {
	m := newTestManager(t, map[string]string{"alice": "pw1", "bob": "pw2"})
	iface := addr("198.51.100.1", 3478)
	aliceKey := SessionKey{Peer: addr("203.0.113.1", 1000), Interface: iface}
	bobKey := SessionKey{Peer: addr("203.0.113.2", 2000), Interface: iface}

	if _, ok := m.GetIntegrity(aliceKey, "alice", "example.org"); !ok {
		t.Fatal("alice auth failed")
	}
	if _, ok := m.GetIntegrity(bobKey, "bob", "example.org"); !ok {
		t.Fatal("bob auth failed")
	}
	alicePort, ok := m.Allocate(aliceKey)
	if !ok {
		t.Fatal("alice allocate failed")
	}
	bobPort, ok := m.Allocate(bobKey)
	if !ok {
		t.Fatal("bob allocate failed")
	}

	if !m.CreatePermission(aliceKey, iface, []uint16{bobPort}) {
		t.Fatal("expected create permission to succeed")
	}

	ep, ok := m.GetRelayAddress(bobKey, alicePort)
	if !ok {
		t.Fatal("expected relay address to resolve")
	}
	if !ep.Source.Equal(aliceKey.Peer) {
		t.Fatalf("unexpected relay source %v", ep.Source)
	}
}

func TestCreatePermissionRejectsOwnPort(t *testing.T) {
	m := newTestManager(t, map[string]string{"alice": "pw1"})
	iface := addr("198.51.100.1", 3478)
	key := SessionKey{Peer: addr("203.0.113.1", 1000), Interface: iface}
	if _, ok := m.GetIntegrity(key, "alice", "example.org"); !ok {
		t.Fatal("auth failed")
	}
	port, ok := m.Allocate(key)
	if !ok {
		t.Fatal("allocate failed")
	}
	if m.CreatePermission(key, iface, []uint16{port}) {
		t.Fatal("expected self-permission to be rejected")
	}
}

func TestBindChannelImpliesPermission(t *testing.T) {
	m := newTestManager(t, map[string]string{"alice": "pw1", "bob": "pw2"})
	iface := addr("198.51.100.1", 3478)
	aliceKey := SessionKey{Peer: addr("203.0.113.1", 1000), Interface: iface}
	bobKey := SessionKey{Peer: addr("203.0.113.2", 2000), Interface: iface}

	m.GetIntegrity(aliceKey, "alice", "example.org")
	m.GetIntegrity(bobKey, "bob", "example.org")
	alicePort, _ := m.Allocate(aliceKey)
	bobPort, _ := m.Allocate(bobKey)

	if !m.BindChannel(bobKey, iface, alicePort, 0x4001) {
		t.Fatal("expected channel bind to succeed")
	}
	ep, ok := m.GetChannelRelayAddress(aliceKey, 0x4001)
	if !ok || !ep.Source.Equal(bobKey.Peer) {
		t.Fatal("expected channel relay to resolve to bob")
	}
	// the implied permission must also be visible via GetRelayAddress.
	relEp, ok := m.GetRelayAddress(aliceKey, bobPort)
	if !ok || !relEp.Source.Equal(bobKey.Peer) {
		t.Fatal("expected implied permission from channel bind")
	}
}

func TestBindChannelRetransmitIdempotent(t *testing.T) {
	m := newTestManager(t, map[string]string{"alice": "pw1", "bob": "pw2"})
	iface := addr("198.51.100.1", 3478)
	aliceKey := SessionKey{Peer: addr("203.0.113.1", 1000), Interface: iface}
	bobKey := SessionKey{Peer: addr("203.0.113.2", 2000), Interface: iface}

	m.GetIntegrity(aliceKey, "alice", "example.org")
	m.GetIntegrity(bobKey, "bob", "example.org")
	alicePort, _ := m.Allocate(aliceKey)
	m.Allocate(bobKey)

	if !m.BindChannel(bobKey, iface, alicePort, 0x4001) {
		t.Fatal("expected first channel bind to succeed")
	}
	if !m.BindChannel(bobKey, iface, alicePort, 0x4001) {
		t.Fatal("expected retransmitted channel bind to succeed")
	}
}

func TestBindChannelRejectsRebindToDifferentPeer(t *testing.T) {
	m := newTestManager(t, map[string]string{"alice": "pw1", "bob": "pw2", "carol": "pw3"})
	iface := addr("198.51.100.1", 3478)
	aliceKey := SessionKey{Peer: addr("203.0.113.1", 1000), Interface: iface}
	bobKey := SessionKey{Peer: addr("203.0.113.2", 2000), Interface: iface}
	carolKey := SessionKey{Peer: addr("203.0.113.3", 3000), Interface: iface}

	m.GetIntegrity(aliceKey, "alice", "example.org")
	m.GetIntegrity(bobKey, "bob", "example.org")
	m.GetIntegrity(carolKey, "carol", "example.org")
	alicePort, _ := m.Allocate(aliceKey)
	m.Allocate(bobKey)
	carolPort, _ := m.Allocate(carolKey)

	if !m.BindChannel(bobKey, iface, alicePort, 0x4001) {
		t.Fatal("expected channel bind toward alice to succeed")
	}
	if m.BindChannel(bobKey, iface, carolPort, 0x4001) {
		t.Fatal("expected rebinding the channel toward carol to be refused")
	}
	// the original binding must be untouched.
	ep, ok := m.GetChannelRelayAddress(aliceKey, 0x4001)
	if !ok || !ep.Source.Equal(bobKey.Peer) {
		t.Fatal("expected original channel binding to survive the refused rebind")
	}
}

func TestRefreshZeroDestroysSession(t *testing.T) {
	m := newTestManager(t, map[string]string{"alice": "pw1"})
	key := SessionKey{Peer: addr("203.0.113.1", 1000), Interface: addr("198.51.100.1", 3478)}
	m.GetIntegrity(key, "alice", "example.org")
	port, _ := m.Allocate(key)
	if n := m.PortPoolLen(); n != 1 {
		t.Fatalf("expected 1 allocated port, got %d", n)
	}
	if !m.Refresh(key, 0) {
		t.Fatal("expected refresh(0) to succeed")
	}
	if _, ok := m.GetSession(key); ok {
		t.Fatal("expected session to be gone")
	}
	if n := m.PortPoolLen(); n != 0 {
		t.Fatalf("expected port %d to be restored, pool len=%d", port, n)
	}
}

func TestRefreshRejectsOversizedLifetime(t *testing.T) {
	m := newTestManager(t, map[string]string{"alice": "pw1"})
	key := SessionKey{Peer: addr("203.0.113.1", 1000), Interface: addr("198.51.100.1", 3478)}
	m.GetIntegrity(key, "alice", "example.org")
	if m.Refresh(key, 7200*time.Second) {
		t.Fatal("expected oversized lifetime to be rejected")
	}
}

func TestPortAllocatorExhaustion(t *testing.T) {
	var p PortAllocator
	seen := make(map[uint16]bool)
	for i := 0; i < p.Cap(); i++ {
		port, ok := p.Alloc()
		if !ok {
			t.Fatalf("unexpected exhaustion at %d", i)
		}
		if seen[port] {
			t.Fatalf("duplicate port %d", port)
		}
		seen[port] = true
	}
	if _, ok := p.Alloc(); ok {
		t.Fatal("expected pool to be exhausted")
	}
	p.Restore(MinPort)
	port, ok := p.Alloc()
	if !ok || port != MinPort {
		t.Fatalf("expected restored port %d to be reallocated, got %d ok=%v", MinPort, port, ok)
	}
}
