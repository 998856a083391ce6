package server

import (
	"bytes"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gortc/turnrelay/internal/auth"
	"github.com/gortc/turnrelay/internal/stun"
	"github.com/gortc/turnrelay/internal/turn"
)

// allocate drives the full challenge/response handshake for client against
// server and returns the session's integrity key plus its relayed port.
func allocate(t *testing.T, client net.PacketConn, server net.Addr, user, password string) ([]byte, int) {
	t.Helper()
	nonce := challengeNonce(t, client, server, turn.AllocateRequest, turn.RequestedTransport{Protocol: turn.ProtoUDP})
	key := stun.NewLongTermIntegrity(user, testRealm, password)
	req := buildRequest(turn.AllocateRequest, key,
		turn.RequestedTransport{Protocol: turn.ProtoUDP},
		stun.Username(user),
		stun.NewRealm(testRealm),
		stun.Nonce(nonce),
	)
	resp := roundTrip(t, client, server, req)
	if resp.Type.Class != stun.ClassSuccessResponse {
		t.Fatalf("allocate for %s failed: %v", user, resp.Type)
	}
	var relayed turn.RelayedAddress
	if err := relayed.GetFrom(resp); err != nil {
		t.Fatalf("missing relayed address for %s: %v", user, err)
	}
	return key, relayed.Port
}

// createPermission authorizes peerPort to reach client's session.
func createPermission(t *testing.T, client net.PacketConn, server net.Addr, user string, key []byte, peerIP net.IP, peerPort int) {
	t.Helper()
	nonce := challengeNonce(t, client, server, turn.CreatePermissionRequest, turn.PeerAddress{IP: peerIP, Port: peerPort})
	req := buildRequest(turn.CreatePermissionRequest, key,
		turn.PeerAddress{IP: peerIP, Port: peerPort},
		stun.Username(user),
		stun.NewRealm(testRealm),
		stun.Nonce(nonce),
	)
	resp := roundTrip(t, client, server, req)
	if resp.Type.Class != stun.ClassSuccessResponse {
		t.Fatalf("create permission for %s failed: %v", user, resp.Type)
	}
}

// bindChannel binds channel to peerPort on behalf of client's session.
func bindChannel(t *testing.T, client net.PacketConn, server net.Addr, user string, key []byte, peerIP net.IP, peerPort int, channel turn.ChannelNumber) {
	t.Helper()
	nonce := challengeNonce(t, client, server, turn.ChannelBindRequest,
		turn.PeerAddress{IP: peerIP, Port: peerPort}, channel)
	req := buildRequest(turn.ChannelBindRequest, key,
		turn.PeerAddress{IP: peerIP, Port: peerPort},
		channel,
		stun.Username(user),
		stun.NewRealm(testRealm),
		stun.Nonce(nonce),
	)
	resp := roundTrip(t, client, server, req)
	if resp.Type.Class != stun.ClassSuccessResponse {
		t.Fatalf("channel bind for %s failed: %v", user, resp.Type)
	}
}

func sendIndication(t *testing.T, client net.PacketConn, server net.Addr, peerIP net.IP, peerPort int, payload []byte) {
	t.Helper()
	enc := stun.NewEncoder(make([]byte, 0, len(payload)+64), turn.SendIndication, stun.NewTransactionID())
	if err := enc.Add(turn.PeerAddress{IP: peerIP, Port: peerPort}); err != nil {
		t.Fatalf("encode peer address: %v", err)
	}
	if err := enc.Add(turn.Data(payload)); err != nil {
		t.Fatalf("encode data: %v", err)
	}
	if err := enc.Flush(nil); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if _, err := client.WriteTo(enc.Raw(), server); err != nil {
		t.Fatalf("write indication: %v", err)
	}
}

func readDatagram(t *testing.T, conn net.PacketConn) []byte {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	buf := make([]byte, 2048)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out
}

func TestIntegrationPermissionAndSend(t *testing.T) {
	s, stop := newServer(t, Options{
		Observer: auth.NewStatic(zap.NewNop(), []auth.StaticCredential{
			{Username: "alice", Password: "secret"},
			{Username: "bob", Password: "secret"},
		}),
	})
	defer stop()
	serverAddr := s.sockets[0].LocalAddr()
	serverIP := serverAddr.(*net.UDPAddr).IP

	aliceConn := newClient(t)
	bobConn := newClient(t)

	aliceKey, alicePort := allocate(t, aliceConn, serverAddr, "alice", "secret")
	_, bobPort := allocate(t, bobConn, serverAddr, "bob", "secret")

	// Alice authorizes Bob's relayed port to reach her.
	createPermission(t, aliceConn, serverAddr, "alice", aliceKey, serverIP, bobPort)

	payload := []byte("hello from bob")
	sendIndication(t, bobConn, serverAddr, serverIP, alicePort, payload)

	raw := readDatagram(t, aliceConn)
	m := new(stun.Message)
	if err := stun.Decode(raw, m); err != nil {
		t.Fatalf("decode data indication: %v", err)
	}
	if m.Type != turn.DataIndication {
		t.Fatalf("expected data indication, got %v", m.Type)
	}
	var peer turn.PeerAddress
	if err := peer.GetFrom(m); err != nil {
		t.Fatalf("missing peer address: %v", err)
	}
	if peer.Port != bobPort {
		t.Fatalf("expected relayed peer port %d, got %d", bobPort, peer.Port)
	}
	var data turn.Data
	if err := data.GetFrom(m); err != nil {
		t.Fatalf("missing data: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("payload mismatch: got %q", data)
	}
}

func TestIntegrationChannelBindAndData(t *testing.T) {
	s, stop := newServer(t, Options{
		Observer: auth.NewStatic(zap.NewNop(), []auth.StaticCredential{
			{Username: "alice", Password: "secret"},
			{Username: "bob", Password: "secret"},
		}),
	})
	defer stop()
	serverAddr := s.sockets[0].LocalAddr()
	serverIP := serverAddr.(*net.UDPAddr).IP

	aliceConn := newClient(t)
	bobConn := newClient(t)

	_, alicePort := allocate(t, aliceConn, serverAddr, "alice", "secret")
	bobKey, _ := allocate(t, bobConn, serverAddr, "bob", "secret")

	const channel = turn.ChannelNumber(0x4001)
	// Bob binds a channel toward Alice's relayed port, authorizing Alice to
	// use that channel number when addressing him.
	bindChannel(t, bobConn, serverAddr, "bob", bobKey, serverIP, alicePort, channel)

	payload := []byte("channel payload")
	frame := turn.Encode(nil, channel, payload)
	if _, err := aliceConn.WriteTo(frame, serverAddr); err != nil {
		t.Fatalf("write channel data: %v", err)
	}

	raw := readDatagram(t, bobConn)
	var cdata turn.ChannelData
	if err := turn.Decode(raw, &cdata, false); err != nil {
		t.Fatalf("decode channel data: %v", err)
	}
	if cdata.Number != channel {
		t.Fatalf("unexpected channel number %v", cdata.Number)
	}
	if !bytes.Equal(cdata.Data, payload) {
		t.Fatalf("payload mismatch: got %q", cdata.Data)
	}
}
