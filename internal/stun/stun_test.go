package stun

import (
	"net"
	"testing"
)

func TestTypeRoundTrip(t *testing.T) {
	cases := []MessageType{
		NewType(MethodBinding, ClassRequest),
		NewType(MethodAllocate, ClassSuccessResponse),
		NewType(MethodRefresh, ClassErrorResponse),
		NewType(MethodChannelBind, ClassRequest),
		NewType(MethodData, ClassIndication),
	}
	for _, c := range cases {
		got := decodeType(c.encode())
		if got != c {
			t.Fatalf("round trip mismatch: %v -> %v", c, got)
		}
	}
}

func TestPadding4(t *testing.T) {
	cases := map[int]int{0: 0, 4: 0, 5: 3, 1: 3, 2: 2, 3: 1}
	for n, want := range cases {
		if got := padding4(n); got != want {
			t.Fatalf("padding4(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestEncodeDecodeMessage(t *testing.T) {
	tid := NewTransactionID()
	e := NewEncoder(make([]byte, 0, 256), NewType(MethodBinding, ClassRequest), tid)
	username := Username("alice")
	if err := e.Add(username); err != nil {
		t.Fatal(err)
	}
	if err := e.Flush(nil); err != nil {
		t.Fatal(err)
	}
	var m Message
	if err := Decode(e.Raw(), &m); err != nil {
		t.Fatal(err)
	}
	if m.Type.Method != MethodBinding || m.Type.Class != ClassRequest {
		t.Fatalf("unexpected type: %v", m.Type)
	}
	if m.TransactionID != tid {
		t.Fatalf("transaction id mismatch")
	}
	var got Username
	if err := got.GetFrom(&m); err != nil {
		t.Fatal(err)
	}
	if got.String() != "alice" {
		t.Fatalf("got %q", got.String())
	}
	if err := CheckFingerprint(e.Raw(), &m); err != nil {
		t.Fatalf("fingerprint check failed: %v", err)
	}
}

func TestIntegritySoundness(t *testing.T) {
	key := []byte("secret-key-0123456789abcdef")
	tid := NewTransactionID()
	e := NewEncoder(make([]byte, 0, 256), NewType(MethodAllocate, ClassRequest), tid)
	if err := e.Flush(key); err != nil {
		t.Fatal(err)
	}
	var m Message
	if err := Decode(e.Raw(), &m); err != nil {
		t.Fatal(err)
	}
	if err := CheckIntegrity(e.Raw(), &m, key); err != nil {
		t.Fatalf("integrity check failed for correct key: %v", err)
	}
	if err := CheckIntegrity(e.Raw(), &m, []byte("wrong-key-0123456789abcdef!")); err == nil {
		t.Fatalf("expected integrity failure for wrong key")
	}
}

func TestXORAddressRoundTrip(t *testing.T) {
	tid := NewTransactionID()
	ip := net.ParseIP("203.0.113.5").To4()
	v := EncodeXORAddr(ip, 54321, tid)
	gotIP, gotPort, err := DecodeXORAddr(v, tid)
	if err != nil {
		t.Fatal(err)
	}
	if gotPort != 54321 || !gotIP.Equal(ip) {
		t.Fatalf("got %s:%d", gotIP, gotPort)
	}
}

func TestXORAddressRoundTripIPv6(t *testing.T) {
	tid := NewTransactionID()
	ip := net.ParseIP("2001:db8::1")
	v := EncodeXORAddr(ip, 12345, tid)
	gotIP, gotPort, err := DecodeXORAddr(v, tid)
	if err != nil {
		t.Fatal(err)
	}
	if gotPort != 12345 || !gotIP.Equal(ip) {
		t.Fatalf("got %s:%d", gotIP, gotPort)
	}
}

func TestErrorCodeRoundTrip(t *testing.T) {
	tid := NewTransactionID()
	e := NewEncoder(make([]byte, 0, 256), NewType(MethodAllocate, ClassErrorResponse), tid)
	errAttr := NewErrorCode(CodeUnauthorized)
	if err := e.Add(errAttr); err != nil {
		t.Fatal(err)
	}
	if err := e.Flush(nil); err != nil {
		t.Fatal(err)
	}
	var m Message
	if err := Decode(e.Raw(), &m); err != nil {
		t.Fatal(err)
	}
	var got ErrorCodeAttribute
	if err := got.GetFrom(&m); err != nil {
		t.Fatal(err)
	}
	if got.Code != CodeUnauthorized {
		t.Fatalf("got code %d", got.Code)
	}
	if got.Reason != "Unauthorized" {
		t.Fatalf("got reason %q", got.Reason)
	}
}

func TestDecodeRejectsBadCookie(t *testing.T) {
	tid := NewTransactionID()
	e := NewEncoder(make([]byte, 0, 64), NewType(MethodBinding, ClassRequest), tid)
	if err := e.Flush(nil); err != nil {
		t.Fatal(err)
	}
	buf := e.Raw()
	buf[4] = ^buf[4]
	var m Message
	if err := Decode(buf, &m); err == nil {
		t.Fatalf("expected decode error for bad cookie")
	}
}

func TestIsMessageDistinguishesChannelData(t *testing.T) {
	stunLike := make([]byte, 20)
	if !IsMessage(stunLike) {
		t.Fatalf("expected zero-prefixed buffer to look like a message")
	}
	channelLike := make([]byte, 20)
	channelLike[0] = 0x40
	if IsMessage(channelLike) {
		t.Fatalf("expected channel-number-prefixed buffer to not look like a message")
	}
}
