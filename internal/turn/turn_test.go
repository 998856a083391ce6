package turn

import (
	"bytes"
	"testing"

	"github.com/gortc/turnrelay/internal/stun"
)

func TestChannelNumberValid(t *testing.T) {
	if !ChannelNumber(0x4000).Valid() {
		t.Fatal("0x4000 should be valid")
	}
	if !ChannelNumber(0x7FFF).Valid() {
		t.Fatal("0x7FFF should be valid")
	}
	if ChannelNumber(0x3FFF).Valid() {
		t.Fatal("0x3FFF should be invalid")
	}
	if ChannelNumber(0x8000).Valid() {
		t.Fatal("0x8000 should be invalid")
	}
}

func TestChannelDataRoundTripUDP(t *testing.T) {
	data := []byte("hi")
	encoded := Encode(make([]byte, 0, 64), 0x4000, data)
	var c ChannelData
	if err := Decode(encoded, &c, false); err != nil {
		t.Fatal(err)
	}
	if c.Number != 0x4000 || !bytes.Equal(c.Data, data) {
		t.Fatalf("got %v %q", c.Number, c.Data)
	}
}

func TestChannelDataTCPAlignment(t *testing.T) {
	data := []byte("hi") // 6-byte frame is not 4-aligned, so TCP framing pads it
	encoded := Encode(make([]byte, 0, 64), 0x4000, data)
	encoded = append(encoded, 0, 0) // simulate stream padding already present
	var c ChannelData
	if err := Decode(encoded, &c, true); err != nil {
		t.Fatal(err)
	}
	if len(c.Raw) != len(encoded) {
		t.Fatalf("expected TCP decode to consume padded length, got %d want %d", len(c.Raw), len(encoded))
	}
}

func TestIsChannelDataVsMessage(t *testing.T) {
	msg := make([]byte, 20)
	if IsChannelData(msg) {
		t.Fatal("zero-prefixed buffer should not look like channel data")
	}
	cd := make([]byte, 20)
	cd[0] = 0x40
	if !IsChannelData(cd) {
		t.Fatal("0x4000-prefixed buffer should look like channel data")
	}
}

func TestLifetimeClamp(t *testing.T) {
	tid := stun.NewTransactionID()
	e := stun.NewEncoder(make([]byte, 0, 64), stun.NewType(stun.MethodRefresh, stun.ClassRequest), tid)
	l := Lifetime{Duration: 7200 * 1e9}
	if err := e.Add(l); err != nil {
		t.Fatal(err)
	}
	if err := e.Flush(nil); err != nil {
		t.Fatal(err)
	}
	var m stun.Message
	if err := stun.Decode(e.Raw(), &m); err != nil {
		t.Fatal(err)
	}
	var got Lifetime
	if err := got.GetFrom(&m); err != nil {
		t.Fatal(err)
	}
	if got.Duration != DefaultLifetime()*6 {
		t.Fatalf("expected clamp to 3600s, got %v", got.Duration)
	}
}
