package auth

import (
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/gortc/turnrelay/internal/allocator"
	"github.com/gortc/turnrelay/internal/turn"
)

type recordingSink struct {
	mu     sync.Mutex
	events []map[string]interface{}
}

func (r *recordingSink) Send(kind string, payload map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		cp[k] = v
	}
	cp["_kind"] = kind
	r.events = append(r.events, cp)
	return nil
}

func TestHookEventsStampsEventID(t *testing.T) {
	sink := &recordingSink{}
	static := NewStatic(zaptest.NewLogger(t), nil)
	h := NewHookEvents(zaptest.NewLogger(t), static, sink)

	key := allocator.SessionKey{
		Peer:      turn.Addr{Port: 1000},
		Interface: turn.Addr{Port: 3478},
	}
	h.OnAllocated(key, "alice", 49200)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(sink.events))
	}
	ev := sink.events[0]
	if ev["_kind"] != "allocated" {
		t.Fatalf("unexpected kind %v", ev["_kind"])
	}
	id, ok := ev["event_id"].(string)
	if !ok || len(id) != 26 {
		t.Fatalf("expected 26-char ULID string, got %q", id)
	}
}

func TestMultiFanOutToAllObservers(t *testing.T) {
	sinkA, sinkB := &recordingSink{}, &recordingSink{}
	a := NewHookEvents(zaptest.NewLogger(t), NewStatic(zaptest.NewLogger(t), nil), sinkA)
	b := NewHookEvents(zaptest.NewLogger(t), NewStatic(zaptest.NewLogger(t), nil), sinkB)
	m := NewMulti(a, b)
	key := allocator.SessionKey{Peer: turn.Addr{Port: 1}, Interface: turn.Addr{Port: 2}}
	m.OnDestroy(key, "alice")
	for name, sink := range map[string]*recordingSink{"first": sinkA, "second": sinkB} {
		sink.mu.Lock()
		n := len(sink.events)
		sink.mu.Unlock()
		if n != 1 {
			t.Fatalf("expected the %s observer to receive 1 event, got %d", name, n)
		}
	}
}
