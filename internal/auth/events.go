package auth

import (
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/gortc/turnrelay/internal/allocator"
	"github.com/gortc/turnrelay/internal/hook"
)

// Multi tries each Observer's GetPassword in order, returning the first
// match; event hooks fan out to every observer in the chain. The usual
// arrangement is a static map tried first, then a TURN REST secret.
type Multi struct {
	allocator.NopObserver
	observers []allocator.Observer
}

// NewMulti builds a Multi from observers, tried in order.
func NewMulti(observers ...allocator.Observer) *Multi {
	return &Multi{observers: observers}
}

func (m *Multi) GetPassword(username string) (string, bool) {
	for _, o := range m.observers {
		if p, ok := o.GetPassword(username); ok {
			return p, true
		}
	}
	return "", false
}

func (m *Multi) OnAllocated(key allocator.SessionKey, username string, port uint16) {
	for _, o := range m.observers {
		o.OnAllocated(key, username, port)
	}
}

func (m *Multi) OnCreatePermission(key allocator.SessionKey, username string, ports []uint16) {
	for _, o := range m.observers {
		o.OnCreatePermission(key, username, ports)
	}
}

func (m *Multi) OnChannelBind(key allocator.SessionKey, username string, channel uint16) {
	for _, o := range m.observers {
		o.OnChannelBind(key, username, channel)
	}
}

func (m *Multi) OnRefresh(key allocator.SessionKey, username string, lifetime uint64) {
	for _, o := range m.observers {
		o.OnRefresh(key, username, lifetime)
	}
}

func (m *Multi) OnDestroy(key allocator.SessionKey, username string) {
	for _, o := range m.observers {
		o.OnDestroy(key, username)
	}
}

// eventEntropy is a package-level ULID entropy source. ULID generation is
// not a security boundary (it stamps outbound event IDs, not credentials),
// so a math/rand source seeded once at startup is sufficient.
var eventEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) // #nosec -- event ID stamping only

// HookEvents decorates an allocator.Observer, stamping each lifecycle
// event with a sortable ULID and forwarding it to an optional hook.Sink.
// The core's own Observer (credential lookup + logging) is unaffected;
// this exists purely for the external event-hook sink.
type HookEvents struct {
	allocator.Observer
	log  *zap.Logger
	sink hook.Sink
}

// NewHookEvents wraps next, dispatching its lifecycle events to sink in
// addition to whatever next itself does.
func NewHookEvents(log *zap.Logger, next allocator.Observer, sink hook.Sink) *HookEvents {
	return &HookEvents{Observer: next, log: log, sink: sink}
}

func (h *HookEvents) dispatch(kind string, key allocator.SessionKey, payload map[string]interface{}) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), eventEntropy)
	if err != nil {
		h.log.Warn("event id generation failed", zap.Error(err))
	}
	payload["event_id"] = id.String()
	payload["kind"] = kind
	payload["session"] = key.String()
	if err := h.sink.Send(kind, payload); err != nil {
		h.log.Warn("hook dispatch failed", zap.String("kind", kind), zap.String("event_id", id.String()), zap.Error(err))
	}
}

func (h *HookEvents) OnAllocated(key allocator.SessionKey, username string, port uint16) {
	h.Observer.OnAllocated(key, username, port)
	h.dispatch("allocated", key, map[string]interface{}{"username": username, "port": port})
}

func (h *HookEvents) OnCreatePermission(key allocator.SessionKey, username string, ports []uint16) {
	h.Observer.OnCreatePermission(key, username, ports)
	h.dispatch("create_permission", key, map[string]interface{}{"username": username, "ports": ports})
}

func (h *HookEvents) OnChannelBind(key allocator.SessionKey, username string, channel uint16) {
	h.Observer.OnChannelBind(key, username, channel)
	h.dispatch("channel_bind", key, map[string]interface{}{"username": username, "channel": channel})
}

func (h *HookEvents) OnRefresh(key allocator.SessionKey, username string, lifetime uint64) {
	h.Observer.OnRefresh(key, username, lifetime)
	h.dispatch("refresh", key, map[string]interface{}{"username": username, "lifetime": lifetime})
}

func (h *HookEvents) OnDestroy(key allocator.SessionKey, username string) {
	h.Observer.OnDestroy(key, username)
	h.dispatch("closed", key, map[string]interface{}{"username": username})
}
