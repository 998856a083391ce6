// Package auth provides allocator.Observer implementations: a static
// username/password map and a TURN REST API shared-secret scheme, plus a
// decorator that stamps lifecycle events with a sortable ID and forwards
// them to an optional hook sink.
package auth

import (
	"sync"

	"go.uber.org/zap"

	"github.com/gortc/turnrelay/internal/allocator"
)

// StaticCredential is one entry of a static username/password table.
type StaticCredential struct {
	Username string
	Password string
}

// Static is an allocator.Observer backed by a fixed, in-memory credential
// map. Allocation and destroy events are logged at debug level; the other
// lifecycle events are ignored.
type Static struct {
	allocator.NopObserver
	log         *zap.Logger
	mu          sync.RWMutex
	credentials map[string]string
}

// NewStatic builds a Static observer from a credential list.
func NewStatic(log *zap.Logger, credentials []StaticCredential) *Static {
	s := &Static{
		log:         log,
		credentials: make(map[string]string, len(credentials)),
	}
	for _, c := range credentials {
		s.credentials[c.Username] = c.Password
	}
	return s
}

// GetPassword implements allocator.Observer.
func (s *Static) GetPassword(username string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.credentials[username]
	return p, ok
}

// Set adds or replaces a credential at runtime.
func (s *Static) Set(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[username] = password
}

func (s *Static) OnAllocated(key allocator.SessionKey, username string, port uint16) {
	s.log.Debug("allocated", zap.Stringer("key", key), zap.String("username", username), zap.Uint16("port", port))
}

func (s *Static) OnDestroy(key allocator.SessionKey, username string) {
	s.log.Debug("destroyed", zap.Stringer("key", key), zap.String("username", username))
}
