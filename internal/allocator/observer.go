package allocator

// Observer is the small capability object implemented outside the core:
// the only authentication oracle and lifecycle event sink. The
// manager issues no SQL, HTTP, or disk I/O of its own; GetPassword is
// wired by the caller to a static credential map, a TURN REST shared
// secret, or an HTTP hook.
type Observer interface {
	// GetPassword returns the password for username, or ok=false if no
	// such user exists. May block or do network I/O; the manager never
	// holds a table lock across this call.
	GetPassword(username string) (password string, ok bool)

	OnAllocated(key SessionKey, username string, port uint16)
	OnCreatePermission(key SessionKey, username string, ports []uint16)
	OnChannelBind(key SessionKey, username string, channel uint16)
	OnRefresh(key SessionKey, username string, lifetime uint64)
	OnDestroy(key SessionKey, username string)
}

// NopObserver implements Observer with no-op event hooks and a password
// oracle that never authenticates anyone. Useful as an embeddable base for
// observers that only care about a subset of events.
type NopObserver struct{}

func (NopObserver) GetPassword(string) (string, bool)            { return "", false }
func (NopObserver) OnAllocated(SessionKey, string, uint16)       {}
func (NopObserver) OnCreatePermission(SessionKey, string, []uint16) {}
func (NopObserver) OnChannelBind(SessionKey, string, uint16)     {}
func (NopObserver) OnRefresh(SessionKey, string, uint64)         {}
func (NopObserver) OnDestroy(SessionKey, string)                 {}
