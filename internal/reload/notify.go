// Package reload implements the SIGUSR2-triggered and HTTP-triggered config
// reload signal used by internal/manage and internal/cli: both deliver onto
// the same channel so the run loop only ever selects on one source.
package reload

// Notifier implements config reload request notification. C is buffered to
// depth 1 by NewNotifier, so a single pending reload request survives even
// when the run loop's range over C hasn't picked it up yet; Notify itself
// never blocks its caller (the manage HTTP handler). SIGUSR2 delivery does
// not go through Notify: its goroutine sends on C directly.
type Notifier struct {
	C chan struct{}
}

// NewNotifier initializes and returns new notifier, subscribing it to
// SIGUSR2 on platforms that support it.
func NewNotifier() Notifier {
	n := Notifier{C: make(chan struct{}, 1)}
	n.subscribe()
	return n
}

// Notify implements manage.Notifier: it requests a reload without blocking
// the HTTP handler that triggered it. A pending, not-yet-serviced request
// already in the channel makes this a no-op.
func (n Notifier) Notify() {
	select {
	case n.C <- struct{}{}:
	default:
	}
}
