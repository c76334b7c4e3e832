package emit

// NullEmitter implements Emitter by discarding all events.
//
// Use cases:
//   - Deployments where event logging overhead is unwanted
//   - Tests that do not inspect events
//   - Disabling emission without changing call sites
type NullEmitter struct{}

// NewNullEmitter returns an emitter that discards everything. Safe for
// concurrent use.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(event Event) {}
