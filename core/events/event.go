package events

// Event represents a structured state change emitted by the ledger.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events. It
// is the default when a component does not wire a subscriber.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Capture is an Emitter that records everything it receives, for tests and
// for the RPC event buffer.
type Capture struct {
	Events []Event
}

// Emit implements the Emitter interface.
func (c *Capture) Emit(evt Event) {
	c.Events = append(c.Events, evt)
}
