package types

// Event represents a typed event emitted during state transitions, flattened
// into string attributes for RPC and indexer consumption.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
