package types

// Event carries a typed state-change notification with its literal payload.
// Attributes hold the changed values rendered as strings so external observers
// and indexers can consume them without decoding domain types.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
