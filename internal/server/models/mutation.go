package models

// Mutation is a client-proposed change to one record. A mutation is submitted
// once and resolved exactly once: accepted, resolved as a conflict, or
// rejected. IdempotencyToken protects retried submissions from
// double-applying.
type Mutation struct {
	RecordID         string
	ListID           string
	Kind             string
	BaseVersion      int64
	Fields           map[string]any
	ActingUser       string
	IdempotencyToken string
}
