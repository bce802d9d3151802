// Package broker makes accepted events visible to every server instance, not
// only the one that accepted them. Delivery is at-least-once and may reorder
// across concurrent publishers, so a message carries the event's sequence
// number and consumers are expected to dedupe by sequence and gap-fill from
// the event log when they observe a jump.
package broker

import (
	"context"

	"github.com/mkorolev/listsync/internal/protocol"
)

// Message is one broadcast notification. Event may be nil when the payload
// was too large for the underlying channel; consumers then fetch the event
// from the log using ListID and Sequence.
type Message struct {
	ListID   string          `json:"list_id"`
	Sequence int64           `json:"sequence"`
	Event    *protocol.Event `json:"event,omitempty"`
}

// Handler consumes one message. Handlers must be idempotent: the same
// sequence can be delivered more than once.
type Handler func(ctx context.Context, msg Message)

// Broker is the cross-instance broadcast channel.
type Broker interface {
	// Publish broadcasts a message to all instances, including this one.
	Publish(ctx context.Context, msg Message) error

	// Subscribe registers a handler for all published messages. Multiple
	// handlers may be registered; each receives every message.
	Subscribe(h Handler)

	// Run blocks consuming the broadcast channel until ctx is cancelled.
	Run(ctx context.Context) error

	// Close releases broker resources.
	Close() error
}
