// Package broadcast delivers rotation lifecycle events between cooperating
// peers. Delivery is best-effort: a peer that misses an event recovers by
// reading the shared store, so no implementation needs to guarantee order
// or durability.
package broadcast

import "context"

// Status values carried by rotation events.
const (
	StatusStarted   = "started"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Message is a rotation lifecycle event. Timestamp is Unix milliseconds.
type Message struct {
	Timestamp int64  `json:"timestamp"`
	PeerID    string `json:"peerId"`
	Status    string `json:"status"`
	Version   int64  `json:"version"`
}

// Broadcaster fans rotation events out to every other peer. Receivers also
// see their own messages; filtering by PeerID is the caller's job.
type Broadcaster interface {
	Post(ctx context.Context, msg Message) error
	Messages() <-chan Message
	Close() error
}
