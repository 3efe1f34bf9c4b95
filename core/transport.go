package core

import "context"

type Message interface{}

// Transport delivers messages between nodes. Delivery is best-effort:
// implementations never retry, and Broadcast reports per-peer failures
// without blocking on any single peer.
type Transport interface {
	// Broadcast sends msg to every peer and delivers a copy to self.
	Broadcast(ctx context.Context, msg Message) error

	Send(ctx context.Context, nodeId NodeId, msg Message) error

	Subscribe() <-chan Message
}

// Readier is implemented by transports that can tell whether all of
// their peer links are up.
type Readier interface {
	Ready() bool
}
