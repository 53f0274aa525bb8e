// Package transport defines the realtime publish contracts consumed by the
// channel senders, and the selector that routes between the push provider and
// the fallback stream.
package transport

import "context"

// Kind identifies a realtime transport.
type Kind string

const (
	KindPush   Kind = "push"
	KindStream Kind = "stream"
)

func (k Kind) Valid() bool { return k == KindPush || k == KindStream }

// ConnState mirrors the push provider's connection lifecycle.
type ConnState string

const (
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateSuspended    ConnState = "suspended"
	StateFailed       ConnState = "failed"
)

// Healthy reports whether a connection state is usable for delivery.
// Suspended and failed are unhealthy even if the breaker has not opened yet.
func Healthy(s ConnState) bool { return s == StateConnected }

// Publisher is the publish-shaped contract shared by the push provider and
// the fallback stream transport.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload []byte) error
}

// RealtimeProvider is a Publisher with a connection lifecycle.
type RealtimeProvider interface {
	Publisher
	ConnectionState() ConnState
}
