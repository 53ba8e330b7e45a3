// Package transport implements the pluggable sync transport layer
// (spec §4.6): topic-based peer discovery plus a byte-stream
// connection abstraction, with Disabled, DhtDirect, Relay, and Auto
// (fallback-chain) variants.
package transport

import (
	"context"
	"time"

	"github.com/cuemby/graphdb-core/internal/common"
)

// Connection is a bidirectional byte stream to one peer (spec §4.6
// "Connection").
type Connection interface {
	Send(ctx context.Context, data []byte) error
	Recv(ctx context.Context) ([]byte, error)
	RemoteActor() common.ActorID
	Close() error
}

// Transport discovers peers sharing a topic and exchanges byte streams
// with them (spec §4.6 "Variants").
type Transport interface {
	// Announce advertises this node under topic so other peers can find it.
	Announce(ctx context.Context, topic [32]byte) error
	// Listen returns a channel of inbound connections for topic. The
	// channel is closed when the transport is closed or gives up.
	Listen(ctx context.Context, topic [32]byte) (<-chan Connection, error)
	// Name identifies the variant, for diagnostics and fallback logging.
	Name() string
	Close() error
}

// Backoff parameters for connect retries (spec §4.6 "Failure
// semantics": initial 500ms, cap 30s).
const (
	RetryInitial  = 500 * time.Millisecond
	RetryCap      = 30 * time.Second
	RetryAttempts = 6
)
