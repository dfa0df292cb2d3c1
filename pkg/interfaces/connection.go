package interfaces

import (
	"context"

	"matchprobe/pkg/types"
)

// Connection represents one client-side WebSocket connection
// ARCHITECTURAL DISCOVERY: the transport handle stays inside the driver;
// consumers only see lifecycle state and the ordered event stream
type Connection interface {
	// ID returns the connection identifier
	ID() string

	// State returns the current lifecycle state
	State() types.ConnState

	// HandshakeStatus returns the HTTP status of the upgrade response
	HandshakeStatus() int

	// Events returns the ordered event stream. It starts with Opened, carries
	// messages in arrival order, ends with exactly one Closed or Errored event
	// and is then closed.
	Events() <-chan types.Event

	// Close requests a normal close. Safe to call any number of times.
	Close() error
}

// Dialer opens connections
type Dialer interface {
	// Connect performs the handshake. On failure the error is a
	// *types.ConnectError carrying the handshake status, if any.
	Connect(ctx context.Context, url string) (Connection, error)
}

// Prober issues single outbound HTTP GETs
type Prober interface {
	// Get fetches url once. Transport failures return *types.RequestError;
	// any received status, including non-2xx, is a result.
	Get(ctx context.Context, url string) (*types.ProbeResult, error)
}
