// Package transport defines the frame-transport contract DR2P's peer state
// machine is built against (spec.md §1, §6). The core never constructs
// sockets itself; it is handed a Transport (and, on the accepting side, a
// Listener) and only ever calls Send, Recv, Close and Reconnect on it.
package transport

import (
	"context"
	"errors"
)

// ErrPeerClosed is returned by Recv (and, if a write lands after close, by
// Send) once the remote end has cleanly closed the connection.
var ErrPeerClosed = errors.New("transport: peer closed")

// ErrConnRefused is returned by Connect when the remote end actively
// refused the connection attempt.
var ErrConnRefused = errors.New("transport: connection refused")

// Transport is one peer's view of a single frame-transport connection. head
// is a string-keyed attribute map and body an opaque byte string, exactly
// as spec.md §3 describes; DR2P's Head type marshals to and from this map
// at the Peer boundary so the transport never needs to know the protocol's
// field names.
type Transport interface {
	// Connect actively dials host:port. A Transport handed to a Listener's
	// accept callback is already connected. Pipe's Connect is a no-op;
	// TCPTransport's Connect always dials and replaces whatever connection
	// it held, including an accepted one.
	Connect(ctx context.Context, host string, port int) error

	// Reconnect blocks until the connection is reestablished, retrying
	// internally against the most recent Connect target. It is used both
	// by Client.Connect (on an initial ErrConnRefused, when requested) and
	// by Peer.StartMainloop (after a clean peer-close, when requested).
	Reconnect(ctx context.Context) error

	// Send blocks until one framed message has been handed to the wire.
	Send(ctx context.Context, head map[string]any, body []byte) error

	// Recv blocks until one framed message has arrived, returning
	// ErrPeerClosed on clean termination.
	Recv(ctx context.Context) (map[string]any, []byte, error)

	// Close tears down the connection. The next Recv (on either end, for
	// an in-process Transport) observes ErrPeerClosed.
	Close() error
}

// Listener accepts inbound connections, handing each one to onAccept as an
// already-connected Transport (spec.md §4.4).
type Listener interface {
	Bind(ctx context.Context, host string, port int) error
	Accept(ctx context.Context, onAccept func(Transport)) error
	Close() error
}
