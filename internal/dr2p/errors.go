package dr2p

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced at the API boundary (spec.md §6, §7).
var (
	// ErrPeerNotConnected is returned by Request when issued before the
	// peer's receive loop is running (or after it has stopped).
	ErrPeerNotConnected = errors.New("dr2p: peer not connected")

	// ErrRequestTimeout is returned by Request when a normal-mode call's
	// timeout elapses before a response arrives.
	ErrRequestTimeout = errors.New("dr2p: request timed out")

	// ErrUnknownClient is returned by Server.Request for an id with no
	// accepted peer behind it.
	ErrUnknownClient = errors.New("dr2p: unknown client id")
)

// Error is the RPC-level failure a handler can hand back instead of a
// result, and the type a caller's Request unwraps a response "Code" into
// when it is anything other than OK. It is distinct from transport-local
// errors (ErrPeerNotConnected, context cancellation, ...), which never cross
// the wire.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("dr2p: %s: %s", e.Code, e.Message)
}
