package replicator

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownRole is returned when the replicator is initialised before a
	// role was chosen.
	ErrUnknownRole = errors.New("replicator: role must be client or server")
	// ErrLinkNotConnected is returned when sending on a link that has not
	// completed the connect handshake.
	ErrLinkNotConnected = errors.New("replicator: link not connected")
	// ErrUnknownCacheID is returned when a command references a context key
	// whose definition never arrived.
	ErrUnknownCacheID = errors.New("replicator: unknown context key")
	// ErrMalformedCommand is returned when a received command cannot be
	// applied to local state.
	ErrMalformedCommand = errors.New("replicator: malformed command")
	// ErrRouteFailed reports that an operation was applied locally but no
	// targeted link accepted the command.
	ErrRouteFailed = errors.New("replicator: no link accepted the command")
)

// PreconditionError is the panic value raised when an operation is called
// in a state it does not allow. These are programming errors in the
// embedder and are never recovered inside the replicator.
type PreconditionError struct {
	Op     string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("replicator: %s: %s", e.Op, e.Reason)
}

func precondition(op, format string, args ...any) {
	panic(&PreconditionError{Op: op, Reason: fmt.Sprintf(format, args...)})
}
