// Package errdefs defines the error taxonomy shared by every layer of the
// device stack. Layers wrap these sentinels with fmt.Errorf("%w: ...") so
// callers can classify failures with errors.Is without depending on the
// package that produced them.
package errdefs

import "errors"

// Setup-phase errors. Any of these aborts the whole session.
var (
	// ErrCredential indicates the pairing record is unreadable or malformed.
	ErrCredential = errors.New("invalid pairing credential")

	// ErrInvalidEndpoint indicates the device endpoint could not be parsed.
	ErrInvalidEndpoint = errors.New("invalid device endpoint")

	// ErrAuthentication indicates the device rejected the pairing credential.
	ErrAuthentication = errors.New("device rejected credential")

	// ErrVersionMismatch indicates the device speaks an incompatible
	// protocol version for the requested service.
	ErrVersionMismatch = errors.New("incompatible protocol version")

	// ErrServiceNotFound indicates the requested service is absent from the
	// device's discovery catalog.
	ErrServiceNotFound = errors.New("service not found in discovery catalog")
)

// Transport and framing errors. Fatal during setup; during the command phase
// ErrTransport and ErrProtocol are local to the failing operation.
var (
	// ErrTransport indicates the underlying connection failed
	// (unreachable, refused, reset).
	ErrTransport = errors.New("transport failure")

	// ErrProtocol indicates a malformed or unexpected frame, negotiation
	// message, or handshake payload.
	ErrProtocol = errors.New("protocol violation")

	// ErrConnectionClosed indicates the peer closed the stream. Distinct
	// from ErrProtocol: the session is over, not corrupt.
	ErrConnectionClosed = errors.New("connection closed by peer")

	// ErrTimeout indicates a bounded wait elapsed without a reply.
	ErrTimeout = errors.New("timed out awaiting reply")
)

// Multiplexer errors.
var (
	// ErrPortUnreachable indicates the device refused or reset a logical
	// stream to the requested port.
	ErrPortUnreachable = errors.New("remote port unreachable")

	// ErrClosed indicates the adapter or stream was already torn down.
	ErrClosed = errors.New("adapter closed")
)

// Lifetime and state errors.
var (
	// ErrConsumed indicates a handle that transfers ownership exactly once
	// (provider, tunnel session) was used again after the transfer.
	ErrConsumed = errors.New("handle already consumed")

	// ErrBadState indicates an operation issued outside its legal client
	// state, such as sending a command before draining notifications.
	ErrBadState = errors.New("operation not valid in current state")

	// ErrCommand indicates the remote debug server rejected a command or
	// the reply never arrived. Local to that command; the session survives.
	ErrCommand = errors.New("command failed")

	// ErrNoPendingData indicates the notification drain found nothing
	// within its bound. Terminates a drain loop; not a failure.
	ErrNoPendingData = errors.New("no pending data")
)
