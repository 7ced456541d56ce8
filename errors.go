package redistunnel

import "errors"

// Error kinds. Every error returned by this package wraps exactly one of these,
// along with the underlying cause, so callers can test with errors.Is without
// depending on SSH library error types.
var (
	// ErrConfiguration reports an unsupported credential type or a missing
	// required setting such as the SSH host.
	ErrConfiguration = errors.New("redistunnel: configuration error")

	// ErrCredential reports key material that could not be read or parsed.
	ErrCredential = errors.New("redistunnel: credential error")

	// ErrTransport reports a failure to dial or authenticate the SSH session.
	ErrTransport = errors.New("redistunnel: ssh transport error")

	// ErrChannel reports a forwarded channel that could not be opened.
	ErrChannel = errors.New("redistunnel: ssh channel error")

	// ErrNotConnected is returned by I/O on a Conn with no open channel.
	ErrNotConnected = errors.New("redistunnel: not connected")

	// ErrPoolClosed is returned by Acquire after the Pool is closed.
	ErrPoolClosed = errors.New("redistunnel: pool closed")
)
