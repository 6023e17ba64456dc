package engine

import "errors"

// Error taxonomy. Connection-level failures surface as status transitions
// rather than errors wherever possible; these sentinels cover the calls
// that must fail loudly.
var (
	// ErrAuth means the credential was missing or rejected. Fatal to
	// Connect; never retried.
	ErrAuth = errors.New("missing or invalid credentials")

	// ErrChannel means the transport could not be established or was lost
	// after exhausting reconnect attempts.
	ErrChannel = errors.New("push channel unavailable")

	// ErrSend means an outbound message could not be transmitted. The
	// optimistic local entry is kept with a failed status so the caller
	// can offer a resend.
	ErrSend = errors.New("message transmission failed")

	// ErrNotConnected is returned by Send when the channel is down.
	// Callers with a REST fallback switch to it on this error.
	ErrNotConnected = errors.New("not connected")
)
