// Package xerr defines the error taxonomy shared by every layer of the
// message ring: Handshake, SendPath, ReceivePath and the MessageRing facade
// all fail with one of these sentinels, wrapped with context via fmt.Errorf
// and %w so callers can still errors.Is/errors.As through to the cause.
package xerr

import "errors"

var (
	// ErrHandshakeFailed is returned for any TCP read/write error, short
	// stream EOF, or malformed handshake record.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrRdmaSetupFailed is returned for a verbs call failure during queue
	// pair creation or state transition.
	ErrRdmaSetupFailed = errors.New("rdma setup failed")

	// ErrPostSendFailed is returned when the provider rejects a send work
	// request. A ring that reports this is broken; every subsequent send
	// also fails it.
	ErrPostSendFailed = errors.New("post send failed")

	// ErrConnectionLost is returned when an error completion was observed
	// or the queue pair transitioned out of ready-to-send.
	ErrConnectionLost = errors.New("connection lost")

	// ErrBufferTooSmall is returned by Receive when the destination
	// capacity is less than the next message's length. It is the only
	// retryable error: the message remains unread and the ring's state is
	// unchanged.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrProtocolError is returned for invalid framing: an impossible
	// length header in the receive ring, or a zero-length or oversized
	// message handed to Send. A footer that never becomes valid is not
	// reported: Receive has no timeout and keeps waiting for it.
	ErrProtocolError = errors.New("protocol error")
)

// Retryable reports whether err leaves the ring state unchanged and may be
// retried with a larger buffer, as opposed to every other error in this
// taxonomy, which leaves the ring permanently broken.
func Retryable(err error) bool {
	return errors.Is(err, ErrBufferTooSmall)
}

// SetupError wraps a MessageRing construction failure with whether the
// caller's original TCP file descriptor is still safe to fall back to.
// Per the core API contract, construction failure never touches the caller's
// fd, so Fallback is true for every error this package produces; the type
// exists so callers can express that intent with errors.As instead of
// re-deriving it from the error's identity.
type SetupError struct {
	Err      error
	Fallback bool
}

func (e *SetupError) Error() string {
	return e.Err.Error()
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// NewSetupError wraps err as a SetupError whose TCP fd remains usable for
// plain TCP fallback.
func NewSetupError(err error) *SetupError {
	return &SetupError{Err: err, Fallback: true}
}
