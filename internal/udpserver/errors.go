package udpserver

import "github.com/pkg/errors"

// Sentinel errors returned by the transport's public surface. Built
// with github.com/pkg/errors so callers that wrap them for logging
// (errors.Wrap, errors.WithMessage) can still recover the sentinel
// with errors.Cause.
var (
	// ErrTimeout is delivered to a slot's callback when its overall
	// deadline elapses before a reply arrives.
	ErrTimeout = errors.New("udpserver: request timed out")

	// ErrNoAck is delivered when an outgoing slot, of either niceness,
	// exhausts its max resend count without a single dgram of the
	// request ever being acked.
	ErrNoAck = errors.New("udpserver: no ack received")

	// ErrCancelled is delivered when Cancel is called on a slot before
	// it completes.
	ErrCancelled = errors.New("udpserver: request cancelled")

	// ErrClosed is returned by SendRequest and by incoming-request
	// admission once Shutdown has been called.
	ErrClosed = errors.New("udpserver: server is shut down")

	// ErrTableFull is returned by SendRequest when no slot is
	// available in the arena.
	ErrTableFull = errors.New("udpserver: slot table is full")

	// ErrMalformedDatagram is logged (never returned to a caller) when
	// a received dgram fails header parsing.
	ErrMalformedDatagram = errors.New("udpserver: malformed datagram")

	// ErrHandlerAbsent is the error reply sent back to a peer whose
	// request names a msgType with no registered handler.
	ErrHandlerAbsent = errors.New("udpserver: no handler for message type")

	// ErrHandlerRegistered is returned by RegisterHandler on duplicate
	// registration for the same msgType.
	ErrHandlerRegistered = errors.New("udpserver: handler already registered for message type")

	// ErrBadConfig is returned by New when Config fails validation.
	ErrBadConfig = errors.New("udpserver: invalid configuration")
)

// Error numbers this transport itself sends back in an error reply,
// as opposed to an application-level error number passed to
// SendErrorReply.
const (
	errnoHandlerAbsent int32 = 1
	errnoClosed        int32 = 2
)

// ErrFromPeer wraps an application error number surfaced verbatim by a
// peer's SendErrorReply, so a callback can still tell "my own timeout"
// apart from "the peer told me no" while recovering the numeric code.
type ErrFromPeer int32

func (e ErrFromPeer) Error() string {
	return errors.Errorf("udpserver: peer returned error %d", int32(e)).Error()
}
