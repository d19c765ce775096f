package ist

import "errors"

var (
	// ErrConnect is returned when the sender cannot establish a connection
	// to the peer.
	ErrConnect = errors.New("ist: connect failed")
	// ErrProtocolVersion is returned when the two sides of the handshake
	// disagree on the wire version.
	ErrProtocolVersion = errors.New("ist: protocol version mismatch")
	// ErrOutOfRange is returned when GCache no longer retains a requested
	// seqno.
	ErrOutOfRange = errors.New("ist: seqno no longer retained")
	// ErrSequence is returned when the receiver observes a seqno gap.
	ErrSequence = errors.New("ist: seqno sequence gap")
	// ErrCancelled is returned to a sender or receiver torn down by an
	// explicit Cancel/Interrupt call. It is not a failure.
	ErrCancelled = errors.New("ist: cancelled")
	// ErrClosed is returned by operations attempted after the receiver or
	// sender has already finished.
	ErrClosed = errors.New("ist: closed")
)
