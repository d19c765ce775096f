package xfer

import (
	"errors"
	"log"
)

var (
	// ErrRetryable marks a GCS submit failure the joiner should retry after
	// a fixed backoff (the EAGAIN/ENOTCONN case).
	ErrRetryable = errors.New("xfer: retryable failure submitting state request")
	// ErrDeadlock is returned when the local monitor would block on the
	// slot GCS reserved for this request — the retry window has outlasted
	// the monitor's admission capacity.
	ErrDeadlock = errors.New("xfer: local monitor would block on reserved slot")
	// ErrSSTFailed marks a failed state snapshot transfer.
	ErrSSTFailed = errors.New("xfer: state snapshot transfer failed")
	// ErrUUIDMismatch is the invariant violation of a donor delivering SST
	// for a different group than the one requested.
	ErrUUIDMismatch = errors.New("xfer: donor delivered state for a different group uuid")
)

// FatalHook is invoked for Invariant-class errors: conditions the
// coordinator cannot recover from. The default aborts the process; tests
// substitute their own hook to observe the abort without killing the test
// binary.
type FatalHook func(logger *log.Logger, err error)

// DefaultFatalHook logs err and terminates the process.
func DefaultFatalHook(logger *log.Logger, err error) {
	logger.Fatalf("xfer: fatal: %v", err)
}
