// Package xfer implements the two orchestrators that drive a state
// transfer to completion: the joiner side, which requests and awaits a
// transfer, and the donor side, which serves one.
package xfer

import (
	"context"

	"github.com/quorumkv/statexfer/ist"
)

// GCS is the group communication transport this package treats as an
// external collaborator: it routes state-transfer requests to a donor and
// reports the group's join point.
type GCS interface {
	// RequestStateTransfer submits req and returns the selected donor id and
	// the local-order slot GCS reserved for this request. A retryable
	// failure (EAGAIN/ENOTCONN equivalents) must be reported via an error
	// satisfying errors.Is(err, ErrRetryable).
	RequestStateTransfer(ctx context.Context, req []byte, donorHint string) (donorID int, seqnoL int64, err error)
	// Join acknowledges that this node's applied position has reached
	// seqno, used by the donor's trivial-SST fast path.
	Join(seqno ist.Seqno) error
}

// GCacheStore is the writeset cache as seen by the joiner: everything a
// Sender needs to read from it, plus the ability to reset retention state
// on rejoin.
type GCacheStore interface {
	ist.GCacheReader
	SeqnoReset()
}

// Applier applies a decoded writeset in order. The joiner never calls it
// directly; the receiver's Observer wrapper does, forwarding must_apply.
type Applier interface {
	IstTrx(ws ist.Writeset)
}

// DonorCallback drives the opaque SST donor script. bypass=true means the
// call is a handshake-only acknowledgement because IST already covers the
// gap.
type DonorCallback func(ctx context.Context, req []byte, uuid ist.UUID, seqno ist.Seqno, bypass bool) error
