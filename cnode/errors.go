package cnode

import (
	"errors"

	"github.com/mit-dci/cred/cnutil"
)

// Error taxonomy for channel and payment operations.  These are local
// verdicts; a remote peer only ever sees a reason code, never one of
// these values verbatim.
var (
	// ErrExceedsCredit means an op batch would push a balance (counting
	// pending reservations) outside the channel's credit bounds.
	ErrExceedsCredit = errors.New("exceeds credit bound")

	// ErrNotYourTurn means a proposal arrived from (or was attempted by)
	// the side not holding the turn.
	ErrNotYourTurn = errors.New("not your turn")

	// ErrUnknownCommitment means an op referenced a commitment id this
	// channel doesn't have.
	ErrUnknownCommitment = errors.New("unknown commitment")

	// ErrInconsistentState means the channel's hash chain broke; the
	// channel is frozen until an explicit reconciliation.
	ErrInconsistentState = errors.New("channel state inconsistent")

	// ErrRouteCapacityInsufficient means the forward-time capacity
	// re-check failed on some hop.
	ErrRouteCapacityInsufficient = errors.New("route capacity insufficient")

	// ErrCommitmentExpired means a commitment ran out the clock before
	// resolving.
	ErrCommitmentExpired = errors.New("commitment expired")

	// ErrDuplicatePayment means a payment with this id already exists;
	// callers get the existing record, nothing new happens.
	ErrDuplicatePayment = errors.New("duplicate payment")

	// ErrPersistenceFailure means the db write failed and the operation
	// was aborted before anything went out on the wire.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrPendingCapExceeded means the per-friend open-commitment cap was
	// hit; we fail fast instead of queueing liability.
	ErrPendingCapExceeded = errors.New("pending commitment cap exceeded")
)

// reasonForErr maps a local validation error to the reason code we put
// on the wire.
func reasonForErr(err error) uint8 {
	switch {
	case errors.Is(err, ErrExceedsCredit):
		return cnutil.REASON_CREDIT
	case errors.Is(err, ErrUnknownCommitment):
		return cnutil.REASON_UNKNOWN_OP
	case errors.Is(err, ErrNotYourTurn):
		return cnutil.REASON_TURN
	case errors.Is(err, ErrPendingCapExceeded):
		return cnutil.REASON_PENDING_CAP
	case errors.Is(err, ErrCommitmentExpired):
		return cnutil.REASON_EXPIRED
	default:
		return cnutil.REASON_NONE
	}
}

// errForReason maps a wire reason code back to the local error used for
// payment failure reporting.
func errForReason(reason uint8) error {
	switch reason {
	case cnutil.REASON_CREDIT:
		return ErrExceedsCredit
	case cnutil.REASON_CAPACITY:
		return ErrRouteCapacityInsufficient
	case cnutil.REASON_EXPIRED:
		return ErrCommitmentExpired
	case cnutil.REASON_PENDING_CAP:
		return ErrPendingCapExceeded
	case cnutil.REASON_TURN:
		return ErrNotYourTurn
	default:
		return errors.New("payment rejected downstream")
	}
}
