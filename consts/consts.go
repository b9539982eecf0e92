package consts

import "time"

// commonly used constants that can be used anywhere, without ambiguity
const (
	// DefaultOutCredit is the credit a new friend extends to us (how much
	// we may owe them) when the handshake doesn't say otherwise.
	DefaultOutCredit = int64(100000)

	// DefaultInCredit is the credit we extend to a new friend.
	DefaultInCredit = int64(100000)

	// MaxCreditLimit caps any single friend's credit limit.
	MaxCreditLimit = int64(1 << 40)

	// MinPayment is the smallest amount a payment or push may carry.
	MinPayment = int64(1)

	// MaxPayment is the largest amount a payment or push may carry.
	MaxPayment = int64(1 << 40)

	// MaxOpsPerToken bounds the operation batch inside one move token.
	MaxOpsPerToken = 64

	// MaxPendingCommits is the per-friend cap on open commitments; past
	// this we fail fast rather than queue liability without bound.
	MaxPendingCommits = 64

	// DefaultCommitTTL is how long a commitment may stay pending before
	// the expiry sweeper cancels it.
	DefaultCommitTTL = 40 * time.Second

	// CommitTTLPerHop is added to a leg's expiry for every hop remaining
	// downstream, so an upstream leg always outlives its successor.
	CommitTTLPerHop = 10 * time.Second

	// ExpirySweepInterval is how often the sweeper looks for dead commitments.
	ExpirySweepInterval = 2 * time.Second

	// PaymentRetention is how long a terminal payment record is kept
	// around for status queries before being purged.
	PaymentRetention = 24 * time.Hour

	// LinkAdvInterval is how often we advertise channel capacity to friends.
	LinkAdvInterval = 15 * time.Second

	// LinkStaleTimeout is how long an advertised link stays usable for
	// routing without a fresh advertisement.
	LinkStaleTimeout = 90 * time.Second

	// MaxRouteHops bounds route length during pathfinding.
	MaxRouteHops = 16
)
