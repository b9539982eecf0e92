package cnode

import (
	"fmt"
	"time"

	"github.com/mit-dci/cred/cnutil"
	"github.com/mit-dci/cred/logging"
	"golang.org/x/crypto/ed25519"
)

/*
The token channel is a bilateral ledger moved forward one signed message
at a time.  Exactly one side holds the turn; only that side may propose
the next state.  A proposal is an ordered op batch on top of the hash of
the last accepted token, so both sides always agree on a single linear
history or detect that they don't.

Per channel the automaton is:

          propose            ack
  HasTurn -------> AwaitingAck ---> NoTurn
     ^                 |  nack        |
     |                 +------> HasTurn (staged state dropped)
     |    apply remote token          |
     +--------------------------------+

  any hash/seq/signature mismatch   ->  Inconsistent (terminal until an
                                        explicit reconcile handshake)

Log-before-send: a proposal's staged ledger and its outgoing message hit
the db in one transaction before the message may leave the process.  On
restart an unacked outbound message is resent; the remote side treats a
duplicate of an already-applied sequence number as a request to re-ack.
*/

// TcState is the token channel automaton state.
type TcState uint8

const (
	StateHasTurn      TcState = 0 // rest, we may propose
	StateNoTurn       TcState = 1 // rest, remote may propose
	StateAwaitingAck  TcState = 2 // our proposal is on the wire
	StateInconsistent TcState = 3 // frozen, reconcile required
)

func (s TcState) String() string {
	switch s {
	case StateHasTurn:
		return "HasTurn"
	case StateNoTurn:
		return "NoTurn"
	case StateAwaitingAck:
		return "AwaitingAck"
	case StateInconsistent:
		return "Inconsistent"
	}
	return fmt.Sprintf("TcState(%d)", uint8(s))
}

// Commitment is one hop's reservation for one payment leg.  It lives in
// exactly one channel's ledger and resolves exactly once.
type Commitment struct {
	Idx    uint64 // id in the opener's id space on this channel
	PayId  [16]byte
	Amt    int64
	RHash  [32]byte
	Expiry int64 // unix seconds
}

func (c *Commitment) Expired(now time.Time) bool {
	return now.Unix() >= c.Expiry
}

// Ledger is the committed bilateral state of one token channel.  Balance
// is from our side: positive means the friend owes us.
type Ledger struct {
	Balance   int64
	OutCredit int64 // most we may owe them (their extension to us)
	InCredit  int64 // most they may owe us (our extension to them)

	Seq      uint64
	LastHash [32]byte

	// Commitments keyed by opener: OutCommits we opened (we pay on
	// settle), InCommits the friend opened (we collect on settle).
	OutCommits map[uint64]*Commitment
	InCommits  map[uint64]*Commitment

	// NextCommitIdx is our next commitment id on this channel.
	NextCommitIdx uint64
}

func NewLedger(outCredit, inCredit int64, anchor [32]byte) *Ledger {
	return &Ledger{
		OutCredit:  outCredit,
		InCredit:   inCredit,
		LastHash:   anchor,
		OutCommits: make(map[uint64]*Commitment),
		InCommits:  make(map[uint64]*Commitment),
	}
}

// PendingOut is the total credit we have reserved toward the friend.
func (l *Ledger) PendingOut() int64 {
	var sum int64
	for _, c := range l.OutCommits {
		sum += c.Amt
	}
	return sum
}

// PendingIn is the total credit the friend has reserved toward us.
func (l *Ledger) PendingIn() int64 {
	var sum int64
	for _, c := range l.InCommits {
		sum += c.Amt
	}
	return sum
}

// checkBounds is the channel invariant: even if every pending
// commitment resolves against a side, neither side exceeds its credit.
func (l *Ledger) checkBounds() error {
	if l.Balance-l.PendingOut() < -l.OutCredit {
		return ErrExceedsCredit
	}
	if l.Balance+l.PendingIn() > l.InCredit {
		return ErrExceedsCredit
	}
	return nil
}

// TChan is a token channel with its runtime state.  All access is
// serialized by the owning Friend.
type TChan struct {
	Peer    cnutil.PeerId
	PeerIdx uint32

	State  TcState
	Ledger *Ledger

	// Staged is the proposed ledger while a proposal of ours is unacked.
	Staged *Ledger

	// LastSent is the unacked outbound move token, persisted with Staged
	// so a restart can resend it.
	LastSent *cnutil.MoveTokenMsg

	// RemoteResetSeq / RemoteResetBalance hold the friend's reset terms
	// while the channel is inconsistent.
	RemoteResetSeq     uint64
	RemoteResetBalance int64
	HaveRemoteReset    bool
}

// incomingEvent is what a successfully applied remote op means to the
// rest of the node (the payment coordinator, mostly).
type incomingEvent struct {
	Kind   uint8 // one of the cnutil.OP_* tags
	Commit Commitment
	Secret [32]byte
	Reason uint8
	// ByPayer mirrors CancelCommitOp.ByPayer for cancels.
	ByPayer bool
}

// Propose validates ops against the committed ledger, stages the result
// and builds the signed move token.  The caller persists before sending.
func (tc *TChan) Propose(ops []cnutil.ChanOp, priv ed25519.PrivateKey) (*cnutil.MoveTokenMsg, error) {
	if tc.State == StateInconsistent {
		return nil, ErrInconsistentState
	}
	if tc.State != StateHasTurn {
		return nil, ErrNotYourTurn
	}

	staged, _, err := applyOps(tc.Ledger, ops, true)
	if err != nil {
		return nil, err
	}

	msg := &cnutil.MoveTokenMsg{
		PeerIdx:  tc.PeerIdx,
		Seq:      tc.Ledger.Seq + 1,
		PrevHash: tc.Ledger.LastHash,
		Ops:      ops,
	}
	msg.Sig = cnutil.Sign(priv, msg.SigBuf())

	staged.Seq = msg.Seq
	staged.LastHash = msg.TokenHash()

	tc.Staged = staged
	tc.LastSent = msg
	tc.State = StateAwaitingAck
	return msg, nil
}

// rcvClass is what an incoming move token turned out to be.
type rcvClass uint8

const (
	rcvApplied      rcvClass = iota // new state accepted, ack it
	rcvDuplicate                    // already applied, re-ack it
	rcvRejected                     // ops invalid, nack it
	rcvInconsistent                 // chain broke, channel frozen
)

// ApplyRemote runs the full incoming move token check: signature, hash
// chain, sequence number, then the same bound checks Propose runs.  On
// success the ledger is replaced and the turn comes to us.  The caller
// persists before acking.
func (tc *TChan) ApplyRemote(msg *cnutil.MoveTokenMsg) (rcvClass, []incomingEvent, uint8) {
	if tc.State == StateInconsistent {
		return rcvInconsistent, nil, 0
	}

	if !cnutil.Verify(tc.Peer, msg.SigBuf(), msg.Sig) {
		logging.Warnf("chan %s: bad signature on move token seq %d\n",
			tc.Peer.Short(), msg.Seq)
		tc.markInconsistent()
		return rcvInconsistent, nil, 0
	}

	// Duplicate delivery of the token we already applied: benign, just
	// means our ack got lost.  Re-ack, change nothing.
	if msg.Seq == tc.Ledger.Seq && msg.TokenHash() == tc.Ledger.LastHash {
		return rcvDuplicate, nil, 0
	}

	// If we're awaiting an ack and the incoming token chains off our
	// staged state, the peer applied our proposal and moved on before
	// its explicit ack reached us.  Promote the staged state first.
	if tc.State == StateAwaitingAck && tc.Staged != nil &&
		msg.PrevHash == tc.Staged.LastHash && msg.Seq == tc.Staged.Seq+1 {
		tc.promoteStaged()
		tc.State = StateNoTurn
	}

	// A proposal while we hold the turn is a turn discipline violation.
	// Exactly one side may win a turn; this one loses.
	if tc.State == StateHasTurn || tc.State == StateAwaitingAck {
		if msg.PrevHash == tc.Ledger.LastHash && msg.Seq == tc.Ledger.Seq+1 {
			return rcvRejected, nil, cnutil.REASON_TURN
		}
	}

	if msg.Seq != tc.Ledger.Seq+1 || msg.PrevHash != tc.Ledger.LastHash {
		logging.Warnf("chan %s: move token seq %d prev %x doesn't chain (have seq %d hash %x)\n",
			tc.Peer.Short(), msg.Seq, msg.PrevHash[:8], tc.Ledger.Seq, tc.Ledger.LastHash[:8])
		tc.markInconsistent()
		return rcvInconsistent, nil, 0
	}

	next, events, err := applyOps(tc.Ledger, msg.Ops, false)
	if err != nil {
		// Recoverable reject: tell the proposer why, keep our state.
		return rcvRejected, nil, reasonForErr(err)
	}

	next.Seq = msg.Seq
	next.LastHash = msg.TokenHash()
	tc.Ledger = next
	tc.State = StateHasTurn
	return rcvApplied, events, 0
}

// AckFor builds the signed acknowledgment for the last applied token.
func (tc *TChan) AckFor(priv ed25519.PrivateKey) cnutil.MoveTokenAckMsg {
	ack := cnutil.MoveTokenAckMsg{
		PeerIdx:   tc.PeerIdx,
		Seq:       tc.Ledger.Seq,
		TokenHash: tc.Ledger.LastHash,
	}
	ack.Sig = cnutil.Sign(priv, ack.SigBuf())
	return ack
}

// ApplyAck promotes the staged ledger once the peer confirms our
// proposal.  Returns false for stale or mismatched acks.
func (tc *TChan) ApplyAck(msg cnutil.MoveTokenAckMsg) bool {
	if tc.State != StateAwaitingAck || tc.Staged == nil {
		return false
	}
	if msg.Seq != tc.Staged.Seq || msg.TokenHash != tc.Staged.LastHash {
		return false
	}
	if !cnutil.Verify(tc.Peer, msg.SigBuf(), msg.Sig) {
		return false
	}
	tc.promoteStaged()
	tc.State = StateNoTurn
	return true
}

// ApplyNack throws away the staged ledger; the proposal never happened.
// Returns the ops that were in flight so their payments can be failed.
func (tc *TChan) ApplyNack(msg cnutil.MoveTokenNackMsg) []cnutil.ChanOp {
	if tc.State != StateAwaitingAck || tc.Staged == nil {
		return nil
	}
	if msg.Seq != tc.Staged.Seq {
		return nil
	}
	ops := []cnutil.ChanOp{}
	if tc.LastSent != nil {
		ops = tc.LastSent.Ops
	}
	tc.Staged = nil
	tc.LastSent = nil
	tc.State = StateHasTurn
	return ops
}

func (tc *TChan) promoteStaged() {
	tc.Ledger = tc.Staged
	tc.Staged = nil
	tc.LastSent = nil
}

func (tc *TChan) markInconsistent() {
	tc.Staged = nil
	tc.LastSent = nil
	tc.State = StateInconsistent
}

// ResetTerms are what we'd accept as the channel's next anchor: our view
// of the balance and a sequence number far enough ahead that both sides
// can sign it fresh.  The +2 leaves room for a token the other side may
// have signed that we never saw.
func (tc *TChan) ResetTerms() (uint64, int64) {
	return tc.Ledger.Seq + 2, tc.Ledger.Balance
}

// Reanchor rebuilds the ledger at the agreed reset point.  All pending
// commitments die here; the coordinator has already been told.
func (tc *TChan) Reanchor(seq uint64, balance int64, anchor [32]byte, hasTurn bool) {
	l := NewLedger(tc.Ledger.OutCredit, tc.Ledger.InCredit, anchor)
	l.Balance = balance
	l.Seq = seq
	tc.Ledger = l
	tc.Staged = nil
	tc.LastSent = nil
	tc.HaveRemoteReset = false
	if hasTurn {
		tc.State = StateHasTurn
	} else {
		tc.State = StateNoTurn
	}
}
