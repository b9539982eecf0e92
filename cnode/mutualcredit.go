package cnode

import (
	"crypto/sha256"
	"time"

	"github.com/getlantern/deepcopy"
	"github.com/mit-dci/cred/cnutil"
	"github.com/mit-dci/cred/consts"
)

/*
Mutual credit op application.  Both sides run exactly the same code: the
proposer runs it to stage its own batch, the receiver re-runs it to
re-check the proposer's work.  `local` says which role we're in, which
flips the sign of balance movement and which commitment map an op's id
lives in.

The batch is atomic: ops apply in order against a staging copy of the
ledger, and the first failure throws the whole copy away.  An op may not
reference a commitment opened later in the same batch (order of
application takes care of that for free: it just isn't there yet).
*/

// applyOps applies a move token's op batch to a copy of the ledger.
// The committed ledger is never touched; on any error the copy is
// dropped and no partial effect survives.
func applyOps(committed *Ledger, ops []cnutil.ChanOp, local bool) (*Ledger, []incomingEvent, error) {
	if len(ops) > consts.MaxOpsPerToken {
		return nil, nil, ErrExceedsCredit
	}

	l := new(Ledger)
	err := deepcopy.Copy(l, committed)
	if err != nil {
		return nil, nil, err
	}
	// deepcopy drops empty maps to nil
	if l.OutCommits == nil {
		l.OutCommits = make(map[uint64]*Commitment)
	}
	if l.InCommits == nil {
		l.InCommits = make(map[uint64]*Commitment)
	}

	var events []incomingEvent
	for _, op := range ops {
		ev, err := applyOp(l, op, local)
		if err != nil {
			return nil, nil, err
		}
		if err = l.checkBounds(); err != nil {
			return nil, nil, err
		}
		if !local {
			events = append(events, ev)
		}
	}
	return l, events, nil
}

func applyOp(l *Ledger, op cnutil.ChanOp, local bool) (incomingEvent, error) {
	var ev incomingEvent
	ev.Kind = op.OpType()

	switch o := op.(type) {
	case cnutil.CreditOp:
		if o.Amt < consts.MinPayment || o.Amt > consts.MaxPayment {
			return ev, ErrExceedsCredit
		}
		// proposer pays
		if local {
			l.Balance -= o.Amt
		} else {
			l.Balance += o.Amt
		}
		ev.Commit.Amt = o.Amt
		return ev, nil

	case cnutil.OpenCommitOp:
		if o.Amt < consts.MinPayment || o.Amt > consts.MaxPayment {
			return ev, ErrExceedsCredit
		}
		if o.Expiry <= time.Now().Unix() {
			return ev, ErrCommitmentExpired
		}
		opened := openerMap(l, local, true)
		if _, ok := opened[o.Idx]; ok {
			return ev, ErrUnknownCommitment
		}
		if len(l.OutCommits)+len(l.InCommits) >= consts.MaxPendingCommits {
			return ev, ErrPendingCapExceeded
		}
		if local {
			if o.Idx != l.NextCommitIdx {
				return ev, ErrUnknownCommitment
			}
			l.NextCommitIdx++
		}
		c := &Commitment{
			Idx:    o.Idx,
			PayId:  o.PayId,
			Amt:    o.Amt,
			RHash:  o.RHash,
			Expiry: o.Expiry,
		}
		opened[o.Idx] = c
		ev.Commit = *c
		return ev, nil

	case cnutil.SettleCommitOp:
		// The proposer settles a commitment the *other* side opened.
		m := openerMap(l, local, false)
		c, ok := m[o.Idx]
		if !ok {
			return ev, ErrUnknownCommitment
		}
		if sha256.Sum256(o.Secret[:]) != c.RHash {
			return ev, ErrUnknownCommitment
		}
		// settling side collects
		if local {
			l.Balance += c.Amt
		} else {
			l.Balance -= c.Amt
		}
		delete(m, o.Idx)
		ev.Commit = *c
		ev.Secret = o.Secret
		return ev, nil

	case cnutil.CancelCommitOp:
		m := openerMap(l, local, o.ByPayer)
		c, ok := m[o.Idx]
		if !ok {
			return ev, ErrUnknownCommitment
		}
		delete(m, o.Idx)
		ev.Commit = *c
		ev.Reason = o.Reason
		ev.ByPayer = o.ByPayer
		return ev, nil
	}
	return ev, ErrUnknownCommitment
}

// openerMap picks the commitment map an op's id lives in.  `local` is
// whether we're the op's proposer; `proposerOpened` is whether the op
// refers to a commitment the proposer opened.
func openerMap(l *Ledger, local, proposerOpened bool) map[uint64]*Commitment {
	if local == proposerOpened {
		return l.OutCommits
	}
	return l.InCommits
}
