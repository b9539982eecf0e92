package cnode

import (
	"time"

	"github.com/mit-dci/cred/cnutil"
	"github.com/mit-dci/cred/consts"
	"github.com/mit-dci/cred/logging"
)

// expirySweeper cancels commitments that ran out the clock and purges
// stale bookkeeping.
func (nd *CredNode) expirySweeper() {
	defer nd.wg.Done()
	tick := time.NewTicker(nd.SweepInterval)
	defer tick.Stop()
	for {
		select {
		case now := <-tick.C:
			nd.sweepExpired(now)
		case <-nd.quit:
			return
		}
	}
}

func (nd *CredNode) sweepExpired(now time.Time) {
	nd.FriendMtx.Lock()
	friends := make([]*Friend, 0, len(nd.Friends))
	for _, f := range nd.Friends {
		friends = append(friends, f)
	}
	nd.FriendMtx.Unlock()

	for _, f := range friends {
		var expired []outboxEntry
		f.ChanMtx.Lock()
		if f.TChan != nil && f.Active && f.TChan.State != StateInconsistent {
			for _, c := range f.TChan.Ledger.OutCommits {
				if c.Expired(now) && !cancelPending(f, c.Idx, true) {
					expired = append(expired, outboxEntry{
						Op:    cnutil.CancelCommitOp{Idx: c.Idx, ByPayer: true, Reason: cnutil.REASON_EXPIRED},
						PayId: c.PayId,
					})
				}
			}
			// expired inbound commitments get cancelled from our side
			// too; the opener may be gone and the reservation holds
			// InCredit capacity until someone releases it
			for _, c := range f.TChan.Ledger.InCommits {
				if c.Expired(now) && !cancelPending(f, c.Idx, false) {
					expired = append(expired, outboxEntry{
						Op:    cnutil.CancelCommitOp{Idx: c.Idx, ByPayer: false, Reason: cnutil.REASON_EXPIRED},
						PayId: c.PayId,
					})
				}
			}
		}
		f.ChanMtx.Unlock()

		// only queue the cancel here; the unwind toward the upstream leg
		// waits until the cancel is confirmed committed, so it can never
		// race a settle coming the other way
		for _, e := range expired {
			cc := e.Op.(cnutil.CancelCommitOp)
			logging.Infof("commitment %d on chan %s expired, cancelling\n",
				cc.Idx, f.Peer.Short())
			nd.queueOutgoing(f, e)
		}
	}

	nd.PaymentMtx.Lock()
	staleCut := now.Add(-2 * nd.CommitTTL).Unix()
	for h, rec := range nd.PaySetups {
		if rec.Rcvd < staleCut {
			delete(nd.PaySetups, h)
		}
	}
	for h, po := range nd.PendingOpens {
		if po.Rcvd < staleCut {
			delete(nd.PendingOpens, h)
		}
	}
	nd.purgeOldPayments(now.Add(-consts.PaymentRetention).Unix())
	nd.PaymentMtx.Unlock()
}

// cancelPending reports whether a cancel for this commitment is already
// queued or in flight.  Caller holds ChanMtx.
func cancelPending(f *Friend, idx uint64, byPayer bool) bool {
	for _, e := range f.Outbox {
		if cc, ok := e.Op.(cnutil.CancelCommitOp); ok && cc.ByPayer == byPayer && cc.Idx == idx {
			return true
		}
	}
	if f.TChan.LastSent != nil {
		for _, op := range f.TChan.LastSent.Ops {
			if cc, ok := op.(cnutil.CancelCommitOp); ok && cc.ByPayer == byPayer && cc.Idx == idx {
				return true
			}
		}
	}
	return false
}
