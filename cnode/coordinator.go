package cnode

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mit-dci/cred/cnutil"
	"github.com/mit-dci/cred/consts"
	"github.com/mit-dci/cred/logging"
)

/*
Payment coordination.  A multi-hop payment is a chain of per-channel
commitments sharing one condition hash.  Reservations travel forward hop
by hop; the secret travels backward.  Every hop only ever acts on its own
two channels: there is no global coordinator, just the rule that you
settle your inbound leg only after your outbound leg settled (or you
never had one, which makes you the destination).

Cancellation is hop-local too, and becomes impossible exactly when it
must: a settled commitment no longer exists to cancel.
*/

// PayStatus is the origin's view of a payment.
type PayStatus uint8

const (
	PayStatusPending  PayStatus = 0
	PayStatusSuccess  PayStatus = 1
	PayStatusFailed   PayStatus = 2
	PayStatusTimedOut PayStatus = 3
)

func (s PayStatus) String() string {
	switch s {
	case PayStatusPending:
		return "Pending"
	case PayStatusSuccess:
		return "Success"
	case PayStatusFailed:
		return "Failed"
	case PayStatusTimedOut:
		return "TimedOut"
	}
	return fmt.Sprintf("PayStatus(%d)", uint8(s))
}

// Payment is a payment we originated.
type Payment struct {
	PayId [16]byte
	Dest  cnutil.PeerId
	Amt   int64
	RHash [32]byte

	Status PayStatus
	Reason uint8 // wire reason code when failed
	Secret [32]byte

	Route     []cnutil.PeerId
	FirstHop  cnutil.PeerId
	CommitIdx uint64 // our commitment id on the first hop channel
	OpenSent  bool   // the first hop open made it onto the wire

	Created  int64
	Resolved int64
}

// persistPayment logs a failed write instead of aborting; the restart
// bookkeeping degrades but the in-memory record stays authoritative.
func (nd *CredNode) persistPayment(p *Payment) {
	if err := nd.SavePayment(p); err != nil {
		logging.Errorf("persisting payment %x: %s\n", p.PayId[:4], err.Error())
	}
}

func (nd *CredNode) persistForward(fw *Forward) {
	if err := nd.SaveForward(fw); err != nil {
		logging.Errorf("persisting forward %x: %s\n", fw.RHash[:4], err.Error())
	}
}

// Err maps a failed or timed out payment's reason code back to the
// error taxonomy.  Nil while pending or after success.
func (p *Payment) Err() error {
	if p.Status == PayStatusFailed || p.Status == PayStatusTimedOut {
		return errForReason(p.Reason)
	}
	return nil
}

// Forward is an in-flight pair of legs at an intermediary: the upstream
// commitment we hold and the downstream commitment we opened.
type Forward struct {
	RHash  [32]byte
	PayId  [16]byte
	Amt    int64
	InPeer cnutil.PeerId
	InIdx  uint64

	OutPeer cnutil.PeerId
	OutIdx  uint64
	HaveOut bool // false until the outbound open is on the wire

	Expiry  int64 // outbound leg expiry
	Settled bool
}

// pendingOpen is an incoming commitment whose setup message hasn't
// arrived yet (the two ride separately on the same ordered link).
type pendingOpen struct {
	Commit Commitment
	Peer   cnutil.PeerId
	Rcvd   int64
}

// paySetupRec is the reverse case: setup arrived, commitment pending.
type paySetupRec struct {
	Msg  cnutil.PaySetupMsg
	Rcvd int64
}

var payIdSpace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("cred.payment"))

// PaymentId derives the deterministic payment id, so retrying the same
// (dest, amt, invoice) triple hits the same payment record.
func PaymentId(dest cnutil.PeerId, amt int64, invoiceId string) [16]byte {
	var buf bytes.Buffer
	buf.Write(dest[:])
	buf.Write(cnutil.I64tB(amt))
	buf.WriteString(invoiceId)
	return [16]byte(uuid.NewSHA1(payIdSpace, buf.Bytes()))
}

// InitiatePayment starts a conditional payment to dest.  The invoice id
// encodes the condition hash, so it is all the payer needs besides the
// amount.  Calling again with the same arguments is a no-op returning
// the same payment id.
func (nd *CredNode) InitiatePayment(dest cnutil.PeerId, amt int64, invoiceId string) ([16]byte, error) {
	payId := PaymentId(dest, amt, invoiceId)

	rhashBytes, err := hex.DecodeString(invoiceId)
	if err != nil || len(rhashBytes) != 32 {
		return payId, fmt.Errorf("invoice id must be 64 hex chars")
	}
	var rhash [32]byte
	copy(rhash[:], rhashBytes)

	if amt < consts.MinPayment || amt > consts.MaxPayment {
		return payId, fmt.Errorf("amount %d out of range", amt)
	}
	if dest == nd.Id {
		return payId, fmt.Errorf("can't pay yourself")
	}

	nd.PaymentMtx.Lock()
	if p, ok := nd.Payments[payId]; ok {
		status := p.Status
		nd.PaymentMtx.Unlock()
		logging.Infof("payment %x already exists, status %s\n", payId[:4], status)
		return payId, ErrDuplicatePayment
	}
	nd.PaymentMtx.Unlock()

	// pick a route; a direct friend with capacity wins outright
	var hops []cnutil.PeerId
	if f := nd.friendByPeer(dest); f != nil && nd.Capacity(dest, true) >= amt {
		hops = []cnutil.PeerId{dest}
	} else {
		path := nd.Scorer.Pick(nd.RouteIdx.Query(dest, amt))
		if path != nil {
			hops = path.Hops
		}
	}
	if len(hops) == 0 || len(hops) > consts.MaxRouteHops {
		return payId, ErrRouteCapacityInsufficient
	}
	first := nd.friendByPeer(hops[0])
	if first == nil || nd.Capacity(hops[0], true) < amt {
		return payId, ErrRouteCapacityInsufficient
	}

	now := time.Now()
	expiry := now.Add(nd.CommitTTL + time.Duration(len(hops)-1)*nd.HopTTL).Unix()

	p := &Payment{
		PayId:    payId,
		Dest:     dest,
		Amt:      amt,
		RHash:    rhash,
		Status:   PayStatusPending,
		Route:    hops,
		FirstHop: hops[0],
		Created:  now.Unix(),
	}
	nd.PaymentMtx.Lock()
	if _, ok := nd.Payments[payId]; ok {
		nd.PaymentMtx.Unlock()
		return payId, nil
	}
	nd.Payments[payId] = p
	nd.PaymentMtx.Unlock()
	if err := nd.SavePayment(p); err != nil {
		return payId, ErrPersistenceFailure
	}

	op := cnutil.OpenCommitOp{PayId: payId, Amt: amt, RHash: rhash, Expiry: expiry}
	setup := &cnutil.PaySetupMsg{PayId: payId, RHash: rhash, Amt: amt, Route: hops[1:]}
	nd.queueOutgoing(first, outboxEntry{Op: op, PayId: payId, Setup: setup})

	logging.Infof("payment %x: %d to %s, %d hops\n",
		payId[:4], amt, dest.Short(), len(hops))
	return payId, nil
}

// QueryPaymentStatus returns a copy of the payment record.
func (nd *CredNode) QueryPaymentStatus(payId [16]byte) (Payment, bool) {
	nd.PaymentMtx.Lock()
	defer nd.PaymentMtx.Unlock()
	p, ok := nd.Payments[payId]
	if !ok {
		return Payment{}, false
	}
	return *p, true
}

// PushCredit is the unconditional single-hop push.
func (nd *CredNode) PushCredit(peer cnutil.PeerId, amt int64) error {
	if amt < consts.MinPayment || amt > consts.MaxPayment {
		return fmt.Errorf("amount %d out of range", amt)
	}
	f := nd.friendByPeer(peer)
	if f == nil {
		return fmt.Errorf("no friend %s", peer.Short())
	}
	if nd.Capacity(peer, true) < amt {
		return ErrExceedsCredit
	}
	nd.queueOutgoing(f, outboxEntry{Op: cnutil.CreditOp{Amt: amt}})
	return nil
}

// opsFlushed is called (under the friend's channel mutex) right after a
// batch is persisted, with commitment ids finalized.
func (nd *CredNode) opsFlushed(f *Friend, entries []outboxEntry) {
	for _, e := range entries {
		oc, ok := e.Op.(cnutil.OpenCommitOp)
		if !ok {
			continue
		}
		nd.PaymentMtx.Lock()
		if p, ok := nd.Payments[oc.PayId]; ok && p.FirstHop == f.Peer &&
			p.Status == PayStatusPending {
			p.CommitIdx = oc.Idx
			p.OpenSent = true
			nd.persistPayment(p)
		} else if fw, ok := nd.Forwards[oc.RHash]; ok && fw.OutPeer == f.Peer {
			fw.OutIdx = oc.Idx
			fw.HaveOut = true
			nd.persistForward(fw)
		}
		nd.PaymentMtx.Unlock()
	}
}

// opFailedLocal handles an op that never made it onto the wire.  It may
// need another friend's channel mutex, so it runs off this goroutine to
// keep the lock order flat.
func (nd *CredNode) opFailedLocal(f *Friend, e outboxEntry, err error) {
	go nd.handleOpFailure(f, e, err)
}

func (nd *CredNode) handleOpFailure(f *Friend, e outboxEntry, err error) {
	switch op := e.Op.(type) {
	case cnutil.CreditOp:
		logging.Errorf("credit push of %d to %s failed: %s\n",
			op.Amt, f.Peer.Short(), err.Error())
	case cnutil.OpenCommitOp:
		reason := reasonForErr(err)
		if reason == cnutil.REASON_NONE {
			reason = cnutil.REASON_CAPACITY
		}
		nd.outboundOpenFailed(f, op.PayId, op.RHash, reason)
	case cnutil.SettleCommitOp:
		// the money is stuck on the wrong side until expiry
		logging.Errorf("settle %d on chan %s failed: %s\n",
			op.Idx, f.Peer.Short(), err.Error())
	case cnutil.CancelCommitOp:
		logging.Debugf("cancel %d on chan %s failed: %s\n",
			op.Idx, f.Peer.Short(), err.Error())
	}
}

// opsNacked handles a whole proposed batch the peer rejected.
func (nd *CredNode) opsNacked(f *Friend, ops []cnutil.ChanOp, reason uint8) {
	for _, op := range ops {
		switch o := op.(type) {
		case cnutil.CreditOp:
			logging.Errorf("credit push of %d rejected by %s, reason %x\n",
				o.Amt, f.Peer.Short(), reason)
		case cnutil.OpenCommitOp:
			nd.outboundOpenFailed(f, o.PayId, o.RHash, reason)
		case cnutil.SettleCommitOp:
			logging.Errorf("settle %d rejected by %s, reason %x\n",
				o.Idx, f.Peer.Short(), reason)
		case cnutil.CancelCommitOp:
			logging.Debugf("cancel %d rejected by %s, reason %x\n",
				o.Idx, f.Peer.Short(), reason)
		}
	}
}

// outboundOpenFailed unwinds a failed outbound commitment: fail the
// payment at the origin, or cancel the inbound leg at an intermediary.
func (nd *CredNode) outboundOpenFailed(f *Friend, payId [16]byte, rhash [32]byte, reason uint8) {
	nd.PaymentMtx.Lock()
	if p, ok := nd.Payments[payId]; ok && p.FirstHop == f.Peer &&
		p.Status == PayStatusPending {
		p.Status = PayStatusFailed
		p.Reason = reason
		p.Resolved = time.Now().Unix()
		nd.persistPayment(p)
		nd.PaymentMtx.Unlock()
		logging.Infof("payment %x failed, reason %x\n", payId[:4], reason)
		nd.Bus.Publish(PaymentResultEvent{PayId: payId, Status: PayStatusFailed, Reason: reason})
		return
	}
	fw, ok := nd.Forwards[rhash]
	if ok && fw.OutPeer == f.Peer && !fw.Settled {
		delete(nd.Forwards, rhash)
		nd.PaymentMtx.Unlock()
		nd.DeleteForward(fw)
		nd.cancelLeg(fw.InPeer, fw.InIdx, false, reason)
		return
	}
	nd.PaymentMtx.Unlock()
}

// cancelLeg queues a cancel op on the channel to the given peer.
// byPayer says whether we opened the commitment being cancelled.
func (nd *CredNode) cancelLeg(peer cnutil.PeerId, idx uint64, byPayer bool, reason uint8) {
	f := nd.friendByPeer(peer)
	if f == nil {
		return
	}
	nd.queueOutgoing(f, outboxEntry{
		Op: cnutil.CancelCommitOp{Idx: idx, ByPayer: byPayer, Reason: reason},
	})
}

// processIncomingEvents reacts to remote ops that made it into the
// ledger.  Runs on the friend's worker, without the channel mutex.
func (nd *CredNode) processIncomingEvents(f *Friend, events []incomingEvent) {
	for _, ev := range events {
		switch ev.Kind {
		case cnutil.OP_CREDIT:
			logging.Infof("received %d credit from %s\n", ev.Commit.Amt, f.Peer.Short())
		case cnutil.OP_OPENCOMMIT:
			nd.incomingOpen(f, ev.Commit)
		case cnutil.OP_SETTLECOMMIT:
			nd.incomingSettle(f, ev.Commit, ev.Secret)
		case cnutil.OP_CANCELCOMMIT:
			nd.incomingCancel(f, ev.Commit, ev.Reason, ev.ByPayer)
		}
	}
}

// incomingOpen pairs a new inbound commitment with its setup message;
// whichever arrives second triggers the leg.
func (nd *CredNode) incomingOpen(f *Friend, c Commitment) {
	nd.PaymentMtx.Lock()
	rec, ok := nd.PaySetups[c.RHash]
	if ok {
		delete(nd.PaySetups, c.RHash)
	} else {
		nd.PendingOpens[c.RHash] = pendingOpen{
			Commit: c, Peer: f.Peer, Rcvd: time.Now().Unix(),
		}
	}
	nd.PaymentMtx.Unlock()
	if ok {
		nd.runLeg(f, c, rec.Msg)
	}
}

func (nd *CredNode) paySetupHandler(f *Friend, m cnutil.PaySetupMsg) {
	nd.PaymentMtx.Lock()
	po, ok := nd.PendingOpens[m.RHash]
	if ok && po.Peer == f.Peer {
		delete(nd.PendingOpens, m.RHash)
	} else {
		ok = false
		nd.PaySetups[m.RHash] = paySetupRec{Msg: m, Rcvd: time.Now().Unix()}
	}
	nd.PaymentMtx.Unlock()
	if ok {
		nd.runLeg(f, po.Commit, m)
	}
}

// runLeg is the single hop routine.  f is the upstream friend holding a
// commitment toward us; the setup says where the payment goes next.  An
// empty remaining route makes us the destination.
func (nd *CredNode) runLeg(f *Friend, c Commitment, setup cnutil.PaySetupMsg) {
	if setup.Amt != c.Amt || setup.RHash != c.RHash {
		logging.Warnf("setup from %s contradicts its commitment, cancelling\n",
			f.Peer.Short())
		nd.cancelLeg(f.Peer, c.Idx, false, cnutil.REASON_UNKNOWN_OP)
		return
	}

	if len(setup.Route) == 0 {
		nd.settleAsDestination(f, c)
		return
	}

	// intermediary: re-validate the outbound leg, never trust the route
	next := setup.Route[0]
	fn := nd.friendByPeer(next)
	if fn == nil || nd.Capacity(next, true) < c.Amt {
		nd.cancelLeg(f.Peer, c.Idx, false, cnutil.REASON_CAPACITY)
		return
	}
	outExpiry := c.Expiry - int64(nd.HopTTL/time.Second)
	if outExpiry <= time.Now().Unix() {
		nd.cancelLeg(f.Peer, c.Idx, false, cnutil.REASON_EXPIRED)
		return
	}

	fw := &Forward{
		RHash:  c.RHash,
		PayId:  c.PayId,
		Amt:    c.Amt,
		InPeer: f.Peer,
		InIdx:  c.Idx,

		OutPeer: next,
		Expiry:  outExpiry,
	}
	nd.PaymentMtx.Lock()
	if _, dup := nd.Forwards[c.RHash]; dup {
		nd.PaymentMtx.Unlock()
		// a condition hash in flight twice is somebody probing
		nd.cancelLeg(f.Peer, c.Idx, false, cnutil.REASON_UNKNOWN_OP)
		return
	}
	nd.Forwards[c.RHash] = fw
	nd.PaymentMtx.Unlock()
	if err := nd.SaveForward(fw); err != nil {
		nd.PaymentMtx.Lock()
		delete(nd.Forwards, c.RHash)
		nd.PaymentMtx.Unlock()
		nd.cancelLeg(f.Peer, c.Idx, false, cnutil.REASON_SHUTDOWN)
		return
	}

	op := cnutil.OpenCommitOp{PayId: c.PayId, Amt: c.Amt, RHash: c.RHash, Expiry: outExpiry}
	fwdSetup := &cnutil.PaySetupMsg{
		PayId: c.PayId, RHash: c.RHash, Amt: c.Amt, Route: setup.Route[1:],
	}
	logging.Infof("forwarding %d, %s -> %s, %d hops left\n",
		c.Amt, f.Peer.Short(), next.Short(), len(setup.Route))
	nd.queueOutgoing(fn, outboxEntry{Op: op, PayId: c.PayId, Setup: fwdSetup})
}

// settleAsDestination matches the commitment against an open invoice
// and reveals the secret.
func (nd *CredNode) settleAsDestination(f *Friend, c Commitment) {
	if nd.InvoiceMgr == nil {
		nd.cancelLeg(f.Peer, c.Idx, false, cnutil.REASON_NO_INVOICE)
		return
	}
	inv, err := nd.InvoiceMgr.LookupByHash(c.RHash)
	if err != nil || inv == nil || inv.Paid || inv.Amt != c.Amt {
		logging.Warnf("commitment from %s matches no open invoice, cancelling\n",
			f.Peer.Short())
		nd.cancelLeg(f.Peer, c.Idx, false, cnutil.REASON_NO_INVOICE)
		return
	}
	if err := nd.InvoiceMgr.MarkPaid(c.RHash); err != nil {
		nd.cancelLeg(f.Peer, c.Idx, false, cnutil.REASON_SHUTDOWN)
		return
	}
	logging.Infof("invoice %x paid, %d from %s\n", c.RHash[:4], c.Amt, f.Peer.Short())
	nd.queueOutgoing(f, outboxEntry{
		Op:    cnutil.SettleCommitOp{Idx: c.Idx, Secret: inv.Secret},
		PayId: c.PayId,
	})
}

// incomingSettle: a commitment we opened toward f was settled; we've
// learned the secret.  At the origin that completes the payment; at an
// intermediary the settle wave rolls one hop upstream.
func (nd *CredNode) incomingSettle(f *Friend, c Commitment, secret [32]byte) {
	nd.PaymentMtx.Lock()
	if p, ok := nd.Payments[c.PayId]; ok && p.FirstHop == f.Peer &&
		p.Status == PayStatusPending {
		p.Status = PayStatusSuccess
		p.Secret = secret
		p.Resolved = time.Now().Unix()
		nd.persistPayment(p)
		nd.PaymentMtx.Unlock()
		logging.Infof("payment %x settled\n", c.PayId[:4])
		nd.Bus.Publish(PaymentResultEvent{PayId: c.PayId, Status: PayStatusSuccess})
		return
	}

	fw, ok := nd.Forwards[c.RHash]
	if ok && fw.OutPeer == f.Peer {
		delete(nd.Forwards, c.RHash)
		nd.PaymentMtx.Unlock()
		nd.DeleteForward(fw)
		fin := nd.friendByPeer(fw.InPeer)
		if fin == nil {
			logging.Errorf("settled downstream but upstream friend %s is gone\n",
				fw.InPeer.Short())
			return
		}
		nd.queueOutgoing(fin, outboxEntry{
			Op:    cnutil.SettleCommitOp{Idx: fw.InIdx, Secret: secret},
			PayId: fw.PayId,
		})
		return
	}
	nd.PaymentMtx.Unlock()
	logging.Warnf("settle from %s for unknown condition %x\n",
		f.Peer.Short(), c.RHash[:4])
}

// incomingCancel: a commitment on our channel with f was cancelled.
func (nd *CredNode) incomingCancel(f *Friend, c Commitment, reason uint8, byPayer bool) {
	if byPayer {
		// f gave up on a commitment it opened toward us: our inbound
		// leg is gone, so drop the matching outbound leg if we have one
		nd.PaymentMtx.Lock()
		delete(nd.PendingOpens, c.RHash)
		fw, ok := nd.Forwards[c.RHash]
		if ok && fw.InPeer == f.Peer && !fw.Settled {
			delete(nd.Forwards, c.RHash)
			nd.PaymentMtx.Unlock()
			nd.DeleteForward(fw)
			if fw.HaveOut {
				nd.cancelLeg(fw.OutPeer, fw.OutIdx, true, reason)
			}
			return
		}
		nd.PaymentMtx.Unlock()
		return
	}

	// f refused a commitment we opened toward it
	nd.outboundOpenFailed(f, c.PayId, c.RHash, reason)
}

// opsCommitted runs when a batch we proposed is confirmed applied on
// both sides (explicit ack or implicit, via a token chaining off it).
// The interesting case is our own cancel of a commitment we opened:
// only once that cancel is committed is the outbound leg truly dead,
// and only then may the unwind touch the upstream leg.
func (nd *CredNode) opsCommitted(f *Friend, ops []cnutil.ChanOp) {
	for _, op := range ops {
		cc, ok := op.(cnutil.CancelCommitOp)
		if !ok || !cc.ByPayer {
			continue
		}
		nd.PaymentMtx.Lock()
		var hit *Forward
		for _, fw := range nd.Forwards {
			if fw.OutPeer == f.Peer && fw.HaveOut && fw.OutIdx == cc.Idx {
				hit = fw
				break
			}
		}
		if hit != nil {
			delete(nd.Forwards, hit.RHash)
			nd.PaymentMtx.Unlock()
			nd.DeleteForward(hit)
			nd.cancelLeg(hit.InPeer, hit.InIdx, false, cc.Reason)
			continue
		}
		var timedOut *Payment
		for _, p := range nd.Payments {
			if p.FirstHop == f.Peer && p.OpenSent && p.CommitIdx == cc.Idx &&
				p.Status == PayStatusPending {
				timedOut = p
				break
			}
		}
		if timedOut != nil {
			timedOut.Status = PayStatusTimedOut
			timedOut.Reason = cc.Reason
			timedOut.Resolved = time.Now().Unix()
			nd.persistPayment(timedOut)
		}
		nd.PaymentMtx.Unlock()
		if timedOut != nil {
			logging.Infof("payment %x timed out\n", timedOut.PayId[:4])
			nd.Bus.Publish(PaymentResultEvent{
				PayId: timedOut.PayId, Status: PayStatusTimedOut, Reason: cc.Reason,
			})
		}
	}
}

// commitsWiped fails everything that depended on a re-anchored channel.
func (nd *CredNode) commitsWiped(f *Friend, wiped *Ledger) {
	for _, c := range wiped.OutCommits {
		nd.outboundOpenFailed(f, c.PayId, c.RHash, cnutil.REASON_SHUTDOWN)
	}
	for _, c := range wiped.InCommits {
		nd.PaymentMtx.Lock()
		delete(nd.PendingOpens, c.RHash)
		fw, ok := nd.Forwards[c.RHash]
		if ok && fw.InPeer == f.Peer {
			delete(nd.Forwards, c.RHash)
			nd.PaymentMtx.Unlock()
			nd.DeleteForward(fw)
			if fw.HaveOut && !fw.Settled {
				nd.cancelLeg(fw.OutPeer, fw.OutIdx, true, cnutil.REASON_SHUTDOWN)
			}
			continue
		}
		nd.PaymentMtx.Unlock()
	}
}
