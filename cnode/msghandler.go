package cnode

import (
	"crypto/sha256"
	"fmt"

	"github.com/mit-dci/cred/cnutil"
	"github.com/mit-dci/cred/logging"
)

// handleFriendMsg runs on the friend's worker goroutine, so messages
// from one friend are applied strictly in arrival order.
func (nd *CredNode) handleFriendMsg(f *Friend, msg cnutil.CredMsg) {
	switch m := msg.(type) {
	case cnutil.HelloMsg:
		if m.Ack {
			nd.helloAckHandler(f, m)
		} else {
			// re-delivered handshake; our ack got lost
			f.ChanMtx.Lock()
			in := f.TChan.Ledger.InCredit
			f.ChanMtx.Unlock()
			nd.OmniOut <- cnutil.NewHelloMsg(f.Idx, true, in, 0)
		}
	case *cnutil.MoveTokenMsg:
		nd.moveTokenHandler(f, m)
	case cnutil.MoveTokenAckMsg:
		nd.moveTokenAckHandler(f, m)
	case cnutil.MoveTokenNackMsg:
		nd.moveTokenNackHandler(f, m)
	case cnutil.TokenReqMsg:
		nd.tokenReqHandler(f)
	case cnutil.ReconcileMsg:
		nd.reconcileHandler(f, m)
	case cnutil.PaySetupMsg:
		nd.paySetupHandler(f, m)
	case cnutil.LinkAdvMsg:
		nd.linkAdvHandler(f, m)
	default:
		logging.Warnf("unhandled message type %x from %s\n",
			msg.MsgType(), f.Peer.Short())
	}
}

func (nd *CredNode) moveTokenHandler(f *Friend, m *cnutil.MoveTokenMsg) {
	f.ChanMtx.Lock()
	tc := f.TChan

	// snapshot so a failed persist can unwind the in-memory apply
	prevLedger, prevStaged := tc.Ledger, tc.Staged
	prevLastSent, prevState := tc.LastSent, tc.State

	// if the incoming token chains off our staged state it implicitly
	// acks our in-flight batch; notice that to confirm those ops
	var inflight []cnutil.ChanOp
	if prevState == StateAwaitingAck && prevLastSent != nil {
		inflight = prevLastSent.Ops
	}

	cls, events, reason := tc.ApplyRemote(m)
	implicitAck := prevState == StateAwaitingAck && tc.LastSent == nil &&
		(cls == rcvApplied || cls == rcvRejected)
	switch cls {
	case rcvDuplicate:
		ack := tc.AckFor(nd.IdPriv)
		f.ChanMtx.Unlock()
		nd.OmniOut <- ack

	case rcvRejected:
		if implicitAck {
			if err := nd.SaveChanState(f); err != nil {
				logging.Errorf("persist channel %s: %s\n", f.Peer.Short(), err.Error())
			}
		}
		f.ChanMtx.Unlock()
		logging.Infof("rejecting move token seq %d from %s, reason %x\n",
			m.Seq, f.Peer.Short(), reason)
		nd.OmniOut <- cnutil.MoveTokenNackMsg{PeerIdx: f.Idx, Seq: m.Seq, Reason: reason}
		if implicitAck {
			nd.opsCommitted(f, inflight)
		}

	case rcvInconsistent:
		if err := nd.SaveChanState(f); err != nil {
			logging.Errorf("persist frozen channel %s: %s\n", f.Peer.Short(), err.Error())
		}
		seq, bal := tc.ResetTerms()
		f.ChanMtx.Unlock()
		logging.Warnf("channel %s inconsistent, reconcile required\n", f.Peer.Short())
		nd.Bus.Publish(ChanInconsistentEvent{Peer: f.Peer, LocalSeq: seq, LocalBalance: bal})

	case rcvApplied:
		if err := nd.SaveChanState(f); err != nil {
			// drop the token unapplied; the peer will resend
			tc.Ledger, tc.Staged = prevLedger, prevStaged
			tc.LastSent, tc.State = prevLastSent, prevState
			f.ChanMtx.Unlock()
			logging.Errorf("persist channel %s failed, dropping move token: %s\n",
				f.Peer.Short(), err.Error())
			return
		}
		ack := tc.AckFor(nd.IdPriv)
		f.ChanMtx.Unlock()
		nd.OmniOut <- ack
		nd.Bus.Publish(ChanStateEvent{Peer: f.Peer, State: StateHasTurn})

		if implicitAck {
			nd.opsCommitted(f, inflight)
		}
		nd.processIncomingEvents(f, events)

		// the turn is ours now; ship anything waiting
		f.ChanMtx.Lock()
		nd.tryFlushOutboxLocked(f)
		f.ChanMtx.Unlock()
	}
}

func (nd *CredNode) moveTokenAckHandler(f *Friend, m cnutil.MoveTokenAckMsg) {
	f.ChanMtx.Lock()
	var inflight []cnutil.ChanOp
	if f.TChan.LastSent != nil {
		inflight = f.TChan.LastSent.Ops
	}
	ok := f.TChan.ApplyAck(m)
	if ok {
		if err := nd.SaveChanState(f); err != nil {
			logging.Errorf("persist channel %s after ack: %s\n",
				f.Peer.Short(), err.Error())
		}
		// back to NoTurn; anything queued needs the turn again
		nd.tryFlushOutboxLocked(f)
	}
	f.ChanMtx.Unlock()
	if ok {
		nd.opsCommitted(f, inflight)
		nd.Bus.Publish(ChanStateEvent{Peer: f.Peer, State: StateNoTurn})
	}
}

func (nd *CredNode) moveTokenNackHandler(f *Friend, m cnutil.MoveTokenNackMsg) {
	f.ChanMtx.Lock()
	ops := f.TChan.ApplyNack(m)
	if ops != nil {
		if err := nd.SaveChanState(f); err != nil {
			logging.Errorf("persist channel %s after nack: %s\n",
				f.Peer.Short(), err.Error())
		}
		nd.tryFlushOutboxLocked(f)
	}
	f.ChanMtx.Unlock()
	if ops == nil {
		return
	}
	logging.Infof("move token seq %d to %s rejected, reason %x\n",
		m.Seq, f.Peer.Short(), m.Reason)
	nd.opsNacked(f, ops, m.Reason)
}

// tokenReqHandler passes the turn: with our queued ops if we have any,
// with an empty move token otherwise.
func (nd *CredNode) tokenReqHandler(f *Friend) {
	f.ChanMtx.Lock()
	defer f.ChanMtx.Unlock()
	if f.TChan.State != StateHasTurn {
		return
	}
	nd.tryFlushOutboxLocked(f)
	if f.TChan.State == StateHasTurn {
		nd.passTurnLocked(f)
	}
}

// resetAnchor is the hash chain restart point both sides derive for an
// agreed reset sequence number.
func resetAnchor(a, b cnutil.PeerId, seq uint64) [32]byte {
	base := cnutil.ChannelAnchor(a, b)
	buf := append([]byte("reset"), base[:]...)
	buf = append(buf, cnutil.U64tB(seq)...)
	return sha256.Sum256(buf)
}

// Reconcile is the operator command: propose our reset terms on an
// inconsistent channel.  Nothing is retried automatically.
func (nd *CredNode) Reconcile(peer cnutil.PeerId) error {
	f := nd.friendByPeer(peer)
	if f == nil {
		return fmt.Errorf("no friend %s", peer.Short())
	}
	f.ChanMtx.Lock()
	defer f.ChanMtx.Unlock()
	if f.TChan.State != StateInconsistent {
		return fmt.Errorf("channel %s is %s, not inconsistent",
			peer.Short(), f.TChan.State)
	}
	seq, bal := f.TChan.ResetTerms()
	msg := cnutil.ReconcileMsg{PeerIdx: f.Idx, Ack: false, Seq: seq, Balance: bal}
	msg.Sig = cnutil.Sign(nd.IdPriv, msg.SigBuf())
	nd.OmniOut <- msg
	return nil
}

// AcceptReconcile adopts the remote side's reset terms.  The accepter
// concedes the balance dispute and starts without the turn.
func (nd *CredNode) AcceptReconcile(peer cnutil.PeerId) error {
	f := nd.friendByPeer(peer)
	if f == nil {
		return fmt.Errorf("no friend %s", peer.Short())
	}
	f.ChanMtx.Lock()
	tc := f.TChan
	if tc.State != StateInconsistent || !tc.HaveRemoteReset {
		f.ChanMtx.Unlock()
		return fmt.Errorf("no reset terms from %s to accept", peer.Short())
	}
	seq := tc.RemoteResetSeq
	remoteBal := tc.RemoteResetBalance
	wiped := tc.Ledger

	// their balance view is from their side; flip it to ours
	tc.Reanchor(seq, -remoteBal, resetAnchor(nd.Id, peer, seq), false)
	if err := nd.SaveChanState(f); err != nil {
		f.ChanMtx.Unlock()
		return err
	}
	msg := cnutil.ReconcileMsg{PeerIdx: f.Idx, Ack: true, Seq: seq, Balance: remoteBal}
	msg.Sig = cnutil.Sign(nd.IdPriv, msg.SigBuf())
	f.ChanMtx.Unlock()

	nd.OmniOut <- msg
	logging.Infof("channel %s reanchored at seq %d balance %d\n",
		peer.Short(), seq, -remoteBal)
	nd.commitsWiped(f, wiped)
	nd.Bus.Publish(ChanStateEvent{Peer: f.Peer, State: StateNoTurn})
	return nil
}

func (nd *CredNode) reconcileHandler(f *Friend, m cnutil.ReconcileMsg) {
	if !cnutil.Verify(f.Peer, m.SigBuf(), m.Sig) {
		logging.Warnf("bad signature on reconcile msg from %s\n", f.Peer.Short())
		return
	}

	if !m.Ack {
		// peer proposes reset terms; store them, freeze if we weren't
		f.ChanMtx.Lock()
		tc := f.TChan
		if tc.State != StateInconsistent {
			tc.markInconsistent()
		}
		tc.RemoteResetSeq = m.Seq
		tc.RemoteResetBalance = m.Balance
		tc.HaveRemoteReset = true
		if err := nd.SaveChanState(f); err != nil {
			logging.Errorf("persist channel %s: %s\n", f.Peer.Short(), err.Error())
		}
		seq, bal := tc.ResetTerms()
		f.ChanMtx.Unlock()
		logging.Warnf("reset terms from %s: seq %d, their balance view %d\n",
			f.Peer.Short(), m.Seq, m.Balance)
		nd.Bus.Publish(ChanInconsistentEvent{Peer: f.Peer, LocalSeq: seq, LocalBalance: bal})
		return
	}

	// ack: the peer adopted our proposed terms; reanchor on our side
	f.ChanMtx.Lock()
	tc := f.TChan
	if tc.State != StateInconsistent {
		f.ChanMtx.Unlock()
		return
	}
	seq, bal := tc.ResetTerms()
	if m.Seq != seq || m.Balance != bal {
		f.ChanMtx.Unlock()
		logging.Warnf("reconcile ack from %s doesn't match our terms\n", f.Peer.Short())
		return
	}
	wiped := tc.Ledger
	// proposer's terms won; proposer starts with the turn
	tc.Reanchor(seq, bal, resetAnchor(nd.Id, f.Peer, seq), true)
	if err := nd.SaveChanState(f); err != nil {
		logging.Errorf("persist channel %s: %s\n", f.Peer.Short(), err.Error())
	}
	f.ChanMtx.Unlock()

	logging.Infof("channel %s reanchored at seq %d balance %d\n",
		f.Peer.Short(), seq, bal)
	nd.commitsWiped(f, wiped)
	nd.Bus.Publish(ChanStateEvent{Peer: f.Peer, State: StateHasTurn})

	f.ChanMtx.Lock()
	nd.tryFlushOutboxLocked(f)
	f.ChanMtx.Unlock()
}
