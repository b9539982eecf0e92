package cnode

import (
	"fmt"
	"sync"

	"github.com/mit-dci/cred/cnutil"
	"github.com/mit-dci/cred/consts"
	"github.com/mit-dci/cred/logging"
)

// outboxEntry is an op waiting for the turn on a friend's channel, plus
// the payment context needed to report a failure and the setup message
// that has to follow the op onto the wire.
type outboxEntry struct {
	Op    cnutil.ChanOp
	PayId [16]byte
	Setup *cnutil.PaySetupMsg
}

// Friend is a directly trusted neighbor and the serialization point for
// everything touching its token channel.  Distinct friends run fully in
// parallel; within one friend the worker goroutine plus ChanMtx give a
// single logical owner.
type Friend struct {
	Peer cnutil.PeerId
	Idx  uint32

	// Active flips on when the handshake completes; until then the
	// channel can't be used.
	Active bool

	TChan   *TChan
	ChanMtx sync.Mutex

	// Outbox holds ops queued while we don't hold the turn.
	Outbox []outboxEntry
	// TokenReqOut notes we've asked for the turn and not yet got it.
	TokenReqOut bool

	msgQueue chan cnutil.CredMsg
	workerWg sync.WaitGroup
	workerQ  chan struct{}
}

func (nd *CredNode) newFriend(peer cnutil.PeerId, idx uint32) *Friend {
	f := &Friend{
		Peer:     peer,
		Idx:      idx,
		msgQueue: make(chan cnutil.CredMsg, 64),
		workerQ:  make(chan struct{}),
	}
	f.workerWg.Add(1)
	go nd.friendWorker(f)
	return f
}

func (f *Friend) enqueue(msg cnutil.CredMsg) {
	select {
	case f.msgQueue <- msg:
	case <-f.workerQ:
	}
}

func (f *Friend) stopWorker() {
	close(f.workerQ)
	f.workerWg.Wait()
}

// friendWorker applies this friend's messages strictly in arrival order.
func (nd *CredNode) friendWorker(f *Friend) {
	defer f.workerWg.Done()
	for {
		select {
		case msg := <-f.msgQueue:
			nd.handleFriendMsg(f, msg)
		case <-f.workerQ:
			return
		}
	}
}

// PendingCommits is the number of unresolved commitments on the channel.
func (f *Friend) PendingCommits() int {
	if f.TChan == nil {
		return 0
	}
	return len(f.TChan.Ledger.OutCommits) + len(f.TChan.Ledger.InCommits)
}

// CapacityOut is how much more we could owe this friend right now;
// CapacityIn is how much more they could owe us.  Reservations count.
func (f *Friend) CapacityOut() int64 {
	if f.TChan == nil || !f.Active {
		return 0
	}
	l := f.TChan.Ledger
	return l.Balance - l.PendingOut() + l.OutCredit
}

func (f *Friend) CapacityIn() int64 {
	if f.TChan == nil || !f.Active {
		return 0
	}
	l := f.TChan.Ledger
	return l.InCredit - l.Balance - l.PendingIn()
}

// Capacity answers the route index and coordinator.  direction "out"
// is credit flowing from us toward the friend.
func (nd *CredNode) Capacity(peer cnutil.PeerId, out bool) int64 {
	f := nd.friendByPeer(peer)
	if f == nil {
		return 0
	}
	f.ChanMtx.Lock()
	defer f.ChanMtx.Unlock()
	if out {
		return f.CapacityOut()
	}
	return f.CapacityIn()
}

// AddFriend starts the handshake: extend is the ceiling we let the peer
// owe us, request is what we'd like to be allowed to owe them.
func (nd *CredNode) AddFriend(peer cnutil.PeerId, extend, request int64) error {
	if peer == nd.Id {
		return fmt.Errorf("can't befriend yourself")
	}
	if extend < 0 || extend > consts.MaxCreditLimit ||
		request < 0 || request > consts.MaxCreditLimit {
		return fmt.Errorf("credit limit out of range")
	}

	nd.FriendMtx.Lock()
	if _, ok := nd.Friends[peer]; ok {
		nd.FriendMtx.Unlock()
		return fmt.Errorf("already friends with %s", peer.Short())
	}
	idx, err := nd.nextFriendIdx()
	if err != nil {
		nd.FriendMtx.Unlock()
		return err
	}
	f := nd.newFriend(peer, idx)
	f.TChan = &TChan{
		Peer:    peer,
		PeerIdx: idx,
		Ledger:  NewLedger(0, extend, cnutil.ChannelAnchor(nd.Id, peer)),
	}
	nd.setInitialTurn(f.TChan)
	nd.Friends[peer] = f
	nd.FriendIdxs[idx] = f
	nd.FriendMtx.Unlock()

	if err := nd.SaveFriend(f); err != nil {
		return err
	}

	nd.OmniOut <- cnutil.NewHelloMsg(idx, false, extend, request)
	return nil
}

// strangerHello handles a handshake from an unknown peer.  Policy is to
// accept and extend what's asked of us, capped by MaxCreditLimit.
func (nd *CredNode) strangerHello(peer cnutil.PeerId, raw []byte) {
	msg, err := cnutil.NewHelloMsgFromBytes(raw, 0)
	if err != nil {
		logging.Errorf("bad hello from %s: %s\n", peer.Short(), err.Error())
		return
	}

	extend := msg.RequestCredit
	if extend == 0 {
		extend = consts.DefaultInCredit
	}
	if extend > consts.MaxCreditLimit {
		extend = consts.MaxCreditLimit
	}

	nd.FriendMtx.Lock()
	if _, ok := nd.Friends[peer]; ok {
		nd.FriendMtx.Unlock()
		return
	}
	idx, err := nd.nextFriendIdx()
	if err != nil {
		nd.FriendMtx.Unlock()
		logging.Errorf("can't add friend: %s\n", err.Error())
		return
	}
	f := nd.newFriend(peer, idx)
	f.TChan = &TChan{
		Peer:    peer,
		PeerIdx: idx,
		Ledger:  NewLedger(msg.ExtendCredit, extend, cnutil.ChannelAnchor(nd.Id, peer)),
	}
	nd.setInitialTurn(f.TChan)
	f.Active = true
	nd.Friends[peer] = f
	nd.FriendIdxs[idx] = f
	nd.FriendMtx.Unlock()

	if err := nd.SaveFriend(f); err != nil {
		logging.Errorf("persist new friend %s: %s\n", peer.Short(), err.Error())
		return
	}

	logging.Infof("new friend %s, they extend %d, we extend %d\n",
		peer.Short(), msg.ExtendCredit, extend)
	nd.OmniOut <- cnutil.NewHelloMsg(idx, true, extend, 0)
	nd.Bus.Publish(FriendAddedEvent{Peer: peer})
}

// helloAckHandler completes the handshake on the initiating side.
func (nd *CredNode) helloAckHandler(f *Friend, msg cnutil.HelloMsg) {
	f.ChanMtx.Lock()
	if f.Active {
		f.ChanMtx.Unlock()
		return
	}
	f.Active = true
	f.TChan.Ledger.OutCredit = msg.ExtendCredit
	f.ChanMtx.Unlock()

	if err := nd.SaveFriend(f); err != nil {
		logging.Errorf("persist friend %s: %s\n", f.Peer.Short(), err.Error())
		return
	}
	logging.Infof("friend %s accepted, they extend %d\n",
		f.Peer.Short(), msg.ExtendCredit)
	nd.Bus.Publish(FriendAddedEvent{Peer: f.Peer})
}

// setInitialTurn gives the lexicographically lower key the first turn.
// Both sides compute this independently and agree.
func (nd *CredNode) setInitialTurn(tc *TChan) {
	if nd.Id.Less(tc.Peer) {
		tc.State = StateHasTurn
	} else {
		tc.State = StateNoTurn
	}
}

// RemoveFriend deletes a friend, but only once the channel carries no
// debt in either direction and nothing pending.
func (nd *CredNode) RemoveFriend(peer cnutil.PeerId) error {
	f := nd.friendByPeer(peer)
	if f == nil {
		return fmt.Errorf("no friend %s", peer.Short())
	}

	f.ChanMtx.Lock()
	if f.PendingCommits() != 0 {
		f.ChanMtx.Unlock()
		return fmt.Errorf("channel has pending commitments")
	}
	if f.TChan != nil && f.TChan.Ledger.Balance != 0 {
		f.ChanMtx.Unlock()
		return fmt.Errorf("channel balance %d not settled", f.TChan.Ledger.Balance)
	}
	f.ChanMtx.Unlock()

	if err := nd.DeleteFriend(f); err != nil {
		return err
	}

	nd.FriendMtx.Lock()
	delete(nd.Friends, peer)
	delete(nd.FriendIdxs, f.Idx)
	nd.FriendMtx.Unlock()

	f.stopWorker()
	return nil
}

// queueOutgoing adds entries to the friend's outbox and flushes if we
// hold the turn; otherwise it asks for the turn.
func (nd *CredNode) queueOutgoing(f *Friend, entries ...outboxEntry) {
	f.ChanMtx.Lock()
	f.Outbox = append(f.Outbox, entries...)
	nd.tryFlushOutboxLocked(f)
	f.ChanMtx.Unlock()
}

// tryFlushOutboxLocked proposes everything in the outbox as one batch.
// Caller holds ChanMtx.  Ops that can't apply are failed individually so
// one dead payment doesn't poison the batch.
func (nd *CredNode) tryFlushOutboxLocked(f *Friend) {
	tc := f.TChan
	if tc == nil || !f.Active {
		return
	}

	switch tc.State {
	case StateInconsistent:
		// channel frozen: anything queued is going nowhere
		dead := f.Outbox
		f.Outbox = nil
		for _, e := range dead {
			nd.opFailedLocal(f, e, ErrInconsistentState)
		}
		return

	case StateAwaitingAck:
		return // flush again when the turn comes back

	case StateNoTurn:
		if len(f.Outbox) > 0 && !f.TokenReqOut {
			f.TokenReqOut = true
			nd.OmniOut <- cnutil.TokenReqMsg{PeerIdx: f.Idx}
		}
		return
	}

	// StateHasTurn: filter the outbox down to ops that still apply, in
	// order, against an incrementally staged ledger.  Anything past the
	// per-token cap stays queued for the next turn.
	var keep, leftover []outboxEntry
	staging := tc.Ledger
	for _, e := range f.Outbox {
		if len(keep) == consts.MaxOpsPerToken {
			leftover = append(leftover, e)
			continue
		}
		// open commitment ids are assigned here, against the ledger the
		// batch will actually apply to
		if oc, ok := e.Op.(cnutil.OpenCommitOp); ok {
			oc.Idx = staging.NextCommitIdx
			e.Op = oc
		}
		next, _, err := applyOps(staging, []cnutil.ChanOp{e.Op}, true)
		if err != nil {
			nd.opFailedLocal(f, e, err)
			continue
		}
		staging = next
		keep = append(keep, e)
	}
	f.Outbox = leftover

	if len(keep) == 0 {
		return
	}

	ops := make([]cnutil.ChanOp, len(keep))
	for i, e := range keep {
		ops[i] = e.Op
	}

	msg, err := tc.Propose(ops, nd.IdPriv)
	if err != nil {
		// ops were pre-validated; this is a real fault
		logging.Errorf("propose to %s failed: %s\n", f.Peer.Short(), err.Error())
		for _, e := range keep {
			nd.opFailedLocal(f, e, err)
		}
		return
	}

	// log-before-send
	if err := nd.SaveChanState(f); err != nil {
		logging.Errorf("persist channel %s failed, aborting send: %s\n",
			f.Peer.Short(), err.Error())
		tc.Staged = nil
		tc.LastSent = nil
		tc.State = StateHasTurn
		for _, e := range keep {
			nd.opFailedLocal(f, e, ErrPersistenceFailure)
		}
		return
	}

	f.TokenReqOut = false
	nd.opsFlushed(f, keep)
	nd.OmniOut <- msg
	for _, e := range keep {
		if e.Setup != nil {
			s := *e.Setup
			s.PeerIdx = f.Idx
			nd.OmniOut <- s
		}
	}
}

// passTurn sends an empty move token handing the turn to the friend.
// Caller holds ChanMtx and has checked we hold the turn.
func (nd *CredNode) passTurnLocked(f *Friend) {
	msg, err := f.TChan.Propose(nil, nd.IdPriv)
	if err != nil {
		logging.Errorf("pass turn to %s: %s\n", f.Peer.Short(), err.Error())
		return
	}
	if err := nd.SaveChanState(f); err != nil {
		logging.Errorf("persist channel %s failed, aborting send: %s\n",
			f.Peer.Short(), err.Error())
		f.TChan.Staged = nil
		f.TChan.LastSent = nil
		f.TChan.State = StateHasTurn
		return
	}
	nd.OmniOut <- msg
}
