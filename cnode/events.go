package cnode

import (
	"github.com/mit-dci/cred/cnutil"
	"github.com/mit-dci/cred/eventbus"
)

// Events published on the node bus.  Shell and rpc layers subscribe;
// nothing in cnode depends on anyone listening.

// ChanStateEvent fires on every token channel state transition.
type ChanStateEvent struct {
	Peer  cnutil.PeerId
	State TcState
}

func (ChanStateEvent) Name() string { return "cred.chan.state" }
func (ChanStateEvent) Flags() uint8 { return eventbus.EFLAG_ASYNC }

// ChanInconsistentEvent fires when a channel freezes and needs a manual
// reconcile.  LocalSeq/LocalBalance are our proposed reset terms.
type ChanInconsistentEvent struct {
	Peer         cnutil.PeerId
	LocalSeq     uint64
	LocalBalance int64
}

func (ChanInconsistentEvent) Name() string { return "cred.chan.inconsistent" }
func (ChanInconsistentEvent) Flags() uint8 { return eventbus.EFLAG_ASYNC }

// FriendAddedEvent fires once the handshake completes on either side.
type FriendAddedEvent struct {
	Peer cnutil.PeerId
}

func (FriendAddedEvent) Name() string { return "cred.friend.added" }
func (FriendAddedEvent) Flags() uint8 { return eventbus.EFLAG_ASYNC }

// PaymentResultEvent fires when a payment we originated resolves.
type PaymentResultEvent struct {
	PayId  [16]byte
	Status PayStatus
	Reason uint8
}

func (PaymentResultEvent) Name() string { return "cred.pay.result" }
func (PaymentResultEvent) Flags() uint8 { return eventbus.EFLAG_ASYNC }
