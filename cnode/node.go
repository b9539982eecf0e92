package cnode

import (
	"fmt"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	"github.com/mit-dci/cred/cnutil"
	"github.com/mit-dci/cred/consts"
	"github.com/mit-dci/cred/eventbus"
	"github.com/mit-dci/cred/invoice"
	"github.com/mit-dci/cred/logging"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ed25519"
)

// CredNode is the main struct for the node, keeping track of all friends,
// token channels and in-flight payments.
type CredNode struct {
	IdPriv ed25519.PrivateKey
	Id     cnutil.PeerId

	CredDB *bolt.DB // place to write all this down

	InvoiceMgr *invoice.Manager

	Trans Transport

	// RouteIdx answers route queries.  Results are hints; every forward
	// re-validates capacity locally.
	RouteIdx RouteIndex

	// Graph is the gossip-fed credit graph backing the default RouteIdx.
	Graph *CreditGraph

	// Scorer ranks candidate routes.  Swappable; defaults to fewest
	// hops with capacity variance as the tie break.
	Scorer RouteScorer

	Friends    map[cnutil.PeerId]*Friend
	FriendIdxs map[uint32]*Friend
	FriendMtx  sync.Mutex

	Payments   map[[16]byte]*Payment
	Forwards   map[[32]byte]*Forward
	PaySetups    map[[32]byte]paySetupRec // setups waiting for their commitment
	PendingOpens map[[32]byte]pendingOpen // commitments waiting for their setup
	PaymentMtx   sync.Mutex

	// OmniOut is the outgoing message queue; the sender goroutine drains
	// it into the transport.
	OmniOut chan cnutil.CredMsg

	Bus eventbus.EventBus

	// CommitTTL, HopTTL and SweepInterval are consts by default but
	// settable for fast-running scenarios.
	CommitTTL     time.Duration
	HopTTL        time.Duration
	SweepInterval time.Duration

	advSeq uint32
	wg     sync.WaitGroup
	quit   chan struct{}
}

// NewCredNode opens the db, restores friends/channels/payments, and
// wires the transport.  Call Start to bring up the background loops.
func NewCredNode(priv ed25519.PrivateKey, dbPath string, trans Transport) (*CredNode, error) {
	nd := &CredNode{
		IdPriv:        priv,
		Id:            cnutil.IdFromPriv(priv),
		Trans:         trans,
		Friends:       make(map[cnutil.PeerId]*Friend),
		FriendIdxs:    make(map[uint32]*Friend),
		Payments:      make(map[[16]byte]*Payment),
		Forwards:      make(map[[32]byte]*Forward),
		PaySetups:     make(map[[32]byte]paySetupRec),
		PendingOpens:  make(map[[32]byte]pendingOpen),
		OmniOut:       make(chan cnutil.CredMsg, 64),
		Bus:           eventbus.NewEventBus(),
		CommitTTL:     consts.DefaultCommitTTL,
		HopTTL:        consts.CommitTTLPerHop,
		SweepInterval: consts.ExpirySweepInterval,
		quit:          make(chan struct{}),
	}
	nd.Graph = NewCreditGraph(nd.Id)
	nd.RouteIdx = nd.Graph
	nd.Scorer = FewestHopsScorer{}

	var err error
	nd.CredDB, err = bolt.Open(dbPath, 0644, &bolt.Options{Timeout: time.Second * 2})
	if err != nil {
		return nil, errors.Wrap(err, "open node db")
	}
	if err = nd.initDBBuckets(); err != nil {
		return nil, err
	}
	if err = nd.restoreState(); err != nil {
		return nil, err
	}

	trans.SetReceiver(nd.receive)
	return nd, nil
}

// UseInvoiceDB attaches a bolt-backed invoice manager.  Nodes that never
// receive payments can skip it.
func (nd *CredNode) UseInvoiceDB(path string) error {
	mgr, err := invoice.NewManager(path)
	if err != nil {
		return err
	}
	nd.InvoiceMgr = mgr
	return nil
}

// Start brings up the sender loop, the expiry sweeper and the link
// advertiser, and resends any unacked move tokens from before a crash.
func (nd *CredNode) Start() {
	nd.wg.Add(1)
	go nd.senderLoop()

	nd.wg.Add(1)
	go nd.expirySweeper()

	nd.wg.Add(1)
	go nd.linkAdvertiser()

	nd.resendUnacked()

	logging.Infof("node %s up, %d friends\n", nd.Id.Short(), len(nd.Friends))
}

// Stop shuts down the loops and closes the dbs.
func (nd *CredNode) Stop() {
	close(nd.quit)

	nd.FriendMtx.Lock()
	for _, f := range nd.Friends {
		f.stopWorker()
	}
	nd.FriendMtx.Unlock()

	nd.wg.Wait()

	if nd.InvoiceMgr != nil {
		nd.InvoiceMgr.Close()
	}
	nd.CredDB.Close()
}

// senderLoop drains OmniOut into the transport.
func (nd *CredNode) senderLoop() {
	defer nd.wg.Done()
	for {
		select {
		case msg := <-nd.OmniOut:
			f := nd.friendByIdx(msg.Peer())
			if f == nil {
				logging.Errorf("dropping %x msg for unknown peer idx %d\n",
					msg.MsgType(), msg.Peer())
				continue
			}
			err := nd.Trans.Send(f.Peer, msg.Bytes())
			if err != nil {
				logging.Errorf("send to %s failed: %s\n", f.Peer.Short(), err.Error())
			}
		case <-nd.quit:
			return
		}
	}
}

// receive is the transport callback.  It hands the raw message to the
// friend's worker so per-friend ordering is kept while distinct friends
// proceed in parallel.
func (nd *CredNode) receive(peer cnutil.PeerId, b []byte) {
	nd.FriendMtx.Lock()
	f, known := nd.Friends[peer]
	nd.FriendMtx.Unlock()

	if !known {
		// only a handshake may come from a stranger
		if len(b) > 0 && b[0] == cnutil.MSGID_HELLO {
			nd.strangerHello(peer, b)
		} else {
			logging.Warnf("ignoring msg %x from non-friend %s\n", b, peer.Short())
		}
		return
	}

	msg, err := cnutil.CredMsgFromBytes(b, f.Idx)
	if err != nil {
		logging.Errorf("bad message from %s: %s\n", peer.Short(), err.Error())
		return
	}
	f.enqueue(msg)
}

// resendUnacked re-sends the persisted outbound move token on every
// channel that was mid-proposal when we went down.  The remote side
// treats a duplicate as a re-ack request, so this is safe to repeat.
func (nd *CredNode) resendUnacked() {
	nd.FriendMtx.Lock()
	friends := make([]*Friend, 0, len(nd.Friends))
	for _, f := range nd.Friends {
		friends = append(friends, f)
	}
	nd.FriendMtx.Unlock()

	// send after unlocking, the sender loop needs FriendMtx to drain
	for _, f := range friends {
		f.ChanMtx.Lock()
		var resend *cnutil.MoveTokenMsg
		if f.TChan != nil && f.TChan.State == StateAwaitingAck && f.TChan.LastSent != nil {
			resend = f.TChan.LastSent
		}
		f.ChanMtx.Unlock()
		if resend != nil {
			logging.Infof("resending unacked move token seq %d to %s\n",
				resend.Seq, f.Peer.Short())
			nd.OmniOut <- resend
		}
	}
}

func (nd *CredNode) friendByIdx(idx uint32) *Friend {
	nd.FriendMtx.Lock()
	defer nd.FriendMtx.Unlock()
	return nd.FriendIdxs[idx]
}

func (nd *CredNode) friendByPeer(peer cnutil.PeerId) *Friend {
	nd.FriendMtx.Lock()
	defer nd.FriendMtx.Unlock()
	return nd.Friends[peer]
}

// ChanStatus is a snapshot for the shell and rpc.
type ChanStatus struct {
	Peer       cnutil.PeerId
	State      TcState
	Balance    int64
	InCredit   int64
	OutCredit  int64
	PendingIn  int64
	PendingOut int64
	Seq        uint64
}

// Status reports all channels.
func (nd *CredNode) Status() []ChanStatus {
	nd.FriendMtx.Lock()
	friends := make([]*Friend, 0, len(nd.Friends))
	for _, f := range nd.Friends {
		friends = append(friends, f)
	}
	nd.FriendMtx.Unlock()

	var out []ChanStatus
	for _, f := range friends {
		f.ChanMtx.Lock()
		if f.TChan != nil {
			l := f.TChan.Ledger
			out = append(out, ChanStatus{
				Peer:       f.Peer,
				State:      f.TChan.State,
				Balance:    l.Balance,
				InCredit:   l.InCredit,
				OutCredit:  l.OutCredit,
				PendingIn:  l.PendingIn(),
				PendingOut: l.PendingOut(),
				Seq:        l.Seq,
			})
		}
		f.ChanMtx.Unlock()
	}
	return out
}

// CreateInvoice makes a new invoice for the given amount and returns its
// id (which encodes the settlement condition) and secret.
func (nd *CredNode) CreateInvoice(amt int64) (string, [32]byte, error) {
	var nilSecret [32]byte
	if nd.InvoiceMgr == nil {
		return "", nilSecret, fmt.Errorf("node has no invoice db")
	}
	if amt < consts.MinPayment || amt > consts.MaxPayment {
		return "", nilSecret, fmt.Errorf("invoice amount %d out of range", amt)
	}
	return nd.InvoiceMgr.CreateInvoice(amt)
}
