package cnode

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/mit-dci/cred/cnutil"
	"golang.org/x/crypto/ed25519"
)

// newTestMesh brings up n nodes wired through one PipeHub, with short
// commitment timers so expiry scenarios finish in test time.
func newTestMesh(t *testing.T, n int) []*CredNode {
	t.Helper()
	hub := NewPipeHub()
	t.Cleanup(hub.Stop)

	nodes := make([]*CredNode, n)
	for i := 0; i < n; i++ {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatal(err)
		}
		dir := t.TempDir()
		trans := hub.Attach(cnutil.IdFromPriv(priv))
		nd, err := NewCredNode(priv, filepath.Join(dir, "cred.db"), trans)
		if err != nil {
			t.Fatal(err)
		}
		if err = nd.UseInvoiceDB(filepath.Join(dir, "invoice.db")); err != nil {
			t.Fatal(err)
		}
		nd.CommitTTL = 3 * time.Second
		nd.HopTTL = 1 * time.Second
		nd.SweepInterval = 100 * time.Millisecond
		nd.Start()
		t.Cleanup(nd.Stop)
		nodes[i] = nd
	}
	return nodes
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// befriend runs the handshake a -> b and waits until both ends are live.
func befriend(t *testing.T, a, b *CredNode, extend, request int64) {
	t.Helper()
	if err := a.AddFriend(b.Id, extend, request); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "handshake", func() bool {
		fa, fb := a.friendByPeer(b.Id), b.friendByPeer(a.Id)
		if fa == nil || fb == nil {
			return false
		}
		fa.ChanMtx.Lock()
		aUp := fa.Active && fa.TChan.Ledger.OutCredit == request
		fa.ChanMtx.Unlock()
		fb.ChanMtx.Lock()
		bUp := fb.Active
		fb.ChanMtx.Unlock()
		return aUp && bUp
	})
}

func chanBalance(t *testing.T, nd *CredNode, peer cnutil.PeerId) int64 {
	t.Helper()
	f := nd.friendByPeer(peer)
	if f == nil {
		t.Fatalf("node %s has no friend %s", nd.Id.Short(), peer.Short())
	}
	f.ChanMtx.Lock()
	defer f.ChanMtx.Unlock()
	return f.TChan.Ledger.Balance
}

func pendingCommits(nd *CredNode, peer cnutil.PeerId) int {
	f := nd.friendByPeer(peer)
	if f == nil {
		return 0
	}
	f.ChanMtx.Lock()
	defer f.ChanMtx.Unlock()
	return f.PendingCommits()
}

func payStatus(nd *CredNode, payId [16]byte) PayStatus {
	p, ok := nd.QueryPaymentStatus(payId)
	if !ok {
		return PayStatusPending
	}
	return p.Status
}

func TestPushCredit(t *testing.T) {
	nodes := newTestMesh(t, 2)
	a, b := nodes[0], nodes[1]
	befriend(t, a, b, 1000, 1000)

	if err := a.PushCredit(b.Id, 250); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "push to land", func() bool {
		return chanBalance(t, b, a.Id) == 250
	})
	waitFor(t, "proposer side to settle", func() bool {
		return chanBalance(t, a, b.Id) == -250
	})

	// 1000 limit, 250 used: 800 more doesn't fit
	if err := a.PushCredit(b.Id, 800); err != ErrExceedsCredit {
		t.Fatalf("over-limit push: got %v, want ErrExceedsCredit", err)
	}
	if err := a.PushCredit(b.Id, 750); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "second push", func() bool {
		return chanBalance(t, b, a.Id) == 1000
	})
}

func TestDirectPayment(t *testing.T) {
	nodes := newTestMesh(t, 2)
	a, b := nodes[0], nodes[1]
	befriend(t, a, b, 1000, 1000)

	invoiceId, secret, err := b.CreateInvoice(400)
	if err != nil {
		t.Fatal(err)
	}

	payId, err := a.InitiatePayment(b.Id, 400, invoiceId)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "payment to settle", func() bool {
		return payStatus(a, payId) == PayStatusSuccess
	})

	p, _ := a.QueryPaymentStatus(payId)
	if sha256.Sum256(p.Secret[:]) != p.RHash {
		t.Fatal("learned secret doesn't hash to the condition")
	}
	if p.Secret != secret {
		t.Fatal("origin learned a different secret than the invoice holds")
	}
	waitFor(t, "balances", func() bool {
		return chanBalance(t, a, b.Id) == -400 && chanBalance(t, b, a.Id) == 400
	})
	if pendingCommits(a, b.Id) != 0 || pendingCommits(b, a.Id) != 0 {
		t.Fatal("settled payment left pending commitments")
	}

	// retry is idempotent: same id comes back, nothing moves twice
	payId2, err := a.InitiatePayment(b.Id, 400, invoiceId)
	if err != ErrDuplicatePayment {
		t.Fatalf("expected duplicate payment, got %v", err)
	}
	if payId2 != payId {
		t.Fatal("retry produced a fresh payment id")
	}
	time.Sleep(300 * time.Millisecond)
	if chanBalance(t, a, b.Id) != -400 {
		t.Fatal("retry moved the balance again")
	}
}

func TestPaymentNoInvoice(t *testing.T) {
	nodes := newTestMesh(t, 2)
	a, b := nodes[0], nodes[1]
	befriend(t, a, b, 1000, 1000)

	// an invoice id b has never heard of
	var bogus [32]byte
	bogus[7] = 0xaa
	payId, err := a.InitiatePayment(b.Id, 100, hex.EncodeToString(bogus[:]))
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "payment to fail", func() bool {
		return payStatus(a, payId) == PayStatusFailed
	})
	p, _ := a.QueryPaymentStatus(payId)
	if p.Reason != cnutil.REASON_NO_INVOICE {
		t.Fatalf("failure reason %x, want REASON_NO_INVOICE", p.Reason)
	}
	if p.Err() == nil {
		t.Fatal("failed payment reports no error")
	}
	waitFor(t, "commitment unwind", func() bool {
		return pendingCommits(a, b.Id) == 0 && pendingCommits(b, a.Id) == 0
	})
	if chanBalance(t, a, b.Id) != 0 {
		t.Fatal("failed payment moved the balance")
	}
}

// gossipUntilRouted keeps flooding link advertisements until the origin
// can see a route.
func gossipUntilRouted(t *testing.T, nodes []*CredNode, from, to *CredNode, amt int64) {
	t.Helper()
	waitFor(t, "route to appear", func() bool {
		for _, nd := range nodes {
			nd.advertiseLinks()
		}
		return len(from.RouteIdx.Query(to.Id, amt)) > 0
	})
}

func TestMultiHopPayment(t *testing.T) {
	nodes := newTestMesh(t, 4)
	a, b, c, d := nodes[0], nodes[1], nodes[2], nodes[3]
	befriend(t, a, b, 1000, 1000)
	befriend(t, b, c, 1000, 1000)
	befriend(t, c, d, 1000, 1000)

	gossipUntilRouted(t, nodes, a, d, 300)

	invoiceId, _, err := d.CreateInvoice(300)
	if err != nil {
		t.Fatal(err)
	}
	payId, err := a.InitiatePayment(d.Id, 300, invoiceId)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "multi-hop settle", func() bool {
		return payStatus(a, payId) == PayStatusSuccess
	})

	// the settle wave shifts every channel on the route by the amount
	waitFor(t, "balance wave", func() bool {
		return chanBalance(t, a, b.Id) == -300 &&
			chanBalance(t, b, a.Id) == 300 &&
			chanBalance(t, b, c.Id) == -300 &&
			chanBalance(t, c, b.Id) == 300 &&
			chanBalance(t, c, d.Id) == -300 &&
			chanBalance(t, d, c.Id) == 300
	})

	// intermediaries keep no payment state around
	waitFor(t, "forward cleanup", func() bool {
		b.PaymentMtx.Lock()
		bClean := len(b.Forwards) == 0
		b.PaymentMtx.Unlock()
		c.PaymentMtx.Lock()
		cClean := len(c.Forwards) == 0
		c.PaymentMtx.Unlock()
		return bClean && cClean
	})
	for _, pair := range [][2]*CredNode{{a, b}, {b, c}, {c, d}} {
		if pendingCommits(pair[0], pair[1].Id) != 0 {
			t.Fatalf("pending commitments left on %s-%s",
				pair[0].Id.Short(), pair[1].Id.Short())
		}
	}
}

func TestMultiHopCapacityFailure(t *testing.T) {
	nodes := newTestMesh(t, 3)
	a, b, c := nodes[0], nodes[1], nodes[2]
	befriend(t, a, b, 1000, 1000)
	befriend(t, b, c, 1000, 1000)

	gossipUntilRouted(t, nodes, a, c, 500)

	// drain the advertised b->c capacity behind the graph's back
	if err := b.PushCredit(c.Id, 900); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "drain push", func() bool {
		return chanBalance(t, c, b.Id) == 900
	})

	invoiceId, _, err := c.CreateInvoice(500)
	if err != nil {
		t.Fatal(err)
	}
	payId, err := a.InitiatePayment(c.Id, 500, invoiceId)
	if err != nil {
		t.Fatal(err)
	}

	// b's live re-check refuses the forward and the cancel rolls back
	waitFor(t, "payment to fail", func() bool {
		return payStatus(a, payId) == PayStatusFailed
	})
	p, _ := a.QueryPaymentStatus(payId)
	if p.Reason != cnutil.REASON_CAPACITY {
		t.Fatalf("failure reason %x, want REASON_CAPACITY", p.Reason)
	}
	waitFor(t, "unwind", func() bool {
		return pendingCommits(a, b.Id) == 0 && pendingCommits(b, a.Id) == 0
	})
	if chanBalance(t, a, b.Id) != 0 {
		t.Fatal("failed payment moved the a-b balance")
	}
	b.PaymentMtx.Lock()
	nfw := len(b.Forwards)
	b.PaymentMtx.Unlock()
	if nfw != 0 {
		t.Fatal("refused forward left a record")
	}
}

func TestCommitmentExpiry(t *testing.T) {
	nodes := newTestMesh(t, 2)
	a, b := nodes[0], nodes[1]
	befriend(t, a, b, 1000, 1000)

	// open a conditional commitment whose setup message never follows, so
	// the far side just sits on it until the clock runs out
	var rhash [32]byte
	rhash[3] = 0x5e
	payId := PaymentId(b.Id, 123, "stuck")
	p := &Payment{
		PayId:    payId,
		Dest:     b.Id,
		Amt:      123,
		RHash:    rhash,
		Status:   PayStatusPending,
		FirstHop: b.Id,
		Created:  time.Now().Unix(),
	}
	a.PaymentMtx.Lock()
	a.Payments[payId] = p
	a.PaymentMtx.Unlock()

	f := a.friendByPeer(b.Id)
	a.queueOutgoing(f, outboxEntry{
		Op: cnutil.OpenCommitOp{
			PayId: payId, Amt: 123, RHash: rhash,
			Expiry: time.Now().Add(time.Second).Unix(),
		},
		PayId: payId,
	})

	waitFor(t, "commitment to open", func() bool {
		return pendingCommits(b, a.Id) == 1
	})
	waitFor(t, "expiry sweep", func() bool {
		return payStatus(a, payId) == PayStatusTimedOut
	})
	waitFor(t, "commitment release", func() bool {
		return pendingCommits(a, b.Id) == 0 && pendingCommits(b, a.Id) == 0
	})
	if chanBalance(t, a, b.Id) != 0 || chanBalance(t, b, a.Id) != 0 {
		t.Fatal("expired commitment moved a balance")
	}
}

// The receiver side of the sweep: the opener goes quiet after opening,
// so the receiver itself has to cancel the expired inbound commitment
// to free the capacity it reserves.
func TestInboundCommitmentExpiry(t *testing.T) {
	hub := NewPipeHub()
	t.Cleanup(hub.Stop)

	mk := func(sweep time.Duration) *CredNode {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatal(err)
		}
		dir := t.TempDir()
		nd, err := NewCredNode(priv, filepath.Join(dir, "cred.db"),
			hub.Attach(cnutil.IdFromPriv(priv)))
		if err != nil {
			t.Fatal(err)
		}
		if err = nd.UseInvoiceDB(filepath.Join(dir, "invoice.db")); err != nil {
			t.Fatal(err)
		}
		nd.CommitTTL = 3 * time.Second
		nd.HopTTL = 1 * time.Second
		nd.SweepInterval = sweep
		nd.Start()
		t.Cleanup(nd.Stop)
		return nd
	}

	// a never sweeps, so any release has to come from b
	a := mk(time.Hour)
	b := mk(100 * time.Millisecond)
	befriend(t, a, b, 1000, 1000)

	var rhash [32]byte
	rhash[7] = 0xd1
	f := a.friendByPeer(b.Id)
	a.queueOutgoing(f, outboxEntry{
		Op: cnutil.OpenCommitOp{
			Amt: 50, RHash: rhash,
			Expiry: time.Now().Add(time.Second).Unix(),
		},
	})

	waitFor(t, "commitment to open", func() bool {
		return pendingCommits(b, a.Id) == 1
	})
	waitFor(t, "inbound expiry sweep", func() bool {
		fb := b.friendByPeer(a.Id)
		fb.ChanMtx.Lock()
		defer fb.ChanMtx.Unlock()
		return len(fb.TChan.Ledger.InCommits) == 0 && fb.TChan.Ledger.PendingIn() == 0
	})
	waitFor(t, "opener side release", func() bool {
		return pendingCommits(a, b.Id) == 0
	})
	if chanBalance(t, a, b.Id) != 0 || chanBalance(t, b, a.Id) != 0 {
		t.Fatal("expired commitment moved a balance")
	}
}

func TestReconcile(t *testing.T) {
	nodes := newTestMesh(t, 2)
	a, b := nodes[0], nodes[1]
	befriend(t, a, b, 1000, 1000)

	if err := a.PushCredit(b.Id, 100); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "push", func() bool {
		return chanBalance(t, b, a.Id) == 100 && chanBalance(t, a, b.Id) == -100
	})

	// simulate corruption: both ends freeze their channel
	for _, pair := range [][2]*CredNode{{a, b}, {b, a}} {
		f := pair[0].friendByPeer(pair[1].Id)
		f.ChanMtx.Lock()
		f.TChan.markInconsistent()
		f.ChanMtx.Unlock()
	}

	if err := a.Reconcile(b.Id); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "reset terms to arrive", func() bool {
		f := b.friendByPeer(a.Id)
		f.ChanMtx.Lock()
		defer f.ChanMtx.Unlock()
		return f.TChan.HaveRemoteReset
	})
	if err := b.AcceptReconcile(a.Id); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "channel to reanchor", func() bool {
		fa, fb := a.friendByPeer(b.Id), b.friendByPeer(a.Id)
		fa.ChanMtx.Lock()
		aOk := fa.TChan.State == StateHasTurn && fa.TChan.Ledger.Balance == -100
		fa.ChanMtx.Unlock()
		fb.ChanMtx.Lock()
		bOk := fb.TChan.State == StateNoTurn && fb.TChan.Ledger.Balance == 100
		fb.ChanMtx.Unlock()
		return aOk && bOk
	})

	// the reanchored channel carries traffic again
	if err := a.PushCredit(b.Id, 50); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "post-reset push", func() bool {
		return chanBalance(t, b, a.Id) == 150 && chanBalance(t, a, b.Id) == -150
	})
}

func TestPersistenceAcrossRestart(t *testing.T) {
	hub := NewPipeHub()
	t.Cleanup(hub.Stop)

	_, privA, _ := ed25519.GenerateKey(rand.Reader)
	_, privB, _ := ed25519.GenerateKey(rand.Reader)
	dirA, dirB := t.TempDir(), t.TempDir()

	newNode := func(priv ed25519.PrivateKey, dir string) *CredNode {
		trans := hub.Attach(cnutil.IdFromPriv(priv))
		nd, err := NewCredNode(priv, filepath.Join(dir, "cred.db"), trans)
		if err != nil {
			t.Fatal(err)
		}
		nd.SweepInterval = 100 * time.Millisecond
		nd.Start()
		return nd
	}

	a := newNode(privA, dirA)
	b := newNode(privB, dirB)
	t.Cleanup(b.Stop)
	befriend(t, a, b, 1000, 1000)

	if err := a.PushCredit(b.Id, 321); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "push", func() bool {
		return chanBalance(t, a, b.Id) == -321
	})
	a.Stop()

	// a comes back with the channel intact
	a = newNode(privA, dirA)
	t.Cleanup(a.Stop)
	if got := chanBalance(t, a, b.Id); got != -321 {
		t.Fatalf("restored balance %d, want -321", got)
	}
	f := a.friendByPeer(b.Id)
	f.ChanMtx.Lock()
	active, cred := f.Active, f.TChan.Ledger.OutCredit
	f.ChanMtx.Unlock()
	if !active || cred != 1000 {
		t.Fatalf("restored friend active=%v outcredit=%d", active, cred)
	}

	if err := a.PushCredit(b.Id, 79); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "post-restart push", func() bool {
		return chanBalance(t, b, a.Id) == 400
	})
}

// Garbage from strangers must never take the node down; the transport
// delivery goroutine has no recovery above it.
func TestStrangerGarbageIgnored(t *testing.T) {
	nodes := newTestMesh(t, 1)
	a := nodes[0]

	var stranger cnutil.PeerId
	stranger[0] = 0x42
	a.receive(stranger, []byte{})
	a.receive(stranger, []byte{0x7f})
	a.receive(stranger, []byte{cnutil.MSGID_MOVETOKEN})

	a.FriendMtx.Lock()
	n := len(a.Friends)
	a.FriendMtx.Unlock()
	if n != 0 {
		t.Fatal("garbage made a friend")
	}
}

// A restart with more channels mid-proposal than the outgoing queue can
// buffer must still come up; the sender goroutine needs the friend
// table to drain, so the resend can't sit on it.
func TestResendUnackedManyChannels(t *testing.T) {
	nodes := newTestMesh(t, 1)
	a := nodes[0]

	a.FriendMtx.Lock()
	for i := uint32(1); i <= 80; i++ {
		var peer cnutil.PeerId
		peer[0], peer[1] = byte(i), 0xfe
		f := &Friend{
			Peer:     peer,
			Idx:      i,
			msgQueue: make(chan cnutil.CredMsg, 64),
			workerQ:  make(chan struct{}),
			TChan: &TChan{
				State:    StateAwaitingAck,
				LastSent: &cnutil.MoveTokenMsg{PeerIdx: i, Seq: 1},
			},
		}
		a.Friends[peer] = f
		a.FriendIdxs[i] = f
	}
	a.FriendMtx.Unlock()

	done := make(chan struct{})
	go func() {
		a.resendUnacked()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("resend wedged on the outgoing queue")
	}
}
