package cnode

import (
	"crypto/rand"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/mit-dci/cred/cnutil"
	"golang.org/x/crypto/ed25519"
)

// chanPair is two in-memory ends of one token channel, no node around
// them.  a holds the turn.
type chanPair struct {
	a, b         *TChan
	aPriv, bPriv ed25519.PrivateKey
}

func newChanPair(t *testing.T, inCredit, outCredit int64) *chanPair {
	t.Helper()
	_, priv1, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	_, priv2, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	id1 := cnutil.IdFromPriv(priv1)
	id2 := cnutil.IdFromPriv(priv2)
	anchor := cnutil.ChannelAnchor(id1, id2)

	a := &TChan{
		Peer:   id2,
		State:  StateHasTurn,
		Ledger: NewLedger(outCredit, inCredit, anchor),
	}
	b := &TChan{
		Peer:   id1,
		State:  StateNoTurn,
		Ledger: NewLedger(inCredit, outCredit, anchor),
	}
	return &chanPair{a: a, b: b, aPriv: priv1, bPriv: priv2}
}

// roundTrip proposes ops from `from`, applies at `to` and acks back.
func (p *chanPair) roundTrip(t *testing.T, fromA bool, ops []cnutil.ChanOp) {
	t.Helper()
	from, to := p.a, p.b
	fromPriv, toPriv := p.aPriv, p.bPriv
	if !fromA {
		from, to = p.b, p.a
		fromPriv, toPriv = p.bPriv, p.aPriv
	}

	msg, err := from.Propose(ops, fromPriv)
	if err != nil {
		t.Fatalf("propose: %s", err)
	}
	cls, _, reason := to.ApplyRemote(msg)
	if cls != rcvApplied {
		t.Fatalf("apply: class %d reason %d", cls, reason)
	}
	ack := to.AckFor(toPriv)
	if !from.ApplyAck(ack) {
		t.Fatal("ack not accepted")
	}
}

func TestCreditRoundTrip(t *testing.T) {
	p := newChanPair(t, 1000, 1000)

	p.roundTrip(t, true, []cnutil.ChanOp{cnutil.CreditOp{Amt: 300}})

	if p.a.Ledger.Balance != -300 {
		t.Fatalf("proposer balance %d, want -300", p.a.Ledger.Balance)
	}
	if p.b.Ledger.Balance != 300 {
		t.Fatalf("receiver balance %d, want 300", p.b.Ledger.Balance)
	}
	if p.a.State != StateNoTurn || p.b.State != StateHasTurn {
		t.Fatalf("turn didn't pass: a=%s b=%s", p.a.State, p.b.State)
	}
	if p.a.Ledger.LastHash != p.b.Ledger.LastHash {
		t.Fatal("hash chains diverged after clean round trip")
	}

	// turn is with b now, push some back
	p.roundTrip(t, false, []cnutil.ChanOp{cnutil.CreditOp{Amt: 100}})
	if p.a.Ledger.Balance != -200 || p.b.Ledger.Balance != 200 {
		t.Fatalf("balances %d/%d after return push, want -200/200",
			p.a.Ledger.Balance, p.b.Ledger.Balance)
	}
}

func TestCreditBound(t *testing.T) {
	p := newChanPair(t, 1000, 500)

	// a may owe b at most 500
	_, err := p.a.Propose([]cnutil.ChanOp{cnutil.CreditOp{Amt: 501}}, p.aPriv)
	if err != ErrExceedsCredit {
		t.Fatalf("got %v, want ErrExceedsCredit", err)
	}
	if p.a.State != StateHasTurn || p.a.Ledger.Balance != 0 {
		t.Fatal("failed proposal changed local state")
	}

	// exactly at the bound is fine
	p.roundTrip(t, true, []cnutil.ChanOp{cnutil.CreditOp{Amt: 500}})
	if p.a.Ledger.Balance != -500 {
		t.Fatalf("balance %d, want -500", p.a.Ledger.Balance)
	}
}

func TestReceiverRechecksBounds(t *testing.T) {
	p := newChanPair(t, 1000, 1000)

	// proposer thinks the bound is looser than the receiver does
	p.a.Ledger.OutCredit = 5000
	msg, err := p.a.Propose([]cnutil.ChanOp{cnutil.CreditOp{Amt: 2000}}, p.aPriv)
	if err != nil {
		t.Fatal(err)
	}
	cls, _, reason := p.b.ApplyRemote(msg)
	if cls != rcvRejected {
		t.Fatalf("class %d, want rcvRejected", cls)
	}
	if reason != cnutil.REASON_CREDIT {
		t.Fatalf("reason %d, want REASON_CREDIT", reason)
	}
	if p.b.Ledger.Balance != 0 || p.b.Ledger.Seq != 0 {
		t.Fatal("rejected token moved the receiver's ledger")
	}

	// proposer unwinds on the nack and may propose again
	nack := cnutil.MoveTokenNackMsg{Seq: msg.Seq, Reason: reason}
	ops := p.a.ApplyNack(nack)
	if len(ops) != 1 {
		t.Fatalf("nack returned %d inflight ops, want 1", len(ops))
	}
	if p.a.State != StateHasTurn || p.a.Staged != nil {
		t.Fatal("nack didn't restore proposer to HasTurn")
	}
}

func TestTurnDiscipline(t *testing.T) {
	p := newChanPair(t, 1000, 1000)

	// b doesn't hold the turn and may not propose
	_, err := p.b.Propose([]cnutil.ChanOp{cnutil.CreditOp{Amt: 10}}, p.bPriv)
	if err != ErrNotYourTurn {
		t.Fatalf("got %v, want ErrNotYourTurn", err)
	}

	// b proposes anyway by forging channel state; a rejects, no split brain
	forged := &TChan{Peer: p.a.Peer, State: StateHasTurn, Ledger: p.b.Ledger}
	msg, err := forged.Propose([]cnutil.ChanOp{cnutil.CreditOp{Amt: 10}}, p.bPriv)
	if err != nil {
		t.Fatal(err)
	}
	cls, _, reason := p.a.ApplyRemote(msg)
	if cls != rcvRejected || reason != cnutil.REASON_TURN {
		t.Fatalf("class %d reason %d, want rejected/REASON_TURN", cls, reason)
	}
	if p.a.State != StateHasTurn {
		t.Fatal("turn violation changed holder's state")
	}
}

func TestDuplicateTokenReAck(t *testing.T) {
	p := newChanPair(t, 1000, 1000)

	msg, err := p.a.Propose([]cnutil.ChanOp{cnutil.CreditOp{Amt: 50}}, p.aPriv)
	if err != nil {
		t.Fatal(err)
	}
	cls, _, _ := p.b.ApplyRemote(msg)
	if cls != rcvApplied {
		t.Fatalf("first delivery class %d", cls)
	}
	balance, seq := p.b.Ledger.Balance, p.b.Ledger.Seq

	// ack got lost, a resends the same token
	cls, _, _ = p.b.ApplyRemote(msg)
	if cls != rcvDuplicate {
		t.Fatalf("second delivery class %d, want rcvDuplicate", cls)
	}
	if p.b.Ledger.Balance != balance || p.b.Ledger.Seq != seq {
		t.Fatal("duplicate delivery changed the ledger")
	}

	// the re-ack completes a's round
	if !p.a.ApplyAck(p.b.AckFor(p.bPriv)) {
		t.Fatal("re-ack not accepted")
	}
}

func TestBatchAtomicity(t *testing.T) {
	p := newChanPair(t, 1000, 1000)

	var secret [32]byte
	secret[0] = 7
	rhash := sha256.Sum256(secret[:])
	expiry := time.Now().Add(time.Minute).Unix()

	// second op references a commitment that doesn't exist: whole batch dies
	ops := []cnutil.ChanOp{
		cnutil.CreditOp{Amt: 100},
		cnutil.SettleCommitOp{Idx: 99, Secret: secret},
	}
	_, err := p.a.Propose(ops, p.aPriv)
	if err != ErrUnknownCommitment {
		t.Fatalf("got %v, want ErrUnknownCommitment", err)
	}
	if p.a.Ledger.Balance != 0 || len(p.a.Ledger.OutCommits) != 0 {
		t.Fatal("failed batch left partial effects")
	}

	// a batch may open a commitment and push credit atomically
	ops = []cnutil.ChanOp{
		cnutil.OpenCommitOp{Idx: 0, Amt: 200, RHash: rhash, Expiry: expiry},
		cnutil.CreditOp{Amt: 100},
	}
	p.roundTrip(t, true, ops)
	if p.a.Ledger.Balance != -100 {
		t.Fatalf("balance %d, want -100", p.a.Ledger.Balance)
	}
	if len(p.a.Ledger.OutCommits) != 1 || len(p.b.Ledger.InCommits) != 1 {
		t.Fatal("commitment not mirrored on both sides")
	}
	if p.a.Ledger.PendingOut() != 200 || p.b.Ledger.PendingIn() != 200 {
		t.Fatal("pending totals wrong")
	}
}

func TestCommitSettleAndCancel(t *testing.T) {
	p := newChanPair(t, 1000, 1000)

	var secret [32]byte
	copy(secret[:], []byte("the preimage"))
	rhash := sha256.Sum256(secret[:])
	expiry := time.Now().Add(time.Minute).Unix()

	p.roundTrip(t, true, []cnutil.ChanOp{
		cnutil.OpenCommitOp{Idx: 0, Amt: 150, RHash: rhash, Expiry: expiry},
	})

	// wrong secret doesn't settle
	var bogus [32]byte
	_, err := p.b.Propose([]cnutil.ChanOp{
		cnutil.SettleCommitOp{Idx: 0, Secret: bogus},
	}, p.bPriv)
	if err != ErrUnknownCommitment {
		t.Fatalf("bogus secret: got %v", err)
	}

	// right secret does, receiver collects
	p.roundTrip(t, false, []cnutil.ChanOp{
		cnutil.SettleCommitOp{Idx: 0, Secret: secret},
	})
	if p.a.Ledger.Balance != -150 || p.b.Ledger.Balance != 150 {
		t.Fatalf("balances %d/%d after settle, want -150/150",
			p.a.Ledger.Balance, p.b.Ledger.Balance)
	}
	if len(p.a.Ledger.OutCommits) != 0 || len(p.b.Ledger.InCommits) != 0 {
		t.Fatal("settled commitment still pending")
	}

	// settling again fails: the commitment resolved exactly once
	_, err = p.b.Propose([]cnutil.ChanOp{
		cnutil.SettleCommitOp{Idx: 0, Secret: secret},
	}, p.bPriv)
	if err != ErrUnknownCommitment {
		t.Fatalf("double settle: got %v", err)
	}

	// cancel path: open from b this time, then b cancels its own open
	p.roundTrip(t, false, []cnutil.ChanOp{
		cnutil.OpenCommitOp{Idx: 0, Amt: 70, RHash: rhash, Expiry: expiry},
	})
	p.roundTrip(t, false, []cnutil.ChanOp{
		cnutil.CancelCommitOp{Idx: 0, ByPayer: true, Reason: cnutil.REASON_EXPIRED},
	})
	if p.a.Ledger.Balance != -150 || p.b.Ledger.Balance != 150 {
		t.Fatal("cancel moved a balance")
	}
	if len(p.b.Ledger.OutCommits) != 0 || len(p.a.Ledger.InCommits) != 0 {
		t.Fatal("cancelled commitment still pending")
	}
}

func TestPendingReservationBounds(t *testing.T) {
	p := newChanPair(t, 1000, 500)

	var rhash [32]byte
	expiry := time.Now().Add(time.Minute).Unix()

	p.roundTrip(t, true, []cnutil.ChanOp{
		cnutil.OpenCommitOp{Idx: 0, Amt: 400, RHash: rhash, Expiry: expiry},
	})
	// turn is with b; pass it back so a may propose again
	msg, err := p.b.Propose(nil, p.bPriv)
	if err != nil {
		t.Fatal(err)
	}
	if cls, _, _ := p.a.ApplyRemote(msg); cls != rcvApplied {
		t.Fatal("empty token not applied")
	}
	if !p.b.ApplyAck(p.a.AckFor(p.aPriv)) {
		t.Fatal("turn pass not acked")
	}

	// 400 reserved out of 500: another 200 would breach the bound even
	// though the balance itself is still 0
	_, err = p.a.Propose([]cnutil.ChanOp{
		cnutil.OpenCommitOp{Idx: 1, Amt: 200, RHash: rhash, Expiry: expiry},
	}, p.aPriv)
	if err != ErrExceedsCredit {
		t.Fatalf("got %v, want ErrExceedsCredit", err)
	}
	_, err = p.a.Propose([]cnutil.ChanOp{cnutil.CreditOp{Amt: 200}}, p.aPriv)
	if err != ErrExceedsCredit {
		t.Fatalf("credit on top of reservation: got %v, want ErrExceedsCredit", err)
	}
}

func TestImplicitAckPromotion(t *testing.T) {
	p := newChanPair(t, 1000, 1000)

	msg, err := p.a.Propose([]cnutil.ChanOp{cnutil.CreditOp{Amt: 25}}, p.aPriv)
	if err != nil {
		t.Fatal(err)
	}
	if cls, _, _ := p.b.ApplyRemote(msg); cls != rcvApplied {
		t.Fatal("b didn't apply")
	}

	// b's explicit ack is lost; b proposes the next move on top
	msg2, err := p.b.Propose([]cnutil.ChanOp{cnutil.CreditOp{Amt: 5}}, p.bPriv)
	if err != nil {
		t.Fatal(err)
	}
	cls, _, _ := p.a.ApplyRemote(msg2)
	if cls != rcvApplied {
		t.Fatalf("chained token class %d, want rcvApplied", cls)
	}
	if p.a.Ledger.Balance != -20 {
		t.Fatalf("balance %d, want -20 (both tokens applied)", p.a.Ledger.Balance)
	}
	if p.a.Ledger.Seq != 2 || p.a.Ledger.LastHash != msg2.TokenHash() {
		t.Fatal("implicit ack didn't land on the chained token")
	}
}

func TestBrokenChainFreezes(t *testing.T) {
	p := newChanPair(t, 1000, 1000)
	p.roundTrip(t, true, []cnutil.ChanOp{cnutil.CreditOp{Amt: 10}})

	// b proposes off a garbage prev hash
	msg, err := p.b.Propose([]cnutil.ChanOp{cnutil.CreditOp{Amt: 10}}, p.bPriv)
	if err != nil {
		t.Fatal(err)
	}
	msg.PrevHash[0] ^= 0xff
	msg.Sig = cnutil.Sign(p.bPriv, msg.SigBuf())

	cls, _, _ := p.a.ApplyRemote(msg)
	if cls != rcvInconsistent {
		t.Fatalf("class %d, want rcvInconsistent", cls)
	}
	if p.a.State != StateInconsistent {
		t.Fatal("channel not frozen")
	}

	// frozen means frozen: no proposing, no applying
	if _, err = p.a.Propose([]cnutil.ChanOp{cnutil.CreditOp{Amt: 1}}, p.aPriv); err != ErrInconsistentState {
		t.Fatalf("propose on frozen channel: got %v", err)
	}
}

func TestBadSignatureFreezes(t *testing.T) {
	p := newChanPair(t, 1000, 1000)

	msg, err := p.a.Propose([]cnutil.ChanOp{cnutil.CreditOp{Amt: 10}}, p.aPriv)
	if err != nil {
		t.Fatal(err)
	}
	msg.Sig[0] ^= 0xff
	cls, _, _ := p.b.ApplyRemote(msg)
	if cls != rcvInconsistent {
		t.Fatalf("class %d, want rcvInconsistent", cls)
	}
	if p.b.State != StateInconsistent {
		t.Fatal("channel not frozen on bad signature")
	}
}

func TestReanchor(t *testing.T) {
	p := newChanPair(t, 1000, 1000)
	p.roundTrip(t, true, []cnutil.ChanOp{cnutil.CreditOp{Amt: 10}})

	var rhash [32]byte
	expiry := time.Now().Add(time.Minute).Unix()
	p.roundTrip(t, false, []cnutil.ChanOp{
		cnutil.OpenCommitOp{Idx: 0, Amt: 50, RHash: rhash, Expiry: expiry},
	})

	seq, bal := p.a.ResetTerms()
	if seq != p.a.Ledger.Seq+2 {
		t.Fatalf("reset seq %d, want seq+2", seq)
	}
	if bal != -10 {
		t.Fatalf("reset balance %d, want -10", bal)
	}

	var anchor [32]byte
	anchor[0] = 1
	p.a.Reanchor(seq, bal, anchor, true)
	p.b.Reanchor(seq, -bal, anchor, false)

	if p.a.Ledger.Balance != -10 || p.b.Ledger.Balance != 10 {
		t.Fatal("reanchor lost the agreed balance")
	}
	if len(p.a.Ledger.InCommits) != 0 || len(p.b.Ledger.OutCommits) != 0 {
		t.Fatal("reanchor kept pending commitments")
	}
	if p.a.Ledger.LastHash != p.b.Ledger.LastHash {
		t.Fatal("reanchored ends disagree on the anchor")
	}

	// the channel moves again
	p.roundTrip(t, true, []cnutil.ChanOp{cnutil.CreditOp{Amt: 5}})
	if p.a.Ledger.Balance != -15 {
		t.Fatalf("post-reset balance %d, want -15", p.a.Ledger.Balance)
	}
}
