package cnode

import (
	"bytes"
	"fmt"

	"github.com/mit-dci/cred/cnutil"
)

// On-disk formats.  Everything is written with the fixed-width helpers
// from cnutil; maps are length-prefixed and order-independent.

func (c *Commitment) Bytes() []byte {
	var buf bytes.Buffer
	buf.Write(cnutil.U64tB(c.Idx))
	buf.Write(c.PayId[:])
	buf.Write(cnutil.I64tB(c.Amt))
	buf.Write(c.RHash[:])
	buf.Write(cnutil.I64tB(c.Expiry))
	return buf.Bytes()
}

func CommitmentFromBytes(buf *bytes.Buffer) (*Commitment, error) {
	if buf.Len() < 72 {
		return nil, fmt.Errorf("commitment %d bytes, expect 72", buf.Len())
	}
	c := new(Commitment)
	c.Idx = cnutil.BtU64(buf.Next(8))
	copy(c.PayId[:], buf.Next(16))
	c.Amt = cnutil.BtI64(buf.Next(8))
	copy(c.RHash[:], buf.Next(32))
	c.Expiry = cnutil.BtI64(buf.Next(8))
	return c, nil
}

func (l *Ledger) Bytes() []byte {
	var buf bytes.Buffer
	buf.Write(cnutil.I64tB(l.Balance))
	buf.Write(cnutil.I64tB(l.OutCredit))
	buf.Write(cnutil.I64tB(l.InCredit))
	buf.Write(cnutil.U64tB(l.Seq))
	buf.Write(l.LastHash[:])
	buf.Write(cnutil.U64tB(l.NextCommitIdx))

	buf.Write(cnutil.U32tB(uint32(len(l.OutCommits))))
	for _, c := range l.OutCommits {
		buf.Write(c.Bytes())
	}
	buf.Write(cnutil.U32tB(uint32(len(l.InCommits))))
	for _, c := range l.InCommits {
		buf.Write(c.Bytes())
	}
	return buf.Bytes()
}

func LedgerFromBytes(buf *bytes.Buffer) (*Ledger, error) {
	if buf.Len() < 68 {
		return nil, fmt.Errorf("ledger header %d bytes, expect 68", buf.Len())
	}
	l := new(Ledger)
	l.Balance = cnutil.BtI64(buf.Next(8))
	l.OutCredit = cnutil.BtI64(buf.Next(8))
	l.InCredit = cnutil.BtI64(buf.Next(8))
	l.Seq = cnutil.BtU64(buf.Next(8))
	copy(l.LastHash[:], buf.Next(32))
	l.NextCommitIdx = cnutil.BtU64(buf.Next(8))

	l.OutCommits = make(map[uint64]*Commitment)
	l.InCommits = make(map[uint64]*Commitment)

	if buf.Len() < 4 {
		return nil, fmt.Errorf("ledger truncated")
	}
	n := cnutil.BtU32(buf.Next(4))
	for i := uint32(0); i < n; i++ {
		c, err := CommitmentFromBytes(buf)
		if err != nil {
			return nil, err
		}
		l.OutCommits[c.Idx] = c
	}
	if buf.Len() < 4 {
		return nil, fmt.Errorf("ledger truncated")
	}
	n = cnutil.BtU32(buf.Next(4))
	for i := uint32(0); i < n; i++ {
		c, err := CommitmentFromBytes(buf)
		if err != nil {
			return nil, err
		}
		l.InCommits[c.Idx] = c
	}
	return l, nil
}

func (tc *TChan) Bytes() []byte {
	var buf bytes.Buffer
	buf.Write(tc.Peer[:])
	buf.Write(cnutil.U32tB(tc.PeerIdx))
	buf.WriteByte(byte(tc.State))
	buf.Write(cnutil.U64tB(tc.RemoteResetSeq))
	buf.Write(cnutil.I64tB(tc.RemoteResetBalance))
	buf.WriteByte(cnutil.BoolToByte(tc.HaveRemoteReset))

	buf.Write(tc.Ledger.Bytes())

	if tc.Staged != nil {
		buf.WriteByte(1)
		buf.Write(tc.Staged.Bytes())
	} else {
		buf.WriteByte(0)
	}

	if tc.LastSent != nil {
		raw := tc.LastSent.Bytes()
		buf.WriteByte(1)
		buf.Write(cnutil.U32tB(uint32(len(raw))))
		buf.Write(raw)
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func TChanFromBytes(b []byte) (*TChan, error) {
	buf := bytes.NewBuffer(b)
	if buf.Len() < 54 {
		return nil, fmt.Errorf("tchan %d bytes, too short", buf.Len())
	}
	tc := new(TChan)
	copy(tc.Peer[:], buf.Next(32))
	tc.PeerIdx = cnutil.BtU32(buf.Next(4))
	tc.State = TcState(buf.Next(1)[0])
	tc.RemoteResetSeq = cnutil.BtU64(buf.Next(8))
	tc.RemoteResetBalance = cnutil.BtI64(buf.Next(8))
	tc.HaveRemoteReset = buf.Next(1)[0] == 1

	var err error
	tc.Ledger, err = LedgerFromBytes(buf)
	if err != nil {
		return nil, err
	}

	if buf.Len() < 1 {
		return nil, fmt.Errorf("tchan truncated")
	}
	if buf.Next(1)[0] == 1 {
		tc.Staged, err = LedgerFromBytes(buf)
		if err != nil {
			return nil, err
		}
	}

	if buf.Len() < 1 {
		return nil, fmt.Errorf("tchan truncated")
	}
	if buf.Next(1)[0] == 1 {
		if buf.Len() < 4 {
			return nil, fmt.Errorf("tchan truncated")
		}
		mlen := cnutil.BtU32(buf.Next(4))
		if uint32(buf.Len()) < mlen {
			return nil, fmt.Errorf("tchan move token truncated")
		}
		tc.LastSent, err = cnutil.NewMoveTokenMsgFromBytes(buf.Next(int(mlen)), tc.PeerIdx)
		if err != nil {
			return nil, err
		}
	}
	return tc, nil
}

func (p *Payment) Bytes() []byte {
	var buf bytes.Buffer
	buf.Write(p.PayId[:])
	buf.Write(p.Dest[:])
	buf.Write(cnutil.I64tB(p.Amt))
	buf.Write(p.RHash[:])
	buf.WriteByte(byte(p.Status))
	buf.WriteByte(p.Reason)
	buf.Write(p.Secret[:])
	buf.Write(p.FirstHop[:])
	buf.Write(cnutil.U64tB(p.CommitIdx))
	buf.WriteByte(cnutil.BoolToByte(p.OpenSent))
	buf.Write(cnutil.I64tB(p.Created))
	buf.Write(cnutil.I64tB(p.Resolved))
	buf.WriteByte(byte(len(p.Route)))
	for _, hop := range p.Route {
		buf.Write(hop[:])
	}
	return buf.Bytes()
}

func PaymentFromBytes(b []byte) (*Payment, error) {
	buf := bytes.NewBuffer(b)
	if buf.Len() < 180 {
		return nil, fmt.Errorf("payment %d bytes, too short", buf.Len())
	}
	p := new(Payment)
	copy(p.PayId[:], buf.Next(16))
	copy(p.Dest[:], buf.Next(32))
	p.Amt = cnutil.BtI64(buf.Next(8))
	copy(p.RHash[:], buf.Next(32))
	p.Status = PayStatus(buf.Next(1)[0])
	p.Reason = buf.Next(1)[0]
	copy(p.Secret[:], buf.Next(32))
	copy(p.FirstHop[:], buf.Next(32))
	p.CommitIdx = cnutil.BtU64(buf.Next(8))
	p.OpenSent = buf.Next(1)[0] == 1
	p.Created = cnutil.BtI64(buf.Next(8))
	p.Resolved = cnutil.BtI64(buf.Next(8))
	hops := int(buf.Next(1)[0])
	if buf.Len() < hops*32 {
		return nil, fmt.Errorf("payment route truncated")
	}
	for i := 0; i < hops; i++ {
		var hop cnutil.PeerId
		copy(hop[:], buf.Next(32))
		p.Route = append(p.Route, hop)
	}
	return p, nil
}

func (fw *Forward) Bytes() []byte {
	var buf bytes.Buffer
	buf.Write(fw.RHash[:])
	buf.Write(fw.PayId[:])
	buf.Write(cnutil.I64tB(fw.Amt))
	buf.Write(fw.InPeer[:])
	buf.Write(cnutil.U64tB(fw.InIdx))
	buf.Write(fw.OutPeer[:])
	buf.Write(cnutil.U64tB(fw.OutIdx))
	buf.WriteByte(cnutil.BoolToByte(fw.HaveOut))
	buf.Write(cnutil.I64tB(fw.Expiry))
	buf.WriteByte(cnutil.BoolToByte(fw.Settled))
	return buf.Bytes()
}

func ForwardFromBytes(b []byte) (*Forward, error) {
	buf := bytes.NewBuffer(b)
	if buf.Len() < 146 {
		return nil, fmt.Errorf("forward %d bytes, expect 146", buf.Len())
	}
	fw := new(Forward)
	copy(fw.RHash[:], buf.Next(32))
	copy(fw.PayId[:], buf.Next(16))
	fw.Amt = cnutil.BtI64(buf.Next(8))
	copy(fw.InPeer[:], buf.Next(32))
	fw.InIdx = cnutil.BtU64(buf.Next(8))
	copy(fw.OutPeer[:], buf.Next(32))
	fw.OutIdx = cnutil.BtU64(buf.Next(8))
	fw.HaveOut = buf.Next(1)[0] == 1
	fw.Expiry = cnutil.BtI64(buf.Next(8))
	fw.Settled = buf.Next(1)[0] == 1
	return fw, nil
}
