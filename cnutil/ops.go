package cnutil

import (
	"bytes"
	"fmt"
)

//op type tags inside a move token
const (
	OP_CREDIT       = 0x01 // unconditional push, proposer pays
	OP_OPENCOMMIT   = 0x02 // reserve credit pending a condition
	OP_SETTLECOMMIT = 0x03 // reveal the secret, collect the reservation
	OP_CANCELCOMMIT = 0x04 // release the reservation
)

// ChanOp is one operation inside a move token's batch.  Ops apply in
// order; an op may not reference a commitment opened later in the same
// batch.  (Application logic lives with the channel, not here.)
type ChanOp interface {
	OpType() uint8
	Bytes() []byte
}

// CreditOp pushes Amt from the proposer to the other side, no strings
// attached.
type CreditOp struct {
	Amt int64
}

func (self CreditOp) OpType() uint8 { return OP_CREDIT }
func (self CreditOp) Bytes() []byte {
	b := []byte{OP_CREDIT}
	return append(b, I64tB(self.Amt)...)
}

// OpenCommitOp reserves Amt of the proposer's credit toward the receiver
// until the receiver produces the preimage of RHash (or the reservation
// is cancelled).  Idx is the proposer's commitment id on this channel.
type OpenCommitOp struct {
	Idx    uint64
	PayId  [16]byte
	Amt    int64
	RHash  [32]byte
	Expiry int64 // unix seconds
}

func (self OpenCommitOp) OpType() uint8 { return OP_OPENCOMMIT }
func (self OpenCommitOp) Bytes() []byte {
	b := []byte{OP_OPENCOMMIT}
	b = append(b, U64tB(self.Idx)...)
	b = append(b, self.PayId[:]...)
	b = append(b, I64tB(self.Amt)...)
	b = append(b, self.RHash[:]...)
	b = append(b, I64tB(self.Expiry)...)
	return b
}

// SettleCommitOp resolves a commitment in the proposer's favor.  Only the
// side that received the open may propose it, and the secret must hash to
// the commitment's condition.
type SettleCommitOp struct {
	Idx    uint64
	Secret [32]byte
}

func (self SettleCommitOp) OpType() uint8 { return OP_SETTLECOMMIT }
func (self SettleCommitOp) Bytes() []byte {
	b := []byte{OP_SETTLECOMMIT}
	b = append(b, U64tB(self.Idx)...)
	b = append(b, self.Secret[:]...)
	return b
}

// CancelCommitOp resolves a commitment with no balance change.  Either
// side may propose it while the commitment is still pending.  Commitment
// ids are allocated by the side that opened the commitment, so ByPayer
// says whose id space Idx lives in: true when the proposer of this op is
// also the side that opened (and would have paid) the commitment.
type CancelCommitOp struct {
	Idx     uint64
	ByPayer bool
	Reason  uint8
}

func (self CancelCommitOp) OpType() uint8 { return OP_CANCELCOMMIT }
func (self CancelCommitOp) Bytes() []byte {
	b := []byte{OP_CANCELCOMMIT}
	b = append(b, U64tB(self.Idx)...)
	if self.ByPayer {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	b = append(b, self.Reason)
	return b
}

// ChanOpFromBytes reads one op off the front of buf.
func ChanOpFromBytes(buf *bytes.Buffer) (ChanOp, error) {
	opType, err := buf.ReadByte()
	if err != nil {
		return nil, err
	}
	switch opType {
	case OP_CREDIT:
		if buf.Len() < 8 {
			return nil, fmt.Errorf("credit op truncated")
		}
		return CreditOp{Amt: BtI64(buf.Next(8))}, nil
	case OP_OPENCOMMIT:
		if buf.Len() < 8+16+8+32+8 {
			return nil, fmt.Errorf("open commit op truncated")
		}
		var op OpenCommitOp
		op.Idx = BtU64(buf.Next(8))
		copy(op.PayId[:], buf.Next(16))
		op.Amt = BtI64(buf.Next(8))
		copy(op.RHash[:], buf.Next(32))
		op.Expiry = BtI64(buf.Next(8))
		return op, nil
	case OP_SETTLECOMMIT:
		if buf.Len() < 8+32 {
			return nil, fmt.Errorf("settle commit op truncated")
		}
		var op SettleCommitOp
		op.Idx = BtU64(buf.Next(8))
		copy(op.Secret[:], buf.Next(32))
		return op, nil
	case OP_CANCELCOMMIT:
		if buf.Len() < 10 {
			return nil, fmt.Errorf("cancel commit op truncated")
		}
		var op CancelCommitOp
		op.Idx = BtU64(buf.Next(8))
		byPayer, _ := buf.ReadByte()
		op.ByPayer = byPayer == 1
		op.Reason, _ = buf.ReadByte()
		return op, nil
	default:
		return nil, fmt.Errorf("unknown op type %x", opType)
	}
}
