package cnutil

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

//id numbers for messages, semi-arbitrary
const (
	//Friend handshake
	MSGID_HELLO    = 0x01 // propose a new friendship and credit limits
	MSGID_HELLOACK = 0x02 // accept, echo limits back

	//Token channel messages
	MSGID_MOVETOKEN     = 0x10 // signed state transition with op batch
	MSGID_MOVETOKENACK  = 0x11 // accept a move token, pass nothing back
	MSGID_MOVETOKENNACK = 0x12 // reject a move token with a reason
	MSGID_TOKENREQ      = 0x13 // ask the turn holder to pass the turn

	//Reconciliation (inconsistent channels only)
	MSGID_RECONCILEREQ = 0x20 // propose reset terms
	MSGID_RECONCILEACK = 0x21 // accept reset terms

	//Payment messages
	MSGID_PAYSETUP = 0x30 // per-hop route hint for a conditional transfer

	//Routing messages
	MSGID_LINKADV = 0x40 // gossip of a node's channel capacities
)

// Nack / cancel reason codes.  These travel on the wire, so they're here
// and not in the node package.
const (
	REASON_NONE        = 0x00
	REASON_CREDIT      = 0x01 // op batch would breach a credit bound
	REASON_UNKNOWN_OP  = 0x02 // op references a commitment we don't have
	REASON_CAPACITY    = 0x03 // forward-time capacity re-check failed
	REASON_EXPIRED     = 0x04 // commitment ran out the clock
	REASON_NO_INVOICE  = 0x05 // destination has no matching invoice
	REASON_BAD_SECRET  = 0x06 // settle secret doesn't hash to the condition
	REASON_PENDING_CAP = 0x07 // too many open commitments on this channel
	REASON_SHUTDOWN    = 0x08 // channel reconciled or friend removed
	REASON_TURN        = 0x09 // proposal from the side not holding the turn
)

//interface that all messages follow, for easy use
type CredMsg interface {
	Peer() uint32   //return PeerIdx
	MsgType() uint8 //returns Message Type (see constants above)
	Bytes() []byte  //returns data of message as []byte with the MsgType() preceding it
}

//method for finding what type of message a generic []byte is
func CredMsgFromBytes(b []byte, peerid uint32) (CredMsg, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("got empty message from peer %d", peerid)
	}
	msgType := b[0] // first byte signifies what type of message is

	switch msgType {
	case MSGID_HELLO, MSGID_HELLOACK:
		return NewHelloMsgFromBytes(b, peerid)
	case MSGID_MOVETOKEN:
		return NewMoveTokenMsgFromBytes(b, peerid)
	case MSGID_MOVETOKENACK:
		return NewMoveTokenAckMsgFromBytes(b, peerid)
	case MSGID_MOVETOKENNACK:
		return NewMoveTokenNackMsgFromBytes(b, peerid)
	case MSGID_TOKENREQ:
		return NewTokenReqMsgFromBytes(b, peerid)
	case MSGID_RECONCILEREQ, MSGID_RECONCILEACK:
		return NewReconcileMsgFromBytes(b, peerid)
	case MSGID_PAYSETUP:
		return NewPaySetupMsgFromBytes(b, peerid)
	case MSGID_LINKADV:
		return NewLinkAdvMsgFromBytes(b, peerid)
	default:
		return nil, fmt.Errorf("unknown message id %x from peer %d", msgType, peerid)
	}
}

// ----- HELLO / HELLOACK

// HelloMsg proposes (or, as an ack, confirms) a friendship.  ExtendCredit
// is the ceiling the sender lets the receiver owe; RequestCredit is what
// the sender would like in return.
type HelloMsg struct {
	PeerIdx       uint32
	Ack           bool
	ExtendCredit  int64
	RequestCredit int64
}

func NewHelloMsg(peerid uint32, ack bool, extend, request int64) HelloMsg {
	return HelloMsg{
		PeerIdx:       peerid,
		Ack:           ack,
		ExtendCredit:  extend,
		RequestCredit: request,
	}
}

func NewHelloMsgFromBytes(b []byte, peerid uint32) (HelloMsg, error) {
	var msg HelloMsg
	if len(b) < 17 {
		return msg, fmt.Errorf("HelloMsg %d bytes, expect 17", len(b))
	}
	msg.PeerIdx = peerid
	msg.Ack = b[0] == MSGID_HELLOACK
	msg.ExtendCredit = BtI64(b[1:9])
	msg.RequestCredit = BtI64(b[9:17])
	return msg, nil
}

func (self HelloMsg) Bytes() []byte {
	msg := []byte{self.MsgType()}
	msg = append(msg, I64tB(self.ExtendCredit)...)
	msg = append(msg, I64tB(self.RequestCredit)...)
	return msg
}

func (self HelloMsg) Peer() uint32 { return self.PeerIdx }
func (self HelloMsg) MsgType() uint8 {
	if self.Ack {
		return MSGID_HELLOACK
	}
	return MSGID_HELLO
}

// ----- MOVETOKEN

// MoveTokenMsg is one signed transition of a token channel: an ordered op
// batch on top of the previous accepted token.
type MoveTokenMsg struct {
	PeerIdx  uint32
	Seq      uint64
	PrevHash [32]byte
	Ops      []ChanOp
	Sig      [64]byte
}

// SigBuf is the canonical buffer the proposer signs.
func (self *MoveTokenMsg) SigBuf() []byte {
	var buf bytes.Buffer
	buf.Write(self.PrevHash[:])
	binary.Write(&buf, binary.BigEndian, self.Seq)
	binary.Write(&buf, binary.BigEndian, uint16(len(self.Ops)))
	for _, op := range self.Ops {
		buf.Write(op.Bytes())
	}
	return buf.Bytes()
}

// TokenHash commits to both the signed buffer and the signature, so the
// hash chain also pins who moved the token.
func (self *MoveTokenMsg) TokenHash() [32]byte {
	buf := append(self.SigBuf(), self.Sig[:]...)
	return sha256.Sum256(buf)
}

func NewMoveTokenMsgFromBytes(b []byte, peerid uint32) (*MoveTokenMsg, error) {
	msg := new(MoveTokenMsg)
	msg.PeerIdx = peerid
	if len(b) < 1+32+8+2+64 {
		return nil, fmt.Errorf("MoveTokenMsg %d bytes, too short", len(b))
	}
	buf := bytes.NewBuffer(b[1:])
	copy(msg.PrevHash[:], buf.Next(32))
	binary.Read(buf, binary.BigEndian, &msg.Seq)
	var opCount uint16
	binary.Read(buf, binary.BigEndian, &opCount)
	for i := uint16(0); i < opCount; i++ {
		op, err := ChanOpFromBytes(buf)
		if err != nil {
			return nil, err
		}
		msg.Ops = append(msg.Ops, op)
	}
	if buf.Len() < 64 {
		return nil, fmt.Errorf("MoveTokenMsg missing signature")
	}
	copy(msg.Sig[:], buf.Next(64))
	return msg, nil
}

func (self *MoveTokenMsg) Bytes() []byte {
	msg := []byte{self.MsgType()}
	msg = append(msg, self.SigBuf()...)
	msg = append(msg, self.Sig[:]...)
	return msg
}

func (self *MoveTokenMsg) Peer() uint32   { return self.PeerIdx }
func (self *MoveTokenMsg) MsgType() uint8 { return MSGID_MOVETOKEN }

// ----- MOVETOKENACK

// MoveTokenAckMsg confirms that the peer applied our move token.
type MoveTokenAckMsg struct {
	PeerIdx   uint32
	Seq       uint64
	TokenHash [32]byte
	Sig       [64]byte
}

// SigBuf for an ack is domain-separated from move token signing.
func (self MoveTokenAckMsg) SigBuf() []byte {
	buf := []byte("ack")
	buf = append(buf, U64tB(self.Seq)...)
	buf = append(buf, self.TokenHash[:]...)
	return buf
}

func NewMoveTokenAckMsgFromBytes(b []byte, peerid uint32) (MoveTokenAckMsg, error) {
	var msg MoveTokenAckMsg
	if len(b) < 1+8+32+64 {
		return msg, fmt.Errorf("MoveTokenAckMsg %d bytes, expect 105", len(b))
	}
	msg.PeerIdx = peerid
	msg.Seq = BtU64(b[1:9])
	copy(msg.TokenHash[:], b[9:41])
	copy(msg.Sig[:], b[41:105])
	return msg, nil
}

func (self MoveTokenAckMsg) Bytes() []byte {
	msg := []byte{self.MsgType()}
	msg = append(msg, U64tB(self.Seq)...)
	msg = append(msg, self.TokenHash[:]...)
	msg = append(msg, self.Sig[:]...)
	return msg
}

func (self MoveTokenAckMsg) Peer() uint32   { return self.PeerIdx }
func (self MoveTokenAckMsg) MsgType() uint8 { return MSGID_MOVETOKENACK }

// ----- MOVETOKENNACK

// MoveTokenNackMsg rejects a move token.  The reason is this side's local
// verdict; it never echoes the proposer's error.
type MoveTokenNackMsg struct {
	PeerIdx uint32
	Seq     uint64
	Reason  uint8
}

func NewMoveTokenNackMsgFromBytes(b []byte, peerid uint32) (MoveTokenNackMsg, error) {
	var msg MoveTokenNackMsg
	if len(b) < 10 {
		return msg, fmt.Errorf("MoveTokenNackMsg %d bytes, expect 10", len(b))
	}
	msg.PeerIdx = peerid
	msg.Seq = BtU64(b[1:9])
	msg.Reason = b[9]
	return msg, nil
}

func (self MoveTokenNackMsg) Bytes() []byte {
	msg := []byte{self.MsgType()}
	msg = append(msg, U64tB(self.Seq)...)
	msg = append(msg, self.Reason)
	return msg
}

func (self MoveTokenNackMsg) Peer() uint32   { return self.PeerIdx }
func (self MoveTokenNackMsg) MsgType() uint8 { return MSGID_MOVETOKENNACK }

// ----- TOKENREQ

// TokenReqMsg asks the side holding the turn to pass it with an empty
// move token, so the requester can propose.
type TokenReqMsg struct {
	PeerIdx uint32
}

func NewTokenReqMsgFromBytes(b []byte, peerid uint32) (TokenReqMsg, error) {
	return TokenReqMsg{PeerIdx: peerid}, nil
}

func (self TokenReqMsg) Bytes() []byte  { return []byte{self.MsgType()} }
func (self TokenReqMsg) Peer() uint32   { return self.PeerIdx }
func (self TokenReqMsg) MsgType() uint8 { return MSGID_TOKENREQ }

// ----- RECONCILEREQ / RECONCILEACK

// ReconcileMsg carries reset terms for an inconsistent channel: the new
// sequence anchor and the sender's view of the balance (positive meaning
// the receiver owes the sender).
type ReconcileMsg struct {
	PeerIdx uint32
	Ack     bool
	Seq     uint64
	Balance int64
	Sig     [64]byte
}

func (self ReconcileMsg) SigBuf() []byte {
	buf := []byte("reset")
	buf = append(buf, U64tB(self.Seq)...)
	buf = append(buf, I64tB(self.Balance)...)
	return buf
}

func NewReconcileMsgFromBytes(b []byte, peerid uint32) (ReconcileMsg, error) {
	var msg ReconcileMsg
	if len(b) < 1+8+8+64 {
		return msg, fmt.Errorf("ReconcileMsg %d bytes, expect 81", len(b))
	}
	msg.PeerIdx = peerid
	msg.Ack = b[0] == MSGID_RECONCILEACK
	msg.Seq = BtU64(b[1:9])
	msg.Balance = BtI64(b[9:17])
	copy(msg.Sig[:], b[17:81])
	return msg, nil
}

func (self ReconcileMsg) Bytes() []byte {
	msg := []byte{self.MsgType()}
	msg = append(msg, U64tB(self.Seq)...)
	msg = append(msg, I64tB(self.Balance)...)
	msg = append(msg, self.Sig[:]...)
	return msg
}

func (self ReconcileMsg) Peer() uint32 { return self.PeerIdx }
func (self ReconcileMsg) MsgType() uint8 {
	if self.Ack {
		return MSGID_RECONCILEACK
	}
	return MSGID_RECONCILEREQ
}

// ----- PAYSETUP

// PaySetupMsg rides alongside an open-commitment op and tells the
// receiving hop where the payment still has to go.  Route[0] is the next
// hop after the receiver; the last entry is the destination.  Empty route
// means the receiver is the destination.
type PaySetupMsg struct {
	PeerIdx uint32
	PayId   [16]byte
	RHash   [32]byte
	Amt     int64
	Route   []PeerId
}

func NewPaySetupMsgFromBytes(b []byte, peerid uint32) (PaySetupMsg, error) {
	var msg PaySetupMsg
	if len(b) < 1+16+32+8+1 {
		return msg, fmt.Errorf("PaySetupMsg %d bytes, too short", len(b))
	}
	msg.PeerIdx = peerid
	buf := bytes.NewBuffer(b[1:])
	copy(msg.PayId[:], buf.Next(16))
	copy(msg.RHash[:], buf.Next(32))
	msg.Amt = BtI64(buf.Next(8))
	hopCount, err := buf.ReadByte()
	if err != nil {
		return msg, err
	}
	for i := uint8(0); i < hopCount; i++ {
		hop, err := PeerIdFromBytes(buf.Next(32))
		if err != nil {
			return msg, err
		}
		msg.Route = append(msg.Route, hop)
	}
	return msg, nil
}

func (self PaySetupMsg) Bytes() []byte {
	msg := []byte{self.MsgType()}
	msg = append(msg, self.PayId[:]...)
	msg = append(msg, self.RHash[:]...)
	msg = append(msg, I64tB(self.Amt)...)
	msg = append(msg, uint8(len(self.Route)))
	for _, hop := range self.Route {
		msg = append(msg, hop[:]...)
	}
	return msg
}

func (self PaySetupMsg) Peer() uint32   { return self.PeerIdx }
func (self PaySetupMsg) MsgType() uint8 { return MSGID_PAYSETUP }

// ----- LINKADV

// LinkInfo is one advertised link: a neighbor and how much the advertiser
// can currently forward toward it.
type LinkInfo struct {
	Peer     PeerId
	Capacity int64
}

// LinkAdvMsg is gossip: Node's channel capacities as of Seq.  Receivers
// store the newest Seq per node and re-flood.
type LinkAdvMsg struct {
	PeerIdx uint32
	Node    PeerId
	Seq     uint32
	Links   []LinkInfo
}

func NewLinkAdvMsgFromBytes(b []byte, peerid uint32) (LinkAdvMsg, error) {
	var msg LinkAdvMsg
	if len(b) < 1+32+4+1 {
		return msg, fmt.Errorf("LinkAdvMsg %d bytes, too short", len(b))
	}
	msg.PeerIdx = peerid
	buf := bytes.NewBuffer(b[1:])
	node, err := PeerIdFromBytes(buf.Next(32))
	if err != nil {
		return msg, err
	}
	msg.Node = node
	msg.Seq = BtU32(buf.Next(4))
	linkCount, err := buf.ReadByte()
	if err != nil {
		return msg, err
	}
	for i := uint8(0); i < linkCount; i++ {
		peer, err := PeerIdFromBytes(buf.Next(32))
		if err != nil {
			return msg, err
		}
		cap := BtI64(buf.Next(8))
		msg.Links = append(msg.Links, LinkInfo{Peer: peer, Capacity: cap})
	}
	return msg, nil
}

func (self LinkAdvMsg) Bytes() []byte {
	msg := []byte{self.MsgType()}
	msg = append(msg, self.Node[:]...)
	msg = append(msg, U32tB(self.Seq)...)
	msg = append(msg, uint8(len(self.Links)))
	for _, link := range self.Links {
		msg = append(msg, link.Peer[:]...)
		msg = append(msg, I64tB(link.Capacity)...)
	}
	return msg
}

func (self LinkAdvMsg) Peer() uint32   { return self.PeerIdx }
func (self LinkAdvMsg) MsgType() uint8 { return MSGID_LINKADV }
