package cnutil

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/ed25519"
)

// PeerId is a node identity: an ed25519 public key.
type PeerId [32]byte

func (p PeerId) String() string {
	return hex.EncodeToString(p[:])
}

// Short returns an 8-hex-char handle for logs and the shell.
func (p PeerId) Short() string {
	return hex.EncodeToString(p[:4])
}

func PeerIdFromBytes(b []byte) (PeerId, error) {
	var p PeerId
	if len(b) != 32 {
		return p, fmt.Errorf("peer id %x wrong length %d", b, len(b))
	}
	copy(p[:], b)
	return p, nil
}

func PeerIdFromString(s string) (PeerId, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PeerId{}, err
	}
	return PeerIdFromBytes(b)
}

func (p PeerId) Pub() ed25519.PublicKey {
	return ed25519.PublicKey(p[:])
}

// Less orders two peer ids lexicographically.  Used to decide which side
// of a brand new channel starts out holding the turn.
func (p PeerId) Less(o PeerId) bool {
	return bytes.Compare(p[:], o[:]) < 0
}

// ChannelAnchor is the agreed-on hash both sides of a channel start from
// before any move token has been exchanged.
func ChannelAnchor(a, b PeerId) [32]byte {
	lo, hi := a, b
	if hi.Less(lo) {
		lo, hi = hi, lo
	}
	buf := make([]byte, 0, 64)
	buf = append(buf, lo[:]...)
	buf = append(buf, hi[:]...)
	return sha256.Sum256(buf)
}

// Sign signs msg with the node key.
func Sign(priv ed25519.PrivateKey, msg []byte) [64]byte {
	var sig [64]byte
	copy(sig[:], ed25519.Sign(priv, msg))
	return sig
}

// Verify checks sig over msg against the given peer.
func Verify(peer PeerId, msg []byte, sig [64]byte) bool {
	return ed25519.Verify(peer.Pub(), msg, sig[:])
}

// IdFromPriv extracts the PeerId for a private key.
func IdFromPriv(priv ed25519.PrivateKey) PeerId {
	var p PeerId
	copy(p[:], priv.Public().(ed25519.PublicKey))
	return p
}
