package cnode

import (
	"bytes"
	"fmt"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"

	"github.com/mit-dci/cred/cnutil"
)

var (
	BKTFriends  = []byte("fnd") // peer pubkey -> friend record
	BKTPayments = []byte("pay") // payid -> payment
	BKTForwards = []byte("fwd") // rhash -> forward
	BKTState    = []byte("sta") // misc node state

	KEYFriendIdx = []byte("idx") // next friend index
)

func (nd *CredNode) initDBBuckets() error {
	return nd.CredDB.Update(func(btx *bolt.Tx) error {
		for _, bkt := range [][]byte{BKTFriends, BKTPayments, BKTForwards, BKTState} {
			if _, err := btx.CreateBucketIfNotExists(bkt); err != nil {
				return err
			}
		}
		return nil
	})
}

// nextFriendIdx hands out friend indexes, never reusing one.
func (nd *CredNode) nextFriendIdx() (uint32, error) {
	var idx uint32
	err := nd.CredDB.Update(func(btx *bolt.Tx) error {
		sta := btx.Bucket(BKTState)
		if v := sta.Get(KEYFriendIdx); v != nil {
			idx = cnutil.BtU32(v)
		}
		return sta.Put(KEYFriendIdx, cnutil.U32tB(idx+1))
	})
	if err != nil {
		return 0, errors.Wrap(err, "friend idx")
	}
	return idx, nil
}

func friendRecordBytes(f *Friend) []byte {
	var buf bytes.Buffer
	buf.Write(cnutil.U32tB(f.Idx))
	buf.WriteByte(cnutil.BoolToByte(f.Active))
	buf.Write(f.TChan.Bytes())
	return buf.Bytes()
}

// SaveFriend persists the full friend record.  Takes the channel mutex.
func (nd *CredNode) SaveFriend(f *Friend) error {
	f.ChanMtx.Lock()
	rec := friendRecordBytes(f)
	f.ChanMtx.Unlock()
	return nd.putFriendRecord(f.Peer, rec)
}

// SaveChanState is SaveFriend for callers already holding ChanMtx.
// This is the log-before-send write: it must succeed before the staged
// move token may leave the process.
func (nd *CredNode) SaveChanState(f *Friend) error {
	return nd.putFriendRecord(f.Peer, friendRecordBytes(f))
}

func (nd *CredNode) putFriendRecord(peer cnutil.PeerId, rec []byte) error {
	err := nd.CredDB.Update(func(btx *bolt.Tx) error {
		return btx.Bucket(BKTFriends).Put(peer[:], rec)
	})
	if err != nil {
		return errors.Wrap(err, "save friend")
	}
	return nil
}

func (nd *CredNode) DeleteFriend(f *Friend) error {
	err := nd.CredDB.Update(func(btx *bolt.Tx) error {
		return btx.Bucket(BKTFriends).Delete(f.Peer[:])
	})
	if err != nil {
		return errors.Wrap(err, "delete friend")
	}
	return nil
}

func (nd *CredNode) SavePayment(p *Payment) error {
	err := nd.CredDB.Update(func(btx *bolt.Tx) error {
		return btx.Bucket(BKTPayments).Put(p.PayId[:], p.Bytes())
	})
	if err != nil {
		return errors.Wrap(err, "save payment")
	}
	return nil
}

func (nd *CredNode) SaveForward(fw *Forward) error {
	err := nd.CredDB.Update(func(btx *bolt.Tx) error {
		return btx.Bucket(BKTForwards).Put(fw.RHash[:], fw.Bytes())
	})
	if err != nil {
		return errors.Wrap(err, "save forward")
	}
	return nil
}

func (nd *CredNode) DeleteForward(fw *Forward) error {
	err := nd.CredDB.Update(func(btx *bolt.Tx) error {
		return btx.Bucket(BKTForwards).Delete(fw.RHash[:])
	})
	if err != nil {
		return errors.Wrap(err, "delete forward")
	}
	return nil
}

// purgeOldPayments drops resolved payments older than the cutoff, in db
// and in memory.  Caller holds PaymentMtx.
func (nd *CredNode) purgeOldPayments(cutoff int64) {
	var dead [][16]byte
	for id, p := range nd.Payments {
		if p.Status != PayStatusPending && p.Resolved != 0 && p.Resolved < cutoff {
			dead = append(dead, id)
		}
	}
	if len(dead) == 0 {
		return
	}
	err := nd.CredDB.Update(func(btx *bolt.Tx) error {
		bkt := btx.Bucket(BKTPayments)
		for _, id := range dead {
			if err := bkt.Delete(id[:]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return
	}
	for _, id := range dead {
		delete(nd.Payments, id)
	}
}

// restoreState rebuilds friends, payments and forwards from the db.
func (nd *CredNode) restoreState() error {
	return nd.CredDB.View(func(btx *bolt.Tx) error {
		err := btx.Bucket(BKTFriends).ForEach(func(k, v []byte) error {
			peer, err := cnutil.PeerIdFromBytes(k)
			if err != nil {
				return err
			}
			if len(v) < 5 {
				return fmt.Errorf("friend record %d bytes, too short", len(v))
			}
			idx := cnutil.BtU32(v[:4])
			active := v[4] == 1
			tc, err := TChanFromBytes(v[5:])
			if err != nil {
				return errors.Wrapf(err, "friend %s channel", peer.Short())
			}
			f := nd.newFriend(peer, idx)
			f.Active = active
			f.TChan = tc
			nd.Friends[peer] = f
			nd.FriendIdxs[idx] = f
			return nil
		})
		if err != nil {
			return err
		}

		err = btx.Bucket(BKTPayments).ForEach(func(k, v []byte) error {
			p, err := PaymentFromBytes(v)
			if err != nil {
				return err
			}
			nd.Payments[p.PayId] = p
			return nil
		})
		if err != nil {
			return err
		}

		return btx.Bucket(BKTForwards).ForEach(func(k, v []byte) error {
			fw, err := ForwardFromBytes(v)
			if err != nil {
				return err
			}
			nd.Forwards[fw.RHash] = fw
			return nil
		})
	})
}
