package invoice

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"
)

var BKTInvoices = []byte("inv") // condition hash -> invoice

// Manager keeps the invoices this node issued.
type Manager struct {
	db *bolt.DB
}

func NewManager(dbPath string) (*Manager, error) {
	db, err := bolt.Open(dbPath, 0644, &bolt.Options{Timeout: time.Second * 2})
	if err != nil {
		return nil, errors.Wrap(err, "open invoice db")
	}
	err = db.Update(func(btx *bolt.Tx) error {
		_, err := btx.CreateBucketIfNotExists(BKTInvoices)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Manager{db: db}, nil
}

func (mgr *Manager) Close() error {
	return mgr.db.Close()
}

// CreateInvoice mints a fresh secret and stores the invoice.  Returns
// the invoice id (hex condition hash) and the secret.
func (mgr *Manager) CreateInvoice(amt int64) (string, [32]byte, error) {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return "", secret, err
	}
	inv := &Invoice{
		RHash:   sha256.Sum256(secret[:]),
		Secret:  secret,
		Amt:     amt,
		Created: time.Now().Unix(),
	}
	err := mgr.db.Update(func(btx *bolt.Tx) error {
		return btx.Bucket(BKTInvoices).Put(inv.RHash[:], inv.Bytes())
	})
	if err != nil {
		return "", secret, errors.Wrap(err, "save invoice")
	}
	return hex.EncodeToString(inv.RHash[:]), secret, nil
}

// LookupByHash returns the invoice for a condition hash, nil if we
// never issued one.
func (mgr *Manager) LookupByHash(rhash [32]byte) (*Invoice, error) {
	var inv *Invoice
	err := mgr.db.View(func(btx *bolt.Tx) error {
		v := btx.Bucket(BKTInvoices).Get(rhash[:])
		if v == nil {
			return nil
		}
		var err error
		inv, err = InvoiceFromBytes(v)
		return err
	})
	return inv, err
}

// MarkPaid flips the invoice to paid; paying twice is a caller bug the
// db won't allow to matter.
func (mgr *Manager) MarkPaid(rhash [32]byte) error {
	return mgr.db.Update(func(btx *bolt.Tx) error {
		bkt := btx.Bucket(BKTInvoices)
		v := bkt.Get(rhash[:])
		if v == nil {
			return errors.New("no such invoice")
		}
		inv, err := InvoiceFromBytes(v)
		if err != nil {
			return err
		}
		inv.Paid = true
		return bkt.Put(rhash[:], inv.Bytes())
	})
}

// Unpaid lists open invoices for the shell.
func (mgr *Manager) Unpaid() ([]*Invoice, error) {
	var out []*Invoice
	err := mgr.db.View(func(btx *bolt.Tx) error {
		return btx.Bucket(BKTInvoices).ForEach(func(k, v []byte) error {
			inv, err := InvoiceFromBytes(v)
			if err != nil {
				return err
			}
			if !inv.Paid {
				out = append(out, inv)
			}
			return nil
		})
	})
	return out, err
}
