package invoice

import (
	"bytes"
	"fmt"

	"github.com/mit-dci/cred/cnutil"
)

// Invoice is one request for payment.  The id handed to the payer is
// the hex condition hash, so the payer needs nothing else out of band
// besides the amount.
type Invoice struct {
	RHash   [32]byte // SHA256(Secret)
	Secret  [32]byte
	Amt     int64
	Paid    bool
	Created int64
}

func (inv *Invoice) Bytes() []byte {
	var buf bytes.Buffer
	buf.Write(inv.RHash[:])
	buf.Write(inv.Secret[:])
	buf.Write(cnutil.I64tB(inv.Amt))
	buf.WriteByte(cnutil.BoolToByte(inv.Paid))
	buf.Write(cnutil.I64tB(inv.Created))
	return buf.Bytes()
}

func InvoiceFromBytes(b []byte) (*Invoice, error) {
	if len(b) < 81 {
		return nil, fmt.Errorf("invoice %d bytes, expect 81", len(b))
	}
	buf := bytes.NewBuffer(b)
	inv := new(Invoice)
	copy(inv.RHash[:], buf.Next(32))
	copy(inv.Secret[:], buf.Next(32))
	inv.Amt = cnutil.BtI64(buf.Next(8))
	inv.Paid = buf.Next(1)[0] == 1
	inv.Created = cnutil.BtI64(buf.Next(8))
	return inv, nil
}
