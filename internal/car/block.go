package car

import (
	"fmt"

	"github.com/ipfs/go-cid"
)

// Block is one archive entry. Data and the CID bytes alias Raw, which holds
// the section exactly as it appeared on the wire.
type Block struct {
	CID  cid.Cid
	Data []byte
	Raw  []byte
}

// NewBlock frames data under c.
func NewBlock(c cid.Cid, data []byte) Block {
	payload := make([]byte, 0, c.ByteLen()+len(data))
	payload = append(payload, c.Bytes()...)
	payload = append(payload, data...)
	raw := appendSection(nil, payload)
	return Block{CID: c, Data: raw[len(raw)-len(data):], Raw: raw}
}

// Codec returns the block's multicodec (the CID codec tag).
func (b Block) Codec() uint64 {
	return b.CID.Type()
}

// Verify re-hashes the payload with the CID's prefix and reports whether it
// matches.
func (b Block) Verify() error {
	sum, err := b.CID.Prefix().Sum(b.Data)
	if err != nil {
		return fmt.Errorf("hash block %s: %w", b.CID, err)
	}
	if !sum.Equals(b.CID) {
		return fmt.Errorf("%w: block %s hashes to %s", ErrMalformed, b.CID, sum)
	}
	return nil
}

// parseBlock splits a section payload into CID and data.
func parseBlock(raw []byte, off int) (Block, error) {
	n, c, err := cid.CidFromBytes(raw[off:])
	if err != nil {
		return Block{}, fmt.Errorf("%w: block cid: %w", ErrMalformed, err)
	}
	return Block{CID: c, Data: raw[off+n:], Raw: raw}, nil
}
