package car

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
)

// cidTag is the CBOR tag for IPLD links (dag-cbor).
const cidTag = 42

// Header is the decoded CARv1 header section.
type Header struct {
	Roots   []cid.Cid
	Version uint64
	// Raw is the complete encoded section, length prefix included.
	Raw []byte
}

type headerWire struct {
	Roots   []cbor.Tag `cbor:"roots"`
	Version uint64     `cbor:"version"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("car: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("car: CBOR decoder initialization failed: " + err.Error())
	}
}

// decodeHeader parses a header payload (without its length prefix).
func decodeHeader(payload []byte) (Header, error) {
	var wire headerWire
	if err := decMode.Unmarshal(payload, &wire); err != nil {
		return Header{}, fmt.Errorf("%w: header: %w", ErrMalformed, err)
	}
	if wire.Version != 1 {
		return Header{}, fmt.Errorf("%w: unsupported version %d", ErrMalformed, wire.Version)
	}
	if len(wire.Roots) == 0 {
		return Header{}, fmt.Errorf("%w: header has no roots", ErrMalformed)
	}

	h := Header{Version: wire.Version, Roots: make([]cid.Cid, 0, len(wire.Roots))}
	for i, tag := range wire.Roots {
		c, err := tagToCid(tag)
		if err != nil {
			return Header{}, fmt.Errorf("%w: root %d: %w", ErrMalformed, i, err)
		}
		h.Roots = append(h.Roots, c)
	}
	return h, nil
}

func tagToCid(tag cbor.Tag) (cid.Cid, error) {
	if tag.Number != cidTag {
		return cid.Undef, fmt.Errorf("unexpected tag %d", tag.Number)
	}
	b, ok := tag.Content.([]byte)
	if !ok {
		return cid.Undef, fmt.Errorf("tag content is %T, not bytes", tag.Content)
	}
	// dag-cbor links carry a leading 0x00 multibase identity prefix.
	if len(b) == 0 || b[0] != 0 {
		return cid.Undef, errors.New("missing identity multibase prefix")
	}
	return cid.Cast(b[1:])
}

// EncodeHeader builds a version 1 header for roots, including its framed
// Raw section.
func EncodeHeader(roots ...cid.Cid) (Header, error) {
	if len(roots) == 0 {
		return Header{}, errors.New("car: header needs at least one root")
	}
	wire := headerWire{Version: 1, Roots: make([]cbor.Tag, len(roots))}
	for i, r := range roots {
		wire.Roots[i] = cbor.Tag{Number: cidTag, Content: append([]byte{0}, r.Bytes()...)}
	}
	payload, err := encMode.Marshal(wire)
	if err != nil {
		return Header{}, fmt.Errorf("encode header: %w", err)
	}
	return Header{
		Roots:   roots,
		Version: 1,
		Raw:     appendSection(nil, payload),
	}, nil
}
