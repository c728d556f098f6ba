package unixfs

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	"google.golang.org/protobuf/encoding/protowire"
)

// dag-pb PBNode and PBLink field numbers.
const (
	pbNodeData  protowire.Number = 1
	pbNodeLinks protowire.Number = 2

	pbLinkHash  protowire.Number = 1
	pbLinkName  protowire.Number = 2
	pbLinkTsize protowire.Number = 3
)

// unixfs Data field numbers.
const (
	fsType       protowire.Number = 1
	fsData       protowire.Number = 2
	fsFileSize   protowire.Number = 3
	fsBlockSizes protowire.Number = 4
	fsHashType   protowire.Number = 5
	fsFanout     protowire.Number = 6
)

var (
	errNoData  = errors.New("dag-pb node has no unixfs data")
	errNoType  = errors.New("unixfs data has no type")
	errBadType = errors.New("unknown unixfs type")
)

// DecodeNode decodes a dag-pb payload and the unixfs Data message it
// carries. The returned node's Data aliases payload.
func DecodeNode(payload []byte) (*Node, error) {
	var (
		links   []Link
		data    []byte
		hasData bool
	)
	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("pbnode tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == pbNodeLinks && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("pbnode link: %w", protowire.ParseError(n))
			}
			l, err := decodeLink(v)
			if err != nil {
				return nil, fmt.Errorf("link %d: %w", len(links), err)
			}
			links = append(links, l)
			b = b[n:]
		case num == pbNodeData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("pbnode data: %w", protowire.ParseError(n))
			}
			data, hasData = v, true
			b = b[n:]
		default:
			return nil, fmt.Errorf("unexpected pbnode field %d", num)
		}
	}
	if !hasData {
		return nil, errNoData
	}

	node, err := decodeData(data)
	if err != nil {
		return nil, err
	}
	node.Links = links
	return node, nil
}

func decodeLink(b []byte) (Link, error) {
	var (
		l       Link
		hasHash bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Link{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == pbLinkHash && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Link{}, protowire.ParseError(n)
			}
			c, err := cid.Cast(v)
			if err != nil {
				return Link{}, fmt.Errorf("hash: %w", err)
			}
			l.CID, hasHash = c, true
			b = b[n:]
		case num == pbLinkName && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Link{}, protowire.ParseError(n)
			}
			l.Name = string(v)
			b = b[n:]
		case num == pbLinkTsize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Link{}, protowire.ParseError(n)
			}
			l.Tsize = v
			b = b[n:]
		default:
			return Link{}, fmt.Errorf("unexpected pblink field %d", num)
		}
	}
	if !hasHash {
		return Link{}, errors.New("link has no hash")
	}
	return l, nil
}

func decodeData(b []byte) (*Node, error) {
	var (
		node    Node
		hasType bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("unixfs tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		var err error
		switch {
		case num == fsType && typ == protowire.VarintType:
			var t uint64
			t, n = protowire.ConsumeVarint(b)
			if n >= 0 {
				kind, ok := kindFromType(t)
				if !ok {
					return nil, fmt.Errorf("%w %d", errBadType, t)
				}
				node.Kind, hasType = kind, true
			}
		case num == fsData && typ == protowire.BytesType:
			node.Data, n = protowire.ConsumeBytes(b)
		case num == fsFileSize && typ == protowire.VarintType:
			node.FileSize, n = protowire.ConsumeVarint(b)
		case num == fsBlockSizes && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			node.BlockSizes = append(node.BlockSizes, v)
		case num == fsBlockSizes && typ == protowire.BytesType:
			var packed []byte
			packed, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				node.BlockSizes, err = appendPacked(node.BlockSizes, packed)
			}
		case num == fsHashType && typ == protowire.VarintType:
			node.HashType, n = protowire.ConsumeVarint(b)
		case num == fsFanout && typ == protowire.VarintType:
			node.Fanout, n = protowire.ConsumeVarint(b)
		default:
			// mode, mtime and future fields carry no size information.
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("unixfs field %d: %w", num, protowire.ParseError(n))
		}
		if err != nil {
			return nil, err
		}
		b = b[n:]
	}
	if !hasType {
		return nil, errNoType
	}
	return &node, nil
}

func appendPacked(dst []uint64, b []byte) ([]uint64, error) {
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("packed blocksizes: %w", protowire.ParseError(n))
		}
		dst = append(dst, v)
		b = b[n:]
	}
	return dst, nil
}
