// Package unixfs classifies archive blocks and decodes the dag-pb/unixfs
// node format that carries file tree size metadata.
package unixfs

import (
	"github.com/ipfs/go-cid"

	"github.com/bamsammich/carrange/internal/car"
)

// CodecDagPB is the multicodec of directory/file tree nodes.
const CodecDagPB = cid.DagProtobuf

// Link is one outgoing dag-pb link.
type Link struct {
	CID   cid.Cid
	Name  string
	Tsize uint64
}

// Node is a decoded unixfs node. BlockSizes and Links are associated by
// position.
type Node struct {
	Kind       Kind
	Data       []byte
	FileSize   uint64
	BlockSizes []uint64
	Links      []Link
	HashType   uint64
	Fanout     uint64
}

// Classified pairs a block with its classification. Node is nil for opaque
// blocks. The block is never modified.
type Classified struct {
	Block car.Block
	Kind  Kind
	Node  *Node
}

// Classify inspects b. It never fails: anything that does not decode as a
// unixfs node is reported as KindOpaque.
func Classify(b car.Block) Classified {
	if b.Codec() != CodecDagPB {
		return Classified{Block: b, Kind: KindOpaque}
	}
	n, err := DecodeNode(b.Data)
	if err != nil {
		return Classified{Block: b, Kind: KindOpaque}
	}
	return Classified{Block: b, Kind: n.Kind, Node: n}
}

// IsFileNode reports whether the block is a unixfs File or Raw node, the
// two kinds that make up a file DAG.
func (c Classified) IsFileNode() bool {
	return c.Kind == KindFile || c.Kind == KindRaw
}

// IsLeaf reports whether the block carries file bytes directly and has no
// children.
func (c Classified) IsLeaf() bool {
	if c.Kind == KindOpaque {
		return true
	}
	return c.IsFileNode() && len(c.Node.Links) == 0
}

// LeafSize returns the number of file bytes the block carries: the payload
// length of opaque blocks and the inline data length of unixfs nodes.
func (c Classified) LeafSize() uint64 {
	if c.Node == nil {
		return uint64(len(c.Block.Data))
	}
	return uint64(len(c.Node.Data))
}
