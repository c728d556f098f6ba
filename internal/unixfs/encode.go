package unixfs

import (
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bamsammich/carrange/internal/car"
)

// Encode serializes n as a dag-pb payload in canonical form: links first,
// then the unixfs Data message. Block sizes are written unpacked.
func Encode(n Node) []byte {
	var fs []byte
	fs = protowire.AppendTag(fs, fsType, protowire.VarintType)
	fs = protowire.AppendVarint(fs, n.Kind.wireType())
	if len(n.Data) > 0 {
		fs = protowire.AppendTag(fs, fsData, protowire.BytesType)
		fs = protowire.AppendBytes(fs, n.Data)
	}
	if n.Kind == KindFile || n.Kind == KindRaw {
		fs = protowire.AppendTag(fs, fsFileSize, protowire.VarintType)
		fs = protowire.AppendVarint(fs, n.FileSize)
	}
	for _, s := range n.BlockSizes {
		fs = protowire.AppendTag(fs, fsBlockSizes, protowire.VarintType)
		fs = protowire.AppendVarint(fs, s)
	}
	if n.HashType != 0 {
		fs = protowire.AppendTag(fs, fsHashType, protowire.VarintType)
		fs = protowire.AppendVarint(fs, n.HashType)
	}
	if n.Fanout != 0 {
		fs = protowire.AppendTag(fs, fsFanout, protowire.VarintType)
		fs = protowire.AppendVarint(fs, n.Fanout)
	}

	var out []byte
	for _, l := range n.Links {
		var lb []byte
		lb = protowire.AppendTag(lb, pbLinkHash, protowire.BytesType)
		lb = protowire.AppendBytes(lb, l.CID.Bytes())
		lb = protowire.AppendTag(lb, pbLinkName, protowire.BytesType)
		lb = protowire.AppendString(lb, l.Name)
		lb = protowire.AppendTag(lb, pbLinkTsize, protowire.VarintType)
		lb = protowire.AppendVarint(lb, l.Tsize)

		out = protowire.AppendTag(out, pbNodeLinks, protowire.BytesType)
		out = protowire.AppendBytes(out, lb)
	}
	out = protowire.AppendTag(out, pbNodeData, protowire.BytesType)
	return protowire.AppendBytes(out, fs)
}

// EncodeFileNode serializes a unixfs File node.
func EncodeFileNode(data []byte, filesize uint64, blocksizes []uint64, links []Link) []byte {
	return Encode(Node{
		Kind:       KindFile,
		Data:       data,
		FileSize:   filesize,
		BlockSizes: blocksizes,
		Links:      links,
	})
}

// NodeBlock encodes n and wraps it in a CIDv1 dag-pb block.
func NodeBlock(n Node) (car.Block, error) {
	return SumBlock(CodecDagPB, Encode(n))
}

// SumBlock hashes data with sha2-256 under a CIDv1 of the given codec.
func SumBlock(codec uint64, data []byte) (car.Block, error) {
	c, err := cid.Prefix{
		Version:  1,
		Codec:    codec,
		MhType:   multihash.SHA2_256,
		MhLength: -1,
	}.Sum(data)
	if err != nil {
		return car.Block{}, err
	}
	return car.NewBlock(c, data), nil
}
