package unixfs_test

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bamsammich/carrange/internal/car"
	"github.com/bamsammich/carrange/internal/unixfs"
)

func mustBlock(t *testing.T, codec uint64, data []byte) car.Block {
	t.Helper()
	b, err := unixfs.SumBlock(codec, data)
	require.NoError(t, err)
	return b
}

func TestClassifyHelloWorldLeaf(t *testing.T) {
	t.Parallel()

	payload, err := hex.DecodeString("0a120802120c68656c6c6f20776f726c640a180c")
	require.NoError(t, err)

	c := unixfs.Classify(mustBlock(t, cid.DagProtobuf, payload))
	assert.Equal(t, unixfs.KindFile, c.Kind)
	require.NotNil(t, c.Node)
	assert.True(t, c.IsFileNode())
	assert.True(t, c.IsLeaf())
	assert.Equal(t, uint64(12), c.LeafSize())
	assert.Equal(t, uint64(12), c.Node.FileSize)
	assert.Equal(t, []byte("hello world\n"), c.Node.Data)
}

func TestClassifyOpaque(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		codec uint64
		data  []byte
	}{
		{name: "raw codec", codec: cid.Raw, data: []byte("leaf bytes")},
		{name: "dag-cbor codec", codec: cid.DagCBOR, data: []byte{0xa0}},
		{name: "dag-pb garbage", codec: cid.DagProtobuf, data: []byte{0xff, 0xff, 0xff}},
		{name: "dag-pb without data", codec: cid.DagProtobuf, data: nil},
		{name: "unixfs without type", codec: cid.DagProtobuf, data: []byte{0x0a, 0x02, 0x18, 0x05}},
		{name: "unknown unixfs type", codec: cid.DagProtobuf, data: []byte{0x0a, 0x02, 0x08, 0x09}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b := mustBlock(t, tt.codec, tt.data)
			c := unixfs.Classify(b)
			assert.Equal(t, unixfs.KindOpaque, c.Kind)
			assert.Nil(t, c.Node)
			assert.True(t, c.IsLeaf())
			assert.False(t, c.IsFileNode())
			assert.Equal(t, uint64(len(tt.data)), c.LeafSize())
			assert.Equal(t, b.Raw, c.Block.Raw)
		})
	}
}

func TestEncodeDecodeFileNode(t *testing.T) {
	t.Parallel()

	a := mustBlock(t, cid.Raw, bytes.Repeat([]byte("a"), 300))
	b := mustBlock(t, cid.Raw, bytes.Repeat([]byte("b"), 200))
	links := []unixfs.Link{
		{CID: a.CID, Tsize: 300},
		{CID: b.CID, Tsize: 200},
	}
	payload := unixfs.EncodeFileNode([]byte("hdr"), 503, []uint64{300, 200}, links)

	n, err := unixfs.DecodeNode(payload)
	require.NoError(t, err)
	assert.Equal(t, unixfs.KindFile, n.Kind)
	assert.Equal(t, []byte("hdr"), n.Data)
	assert.Equal(t, uint64(503), n.FileSize)
	assert.Equal(t, []uint64{300, 200}, n.BlockSizes)
	require.Len(t, n.Links, 2)
	assert.True(t, n.Links[0].CID.Equals(a.CID))
	assert.True(t, n.Links[1].CID.Equals(b.CID))
	assert.Equal(t, uint64(200), n.Links[1].Tsize)

	c := unixfs.Classify(mustBlock(t, cid.DagProtobuf, payload))
	assert.True(t, c.IsFileNode())
	assert.False(t, c.IsLeaf())
}

func TestDecodeAcceptsDataBeforeLinksAndPackedSizes(t *testing.T) {
	t.Parallel()

	leaf := mustBlock(t, cid.Raw, []byte("0123456789"))

	var packed []byte
	packed = protowire.AppendVarint(packed, 10)
	packed = protowire.AppendVarint(packed, 7)

	var fs []byte
	fs = protowire.AppendTag(fs, 1, protowire.VarintType)
	fs = protowire.AppendVarint(fs, 2)
	fs = protowire.AppendTag(fs, 3, protowire.VarintType)
	fs = protowire.AppendVarint(fs, 17)
	fs = protowire.AppendTag(fs, 4, protowire.BytesType)
	fs = protowire.AppendBytes(fs, packed)
	// mtime (field 8) is skipped.
	fs = protowire.AppendTag(fs, 8, protowire.BytesType)
	fs = protowire.AppendBytes(fs, []byte{0x08, 0x01})

	var link []byte
	link = protowire.AppendTag(link, 1, protowire.BytesType)
	link = protowire.AppendBytes(link, leaf.CID.Bytes())

	var node []byte
	node = protowire.AppendTag(node, 1, protowire.BytesType)
	node = protowire.AppendBytes(node, fs)
	for range 2 {
		node = protowire.AppendTag(node, 2, protowire.BytesType)
		node = protowire.AppendBytes(node, link)
	}

	n, err := unixfs.DecodeNode(node)
	require.NoError(t, err)
	assert.Equal(t, unixfs.KindFile, n.Kind)
	assert.Equal(t, uint64(17), n.FileSize)
	assert.Equal(t, []uint64{10, 7}, n.BlockSizes)
	assert.Len(t, n.Links, 2)
}

func TestClassifyDirectory(t *testing.T) {
	t.Parallel()

	child := mustBlock(t, cid.Raw, []byte("x"))
	dir, err := unixfs.NodeBlock(unixfs.Node{
		Kind:  unixfs.KindDirectory,
		Links: []unixfs.Link{{CID: child.CID, Name: "x.txt", Tsize: 1}},
	})
	require.NoError(t, err)

	c := unixfs.Classify(dir)
	assert.Equal(t, unixfs.KindDirectory, c.Kind)
	assert.False(t, c.IsFileNode())
	assert.False(t, c.IsLeaf())
	assert.Equal(t, "x.txt", c.Node.Links[0].Name)
}

func TestKindString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind unixfs.Kind
		want string
	}{
		{unixfs.KindOpaque, "opaque"},
		{unixfs.KindRaw, "raw"},
		{unixfs.KindFile, "file"},
		{unixfs.KindDirectory, "directory"},
		{unixfs.KindHAMTShard, "hamt-shard"},
		{unixfs.Kind(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.String())
	}
}
