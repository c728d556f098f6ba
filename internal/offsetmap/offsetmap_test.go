package offsetmap_test

import (
	"bytes"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/carrange/internal/car"
	"github.com/bamsammich/carrange/internal/offsetmap"
	"github.com/bamsammich/carrange/internal/unixfs"
)

func rawLeaf(t *testing.T, fill byte, n int) car.Block {
	t.Helper()
	b, err := unixfs.SumBlock(cid.Raw, bytes.Repeat([]byte{fill}, n))
	require.NoError(t, err)
	return b
}

// fileNode links children, which must be raw leaves or blocks produced by
// fileNode, under a new File node with optional inline data.
func fileNode(t *testing.T, inline []byte, children ...car.Block) car.Block {
	t.Helper()
	total := uint64(len(inline))
	sizes := make([]uint64, 0, len(children))
	links := make([]unixfs.Link, 0, len(children))
	for _, c := range children {
		size := uint64(len(c.Data))
		if c.Codec() == cid.DagProtobuf {
			n, err := unixfs.DecodeNode(c.Data)
			require.NoError(t, err)
			size = n.FileSize
		}
		sizes = append(sizes, size)
		links = append(links, unixfs.Link{CID: c.CID, Tsize: uint64(len(c.Data))})
		total += size
	}
	b, err := unixfs.NodeBlock(unixfs.Node{
		Kind:       unixfs.KindFile,
		Data:       inline,
		FileSize:   total,
		BlockSizes: sizes,
		Links:      links,
	})
	require.NoError(t, err)
	return b
}

func add(t *testing.T, m *offsetmap.Builder, b car.Block) offsetmap.Step {
	t.Helper()
	s, err := m.Add(unixfs.Classify(b))
	require.NoError(t, err)
	return s
}

func span(start, end uint64, data bool) offsetmap.Interval {
	return offsetmap.Interval{Start: start, End: end, Data: data}
}

func TestBuilderFlatFile(t *testing.T) {
	t.Parallel()

	a, b, empty := rawLeaf(t, 'a', 10), rawLeaf(t, 'b', 20), rawLeaf(t, 'z', 0)
	root := fileNode(t, nil, a, b, empty)

	m := offsetmap.New(root.CID)
	s := add(t, m, root)
	assert.Equal(t, span(0, 30, false), s.Interval)
	assert.Equal(t, uint64(30), m.Size())
	assert.Equal(t, 1, m.Depth())

	assert.Equal(t, span(0, 10, true), add(t, m, a).Interval)
	assert.Equal(t, span(10, 30, true), add(t, m, b).Interval)
	assert.False(t, m.Done())

	s = add(t, m, empty)
	assert.Equal(t, span(30, 30, true), s.Interval)
	assert.Equal(t, uint64(0), s.Len())
	assert.True(t, m.Done())
	assert.Equal(t, 0, m.Depth())
	assert.Equal(t, uint64(30), m.Cursor())
}

func TestBuilderNestedWithInlineData(t *testing.T) {
	t.Parallel()

	a, b, c := rawLeaf(t, 'a', 4), rawLeaf(t, 'b', 6), rawLeaf(t, 'c', 5)
	inner := fileNode(t, []byte("xyz"), a, b)
	root := fileNode(t, nil, inner, c)

	m := offsetmap.New(root.CID)
	assert.Equal(t, span(0, 18, false), add(t, m, root).Interval)

	s := add(t, m, inner)
	assert.Equal(t, span(0, 13, false), s.Interval)
	assert.Equal(t, uint64(3), s.Consumed)
	assert.Equal(t, 2, m.Depth())

	assert.Equal(t, span(3, 7, true), add(t, m, a).Interval)
	assert.Equal(t, span(7, 13, true), add(t, m, b).Interval)
	assert.Equal(t, 1, m.Depth())
	assert.Equal(t, span(13, 18, true), add(t, m, c).Interval)
	assert.True(t, m.Done())
}

func TestBuilderLeafRoot(t *testing.T) {
	t.Parallel()

	root, err := unixfs.NodeBlock(unixfs.Node{
		Kind:     unixfs.KindFile,
		Data:     []byte("hello world\n"),
		FileSize: 12,
	})
	require.NoError(t, err)

	m := offsetmap.New(root.CID)
	s := add(t, m, root)
	assert.Equal(t, span(0, 12, true), s.Interval)
	assert.True(t, m.Done())

	_, err = m.Add(unixfs.Classify(rawLeaf(t, 'x', 1)))
	assert.ErrorIs(t, err, offsetmap.ErrStructuralMismatch)
}

func TestBuilderElidedDuplicates(t *testing.T) {
	t.Parallel()

	t.Run("repeated leaf", func(t *testing.T) {
		t.Parallel()

		a, b := rawLeaf(t, 'a', 10), rawLeaf(t, 'b', 10)
		root := fileNode(t, nil, a, a, b)

		m := offsetmap.New(root.CID)
		add(t, m, root)
		add(t, m, a)
		s := add(t, m, b)
		assert.Equal(t, uint64(10), s.Skipped)
		assert.Equal(t, []offsetmap.Elided{{Interval: span(10, 20, false), CID: a.CID}}, s.Elided)
		assert.Equal(t, span(20, 30, true), s.Interval)
		assert.True(t, m.Done())
	})

	t.Run("repeated subtree", func(t *testing.T) {
		t.Parallel()

		a, b, c := rawLeaf(t, 'a', 3), rawLeaf(t, 'b', 4), rawLeaf(t, 'c', 5)
		x := fileNode(t, nil, a, b)
		root := fileNode(t, nil, x, x, c)

		m := offsetmap.New(root.CID)
		for _, blk := range []car.Block{root, x, a, b} {
			add(t, m, blk)
		}
		s := add(t, m, c)
		assert.Equal(t, uint64(7), s.Skipped)
		assert.Equal(t, []offsetmap.Elided{{Interval: span(7, 14, false), CID: x.CID}}, s.Elided)
		assert.Equal(t, span(14, 19, true), s.Interval)
		assert.True(t, m.Done())
	})

	t.Run("across frames", func(t *testing.T) {
		t.Parallel()

		a, b, c := rawLeaf(t, 'a', 3), rawLeaf(t, 'b', 4), rawLeaf(t, 'c', 5)
		y := fileNode(t, nil, a, b, a)
		root := fileNode(t, nil, y, c)

		m := offsetmap.New(root.CID)
		for _, blk := range []car.Block{root, y, a, b} {
			add(t, m, blk)
		}
		assert.Equal(t, 2, m.Depth())
		s := add(t, m, c)
		assert.Equal(t, uint64(3), s.Skipped)
		assert.Equal(t, span(10, 15, true), s.Interval)
		assert.True(t, m.Done())
	})
}

func TestBuilderPredictsRepeats(t *testing.T) {
	t.Parallel()

	t.Run("sibling links", func(t *testing.T) {
		t.Parallel()

		a, b := rawLeaf(t, 'a', 10), rawLeaf(t, 'b', 10)
		root := fileNode(t, nil, a, b, a, a)

		m := offsetmap.New(root.CID)
		s := add(t, m, root)
		assert.Empty(t, s.Repeats)
		s = add(t, m, a)
		assert.True(t, s.CID.Equals(a.CID))
		assert.Equal(t, []offsetmap.Interval{span(20, 30, false), span(30, 40, false)}, s.Repeats)
		s = add(t, m, b)
		assert.Empty(t, s.Repeats)
	})

	t.Run("inside a repeated subtree", func(t *testing.T) {
		t.Parallel()

		a, b, c := rawLeaf(t, 'a', 3), rawLeaf(t, 'b', 4), rawLeaf(t, 'c', 5)
		x := fileNode(t, nil, a, b)
		root := fileNode(t, nil, x, c, x)

		m := offsetmap.New(root.CID)
		add(t, m, root)
		s := add(t, m, x)
		assert.Equal(t, []offsetmap.Interval{span(12, 19, false)}, s.Repeats)
		s = add(t, m, a)
		assert.Equal(t, []offsetmap.Interval{span(12, 15, false)}, s.Repeats)
		s = add(t, m, b)
		assert.Equal(t, []offsetmap.Interval{span(15, 19, false)}, s.Repeats)
		s = add(t, m, c)
		assert.Empty(t, s.Repeats)
		assert.Empty(t, s.Elided)
	})

	t.Run("in an ancestor frame", func(t *testing.T) {
		t.Parallel()

		a, b := rawLeaf(t, 'a', 3), rawLeaf(t, 'b', 4)
		y := fileNode(t, nil, a, b)
		root := fileNode(t, nil, y, b, a)

		m := offsetmap.New(root.CID)
		add(t, m, root)
		add(t, m, y)
		s := add(t, m, a)
		assert.Equal(t, []offsetmap.Interval{span(11, 14, false)}, s.Repeats)
		s = add(t, m, b)
		assert.Equal(t, []offsetmap.Interval{span(7, 11, false)}, s.Repeats)
	})

	t.Run("not yet opened", func(t *testing.T) {
		t.Parallel()

		a, b, c := rawLeaf(t, 'a', 3), rawLeaf(t, 'b', 4), rawLeaf(t, 'c', 5)
		n1 := fileNode(t, nil, a, b)
		n2 := fileNode(t, nil, a, c)
		root := fileNode(t, nil, n1, n2)

		m := offsetmap.New(root.CID)
		add(t, m, root)
		add(t, m, n1)
		s := add(t, m, a)
		assert.Empty(t, s.Repeats, "the copy under n2 is not known yet")
		add(t, m, b)
		add(t, m, n2)
		s = add(t, m, c)
		assert.Equal(t, []offsetmap.Elided{{Interval: span(7, 10, false), CID: a.CID}}, s.Elided)
		assert.Equal(t, span(10, 15, true), s.Interval)
		assert.True(t, m.Done())
	})
}

func TestBuilderMismatch(t *testing.T) {
	t.Parallel()

	a, b := rawLeaf(t, 'a', 10), rawLeaf(t, 'b', 10)
	root := fileNode(t, nil, a, b)

	dir, err := unixfs.NodeBlock(unixfs.Node{
		Kind:  unixfs.KindDirectory,
		Links: []unixfs.Link{{CID: a.CID, Name: "a"}},
	})
	require.NoError(t, err)

	badSizes, err := unixfs.NodeBlock(unixfs.Node{
		Kind:       unixfs.KindFile,
		FileSize:   20,
		BlockSizes: []uint64{10},
		Links:      []unixfs.Link{{CID: a.CID}, {CID: b.CID}},
	})
	require.NoError(t, err)

	badTotal, err := unixfs.NodeBlock(unixfs.Node{
		Kind:       unixfs.KindFile,
		FileSize:   25,
		BlockSizes: []uint64{10, 10},
		Links:      []unixfs.Link{{CID: a.CID}, {CID: b.CID}},
	})
	require.NoError(t, err)

	shortLeafRoot, err := unixfs.NodeBlock(unixfs.Node{
		Kind:       unixfs.KindFile,
		FileSize:   20,
		BlockSizes: []uint64{10, 5},
		Links:      []unixfs.Link{{CID: a.CID}, {CID: b.CID}},
		Data:       []byte("12345"),
	})
	require.NoError(t, err)

	inner := fileNode(t, nil, a)
	wrongInner, err := unixfs.NodeBlock(unixfs.Node{
		Kind:       unixfs.KindFile,
		FileSize:   15,
		BlockSizes: []uint64{15},
		Links:      []unixfs.Link{{CID: inner.CID}},
	})
	require.NoError(t, err)

	tests := []struct {
		name   string
		root   cid.Cid
		blocks []car.Block
	}{
		{name: "root is not the header root", root: a.CID, blocks: []car.Block{root}},
		{name: "raw root", root: a.CID, blocks: []car.Block{a}},
		{name: "directory root", root: dir.CID, blocks: []car.Block{dir}},
		{name: "sizes and links disagree", root: badSizes.CID, blocks: []car.Block{badSizes}},
		{name: "sizes do not sum to filesize", root: badTotal.CID, blocks: []car.Block{badTotal}},
		{name: "leaf shorter than declared", root: shortLeafRoot.CID, blocks: []car.Block{shortLeafRoot, a, b}},
		{name: "interior filesize disagrees with parent", root: wrongInner.CID, blocks: []car.Block{wrongInner, inner}},
		{name: "unlinked block", root: root.CID, blocks: []car.Block{root, rawLeaf(t, 'q', 10)}},
		{name: "directory inside file", root: root.CID, blocks: []car.Block{root, dir}},
		{name: "extra block", root: root.CID, blocks: []car.Block{root, a, b, a}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m := offsetmap.New(tt.root)
			var err error
			for _, b := range tt.blocks {
				if _, err = m.Add(unixfs.Classify(b)); err != nil {
					break
				}
			}
			require.ErrorIs(t, err, offsetmap.ErrStructuralMismatch)

			_, again := m.Add(unixfs.Classify(a))
			assert.ErrorIs(t, again, offsetmap.ErrStructuralMismatch, "errors are sticky")
		})
	}
}

func TestBuilderUndefinedRootAcceptsFirstFile(t *testing.T) {
	t.Parallel()

	a := rawLeaf(t, 'a', 8)
	root := fileNode(t, nil, a)

	m := offsetmap.New(cid.Undef)
	add(t, m, root)
	add(t, m, a)
	assert.True(t, m.Done())
	assert.Equal(t, uint64(8), m.Size())
}
