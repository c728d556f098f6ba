package pack_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/carrange/internal/car"
	"github.com/bamsammich/carrange/internal/offsetmap"
	"github.com/bamsammich/carrange/internal/pack"
	"github.com/bamsammich/carrange/internal/unixfs"
)

func readAll(t *testing.T, archive []byte) (car.Header, []car.Block) {
	t.Helper()
	r, err := car.NewReader(bytes.NewReader(archive), car.WithVerify())
	require.NoError(t, err)

	var blocks []car.Block
	for {
		b, err := r.Next()
		if errors.Is(err, io.EOF) {
			return r.Header(), blocks
		}
		require.NoError(t, err)
		blocks = append(blocks, b)
	}
}

func patterned(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	return data
}

func TestWriteLayout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		size       int
		opts       pack.Options
		wantBlocks int
		wantDepth  int
	}{
		{name: "empty", size: 0, opts: pack.Options{ChunkSize: 4}, wantBlocks: 1, wantDepth: 0},
		{name: "single chunk", size: 3, opts: pack.Options{ChunkSize: 4}, wantBlocks: 2, wantDepth: 1},
		{name: "exact chunks", size: 12, opts: pack.Options{ChunkSize: 4}, wantBlocks: 4, wantDepth: 1},
		{name: "two levels", size: 40, opts: pack.Options{ChunkSize: 4, MaxLinks: 3}, wantBlocks: 10 + 4 + 2 + 1, wantDepth: 3},
		{name: "ragged tail", size: 41, opts: pack.Options{ChunkSize: 4, MaxLinks: 3}, wantBlocks: 11 + 4 + 2 + 1, wantDepth: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			data := patterned(tt.size)
			archive, root, err := pack.Bytes(data, tt.opts)
			require.NoError(t, err)

			h, blocks := readAll(t, archive)
			require.Len(t, h.Roots, 1)
			assert.True(t, h.Roots[0].Equals(root))
			require.Len(t, blocks, tt.wantBlocks)
			assert.True(t, blocks[0].CID.Equals(root), "root comes first")
			assert.Equal(t, uint64(cid.DagProtobuf), blocks[0].Codec())

			// Raw leaves appear in file order.
			var got []byte
			m := offsetmap.New(root)
			maxDepth := 0
			for _, b := range blocks {
				if b.Codec() == cid.Raw {
					got = append(got, b.Data...)
				}
				_, err := m.Add(unixfs.Classify(b))
				require.NoError(t, err)
				maxDepth = max(maxDepth, m.Depth())
			}
			assert.Equal(t, data, got)
			assert.True(t, m.Done())
			assert.Equal(t, uint64(tt.size), m.Size())
			assert.Equal(t, tt.wantDepth, maxDepth)
		})
	}
}

func TestWriteDedup(t *testing.T) {
	t.Parallel()

	chunk := bytes.Repeat([]byte("A"), 8)
	data := bytes.Join([][]byte{chunk, chunk, []byte("BBBBBBBB"), chunk}, nil)

	full, root, err := pack.Bytes(data, pack.Options{ChunkSize: 8})
	require.NoError(t, err)
	deduped, root2, err := pack.Bytes(data, pack.Options{ChunkSize: 8, Dedup: true})
	require.NoError(t, err)
	assert.True(t, root.Equals(root2), "dedup does not change the DAG")

	_, fullBlocks := readAll(t, full)
	_, dedupBlocks := readAll(t, deduped)
	assert.Len(t, fullBlocks, 5)
	assert.Len(t, dedupBlocks, 3)
	assert.Less(t, len(deduped), len(full))
}

func TestWriteDeterministic(t *testing.T) {
	t.Parallel()

	data := patterned(1000)
	a, rootA, err := pack.Bytes(data, pack.Options{ChunkSize: 64, MaxLinks: 4})
	require.NoError(t, err)
	b, rootB, err := pack.Bytes(data, pack.Options{ChunkSize: 64, MaxLinks: 4})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.True(t, rootA.Equals(rootB))
}
