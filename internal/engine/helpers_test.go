package engine_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/carrange/internal/car"
	"github.com/bamsammich/carrange/internal/engine"
	"github.com/bamsammich/carrange/internal/filter"
	"github.com/bamsammich/carrange/internal/offsetmap"
	"github.com/bamsammich/carrange/internal/pack"
	"github.com/bamsammich/carrange/internal/unixfs"
)

const mib = 1 << 20

// patterned returns n bytes without repeated chunks at common chunk sizes.
func patterned(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	return data
}

func packed(t *testing.T, data []byte, opts pack.Options) []byte {
	t.Helper()
	archive, _, err := pack.Bytes(data, opts)
	require.NoError(t, err)
	return archive
}

func parse(t *testing.T, archive []byte) (car.Header, []car.Block) {
	t.Helper()
	r, err := car.NewReader(bytes.NewReader(archive))
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

// intervals maps every block of a complete archive to its file interval.
func intervals(t *testing.T, archive []byte) map[cid.Cid]offsetmap.Interval {
	t.Helper()
	h, blocks := parse(t, archive)
	m := offsetmap.New(h.Roots[0])
	out := make(map[cid.Cid]offsetmap.Interval, len(blocks))
	for _, b := range blocks {
		s, err := m.Add(unixfs.Classify(b))
		require.NoError(t, err)
		out[b.CID] = s.Interval
	}
	require.True(t, m.Done())
	return out
}

func filterBytes(t *testing.T, archive []byte, rng filter.Range) ([]byte, engine.Result) {
	t.Helper()
	var out bytes.Buffer
	res := engine.Run(context.Background(), engine.Config{
		Source: bytes.NewReader(archive),
		Output: &out,
		Range:  rng,
		Filter: true,
	})
	require.NoError(t, res.Err)
	return out.Bytes(), res
}

// countingSource hides io.ByteReader from the pipeline, counts the bytes it
// hands out and records Close.
type countingSource struct {
	r      io.Reader
	n      int
	closed bool
}

func (c *countingSource) Read(p []byte) (int, error) {
	if c.closed {
		return 0, errors.New("read after close")
	}
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func (c *countingSource) Close() error {
	c.closed = true
	return nil
}

// cancellingSource cancels its context once at bytes have been read.
type cancellingSource struct {
	countingSource
	at     int
	cancel context.CancelFunc
}

func (c *cancellingSource) Read(p []byte) (int, error) {
	n, err := c.countingSource.Read(p)
	if c.n >= c.at {
		c.cancel()
	}
	return n, err
}
