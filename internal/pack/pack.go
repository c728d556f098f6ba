// Package pack builds a CARv1 archive holding a balanced unixfs file DAG.
package pack

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"

	"github.com/bamsammich/carrange/internal/car"
	"github.com/bamsammich/carrange/internal/unixfs"
)

const (
	// DefaultChunkSize is the size of each raw leaf.
	DefaultChunkSize = 1 << 20
	// DefaultMaxLinks is the widest an interior node may be.
	DefaultMaxLinks = 174
)

// Options tunes the DAG layout.
type Options struct {
	ChunkSize int
	MaxLinks  int
	// Dedup writes each distinct block once. Later occurrences of a
	// repeated chunk or subtree are left out of the archive.
	Dedup bool
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.MaxLinks < 2 {
		o.MaxLinks = DefaultMaxLinks
	}
	return o
}

// node is one vertex of the DAG. Leaves keep only their CID and size; their
// bytes are read again from the source while writing.
type node struct {
	cid      cid.Cid
	size     uint64
	block    car.Block // interior nodes only
	children []*node
}

// Write chunks r, lays the chunks out as a balanced DAG and writes the
// archive to w with the root first and all blocks in depth-first preorder.
// r is read twice. It returns the root CID.
func Write(w io.Writer, r io.ReadSeeker, opts Options) (cid.Cid, error) {
	opts = opts.withDefaults()

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return cid.Undef, fmt.Errorf("seek source: %w", err)
	}
	leaves, err := hashLeaves(r, opts.ChunkSize)
	if err != nil {
		return cid.Undef, err
	}
	root, err := buildTree(leaves, opts.MaxLinks)
	if err != nil {
		return cid.Undef, err
	}

	h, err := car.EncodeHeader(root.cid)
	if err != nil {
		return cid.Undef, err
	}
	cw := car.NewWriter(w)
	if err := cw.WriteHeader(h); err != nil {
		return cid.Undef, err
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return cid.Undef, fmt.Errorf("seek source: %w", err)
	}
	wr := &treeWriter{
		w:     cw,
		src:   r,
		buf:   make([]byte, opts.ChunkSize),
		seen:  make(map[cid.Cid]struct{}),
		dedup: opts.Dedup,
	}
	if err := wr.write(root); err != nil {
		return cid.Undef, err
	}
	return root.cid, nil
}

func hashLeaves(r io.Reader, chunkSize int) ([]*node, error) {
	buf := make([]byte, chunkSize)
	var leaves []*node
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			b, serr := unixfs.SumBlock(cid.Raw, buf[:n])
			if serr != nil {
				return nil, serr
			}
			leaves = append(leaves, &node{cid: b.CID, size: uint64(n)})
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return leaves, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read source: %w", err)
		}
	}
}

// buildTree groups nodes maxLinks at a time until one remains. The root is
// always a dag-pb File node, even for empty or single-chunk input.
func buildTree(level []*node, maxLinks int) (*node, error) {
	if len(level) == 0 {
		return fileNode(nil)
	}
	for {
		var next []*node
		for i := 0; i < len(level); i += maxLinks {
			parent, err := fileNode(level[i:min(i+maxLinks, len(level))])
			if err != nil {
				return nil, err
			}
			next = append(next, parent)
		}
		if len(next) == 1 {
			return next[0], nil
		}
		level = next
	}
}

func fileNode(children []*node) (*node, error) {
	n := unixfs.Node{
		Kind:       unixfs.KindFile,
		BlockSizes: make([]uint64, 0, len(children)),
		Links:      make([]unixfs.Link, 0, len(children)),
	}
	for _, c := range children {
		n.FileSize += c.size
		n.BlockSizes = append(n.BlockSizes, c.size)
		n.Links = append(n.Links, unixfs.Link{CID: c.cid, Tsize: c.size})
	}
	b, err := unixfs.NodeBlock(n)
	if err != nil {
		return nil, fmt.Errorf("encode node: %w", err)
	}
	return &node{cid: b.CID, size: n.FileSize, block: b, children: children}, nil
}

type treeWriter struct {
	w     *car.Writer
	src   io.Reader
	buf   []byte
	seen  map[cid.Cid]struct{}
	dedup bool
}

func (t *treeWriter) write(n *node) error {
	if n.block.Raw == nil {
		return t.leaf(n)
	}
	if t.skip(n.cid) {
		// The whole subtree was written before; its leaves still have to
		// be consumed from the source.
		return t.discard(n)
	}
	if err := t.w.WriteBlock(n.block); err != nil {
		return err
	}
	for _, c := range n.children {
		if err := t.write(c); err != nil {
			return err
		}
	}
	return nil
}

func (t *treeWriter) leaf(n *node) error {
	data := t.buf[:n.size]
	if _, err := io.ReadFull(t.src, data); err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	b, err := unixfs.SumBlock(cid.Raw, data)
	if err != nil {
		return err
	}
	if !b.CID.Equals(n.cid) {
		return fmt.Errorf("source changed while packing: chunk %s now hashes to %s", n.cid, b.CID)
	}
	if t.skip(n.cid) {
		return nil
	}
	return t.w.WriteBlock(b)
}

func (t *treeWriter) discard(n *node) error {
	if _, err := io.CopyN(io.Discard, t.src, int64(n.size)); err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	return nil
}

// skip reports whether c was already written and should be left out.
func (t *treeWriter) skip(c cid.Cid) bool {
	if !t.dedup {
		return false
	}
	if _, ok := t.seen[c]; ok {
		return true
	}
	t.seen[c] = struct{}{}
	return false
}

// Bytes packs data in memory.
func Bytes(data []byte, opts Options) ([]byte, cid.Cid, error) {
	var out bytes.Buffer
	root, err := Write(&out, bytes.NewReader(data), opts)
	if err != nil {
		return nil, cid.Undef, err
	}
	return out.Bytes(), root, nil
}
