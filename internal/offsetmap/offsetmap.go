// Package offsetmap maps blocks of a unixfs file DAG, as they stream past in
// depth-first preorder, onto the byte space of the file they represent.
package offsetmap

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/bamsammich/carrange/internal/unixfs"
)

// ErrStructuralMismatch reports content that is not a recognizable file DAG
// or whose size metadata is inconsistent. Callers recover by passing the
// rest of the stream through unfiltered.
var ErrStructuralMismatch = errors.New("structural mismatch: not a recognizable file")

// Interval is a half-open byte range [Start, End) of the file. Data is set
// for blocks that carry file bytes; for interior nodes the interval spans
// the whole subtree.
type Interval struct {
	Start uint64
	End   uint64
	Data  bool
}

// Len returns End - Start.
func (iv Interval) Len() uint64 {
	return iv.End - iv.Start
}

// maxRepeats bounds the predicted copies reported for one block.
const maxRepeats = 64

// Step is the result of adding one block.
type Step struct {
	Interval
	CID cid.Cid
	// Elided lists, in file order, the children that were absent from the
	// stream because an identical block appeared earlier. They lie
	// immediately before Start.
	Elided []Elided
	// Skipped is the total length of Elided.
	Skipped uint64
	// Consumed counts inline data bytes carried by an interior node. They
	// occupy [Start, Start+Consumed).
	Consumed uint64
	// Repeats are the later positions of this block that the open nodes
	// already predict. A deduplicating writer leaves them out of the stream.
	Repeats []Interval
}

// Elided is a child that was passed over because the stream did not carry
// it at its position.
type Elided struct {
	Interval
	CID cid.Cid
}

// frame is one open interior node: its links, their sizes, the index of
// the next child expected in the stream and the offsets from the node to
// its predicted copies.
type frame struct {
	links  []unixfs.Link
	sizes  []uint64
	next   int
	shifts []uint64
}

// Builder consumes classified blocks in arrival order. Only the stack of
// open frames is retained.
type Builder struct {
	root    cid.Cid
	stack   []frame
	cursor  uint64
	size    uint64
	started bool
	done    bool
	err     error
}

// New returns a Builder for the file rooted at root. An undefined root
// accepts whatever file node arrives first.
func New(root cid.Cid) *Builder {
	return &Builder{root: root}
}

// Size returns the total file size once the root has been added.
func (b *Builder) Size() uint64 { return b.size }

// Cursor returns the file offset of the next expected byte.
func (b *Builder) Cursor() uint64 { return b.cursor }

// Done reports whether the map is complete.
func (b *Builder) Done() bool { return b.done }

// Depth returns the number of open frames.
func (b *Builder) Depth() int { return len(b.stack) }

// Add places c in the file. Any error wraps ErrStructuralMismatch and is
// sticky.
func (b *Builder) Add(c unixfs.Classified) (Step, error) {
	if b.err != nil {
		return Step{}, b.err
	}
	var (
		step Step
		err  error
	)
	if !b.started {
		step, err = b.addRoot(c)
	} else {
		step, err = b.addChild(c)
	}
	if err != nil {
		b.err = err
		return Step{}, err
	}
	step.CID = c.Block.CID
	return step, nil
}

func (b *Builder) addRoot(c unixfs.Classified) (Step, error) {
	if b.root.Defined() && !c.Block.CID.Equals(b.root) {
		return Step{}, mismatchf("first block %s is not the root %s", c.Block.CID, b.root)
	}
	if !c.IsFileNode() {
		return Step{}, mismatchf("root is a %s block", c.Kind)
	}
	if err := validate(c.Node); err != nil {
		return Step{}, err
	}
	b.started = true
	b.size = c.Node.FileSize

	if c.IsLeaf() {
		b.cursor = b.size
		b.done = true
		return Step{Interval: Interval{Start: 0, End: b.size, Data: true}}, nil
	}
	b.push(c.Node, nil)
	b.cursor = uint64(len(c.Node.Data))
	return Step{
		Interval: Interval{Start: 0, End: b.size},
		Consumed: b.cursor,
	}, nil
}

func (b *Builder) addChild(c unixfs.Classified) (Step, error) {
	if b.done {
		return Step{}, mismatchf("block %s after the file is complete", c.Block.CID)
	}
	elided, err := b.seek(c.Block.CID)
	if err != nil {
		return Step{}, err
	}

	top := &b.stack[len(b.stack)-1]
	want := top.sizes[top.next]
	top.next++
	start := b.cursor
	repeats := b.repeats(c.Block.CID, start, want)

	var step Step
	switch {
	case c.IsLeaf():
		if c.Node != nil {
			if err := validate(c.Node); err != nil {
				return Step{}, err
			}
		}
		if got := c.LeafSize(); got != want {
			return Step{}, mismatchf("leaf %s carries %d bytes, parent expects %d", c.Block.CID, got, want)
		}
		b.cursor += want
		step = Step{Interval: Interval{Start: start, End: b.cursor, Data: true}}
	case c.IsFileNode():
		if err := validate(c.Node); err != nil {
			return Step{}, err
		}
		if c.Node.FileSize != want {
			return Step{}, mismatchf("node %s has filesize %d, parent expects %d", c.Block.CID, c.Node.FileSize, want)
		}
		shifts := make([]uint64, 0, len(repeats))
		for _, r := range repeats {
			shifts = append(shifts, r.Start-start)
		}
		b.push(c.Node, shifts)
		inline := uint64(len(c.Node.Data))
		b.cursor += inline
		step = Step{Interval: Interval{Start: start, End: start + want}, Consumed: inline}
	default:
		return Step{}, mismatchf("unexpected %s node %s inside a file", c.Kind, c.Block.CID)
	}
	step.Elided = elided
	for _, e := range elided {
		step.Skipped += e.Len()
	}
	step.Repeats = repeats

	if err := b.popCompleted(); err != nil {
		return Step{}, err
	}
	return step, nil
}

// seek positions the top frame on the link matching id. When id is not the
// expected child, later links of the open frames are searched top down and
// the children passed over are returned as elided duplicates.
func (b *Builder) seek(id cid.Cid) ([]Elided, error) {
	top := &b.stack[len(b.stack)-1]
	if top.links[top.next].CID.Equals(id) {
		return nil, nil
	}

	var elided []Elided
	pos := b.cursor
	pass := func(f *frame, to int) {
		for j := f.next; j < to; j++ {
			elided = append(elided, Elided{
				Interval: Interval{Start: pos, End: pos + f.sizes[j]},
				CID:      f.links[j].CID,
			})
			pos += f.sizes[j]
		}
	}

	from := top.next + 1
	for depth := len(b.stack) - 1; depth >= 0; depth-- {
		f := &b.stack[depth]
		for j := from; j < len(f.links); j++ {
			if !f.links[j].CID.Equals(id) {
				continue
			}
			pass(f, j)
			f.next = j
			b.stack = b.stack[:depth+1]
			b.cursor = pos
			return elided, nil
		}
		pass(f, len(f.links))
		if depth > 0 {
			from = b.stack[depth-1].next
		}
	}
	return nil, mismatchf("block %s is not linked from any open node", id)
}

// repeats predicts where the block spanning [start, start+n) occurs again:
// copies of the enclosing subtrees, and later links to id in the open
// frames. Must be called after the top frame has moved past the block.
func (b *Builder) repeats(id cid.Cid, start, n uint64) []Interval {
	var out []Interval
	for _, d := range b.stack[len(b.stack)-1].shifts {
		out = append(out, Interval{Start: start + d, End: start + d + n})
	}
	pos := start + n
	for depth := len(b.stack) - 1; depth >= 0; depth-- {
		f := &b.stack[depth]
		for j := f.next; j < len(f.links); j++ {
			if f.links[j].CID.Equals(id) {
				out = append(out, Interval{Start: pos, End: pos + f.sizes[j]})
			}
			pos += f.sizes[j]
		}
	}
	if len(out) > maxRepeats {
		out = out[:maxRepeats]
	}
	return out
}

func (b *Builder) push(n *unixfs.Node, shifts []uint64) {
	b.stack = append(b.stack, frame{links: n.Links, sizes: n.BlockSizes, shifts: shifts})
}

func (b *Builder) popCompleted() error {
	for len(b.stack) > 0 {
		top := b.stack[len(b.stack)-1]
		if top.next < len(top.links) {
			return nil
		}
		b.stack = b.stack[:len(b.stack)-1]
	}
	b.done = true
	if b.cursor != b.size {
		return mismatchf("file ended at offset %d, declared size %d", b.cursor, b.size)
	}
	return nil
}

// validate checks the size metadata of a file node against itself.
func validate(n *unixfs.Node) error {
	if len(n.Links) == 0 {
		if len(n.BlockSizes) != 0 {
			return mismatchf("leaf node lists %d block sizes", len(n.BlockSizes))
		}
		if n.FileSize != uint64(len(n.Data)) {
			return mismatchf("leaf node has %d bytes, filesize %d", len(n.Data), n.FileSize)
		}
		return nil
	}
	if len(n.BlockSizes) != len(n.Links) {
		return mismatchf("%d links but %d block sizes", len(n.Links), len(n.BlockSizes))
	}
	total := uint64(len(n.Data))
	for _, s := range n.BlockSizes {
		next := total + s
		if next < total {
			return mismatchf("block sizes overflow")
		}
		total = next
	}
	if total != n.FileSize {
		return mismatchf("children sum to %d, filesize %d", total, n.FileSize)
	}
	return nil
}

func mismatchf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStructuralMismatch, fmt.Sprintf(format, args...))
}
