// Package filter implements the block-granular range filter: given the
// offset map step of each arriving block, it decides whether the block is
// written downstream and when the requested range has been fully served.
package filter

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/ipfs/go-cid"

	"github.com/bamsammich/carrange/internal/offsetmap"
)

// ErrInvalidRange is returned for a range whose start exceeds its end or
// lies beyond the end of the file.
var ErrInvalidRange = errors.New("invalid range")

// ErrUnservedRepeat reports an elided block inside the range whose earlier
// copy was not written.
var ErrUnservedRepeat = errors.New("elided block inside the range was not written")

// sentEntries bounds the CIDs remembered as written.
const sentEntries = 4096

// Open is the End of a range that extends to the end of the file.
const Open = math.MaxUint64

// Range is a half-open byte range [Start, End) of the file.
type Range struct {
	Start uint64
	End   uint64
}

// Full is the range covering any whole file.
var Full = Range{Start: 0, End: Open}

// IsOpen reports whether the range extends to the end of the file.
func (r Range) IsOpen() bool { return r.End == Open }

// Len is the number of bytes the range covers, or zero when it is open.
func (r Range) Len() uint64 {
	if r.IsOpen() || r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

func (r Range) String() string {
	if r.IsOpen() {
		return strconv.FormatUint(r.Start, 10) + ":*"
	}
	return strconv.FormatUint(r.Start, 10) + ":" + strconv.FormatUint(r.End, 10)
}

// Phase is the filter's position in its lifecycle.
type Phase int

const (
	// AwaitingStructure holds until the root node resolves the file size.
	AwaitingStructure Phase = iota
	// Discarding drops leaves that lie entirely before the range.
	Discarding
	// Emitting has forwarded the first block intersecting the range. Leaves
	// that still lie before the start are dropped unless a predicted copy
	// of them falls inside the range.
	Emitting
	// Satisfied is terminal: the source may be closed.
	Satisfied
	// Passthrough forwards everything; early exit is disabled.
	Passthrough
)

var phaseNames = [...]string{
	AwaitingStructure: "awaiting-structure",
	Discarding:        "discarding",
	Emitting:          "emitting",
	Satisfied:         "satisfied",
	Passthrough:       "passthrough",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// Action is the decision for one block.
type Action int

const (
	Drop Action = iota
	Emit
)

func (a Action) String() string {
	if a == Emit {
		return "emit"
	}
	return "drop"
}

// copyKey is one predicted copy of a block.
type copyKey struct {
	cid   cid.Cid
	start uint64
}

// Filter tracks the bytes still to skip before the range and still wanted
// inside it. Both only ever decrease.
type Filter struct {
	rng      Range
	skip     uint64
	want     uint64
	phase    Phase
	resolved bool
	dropped  bool
	degraded bool
	mismatch error

	// promised holds predicted copies inside the range whose bytes were
	// written at an earlier position.
	promised map[copyKey]struct{}
	sent     *simplelru.LRU[cid.Cid, struct{}]
}

// New returns a Filter for r.
func New(r Range) (*Filter, error) {
	if r.Start > r.End {
		return nil, fmt.Errorf("%w: start %d is after end %d", ErrInvalidRange, r.Start, r.End)
	}
	sent, err := simplelru.NewLRU[cid.Cid, struct{}](sentEntries, nil)
	if err != nil {
		return nil, fmt.Errorf("create sent set: %w", err)
	}
	return &Filter{rng: r, promised: make(map[copyKey]struct{}), sent: sent}, nil
}

// Unfiltered returns a Filter that passes every block through.
func Unfiltered() *Filter {
	return &Filter{rng: Full, phase: Passthrough}
}

// Phase returns the current phase.
func (f *Filter) Phase() Phase { return f.phase }

// Satisfied reports whether the whole range has been emitted.
func (f *Filter) Satisfied() bool { return f.phase == Satisfied }

// Degraded reports whether the output may lack requested bytes: filtering
// fell back to passthrough after blocks had already been dropped.
func (f *Filter) Degraded() bool { return f.degraded }

// Err returns the error that ended filtering, if any.
func (f *Filter) Err() error { return f.mismatch }

// Range returns the requested range, clamped to the file size once resolved.
func (f *Filter) Range() Range { return f.rng }

// Resolve fixes the range against the file size. A range starting at or past
// the end of a non-empty file is invalid; an open or overlong end is clamped.
func (f *Filter) Resolve(size uint64) error {
	if f.resolved || f.phase == Passthrough {
		return nil
	}
	if f.rng.Start > size || (f.rng.Start == size && size > 0) {
		return fmt.Errorf("%w: start %d beyond file size %d", ErrInvalidRange, f.rng.Start, size)
	}
	f.rng.End = min(f.rng.End, size)
	f.skip = f.rng.Start
	f.want = f.rng.End - f.rng.Start
	f.resolved = true
	return nil
}

// Observe decides the fate of the block described by step. The first call
// must carry the root; it is always emitted and resolves the range against
// the root's span if Resolve was not called. Interior nodes are emitted
// until the range is satisfied. A leaf is emitted when it intersects the
// range or when one of its predicted copies does.
func (f *Filter) Observe(step offsetmap.Step) (Action, error) {
	switch f.phase {
	case Passthrough:
		return Emit, nil
	case Satisfied:
		return Drop, nil
	case AwaitingStructure:
		if err := f.Resolve(step.End); err != nil {
			return Drop, err
		}
		f.advance(step)
		f.phase = Discarding
		if f.want == 0 {
			f.phase = Satisfied
		}
		return Emit, nil
	}

	if err := f.elide(step.Elided); err != nil {
		f.Mismatch(err)
		return Emit, nil
	}
	if f.want == 0 {
		f.phase = Satisfied
		return Drop, nil
	}
	delete(f.promised, copyKey{step.CID, step.Start})
	repeated := f.promise(step)

	switch {
	case !step.Data:
		if f.overlaps(step.Len()) {
			f.phase = Emitting
		}
		if f.skip == 0 && step.Len() <= f.want {
			// every leaf below falls inside the range
			f.sent.Add(step.CID, struct{}{})
		}
	case f.overlaps(step.Len()):
		f.phase = Emitting
		f.sent.Add(step.CID, struct{}{})
	case repeated && !f.sent.Contains(step.CID):
		f.sent.Add(step.CID, struct{}{})
	default:
		f.advance(step)
		f.dropped = true
		return Drop, nil
	}
	f.advance(step)
	if f.want == 0 {
		f.phase = Satisfied
	}
	return Emit, nil
}

// elide consumes children the stream left out. One that reaches into the
// range must have been written earlier, either as a predicted copy or as a
// block already sent.
func (f *Filter) elide(elided []offsetmap.Elided) error {
	for _, e := range elided {
		if e.Len() > 0 && f.overlaps(e.Len()) {
			key := copyKey{e.CID, e.Start}
			_, ok := f.promised[key]
			delete(f.promised, key)
			if !ok && !f.sent.Contains(e.CID) {
				return fmt.Errorf("%w: %s at [%d, %d)", ErrUnservedRepeat, e.CID, e.Start, e.End)
			}
		}
		f.consume(e.Len())
	}
	return nil
}

// promise records the predicted copies of step that reach into what remains
// of the range and reports whether there were any.
func (f *Filter) promise(step offsetmap.Step) bool {
	if f.want == 0 {
		return false
	}
	lo := f.rng.End - f.want
	var found bool
	for _, r := range step.Repeats {
		if r.Start < f.rng.End && lo < r.End {
			f.promised[copyKey{step.CID, r.Start}] = struct{}{}
			found = true
		}
	}
	return found
}

// Mismatch switches to passthrough for the rest of the stream. It is
// lossless only while no block has been dropped; otherwise the filter is
// marked degraded.
func (f *Filter) Mismatch(err error) {
	if f.phase == Passthrough || f.phase == Satisfied {
		return
	}
	f.mismatch = err
	f.degraded = f.degraded || f.dropped
	f.phase = Passthrough
}

// overlaps reports whether n file bytes at the current position intersect
// what remains of the range.
func (f *Filter) overlaps(n uint64) bool {
	if f.want == 0 {
		return false
	}
	if n == 0 {
		return f.skip == 0
	}
	return f.skip < n
}

// advance consumes the file bytes a block carries: its whole interval for
// data blocks and only the inline data for interior nodes.
func (f *Filter) advance(step offsetmap.Step) {
	if step.Data {
		f.consume(step.Len())
		return
	}
	f.consume(step.Consumed)
}

func (f *Filter) consume(n uint64) {
	if n <= f.skip {
		f.skip -= n
		return
	}
	n -= f.skip
	f.skip = 0
	f.want -= min(n, f.want)
}
