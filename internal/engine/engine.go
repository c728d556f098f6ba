// Package engine drives one range-filtering pipeline: it pulls blocks from
// an archive stream, maps them onto the file they encode and writes the
// blocks the range filter keeps.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/bamsammich/carrange/internal/car"
	"github.com/bamsammich/carrange/internal/event"
	"github.com/bamsammich/carrange/internal/filter"
	"github.com/bamsammich/carrange/internal/offsetmap"
	"github.com/bamsammich/carrange/internal/stats"
	"github.com/bamsammich/carrange/internal/unixfs"
)

// Config describes one filtering run.
type Config struct {
	Source io.Reader
	Output io.Writer
	Range  filter.Range
	// Filter enables range filtering. When false every block is copied.
	Filter         bool
	MaxSectionSize uint64
	Verify         bool
	// BWLimit caps output throughput in bytes per second. Zero is unlimited.
	BWLimit int64
	Events  chan<- event.Event
	// Stats, when set, receives the counters as they change and
	// Result.Stats is its final snapshot.
	Stats *stats.Collector
}

// Result is the outcome of a run.
type Result struct {
	Stats stats.Snapshot
	Phase filter.Phase
	// Range is the requested range clamped to the file size.
	Range filter.Range
	// Satisfied is set when the source was abandoned early.
	Satisfied bool
	// Degraded is set when filtering fell back to passthrough after blocks
	// had already been dropped. The output may then lack requested bytes.
	Degraded bool
	// Mismatch is the error that disabled filtering, if any: a structural
	// mismatch or filter.ErrUnservedRepeat.
	Mismatch error
	Written  int64
	// Digest is the hex BLAKE3 digest of the bytes written.
	Digest string
	Err    error
}

// Run executes a filtering pipeline, blocking until the source is exhausted,
// the range is satisfied, ctx is cancelled or an error occurs. Header and
// root are held back until the root is classified, so a malformed root or
// an invalid range fails with nothing written.
func Run(ctx context.Context, cfg Config) Result {
	collector := cfg.Stats
	if collector == nil {
		collector = stats.NewCollector()
	}
	out := cfg.Output
	if cfg.BWLimit > 0 {
		out = newRateLimitedWriter(ctx, out, NewBWLimiter(cfg.BWLimit))
	}

	p := &pipeline{
		cfg:   cfg,
		stats: collector,
		emit:  newEmitter(out),
	}
	err := p.run(ctx)
	if err != nil {
		p.event(event.Event{Type: event.StreamFailed, Error: err})
	}

	res := Result{
		Written: p.emit.written(),
		Digest:  p.emit.digest(),
		Err:     err,
	}
	if p.filter != nil {
		res.Phase = p.filter.Phase()
		res.Range = p.filter.Range()
		res.Satisfied = p.filter.Satisfied()
		res.Degraded = p.filter.Degraded()
		res.Mismatch = p.filter.Err()
	}
	if res.Satisfied {
		collector.AddEarlyExits(1)
		if c, ok := cfg.Source.(io.Closer); ok {
			if cerr := c.Close(); cerr != nil && res.Err == nil {
				res.Err = fmt.Errorf("close source: %w", cerr)
			}
		}
	}
	if res.Mismatch != nil {
		collector.AddPassthroughs(1)
	}
	res.Stats = collector.Snapshot()
	return res
}

type pipeline struct {
	cfg    Config
	stats  *stats.Collector
	emit   *emitter
	reader *car.Reader
	filter *filter.Filter
	omap   *offsetmap.Builder
	read   int64
}

func (p *pipeline) run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var opts []car.ReaderOption
	if p.cfg.MaxSectionSize > 0 {
		opts = append(opts, car.WithMaxSectionSize(p.cfg.MaxSectionSize))
	}
	if p.cfg.Verify {
		opts = append(opts, car.WithVerify())
	}
	rd, err := car.NewReader(p.cfg.Source, opts...)
	if err != nil {
		p.countRead()
		return err
	}
	p.reader = rd
	p.countRead()
	h := rd.Header()
	p.emit.holdHeader(h)

	root := cid.Undef
	if len(h.Roots) > 0 {
		root = h.Roots[0]
	}
	p.event(event.Event{Type: event.HeaderRead, CID: root.String(), Size: int64(len(h.Raw))})

	if !p.cfg.Filter {
		p.filter = filter.Unfiltered()
	} else {
		if p.filter, err = filter.New(p.cfg.Range); err != nil {
			return err
		}
		p.omap = offsetmap.New(root)
		if len(h.Roots) != 1 {
			p.mismatch(fmt.Errorf("%w: header names %d roots", offsetmap.ErrStructuralMismatch, len(h.Roots)))
		}
	}

	for !p.filter.Satisfied() {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := rd.Next()
		p.countRead()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		p.stats.AddBlocksRead(1)
		if err := p.handle(b); err != nil {
			return err
		}
	}

	if p.filter.Satisfied() {
		p.event(event.Event{Type: event.RangeSatisfied, Phase: p.filter.Phase().String()})
	}
	// An archive without blocks still gets its header.
	return p.emit.flushHeader()
}

func (p *pipeline) handle(b car.Block) error {
	c := unixfs.Classify(b)
	before := p.filter.Phase()

	var step offsetmap.Step
	if before != filter.Passthrough {
		var err error
		if step, err = p.omap.Add(c); err != nil {
			p.mismatch(err)
			before = filter.Passthrough
		}
	}

	action, err := p.filter.Observe(step)
	if err != nil {
		return err
	}
	switch after := p.filter.Phase(); {
	case after == before:
	case after == filter.Passthrough:
		p.event(event.Event{
			Type:  event.PassthroughEnabled,
			Phase: after.String(),
			CID:   b.CID.String(),
			Error: p.filter.Err(),
		})
	default:
		rng := p.filter.Range()
		p.event(event.Event{
			Type:  event.PhaseChanged,
			Phase: after.String(),
			CID:   b.CID.String(),
			Start: rng.Start,
			End:   rng.End,
		})
	}

	e := event.Event{
		CID:   b.CID.String(),
		Kind:  c.Kind.String(),
		Phase: p.filter.Phase().String(),
		Start: step.Start,
		End:   step.End,
		Size:  int64(len(b.Raw)),
	}
	if action == filter.Drop {
		p.stats.AddBlocksDropped(1)
		e.Type = event.BlockDropped
		p.event(e)
		return nil
	}

	if err := p.emit.block(b); err != nil {
		return err
	}
	p.stats.AddBlocksEmitted(1)
	p.stats.AddBytesEmitted(int64(len(b.Raw)))
	if step.Data {
		p.stats.AddFileBytesEmitted(int64(step.Len()))
	}
	e.Type = event.BlockEmitted
	p.event(e)
	return nil
}

func (p *pipeline) mismatch(err error) {
	p.filter.Mismatch(err)
	p.event(event.Event{Type: event.PassthroughEnabled, Phase: filter.Passthrough.String(), Error: err})
}

func (p *pipeline) countRead() {
	if p.reader == nil {
		return
	}
	n := p.reader.BytesRead()
	p.stats.AddBytesRead(n - p.read)
	p.read = n
}

func (p *pipeline) event(e event.Event) {
	ch := p.cfg.Events
	if ch == nil {
		return
	}
	e.Timestamp = time.Now()
	select {
	case ch <- e:
	default:
	}
}
