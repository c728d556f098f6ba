package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/bamsammich/carrange/internal/filter"
	"github.com/bamsammich/carrange/internal/stats"
)

const progressBarWidth = 20

// plainPresenter writes periodic progress lines, warnings, and with verbose
// set one line per block.
type plainPresenter struct {
	w        io.Writer
	stats    *stats.Collector
	verbose  bool
	interval time.Duration

	// Resolved range, known once the root is classified.
	rng    filter.Range
	ranged bool
	failed bool
}

func (p *plainPresenter) Run(events <-chan Event) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	ticks := 0
	perReport := max(int(p.interval/time.Second), 1)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.handleEvent(ev)
		case <-ticker.C:
			p.stats.Tick()
			ticks++
			if ticks%perReport == 0 {
				p.printProgress()
			}
		}
	}
}

func (p *plainPresenter) handleEvent(ev Event) {
	switch ev.Type {
	case HeaderRead:
		p.verbosef("root %s  header %s\n", ev.CID, FormatBytes(ev.Size))
	case PhaseChanged:
		if !p.ranged {
			p.rng = filter.Range{Start: ev.Start, End: ev.End}
			p.ranged = true
			p.verbosef("range %s\n", p.rng)
		}
		p.verbosef("phase %s\n", ev.Phase)
	case BlockEmitted:
		p.verbosef("emit  %s  %s  %s\n", ev.CID, ev.Kind, interval(ev))
	case BlockDropped:
		p.verbosef("drop  %s  %s  %s\n", ev.CID, ev.Kind, interval(ev))
	case PassthroughEnabled:
		msg := "structure not recognised"
		if ev.Error != nil {
			msg = ev.Error.Error()
		}
		fmt.Fprintf(p.w, "passthrough: %s\n", msg)
	case RangeSatisfied:
		p.verbosef("range satisfied, closing source\n")
	case StreamFailed:
		p.failed = true
	}
}

func (p *plainPresenter) verbosef(format string, args ...any) {
	if p.verbose {
		fmt.Fprintf(p.w, format, args...)
	}
}

func interval(ev Event) string {
	if ev.End <= ev.Start {
		return "-"
	}
	return fmt.Sprintf("[%d, %d)", ev.Start, ev.End)
}

func (p *plainPresenter) printProgress() {
	snap := p.stats.Snapshot()
	speed := p.stats.RollingSpeed(10)

	total := p.rng.Len()
	if !p.ranged || total == 0 {
		fmt.Fprintf(p.w, "progress: read %s written %s blocks %s %s\n",
			FormatBytes(snap.BytesRead),
			FormatBytes(snap.BytesEmitted),
			FormatCount(snap.BlocksEmitted),
			FormatRate(speed),
		)
		return
	}

	done := uint64(snap.FileBytesEmitted)
	pct := float64(min(done, total)) / float64(total)
	var eta time.Duration
	if speed > 0 && done < total {
		eta = time.Duration(float64(total-done) / speed * float64(time.Second))
	}
	fmt.Fprintf(p.w, "progress: %s %.0f%% %s/%s %s eta %s\n",
		CoverageBar(done, total, progressBarWidth),
		pct*100,
		FormatBytes(int64(done)), FormatBytes(int64(total)),
		FormatRate(speed),
		FormatETA(eta),
	)
}

func (p *plainPresenter) Summary() string {
	return completionSummary(p.stats.Snapshot(), p.failed)
}
