package ui

import (
	"io"
	"time"

	"github.com/bamsammich/carrange/internal/stats"
)

// DefaultInterval is how often the plain presenter prints progress.
const DefaultInterval = 5 * time.Second

// Presenter consumes events and displays progress.
type Presenter interface {
	// Run consumes events until the channel closes. Blocks until done.
	Run(events <-chan Event) error
	// Summary returns the final summary line.
	Summary() string
}

// Config configures a Presenter. Output goes to Writer, which is stderr for
// the filter command since stdout carries the archive.
type Config struct {
	Writer   io.Writer
	Stats    *stats.Collector
	Quiet    bool
	Verbose  bool
	Interval time.Duration
}

// NewPresenter creates the appropriate presenter based on configuration.
//
//nolint:ireturn // factory function returns interface by design
func NewPresenter(cfg Config) Presenter {
	if cfg.Quiet {
		return &quietPresenter{}
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &plainPresenter{
		w:        cfg.Writer,
		stats:    cfg.Stats,
		verbose:  cfg.Verbose,
		interval: interval,
	}
}
