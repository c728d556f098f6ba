package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bamsammich/carrange/internal/config"
	"github.com/bamsammich/carrange/internal/engine"
	"github.com/bamsammich/carrange/internal/event"
	"github.com/bamsammich/carrange/internal/filter"
	"github.com/bamsammich/carrange/internal/stats"
	"github.com/bamsammich/carrange/internal/ui"
)

// rangeFlag is a pflag.Value parsed with filter.ParseRange.
type rangeFlag struct {
	rng filter.Range
	set bool
}

var _ pflag.Value = (*rangeFlag)(nil)

func (f *rangeFlag) String() string {
	if !f.set {
		return ""
	}
	return f.rng.String()
}

func (*rangeFlag) Type() string { return "start:end" }

func (f *rangeFlag) Set(val string) error {
	r, err := filter.ParseRange(val)
	if err != nil {
		return err
	}
	f.rng, f.set = r, true
	return nil
}

type filterOptions struct {
	rng            rangeFlag
	output         string
	verify         bool
	force          bool
	noFilter       bool
	bwLimit        string
	maxSectionSize string
}

func newFilterCmd() *cobra.Command {
	var opts filterOptions

	cmd := &cobra.Command{
		Use:   "filter --range START:END [flags] [archive|-]",
		Short: "Write the blocks of an archive that cover a byte range",
		Long: `Read a CARv1 archive of a unixfs file and write a new archive holding the
header, the root and only the blocks that overlap the file range
[START, END). END may be "*" for the end of the file.

The output is written to stdout unless -o is given. Archives whose layout is
not a recognised file DAG are copied through unchanged.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFilter(cmd, args, &opts)
		},
	}

	f := cmd.Flags()
	f.VarP(&opts.rng, "range", "r", "file byte range START:END (END exclusive, * for end of file)")
	f.StringVarP(&opts.output, "output", "o", "", "write the archive to FILE instead of stdout")
	f.BoolVar(&opts.verify, "verify", false, "check every block's hash against its CID")
	f.BoolVar(&opts.force, "force", false, "write binary output to a terminal")
	f.BoolVar(&opts.noFilter, "no-filter", false, "copy every block (digest and validate only)")
	f.StringVar(&opts.bwLimit, "bwlimit", "", "limit output bandwidth (e.g. 10M for 10 MB/s)")
	f.StringVar(&opts.maxSectionSize, "max-section-size", "", "reject sections larger than SIZE")
	return cmd
}

//nolint:revive // cognitive-complexity: flag resolution, IO setup and presenter wiring
func runFilter(cmd *cobra.Command, args []string, opts *filterOptions) error {
	if !opts.rng.set && !opts.noFilter {
		return errors.New("--range is required (or --no-filter)")
	}

	closeLog, err := setupLogging(logOpts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closeLog()

	cfg, err := config.Load()
	if err != nil {
		slog.Warn("failed to load config", "error", err)
	}
	applyFilterDefaults(cmd, cfg.Server, opts)

	bwLimit, err := config.Size(optional(opts.bwLimit), 0)
	if err != nil {
		return fmt.Errorf("invalid --bwlimit: %w", err)
	}
	maxSection, err := config.Size(optional(opts.maxSectionSize), 0)
	if err != nil {
		return fmt.Errorf("invalid --max-section-size: %w", err)
	}

	var in io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		fh, err := os.Open(args[0])
		if err != nil {
			return err
		}
		// Closed by the engine once the range is satisfied.
		defer fh.Close()
		in = fh
	}

	var out io.Writer = cmd.OutOrStdout()
	if opts.output != "" {
		fh, err := os.Create(opts.output)
		if err != nil {
			return err
		}
		defer fh.Close()
		out = fh
	} else if ui.IsTerminalWriter(out) && !opts.force {
		return errors.New("refusing to write an archive to a terminal (use -o or --force)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	events := make(chan event.Event, 256)
	presenterEvents := (<-chan event.Event)(events)
	if logOpts.file != "" {
		presenterEvents = teeEvents(events)
	}

	presenter := ui.NewPresenter(ui.Config{
		Writer:  cmd.ErrOrStderr(),
		Stats:   collector,
		Quiet:   logOpts.quiet,
		Verbose: logOpts.verbose,
	})

	var presenterErr error
	var presenterWg sync.WaitGroup
	presenterWg.Go(func() {
		presenterErr = presenter.Run(presenterEvents)
	})

	slog.Debug("starting filter", "range", opts.rng.rng, "filter", !opts.noFilter, "verify", opts.verify)
	result := engine.Run(ctx, engine.Config{
		Source:         in,
		Output:         out,
		Range:          opts.rng.rng,
		Filter:         !opts.noFilter,
		MaxSectionSize: uint64(maxSection), //nolint:gosec // G115: ParseSize rejects negatives
		Verify:         opts.verify,
		BWLimit:        bwLimit,
		Events:         events,
		Stats:          collector,
	})
	stop()
	close(events)
	presenterWg.Wait()
	if presenterErr != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "presenter: %v\n", presenterErr)
	}

	if !logOpts.quiet {
		if summary := presenter.Summary(); summary != "" {
			fmt.Fprintln(cmd.ErrOrStderr(), summary)
		}
	}

	if result.Mismatch != nil {
		slog.Warn("archive is not a recognised file DAG, copied through",
			"error", result.Mismatch, "degraded", result.Degraded)
	}
	if result.Err != nil {
		slog.Error("filter failed", "error", result.Err, "written", result.Written)
		if result.Written > 0 {
			return &exitError{code: 1} // partial output
		}
		return &exitError{code: 2}
	}

	slog.Info("range filtered",
		"range", result.Range,
		"written", result.Written,
		"blake3", result.Digest,
		"early_exit", result.Satisfied,
	)
	return nil
}

// applyFilterDefaults applies config file settings for flags not explicitly
// set on the CLI.
func applyFilterDefaults(cmd *cobra.Command, s config.ServerConfig, opts *filterOptions) {
	if !cmd.Flags().Changed("verify") && s.Verify != nil {
		opts.verify = *s.Verify
	}
	if !cmd.Flags().Changed("bwlimit") && s.BWLimit != nil {
		opts.bwLimit = *s.BWLimit
	}
	if !cmd.Flags().Changed("max-section-size") && s.MaxSectionSize != nil {
		opts.maxSectionSize = *s.MaxSectionSize
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// teeEvents logs each event as a structured record before forwarding it.
func teeEvents(events <-chan event.Event) <-chan event.Event {
	teed := make(chan event.Event, 256)
	go func() {
		for ev := range events {
			attrs := []slog.Attr{
				slog.String("type", ev.Type.String()),
				slog.String("cid", ev.CID),
				slog.String("phase", ev.Phase),
				slog.Uint64("start", ev.Start),
				slog.Uint64("end", ev.End),
				slog.Int64("size", ev.Size),
			}
			if ev.Kind != "" {
				attrs = append(attrs, slog.String("kind", ev.Kind))
			}
			if ev.Error != nil {
				attrs = append(attrs, slog.String("error", ev.Error.Error()))
			}
			slog.LogAttrs(context.Background(), slog.LevelDebug, "carrange.event", attrs...)
			teed <- ev
		}
		close(teed)
	}()
	return teed
}
