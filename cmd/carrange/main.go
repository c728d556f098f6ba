package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/bamsammich/carrange/internal/ui"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(args)

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

// logOptions are the persistent logging flags shared by every command.
type logOptions struct {
	verbose bool
	quiet   bool
	file    string
	level   string
}

var logOpts logOptions

func newRootCmd() *cobra.Command {
	var showVersion bool

	rootCmd := &cobra.Command{
		Use:   "carrange",
		Short: "Byte-range filtering for content-addressed archives",
		Long: `carrange trims a CARv1 archive holding a unixfs file down to the blocks
needed to reconstruct a byte range of that file. It works on a stream, in
one pass, and stops reading as soon as the range is complete.

Run it on files with "carrange filter", or in front of an archive origin
with "carrange serve".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if showVersion {
				fmt.Fprintf(cmd.OutOrStdout(), "carrange %s\n", version)
				return nil
			}
			return cmd.Help()
		},
	}

	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&logOpts.verbose, "verbose", "v", false, "verbose output")
	pf.BoolVarP(&logOpts.quiet, "quiet", "q", false, "suppress all output except errors")
	pf.StringVar(&logOpts.file, "log", "", "also write JSON logs to FILE")

	rootCmd.AddCommand(newFilterCmd(), serveCmd, statusCmd, packCmd, inspectCmd, docsCmd)
	return rootCmd
}

// setupLogging installs the default logger: text on stderr, plus JSON to
// the log file when one is set. The returned func closes the log file.
func setupLogging(o logOptions, stderr io.Writer) (func(), error) {
	level := slog.LevelInfo
	switch {
	case o.verbose:
		level = slog.LevelDebug
	case o.quiet:
		level = slog.LevelWarn
	case o.level != "":
		if err := level.UnmarshalText([]byte(o.level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", o.level, err)
		}
	}

	textHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})
	var handler slog.Handler = textHandler
	closeFn := func() {}
	if o.file != "" {
		lf, err := os.Create(o.file)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		jsonHandler := slog.NewJSONHandler(lf, &slog.HandlerOptions{Level: slog.LevelDebug})
		handler = ui.NewMultiHandler(textHandler, jsonHandler)
		closeFn = func() { lf.Close() }
	}
	slog.SetDefault(slog.New(handler))
	return closeFn, nil
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
