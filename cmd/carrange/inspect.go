package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/ipfs/go-cid"
	"github.com/spf13/cobra"

	"github.com/bamsammich/carrange/internal/car"
	"github.com/bamsammich/carrange/internal/offsetmap"
	"github.com/bamsammich/carrange/internal/unixfs"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [flags] [archive|-]",
	Short: "List the blocks of an archive and the file bytes each one covers",
	Long: `Print the header of a CARv1 archive and one line per block with its CID,
codec, unixfs kind and the half-open file interval it maps to. Blocks the
offset map cannot place are shown with "-" and the reason is printed once.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.MaximumNArgs(1),
	RunE:          runInspect,
}

func init() {
	inspectCmd.Flags().Bool("verify", false, "check every block's hash against its CID")
}

func runInspect(cmd *cobra.Command, args []string) error {
	verify, _ := cmd.Flags().GetBool("verify") //nolint:errcheck // flag name is hardcoded

	var in io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		fh, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer fh.Close()
		in = fh
	}

	var opts []car.ReaderOption
	if verify {
		opts = append(opts, car.WithVerify())
	}
	rd, err := car.NewReader(in, opts...)
	if err != nil {
		return err
	}
	return inspect(cmd.OutOrStdout(), rd)
}

func inspect(out io.Writer, rd *car.Reader) error {
	h := rd.Header()
	fmt.Fprintf(out, "version 1  roots %d  header %d bytes\n", len(h.Roots), len(h.Raw))
	for _, r := range h.Roots {
		fmt.Fprintf(out, "root %s\n", r)
	}

	var omap *offsetmap.Builder
	if len(h.Roots) == 1 {
		omap = offsetmap.New(h.Roots[0])
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CID\tCODEC\tKIND\tSIZE\tINTERVAL")
	var structErr error
	for {
		b, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			tw.Flush()
			return err
		}

		c := unixfs.Classify(b)
		span := "-"
		if omap != nil && structErr == nil {
			step, err := omap.Add(c)
			if err != nil {
				structErr = err
			} else {
				span = formatStep(step)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", b.CID, codecName(b.Codec()), c.Kind, len(b.Raw), span)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	switch {
	case omap == nil:
		fmt.Fprintf(out, "not a file archive: %d roots\n", len(h.Roots))
	case structErr != nil:
		fmt.Fprintf(out, "structure: %v\n", structErr)
	case omap.Done():
		fmt.Fprintf(out, "file size %d, complete\n", omap.Size())
	default:
		fmt.Fprintf(out, "file size %d, incomplete at offset %d\n", omap.Size(), omap.Cursor())
	}
	fmt.Fprintf(out, "read %d bytes\n", rd.BytesRead())
	return nil
}

func formatStep(s offsetmap.Step) string {
	span := fmt.Sprintf("[%d, %d)", s.Start, s.End)
	switch {
	case s.Skipped > 0:
		span += fmt.Sprintf(" after %d elided", s.Skipped)
	case !s.Data && s.Consumed > 0:
		span += fmt.Sprintf(" %d inline", s.Consumed)
	}
	return span
}

func codecName(codec uint64) string {
	switch codec {
	case cid.DagProtobuf:
		return "dag-pb"
	case cid.Raw:
		return "raw"
	case cid.DagCBOR:
		return "dag-cbor"
	case cid.DagJSON:
		return "dag-json"
	default:
		return fmt.Sprintf("0x%x", codec)
	}
}
