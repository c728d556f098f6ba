package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/bamsammich/carrange/internal/engine"
	"github.com/bamsammich/carrange/internal/filter"
	"github.com/bamsammich/carrange/internal/pack"
	"github.com/bamsammich/carrange/internal/ui"
)

var packCmd = &cobra.Command{
	Use:   "pack [flags] <file>",
	Short: "Pack a file into a CARv1 archive",
	Long: `Chunk a file into raw leaves, lay them out as a balanced unixfs file DAG
and write the archive with the root first and blocks in depth-first order,
the layout "carrange filter" can trim. The root CID is printed on stderr.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.ExactArgs(1),
	RunE:          runPack,
}

func init() {
	packCmd.Flags().StringP("output", "o", "", "write the archive to FILE instead of stdout")
	packCmd.Flags().String("chunk-size", "1M", "leaf size (e.g. 256K, 1M)")
	packCmd.Flags().Int("max-links", pack.DefaultMaxLinks, "widest interior node")
	packCmd.Flags().Bool("dedup", false, "write repeated chunks and subtrees once")
	packCmd.Flags().Bool("force", false, "write binary output to a terminal")
}

func runPack(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")       //nolint:errcheck // flag name is hardcoded
	chunkStr, _ := cmd.Flags().GetString("chunk-size") //nolint:errcheck // flag name is hardcoded
	maxLinks, _ := cmd.Flags().GetInt("max-links")     //nolint:errcheck // flag name is hardcoded
	dedup, _ := cmd.Flags().GetBool("dedup")           //nolint:errcheck // flag name is hardcoded
	force, _ := cmd.Flags().GetBool("force")           //nolint:errcheck // flag name is hardcoded

	chunkSize, err := filter.ParseSize(chunkStr)
	if err != nil {
		return fmt.Errorf("invalid --chunk-size: %w", err)
	}
	if chunkSize <= 0 {
		return fmt.Errorf("invalid --chunk-size: %s", chunkStr)
	}

	src, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer src.Close()

	var out io.Writer = cmd.OutOrStdout()
	if output != "" {
		fh, err := os.Create(output)
		if err != nil {
			return err
		}
		defer fh.Close()
		out = fh
	} else if ui.IsTerminalWriter(out) && !force {
		return errors.New("refusing to write an archive to a terminal (use -o or --force)")
	}

	root, err := pack.Write(out, src, pack.Options{
		ChunkSize: int(chunkSize),
		MaxLinks:  maxLinks,
		Dedup:     dedup,
	})
	if err != nil {
		return fmt.Errorf("pack %s: %w", args[0], err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "root %s\n", root)
	if output != "" {
		digest, err := engine.HashFile(output)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "blake3 %s\n", digest)
	}
	return nil
}
