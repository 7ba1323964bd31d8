// Command ddb-info prints metadata about one or more ddb devices: block
// size, total size, and (with -b) the complete list of present blocks.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gladserv/ddb"
)

func main() {
	ddb.IgnoreBrokenPipe()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ddb-info: %s\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	if de, ok := err.(*ddb.Error); ok && de.Code == ddb.Invalid {
		return 1
	}
	return 2
}

func newRootCmd() *cobra.Command {
	var blockSize int64
	var listBlocks bool
	var sourceType string

	cmd := &cobra.Command{
		Use:   "ddb-info [OPTIONS] SOURCE [SOURCE]...",
		Short: "print information about ddb image/sequence sources",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				if err := printSource(path, sourceType, blockSize, listBlocks); err != nil {
					return err
				}
				fmt.Println()
			}
			return nil
		},
	}

	fl := cmd.Flags()
	fl.BoolVarP(&listBlocks, "blocks", "b", false, "show complete list of blocks present in source")
	fl.Int64VarP(&blockSize, "block-size", "B", 0, "block size, if required by source")
	fl.StringVarP(&sourceType, "type", "t", "", "source type: image, dir, or packed (autodetected if omitted)")

	return cmd
}

func printSource(path, sourceType string, blockSize int64, listBlocks bool) error {
	dev, err := openSource(path, sourceType, blockSize)
	if err != nil {
		return err
	}
	defer dev.Close()

	info := dev.Info()
	fmt.Printf("%s:\n", path)
	fmt.Printf("  Block size: %d\n", info.BlockSize)
	fmt.Printf("  Total size: %d (%d blocks)\n", info.TotalSize, info.NumBlocks)

	present, err := dev.Blocks()
	if err != nil {
		return err
	}
	fmt.Printf("  Blocks present: %d\n", present.Count())

	if err := dev.Report(func(line string) { fmt.Printf("  %s\n", line) }); err != nil {
		return err
	}

	if listBlocks {
		fmt.Println("  Ranges:")
		present.Iterate(func(start, end int64) bool {
			if start == end {
				fmt.Printf("    %d\n", start)
			} else {
				fmt.Printf("    %d:%d\n", start, end)
			}
			return false
		})
	}
	return nil
}

func openSource(path, sourceType string, blockSize int64) (ddb.Device, error) {
	switch sourceType {
	case "dir":
		return ddb.OpenSequence(path, false, false)
	case "packed":
		return ddb.OpenPackedSequence(path, false, false)
	case "image", "":
		if sourceType == "" {
			if st, err := os.Stat(path); err == nil && st.IsDir() {
				return ddb.OpenSequence(path, false, false)
			}
		}
		var opts []ddb.OpenOption
		if blockSize > 0 {
			opts = append(opts, ddb.ExpectBlockSize(blockSize))
		}
		return ddb.Open(path, true, opts...)
	default:
		return nil, ddb.NewError(ddb.Invalid, "unsupported source type: "+sourceType, nil)
	}
}
