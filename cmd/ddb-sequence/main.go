// Command ddb-sequence inspects and maintains a directory sequence: show
// per-layer information, join the oldest incremental into the full
// backup, or rebuild the checksum cache.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gladserv/ddb"
)

func main() {
	ddb.IgnoreBrokenPipe()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ddb-sequence: %s\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	if de, ok := err.(*ddb.Error); ok && de.Code == ddb.Invalid {
		return 1
	}
	return 2
}

type seqFlags struct {
	checksum     bool
	info         bool
	full         bool
	join         bool
	machine      bool
	quiet        bool
	sequenceType string
}

func newRootCmd() *cobra.Command {
	var f seqFlags

	cmd := &cobra.Command{
		Use:   "ddb-sequence [OPTIONS] SEQUENCE",
		Short: "inspect and maintain a directory sequence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !f.info && !f.full && !f.join && !f.checksum {
				f.info = true
			}
			return run(f, args[0])
		},
	}

	fl := cmd.Flags()
	fl.BoolVarP(&f.checksum, "checksum", "c", false, "rebuild the checksum cache")
	fl.BoolVarP(&f.info, "info", "i", false, "show information about full and incremental layers (default)")
	fl.BoolVarP(&f.full, "full-info", "I", false, "like --info but with more detail")
	fl.BoolVarP(&f.join, "join", "j", false, "join full and oldest incremental into a newer full backup")
	fl.BoolVarP(&f.machine, "machine", "m", false, "machine-readable output")
	fl.BoolVarP(&f.quiet, "quiet", "q", false, "omit progress reports for --join/--checksum")
	fl.StringVarP(&f.sequenceType, "type", "t", "dir", "sequence type: dir or packed")

	return cmd
}

func run(f seqFlags, dir string) error {
	if f.info || f.full {
		if err := showInfo(dir, f); err != nil {
			return err
		}
	}
	join, checksum := ddb.Join, ddb.Checksum
	if f.sequenceType == "packed" {
		join, checksum = ddb.JoinPacked, ddb.ChecksumPacked
	}

	if f.join {
		if err := runAction(dir, f.quiet, join); err != nil {
			return err
		}
		if f.info || f.full {
			if err := showInfo(dir, f); err != nil {
				return err
			}
		}
	}
	if f.checksum {
		if err := runAction(dir, f.quiet, checksum); err != nil {
			return err
		}
		if f.info || f.full {
			if err := showInfo(dir, f); err != nil {
				return err
			}
		}
	}
	return nil
}

func runAction(dir string, quiet bool, action func(string, func(string)) error) error {
	var progress func(string)
	if !quiet {
		progress = func(line string) { fmt.Fprint(os.Stderr, line) }
	}
	return action(dir, progress)
}

// openForInfo opens dir/path for read-only inspection, returning the
// underlying Sequence for layer access plus the right Close for the
// concrete type: a packed sequence's Close also removes its scratch
// directory, so it must be called on the *PackedSequence, not the
// embedded *Sequence.
func openForInfo(path, typ string) (seq *ddb.Sequence, closeFn func() error, err error) {
	if typ == "packed" {
		ps, err := ddb.OpenPackedSequence(path, false, false)
		if err != nil {
			return nil, nil, err
		}
		return ps.Sequence, ps.Close, nil
	}
	s, err := ddb.OpenSequence(path, false, false)
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}

func showInfo(dir string, f seqFlags) error {
	s, closeFn, err := openForInfo(dir, f.sequenceType)
	if err != nil {
		return err
	}
	defer closeFn()

	if f.machine {
		fmt.Printf("name %s\n", dir)
	} else {
		fmt.Printf("%s:\n", dir)
	}

	info := s.Info()
	if f.full {
		if f.machine {
			fmt.Printf("block-size %d\n", info.BlockSize)
			fmt.Printf("total-blocks %d\n", info.NumBlocks)
		} else {
			fmt.Printf("Block size: %d\n", info.BlockSize)
			fmt.Printf("Total size: %d (%d blocks)\n", info.TotalSize, info.NumBlocks)
		}
	}
	fmt.Println()

	for i, layer := range s.Layers() {
		present, err := layer.Blocks()
		if err != nil {
			return err
		}
		mtime := s.LayerMtime(i)
		var ts string
		if f.machine {
			ts = fmt.Sprintf("%d", mtime)
		} else {
			ts = time.Unix(mtime, 0).UTC().Format("2006-01-02 15:04:05 UTC")
		}

		if i == 0 {
			if f.machine {
				fmt.Printf("full %s\n", ts)
				if f.full {
					fmt.Printf("blocks %d\n", layer.Info().NumBlocks)
				}
			} else {
				fmt.Printf("Full backup: %s\n", ts)
				if f.full {
					fmt.Printf("  Total size: %d (%d blocks)\n", layer.Info().TotalSize, layer.Info().NumBlocks)
				}
			}
		} else {
			if f.machine {
				fmt.Printf("incremental %s\n", ts)
				if f.full {
					fmt.Printf("blocks %d\n", present.Count())
				}
			} else {
				fmt.Printf("Incremental: %s\n", ts)
				if f.full {
					fmt.Printf("  Changes: %d blocks\n", present.Count())
				}
			}
		}
		if f.full {
			if f.machine {
				fmt.Printf("allocated %d\n", present.Count())
			} else {
				fmt.Printf("  File size: %d blocks\n", present.Count())
			}
		}
		fmt.Println()
	}
	return nil
}
