// Command ddb-backup copies blocks from one device to another, with
// checkpointing, progress reporting, and optional checksum-based skipping.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gladserv/ddb"
)

func main() {
	ddb.IgnoreBrokenPipe()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ddb-backup: %s\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	if de, ok := err.(*ddb.Error); ok {
		switch de.Code {
		case ddb.Invalid:
			return 1
		default:
			return 2
		}
	}
	return 2
}

type backupFlags struct {
	blockSize      int64
	checkpoint     string
	checksums      bool
	copiedList     string
	flushInterval  int
	inputList      string
	dryRun         bool
	outputList     string
	outputEachPass bool
	maxPasses      int
	quiet          bool
	reportInterval int
	sleep          int
	bufferBlocks   int
	dstType        string
	srcType        string
	unconditional  bool
	exclusive      bool
}

func newRootCmd() *cobra.Command {
	var f backupFlags

	cmd := &cobra.Command{
		Use:   "ddb-backup src [dst]",
		Short: "copy blocks from src to dst with checkpointing",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackup(f, args)
		},
	}

	fl := cmd.Flags()
	fl.Int64VarP(&f.blockSize, "block-size", "b", 4096, "block size in bytes")
	fl.StringVarP(&f.checkpoint, "checkpoint", "c", "", "[interval:]path to checkpoint file")
	fl.BoolVarP(&f.checksums, "checksums", "C", false, "use checksums to skip identical blocks")
	fl.BoolVarP(&f.dryRun, "dry-run", "n", false, "do not write to dst")
	fl.StringVarP(&f.copiedList, "copied-list", "f", "", "path to write the list of copied blocks")
	fl.IntVarP(&f.flushInterval, "flush-interval", "F", 120, "seconds between dst flushes")
	fl.StringVarP(&f.inputList, "input-list", "i", "", "path to a block range list to copy instead of src.CopyRange()")
	fl.StringVarP(&f.outputList, "output-list", "o", "", "path to write the remaining to-copy list")
	fl.BoolVarP(&f.outputEachPass, "output-each-pass", "O", false, "write output-list after every pass, not just at the end")
	fl.IntVarP(&f.maxPasses, "max-passes", "p", 3, "maximum number of retry passes")
	fl.BoolVarP(&f.quiet, "quiet", "q", false, "suppress progress output")
	fl.IntVarP(&f.reportInterval, "report-interval", "r", 2, "seconds between progress reports")
	fl.IntVarP(&f.sleep, "sleep", "s", 0, "seconds to sleep after each progress report")
	fl.IntVarP(&f.bufferBlocks, "buffer-blocks", "S", 32, "blocks per read/write batch")
	fl.StringVarP(&f.dstType, "dst-type", "t", "image", "dst device type: image, dir, packed")
	fl.StringVarP(&f.srcType, "src-type", "T", "image", "src device type: image, dir, packed")
	fl.BoolVarP(&f.unconditional, "write", "w", false, "write every block unconditionally, skip compare")
	fl.BoolVarP(&f.exclusive, "exclusive", "x", false, "fail if dst already exists")
	fl.Bool("extra-report", true, "emit an extra end-of-pass report line")

	return cmd
}

func runBackup(f backupFlags, args []string) error {
	srcPath := args[0]
	var dstPath string
	if len(args) > 1 {
		dstPath = args[1]
	}

	src, err := openSrc(srcPath, f.srcType, f.blockSize)
	if err != nil {
		return err
	}
	defer src.Close()

	var dst ddb.Device
	if dstPath != "" {
		dst, err = openDst(dstPath, f.dstType, f.blockSize, src.Info().TotalSize, f.exclusive)
		if err != nil {
			return err
		}
		defer dst.Close()
	}

	checkpointPath, checkpointInterval := parseCheckpointFlag(f.checkpoint)

	var inputList *ddb.BlockRangeSet
	if f.inputList != "" {
		inputList, err = loadRangeList(f.inputList)
		if err != nil {
			return err
		}
	}

	cfg := ddb.CopyConfig{
		Src: src, Dst: dst,
		WriteDst:       dstPath != "" && !f.dryRun,
		SkipIdentical:  !f.unconditional,
		UseChecksums:   f.checksums,
		OutputEachPass: f.outputEachPass,
		ExtraReport:    true,
		BlockSize:      f.blockSize,
		MaxPasses:      f.maxPasses,
		ProgressInterval:   f.reportInterval,
		FlushInterval:      f.flushInterval,
		CheckpointInterval: checkpointInterval,
		CheckpointFile:     checkpointPath,
		InputList:          inputList,
	}
	if !f.quiet {
		cfg.Progress = func(line string) { fmt.Fprint(os.Stderr, line) }
	}
	if f.outputList != "" {
		cfg.OutputList = func(remaining *ddb.BlockRangeSet) {
			if err := saveRangeList(f.outputList, remaining); err != nil {
				logrus.WithError(err).WithField("path", f.outputList).Warn("failed to write output-list")
			}
		}
	}
	if f.copiedList != "" {
		cfg.CopiedList = func(copied *ddb.BlockRangeSet) {
			if err := saveRangeList(f.copiedList, copied); err != nil {
				logrus.WithError(err).WithField("path", f.copiedList).Warn("failed to write copied-list")
			}
		}
	}

	result, err := ddb.Copy(cfg)
	if err != nil {
		return err
	}

	if result != ddb.CopyComplete {
		fmt.Fprintln(os.Stderr, "ddb-backup: some blocks could not be copied")
		os.Exit(3)
	}
	return nil
}

func parseCheckpointFlag(spec string) (path string, interval int) {
	if spec == "" {
		return "", 0
	}
	if idx := strings.IndexByte(spec, ':'); idx >= 0 {
		if n, err := strconv.Atoi(spec[:idx]); err == nil {
			return spec[idx+1:], n
		}
	}
	return spec, 60
}

func loadRangeList(path string) (*ddb.BlockRangeSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ddb.NewError(ddb.NotFound, path, err)
	}
	defer f.Close()
	return ddb.ReadBlockRangeSet(f)
}

func saveRangeList(path string, set *ddb.BlockRangeSet) error {
	f, err := os.Create(path)
	if err != nil {
		return ddb.NewError(ddb.IOError, path, err)
	}
	defer f.Close()
	return set.Print(f)
}

func openSrc(path, typ string, blockSize int64) (ddb.Device, error) {
	return openDeviceByType(path, typ, blockSize, 0, true, false)
}

func openDst(path, typ string, blockSize, totalSize int64, exclusive bool) (ddb.Device, error) {
	if exclusive {
		return createDeviceByType(path, typ, blockSize, totalSize)
	}
	dev, err := openDeviceByType(path, typ, blockSize, totalSize, false, false)
	if err == nil {
		return dev, nil
	}
	if de, ok := err.(*ddb.Error); ok && de.Code == ddb.NotFound {
		return createDeviceByType(path, typ, blockSize, totalSize)
	}
	return nil, err
}

func openDeviceByType(path, typ string, blockSize, totalSize int64, readOnly, _ bool) (ddb.Device, error) {
	switch typ {
	case "dir":
		return ddb.OpenSequence(path, !readOnly, true)
	case "packed":
		return ddb.OpenPackedSequence(path, !readOnly, true)
	case "image", "":
		var opts []ddb.OpenOption
		if blockSize > 0 {
			opts = append(opts, ddb.ExpectBlockSize(blockSize))
		}
		if totalSize > 0 {
			opts = append(opts, ddb.ExpectTotalSize(totalSize))
		}
		return ddb.Open(path, readOnly, opts...)
	default:
		return nil, ddb.NewError(ddb.Invalid, "unsupported device type: "+typ, nil)
	}
}

func createDeviceByType(path, typ string, blockSize, totalSize int64) (ddb.Device, error) {
	switch typ {
	case "dir":
		return ddb.CreateSequence(path, blockSize, totalSize)
	case "packed":
		return ddb.CreatePackedSequence(path, blockSize, totalSize)
	case "image", "":
		return ddb.Create(path, blockSize, totalSize, true)
	default:
		return nil, ddb.NewError(ddb.Invalid, "unsupported device type: "+typ, nil)
	}
}
