package ddb

import (
	"bytes"
	"context"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// rwMax is the batch size used to group blocks for a single ReadMulti/
// WriteMulti call, grounded on copy_block in ddb-copy.c.
const rwMax = 32

// CopyResult is the outer-loop verdict of a Copy run.
type CopyResult int

const (
	// CopyComplete means to_copy emptied out: every block was copied or
	// verified within max_passes.
	CopyComplete CopyResult = iota
	// CopyIncomplete means some blocks still need copying after
	// max_passes; not itself an error.
	CopyIncomplete
)

// CopyConfig is the copy-engine configuration record (spec §4.6).
type CopyConfig struct {
	Src, Dst  Device
	WriteDst  bool
	SkipIdentical bool
	UseChecksums bool
	OutputEachPass bool
	ExtraReport  bool

	BlockSize    int64
	MaxPasses    int
	ProgressInterval int // seconds; 0 disables periodic progress
	FlushInterval    int
	CheckpointInterval int
	MachineProgressInterval int

	InputList          *BlockRangeSet
	CheckpointFile     string
	MachineProgressFile string

	Progress func(string)

	// OutputList, if set, receives the set of blocks still left to copy:
	// once after the final pass, and additionally after every pass when
	// OutputEachPass is set. The callee owns the set (it is a private
	// clone, safe to persist asynchronously).
	OutputList func(*BlockRangeSet)

	// CopiedList, if set, receives the set of blocks successfully written
	// to Dst across the whole run, under the same once-at-end/every-pass
	// timing as OutputList.
	CopiedList func(*BlockRangeSet)
}

// copyState mirrors copy_context_t in ddb-copy.c.
type copyState struct {
	toCopy, toRetry, copied *BlockRangeSet
	totalToCopy             int64
	passSize                int64
	blocksRead, readErrors  int64
	blocksWritten, blocksSkipped, checksumEqual, writeErrors int64
	pass                    int
	nextFlush, nextReport, nextCheckpoint, nextMachineReport time.Time
	instance                uuid.UUID
}

// Copy drives block transfer between cfg.Src and cfg.Dst following the
// outer pass loop of spec §4.6, grounded line-for-line on ddb_copy in
// ddb-copy.c.
func Copy(cfg CopyConfig) (CopyResult, error) {
	if cfg.MaxPasses < 1 {
		cfg.MaxPasses = 1
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = cfg.Src.Info().BlockSize
	}

	log := logrus.WithField("engine", "copy")
	st := &copyState{instance: uuid.New()}

	var resuming bool
	if cfg.CheckpointFile != "" {
		cp, err := loadCheckpoint(cfg.CheckpointFile, cfg.Src.Info().TotalSize, int32(cfg.BlockSize), cfg.MaxPasses)
		if err != nil {
			return 0, err
		}
		if cp != nil {
			st.toCopy = cp.toCopy
			st.toRetry = cp.toRetry
			st.copied = cp.copied
			st.pass = int(cp.header.Pass)
			st.passSize = cp.header.PassSize
			st.blocksRead = cp.header.BlocksRead
			st.readErrors = cp.header.ReadErrors
			st.blocksWritten = cp.header.BlocksWritten
			st.blocksSkipped = cp.header.BlocksSkipped
			st.checksumEqual = cp.header.ChecksumEqual
			st.writeErrors = cp.header.WriteErrors
			st.instance = cp.header.Instance
			resuming = true
			log.Debug("resumed from checkpoint")
		}
	}

	if st.toCopy == nil {
		if cfg.InputList != nil {
			st.toCopy = cfg.InputList.Clone()
		} else {
			cr, err := cfg.Src.CopyRange()
			if err != nil {
				return 0, err
			}
			st.toCopy = cr
		}
	}
	if st.copied == nil {
		st.copied = NewBlockRangeSet()
	}

	st.totalToCopy = st.toCopy.Count()
	now := time.Now()
	if cfg.CheckpointFile != "" {
		st.nextCheckpoint = now.Add(time.Duration(cfg.CheckpointInterval) * time.Second)
	}
	st.nextFlush = now.Add(time.Duration(cfg.FlushInterval) * time.Second)
	st.nextMachineReport = now.Add(time.Duration(cfg.MachineProgressInterval) * time.Second)

	countToCopy := st.totalToCopy
	for st.pass < cfg.MaxPasses && countToCopy > 0 {
		if st.toRetry == nil {
			st.toRetry = NewBlockRangeSet()
		}
		if !resuming {
			st.pass++
		}
		if cfg.Progress != nil {
			cfg.Progress(passStartLine(resuming, st, countToCopy))
		}
		st.passSize = countToCopy
		st.nextReport = time.Now().Add(time.Duration(cfg.ProgressInterval) * time.Second)
		resuming = false

		if err := runPass(cfg, st); err != nil {
			return 0, err
		}

		st.toCopy = st.toRetry
		st.toRetry = nil
		countToCopy = st.toCopy.Count()

		if cfg.Progress != nil {
			cfg.Progress(passEndLine(cfg, st, countToCopy))
		}
		st.blocksRead, st.readErrors, st.blocksWritten = 0, 0, 0
		st.blocksSkipped, st.checksumEqual, st.writeErrors = 0, 0, 0

		if cfg.OutputList != nil && cfg.OutputEachPass {
			cfg.OutputList(st.toCopy.Clone())
		}
		if cfg.CopiedList != nil && cfg.OutputEachPass {
			cfg.CopiedList(st.copied.Clone())
		}
	}

	if cfg.OutputList != nil && !cfg.OutputEachPass {
		cfg.OutputList(st.toCopy.Clone())
	}
	if cfg.CopiedList != nil && !cfg.OutputEachPass {
		cfg.CopiedList(st.copied.Clone())
	}

	if countToCopy > 0 {
		return CopyIncomplete, nil
	}
	return CopyComplete, nil
}

func passStartLine(resuming bool, st *copyState, countToCopy int64) string {
	if resuming {
		return "resume pass " + itoa(int64(st.pass)) + ", " +
			itoa(countToCopy-st.blocksRead-st.readErrors) + " of " + itoa(st.totalToCopy) + " blocks to copy\n"
	}
	return "start pass " + itoa(int64(st.pass)) + ", " + itoa(countToCopy) + " blocks to copy\n"
}

func passEndLine(cfg CopyConfig, st *copyState, retryCount int64) string {
	done := "copied"
	if !cfg.WriteDst {
		done = "checked"
	}
	line := "end pass " + itoa(int64(st.pass)) + ", " + itoa(st.blocksRead) + " blocks " + done
	if retryCount > 0 {
		line += ", " + itoa(retryCount) + " blocks to retry"
	} else {
		line += ", all done"
	}
	if st.readErrors > 0 {
		line += ", " + itoa(st.readErrors) + " read errors"
	}
	if st.writeErrors > 0 {
		line += ", " + itoa(st.writeErrors) + " write errors"
	}
	return line + "\n"
}

// runPass iterates the disjoint ranges of st.toCopy, batching blocks into
// groups of up to rwMax and running innerStep on each, then the periodic
// clocks. Grounded on copy_range/copy_blocks in ddb-copy.c.
func runPass(cfg CopyConfig, st *copyState) error {
	var batch []int64
	var stepErr error
	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		if err := innerStep(cfg, st, batch); err != nil {
			stepErr = err
			return false
		}
		batch = batch[:0]
		return advanceClocks(cfg, st)
	}

	ok := true
	st.toCopy.Iterate(func(start, end int64) bool {
		for b := start; b <= end; b++ {
			batch = append(batch, b)
			if len(batch) >= rwMax {
				if !flush() {
					ok = false
					return true
				}
			}
		}
		return false
	})
	if !ok {
		return stepErr
	}
	if !flush() {
		return stepErr
	}
	return nil
}

func advanceClocks(cfg CopyConfig, st *copyState) bool {
	now := time.Now()
	if cfg.ProgressInterval > 0 && !now.Before(st.nextReport) {
		if cfg.Progress != nil {
			cfg.Progress(progressLine(cfg, st))
		}
		st.nextReport = now.Add(time.Duration(cfg.ProgressInterval) * time.Second)
	}
	if cfg.Dst != nil && cfg.WriteDst && cfg.FlushInterval > 0 && !now.Before(st.nextFlush) {
		st.nextFlush = now.Add(time.Duration(cfg.FlushInterval) * time.Second)
		if err := cfg.Dst.Flush(); err != nil {
			return false
		}
	}
	if cfg.CheckpointFile != "" && cfg.CheckpointInterval > 0 && !now.Before(st.nextCheckpoint) {
		st.nextCheckpoint = now.Add(time.Duration(cfg.CheckpointInterval) * time.Second)
		cp := &checkpointState{
			header: checkpointHeader{
				Magic: checkpointMagic, TotalSize: cfg.Src.Info().TotalSize,
				PassSize: st.passSize, BlocksRead: st.blocksRead, ReadErrors: st.readErrors,
				BlocksWritten: st.blocksWritten, BlocksSkipped: st.blocksSkipped,
				ChecksumEqual: st.checksumEqual, WriteErrors: st.writeErrors,
				BlockSize: int32(cfg.BlockSize), Pass: int32(st.pass), Instance: st.instance,
			},
			toCopy: st.toCopy, toRetry: st.toRetry, copied: st.copied,
		}
		_ = saveCheckpoint(cfg.CheckpointFile, cp)
	}
	if cfg.MachineProgressFile != "" && cfg.MachineProgressInterval > 0 && !now.Before(st.nextMachineReport) {
		st.nextMachineReport = now.Add(time.Duration(cfg.MachineProgressInterval) * time.Second)
		_ = writeMachineReport(cfg.MachineProgressFile, cfg, st)
	}
	return true
}

func progressLine(cfg CopyConfig, st *copyState) string {
	pct := 0.0
	if st.passSize > 0 {
		pct = 100.0 * float64(st.blocksRead+st.readErrors) / float64(st.passSize)
	}
	return time.Now().Format("15:04:05") + " " + formatPercent(pct) + "% " +
		itoa(st.blocksRead) + " rd + " + itoa(st.readErrors) + " er\r"
}

func formatPercent(p float64) string {
	whole := int64(p)
	frac := int64((p - float64(whole)) * 100)
	if frac < 0 {
		frac = 0
	}
	s := itoa(whole) + "."
	if frac < 10 {
		s += "0"
	}
	return s + itoa(frac)
}

func writeMachineReport(path string, cfg CopyConfig, st *copyState) error {
	line := itoa(time.Now().Unix()) + " " + itoa(st.totalToCopy) + " " +
		itoa(st.blocksRead) + " " + itoa(st.readErrors) + " " +
		itoa(st.blocksWritten) + " " + itoa(st.blocksSkipped) + " " +
		itoa(st.writeErrors) + " " + itoa(cfg.BlockSize) + " " + itoa(int64(st.pass)) + "\n"
	return renameio.WriteFile(path, []byte(line), 0644)
}

// innerStep runs one batch of up to rwMax blocks through the four paths
// described in spec §4.6. Remote transport (the checksum-skip path's
// MAYBE-flag round trip) is out of scope here (see SPEC_FULL.md); both
// sides are always local devices, so checksum comparison is always done
// by reading both sides' digests directly (ddb-copy.c's non-remote
// branch).
func innerStep(cfg CopyConfig, st *copyState, blockIdx []int64) error {
	ctx := context.Background()
	n := len(blockIdx)
	srcOps := make([]BlockOp, n)
	for i, b := range blockIdx {
		srcOps[i] = BlockOp{Index: b, Buffer: make([]byte, cfg.BlockSize)}
	}

	dstExists := cfg.Dst != nil
	useChecksums := dstExists && cfg.UseChecksums && cfg.SkipIdentical

	if useChecksums {
		return checksumSkipStep(cfg, st, srcOps, ctx)
	}
	if dstExists && (cfg.SkipIdentical || !cfg.WriteDst) {
		return compareStep(cfg, st, srcOps, ctx)
	}
	if dstExists {
		return readWriteStep(cfg, st, srcOps, ctx)
	}
	return readOnlyStep(cfg, st, srcOps, ctx)
}

func checksumSkipStep(cfg CopyConfig, st *copyState, srcOps []BlockOp, ctx context.Context) error {
	n := len(srcOps)
	srcChk := make([]BlockOp, n)
	dstChk := make([]BlockOp, n)
	for i := range srcOps {
		srcChk[i] = BlockOp{Index: srcOps[i].Index, Buffer: make([]byte, ChecksumLength)}
		dstChk[i] = BlockOp{Index: srcOps[i].Index, Buffer: make([]byte, ChecksumLength)}
	}
	if err := cfg.Src.ReadMulti(ctx, srcChk, ChecksumOnly); err != nil {
		return err
	}
	if err := cfg.Dst.ReadMulti(ctx, dstChk, ChecksumOnly); err != nil {
		return err
	}

	var toCopy []BlockOp
	for i := range srcOps {
		if srcChk[i].Result != StatusOK {
			st.readErrors++
			st.toRetry.Add(srcOps[i].Index, srcOps[i].Index)
			continue
		}
		if dstChk[i].Result == StatusOK && srcChk[i].Digest.Equal(dstChk[i].Digest) {
			st.blocksSkipped++
			st.checksumEqual++
			st.blocksRead++
			continue
		}
		toCopy = append(toCopy, srcOps[i])
	}
	if len(toCopy) == 0 {
		return nil
	}

	if err := cfg.Src.ReadMulti(ctx, toCopy, 0); err != nil {
		return err
	}
	var live []BlockOp
	for i := range toCopy {
		if toCopy[i].Result != StatusOK && toCopy[i].Result != StatusAbsent {
			st.readErrors++
			st.toRetry.Add(toCopy[i].Index, toCopy[i].Index)
			continue
		}
		live = append(live, toCopy[i])
	}
	if len(live) == 0 {
		return nil
	}
	return finishBatch(cfg, st, live, ctx)
}

func compareStep(cfg CopyConfig, st *copyState, srcOps []BlockOp, ctx context.Context) error {
	if err := cfg.Src.ReadMulti(ctx, srcOps, 0); err != nil {
		return err
	}
	var live []BlockOp
	for i := range srcOps {
		if srcOps[i].Result != StatusOK && srcOps[i].Result != StatusAbsent {
			st.readErrors++
			st.toRetry.Add(srcOps[i].Index, srcOps[i].Index)
			continue
		}
		live = append(live, srcOps[i])
		st.blocksRead++
	}
	if len(live) == 0 {
		return nil
	}

	dstOps := make([]BlockOp, len(live))
	for i := range live {
		dstOps[i] = BlockOp{Index: live[i].Index, Buffer: make([]byte, cfg.BlockSize)}
	}
	if err := cfg.Dst.ReadMulti(ctx, dstOps, 0); err != nil {
		return err
	}

	var diff []BlockOp
	for i := range live {
		if dstOps[i].Result == StatusOK && bytes.Equal(dstOps[i].Buffer, live[i].Buffer) {
			st.blocksSkipped++
			continue
		}
		diff = append(diff, live[i])
	}
	if len(diff) == 0 {
		return nil
	}
	if !cfg.WriteDst {
		st.blocksWritten += int64(len(diff))
		return nil
	}
	return writeBatch(cfg, st, diff, ctx)
}

func readWriteStep(cfg CopyConfig, st *copyState, srcOps []BlockOp, ctx context.Context) error {
	if err := cfg.Src.ReadMulti(ctx, srcOps, 0); err != nil {
		return err
	}
	var live []BlockOp
	for i := range srcOps {
		if srcOps[i].Result != StatusOK && srcOps[i].Result != StatusAbsent {
			st.readErrors++
			st.toRetry.Add(srcOps[i].Index, srcOps[i].Index)
			continue
		}
		live = append(live, srcOps[i])
		st.blocksRead++
	}
	if len(live) == 0 {
		return nil
	}
	return writeBatch(cfg, st, live, ctx)
}

func readOnlyStep(cfg CopyConfig, st *copyState, srcOps []BlockOp, ctx context.Context) error {
	if err := cfg.Src.ReadMulti(ctx, srcOps, 0); err != nil {
		return err
	}
	for i := range srcOps {
		if srcOps[i].Result != StatusOK && srcOps[i].Result != StatusAbsent {
			st.readErrors++
			st.toRetry.Add(srcOps[i].Index, srcOps[i].Index)
			continue
		}
		st.blocksRead++
	}
	return nil
}

func finishBatch(cfg CopyConfig, st *copyState, ops []BlockOp, ctx context.Context) error {
	st.blocksRead += int64(len(ops))
	if !cfg.WriteDst {
		st.blocksWritten += int64(len(ops))
		return nil
	}
	return writeBatch(cfg, st, ops, ctx)
}

func writeBatch(cfg CopyConfig, st *copyState, ops []BlockOp, ctx context.Context) error {
	if err := cfg.Dst.WriteMulti(ctx, ops); err != nil {
		return err
	}
	for i := range ops {
		if ops[i].Result == StatusOK {
			st.blocksWritten++
			st.copied.Add(ops[i].Index, ops[i].Index)
		} else {
			st.writeErrors++
			st.toRetry.Add(ops[i].Index, ops[i].Index)
		}
	}
	return nil
}
