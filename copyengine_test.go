package ddb

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeDenseWithPattern(t *testing.T, path string, blockSize, numBlocks int64, fill func(i int64) byte) *ImageContainer {
	t.Helper()
	ic, err := Create(path, blockSize, blockSize*numBlocks, false)
	require.NoError(t, err)
	for i := int64(0); i < numBlocks; i++ {
		buf := bytes.Repeat([]byte{fill(i)}, int(blockSize))
		ops := []BlockOp{{Index: i, Buffer: buf}}
		require.NoError(t, ic.WriteMulti(context.Background(), ops))
	}
	return ic
}

func TestCopyPlainReadWriteCopiesAllBlocks(t *testing.T) {
	dir := t.TempDir()
	src := makeDenseWithPattern(t, filepath.Join(dir, "src.img"), 512, 4, func(i int64) byte { return byte(i + 1) })
	defer src.Close()
	dst, err := Create(filepath.Join(dir, "dst.img"), 512, 512*4, false)
	require.NoError(t, err)
	defer dst.Close()

	result, err := Copy(CopyConfig{Src: src, Dst: dst, WriteDst: true, BlockSize: 512, MaxPasses: 3})
	require.NoError(t, err)
	assert.Equal(t, CopyComplete, result)

	for i := int64(0); i < 4; i++ {
		ops := []BlockOp{{Index: i, Buffer: make([]byte, 512)}}
		require.NoError(t, dst.ReadMulti(context.Background(), ops, 0))
		assert.Equal(t, bytes.Repeat([]byte{byte(i + 1)}, 512), ops[0].Buffer)
	}
}

func TestCopySkipsIdenticalBlocksWhenCompareEnabled(t *testing.T) {
	dir := t.TempDir()
	src := makeDenseWithPattern(t, filepath.Join(dir, "src.img"), 512, 2, func(i int64) byte { return 0x42 })
	defer src.Close()
	dst := makeDenseWithPattern(t, filepath.Join(dir, "dst.img"), 512, 2, func(i int64) byte { return 0x42 })
	defer dst.Close()

	result, err := Copy(CopyConfig{Src: src, Dst: dst, WriteDst: true, SkipIdentical: true, BlockSize: 512, MaxPasses: 3})
	require.NoError(t, err)
	assert.Equal(t, CopyComplete, result)
}

func TestCopyReadOnlyWithNoDstJustReads(t *testing.T) {
	dir := t.TempDir()
	src := makeDenseWithPattern(t, filepath.Join(dir, "src.img"), 512, 3, func(i int64) byte { return byte(i) })
	defer src.Close()

	result, err := Copy(CopyConfig{Src: src, BlockSize: 512, MaxPasses: 1})
	require.NoError(t, err)
	assert.Equal(t, CopyComplete, result)
}

func TestCopyUsesInputListInsteadOfFullRange(t *testing.T) {
	dir := t.TempDir()
	src := makeDenseWithPattern(t, filepath.Join(dir, "src.img"), 512, 4, func(i int64) byte { return byte(i + 10) })
	defer src.Close()
	dst, err := Create(filepath.Join(dir, "dst.img"), 512, 512*4, false)
	require.NoError(t, err)
	defer dst.Close()

	list := NewBlockRangeSet()
	list.Add(1, 1)

	result, err := Copy(CopyConfig{
		Src: src, Dst: dst, WriteDst: true, BlockSize: 512, MaxPasses: 1,
		InputList: list,
	})
	require.NoError(t, err)
	assert.Equal(t, CopyComplete, result)

	present, err := dst.Blocks()
	require.NoError(t, err)
	assert.Equal(t, []Range{{1, 1}}, present.Ranges())
}

func TestCopyUsesChecksumsCopiesRealDataOnMismatch(t *testing.T) {
	dir := t.TempDir()
	src := makeDenseWithPattern(t, filepath.Join(dir, "src.img"), 512, 3, func(i int64) byte { return byte(0x10 + i) })
	defer src.Close()
	dst := makeDenseWithPattern(t, filepath.Join(dir, "dst.img"), 512, 3, func(i int64) byte {
		if i == 1 {
			return 0xFF // differs from src at block 1
		}
		return byte(0x10 + i)
	})
	defer dst.Close()

	result, err := Copy(CopyConfig{
		Src: src, Dst: dst, WriteDst: true, SkipIdentical: true, UseChecksums: true,
		BlockSize: 512, MaxPasses: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, CopyComplete, result)

	ops := []BlockOp{{Index: 1, Buffer: make([]byte, 512)}}
	require.NoError(t, dst.ReadMulti(context.Background(), ops, 0))
	assert.Equal(t, bytes.Repeat([]byte{0x11}, 512), ops[0].Buffer, "checksum-mismatched block must be copied with real src data, not zeros")
}

func TestCopyDryRunWritesNothing(t *testing.T) {
	dir := t.TempDir()
	src := makeDenseWithPattern(t, filepath.Join(dir, "src.img"), 512, 2, func(i int64) byte { return 0x9 })
	defer src.Close()
	dst, err := Create(filepath.Join(dir, "dst.img"), 512, 512*2, true)
	require.NoError(t, err)
	defer dst.Close()

	result, err := Copy(CopyConfig{Src: src, Dst: dst, WriteDst: false, BlockSize: 512, MaxPasses: 1})
	require.NoError(t, err)
	assert.Equal(t, CopyComplete, result)

	present, err := dst.Blocks()
	require.NoError(t, err)
	assert.True(t, present.IsEmpty())
}

func TestCopyOutputListReportsRemainingBlocks(t *testing.T) {
	dir := t.TempDir()
	src := makeDenseWithPattern(t, filepath.Join(dir, "src.img"), 512, 4, func(i int64) byte { return byte(i + 1) })
	defer src.Close()
	dst, err := Create(filepath.Join(dir, "dst.img"), 512, 512*4, false)
	require.NoError(t, err)
	defer dst.Close()

	var calls []int64
	result, err := Copy(CopyConfig{
		Src: src, Dst: dst, WriteDst: true, BlockSize: 512, MaxPasses: 3,
		OutputList: func(remaining *BlockRangeSet) { calls = append(calls, remaining.Count()) },
	})
	require.NoError(t, err)
	assert.Equal(t, CopyComplete, result)
	require.Len(t, calls, 1)
	assert.Equal(t, int64(0), calls[0])
}

func TestCopyOutputListFiresEveryPassWhenRequested(t *testing.T) {
	dir := t.TempDir()
	src := makeDenseWithPattern(t, filepath.Join(dir, "src.img"), 512, 2, func(i int64) byte { return byte(i + 1) })
	defer src.Close()
	dst, err := Create(filepath.Join(dir, "dst.img"), 512, 512*2, false)
	require.NoError(t, err)
	defer dst.Close()

	var calls int
	result, err := Copy(CopyConfig{
		Src: src, Dst: dst, WriteDst: true, BlockSize: 512, MaxPasses: 2,
		OutputEachPass: true,
		OutputList:     func(remaining *BlockRangeSet) { calls++ },
	})
	require.NoError(t, err)
	assert.Equal(t, CopyComplete, result)
	assert.Equal(t, 1, calls)
}

func TestCopyCopiedListReportsWrittenBlocks(t *testing.T) {
	dir := t.TempDir()
	src := makeDenseWithPattern(t, filepath.Join(dir, "src.img"), 512, 3, func(i int64) byte { return byte(i + 5) })
	defer src.Close()
	dst, err := Create(filepath.Join(dir, "dst.img"), 512, 512*3, false)
	require.NoError(t, err)
	defer dst.Close()

	var got *BlockRangeSet
	result, err := Copy(CopyConfig{
		Src: src, Dst: dst, WriteDst: true, BlockSize: 512, MaxPasses: 3,
		CopiedList: func(copied *BlockRangeSet) { got = copied },
	})
	require.NoError(t, err)
	assert.Equal(t, CopyComplete, result)
	require.NotNil(t, got)
	assert.Equal(t, []Range{{0, 2}}, got.Ranges())
}

func TestCopyResumesFromExistingCheckpoint(t *testing.T) {
	dir := t.TempDir()
	src := makeDenseWithPattern(t, filepath.Join(dir, "src.img"), 512, 4, func(i int64) byte { return byte(i + 1) })
	defer src.Close()
	dst, err := Create(filepath.Join(dir, "dst.img"), 512, 512*4, false)
	require.NoError(t, err)
	defer dst.Close()

	checkpointPath := filepath.Join(dir, "checkpoint")
	toCopy := NewBlockRangeSet()
	toCopy.Add(2, 3)
	require.NoError(t, saveCheckpoint(checkpointPath, &checkpointState{
		header: checkpointHeader{
			Magic: checkpointMagic, TotalSize: src.Info().TotalSize, BlockSize: 512,
			Pass: 1, Instance: uuid.New(),
		},
		toCopy: toCopy, toRetry: NewBlockRangeSet(), copied: NewBlockRangeSet(),
	}))

	result, err := Copy(CopyConfig{
		Src: src, Dst: dst, WriteDst: true, BlockSize: 512, MaxPasses: 3,
		CheckpointFile: checkpointPath,
	})
	require.NoError(t, err)
	assert.Equal(t, CopyComplete, result)

	present, err := dst.Blocks()
	require.NoError(t, err)
	assert.Equal(t, []Range{{2, 3}}, present.Ranges())
}
