package ddb

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDenseWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dense.img")
	ic, err := Create(path, 512, 4096, false)
	require.NoError(t, err)

	data := bytes.Repeat([]byte{0xAB}, 512)
	ops := []BlockOp{{Index: 2, Buffer: append([]byte(nil), data...)}}
	require.NoError(t, ic.WriteMulti(context.Background(), ops))
	assert.Equal(t, StatusOK, ops[0].Result)

	readOps := []BlockOp{{Index: 2, Buffer: make([]byte, 512)}}
	require.NoError(t, ic.ReadMulti(context.Background(), readOps, 0))
	assert.Equal(t, StatusOK, readOps[0].Result)
	assert.Equal(t, data, readOps[0].Buffer)

	require.NoError(t, ic.Close())
}

func TestDenseHasBlockAndBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dense.img")
	ic, err := Create(path, 512, 512*8, false)
	require.NoError(t, err)
	defer ic.Close()

	ok, err := ic.HasBlock(3)
	require.NoError(t, err)
	assert.True(t, ok)

	blocks, err := ic.Blocks()
	require.NoError(t, err)
	assert.Equal(t, int64(8), blocks.Count())
}

func TestSparseAbsentBlockReadsZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sparse.img")
	ic, err := Create(path, 512, 512*4, true)
	require.NoError(t, err)
	defer ic.Close()

	ops := []BlockOp{{Index: 1, Buffer: make([]byte, 512)}}
	require.NoError(t, ic.ReadMulti(context.Background(), ops, 0))
	assert.Equal(t, StatusAbsent, ops[0].Result)
	assert.Equal(t, make([]byte, 512), ops[0].Buffer)

	ok, err := ic.HasBlock(1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSparseWriteThenReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sparse.img")
	ic, err := Create(path, 512, 512*4, true)
	require.NoError(t, err)

	data := bytes.Repeat([]byte{0x5A}, 512)
	ops := []BlockOp{{Index: 2, Buffer: append([]byte(nil), data...)}}
	require.NoError(t, ic.WriteMulti(context.Background(), ops))
	assert.Equal(t, StatusOK, ops[0].Result)

	ok, err := ic.HasBlock(2)
	require.NoError(t, err)
	assert.True(t, ok)

	blocks, err := ic.Blocks()
	require.NoError(t, err)
	assert.True(t, blocks.Has(2))
	assert.Equal(t, int64(1), blocks.Count())

	require.NoError(t, ic.Close())

	// reopen and confirm the block survived a close/reopen cycle
	ic2, err := Open(path, true)
	require.NoError(t, err)
	defer ic2.Close()

	readOps := []BlockOp{{Index: 2, Buffer: make([]byte, 512)}}
	require.NoError(t, ic2.ReadMulti(context.Background(), readOps, 0))
	assert.Equal(t, StatusOK, readOps[0].Result)
	assert.Equal(t, data, readOps[0].Buffer)
}

func TestSparseCopyRangeIsPresentBlocksOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sparse.img")
	ic, err := Create(path, 512, 512*8, true)
	require.NoError(t, err)
	defer ic.Close()

	data := bytes.Repeat([]byte{0x11}, 512)
	ops := []BlockOp{{Index: 0, Buffer: append([]byte(nil), data...)}, {Index: 5, Buffer: append([]byte(nil), data...)}}
	require.NoError(t, ic.WriteMulti(context.Background(), ops))

	cr, err := ic.CopyRange()
	require.NoError(t, err)
	assert.Equal(t, int64(2), cr.Count())
	assert.True(t, cr.Has(0))
	assert.True(t, cr.Has(5))
	assert.False(t, cr.Has(3))
}

func TestDenseCopyRangeIsAllBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dense.img")
	ic, err := Create(path, 512, 512*4, false)
	require.NoError(t, err)
	defer ic.Close()

	cr, err := ic.CopyRange()
	require.NoError(t, err)
	assert.Equal(t, int64(4), cr.Count())
}

func TestOpenDenseRequiresExpectedBlockSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dense.img")
	ic, err := Create(path, 512, 512*4, false)
	require.NoError(t, err)
	require.NoError(t, ic.Close())

	_, err = Open(path, true)
	require.Error(t, err)
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, Invalid, de.Code)

	ic2, err := Open(path, true, ExpectBlockSize(512))
	require.NoError(t, err)
	defer ic2.Close()
	assert.Equal(t, int64(512), ic2.Info().BlockSize)
}

func TestOpenMismatchedBlockSizeFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sparse.img")
	ic, err := Create(path, 512, 512*4, true)
	require.NoError(t, err)
	require.NoError(t, ic.Close())

	_, err = Open(path, true, ExpectBlockSize(1024))
	require.Error(t, err)
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, Invalid, de.Code)
}

func TestCreateFailsIfExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "img")
	ic, err := Create(path, 512, 512, false)
	require.NoError(t, err)
	require.NoError(t, ic.Close())

	_, err = Create(path, 512, 512, false)
	require.Error(t, err)
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, Exists, de.Code)
}

func TestOpenMissingFileFails(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.img"), true, ExpectBlockSize(512))
	require.Error(t, err)
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, NotFound, de.Code)
}

func TestSparseMtimeSetOnCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sparse.img")
	ic, err := Create(path, 512, 512, true)
	require.NoError(t, err)
	defer ic.Close()

	assert.True(t, ic.Mtime() > 0)
}

func TestDenseMtimeIsZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dense.img")
	ic, err := Create(path, 512, 512, false)
	require.NoError(t, err)
	defer ic.Close()

	assert.Equal(t, int64(0), ic.Mtime())
}

func TestReadWriteOutOfRangeIndexErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dense.img")
	ic, err := Create(path, 512, 512*2, false)
	require.NoError(t, err)
	defer ic.Close()

	ops := []BlockOp{{Index: 99, Buffer: make([]byte, 512)}}
	require.NoError(t, ic.ReadMulti(context.Background(), ops, 0))
	assert.Equal(t, StatusError, ops[0].Result)
	assert.Error(t, ops[0].Err)
}

func TestSparseLastBlockShortTail(t *testing.T) {
	// totalSize not a multiple of blockSize: the last block should only
	// carry the remaining bytes, zero-padded on read.
	path := filepath.Join(t.TempDir(), "sparse.img")
	ic, err := Create(path, 512, 512*2+100, true)
	require.NoError(t, err)
	defer ic.Close()

	full := bytes.Repeat([]byte{0x7E}, 512)
	ops := []BlockOp{{Index: 2, Buffer: append([]byte(nil), full...)}}
	require.NoError(t, ic.WriteMulti(context.Background(), ops))

	readOps := []BlockOp{{Index: 2, Buffer: make([]byte, 512)}}
	require.NoError(t, ic.ReadMulti(context.Background(), readOps, 0))
	assert.Equal(t, full[:100], readOps[0].Buffer[:100])
	assert.Equal(t, make([]byte, 412), readOps[0].Buffer[100:])
}

func TestReportIncludesPresentCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sparse.img")
	ic, err := Create(path, 512, 512*4, true)
	require.NoError(t, err)
	defer ic.Close()

	ops := []BlockOp{{Index: 0, Buffer: make([]byte, 512)}}
	require.NoError(t, ic.WriteMulti(context.Background(), ops))

	var lines []string
	require.NoError(t, ic.Report(func(line string) { lines = append(lines, line) }))
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "sparse")
	assert.Contains(t, lines[0], "1/4")
}

func TestCloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sparse.img")
	ic, err := Create(path, 512, 512, true)
	require.NoError(t, err)
	require.NoError(t, ic.Close())
	require.NoError(t, ic.Close())

	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
}

func makeDenseThenShrink(t *testing.T, blockSize, numBlocks int64, opts ...OpenOption) (*ImageContainer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dense.img")
	ic, err := Create(path, blockSize, blockSize*numBlocks, false)
	require.NoError(t, err)
	for i := int64(0); i < numBlocks; i++ {
		buf := bytes.Repeat([]byte{0x7}, int(blockSize))
		require.NoError(t, ic.WriteMulti(context.Background(), []BlockOp{{Index: i, Buffer: buf}}))
	}
	require.NoError(t, ic.Close())

	ic2, err := Open(path, false, append([]OpenOption{ExpectBlockSize(blockSize), ExpectTotalSize(blockSize * numBlocks)}, opts...)...)
	require.NoError(t, err)
	// Simulate the backing device shrinking after Open computed its geometry.
	require.NoError(t, os.Truncate(path, blockSize*(numBlocks-2)))
	return ic2, path
}

func TestDenseReadPastUnbackedRegionFailsWithoutZeroFill(t *testing.T) {
	ic, _ := makeDenseThenShrink(t, 512, 4)
	defer ic.Close()

	ops := []BlockOp{{Index: 3, Buffer: make([]byte, 512)}}
	require.NoError(t, ic.ReadMulti(context.Background(), ops, 0))
	assert.Equal(t, StatusError, ops[0].Result)
	var de *Error
	require.ErrorAs(t, ops[0].Err, &de)
	assert.Equal(t, BlockRead, de.Code)
}

func TestDenseReadPastUnbackedRegionZeroFillsWithFlag(t *testing.T) {
	ic, _ := makeDenseThenShrink(t, 512, 4)
	defer ic.Close()

	ops := []BlockOp{{Index: 3, Buffer: make([]byte, 512)}}
	require.NoError(t, ic.ReadMulti(context.Background(), ops, ZeroFill))
	assert.Equal(t, StatusOK, ops[0].Result)
	assert.Equal(t, make([]byte, 512), ops[0].Buffer)
}

func TestDenseReadPastUnbackedRegionZeroFillsWithDefaultOption(t *testing.T) {
	ic, _ := makeDenseThenShrink(t, 512, 4, WithZeroFillDefault())
	defer ic.Close()

	ops := []BlockOp{{Index: 3, Buffer: make([]byte, 512)}}
	require.NoError(t, ic.ReadMulti(context.Background(), ops, 0))
	assert.Equal(t, StatusOK, ops[0].Result)
	assert.Equal(t, make([]byte, 512), ops[0].Buffer)
}
