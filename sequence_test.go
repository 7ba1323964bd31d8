package ddb

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBlock(t *testing.T, dev Device, index int64, fill byte, blockSize int64) {
	t.Helper()
	buf := bytes.Repeat([]byte{fill}, int(blockSize))
	ops := []BlockOp{{Index: index, Buffer: buf}}
	require.NoError(t, dev.WriteMulti(context.Background(), ops))
	require.Equal(t, StatusOK, ops[0].Result)
}

func readBlock(t *testing.T, dev Device, index int64, blockSize int64) []byte {
	t.Helper()
	buf := make([]byte, blockSize)
	ops := []BlockOp{{Index: index, Buffer: buf}}
	require.NoError(t, dev.ReadMulti(context.Background(), ops, 0))
	return ops[0].Buffer
}

func TestCreateSequenceHasSingleWritableFullLayer(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "seq")
	s, err := CreateSequence(dir, 512, 512*4)
	require.NoError(t, err)
	defer s.Close()

	require.Len(t, s.Layers(), 1)
	writeBlock(t, s, 0, 0x41, 512)
	got := readBlock(t, s, 0, 512)
	assert.Equal(t, bytes.Repeat([]byte{0x41}, 512), got)
}

func TestSequenceIncrementalOverlaysNewestWins(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "seq")
	s0, err := CreateSequence(dir, 512, 512*4)
	require.NoError(t, err)
	writeBlock(t, s0, 0, 0xAA, 512)
	require.NoError(t, s0.Close())

	s1, err := OpenSequence(dir, true, false)
	require.NoError(t, err)
	require.Len(t, s1.Layers(), 2)
	writeBlock(t, s1, 0, 0xBB, 512)
	require.NoError(t, s1.Close())

	s2, err := OpenSequence(dir, false, false)
	require.NoError(t, err)
	defer s2.Close()
	got := readBlock(t, s2, 0, 512)
	assert.Equal(t, bytes.Repeat([]byte{0xBB}, 512), got)
}

func TestSequenceReadFallsThroughToOlderLayerWhenAbsent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "seq")
	s0, err := CreateSequence(dir, 512, 512*4)
	require.NoError(t, err)
	writeBlock(t, s0, 2, 0x11, 512)
	require.NoError(t, s0.Close())

	s1, err := OpenSequence(dir, true, false)
	require.NoError(t, err)
	// write a different block in the incremental; block 2 is untouched here
	writeBlock(t, s1, 3, 0x22, 512)
	require.NoError(t, s1.Close())

	s2, err := OpenSequence(dir, false, false)
	require.NoError(t, err)
	defer s2.Close()
	assert.Equal(t, bytes.Repeat([]byte{0x11}, 512), readBlock(t, s2, 2, 512))
	assert.Equal(t, bytes.Repeat([]byte{0x22}, 512), readBlock(t, s2, 3, 512))

	ops := []BlockOp{{Index: 1, Buffer: make([]byte, 512)}}
	require.NoError(t, s2.ReadMulti(context.Background(), ops, 0))
	assert.Equal(t, StatusAbsent, ops[0].Result)
}

func TestSequenceBlocksUnionsAllLayers(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "seq")
	s0, err := CreateSequence(dir, 512, 512*8)
	require.NoError(t, err)
	writeBlock(t, s0, 0, 1, 512)
	require.NoError(t, s0.Close())

	s1, err := OpenSequence(dir, true, false)
	require.NoError(t, err)
	writeBlock(t, s1, 5, 1, 512)
	require.NoError(t, s1.Close())

	s2, err := OpenSequence(dir, false, false)
	require.NoError(t, err)
	defer s2.Close()

	blocks, err := s2.Blocks()
	require.NoError(t, err)
	assert.True(t, blocks.Has(0))
	assert.True(t, blocks.Has(5))
	assert.Equal(t, int64(2), blocks.Count())
}

func TestSequenceWriteWithoutWriteTargetFails(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "seq")
	s0, err := CreateSequence(dir, 512, 512*4)
	require.NoError(t, err)
	require.NoError(t, s0.Close())

	s, err := OpenSequence(dir, false, false)
	require.NoError(t, err)
	defer s.Close()

	ops := []BlockOp{{Index: 0, Buffer: make([]byte, 512)}}
	err = s.WriteMulti(context.Background(), ops)
	require.Error(t, err)
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, Unsupported, de.Code)
}

func TestJoinMergesOldestIncrementalIntoFull(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "seq")
	s0, err := CreateSequence(dir, 512, 512*4)
	require.NoError(t, err)
	writeBlock(t, s0, 0, 0x01, 512)
	require.NoError(t, s0.Close())

	s1, err := OpenSequence(dir, true, false)
	require.NoError(t, err)
	writeBlock(t, s1, 1, 0x02, 512)
	require.NoError(t, s1.Close())

	require.NoError(t, Join(dir, nil))

	s2, err := OpenSequence(dir, false, false)
	require.NoError(t, err)
	defer s2.Close()
	require.Len(t, s2.Layers(), 1)
	assert.Equal(t, bytes.Repeat([]byte{0x01}, 512), readBlock(t, s2, 0, 512))
	assert.Equal(t, bytes.Repeat([]byte{0x02}, 512), readBlock(t, s2, 1, 512))
}

func TestJoinWithNoIncrementalsFails(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "seq")
	s0, err := CreateSequence(dir, 512, 512*4)
	require.NoError(t, err)
	require.NoError(t, s0.Close())

	err = Join(dir, nil)
	require.Error(t, err)
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, Invalid, de.Code)
}

func TestChecksumRebuildsSideFileAndSpeedsChecksumReads(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "seq")
	s0, err := CreateSequence(dir, 512, 512*2)
	require.NoError(t, err)
	writeBlock(t, s0, 0, 0x9, 512)
	writeBlock(t, s0, 1, 0x8, 512)
	require.NoError(t, s0.Close())

	require.NoError(t, Checksum(dir, nil))

	s, err := OpenSequence(dir, true, true)
	require.NoError(t, err)
	defer s.Close()
	require.NotNil(t, s.checksums)

	ops := []BlockOp{{Index: 0, Buffer: make([]byte, 512)}}
	require.NoError(t, s.ReadMulti(context.Background(), ops, ChecksumOnly))
	assert.Equal(t, StatusOK, ops[0].Result)
	want := Sum(bytes.Repeat([]byte{0x9}, 512))
	assert.Equal(t, want, ops[0].Digest)
}

func TestChecksumRebuildBypassesStaleSideFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "seq")
	s0, err := CreateSequence(dir, 512, 512*2)
	require.NoError(t, err)
	writeBlock(t, s0, 0, 0x9, 512)
	require.NoError(t, s0.Close())

	require.NoError(t, Checksum(dir, nil))

	// Edit the full layer directly, bypassing Sequence.WriteMulti's
	// lockstep side-file update, so the cached digest goes stale.
	full, err := Open(filepath.Join(dir, "full"), false)
	require.NoError(t, err)
	writeBlock(t, full, 0, 0x5, 512)
	require.NoError(t, full.Close())

	require.NoError(t, Checksum(dir, nil))

	s, err := OpenSequence(dir, true, true)
	require.NoError(t, err)
	defer s.Close()

	ops := []BlockOp{{Index: 0, Buffer: make([]byte, 512)}}
	require.NoError(t, s.ReadMulti(context.Background(), ops, ChecksumOnly))
	assert.Equal(t, StatusOK, ops[0].Result)
	want := Sum(bytes.Repeat([]byte{0x5}, 512))
	assert.Equal(t, want, ops[0].Digest, "rebuild must reflect the new content, not the stale cached digest")
}

func TestLayerMtimeForFullAndIncremental(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "seq")
	s0, err := CreateSequence(dir, 512, 512*2)
	require.NoError(t, err)
	require.NoError(t, s0.Close())

	s1, err := OpenSequence(dir, true, false)
	require.NoError(t, err)
	defer s1.Close()

	require.Len(t, s1.Layers(), 2)
	assert.True(t, s1.LayerMtime(0) > 0)
	assert.True(t, s1.LayerMtime(1) > 0)
}

func TestSequenceReportMentionsLayerCount(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "seq")
	s, err := CreateSequence(dir, 512, 512*2)
	require.NoError(t, err)
	defer s.Close()

	var lines []string
	require.NoError(t, s.Report(func(line string) { lines = append(lines, line) }))
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "1 layers")
}
