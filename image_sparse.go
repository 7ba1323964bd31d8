package ddb

import (
	"encoding/binary"
	"io"
)

// metaEntry is one (first_block, last_block, data_offset) entry inside a
// metadata block (spec §3/§6).
type metaEntry struct {
	firstBlock int64
	lastBlock  int64
	dataOffset int64
}

// metaBlock is the decoded form of one on-disk metadata block: a linked
// list node holding up to metaCapacity(blockSize) sorted, disjoint entries
// plus a pointer to the next metadata block (0 if last). Decoding into a
// slice of entries rather than keeping a raw buffer view follows §9's
// design note against raw pointers into I/O buffers.
type metaBlock struct {
	next    int64
	entries []metaEntry
}

// metaSummary is one entry of the in-memory summary cache: the span of
// blocks a given metadata block (at file offset pos) covers, without
// having to load and scan the whole block. Grounded on
// metadata_summary_t in lib/ddb-image.c.
type metaSummary struct {
	pos   int64
	first int64
	last  int64
}

func encodeMetaBlock(blk *metaBlock, blockSize int64) []byte {
	buf := make([]byte, blockSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(blk.next))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(blk.entries)))
	off := metaHeaderSize
	for _, e := range blk.entries {
		binary.BigEndian.PutUint64(buf[off:off+8], uint64(e.firstBlock))
		binary.BigEndian.PutUint64(buf[off+8:off+16], uint64(e.lastBlock))
		binary.BigEndian.PutUint64(buf[off+16:off+24], uint64(e.dataOffset))
		off += metaEntrySize
	}
	return buf
}

func decodeMetaBlock(buf []byte) (*metaBlock, error) {
	if len(buf) < metaHeaderSize {
		return nil, NewError(Invalid, "metadata block: short read", nil)
	}
	next := int64(binary.BigEndian.Uint64(buf[0:8]))
	count := int32(binary.BigEndian.Uint32(buf[8:12]))
	if count < 1 {
		return nil, NewError(Invalid, "metadata block: empty", nil)
	}
	need := metaHeaderSize + int(count)*metaEntrySize
	if len(buf) < need {
		return nil, NewError(Invalid, "metadata block: truncated", nil)
	}
	entries := make([]metaEntry, count)
	off := metaHeaderSize
	var lastEnd int64 = minInt64
	for i := 0; i < int(count); i++ {
		e := metaEntry{
			firstBlock: int64(binary.BigEndian.Uint64(buf[off : off+8])),
			lastBlock:  int64(binary.BigEndian.Uint64(buf[off+8 : off+16])),
			dataOffset: int64(binary.BigEndian.Uint64(buf[off+16 : off+24])),
		}
		if e.lastBlock < e.firstBlock {
			return nil, NewError(Invalid, "metadata block: inverted entry", nil)
		}
		if i > 0 && e.firstBlock <= lastEnd {
			return nil, NewError(Invalid, "metadata block: entries not sorted/disjoint", nil)
		}
		lastEnd = e.lastBlock
		entries[i] = e
		off += metaEntrySize
	}
	return &metaBlock{next: next, entries: entries}, nil
}

// readSummary rebuilds the in-memory summary cache by walking the
// metadata linked list once. Grounded on read_summary in ddb-image.c.
func (ic *ImageContainer) readSummary() error {
	ic.summary = nil
	pos := ic.header.MetadataHead
	seen := make(map[int64]bool)
	for pos != 0 {
		if seen[pos] {
			return NewError(Invalid, "sparse image: metadata cycle", nil)
		}
		seen[pos] = true

		blk, err := ic.readMetaBlockAt(pos)
		if err != nil {
			return err
		}
		s := metaSummary{pos: pos, first: blk.entries[0].firstBlock, last: blk.entries[len(blk.entries)-1].lastBlock}
		if len(ic.summary) > 0 {
			prev := ic.summary[len(ic.summary)-1]
			if s.first <= prev.last {
				return NewError(Invalid, "sparse image: metadata spans not monotonic", nil)
			}
		}
		ic.summary = append(ic.summary, s)
		pos = blk.next
	}
	return nil
}

func (ic *ImageContainer) readMetaBlockAt(pos int64) (*metaBlock, error) {
	if ic.cachedBlock != nil && ic.cachedOffset == pos {
		return ic.cachedBlock, nil
	}
	if err := ic.flushMetaLocked(); err != nil {
		return nil, err
	}
	buf := make([]byte, ic.blockSize)
	if _, err := ic.f.ReadAt(buf, pos); err != nil && err != io.EOF {
		return nil, err
	}
	blk, err := decodeMetaBlock(buf)
	if err != nil {
		return nil, err
	}
	ic.cachedBlock = blk
	ic.cachedOffset = pos
	return blk, nil
}

// loadMetaBlock is readMetaBlockAt for a known summary entry.
func (ic *ImageContainer) loadMetaBlock(s metaSummary) (*metaBlock, error) {
	return ic.readMetaBlockAt(s.pos)
}

// blockPosition returns the data file offset of block b, or 0 if absent.
// Grounded on meta_block_position in ddb-image.c: try the cached block
// first (sequential access is the common case), fall back to a scan of
// the summary cache.
func (ic *ImageContainer) blockPosition(b int64) (int64, error) {
	if ic.cachedBlock != nil {
		if blk := ic.cachedBlock; ic.cachedCovers(b) {
			return ic.findInBlock(blk, b), nil
		}
	}

	idx := ic.summaryIndexFor(b)
	if idx < 0 {
		return 0, nil
	}
	blk, err := ic.readMetaBlockAt(ic.summary[idx].pos)
	if err != nil {
		return 0, err
	}
	return ic.findInBlock(blk, b), nil
}

func (ic *ImageContainer) cachedCovers(b int64) bool {
	for _, s := range ic.summary {
		if s.pos == ic.cachedOffset {
			return b >= s.first && b <= s.last
		}
	}
	return false
}

// summaryIndexFor returns the index of the summary entry whose span
// contains b, or the first entry to its right if none contains it
// (needed by the allocator); -1 if b is past every entry and there is no
// entry to insert before.
func (ic *ImageContainer) summaryIndexFor(b int64) int {
	for i, s := range ic.summary {
		if b <= s.last {
			return i
		}
	}
	return -1
}

func (ic *ImageContainer) findInBlock(blk *metaBlock, b int64) int64 {
	for _, e := range blk.entries {
		if e.firstBlock <= b && e.lastBlock >= b {
			return ic.blockPositionOf(e, b)
		}
	}
	return 0
}

// blockPositionOf computes the data-file offset of block b within entry
// e, given the entry's (first_block, data_offset). Grounded on
// block_position in ddb-image.c.
func (ic *ImageContainer) blockPositionOf(e metaEntry, b int64) int64 {
	return e.dataOffset + (b-e.firstBlock)*ic.blockSize
}
