package ddb

// This file implements the sparse allocation algorithm of spec §4.3,
// ported directly from add_new_block/extend_metadata/write_metadata in
// _examples/original_source/lib/ddb-image.c. The metadata summary cache
// (ic.summary) tracks the span of every metadata block on disk; exactly
// one metadata block is held decoded in memory at a time (ic.cachedBlock)
// and flushed lazily, the same laziness the source's write_metadata/
// read_metadata pair implements.

// flushMetaLocked writes the currently cached metadata block to disk if
// it has unwritten changes, extending the file if needed. Grounded on
// write_metadata's metadata half in ddb-image.c.
func (ic *ImageContainer) flushMetaLocked() error {
	if !ic.metaDirty || ic.cachedBlock == nil {
		return nil
	}
	buf := encodeMetaBlock(ic.cachedBlock, ic.blockSize)
	if err := ic.ensureFileLen(ic.cachedOffset + ic.blockSize); err != nil {
		return err
	}
	if _, err := ic.f.WriteAt(buf, ic.cachedOffset); err != nil {
		return mapOSError(err, ic.path)
	}
	ic.metaDirty = false
	return nil
}

// flushSparse flushes pending metadata then, if the header changed,
// rewrites it. Grounded on write_metadata's header half.
func (ic *ImageContainer) flushSparse() error {
	if err := ic.flushMetaLocked(); err != nil {
		return err
	}
	if !ic.headerDirty {
		return nil
	}
	ic.header.DataEnd = ic.dataEnd
	if err := ic.ensureFileLen(headerSize); err != nil {
		return err
	}
	if _, err := ic.f.WriteAt(ic.header.encode(), 0); err != nil {
		return mapOSError(err, ic.path)
	}
	ic.headerDirty = false
	return nil
}

func (ic *ImageContainer) ensureFileLen(n int64) error {
	if n <= ic.fileLen {
		return nil
	}
	if err := ic.f.Truncate(n); err != nil {
		return mapOSError(err, ic.path)
	}
	ic.fileLen = n
	return nil
}

// summaryIdxForPos returns the index of the summary entry at file offset
// pos, or -1 if none (the entry is still memory-only, not yet appended to
// ic.summary).
func (ic *ImageContainer) summaryIdxForPos(pos int64) int {
	for i, s := range ic.summary {
		if s.pos == pos {
			return i
		}
	}
	return -1
}

// loadBlockForSummary ensures ic.cachedBlock holds the block for summary
// index idx, flushing the previous cached block first if different.
func (ic *ImageContainer) loadBlockForSummary(idx int) error {
	pos := ic.summary[idx].pos
	if ic.cachedBlock != nil && ic.cachedOffset == pos {
		return nil
	}
	if err := ic.flushMetaLocked(); err != nil {
		return err
	}
	blk, err := ic.readMetaBlockAt(pos)
	if err != nil {
		return err
	}
	ic.cachedBlock = blk
	ic.cachedOffset = pos
	return nil
}

// insertSorted inserts e into blk.entries, kept sorted and disjoint by
// construction (the caller has already verified e doesn't overlap any
// existing entry).
func insertSorted(blk *metaBlock, e metaEntry) {
	i := len(blk.entries)
	for i > 0 && blk.entries[i-1].firstBlock > e.firstBlock {
		i--
	}
	blk.entries = append(blk.entries, metaEntry{})
	copy(blk.entries[i+1:], blk.entries[i:])
	blk.entries[i] = e
}

func spanOf(blk *metaBlock) (first, last int64) {
	first = blk.entries[0].firstBlock
	last = blk.entries[0].lastBlock
	for _, e := range blk.entries[1:] {
		if e.firstBlock < first {
			first = e.firstBlock
		}
		if e.lastBlock > last {
			last = e.lastBlock
		}
	}
	return
}

// allocateBlock allocates storage for block b, which blockPosition has
// already determined is absent, and returns the data-file offset at which
// the caller should write the block's bytes. Grounded on add_new_block in
// ddb-image.c: extend the cached block if contiguous, else find (or
// create) a metadata block with room, splitting a full one in half if
// necessary.
func (ic *ImageContainer) allocateBlock(b int64) (int64, error) {
	newPos := ic.dataEnd

	// Step 1/2: try to extend the currently cached metadata block.
	if ic.cachedBlock != nil {
		if idx := ic.summaryIdxForPos(ic.cachedOffset); idx >= 0 {
			s := ic.summary[idx]
			if b >= s.first && b <= s.last+1 {
				if pos, ok := ic.tryExtend(idx, b, newPos); ok {
					return pos, nil
				}
			}
		}
	}

	// Brand new container: no metadata blocks exist yet.
	if len(ic.summary) == 0 {
		return ic.allocateFirstBlock(b, newPos)
	}

	idx := ic.summaryIndexFor(b)
	if idx < 0 {
		return ic.allocateAfterLastSpan(b, newPos)
	}

	if err := ic.loadBlockForSummary(idx); err != nil {
		return 0, err
	}
	if len(ic.cachedBlock.entries) < metaCapacity(ic.blockSize) {
		insertSorted(ic.cachedBlock, metaEntry{firstBlock: b, lastBlock: b, dataOffset: newPos})
		first, last := spanOf(ic.cachedBlock)
		ic.summary[idx] = metaSummary{pos: ic.cachedOffset, first: first, last: last}
		ic.metaDirty = true
		return ic.commitNewBlock(newPos)
	}

	return ic.splitAndInsert(idx, b, newPos)
}

// tryExtend implements the fast path: the new block is contiguous with
// the last entry of the cached metadata block, so no structural change is
// needed, only the entry's last_block grows.
func (ic *ImageContainer) tryExtend(idx int, b, newPos int64) (int64, bool) {
	blk := ic.cachedBlock
	n := len(blk.entries)
	last := &blk.entries[n-1]
	if last.lastBlock != b-1 {
		return 0, false
	}
	if ic.blockPositionOf(*last, last.lastBlock)+ic.blockSize != newPos {
		return 0, false
	}
	last.lastBlock = b
	ic.summary[idx].last = b
	ic.metaDirty = true
	return ic.commitNewBlock(newPos)
}

// commitNewBlock advances data_end/blocks_present after reserving the
// block at newPos for the caller to write into.
func (ic *ImageContainer) commitNewBlock(newPos int64) (int64, error) {
	ic.dataEnd = newPos + ic.blockSize
	ic.header.BlocksPresent++
	ic.headerDirty = true
	if err := ic.ensureFileLen(ic.dataEnd); err != nil {
		return 0, err
	}
	return newPos, nil
}

// allocateFirstBlock creates the very first metadata block, for a
// container with no metadata at all yet.
func (ic *ImageContainer) allocateFirstBlock(b, newPos int64) (int64, error) {
	if err := ic.flushMetaLocked(); err != nil {
		return 0, err
	}
	metaPos := newPos
	dataPos := metaPos + ic.blockSize
	ic.cachedBlock = &metaBlock{next: 0, entries: []metaEntry{{firstBlock: b, lastBlock: b, dataOffset: dataPos}}}
	ic.cachedOffset = metaPos
	ic.summary = []metaSummary{{pos: metaPos, first: b, last: b}}
	ic.header.MetadataHead = metaPos
	ic.metaDirty = true
	ic.headerDirty = true
	return ic.commitNewBlock(dataPos)
}

// allocateAfterLastSpan handles a block index strictly after every
// existing metadata span: extend the last metadata block if it has room,
// otherwise chain a fresh one after it.
func (ic *ImageContainer) allocateAfterLastSpan(b, newPos int64) (int64, error) {
	lastIdx := len(ic.summary) - 1
	if err := ic.loadBlockForSummary(lastIdx); err != nil {
		return 0, err
	}
	if len(ic.cachedBlock.entries) < metaCapacity(ic.blockSize) {
		insertSorted(ic.cachedBlock, metaEntry{firstBlock: b, lastBlock: b, dataOffset: newPos})
		ic.summary[lastIdx].last = b
		ic.metaDirty = true
		return ic.commitNewBlock(newPos)
	}

	// Chain a new, empty metadata block after the full one.
	newMetaPos := newPos
	dataPos := newMetaPos + ic.blockSize

	prevBlk := ic.cachedBlock
	prevBlk.next = newMetaPos
	ic.metaDirty = true
	if err := ic.flushMetaLocked(); err != nil {
		return 0, err
	}

	ic.cachedBlock = &metaBlock{next: 0, entries: []metaEntry{{firstBlock: b, lastBlock: b, dataOffset: dataPos}}}
	ic.cachedOffset = newMetaPos
	ic.summary = append(ic.summary, metaSummary{pos: newMetaPos, first: b, last: b})
	ic.metaDirty = true
	return ic.commitNewBlock(dataPos)
}

// splitAndInsert handles insertion into a full metadata block that does
// not sit at the end of the chain: split it into two halves, write both,
// and insert b into whichever half now has room. Grounded on the
// "splitting a full metadata block" branch of add_new_block.
func (ic *ImageContainer) splitAndInsert(idx int, b, newPos int64) (int64, error) {
	full := ic.cachedBlock
	count := len(full.entries)
	n1 := count / 2

	firstHalf := append([]metaEntry{}, full.entries[:n1]...)
	secondHalf := append([]metaEntry{}, full.entries[n1:]...)

	newMetaPos := newPos
	oldNext := full.next

	// Second half moves to the new metadata block, chained after the
	// first half; first half keeps the original on-disk position.
	newBlk := &metaBlock{next: oldNext, entries: secondHalf}
	origBlk := &metaBlock{next: newMetaPos, entries: firstHalf}

	origPos := ic.summary[idx].pos
	if _, err := ic.f.WriteAt(encodeMetaBlock(newBlk, ic.blockSize), newMetaPos); err != nil {
		return 0, mapOSError(err, ic.path)
	}
	if err := ic.ensureFileLen(newMetaPos + ic.blockSize); err != nil {
		return 0, err
	}

	f1, l1 := spanOf(origBlk)
	f2, l2 := spanOf(newBlk)
	newSummary := make([]metaSummary, 0, len(ic.summary)+1)
	newSummary = append(newSummary, ic.summary[:idx]...)
	newSummary = append(newSummary, metaSummary{pos: origPos, first: f1, last: l1})
	newSummary = append(newSummary, metaSummary{pos: newMetaPos, first: f2, last: l2})
	newSummary = append(newSummary, ic.summary[idx+1:]...)
	ic.summary = newSummary

	dataPos := newMetaPos + ic.blockSize

	var target *metaBlock
	if len(firstHalf) > 0 && b < secondHalf[0].firstBlock {
		target = origBlk
	} else {
		target = newBlk
	}
	insertSorted(target, metaEntry{firstBlock: b, lastBlock: b, dataOffset: dataPos})

	// Write the block that did NOT receive the new entry now (it is
	// final); the one that did becomes the cached block so the pending
	// write captures the insertion too.
	if target == origBlk {
		if _, err := ic.f.WriteAt(encodeMetaBlock(newBlk, ic.blockSize), newMetaPos); err != nil {
			return 0, mapOSError(err, ic.path)
		}
		ic.cachedBlock = origBlk
		ic.cachedOffset = origPos
		f1, l1 = spanOf(origBlk)
		ic.summary[idx] = metaSummary{pos: origPos, first: f1, last: l1}
	} else {
		if _, err := ic.f.WriteAt(encodeMetaBlock(origBlk, ic.blockSize), origPos); err != nil {
			return 0, mapOSError(err, ic.path)
		}
		ic.cachedBlock = newBlk
		ic.cachedOffset = newMetaPos
		f2, l2 = spanOf(newBlk)
		ic.summary[idx+1] = metaSummary{pos: newMetaPos, first: f2, last: l2}
	}
	ic.metaDirty = true

	// The new metadata block itself consumed one block of space; the
	// data for b lives right after it.
	ic.dataEnd = dataPos + ic.blockSize
	ic.header.BlocksPresent++
	ic.headerDirty = true
	if err := ic.ensureFileLen(ic.dataEnd); err != nil {
		return 0, err
	}
	return dataPos, nil
}
