package ddb

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// ImageContainer is a random-access block store backed by a single file,
// in one of two on-disk shapes (spec §3): dense (block data lives at a
// fixed offset, no index) or sparse (a self-describing file with an
// on-disk index of present extents). Both shapes share this type and the
// Device interface; only the sparse-specific fields are populated for a
// sparse container.
type ImageContainer struct {
	*BaseDevice

	f      *os.File
	path   string
	sparse bool

	blockSize int64
	totalSize int64
	numBlocks int64
	offset    int64 // byte offset of block 0 within f, for a dense container

	// sparse-only state
	header       *diskHeader
	summary      []metaSummary // ordered list of metadata block spans
	cachedBlock  *metaBlock    // currently loaded metadata block
	cachedOffset int64         // file offset of cachedBlock
	dataEnd      int64
	metaDirty    bool
	headerDirty  bool
	fileLen      int64 // current length of the backing file

	closed bool

	// zeroFillDefault makes every read behave as though ZeroFill were
	// passed, set via WithZeroFillDefault at Open time.
	zeroFillDefault bool

	log *logrus.Entry
}

var _ Device = (*ImageContainer)(nil)

// Create creates a new container at path, failing with Exists if the path
// is already present. A sparse container gets a header plus empty
// metadata; a dense container is zero-extended to totalSize.
func Create(path string, blockSize, totalSize int64, sparse bool) (*ImageContainer, error) {
	if blockSize < minBlockSize || blockSize > maxBlockSize {
		return nil, NewError(Invalid, "block_size out of range", nil)
	}
	if blockSize < ChecksumLength {
		return nil, NewError(Invalid, "block_size smaller than checksum length", nil)
	}
	if totalSize < 1 {
		return nil, NewError(Invalid, "total_size must be >= 1", nil)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, NewError(Exists, path, err)
		}
		return nil, mapOSError(err, path)
	}

	ic := &ImageContainer{
		f:         f,
		path:      path,
		sparse:    sparse,
		blockSize: blockSize,
		totalSize: totalSize,
		numBlocks: numBlocksFor(totalSize, blockSize),
		log:       logrus.WithField("container", path),
	}
	ic.BaseDevice = NewBaseDevice(Info{BlockSize: blockSize, TotalSize: totalSize, NumBlocks: ic.numBlocks}, ic)

	if sparse {
		ic.header = &diskHeader{
			TotalSize: totalSize,
			BlockSize: int32(blockSize),
			Version:   versionCurrent,
			DataEnd:   headerSize,
			Mtime:     nowUnix(),
		}
		ic.dataEnd = headerSize
		if err := ic.f.Truncate(headerSize); err != nil {
			ic.f.Close()
			os.Remove(path)
			return nil, mapOSError(err, path)
		}
		ic.fileLen = headerSize
		if _, err := ic.f.WriteAt(ic.header.encode(), 0); err != nil {
			ic.f.Close()
			os.Remove(path)
			return nil, mapOSError(err, path)
		}
	} else {
		ic.offset = 0
		if err := ic.f.Truncate(totalSize); err != nil {
			ic.f.Close()
			os.Remove(path)
			return nil, mapOSError(err, path)
		}
		ic.fileLen = totalSize
	}

	ic.log.Debug("image created")
	return ic, nil
}

// Open opens an existing container read-write (or read-only if readOnly is
// true), validating the on-disk header. If ExpectBlockSize/ExpectTotalSize
// options are given, a mismatch fails with Invalid.
func Open(path string, readOnly bool, opts ...OpenOption) (*ImageContainer, error) {
	var cfg openConfig
	for _, o := range opts {
		o(&cfg)
	}

	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, mapOSError(err, path)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mapOSError(err, path)
	}
	fileSize := st.Size()

	head := make([]byte, headerSize)
	n, err := f.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		f.Close()
		return nil, mapOSError(err, path)
	}

	ic := &ImageContainer{f: f, path: path, log: logrus.WithField("container", path)}

	if n >= 8 && string(head[0:8]) == headerMagic {
		hdr, err := decodeHeader(head, fileSize)
		if err != nil {
			f.Close()
			return nil, err
		}
		ic.sparse = true
		ic.header = hdr
		ic.blockSize = int64(hdr.BlockSize)
		ic.totalSize = hdr.TotalSize
		ic.dataEnd = hdr.DataEnd
		ic.numBlocks = numBlocksFor(ic.totalSize, ic.blockSize)
		ic.fileLen = fileSize
		if err := ic.readSummary(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		ic.sparse = false
		ic.offset = 0
		// dense: geometry must be supplied by the caller via
		// ExpectBlockSize/ExpectTotalSize; without it we can only
		// infer block_size from the expectation and total_size from
		// the file itself.
		if cfg.expectBlockSize == 0 {
			f.Close()
			return nil, NewError(Invalid, "dense image: block size not specified", nil)
		}
		ic.blockSize = cfg.expectBlockSize
		ic.totalSize = fileSize
		ic.numBlocks = numBlocksFor(ic.totalSize, ic.blockSize)
		ic.fileLen = fileSize
	}

	if cfg.expectBlockSize != 0 && cfg.expectBlockSize != ic.blockSize {
		f.Close()
		return nil, NewError(Invalid, "block size mismatch", nil)
	}
	if cfg.expectTotalSize != 0 && cfg.expectTotalSize != ic.totalSize {
		f.Close()
		return nil, NewError(Invalid, "total size mismatch", nil)
	}

	ic.zeroFillDefault = cfg.zeroFillDefault
	ic.BaseDevice = NewBaseDevice(Info{BlockSize: ic.blockSize, TotalSize: ic.totalSize, NumBlocks: ic.numBlocks}, ic)
	return ic, nil
}

func mapOSError(err error, path string) error {
	switch {
	case os.IsNotExist(err):
		return NewError(NotFound, path, err)
	case os.IsPermission(err):
		return NewError(AccessDenied, path, err)
	default:
		return NewError(IOError, path, err)
	}
}

// ReadMulti implements Device.
func (ic *ImageContainer) ReadMulti(ctx context.Context, blocks []BlockOp, flags ReadFlags) error {
	for i := range blocks {
		op := &blocks[i]
		if err := ctx.Err(); err != nil {
			return err
		}
		if op.Index < 0 || op.Index >= ic.numBlocks {
			op.Result = StatusError
			op.Err = NewBlockError(BlockRead, op.Index, NewError(Invalid, "block index out of range", nil))
			continue
		}
		ic.readOne(op, flags)
	}
	return nil
}

func (ic *ImageContainer) readOne(op *BlockOp, flags ReadFlags) {
	n := ic.blockLen(op.Index)

	if ic.sparse {
		pos, err := ic.blockPosition(op.Index)
		if err != nil {
			op.Result = StatusError
			op.Err = NewBlockError(BlockRead, op.Index, err)
			return
		}
		if pos == 0 {
			// absent: zero-fill
			for i := range op.Buffer {
				op.Buffer[i] = 0
			}
			if flags.Has(ChecksumOnly) {
				op.Digest = Sum(op.Buffer)
			}
			op.Result = StatusAbsent
			return
		}
		buf := op.Buffer
		if int64(len(buf)) != ic.blockSize {
			buf = make([]byte, ic.blockSize)
		}
		if _, err := ic.f.ReadAt(buf, pos); err != nil && err != io.EOF {
			op.Result = StatusError
			op.Err = NewBlockError(BlockRead, op.Index, err)
			return
		}
		for i := n; i < int64(len(buf)); i++ {
			buf[i] = 0
		}
		if int64(len(op.Buffer)) == ic.blockSize {
			// buf is op.Buffer already
		} else {
			copy(op.Buffer, buf)
		}
		ic.finishRead(op, flags)
		return
	}

	// dense
	pos := ic.offset + op.Index*ic.blockSize
	nr, err := ic.f.ReadAt(op.Buffer[:n], pos)
	if err != nil && err != io.EOF {
		op.Result = StatusError
		op.Err = NewBlockError(BlockRead, op.Index, err)
		return
	}
	nread := int64(nr)
	if nread < n {
		// read past the file's physical extent: BadFile unless the
		// caller opted into zero-fill (spec §4.3 Failure).
		if !flags.Has(ZeroFill) && !ic.zeroFillDefault {
			op.Result = StatusError
			op.Err = NewBlockError(BlockRead, op.Index, NewError(IOError, "read past unbacked region", nil))
			return
		}
		for i := nread; i < n; i++ {
			op.Buffer[i] = 0
		}
	}
	for i := n; i < int64(len(op.Buffer)); i++ {
		op.Buffer[i] = 0
	}
	ic.finishRead(op, flags)
}

func (ic *ImageContainer) finishRead(op *BlockOp, flags ReadFlags) {
	if flags.Has(Maybe) {
		d := Sum(op.Buffer)
		if d.Equal(op.Digest) {
			op.Result = StatusEqual
			return
		}
		op.Digest = d
		op.Result = StatusOK
		return
	}
	if flags.Has(ChecksumOnly) {
		op.Digest = Sum(op.Buffer)
	}
	op.Result = StatusOK
}

// blockLen returns the number of meaningful bytes in block b (the tail
// block may be short; spec §3).
func (ic *ImageContainer) blockLen(b int64) int64 {
	if b == ic.numBlocks-1 {
		return lastBlockLen(ic.totalSize, ic.blockSize)
	}
	return ic.blockSize
}

// WriteMulti implements Device.
func (ic *ImageContainer) WriteMulti(ctx context.Context, blocks []BlockOp) error {
	for i := range blocks {
		op := &blocks[i]
		if err := ctx.Err(); err != nil {
			return err
		}
		if op.Index < 0 || op.Index >= ic.numBlocks {
			op.Result = StatusError
			op.Err = NewBlockError(BlockWrite, op.Index, NewError(Invalid, "block index out of range", nil))
			continue
		}
		ic.writeOne(op)
	}
	return nil
}

func (ic *ImageContainer) writeOne(op *BlockOp) {
	if !ic.sparse {
		pos := ic.offset + op.Index*ic.blockSize
		if _, err := ic.f.WriteAt(op.Buffer[:ic.blockLen(op.Index)], pos); err != nil {
			op.Result = StatusError
			op.Err = NewBlockError(BlockWrite, op.Index, err)
			return
		}
		op.Result = StatusOK
		return
	}

	pos, err := ic.blockPosition(op.Index)
	if err != nil {
		op.Result = StatusError
		op.Err = NewBlockError(BlockWrite, op.Index, err)
		return
	}
	if pos == 0 {
		pos, err = ic.allocateBlock(op.Index)
		if err != nil {
			op.Result = StatusError
			op.Err = NewBlockError(BlockWrite, op.Index, err)
			return
		}
	}
	if _, err := ic.f.WriteAt(op.Buffer[:ic.blockSize], pos); err != nil {
		op.Result = StatusError
		op.Err = NewBlockError(BlockWrite, op.Index, err)
		return
	}
	op.Result = StatusOK
}

// HasBlock implements Device.
func (ic *ImageContainer) HasBlock(b int64) (bool, error) {
	if !ic.sparse {
		return b >= 0 && b < ic.numBlocks, nil
	}
	pos, err := ic.blockPosition(b)
	if err != nil {
		return false, err
	}
	return pos != 0, nil
}

// Blocks implements Device.
func (ic *ImageContainer) Blocks() (*BlockRangeSet, error) {
	if !ic.sparse {
		return ic.BaseDevice.Blocks()
	}
	out := NewBlockRangeSet()
	for _, s := range ic.summary {
		blk, err := ic.loadMetaBlock(s)
		if err != nil {
			return nil, err
		}
		for _, e := range blk.entries {
			out.Add(e.firstBlock, e.lastBlock)
		}
	}
	return out, nil
}

// CopyRange implements Device: dense = all blocks; sparse = present
// blocks (spec §4.3: "for sparse-as-backup-layer = present blocks").
func (ic *ImageContainer) CopyRange() (*BlockRangeSet, error) {
	if !ic.sparse {
		return ic.BaseDevice.Blocks()
	}
	return ic.Blocks()
}

// Iterate implements Device.
func (ic *ImageContainer) Iterate(f func(start, end int64) bool) error {
	cr, err := ic.CopyRange()
	if err != nil {
		return err
	}
	cr.Iterate(f)
	return nil
}

// Flush implements Device: for a sparse container, writes any pending
// metadata block and rewrites the header if dirty.
func (ic *ImageContainer) Flush() error {
	if !ic.sparse {
		return nil
	}
	return ic.flushSparse()
}

// Close flushes pending state, truncates a sparse container to data_end,
// and releases the file handle. On a sparse container the header is
// rewritten last (write-new-block-then-rewrite-header), matching the
// source's close sequence so a crash mid-close never loses the ability to
// locate the last consistent metadata chain.
func (ic *ImageContainer) Close() error {
	if ic.closed {
		return nil
	}
	ic.closed = true

	if ic.sparse {
		if err := ic.flushSparse(); err != nil {
			ic.f.Close()
			return err
		}
		if err := ic.f.Truncate(ic.dataEnd); err != nil {
			ic.f.Close()
			return mapOSError(err, ic.path)
		}
	}
	if err := ic.f.Close(); err != nil {
		return mapOSError(err, ic.path)
	}
	return nil
}

// Mtime returns the sparse header's stored modification time, or zero for
// a dense container (which carries no such field).
func (ic *ImageContainer) Mtime() int64 {
	if !ic.sparse {
		return 0
	}
	return ic.header.Mtime
}

// Report implements Device.
func (ic *ImageContainer) Report(sink func(line string)) error {
	blocks, err := ic.Blocks()
	if err != nil {
		return err
	}
	kind := "dense"
	if ic.sparse {
		kind = "sparse"
	}
	sink(ic.path + ": " + kind + ", " + itoa(blocks.Count()) + "/" + itoa(ic.numBlocks) + " blocks present")
	return nil
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
