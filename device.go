package ddb

import "context"

// BlockOp is one element of a read/write batch passed to Device.ReadMulti /
// Device.WriteMulti. Buffer must be exactly the device's block size bytes.
// Result and Err are filled in by the device; per-block failures are
// captured here rather than raised (spec §7).
type BlockOp struct {
	Index  int64
	Buffer []byte
	Digest Checksum // valid when Flags has Maybe set on input, or ChecksumOnly on output

	Result ResultStatus
	Err    error
}

// Info describes a device's fixed geometry.
type Info struct {
	BlockSize int64
	TotalSize int64
	NumBlocks int64
}

// Device is the uniform abstraction CopyEngine and Sequence are built on
// (spec §4.5). ImageContainer implements it directly; Sequence implements
// it by delegating to an ordered list of child Devices; CopyEngine
// consumes two of them without knowing whether either is local or remote.
//
// Every method but Close is optional: BaseDevice supplies the "emulate
// missing operation" default documented per method below, the same way
// squashfs's Type.Mode() falls through to a default for unrecognized
// types. A concrete device embeds BaseDevice and overrides only the
// methods it has a real implementation for.
type Device interface {
	// Info returns the device's block size, total size and block count.
	Info() Info

	// ReadMulti fills Buffer for each op in blocks (batch size ≤ a
	// caller-chosen rw_max), respecting flags. Per-block failures are
	// recorded in BlockOp.Result/Err, not returned as the call's error;
	// the returned error is reserved for failures affecting the whole
	// batch (e.g. the underlying file handle is gone).
	ReadMulti(ctx context.Context, blocks []BlockOp, flags ReadFlags) error

	// WriteMulti writes Buffer for each op in blocks. Per-block failures
	// are recorded the same way as ReadMulti.
	WriteMulti(ctx context.Context, blocks []BlockOp) error

	// HasBlock reports whether the device currently holds data for b.
	// Default: always true (a dense device has no concept of "absent").
	HasBlock(b int64) (bool, error)

	// HasBlocks is the batch form of HasBlock, used by the copy engine's
	// checksum-skip path to avoid a round trip per block.
	// Default: calls HasBlock for each entry of set.
	HasBlocks(set *BlockRangeSet) (*BlockRangeSet, error)

	// Blocks returns the set of blocks the device currently holds data
	// for. Default: all blocks 0..NumBlocks-1.
	Blocks() (*BlockRangeSet, error)

	// CopyRange returns the set of blocks a copy operation should visit:
	// for a dense device or a bare sparse image, all blocks; for a
	// sparse device acting as a backup layer, only the present blocks.
	// Default: same as Blocks().
	CopyRange() (*BlockRangeSet, error)

	// Iterate calls f(start, end) on each maximal contiguous span of
	// present blocks, ascending. Default: one call covering CopyRange().
	Iterate(f func(start, end int64) bool) error

	// Flush persists any buffered writes.
	// Default: no-op.
	Flush() error

	// Report writes a human-readable status line for this device (used
	// by progress reporting). Default: no-op.
	Report(sink func(line string)) error

	// Close releases the device's resources. Always required; never
	// defaults.
	Close() error
}

// BaseDevice supplies the default ("emulate missing operation") method
// bodies documented on Device. Concrete devices embed *BaseDevice and
// override whichever methods they have a real implementation for.
type BaseDevice struct {
	info Info
	self Device // the embedding concrete device, for default methods that need HasBlock/Blocks/etc.
}

// NewBaseDevice returns a BaseDevice for a device of the given geometry.
// self must be the concrete device embedding this BaseDevice, so default
// methods can call back into whatever overrides it provides.
func NewBaseDevice(info Info, self Device) *BaseDevice {
	return &BaseDevice{info: info, self: self}
}

func (b *BaseDevice) Info() Info { return b.info }

func (b *BaseDevice) HasBlock(block int64) (bool, error) {
	return true, nil
}

func (b *BaseDevice) HasBlocks(set *BlockRangeSet) (*BlockRangeSet, error) {
	out := NewBlockRangeSet()
	var rangeErr error
	set.Iterate(func(start, end int64) bool {
		for i := start; i <= end; i++ {
			ok, err := b.self.HasBlock(i)
			if err != nil {
				rangeErr = err
				return true
			}
			if ok {
				out.Add(i, i)
			}
		}
		return false
	})
	return out, rangeErr
}

func (b *BaseDevice) Blocks() (*BlockRangeSet, error) {
	out := NewBlockRangeSet()
	if b.info.NumBlocks > 0 {
		out.Add(0, b.info.NumBlocks-1)
	}
	return out, nil
}

func (b *BaseDevice) CopyRange() (*BlockRangeSet, error) {
	return b.self.Blocks()
}

func (b *BaseDevice) Iterate(f func(start, end int64) bool) error {
	cr, err := b.self.CopyRange()
	if err != nil {
		return err
	}
	cr.Iterate(f)
	return nil
}

func (b *BaseDevice) Flush() error { return nil }

func (b *BaseDevice) Report(sink func(line string)) error { return nil }
