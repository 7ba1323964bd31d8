package ddb

import (
	"encoding/binary"
	"time"
)

// headerMagic is the sparse image header's magic tag (spec §6): 8 ASCII
// bytes, no terminator.
const headerMagic = "DDB META"

const (
	headerSize       = 512 // minimum on-disk header size; block_size ≥ 512 so it always fits in one block
	metaHeaderSize   = 12  // int64 next + int32 count
	metaEntrySize    = 24  // int64 first_block, last_block, data_offset
	versionCurrent   = 0
	minBlockSize     = 512
	maxBlockSize     = 16 * 1024 * 1024
)

// diskHeader is the in-memory form of the sparse image header described in
// spec §6. Field order matches the on-disk layout; encode/decode follow
// the teacher's super.go pattern of one struct mirroring the wire layout,
// adapted to explicit offsets because (unlike squashfs's superblock) this
// format has reserved padding and a fixed big-endian byte order rather
// than a magic-selected one.
type diskHeader struct {
	TotalSize     int64
	BlocksPresent int64
	DataEnd       int64
	BlockSize     int32
	Version       int32
	Mtime         int64
	MetadataHead  int64
}

func (h *diskHeader) encode() []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:8], headerMagic)
	binary.BigEndian.PutUint64(buf[8:16], uint64(h.TotalSize))
	binary.BigEndian.PutUint64(buf[16:24], uint64(h.BlocksPresent))
	binary.BigEndian.PutUint64(buf[24:32], uint64(h.DataEnd))
	binary.BigEndian.PutUint32(buf[32:36], uint32(h.BlockSize))
	binary.BigEndian.PutUint32(buf[36:40], uint32(h.Version))
	binary.BigEndian.PutUint64(buf[40:48], uint64(h.Mtime))
	binary.BigEndian.PutUint64(buf[48:56], uint64(h.MetadataHead))
	// bytes 56:64 reserved, zero
	return buf
}

func decodeHeader(buf []byte, fileSize int64) (*diskHeader, error) {
	if len(buf) < 64 || string(buf[0:8]) != headerMagic {
		return nil, NewError(Invalid, "sparse image: bad magic", nil)
	}
	h := &diskHeader{
		TotalSize:     int64(binary.BigEndian.Uint64(buf[8:16])),
		BlocksPresent: int64(binary.BigEndian.Uint64(buf[16:24])),
		DataEnd:       int64(binary.BigEndian.Uint64(buf[24:32])),
		BlockSize:     int32(binary.BigEndian.Uint32(buf[32:36])),
		Version:       int32(binary.BigEndian.Uint32(buf[36:40])),
		Mtime:         int64(binary.BigEndian.Uint64(buf[40:48])),
		MetadataHead:  int64(binary.BigEndian.Uint64(buf[48:56])),
	}
	if h.TotalSize < 1 {
		return nil, NewError(Invalid, "sparse image: total_size < 1", nil)
	}
	if h.BlockSize < minBlockSize || h.BlockSize > maxBlockSize {
		return nil, NewError(Invalid, "sparse image: block_size out of range", nil)
	}
	if h.Version != versionCurrent {
		return nil, NewError(Invalid, "sparse image: unsupported version", nil)
	}
	if h.BlocksPresent < 0 || h.DataEnd < 0 || h.MetadataHead < 0 {
		return nil, NewError(Invalid, "sparse image: negative field", nil)
	}
	if h.DataEnd > fileSize {
		return nil, NewError(Invalid, "sparse image: data_end beyond file size", nil)
	}
	if h.MetadataHead != 0 && h.MetadataHead >= fileSize {
		return nil, NewError(Invalid, "sparse image: metadata_head beyond file size", nil)
	}
	numBlocks := numBlocksFor(h.TotalSize, int64(h.BlockSize))
	if h.BlocksPresent > numBlocks {
		return nil, NewError(Invalid, "sparse image: blocks_present exceeds total blocks", nil)
	}
	return h, nil
}

func numBlocksFor(totalSize, blockSize int64) int64 {
	n := totalSize / blockSize
	if totalSize%blockSize != 0 {
		n++
	}
	return n
}

// lastBlockLen returns the number of meaningful bytes in the final block
// of a device with the given geometry; a remainder of zero means the last
// block is a full block, per spec §3.
func lastBlockLen(totalSize, blockSize int64) int64 {
	r := totalSize % blockSize
	if r == 0 {
		return blockSize
	}
	return r
}

func metaCapacity(blockSize int64) int {
	return int((blockSize - metaHeaderSize) / metaEntrySize)
}

func nowUnix() int64 {
	return time.Now().Unix()
}
