package ddb

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// blockListMagic is the "BlockLst" header/trailer tag used by the binary
// block-range-list format (spec §6).
const blockListMagic uint64 = 0x426c6f636b4c7374

// Save writes the set's binary form: a (magic, count) header record, then
// count (start, end) records in ascending order, then a trailing record
// identical to the header. All integers are big-endian 64-bit.
func (s *BlockRangeSet) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)
	n := int64(len(s.ranges))
	if err := writeRec(bw, blockListMagic, uint64(n)); err != nil {
		return err
	}
	for _, r := range s.ranges {
		if err := writeRec(bw, uint64(r.Start), uint64(r.End)); err != nil {
			return err
		}
	}
	if err := writeRec(bw, blockListMagic, uint64(n)); err != nil {
		return err
	}
	return bw.Flush()
}

func writeRec(w io.Writer, a, b uint64) error {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], a)
	binary.BigEndian.PutUint64(buf[8:16], b)
	_, err := w.Write(buf[:])
	return err
}

func readRec(r io.Reader) (uint64, uint64, error) {
	var buf [16]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, 0, err
	}
	return binary.BigEndian.Uint64(buf[0:8]), binary.BigEndian.Uint64(buf[8:16]), nil
}

// LoadBlockRangeSet reads the binary form written by Save. It fails with
// ErrInvalid if any set invariant is violated (ranges out of order,
// overlapping, gap < 2 between consecutive ranges) or the trailing record
// doesn't match the header.
func LoadBlockRangeSet(r io.Reader) (*BlockRangeSet, error) {
	magic, n, err := readRec(r)
	if err != nil {
		return nil, err
	}
	if magic != blockListMagic {
		return nil, NewError(Invalid, "block range set: bad magic", nil)
	}

	out := NewBlockRangeSet()
	var last int64 = minInt64
	for i := uint64(0); i < n; i++ {
		a, b, err := readRec(r)
		if err != nil {
			return nil, err
		}
		start, end := int64(a), int64(b)
		if end < start {
			return nil, NewError(Invalid, "block range set: end < start", nil)
		}
		if i > 0 && start < last+2 {
			return nil, NewError(Invalid, "block range set: ranges out of order or touching", nil)
		}
		out.ranges = append(out.ranges, Range{Start: start, End: end})
		out.count += end - start + 1
		last = end
	}

	tmagic, tn, err := readRec(r)
	if err != nil {
		return nil, err
	}
	if tmagic != blockListMagic || tn != n {
		return nil, NewError(Invalid, "block range set: trailer mismatch", nil)
	}
	return out, nil
}

// Print writes the set's textual form, one range per line: a singleton
// block is printed as "N", a multi-block range as "S:E".
func (s *BlockRangeSet) Print(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, r := range s.ranges {
		var err error
		if r.Start == r.End {
			_, err = fmt.Fprintf(bw, "%d\n", r.Start)
		} else {
			_, err = fmt.Fprintf(bw, "%d:%d\n", r.Start, r.End)
		}
		if err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadBlockRangeSet parses the textual form written by Print.
func ReadBlockRangeSet(r io.Reader) (*BlockRangeSet, error) {
	out := NewBlockRangeSet()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var start, end int64
		if idx := strings.IndexByte(line, ':'); idx >= 0 {
			s, err := strconv.ParseInt(line[:idx], 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "block range set: parsing %q", line)
			}
			e, err := strconv.ParseInt(line[idx+1:], 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "block range set: parsing %q", line)
			}
			start, end = s, e
		} else {
			v, err := strconv.ParseInt(line, 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "block range set: parsing %q", line)
			}
			start, end = v, v
		}
		if end < start {
			return nil, NewError(Invalid, "block range set: end < start", nil)
		}
		out.Add(start, end)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
