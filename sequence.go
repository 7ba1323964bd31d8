package ddb

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const seqMetaMagic = "DDB SEQUENCE META"

var incrNamePattern = regexp.MustCompile(`^incr-(\d{4})-(\d{2})-(\d{2}):(\d{2}):(\d{2}):(\d{2})$`)

// seqMeta is the parsed form of a directory sequence's "meta" text file.
type seqMeta struct {
	blockSize int64
	totalSize int64
	fullMtime int64
}

func loadSeqMeta(path string) (*seqMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, mapOSError(err, path)
	}
	lines := strings.SplitN(string(data), "\n", 3)
	if len(lines) < 2 || strings.TrimRight(lines[0], "\r") != seqMetaMagic {
		return nil, NewError(Invalid, "sequence meta: bad magic", nil)
	}
	fields := strings.Fields(lines[1])
	if len(fields) != 3 {
		return nil, NewError(Invalid, "sequence meta: malformed fields line", nil)
	}
	blockSize, err1 := strconv.ParseInt(fields[0], 10, 64)
	totalSize, err2 := strconv.ParseInt(fields[1], 10, 64)
	mtime, err3 := strconv.ParseInt(fields[2], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, NewError(Invalid, "sequence meta: malformed integers", nil)
	}
	if blockSize < minBlockSize || blockSize > maxBlockSize || totalSize < 1 || mtime < 1 {
		return nil, NewError(Invalid, "sequence meta: value out of range", nil)
	}
	return &seqMeta{blockSize: blockSize, totalSize: totalSize, fullMtime: mtime}, nil
}

func (m *seqMeta) save(path string) error {
	body := seqMetaMagic + "\n" +
		strconv.FormatInt(m.blockSize, 10) + " " +
		strconv.FormatInt(m.totalSize, 10) + " " +
		strconv.FormatInt(m.fullMtime, 10) + "\n"
	return renameio.WriteFile(path, []byte(body), 0644)
}

// Sequence is a layered device: a full backup plus zero or more ordered
// incremental overlays, newest first for reads, single write target.
// Grounded on ddb_device_open_dir in ddb-dir.c.
type Sequence struct {
	*BaseDevice

	dir       string
	layers    []*ImageContainer // oldest (full) first
	names     []string          // "full" or incr-... matching layers
	meta      *seqMeta
	checksums *os.File
	writable  bool
	writeIdx  int // index into layers that is the write target, -1 if read-only
	closed    bool
	log       *logrus.Entry
}

var _ Device = (*Sequence)(nil)

// CreateSequence creates a brand-new directory sequence with an empty full
// backup as its only layer.
func CreateSequence(dir string, blockSize, totalSize int64) (*Sequence, error) {
	if err := os.Mkdir(dir, 0700); err != nil {
		return nil, mapOSError(err, dir)
	}
	fullPath := filepath.Join(dir, "full")
	full, err := Create(fullPath, blockSize, totalSize, true)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	m := &seqMeta{blockSize: blockSize, totalSize: totalSize, fullMtime: nowUnix()}
	if err := m.save(filepath.Join(dir, "meta")); err != nil {
		full.Close()
		os.RemoveAll(dir)
		return nil, err
	}
	s := &Sequence{
		dir: dir, layers: []*ImageContainer{full}, names: []string{"full"},
		meta: m, writable: true, writeIdx: 0,
		log: logrus.WithField("sequence", dir),
	}
	s.BaseDevice = NewBaseDevice(Info{BlockSize: blockSize, TotalSize: totalSize, NumBlocks: numBlocksFor(totalSize, blockSize)}, s)
	return s, nil
}

// OpenSequence opens an existing directory sequence. writable selects
// read-write access; asLast, when writable, reopens the most recent layer
// instead of creating a fresh incremental.
func OpenSequence(dir string, writable, asLast bool) (*Sequence, error) {
	m, err := loadSeqMeta(filepath.Join(dir, "meta"))
	if err != nil {
		return nil, err
	}

	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, mapOSError(err, dir)
	}
	var incrNames []string
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		if incrNamePattern.MatchString(e.Name()) {
			incrNames = append(incrNames, e.Name())
		}
	}
	sort.Strings(incrNames)

	s := &Sequence{dir: dir, meta: m, writable: writable, writeIdx: -1, log: logrus.WithField("sequence", dir)}

	closeAll := func() {
		for _, l := range s.layers {
			l.Close()
		}
	}

	openOne := func(name string, readOnly bool) (*ImageContainer, error) {
		ic, err := Open(filepath.Join(dir, name), readOnly, ExpectBlockSize(m.blockSize), ExpectTotalSize(m.totalSize))
		if err != nil {
			closeAll()
			return nil, err
		}
		return ic, nil
	}

	lastIdx := len(incrNames) - 1
	fullReadOnly := writable && (len(incrNames) > 0 || !asLast)
	full, err := openOne("full", !fullReadOnly)
	if err != nil {
		return nil, err
	}
	s.layers = append(s.layers, full)
	s.names = append(s.names, "full")
	if writable && len(incrNames) == 0 && asLast {
		s.writeIdx = 0
	}

	for i, name := range incrNames {
		readOnly := true
		if writable && asLast && i == lastIdx {
			readOnly = false
		}
		ic, err := openOne(name, readOnly)
		if err != nil {
			return nil, err
		}
		s.layers = append(s.layers, ic)
		s.names = append(s.names, name)
		if !readOnly {
			s.writeIdx = len(s.layers) - 1
		}
	}

	if writable && !asLast {
		ts := time.Now().UTC()
		name := "incr-" + ts.Format("2006-01-02:15:04:05")
		if len(incrNames) > 0 && name <= incrNames[len(incrNames)-1] {
			closeAll()
			return nil, NewError(Invalid, "sequence: clock did not advance past last incremental", nil)
		}
		ic, err := Create(filepath.Join(dir, name), m.blockSize, m.totalSize, true)
		if err != nil {
			closeAll()
			return nil, err
		}
		s.layers = append(s.layers, ic)
		s.names = append(s.names, name)
		s.writeIdx = len(s.layers) - 1
	}

	if writable {
		checksumPath := filepath.Join(dir, "checksum")
		f, err := os.OpenFile(checksumPath, os.O_RDWR, 0)
		if err == nil {
			s.checksums = f
		} else if !os.IsNotExist(err) {
			closeAll()
			return nil, mapOSError(err, checksumPath)
		}
	} else {
		checksumPath := filepath.Join(dir, "checksum")
		f, err := os.Open(checksumPath)
		if err == nil {
			s.checksums = f
		} else if !os.IsNotExist(err) {
			closeAll()
			return nil, mapOSError(err, checksumPath)
		}
	}

	s.BaseDevice = NewBaseDevice(Info{BlockSize: m.blockSize, TotalSize: m.totalSize, NumBlocks: numBlocksFor(m.totalSize, m.blockSize)}, s)
	return s, nil
}

// ReadMulti implements Device: consults layers from newest to oldest,
// with a checksum-side-file shortcut when CHECKSUM is requested.
func (s *Sequence) ReadMulti(ctx context.Context, blocks []BlockOp, flags ReadFlags) error {
	if s.checksums != nil && flags.Has(ChecksumOnly) {
		for i := range blocks {
			op := &blocks[i]
			off := op.Index * int64(ChecksumLength)
			buf := make([]byte, ChecksumLength)
			n, err := s.checksums.ReadAt(buf, off)
			if err != nil || n != ChecksumLength {
				op.Result = StatusError
				op.Err = NewBlockError(BlockRead, op.Index, NewError(IOError, "checksum side-file read", err))
				continue
			}
			copy(op.Digest[:], buf)
			op.Result = StatusOK
		}
		return nil
	}

	for i := range blocks {
		op := &blocks[i]
		found := false
		for l := len(s.layers) - 1; l >= 0; l-- {
			sub := BlockOp{Index: op.Index, Buffer: op.Buffer}
			single := []BlockOp{sub}
			if err := s.layers[l].ReadMulti(ctx, single, flags&^ChecksumOnly); err != nil {
				op.Result = StatusError
				op.Err = NewBlockError(BlockRead, op.Index, err)
				found = true
				break
			}
			if single[0].Result == StatusAbsent {
				continue
			}
			op.Result = StatusOK
			op.Err = single[0].Err
			found = true
			break
		}
		if !found {
			for i2 := range op.Buffer {
				op.Buffer[i2] = 0
			}
			op.Result = StatusAbsent
		}
		if flags.Has(ChecksumOnly) {
			op.Digest = Sum(op.Buffer)
		}
	}
	return nil
}

// WriteMulti implements Device: writes go to the single write-target
// layer only, updating the checksum side-file in lockstep if present.
func (s *Sequence) WriteMulti(ctx context.Context, blocks []BlockOp) error {
	if s.writeIdx < 0 {
		return NewError(Unsupported, "sequence: not open for write", nil)
	}
	target := s.layers[s.writeIdx]
	if err := target.WriteMulti(ctx, blocks); err != nil {
		return err
	}
	if s.checksums == nil {
		return nil
	}
	for i := range blocks {
		op := &blocks[i]
		if op.Result != StatusOK {
			continue
		}
		digest := Sum(op.Buffer)
		off := op.Index * int64(ChecksumLength)
		if _, err := s.checksums.WriteAt(digest[:], off); err != nil {
			op.Result = StatusError
			op.Err = NewBlockError(BlockWrite, op.Index, NewError(IOError, "checksum side-file write", err))
		}
	}
	return nil
}

// Layers returns the sequence's layers, oldest (the full backup) first.
func (s *Sequence) Layers() []*ImageContainer {
	return s.layers
}

// LayerMtime returns the timestamp associated with layer i: the full
// backup's creation time from the sequence's meta file for layer 0, or
// the timestamp embedded in an incremental's directory-entry name.
func (s *Sequence) LayerMtime(i int) int64 {
	if i == 0 {
		return s.meta.fullMtime
	}
	ts, err := time.Parse("2006-01-02:15:04:05", strings.TrimPrefix(s.names[i], "incr-"))
	if err != nil {
		return s.layers[i].Mtime()
	}
	return ts.Unix()
}

// HasBlock implements Device.
func (s *Sequence) HasBlock(b int64) (bool, error) {
	for l := len(s.layers) - 1; l >= 0; l-- {
		ok, err := s.layers[l].HasBlock(b)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Blocks implements Device: union of every layer's present blocks.
func (s *Sequence) Blocks() (*BlockRangeSet, error) {
	sets := make([]*BlockRangeSet, 0, len(s.layers))
	for _, l := range s.layers {
		set, err := l.Blocks()
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	return Union(sets), nil
}

// CopyRange implements Device.
func (s *Sequence) CopyRange() (*BlockRangeSet, error) {
	return s.Blocks()
}

// Iterate implements Device.
func (s *Sequence) Iterate(f func(start, end int64) bool) error {
	set, err := s.Blocks()
	if err != nil {
		return err
	}
	set.Iterate(f)
	return nil
}

// Flush implements Device: flushes the write target and the checksum
// side-file.
func (s *Sequence) Flush() error {
	if s.writeIdx >= 0 {
		if err := s.layers[s.writeIdx].Flush(); err != nil {
			return err
		}
	}
	if s.checksums != nil {
		return s.checksums.Sync()
	}
	return nil
}

// Report implements Device.
func (s *Sequence) Report(sink func(line string)) error {
	sink(s.dir + ": sequence, " + itoa(int64(len(s.layers))) + " layers")
	return nil
}

// Close flushes and closes every layer, then persists meta if this
// session wrote to the sequence.
func (s *Sequence) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	firstErr := s.closeLayers()
	if s.writeIdx >= 0 {
		if err := s.meta.save(filepath.Join(s.dir, "meta")); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// closeLayers closes every layer file and the checksum side-file, without
// touching the meta file. Split out of Close so PackedSequence can reuse
// the directory-sequence machinery against a scratch directory and then
// repack it, instead of leaving a stray on-disk meta file behind.
func (s *Sequence) closeLayers() error {
	var firstErr error
	for _, l := range s.layers {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.checksums != nil {
		if err := s.checksums.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Join merges the oldest incremental into the full backup, removes the
// incremental, and advances meta.mtime to the incremental's own
// timestamp. Grounded on action_join in ddb-dir.c: uses the CopyEngine
// with max_passes=2 and no checkpoint, all-or-nothing.
func Join(dir string, progress func(string)) error {
	m, err := loadSeqMeta(filepath.Join(dir, "meta"))
	if err != nil {
		return err
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return mapOSError(err, dir)
	}
	var incrNames []string
	for _, e := range ents {
		if !e.IsDir() && incrNamePattern.MatchString(e.Name()) {
			incrNames = append(incrNames, e.Name())
		}
	}
	if len(incrNames) == 0 {
		return NewError(Invalid, "sequence: nothing to join", nil)
	}
	sort.Strings(incrNames)
	oldest := incrNames[0]
	incrPath := filepath.Join(dir, oldest)

	incr, err := Open(incrPath, true, ExpectBlockSize(m.blockSize), ExpectTotalSize(m.totalSize))
	if err != nil {
		return err
	}
	full, err := Open(filepath.Join(dir, "full"), false, ExpectBlockSize(m.blockSize), ExpectTotalSize(m.totalSize))
	if err != nil {
		incr.Close()
		return err
	}

	cfg := CopyConfig{
		Src: incr, Dst: full, WriteDst: true,
		BlockSize: m.blockSize, MaxPasses: 2,
		Progress: progress,
	}
	result, err := Copy(cfg)
	if err != nil {
		full.Close()
		incr.Close()
		return err
	}
	if result != CopyComplete {
		full.Close()
		incr.Close()
		return NewError(Invalid, "sequence: join left blocks unread after two passes", nil)
	}
	if err := full.Close(); err != nil {
		incr.Close()
		return err
	}

	matches := incrNamePattern.FindStringSubmatch(oldest)
	incrTime, perr := time.Parse("2006-01-02:15:04:05", strings.TrimPrefix(oldest, "incr-"))
	if perr != nil {
		incr.Close()
		return errors.Wrap(perr, "sequence: parsing incremental timestamp")
	}
	_ = matches
	m.fullMtime = incrTime.Unix()
	tmpPath := filepath.Join(dir, ".meta.tmp")
	if err := m.save(tmpPath); err != nil {
		incr.Close()
		return err
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, "meta")); err != nil {
		os.Remove(tmpPath)
		incr.Close()
		return mapOSError(err, "meta")
	}
	if err := incr.Close(); err != nil {
		return err
	}
	return os.Remove(incrPath)
}

// Checksum rebuilds the sequence's checksum side-file by reading every
// block through the layered read path. Grounded on action_checksum in
// ddb-dir.c: all-or-nothing, tmp file renamed over the old one on success.
func Checksum(dir string, progress func(string)) error {
	s, err := OpenSequence(dir, false, false)
	if err != nil {
		return err
	}
	defer s.Close()

	// Rebuilding must read every block through the layered path, not
	// shortcut back to the cache being rebuilt.
	if s.checksums != nil {
		s.checksums.Close()
		s.checksums = nil
	}

	tmpPath := filepath.Join(dir, ".checksum.tmp")
	out, err := os.Create(tmpPath)
	if err != nil {
		return mapOSError(err, tmpPath)
	}
	ok := false
	defer func() {
		if !ok {
			out.Close()
			os.Remove(tmpPath)
		}
	}()

	numBlocks := s.Info().NumBlocks
	buf := make([]byte, s.Info().BlockSize)
	for b := int64(0); b < numBlocks; b++ {
		batch := []BlockOp{{Index: b, Buffer: buf}}
		if err := s.ReadMulti(context.Background(), batch, ChecksumOnly); err != nil {
			return err
		}
		op := batch[0]
		if op.Result == StatusError {
			return op.Err
		}
		if _, err := out.Write(op.Digest[:]); err != nil {
			return mapOSError(err, tmpPath)
		}
		if progress != nil {
			progress(itoa(b+1) + "/" + itoa(numBlocks))
		}
	}
	if err := out.Close(); err != nil {
		return mapOSError(err, tmpPath)
	}
	ok = true
	return os.Rename(tmpPath, filepath.Join(dir, "checksum"))
}
