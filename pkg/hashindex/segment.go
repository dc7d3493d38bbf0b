package hashindex

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"golang.org/x/exp/mmap"
)

// Segment file format:
//   [Header: magic(4) | version(4) | record_count(8)]
//   [Records: record_count fixed-width records, strictly ascending by hash]
//   [Footer: crc32(4) over the record payload]

const (
	segmentMagic   = 0x434F4958 // "COIX"
	segmentVersion = 1
	headerSize     = 16
	footerSize     = 4
)

// Segment is an immutable, sorted, binary-searchable run of records on
// disk. Reads go through a memory-mapped reader, so lookups need no
// buffered I/O.
type Segment struct {
	path       string
	generation uint64
	reader     *mmap.ReaderAt
	count      int
}

// SegmentFileName returns the file name for a segment generation
func SegmentFileName(dir string, generation uint64) string {
	return filepath.Join(dir, fmt.Sprintf("segment-%06d.seg", generation))
}

// parseSegmentGeneration extracts the generation from a segment file name
func parseSegmentGeneration(path string) (uint64, bool) {
	var gen uint64
	_, err := fmt.Sscanf(filepath.Base(path), "segment-%d.seg", &gen)
	if err != nil {
		return 0, false
	}
	return gen, true
}

// OpenSegment memory-maps a segment file and verifies its header, record
// count and payload checksum. Violations surface as ErrCorruptSegment.
func OpenSegment(path string, generation uint64) (*Segment, error) {
	reader, err := mmap.Open(path)
	if err != nil {
		return nil, segmentError("open", path, generation, err)
	}

	if reader.Len() < headerSize+footerSize {
		_ = reader.Close()
		return nil, segmentError("open", path, generation,
			fmt.Errorf("%w: file too short (%d bytes)", ErrCorruptSegment, reader.Len()))
	}

	header := make([]byte, headerSize)
	if _, err := reader.ReadAt(header, 0); err != nil {
		_ = reader.Close()
		return nil, segmentError("open", path, generation, err)
	}

	magic := binary.BigEndian.Uint32(header[0:4])
	version := binary.BigEndian.Uint32(header[4:8])
	count := binary.BigEndian.Uint64(header[8:16])

	if magic != segmentMagic {
		_ = reader.Close()
		return nil, segmentError("open", path, generation,
			fmt.Errorf("%w: invalid magic %x", ErrCorruptSegment, magic))
	}
	if version != segmentVersion {
		_ = reader.Close()
		return nil, segmentError("open", path, generation,
			fmt.Errorf("%w: unsupported version %d", ErrCorruptSegment, version))
	}

	wantSize := headerSize + int(count)*RecordSize + footerSize
	if reader.Len() != wantSize {
		_ = reader.Close()
		return nil, segmentError("open", path, generation,
			fmt.Errorf("%w: record count %d does not match file size %d",
				ErrCorruptSegment, count, reader.Len()))
	}

	seg := &Segment{
		path:       path,
		generation: generation,
		reader:     reader,
		count:      int(count),
	}

	if err := seg.verifyChecksum(); err != nil {
		_ = reader.Close()
		return nil, err
	}

	return seg, nil
}

// verifyChecksum recomputes the payload CRC and compares it to the footer
func (s *Segment) verifyChecksum() error {
	crc := crc32.NewIEEE()
	buf := make([]byte, 64*1024)
	remaining := s.count * RecordSize
	off := int64(headerSize)
	for remaining > 0 {
		n := len(buf)
		if remaining < n {
			n = remaining
		}
		if _, err := s.reader.ReadAt(buf[:n], off); err != nil {
			return segmentError("verify", s.path, s.generation, err)
		}
		crc.Write(buf[:n])
		off += int64(n)
		remaining -= n
	}

	footer := make([]byte, footerSize)
	if _, err := s.reader.ReadAt(footer, int64(headerSize+s.count*RecordSize)); err != nil {
		return segmentError("verify", s.path, s.generation, err)
	}
	if stored := binary.BigEndian.Uint32(footer); stored != crc.Sum32() {
		return segmentError("verify", s.path, s.generation,
			fmt.Errorf("%w: checksum mismatch: stored %x, computed %x",
				ErrCorruptSegment, stored, crc.Sum32()))
	}
	return nil
}

// Generation returns the segment's generation number
func (s *Segment) Generation() uint64 {
	return s.generation
}

// Records returns the number of records in the segment
func (s *Segment) Records() int {
	return s.count
}

// Path returns the segment file path
func (s *Segment) Path() string {
	return s.path
}

// RecordAt reads the i-th record
func (s *Segment) RecordAt(i int) (Record, error) {
	if i < 0 || i >= s.count {
		return Record{}, segmentError("read", s.path, s.generation,
			fmt.Errorf("record index %d out of range [0, %d)", i, s.count))
	}
	buf := make([]byte, RecordSize)
	if _, err := s.reader.ReadAt(buf, int64(headerSize+i*RecordSize)); err != nil {
		return Record{}, segmentError("read", s.path, s.generation, err)
	}
	return decodeRecord(buf), nil
}

// Lookup binary-searches the sorted records for h
func (s *Segment) Lookup(h Hash) (uint64, bool, error) {
	lo, hi := 0, s.count
	for lo < hi {
		mid := (lo + hi) / 2
		rec, err := s.RecordAt(mid)
		if err != nil {
			return 0, false, err
		}
		switch cmp := rec.Hash.Compare(h); {
		case cmp == 0:
			return rec.RowIndex, true, nil
		case cmp < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return 0, false, nil
}

// Iterator returns a restartable iterator over all records in ascending
// hash order. The iterator re-checks the sort invariant as it scans.
func (s *Segment) Iterator() *SegmentIterator {
	return &SegmentIterator{seg: s}
}

// Close unmaps the segment file
func (s *Segment) Close() error {
	if s.reader == nil {
		return nil
	}
	err := s.reader.Close()
	s.reader = nil
	return err
}

// Delete closes the segment and removes its file
func (s *Segment) Delete() error {
	if err := s.Close(); err != nil {
		return segmentError("delete", s.path, s.generation, err)
	}
	if err := os.Remove(s.path); err != nil {
		return segmentError("delete", s.path, s.generation, err)
	}
	return nil
}

// SegmentIterator yields a segment's records in ascending hash order
type SegmentIterator struct {
	seg  *Segment
	pos  int
	last Hash
	err  error
}

// Next returns the next record, or false when exhausted or on error
func (it *SegmentIterator) Next() (Record, bool) {
	if it.err != nil || it.pos >= it.seg.count {
		return Record{}, false
	}

	rec, err := it.seg.RecordAt(it.pos)
	if err != nil {
		it.err = err
		return Record{}, false
	}

	// Hashes must be strictly increasing within one segment.
	if it.pos > 0 && rec.Hash.Compare(it.last) <= 0 {
		it.err = segmentError("scan", it.seg.path, it.seg.generation,
			fmt.Errorf("%w: out-of-order hash at record %d", ErrCorruptSegment, it.pos))
		return Record{}, false
	}

	it.last = rec.Hash
	it.pos++
	return rec, true
}

// Err reports any error encountered while iterating
func (it *SegmentIterator) Err() error {
	return it.err
}
