package hashindex

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/google/uuid"
)

// CreateSegment serializes sorted records as a new segment file. The data
// is written to a temp file, synced, then renamed into place, so a
// partially written segment is never visible under the segment name
// (write-then-register). The returned segment is open for reads.
func CreateSegment(dir string, generation uint64, records []Record) (*Segment, error) {
	return CreateSegmentFromIterator(dir, generation, newSliceIterator(records))
}

// CreateSegmentFromIterator streams records from it into a new segment
// file without materializing them, which keeps compaction memory flat.
func CreateSegmentFromIterator(dir string, generation uint64, it RecordIterator) (*Segment, error) {
	finalPath := SegmentFileName(dir, generation)
	tmpPath := finalPath + ".tmp-" + uuid.NewString()

	file, err := os.Create(tmpPath)
	if err != nil {
		return nil, segmentError("create", tmpPath, generation, err)
	}

	fail := func(cause error) (*Segment, error) {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return nil, cause
	}

	writer := bufio.NewWriter(file)

	// Header with a placeholder record count, patched after the stream
	// is exhausted.
	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header[0:4], segmentMagic)
	binary.BigEndian.PutUint32(header[4:8], segmentVersion)
	if _, err := writer.Write(header); err != nil {
		return fail(segmentError("create", tmpPath, generation, err))
	}

	crc := crc32.NewIEEE()
	buf := make([]byte, RecordSize)
	count := uint64(0)
	var last Hash

	for {
		rec, ok := it.Next()
		if !ok {
			break
		}
		if count > 0 && rec.Hash.Compare(last) <= 0 {
			return fail(segmentError("create", tmpPath, generation,
				fmt.Errorf("%w: records not strictly ascending at %d", ErrCorruptSegment, count)))
		}
		last = rec.Hash

		rec.encode(buf)
		if _, err := writer.Write(buf); err != nil {
			return fail(segmentError("create", tmpPath, generation, err))
		}
		crc.Write(buf)
		count++
	}
	if err := it.Err(); err != nil {
		return fail(err)
	}

	footer := make([]byte, footerSize)
	binary.BigEndian.PutUint32(footer, crc.Sum32())
	if _, err := writer.Write(footer); err != nil {
		return fail(segmentError("create", tmpPath, generation, err))
	}
	if err := writer.Flush(); err != nil {
		return fail(segmentError("create", tmpPath, generation, err))
	}

	// Patch the record count into the header.
	countBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(countBuf, count)
	if _, err := file.WriteAt(countBuf, 8); err != nil {
		return fail(segmentError("create", tmpPath, generation, err))
	}

	// The segment must be durable before anything references it.
	if err := file.Sync(); err != nil {
		return fail(segmentError("create", tmpPath, generation, err))
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, segmentError("create", tmpPath, generation, err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return nil, segmentError("create", finalPath, generation, err)
	}

	return OpenSegment(finalPath, generation)
}

// sliceIterator adapts a sorted record slice to RecordIterator
type sliceIterator struct {
	records []Record
	pos     int
}

func newSliceIterator(records []Record) *sliceIterator {
	return &sliceIterator{records: records}
}

func (it *sliceIterator) Next() (Record, bool) {
	if it.pos >= len(it.records) {
		return Record{}, false
	}
	rec := it.records[it.pos]
	it.pos++
	return rec, true
}

func (it *sliceIterator) Err() error {
	return nil
}
