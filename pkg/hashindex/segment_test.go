package hashindex

import (
	"errors"
	"os"
	"sort"
	"testing"
)

// sortedTestRecords builds n records sorted ascending by hash
func sortedTestRecords(n int) []Record {
	records := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, Record{Hash: testHash(uint64(i)), RowIndex: uint64(i)})
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Hash.Less(records[j].Hash)
	})
	return records
}

func newTestSegment(t *testing.T, n int) *Segment {
	t.Helper()
	seg, err := CreateSegment(t.TempDir(), 1, sortedTestRecords(n))
	if err != nil {
		t.Fatalf("CreateSegment failed: %v", err)
	}
	t.Cleanup(func() { seg.Close() })
	return seg
}

func TestSegmentCreateAndLookup(t *testing.T) {
	seg := newTestSegment(t, 1000)

	if seg.Records() != 1000 {
		t.Fatalf("Records() = %d, want 1000", seg.Records())
	}

	for i := uint64(0); i < 1000; i += 97 {
		rowIndex, ok, err := seg.Lookup(testHash(i))
		if err != nil {
			t.Fatalf("Lookup failed: %v", err)
		}
		if !ok {
			t.Fatalf("hash for row %d not found", i)
		}
		if rowIndex != i {
			t.Errorf("Lookup = %d, want %d", rowIndex, i)
		}
	}

	if _, ok, _ := seg.Lookup(testHash(99999)); ok {
		t.Error("Lookup found a hash that was never written")
	}
}

func TestSegmentReopen(t *testing.T) {
	dir := t.TempDir()
	seg, err := CreateSegment(dir, 3, sortedTestRecords(50))
	if err != nil {
		t.Fatalf("CreateSegment failed: %v", err)
	}
	path := seg.Path()
	if err := seg.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := OpenSegment(path, 3)
	if err != nil {
		t.Fatalf("OpenSegment failed: %v", err)
	}
	defer reopened.Close()

	if reopened.Generation() != 3 {
		t.Errorf("Generation = %d, want 3", reopened.Generation())
	}
	if reopened.Records() != 50 {
		t.Errorf("Records = %d, want 50", reopened.Records())
	}

	rowIndex, ok, err := reopened.Lookup(testHash(25))
	if err != nil || !ok || rowIndex != 25 {
		t.Errorf("Lookup(25) = (%d, %v, %v)", rowIndex, ok, err)
	}
}

func TestSegmentIteratorAscending(t *testing.T) {
	seg := newTestSegment(t, 200)

	it := seg.Iterator()
	var last Hash
	count := 0
	for {
		rec, ok := it.Next()
		if !ok {
			break
		}
		if count > 0 && rec.Hash.Compare(last) <= 0 {
			t.Fatalf("iterator out of order at record %d", count)
		}
		last = rec.Hash
		count++
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
	if count != 200 {
		t.Errorf("iterated %d records, want 200", count)
	}

	// Iterators are restartable: a fresh one re-yields everything.
	it2 := seg.Iterator()
	count2 := 0
	for {
		if _, ok := it2.Next(); !ok {
			break
		}
		count2++
	}
	if count2 != 200 {
		t.Errorf("second iteration yielded %d records, want 200", count2)
	}
}

func TestSegmentRejectsUnsortedRecords(t *testing.T) {
	records := []Record{
		{Hash: testHash(2), RowIndex: 0},
		{Hash: testHash(1), RowIndex: 1},
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Hash.Less(records[j].Hash)
	})
	// Swap to force a violation.
	records[0], records[1] = records[1], records[0]

	_, err := CreateSegment(t.TempDir(), 1, records)
	if !errors.Is(err, ErrCorruptSegment) {
		t.Fatalf("error = %v, want ErrCorruptSegment", err)
	}
}

func TestSegmentDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	seg, err := CreateSegment(dir, 1, sortedTestRecords(100))
	if err != nil {
		t.Fatalf("CreateSegment failed: %v", err)
	}
	path := seg.Path()
	seg.Close()

	// Flip a byte in the record payload.
	f, err := os.OpenFile(path, os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open for corruption: %v", err)
	}
	if _, err := f.WriteAt([]byte{0xff}, headerSize+RecordSize*10+5); err != nil {
		t.Fatalf("corrupting write failed: %v", err)
	}
	f.Close()

	_, err = OpenSegment(path, 1)
	if !errors.Is(err, ErrCorruptSegment) {
		t.Fatalf("error = %v, want ErrCorruptSegment", err)
	}
}

func TestSegmentDetectsTruncation(t *testing.T) {
	dir := t.TempDir()
	seg, err := CreateSegment(dir, 1, sortedTestRecords(100))
	if err != nil {
		t.Fatalf("CreateSegment failed: %v", err)
	}
	path := seg.Path()
	seg.Close()

	if err := os.Truncate(path, headerSize+RecordSize*50); err != nil {
		t.Fatalf("truncate failed: %v", err)
	}

	_, err = OpenSegment(path, 1)
	if !errors.Is(err, ErrCorruptSegment) {
		t.Fatalf("error = %v, want ErrCorruptSegment", err)
	}
}

func TestSegmentTempFileNeverRegistered(t *testing.T) {
	dir := t.TempDir()

	// A failed create must leave no segment file behind.
	bad := []Record{
		{Hash: testHash(2), RowIndex: 0},
		{Hash: testHash(1), RowIndex: 1},
	}
	if bad[0].Hash.Less(bad[1].Hash) {
		bad[0], bad[1] = bad[1], bad[0]
	}
	if _, err := CreateSegment(dir, 1, bad); err == nil {
		t.Fatal("expected create failure")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("failed create left %d files behind", len(entries))
	}
}

func TestEmptySegmentLookup(t *testing.T) {
	seg := newTestSegment(t, 0)
	if _, ok, err := seg.Lookup(testHash(1)); ok || err != nil {
		t.Errorf("empty segment lookup = (%v, %v)", ok, err)
	}
}
