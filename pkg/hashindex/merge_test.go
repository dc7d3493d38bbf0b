package hashindex

import (
	"sort"
	"testing"
)

// recordsFromSeeds builds a sorted record slice from arbitrary seeds
func recordsFromSeeds(seeds []uint64) []Record {
	records := make([]Record, 0, len(seeds))
	for _, s := range seeds {
		records = append(records, Record{Hash: testHash(s), RowIndex: s})
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Hash.Less(records[j].Hash)
	})
	return records
}

func createSegmentOrFail(t *testing.T, dir string, gen uint64, records []Record) *Segment {
	t.Helper()
	seg, err := CreateSegment(dir, gen, records)
	if err != nil {
		t.Fatalf("CreateSegment(gen=%d) failed: %v", gen, err)
	}
	t.Cleanup(func() { seg.Close() })
	return seg
}

func drainMerge(t *testing.T, mi *MergeIterator) []Record {
	t.Helper()
	var out []Record
	for {
		rec, ok := mi.Next()
		if !ok {
			break
		}
		out = append(out, rec)
	}
	if err := mi.Err(); err != nil {
		t.Fatalf("merge error: %v", err)
	}
	return out
}

func TestMergeDisjointSegments(t *testing.T) {
	dir := t.TempDir()
	s1 := createSegmentOrFail(t, dir, 1, recordsFromSeeds([]uint64{0, 3, 6, 9}))
	s2 := createSegmentOrFail(t, dir, 2, recordsFromSeeds([]uint64{1, 4, 7}))
	s3 := createSegmentOrFail(t, dir, 3, recordsFromSeeds([]uint64{2, 5, 8}))

	merged := drainMerge(t, NewMergeIterator([]*Segment{s1, s2, s3}))

	if len(merged) != 10 {
		t.Fatalf("merged %d records, want 10", len(merged))
	}
	seen := make(map[uint64]bool)
	for i, rec := range merged {
		if i > 0 && rec.Hash.Compare(merged[i-1].Hash) <= 0 {
			t.Fatalf("merged output out of order at %d", i)
		}
		seen[rec.RowIndex] = true
	}
	for i := uint64(0); i < 10; i++ {
		if !seen[i] {
			t.Errorf("row %d missing from merge output", i)
		}
	}
}

func TestMergeNewestWinsOnDuplicate(t *testing.T) {
	dir := t.TempDir()

	// The same hash in two generations with different row indices; this
	// only arises from an anomalous replay, and the higher generation
	// must win.
	h := testHash(42)
	old := createSegmentOrFail(t, dir, 1, []Record{{Hash: h, RowIndex: 100}})
	newer := createSegmentOrFail(t, dir, 2, []Record{{Hash: h, RowIndex: 200}})

	merged := drainMerge(t, NewMergeIterator([]*Segment{old, newer}))

	if len(merged) != 1 {
		t.Fatalf("merged %d records, want 1", len(merged))
	}
	if merged[0].RowIndex != 200 {
		t.Errorf("duplicate resolved to row %d, want 200 (newest generation)", merged[0].RowIndex)
	}
}

func TestMergeSingleInput(t *testing.T) {
	dir := t.TempDir()
	seg := createSegmentOrFail(t, dir, 1, recordsFromSeeds([]uint64{1, 2, 3}))

	merged := drainMerge(t, NewMergeIterator([]*Segment{seg}))
	if len(merged) != 3 {
		t.Errorf("merged %d records, want 3", len(merged))
	}
}

func TestMergeEmptyInputs(t *testing.T) {
	dir := t.TempDir()
	empty := createSegmentOrFail(t, dir, 1, nil)
	seg := createSegmentOrFail(t, dir, 2, recordsFromSeeds([]uint64{1, 2}))

	merged := drainMerge(t, NewMergeIterator([]*Segment{empty, seg}))
	if len(merged) != 2 {
		t.Errorf("merged %d records, want 2", len(merged))
	}

	if out := drainMerge(t, NewMergeIterator(nil)); len(out) != 0 {
		t.Errorf("merge of no inputs yielded %d records", len(out))
	}
}

func TestFilterIterator(t *testing.T) {
	dir := t.TempDir()
	seg := createSegmentOrFail(t, dir, 1, recordsFromSeeds([]uint64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}))

	fi := newFilterIterator(seg.Iterator(), 5)
	count := 0
	for {
		rec, ok := fi.Next()
		if !ok {
			break
		}
		if rec.RowIndex >= 5 {
			t.Errorf("filter passed row %d at or above boundary", rec.RowIndex)
		}
		count++
	}
	if err := fi.Err(); err != nil {
		t.Fatalf("filter error: %v", err)
	}
	if count != 5 {
		t.Errorf("filter yielded %d records, want 5", count)
	}
}
