package hashindex

import (
	"testing"

	"coindb/pkg/logging"
)

func newTestStore(t *testing.T) (*SegmentStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := OpenSegmentStore(dir, logging.Nop())
	if err != nil {
		t.Fatalf("OpenSegmentStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, dir
}

func fillStore(t *testing.T, store *SegmentStore, batches [][]uint64) {
	t.Helper()
	for _, seeds := range batches {
		buf := NewWriteBuffer()
		for _, s := range seeds {
			if err := buf.Insert(testHash(s), s); err != nil {
				t.Fatalf("Insert failed: %v", err)
			}
		}
		if _, err := store.Flush(buf); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
	}
}

func TestStoreFlushAssignsGenerations(t *testing.T) {
	store, _ := newTestStore(t)
	fillStore(t, store, [][]uint64{{0, 1}, {2, 3}, {4}})

	if store.SegmentCount() != 3 {
		t.Fatalf("SegmentCount = %d, want 3", store.SegmentCount())
	}
	segs := store.snapshot()
	for i := 1; i < len(segs); i++ {
		if segs[i].Generation() <= segs[i-1].Generation() {
			t.Errorf("generations not increasing: %d then %d",
				segs[i-1].Generation(), segs[i].Generation())
		}
	}
	if store.RecordCount() != 5 {
		t.Errorf("RecordCount = %d, want 5", store.RecordCount())
	}
}

func TestStoreFlushEmptyBuffer(t *testing.T) {
	store, _ := newTestStore(t)
	seg, err := store.Flush(NewWriteBuffer())
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if seg != nil {
		t.Error("flush of empty buffer created a segment")
	}
	if store.SegmentCount() != 0 {
		t.Errorf("SegmentCount = %d, want 0", store.SegmentCount())
	}
}

func TestStoreLookupNewestFirst(t *testing.T) {
	store, _ := newTestStore(t)
	fillStore(t, store, [][]uint64{{0, 1, 2}, {10, 11}, {20}})

	for _, seed := range []uint64{0, 1, 2, 10, 11, 20} {
		rowIndex, ok, err := store.Lookup(testHash(seed))
		if err != nil {
			t.Fatalf("Lookup failed: %v", err)
		}
		if !ok || rowIndex != seed {
			t.Errorf("Lookup(%d) = (%d, %v)", seed, rowIndex, ok)
		}
	}

	if _, ok, _ := store.Lookup(testHash(999)); ok {
		t.Error("Lookup found a hash never flushed")
	}
}

func TestStoreReopenRecoversSegments(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenSegmentStore(dir, logging.Nop())
	if err != nil {
		t.Fatalf("OpenSegmentStore failed: %v", err)
	}
	fillStore(t, store, [][]uint64{{0, 1}, {2, 3}})
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := OpenSegmentStore(dir, logging.Nop())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if reopened.SegmentCount() != 2 {
		t.Fatalf("SegmentCount after reopen = %d, want 2", reopened.SegmentCount())
	}
	for _, seed := range []uint64{0, 1, 2, 3} {
		if _, ok, _ := reopened.Lookup(testHash(seed)); !ok {
			t.Errorf("row %d lost across reopen", seed)
		}
	}

	// New generations continue after the highest existing one.
	fillStore(t, reopened, [][]uint64{{9}})
	segs := reopened.snapshot()
	last := segs[len(segs)-1]
	if last.Generation() != 3 {
		t.Errorf("next generation = %d, want 3", last.Generation())
	}
}

func TestStoreCompactReplacesOldest(t *testing.T) {
	store, _ := newTestStore(t)
	fillStore(t, store, [][]uint64{{0, 1}, {2, 3}, {4, 5}, {6, 7}})

	merged, err := store.Compact(3)
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if merged == nil {
		t.Fatal("Compact returned no segment")
	}
	if merged.Records() != 6 {
		t.Errorf("merged records = %d, want 6", merged.Records())
	}
	if store.SegmentCount() != 2 {
		t.Errorf("SegmentCount after compact = %d, want 2", store.SegmentCount())
	}

	// Everything still resolvable.
	for seed := uint64(0); seed < 8; seed++ {
		rowIndex, ok, err := store.Lookup(testHash(seed))
		if err != nil || !ok || rowIndex != seed {
			t.Errorf("Lookup(%d) after compact = (%d, %v, %v)", seed, rowIndex, ok, err)
		}
	}
	if err := store.VerifyInvariants(); err != nil {
		t.Errorf("invariants violated after compact: %v", err)
	}
}

func TestStoreCompactAll(t *testing.T) {
	store, _ := newTestStore(t)
	fillStore(t, store, [][]uint64{{0}, {1}, {2}})

	merged, err := store.Compact(0)
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if merged == nil || store.SegmentCount() != 1 {
		t.Fatalf("compact-all left %d segments", store.SegmentCount())
	}
	if merged.Records() != 3 {
		t.Errorf("merged records = %d, want 3", merged.Records())
	}
}

func TestStoreCompactTooFewSegments(t *testing.T) {
	store, _ := newTestStore(t)
	fillStore(t, store, [][]uint64{{0}})

	merged, err := store.Compact(5)
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if merged != nil {
		t.Error("compact of a single segment should be a no-op")
	}
}

func TestStoreRewindRebuildsSegments(t *testing.T) {
	store, _ := newTestStore(t)
	fillStore(t, store, [][]uint64{{0, 1, 2, 3}, {4, 5, 6, 7}, {8, 9}})

	if err := store.Rewind(5); err != nil {
		t.Fatalf("Rewind failed: %v", err)
	}

	for seed := uint64(0); seed < 5; seed++ {
		rowIndex, ok, err := store.Lookup(testHash(seed))
		if err != nil || !ok || rowIndex != seed {
			t.Errorf("Lookup(%d) after rewind = (%d, %v, %v)", seed, rowIndex, ok, err)
		}
	}
	for seed := uint64(5); seed < 10; seed++ {
		if _, ok, _ := store.Lookup(testHash(seed)); ok {
			t.Errorf("row %d survived rewind", seed)
		}
	}

	// The all-dropped segment is gone entirely.
	if store.SegmentCount() != 2 {
		t.Errorf("SegmentCount after rewind = %d, want 2", store.SegmentCount())
	}
	if err := store.VerifyInvariants(); err != nil {
		t.Errorf("invariants violated after rewind: %v", err)
	}
}

func TestStoreVerifyDetectsCrossSegmentDuplicate(t *testing.T) {
	store, dir := newTestStore(t)
	fillStore(t, store, [][]uint64{{1, 2}})

	// Manufacture a duplicate in a newer generation.
	seg, err := CreateSegment(dir, 99, []Record{{Hash: testHash(1), RowIndex: 500}})
	if err != nil {
		t.Fatalf("CreateSegment failed: %v", err)
	}
	store.register(seg)

	if err := store.VerifyInvariants(); err == nil {
		t.Error("VerifyInvariants missed a cross-segment duplicate")
	}

	// Newest wins on lookup.
	rowIndex, ok, err := store.Lookup(testHash(1))
	if err != nil || !ok || rowIndex != 500 {
		t.Errorf("Lookup on duplicate = (%d, %v, %v), want newest (500)", rowIndex, ok, err)
	}
}
