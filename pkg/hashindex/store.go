package hashindex

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"coindb/pkg/logging"
)

// SegmentStore owns the ordered collection of on-disk segments. The segment
// set is held as an immutable slice (oldest first) swapped atomically, so
// in-flight lookups always see a consistent set; the mutex only guards the
// swap and generation assignment, never the I/O.
type SegmentStore struct {
	mu      sync.Mutex
	segs    atomic.Value // []*Segment, oldest first
	dir     string
	nextGen uint64
	log     logging.Logger
}

// OpenSegmentStore opens every segment in dir, ordered by generation.
// Leftover temp files from interrupted writes are removed: they were never
// registered, so they hold nothing the index promised to keep.
func OpenSegmentStore(dir string, log logging.Logger) (*SegmentStore, error) {
	if log == nil {
		log = logging.Nop()
	}

	matches, err := filepath.Glob(filepath.Join(dir, "segment-*.seg*"))
	if err != nil {
		return nil, opError("open", err)
	}

	type entry struct {
		path string
		gen  uint64
	}
	entries := make([]entry, 0, len(matches))
	for _, path := range matches {
		if strings.Contains(filepath.Base(path), ".tmp-") {
			log.Warn("removing orphaned segment temp file", logging.Path(path))
			_ = os.Remove(path)
			continue
		}
		gen, ok := parseSegmentGeneration(path)
		if !ok {
			continue
		}
		entries = append(entries, entry{path: path, gen: gen})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].gen < entries[j].gen })

	segs := make([]*Segment, 0, len(entries))
	nextGen := uint64(1)
	for _, e := range entries {
		seg, err := OpenSegment(e.path, e.gen)
		if err != nil {
			for _, s := range segs {
				_ = s.Close()
			}
			return nil, err
		}
		segs = append(segs, seg)
		if e.gen >= nextGen {
			nextGen = e.gen + 1
		}
	}

	store := &SegmentStore{
		dir:     dir,
		nextGen: nextGen,
		log:     log,
	}
	store.segs.Store(segs)
	return store, nil
}

// snapshot returns the current immutable segment set, oldest first
func (ss *SegmentStore) snapshot() []*Segment {
	return ss.segs.Load().([]*Segment)
}

// SegmentCount returns the number of registered segments
func (ss *SegmentStore) SegmentCount() int {
	return len(ss.snapshot())
}

// RecordCount returns the total records across all segments
func (ss *SegmentStore) RecordCount() int {
	total := 0
	for _, seg := range ss.snapshot() {
		total += seg.Records()
	}
	return total
}

// Flush drains the buffer into a new segment at the next generation and
// registers it as the newest. The drained records stay visible through the
// buffer's drain set for the whole write, so concurrent lookups never hit a
// window where a record is in neither the buffer nor a registered segment.
// If segment creation fails, the drain is aborted and the records return to
// the buffer.
func (ss *SegmentStore) Flush(buf *WriteBuffer) (*Segment, error) {
	records := buf.BeginDrain()
	if len(records) == 0 {
		buf.EndDrain()
		return nil, nil
	}

	ss.mu.Lock()
	gen := ss.nextGen
	ss.nextGen++
	ss.mu.Unlock()

	seg, err := CreateSegment(ss.dir, gen, records)
	if err != nil {
		buf.AbortDrain()
		return nil, err
	}

	ss.register(seg)
	buf.EndDrain()
	ss.log.Debug("flushed buffer to segment",
		logging.Generation(gen), logging.Records(len(records)))
	return seg, nil
}

// register appends seg as the newest segment
func (ss *SegmentStore) register(seg *Segment) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	cur := ss.snapshot()
	next := make([]*Segment, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, seg)
	ss.segs.Store(next)
}

// Lookup searches the segments from newest to oldest, returning the first
// hit. First hit is correct because hashes are unique; were a duplicate
// ever present, newest-wins is the designed tie-break.
func (ss *SegmentStore) Lookup(h Hash) (uint64, bool, error) {
	segs := ss.snapshot()
	for i := len(segs) - 1; i >= 0; i-- {
		rowIndex, ok, err := segs[i].Lookup(h)
		if err != nil {
			return 0, false, err
		}
		if ok {
			return rowIndex, true, nil
		}
	}
	return 0, false, nil
}

// Compact merges the oldest n segments (all of them when n <= 0 or n
// exceeds the segment count) into a single segment and atomically replaces
// them. The merged output is fully durable before the inputs are removed.
func (ss *SegmentStore) Compact(n int) (*Segment, error) {
	inputs := ss.snapshot()
	if n > 0 && n < len(inputs) {
		inputs = inputs[:n]
	}
	if len(inputs) < 2 {
		return nil, nil
	}

	ss.mu.Lock()
	gen := ss.nextGen
	ss.nextGen++
	ss.mu.Unlock()

	merged, err := CreateSegmentFromIterator(ss.dir, gen, NewMergeIterator(inputs))
	if err != nil {
		return nil, err
	}

	// Swap: the merged segment takes the inputs' place at the old end of
	// the order, keeping every younger segment newer than it.
	ss.mu.Lock()
	cur := ss.snapshot()
	next := make([]*Segment, 0, len(cur)-len(inputs)+1)
	next = append(next, merged)
	for _, seg := range cur {
		if !containsSegment(inputs, seg) {
			next = append(next, seg)
		}
	}
	ss.segs.Store(next)
	ss.mu.Unlock()

	for _, seg := range inputs {
		if err := seg.Delete(); err != nil {
			return merged, err
		}
	}

	ss.log.Info("compacted segments",
		logging.Int("inputs", len(inputs)),
		logging.Generation(gen),
		logging.Records(merged.Records()))
	return merged, nil
}

// Rewind rebuilds every segment containing a record at or above the row
// index boundary, via a one-input filtering merge. Segments left empty by
// the filter are dropped.
func (ss *SegmentStore) Rewind(boundary uint64) error {
	for _, seg := range ss.snapshot() {
		keep, drop, err := countAroundBoundary(seg, boundary)
		if err != nil {
			return err
		}
		if drop == 0 {
			continue
		}

		if keep == 0 {
			ss.unregister(seg)
			if err := seg.Delete(); err != nil {
				return err
			}
			continue
		}

		// The rebuilt file replaces the original in place via rename,
		// keeping the same generation.
		rebuilt, err := CreateSegmentFromIterator(ss.dir, seg.Generation(),
			newFilterIterator(seg.Iterator(), boundary))
		if err != nil {
			return err
		}

		ss.replace(seg, rebuilt)
		// The original's file was renamed over; only the mapping remains.
		if err := seg.Close(); err != nil {
			return segmentError("rewind", seg.Path(), seg.Generation(), err)
		}
		ss.log.Debug("rebuilt segment for rewind",
			logging.Generation(seg.Generation()),
			logging.Records(rebuilt.Records()))
	}
	return nil
}

// countAroundBoundary scans a segment counting records below and at-or-above
// the row index boundary
func countAroundBoundary(seg *Segment, boundary uint64) (keep, drop int, err error) {
	it := seg.Iterator()
	for {
		rec, ok := it.Next()
		if !ok {
			break
		}
		if rec.RowIndex >= boundary {
			drop++
		} else {
			keep++
		}
	}
	return keep, drop, it.Err()
}

// unregister removes seg from the segment set
func (ss *SegmentStore) unregister(seg *Segment) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	cur := ss.snapshot()
	next := make([]*Segment, 0, len(cur))
	for _, s := range cur {
		if s != seg {
			next = append(next, s)
		}
	}
	ss.segs.Store(next)
}

// replace swaps old for repl in the segment set, preserving order
func (ss *SegmentStore) replace(old, repl *Segment) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	cur := ss.snapshot()
	next := make([]*Segment, len(cur))
	for i, s := range cur {
		if s == old {
			next[i] = repl
		} else {
			next[i] = s
		}
	}
	ss.segs.Store(next)
}

// VerifyInvariants re-scans every segment, checking the sort invariant and
// that no hash appears twice across the whole store. Used by tests and the
// benchmark harness's consistency pass.
func (ss *SegmentStore) VerifyInvariants() error {
	seen := make(map[Hash]struct{}, ss.RecordCount())
	for _, seg := range ss.snapshot() {
		it := seg.Iterator()
		for {
			rec, ok := it.Next()
			if !ok {
				break
			}
			if _, dup := seen[rec.Hash]; dup {
				return segmentError("verify", seg.Path(), seg.Generation(),
					fmt.Errorf("%w: hash %s present in more than one segment",
						ErrCorruptSegment, rec.Hash))
			}
			seen[rec.Hash] = struct{}{}
		}
		if err := it.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every registered segment
func (ss *SegmentStore) Close() error {
	var firstErr error
	for _, seg := range ss.snapshot() {
		if err := seg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func containsSegment(segs []*Segment, target *Segment) bool {
	for _, s := range segs {
		if s == target {
			return true
		}
	}
	return false
}
