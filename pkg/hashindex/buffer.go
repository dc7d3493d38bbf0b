package hashindex

import (
	"sort"
	"sync"
)

// WriteBuffer is the in-memory staging area for records that have not yet
// been persisted to a segment. Insertion order is arbitrary; entries only
// leave through a BeginDrain/EndDrain flush cycle or TruncateFrom (rewind).
//
// Draining is two-phase so concurrent lookups never see a gap: BeginDrain
// moves the entries to a drain set that Get still consults, and EndDrain
// discards that set only once the caller has published the segment.
type WriteBuffer struct {
	mu       sync.RWMutex
	entries  map[Hash]uint64
	draining map[Hash]uint64
}

// NewWriteBuffer creates an empty write buffer
func NewWriteBuffer() *WriteBuffer {
	return &WriteBuffer{
		entries: make(map[Hash]uint64),
	}
}

// Insert adds a record. Fails with ErrDuplicateKey if the hash is already
// buffered; it never silently overwrites.
func (wb *WriteBuffer) Insert(h Hash, rowIndex uint64) error {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	if _, exists := wb.entries[h]; exists {
		return ErrDuplicateKey
	}
	if _, exists := wb.draining[h]; exists {
		return ErrDuplicateKey
	}
	wb.entries[h] = rowIndex
	return nil
}

// Get returns the row index buffered for h, including entries of an
// in-flight drain.
func (wb *WriteBuffer) Get(h Hash) (uint64, bool) {
	wb.mu.RLock()
	defer wb.mu.RUnlock()

	if rowIndex, ok := wb.entries[h]; ok {
		return rowIndex, true
	}
	rowIndex, ok := wb.draining[h]
	return rowIndex, ok
}

// Len returns the number of buffered entries, drain set included
func (wb *WriteBuffer) Len() int {
	wb.mu.RLock()
	defer wb.mu.RUnlock()
	return len(wb.entries) + len(wb.draining)
}

// BeginDrain moves all entries into the drain set and returns them sorted
// ascending by hash. The drained records stay visible to Get until EndDrain;
// the caller finishes the cycle with EndDrain on success or AbortDrain when
// the segment write failed. At most one drain may be in flight.
func (wb *WriteBuffer) BeginDrain() []Record {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	records := make([]Record, 0, len(wb.entries))
	for h, rowIndex := range wb.entries {
		records = append(records, Record{Hash: h, RowIndex: rowIndex})
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Hash.Less(records[j].Hash)
	})

	wb.draining = wb.entries
	wb.entries = make(map[Hash]uint64)
	return records
}

// EndDrain discards the drain set. Called once the segment holding those
// records is registered and lookups can resolve them from disk.
func (wb *WriteBuffer) EndDrain() {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	wb.draining = nil
}

// AbortDrain puts the drain set back into the buffer after a failed flush
func (wb *WriteBuffer) AbortDrain() {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	for h, rowIndex := range wb.draining {
		wb.entries[h] = rowIndex
	}
	wb.draining = nil
}

// TruncateFrom discards every entry with rowIndex >= boundary and returns
// the number of entries removed. Used by rewind.
func (wb *WriteBuffer) TruncateFrom(boundary uint64) int {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	removed := 0
	for h, rowIndex := range wb.entries {
		if rowIndex >= boundary {
			delete(wb.entries, h)
			removed++
		}
	}
	return removed
}

// Snapshot returns a copy of the buffered records in unspecified order.
// Used to rewrite the WAL after a rewind.
func (wb *WriteBuffer) Snapshot() []Record {
	wb.mu.RLock()
	defer wb.mu.RUnlock()

	records := make([]Record, 0, len(wb.entries))
	for h, rowIndex := range wb.entries {
		records = append(records, Record{Hash: h, RowIndex: rowIndex})
	}
	return records
}
