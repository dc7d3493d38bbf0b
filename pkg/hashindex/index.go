package hashindex

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"coindb/pkg/logging"
	"coindb/pkg/metrics"
	"coindb/pkg/wal"
)

// index states
const (
	stateAccepting int32 = iota
	stateRewinding
)

// HashIndex maps 32-byte coin names to row indices in an externally owned
// coin row store. Writes stage in a bounded in-memory buffer that flushes
// to immutable sorted segments; segments are folded together once their
// count crosses the compaction threshold. Lookups consult the buffer, then
// the segments newest-first.
//
// Single writer; lookups may run concurrently with each other and with a
// flush or compaction, because the segment set is swapped as an immutable
// snapshot and a flushing buffer keeps its records visible until the new
// segment is registered. Rewind is the exception: lookups fail with
// ErrRewindInProgress until the rebuild completes.
type HashIndex struct {
	opts   Options
	mu     sync.Mutex // serializes insert/flush/rewind/close
	buffer *WriteBuffer
	store  *SegmentStore
	cache  *lru.Cache[Hash, uint64]
	wal    *wal.Log

	// checkpoints maps a block index to the row-index high-water mark at
	// the time that block was accepted. Consulted only on rewind.
	checkpoints    map[uint64]uint64
	lastCheckpoint uint64

	state  atomic.Int32
	closed atomic.Bool

	log logging.Logger
	met *metrics.Registry
}

// Open opens (or creates) a hash index in opts.Dir
func Open(opts Options) (*HashIndex, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	log := opts.Logger.With(logging.Component("hashindex"))

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, opError("open", err)
	}

	store, err := OpenSegmentStore(opts.Dir, log)
	if err != nil {
		return nil, err
	}

	idx := &HashIndex{
		opts:        opts,
		buffer:      NewWriteBuffer(),
		store:       store,
		checkpoints: make(map[uint64]uint64),
		log:         log,
		met:         opts.Metrics,
	}

	if opts.CacheSize > 0 {
		cache, err := lru.New[Hash, uint64](opts.CacheSize)
		if err != nil {
			_ = store.Close()
			return nil, opError("open", err)
		}
		idx.cache = cache
	}

	if opts.EnableWAL {
		walLog, err := wal.Open(filepath.Join(opts.Dir, "buffer.wal"))
		if err != nil {
			_ = store.Close()
			return nil, opError("open", err)
		}
		idx.wal = walLog

		// Recover inserts that never reached a segment. A crash between
		// segment registration and the WAL reset leaves flushed records in
		// the log, so anything already resolvable from a segment is skipped
		// rather than re-buffered as a duplicate.
		err = walLog.Replay(func(data []byte) error {
			if len(data) != RecordSize {
				return nil // torn or foreign payload, skip
			}
			rec := decodeRecord(data)
			if _, ok, err := store.Lookup(rec.Hash); err != nil {
				return err
			} else if ok {
				return nil
			}
			if err := idx.buffer.Insert(rec.Hash, rec.RowIndex); err != nil {
				// Already buffered: a WAL rewrite raced a crash. Harmless.
				return nil
			}
			return nil
		})
		if err != nil {
			_ = store.Close()
			_ = walLog.Close()
			return nil, opError("open", err)
		}
		if idx.buffer.Len() > 0 {
			log.Info("recovered buffered inserts from WAL",
				logging.Records(idx.buffer.Len()))
		}
	}

	idx.met.IndexSegments.Set(float64(store.SegmentCount()))
	idx.met.IndexBufferEntries.Set(float64(idx.buffer.Len()))
	log.Info("opened hash index",
		logging.Int("segments", store.SegmentCount()),
		logging.Records(store.RecordCount()))
	return idx, nil
}

// Insert adds a (hash, row index) pair. The buffer is flushed synchronously
// before returning if it has reached the flush threshold, so callers never
// observe an over-threshold buffer.
func (idx *HashIndex) Insert(h Hash, rowIndex uint64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed.Load() {
		return ErrIndexClosed
	}

	if _, exists := idx.buffer.Get(h); exists {
		return opError("insert", fmt.Errorf("%w: %s", ErrDuplicateKey, h))
	}
	if idx.opts.VerifyDuplicates {
		if _, ok, err := idx.store.Lookup(h); err != nil {
			return err
		} else if ok {
			return opError("insert", fmt.Errorf("%w: %s", ErrDuplicateKey, h))
		}
	}

	if idx.wal != nil {
		buf := make([]byte, RecordSize)
		Record{Hash: h, RowIndex: rowIndex}.encode(buf)
		if err := idx.wal.Append(buf); err != nil {
			return opError("insert", err)
		}
	}

	if err := idx.buffer.Insert(h, rowIndex); err != nil {
		return opError("insert", err)
	}
	idx.met.IndexInsertsTotal.Inc()
	idx.met.IndexBufferEntries.Set(float64(idx.buffer.Len()))

	if idx.buffer.Len() >= idx.opts.FlushThreshold {
		return idx.flushLocked()
	}
	return nil
}

// Lookup returns the row index recorded for h. Safe to call concurrently
// with inserts and flushes; fails with ErrRewindInProgress while a rewind
// is rebuilding segments, because the set is not consistent mid-rewind.
func (idx *HashIndex) Lookup(h Hash) (uint64, bool, error) {
	if idx.closed.Load() {
		return 0, false, ErrIndexClosed
	}
	if idx.state.Load() == stateRewinding {
		return 0, false, opError("lookup", ErrRewindInProgress)
	}
	start := time.Now()

	if idx.cache != nil {
		if rowIndex, ok := idx.cache.Get(h); ok {
			idx.met.RecordLookup(true, time.Since(start))
			return rowIndex, true, nil
		}
	}

	if rowIndex, ok := idx.buffer.Get(h); ok {
		idx.met.RecordLookup(true, time.Since(start))
		return rowIndex, true, nil
	}

	rowIndex, ok, err := idx.store.Lookup(h)
	if err != nil {
		return 0, false, err
	}
	if ok && idx.cache != nil {
		idx.cache.Add(h, rowIndex)
	}
	idx.met.RecordLookup(ok, time.Since(start))
	return rowIndex, ok, nil
}

// LookupBatch resolves many hashes at once. Hashes not present in the index
// are absent from the result. The pending set is sorted by hash before the
// segment scans to improve locality.
func (idx *HashIndex) LookupBatch(hashes []Hash) (map[Hash]uint64, error) {
	if idx.closed.Load() {
		return nil, ErrIndexClosed
	}
	if idx.state.Load() == stateRewinding {
		return nil, opError("lookup", ErrRewindInProgress)
	}

	found := make(map[Hash]uint64, len(hashes))
	pending := make([]Hash, 0, len(hashes))
	for _, h := range hashes {
		if _, dup := found[h]; dup {
			continue
		}
		if idx.cache != nil {
			if rowIndex, ok := idx.cache.Get(h); ok {
				found[h] = rowIndex
				continue
			}
		}
		if rowIndex, ok := idx.buffer.Get(h); ok {
			found[h] = rowIndex
			continue
		}
		pending = append(pending, h)
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].Less(pending[j]) })

	segs := idx.store.snapshot()
	for i := len(segs) - 1; i >= 0 && len(pending) > 0; i-- {
		remaining := pending[:0]
		for _, h := range pending {
			rowIndex, ok, err := segs[i].Lookup(h)
			if err != nil {
				return nil, err
			}
			if ok {
				found[h] = rowIndex
				if idx.cache != nil {
					idx.cache.Add(h, rowIndex)
				}
			} else {
				remaining = append(remaining, h)
			}
		}
		pending = remaining
	}

	return found, nil
}

// Flush forces a buffer flush regardless of the threshold. Used at shutdown
// and at caller-defined durability checkpoints.
func (idx *HashIndex) Flush() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed.Load() {
		return ErrIndexClosed
	}
	return idx.flushLocked()
}

func (idx *HashIndex) flushLocked() error {
	start := time.Now()
	seg, err := idx.store.Flush(idx.buffer)
	if err != nil {
		return err
	}
	if seg == nil {
		return nil
	}

	if idx.wal != nil {
		if err := idx.wal.Reset(); err != nil {
			return opError("flush", err)
		}
	}

	idx.met.IndexFlushesTotal.Inc()
	idx.met.IndexBufferEntries.Set(0)
	idx.met.IndexSegments.Set(float64(idx.store.SegmentCount()))
	idx.met.RecordOperation("flush", time.Since(start))

	if idx.store.SegmentCount() > idx.opts.CompactionThreshold {
		return idx.compactLocked()
	}
	return nil
}

func (idx *HashIndex) compactLocked() error {
	start := time.Now()
	merged, err := idx.store.Compact(idx.opts.CompactionThreshold)
	if err != nil {
		return err
	}
	if merged == nil {
		return nil
	}
	idx.met.IndexCompactionsTotal.Inc()
	idx.met.IndexSegments.Set(float64(idx.store.SegmentCount()))
	idx.met.RecordOperation("compact", time.Since(start))
	return nil
}

// MarkBlock records the row-index high-water mark in effect when blockIndex
// was accepted. Rewinds resolve their boundary through these checkpoints.
func (idx *HashIndex) MarkBlock(blockIndex, rowHighWater uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.checkpoints[blockIndex] = rowHighWater
	if blockIndex > idx.lastCheckpoint {
		idx.lastCheckpoint = blockIndex
	}
}

// RewindToBlock rewinds the index to the state recorded for blockIndex.
// Fails with ErrRewindInconsistency if no checkpoint was recorded for it.
func (idx *HashIndex) RewindToBlock(blockIndex uint64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed.Load() {
		return ErrIndexClosed
	}

	boundary, ok := idx.checkpoints[blockIndex]
	if !ok {
		return opError("rewind", fmt.Errorf("%w: block %d", ErrRewindInconsistency, blockIndex))
	}
	if err := idx.rewindLocked(boundary); err != nil {
		return err
	}

	for bi := range idx.checkpoints {
		if bi > blockIndex {
			delete(idx.checkpoints, bi)
		}
	}
	idx.lastCheckpoint = blockIndex
	return nil
}

// RewindTo discards every record with rowIndex >= boundary
func (idx *HashIndex) RewindTo(boundary uint64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed.Load() {
		return ErrIndexClosed
	}
	return idx.rewindLocked(boundary)
}

func (idx *HashIndex) rewindLocked(boundary uint64) error {
	idx.state.Store(stateRewinding)
	defer idx.state.Store(stateAccepting)
	start := time.Now()

	dropped := idx.buffer.TruncateFrom(boundary)
	if err := idx.store.Rewind(boundary); err != nil {
		return err
	}

	if idx.cache != nil {
		idx.cache.Purge()
	}

	if idx.wal != nil {
		// Rewrite the WAL so a restart does not resurrect rewound rows.
		if err := idx.wal.Reset(); err != nil {
			return opError("rewind", err)
		}
		buf := make([]byte, RecordSize)
		for _, rec := range idx.buffer.Snapshot() {
			rec.encode(buf)
			if err := idx.wal.Append(buf); err != nil {
				return opError("rewind", err)
			}
		}
	}

	idx.met.IndexRewindsTotal.Inc()
	idx.met.IndexBufferEntries.Set(float64(idx.buffer.Len()))
	idx.met.IndexSegments.Set(float64(idx.store.SegmentCount()))
	idx.met.RecordOperation("rewind", time.Since(start))

	idx.log.Info("rewound index",
		logging.Uint64("boundary", boundary),
		logging.Int("buffer_dropped", dropped),
		logging.Latency(time.Since(start)))
	return nil
}

// BufferLen returns the current write buffer cardinality
func (idx *HashIndex) BufferLen() int {
	return idx.buffer.Len()
}

// SegmentCount returns the number of on-disk segments
func (idx *HashIndex) SegmentCount() int {
	return idx.store.SegmentCount()
}

// RecordCount returns the number of persisted records (excluding the buffer)
func (idx *HashIndex) RecordCount() int {
	return idx.store.RecordCount()
}

// VerifyInvariants re-checks the sort and uniqueness invariants across all
// segments
func (idx *HashIndex) VerifyInvariants() error {
	return idx.store.VerifyInvariants()
}

// Close flushes the buffer and releases all resources
func (idx *HashIndex) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed.Load() {
		return nil
	}

	if err := idx.flushLocked(); err != nil {
		return err
	}
	idx.closed.Store(true)

	if idx.wal != nil {
		if err := idx.wal.Close(); err != nil {
			return opError("close", err)
		}
	}
	return idx.store.Close()
}
