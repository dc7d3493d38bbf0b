package hashindex

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"

	"coindb/pkg/logging"
	"coindb/pkg/metrics"
	"coindb/pkg/validation"
)

// HashSize is the width of a coin name in bytes
const HashSize = 32

// RecordSize is the on-disk width of one (hash, row index) record:
// 32-byte hash followed by a big-endian uint64 row index.
const RecordSize = HashSize + 8

// Hash is a 32-byte content-addressed coin identifier
type Hash [HashSize]byte

// HashFromBytes copies b into a Hash. b must be exactly HashSize bytes.
func HashFromBytes(b []byte) (Hash, bool) {
	var h Hash
	if len(b) != HashSize {
		return h, false
	}
	copy(h[:], b)
	return h, true
}

// String returns the hex representation of the hash
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Compare returns -1, 0 or 1 ordering hashes lexicographically by bytes
func (h Hash) Compare(other Hash) int {
	return bytes.Compare(h[:], other[:])
}

// Less reports whether h sorts before other
func (h Hash) Less(other Hash) bool {
	return h.Compare(other) < 0
}

// Record is one hash index entry: a coin name and the row index of the coin
// payload in the externally owned row store.
type Record struct {
	Hash     Hash
	RowIndex uint64
}

// encode writes the record into buf, which must hold RecordSize bytes
func (r Record) encode(buf []byte) {
	copy(buf[:HashSize], r.Hash[:])
	binary.BigEndian.PutUint64(buf[HashSize:RecordSize], r.RowIndex)
}

// decodeRecord reads a record from buf, which must hold RecordSize bytes
func decodeRecord(buf []byte) Record {
	var r Record
	copy(r.Hash[:], buf[:HashSize])
	r.RowIndex = binary.BigEndian.Uint64(buf[HashSize:RecordSize])
	return r
}

// RecordIterator yields records in ascending hash order. Next returns false
// when the sequence is exhausted or after an error; Err reports any error
// encountered while iterating.
type RecordIterator interface {
	Next() (Record, bool)
	Err() error
}

// Options configures a HashIndex
type Options struct {
	// Dir is the directory holding segment files (and the WAL, if enabled)
	Dir string

	// FlushThreshold is the buffer entry count that forces a segment flush
	FlushThreshold int

	// CompactionThreshold is the segment count above which the oldest
	// CompactionThreshold segments are merged into one
	CompactionThreshold int

	// CacheSize bounds the lookup LRU cache; 0 disables the cache
	CacheSize int

	// VerifyDuplicates extends insert-time duplicate detection from the
	// write buffer to the whole index (one lookup per insert). Off by
	// default: segment hashes are unique under normal replay and the
	// extra lookup costs throughput.
	VerifyDuplicates bool

	// EnableWAL makes buffered inserts durable across process restarts.
	// Off by default: the benchmarked design accepts losing the
	// not-yet-flushed buffer on crash.
	EnableWAL bool

	Logger  logging.Logger
	Metrics *metrics.Registry
}

// DefaultOptions returns the configuration used by the benchmark harness
func DefaultOptions(dir string) Options {
	return Options{
		Dir:                 dir,
		FlushThreshold:      50000,
		CompactionThreshold: 10,
		CacheSize:           65536,
	}
}

// Validate checks the options
func (o Options) Validate() error {
	return validation.NewConfigValidator("hashindex.Options").
		Required("Dir", o.Dir).
		Positive("FlushThreshold", o.FlushThreshold).
		MinInt("CompactionThreshold", o.CompactionThreshold, 2).
		NonNegative("CacheSize", o.CacheSize).
		Validate()
}
