package hashindex

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"coindb/pkg/logging"
)

// TestIndexProperties verifies the core invariants under generated workloads:
// every inserted pair stays resolvable, segments stay sorted and duplicate
// free through flushes and compactions, and rewind keeps exactly the rows
// below the boundary.
func TestIndexProperties(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping property-based test in short mode")
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20

	properties := gopter.NewProperties(parameters)

	properties.Property("inserted pairs remain resolvable", prop.ForAll(
		func(seeds []uint64, flushThreshold int) bool {
			idx := newPropertyTestIndex(t, flushThreshold)
			defer idx.Close()

			rows := make(map[uint64]uint64, len(seeds))
			for _, seed := range seeds {
				rowIndex := uint64(len(rows))
				if err := idx.Insert(testHash(seed), rowIndex); err != nil {
					// Duplicate seeds in the generated slice are rejected,
					// which is itself the contract.
					continue
				}
				rows[seed] = rowIndex
			}

			for seed, want := range rows {
				got, ok, err := idx.Lookup(testHash(seed))
				if err != nil || !ok || got != want {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt64()),
		gen.IntRange(1, 8),
	))

	properties.Property("segments stay sorted and unique after flush and compact", prop.ForAll(
		func(seeds []uint64) bool {
			idx := newPropertyTestIndex(t, 3)
			defer idx.Close()

			for i, seed := range seeds {
				_ = idx.Insert(testHash(seed), uint64(i))
			}
			if err := idx.Flush(); err != nil {
				return false
			}
			if _, err := idx.store.Compact(0); err != nil {
				return false
			}
			return idx.VerifyInvariants() == nil
		},
		gen.SliceOf(gen.UInt64()),
	))

	properties.Property("rewind keeps exactly the rows below the boundary", prop.ForAll(
		func(count uint8, boundary uint8) bool {
			idx := newPropertyTestIndex(t, 4)
			defer idx.Close()

			n := uint64(count)
			for i := uint64(0); i < n; i++ {
				if err := idx.Insert(testHash(i), i); err != nil {
					return false
				}
			}
			if err := idx.RewindTo(uint64(boundary)); err != nil {
				return false
			}

			for i := uint64(0); i < n; i++ {
				_, ok, err := idx.Lookup(testHash(i))
				if err != nil {
					return false
				}
				if want := i < uint64(boundary); ok != want {
					return false
				}
			}
			return idx.VerifyInvariants() == nil
		},
		gen.UInt8(),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}

func newPropertyTestIndex(t *testing.T, flushThreshold int) *HashIndex {
	t.Helper()
	opts := DefaultOptions(t.TempDir())
	opts.Logger = logging.Nop()
	opts.FlushThreshold = flushThreshold
	opts.CompactionThreshold = 100
	idx, err := Open(opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return idx
}
