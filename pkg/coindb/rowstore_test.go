package coindb

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestRowStore(t *testing.T) *CoinRowStore {
	t.Helper()
	rs, err := OpenCoinRowStore(filepath.Join(t.TempDir(), "coins.dat"))
	if err != nil {
		t.Fatalf("OpenCoinRowStore failed: %v", err)
	}
	t.Cleanup(func() { rs.Close() })
	return rs
}

func testRow(seed uint64) CoinRow {
	coin := Coin{Amount: seed}
	return CoinRow{
		Name:      coin.Name(),
		Parent:    int64(seed) - 10, // mix of coinbase and row parents
		Puzzle:    [32]byte{byte(seed)},
		Amount:    seed,
		Confirmed: seed / 4,
	}
}

func TestRowStoreAppendRead(t *testing.T) {
	rs := newTestRowStore(t)

	ids := make([]uint64, 0, 20)
	for seed := uint64(0); seed < 20; seed++ {
		id, err := rs.Append(testRow(seed))
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if id != seed+1 {
			t.Fatalf("Append id = %d, want %d", id, seed+1)
		}
		ids = append(ids, id)
	}
	if rs.Count() != 20 {
		t.Fatalf("Count = %d, want 20", rs.Count())
	}

	for seed, id := range ids {
		row, err := rs.Read(id)
		if err != nil {
			t.Fatalf("Read(%d) failed: %v", id, err)
		}
		if row != testRow(uint64(seed)) {
			t.Errorf("Read(%d) = %+v", id, row)
		}
	}
}

func TestRowStoreReadOutOfRange(t *testing.T) {
	rs := newTestRowStore(t)
	rs.Append(testRow(1))

	if _, err := rs.Read(0); !errors.Is(err, ErrUnknownCoin) {
		t.Errorf("Read(0) = %v, want ErrUnknownCoin", err)
	}
	if _, err := rs.Read(2); !errors.Is(err, ErrUnknownCoin) {
		t.Errorf("Read(2) = %v, want ErrUnknownCoin", err)
	}
}

func TestRowStoreMarkSpent(t *testing.T) {
	rs := newTestRowStore(t)
	id, _ := rs.Append(testRow(5))

	if err := rs.MarkSpent(id, 77); err != nil {
		t.Fatalf("MarkSpent failed: %v", err)
	}
	row, err := rs.Read(id)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if row.Spent != 77 {
		t.Errorf("Spent = %d, want 77", row.Spent)
	}
	// Everything else untouched.
	row.Spent = 0
	if row != testRow(5) {
		t.Errorf("MarkSpent corrupted the row: %+v", row)
	}
}

func TestRowStoreTruncateAfter(t *testing.T) {
	rs := newTestRowStore(t)
	for seed := uint64(0); seed < 10; seed++ {
		rs.Append(testRow(seed))
	}
	// Rows 1..3 spent in blocks 1..3, row 4 spent in block 9.
	for id := uint64(1); id <= 3; id++ {
		rs.MarkSpent(id, id)
	}
	rs.MarkSpent(4, 9)

	if err := rs.TruncateAfter(6, 3); err != nil {
		t.Fatalf("TruncateAfter failed: %v", err)
	}
	if rs.Count() != 6 {
		t.Fatalf("Count = %d, want 6", rs.Count())
	}
	// Spends at or below block 3 survive; the block-9 spend is cleared.
	for id := uint64(1); id <= 3; id++ {
		row, _ := rs.Read(id)
		if row.Spent != id {
			t.Errorf("row %d Spent = %d, want %d", id, row.Spent, id)
		}
	}
	row, _ := rs.Read(4)
	if row.Spent != 0 {
		t.Errorf("row 4 Spent = %d, want 0 after rewind", row.Spent)
	}
	if _, err := rs.Read(7); !errors.Is(err, ErrUnknownCoin) {
		t.Errorf("Read(7) after truncate = %v, want ErrUnknownCoin", err)
	}
}

func TestRowStoreReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coins.dat")

	rs, err := OpenCoinRowStore(path)
	if err != nil {
		t.Fatalf("OpenCoinRowStore failed: %v", err)
	}
	for seed := uint64(0); seed < 5; seed++ {
		rs.Append(testRow(seed))
	}
	if err := rs.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := OpenCoinRowStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	if reopened.Count() != 5 {
		t.Fatalf("Count after reopen = %d, want 5", reopened.Count())
	}
	row, err := reopened.Read(3)
	if err != nil || row != testRow(2) {
		t.Errorf("Read(3) after reopen = (%+v, %v)", row, err)
	}
}

func TestRowStoreRejectsPartialRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coins.dat")
	if err := os.WriteFile(path, make([]byte, coinRowSize+13), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := OpenCoinRowStore(path); err == nil {
		t.Error("OpenCoinRowStore accepted a file with a partial row")
	}
}
