package coindb

import (
	"encoding/binary"
	"fmt"
)

// CoinRow is the stored form of a confirmed coin. Parent is a row index:
// positive values point at the parent's row, zero and negative values encode
// a synthetic coinbase parent (see CoinbaseIndex).
type CoinRow struct {
	Name      CoinName
	Parent    int64
	Puzzle    [32]byte
	Amount    uint64
	Confirmed uint64
	Spent     uint64
}

// Fixed row layout: name 32 | parent 8 | puzzle 32 | amount 8 |
// confirmed 8 | spent 8, all big-endian.
const coinRowSize = 96

const (
	rowOffParent    = 32
	rowOffPuzzle    = 40
	rowOffAmount    = 72
	rowOffConfirmed = 80
	rowOffSpent     = 88
)

func encodeCoinRow(row CoinRow, buf []byte) {
	_ = buf[coinRowSize-1]
	copy(buf[:32], row.Name[:])
	binary.BigEndian.PutUint64(buf[rowOffParent:], uint64(row.Parent))
	copy(buf[rowOffPuzzle:rowOffPuzzle+32], row.Puzzle[:])
	binary.BigEndian.PutUint64(buf[rowOffAmount:], row.Amount)
	binary.BigEndian.PutUint64(buf[rowOffConfirmed:], row.Confirmed)
	binary.BigEndian.PutUint64(buf[rowOffSpent:], row.Spent)
}

func decodeCoinRow(buf []byte) CoinRow {
	var row CoinRow
	copy(row.Name[:], buf[:32])
	row.Parent = int64(binary.BigEndian.Uint64(buf[rowOffParent:]))
	copy(row.Puzzle[:], buf[rowOffPuzzle:rowOffPuzzle+32])
	row.Amount = binary.BigEndian.Uint64(buf[rowOffAmount:])
	row.Confirmed = binary.BigEndian.Uint64(buf[rowOffConfirmed:])
	row.Spent = binary.BigEndian.Uint64(buf[rowOffSpent:])
	return row
}

// blockEntry is a block's stored form: the row indices of the coins it
// spent and confirmed. Names and coin values are reconstructed from the
// rows on read.
type blockEntry struct {
	Index      uint64
	Timestamp  uint64
	SpendIDs   []int64
	ConfirmIDs []uint64
}

// Entry layout: index 8 | timestamp 8 | spendCount 4 | confirmCount 4 |
// spend ids | confirm ids.
const blockEntryHeaderSize = 24

func encodeBlockEntry(e blockEntry) []byte {
	buf := make([]byte, blockEntryHeaderSize+8*len(e.SpendIDs)+8*len(e.ConfirmIDs))
	binary.BigEndian.PutUint64(buf[0:], e.Index)
	binary.BigEndian.PutUint64(buf[8:], e.Timestamp)
	binary.BigEndian.PutUint32(buf[16:], uint32(len(e.SpendIDs)))
	binary.BigEndian.PutUint32(buf[20:], uint32(len(e.ConfirmIDs)))
	off := blockEntryHeaderSize
	for _, id := range e.SpendIDs {
		binary.BigEndian.PutUint64(buf[off:], uint64(id))
		off += 8
	}
	for _, id := range e.ConfirmIDs {
		binary.BigEndian.PutUint64(buf[off:], id)
		off += 8
	}
	return buf
}

func decodeBlockEntry(buf []byte) (blockEntry, error) {
	var e blockEntry
	if len(buf) < blockEntryHeaderSize {
		return e, fmt.Errorf("block entry truncated: %d bytes", len(buf))
	}
	e.Index = binary.BigEndian.Uint64(buf[0:])
	e.Timestamp = binary.BigEndian.Uint64(buf[8:])
	spendCount := binary.BigEndian.Uint32(buf[16:])
	confirmCount := binary.BigEndian.Uint32(buf[20:])
	want := blockEntryHeaderSize + 8*int(spendCount) + 8*int(confirmCount)
	if len(buf) < want {
		return e, fmt.Errorf("block entry truncated: %d bytes, want %d", len(buf), want)
	}
	off := blockEntryHeaderSize
	e.SpendIDs = make([]int64, spendCount)
	for i := range e.SpendIDs {
		e.SpendIDs[i] = int64(binary.BigEndian.Uint64(buf[off:]))
		off += 8
	}
	e.ConfirmIDs = make([]uint64, confirmCount)
	for i := range e.ConfirmIDs {
		e.ConfirmIDs[i] = binary.BigEndian.Uint64(buf[off:])
		off += 8
	}
	return e, nil
}
