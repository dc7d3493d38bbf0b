package coindb

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

// CoinRowStore is a flat file of fixed-width coin rows addressed by 1-based
// row index. Rows are append-only except for the spent field, which is
// patched in place when the coin is spent, and truncation during rewind.
type CoinRowStore struct {
	mu    sync.Mutex
	file  *os.File
	path  string
	count uint64
}

// OpenCoinRowStore opens or creates the row file at path
func OpenCoinRowStore(path string) (*CoinRowStore, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, schemaError("open", 0, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, schemaError("open", 0, err)
	}
	if info.Size()%coinRowSize != 0 {
		file.Close()
		return nil, schemaError("open", 0,
			fmt.Errorf("row file %s has partial row: %d bytes", path, info.Size()))
	}
	return &CoinRowStore{
		file:  file,
		path:  path,
		count: uint64(info.Size()) / coinRowSize,
	}, nil
}

// Count returns the number of stored rows
func (rs *CoinRowStore) Count() uint64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.count
}

// Append writes row at the end of the file and returns its 1-based index
func (rs *CoinRowStore) Append(row CoinRow) (uint64, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	buf := make([]byte, coinRowSize)
	encodeCoinRow(row, buf)
	if _, err := rs.file.WriteAt(buf, int64(rs.count)*coinRowSize); err != nil {
		return 0, schemaError("append", 0, err)
	}
	rs.count++
	return rs.count, nil
}

// Read returns the row at the given 1-based index
func (rs *CoinRowStore) Read(id uint64) (CoinRow, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.readLocked(id)
}

func (rs *CoinRowStore) readLocked(id uint64) (CoinRow, error) {
	if id == 0 || id > rs.count {
		return CoinRow{}, schemaError("read", 0,
			fmt.Errorf("%w: row %d of %d", ErrUnknownCoin, id, rs.count))
	}
	buf := make([]byte, coinRowSize)
	if _, err := rs.file.ReadAt(buf, int64(id-1)*coinRowSize); err != nil {
		return CoinRow{}, schemaError("read", 0, err)
	}
	return decodeCoinRow(buf), nil
}

// MarkSpent patches the spent field of row id to blockIndex
func (rs *CoinRowStore) MarkSpent(id uint64, blockIndex uint64) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if id == 0 || id > rs.count {
		return schemaError("spend", blockIndex,
			fmt.Errorf("%w: row %d of %d", ErrUnknownCoin, id, rs.count))
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], blockIndex)
	_, err := rs.file.WriteAt(buf[:], int64(id-1)*coinRowSize+rowOffSpent)
	return schemaError("spend", blockIndex, err)
}

// TruncateAfter drops every row above lastID and clears spent marks made by
// blocks above blockIndex on the surviving rows
func (rs *CoinRowStore) TruncateAfter(lastID uint64, blockIndex uint64) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if lastID < rs.count {
		if err := rs.file.Truncate(int64(lastID) * coinRowSize); err != nil {
			return schemaError("rewind", blockIndex, err)
		}
		rs.count = lastID
	}

	var zero [8]byte
	for id := uint64(1); id <= rs.count; id++ {
		row, err := rs.readLocked(id)
		if err != nil {
			return err
		}
		if row.Spent > blockIndex {
			if _, err := rs.file.WriteAt(zero[:], int64(id-1)*coinRowSize+rowOffSpent); err != nil {
				return schemaError("rewind", blockIndex, err)
			}
		}
	}
	return nil
}

// Sync flushes the file to stable storage
func (rs *CoinRowStore) Sync() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return schemaError("sync", 0, rs.file.Sync())
}

// Close syncs and closes the row file
func (rs *CoinRowStore) Close() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if err := rs.file.Sync(); err != nil && err != io.EOF {
		rs.file.Close()
		return schemaError("close", 0, err)
	}
	return schemaError("close", 0, rs.file.Close())
}
