package coindb

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

// BlockLog is an append-only file of block entries, each a length-prefixed
// encodeBlockEntry payload. An in-memory offset table, rebuilt on open,
// resolves block indices to file positions for random access and rewind.
type BlockLog struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	size    int64
	offsets map[uint64]int64 // block index -> entry offset
	order   []uint64         // block indices in append order
}

// OpenBlockLog opens or creates the block log at path and scans it to
// rebuild the offset table
func OpenBlockLog(path string) (*BlockLog, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, schemaError("open", 0, err)
	}
	bl := &BlockLog{
		file:    file,
		path:    path,
		offsets: make(map[uint64]int64),
	}
	if err := bl.scan(); err != nil {
		file.Close()
		return nil, err
	}
	return bl, nil
}

func (bl *BlockLog) scan() error {
	info, err := bl.file.Stat()
	if err != nil {
		return schemaError("open", 0, err)
	}
	end := info.Size()

	var lenBuf [4]byte
	offset := int64(0)
	for offset < end {
		if _, err := bl.file.ReadAt(lenBuf[:], offset); err != nil {
			return schemaError("open", 0, err)
		}
		entryLen := int64(binary.BigEndian.Uint32(lenBuf[:]))
		if offset+4+entryLen > end {
			return schemaError("open", 0,
				fmt.Errorf("block log %s truncated at offset %d", bl.path, offset))
		}
		var idxBuf [8]byte
		if _, err := bl.file.ReadAt(idxBuf[:], offset+4); err != nil {
			return schemaError("open", 0, err)
		}
		blockIndex := binary.BigEndian.Uint64(idxBuf[:])
		bl.offsets[blockIndex] = offset
		bl.order = append(bl.order, blockIndex)
		offset += 4 + entryLen
	}
	bl.size = offset
	return nil
}

// Append stores one block entry at the end of the log
func (bl *BlockLog) Append(e blockEntry) error {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	payload := encodeBlockEntry(e)
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)

	if _, err := bl.file.WriteAt(buf, bl.size); err != nil {
		return schemaError("append", e.Index, err)
	}
	bl.offsets[e.Index] = bl.size
	bl.order = append(bl.order, e.Index)
	bl.size += int64(len(buf))
	return nil
}

// Entry returns the stored entry for blockIndex
func (bl *BlockLog) Entry(blockIndex uint64) (blockEntry, error) {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	return bl.entryLocked(blockIndex)
}

func (bl *BlockLog) entryLocked(blockIndex uint64) (blockEntry, error) {
	offset, ok := bl.offsets[blockIndex]
	if !ok {
		return blockEntry{}, schemaError("block_info", blockIndex,
			fmt.Errorf("%w: %d", ErrUnknownBlock, blockIndex))
	}
	return bl.readAt(offset, blockIndex)
}

func (bl *BlockLog) readAt(offset int64, blockIndex uint64) (blockEntry, error) {
	var lenBuf [4]byte
	if _, err := bl.file.ReadAt(lenBuf[:], offset); err != nil {
		return blockEntry{}, schemaError("block_info", blockIndex, err)
	}
	payload := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
	if _, err := bl.file.ReadAt(payload, offset+4); err != nil {
		return blockEntry{}, schemaError("block_info", blockIndex, err)
	}
	e, err := decodeBlockEntry(payload)
	if err != nil {
		return blockEntry{}, schemaError("block_info", blockIndex, err)
	}
	return e, nil
}

// Indices returns the stored block indices in append order
func (bl *BlockLog) Indices() []uint64 {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	out := make([]uint64, len(bl.order))
	copy(out, bl.order)
	return out
}

// LastIndex returns the highest stored block index, or 0 when empty
func (bl *BlockLog) LastIndex() uint64 {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	last := uint64(0)
	for _, idx := range bl.order {
		if idx > last {
			last = idx
		}
	}
	return last
}

// EntriesAbove returns the entries of every block with index > blockIndex,
// in descending block order. Used by rewind to undo blocks newest-first.
func (bl *BlockLog) EntriesAbove(blockIndex uint64) ([]blockEntry, error) {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	above := make([]uint64, 0)
	for idx := range bl.offsets {
		if idx > blockIndex {
			above = append(above, idx)
		}
	}
	sort.Slice(above, func(i, j int) bool { return above[i] > above[j] })

	entries := make([]blockEntry, 0, len(above))
	for _, idx := range above {
		e, err := bl.entryLocked(idx)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// TruncateAfter drops every entry with a block index above blockIndex.
// Entries are appended in ascending block order, so this is a file
// truncation at the first dropped entry's offset.
func (bl *BlockLog) TruncateAfter(blockIndex uint64) error {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	cut := bl.size
	keep := bl.order[:0]
	for _, idx := range bl.order {
		if idx > blockIndex {
			if off := bl.offsets[idx]; off < cut {
				cut = off
			}
			delete(bl.offsets, idx)
			continue
		}
		keep = append(keep, idx)
	}
	bl.order = keep

	if cut < bl.size {
		if err := bl.file.Truncate(cut); err != nil {
			return schemaError("rewind", blockIndex, err)
		}
		bl.size = cut
	}
	return nil
}

// Sync flushes the log to stable storage
func (bl *BlockLog) Sync() error {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	return schemaError("sync", 0, bl.file.Sync())
}

// Close syncs and closes the log file
func (bl *BlockLog) Close() error {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	if err := bl.file.Sync(); err != nil && err != io.EOF {
		bl.file.Close()
		return schemaError("close", 0, err)
	}
	return schemaError("close", 0, bl.file.Close())
}
