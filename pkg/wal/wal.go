package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/golang/snappy"
)

// Log is a write-ahead log for not-yet-flushed hash index records. Each
// record is snappy-compressed and framed with a length prefix and a CRC32
// so a torn tail write can be detected and discarded on replay.
//
// Frame format: [dataLen:4 BE][snappy data:N][crc32 of compressed data:4 BE]
type Log struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *bufio.Writer

	// Statistics
	appends           uint64
	bytesUncompressed uint64
	bytesCompressed   uint64
}

// Stats holds log statistics
type Stats struct {
	Appends           uint64
	BytesUncompressed uint64
	BytesCompressed   uint64
}

// Open opens or creates the log file at path
func Open(path string) (*Log, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file %s: %w", path, err)
	}

	return &Log{
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

// Append appends one record payload to the log and syncs it to disk
func (l *Log) Append(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	compressed := snappy.Encode(nil, data)

	if err := binary.Write(l.writer, binary.BigEndian, uint32(len(compressed))); err != nil {
		return err
	}
	if _, err := l.writer.Write(compressed); err != nil {
		return err
	}
	if err := binary.Write(l.writer, binary.BigEndian, crc32.ChecksumIEEE(compressed)); err != nil {
		return err
	}

	if err := l.writer.Flush(); err != nil {
		return err
	}

	l.appends++
	l.bytesUncompressed += uint64(len(data))
	l.bytesCompressed += uint64(len(compressed))

	return l.file.Sync()
}

// Replay reads every intact frame from the start of the log and passes the
// decompressed payload to fn. A truncated or corrupt tail frame ends the
// replay without error: it is the expected shape of a crash mid-append.
func (l *Log) Replay(fn func(data []byte) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	for {
		var dataLen uint32
		if err := binary.Read(reader, binary.BigEndian, &dataLen); err != nil {
			if err == io.EOF {
				return nil
			}
			return nil // torn frame header
		}

		compressed := make([]byte, dataLen)
		if _, err := io.ReadFull(reader, compressed); err != nil {
			return nil // torn frame body
		}

		var storedCRC uint32
		if err := binary.Read(reader, binary.BigEndian, &storedCRC); err != nil {
			return nil // torn frame checksum
		}
		if storedCRC != crc32.ChecksumIEEE(compressed) {
			return nil // corrupt tail, stop here
		}

		data, err := snappy.Decode(nil, compressed)
		if err != nil {
			return nil
		}

		if err := fn(data); err != nil {
			return err
		}
	}
}

// Reset truncates the log. Called after the records it covers have been
// made durable in a segment.
func (l *Log) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.writer = bufio.NewWriter(l.file)
	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate WAL: %w", err)
	}
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return l.file.Sync()
}

// GetStats returns log statistics
func (l *Log) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Appends:           l.appends,
		BytesUncompressed: l.bytesUncompressed,
		BytesCompressed:   l.bytesCompressed,
	}
}

// Close flushes and closes the log file
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writer.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}
