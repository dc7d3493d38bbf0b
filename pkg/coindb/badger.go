package coindb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"coindb/pkg/logging"
	"coindb/pkg/metrics"
)

// Key namespaces. Row ids and block indices are big-endian, so prefix
// iteration yields them in numeric order.
var (
	keyPrefixName  = []byte("cn:") // coin name -> row id
	keyPrefixRow   = []byte("cr:") // row id -> coin row
	keyPrefixBlock = []byte("bl:") // block index -> block entry
	keyNextRowID   = []byte("meta:nextid")
)

// BadgerSchema stores the whole coin database in a Badger key-value store:
// name-to-row mapping, coin rows, and block entries all live under key
// prefixes in one keyspace. Slower to replay than the flat-file strategy
// but transactional, which makes rewind a plain batch of deletes.
type BadgerSchema struct {
	mu     sync.Mutex
	opts   Options
	db     *badger.DB
	closed bool

	log logging.Logger
	met *metrics.Registry
}

var _ Schema = (*BadgerSchema)(nil)

// OpenBadgerSchema opens (or creates) a Badger-backed coin database in
// opts.Dir
func OpenBadgerSchema(opts Options) (*BadgerSchema, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	log := opts.Logger.With(logging.Component("badger-schema"))

	db, err := badger.Open(badger.DefaultOptions(opts.Dir).
		WithSyncWrites(false).
		WithLogger(nil))
	if err != nil {
		return nil, schemaError("open", 0, err)
	}

	log.Info("opened badger schema", logging.Path(opts.Dir))
	return &BadgerSchema{
		opts: opts,
		db:   db,
		log:  log,
		met:  opts.Metrics,
	}, nil
}

func nameKey(name CoinName) []byte {
	return append(append([]byte{}, keyPrefixName...), name[:]...)
}

func rowKey(id uint64) []byte {
	key := make([]byte, len(keyPrefixRow)+8)
	copy(key, keyPrefixRow)
	binary.BigEndian.PutUint64(key[len(keyPrefixRow):], id)
	return key
}

func blockKey(blockIndex uint64) []byte {
	key := make([]byte, len(keyPrefixBlock)+8)
	copy(key, keyPrefixBlock)
	binary.BigEndian.PutUint64(key[len(keyPrefixBlock):], blockIndex)
	return key
}

// AcceptBlock applies one block in a single transaction
func (s *BadgerSchema) AcceptBlock(block BlockSpendInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSchemaClosed
	}
	start := time.Now()

	sorted, err := sortConfirms(block.Confirms)
	if err != nil {
		return schemaError("accept_block", block.Index, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		nextID, err := readNextRowID(txn)
		if err != nil {
			return err
		}

		confirmIDs := make([]uint64, 0, len(sorted))
		for _, coin := range sorted {
			parentIndex, err := resolveRowIndexTxn(txn, coin.ParentCoinName)
			if err != nil {
				return fmt.Errorf("%w: parent %s: %v",
					ErrParentNotFound, coin.ParentCoinName, err)
			}
			id := nextID
			nextID++

			rowBuf := make([]byte, coinRowSize)
			encodeCoinRow(CoinRow{
				Name:      coin.Name(),
				Parent:    parentIndex,
				Puzzle:    coin.PuzzleHash,
				Amount:    coin.Amount,
				Confirmed: block.Index,
			}, rowBuf)
			if err := txn.Set(rowKey(id), rowBuf); err != nil {
				return err
			}
			var idBuf [8]byte
			binary.BigEndian.PutUint64(idBuf[:], id)
			if err := txn.Set(nameKey(coin.Name()), idBuf[:]); err != nil {
				return err
			}
			confirmIDs = append(confirmIDs, id)
		}

		spendIDs := make([]int64, 0, len(block.Spends))
		for _, name := range block.Spends {
			id, err := resolveRowIndexTxn(txn, name)
			if err != nil {
				return fmt.Errorf("%w: spend %s: %v", ErrUnknownCoin, name, err)
			}
			spendIDs = append(spendIDs, id)
			if id > 0 {
				if err := markSpentTxn(txn, uint64(id), block.Index); err != nil {
					return err
				}
			}
		}

		if err := txn.Set(blockKey(block.Index), encodeBlockEntry(blockEntry{
			Index:      block.Index,
			Timestamp:  block.Timestamp,
			SpendIDs:   spendIDs,
			ConfirmIDs: confirmIDs,
		})); err != nil {
			return err
		}
		return writeNextRowID(txn, nextID)
	})
	if err != nil {
		return schemaError("accept_block", block.Index, err)
	}

	s.met.SchemaBlocksTotal.Inc()
	s.met.SchemaCoinsTotal.Add(float64(len(sorted)))
	s.met.RecordOperation("accept_block", time.Since(start))
	return nil
}

func readNextRowID(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get(keyNextRowID)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	var id uint64
	err = item.Value(func(val []byte) error {
		id = binary.BigEndian.Uint64(val)
		return nil
	})
	return id, err
}

func writeNextRowID(txn *badger.Txn, id uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return txn.Set(keyNextRowID, buf[:])
}

func resolveRowIndexTxn(txn *badger.Txn, name CoinName) (int64, error) {
	if idx, ok := CoinbaseIndex(name); ok {
		return idx, nil
	}
	item, err := txn.Get(nameKey(name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, ErrUnknownCoin
	}
	if err != nil {
		return 0, err
	}
	var id int64
	err = item.Value(func(val []byte) error {
		id = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return id, err
}

func readRowTxn(txn *badger.Txn, id uint64) (CoinRow, error) {
	item, err := txn.Get(rowKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return CoinRow{}, fmt.Errorf("%w: row %d", ErrUnknownCoin, id)
	}
	if err != nil {
		return CoinRow{}, err
	}
	var row CoinRow
	err = item.Value(func(val []byte) error {
		if len(val) != coinRowSize {
			return fmt.Errorf("coin row %d has %d bytes", id, len(val))
		}
		row = decodeCoinRow(val)
		return nil
	})
	return row, err
}

func markSpentTxn(txn *badger.Txn, id uint64, blockIndex uint64) error {
	row, err := readRowTxn(txn, id)
	if err != nil {
		return err
	}
	row.Spent = blockIndex
	buf := make([]byte, coinRowSize)
	encodeCoinRow(row, buf)
	return txn.Set(rowKey(id), buf)
}

func nameForRowIndexTxn(txn *badger.Txn, index int64) (CoinName, error) {
	if index <= 0 {
		return CoinbaseName(index)
	}
	row, err := readRowTxn(txn, uint64(index))
	if err != nil {
		return CoinName{}, err
	}
	return row.Name, nil
}

func coinForRowTxn(txn *badger.Txn, row CoinRow) (Coin, error) {
	parentName, err := nameForRowIndexTxn(txn, row.Parent)
	if err != nil {
		return Coin{}, err
	}
	return Coin{
		ParentCoinName: parentName,
		PuzzleHash:     row.Puzzle,
		Amount:         row.Amount,
	}, nil
}

// Flush forces value log sync. Writes are already transactional, so this
// only tightens the crash window left by WithSyncWrites(false).
func (s *BadgerSchema) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSchemaClosed
	}
	return schemaError("flush", 0, s.db.Sync())
}

// CoinInfosForCoinNames resolves names to coin infos, in input order
func (s *BadgerSchema) CoinInfosForCoinNames(names []CoinName) ([]CoinInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSchemaClosed
	}

	infos := make([]CoinInfo, 0, len(names))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, name := range names {
			id, err := resolveRowIndexTxn(txn, name)
			if err != nil {
				return fmt.Errorf("%w: %s", ErrUnknownCoin, name)
			}
			row, err := readRowTxn(txn, uint64(id))
			if err != nil {
				return err
			}
			coin, err := coinForRowTxn(txn, row)
			if err != nil {
				return err
			}
			infos = append(infos, CoinInfo{
				Coin:           coin,
				ConfirmedIndex: row.Confirmed,
				SpentIndex:     row.Spent,
			})
		}
		return nil
	})
	if err != nil {
		return nil, schemaError("coin_infos", 0, err)
	}
	return infos, nil
}

// BlockInfoForBlockIndex reconstructs a block's spend record
func (s *BadgerSchema) BlockInfoForBlockIndex(blockIndex uint64) (BlockSpendInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return BlockSpendInfo{}, ErrSchemaClosed
	}

	var block BlockSpendInfo
	err := s.db.View(func(txn *badger.Txn) error {
		entry, err := readBlockEntryTxn(txn, blockIndex)
		if err != nil {
			return err
		}
		block, err = blockForEntryTxn(txn, entry)
		return err
	})
	if err != nil {
		return BlockSpendInfo{}, schemaError("block_info", blockIndex, err)
	}
	return block, nil
}

func readBlockEntryTxn(txn *badger.Txn, blockIndex uint64) (blockEntry, error) {
	item, err := txn.Get(blockKey(blockIndex))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return blockEntry{}, fmt.Errorf("%w: %d", ErrUnknownBlock, blockIndex)
	}
	if err != nil {
		return blockEntry{}, err
	}
	var entry blockEntry
	err = item.Value(func(val []byte) error {
		var derr error
		entry, derr = decodeBlockEntry(val)
		return derr
	})
	return entry, err
}

func blockForEntryTxn(txn *badger.Txn, entry blockEntry) (BlockSpendInfo, error) {
	spends := make([]CoinName, 0, len(entry.SpendIDs))
	for _, id := range entry.SpendIDs {
		name, err := nameForRowIndexTxn(txn, id)
		if err != nil {
			return BlockSpendInfo{}, err
		}
		spends = append(spends, name)
	}
	confirms := make([]Coin, 0, len(entry.ConfirmIDs))
	for _, id := range entry.ConfirmIDs {
		row, err := readRowTxn(txn, id)
		if err != nil {
			return BlockSpendInfo{}, err
		}
		coin, err := coinForRowTxn(txn, row)
		if err != nil {
			return BlockSpendInfo{}, err
		}
		confirms = append(confirms, coin)
	}
	return BlockSpendInfo{
		Index:     entry.Index,
		Timestamp: entry.Timestamp,
		Spends:    spends,
		Confirms:  confirms,
	}, nil
}

// RewindToBlockIndex deletes every block above blockIndex together with the
// coins those blocks confirmed, and clears their spent marks on surviving
// coins. One transaction, so a crash mid-rewind loses nothing.
func (s *BadgerSchema) RewindToBlockIndex(blockIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSchemaClosed
	}
	start := time.Now()

	err := s.db.Update(func(txn *badger.Txn) error {
		if blockIndex != 0 {
			if _, err := readBlockEntryTxn(txn, blockIndex); err != nil {
				return err
			}
		}

		dropped, err := blockEntriesAboveTxn(txn, blockIndex)
		if err != nil {
			return err
		}
		if len(dropped) == 0 {
			return nil
		}

		droppedCoins := make(map[uint64]struct{})
		boundary := uint64(0)
		for _, entry := range dropped {
			for _, id := range entry.ConfirmIDs {
				droppedCoins[id] = struct{}{}
				if boundary == 0 || id < boundary {
					boundary = id
				}
			}
		}

		for _, entry := range dropped {
			// Un-spend surviving coins first; coins confirmed by dropped
			// blocks are deleted wholesale below.
			for _, id := range entry.SpendIDs {
				if id <= 0 {
					continue
				}
				if _, gone := droppedCoins[uint64(id)]; gone {
					continue
				}
				if err := markSpentTxn(txn, uint64(id), 0); err != nil {
					return err
				}
			}
			if err := txn.Delete(blockKey(entry.Index)); err != nil {
				return err
			}
		}

		for id := range droppedCoins {
			row, err := readRowTxn(txn, id)
			if err != nil {
				return err
			}
			if err := txn.Delete(nameKey(row.Name)); err != nil {
				return err
			}
			if err := txn.Delete(rowKey(id)); err != nil {
				return err
			}
		}

		if boundary != 0 {
			return writeNextRowID(txn, boundary)
		}
		return nil
	})
	if err != nil {
		return schemaError("rewind", blockIndex, err)
	}

	s.log.Info("rewound badger schema",
		logging.Uint64("block_index", blockIndex),
		logging.Latency(time.Since(start)))
	return nil
}

// blockEntriesAboveTxn returns all block entries with index > blockIndex,
// descending
func blockEntriesAboveTxn(txn *badger.Txn, blockIndex uint64) ([]blockEntry, error) {
	it := txn.NewIterator(badger.IteratorOptions{
		Prefix:         keyPrefixBlock,
		PrefetchValues: true,
		PrefetchSize:   64,
	})
	defer it.Close()

	var entries []blockEntry
	for it.Seek(blockKey(blockIndex + 1)); it.Valid(); it.Next() {
		var entry blockEntry
		err := it.Item().Value(func(val []byte) error {
			var derr error
			entry, derr = decodeBlockEntry(val)
			return derr
		})
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	// Reverse to descending block order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Blocks iterates the stored blocks in ascending block order
func (s *BadgerSchema) Blocks() BlockIterator {
	s.mu.Lock()
	defer s.mu.Unlock()

	var indices []uint64
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: keyPrefixBlock})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			indices = append(indices, binary.BigEndian.Uint64(key[len(keyPrefixBlock):]))
		}
		return nil
	})
	return &badgerBlockIterator{schema: s, indices: indices, err: err}
}

type badgerBlockIterator struct {
	schema  *BadgerSchema
	indices []uint64
	pos     int
	err     error
}

func (it *badgerBlockIterator) Next() (BlockSpendInfo, bool) {
	if it.err != nil || it.pos >= len(it.indices) {
		return BlockSpendInfo{}, false
	}
	block, err := it.schema.BlockInfoForBlockIndex(it.indices[it.pos])
	if err != nil {
		it.err = err
		return BlockSpendInfo{}, false
	}
	it.pos++
	return block, true
}

func (it *badgerBlockIterator) Err() error { return it.err }

// Close closes the underlying Badger store
func (s *BadgerSchema) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return schemaError("close", 0, s.db.Close())
}
