package coindb

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"coindb/pkg/hashindex"
	"coindb/pkg/logging"
	"coindb/pkg/metrics"
)

// FlatFileSchema stores coins in a flat fixed-width row file, resolves coin
// names through a sort-based hash index, and keeps a block log for replay
// and rewind. This is the benchmark-oriented strategy: appends dominate,
// queries binary-search immutable segments.
type FlatFileSchema struct {
	mu     sync.Mutex
	opts   Options
	index  *hashindex.HashIndex
	rows   *CoinRowStore
	blocks *BlockLog
	closed bool

	log logging.Logger
	met *metrics.Registry
}

var _ Schema = (*FlatFileSchema)(nil)

// OpenFlatFileSchema opens (or creates) a flat-file coin database in
// opts.Dir
func OpenFlatFileSchema(opts Options) (*FlatFileSchema, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	log := opts.Logger.With(logging.Component("flatfile-schema"))

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, schemaError("open", 0, err)
	}

	idxOpts := hashindex.DefaultOptions(filepath.Join(opts.Dir, "index"))
	idxOpts.FlushThreshold = opts.IndexFlushThreshold
	idxOpts.CompactionThreshold = opts.IndexCompactionThreshold
	idxOpts.EnableWAL = opts.EnableWAL
	idxOpts.Logger = opts.Logger
	idxOpts.Metrics = opts.Metrics

	index, err := hashindex.Open(idxOpts)
	if err != nil {
		return nil, err
	}
	rows, err := OpenCoinRowStore(filepath.Join(opts.Dir, "coins.dat"))
	if err != nil {
		index.Close()
		return nil, err
	}
	blocks, err := OpenBlockLog(filepath.Join(opts.Dir, "blocks.log"))
	if err != nil {
		index.Close()
		rows.Close()
		return nil, err
	}

	log.Info("opened flat-file schema",
		logging.Path(opts.Dir),
		logging.Uint64("coins", rows.Count()),
		logging.Int("blocks", len(blocks.Indices())))
	return &FlatFileSchema{
		opts:   opts,
		index:  index,
		rows:   rows,
		blocks: blocks,
		log:    log,
		met:    opts.Metrics,
	}, nil
}

// AcceptBlock applies a block: confirms become new coin rows (parents
// resolved through coinbase decoding or the hash index, same-block parents
// first), spends patch the spent index of existing rows, and the block
// entry is logged. Index batching happens inside the hash index's own
// write buffer.
func (s *FlatFileSchema) AcceptBlock(block BlockSpendInfo) error {
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

	confirmIDs := make([]uint64, 0, len(sorted))
	for _, coin := range sorted {
		parentIndex, err := s.resolveRowIndex(coin.ParentCoinName)
		if err != nil {
			return schemaError("accept_block", block.Index,
				fmt.Errorf("%w: parent %s: %v", ErrParentNotFound, coin.ParentCoinName, err))
		}
		id, err := s.rows.Append(CoinRow{
			Name:      coin.Name(),
			Parent:    parentIndex,
			Puzzle:    coin.PuzzleHash,
			Amount:    coin.Amount,
			Confirmed: block.Index,
		})
		if err != nil {
			return err
		}
		if err := s.index.Insert(coin.Name(), id); err != nil {
			return schemaError("accept_block", block.Index, err)
		}
		confirmIDs = append(confirmIDs, id)
	}

	spendIDs := make([]int64, 0, len(block.Spends))
	for _, name := range block.Spends {
		id, err := s.resolveRowIndex(name)
		if err != nil {
			return schemaError("accept_block", block.Index,
				fmt.Errorf("%w: spend %s: %v", ErrUnknownCoin, name, err))
		}
		spendIDs = append(spendIDs, id)
		if id > 0 {
			if err := s.rows.MarkSpent(uint64(id), block.Index); err != nil {
				return err
			}
		}
	}

	if err := s.blocks.Append(blockEntry{
		Index:      block.Index,
		Timestamp:  block.Timestamp,
		SpendIDs:   spendIDs,
		ConfirmIDs: confirmIDs,
	}); err != nil {
		return err
	}

	s.met.SchemaBlocksTotal.Inc()
	s.met.SchemaCoinsTotal.Add(float64(len(sorted)))
	s.met.RecordOperation("accept_block", time.Since(start))
	return nil
}

// resolveRowIndex maps a coin name to its row index: synthetic coinbase
// names decode directly, everything else goes through the hash index.
func (s *FlatFileSchema) resolveRowIndex(name CoinName) (int64, error) {
	if idx, ok := CoinbaseIndex(name); ok {
		return idx, nil
	}
	id, found, err := s.index.Lookup(name)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, ErrUnknownCoin
	}
	return int64(id), nil
}

// Flush pushes buffered index entries into a segment and syncs the row and
// block files
func (s *FlatFileSchema) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSchemaClosed
	}
	if err := s.index.Flush(); err != nil {
		return err
	}
	if err := s.rows.Sync(); err != nil {
		return err
	}
	return s.blocks.Sync()
}

// CoinInfosForCoinNames resolves names to coin infos, in input order
func (s *FlatFileSchema) CoinInfosForCoinNames(names []CoinName) ([]CoinInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSchemaClosed
	}

	ids, err := s.index.LookupBatch(names)
	if err != nil {
		return nil, err
	}

	infos := make([]CoinInfo, 0, len(names))
	for _, name := range names {
		id, ok := ids[name]
		if !ok {
			return nil, schemaError("coin_infos", 0,
				fmt.Errorf("%w: %s", ErrUnknownCoin, name))
		}
		row, err := s.rows.Read(id)
		if err != nil {
			return nil, err
		}
		coin, err := s.coinForRow(row)
		if err != nil {
			return nil, err
		}
		infos = append(infos, CoinInfo{
			Coin:           coin,
			ConfirmedIndex: row.Confirmed,
			SpentIndex:     row.Spent,
		})
	}
	return infos, nil
}

// coinForRow rebuilds the Coin value from a stored row, reconstructing the
// parent name from its row index
func (s *FlatFileSchema) coinForRow(row CoinRow) (Coin, error) {
	parentName, err := s.nameForRowIndex(row.Parent)
	if err != nil {
		return Coin{}, err
	}
	return Coin{
		ParentCoinName: parentName,
		PuzzleHash:     row.Puzzle,
		Amount:         row.Amount,
	}, nil
}

func (s *FlatFileSchema) nameForRowIndex(index int64) (CoinName, error) {
	if index <= 0 {
		return CoinbaseName(index)
	}
	row, err := s.rows.Read(uint64(index))
	if err != nil {
		return CoinName{}, err
	}
	return row.Name, nil
}

// BlockInfoForBlockIndex reconstructs a block's spend record from its
// logged row indices
func (s *FlatFileSchema) BlockInfoForBlockIndex(blockIndex uint64) (BlockSpendInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return BlockSpendInfo{}, ErrSchemaClosed
	}
	entry, err := s.blocks.Entry(blockIndex)
	if err != nil {
		return BlockSpendInfo{}, err
	}
	return s.blockForEntry(entry)
}

func (s *FlatFileSchema) blockForEntry(entry blockEntry) (BlockSpendInfo, error) {
	spends := make([]CoinName, 0, len(entry.SpendIDs))
	for _, id := range entry.SpendIDs {
		name, err := s.nameForRowIndex(id)
		if err != nil {
			return BlockSpendInfo{}, err
		}
		spends = append(spends, name)
	}
	confirms := make([]Coin, 0, len(entry.ConfirmIDs))
	for _, id := range entry.ConfirmIDs {
		row, err := s.rows.Read(id)
		if err != nil {
			return BlockSpendInfo{}, err
		}
		coin, err := s.coinForRow(row)
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

// RewindToBlockIndex drops every block above blockIndex: the hash index,
// the row file, and the block log are all truncated to the row boundary in
// effect just after that block, and spent marks made by dropped blocks are
// cleared.
func (s *FlatFileSchema) RewindToBlockIndex(blockIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSchemaClosed
	}
	if _, err := s.blocks.Entry(blockIndex); err != nil && blockIndex != 0 {
		return err
	}
	start := time.Now()

	// The boundary is the smallest row index confirmed by a dropped block;
	// confirm ids are assigned in block order, so everything at or above it
	// belongs to dropped blocks.
	dropped, err := s.blocks.EntriesAbove(blockIndex)
	if err != nil {
		return err
	}
	boundary := s.rows.Count() + 1
	for _, entry := range dropped {
		for _, id := range entry.ConfirmIDs {
			if id < boundary {
				boundary = id
			}
		}
	}

	if err := s.index.RewindTo(boundary); err != nil {
		return err
	}
	if err := s.rows.TruncateAfter(boundary-1, blockIndex); err != nil {
		return err
	}
	if err := s.blocks.TruncateAfter(blockIndex); err != nil {
		return err
	}

	s.log.Info("rewound schema",
		logging.Uint64("block_index", blockIndex),
		logging.Int("blocks_dropped", len(dropped)),
		logging.Latency(time.Since(start)))
	return nil
}

// Blocks iterates the accepted blocks in append order
func (s *FlatFileSchema) Blocks() BlockIterator {
	return &flatFileBlockIterator{schema: s, indices: s.blocks.Indices()}
}

type flatFileBlockIterator struct {
	schema  *FlatFileSchema
	indices []uint64
	pos     int
	err     error
}

func (it *flatFileBlockIterator) Next() (BlockSpendInfo, bool) {
	if it.err != nil || it.pos >= len(it.indices) {
		return BlockSpendInfo{}, false
	}
	it.schema.mu.Lock()
	defer it.schema.mu.Unlock()

	entry, err := it.schema.blocks.Entry(it.indices[it.pos])
	if err != nil {
		it.err = err
		return BlockSpendInfo{}, false
	}
	block, err := it.schema.blockForEntry(entry)
	if err != nil {
		it.err = err
		return BlockSpendInfo{}, false
	}
	it.pos++
	return block, true
}

func (it *flatFileBlockIterator) Err() error { return it.err }

// Index exposes the underlying hash index for consistency checks
func (s *FlatFileSchema) Index() *hashindex.HashIndex { return s.index }

// Close flushes and closes all schema files
func (s *FlatFileSchema) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.index.Close(); err != nil {
		s.rows.Close()
		s.blocks.Close()
		return err
	}
	if err := s.rows.Close(); err != nil {
		s.blocks.Close()
		return err
	}
	return s.blocks.Close()
}
