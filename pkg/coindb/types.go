// Package coindb implements a coin database replayed from block spend
// records. Coins are addressed by their 32-byte name, resolved through a
// sort-based hash index to compact row indices; two storage strategies are
// provided, a flat-file row store and a Badger-backed key-value store.
package coindb

import (
	"crypto/sha256"
	"math/bits"

	"coindb/pkg/hashindex"
)

// CoinName is the 32-byte identity of a coin
type CoinName = hashindex.Hash

// Coin is the value triple a coin name commits to. The name is derived, not
// stored: two coins with the same parent, puzzle hash, and amount are the
// same coin.
type Coin struct {
	ParentCoinName CoinName
	PuzzleHash     [32]byte
	Amount         uint64
}

// Name returns sha256(parent || puzzle || minimal-int(amount)). The amount
// uses the minimal signed big-endian encoding (zero encodes as no bytes, a
// leading zero byte is added only when the top bit would flip the sign).
func (c Coin) Name() CoinName {
	h := sha256.New()
	h.Write(c.ParentCoinName[:])
	h.Write(c.PuzzleHash[:])
	h.Write(minimalIntBytes(c.Amount))
	var name CoinName
	h.Sum(name[:0])
	return name
}

func minimalIntBytes(v uint64) []byte {
	if v == 0 {
		return nil
	}
	if v < 128 {
		return []byte{byte(v)}
	}
	size := 1 + bits.Len64(v)/8
	buf := make([]byte, size)
	for i := size - 1; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	return buf
}

// BlockSpendInfo is one block's effect on the coin set: the names it spends
// and the coins it confirms.
type BlockSpendInfo struct {
	Index     uint64
	Timestamp uint64
	Spends    []CoinName
	Confirms  []Coin
}

// CoinInfo is a coin together with its lifecycle block indices. SpentIndex
// is zero while the coin is unspent.
type CoinInfo struct {
	Coin           Coin
	ConfirmedIndex uint64
	SpentIndex     uint64
}

// Schema is a coin database that can replay a chain of block spend records
// and answer queries about coins and blocks.
type Schema interface {
	// AcceptBlock applies one block's spends and confirms.
	AcceptBlock(block BlockSpendInfo) error

	// Flush forces all accepted state to durable storage.
	Flush() error

	// CoinInfosForCoinNames resolves coin names to their infos. Names not
	// present in the database are reported via ErrUnknownCoin.
	CoinInfosForCoinNames(names []CoinName) ([]CoinInfo, error)

	// BlockInfoForBlockIndex reconstructs the spend record of an accepted
	// block.
	BlockInfoForBlockIndex(blockIndex uint64) (BlockSpendInfo, error)

	// RewindToBlockIndex discards every block above blockIndex, restoring
	// the coin set to its state just after that block.
	RewindToBlockIndex(blockIndex uint64) error

	// Blocks iterates the accepted blocks in order.
	Blocks() BlockIterator

	Close() error
}

// BlockIterator walks accepted blocks in ascending block-index order
type BlockIterator interface {
	// Next returns the next block; ok is false once exhausted.
	Next() (block BlockSpendInfo, ok bool)
	// Err reports any failure that ended the iteration early.
	Err() error
}
