package coindb

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
)

// Coinbase coins are minted, not created by a spend, so their parent names
// are synthetic: a well-known 16-byte prefix, eight zero bytes, then the
// block height. They never enter the hash index; instead they map to
// negative row indices that encode the prefix and height directly.
var coinbasePrefixes = [][16]byte{
	mustPrefix("3ff07eb358e8255a65c30a2dce0e5fbb"),
	mustPrefix("ccd5bb71183532bff220ba46c268991a"),
}

func mustPrefix(s string) [16]byte {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 16 {
		panic("bad coinbase prefix: " + s)
	}
	var p [16]byte
	copy(p[:], b)
	return p
}

// IsCoinbaseName reports whether name has the zero run at bytes 16..24 that
// all synthetic coinbase parent names carry
func IsCoinbaseName(name CoinName) bool {
	for _, b := range name[16:24] {
		if b != 0 {
			return false
		}
	}
	return true
}

// CoinbaseIndex maps a synthetic coinbase name to its negative row index.
// The low byte of the magnitude selects the prefix; the rest is the height.
// Returns ok=false when the name is not a recognized coinbase name.
func CoinbaseIndex(name CoinName) (int64, bool) {
	if !IsCoinbaseName(name) {
		return 0, false
	}
	prefixIndex := -1
	for i, p := range coinbasePrefixes {
		if [16]byte(name[:16]) == p {
			prefixIndex = i
			break
		}
	}
	if prefixIndex < 0 {
		return 0, false
	}
	height := binary.BigEndian.Uint64(name[24:32])
	if height > math.MaxInt64>>8 {
		return 0, false
	}
	return -int64(height<<8 | uint64(prefixIndex)), true
}

// CoinbaseName reconstructs the synthetic coin name for a negative row
// index produced by CoinbaseIndex
func CoinbaseName(index int64) (CoinName, error) {
	var name CoinName
	if index > 0 {
		return name, fmt.Errorf("coinbase index must not be positive: %d", index)
	}
	magnitude := uint64(-index)
	prefixIndex := int(magnitude & 0xff)
	if prefixIndex >= len(coinbasePrefixes) {
		return name, fmt.Errorf("unknown coinbase prefix selector %d", prefixIndex)
	}
	copy(name[:16], coinbasePrefixes[prefixIndex][:])
	binary.BigEndian.PutUint64(name[24:32], magnitude>>8)
	return name, nil
}
