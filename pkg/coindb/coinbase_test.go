package coindb

import (
	"testing"
)

func TestCoinbaseRoundTrip(t *testing.T) {
	for prefixIndex := 0; prefixIndex < len(coinbasePrefixes); prefixIndex++ {
		for _, height := range []uint64{0, 1, 42, 1 << 20, 1 << 40} {
			index := -int64(height<<8 | uint64(prefixIndex))
			name, err := CoinbaseName(index)
			if err != nil {
				t.Fatalf("CoinbaseName(%d) failed: %v", index, err)
			}
			if !IsCoinbaseName(name) {
				t.Errorf("reconstructed name %s not recognized as coinbase", name)
			}
			got, ok := CoinbaseIndex(name)
			if !ok || got != index {
				t.Errorf("CoinbaseIndex(%s) = (%d, %v), want %d", name, got, ok, index)
			}
		}
	}
}

func TestCoinbaseNameRejectsPositive(t *testing.T) {
	if _, err := CoinbaseName(1); err == nil {
		t.Error("CoinbaseName accepted a positive row index")
	}
}

func TestCoinbaseIndexRejectsOrdinaryNames(t *testing.T) {
	// A real coin name has effectively random bytes at 16..24.
	coin := Coin{Amount: 7}
	name := coin.Name()
	if IsCoinbaseName(name) {
		t.Skip("improbable: generated name has the coinbase zero run")
	}
	if _, ok := CoinbaseIndex(name); ok {
		t.Error("CoinbaseIndex accepted an ordinary coin name")
	}
}

func TestCoinbaseIndexRejectsUnknownPrefix(t *testing.T) {
	var name CoinName
	// Zero run at 16..24 but a prefix that is not registered.
	name[0] = 0xde
	name[31] = 0x01
	if _, ok := CoinbaseIndex(name); ok {
		t.Error("CoinbaseIndex accepted an unregistered prefix")
	}
}
