package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"

	"coindb/pkg/coindb"
	"coindb/pkg/logging"
)

func main() {
	cfg := defaultBenchConfig()

	configPath := flag.String("config", "", "YAML config file (flags override it)")
	schema := flag.String("schema", cfg.Schema, "Storage strategy: flatfile or badger")
	dir := flag.String("dir", cfg.Dir, "Database directory (recreated each run)")
	blocks := flag.Int("blocks", cfg.Blocks, "Number of blocks to replay")
	coinsPerBlock := flag.Int("coins-per-block", cfg.CoinsPerBlock, "Confirms per block (incl. one coinbase)")
	spendsPerBlock := flag.Int("spends-per-block", cfg.SpendsPerBlock, "Spends per block")
	queries := flag.Int("queries", cfg.Queries, "Random coin queries after replay")
	rewindDepth := flag.Int("rewind-depth", cfg.RewindDepth, "Blocks to rewind (0 skips the phase)")
	seed := flag.Int64("seed", cfg.Seed, "PRNG seed for the synthetic chain")
	verify := flag.Bool("verify", cfg.Verify, "Run the index consistency pass at the end")
	flag.Parse()

	if *configPath != "" {
		if err := cfg.loadFile(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "schema":
			cfg.Schema = *schema
		case "dir":
			cfg.Dir = *dir
		case "blocks":
			cfg.Blocks = *blocks
		case "coins-per-block":
			cfg.CoinsPerBlock = *coinsPerBlock
		case "spends-per-block":
			cfg.SpendsPerBlock = *spendsPerBlock
		case "queries":
			cfg.Queries = *queries
		case "rewind-depth":
			cfg.RewindDepth = *rewindDepth
		case "seed":
			cfg.Seed = *seed
		case "verify":
			cfg.Verify = *verify
		}
	})
	if err := cfg.validate(); err != nil {
		log.Fatalf("%v", err)
	}

	runID := uuid.NewString()
	fmt.Printf("coindb block-replay benchmark\n")
	fmt.Printf("=============================\n\n")
	fmt.Printf("Run: %s\n", runID)
	fmt.Printf("Configuration:\n")
	fmt.Printf("  Schema: %s\n", cfg.Schema)
	fmt.Printf("  Blocks: %d\n", cfg.Blocks)
	fmt.Printf("  Coins/block: %d  Spends/block: %d\n", cfg.CoinsPerBlock, cfg.SpendsPerBlock)
	fmt.Printf("  Seed: %d\n\n", cfg.Seed)

	os.RemoveAll(cfg.Dir)

	schemaDB, err := openSchema(cfg)
	if err != nil {
		log.Fatalf("Failed to open schema: %v", err)
	}
	defer schemaDB.Close()

	gen := newChainGenerator(cfg.Seed, cfg.CoinsPerBlock, cfg.SpendsPerBlock)

	// Phase 1: replay.
	fmt.Printf("Phase 1: replaying %d blocks\n", cfg.Blocks)
	start := time.Now()
	totalCoins := 0
	for i := 0; i < cfg.Blocks; i++ {
		block := gen.nextBlock()
		if err := schemaDB.AcceptBlock(block); err != nil {
			log.Fatalf("Failed to accept block %d: %v", block.Index, err)
		}
		totalCoins += len(block.Confirms)
		if (i+1)%10000 == 0 {
			fmt.Printf("  accepted %d blocks...\n", i+1)
		}
	}
	if err := schemaDB.Flush(); err != nil {
		log.Fatalf("Failed to flush: %v", err)
	}
	duration := time.Since(start)
	fmt.Printf("Replayed %d blocks (%d coins) in %v\n", cfg.Blocks, totalCoins, duration)
	fmt.Printf("  %.0f blocks/sec, %.0f coins/sec\n\n",
		float64(cfg.Blocks)/duration.Seconds(),
		float64(totalCoins)/duration.Seconds())

	// Phase 2: random coin queries.
	if cfg.Queries > 0 {
		fmt.Printf("Phase 2: %d random coin queries\n", cfg.Queries)
		start = time.Now()
		found := 0
		for i := 0; i < cfg.Queries; i++ {
			name := gen.randomCoinName()
			infos, err := schemaDB.CoinInfosForCoinNames([]coindb.CoinName{name})
			if err != nil {
				log.Fatalf("Query failed for %s: %v", name, err)
			}
			found += len(infos)
		}
		duration = time.Since(start)
		fmt.Printf("Resolved %d/%d coins in %v\n", found, cfg.Queries, duration)
		fmt.Printf("  %.0f queries/sec, avg %dus\n\n",
			float64(cfg.Queries)/duration.Seconds(),
			duration.Microseconds()/int64(cfg.Queries))
	}

	// Phase 3: rewind and replay the tail again.
	if cfg.RewindDepth > 0 && cfg.RewindDepth < cfg.Blocks {
		target := uint64(cfg.Blocks - cfg.RewindDepth)
		fmt.Printf("Phase 3: rewind %d blocks to %d\n", cfg.RewindDepth, target)
		start = time.Now()
		if err := schemaDB.RewindToBlockIndex(target); err != nil {
			log.Fatalf("Failed to rewind: %v", err)
		}
		fmt.Printf("Rewound in %v\n", time.Since(start))

		gen.rewindTo(target)
		start = time.Now()
		for i := 0; i < cfg.RewindDepth; i++ {
			block := gen.nextBlock()
			if err := schemaDB.AcceptBlock(block); err != nil {
				log.Fatalf("Failed to re-accept block %d: %v", block.Index, err)
			}
		}
		fmt.Printf("Re-replayed %d blocks in %v\n\n", cfg.RewindDepth, time.Since(start))
	}

	// Phase 4: consistency pass.
	if cfg.Verify {
		fmt.Printf("Phase 4: consistency pass\n")
		start = time.Now()
		if ff, ok := schemaDB.(*coindb.FlatFileSchema); ok {
			if err := ff.Index().VerifyInvariants(); err != nil {
				log.Fatalf("Index invariants violated: %v", err)
			}
		}
		it := schemaDB.Blocks()
		count := 0
		for {
			if _, ok := it.Next(); !ok {
				break
			}
			count++
		}
		if err := it.Err(); err != nil {
			log.Fatalf("Block iteration failed: %v", err)
		}
		fmt.Printf("Verified %d blocks in %v\n", count, time.Since(start))
	}

	fmt.Printf("\nBenchmark complete.\n")
}

func openSchema(cfg benchConfig) (coindb.Schema, error) {
	opts := coindb.DefaultOptions(cfg.Dir)
	opts.IndexFlushThreshold = cfg.FlushThreshold
	opts.IndexCompactionThreshold = cfg.CompactionThreshold
	opts.EnableWAL = cfg.EnableWAL
	opts.Logger = logging.DefaultLogger()

	return coindb.OpenSchema(cfg.Schema, opts)
}

// chainGenerator produces a deterministic synthetic chain: every block
// confirms one coinbase coin plus children of random unspent coins, and the
// parents of those children are recorded as the block's spends.
type chainGenerator struct {
	rng            *rand.Rand
	seed           int64
	coinsPerBlock  int
	spendsPerBlock int
	next           uint64
	unspent        []coindb.Coin
	all            []coindb.Coin

	// Per-block undo records so a rewind can restore the unspent set to a
	// past block boundary exactly.
	history []blockUndo
}

type removal struct {
	pick int
	coin coindb.Coin
}

type blockUndo struct {
	removals []removal
	appended int
	allLen   int
}

func newChainGenerator(seed int64, coinsPerBlock, spendsPerBlock int) *chainGenerator {
	return &chainGenerator{
		rng:            rand.New(rand.NewSource(seed)),
		seed:           seed,
		coinsPerBlock:  coinsPerBlock,
		spendsPerBlock: spendsPerBlock,
		next:           1,
	}
}

func (g *chainGenerator) nextBlock() coindb.BlockSpendInfo {
	blockIndex := g.next
	g.next++

	coinbase := coindb.Coin{
		ParentCoinName: coinbaseParentName(blockIndex),
		PuzzleHash:     [32]byte{0xcb},
		Amount:         1_750_000_000_000,
	}
	confirms := []coindb.Coin{coinbase}
	var spends []coindb.CoinName
	var undo blockUndo

	spendCount := g.spendsPerBlock
	if spendCount > len(g.unspent) {
		spendCount = len(g.unspent)
	}
	for i := 0; i < spendCount; i++ {
		pick := g.rng.Intn(len(g.unspent))
		parent := g.unspent[pick]
		undo.removals = append(undo.removals, removal{pick: pick, coin: parent})
		g.unspent[pick] = g.unspent[len(g.unspent)-1]
		g.unspent = g.unspent[:len(g.unspent)-1]

		spends = append(spends, parent.Name())
		confirms = append(confirms, coindb.Coin{
			ParentCoinName: parent.Name(),
			PuzzleHash:     [32]byte{byte(blockIndex), byte(i)},
			Amount:         uint64(g.rng.Int63n(1_000_000_000)) + 1,
		})
	}
	for len(confirms) < g.coinsPerBlock {
		confirms = append(confirms, coindb.Coin{
			ParentCoinName: coinbase.Name(),
			PuzzleHash:     [32]byte{0x02, byte(len(confirms))},
			Amount:         uint64(g.rng.Int63n(1_000_000)) + 1,
		})
	}

	g.unspent = append(g.unspent, confirms...)
	g.all = append(g.all, confirms...)
	undo.appended = len(confirms)
	undo.allLen = len(g.all)
	g.history = append(g.history, undo)

	return coindb.BlockSpendInfo{
		Index:     blockIndex,
		Timestamp: 1577836800 + blockIndex*19,
		Spends:    spends,
		Confirms:  confirms,
	}
}

// randomCoinName samples a name from every coin generated so far
func (g *chainGenerator) randomCoinName() coindb.CoinName {
	return g.all[g.rng.Intn(len(g.all))].Name()
}

// rewindTo undoes every block above blockIndex, newest first, restoring the
// unspent set by inverting each block's appends and swap-removals
func (g *chainGenerator) rewindTo(blockIndex uint64) {
	for b := len(g.history) - 1; b >= int(blockIndex); b-- {
		undo := g.history[b]
		g.unspent = g.unspent[:len(g.unspent)-undo.appended]
		for i := len(undo.removals) - 1; i >= 0; i-- {
			r := undo.removals[i]
			g.unspent = append(g.unspent, r.coin)
			if last := len(g.unspent) - 1; r.pick != last {
				g.unspent[last] = g.unspent[r.pick]
				g.unspent[r.pick] = r.coin
			}
		}
	}
	g.history = g.history[:blockIndex]
	g.all = g.all[:g.history[blockIndex-1].allLen]
	g.next = blockIndex + 1
}

func coinbaseParentName(height uint64) coindb.CoinName {
	name, err := coindb.CoinbaseName(-int64(height << 8))
	if err != nil {
		panic(err)
	}
	return name
}
