package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigDefaultsValid(t *testing.T) {
	cfg := defaultBenchConfig()
	if err := cfg.validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestConfigRejectsUnknownSchema(t *testing.T) {
	cfg := defaultBenchConfig()
	cfg.Schema = "sqlite"
	if err := cfg.validate(); err == nil {
		t.Error("validate accepted an unknown schema")
	}
}

func TestConfigRejectsSpendsAtOrAboveCoins(t *testing.T) {
	cfg := defaultBenchConfig()
	cfg.CoinsPerBlock = 5
	cfg.SpendsPerBlock = 5

	err := cfg.validate()
	if err == nil {
		t.Fatal("validate accepted spends_per_block == coins_per_block")
	}
	if !strings.Contains(err.Error(), "spends_per_block") {
		t.Errorf("error does not name the offending field: %v", err)
	}
}

func TestConfigLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench.yaml")
	data := "schema: badger\nblocks: 42\nspends_per_block: 2\ncoins_per_block: 3\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := defaultBenchConfig()
	if err := cfg.loadFile(path); err != nil {
		t.Fatalf("loadFile failed: %v", err)
	}
	if cfg.Schema != "badger" || cfg.Blocks != 42 {
		t.Errorf("file values not applied: schema=%q blocks=%d", cfg.Schema, cfg.Blocks)
	}
	// Untouched keys keep their defaults.
	if cfg.Queries != defaultBenchConfig().Queries {
		t.Errorf("Queries = %d, want default", cfg.Queries)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("loaded config invalid: %v", err)
	}
}
