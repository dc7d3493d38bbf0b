package main

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"coindb/pkg/validation"
)

// benchConfig drives a replay run. Values come from the defaults, then an
// optional YAML file, then command-line flags, in that order.
type benchConfig struct {
	Schema              string `yaml:"schema" validate:"required,oneof=flatfile badger"`
	Dir                 string `yaml:"dir" validate:"required"`
	Blocks              int    `yaml:"blocks" validate:"gt=0"`
	CoinsPerBlock       int    `yaml:"coins_per_block" validate:"gt=0"`
	SpendsPerBlock      int    `yaml:"spends_per_block" validate:"gte=0"`
	Queries             int    `yaml:"queries" validate:"gte=0"`
	RewindDepth         int    `yaml:"rewind_depth" validate:"gte=0"`
	Seed                int64  `yaml:"seed"`
	FlushThreshold      int    `yaml:"flush_threshold" validate:"gt=0"`
	CompactionThreshold int    `yaml:"compaction_threshold" validate:"gt=0"`
	EnableWAL           bool   `yaml:"enable_wal"`
	Verify              bool   `yaml:"verify"`
}

func defaultBenchConfig() benchConfig {
	return benchConfig{
		Schema:              "flatfile",
		Dir:                 "./data/coindb-bench",
		Blocks:              10000,
		CoinsPerBlock:       10,
		SpendsPerBlock:      5,
		Queries:             10000,
		RewindDepth:         100,
		Seed:                1,
		FlushThreshold:      50000,
		CompactionThreshold: 10,
		Verify:              true,
	}
}

func (c *benchConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *benchConfig) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid benchmark config: %w", err)
	}
	return validation.NewConfigValidator("bench").
		Custom("spends_per_block", func() error {
			if c.SpendsPerBlock >= c.CoinsPerBlock {
				return fmt.Errorf("spends_per_block (%d) must be below coins_per_block (%d) or the coin set shrinks to nothing",
					c.SpendsPerBlock, c.CoinsPerBlock)
			}
			return nil
		}).
		Validate()
}
