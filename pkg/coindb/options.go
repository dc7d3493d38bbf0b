package coindb

import (
	"coindb/pkg/logging"
	"coindb/pkg/metrics"
	"coindb/pkg/validation"
)

// Options configures a schema instance
type Options struct {
	// Dir is the root directory for all schema files.
	Dir string

	// IndexFlushThreshold and IndexCompactionThreshold tune the coin-name
	// hash index (FlatFileSchema only).
	IndexFlushThreshold      int
	IndexCompactionThreshold int

	// EnableWAL makes buffered index inserts durable between flushes.
	EnableWAL bool

	Logger  logging.Logger
	Metrics *metrics.Registry
}

// DefaultOptions returns the benchmark defaults for dir
func DefaultOptions(dir string) Options {
	return Options{
		Dir:                      dir,
		IndexFlushThreshold:      50000,
		IndexCompactionThreshold: 10,
	}
}

// Validate checks the options
func (o *Options) Validate() error {
	return validation.NewConfigValidator("coindb").
		Required("dir", o.Dir).
		Positive("index_flush_threshold", o.IndexFlushThreshold).
		Positive("index_compaction_threshold", o.IndexCompactionThreshold).
		Validate()
}
