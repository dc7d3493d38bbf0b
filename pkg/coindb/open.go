package coindb

import "coindb/pkg/validation"

// Storage strategy names accepted by OpenSchema.
const (
	StrategyFlatFile = "flatfile"
	StrategyBadger   = "badger"
)

// OpenSchema opens the storage strategy selected by name. Callers holding a
// concrete strategy type can use OpenFlatFileSchema or OpenBadgerSchema
// directly.
func OpenSchema(strategy string, opts Options) (Schema, error) {
	err := validation.NewConfigValidator("coindb").
		OneOf("strategy", strategy, []string{StrategyFlatFile, StrategyBadger}).
		Validate()
	if err != nil {
		return nil, err
	}
	if strategy == StrategyBadger {
		return OpenBadgerSchema(opts)
	}
	return OpenFlatFileSchema(opts)
}
