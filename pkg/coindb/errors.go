package coindb

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownCoin is returned when a coin name resolves to nothing
	ErrUnknownCoin = errors.New("unknown coin name")

	// ErrUnknownBlock is returned when a block index was never accepted
	ErrUnknownBlock = errors.New("unknown block index")

	// ErrParentNotFound means a confirmed coin references a parent that is
	// neither a coinbase name nor a previously confirmed coin
	ErrParentNotFound = errors.New("parent coin not found")

	// ErrDependencyCycle means a block's confirms reference each other in a
	// loop, which no valid chain can produce
	ErrDependencyCycle = errors.New("cycle in coin dependencies")

	// ErrSchemaClosed is returned by operations on a closed schema
	ErrSchemaClosed = errors.New("schema is closed")
)

// SchemaError wraps a storage failure with the schema operation and, when
// relevant, the block being processed.
type SchemaError struct {
	Op         string
	BlockIndex uint64
	Cause      error
}

func (e *SchemaError) Error() string {
	if e.BlockIndex != 0 {
		return fmt.Sprintf("coindb %s (block %d): %v", e.Op, e.BlockIndex, e.Cause)
	}
	return fmt.Sprintf("coindb %s: %v", e.Op, e.Cause)
}

func (e *SchemaError) Unwrap() error { return e.Cause }

func (e *SchemaError) Is(target error) bool {
	return errors.Is(e.Cause, target)
}

func schemaError(op string, blockIndex uint64, cause error) error {
	if cause == nil {
		return nil
	}
	return &SchemaError{Op: op, BlockIndex: blockIndex, Cause: cause}
}
