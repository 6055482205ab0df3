package inventory

import "errors"

// Validation errors.
var (
	// ErrInvalidShardSpec is returned for out-of-range shard parameters.
	ErrInvalidShardSpec = errors.New("invalid shard spec")

	// ErrEmptyInventory is returned when an operation needs at least one test.
	ErrEmptyInventory = errors.New("empty test inventory")

	// ErrEmptyCommand is returned when a filtered command has no argv.
	ErrEmptyCommand = errors.New("empty command")
)
