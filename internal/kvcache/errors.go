package kvcache

import "errors"

var (
	// ErrAllocation means a region could not be reserved; the store was not built.
	ErrAllocation = errors.New("kv cache allocation failed")
	// ErrInvalidConfig means the configuration was rejected before allocating.
	ErrInvalidConfig = errors.New("invalid kv cache config")
	// ErrOutOfRange is returned for a layer index outside [0, num_layers).
	ErrOutOfRange = errors.New("layer index out of range")
	// ErrInvalidBlockID is returned for a block id outside [0, num_blocks).
	ErrInvalidBlockID = errors.New("invalid block id")
	// ErrFreed is returned by any access after Free.
	ErrFreed = errors.New("kv cache freed")
	// ErrConcurrentCopy is returned when CopyBlocks overlaps another call.
	ErrConcurrentCopy = errors.New("concurrent CopyBlocks on the same store")
)
