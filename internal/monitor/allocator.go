package monitor

import (
	"errors"
	"sync/atomic"
)

// ErrEmptySignerPool indicates the allocator was built with no signers.
var ErrEmptySignerPool = errors.New("monitor: signer pool is empty")

// Allocator hands out signer slots round-robin so concurrent resolution
// pipelines spread their transactions across the configured signing keys.
// The pool size is fixed at startup.
type Allocator struct {
	size   uint64
	cursor atomic.Uint64
}

// NewAllocator constructs an allocator over a pool of the given size.
func NewAllocator(size int) (*Allocator, error) {
	if size <= 0 {
		return nil, ErrEmptySignerPool
	}
	return &Allocator{size: uint64(size)}, nil
}

// Next returns the current slot and advances the cursor modulo the pool
// size. Safe under concurrent calls; each call yields exactly one slot.
func (a *Allocator) Next() int {
	return int((a.cursor.Add(1) - 1) % a.size)
}

// Size reports the fixed pool size.
func (a *Allocator) Size() int {
	return int(a.size)
}
