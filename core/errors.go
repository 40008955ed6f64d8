package core

import "errors"

// ChainError kinds, per spec.md section 7 "Error Handling Design". All
// of them are fatal to the processor: they signal that continuing would
// operate on an index that no longer reflects reality.
var (
	// ErrCorrupt means the persisted state violates an invariant the
	// processor relies on (flush_count < utxo_flush_count, a missing
	// undo record, etc).
	ErrCorrupt = errors.New("core: corrupt chain state")

	// ErrGenesisMismatch means the store's recorded genesis hash
	// disagrees with the configured coin.
	ErrGenesisMismatch = errors.New("core: genesis hash mismatch")

	// ErrTipMismatch means a block being backed out doesn't match the
	// processor's recorded tip.
	ErrTipMismatch = errors.New("core: backup block hash does not match tip")

	// ErrUndoMissing means a reorg needs an undo record older than what
	// reorg_limit retained.
	ErrUndoMissing = errors.New("core: undo record missing for requested height")

	// ErrAncestorNotFound means reorg_hashes exhausted its search window
	// without finding a height where local and remote hashes agree.
	ErrAncestorNotFound = errors.New("core: no common ancestor found")
)
