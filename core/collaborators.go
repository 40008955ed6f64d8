package core

import "time"

// Daemon is the narrow collaborator interface the processor uses to
// pull data from the upstream full node (spec.md section 1: "the node
// client that returns raw block bytes and tip heights"). package
// rpc provides the real btcd-backed implementation; tests use an
// in-memory fake.
type Daemon interface {
	Height() (int64, error)
	CachedHeight() int64
	BlockHash(height int64) ([32]byte, error)
	RawBlock(hash [32]byte) ([]byte, error)
}

// ScriptClassifier maps an output script to the AddressID the processor
// indexes it under, returning NoCacheEntry for scripts it can't or
// won't classify (spec.md section 1: "classify_output_script(script) ->
// AddressId?").
type ScriptClassifier interface {
	ClassifyOutputScript(script []byte) AddressID
}

// BlockDecoder turns a raw serialized block into its header, tx-hash
// array, and decoded transactions (spec.md section 1:
// "decode_block(bytes) -> (header, tx_hashes, txs)").
type BlockDecoder func(raw []byte) (RawBlock, error)

// AuditLog receives indexing/error/reorg events for external
// persistence (adapted from the teacher's syslogs package). A nil
// AuditLog is valid; the processor treats every call as best-effort.
type AuditLog interface {
	LogAdvance(height int64, txCount uint64, flushed bool)
	LogReorg(fromHeight, toHeight int64)
	LogError(op string, err error)

	// LogThroughput records one catch-up throughput/ETA estimate,
	// emitted once per forward flush while still syncing (see
	// Processor.logThroughput).
	LogThroughput(txsPerSec, thisFlushTxsPerSec int64, wallTime, eta time.Duration)
}
