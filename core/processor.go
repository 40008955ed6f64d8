package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/metaid/blockindexer/fscache"
	"github.com/metaid/blockindexer/kv"
	"github.com/metaid/blockindexer/utxocache"
)

// Options configures a Processor. GenesisHash is compared against the
// persisted chain state's recorded genesis on Open; a mismatch aborts
// startup rather than silently indexing the wrong chain.
type Options struct {
	GenesisHash       [32]byte
	ReorgLimit        int64
	UTXOCacheMaxBytes int64
	HistCacheMaxBytes int64
	DBCacheEntries    int
	FlushDebounce     time.Duration
	Throughput        ThroughputHints
}

// ThroughputHints feeds the catch-up ETA estimate a forward flush logs
// while still behind the daemon's tip, mirroring config.Coin's
// TxCountHeight/TxCount/TxPerBlock (coin.TX_COUNT_HEIGHT/TX_COUNT/
// TX_PER_BLOCK in the original: a coin-specific rough tx-per-block rate
// plus one calibration point, used to estimate how many transactions
// remain before the processor catches up to the daemon's tip).
type ThroughputHints struct {
	TxCountHeight int64
	TxCount       int64
	TxPerBlock    float64
}

// Processor is the block processor: spec.md section 4.5's orchestrator
// of forward advance, reorg backup, periodic flush, and crash-recovery
// cleanup. It exclusively owns the store handle, the UTXO cache, the
// FSCache, and the in-memory history map for its lifetime — never
// shared across goroutines except through its own exported methods,
// each of which takes mu.
type Processor struct {
	mu sync.Mutex

	store      kv.Store
	fs         *fscache.Store
	utxos      *utxocache.Cache
	classifier ScriptClassifier
	decode     BlockDecoder
	audit      AuditLog

	opts  Options
	state ChainState

	// pendingHistory accumulates tx_nums appended since the last flush,
	// keyed by address. Each flush that has any pending entries writes
	// exactly one new shard per touched address (spec.md section 3:
	// "each flush emits a new shard").
	pendingHistory map[AddressID][]uint32

	// lastFlushedHeight is the height as of the last completed flush;
	// comparing it against state.Height tells flushWithTouched whether
	// this flush is forward (advance) or backward (reorg) direction.
	lastFlushedHeight int64

	flushStart time.Time // wall-clock start of the current in-progress indexing run
	lastFlush  time.Time

	// lastNodeHeight is the daemon tip height last reported to
	// AdvanceBlock, used by logThroughput's ETA estimate and to detect
	// the forward-sync-complete transition. Stale by definition between
	// AdvanceBlock calls, but that matches its one use: a rough ETA
	// while still catching up.
	lastNodeHeight int64

	// caughtUp latches true once the processor's height first reaches
	// the daemon's reported tip, and is cleared on a reorg — mirroring
	// the original's self.caught_up. Gates logThroughput, which has
	// nothing useful to report once caught up.
	caughtUp bool

	// lastFlushTxCount/lastFlushWallClock are the tx_count and
	// wall-clock time as of the previous forward flush, used to compute
	// logThroughput's tx_diff and this-flush-interval tx/sec figures.
	lastFlushTxCount   uint64
	lastFlushWallClock time.Time
}

// Open wires a Processor around an already-open store and FSCache,
// validates the persisted chain state against opts, runs clean_db, and
// returns a ready-to-use Processor.
func Open(store kv.Store, fs *fscache.Store, classifier ScriptClassifier, decode BlockDecoder, audit AuditLog, opts Options) (*Processor, error) {
	p := &Processor{
		store:          store,
		fs:             fs,
		classifier:     classifier,
		decode:         decode,
		audit:          audit,
		opts:           opts,
		pendingHistory:     make(map[AddressID][]uint32),
		flushStart:         time.Now(),
		lastFlush:          time.Now(),
		lastFlushWallClock: time.Now(),
	}

	state, err := p.loadState(opts.GenesisHash)
	if err != nil {
		return nil, err
	}
	p.state = state

	utxos, err := utxocache.New(store, fs, opts.DBCacheEntries)
	if err != nil {
		return nil, fmt.Errorf("open utxo cache: %w", err)
	}
	p.utxos = utxos

	if err := p.cleanDB(); err != nil {
		return nil, err
	}
	p.lastFlushedHeight = p.state.Height
	p.lastFlushTxCount = p.state.TxCount
	p.lastNodeHeight = p.state.Height
	return p, nil
}

// loadState reads the persisted ChainState, or synthesizes the
// height=-1 empty-database state on first run, and fails fast on a
// genesis mismatch (spec.md section 4.5 "Lifecycle").
func (p *Processor) loadState(genesisHash [32]byte) (ChainState, error) {
	raw, err := p.store.Get(stateKey)
	if err == kv.ErrNotFound {
		return ChainState{
			GenesisHash: genesisHash,
			Height:      -1,
			TxCount:     0,
		}, nil
	}
	if err != nil {
		return ChainState{}, fmt.Errorf("load chain state: %w", err)
	}
	state, err := DecodeChainState(raw)
	if err != nil {
		return ChainState{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := state.validate(); err != nil {
		return ChainState{}, err
	}
	if state.GenesisHash != genesisHash {
		return ChainState{}, fmt.Errorf("%w: store has %x, configured coin has %x", ErrGenesisMismatch, state.GenesisHash, genesisHash)
	}
	return state, nil
}

// cleanDB runs the startup cleanup described in spec.md section 4.5:
// purge history shards orphaned by an unclean shutdown, drop undo
// records older than reorg_limit, and persist the corrected state in
// one atomic batch.
func (p *Processor) cleanDB() error {
	if p.state.FlushCount < p.state.UTXOFlushCount {
		return fmt.Errorf("%w: flush_count %d < utxo_flush_count %d", ErrCorrupt, p.state.FlushCount, p.state.UTXOFlushCount)
	}

	batch := p.store.NewBatch()
	defer batch.Close()
	dirty := false

	if p.state.FlushCount > p.state.UTXOFlushCount {
		if err := p.purgeStaleHistory(batch, p.state.UTXOFlushCount); err != nil {
			return err
		}
		p.state.UTXOFlushCount = p.state.FlushCount
		dirty = true
	}

	if p.state.Height >= 0 {
		if err := p.purgeOldUndo(batch, p.state.Height); err != nil {
			return err
		}
		dirty = true
	}

	if dirty {
		batch.Set(stateKey, p.state.Encode())
		if err := batch.Commit(true); err != nil {
			return fmt.Errorf("clean_db commit: %w", err)
		}
	}
	return nil
}

// purgeStaleHistory deletes every history shard whose flush_id exceeds
// lastGoodFlushID, scanning the whole H-prefix keyspace once. An
// unclean shutdown can leave such shards behind when the history half
// of a flush committed but the UTXO half didn't.
func (p *Processor) purgeStaleHistory(batch kv.Batch, lastGoodFlushID uint32) error {
	it, err := kv.PrefixIterator(p.store, []byte{'H'}, false)
	if err != nil {
		return fmt.Errorf("scan history shards: %w", err)
	}
	defer it.Close()
	for it.Valid() {
		key := it.Key()
		if len(key) >= 1+AddressLen+2 {
			if uint32(flushIDFromHistoryKey(key)) > lastGoodFlushID {
				batch.Delete(append([]byte(nil), key...))
			}
		}
		it.Next()
	}
	return nil
}

// purgeOldUndo deletes undo records at or below height - reorg_limit.
func (p *Processor) purgeOldUndo(batch kv.Batch, height int64) error {
	cutoff := height - p.opts.ReorgLimit
	if cutoff < 0 {
		return nil
	}
	it, err := p.store.Iterator([]byte{'U'}, undoKey(cutoff+1), false)
	if err != nil {
		return fmt.Errorf("scan undo records: %w", err)
	}
	defer it.Close()
	for it.Valid() {
		batch.Delete(append([]byte(nil), it.Key()...))
		it.Next()
	}
	return nil
}

// Height returns the processor's current tip height (-1 if empty).
func (p *Processor) Height() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Height
}

// Tip returns the processor's current tip hash.
func (p *Processor) Tip() [32]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Tip
}

// Close flushes any pending state and releases the underlying stores.
func (p *Processor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.flushLocked(true); err != nil {
		return err
	}
	if err := p.fs.Close(); err != nil {
		return err
	}
	return p.store.Close()
}
