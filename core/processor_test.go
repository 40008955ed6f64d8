package core_test

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/metaid/blockindexer/core"
	"github.com/metaid/blockindexer/fscache"
	"github.com/metaid/blockindexer/kv"
)

// fakeClassifier packs a script byte-for-byte into the low bytes of an
// AddressID, so tests can name addresses by a single distinguishing
// script byte instead of building real scripts.
type fakeClassifier struct{}

func (fakeClassifier) ClassifyOutputScript(script []byte) core.AddressID {
	if len(script) == 0 {
		return core.NoCacheEntry
	}
	var id core.AddressID
	id[0] = 1
	copy(id[1:], script)
	return id
}

func addrFor(script byte) core.AddressID {
	return fakeClassifier{}.ClassifyOutputScript([]byte{script})
}

func txHash(seed byte) [32]byte {
	var h [32]byte
	h[0] = 'T'
	h[1] = seed
	return h
}

func blockHash(seed int) [32]byte {
	var h [32]byte
	copy(h[:], []byte(fmt.Sprintf("block-%06d", seed)))
	return h
}

// chain is an in-memory, hand-built block sequence standing in for a
// real node: AdvanceBlock/HandleChainReorg only ever see it through the
// core.Daemon and core.BlockDecoder interfaces.
type chain struct {
	blocks []core.RawBlock
	byHash map[[32]byte]int
}

func newChain() *chain { return &chain{byHash: make(map[[32]byte]int)} }

func (c *chain) add(prevHash [32]byte, txs []core.Transaction) core.RawBlock {
	idx := len(c.blocks)
	hashes := make([][32]byte, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash
	}
	blk := core.RawBlock{
		Header: core.BlockHeader{
			Hash:     blockHash(idx),
			PrevHash: prevHash,
			Raw:      []byte(fmt.Sprintf("header-%d", idx)),
		},
		TxHashes:     hashes,
		Transactions: txs,
	}
	c.blocks = append(c.blocks, blk)
	c.byHash[blk.Header.Hash] = idx
	return blk
}

func (c *chain) raw(idx int) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(idx))
	return buf
}

func (c *chain) decode(raw []byte) (core.RawBlock, error) {
	idx := binary.BigEndian.Uint32(raw)
	if int(idx) >= len(c.blocks) {
		return core.RawBlock{}, fmt.Errorf("fake chain: no block %d", idx)
	}
	return c.blocks[idx], nil
}

// fakeDaemon implements core.Daemon over a chain, with an independently
// settable view of "the best chain per height" so reorg tests can make
// the daemon disagree with the locally indexed chain at and above a
// chosen height.
type fakeDaemon struct {
	c        *chain
	height   int64
	remoteAt map[int64][32]byte
}

func (d *fakeDaemon) Height() (int64, error) { return d.height, nil }
func (d *fakeDaemon) CachedHeight() int64    { return d.height }

func (d *fakeDaemon) BlockHash(height int64) ([32]byte, error) {
	h, ok := d.remoteAt[height]
	if !ok {
		return [32]byte{}, fmt.Errorf("fake daemon: no remote hash at height %d", height)
	}
	return h, nil
}

func (d *fakeDaemon) RawBlock(hash [32]byte) ([]byte, error) {
	idx, ok := d.c.byHash[hash]
	if !ok {
		return nil, fmt.Errorf("fake daemon: unknown block hash %x", hash)
	}
	return d.c.raw(idx), nil
}

func openStore(t *testing.T) kv.Store {
	t.Helper()
	s, err := kv.Open(t.TempDir())
	if err != nil {
		t.Fatalf("kv.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func openFS(t *testing.T) *fscache.Store {
	t.Helper()
	s, err := fscache.Open(t.TempDir())
	if err != nil {
		t.Fatalf("fscache.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// noAutoFlushOpts never flushes on its own: thresholds are huge and the
// debounce window is long, so only an explicit forced flush (reorg,
// Close) ever commits anything. Good for tests that want several
// blocks' history batched into a single shard.
func noAutoFlushOpts() core.Options {
	return core.Options{
		GenesisHash:       [32]byte{0xAB},
		ReorgLimit:        100,
		UTXOCacheMaxBytes: 1 << 30,
		HistCacheMaxBytes: 1 << 30,
		DBCacheEntries:    64,
		FlushDebounce:     time.Hour,
	}
}

// alwaysFlushOpts flushes after every AdvanceBlock: zero-size ceilings
// and no debounce window, so cache byte totals (always >= 0) trip the
// threshold check immediately.
func alwaysFlushOpts() core.Options {
	o := noAutoFlushOpts()
	o.UTXOCacheMaxBytes = 0
	o.HistCacheMaxBytes = 0
	o.FlushDebounce = 0
	return o
}

func TestMonotonicHeightAndTip(t *testing.T) {
	store := openStore(t)
	fs := openFS(t)
	tc := newChain()

	var zero [32]byte
	b0 := tc.add(zero, []core.Transaction{{Hash: txHash(0), Coinbase: true}})
	b1 := tc.add(b0.Header.Hash, []core.Transaction{{Hash: txHash(1), Coinbase: true}})

	proc, err := core.Open(store, fs, fakeClassifier{}, tc.decode, nil, noAutoFlushOpts())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if h := proc.Height(); h != -1 {
		t.Fatalf("Height before any block = %d, want -1", h)
	}

	if outcome, err := proc.AdvanceBlock(tc.raw(0), 2); err != nil || outcome != core.Advanced {
		t.Fatalf("advance block0: outcome=%v err=%v", outcome, err)
	}
	if h := proc.Height(); h != 0 {
		t.Fatalf("Height after block0 = %d, want 0", h)
	}
	if tip := proc.Tip(); tip != b0.Header.Hash {
		t.Fatalf("Tip after block0 = %x, want %x", tip, b0.Header.Hash)
	}

	if outcome, err := proc.AdvanceBlock(tc.raw(1), 2); err != nil || outcome != core.Advanced {
		t.Fatalf("advance block1: outcome=%v err=%v", outcome, err)
	}
	if h := proc.Height(); h != 1 {
		t.Fatalf("Height after block1 = %d, want 1", h)
	}
	if tip := proc.Tip(); tip != b1.Header.Hash {
		t.Fatalf("Tip after block1 = %x, want %x", tip, b1.Header.Hash)
	}
}

func TestUTXOConservationAcrossBlocks(t *testing.T) {
	store := openStore(t)
	fs := openFS(t)
	tc := newChain()
	addrX := addrFor('X')

	var zero [32]byte
	b0 := tc.add(zero, []core.Transaction{{
		Hash:     txHash(0),
		Coinbase: true,
		Outputs:  []core.TxOutput{{Script: []byte{'X'}, Value: 500}},
	}})
	tc.add(b0.Header.Hash, []core.Transaction{{
		Hash:     txHash(1),
		Coinbase: false,
		Inputs:   []core.Outpoint{{TxID: txHash(0), Vout: 0}},
		Outputs:  []core.TxOutput{{Script: []byte{'X'}, Value: 200}},
	}})

	proc, err := core.Open(store, fs, fakeClassifier{}, tc.decode, nil, alwaysFlushOpts())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := proc.AdvanceBlock(tc.raw(0), 2); err != nil {
		t.Fatalf("advance block0: %v", err)
	}
	if balance, err := proc.GetBalance(addrX); err != nil || balance != 500 {
		t.Fatalf("balance after block0 = %d (err %v), want 500", balance, err)
	}

	if _, err := proc.AdvanceBlock(tc.raw(1), 2); err != nil {
		t.Fatalf("advance block1: %v", err)
	}
	balance, err := proc.GetBalance(addrX)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if balance != 200 {
		t.Fatalf("balance after block1 = %d, want 200 (500 spent, 200 created)", balance)
	}

	utxos, err := proc.GetUTXOs(addrX, nil)
	if err != nil {
		t.Fatalf("GetUTXOs: %v", err)
	}
	if len(utxos) != 1 || utxos[0].Value != 200 || utxos[0].TxHash != txHash(1) {
		t.Fatalf("unexpected utxo set %+v", utxos)
	}
}

// TestReorgRollsBackUndoesUTXOsAndTrimsHistory builds a four-block chain
// then forks at its grandparent, checking that HandleChainReorg finds
// the right common ancestor, undoes only the orphaned block's effects,
// and trims a single merged history shard that straddles the rollback
// cutoff (rather than either over-deleting it or leaving stale entries
// behind).
func TestReorgRollsBackUndoesUTXOsAndTrimsHistory(t *testing.T) {
	store := openStore(t)
	fs := openFS(t)
	tc := newChain()
	addrX := addrFor('X')

	mkTx := func(seed byte, value uint64) core.Transaction {
		return core.Transaction{
			Hash:     txHash(seed),
			Coinbase: true,
			Outputs:  []core.TxOutput{{Script: []byte{'X'}, Value: value}},
		}
	}

	var zero [32]byte
	b0 := tc.add(zero, []core.Transaction{mkTx(0, 100)})
	b1 := tc.add(b0.Header.Hash, []core.Transaction{mkTx(1, 200)})
	b2 := tc.add(b1.Header.Hash, []core.Transaction{mkTx(2, 300)})
	b3 := tc.add(b2.Header.Hash, []core.Transaction{mkTx(3, 400)})
	b3fork := tc.add(b2.Header.Hash, []core.Transaction{mkTx(13, 999)})

	// No auto flush: all four blocks' history stays pending in one batch,
	// so the forced flush HandleChainReorg issues writes it as a single
	// shard spanning tx_nums 0-3 — the shard the rollback must straddle.
	proc, err := core.Open(store, fs, fakeClassifier{}, tc.decode, nil, noAutoFlushOpts())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := 0; i < 4; i++ {
		if outcome, err := proc.AdvanceBlock(tc.raw(i), 3); err != nil || outcome != core.Advanced {
			t.Fatalf("advance block%d: outcome=%v err=%v", i, outcome, err)
		}
	}
	if tip := proc.Tip(); tip != b3.Header.Hash {
		t.Fatalf("Tip after advancing block3 = %x, want %x", tip, b3.Header.Hash)
	}

	outcome, err := proc.AdvanceBlock(tc.raw(4), 4)
	if err != nil {
		t.Fatalf("advance fork block: %v", err)
	}
	if outcome != core.ReorgDetected {
		t.Fatalf("advancing the fork block = %v, want ReorgDetected", outcome)
	}
	if h := proc.Height(); h != 3 {
		t.Fatalf("Height after a rejected fork block = %d, want 3 (unchanged)", h)
	}

	daemon := &fakeDaemon{
		c:      tc,
		height: 3,
		remoteAt: map[int64][32]byte{
			0: b0.Header.Hash,
			1: b1.Header.Hash,
			2: b2.Header.Hash,
		},
	}
	if err := proc.HandleChainReorg(daemon, false, nil); err != nil {
		t.Fatalf("HandleChainReorg: %v", err)
	}

	if h := proc.Height(); h != 2 {
		t.Fatalf("Height after reorg = %d, want 2 (common ancestor)", h)
	}
	if tip := proc.Tip(); tip != b2.Header.Hash {
		t.Fatalf("Tip after reorg = %x, want %x", tip, b2.Header.Hash)
	}

	hist, err := proc.GetHistory(addrX, nil)
	if err != nil {
		t.Fatalf("GetHistory after reorg: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("history after reorg has %d entries, want 3 (tx_nums 0,1,2 only)", len(hist))
	}
	for i, want := range []struct {
		hash   byte
		height int64
	}{{0, 0}, {1, 1}, {2, 2}} {
		if hist[i].TxHash != txHash(want.hash) || hist[i].Height != want.height {
			t.Fatalf("history[%d] = (%x, %d), want (tx%d, height %d)", i, hist[i].TxHash, hist[i].Height, want.hash, want.height)
		}
	}

	balance, err := proc.GetBalance(addrX)
	if err != nil {
		t.Fatalf("GetBalance after reorg: %v", err)
	}
	if balance != 600 {
		t.Fatalf("balance after reorg = %d, want 600 (100+200+300, block3's 400 undone)", balance)
	}

	// Re-advancing the fork block should now succeed: the tip matches its
	// parent (block2).
	outcome, err = proc.AdvanceBlock(tc.raw(4), 4)
	if err != nil {
		t.Fatalf("re-advance fork block: %v", err)
	}
	if outcome != core.Advanced {
		t.Fatalf("re-advancing the fork block = %v, want Advanced", outcome)
	}
	if h := proc.Height(); h != 3 {
		t.Fatalf("Height after re-advancing fork block = %d, want 3", h)
	}
	if tip := proc.Tip(); tip != b3fork.Header.Hash {
		t.Fatalf("Tip after re-advancing fork block = %x, want %x", tip, b3fork.Header.Hash)
	}
}

func TestGenesisMismatchRejectsReopen(t *testing.T) {
	store := openStore(t)
	fs := openFS(t)
	noopDecode := func([]byte) (core.RawBlock, error) { return core.RawBlock{}, nil }

	opts := noAutoFlushOpts()
	opts.GenesisHash = [32]byte{1}
	proc, err := core.Open(store, fs, fakeClassifier{}, noopDecode, nil, opts)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := proc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	opts2 := opts
	opts2.GenesisHash = [32]byte{2}
	if _, err := core.Open(store, fs, fakeClassifier{}, noopDecode, nil, opts2); !errors.Is(err, core.ErrGenesisMismatch) {
		t.Fatalf("reopen with a different genesis hash: err=%v, want ErrGenesisMismatch", err)
	}
}

func historyKeyForTest(addr core.AddressID, flushID uint16) []byte {
	key := make([]byte, 1+core.AddressLen+2)
	key[0] = 'H'
	copy(key[1:1+core.AddressLen], addr[:])
	binary.BigEndian.PutUint16(key[1+core.AddressLen:], flushID)
	return key
}

func undoKeyForTest(height int64) []byte {
	key := make([]byte, 1+4)
	key[0] = 'U'
	binary.BigEndian.PutUint32(key[1:], uint32(height))
	return key
}

// TestOpenPurgesStaleHistoryAndOldUndo seeds a store to look like it
// crashed mid-flush (flush_count ahead of utxo_flush_count, leaving a
// stray history shard) plus an undo record older than reorg_limit
// retains, and checks Open's clean_db pass clears exactly those two
// things and nothing else.
func TestOpenPurgesStaleHistoryAndOldUndo(t *testing.T) {
	store := openStore(t)
	fs := openFS(t)
	addr := addrFor('Z')

	state := core.ChainState{
		GenesisHash:    [32]byte{9},
		Height:         5,
		TxCount:        10,
		Tip:            [32]byte{7},
		FlushCount:     2,
		UTXOFlushCount: 1,
	}
	if err := store.Set([]byte("state"), state.Encode(), true); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	goodKey := historyKeyForTest(addr, 1)
	staleKey := historyKeyForTest(addr, 2)
	if err := store.Set(goodKey, []byte{1, 2, 3, 4}, true); err != nil {
		t.Fatalf("seed good shard: %v", err)
	}
	if err := store.Set(staleKey, []byte{5, 6, 7, 8}, true); err != nil {
		t.Fatalf("seed stale shard: %v", err)
	}

	oldUndoKey := undoKeyForTest(2)
	keptUndoKey := undoKeyForTest(4)
	if err := store.Set(oldUndoKey, []byte{}, true); err != nil {
		t.Fatalf("seed old undo: %v", err)
	}
	if err := store.Set(keptUndoKey, []byte{}, true); err != nil {
		t.Fatalf("seed kept undo: %v", err)
	}

	opts := noAutoFlushOpts()
	opts.GenesisHash = [32]byte{9}
	opts.ReorgLimit = 2 // cutoff = height(5) - 2 = 3

	noopDecode := func([]byte) (core.RawBlock, error) { return core.RawBlock{}, nil }
	proc, err := core.Open(store, fs, fakeClassifier{}, noopDecode, nil, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer proc.Close()

	if _, err := store.Get(goodKey); err != nil {
		t.Fatalf("good shard (flush_id 1) should survive clean_db: %v", err)
	}
	if _, err := store.Get(staleKey); err == nil {
		t.Fatalf("stale shard (flush_id 2 > utxo_flush_count 1) should be purged")
	}
	if _, err := store.Get(oldUndoKey); err == nil {
		t.Fatalf("undo record at height 2 (<= cutoff 3) should be purged")
	}
	if _, err := store.Get(keptUndoKey); err != nil {
		t.Fatalf("undo record at height 4 (> cutoff 3) should survive: %v", err)
	}
}

// TestUndoSufficiency builds a block whose non-coinbase input spends an
// unindexed previous output (one the classifier maps to NoCacheEntry),
// alongside an input that spends a real, cached one. AdvanceBlock must
// still record one undo entry per input — a NoCacheEntry placeholder for
// the unindexed one — or the block becomes unrollbackable: backupOneBlock
// zips undo entries against every non-coinbase input and rejects a
// length mismatch with ErrCorrupt.
func TestUndoSufficiency(t *testing.T) {
	store := openStore(t)
	fs := openFS(t)
	tc := newChain()
	addrX := addrFor('X')

	var zero [32]byte
	b0 := tc.add(zero, []core.Transaction{{
		Hash:     txHash(0),
		Coinbase: true,
		Outputs: []core.TxOutput{
			{Script: nil, Value: 50},          // unindexed: classifier returns NoCacheEntry
			{Script: []byte{'X'}, Value: 500}, // indexed
		},
	}})
	tc.add(b0.Header.Hash, []core.Transaction{{
		Hash:     txHash(1),
		Coinbase: false,
		Inputs: []core.Outpoint{
			{TxID: txHash(0), Vout: 0}, // spends the unindexed output
			{TxID: txHash(0), Vout: 1}, // spends the indexed output
		},
		Outputs: []core.TxOutput{{Script: []byte{'X'}, Value: 200}},
	}})
	tc.add(b0.Header.Hash, []core.Transaction{{Hash: txHash(2), Coinbase: true}})

	proc, err := core.Open(store, fs, fakeClassifier{}, tc.decode, nil, alwaysFlushOpts())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := proc.AdvanceBlock(tc.raw(0), 1); err != nil {
		t.Fatalf("advance block0: %v", err)
	}
	if outcome, err := proc.AdvanceBlock(tc.raw(1), 1); err != nil || outcome != core.Advanced {
		t.Fatalf("advance block1 (spends an unindexed output): outcome=%v err=%v", outcome, err)
	}

	outcome, err := proc.AdvanceBlock(tc.raw(2), 2)
	if err != nil {
		t.Fatalf("advance fork block: %v", err)
	}
	if outcome != core.ReorgDetected {
		t.Fatalf("advancing the fork block = %v, want ReorgDetected", outcome)
	}

	daemon := &fakeDaemon{c: tc, height: 1, remoteAt: map[int64][32]byte{0: b0.Header.Hash}}
	if err := proc.HandleChainReorg(daemon, false, nil); err != nil {
		t.Fatalf("HandleChainReorg: %v (undo record should still have one entry per input)", err)
	}

	if h := proc.Height(); h != 0 {
		t.Fatalf("Height after reorg = %d, want 0", h)
	}
	if tip := proc.Tip(); tip != b0.Header.Hash {
		t.Fatalf("Tip after reorg = %x, want %x", tip, b0.Header.Hash)
	}
	balance, err := proc.GetBalance(addrX)
	if err != nil {
		t.Fatalf("GetBalance after reorg: %v", err)
	}
	if balance != 500 {
		t.Fatalf("balance after reorg = %d, want 500 (block1's spend of it undone)", balance)
	}
}

// TestHistoryBackupMultiShardStraddle forces five blocks into three
// separate history shards for one address ([0], [1,2], [3,4]) by closing
// and reopening the processor between groups, then rolls back to height
// 1 (cutoff tx_num 2). backupHistory must delete the newest shard
// outright, truncate the middle one in place at the cutoff, and leave
// the oldest alone — proving the walk keeps going past a deleted or
// straddled shard instead of stopping at the first one it touches.
func TestHistoryBackupMultiShardStraddle(t *testing.T) {
	store := openStore(t)
	fs := openFS(t)
	tc := newChain()
	addrX := addrFor('X')
	opts := noAutoFlushOpts()

	mkTx := func(seed byte, value uint64) core.Transaction {
		return core.Transaction{
			Hash:     txHash(seed),
			Coinbase: true,
			Outputs:  []core.TxOutput{{Script: []byte{'X'}, Value: value}},
		}
	}

	var zero [32]byte
	b0 := tc.add(zero, []core.Transaction{mkTx(0, 10)})
	b1 := tc.add(b0.Header.Hash, []core.Transaction{mkTx(1, 20)})
	b2 := tc.add(b1.Header.Hash, []core.Transaction{mkTx(2, 30)})
	b3 := tc.add(b2.Header.Hash, []core.Transaction{mkTx(3, 40)})
	tc.add(b3.Header.Hash, []core.Transaction{mkTx(4, 50)})
	tc.add(b1.Header.Hash, []core.Transaction{mkTx(12, 999)})

	proc, err := core.Open(store, fs, fakeClassifier{}, tc.decode, nil, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := proc.AdvanceBlock(tc.raw(0), 10); err != nil {
		t.Fatalf("advance block0: %v", err)
	}
	if err := proc.Close(); err != nil {
		t.Fatalf("close after block0: %v", err)
	}

	proc, err = core.Open(store, fs, fakeClassifier{}, tc.decode, nil, opts)
	if err != nil {
		t.Fatalf("reopen after block0: %v", err)
	}
	if _, err := proc.AdvanceBlock(tc.raw(1), 10); err != nil {
		t.Fatalf("advance block1: %v", err)
	}
	if _, err := proc.AdvanceBlock(tc.raw(2), 10); err != nil {
		t.Fatalf("advance block2: %v", err)
	}
	if err := proc.Close(); err != nil {
		t.Fatalf("close after block2: %v", err)
	}

	proc, err = core.Open(store, fs, fakeClassifier{}, tc.decode, nil, opts)
	if err != nil {
		t.Fatalf("reopen after block2: %v", err)
	}
	if _, err := proc.AdvanceBlock(tc.raw(3), 10); err != nil {
		t.Fatalf("advance block3: %v", err)
	}
	if _, err := proc.AdvanceBlock(tc.raw(4), 10); err != nil {
		t.Fatalf("advance block4: %v", err)
	}
	if err := proc.Close(); err != nil {
		t.Fatalf("close after block4: %v", err)
	}

	proc, err = core.Open(store, fs, fakeClassifier{}, tc.decode, nil, opts)
	if err != nil {
		t.Fatalf("reopen after block4: %v", err)
	}

	outcome, err := proc.AdvanceBlock(tc.raw(5), 10)
	if err != nil {
		t.Fatalf("advance fork block: %v", err)
	}
	if outcome != core.ReorgDetected {
		t.Fatalf("advancing the fork block = %v, want ReorgDetected", outcome)
	}

	daemon := &fakeDaemon{
		c:      tc,
		height: 10,
		remoteAt: map[int64][32]byte{
			0: b0.Header.Hash,
			1: b1.Header.Hash,
			2: blockHash(98), // disagrees with local block2: true divergence is height 2
			3: blockHash(97), // disagrees with local block3
		},
	}
	if err := proc.HandleChainReorg(daemon, false, nil); err != nil {
		t.Fatalf("HandleChainReorg: %v", err)
	}

	if h := proc.Height(); h != 1 {
		t.Fatalf("Height after reorg = %d, want 1", h)
	}
	if tip := proc.Tip(); tip != b1.Header.Hash {
		t.Fatalf("Tip after reorg = %x, want %x", tip, b1.Header.Hash)
	}

	hist, err := proc.GetHistory(addrX, nil)
	if err != nil {
		t.Fatalf("GetHistory after reorg: %v", err)
	}
	if len(hist) != 2 || hist[0].TxHash != txHash(0) || hist[1].TxHash != txHash(1) {
		t.Fatalf("history after reorg = %+v, want [tx0, tx1]", hist)
	}

	balance, err := proc.GetBalance(addrX)
	if err != nil {
		t.Fatalf("GetBalance after reorg: %v", err)
	}
	if balance != 30 {
		t.Fatalf("balance after reorg = %d, want 30 (10+20, blocks 2-4's 30+40+50 undone)", balance)
	}
}

// TestReorgToGenesis exercises HandleChainReorg's toGenesis path:
// findCommonAncestor must short-circuit straight to height 0 without
// ever consulting the daemon's per-height hashes, rewinding all the way
// back to (but not below) the genesis block.
func TestReorgToGenesis(t *testing.T) {
	store := openStore(t)
	fs := openFS(t)
	tc := newChain()
	addrX := addrFor('X')

	mkTx := func(seed byte, value uint64) core.Transaction {
		return core.Transaction{
			Hash:     txHash(seed),
			Coinbase: true,
			Outputs:  []core.TxOutput{{Script: []byte{'X'}, Value: value}},
		}
	}

	var zero [32]byte
	b0 := tc.add(zero, []core.Transaction{mkTx(0, 10)})
	b1 := tc.add(b0.Header.Hash, []core.Transaction{mkTx(1, 20)})
	tc.add(b1.Header.Hash, []core.Transaction{mkTx(2, 30)})
	b1fork := tc.add(b0.Header.Hash, []core.Transaction{mkTx(11, 999)})

	proc, err := core.Open(store, fs, fakeClassifier{}, tc.decode, nil, noAutoFlushOpts())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if outcome, err := proc.AdvanceBlock(tc.raw(i), 5); err != nil || outcome != core.Advanced {
			t.Fatalf("advance block%d: outcome=%v err=%v", i, outcome, err)
		}
	}

	outcome, err := proc.AdvanceBlock(tc.raw(3), 5)
	if err != nil {
		t.Fatalf("advance fork block: %v", err)
	}
	if outcome != core.ReorgDetected {
		t.Fatalf("advancing the fork block = %v, want ReorgDetected", outcome)
	}

	// No remoteAt entries at all: toGenesis must never call BlockHash,
	// only RawBlock to re-fetch each orphaned block by its local hash.
	daemon := &fakeDaemon{c: tc, height: 3}
	if err := proc.HandleChainReorg(daemon, true, nil); err != nil {
		t.Fatalf("HandleChainReorg(toGenesis): %v", err)
	}

	if h := proc.Height(); h != 0 {
		t.Fatalf("Height after reorg to genesis = %d, want 0", h)
	}
	if tip := proc.Tip(); tip != b0.Header.Hash {
		t.Fatalf("Tip after reorg to genesis = %x, want %x", tip, b0.Header.Hash)
	}

	balance, err := proc.GetBalance(addrX)
	if err != nil {
		t.Fatalf("GetBalance after reorg: %v", err)
	}
	if balance != 10 {
		t.Fatalf("balance after reorg to genesis = %d, want 10 (only block0 survives)", balance)
	}

	hist, err := proc.GetHistory(addrX, nil)
	if err != nil {
		t.Fatalf("GetHistory after reorg: %v", err)
	}
	if len(hist) != 1 || hist[0].TxHash != txHash(0) {
		t.Fatalf("history after reorg to genesis = %+v, want just tx0", hist)
	}

	// The fork block's parent is now the tip, so it should apply cleanly.
	outcome, err = proc.AdvanceBlock(tc.raw(3), 5)
	if err != nil {
		t.Fatalf("re-advance fork block: %v", err)
	}
	if outcome != core.Advanced {
		t.Fatalf("re-advancing the fork block = %v, want Advanced", outcome)
	}
	if tip := proc.Tip(); tip != b1fork.Header.Hash {
		t.Fatalf("Tip after re-advancing fork block = %x, want %x", tip, b1fork.Header.Hash)
	}
}
