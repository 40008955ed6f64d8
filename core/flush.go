package core

import (
	"fmt"
	"sort"
	"time"

	"github.com/metaid/blockindexer/kv"
)

// flushLocked commits the processor's in-memory state to FSCache and
// the KV store, following spec.md section 4.5's "Flush discipline".
// Callers must hold p.mu. touched is consulted only on a reorg-direction
// flush (p.state.Height < p.lastFlushedHeight): it names the addresses
// whose history needs trimming via backupHistory. A forward-direction
// flush instead appends one new shard per address with pending history.
func (p *Processor) flushLocked(includeUTXO bool) error {
	return p.flushWithTouched(includeUTXO, nil)
}

func (p *Processor) flushWithTouched(includeUTXO bool, touched map[AddressID]struct{}) error {
	forward := p.state.Height > p.lastFlushedHeight
	txDiff := p.state.TxCount - p.lastFlushTxCount

	if forward {
		if err := p.fs.Flush(); err != nil {
			return fmt.Errorf("flush: fscache: %w", err)
		}
	}

	batch := p.store.NewBatch()
	defer batch.Close()

	if forward {
		newFlushID := p.state.FlushCount + 1
		for addr, nums := range p.pendingHistory {
			batch.Set(historyKey(addr, uint16(newFlushID)), packTxNums(nums))
		}
		p.state.FlushCount = newFlushID
		p.pendingHistory = make(map[AddressID][]uint32)
	} else {
		if err := p.backupHistory(batch, touched); err != nil {
			return fmt.Errorf("flush: backup_history: %w", err)
		}
	}

	if includeUTXO {
		p.utxos.Flush(batch)
		p.state.UTXOFlushCount = p.state.FlushCount
	}

	p.state.WallTime += time.Since(p.flushStart)
	batch.Set(stateKey, p.state.Encode())

	commitStart := time.Now()
	if err := batch.Commit(true); err != nil {
		return fmt.Errorf("flush: commit: %w", err)
	}
	p.state.WallTime += time.Since(commitStart)

	// Rewrite the state record once more outside the batch to capture
	// the commit's own duration in wall_time (spec.md section 4.5,
	// "Flush discipline" step 3).
	if err := p.store.Set(stateKey, p.state.Encode(), true); err != nil {
		return fmt.Errorf("flush: state rewrite: %w", err)
	}

	p.lastFlushedHeight = p.state.Height
	p.flushStart = time.Now()

	if p.audit != nil {
		p.audit.LogAdvance(p.state.Height, p.state.TxCount, true)
	}
	if forward {
		p.logThroughput(txDiff)
		p.lastFlushTxCount = p.state.TxCount
	}
	if includeUTXO {
		p.assertFlushed()
	}
	return nil
}

// logThroughput reports tx/sec since genesis and since the last flush,
// plus a catch-up ETA, gated on !caughtUp && txDiff > 0 exactly as the
// original gates its "Catch-up stats" block in flush(). A no-op once
// caught up, with no audit log configured, or with nothing to estimate
// from (zero wall time recorded yet).
func (p *Processor) logThroughput(txDiff uint64) {
	if p.caughtUp || txDiff == 0 || p.audit == nil {
		return
	}
	wallSeconds := p.state.WallTime.Seconds()
	if wallSeconds <= 0 {
		return
	}

	interval := time.Since(p.lastFlushWallClock).Seconds()
	if interval <= 0 {
		interval = 1
	}
	p.lastFlushWallClock = time.Now()

	txsPerSec := int64(float64(p.state.TxCount) / wallSeconds)
	thisTxsPerSec := int64(1 + float64(txDiff)/interval)

	hints := p.opts.Throughput
	var txEstimate float64
	if p.state.Height > hints.TxCountHeight {
		txEstimate = float64(p.lastNodeHeight-p.state.Height) * hints.TxPerBlock
	} else {
		txEstimate = float64(p.lastNodeHeight-hints.TxCountHeight)*hints.TxPerBlock +
			float64(hints.TxCount-int64(p.state.TxCount))
	}
	eta := time.Duration(txEstimate/float64(thisTxsPerSec)) * time.Second

	p.audit.LogThroughput(txsPerSec, thisTxsPerSec, p.state.WallTime, eta)
}

// backupHistory trims every touched address's history shards to remove
// tx_nums >= p.state.TxCount (the cutoff established by rollback, i.e.
// transactions that belonged only to the orphaned chain). Shards are
// walked newest-flush_id-first (ascending tx_num within an address is
// guaranteed monotonic across flush_ids even when an address's flush_id
// sequence has gaps, since flush_id order always matches chronological
// order). A shard entirely at or above the cutoff is deleted outright; a
// shard straddling the cutoff is truncated in place; in both cases the
// walk continues to the next older shard, since a straddling shard does
// not guarantee every older shard is already entirely below the cutoff
// (SPEC_FULL.md Design Notes, Open Question 2). The walk only stops once
// it reaches a shard entirely below the cutoff — nothing to trim there,
// and every shard older than it is below the cutoff too.
func (p *Processor) backupHistory(batch kv.Batch, touched map[AddressID]struct{}) error {
	cutoff := uint32(p.state.TxCount)
	for addr := range touched {
		it, err := kv.PrefixIterator(p.store, historyPrefix(addr), true)
		if err != nil {
			return fmt.Errorf("iterate history for %x: %w", addr, err)
		}
		for it.Valid() {
			key := append([]byte(nil), it.Key()...)
			value := append([]byte(nil), it.Value()...)
			nums, err := unpackTxNums(value)
			if err != nil {
				it.Close()
				return fmt.Errorf("unpack history shard %x: %w", key, err)
			}

			idx := sort.Search(len(nums), func(i int) bool { return nums[i] >= cutoff })
			switch {
			case idx == len(nums):
				// entire shard below cutoff: nothing to trim, and every
				// older shard for this address is below it too.
				it.Close()
				goto nextAddr
			case idx == 0:
				// entire shard at or above cutoff: drop it, keep walking.
				batch.Delete(key)
			default:
				// straddles the cutoff: truncate, but keep walking —
				// an older shard may still hold entries >= cutoff too.
				batch.Set(key, packTxNums(nums[:idx]))
			}
			it.Next()
		}
		it.Close()
	nextAddr:
	}
	return nil
}

// assertFlushed verifies the post-flush invariant from spec.md section
// 7: after a full flush (history and UTXOs both included), every
// in-memory structure a flush is supposed to drain is empty. A
// violation indicates a processor bug and must abort loudly rather than
// silently continue operating on inconsistent state.
func (p *Processor) assertFlushed() {
	if len(p.pendingHistory) != 0 {
		panic(fmt.Sprintf("core: assert_flushed failed: %d addresses with unflushed history", len(p.pendingHistory)))
	}
	if b := p.utxos.PendingBytes(); b != 0 {
		panic(fmt.Sprintf("core: assert_flushed failed: utxo cache not empty (%d bytes)", b))
	}
}
