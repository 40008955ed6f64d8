package core

import (
	"fmt"
	"time"

	"github.com/metaid/blockindexer/fscache"
	"github.com/metaid/blockindexer/utxocache"
)

// historyEntryBytes approximates the in-memory cost of one pending
// history tx_num (a uint32 plus Go map/slice overhead), re-derived per
// SPEC_FULL.md's Design Notes rather than copied from the original's
// 1/1.3 scale factor (SPEC_FULL.md section 9, Open Question 1).
const historyEntryBytes = 24

// AdvanceBlock decodes and applies one block, following spec.md section
// 4.5's "Forward advance" exactly: FSCache is extended before the
// prev-hash check so a mismatch can be undone cheaply via
// fscache.BackupBlock, inputs are spent before outputs are created
// within each transaction, and NO_CACHE_ENTRY never reaches the history
// map. nodeHeight is the daemon's currently reported tip height: it
// decides whether this block's undo record is worth keeping, latches
// caughtUp once reached, and is kept as lastNodeHeight for the
// throughput ETA.
func (p *Processor) AdvanceBlock(raw []byte, nodeHeight int64) (Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastNodeHeight = nodeHeight

	block, err := p.decode(raw)
	if err != nil {
		return 0, fmt.Errorf("decode block: %w", err)
	}

	if err := p.fs.AdvanceBlock(fscache.BlockHeader{Hash: block.Header.Hash, Raw: block.Header.Raw}, block.TxHashes); err != nil {
		return 0, fmt.Errorf("fscache advance_block: %w", err)
	}

	if block.Header.PrevHash != p.state.Tip {
		if _, err := p.fs.BackupBlock(); err != nil {
			return 0, fmt.Errorf("fscache backup_block after reorg detect: %w", err)
		}
		return ReorgDetected, nil
	}

	height := p.state.Height + 1
	var undoEntries []UTXOValue

	for _, tx := range block.Transactions {
		touched := make(map[AddressID]struct{})

		if !tx.Coinbase {
			for _, in := range tx.Inputs {
				entry, ok, err := p.utxos.Spend(in.TxID, in.Vout)
				if err != nil {
					return 0, fmt.Errorf("spend %x:%d: %w", in.TxID, in.Vout, err)
				}
				if !ok {
					// Unindexed previous output (ungrokkable script):
					// still needs a placeholder so the undo record keeps
					// one entry per non-coinbase input; backupOneBlock
					// skips re-Put on this sentinel.
					undoEntries = append(undoEntries, UTXOValue{Address: NoCacheEntry})
					continue
				}
				undoEntries = append(undoEntries, UTXOValue{Address: entry.Address, TxNum: entry.TxNum, Value: entry.Value})
				touched[entry.Address] = struct{}{}
			}
		}

		for vout, out := range tx.Outputs {
			addr := p.classifier.ClassifyOutputScript(out.Script)
			if addr == NoCacheEntry {
				continue
			}
			p.utxos.Put(tx.Hash, uint16(vout), utxocache.Entry{
				Address: addr,
				TxNum:   uint32(p.state.TxCount),
				TxPos:   uint16(vout),
				Value:   out.Value,
			})
			touched[addr] = struct{}{}
		}

		delete(touched, NoCacheEntry)
		for addr := range touched {
			p.pendingHistory[addr] = append(p.pendingHistory[addr], uint32(p.state.TxCount))
		}

		p.state.TxCount++
	}

	p.state.Height = height
	p.state.Tip = block.Header.Hash

	if height >= nodeHeight {
		p.caughtUp = true
	}

	if nodeHeight-height <= p.opts.ReorgLimit {
		if err := p.store.Set(undoKey(height), packUndo(undoEntries), false); err != nil {
			return 0, fmt.Errorf("persist undo record for height %d: %w", height, err)
		}
	}

	if time.Since(p.lastFlush) >= p.opts.FlushDebounce {
		if err := p.maybeFlush(); err != nil {
			return 0, err
		}
	}

	if p.audit != nil {
		p.audit.LogAdvance(height, p.state.TxCount, false)
	}
	return Advanced, nil
}

// maybeFlush checks both cache size ceilings and flushes if either is
// crossed, including UTXOs whenever the UTXO cache itself is the reason
// (spec.md section 4.5 step 6).
func (p *Processor) maybeFlush() error {
	p.lastFlush = time.Now()

	histBytes := int64(0)
	for _, nums := range p.pendingHistory {
		histBytes += int64(len(nums)) * historyEntryBytes
	}
	utxoBytes := p.utxos.ApproxBytes()

	overUTXO := utxoBytes >= p.opts.UTXOCacheMaxBytes
	overHist := histBytes >= p.opts.HistCacheMaxBytes
	if !overUTXO && !overHist {
		return nil
	}
	return p.flushLocked(overUTXO)
}
