package core

import (
	"fmt"
	"sort"

	"github.com/metaid/blockindexer/kv"
	"github.com/metaid/blockindexer/utxocache"
)

// GetHistory yields every transaction address appeared in, in chain
// order, following spec.md section 6's "get_history(address,
// limit=1000|None) yields (tx_hash, height) in chain order". Unlike
// GetUTXOs/GetBalance, this includes pendingHistory so a history query
// is fresh as of the last AdvanceBlock, not just the last flush: history
// shards are already organized per-address by construction, so merging
// in the unflushed tail costs nothing extra.
func (p *Processor) GetHistory(addr AddressID, limit *int) ([]TxHashAtHeight, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := ResolveLimit(limit)
	if n == 0 {
		return nil, nil
	}

	var nums []uint32
	it, err := kv.PrefixIterator(p.store, historyPrefix(addr), false)
	if err != nil {
		return nil, fmt.Errorf("get_history: iterate shards: %w", err)
	}
	for it.Valid() {
		shard, err := unpackTxNums(it.Value())
		if err != nil {
			it.Close()
			return nil, fmt.Errorf("get_history: unpack shard: %w", err)
		}
		nums = append(nums, shard...)
		it.Next()
	}
	it.Close()
	nums = append(nums, p.pendingHistory[addr]...)

	out := make([]TxHashAtHeight, 0, len(nums))
	for _, num := range nums {
		if n != NoLimit && len(out) >= n {
			break
		}
		hash, height, err := p.fs.GetTxHash(uint64(num))
		if err != nil {
			return nil, fmt.Errorf("get_history: resolve tx_num %d: %w", num, err)
		}
		out = append(out, TxHashAtHeight{TxHash: hash, Height: height})
	}
	return out, nil
}

// GetUTXOs yields every live unspent output owned by addr, in
// unspecified order, following spec.md section 6. This reads only the
// flushed, on-disk primary UTXO table: an output created since the last
// flush is still only reachable via the pending write-back cache, not
// the address-keyed store this prefix scan walks (a deliberate freshness
// boundary — see DESIGN.md).
func (p *Processor) GetUTXOs(addr AddressID, limit *int) ([]UTXO, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getUTXOsLocked(addr, limit)
}

func (p *Processor) getUTXOsLocked(addr AddressID, limit *int) ([]UTXO, error) {
	n := ResolveLimit(limit)
	if n == 0 {
		return nil, nil
	}

	it, err := kv.PrefixIterator(p.store, utxocache.AddressPrefix(addr), false)
	if err != nil {
		return nil, fmt.Errorf("get_utxos: iterate: %w", err)
	}
	defer it.Close()

	var out []UTXO
	for it.Valid() {
		if n != NoLimit && len(out) >= n {
			break
		}
		txNum, txPos, ok := utxocache.DecodePrimaryKey(it.Key())
		if !ok {
			it.Next()
			continue
		}
		value, ok := utxocache.DecodeValue(it.Value())
		if !ok {
			it.Next()
			continue
		}
		hash, height, err := p.fs.GetTxHash(uint64(txNum))
		if err != nil {
			return nil, fmt.Errorf("get_utxos: resolve tx_num %d: %w", txNum, err)
		}
		out = append(out, UTXO{TxNum: txNum, TxPos: txPos, TxHash: hash, Height: height, Value: value})
		it.Next()
	}
	return out, nil
}

// GetUTXOsSorted returns addr's UTXOs sorted by (height, tx_pos), a
// deliberate behavior correction over the original's namedtuple-order
// sort (see SPEC_FULL.md REDESIGN FLAGS): sorting by tuple field order
// would sort by tx_num first, not height.
func (p *Processor) GetUTXOsSorted(addr AddressID) ([]UTXO, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	utxos, err := p.getUTXOsLocked(addr, nil)
	if err != nil {
		return nil, err
	}
	sort.Slice(utxos, func(i, j int) bool {
		if utxos[i].Height != utxos[j].Height {
			return utxos[i].Height < utxos[j].Height
		}
		return utxos[i].TxPos < utxos[j].TxPos
	})
	return utxos, nil
}

// GetBalance sums the value of every live UTXO owned by addr (spec.md
// section 6: "get_balance(address) sums UTXO values").
func (p *Processor) GetBalance(addr AddressID) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	it, err := kv.PrefixIterator(p.store, utxocache.AddressPrefix(addr), false)
	if err != nil {
		return 0, fmt.Errorf("get_balance: iterate: %w", err)
	}
	defer it.Close()

	var total uint64
	for it.Valid() {
		value, ok := utxocache.DecodeValue(it.Value())
		if ok {
			total += value
		}
		it.Next()
	}
	return total, nil
}

// GetCurrentHeader returns the raw serialized header of the current
// tip, backing GET /header (spec.md section 6: "get_current_header()
// returns the top header").
func (p *Processor) GetCurrentHeader() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Height < 0 {
		return nil, fmt.Errorf("%w: no blocks indexed yet", ErrCorrupt)
	}
	return p.fs.Header(p.state.Height)
}
