// Package utxocache is the two-tier UTXO write-back cache described in
// SPEC_FULL.md's Component Design expansion: a plain map of pending,
// not-yet-flushed writes, backed by an LRU of recently resolved
// database lookups. It mirrors the teacher's hashicorp/golang-lru use
// in storage/pebble.go, generalized from block-metadata caching to
// UTXO-value caching.
//
// The store holds two keyspaces, matching the original's hashX-keyed
// utxo table plus its hashX_utxo lookup table: a primary table keyed by
// (address, tx_num, tx_pos) so queries can prefix-scan one address's
// UTXOs in chain order, and a secondary compressed-outpoint index used
// only to resolve a spend back to its primary key.
package utxocache

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"

	"github.com/metaid/blockindexer/core"
	"github.com/metaid/blockindexer/kv"
)

// Approximate per-entry byte costs used for cache-size accounting. The
// original estimates the python-object overhead of its cache entries
// with an empirically chosen 1.3x fudge factor; since this cache holds
// fixed-width Go structs rather than boxed python objects, the real
// struct+map overhead is used instead (see SPEC_FULL.md section 9, Open
// Question 1).
const (
	cacheEntryBytes   = 112 // outpoint (34) + Entry (47) + two map-bucket entries
	dbCacheEntryBytes = 64  // compressedKey (6) + Entry (47) + LRU list-node overhead
)

// CompressedKeyLen is the width of the secondary spend-resolution key:
// a 4-byte xxhash of the txid plus the 2-byte little-endian vout.
const CompressedKeyLen = 6

// CompressedKey is the compressed (txid, vout) lookup key used for
// spend resolution.
type CompressedKey [CompressedKeyLen]byte

// Compress derives the compressed key for an outpoint. Collisions are
// possible (expected, even, at mainnet UTXO-set scale) and are resolved
// against FSCache via the stored tx_num.
func Compress(txid [32]byte, vout uint16) CompressedKey {
	var key CompressedKey
	sum := xxhash.Sum64(txid[:])
	binary.LittleEndian.PutUint32(key[:4], uint32(sum))
	binary.LittleEndian.PutUint16(key[4:6], vout)
	return key
}

// outpoint is the in-memory map key for pending, not-yet-flushed
// entries: plain (txid, vout), since compression is only needed to keep
// the on-disk secondary index small.
type outpoint struct {
	txid [32]byte
	vout uint16
}

// Entry is one UTXO's full cached value: owner address, assigned
// tx_num, position within its transaction, and satoshi value. TxPos is
// carried here (unlike core.UTXOValue, the UTXOValueLen-byte undo-record layout,
// which omits it per spec.md's bit-exact key layout) because the
// primary store key needs it to support address-prefixed range scans.
type Entry struct {
	Address core.AddressID
	TxNum   uint32
	TxPos   uint16
	Value   uint64
}

// TxHashResolver answers "what is the txid and height of tx_num n?",
// satisfied by *fscache.Store. Spending an output whose compressed key
// collides with an unrelated one is only safe because this lookup lets
// Spend verify the real txid before accepting a match.
type TxHashResolver interface {
	GetTxHash(txNum uint64) (hash [32]byte, height int64, err error)
}

// Cache is the two-tier UTXO write-back cache: an in-memory map of
// UTXOs created (and possibly already spent) since the last flush, and
// an LRU of entries recently read from the KV store. Spend and Put are
// the hot path of AdvanceBlock; Flush and ApproxBytes back the periodic
// flush decision.
type Cache struct {
	mu sync.Mutex

	store    kv.Store
	resolver TxHashResolver

	cache   map[outpoint]Entry
	spends  map[outpoint]struct{} // keys put then spent before a flush: dropped, not written
	dbCache *lru.Cache
}

// New builds a Cache backed by store for durable lookups, resolver for
// collision resolution, and an LRU tier capped at dbCacheEntries.
func New(store kv.Store, resolver TxHashResolver, dbCacheEntries int) (*Cache, error) {
	l, err := lru.New(dbCacheEntries)
	if err != nil {
		return nil, err
	}
	return &Cache{
		store:    store,
		resolver: resolver,
		cache:    make(map[outpoint]Entry),
		spends:   make(map[outpoint]struct{}),
		dbCache:  l,
	}, nil
}

// Put records a newly created UTXO. It is held in the pending map until
// Flush, matching the original's "new outputs don't touch the database
// until a flush happens" behavior.
func (c *Cache) Put(txid [32]byte, vout uint16, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	op := outpoint{txid, vout}
	c.cache[op] = entry
	delete(c.spends, op)
}

// Spend resolves and removes the UTXO at (txid, vout), checking the
// pending map first, then the LRU, then the KV store's secondary index.
// It returns ok=false if the outpoint isn't indexed (its script was
// never classified, or it's already spent).
func (c *Cache) Spend(txid [32]byte, vout uint16) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	op := outpoint{txid, vout}

	if e, ok := c.cache[op]; ok {
		delete(c.cache, op)
		c.spends[op] = struct{}{}
		return e, true, nil
	}

	ckey := Compress(txid, vout)
	if cached, ok := c.dbCache.Get(ckey); ok {
		e := cached.(Entry)
		c.dbCache.Remove(ckey)
		c.spends[op] = struct{}{}
		return e, true, nil
	}

	e, ok, err := c.lookupDisk(txid, ckey)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	c.spends[op] = struct{}{}
	return e, true, nil
}

// Peek resolves a UTXO's value without removing it, leaving
// pending-spend state untouched.
func (c *Cache) Peek(txid [32]byte, vout uint16) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	op := outpoint{txid, vout}
	if e, ok := c.cache[op]; ok {
		return e, true, nil
	}
	ckey := Compress(txid, vout)
	if cached, ok := c.dbCache.Peek(ckey); ok {
		return cached.(Entry), true, nil
	}
	return c.lookupDisk(txid, ckey)
}

// lookupDisk resolves a compressed secondary-index key to its primary
// record, verifying the real txid against FSCache to rule out a
// compressed-key collision.
func (c *Cache) lookupDisk(txid [32]byte, ckey CompressedKey) (Entry, bool, error) {
	ptr, err := c.store.Get(spendIndexKey(ckey))
	if err != nil {
		if err == kv.ErrNotFound {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	addr, txNum, txPos, ok := decodeSpendPointer(ptr)
	if !ok {
		return Entry{}, false, nil
	}
	if c.resolver != nil {
		gotTxid, _, err := c.resolver.GetTxHash(uint64(txNum))
		if err == nil && gotTxid != txid {
			// compressed-key collision between two unrelated outpoints.
			return Entry{}, false, nil
		}
	}
	raw, err := c.store.Get(primaryKey(addr, txNum, txPos))
	if err != nil {
		if err == kv.ErrNotFound {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	value, ok := decodeValue(raw)
	if !ok {
		return Entry{}, false, nil
	}
	return Entry{Address: addr, TxNum: txNum, TxPos: txPos, Value: value}, true, nil
}

// Flush writes every pending Put into batch (skipping keys that were
// also Spent before this flush — they never need to touch disk) and
// issues deletes for every pending Spend not covered by a same-flush
// Put, then clears the pending maps. Entries written by Put survive
// into the LRU tier so an immediately following read doesn't miss.
func (c *Cache) Flush(batch kv.Batch) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for op, e := range c.cache {
		batch.Set(primaryKey(e.Address, e.TxNum, e.TxPos), encodeValue(e.Value))
		batch.Set(spendIndexKey(Compress(op.txid, op.vout)), encodeSpendPointer(e.Address, e.TxNum, e.TxPos))
		c.dbCache.Add(Compress(op.txid, op.vout), e)
	}
	for op := range c.spends {
		if _, stillPending := c.cache[op]; stillPending {
			continue
		}
		// Only an outpoint already on disk has rows to delete; one put and
		// spent within this flush window never reached the store.
		ckey := Compress(op.txid, op.vout)
		e, onDisk, err := c.lookupDisk(op.txid, ckey)
		if err != nil || !onDisk {
			continue
		}
		batch.Delete(primaryKey(e.Address, e.TxNum, e.TxPos))
		batch.Delete(spendIndexKey(ckey))
	}
	c.cache = make(map[outpoint]Entry)
	c.spends = make(map[outpoint]struct{})
}

// PendingBytes estimates only the not-yet-flushed portion of the cache
// (the part Flush actually drains), used by assert_flushed to verify a
// full flush left nothing pending. Unlike ApproxBytes it excludes the
// db_cache LRU tier, which is a read-through cache that legitimately
// survives a flush.
func (c *Cache) PendingBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.cache)+len(c.spends)) * cacheEntryBytes
}

// ApproxBytes estimates the cache's total in-memory footprint, used by
// the processor to decide when to flush (SPEC_FULL.md Design Notes,
// Open Question 1).
func (c *Cache) ApproxBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.cache)+len(c.spends))*cacheEntryBytes + int64(c.dbCache.Len())*dbCacheEntryBytes
}

// AddressPrefix returns the primary-table key prefix covering every
// UTXO owned by addr, for the query layer's prefix scans.
func AddressPrefix(addr core.AddressID) []byte {
	out := make([]byte, 1+core.AddressLen)
	out[0] = 'u'
	copy(out[1:], addr[:])
	return out
}

// DecodePrimaryKey extracts (tx_num, tx_pos) from a primary-table key
// produced by primaryKey, for the query layer.
func DecodePrimaryKey(key []byte) (txNum uint32, txPos uint16, ok bool) {
	if len(key) != 1+core.AddressLen+4+2 {
		return 0, 0, false
	}
	off := 1 + core.AddressLen
	return binary.BigEndian.Uint32(key[off:]), binary.BigEndian.Uint16(key[off+4:]), true
}

// DecodeValue exposes decodeValue to the query layer.
func DecodeValue(raw []byte) (uint64, bool) { return decodeValue(raw) }

func primaryKey(addr core.AddressID, txNum uint32, txPos uint16) []byte {
	key := make([]byte, 1+core.AddressLen+4+2)
	key[0] = 'u'
	copy(key[1:1+core.AddressLen], addr[:])
	off := 1 + core.AddressLen
	binary.BigEndian.PutUint32(key[off:], txNum)
	binary.BigEndian.PutUint16(key[off+4:], txPos)
	return key
}

func spendIndexKey(ckey CompressedKey) []byte {
	out := make([]byte, 1+CompressedKeyLen)
	out[0] = 'x'
	copy(out[1:], ckey[:])
	return out
}

func encodeValue(value uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, value)
	return buf
}

func decodeValue(raw []byte) (uint64, bool) {
	if len(raw) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(raw), true
}

func encodeSpendPointer(addr core.AddressID, txNum uint32, txPos uint16) []byte {
	buf := make([]byte, core.AddressLen+4+2)
	copy(buf[:core.AddressLen], addr[:])
	binary.BigEndian.PutUint32(buf[core.AddressLen:], txNum)
	binary.BigEndian.PutUint16(buf[core.AddressLen+4:], txPos)
	return buf
}

func decodeSpendPointer(buf []byte) (addr core.AddressID, txNum uint32, txPos uint16, ok bool) {
	if len(buf) != core.AddressLen+4+2 {
		return addr, 0, 0, false
	}
	copy(addr[:], buf[:core.AddressLen])
	txNum = binary.BigEndian.Uint32(buf[core.AddressLen:])
	txPos = binary.BigEndian.Uint16(buf[core.AddressLen+4:])
	return addr, txNum, txPos, true
}
