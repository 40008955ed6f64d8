// Package core implements the block processor: the
// forward-advance/reorg state machine, the flush discipline, and the
// query surface described in spec.md sections 3, 4.5, 6 and 8.
package core

import (
	"encoding/binary"
)

// AddressLen is the fixed width of an AddressID (spec.md section 3: "a
// fixed-width opaque identifier derived from a script"): a one-byte
// class tag plus room for the widest script hash a classifier needs to
// keep distinct, a 32-byte witness program (P2WSH/P2TR). Classes with a
// shorter hash (P2PKH/P2SH/P2WPKH's 20-byte hash160) zero-pad the
// remainder.
const AddressLen = 33

// AddressID identifies the recipient of a UTXO.
type AddressID [AddressLen]byte

// NoCacheEntry is the sentinel AddressID meaning "ungrokkable script —
// do not index" (spec.md section 3). A real classified address always
// starts with a coin-defined version byte below 0xff, so the all-0xff
// value can never collide with one.
var NoCacheEntry = func() AddressID {
	var id AddressID
	for i := range id {
		id[i] = 0xff
	}
	return id
}()

// UTXOValueLen is the packed size of a UTXO cache value / undo entry:
// one AddressLen-byte address + 4-byte little-endian tx_num + 8-byte
// little-endian satoshi value (spec.md section 6).
const UTXOValueLen = AddressLen + 4 + 8

// UTXOValue is the packed (address, tx_num, value) tuple stored for
// every live UTXO and replayed from undo records on rollback.
type UTXOValue struct {
	Address AddressID
	TxNum   uint32
	Value   uint64
}

// Encode packs v into the UTXOValueLen-byte wire layout used both as a UTXO cache
// value and as one undo-record entry.
func (v UTXOValue) Encode() []byte {
	buf := make([]byte, UTXOValueLen)
	copy(buf[:AddressLen], v.Address[:])
	binary.LittleEndian.PutUint32(buf[AddressLen:AddressLen+4], v.TxNum)
	binary.LittleEndian.PutUint64(buf[AddressLen+4:], v.Value)
	return buf
}

// DecodeUTXOValue unpacks the UTXOValueLen-byte wire layout produced by Encode.
func DecodeUTXOValue(buf []byte) (UTXOValue, bool) {
	if len(buf) != UTXOValueLen {
		return UTXOValue{}, false
	}
	var v UTXOValue
	copy(v.Address[:], buf[:AddressLen])
	v.TxNum = binary.LittleEndian.Uint32(buf[AddressLen : AddressLen+4])
	v.Value = binary.LittleEndian.Uint64(buf[AddressLen+4:])
	return v, true
}

// Outpoint identifies a transaction output: (txid, vout index).
type Outpoint struct {
	TxID [32]byte
	Vout uint16
}

// RawBlock is the decoded form handed to the processor by rpc.DecodeBlock
// (spec.md section 1: "DecodeBlock(bytes) -> (header, tx_hashes, txs)").
type RawBlock struct {
	Header       BlockHeader
	TxHashes     [][32]byte
	Transactions []Transaction
}

// BlockHeader carries just what the processor needs: its own hash, the
// previous block's hash (for the chain-linkage check), and enough bytes
// to persist and re-hash later via FSCache.
type BlockHeader struct {
	Hash     [32]byte
	PrevHash [32]byte
	Raw      []byte // full serialized header, coin-defined fixed size
}

// Transaction is one decoded transaction: its hash, its inputs (prior
// outpoints being spent — empty for a coinbase), and its outputs.
type Transaction struct {
	Hash    [32]byte
	Coinbase bool
	Inputs  []Outpoint
	Outputs []TxOutput
}

// TxOutput is one output script to be classified into an AddressID by
// the external ClassifyOutputScript collaborator.
type TxOutput struct {
	Script []byte
	Value  uint64
}

// Outcome is the explicit result of AdvanceBlock, replacing the
// original's boolean "did prev_hash match tip" return (spec.md section 9
// "Exceptions as control signals").
type Outcome int

const (
	Advanced Outcome = iota
	ReorgDetected
)

// TxHashAtHeight pairs a transaction hash with the height of the block
// containing it — the result of GetHistory per spec.md section 6.
type TxHashAtHeight struct {
	TxHash [32]byte
	Height int64
}

// UTXO is one unspent output as returned by GetUTXOs (spec.md section 6:
// "(tx_num, tx_pos, tx_hash, height, value)").
type UTXO struct {
	TxNum  uint32
	TxPos  uint16
	TxHash [32]byte
	Height int64
	Value  uint64
}

// NoLimit means "yield every matching entry" (spec.md section 9:
// "Set limit to None to get them all").
const NoLimit = -1

// ResolveLimit turns an optional limit (nil meaning unbounded) into the
// sentinel NoLimit, matching the original's resolve_limit.
func ResolveLimit(limit *int) int {
	if limit == nil {
		return NoLimit
	}
	return *limit
}
