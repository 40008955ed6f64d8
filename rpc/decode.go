package rpc

import (
	"bytes"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/metaid/blockindexer/core"
)

// isCoinbase reports whether tx is a coinbase transaction: exactly one
// input spending the all-zero hash at index 0xffffffff.
func isCoinbase(tx *wire.MsgTx) bool {
	if len(tx.TxIn) != 1 {
		return false
	}
	prev := tx.TxIn[0].PreviousOutPoint
	return prev.Index == math.MaxUint32 && prev.Hash == chainhash.Hash{}
}

// DecodeBlock parses a raw serialized block into the processor's
// RawBlock, matching the teacher's blockchain/adapter_btc.go
// convertToIndexerBlock/convertBTCTxToIndexerTx pair but producing the
// fixed-width binary core types instead of the teacher's string-keyed
// intermediate representation.
func DecodeBlock(raw []byte) (core.RawBlock, error) {
	msg := &wire.MsgBlock{}
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return core.RawBlock{}, fmt.Errorf("decode block: %w", err)
	}

	headerBuf := &bytes.Buffer{}
	if err := msg.Header.Serialize(headerBuf); err != nil {
		return core.RawBlock{}, fmt.Errorf("serialize header: %w", err)
	}

	blockHash := msg.Header.BlockHash()
	prevHash := msg.Header.PrevBlock

	out := core.RawBlock{
		Header: core.BlockHeader{
			Hash:     blockHash,
			PrevHash: prevHash,
			Raw:      headerBuf.Bytes(),
		},
		TxHashes:     make([][32]byte, len(msg.Transactions)),
		Transactions: make([]core.Transaction, len(msg.Transactions)),
	}

	for i, tx := range msg.Transactions {
		txHash := tx.TxHash()
		out.TxHashes[i] = txHash

		coreTx := core.Transaction{
			Hash:     txHash,
			Coinbase: isCoinbase(tx),
		}
		if !coreTx.Coinbase {
			coreTx.Inputs = make([]core.Outpoint, len(tx.TxIn))
			for j, in := range tx.TxIn {
				coreTx.Inputs[j] = core.Outpoint{
					TxID: in.PreviousOutPoint.Hash,
					Vout: uint16(in.PreviousOutPoint.Index),
				}
			}
		}
		coreTx.Outputs = make([]core.TxOutput, len(tx.TxOut))
		for j, o := range tx.TxOut {
			coreTx.Outputs[j] = core.TxOutput{Script: o.PkScript, Value: uint64(o.Value)}
		}
		out.Transactions[i] = coreTx
	}

	return out, nil
}

// addressClass is the one-byte version prefix distinguishing the script
// classes ClassifyOutputScript tells apart, folded into AddressID
// alongside the script hash so that, e.g., a P2PKH and a P2WPKH output
// paying the same hash160 are still indexed as distinct addresses —
// matching how real wallet software treats them.
type addressClass byte

const (
	classP2PKH  addressClass = 1
	classP2SH   addressClass = 2
	classP2WPKH addressClass = 3
	classP2WSH  addressClass = 4
	classP2TR   addressClass = 5
)

// hash160Len is the width of the legacy/segwit-v0 pubkey/script hash
// classes; their AddressID leaves the remaining bytes up to AddressLen
// zero-padded so every class shares one fixed-width identifier.
const hash160Len = 20

// BTCClassifier implements core.ScriptClassifier against
// btcsuite/btcd/txscript, grounded on the teacher's BTCAdapter.extractAddress.
type BTCClassifier struct {
	Params *chaincfg.Params
}

// ClassifyOutputScript extracts the first standard address from script
// and packs it into a core.AddressID. Non-standard scripts (bare
// OP_RETURN, unparseable scripts, multisig with no single owner) return
// core.NoCacheEntry, matching the teacher's "errAddress" sentinel path
// but as a typed value the query layer can cheaply filter on.
func (c *BTCClassifier) ClassifyOutputScript(script []byte) core.AddressID {
	scriptClass, addrs, _, err := txscript.ExtractPkScriptAddrs(script, c.Params)
	if err != nil || len(addrs) != 1 {
		return core.NoCacheEntry
	}

	var class addressClass
	switch scriptClass {
	case txscript.PubKeyHashTy:
		class = classP2PKH
	case txscript.ScriptHashTy:
		class = classP2SH
	case txscript.WitnessV0PubKeyHashTy:
		class = classP2WPKH
	case txscript.WitnessV0ScriptHashTy:
		class = classP2WSH
	case txscript.WitnessV1TaprootTy:
		class = classP2TR
	default:
		return core.NoCacheEntry
	}

	hash := addrs[0].ScriptAddress()
	if len(hash) > core.AddressLen-1 {
		// wider than any class this classifier knows how to pack;
		// shouldn't happen for the five script classes handled above,
		// but never silently truncate identity-bearing bytes.
		return core.NoCacheEntry
	}
	var id core.AddressID
	id[0] = byte(class)
	copy(id[1:], hash)
	return id
}

// EncodeAddress renders an AddressID back into the base58/bech32 string
// form wallets and block explorers use, the reverse of
// ClassifyOutputScript's class-byte-plus-hash packing. The 20-byte-hash
// classes (P2PKH/P2SH/P2WPKH) only use the first hash160Len bytes of the
// packed hash, the rest being zero padding; P2WSH/P2TR use the full
// 32-byte witness program.
func (c *BTCClassifier) EncodeAddress(id core.AddressID) (string, error) {
	if id == core.NoCacheEntry {
		return "", fmt.Errorf("rpc: address is the unindexed sentinel")
	}
	var addr btcutil.Address
	var err error
	switch addressClass(id[0]) {
	case classP2PKH:
		addr, err = btcutil.NewAddressPubKeyHash(id[1:1+hash160Len], c.Params)
	case classP2SH:
		addr, err = btcutil.NewAddressScriptHashFromHash(id[1:1+hash160Len], c.Params)
	case classP2WPKH:
		addr, err = btcutil.NewAddressWitnessPubKeyHash(id[1:1+hash160Len], c.Params)
	case classP2WSH:
		addr, err = btcutil.NewAddressWitnessScriptHash(id[1:], c.Params)
	case classP2TR:
		addr, err = btcutil.NewAddressTaproot(id[1:], c.Params)
	default:
		return "", fmt.Errorf("rpc: unknown address class %d", id[0])
	}
	if err != nil {
		return "", fmt.Errorf("rpc: encode address: %w", err)
	}
	return addr.EncodeAddress(), nil
}
