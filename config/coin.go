package config

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// Coin describes the chain-specific constants the core needs: genesis
// hash (for the fail-fast mismatch check in Processor.Open), the
// chaincfg network parameters (for address/script decoding), and rough
// per-block statistics used for ETA logging once caught up.
type Coin struct {
	Name        string `yaml:"name"`
	Network     string `yaml:"network"`
	GenesisHash string `yaml:"genesis_hash"` // hex, big-endian display order

	// TxCountHeight/TxCount/TxPerBlock feed the catch-up ETA estimate,
	// mirroring coin.TX_COUNT_HEIGHT/TX_COUNT/TX_PER_BLOCK in the
	// original implementation.
	TxCountHeight int64   `yaml:"tx_count_height"`
	TxCount       int64   `yaml:"tx_count"`
	TxPerBlock    float64 `yaml:"tx_per_block"`
}

// DefaultCoin returns Bitcoin mainnet parameters.
func DefaultCoin() Coin {
	return Coin{
		Name:          "BTC",
		Network:       "mainnet",
		GenesisHash:   chaincfg.MainNetParams.GenesisHash.String(),
		TxCountHeight: 0,
		TxCount:       0,
		TxPerBlock:    2000,
	}
}

// GenesisHashBytes returns the genesis hash in the natural (RPC wire)
// byte order used for header.PrevBlock comparisons.
func (c Coin) GenesisHashBytes() ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(c.GenesisHash)
	if err != nil {
		return out, fmt.Errorf("invalid genesis hash %q: %w", c.GenesisHash, err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("genesis hash %q: want 32 bytes, got %d", c.GenesisHash, len(b))
	}
	// chainhash.Hash and block headers store hashes reversed relative to
	// their human-readable hex display; reverse on the way in.
	for i := 0; i < 32; i++ {
		out[i] = b[31-i]
	}
	return out, nil
}

// ChainParams resolves the chaincfg network parameters for this coin's
// configured network name.
func (c Coin) ChainParams() (*chaincfg.Params, error) {
	switch c.Network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network: %s", c.Network)
	}
}
