package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"

	"github.com/metaid/blockindexer/config"
)

// BTCDaemon implements Daemon against a real btcd/bitcoind-compatible
// node over RPC, grounded on the teacher's BTCAdapter
// (blockchain/adapter_btc.go): same rpcclient.ConnConfig construction,
// same "getblock" verbosity-0 raw hex fetch to avoid the client
// library's JSON block decoding in favor of our own wire.MsgBlock
// deserialize.
type BTCDaemon struct {
	client       *rpcclient.Client
	cachedHeight atomic.Int64
}

// NewBTCDaemon connects to the node described by cfg.
func NewBTCDaemon(cfg config.RPCConfig) (*BTCDaemon, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		User:         cfg.User,
		Pass:         cfg.Password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}
	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, &DaemonError{Op: "connect", Err: err}
	}
	return &BTCDaemon{client: client}, nil
}

func (d *BTCDaemon) Height() (int64, error) {
	h, err := d.client.GetBlockCount()
	if err != nil {
		return 0, &DaemonError{Op: "getblockcount", Err: err}
	}
	d.cachedHeight.Store(h)
	return h, nil
}

func (d *BTCDaemon) CachedHeight() int64 {
	return d.cachedHeight.Load()
}

func (d *BTCDaemon) BlockHash(height int64) ([32]byte, error) {
	var out [32]byte
	hash, err := d.client.GetBlockHash(height)
	if err != nil {
		return out, &DaemonError{Op: "getblockhash", Err: err}
	}
	return *hash, nil
}

// RawBlock fetches the fully serialized block, requesting verbosity 0
// (raw hex) so decoding goes through our own wire.MsgBlock.Deserialize
// in decode.go rather than rpcclient's JSON-shaped GetBlockVerbose.
func (d *BTCDaemon) RawBlock(hash [32]byte) ([]byte, error) {
	h := chainhash.Hash(hash)
	resp, err := d.client.RawRequest("getblock", []json.RawMessage{
		json.RawMessage(fmt.Sprintf("%q", h.String())),
		json.RawMessage("0"),
	})
	if err != nil {
		return nil, &DaemonError{Op: "getblock", Err: err}
	}
	var blockHex string
	if err := json.Unmarshal(resp, &blockHex); err != nil {
		return nil, &DaemonError{Op: "getblock:unmarshal", Err: err}
	}
	raw, err := hex.DecodeString(blockHex)
	if err != nil {
		return nil, &DaemonError{Op: "getblock:decode", Err: err}
	}
	return raw, nil
}

// Shutdown closes the underlying RPC connection.
func (d *BTCDaemon) Shutdown() {
	d.client.Shutdown()
}
