// Command blockindexer runs the UTXO indexer: it opens the store and
// segment-file cache, wires a core.Processor around the configured
// chain's RPC daemon and script classifier, serves the query API, and
// drives the daemon sync loop until an interrupt signal requests a
// clean shutdown. Process wiring is grounded on the teacher's main.go
// (store construction order, signal handling, deferred close,
// final-height log line on shutdown).
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/schollz/progressbar/v3"

	"github.com/metaid/blockindexer/api"
	"github.com/metaid/blockindexer/config"
	"github.com/metaid/blockindexer/core"
	"github.com/metaid/blockindexer/fscache"
	"github.com/metaid/blockindexer/kv"
	"github.com/metaid/blockindexer/rpc"
	"github.com/metaid/blockindexer/syslogs"
)

func main() {
	fmt.Println("Starting UTXO indexer...")
	defer func() {
		if r := recover(); r != nil {
			log.Printf("global panic: %v", r)
		}
	}()

	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	chainParams, err := cfg.Coin.ChainParams()
	if err != nil {
		log.Fatalf("resolve chain params: %v", err)
	}
	genesisHash, err := cfg.Coin.GenesisHashBytes()
	if err != nil {
		log.Fatalf("resolve genesis hash: %v", err)
	}
	log.Printf("coin=%s network=%s data_dir=%s", cfg.Coin.Name, cfg.Coin.Network, cfg.DataDir)

	store, err := kv.Open(filepath.Join(cfg.DataDir, "kv"))
	if err != nil {
		log.Fatalf("open kv store: %v", err)
	}
	fsStore, err := fscache.Open(filepath.Join(cfg.DataDir, "fscache"))
	if err != nil {
		log.Fatalf("open fscache: %v", err)
	}

	auditLog, err := syslogs.Open(filepath.Join(cfg.DataDir, "audit.db"))
	if err != nil {
		log.Fatalf("open audit log: %v", err)
	}

	daemon, err := rpc.NewBTCDaemon(cfg.RPC)
	if err != nil {
		log.Fatalf("connect to daemon: %v", err)
	}
	classifier := &rpc.BTCClassifier{Params: chainParams}

	proc, err := core.Open(store, fsStore, classifier, rpc.DecodeBlock, auditLog, core.Options{
		GenesisHash:       genesisHash,
		ReorgLimit:        int64(cfg.ReorgLimit),
		UTXOCacheMaxBytes: int64(cfg.UTXOCacheMB) * 1024 * 1024,
		HistCacheMaxBytes: int64(cfg.HistCacheMB) * 1024 * 1024,
		DBCacheEntries:    cfg.DBCacheEntryCount,
		FlushDebounce:     60 * time.Second,
		Throughput: core.ThroughputHints{
			TxCountHeight: cfg.Coin.TxCountHeight,
			TxCount:       cfg.Coin.TxCount,
			TxPerBlock:    cfg.Coin.TxPerBlock,
		},
	})
	if err != nil {
		log.Fatalf("open processor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("received stop signal, shutting down...")
		cancel()
	}()

	server := api.NewServer(proc, classifier)
	go func() {
		log.Printf("starting query API on :%s", cfg.APIPort)
		if err := server.Start(":" + cfg.APIPort); err != nil {
			log.Printf("query API exited: %v", err)
		}
	}()

	prefetcher := core.NewPrefetcher(daemon, proc.Height())
	go prefetcher.Start(ctx, func(err error) {
		auditLog.LogError("prefetch", err)
		log.Printf("prefetch: %v", err)
	})

	go runSyncLoop(ctx, proc, daemon, prefetcher, auditLog)

	<-ctx.Done()

	// Final flush(true), mirroring the original's try/finally around
	// flush(True). It runs once the stop signal has cancelled ctx; exits
	// through log.Fatalf (startup failures, or a processor error in
	// runSyncLoop) do not reach it.
	if err := proc.Close(); err != nil {
		log.Printf("final flush failed: %v", err)
	}
	log.Printf("final indexed height: %d", proc.Height())
}

// runSyncLoop pulls prefetched raw blocks and feeds them to the
// processor, handling the reorg signal and throttling its own pace to
// the node's reported tip.
func runSyncLoop(ctx context.Context, proc *core.Processor, daemon core.Daemon, prefetcher *core.Prefetcher, auditLog *syslogs.Log) {
	bar := newSyncProgressBar(daemon, proc.Height())
	var processed int64

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, err := prefetcher.GetBlocks(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			auditLog.LogError("get_blocks", err)
			continue
		}

		nodeHeight := daemon.CachedHeight()
		outcome, err := proc.AdvanceBlock(raw, nodeHeight)
		if err != nil {
			auditLog.LogError("advance_block", err)
			log.Fatalf("advance_block failed: %v", err)
		}
		processed++
		advanceSyncProgressBar(bar, processed, nodeHeight-proc.Height())

		if outcome == core.ReorgDetected {
			log.Printf("reorg detected at height %d, rolling back", proc.Height())
			if err := proc.HandleChainReorg(daemon, false, prefetcher.Clear); err != nil {
				auditLog.LogError("handle_chain_reorg", err)
				log.Fatalf("handle_chain_reorg failed: %v", err)
			}
		}
	}
}

// newSyncProgressBar renders the initial-sync catch-up distance on the
// console, styled after the teacher's indexer progress bars.
func newSyncProgressBar(daemon core.Daemon, startHeight int64) *progressbar.ProgressBar {
	nodeHeight, err := daemon.Height()
	if err != nil {
		return nil
	}
	remaining := int(nodeHeight - startHeight)
	if remaining <= 0 {
		return nil
	}
	return progressbar.NewOptions(remaining,
		progressbar.OptionSetWriter(colorable.NewColorableStdout()),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(50),
		progressbar.OptionSetDescription("Syncing chain..."),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionSetRenderBlankState(false),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(colorable.NewColorableStdout(), "\nCaught up.\n")
		}),
	)
}

// advanceSyncProgressBar bumps the bar by one block and stretches its max
// if the node's tip advanced further than originally measured.
func advanceSyncProgressBar(bar *progressbar.ProgressBar, processed, remaining int64) {
	if bar == nil {
		return
	}
	if want := processed + remaining; want > bar.GetMax64() {
		bar.ChangeMax64(want)
	}
	_ = bar.Add(1)
}
