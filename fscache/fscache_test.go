package fscache_test

import (
	"testing"

	"github.com/metaid/blockindexer/fscache"
)

func header(seed byte) fscache.BlockHeader {
	return fscache.BlockHeader{Hash: [32]byte{seed}, Raw: []byte{seed, seed, seed}}
}

func hashes(seeds ...byte) [][32]byte {
	out := make([][32]byte, len(seeds))
	for i, s := range seeds {
		out[i] = [32]byte{s}
	}
	return out
}

func TestAdvanceBlockAssignsSequentialTxNums(t *testing.T) {
	s, err := fscache.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.AdvanceBlock(header(1), hashes(11, 12)); err != nil {
		t.Fatalf("AdvanceBlock height0: %v", err)
	}
	if err := s.AdvanceBlock(header(2), hashes(21)); err != nil {
		t.Fatalf("AdvanceBlock height1: %v", err)
	}

	if got := s.Height(); got != 1 {
		t.Fatalf("Height = %d, want 1", got)
	}
	if got := s.TxCount(); got != 3 {
		t.Fatalf("TxCount = %d, want 3", got)
	}

	for txNum, want := range map[uint64]struct {
		hash   byte
		height int64
	}{
		0: {11, 0},
		1: {12, 0},
		2: {21, 1},
	} {
		h, height, err := s.GetTxHash(txNum)
		if err != nil {
			t.Fatalf("GetTxHash(%d): %v", txNum, err)
		}
		if h != ([32]byte{want.hash}) || height != want.height {
			t.Fatalf("GetTxHash(%d) = (%x, %d), want (%x, %d)", txNum, h, height, want.hash, want.height)
		}
	}

	if _, _, err := s.GetTxHash(3); err == nil {
		t.Fatalf("GetTxHash(3) should fail: only 3 tx_nums assigned")
	}
}

func TestFlushThenReopenSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	s, err := fscache.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.AdvanceBlock(header(1), hashes(11)); err != nil {
		t.Fatalf("AdvanceBlock: %v", err)
	}
	if err := s.AdvanceBlock(header(2), hashes(21, 22)); err != nil {
		t.Fatalf("AdvanceBlock: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := fscache.Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if got := reopened.Height(); got != 1 {
		t.Fatalf("Height after reopen = %d, want 1", got)
	}
	h, height, err := reopened.GetTxHash(2)
	if err != nil {
		t.Fatalf("GetTxHash(2) after reopen: %v", err)
	}
	if h != ([32]byte{22}) || height != 1 {
		t.Fatalf("GetTxHash(2) after reopen = (%x, %d), want (22, 1)", h, height)
	}
	txHashes, err := reopened.TxHashes(1)
	if err != nil {
		t.Fatalf("TxHashes(1): %v", err)
	}
	if len(txHashes) != 2 || txHashes[0] != ([32]byte{21}) || txHashes[1] != ([32]byte{22}) {
		t.Fatalf("TxHashes(1) = %x, want [21 22]", txHashes)
	}
}

func TestUnflushedTailIsDiscardedOnReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := fscache.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.AdvanceBlock(header(1), hashes(11)); err != nil {
		t.Fatalf("AdvanceBlock: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	// Simulates a crash: this block is written to the segment files but
	// never confirmed by a Flush, so it must not survive a reopen.
	if err := s.AdvanceBlock(header(2), hashes(21)); err != nil {
		t.Fatalf("AdvanceBlock (unflushed): %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := fscache.Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if got := reopened.Height(); got != 0 {
		t.Fatalf("Height after reopen = %d, want 0 (unflushed block must be dropped)", got)
	}
	if _, _, err := reopened.GetTxHash(1); err == nil {
		t.Fatalf("tx_num 1 belonged to the unflushed block and must not resolve after reopen")
	}
}

func TestBackupBlockThenFlushTruncates(t *testing.T) {
	dir := t.TempDir()
	s, err := fscache.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.AdvanceBlock(header(1), hashes(11)); err != nil {
		t.Fatalf("AdvanceBlock: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := s.AdvanceBlock(header(2), hashes(21)); err != nil {
		t.Fatalf("AdvanceBlock: %v", err)
	}

	orphan, err := s.BackupBlock()
	if err != nil {
		t.Fatalf("BackupBlock: %v", err)
	}
	if orphan != ([32]byte{2}) {
		t.Fatalf("BackupBlock returned hash %x, want the block-2 hash", orphan)
	}
	if got := s.Height(); got != 0 {
		t.Fatalf("Height after BackupBlock = %d, want 0", got)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush after BackupBlock: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := fscache.Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if got := reopened.Height(); got != 0 {
		t.Fatalf("Height after reopen post-backup = %d, want 0", got)
	}
	if got := reopened.TxCount(); got != 1 {
		t.Fatalf("TxCount after reopen post-backup = %d, want 1", got)
	}
}

func TestBlockHashesClampsToAvailableRange(t *testing.T) {
	s, err := fscache.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	for i := byte(1); i <= 3; i++ {
		if err := s.AdvanceBlock(header(i), hashes(i*10)); err != nil {
			t.Fatalf("AdvanceBlock: %v", err)
		}
	}

	got, err := s.BlockHashes(1, 10)
	if err != nil {
		t.Fatalf("BlockHashes: %v", err)
	}
	if len(got) != 2 || got[0] != ([32]byte{2}) || got[1] != ([32]byte{3}) {
		t.Fatalf("BlockHashes(1,10) = %x, want [block1 block2] clamped to height 2", got)
	}
}
