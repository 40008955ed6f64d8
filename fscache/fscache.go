package fscache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const (
	headersFileName = "headers.seg"
	hashesFileName  = "hashes.seg"
	indexFileName   = "index.seg"
	indexTmpName    = "index.seg.tmp"
)

// Store is the append-only segment-file cache described in SPEC_FULL.md's
// Domain Stack / Component Design expansion: two parallel segment files
// (headers.seg, hashes.seg) plus an in-memory offset index that's
// periodically written out to index.seg. One block = one record in each
// segment file, both zstd-compressed independently so a single corrupt
// record doesn't take down its neighbors.
type Store struct {
	mu sync.RWMutex

	dir         string
	headersFile *os.File
	hashesFile  *os.File

	entries       []blockEntry
	headersOffset uint64
	hashesOffset  uint64
}

// Open opens (creating if necessary) the segment files under dir and
// replays index.seg to rebuild the in-memory index. Any bytes in the
// segment files beyond what index.seg accounts for are discarded: they
// are the tail of an AdvanceBlock that was never confirmed by a
// subsequent Flush, so the KV store never committed them either.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fscache: create dir: %w", err)
	}
	headersFile, err := os.OpenFile(filepath.Join(dir, headersFileName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("fscache: open headers segment: %w", err)
	}
	hashesFile, err := os.OpenFile(filepath.Join(dir, hashesFileName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		headersFile.Close()
		return nil, fmt.Errorf("fscache: open hashes segment: %w", err)
	}

	s := &Store{dir: dir, headersFile: headersFile, hashesFile: hashesFile}

	indexPath := filepath.Join(dir, indexFileName)
	if buf, err := os.ReadFile(indexPath); err == nil {
		entries, err := decodeIndex(buf)
		if err != nil {
			headersFile.Close()
			hashesFile.Close()
			return nil, fmt.Errorf("fscache: corrupt index.seg: %w", err)
		}
		s.entries = entries
	} else if !os.IsNotExist(err) {
		headersFile.Close()
		hashesFile.Close()
		return nil, fmt.Errorf("fscache: read index.seg: %w", err)
	}

	if n := len(s.entries); n > 0 {
		last := s.entries[n-1]
		s.headersOffset = last.HeaderOffset + uint64(last.HeaderLen)
		s.hashesOffset = last.HashesOffset + uint64(last.HashesLen)
	}
	if err := headersFile.Truncate(int64(s.headersOffset)); err != nil {
		headersFile.Close()
		hashesFile.Close()
		return nil, fmt.Errorf("fscache: truncate headers segment: %w", err)
	}
	if err := hashesFile.Truncate(int64(s.hashesOffset)); err != nil {
		headersFile.Close()
		hashesFile.Close()
		return nil, fmt.Errorf("fscache: truncate hashes segment: %w", err)
	}
	return s, nil
}

// Height returns the height of the most recently advanced block, or -1
// if the cache is empty.
func (s *Store) Height() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries)) - 1
}

// TxCount returns the cumulative number of transactions through the
// current tip, i.e. the tx_num that will be assigned to the first
// transaction of the next block.
func (s *Store) TxCount() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return 0
	}
	last := s.entries[len(s.entries)-1]
	return last.BaseTxNum + uint64(last.TxCount)
}

// AdvanceBlock appends one block's header and transaction-hash array to
// the segment files and extends the in-memory index. Neither file is
// fsynced here; durability is Flush's job, matching spec.md's
// write-ahead rule (FS before DB) without forcing a disk sync on every
// single block.
func (s *Store) AdvanceBlock(header BlockHeader, txHashes [][32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	headerCompressed := encoder.EncodeAll(header.Raw, nil)
	headerFrame := encodeFrame(headerCompressed)
	if _, err := s.headersFile.WriteAt(headerFrame, int64(s.headersOffset)); err != nil {
		return fmt.Errorf("fscache: write header record: %w", err)
	}

	hashesPayload := encodeHashes(txHashes)
	hashesCompressed := encoder.EncodeAll(hashesPayload, nil)
	hashesFrame := encodeFrame(hashesCompressed)
	if _, err := s.hashesFile.WriteAt(hashesFrame, int64(s.hashesOffset)); err != nil {
		return fmt.Errorf("fscache: write hashes record: %w", err)
	}

	var baseTxNum uint64
	if n := len(s.entries); n > 0 {
		last := s.entries[n-1]
		baseTxNum = last.BaseTxNum + uint64(last.TxCount)
	}

	s.entries = append(s.entries, blockEntry{
		BlockHash:    header.Hash,
		HeaderOffset: s.headersOffset,
		HeaderLen:    uint32(len(headerFrame)),
		HashesOffset: s.hashesOffset,
		HashesLen:    uint32(len(hashesFrame)),
		TxCount:      uint32(len(txHashes)),
		BaseTxNum:    baseTxNum,
	})
	s.headersOffset += uint64(len(headerFrame))
	s.hashesOffset += uint64(len(hashesFrame))
	return nil
}

// BackupBlock drops the tip block from the index and rolls the
// in-memory write cursor back to where it started. The segment files
// themselves are NOT truncated here — only Flush makes a backup
// durable, matching spec.md's "logically shorten by one block (truncate
// on next durable flush)": a crash between BackupBlock and the next
// Flush leaves over-long files, which is harmless since the database
// hasn't committed the rollback either yet.
func (s *Store) BackupBlock() ([32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero [32]byte
	n := len(s.entries)
	if n == 0 {
		return zero, fmt.Errorf("fscache: backup_block called on empty cache")
	}
	last := s.entries[n-1]
	s.entries = s.entries[:n-1]
	s.headersOffset = last.HeaderOffset
	s.hashesOffset = last.HashesOffset
	return last.BlockHash, nil
}

// Flush truncates both segment files to the current in-memory cursor
// (a no-op unless a BackupBlock happened since the last Flush), fsyncs
// them, and durably rewrites index.seg. This must be called, and must
// complete, before the caller commits its corresponding KV batch:
// spec.md section 7 requires the filesystem state to be at least as
// advanced as the database state at all times, so that a crash between
// the two flushes is always recoverable by replaying forward from the
// database's recorded height.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.headersFile.Truncate(int64(s.headersOffset)); err != nil {
		return fmt.Errorf("fscache: truncate headers segment: %w", err)
	}
	if err := s.hashesFile.Truncate(int64(s.hashesOffset)); err != nil {
		return fmt.Errorf("fscache: truncate hashes segment: %w", err)
	}
	if err := s.headersFile.Sync(); err != nil {
		return fmt.Errorf("fscache: sync headers segment: %w", err)
	}
	if err := s.hashesFile.Sync(); err != nil {
		return fmt.Errorf("fscache: sync hashes segment: %w", err)
	}

	tmpPath := filepath.Join(s.dir, indexTmpName)
	finalPath := filepath.Join(s.dir, indexFileName)
	buf := encodeIndex(s.entries)
	if err := os.WriteFile(tmpPath, buf, 0o644); err != nil {
		return fmt.Errorf("fscache: write index.seg.tmp: %w", err)
	}
	f, err := os.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("fscache: reopen index.seg.tmp: %w", err)
	}
	syncErr := f.Sync()
	f.Close()
	if syncErr != nil {
		return fmt.Errorf("fscache: sync index.seg.tmp: %w", syncErr)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("fscache: rename index.seg: %w", err)
	}
	return nil
}

// BlockHash returns the header hash recorded for height.
func (s *Store) BlockHash(height int64) ([32]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var zero [32]byte
	if height < 0 || height >= int64(len(s.entries)) {
		return zero, fmt.Errorf("fscache: height %d out of range [0,%d)", height, len(s.entries))
	}
	return s.entries[height].BlockHash, nil
}

// BlockHashes returns up to count consecutive block hashes starting at
// startHeight, used by the reorg common-ancestor search to compare the
// local chain against the daemon's.
func (s *Store) BlockHashes(startHeight int64, count int) ([][32]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if startHeight < 0 {
		return nil, fmt.Errorf("fscache: negative start height %d", startHeight)
	}
	end := startHeight + int64(count)
	if end > int64(len(s.entries)) {
		end = int64(len(s.entries))
	}
	out := make([][32]byte, 0, end-startHeight)
	for h := startHeight; h < end; h++ {
		out = append(out, s.entries[h].BlockHash)
	}
	return out, nil
}

// Header returns the decompressed raw header bytes for height.
func (s *Store) Header(height int64) ([]byte, error) {
	s.mu.RLock()
	entry, ok := s.entryAt(height)
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("fscache: height %d out of range", height)
	}
	payload, _, err := readRecord(s.headersFile, int64(entry.HeaderOffset))
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *Store) entryAt(height int64) (blockEntry, bool) {
	if height < 0 || height >= int64(len(s.entries)) {
		return blockEntry{}, false
	}
	return s.entries[height], true
}

// GetTxHash returns the transaction hash assigned tx_num txNum, along
// with the height of the block that contains it.
func (s *Store) GetTxHash(txNum uint64) (hash [32]byte, height int64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.entries)
	idx := sort.Search(n, func(i int) bool {
		return s.entries[i].BaseTxNum+uint64(s.entries[i].TxCount) > txNum
	})
	if idx == n || txNum < s.entries[idx].BaseTxNum {
		return hash, 0, fmt.Errorf("fscache: tx_num %d not found", txNum)
	}
	entry := s.entries[idx]
	payload, _, err := readRecord(s.hashesFile, int64(entry.HashesOffset))
	if err != nil {
		return hash, 0, err
	}
	hashes, err := decodeHashes(payload)
	if err != nil {
		return hash, 0, err
	}
	pos := txNum - entry.BaseTxNum
	if pos >= uint64(len(hashes)) {
		return hash, 0, fmt.Errorf("fscache: tx_num %d out of range for block at height %d", txNum, idx)
	}
	return hashes[pos], int64(idx), nil
}

// TxHashes returns every transaction hash in the block at height, in
// tx_pos order.
func (s *Store) TxHashes(height int64) ([][32]byte, error) {
	s.mu.RLock()
	entry, ok := s.entryAt(height)
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("fscache: height %d out of range", height)
	}
	payload, _, err := readRecord(s.hashesFile, int64(entry.HashesOffset))
	if err != nil {
		return nil, err
	}
	return decodeHashes(payload)
}

// Close releases the underlying file handles.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err1 := s.headersFile.Close()
	err2 := s.hashesFile.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// BlockHeader is the subset of core.BlockHeader fscache needs: the
// block's own hash and its serialized bytes. Defined locally (rather
// than importing core) to keep fscache a leaf package with no
// dependency on the processor it serves.
type BlockHeader struct {
	Hash [32]byte
	Raw  []byte
}
