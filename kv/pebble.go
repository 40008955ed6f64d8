package kv

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble"
)

// noopLogger silences pebble's internal logging; the processor logs at
// the level it cares about itself, matching the teacher's customLogger.
type noopLogger struct{}

func (noopLogger) Infof(string, ...interface{})  {}
func (noopLogger) Fatalf(string, ...interface{}) {}
func (noopLogger) Errorf(string, ...interface{}) {}

// PebbleStore wraps a single *pebble.DB. See DESIGN.md for why this is
// one DB rather than the teacher's xxhash-sharded array: the core's
// prefix/reverse scans must see one global key ordering.
type PebbleStore struct {
	db *pebble.DB
}

// Open creates or opens a pebble store at dir, tuned the way the teacher
// tunes its shards (storage/pebble.go NewPebbleStore): no block
// compression (values are already opaque/compact), a generous memtable,
// and relaxed L0 compaction thresholds since this is a write-heavy
// sequential workload.
func Open(dir string) (*PebbleStore, error) {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	opts := &pebble.Options{
		Logger: noopLogger{},
		Levels: []pebble.LevelOptions{
			{Compression: pebble.NoCompression},
		},
		MemTableSize:                128 << 20,
		MemTableStopWritesThreshold: 6,
		Cache:                       pebble.NewCache(64 << 20),
		L0CompactionThreshold:       10,
		L0StopWritesThreshold:       32,
		MaxConcurrentCompactions:    func() int { return 4 },
		MaxOpenFiles:                10000,
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble store %s: %w", dir, err)
	}
	return &PebbleStore{db: db}, nil
}

func syncOpt(sync bool) *pebble.WriteOptions {
	if sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

func (s *PebbleStore) Get(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func (s *PebbleStore) Set(key, value []byte, sync bool) error {
	return s.db.Set(key, value, syncOpt(sync))
}

func (s *PebbleStore) Delete(key []byte, sync bool) error {
	return s.db.Delete(key, syncOpt(sync))
}

func (s *PebbleStore) NewBatch() Batch {
	return &pebbleBatch{batch: s.db.NewBatch()}
}

func (s *PebbleStore) Iterator(start, end []byte, reverse bool) (Iterator, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: start, UpperBound: end})
	if err != nil {
		return nil, err
	}
	pit := &pebbleIterator{it: it, reverse: reverse}
	if reverse {
		it.Last()
	} else {
		it.First()
	}
	return pit, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func (s *PebbleStore) Sync() error {
	return s.db.LogData(nil, pebble.Sync)
}

type pebbleBatch struct {
	batch *pebble.Batch
}

func (b *pebbleBatch) Set(key, value []byte) { _ = b.batch.Set(key, value, nil) }
func (b *pebbleBatch) Delete(key []byte)      { _ = b.batch.Delete(key, nil) }
func (b *pebbleBatch) Commit(sync bool) error { return b.batch.Commit(syncOpt(sync)) }
func (b *pebbleBatch) Close() error           { return b.batch.Close() }

type pebbleIterator struct {
	it      *pebble.Iterator
	reverse bool
}

func (it *pebbleIterator) Valid() bool {
	return it.it.Valid()
}

func (it *pebbleIterator) Next() bool {
	if it.reverse {
		return it.it.Prev()
	}
	return it.it.Next()
}

func (it *pebbleIterator) Key() []byte   { return it.it.Key() }
func (it *pebbleIterator) Value() []byte { return it.it.Value() }
func (it *pebbleIterator) Close() error  { return it.it.Close() }
