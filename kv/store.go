// Package kv defines the ordered byte-keyed store contract the core
// relies on (spec.md section 4.1): point get/put/delete, atomic batched
// writes, and forward/reverse prefix iteration. pebble.go provides the
// concrete implementation.
package kv

import "errors"

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: not found")

// Store is the ordered byte-keyed persistence contract. All values are
// opaque byte strings; the store performs no compression or encoding of
// its own.
type Store interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte, sync bool) error
	Delete(key []byte, sync bool) error

	// NewBatch returns an atomic write batch. Nothing in the batch is
	// visible to readers until Commit is called; Commit is all-or-
	// nothing.
	NewBatch() Batch

	// Iterator returns keys in [start, end) order, or in reverse when
	// reverse is true. A nil end means "to the end of the prefix range
	// implied by start" is the caller's responsibility — callers
	// typically use PrefixIterator instead.
	Iterator(start, end []byte, reverse bool) (Iterator, error)

	Close() error
	Sync() error
}

// PrefixIterator returns an iterator over all keys sharing the given
// prefix, in forward or reverse order.
func PrefixIterator(s Store, prefix []byte, reverse bool) (Iterator, error) {
	return s.Iterator(prefix, prefixUpperBound(prefix), reverse)
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix, or nil if prefix is all 0xff (meaning "no upper
// bound").
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// Batch is an atomic set of mutations.
type Batch interface {
	Set(key, value []byte)
	Delete(key []byte)
	Commit(sync bool) error
	Close() error
}

// Iterator walks a key range in one direction.
type Iterator interface {
	Valid() bool
	Next() bool // advances in the iterator's configured direction
	Key() []byte
	Value() []byte
	Close() error
}
