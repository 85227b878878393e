// Package treestore persists and resolves tree nodes (package treenode) by
// digest, and publishes named roots, the way the teacher's ethdb package
// abstracts a key-value engine behind one interface with several
// interchangeable backends (memorydb, pebbledb, leveldb).
package treestore

import "errors"

// ErrNoSpace reports that the backing medium has run out of room. Nothing in
// this module returns it: an out-of-space failure reaches the caller of
// Commit as whatever error the engine or the write-ahead log reports, and
// the engines wrap theirs in ErrIO.
var ErrNoSpace = errors.New("treestore: no space left in backing store")

// ErrIO wraps an opaque I/O failure from the backing medium. The in-memory
// mutation state at the point of failure is implementation defined, but no
// partial commit becomes visible to a later reader.
var ErrIO = errors.New("treestore: backing store I/O error")

// Iterator walks the key range sharing a prefix, in ascending key order,
// mirroring ethdb.Iterator.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Release()
}

// Batch stages a group of key-value mutations for one atomic Write, the
// same contract as ethdb.Batch.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	ValueSize() int
	Write() error
	Reset()
}

// Engine is the low-level ordered key-value store every treestore backend
// must provide. It has no notion of nodes, digests or roots; treestore maps
// the relational "trees / children / roots" layout from spec.md §4.C onto
// Engine's flat key space (see keys.go), the way the teacher's rawdb schema
// maps relational-shaped chain data onto ethdb.KeyValueStore.
type Engine interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	NewBatch() Batch
	NewIterator(prefix []byte) Iterator
	// ApproximateCount counts the keys under the "trees" prefix, for the
	// diagnostics-only approximate_count(). The disk backends iterate that
	// key range to do so.
	ApproximateCount() (uint64, error)
	Close() error
}

// ErrNotFoundInEngine is returned by Engine.Get for an absent key. Backends
// translate their native not-found signal (pebble.ErrNotFound,
// leveldb.ErrNotFound, a missing map entry) to this sentinel so treestore
// never imports a specific engine's error package.
var ErrNotFoundInEngine = errors.New("treestore: key not present in engine")
