// Package pebbledb wraps github.com/cockroachdb/pebble as a
// treestore.Engine, the same role the teacher's ethdb/pebble package plays
// for the chain database.
package pebbledb

import (
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/nonlocality-labs/prollytree/treestore"
)

type Engine struct {
	db *pebble.DB
}

// Open opens (creating if absent) a pebble database at dir.
func Open(dir string) (*Engine, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebbledb: open %s: %w", dir, err)
	}
	return &Engine{db: db}, nil
}

func (e *Engine) Get(key []byte) ([]byte, error) {
	v, closer, err := e.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, treestore.ErrNotFoundInEngine
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", treestore.ErrIO, err)
	}
	out := make([]byte, len(v))
	copy(out, v)
	if cerr := closer.Close(); cerr != nil {
		return nil, fmt.Errorf("%w: %v", treestore.ErrIO, cerr)
	}
	return out, nil
}

func (e *Engine) Has(key []byte) (bool, error) {
	_, closer, err := e.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", treestore.ErrIO, err)
	}
	closer.Close()
	return true, nil
}

func (e *Engine) Put(key, value []byte) error {
	if err := e.db.Set(key, value, pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", treestore.ErrIO, err)
	}
	return nil
}

func (e *Engine) Delete(key []byte) error {
	if err := e.db.Delete(key, pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", treestore.ErrIO, err)
	}
	return nil
}

func (e *Engine) NewBatch() treestore.Batch {
	return &batch{b: e.db.NewBatch()}
}

func (e *Engine) NewIterator(prefix []byte) treestore.Iterator {
	upper := upperBound(prefix)
	it, _ := e.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	it.First()
	return &iterator{it: it, started: false}
}

// upperBound returns the smallest key strictly greater than every key with
// the given prefix, or nil if prefix is all 0xFF bytes (no bound needed).
func upperBound(prefix []byte) []byte {
	bound := append([]byte(nil), prefix...)
	for i := len(bound) - 1; i >= 0; i-- {
		if bound[i] < 0xFF {
			bound[i]++
			return bound[:i+1]
		}
	}
	return nil
}

func (e *Engine) ApproximateCount() (uint64, error) {
	return estimateByScan(e), nil
}

// estimateByScan counts the keys under the trees prefix ('t') by iterating
// that key range.
func estimateByScan(e *Engine) uint64 {
	it, _ := e.db.NewIter(&pebble.IterOptions{LowerBound: []byte{'t'}, UpperBound: []byte{'u'}})
	defer it.Close()
	var n uint64
	for it.First(); it.Valid(); it.Next() {
		n++
	}
	return n
}

func (e *Engine) Close() error {
	if err := e.db.Close(); err != nil {
		return fmt.Errorf("%w: %v", treestore.ErrIO, err)
	}
	return nil
}

type batch struct {
	b    *pebble.Batch
	size int
}

func (b *batch) Put(key, value []byte) error {
	b.size += len(key) + len(value)
	return b.b.Set(key, value, nil)
}

func (b *batch) Delete(key []byte) error {
	b.size += len(key)
	return b.b.Delete(key, nil)
}

func (b *batch) ValueSize() int { return b.size }

func (b *batch) Write() error {
	if err := b.b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", treestore.ErrIO, err)
	}
	return nil
}

func (b *batch) Reset() {
	b.b.Reset()
	b.size = 0
}

type iterator struct {
	it      *pebble.Iterator
	started bool
	err     error
}

func (it *iterator) Next() bool {
	if !it.started {
		it.started = true
		return it.it.Valid()
	}
	return it.it.Next()
}

func (it *iterator) Key() []byte   { return it.it.Key() }
func (it *iterator) Value() []byte { return it.it.Value() }
func (it *iterator) Error() error  { return it.it.Error() }
func (it *iterator) Release()      { it.it.Close() }
