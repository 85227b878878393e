// Package leveldb wraps github.com/syndtr/goleveldb as a treestore.Engine,
// an alternative backend to pebbledb for deployments already standardised
// on LevelDB, the same way the teacher carries both ethdb/leveldb and
// ethdb/pebble behind one interface.
package leveldb

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/nonlocality-labs/prollytree/treestore"
)

type Engine struct {
	db *leveldb.DB
}

// Open opens (creating if absent) a LevelDB database at dir.
func Open(dir string) (*Engine, error) {
	db, err := leveldb.OpenFile(dir, &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("leveldb: open %s: %w", dir, err)
	}
	return &Engine{db: db}, nil
}

func (e *Engine) Get(key []byte) ([]byte, error) {
	v, err := e.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, treestore.ErrNotFoundInEngine
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", treestore.ErrIO, err)
	}
	return v, nil
}

func (e *Engine) Has(key []byte) (bool, error) {
	ok, err := e.db.Has(key, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", treestore.ErrIO, err)
	}
	return ok, nil
}

func (e *Engine) Put(key, value []byte) error {
	if err := e.db.Put(key, value, nil); err != nil {
		return fmt.Errorf("%w: %v", treestore.ErrIO, err)
	}
	return nil
}

func (e *Engine) Delete(key []byte) error {
	if err := e.db.Delete(key, nil); err != nil {
		return fmt.Errorf("%w: %v", treestore.ErrIO, err)
	}
	return nil
}

func (e *Engine) NewBatch() treestore.Batch {
	return &batch{b: new(leveldb.Batch), db: e.db}
}

func (e *Engine) NewIterator(prefix []byte) treestore.Iterator {
	it := e.db.NewIterator(util.BytesPrefix(prefix), nil)
	return &engineIterator{it: it}
}

func (e *Engine) ApproximateCount() (uint64, error) {
	it := e.db.NewIterator(util.BytesPrefix([]byte{'t'}), nil)
	defer it.Release()
	var n uint64
	for it.Next() {
		n++
	}
	if err := it.Error(); err != nil {
		return 0, fmt.Errorf("%w: %v", treestore.ErrIO, err)
	}
	return n, nil
}

func (e *Engine) Close() error {
	if err := e.db.Close(); err != nil {
		return fmt.Errorf("%w: %v", treestore.ErrIO, err)
	}
	return nil
}

type batch struct {
	b    *leveldb.Batch
	db   *leveldb.DB
	size int
}

func (b *batch) Put(key, value []byte) error {
	b.b.Put(key, value)
	b.size += len(key) + len(value)
	return nil
}

func (b *batch) Delete(key []byte) error {
	b.b.Delete(key)
	b.size += len(key)
	return nil
}

func (b *batch) ValueSize() int { return b.size }

func (b *batch) Write() error {
	if err := b.db.Write(b.b, nil); err != nil {
		return fmt.Errorf("%w: %v", treestore.ErrIO, err)
	}
	return nil
}

func (b *batch) Reset() {
	b.b.Reset()
	b.size = 0
}

type engineIterator struct {
	it iterator.Iterator
}

func (it *engineIterator) Next() bool    { return it.it.Next() }
func (it *engineIterator) Key() []byte   { return it.it.Key() }
func (it *engineIterator) Value() []byte { return it.it.Value() }
func (it *engineIterator) Error() error  { return it.it.Error() }
func (it *engineIterator) Release()      { it.it.Release() }
