// Package memorydb is an in-process, non-durable treestore.Engine, used for
// tests and ephemeral stores, mirroring the teacher's ethdb/memorydb.
package memorydb

import (
	"bytes"
	"sort"
	"sync"

	"github.com/nonlocality-labs/prollytree/treestore"
)

type Engine struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func New() *Engine {
	return &Engine{data: make(map[string][]byte)}
}

func (e *Engine) Get(key []byte) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.data[string(key)]
	if !ok {
		return nil, treestore.ErrNotFoundInEngine
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (e *Engine) Has(key []byte) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.data[string(key)]
	return ok, nil
}

func (e *Engine) Put(key, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	e.data[string(key)] = v
	return nil
}

func (e *Engine) Delete(key []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.data, string(key))
	return nil
}

func (e *Engine) NewBatch() treestore.Batch {
	return &batch{engine: e}
}

func (e *Engine) NewIterator(prefix []byte) treestore.Iterator {
	e.mu.RLock()
	defer e.mu.RUnlock()

	keys := make([]string, 0, len(e.data))
	for k := range e.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = e.data[k]
	}
	return &iterator{keys: keys, values: values, pos: -1}
}

func (e *Engine) ApproximateCount() (uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var n uint64
	for k := range e.data {
		if len(k) > 0 && k[0] == 't' {
			n++
		}
	}
	return n, nil
}

func (e *Engine) Close() error { return nil }

type batchOp struct {
	key    []byte
	value  []byte
	delete bool
}

type batch struct {
	engine *Engine
	ops    []batchOp
	size   int
}

func (b *batch) Put(key, value []byte) error {
	b.ops = append(b.ops, batchOp{key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
	b.size += len(key) + len(value)
	return nil
}

func (b *batch) Delete(key []byte) error {
	b.ops = append(b.ops, batchOp{key: append([]byte(nil), key...), delete: true})
	b.size += len(key)
	return nil
}

func (b *batch) ValueSize() int { return b.size }

func (b *batch) Write() error {
	b.engine.mu.Lock()
	defer b.engine.mu.Unlock()
	for _, op := range b.ops {
		if op.delete {
			delete(b.engine.data, string(op.key))
			continue
		}
		b.engine.data[string(op.key)] = op.value
	}
	return nil
}

func (b *batch) Reset() {
	b.ops = b.ops[:0]
	b.size = 0
}

type iterator struct {
	keys   []string
	values [][]byte
	pos    int
	err    error
}

func (it *iterator) Next() bool {
	if it.pos+1 >= len(it.keys) {
		return false
	}
	it.pos++
	return true
}

func (it *iterator) Key() []byte {
	if it.pos < 0 || it.pos >= len(it.keys) {
		return nil
	}
	return []byte(it.keys[it.pos])
}

func (it *iterator) Value() []byte {
	if it.pos < 0 || it.pos >= len(it.values) {
		return nil
	}
	return it.values[it.pos]
}

func (it *iterator) Error() error { return it.err }

func (it *iterator) Release() {}
