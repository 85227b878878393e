package openfile

import (
	"fmt"
	"os"

	"github.com/holiman/billy"

	"github.com/nonlocality-labs/prollytree/treenode"
)

// spillStore stages the oldest Dirty blocks on local disk via
// github.com/holiman/billy when a write would push the in-memory
// dirty-block count past Config.MaxDirtyBlocks, instead of eagerly
// re-encoding them through segblob on every write (SPEC_FULL.md §3.5).
// It is strictly a staging step ahead of Buffer.StoreAll: a spilled block
// is still logically Dirty, just no longer resident in the block map;
// its billy entry is deleted once StoreAll persists it as a real leaf node.
type spillStore struct {
	db  billy.Database
	dir string
	ids map[uint64]uint64
}

// newSpillStore opens a fresh, process-local billy database in a temporary
// directory. One spillStore belongs to exactly one Buffer and is deleted
// wholesale when the buffer is closed; it has no durability story of its
// own, matching spec's framing of the write-buffer bound as purely a
// memory-pressure control, not a second persistence mechanism.
func newSpillStore() (*spillStore, error) {
	dir, err := os.MkdirTemp("", "prollytree-openfile-spill-*")
	if err != nil {
		return nil, fmt.Errorf("openfile: creating spill directory: %w", err)
	}
	db, err := billy.Open(billy.Options{Path: dir}, billy.NewBasicFreelist(), nil)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("openfile: opening spill store: %w", err)
	}
	return &spillStore{db: db, dir: dir, ids: make(map[uint64]uint64)}, nil
}

func (s *spillStore) put(index uint64, data []byte) error {
	if id, ok := s.ids[index]; ok {
		if err := s.db.Delete(id); err != nil {
			return fmt.Errorf("openfile: replacing spilled block %d: %w", index, err)
		}
	}
	id, err := s.db.Put(data)
	if err != nil {
		return fmt.Errorf("openfile: spilling block %d: %w", index, err)
	}
	s.ids[index] = id
	return nil
}

func (s *spillStore) get(index uint64) (data []byte, ok bool, err error) {
	id, present := s.ids[index]
	if !present {
		return nil, false, nil
	}
	data, err = s.db.Get(id)
	if err != nil {
		return nil, false, fmt.Errorf("openfile: reading spilled block %d: %w", index, err)
	}
	return data, true, nil
}

func (s *spillStore) contains(index uint64) bool {
	_, ok := s.ids[index]
	return ok
}

func (s *spillStore) delete(index uint64) error {
	id, ok := s.ids[index]
	if !ok {
		return nil
	}
	delete(s.ids, index)
	if err := s.db.Delete(id); err != nil {
		return fmt.Errorf("openfile: deleting spilled block %d: %w", index, err)
	}
	return nil
}

func (s *spillStore) close() error {
	if err := s.db.Close(); err != nil {
		return err
	}
	return os.RemoveAll(s.dir)
}

// maxSpillSlot is one block's worth of bytes; blocks never exceed
// treenode.MaxBlob. Nothing in this package refers to it, so it does not
// bound the billy slots.
const maxSpillSlot = treenode.MaxBlob
