package prolly

import (
	"github.com/nonlocality-labs/prollytree/digest"
)

// cursorFrame is one level of an Iterator's descent: either the current
// leaf and a cursor into its entries, or an internal node and the index of
// the child currently being walked.
type cursorFrame struct {
	isLeaf   bool
	leaf     []Entry
	internal []internalEntry
	pos      int
}

// Iterator performs the depth-first, left-to-right walk described by
// §4.F.4's "Iterate": its state is a stack of parent positions plus the
// current leaf's entry cursor, so memory use is O(depth) rather than O(n).
type Iterator struct {
	store NodeStore
	stack []*cursorFrame
}

// NewIterator returns an Iterator positioned before the first entry of the
// map rooted at root.
func NewIterator(store NodeStore, root digest.Digest) (*Iterator, error) {
	it := &Iterator{store: store}
	if err := it.descend(root); err != nil {
		return nil, err
	}
	return it, nil
}

// descend pushes frames from d down to the first leaf reachable from it.
func (it *Iterator) descend(d digest.Digest) error {
	for {
		n, err := it.store.Load(d)
		if err != nil {
			return err
		}
		isLeaf, leafEntries, internalEntries, err := decodeNode(n)
		if err != nil {
			return err
		}
		if isLeaf {
			it.stack = append(it.stack, &cursorFrame{isLeaf: true, leaf: leafEntries})
			return nil
		}
		it.stack = append(it.stack, &cursorFrame{isLeaf: false, internal: internalEntries, pos: 0})
		if len(internalEntries) == 0 {
			return nil
		}
		d = internalEntries[0].Child
	}
}

// Next returns the next (key, value) pair in ascending order. ok is false
// once the map is exhausted.
func (it *Iterator) Next() (key, value []byte, ok bool, err error) {
	for len(it.stack) > 0 {
		top := it.stack[len(it.stack)-1]

		if top.isLeaf {
			if top.pos >= len(top.leaf) {
				it.stack = it.stack[:len(it.stack)-1]
				continue
			}
			e := top.leaf[top.pos]
			top.pos++
			return e.Key, e.Value, true, nil
		}

		// Internal frame: pos tracks the child we most recently descended
		// into (or -1/0 at the start); advance to the next sibling.
		top.pos++
		if top.pos >= len(top.internal) {
			it.stack = it.stack[:len(it.stack)-1]
			continue
		}
		if err := it.descend(top.internal[top.pos].Child); err != nil {
			return nil, nil, false, err
		}
	}
	return nil, nil, false, nil
}

// collectEntries materialises every (key, value) pair reachable from root,
// in ascending key order. Used by operations that rebuild the whole tree
// deterministically (Insert, Remove, MergeScan) rather than
// attempting in-place propagation.
func collectEntries(store NodeStore, root digest.Digest) ([]Entry, error) {
	it, err := NewIterator(store, root)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for {
		k, v, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		entries = append(entries, Entry{
			Key:   append([]byte(nil), k...),
			Value: append([]byte(nil), v...),
		})
	}
	return entries, nil
}
