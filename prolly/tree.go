package prolly

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/holiman/bloomfilter/v2"

	"github.com/nonlocality-labs/prollytree/digest"
)

var (
	findMeter      = metrics.NewRegisteredMeter("prolly/find", nil)
	bloomHitMeter  = metrics.NewRegisteredMeter("prolly/bloom/negative", nil)
	insertMeter    = metrics.NewRegisteredMeter("prolly/insert", nil)
	removeMeter    = metrics.NewRegisteredMeter("prolly/remove", nil)
	mergeScanMeter = metrics.NewRegisteredMeter("prolly/mergescan", nil)
)

// ErrTreeNotFound is returned in place of digest.ErrNotFound when
// findInTree's descent hits a digest the NodeStore cannot resolve, matching
// spec.md §4.F.6's LoadError::TreeNotFound.
var ErrTreeNotFound = errors.New("prolly: tree node not found")

// Tree is an editable handle onto a prolly tree rooted at a digest: every
// mutation reads the current root, applies the change, and produces a new
// root, the way the teacher's triedb state trie hands back a new root after
// each commit rather than mutating in place. A Tree is single-owner
// (spec.md §4.F.4's "mutable in-memory editable root"); concurrent access to
// the same logical map is expressed by sharing the root digest and each
// caller calling Open independently, never by sharing a *Tree.
type Tree struct {
	mu    sync.Mutex
	store NodeStore
	root  digest.Digest
	bloom *bloomfilter.Filter
}

// Open rebuilds a Tree's read-through Bloom filter from the key set
// currently reachable under root and returns an editable handle onto it.
func Open(store NodeStore, root digest.Digest) (*Tree, error) {
	bloom, err := rebuildBloom(store, root)
	if err != nil {
		return nil, fmt.Errorf("prolly: opening tree at %s: %w", root, err)
	}
	return &Tree{store: store, root: root, bloom: bloom}, nil
}

// New returns a Tree over the canonical empty map (spec.md §4.F.3: "a
// totally empty map serialises to a single empty leaf node").
func New(store NodeStore) (*Tree, error) {
	root, err := EmptyRoot(store)
	if err != nil {
		return nil, err
	}
	return Open(store, root)
}

// Root returns the tree's current root digest; callers persist it via
// treestore.UpdateRoot to publish the map under a stable name.
func (t *Tree) Root() digest.Digest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

// Find returns the value stored for key, or ok=false if key is absent.
func (t *Tree) Find(key []byte) (value []byte, ok bool, err error) {
	t.mu.Lock()
	root, bloom := t.root, t.bloom
	t.mu.Unlock()

	findMeter.Mark(1)
	if !mayContain(bloom, key) {
		bloomHitMeter.Mark(1)
		return nil, false, nil
	}
	return findInTree(t.store, root, key)
}

func findInTree(store NodeStore, root digest.Digest, key []byte) ([]byte, bool, error) {
	n, err := store.Load(root)
	if err != nil {
		if errors.Is(err, digest.ErrNotFound) {
			return nil, false, fmt.Errorf("%w: %s", ErrTreeNotFound, root)
		}
		return nil, false, err
	}
	isLeaf, leaf, internal, err := decodeNode(n)
	if err != nil {
		return nil, false, err
	}
	if isLeaf {
		idx := sort.Search(len(leaf), func(i int) bool { return bytes.Compare(leaf[i].Key, key) >= 0 })
		if idx < len(leaf) && bytes.Equal(leaf[idx].Key, key) {
			return leaf[idx].Value, true, nil
		}
		return nil, false, nil
	}
	idx := sort.Search(len(internal), func(i int) bool { return bytes.Compare(internal[i].Separator, key) >= 0 })
	if idx >= len(internal) {
		return nil, false, nil
	}
	return findInTree(store, internal[idx].Child, key)
}

// Insert adds or overwrites (key, value) and advances the tree's root to
// the result. Per spec.md §4.F.5, the new root depends only on the
// resulting key set, never on how it was reached.
func (t *Tree) Insert(key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries, err := collectEntries(t.store, t.root)
	if err != nil {
		return err
	}
	entries = upsertEntry(entries, key, value)
	root, err := BuildFromSortedEntries(t.store, entries)
	if err != nil {
		return err
	}
	t.root = root
	t.bloom.Add(bloomHasher(key))
	insertMeter.Mark(1)
	log.Debug("prolly: inserted key", "root", root, "entries", len(entries))
	return nil
}

// Remove deletes key if present and advances the tree's root; removed
// reports whether key was present before the call. The Bloom filter is left
// untouched on removal: it never produces false negatives by construction,
// so a stale positive for a removed key only costs one wasted descent that
// correctly reports absence, never a wrong Find result.
func (t *Tree) Remove(key []byte) (removed bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries, err := collectEntries(t.store, t.root)
	if err != nil {
		return false, err
	}
	before := len(entries)
	entries = deleteEntryKey(entries, key)
	if len(entries) == before {
		return false, nil
	}
	root, err := BuildFromSortedEntries(t.store, entries)
	if err != nil {
		return false, err
	}
	t.root = root
	removeMeter.Mark(1)
	log.Debug("prolly: removed key", "root", root, "entries", len(entries))
	return true, nil
}

// Count returns the number of entries in the map, walking the tree and
// summing leaf-entry counts without materialising the entries themselves
// (spec.md §4.F.4's "implementation may lazily load nodes").
func (t *Tree) Count() (int, error) {
	t.mu.Lock()
	root := t.root
	t.mu.Unlock()
	return countNode(t.store, root)
}

func countNode(store NodeStore, d digest.Digest) (int, error) {
	n, err := store.Load(d)
	if err != nil {
		return 0, err
	}
	isLeaf, leaf, internal, err := decodeNode(n)
	if err != nil {
		return 0, err
	}
	if isLeaf {
		return len(leaf), nil
	}
	total := 0
	for _, e := range internal {
		c, err := countNode(store, e.Child)
		if err != nil {
			return 0, err
		}
		total += c
	}
	return total, nil
}

// Iterate returns an Iterator over the tree's current root, yielding
// entries in ascending key order (spec.md §4.F.4's "Iterate").
func (t *Tree) Iterate() (*Iterator, error) {
	t.mu.Lock()
	root := t.root
	t.mu.Unlock()
	return NewIterator(t.store, root)
}

// MergeScan forces a rebalance of the tree rooted at root by re-chunking
// its full current entry set (spec.md §4.F.4's parent merge-scan step,
// generalised to the whole tree: rebuilding from the sorted entry set
// re-applies the same rechunk rule everywhere, so every parent's non-last
// children already satisfy the natural-split invariant afterwards). Insert
// and Remove call the equivalent rebuild internally; MergeScan is exposed
// for callers that mutate a prolly tree's entries through some other path
// (for example a directory-listing tree assembled in bulk) and want to
// force the rebalance explicitly afterwards.
func MergeScan(store NodeStore, root digest.Digest) (digest.Digest, error) {
	entries, err := collectEntries(store, root)
	if err != nil {
		return digest.Digest{}, err
	}
	mergeScanMeter.Mark(1)
	return BuildFromSortedEntries(store, entries)
}
