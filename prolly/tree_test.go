package prolly_test

import (
	"fmt"
	"math/rand"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/require"

	"github.com/nonlocality-labs/prollytree/digest"
	"github.com/nonlocality-labs/prollytree/prolly"
	"github.com/nonlocality-labs/prollytree/treenode"
)

type memStore map[digest.Digest]treenode.Node

func newMemStore() memStore { return memStore{} }

func (m memStore) Store(n treenode.Node) (digest.Digest, error) {
	d, err := treenode.Digest(n)
	if err != nil {
		return digest.Digest{}, err
	}
	if _, ok := m[d]; !ok {
		m[d] = n
	}
	return d, nil
}

func (m memStore) Load(d digest.Digest) (treenode.Node, error) {
	n, ok := m[d]
	if !ok {
		return treenode.Node{}, digest.ErrNotFound
	}
	return n, nil
}

func keyOf(i int) []byte { return []byte(fmt.Sprintf("key-%06d", i)) }
func valOf(i int) []byte { return []byte(fmt.Sprintf("value-%06d", i*7)) }

func TestEmptyTreeFindsNothing(t *testing.T) {
	store := newMemStore()
	tree, err := prolly.New(store)
	require.NoError(t, err)

	_, ok, err := tree.Find([]byte("anything"))
	require.NoError(t, err)
	require.False(t, ok)

	count, err := tree.Count()
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestInsertFindRemove(t *testing.T) {
	store := newMemStore()
	tree, err := prolly.New(store)
	require.NoError(t, err)

	require.NoError(t, tree.Insert([]byte("a"), []byte("1")))
	require.NoError(t, tree.Insert([]byte("b"), []byte("2")))

	v, ok, err := tree.Find([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	// overwrite
	require.NoError(t, tree.Insert([]byte("a"), []byte("99")))
	v, ok, err = tree.Find([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("99"), v)

	removed, err := tree.Remove([]byte("a"))
	require.NoError(t, err)
	require.True(t, removed)

	_, ok, err = tree.Find([]byte("a"))
	require.NoError(t, err)
	require.False(t, ok)

	removedAgain, err := tree.Remove([]byte("a"))
	require.NoError(t, err)
	require.False(t, removedAgain)
}

func TestHistoryIndependence(t *testing.T) {
	store := newMemStore()
	pairs := map[string]string{"1": "10", "2": "20", "3": "30"}

	orders := [][]string{
		{"1", "2", "3"},
		{"1", "3", "2"},
		{"3", "2", "1"},
	}

	var roots []digest.Digest
	for _, order := range orders {
		tree, err := prolly.New(store)
		require.NoError(t, err)
		for _, k := range order {
			require.NoError(t, tree.Insert([]byte(k), []byte(pairs[k])))
		}
		roots = append(roots, tree.Root())
	}
	for i := 1; i < len(roots); i++ {
		require.Equal(t, roots[0], roots[i], "order %v produced a different root than order %v", orders[i], orders[0])
	}
}

// TestHistoryIndependenceQuick is the property-based form of
// TestHistoryIndependence spec.md §8 asks for: for any key set, every
// insertion order reaches the same root.
func TestHistoryIndependenceQuick(t *testing.T) {
	property := func(seed int64, n uint8) bool {
		count := int(n%40) + 1
		keys := make([][]byte, count)
		vals := make([][]byte, count)
		for i := 0; i < count; i++ {
			keys[i] = keyOf(i)
			vals[i] = valOf(i)
		}

		store := newMemStore()
		rnd := rand.New(rand.NewSource(seed))
		order := rnd.Perm(count)

		treeA, err := prolly.New(store)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		for _, i := range order {
			if err := treeA.Insert(keys[i], vals[i]); err != nil {
				t.Fatalf("Insert: %v", err)
			}
		}

		treeB, err := prolly.New(store)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		for i := 0; i < count; i++ {
			if err := treeB.Insert(keys[i], vals[i]); err != nil {
				t.Fatalf("Insert: %v", err)
			}
		}

		return treeA.Root() == treeB.Root()
	}
	if err := quick.Check(property, &quick.Config{MaxCount: 30}); err != nil {
		t.Error(err)
	}
}

func TestInsertManyThenRemoveAllReachesEmptyRoot(t *testing.T) {
	const n = 1000
	store := newMemStore()
	tree, err := prolly.New(store)
	require.NoError(t, err)
	emptyRoot := tree.Root()

	insertOrder := rand.New(rand.NewSource(1)).Perm(n)
	for _, i := range insertOrder {
		require.NoError(t, tree.Insert(keyOf(i), valOf(i)))
	}
	count, err := tree.Count()
	require.NoError(t, err)
	require.Equal(t, n, count)

	result, err := prolly.VerifyIntegrity(store, tree.Root())
	require.NoError(t, err)
	require.GreaterOrEqual(t, result.Depth, 0)

	removeOrder := rand.New(rand.NewSource(2)).Perm(n)
	for _, i := range removeOrder {
		removed, err := tree.Remove(keyOf(i))
		require.NoError(t, err)
		require.True(t, removed)
	}

	require.Equal(t, emptyRoot, tree.Root(), "removing every inserted key did not return to the empty root")

	count, err = tree.Count()
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestIterateAscending(t *testing.T) {
	store := newMemStore()
	tree, err := prolly.New(store)
	require.NoError(t, err)

	const n = 200
	order := rand.New(rand.NewSource(3)).Perm(n)
	for _, i := range order {
		require.NoError(t, tree.Insert(keyOf(i), valOf(i)))
	}

	it, err := tree.Iterate()
	require.NoError(t, err)

	var last []byte
	seen := 0
	for {
		k, v, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		if last != nil {
			require.Less(t, string(last), string(k), "iterator did not yield ascending keys")
		}
		last = append([]byte(nil), k...)
		require.Equal(t, valOf(indexOfKey(k)), v)
		seen++
	}
	require.Equal(t, n, seen)
}

func indexOfKey(k []byte) int {
	var i int
	fmt.Sscanf(string(k), "key-%06d", &i)
	return i
}

func TestVerifyIntegrityOnEmptyTree(t *testing.T) {
	store := newMemStore()
	tree, err := prolly.New(store)
	require.NoError(t, err)

	result, err := prolly.VerifyIntegrity(store, tree.Root())
	require.NoError(t, err)
	require.Zero(t, result.Depth)
}

func TestMergeScanIsIdempotentAfterBulkBuild(t *testing.T) {
	store := newMemStore()
	const n = 500
	entries := make([]prolly.Entry, n)
	for i := 0; i < n; i++ {
		entries[i] = prolly.Entry{Key: keyOf(i), Value: valOf(i)}
	}
	root, err := prolly.BuildFromSortedEntries(store, entries)
	require.NoError(t, err)

	rescanned, err := prolly.MergeScan(store, root)
	require.NoError(t, err)
	require.Equal(t, root, rescanned, "MergeScan over an already-balanced tree must be a no-op on the root digest")
}

func TestBloomFilterDoesNotFalseNegative(t *testing.T) {
	store := newMemStore()
	tree, err := prolly.New(store)
	require.NoError(t, err)

	const n = 300
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Insert(keyOf(i), valOf(i)))
	}
	for i := 0; i < n; i++ {
		v, ok, err := tree.Find(keyOf(i))
		require.NoError(t, err)
		require.True(t, ok, "bloom filter produced a false negative for key %d", i)
		require.Equal(t, valOf(i), v)
	}
	for i := n; i < n+50; i++ {
		_, ok, err := tree.Find(keyOf(i))
		require.NoError(t, err)
		require.False(t, ok)
	}
}
