package segblob

import (
	"testing"

	"github.com/nonlocality-labs/prollytree/digest"
	"github.com/nonlocality-labs/prollytree/treenode"
)

type foldMemStore map[digest.Digest]treenode.Node

func (m foldMemStore) Store(n treenode.Node) (digest.Digest, error) {
	d, err := treenode.Digest(n)
	if err != nil {
		return digest.Digest{}, err
	}
	if _, ok := m[d]; !ok {
		m[d] = n
	}
	return d, nil
}

func (m foldMemStore) Load(d digest.Digest) (treenode.Node, error) {
	n, ok := m[d]
	if !ok {
		return treenode.Node{}, digest.ErrNotFound
	}
	return n, nil
}

// TestInternalNodeHeaderCoversOnlyItsOwnSubtree guards against a header that
// claims the blob's global size on every internal node: a first-level node
// over exactly FANOUT full leaves must carry FANOUT*MaxBlob, not the larger
// total spanning the rest of the tree.
func TestInternalNodeHeaderCoversOnlyItsOwnSubtree(t *testing.T) {
	store := foldMemStore{}
	data := make([]byte, treenode.MaxBlob*(FANOUT+5))
	for i := range data {
		data[i] = byte(i)
	}

	root, err := Encode(store, data)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	rootNode, err := store.Load(root)
	if err != nil {
		t.Fatalf("Load root: %v", err)
	}
	if len(rootNode.Children) == 0 {
		t.Fatalf("expected root to have children")
	}

	firstChild, err := store.Load(rootNode.Children[0])
	if err != nil {
		t.Fatalf("Load first child: %v", err)
	}
	if len(firstChild.Children) != FANOUT {
		t.Fatalf("expected first internal node to have %d children, got %d", FANOUT, len(firstChild.Children))
	}

	covered, ok := decodeSizeHeader(firstChild.Blob)
	if !ok {
		t.Fatalf("first internal node's blob did not decode as a size header")
	}
	want := uint64(FANOUT) * uint64(treenode.MaxBlob)
	if covered != want {
		t.Fatalf("first internal node header = %d, want %d (its own covered range, not the global total)", covered, want)
	}

	globalTotal, ok := decodeSizeHeader(rootNode.Blob)
	if !ok {
		t.Fatalf("root blob did not decode as a size header")
	}
	if globalTotal != uint64(len(data)) {
		t.Fatalf("root header = %d, want %d", globalTotal, len(data))
	}
}
