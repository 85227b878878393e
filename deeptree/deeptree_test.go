package deeptree_test

import (
	"context"
	"errors"
	"testing"

	"github.com/nonlocality-labs/prollytree/deeptree"
	"github.com/nonlocality-labs/prollytree/digest"
	"github.com/nonlocality-labs/prollytree/treenode"
)

type memLoader map[digest.Digest]treenode.Node

func (m memLoader) Load(d digest.Digest) (treenode.Node, error) {
	n, ok := m[d]
	if !ok {
		return treenode.Node{}, errors.New("not found")
	}
	return n, nil
}

func put(m memLoader, blob []byte, children []digest.Digest) digest.Digest {
	n, err := treenode.New(blob, children)
	if err != nil {
		panic(err)
	}
	d, err := treenode.Digest(n)
	if err != nil {
		panic(err)
	}
	m[d] = n
	return d
}

func TestLoadLeaf(t *testing.T) {
	m := memLoader{}
	d := put(m, []byte("leaf"), nil)

	tree, err := deeptree.Load(context.Background(), m, d)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(tree.Blob) != "leaf" || len(tree.Children) != 0 {
		t.Fatalf("unexpected tree: %+v", tree)
	}
}

func TestLoadNestedTree(t *testing.T) {
	m := memLoader{}
	leftDigest := put(m, []byte("left"), nil)
	rightDigest := put(m, []byte("right"), nil)
	rootDigest := put(m, []byte("root"), []digest.Digest{leftDigest, rightDigest})

	tree, err := deeptree.Load(context.Background(), m, rootDigest)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tree.Count() != 3 {
		t.Fatalf("expected 3 nodes, got %d", tree.Count())
	}
	if string(tree.Children[0].Blob) != "left" || string(tree.Children[1].Blob) != "right" {
		t.Fatalf("children out of order: %+v", tree.Children)
	}
}

func TestLoadMissingDigestFails(t *testing.T) {
	m := memLoader{}
	_, err := deeptree.Load(context.Background(), m, digest.Hash([]byte("never stored")))
	var notFound *deeptree.TreeNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected TreeNotFoundError, got %v", err)
	}
}

func TestEqual(t *testing.T) {
	m := memLoader{}
	leftDigest := put(m, []byte("left"), nil)
	rootA := put(m, []byte("root"), []digest.Digest{leftDigest})
	rootB := put(m, []byte("root"), []digest.Digest{leftDigest})

	treeA, err := deeptree.Load(context.Background(), m, rootA)
	if err != nil {
		t.Fatalf("Load A: %v", err)
	}
	treeB, err := deeptree.Load(context.Background(), m, rootB)
	if err != nil {
		t.Fatalf("Load B: %v", err)
	}
	if !treeA.Equal(treeB) {
		t.Fatalf("structurally identical trees should be Equal")
	}
}
