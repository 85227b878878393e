// Package deeptree reifies a content-addressed DAG rooted at a digest into
// an in-memory value tree, for callers that want value equality over a
// subtree small enough to fit in RAM, the way the teacher's
// core/state/trie_prefetcher.go eagerly resolves a batch of trie paths ahead
// of the EVM needing them.
package deeptree

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/nonlocality-labs/prollytree/digest"
	"github.com/nonlocality-labs/prollytree/treenode"
)

// Loader resolves a digest to its node, the minimal surface deeptree needs
// from a treestore.Store.
type Loader interface {
	Load(d digest.Digest) (treenode.Node, error)
}

// Tree is an in-memory reification of a node DAG: a blob plus its children,
// recursively. Two Trees are value-equal (via reflect.DeepEqual or a custom
// Equal) iff every blob and the shape of every subtree agree; this is a
// stronger notion of equality than digest equality is needed for, but it is
// exactly what a caller comparing decoded content wants.
type Tree struct {
	Blob     []byte
	Children []*Tree
}

// TreeNotFoundError reports the first digest encountered during a Load walk
// that the backing Loader could not resolve.
type TreeNotFoundError struct {
	Digest digest.Digest
}

func (e *TreeNotFoundError) Error() string {
	return fmt.Sprintf("deeptree: tree not found: %s", e.Digest)
}

func (e *TreeNotFoundError) Is(target error) bool {
	_, ok := target.(*TreeNotFoundError)
	return ok
}

// Load recursively resolves the DAG rooted at d into a Tree, loading
// sibling subtrees in parallel via errgroup the way the teacher's
// trie_prefetcher fans out path resolution across goroutines. It fails with
// a *TreeNotFoundError at the first unreachable digest.
func Load(ctx context.Context, loader Loader, d digest.Digest) (*Tree, error) {
	n, err := loader.Load(d)
	if err != nil {
		log.Debug("deeptree: digest unreachable", "digest", d, "err", err)
		return nil, &TreeNotFoundError{Digest: d}
	}

	children := make([]*Tree, len(n.Children))
	if len(n.Children) == 0 {
		return &Tree{Blob: n.Blob, Children: children}, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, childDigest := range n.Children {
		i, childDigest := i, childDigest
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			child, err := Load(gctx, loader, childDigest)
			if err != nil {
				return err
			}
			children[i] = child
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &Tree{Blob: n.Blob, Children: children}, nil
}

// Equal reports whether t and other have identical blobs and recursively
// equal children in the same order.
func (t *Tree) Equal(other *Tree) bool {
	if t == nil || other == nil {
		return t == other
	}
	if string(t.Blob) != string(other.Blob) {
		return false
	}
	if len(t.Children) != len(other.Children) {
		return false
	}
	for i := range t.Children {
		if !t.Children[i].Equal(other.Children[i]) {
			return false
		}
	}
	return true
}

// Count returns the number of nodes in the tree, itself included.
func (t *Tree) Count() int {
	if t == nil {
		return 0
	}
	n := 1
	for _, c := range t.Children {
		n += c.Count()
	}
	return n
}
