package treestore

import "github.com/nonlocality-labs/prollytree/digest"

// Key prefixes implementing spec.md §4.C's relational layout over a flat
// Engine key space, the way the teacher's core/rawdb schema.go maps
// SQL-shaped chain tables onto ethdb.KeyValueStore key prefixes. The
// "children" table of spec's relational layout is not a separate key range
// here: treenode.Canonical already serialises a node's child digests inline
// with its blob (see treenode.Canonical), so one trees(digest -> canonical
// bytes) mapping carries both.
const (
	treesPrefix = 't' // treesPrefix + digest -> canonical node bytes
	rootsPrefix = 'r' // rootsPrefix + name -> digest
)

func treeKey(d digest.Digest) []byte {
	key := make([]byte, 1+digest.Length)
	key[0] = treesPrefix
	copy(key[1:], d[:])
	return key
}

func rootKey(name string) []byte {
	key := make([]byte, 1+len(name))
	key[0] = rootsPrefix
	copy(key[1:], name)
	return key
}
