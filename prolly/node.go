// Package prolly implements the probabilistically balanced, history
// independent ordered map described by spec.md §4.F: an associative map
// whose tree shape (and therefore root digest) is a pure function of its
// key set, never of insertion order. It is built on package treenode the
// way the teacher's triedb packages build the Merkle-Patricia trie on top
// of a flat node store.
package prolly

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/nonlocality-labs/prollytree/digest"
	"github.com/nonlocality-labs/prollytree/treenode"
)

// NodeStore is the minimal interface prolly needs from a treestore.Store.
type NodeStore interface {
	Store(n treenode.Node) (digest.Digest, error)
	Load(d digest.Digest) (treenode.Node, error)
}

// Entry is one (key, value) pair of a leaf node.
type Entry struct {
	Key   []byte
	Value []byte
}

// internalEntry is one (separator, child) pair of an internal node.
// separator is the largest key present anywhere under child.
type internalEntry struct {
	Separator []byte
	Child     digest.Digest
}

const (
	leafTag     = 1
	internalTag = 0
)

func encodeLeafBlob(entries []Entry) []byte {
	buf := make([]byte, 0, 1+binary.MaxVarintLen64*(1+2*len(entries)))
	buf = append(buf, leafTag)
	buf = appendUvarint(buf, uint64(len(entries)))
	for _, e := range entries {
		buf = appendUvarint(buf, uint64(len(e.Key)))
		buf = append(buf, e.Key...)
		buf = appendUvarint(buf, uint64(len(e.Value)))
		buf = append(buf, e.Value...)
	}
	return buf
}

func encodeInternalBlob(entries []internalEntry) []byte {
	buf := make([]byte, 0, 1+binary.MaxVarintLen64*(1+len(entries)))
	buf = append(buf, internalTag)
	buf = appendUvarint(buf, uint64(len(entries)))
	for _, e := range entries {
		buf = appendUvarint(buf, uint64(len(e.Separator)))
		buf = append(buf, e.Separator...)
	}
	return buf
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

// decodeNode parses n's blob (and, for internal nodes, its children) back
// into either a sorted leaf entry list or a sorted internal entry list.
func decodeNode(n treenode.Node) (isLeaf bool, leaf []Entry, internal []internalEntry, err error) {
	if len(n.Blob) == 0 {
		return false, nil, nil, fmt.Errorf("prolly: empty node blob has no is_leaf tag")
	}
	tag := n.Blob[0]
	rest := n.Blob[1:]

	switch tag {
	case leafTag:
		count, n1 := binary.Uvarint(rest)
		if n1 <= 0 {
			return false, nil, nil, fmt.Errorf("prolly: malformed leaf entry count")
		}
		rest = rest[n1:]
		entries := make([]Entry, 0, count)
		for i := uint64(0); i < count; i++ {
			key, tail, err := readLenPrefixed(rest)
			if err != nil {
				return false, nil, nil, err
			}
			value, tail2, err := readLenPrefixed(tail)
			if err != nil {
				return false, nil, nil, err
			}
			entries = append(entries, Entry{Key: key, Value: value})
			rest = tail2
		}
		return true, entries, nil, nil

	case internalTag:
		count, n1 := binary.Uvarint(rest)
		if n1 <= 0 {
			return false, nil, nil, fmt.Errorf("prolly: malformed internal entry count")
		}
		rest = rest[n1:]
		if uint64(len(n.Children)) != count {
			return false, nil, nil, fmt.Errorf("prolly: internal node declares %d entries but has %d children", count, len(n.Children))
		}
		entries := make([]internalEntry, 0, count)
		for i := uint64(0); i < count; i++ {
			sep, tail, err := readLenPrefixed(rest)
			if err != nil {
				return false, nil, nil, err
			}
			entries = append(entries, internalEntry{Separator: sep, Child: n.Children[i]})
			rest = tail
		}
		return false, nil, entries, nil

	default:
		return false, nil, nil, fmt.Errorf("prolly: unknown node tag %d", tag)
	}
}

func readLenPrefixed(b []byte) (value, rest []byte, err error) {
	length, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, nil, fmt.Errorf("prolly: malformed length prefix")
	}
	b = b[n:]
	if uint64(len(b)) < length {
		return nil, nil, fmt.Errorf("prolly: length prefix exceeds remaining bytes")
	}
	return b[:length], b[length:], nil
}

func storeLeaf(store NodeStore, entries []Entry) (digest.Digest, error) {
	node, err := treenode.New(encodeLeafBlob(entries), nil)
	if err != nil {
		return digest.Digest{}, err
	}
	return store.Store(node)
}

func storeInternal(store NodeStore, entries []internalEntry) (digest.Digest, error) {
	children := make([]digest.Digest, len(entries))
	for i, e := range entries {
		children[i] = e.Child
	}
	node, err := treenode.New(encodeInternalBlob(entries), children)
	if err != nil {
		return digest.Digest{}, err
	}
	return store.Store(node)
}

func upsertEntry(entries []Entry, key, value []byte) []Entry {
	idx := sort.Search(len(entries), func(i int) bool { return bytes.Compare(entries[i].Key, key) >= 0 })
	if idx < len(entries) && bytes.Equal(entries[idx].Key, key) {
		out := append([]Entry(nil), entries...)
		out[idx] = Entry{Key: key, Value: value}
		return out
	}
	out := make([]Entry, 0, len(entries)+1)
	out = append(out, entries[:idx]...)
	out = append(out, Entry{Key: key, Value: value})
	out = append(out, entries[idx:]...)
	return out
}

func deleteEntryKey(entries []Entry, key []byte) []Entry {
	idx := sort.Search(len(entries), func(i int) bool { return bytes.Compare(entries[i].Key, key) >= 0 })
	if idx >= len(entries) || !bytes.Equal(entries[idx].Key, key) {
		return entries
	}
	out := make([]Entry, 0, len(entries)-1)
	out = append(out, entries[:idx]...)
	out = append(out, entries[idx+1:]...)
	return out
}
