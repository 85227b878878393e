// Package segblob encodes an arbitrary-length byte sequence as a balanced
// tree of bounded-size nodes (package treenode) and decodes it back,
// mirroring the teacher's segmented-payload handling in
// triedb/pathdb/buffer.go, where large state diffs are chunked before being
// handed to the node store rather than held as one giant blob.
package segblob

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/log"

	"github.com/nonlocality-labs/prollytree/digest"
	"github.com/nonlocality-labs/prollytree/treenode"
)

// FANOUT bounds the number of children an internal segmented-blob node may
// carry before it must itself be grouped under another internal node.
const FANOUT = 256

// ErrUnrepresentable is returned when encoding an empty input; the empty
// byte sequence has no valid segmented-blob encoding.
var ErrUnrepresentable = errors.New("segblob: empty input is not representable")

// ErrCorrupt is returned by Decode/Walk when an internal node's claimed
// size_in_bytes header does not match the sum of its descendants.
var ErrCorrupt = errors.New("segblob: size header does not match tree content")

// NodeStore is the minimal interface segblob needs from a treestore.Store:
// store nodes by content, and resolve them back by digest.
type NodeStore interface {
	Store(n treenode.Node) (digest.Digest, error)
	Load(d digest.Digest) (treenode.Node, error)
}

// Encode splits data into MAX_BLOB-sized leaves and folds them into a
// balanced tree of at most FANOUT-wide internal nodes, returning the root
// digest. A single-segment input serialises to zero new internal nodes: the
// segment digest itself is the root.
func Encode(store NodeStore, data []byte) (digest.Digest, error) {
	if len(data) == 0 {
		return digest.Digest{}, ErrUnrepresentable
	}

	segments, sizes, err := storeLeaves(store, data)
	if err != nil {
		return digest.Digest{}, err
	}
	return fold(store, segments, sizes)
}

// storeLeaves splits data into treenode.MaxBlob-sized chunks and stores each
// as a leaf, returning their digests and byte lengths in input order.
func storeLeaves(store NodeStore, data []byte) ([]digest.Digest, []uint64, error) {
	var segments []digest.Digest
	var sizes []uint64
	for len(data) > 0 {
		chunkSize := treenode.MaxBlob
		if chunkSize > len(data) {
			chunkSize = len(data)
		}
		leaf, err := treenode.New(append([]byte(nil), data[:chunkSize]...), nil)
		if err != nil {
			return nil, nil, err
		}
		d, err := store.Store(leaf)
		if err != nil {
			return nil, nil, fmt.Errorf("segblob: storing leaf: %w", err)
		}
		segments = append(segments, d)
		sizes = append(sizes, uint64(chunkSize))
		data = data[chunkSize:]
	}
	return segments, sizes, nil
}

// fold repeatedly groups a level of digests into FANOUT-wide internal
// nodes until one digest remains. Each internal node's size_in_bytes header
// covers only the byte range reachable under that node, per §4.E, not the
// blob's global size: a node two levels up the tree whose subtree doesn't
// span the whole input must not claim the whole input's size, or Walk's
// cross-check against its children's actual total fails.
func fold(store NodeStore, level []digest.Digest, sizes []uint64) (digest.Digest, error) {
	if len(level) == 1 {
		return level[0], nil
	}

	var next []digest.Digest
	var nextSizes []uint64
	for start := 0; start < len(level); start += FANOUT {
		end := start + FANOUT
		if end > len(level) {
			end = len(level)
		}
		var covered uint64
		for _, s := range sizes[start:end] {
			covered += s
		}
		header := encodeSizeHeader(covered)
		internal, err := treenode.New(header, level[start:end])
		if err != nil {
			return digest.Digest{}, err
		}
		d, err := store.Store(internal)
		if err != nil {
			return digest.Digest{}, fmt.Errorf("segblob: storing internal node: %w", err)
		}
		next = append(next, d)
		nextSizes = append(nextSizes, covered)
	}
	log.Debug("segblob: folded level", "children_in", len(level), "nodes_out", len(next))
	return fold(store, next, nextSizes)
}

func encodeSizeHeader(size uint64) []byte {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, size)
	return buf[:n]
}

// decodeSizeHeader reports whether blob decodes as a complete size header
// (the whole blob consumed by exactly one varint) and, if so, its value.
// Per §4.E, a node whose blob does not decode this way is a leaf.
func decodeSizeHeader(blob []byte) (uint64, bool) {
	size, n := binary.Uvarint(blob)
	if n <= 0 || n != len(blob) {
		return 0, false
	}
	return size, true
}

// Decode reconstructs the original byte sequence stored under root.
func Decode(store NodeStore, root digest.Digest) ([]byte, error) {
	var buf bytes.Buffer
	total, err := Walk(store, root, func(_ digest.Digest, leaf []byte) error {
		buf.Write(leaf)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if uint64(buf.Len()) != total {
		return nil, ErrCorrupt
	}
	return buf.Bytes(), nil
}

// Walk performs a left-to-right depth-first traversal of the segmented-blob
// tree rooted at root, invoking visit with each leaf's digest and bytes in
// input order. It returns the tree's claimed total size; for a root that is
// itself a single leaf with no size header, that is len(leafBlob).
func Walk(store NodeStore, root digest.Digest, visit func(leafDigest digest.Digest, leaf []byte) error) (uint64, error) {
	n, err := store.Load(root)
	if err != nil {
		return 0, fmt.Errorf("segblob: loading %s: %w", root, err)
	}

	// A node is an internal segmented-blob node iff it has children AND its
	// blob decodes whole as a size header; otherwise it is a leaf segment,
	// per §4.E's decoding rule.
	if len(n.Children) == 0 {
		if err := visit(root, n.Blob); err != nil {
			return 0, err
		}
		return uint64(len(n.Blob)), nil
	}

	total, ok := decodeSizeHeader(n.Blob)
	if !ok {
		if err := visit(root, n.Blob); err != nil {
			return 0, err
		}
		return uint64(len(n.Blob)), nil
	}

	var sum uint64
	for _, child := range n.Children {
		childTotal, err := Walk(store, child, visit)
		if err != nil {
			return 0, err
		}
		sum += childTotal
	}
	if sum != total {
		return 0, ErrCorrupt
	}
	return total, nil
}

// leafCount reports how many leaves are covered by n's subtree: 1 for a
// leaf node, or ceil(total_bytes / MaxBlob) for an internal node, which is
// exact because storeLeaves only ever produces a short final chunk for the
// single globally-last leaf.
func leafCount(n treenode.Node) uint64 {
	if len(n.Children) == 0 {
		return 1
	}
	total, ok := decodeSizeHeader(n.Blob)
	if !ok {
		return 1
	}
	return ceilDiv(total, uint64(treenode.MaxBlob))
}

func ceilDiv(a, b uint64) uint64 {
	if a == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// LeafAt fetches only the index-th leaf segment (0-based, left-to-right)
// reachable from root, without materialising any sibling leaf's bytes: the
// targeted counterpart to Walk/Decode's full traversal, used by package
// openfile to pull one block out of a very large stored blob.
func LeafAt(store NodeStore, root digest.Digest, index uint64) ([]byte, error) {
	n, err := store.Load(root)
	if err != nil {
		return nil, fmt.Errorf("segblob: loading %s: %w", root, err)
	}
	return leafAt(store, n, index)
}

func leafAt(store NodeStore, n treenode.Node, index uint64) ([]byte, error) {
	if len(n.Children) == 0 {
		if index != 0 {
			return nil, fmt.Errorf("segblob: leaf index %d out of range", index)
		}
		return n.Blob, nil
	}
	if _, ok := decodeSizeHeader(n.Blob); !ok {
		if index != 0 {
			return nil, fmt.Errorf("segblob: leaf index %d out of range", index)
		}
		return n.Blob, nil
	}
	for _, child := range n.Children {
		childNode, err := store.Load(child)
		if err != nil {
			return nil, fmt.Errorf("segblob: loading %s: %w", child, err)
		}
		leaves := leafCount(childNode)
		if index < leaves {
			return leafAt(store, childNode, index)
		}
		index -= leaves
	}
	return nil, fmt.Errorf("segblob: leaf index out of range")
}

// LeafDigestAt is LeafAt's cheaper sibling: it returns the index-th leaf's
// digest without the caller needing its bytes at all, used when flushing an
// open-file buffer pulls an unmodified block through from a previous
// snapshot into a new root purely by digest.
func LeafDigestAt(store NodeStore, root digest.Digest, index uint64) (digest.Digest, error) {
	n, err := store.Load(root)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("segblob: loading %s: %w", root, err)
	}
	return leafDigestAt(store, root, n, index)
}

func leafDigestAt(store NodeStore, d digest.Digest, n treenode.Node, index uint64) (digest.Digest, error) {
	if len(n.Children) == 0 {
		if index != 0 {
			return digest.Digest{}, fmt.Errorf("segblob: leaf index %d out of range", index)
		}
		return d, nil
	}
	if _, ok := decodeSizeHeader(n.Blob); !ok {
		if index != 0 {
			return digest.Digest{}, fmt.Errorf("segblob: leaf index %d out of range", index)
		}
		return d, nil
	}
	for _, child := range n.Children {
		childNode, err := store.Load(child)
		if err != nil {
			return digest.Digest{}, fmt.Errorf("segblob: loading %s: %w", child, err)
		}
		if len(childNode.Children) == 0 {
			if index == 0 {
				return child, nil
			}
			index--
			continue
		}
		leaves := leafCount(childNode)
		if index < leaves {
			return leafDigestAt(store, child, childNode, index)
		}
		index -= leaves
	}
	return digest.Digest{}, fmt.Errorf("segblob: leaf index out of range")
}

// FoldSegments folds already-stored leaf digests into a balanced tree the
// same way Encode does internally, without re-deriving or re-storing any
// leaf. sizes gives each segment's covered byte length in the same order as
// segments (treenode.MaxBlob for every segment but the globally-last one).
// Used by package openfile's flush, which already knows each block's leaf
// digest (freshly stored, or pulled through unchanged via LeafDigestAt from
// a previous snapshot) and only needs the internal fan-out levels rebuilt.
func FoldSegments(store NodeStore, segments []digest.Digest, sizes []uint64) (digest.Digest, error) {
	if len(segments) == 0 {
		return digest.Digest{}, ErrUnrepresentable
	}
	if len(segments) != len(sizes) {
		return digest.Digest{}, fmt.Errorf("segblob: FoldSegments: %d segments but %d sizes", len(segments), len(sizes))
	}
	return fold(store, segments, sizes)
}

// Writer streams an io.Reader's content into leaves without buffering the
// whole input in memory, for parity with the open-file buffer's incremental
// flush (SPEC_FULL.md §3.3). Leaves are stored as they fill; Close folds the
// accumulated segment digests into a root the same way Encode does.
type Writer struct {
	store    NodeStore
	buf      []byte
	segments []digest.Digest
	sizes    []uint64
	closed   bool
}

// NewWriter returns a Writer that stages leaves into store.
func NewWriter(store NodeStore) *Writer {
	return &Writer{store: store, buf: make([]byte, 0, treenode.MaxBlob)}
}

// Write implements io.Writer, splitting p across MAX_BLOB-sized leaves as
// they fill.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("segblob: write after Close")
	}
	written := 0
	for len(p) > 0 {
		room := treenode.MaxBlob - len(w.buf)
		n := room
		if n > len(p) {
			n = len(p)
		}
		w.buf = append(w.buf, p[:n]...)
		p = p[n:]
		written += n
		if len(w.buf) == treenode.MaxBlob {
			if err := w.flushLeaf(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// ReadFrom streams r into the writer without requiring the caller to size a
// buffer themselves.
func (w *Writer) ReadFrom(r io.Reader) (int64, error) {
	chunk := make([]byte, treenode.MaxBlob)
	var total int64
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if _, werr := w.Write(chunk[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

func (w *Writer) flushLeaf() error {
	leaf, err := treenode.New(append([]byte(nil), w.buf...), nil)
	if err != nil {
		return err
	}
	d, err := w.store.Store(leaf)
	if err != nil {
		return fmt.Errorf("segblob: storing streamed leaf: %w", err)
	}
	w.segments = append(w.segments, d)
	w.sizes = append(w.sizes, uint64(len(w.buf)))
	w.buf = w.buf[:0]
	return nil
}

// Close flushes any partial final leaf and folds the accumulated segments
// into a root digest.
func (w *Writer) Close() (digest.Digest, error) {
	if w.closed {
		return digest.Digest{}, fmt.Errorf("segblob: Close called twice")
	}
	w.closed = true
	if len(w.buf) > 0 {
		if err := w.flushLeaf(); err != nil {
			return digest.Digest{}, err
		}
	}
	if len(w.segments) == 0 {
		return digest.Digest{}, ErrUnrepresentable
	}
	return fold(w.store, w.segments, w.sizes)
}
