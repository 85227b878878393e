// Package treenode defines the immutable node type stored by package
// treestore: a small blob plus an ordered list of child digests, together
// with the canonical byte form two independent implementations must agree
// on bit-for-bit in order to compute the same digest for the same content.
package treenode

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/nonlocality-labs/prollytree/digest"
)

// MaxBlob is the largest inline blob a single node may carry. Encoders in
// segblob and prolly are responsible for splitting input larger than this
// across multiple nodes.
const MaxBlob = 64000

// ErrBlobTooLarge is returned when constructing a Node whose blob exceeds
// MaxBlob.
var ErrBlobTooLarge = fmt.Errorf("treenode: blob exceeds MAX_BLOB (%d bytes)", MaxBlob)

// Node is the smallest persisted unit: an inline blob and an ordered list of
// child digests. Node is immutable once constructed.
type Node struct {
	Blob     []byte
	Children []digest.Digest
}

// New constructs a Node, rejecting a blob larger than MaxBlob.
func New(blob []byte, children []digest.Digest) (Node, error) {
	if len(blob) > MaxBlob {
		return Node{}, ErrBlobTooLarge
	}
	return Node{Blob: blob, Children: children}, nil
}

// Empty is the canonical empty node: no blob, no children.
func Empty() Node {
	return Node{}
}

// canonicalForm is the RLP shape hashed to produce a node's digest. Field
// order matches spec's canonical form: child count (implicit in the RLP list
// length prefix) and children before the blob.
type canonicalForm struct {
	Children []digest.Digest
	Blob     []byte
}

// Canonical returns the canonical serialisation of n. Two nodes with equal
// Blob and Children produce byte-identical output; this is the sole input
// to Digest.
func Canonical(n Node) ([]byte, error) {
	form := canonicalForm{Children: n.Children, Blob: n.Blob}
	encoded, err := rlp.EncodeToBytes(&form)
	if err != nil {
		return nil, fmt.Errorf("treenode: canonical encoding failed: %w", err)
	}
	return encoded, nil
}

// Digest hashes n's canonical form. Storing the same node twice (by content)
// always yields the same digest.
func Digest(n Node) (digest.Digest, error) {
	canon, err := Canonical(n)
	if err != nil {
		return digest.Digest{}, err
	}
	return digest.Hash(canon), nil
}

// FromCanonical parses bytes previously produced by Canonical back into a
// Node, for backing stores that persist only the canonical bytes.
func FromCanonical(b []byte) (Node, error) {
	var form canonicalForm
	if err := rlp.DecodeBytes(b, &form); err != nil {
		return Node{}, fmt.Errorf("treenode: decoding canonical form failed: %w", err)
	}
	return Node{Blob: form.Blob, Children: form.Children}, nil
}

// Hashed bundles a Node with its precomputed digest. Equality of two Hashed
// values is digest equality, per spec's "Hashed node" definition.
type Hashed struct {
	Node   Node
	Digest digest.Digest
}

// NewHashed computes n's digest and bundles it.
func NewHashed(n Node) (Hashed, error) {
	d, err := Digest(n)
	if err != nil {
		return Hashed{}, err
	}
	return Hashed{Node: n, Digest: d}, nil
}

// Equal reports digest equality, the definition of equality for Hashed nodes.
func (h Hashed) Equal(other Hashed) bool {
	return h.Digest == other.Digest
}

// VerifyIntegrity recomputes the digest of a loaded node's bytes and checks
// it against the digest the caller requested it under. A store (package
// treestore) calls this on every load so a bit-flip in the backing medium
// is surfaced as digest.ErrCorrupt rather than silently served.
func VerifyIntegrity(want digest.Digest, canonicalBytes []byte) (Node, error) {
	got := digest.Hash(canonicalBytes)
	if got != want {
		return Node{}, digest.ErrCorrupt
	}
	n, err := FromCanonical(canonicalBytes)
	if err != nil {
		return Node{}, err
	}
	return n, nil
}
