package prolly

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/nonlocality-labs/prollytree/digest"
)

// Errors returned by VerifyIntegrity, one per invariant of spec.md §4.F.3.
// Present in the original_source prolly_tree_editable_node.rs as the
// Corrupted(reason) arm of IntegrityCheckResult; supplemented here as a
// standalone, exported checker rather than an internal-only assertion,
// since every condition it tests is already named in spec.md.
var (
	ErrNotSorted         = errors.New("prolly: entries are not strictly sorted by key")
	ErrSeparatorMismatch = errors.New("prolly: internal separator does not equal the maximum key under its child")
	ErrDepthMismatch     = errors.New("prolly: not all leaves are at the same depth")
	ErrSingletonInternal = errors.New("prolly: internal node has exactly one entry (should collapse into its child)")
	ErrEmptyChild        = errors.New("prolly: internal entry references an empty child")
	ErrUnnaturalSplit    = errors.New("prolly: a non-last entry's chunk boundary does not satisfy is_split_after")
)

// IntegrityResult is the successful outcome of VerifyIntegrity: the map was
// structurally sound and its leaves sit at Depth (0 for a tree that is
// itself a single leaf).
type IntegrityResult struct {
	Depth int
}

// VerifyIntegrity structurally checks every invariant spec.md §4.F.3 names
// for the tree rooted at root: sortedness and key uniqueness within every
// node, separator correctness, uniform leaf depth, and the singleton-
// internal and natural-split rules. It does not compare against any
// previously known-good root; it only asserts the shape in front of it is
// internally consistent.
func VerifyIntegrity(store NodeStore, root digest.Digest) (IntegrityResult, error) {
	_, depth, empty, err := verifyNode(store, root, true)
	if err != nil {
		return IntegrityResult{}, err
	}
	if empty {
		return IntegrityResult{Depth: 0}, nil
	}
	return IntegrityResult{Depth: depth}, nil
}

// verifyNode returns the maximum key reachable under d, the depth from d
// down to its leaves, and whether d is an empty leaf (valid only for the
// tree's own root). rightmost is true while d lies on the tree's rightmost
// spine, where spec's natural-split rule allows a final short chunk
// containing the tree's global maximum key to skip the "last entry splits"
// requirement.
func verifyNode(store NodeStore, d digest.Digest, rightmost bool) (maxKey []byte, depth int, empty bool, err error) {
	n, err := store.Load(d)
	if err != nil {
		return nil, 0, false, err
	}
	isLeaf, leaf, internal, err := decodeNode(n)
	if err != nil {
		return nil, 0, false, err
	}

	if isLeaf {
		if len(leaf) == 0 {
			return nil, 0, true, nil
		}
		for i := 1; i < len(leaf); i++ {
			if bytes.Compare(leaf[i-1].Key, leaf[i].Key) >= 0 {
				return nil, 0, false, fmt.Errorf("%w: leaf entry %d", ErrNotSorted, i)
			}
		}
		if err := checkLeafSplit(leaf, rightmost); err != nil {
			return nil, 0, false, err
		}
		return leaf[len(leaf)-1].Key, 0, false, nil
	}

	if len(internal) == 1 {
		return nil, 0, false, ErrSingletonInternal
	}
	if err := checkInternalSplit(internal, rightmost); err != nil {
		return nil, 0, false, err
	}

	var childDepth int
	for i, e := range internal {
		if i > 0 && bytes.Compare(internal[i-1].Separator, e.Separator) >= 0 {
			return nil, 0, false, fmt.Errorf("%w: internal entry %d", ErrNotSorted, i)
		}
		childRightmost := rightmost && i == len(internal)-1
		childMax, d2, childEmpty, err := verifyNode(store, e.Child, childRightmost)
		if err != nil {
			return nil, 0, false, err
		}
		if childEmpty {
			return nil, 0, false, fmt.Errorf("%w: entry %d", ErrEmptyChild, i)
		}
		if !bytes.Equal(childMax, e.Separator) {
			return nil, 0, false, fmt.Errorf("%w: entry %d separator %x != child max %x", ErrSeparatorMismatch, i, e.Separator, childMax)
		}
		if i == 0 {
			childDepth = d2
		} else if d2 != childDepth {
			return nil, 0, false, ErrDepthMismatch
		}
	}
	return internal[len(internal)-1].Separator, childDepth + 1, false, nil
}

func checkLeafSplit(entries []Entry, rightmost bool) error {
	bytesSoFar := 0
	for i, e := range entries {
		bytesSoFar += leafEntryBytes(e)
		split := isSplitAfter(e.Key, bytesSoFar)
		isLast := i == len(entries)-1
		if !isLast && split {
			return fmt.Errorf("%w: leaf entry %d", ErrUnnaturalSplit, i)
		}
		if isLast && !split && !rightmost {
			return fmt.Errorf("%w: leaf's last entry does not naturally split", ErrUnnaturalSplit)
		}
	}
	return nil
}

func checkInternalSplit(entries []internalEntry, rightmost bool) error {
	bytesSoFar := 0
	for i, e := range entries {
		bytesSoFar += internalEntryBytes(e)
		split := isSplitAfter(e.Separator, bytesSoFar)
		isLast := i == len(entries)-1
		if !isLast && split {
			return fmt.Errorf("%w: internal entry %d", ErrUnnaturalSplit, i)
		}
		if isLast && !split && !rightmost {
			return fmt.Errorf("%w: internal node's last entry does not naturally split", ErrUnnaturalSplit)
		}
	}
	return nil
}
