package prolly

import (
	"github.com/nonlocality-labs/prollytree/digest"
	"github.com/nonlocality-labs/prollytree/treenode"
)

// MinChunk is the smallest chunk, in the entryBytes size proxy, that may
// naturally split; below it is_split_after always returns false (§4.F.2.1).
const MinChunk = 1000

// ForceSplit is the chunk size at which is_split_after always returns true,
// regardless of key hash, to keep a node serialisable (§4.F.2.2).
const ForceSplit = treenode.MaxBlob / 2

// Threshold bounds the low byte of a key's stable hash that triggers a
// natural split once MinChunk has been passed (§4.F.2.3); THRESHOLD=10
// gives an expected split roughly every 25 keys (256/10).
const Threshold = 10

// hashByte returns the low byte of a stable, host-independent hash of key,
// used by is_split_after. digest.Hash (SHA-512) is already the module's
// one stable content hash, so it is reused here rather than introducing a
// second hash function.
func hashByte(key []byte) byte {
	return digest.Hash(key)[0]
}

// isSplitAfter is the deterministic chunk-boundary predicate from §4.F.2.
func isSplitAfter(key []byte, currentChunkBytes int) bool {
	if currentChunkBytes < MinChunk {
		return false
	}
	if currentChunkBytes >= ForceSplit {
		return true
	}
	return hashByte(key) < Threshold
}

// leafEntryBytes is the size proxy for a leaf entry used to drive
// is_split_after; it need only be monotonic in the entry's serialised size,
// not exact.
func leafEntryBytes(e Entry) int {
	return len(e.Key) + len(e.Value) + 2
}

// internalEntryBytes is the size proxy for an internal entry.
func internalEntryBytes(e internalEntry) int {
	return len(e.Separator) + digest.Length + 1
}

// rechunkLeaf walks entries left-to-right, cutting a new leaf node whenever
// is_split_after fires (always at the last entry, to flush), and returns
// one internalEntry per resulting node. An empty input yields no pieces;
// the caller decides what "no pieces" means (whole tree now empty, or this
// child vanished from its parent).
func rechunkLeaf(store NodeStore, entries []Entry) ([]internalEntry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	var pieces []internalEntry
	start := 0
	bytesSoFar := 0
	for i, e := range entries {
		bytesSoFar += leafEntryBytes(e)
		isLast := i == len(entries)-1
		if isLast || isSplitAfter(e.Key, bytesSoFar) {
			chunk := entries[start : i+1]
			d, err := storeLeaf(store, chunk)
			if err != nil {
				return nil, err
			}
			pieces = append(pieces, internalEntry{Separator: chunk[len(chunk)-1].Key, Child: d})
			start = i + 1
			bytesSoFar = 0
		}
	}
	return pieces, nil
}

// rechunkInternal is rechunkLeaf's counterpart one level up. A chunk of
// exactly one entry is never wrapped in a new internal node: the singleton
// is forwarded unchanged, collapsing the redundant indirection per §4.F.3's
// "a singleton internal node is collapsed into its only child".
func rechunkInternal(store NodeStore, entries []internalEntry) ([]internalEntry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	var pieces []internalEntry
	start := 0
	bytesSoFar := 0
	for i, e := range entries {
		bytesSoFar += internalEntryBytes(e)
		isLast := i == len(entries)-1
		if isLast || isSplitAfter(e.Separator, bytesSoFar) {
			chunk := entries[start : i+1]
			if len(chunk) == 1 {
				pieces = append(pieces, chunk[0])
			} else {
				d, err := storeInternal(store, chunk)
				if err != nil {
					return nil, err
				}
				pieces = append(pieces, internalEntry{Separator: chunk[len(chunk)-1].Separator, Child: d})
			}
			start = i + 1
			bytesSoFar = 0
		}
	}
	return pieces, nil
}

// wrapPieces folds a list of same-level pieces up into further internal
// levels until exactly one remains, returning its digest as the tree root.
// Each pass is itself subject to the singleton-collapse rule, so a list
// that already has one piece returns it directly without allocating a new
// node; this is the "wrap in a new parent, depth grows by one" step of
// §4.F.4's Insert when it applies, and the general root-construction step
// otherwise.
func wrapPieces(store NodeStore, pieces []internalEntry) (digest.Digest, error) {
	for len(pieces) > 1 {
		next, err := rechunkInternal(store, pieces)
		if err != nil {
			return digest.Digest{}, err
		}
		pieces = next
	}
	if len(pieces) == 0 {
		return EmptyRoot(store)
	}
	return pieces[0].Child, nil
}

// BuildFromSortedEntries deterministically builds a prolly tree over
// entries (which callers must pass sorted by key, with no duplicate keys)
// and returns its root digest. Because the result depends only on the
// rechunking rule applied to the final sorted entry set, two calls with the
// same key set always return the same digest regardless of how that set
// was assembled — the history-independence property of §4.F.5.
func BuildFromSortedEntries(store NodeStore, entries []Entry) (digest.Digest, error) {
	if len(entries) == 0 {
		return EmptyRoot(store)
	}
	pieces, err := rechunkLeaf(store, entries)
	if err != nil {
		return digest.Digest{}, err
	}
	return wrapPieces(store, pieces)
}

// EmptyRoot stores and returns the canonical empty leaf, the root digest of
// a totally empty map (§4.F.3).
func EmptyRoot(store NodeStore) (digest.Digest, error) {
	return storeLeaf(store, nil)
}
