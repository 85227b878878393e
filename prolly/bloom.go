package prolly

import (
	"github.com/cespare/xxhash/v2"
	"github.com/holiman/bloomfilter/v2"

	"github.com/nonlocality-labs/prollytree/digest"
)

// bloomFalsePositiveRate sizes the per-tree negative lookup filter
// (SPEC_FULL.md §3.4): a Bloom filter sized for the tree's key count at
// this false-positive rate, the same sizing knobs the teacher's
// core/state/snapshot bloom diff layer exposes for its account/storage
// bloom over github.com/holiman/bloomfilter/v2.
const bloomFalsePositiveRate = 0.01

// defaultBloomCapacity is used when newBloom is asked for zero capacity (a
// filter built for an empty tree); it is deliberately small because Find still
// falls back to a real descend on a false positive, so an undersized filter
// only costs a few wasted descends, never a wrong answer.
const defaultBloomCapacity = 1024

// bloomHasher wraps a key's stable hash as a hash.Hash64 so it can be
// handed to bloomfilter.Filter.Add/Contains; only Sum64 is ever called by
// the filter (it derives its k hash functions from one 64-bit value via
// double hashing), so the rest of hash.Hash is unused plumbing required by
// the interface, exactly as the teacher's own bloom wrapper types do.
func bloomHasher(key []byte) *xxhash.Digest {
	h := xxhash.New()
	h.Write(key)
	return h
}

// newBloom builds an empty filter sized for capacity keys.
func newBloom(capacity uint64) *bloomfilter.Filter {
	if capacity == 0 {
		capacity = defaultBloomCapacity
	}
	f, err := bloomfilter.NewOptimal(capacity, bloomFalsePositiveRate)
	if err != nil {
		// NewOptimal only fails for a nonsensical (zero or negative)
		// capacity/rate, which the guard above already rules out.
		panic(err)
	}
	return f
}

// rebuildBloom populates a fresh filter from every key currently reachable
// from root, the way Open rebuilds a tree's filter on load rather than
// trying to persist and verify one alongside the tree's own nodes.
func rebuildBloom(store NodeStore, root digest.Digest) (*bloomfilter.Filter, error) {
	entries, err := collectEntries(store, root)
	if err != nil {
		return nil, err
	}
	f := newBloom(uint64(len(entries)))
	for _, e := range entries {
		f.Add(bloomHasher(e.Key))
	}
	return f, nil
}

// mayContain reports whether key could be present. A false result is
// certain; a true result may be a false positive, in which case the caller
// still descends to get the authoritative answer.
func mayContain(f *bloomfilter.Filter, key []byte) bool {
	if f == nil {
		return true
	}
	return f.Contains(bloomHasher(key))
}
