// Package digest implements the 64-byte content digest used to address every
// node in the tree store. A Digest is the SHA-512 hash of a node's canonical
// serialisation (see package treenode); it is never computed from anything
// else, so two nodes with the same digest are guaranteed to have identical
// content.
package digest

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
)

// Length is the number of bytes in a Digest.
const Length = 64

// Digest is a fixed-size, totally-ordered content identifier.
type Digest [Length]byte

// Zero is the reserved all-zero digest. Package openfile uses the zero
// digest (see IsZero) to mark a buffer that has no flushed snapshot yet.
var Zero = Digest{}

// ErrInvalidLength is returned by Parse when the input does not decode to
// exactly Length bytes.
var ErrInvalidLength = fmt.Errorf("digest: hex string must decode to %d bytes", Length)

// ErrNotLowercase is returned by Parse when the input contains uppercase hex
// digits; the canonical text form is lowercase-only.
var ErrNotLowercase = errors.New("digest: hex string must be lowercase")

// Hash returns the digest of b. It does not interpret b as a canonical node
// form; callers that need to hash a Node must first serialise it with
// treenode.Canonical.
func Hash(b []byte) Digest {
	return Digest(sha512.Sum512(b))
}

// Parse decodes a lowercase hex string of 2*Length characters into a Digest.
func Parse(s string) (Digest, error) {
	if len(s) != Length*2 {
		return Digest{}, ErrInvalidLength
	}
	for _, c := range s {
		if c >= 'A' && c <= 'F' {
			return Digest{}, ErrNotLowercase
		}
	}
	var out Digest
	n, err := hex.Decode(out[:], []byte(s))
	if err != nil {
		return Digest{}, fmt.Errorf("digest: %w", err)
	}
	if n != Length {
		return Digest{}, ErrInvalidLength
	}
	return out, nil
}

// MustParse is like Parse but panics on error; intended for constants in
// tests and reference vectors.
func MustParse(s string) Digest {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// String renders the digest as 128 lowercase hex characters.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the reserved zero digest.
func (d Digest) IsZero() bool {
	return d == Zero
}

// Compare returns -1, 0 or 1 comparing d and other lexicographically by raw
// bytes, giving the deterministic total order iteration relies on.
func (d Digest) Compare(other Digest) int {
	return bytes.Compare(d[:], other[:])
}

// Less reports whether d sorts before other.
func (d Digest) Less(other Digest) bool {
	return d.Compare(other) < 0
}

// Bytes returns a copy of the raw digest bytes.
func (d Digest) Bytes() []byte {
	out := make([]byte, Length)
	copy(out, d[:])
	return out
}

// MarshalText implements encoding.TextMarshaler over the hex form, so a
// Digest can be used directly as a JSON object key in diagnostics.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ErrNotFound is returned by backing stores and loaders when no node or root
// is known for the requested key.
var ErrNotFound = errors.New("digest: not found")

// ErrCorrupt is returned when stored bytes exist but their recomputed hash
// does not match the digest used to look them up.
var ErrCorrupt = errors.New("digest: stored content does not match its digest")
