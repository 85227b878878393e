package treestore

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/nonlocality-labs/prollytree/digest"
)

// recordKind distinguishes the two mutation shapes a commit may stage. RLP
// has no native sum type, so each walog record is a one-byte kind tag
// followed by the kind-specific payload, the way the teacher's triedb
// journal tags its entries.
type recordKind byte

const (
	recordKindNode recordKind = iota + 1
	recordKindRoot
)

// nodeRecord stages one digest -> canonical node-bytes write.
type nodeRecord struct {
	Digest digest.Digest
	Bytes  []byte
}

// rootRecord stages one name -> digest root update.
type rootRecord struct {
	Name   string
	Digest digest.Digest
}

func encodeNodeRecord(d digest.Digest, canonical []byte) ([]byte, error) {
	body, err := rlp.EncodeToBytes(&nodeRecord{Digest: d, Bytes: canonical})
	if err != nil {
		return nil, fmt.Errorf("treestore: encode node record: %w", err)
	}
	return append([]byte{byte(recordKindNode)}, body...), nil
}

func encodeRootRecord(name string, d digest.Digest) ([]byte, error) {
	body, err := rlp.EncodeToBytes(&rootRecord{Name: name, Digest: d})
	if err != nil {
		return nil, fmt.Errorf("treestore: encode root record: %w", err)
	}
	return append([]byte{byte(recordKindRoot)}, body...), nil
}

// decodedRecord is the union of the two record shapes after decoding, with
// exactly one of node/root populated depending on kind.
type decodedRecord struct {
	kind recordKind
	node nodeRecord
	root rootRecord
}

func decodeRecord(raw []byte) (decodedRecord, error) {
	if len(raw) == 0 {
		return decodedRecord{}, fmt.Errorf("treestore: empty walog record")
	}
	kind := recordKind(raw[0])
	switch kind {
	case recordKindNode:
		var rec nodeRecord
		if err := rlp.DecodeBytes(raw[1:], &rec); err != nil {
			return decodedRecord{}, fmt.Errorf("treestore: decode node record: %w", err)
		}
		return decodedRecord{kind: kind, node: rec}, nil
	case recordKindRoot:
		var rec rootRecord
		if err := rlp.DecodeBytes(raw[1:], &rec); err != nil {
			return decodedRecord{}, fmt.Errorf("treestore: decode root record: %w", err)
		}
		return decodedRecord{kind: kind, root: rec}, nil
	default:
		return decodedRecord{}, fmt.Errorf("treestore: unknown walog record kind %d", kind)
	}
}
