package segblob_test

import (
	"bytes"
	"testing"

	"github.com/nonlocality-labs/prollytree/digest"
	"github.com/nonlocality-labs/prollytree/segblob"
	"github.com/nonlocality-labs/prollytree/treenode"
)

type memStore map[digest.Digest]treenode.Node

func newMemStore() memStore { return memStore{} }

func (m memStore) Store(n treenode.Node) (digest.Digest, error) {
	d, err := treenode.Digest(n)
	if err != nil {
		return digest.Digest{}, err
	}
	if _, ok := m[d]; !ok {
		m[d] = n
	}
	return d, nil
}

func (m memStore) Load(d digest.Digest) (treenode.Node, error) {
	n, ok := m[d]
	if !ok {
		return treenode.Node{}, digest.ErrNotFound
	}
	return n, nil
}

func TestEncodeEmptyFails(t *testing.T) {
	store := newMemStore()
	if _, err := segblob.Encode(store, nil); err != segblob.ErrUnrepresentable {
		t.Fatalf("expected ErrUnrepresentable, got %v", err)
	}
}

func TestEncodeSingleSegmentIsItsOwnRoot(t *testing.T) {
	store := newMemStore()
	data := []byte("a small file")
	root, err := segblob.Encode(store, data)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	n, err := store.Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(n.Children) != 0 {
		t.Fatalf("single-segment root should have no children, got %d", len(n.Children))
	}
	if string(n.Blob) != string(data) {
		t.Fatalf("root blob mismatch")
	}
}

func TestEncodeDecodeRoundTripMultiSegment(t *testing.T) {
	store := newMemStore()
	data := make([]byte, treenode.MaxBlob*3+500)
	for i := range data {
		data[i] = byte(i)
	}
	root, err := segblob.Encode(store, data)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := segblob.Decode(store, root)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(data))
	}
}

func TestEncodeDecodeRoundTripManySegmentsForcesInternalLevels(t *testing.T) {
	store := newMemStore()
	data := make([]byte, treenode.MaxBlob*(segblob.FANOUT+5))
	for i := range data {
		data[i] = byte(i % 251)
	}
	root, err := segblob.Encode(store, data)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := segblob.Decode(store, root)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch across multiple internal levels")
	}
}

func TestWalkYieldsSegmentsInOrder(t *testing.T) {
	store := newMemStore()
	data := make([]byte, treenode.MaxBlob*2+10)
	for i := range data {
		data[i] = byte(i)
	}
	root, err := segblob.Encode(store, data)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var reassembled []byte
	total, err := segblob.Walk(store, root, func(_ digest.Digest, leaf []byte) error {
		reassembled = append(reassembled, leaf...)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if total != uint64(len(data)) {
		t.Fatalf("Walk total %d != %d", total, len(data))
	}
	if !bytes.Equal(reassembled, data) {
		t.Fatalf("Walk order mismatch")
	}
}

func TestWriterStreamsAndRoundTrips(t *testing.T) {
	store := newMemStore()
	data := make([]byte, treenode.MaxBlob*2+777)
	for i := range data {
		data[i] = byte(i * 7)
	}

	w := segblob.NewWriter(store)
	if _, err := w.ReadFrom(bytes.NewReader(data)); err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	root, err := w.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := segblob.Decode(store, root)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("streamed round trip mismatch")
	}
}

func TestWriterEmptyFails(t *testing.T) {
	store := newMemStore()
	w := segblob.NewWriter(store)
	if _, err := w.Close(); err != segblob.ErrUnrepresentable {
		t.Fatalf("expected ErrUnrepresentable, got %v", err)
	}
}
