package openfile_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nonlocality-labs/prollytree/digest"
	"github.com/nonlocality-labs/prollytree/openfile"
	"github.com/nonlocality-labs/prollytree/segblob"
	"github.com/nonlocality-labs/prollytree/treenode"
)

type memStore map[digest.Digest]treenode.Node

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

var rp = openfile.NewReadPermission()
var wp = openfile.NewWritePermission()

// TestWriteAtStartThenFlush mirrors spec.md §8 vector #6: write "test" at
// offset 0 into a fresh buffer, flush, and read it back through segblob.
func TestWriteAtStartThenFlush(t *testing.T) {
	store := memStore{}
	buf, err := openfile.New(store, openfile.Config{})
	require.NoError(t, err)
	defer buf.Close()

	n, err := buf.Write(wp, 0, []byte("test"))
	require.NoError(t, err)
	require.Equal(t, 4, n)

	size, err := buf.GetMetaData(rp)
	require.NoError(t, err)
	require.EqualValues(t, 4, size)

	root, err := buf.StoreAll(wp)
	require.NoError(t, err)
	require.False(t, root.IsZero())

	data, err := segblob.Decode(store, root)
	require.NoError(t, err)
	require.Equal(t, []byte("test"), data)
}

// TestSparseWriteFarFromStart mirrors spec.md §8 vector #7: a write at a
// large offset in an empty buffer must read back as zeros before it and the
// written bytes at the offset, without materialising the whole gap eagerly.
func TestSparseWriteFarFromStart(t *testing.T) {
	store := memStore{}
	buf, err := openfile.New(store, openfile.Config{})
	require.NoError(t, err)
	defer buf.Close()

	const offset = 1_000_000
	payload := []byte("sparse")
	_, err = buf.Write(wp, offset, payload)
	require.NoError(t, err)

	size, err := buf.GetMetaData(rp)
	require.NoError(t, err)
	require.EqualValues(t, offset+len(payload), size)

	readBack := make([]byte, len(payload))
	n, err := buf.Read(rp, offset, readBack)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, readBack)

	zeros := make([]byte, 256)
	n, err = buf.Read(rp, 0, zeros)
	require.NoError(t, err)
	require.Equal(t, len(zeros), n)
	for _, b := range zeros {
		require.Zero(t, b)
	}

	root, err := buf.StoreAll(wp)
	require.NoError(t, err)

	full, err := segblob.Decode(store, root)
	require.NoError(t, err)
	require.Len(t, full, offset+len(payload))
	require.Equal(t, payload, full[offset:])
	for _, b := range full[:offset] {
		require.Zero(t, b)
	}
}

// TestWriteRejectsOffsetLengthOverflow mirrors spec.md §4.G's TooLarge
// write failure: an offset/length pair that would overflow uint64 must be
// rejected, not silently wrapped into a tiny logical size.
func TestWriteRejectsOffsetLengthOverflow(t *testing.T) {
	store := memStore{}
	buf, err := openfile.New(store, openfile.Config{})
	require.NoError(t, err)
	defer buf.Close()

	n, err := buf.Write(wp, math.MaxUint64-2, []byte("abcdef"))
	require.ErrorIs(t, err, openfile.ErrTooLarge)
	require.Zero(t, n)

	size, err := buf.GetMetaData(rp)
	require.NoError(t, err)
	require.Zero(t, size, "a rejected write must not change the buffer's size")
}

func TestFlushIsIdempotentWhenNothingChanged(t *testing.T) {
	store := memStore{}
	buf, err := openfile.New(store, openfile.Config{})
	require.NoError(t, err)
	defer buf.Close()

	_, err = buf.Write(wp, 0, []byte("hello world"))
	require.NoError(t, err)
	root1, err := buf.StoreAll(wp)
	require.NoError(t, err)

	root2, err := buf.StoreAll(wp)
	require.NoError(t, err)
	require.Equal(t, root1, root2)
}

func TestResizeTruncateAndExtend(t *testing.T) {
	store := memStore{}
	buf, err := openfile.New(store, openfile.Config{})
	require.NoError(t, err)
	defer buf.Close()

	_, err = buf.Write(wp, 0, []byte("0123456789"))
	require.NoError(t, err)

	require.NoError(t, buf.Resize(wp, 5))
	size, err := buf.GetMetaData(rp)
	require.NoError(t, err)
	require.EqualValues(t, 5, size)

	readBack := make([]byte, 5)
	n, err := buf.Read(rp, 0, readBack)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, []byte("01234"), readBack)

	require.NoError(t, buf.Resize(wp, 8))
	size, err = buf.GetMetaData(rp)
	require.NoError(t, err)
	require.EqualValues(t, 8, size)

	tail := make([]byte, 3)
	n, err = buf.Read(rp, 5, tail)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	for _, b := range tail {
		require.Zero(t, b)
	}

	root, err := buf.StoreAll(wp)
	require.NoError(t, err)
	full, err := segblob.Decode(store, root)
	require.NoError(t, err)
	require.Equal(t, []byte("01234\x00\x00\x00"), full)
}

func TestResizeToZero(t *testing.T) {
	store := memStore{}
	buf, err := openfile.New(store, openfile.Config{})
	require.NoError(t, err)
	defer buf.Close()

	_, err = buf.Write(wp, 0, []byte("abc"))
	require.NoError(t, err)
	require.NoError(t, buf.Resize(wp, 0))

	size, err := buf.GetMetaData(rp)
	require.NoError(t, err)
	require.Zero(t, size)

	root, err := buf.StoreAll(wp)
	require.NoError(t, err)
	require.True(t, root.IsZero())
}

// TestDirtyBudgetSpillsAndStillFlushesCorrectly exercises writes that force
// MaxDirtyBlocks spills to the billy-backed staging store, then confirms a
// flush still reassembles the exact content regardless of which blocks were
// resident versus spilled at flush time.
func TestDirtyBudgetSpillsAndStillFlushesCorrectly(t *testing.T) {
	store := memStore{}
	buf, err := openfile.New(store, openfile.Config{MaxDirtyBlocks: 1})
	require.NoError(t, err)
	defer buf.Close()

	block := make([]byte, openfile.BlockSize)
	for i := range block {
		block[i] = byte(i % 251)
	}

	for i := 0; i < 3; i++ {
		_, err := buf.Write(wp, uint64(i)*openfile.BlockSize, block)
		require.NoError(t, err)
	}

	root, err := buf.StoreAll(wp)
	require.NoError(t, err)

	full, err := segblob.Decode(store, root)
	require.NoError(t, err)
	require.Len(t, full, 3*openfile.BlockSize)
	for i := 0; i < 3; i++ {
		require.Equal(t, block, full[i*openfile.BlockSize:(i+1)*openfile.BlockSize])
	}
}

func TestOpenReopensExistingSnapshot(t *testing.T) {
	store := memStore{}
	buf, err := openfile.New(store, openfile.Config{})
	require.NoError(t, err)

	_, err = buf.Write(wp, 0, []byte("persisted"))
	require.NoError(t, err)
	root, err := buf.StoreAll(wp)
	require.NoError(t, err)
	size, err := buf.GetMetaData(rp)
	require.NoError(t, err)
	require.NoError(t, buf.Close())

	reopened, err := openfile.Open(store, root, size, openfile.Config{})
	require.NoError(t, err)
	defer reopened.Close()

	readBack := make([]byte, size)
	n, err := reopened.Read(rp, 0, readBack)
	require.NoError(t, err)
	require.EqualValues(t, size, n)
	require.Equal(t, []byte("persisted"), readBack)
}
