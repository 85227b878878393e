package openfile

import (
	"errors"
	"fmt"
	"math"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/nonlocality-labs/prollytree/digest"
	"github.com/nonlocality-labs/prollytree/segblob"
	"github.com/nonlocality-labs/prollytree/treenode"
)

var (
	flushBytesMeter  = metrics.NewRegisteredMeter("openfile/flush/bytes", nil)
	flushBlocksMeter = metrics.NewRegisteredMeter("openfile/flush/blocks", nil)
	spillMeter       = metrics.NewRegisteredMeter("openfile/spill", nil)
)

// ErrClosed is returned by any Buffer method once Close has been called.
var ErrClosed = errors.New("openfile: buffer is closed")

// ErrTooLarge is returned by Write when offset+len(src) would overflow
// uint64, per spec.md §4.G.
var ErrTooLarge = errors.New("openfile: offset+len overflows uint64")

// BlockSize is the fixed width a Buffer divides its content into; it equals
// treenode.MaxBlob so a flushed block maps onto exactly one segblob leaf.
const BlockSize = treenode.MaxBlob

// blockState tracks a resident block's relationship to the last flushed
// snapshot. A block index absent from Buffer.blocks and Buffer.spill is
// implicitly Unloaded, per spec.md §4.G's four-state model.
type blockState int

const (
	stateLoaded blockState = iota // read from the snapshot, not modified
	stateDirty                    // written since the last flush
)

type blockEntry struct {
	data  []byte
	state blockState
}

// NodeStore is the minimal interface a Buffer needs from a treestore.Store.
type NodeStore interface {
	Store(n treenode.Node) (digest.Digest, error)
	Load(d digest.Digest) (treenode.Node, error)
}

// Config bounds a Buffer's in-memory footprint.
type Config struct {
	// MaxDirtyBlocks is the number of Dirty blocks allowed to stay resident
	// in the block map before the oldest are spilled to local disk via
	// github.com/holiman/billy. Zero means unbounded.
	MaxDirtyBlocks int
}

// Buffer is the write-back content buffer of spec.md §4.G: a block-indexed,
// mutable overlay over an immutable segblob tree. It plays the role the
// teacher's triedb/pathdb disk layer plays for trie state, staging writes in
// memory (and, past a configured bound, on local disk) ahead of an explicit
// StoreAll flush that re-encodes dirty content into durable, content-
// addressed nodes.
type Buffer struct {
	mu     sync.Mutex
	store  NodeStore
	cfg    Config
	closed bool

	snapshot digest.Digest // last-flushed root; zero means no snapshot yet
	size     uint64        // current logical length in bytes

	blocks map[uint64]*blockEntry

	spill         *spillStore
	dirtyResident mapset.Set[uint64]
	dirtyOrder    []uint64
}

// New creates an empty Buffer backed by store.
func New(store NodeStore, cfg Config) (*Buffer, error) {
	return open(store, digest.Digest{}, 0, cfg)
}

// Open reopens a previously flushed Buffer from its snapshot root and
// logical size, both normally recovered from the containing directory
// entry's metadata (package boundary).
func Open(store NodeStore, snapshot digest.Digest, size uint64, cfg Config) (*Buffer, error) {
	return open(store, snapshot, size, cfg)
}

func open(store NodeStore, snapshot digest.Digest, size uint64, cfg Config) (*Buffer, error) {
	spill, err := newSpillStore()
	if err != nil {
		return nil, err
	}
	return &Buffer{
		store:         store,
		cfg:           cfg,
		snapshot:      snapshot,
		size:          size,
		blocks:        make(map[uint64]*blockEntry),
		spill:         spill,
		dirtyResident: mapset.NewThreadUnsafeSet[uint64](),
	}, nil
}

// GetMetaData returns the buffer's current logical size in bytes, gated by
// a ReadPermission capability token per spec.md §6.
func (b *Buffer) GetMetaData(_ ReadPermission) (size uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	return b.size, nil
}

// Read copies min(len(dst), size-offset) bytes starting at offset into dst,
// returning the number of bytes copied. Reading past the end of the file is
// not an error; it simply yields fewer bytes than requested.
func (b *Buffer) Read(_ ReadPermission, offset uint64, dst []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	if offset >= b.size || len(dst) == 0 {
		return 0, nil
	}
	remaining := b.size - offset
	if uint64(len(dst)) > remaining {
		dst = dst[:remaining]
	}

	copied := 0
	for copied < len(dst) {
		abs := offset + uint64(copied)
		index := abs / BlockSize
		within := int(abs % BlockSize)
		block, err := b.blockBytes(index)
		if err != nil {
			return copied, err
		}
		n := copy(dst[copied:], block[within:])
		if n == 0 {
			break
		}
		copied += n
	}
	return copied, nil
}

// Write copies src into the buffer starting at offset, extending the
// buffer's logical size if the write reaches past its current end. Gaps
// created by a write that starts beyond the current end, or by Resize, read
// back as zero bytes, matching a sparse file.
func (b *Buffer) Write(_ WritePermission, offset uint64, src []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	if len(src) == 0 {
		return 0, nil
	}
	if uint64(len(src)) > math.MaxUint64-offset {
		return 0, ErrTooLarge
	}

	end := offset + uint64(len(src))
	if end > b.size {
		b.size = end
	}

	written := 0
	for written < len(src) {
		abs := offset + uint64(written)
		index := abs / BlockSize
		within := int(abs % BlockSize)

		block, err := b.mutableBlock(index)
		if err != nil {
			return written, err
		}
		n := copy(block[within:], src[written:])
		b.setDirty(index, block)
		written += n
	}

	if err := b.enforceDirtyBudget(); err != nil {
		return written, err
	}
	return written, nil
}

// Resize truncates or extends the buffer to newSize. Truncation drops or
// shortens tail blocks; extension leaves the new tail as an implicit
// zero-filled gap, read back the same way Write's sparse gaps are.
func (b *Buffer) Resize(_ WritePermission, newSize uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if newSize >= b.size {
		b.size = newSize
		return nil
	}

	lastIndex := (newSize - 1) / BlockSize
	if newSize == 0 {
		lastIndex = 0
	}
	for index := range b.blocks {
		if index > lastIndex || (newSize == 0) {
			b.dropBlock(index)
		}
	}
	if b.spill != nil {
		for index := range b.spill.ids {
			if index > lastIndex || newSize == 0 {
				if err := b.spill.delete(index); err != nil {
					return err
				}
				b.dirtyResident.Remove(index)
			}
		}
	}
	if newSize > 0 {
		if err := b.trimBlock(lastIndex, newSize); err != nil {
			return err
		}
	}
	b.size = newSize
	return nil
}

func (b *Buffer) dropBlock(index uint64) {
	delete(b.blocks, index)
	b.dirtyResident.Remove(index)
}

// trimBlock zero-fills the tail of the block that now holds the file's last
// byte, loading it first if it wasn't already resident.
func (b *Buffer) trimBlock(index, newSize uint64) error {
	block, err := b.mutableBlock(index)
	if err != nil {
		return err
	}
	within := int(newSize - index*BlockSize)
	for i := within; i < len(block); i++ {
		block[i] = 0
	}
	b.setDirty(index, block)
	return nil
}

// blockBytes returns the full BlockSize-wide (or shorter, for the final
// block of a file whose size isn't block-aligned) content of block index,
// loading it from the spill store or the snapshot if it isn't resident.
func (b *Buffer) blockBytes(index uint64) ([]byte, error) {
	pad := func(data []byte) []byte {
		if len(data) >= b.blockLen(index) {
			return data
		}
		grown := make([]byte, b.blockLen(index))
		copy(grown, data)
		return grown
	}
	if entry, ok := b.blocks[index]; ok {
		return pad(entry.data), nil
	}
	if b.spill != nil {
		if data, ok, err := b.spill.get(index); err != nil {
			return nil, err
		} else if ok {
			return pad(data), nil
		}
	}
	return b.loadFromSnapshot(index)
}

// mutableBlock returns a resident, write-through copy of block index sized
// to blockLen(index), loading and caching it first if necessary.
func (b *Buffer) mutableBlock(index uint64) ([]byte, error) {
	if entry, ok := b.blocks[index]; ok {
		if len(entry.data) < b.blockLen(index) {
			grown := make([]byte, b.blockLen(index))
			copy(grown, entry.data)
			entry.data = grown
		}
		return entry.data, nil
	}
	var data []byte
	if b.spill != nil {
		if spilled, ok, err := b.spill.get(index); err != nil {
			return nil, err
		} else if ok {
			data = spilled
			if err := b.spill.delete(index); err != nil {
				return nil, err
			}
		}
	}
	if data == nil {
		loaded, err := b.loadFromSnapshot(index)
		if err != nil {
			return nil, err
		}
		data = append([]byte(nil), loaded...)
	}
	if len(data) < b.blockLen(index) {
		grown := make([]byte, b.blockLen(index))
		copy(grown, data)
		data = grown
	}
	b.blocks[index] = &blockEntry{data: data, state: stateLoaded}
	return data, nil
}

// blockLen reports how many bytes block index should hold given the
// buffer's current logical size: BlockSize for every non-final block, and
// the remainder for the last one.
func (b *Buffer) blockLen(index uint64) int {
	start := index * BlockSize
	if start >= b.size {
		return 0
	}
	remaining := b.size - start
	if remaining > BlockSize {
		return BlockSize
	}
	return int(remaining)
}

// loadFromSnapshot pulls block index's bytes out of the last flushed
// segblob tree, or returns blockLen(index) zero bytes if the snapshot is empty or
// shorter than this index (the sparse-gap case).
func (b *Buffer) loadFromSnapshot(index uint64) ([]byte, error) {
	length := b.blockLen(index)
	if b.snapshot.IsZero() {
		return make([]byte, length), nil
	}
	leaf, err := segblob.LeafAt(b.store, b.snapshot, index)
	if err != nil {
		return make([]byte, length), nil
	}
	if len(leaf) < length {
		grown := make([]byte, length)
		copy(grown, leaf)
		return grown, nil
	}
	return leaf[:length], nil
}

func (b *Buffer) setDirty(index uint64, data []byte) {
	b.blocks[index] = &blockEntry{data: data, state: stateDirty}
	if !b.dirtyResident.Contains(index) {
		b.dirtyResident.Add(index)
		b.dirtyOrder = append(b.dirtyOrder, index)
	}
}

// enforceDirtyBudget spills the oldest resident Dirty blocks to local disk
// until the resident count is back within Config.MaxDirtyBlocks. Spilled
// blocks remain logically Dirty; StoreAll pulls them back in during flush.
func (b *Buffer) enforceDirtyBudget() error {
	if b.cfg.MaxDirtyBlocks <= 0 {
		return nil
	}
	for b.dirtyResident.Cardinality() > b.cfg.MaxDirtyBlocks && len(b.dirtyOrder) > 0 {
		index := b.dirtyOrder[0]
		b.dirtyOrder = b.dirtyOrder[1:]
		if !b.dirtyResident.Contains(index) {
			continue
		}
		entry, ok := b.blocks[index]
		if !ok {
			b.dirtyResident.Remove(index)
			continue
		}
		if err := b.spill.put(index, entry.data); err != nil {
			return err
		}
		delete(b.blocks, index)
		b.dirtyResident.Remove(index)
		spillMeter.Mark(1)
		log.Debug("openfile: spilled dirty block", "index", index)
	}
	return nil
}

// StoreAll flushes every Dirty block (resident or spilled) into durable
// segblob leaves and folds them, together with unmodified blocks pulled
// through from the previous snapshot, into a new root. When nothing is dirty
// and the size hasn't changed since the last flush, it still re-stores and
// refolds every block; since node stores are idempotent, the root it returns
// is then the existing snapshot.
func (b *Buffer) StoreAll(_ WritePermission) (digest.Digest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return digest.Digest{}, ErrClosed
	}
	return b.storeAllLocked()
}

func (b *Buffer) storeAllLocked() (digest.Digest, error) {
	if b.size == 0 {
		b.resetSnapshot(digest.Digest{})
		return digest.Digest{}, nil
	}

	blockCount := (b.size + BlockSize - 1) / BlockSize
	segments := make([]digest.Digest, blockCount)
	sizes := make([]uint64, blockCount)
	var flushedBlocks, flushedBytes int64
	fit := func(data []byte, n uint64) []byte {
		if uint64(len(data)) == n {
			return data
		}
		out := make([]byte, n)
		copy(out, data)
		return out
	}

	for index := uint64(0); index < blockCount; index++ {
		sizes[index] = uint64(b.blockLen(index))
		if entry, ok := b.blocks[index]; ok && entry.state == stateDirty {
			d, err := storeBlock(b.store, fit(entry.data, sizes[index]))
			if err != nil {
				return digest.Digest{}, err
			}
			segments[index] = d
			flushedBlocks++
			flushedBytes += int64(len(entry.data))
			continue
		}
		if data, ok, err := b.spill.get(index); err != nil {
			return digest.Digest{}, err
		} else if ok {
			d, err := storeBlock(b.store, fit(data, sizes[index]))
			if err != nil {
				return digest.Digest{}, err
			}
			segments[index] = d
			flushedBlocks++
			flushedBytes += int64(len(data))
			continue
		}
		if entry, ok := b.blocks[index]; ok {
			d, err := storeBlock(b.store, fit(entry.data, sizes[index]))
			if err != nil {
				return digest.Digest{}, err
			}
			segments[index] = d
			continue
		}
		if !b.snapshot.IsZero() {
			d, err := segblob.LeafDigestAt(b.store, b.snapshot, index)
			if err == nil {
				segments[index] = d
				continue
			}
		}
		d, err := storeBlock(b.store, make([]byte, b.blockLen(index)))
		if err != nil {
			return digest.Digest{}, err
		}
		segments[index] = d
	}

	root, err := segblob.FoldSegments(b.store, segments, sizes)
	if err != nil {
		return digest.Digest{}, err
	}

	flushBlocksMeter.Mark(flushedBlocks)
	flushBytesMeter.Mark(flushedBytes)
	log.Debug("openfile: flushed buffer", "blocks", flushedBlocks, "bytes", flushedBytes, "root", root)

	b.resetSnapshot(root)
	return root, nil
}

// resetSnapshot adopts root as the buffer's new baseline and clears every
// block's Dirty marking back to Loaded, discarding the now-redundant spill
// entries the flush just persisted.
func (b *Buffer) resetSnapshot(root digest.Digest) {
	b.snapshot = root
	for _, entry := range b.blocks {
		entry.state = stateLoaded
	}
	for index := range b.spill.ids {
		_ = b.spill.delete(index)
	}
	b.dirtyResident = mapset.NewThreadUnsafeSet[uint64]()
	b.dirtyOrder = nil
}

func storeBlock(store NodeStore, data []byte) (digest.Digest, error) {
	leaf, err := treenode.New(append([]byte(nil), data...), nil)
	if err != nil {
		return digest.Digest{}, err
	}
	d, err := store.Store(leaf)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("openfile: storing block: %w", err)
	}
	return d, nil
}

// Close releases the buffer's local spill storage. It does not flush;
// callers that want durable content must call StoreAll first.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.spill.close()
}
