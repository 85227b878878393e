package treestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/VictoriaMetrics/fastcache"
	gobuffer "github.com/globocom/go-buffer"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/nonlocality-labs/prollytree/digest"
	"github.com/nonlocality-labs/prollytree/internal/walog"
	"github.com/nonlocality-labs/prollytree/treenode"
)

var (
	// ErrClosed is returned by any Store method called after Close.
	ErrClosed = errors.New("treestore: store is closed")
	// ErrRootNotFound is returned by LoadRoot for an unknown name.
	ErrRootNotFound = errors.New("treestore: root not found")
)

var (
	storeHitMeter    = metrics.NewRegisteredMeter("treestore/cache/hit", nil)
	storeMissMeter   = metrics.NewRegisteredMeter("treestore/cache/miss", nil)
	storeCommitTimer = metrics.NewRegisteredTimer("treestore/commit", nil)
	pendingGauge     = metrics.NewRegisteredGauge("treestore/pending", nil)
)

// Config controls the generic store's caching, throttling and batching
// behaviour. The zero Config is usable; NewStore fills in defaults for any
// zero field.
type Config struct {
	// HotCacheBytes sizes the fastcache holding recently stored/loaded
	// canonical node bytes, keyed by digest.
	HotCacheBytes int
	// RootCacheSize bounds the number of named roots kept in the
	// golang-lru cache in front of the roots table.
	RootCacheSize int
	// CommitRateLimit bounds how many Commit calls per second the store
	// accepts; zero disables the limiter.
	CommitRateLimit rate.Limit
	// AutoCommitCount, if non-zero, triggers a background Commit once this
	// many node stores and root updates have accumulated uncommitted.
	AutoCommitCount int
	// AutoCommitInterval, if non-zero, triggers a background Commit on
	// this cadence regardless of pending count.
	AutoCommitInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.HotCacheBytes == 0 {
		c.HotCacheBytes = 32 * 1024 * 1024
	}
	if c.RootCacheSize == 0 {
		c.RootCacheSize = 256
	}
	return c
}

// Store is the durable, content-addressed node and root store spec.md §4.C
// describes: callers Store nodes and UpdateRoot names, then Commit to make
// the batch durable and atomically visible.
type Store interface {
	// Store persists n if not already present and returns its digest. The
	// write is visible to Load/LoadRoot on this same Store immediately, but
	// is not durable until the next successful Commit.
	Store(n treenode.Node) (digest.Digest, error)
	// Load resolves a digest to its node, verifying the loaded bytes hash
	// back to d. Returns digest.ErrNotFound if d is unknown.
	Load(d digest.Digest) (treenode.Node, error)
	// UpdateRoot publishes d as the current digest for name. Visible
	// immediately to this handle, durable after Commit.
	UpdateRoot(name string, d digest.Digest) error
	// LoadRoot resolves name to its current digest. Returns ErrRootNotFound
	// if name has never been set.
	LoadRoot(name string) (digest.Digest, error)
	// Commit durably applies every Store and UpdateRoot since the last
	// Commit, atomically: a crash during Commit either fully applies or is
	// fully rolled back on the next Open.
	Commit() error
	// ApproximateCount estimates the number of distinct nodes held,
	// without guaranteeing exactness against concurrent writers.
	ApproximateCount() (uint64, error)
	// LastAutoCommitError returns the error from the most recent failed
	// background auto-commit, or nil if none has failed (or auto-commit is
	// disabled). Diagnostic only: a failed auto-commit leaves its batch
	// pending for the next Commit rather than losing it.
	LastAutoCommitError() error
	// Close releases the store's resources. Uncommitted writes are lost.
	Close() error
}

// pendingState is the in-memory overlay of writes since the last Commit.
// Store()/UpdateRoot() only touch this; Commit() is the sole place state
// moves into the WAL and then the Engine.
type pendingState struct {
	nodes map[digest.Digest][]byte   // digest -> canonical bytes
	roots map[string]digest.Digest  // name -> digest
}

func newPendingState() *pendingState {
	return &pendingState{
		nodes: make(map[digest.Digest][]byte),
		roots: make(map[string]digest.Digest),
	}
}

func (p *pendingState) count() int {
	return len(p.nodes) + len(p.roots)
}

// genericStore implements Store over any Engine, staging commits through a
// walog.Log the way the teacher's triedb/pathdb buffer stages dirty trie
// nodes before a disk layer flush. A single genericStore is not safe for
// concurrent Commit calls from multiple goroutines racing each other's
// pending state, matching spec's single-writer-per-handle rule; Store/Load
// themselves are safe for concurrent use.
type genericStore struct {
	engine Engine
	wal    *walog.Log

	mu      sync.Mutex
	pending *pendingState
	closed  bool

	hotCache  *fastcache.Cache
	rootCache *lru.Cache[string, digest.Digest]
	loadGroup singleflight.Group
	limiter   *rate.Limiter

	autoCommit *gobuffer.Buffer
	autoErr    atomicError
}

// NewStore builds a Store backed by engine, staging commits in a walog.Log
// rooted at walDir. walDir may be shared with nothing else; on Open, any
// records left over from a crash mid-Commit are replayed before the store
// accepts new work.
func NewStore(engine Engine, walDir string, cfg Config) (Store, error) {
	cfg = cfg.withDefaults()

	var (
		wl  *walog.Log
		err error
	)
	if walDir == "" {
		wl, err = walog.OpenMemory()
	} else {
		wl, err = walog.Open(walDir)
	}
	if err != nil {
		return nil, err
	}

	rootCache, err := lru.New[string, digest.Digest](cfg.RootCacheSize)
	if err != nil {
		return nil, fmt.Errorf("treestore: building root cache: %w", err)
	}

	s := &genericStore{
		engine:    engine,
		wal:       wl,
		pending:   newPendingState(),
		hotCache:  fastcache.New(cfg.HotCacheBytes),
		rootCache: rootCache,
	}
	if cfg.CommitRateLimit > 0 {
		s.limiter = rate.NewLimiter(cfg.CommitRateLimit, 1)
	}

	if err := s.recover(); err != nil {
		return nil, fmt.Errorf("treestore: crash recovery: %w", err)
	}

	if cfg.AutoCommitCount > 0 || cfg.AutoCommitInterval > 0 {
		s.autoCommit = gobuffer.New(
			gobuffer.WithSize(maxInt(cfg.AutoCommitCount, 1)),
			gobuffer.WithFlushInterval(cfg.AutoCommitInterval),
			gobuffer.WithPusher(gobuffer.PusherFunc(func(_ context.Context, _ []interface{}) {
				if err := s.Commit(); err != nil {
					log.Warn("treestore: background commit failed", "err", err)
					s.autoErr.store(err)
				}
			})),
		)
	}

	return s, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// recover replays any walog records left by a Commit that synced but never
// reached Reset, so a crash between wal.Sync and the engine write batch's
// completion cannot lose or duplicate a commit.
func (s *genericStore) recover() error {
	pending, err := s.wal.Pending()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	log.Info("treestore: replaying interrupted commit", "records", len(pending))
	batch := s.engine.NewBatch()
	for _, raw := range pending {
		rec, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		if err := applyRecord(batch, rec); err != nil {
			return err
		}
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return s.wal.Reset()
}

func applyRecord(batch Batch, rec decodedRecord) error {
	switch rec.kind {
	case recordKindNode:
		return batch.Put(treeKey(rec.node.Digest), rec.node.Bytes)
	case recordKindRoot:
		return batch.Put(rootKey(rec.root.Name), rec.root.Digest[:])
	default:
		return fmt.Errorf("treestore: unexpected record kind %d during replay", rec.kind)
	}
}

func (s *genericStore) Store(n treenode.Node) (digest.Digest, error) {
	canon, err := treenode.Canonical(n)
	if err != nil {
		return digest.Digest{}, err
	}
	d := digest.Hash(canon)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return digest.Digest{}, ErrClosed
	}
	if _, ok := s.pending.nodes[d]; ok {
		return d, nil
	}
	if s.hotCache.Has(d[:]) {
		return d, nil
	}
	if has, err := s.engine.Has(treeKey(d)); err == nil && has {
		return d, nil
	}
	s.pending.nodes[d] = canon
	pendingGauge.Update(int64(s.pending.count()))
	if s.autoCommit != nil {
		s.autoCommit.Push(context.Background(), d)
	}
	return d, nil
}

func (s *genericStore) Load(d digest.Digest) (treenode.Node, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return treenode.Node{}, ErrClosed
	}
	if canon, ok := s.pending.nodes[d]; ok {
		s.mu.Unlock()
		storeHitMeter.Mark(1)
		return treenode.FromCanonical(canon)
	}
	s.mu.Unlock()

	if cached, ok := s.hotCache.HasGet(nil, d[:]); ok {
		storeHitMeter.Mark(1)
		n, err := treenode.VerifyIntegrity(d, cached)
		if err != nil {
			return treenode.Node{}, err
		}
		return n, nil
	}

	storeMissMeter.Mark(1)
	v, err, _ := s.loadGroup.Do(d.String(), func() (any, error) {
		raw, err := s.engine.Get(treeKey(d))
		if errors.Is(err, ErrNotFoundInEngine) {
			return nil, digest.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
		n, err := treenode.VerifyIntegrity(d, raw)
		if err != nil {
			return nil, err
		}
		s.hotCache.Set(d[:], raw)
		return n, nil
	})
	if err != nil {
		return treenode.Node{}, err
	}
	return v.(treenode.Node), nil
}

func (s *genericStore) UpdateRoot(name string, d digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.pending.roots[name] = d
	pendingGauge.Update(int64(s.pending.count()))
	if s.autoCommit != nil {
		s.autoCommit.Push(context.Background(), name)
	}
	return nil
}

func (s *genericStore) LoadRoot(name string) (digest.Digest, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return digest.Digest{}, ErrClosed
	}
	if d, ok := s.pending.roots[name]; ok {
		s.mu.Unlock()
		return d, nil
	}
	s.mu.Unlock()

	if d, ok := s.rootCache.Get(name); ok {
		return d, nil
	}
	raw, err := s.engine.Get(rootKey(name))
	if errors.Is(err, ErrNotFoundInEngine) {
		return digest.Digest{}, ErrRootNotFound
	}
	if err != nil {
		return digest.Digest{}, fmt.Errorf("%w: %v", ErrIO, err)
	}
	var d digest.Digest
	copy(d[:], raw)
	s.rootCache.Add(name, d)
	return d, nil
}

// Commit stages the pending batch in the write-ahead log, syncs it, applies
// it to the Engine, then truncates the log, the way the teacher's
// triedb/pathdb disk layer journals a diff layer before merging it down.
func (s *genericStore) Commit() error {
	if s.limiter != nil {
		if err := s.limiter.Wait(context.Background()); err != nil {
			return fmt.Errorf("treestore: commit rate limit: %w", err)
		}
	}

	start := time.Now()
	defer storeCommitTimer.UpdateSince(start)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	batch := s.pending
	if batch.count() == 0 {
		s.mu.Unlock()
		return nil
	}
	s.pending = newPendingState()
	s.mu.Unlock()

	committed := false
	defer func() {
		if !committed {
			s.mu.Lock()
			for d, canon := range batch.nodes {
				s.pending.nodes[d] = canon
			}
			for name, d := range batch.roots {
				if _, newer := s.pending.roots[name]; !newer {
					s.pending.roots[name] = d
				}
			}
			s.mu.Unlock()
		}
	}()

	records := make([][]byte, 0, batch.count())
	for d, canon := range batch.nodes {
		rec, err := encodeNodeRecord(d, canon)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}
	for name, d := range batch.roots {
		rec, err := encodeRootRecord(name, d)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}

	for _, rec := range records {
		if err := s.wal.Append(rec); err != nil {
			return err
		}
	}
	if err := s.wal.Sync(); err != nil {
		return err
	}

	engineBatch := s.engine.NewBatch()
	for d, canon := range batch.nodes {
		if err := engineBatch.Put(treeKey(d), canon); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}
	for name, d := range batch.roots {
		if err := engineBatch.Put(rootKey(name), d[:]); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}
	if err := engineBatch.Write(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	committed = true

	for d, canon := range batch.nodes {
		s.hotCache.Set(d[:], canon)
	}
	for name, d := range batch.roots {
		s.rootCache.Add(name, d)
	}

	return s.wal.Reset()
}

func (s *genericStore) ApproximateCount() (uint64, error) {
	return s.engine.ApproximateCount()
}

func (s *genericStore) LastAutoCommitError() error {
	return s.autoErr.load()
}

func (s *genericStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.autoCommit != nil {
		s.autoCommit.Close()
	}
	if err := s.wal.Close(); err != nil {
		return err
	}
	return s.engine.Close()
}

// atomicError holds the last background commit error for diagnostics.
type atomicError struct {
	mu  sync.Mutex
	err error
}

func (a *atomicError) store(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
}

func (a *atomicError) load() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}
