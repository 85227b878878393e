// Package walog wraps github.com/tidwall/wal to stage a tree store commit's
// writes durably before they are applied to the backing engine, giving
// Commit() the all-or-nothing behaviour spec.md §5 requires independent of
// whichever Engine is selected.
package walog

import (
	"fmt"
	"os"
	"sync"

	"github.com/tidwall/wal"
)

// Log is a process-local, file-backed append log. A commit appends every
// record for that commit, syncs once, applies the records to the engine,
// then truncates the log back to empty. If the process dies between the
// sync and the truncate, reopening the Log exposes the pending records so
// the caller can finish applying them (redo), rather than losing them.
type Log struct {
	mu  sync.Mutex
	log *wal.Log
}

// Open opens (creating if absent) the write-ahead log rooted at dir.
func Open(dir string) (*Log, error) {
	l, err := wal.Open(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("walog: open %s: %w", dir, err)
	}
	return &Log{log: l}, nil
}

// OpenMemory opens a Log that only exists for the lifetime of the process;
// used by the in-memory treestore backend, which has no durability story of
// its own but still wants the same staging/commit code path exercised.
func OpenMemory() (*Log, error) {
	// tidwall/wal has no memory mode; an ephemeral temp directory gives the
	// in-memory engine the identical staging semantics without persisting
	// across restarts, since nothing else in that backend survives a
	// restart either.
	dir, err := memDir()
	if err != nil {
		return nil, err
	}
	return Open(dir)
}

// Append adds a record to the tail of the log. Records appended since the
// last Reset are not applied anywhere until the caller explicitly reads and
// applies them, then calls Reset.
func (l *Log) Append(record []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	last, err := l.log.LastIndex()
	if err != nil {
		return fmt.Errorf("walog: last index: %w", err)
	}
	if err := l.log.Write(last+1, record); err != nil {
		return fmt.Errorf("walog: append: %w", err)
	}
	return nil
}

// Sync forces the appended records to durable storage.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.log.Sync(); err != nil {
		return fmt.Errorf("walog: sync: %w", err)
	}
	return nil
}

// Pending returns every record appended since the last Reset, in append
// order. A non-empty result after Open means a previous commit synced its
// records but crashed before Reset; the caller must re-apply them.
func (l *Log) Pending() ([][]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	first, err := l.log.FirstIndex()
	if err != nil {
		return nil, fmt.Errorf("walog: first index: %w", err)
	}
	last, err := l.log.LastIndex()
	if err != nil {
		return nil, fmt.Errorf("walog: last index: %w", err)
	}
	if first == 0 || last == 0 || last < first {
		return nil, nil
	}
	out := make([][]byte, 0, last-first+1)
	for i := first; i <= last; i++ {
		data, err := l.log.Read(i)
		if err != nil {
			return nil, fmt.Errorf("walog: read %d: %w", i, err)
		}
		out = append(out, data)
	}
	return out, nil
}

// Reset discards every record currently staged, called once the caller has
// applied them all to the backing engine.
func (l *Log) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	last, err := l.log.LastIndex()
	if err != nil {
		return fmt.Errorf("walog: last index: %w", err)
	}
	if last == 0 {
		return nil
	}
	if err := l.log.TruncateFront(last + 1); err != nil {
		return fmt.Errorf("walog: truncate: %w", err)
	}
	return nil
}

// Close releases the log's file handles.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.log.Close()
}

func memDir() (string, error) {
	dir, err := os.MkdirTemp("", "prollytree-walog-*")
	if err != nil {
		return "", fmt.Errorf("walog: create memory-backend staging dir: %w", err)
	}
	return dir, nil
}
