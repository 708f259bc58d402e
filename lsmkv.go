// Package lsmkv is an embeddable, single-process, single-writer
// key-value store built on the log-structured merge pattern. It provides
// durable point updates, point lookups, point deletions (via
// tombstones), and ordered range scans over byte-string keys and
// byte-string values, with crash recovery via a write-ahead log.
//
// A DB sequences three collaborators — a MemTable, a WAL, and a Disk
// Service over immutable DBFs — so that a successful write is either
// present in the MemTable *and* durable in the WAL, or not acknowledged
// at all (spec §1, §4.4).
package lsmkv

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"lsmkv/dbf"
	"lsmkv/memtable"
	"lsmkv/record"
	"lsmkv/wal"
)

const (
	fileSubdir = "FILE"
	walSubdir  = "WAL"
)

// DB is a single-writer LSM key-value store. All exported methods are
// safe to call from one goroutine at a time; concurrent access from
// multiple goroutines must be externally serialized by the host (spec
// §5 — this mutex exists to make that serialization safe, not to offer
// multi-writer concurrency).
type DB struct {
	mu     sync.Mutex
	closed bool

	opts Options
	dir  string

	mem *memtable.MemTable
	w   *wal.WAL
	ds  *dbf.DiskService
}

// Create makes dir, dir/FILE, and dir/WAL, and returns an empty DB. It
// fails if dir already exists.
func Create(dir string, opts Options) (*DB, error) {
	opts.fillDefaults()

	if _, err := os.Stat(dir); err == nil {
		return nil, ErrAlreadyExists
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "lsmkv: stat dir")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "lsmkv: mkdir root")
	}
	fileDir := filepath.Join(dir, fileSubdir)
	walDir := filepath.Join(dir, walSubdir)
	if err := os.MkdirAll(fileDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "lsmkv: mkdir FILE")
	}
	if err := os.MkdirAll(walDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "lsmkv: mkdir WAL")
	}

	w, err := wal.New(walDir, opts.Clock.Now(), opts.Logger, opts.Metrics)
	if err != nil {
		return nil, err
	}
	ds, err := dbf.New(fileDir, opts.Logger, opts.Metrics)
	if err != nil {
		return nil, err
	}

	opts.Logger.Info("db created", zap.String("dir", dir))
	return &DB{opts: opts, dir: dir, mem: memtable.New(), w: w, ds: ds}, nil
}

// Open requires dir/FILE and dir/WAL to already exist. It opens the
// Disk Service over dir/FILE and recovers the MemTable and WAL from
// dir/WAL, replaying any records not yet reflected in a DBF.
func Open(dir string, opts Options) (*DB, error) {
	opts.fillDefaults()

	fileDir := filepath.Join(dir, fileSubdir)
	walDir := filepath.Join(dir, walSubdir)
	if !isDir(fileDir) || !isDir(walDir) {
		return nil, ErrNotFound
	}

	ds, err := dbf.Open(fileDir, opts.Logger, opts.Metrics)
	if err != nil {
		return nil, err
	}
	w, mem, _, err := wal.Recover(walDir, opts.Clock.Now(), opts.Logger, opts.Metrics)
	if err != nil {
		return nil, err
	}

	opts.Logger.Info("db opened", zap.String("dir", dir))
	return &DB{opts: opts, dir: dir, mem: mem, w: w, ds: ds}, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Put durably stores value under key: the write is acknowledged only
// after the WAL append returns, then applied to the MemTable (spec
// §4.4, P1, P6).
func (db *DB) Put(key, value []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > record.MaxKeyLen {
		return ErrKeyTooLarge
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}

	ts := db.opts.Clock.Now()
	if err := db.w.Put(key, value, ts); err != nil {
		return err
	}
	db.mem.Put(key, value, ts)
	db.opts.Metrics.IncPut()
	return db.maybeFlushLocked()
}

// Delete durably records a tombstone for key (spec §4.4, P2).
func (db *DB) Delete(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > record.MaxKeyLen {
		return ErrKeyTooLarge
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}

	ts := db.opts.Clock.Now()
	if err := db.w.Delete(key, ts); err != nil {
		return err
	}
	db.mem.Delete(key, ts)
	db.opts.Metrics.IncDelete()
	return db.maybeFlushLocked()
}

// Get returns the value for key. It consults the MemTable first; a
// MemTable tombstone hit returns ErrNotFound without falling through to
// disk. On a MemTable miss it consults the Disk Service; a disk
// tombstone hit also yields ErrNotFound (spec §4.4, P2, P3).
func (db *DB) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}
	db.opts.Metrics.IncGet()

	if r, ok := db.mem.Get(key); ok {
		if r.Deleted {
			return nil, ErrNotFound
		}
		return r.Value, nil
	}

	r, ok, err := db.ds.Get(key)
	if err != nil {
		return nil, err
	}
	if !ok || r.Deleted {
		return nil, ErrNotFound
	}
	return r.Value, nil
}

// Range returns the values for every distinct key in [lo, hi], ascending,
// merging the MemTable and Disk Service by key with newest-wins and
// tombstones suppressed (spec §4.4, P4).
func (db *DB) Range(lo, hi []byte) ([][]byte, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}
	db.opts.Metrics.IncRange()

	memRecs := db.mem.Range(lo, hi)
	diskRecs, err := db.ds.Range(lo, hi)
	if err != nil {
		return nil, err
	}

	// MemTable entries are, by construction, always newer than anything
	// already flushed to a DBF (every MemTable write postdates the last
	// flush that produced the current DBFs). So for a key present in
	// both, the MemTable's version wins outright; disk fills in the
	// rest. Compare timestamps anyway so the merge stays correct even if
	// that invariant is ever relaxed (e.g. by a future concurrent-flush
	// design).
	merged := make(map[string]record.Record, len(memRecs)+len(diskRecs))
	for _, r := range diskRecs {
		merged[string(r.Key)] = r
	}
	for _, r := range memRecs {
		k := string(r.Key)
		if existing, ok := merged[k]; ok && existing.Timestamp > r.Timestamp {
			continue
		}
		merged[k] = r
	}

	keys := make([][]byte, 0, len(merged))
	for k := range merged {
		keys = append(keys, []byte(k))
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })

	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		r := merged[string(k)]
		if r.Deleted {
			continue
		}
		out = append(out, r.Value)
	}
	return out, nil
}

// Close flushes outstanding buffers and releases file handles.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	return db.w.Close()
}

// maybeFlushLocked runs the flush-and-roll sequence (spec §4.4) when the
// MemTable has crossed FlushThreshold. Caller must hold db.mu.
//
//  1. Disk Service writes the MemTable to a new DBF. On failure, abort:
//     MemTable and WAL remain authoritative and the next write attempt
//     will try again.
//  2. The DBF (and its directory) is fsync'd by DiskService.Flush.
//  3. The WAL is rolled: old segment removed, new empty one opened.
//  4. The MemTable is cleared.
//
// The DBF must be durable before the WAL segment is deleted — a crash
// between 3 and 4 would otherwise lose data. A crash between 1 and 3
// instead re-replays records already present in a DBF at the next
// recovery, which is safe: DBF entries carry timestamps and the
// rebuilt MemTable holds the same (identical) copy.
func (db *DB) maybeFlushLocked() error {
	if !db.mem.IsOverWeight(db.opts.FlushThreshold) {
		return nil
	}

	start := time.Now()
	ts := db.opts.Clock.Now()
	if _, err := db.ds.Flush(db.mem, ts); err != nil {
		return errors.Wrap(err, "lsmkv: flush")
	}
	db.opts.Metrics.ObserveFlushDuration(time.Since(start))

	rollTS := db.opts.Clock.Now()
	if err := db.w.Roll(rollTS); err != nil {
		return errors.Wrap(err, "lsmkv: roll wal")
	}
	db.mem.Clear()

	return errors.Wrap(db.ds.MaybeCompact(db.opts.MaxDBFCount, db.opts.Clock.Now()), "lsmkv: compaction")
}
