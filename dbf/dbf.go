// Package dbf implements the Data-Block File format and the Disk
// Service that flushes MemTables into DBFs, indexes them in memory, and
// serves point and range reads across them (spec §4.3).
//
// Layout:
//
//	min_key_len:8  max_key_len:8  min_key  max_key  record* (ascending)
//
// Records use the same little-endian encoding as the WAL (record
// package). Tombstones are written to the DBF: delete propagation
// across files requires the tombstone to survive the flush.
package dbf

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lsmkv/bloom"
	"lsmkv/memtable"
	"lsmkv/metrics"
	"lsmkv/record"
)

// Extension is the suffix every DBF carries.
const Extension = ".dbf"

// bloomFalsePositiveRate bounds how often Get pays for an unnecessary
// DBF scan: a Bloom filter sized for this rate trades that cost off
// against the memory spent on its bit array per flushed/compacted file.
const bloomFalsePositiveRate = 0.01

// headerFieldLen is the width of each of the two length prefixes in the
// DBF header.
const headerFieldLen = 8

// Descriptor is the in-memory metadata the Disk Service keeps for one
// DBF: enough to decide candidacy for a point or range read without
// opening the file. It owns no file handle (spec §9's re-architecture
// note): a handle is opened per scan and closed at the end of the scan.
type Descriptor struct {
	MinKey []byte
	MaxKey []byte
	Path   string

	bloom *bloom.Filter
}

// overlaps reports whether [lo, hi] intersects [d.MinKey, d.MaxKey].
func (d *Descriptor) overlaps(lo, hi []byte) bool {
	return bytes.Compare(d.MinKey, hi) <= 0 && bytes.Compare(lo, d.MaxKey) <= 0
}

func (d *Descriptor) contains(key []byte) bool {
	return bytes.Compare(d.MinKey, key) <= 0 && bytes.Compare(key, d.MaxKey) <= 0
}

// DiskService owns the directory of immutable DBFs and their in-memory
// descriptors, newest-first.
type DiskService struct {
	mu    sync.RWMutex
	dir   string
	descs []*Descriptor // newest-first

	log *zap.Logger
	m   *metrics.Registry
}

// New creates dir (if needed) and starts with an empty descriptor list.
func New(dir string, log *zap.Logger, m *metrics.Registry) (*DiskService, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NoOp()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "dbf: mkdir")
	}
	return &DiskService{dir: dir, log: log, m: m}, nil
}

// Open enumerates dir for every file with extension .dbf, reads its
// header, and appends a descriptor. Files are ordered newest-first by
// the creation timestamp encoded in their filename. Any other extension
// is ignored.
func Open(dir string, log *zap.Logger, m *metrics.Registry) (*DiskService, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NoOp()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "dbf: read dir")
	}

	type named struct {
		ts   uint64
		path string
	}
	var files []named
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Extension) {
			continue
		}
		tsStr := strings.TrimSuffix(e.Name(), Extension)
		ts, err := strconv.ParseUint(tsStr, 10, 64)
		if err != nil {
			continue
		}
		files = append(files, named{ts: ts, path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].ts > files[j].ts })

	ds := &DiskService{dir: dir, log: log, m: m}
	for _, nf := range files {
		desc, err := readDescriptor(nf.path)
		if err != nil {
			return nil, errors.Wrapf(err, "dbf: read header %s", nf.path)
		}
		ds.descs = append(ds.descs, desc)
	}
	m.SetDBFCount(len(ds.descs))
	log.Info("disk service opened", zap.String("dir", dir), zap.Int("dbf_count", len(ds.descs)))
	return ds, nil
}

// readDescriptor reads a DBF's header and rebuilds its in-memory Bloom
// filter by scanning the full body once. The filter itself is never
// persisted to disk: it is cheap to rebuild at open() and doing so keeps
// the file format to exactly what spec §4.3 specifies.
func readDescriptor(path string) (*Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	br := bufio.NewReaderSize(f, 64*1024)
	minKey, maxKey, _, err := readHeader(br)
	if err != nil {
		return nil, err
	}

	var keys [][]byte
	for {
		rec, err := record.Decode(br)
		if err != nil {
			if record.IsEndOfStream(err) {
				break
			}
			return nil, errors.Wrap(err, "dbf: decode while rebuilding bloom filter")
		}
		keys = append(keys, rec.Key)
	}

	bf := bloom.NewWithFalsePositiveRate(len(keys), bloomFalsePositiveRate)
	for _, k := range keys {
		bf.Add(k)
	}

	return &Descriptor{MinKey: minKey, MaxKey: maxKey, Path: path, bloom: bf}, nil
}

// readHeader reads [min_key_len:8][max_key_len:8][min_key][max_key] and
// returns the two keys plus the number of bytes consumed (the header's
// on-disk length, i.e. the offset where records begin).
func readHeader(r *bufio.Reader) (minKey, maxKey []byte, headerLen int64, err error) {
	var lens [2 * headerFieldLen]byte
	if _, err = io.ReadFull(r, lens[:]); err != nil {
		return nil, nil, 0, errors.Wrap(err, "dbf: read header lengths")
	}
	minLen := binary.LittleEndian.Uint64(lens[0:8])
	maxLen := binary.LittleEndian.Uint64(lens[8:16])

	minKey = make([]byte, minLen)
	if _, err = io.ReadFull(r, minKey); err != nil {
		return nil, nil, 0, errors.Wrap(err, "dbf: read min_key")
	}
	maxKey = make([]byte, maxLen)
	if _, err = io.ReadFull(r, maxKey); err != nil {
		return nil, nil, 0, errors.Wrap(err, "dbf: read max_key")
	}
	return minKey, maxKey, int64(2*headerFieldLen) + int64(minLen) + int64(maxLen), nil
}

// Flush writes mem's records to a new DBF named "<nowMicros>.dbf" and
// prepends the resulting descriptor to the in-memory list. It writes to
// a uuid-suffixed temp file first and renames it atomically into place,
// so a partly written file never carries the .dbf name and no two temp
// files share a name. The final name is "<nowMicros>.dbf" alone, so
// distinct flushes need distinct nowMicros values; the DB façade takes
// each one from its strictly increasing clock.
func (ds *DiskService) Flush(mem *memtable.MemTable, nowMicros uint64) (*Descriptor, error) {
	recs := mem.Iter()
	if len(recs) == 0 {
		return nil, errors.New("dbf: flush of empty memtable")
	}

	finalName := strconv.FormatUint(nowMicros, 10) + Extension
	tmpName := finalName + "." + uuid.NewString() + ".tmp"
	tmpPath := filepath.Join(ds.dir, tmpName)
	finalPath := filepath.Join(ds.dir, finalName)

	if err := writeFile(tmpPath, recs); err != nil {
		return nil, err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return nil, errors.Wrap(err, "dbf: rename into place")
	}
	if err := syncDir(ds.dir); err != nil {
		return nil, err
	}

	bf := bloom.NewWithFalsePositiveRate(len(recs), bloomFalsePositiveRate)
	for _, r := range recs {
		bf.Add(r.Key)
	}

	desc := &Descriptor{
		MinKey: record.Clone(recs[0].Key),
		MaxKey: record.Clone(recs[len(recs)-1].Key),
		Path:   finalPath,
		bloom:  bf,
	}

	ds.mu.Lock()
	ds.descs = append([]*Descriptor{desc}, ds.descs...)
	count := len(ds.descs)
	ds.mu.Unlock()

	ds.m.SetDBFCount(count)
	ds.m.IncFlush()
	ds.log.Info("dbf flushed", zap.String("path", finalPath), zap.Int("records", len(recs)))
	return desc, nil
}

// syncDir fsyncs a directory so a prior file create/rename within it is
// durable, not just the file's own contents (spec §4.4 step 2).
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrap(err, "dbf: open dir for fsync")
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		return errors.Wrap(err, "dbf: fsync dir")
	}
	return nil
}

func writeFile(path string, recs []record.Record) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "dbf: create temp file")
	}
	defer func() { _ = f.Close() }()

	w := bufio.NewWriterSize(f, 64*1024)
	minKey, maxKey := recs[0].Key, recs[len(recs)-1].Key

	var lens [2 * headerFieldLen]byte
	binary.LittleEndian.PutUint64(lens[0:8], uint64(len(minKey)))
	binary.LittleEndian.PutUint64(lens[8:16], uint64(len(maxKey)))
	if _, err := w.Write(lens[:]); err != nil {
		return errors.Wrap(err, "dbf: write header lengths")
	}
	if _, err := w.Write(minKey); err != nil {
		return errors.Wrap(err, "dbf: write min_key")
	}
	if _, err := w.Write(maxKey); err != nil {
		return errors.Wrap(err, "dbf: write max_key")
	}

	var buf []byte
	for _, r := range recs {
		buf = record.Encode(buf[:0], r)
		if _, err := w.Write(buf); err != nil {
			return errors.Wrap(err, "dbf: write record")
		}
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "dbf: flush writer")
	}
	return errors.Wrap(f.Sync(), "dbf: fsync")
}

// Get scans descriptors newest-first; the first file whose key range
// could contain key and that actually contains it wins. Older files are
// not consulted once a match (including a tombstone) is found.
func (ds *DiskService) Get(key []byte) (record.Record, bool, error) {
	ds.mu.RLock()
	descs := append([]*Descriptor(nil), ds.descs...)
	ds.mu.RUnlock()

	for _, d := range descs {
		if !d.contains(key) {
			continue
		}
		if d.bloom != nil && !d.bloom.MaybeContains(key) {
			ds.m.IncBloomSkip()
			continue
		}
		rec, ok, err := scanForKey(d.Path, key)
		if err != nil {
			return record.Record{}, false, err
		}
		if ok {
			ds.m.IncDiskHit()
			return rec, true, nil
		}
	}
	ds.m.IncDiskMiss()
	return record.Record{}, false, nil
}

func scanForKey(path string, key []byte) (record.Record, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return record.Record{}, false, errors.Wrap(err, "dbf: open for scan")
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReaderSize(f, 64*1024)
	if _, _, _, err := readHeader(r); err != nil {
		return record.Record{}, false, errors.Wrap(err, "dbf: read header")
	}

	for {
		rec, err := record.Decode(r)
		if err != nil {
			if record.IsEndOfStream(err) {
				return record.Record{}, false, nil
			}
			return record.Record{}, false, errors.Wrap(err, "dbf: decode record")
		}
		cmp := bytes.Compare(rec.Key, key)
		if cmp == 0 {
			return rec, true, nil
		}
		if cmp > 0 {
			return record.Record{}, false, nil
		}
	}
}

// Range scans every candidate DBF concurrently (each is an immutable,
// independently-openable file), then merges by key with newest-wins,
// suppressing tombstones, and returns results in ascending key order.
func (ds *DiskService) Range(lo, hi []byte) ([]record.Record, error) {
	ds.mu.RLock()
	descs := append([]*Descriptor(nil), ds.descs...)
	ds.mu.RUnlock()

	var candidates []*Descriptor
	for _, d := range descs {
		if d.overlaps(lo, hi) {
			candidates = append(candidates, d)
		}
	}

	perFile := make([][]record.Record, len(candidates))
	var g errgroup.Group
	for i, d := range candidates {
		i, d := i, d
		g.Go(func() error {
			recs, err := scanRange(d.Path, lo, hi)
			if err != nil {
				return err
			}
			perFile[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Newest-wins merge: candidates are newest-first, so the first
	// record seen per key is authoritative.
	best := make(map[string]record.Record)
	order := make([][]byte, 0)
	for _, recs := range perFile {
		for _, r := range recs {
			k := string(r.Key)
			if _, seen := best[k]; seen {
				continue
			}
			best[k] = r
			order = append(order, r.Key)
		}
	}
	sort.Slice(order, func(i, j int) bool { return bytes.Compare(order[i], order[j]) < 0 })

	out := make([]record.Record, 0, len(order))
	for _, k := range order {
		r := best[string(k)]
		if r.Deleted {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func scanRange(path string, lo, hi []byte) ([]record.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "dbf: open for range scan")
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReaderSize(f, 64*1024)
	if _, _, _, err := readHeader(r); err != nil {
		return nil, errors.Wrap(err, "dbf: read header")
	}

	var out []record.Record
	for {
		rec, err := record.Decode(r)
		if err != nil {
			if record.IsEndOfStream(err) {
				return out, nil
			}
			return nil, errors.Wrap(err, "dbf: decode record")
		}
		if bytes.Compare(rec.Key, lo) >= 0 && bytes.Compare(rec.Key, hi) <= 0 {
			out = append(out, rec)
		}
	}
}

// Count returns the number of tracked DBFs.
func (ds *DiskService) Count() int {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return len(ds.descs)
}
