package dbf

import (
	"bufio"
	"bytes"
	"container/heap"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"lsmkv/bloom"
	"lsmkv/record"
)

// MaybeCompact merges every tracked DBF into a single new one when the
// tracked count exceeds maxFiles, preserving newest-wins and tombstone
// semantics (spec §9: compaction is a design hook, optionally
// implemented; this is that implementation, gated off by default).
// maxFiles <= 0 disables compaction entirely.
func (ds *DiskService) MaybeCompact(maxFiles int, nowMicros uint64) error {
	if maxFiles <= 0 {
		return nil
	}
	ds.mu.Lock()
	if len(ds.descs) <= maxFiles {
		ds.mu.Unlock()
		return nil
	}
	inputs := append([]*Descriptor(nil), ds.descs...)
	ds.mu.Unlock()

	merged, err := ds.mergeDescriptors(inputs, nowMicros)
	if err != nil {
		return errors.Wrap(err, "dbf: compaction")
	}

	ds.mu.Lock()
	ds.descs = []*Descriptor{merged}
	ds.mu.Unlock()

	for _, d := range inputs {
		_ = os.Remove(d.Path)
	}
	ds.m.IncCompaction()
	ds.m.SetDBFCount(1)
	ds.log.Info("dbf compaction complete", zap.Int("inputs", len(inputs)), zap.String("output", merged.Path))
	return nil
}

// mergeDescriptors k-way merges inputs (newest-first) by key, keeping
// only the newest record per key (tombstones included), and writes the
// result straight to "<nowMicros>.dbf" with the same file writer Flush
// uses (no temp file and rename). The output gets a Bloom filter like
// any other DBF.
func (ds *DiskService) mergeDescriptors(inputs []*Descriptor, nowMicros uint64) (*Descriptor, error) {
	iters := make([]*fileIter, 0, len(inputs))
	defer func() {
		for _, it := range iters {
			_ = it.close()
		}
	}()
	for rank, d := range inputs {
		it, err := newFileIter(d.Path, rank)
		if err != nil {
			return nil, err
		}
		iters = append(iters, it)
	}

	h := &iterHeap{}
	for _, it := range iters {
		if ok, err := it.advance(); err != nil {
			return nil, err
		} else if ok {
			heap.Push(h, it)
		}
	}

	var merged []record.Record
	for h.Len() > 0 {
		it := heap.Pop(h).(*fileIter)
		cur := it.cur

		// Newest-wins: the lowest rank (newest file) seen for this key
		// wins; pop and discard any duplicates of the same key from
		// older files in the heap.
		for h.Len() > 0 && bytes.Equal((*h)[0].cur.Key, cur.Key) {
			dup := heap.Pop(h).(*fileIter)
			if ok, err := dup.advance(); err != nil {
				return nil, err
			} else if ok {
				heap.Push(h, dup)
			}
		}
		merged = append(merged, cur)

		if ok, err := it.advance(); err != nil {
			return nil, err
		} else if ok {
			heap.Push(h, it)
		}
	}

	finalName := strconv.FormatUint(nowMicros, 10) + Extension
	finalPath := filepath.Join(ds.dir, finalName)
	if err := writeFile(finalPath, merged); err != nil {
		return nil, err
	}

	var minKey, maxKey []byte
	if len(merged) > 0 {
		minKey, maxKey = merged[0].Key, merged[len(merged)-1].Key
	}
	bf := bloom.NewWithFalsePositiveRate(len(merged), bloomFalsePositiveRate)
	for _, r := range merged {
		bf.Add(r.Key)
	}
	return &Descriptor{
		MinKey: record.Clone(minKey),
		MaxKey: record.Clone(maxKey),
		Path:   finalPath,
		bloom:  bf,
	}, nil
}

// fileIter streams records from one DBF in ascending key order, tagged
// with rank (its position in the newest-first descriptor list) so the
// merge heap can prefer the newest file on key ties.
type fileIter struct {
	rank int
	f    *os.File
	r    *bufio.Reader
	cur  record.Record
}

func newFileIter(path string, rank int) (*fileIter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "dbf: open for compaction")
	}
	r := bufio.NewReaderSize(f, 64*1024)
	if _, _, _, err := readHeader(r); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "dbf: read header for compaction")
	}
	return &fileIter{rank: rank, f: f, r: r}, nil
}

func (it *fileIter) advance() (bool, error) {
	rec, err := record.Decode(it.r)
	if err != nil {
		if record.IsEndOfStream(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "dbf: decode during compaction")
	}
	it.cur = rec
	return true, nil
}

func (it *fileIter) close() error {
	return it.f.Close()
}

// iterHeap orders fileIters by (key, rank) so the newest file (lowest
// rank) sorts first among equal keys.
type iterHeap []*fileIter

func (h iterHeap) Len() int { return len(h) }
func (h iterHeap) Less(i, j int) bool {
	c := bytes.Compare(h[i].cur.Key, h[j].cur.Key)
	if c != 0 {
		return c < 0
	}
	return h[i].rank < h[j].rank
}
func (h iterHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *iterHeap) Push(x any)   { *h = append(*h, x.(*fileIter)) }
func (h *iterHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
