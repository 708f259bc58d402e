// Package memtable implements the in-memory, ordered buffer of the most
// recent Record per key (spec §4.1). It tracks an approximate byte size
// used by DB to decide when to flush, and leans on github.com/google/btree
// for the "balanced ordered map keyed by byte-string" the spec calls for,
// rather than a Go map re-sorted on every range/iter call.
package memtable

import (
	"bytes"

	"github.com/google/btree"

	"lsmkv/record"
)

const btreeDegree = 32

type item struct {
	rec record.Record
}

func (a item) Less(b btree.Item) bool {
	return bytes.Compare(a.rec.Key, b.(item).rec.Key) < 0
}

// MemTable is an ordered mapping key -> Record, sorted ascending by key
// bytes. All operations are infallible; size accounting saturates at
// zero rather than underflowing (spec §4.1, §9).
type MemTable struct {
	tree *btree.BTree
	size int
}

// New returns an empty MemTable.
func New() *MemTable {
	return &MemTable{tree: btree.New(btreeDegree)}
}

// Put inserts or replaces the record for key with value at timestamp ts.
func (m *MemTable) Put(key, value []byte, ts uint64) {
	m.apply(record.New(key, value, ts))
}

// Delete inserts a tombstone for key at timestamp ts.
func (m *MemTable) Delete(key []byte, ts uint64) {
	m.apply(record.Tombstone(key, ts))
}

func (m *MemTable) apply(r record.Record) {
	probe := item{rec: record.Record{Key: r.Key}}
	if existing, ok := m.tree.Get(probe).(item); ok {
		if existing.rec.Deleted {
			m.size = satAdd(m.size, len(r.Value))
		} else if !r.Deleted {
			m.size = satAddDelta(m.size, len(r.Value)-len(existing.rec.Value))
		} else {
			m.size = satSub(m.size, len(existing.rec.Value))
		}
	} else {
		m.size = satAdd(m.size, record.Size(r.Key, r.Value))
	}
	m.tree.ReplaceOrInsert(item{rec: r})
}

// Get returns the stored entry for key, including tombstones; the
// caller interprets Deleted.
func (m *MemTable) Get(key []byte) (record.Record, bool) {
	v, ok := m.tree.Get(item{rec: record.Record{Key: key}}).(item)
	if !ok {
		return record.Record{}, false
	}
	return record.CloneOf(v.rec), true
}

// Range returns the records with lo <= key <= hi, ascending, inclusive
// on both ends, including tombstones.
func (m *MemTable) Range(lo, hi []byte) []record.Record {
	var out []record.Record
	m.tree.AscendRange(
		item{rec: record.Record{Key: lo}},
		item{rec: record.Record{Key: append(append([]byte{}, hi...), 0)}},
		func(i btree.Item) bool {
			out = append(out, record.CloneOf(i.(item).rec))
			return true
		},
	)
	return out
}

// Iter returns every record in ascending key order, used by flush.
func (m *MemTable) Iter() []record.Record {
	out := make([]record.Record, 0, m.tree.Len())
	m.tree.Ascend(func(i btree.Item) bool {
		out = append(out, record.CloneOf(i.(item).rec))
		return true
	})
	return out
}

// IsOverWeight reports whether size has crossed threshold.
func (m *MemTable) IsOverWeight(threshold int) bool {
	return m.size >= threshold
}

// Size returns the current approximate byte size.
func (m *MemTable) Size() int {
	return m.size
}

// IsEmpty reports whether the MemTable holds no entries.
func (m *MemTable) IsEmpty() bool {
	return m.tree.Len() == 0
}

// Clear empties the MemTable.
func (m *MemTable) Clear() {
	m.tree.Clear(false)
	m.size = 0
}

func satAdd(cur, delta int) int {
	out := cur + delta
	if out < 0 {
		return 0
	}
	return out
}

func satSub(cur, delta int) int {
	if delta > cur {
		return 0
	}
	return cur - delta
}

func satAddDelta(cur, delta int) int {
	if delta < 0 {
		return satSub(cur, -delta)
	}
	return satAdd(cur, delta)
}
