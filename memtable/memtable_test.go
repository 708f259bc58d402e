package memtable_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"lsmkv/memtable"
)

func TestPutGet(t *testing.T) {
	m := memtable.New()
	m.Put([]byte("a"), []byte("A1"), 1)
	m.Put([]byte("b"), []byte("B"), 2)
	m.Put([]byte("a"), []byte("A2"), 3)

	r, ok := m.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, "A2", string(r.Value))
	require.False(t, r.Deleted)

	r, ok = m.Get([]byte("b"))
	require.True(t, ok)
	require.Equal(t, "B", string(r.Value))
}

func TestGetMissing(t *testing.T) {
	m := memtable.New()
	_, ok := m.Get([]byte("nope"))
	require.False(t, ok)
}

func TestDeleteTombstone(t *testing.T) {
	m := memtable.New()
	m.Put([]byte("a"), []byte("A"), 1)
	m.Delete([]byte("a"), 2)

	r, ok := m.Get([]byte("a"))
	require.True(t, ok)
	require.True(t, r.Deleted)
	require.Nil(t, r.Value)
}

func TestRangeInclusiveAscending(t *testing.T) {
	m := memtable.New()
	m.Put([]byte("a"), []byte("A2"), 3)
	m.Put([]byte("b"), []byte("B"), 2)
	m.Put([]byte("c"), []byte("C"), 4)
	m.Put([]byte("d"), []byte("D"), 5)

	recs := m.Range([]byte("a"), []byte("c"))
	require.Len(t, recs, 3)
	require.Equal(t, "a", string(recs[0].Key))
	require.Equal(t, "b", string(recs[1].Key))
	require.Equal(t, "c", string(recs[2].Key))
}

func TestIterAscending(t *testing.T) {
	m := memtable.New()
	m.Put([]byte("z"), []byte("Z"), 1)
	m.Put([]byte("a"), []byte("A"), 2)
	m.Put([]byte("m"), []byte("M"), 3)

	recs := m.Iter()
	require.Len(t, recs, 3)
	require.Equal(t, "a", string(recs[0].Key))
	require.Equal(t, "m", string(recs[1].Key))
	require.Equal(t, "z", string(recs[2].Key))
}

func TestIsOverWeight(t *testing.T) {
	m := memtable.New()
	require.False(t, m.IsOverWeight(10))
	m.Put([]byte("k"), []byte("0123456789"), 1)
	require.True(t, m.IsOverWeight(10))
}

func TestSizeAccountingSaturatesAtZero(t *testing.T) {
	m := memtable.New()
	m.Put([]byte("k"), []byte("0123456789"), 1)
	before := m.Size()
	require.Greater(t, before, 0)

	// Replace with a much smaller value: size shrinks but must never
	// underflow below zero even across many such replacements.
	m.Put([]byte("k"), []byte("x"), 2)
	require.GreaterOrEqual(t, m.Size(), 0)

	m.Put([]byte("k"), nil, 3)
	require.GreaterOrEqual(t, m.Size(), 0)

	m.Delete([]byte("k"), 4)
	require.GreaterOrEqual(t, m.Size(), 0)
}

func TestClearAndIsEmpty(t *testing.T) {
	m := memtable.New()
	require.True(t, m.IsEmpty())
	m.Put([]byte("a"), []byte("A"), 1)
	require.False(t, m.IsEmpty())
	m.Clear()
	require.True(t, m.IsEmpty())
	require.Equal(t, 0, m.Size())
}
