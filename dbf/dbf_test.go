package dbf_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"lsmkv/dbf"
	"lsmkv/memtable"
)

func buildMem(t *testing.T, puts map[string]string, dels []string) *memtable.MemTable {
	t.Helper()
	m := memtable.New()
	var ts uint64 = 1
	for k, v := range puts {
		m.Put([]byte(k), []byte(v), ts)
		ts++
	}
	for _, k := range dels {
		m.Delete([]byte(k), ts)
		ts++
	}
	return m
}

func TestFlushThenGet(t *testing.T) {
	dir := t.TempDir()
	ds, err := dbf.New(dir, nil, nil)
	require.NoError(t, err)

	mem := buildMem(t, map[string]string{"a": "A", "b": "B", "c": "C"}, nil)
	_, err = ds.Flush(mem, 100)
	require.NoError(t, err)

	rec, ok, err := ds.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "B", string(rec.Value))

	_, ok, err = ds.Get([]byte("z"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHeaderMinMaxKeys(t *testing.T) {
	dir := t.TempDir()
	ds, err := dbf.New(dir, nil, nil)
	require.NoError(t, err)

	mem := buildMem(t, map[string]string{"m": "M", "a": "A", "z": "Z"}, nil)
	desc, err := ds.Flush(mem, 1)
	require.NoError(t, err)
	require.Equal(t, "a", string(desc.MinKey))
	require.Equal(t, "z", string(desc.MaxKey))
}

func TestNewestDBFShadowsOlderOnGet(t *testing.T) {
	dir := t.TempDir()
	ds, err := dbf.New(dir, nil, nil)
	require.NoError(t, err)

	_, err = ds.Flush(buildMem(t, map[string]string{"a": "old"}, nil), 1)
	require.NoError(t, err)

	mem2 := memtable.New()
	mem2.Put([]byte("a"), []byte("new"), 2)
	_, err = ds.Flush(mem2, 2)
	require.NoError(t, err)

	rec, ok, err := ds.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "new", string(rec.Value))
}

func TestTombstoneInNewerDBFShadowsOlderValue(t *testing.T) {
	dir := t.TempDir()
	ds, err := dbf.New(dir, nil, nil)
	require.NoError(t, err)

	_, err = ds.Flush(buildMem(t, map[string]string{"a": "1"}, nil), 1)
	require.NoError(t, err)

	mem2 := memtable.New()
	mem2.Delete([]byte("a"), 2)
	_, err = ds.Flush(mem2, 2)
	require.NoError(t, err)

	rec, ok, err := ds.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok, "Get must return the tombstone record, not skip to the older file")
	require.True(t, rec.Deleted)
}

func TestRangeMergesNewestWinsAndSuppressesTombstones(t *testing.T) {
	dir := t.TempDir()
	ds, err := dbf.New(dir, nil, nil)
	require.NoError(t, err)

	_, err = ds.Flush(buildMem(t, map[string]string{"a": "old", "b": "B"}, nil), 1)
	require.NoError(t, err)

	mem2 := memtable.New()
	mem2.Put([]byte("a"), []byte("new"), 2)
	mem2.Delete([]byte("b"), 3)
	_, err = ds.Flush(mem2, 2)
	require.NoError(t, err)

	recs, err := ds.Range([]byte("a"), []byte("z"))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "a", string(recs[0].Key))
	require.Equal(t, "new", string(recs[0].Value))
}

func TestOpenRebuildsDescriptors(t *testing.T) {
	dir := t.TempDir()
	ds, err := dbf.New(dir, nil, nil)
	require.NoError(t, err)
	_, err = ds.Flush(buildMem(t, map[string]string{"a": "1"}, nil), 1)
	require.NoError(t, err)
	_, err = ds.Flush(buildMem(t, map[string]string{"b": "2"}, nil), 2)
	require.NoError(t, err)

	reopened, err := dbf.Open(dir, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 2, reopened.Count())

	rec, ok, err := reopened.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", string(rec.Value))
}

func TestMaybeCompactMergesAndPreservesNewestWins(t *testing.T) {
	dir := t.TempDir()
	ds, err := dbf.New(dir, nil, nil)
	require.NoError(t, err)

	_, err = ds.Flush(buildMem(t, map[string]string{"a": "old", "b": "B"}, nil), 1)
	require.NoError(t, err)
	mem2 := memtable.New()
	mem2.Put([]byte("a"), []byte("new"), 2)
	_, err = ds.Flush(mem2, 2)
	require.NoError(t, err)

	require.Equal(t, 2, ds.Count())
	require.NoError(t, ds.MaybeCompact(1, 3))
	require.Equal(t, 1, ds.Count())

	rec, ok, err := ds.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "new", string(rec.Value))

	rec, ok, err = ds.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "B", string(rec.Value))
}

func TestMaybeCompactDisabledByDefault(t *testing.T) {
	dir := t.TempDir()
	ds, err := dbf.New(dir, nil, nil)
	require.NoError(t, err)
	_, err = ds.Flush(buildMem(t, map[string]string{"a": "1"}, nil), 1)
	require.NoError(t, err)
	_, err = ds.Flush(buildMem(t, map[string]string{"b": "2"}, nil), 2)
	require.NoError(t, err)

	require.NoError(t, ds.MaybeCompact(0, 3))
	require.Equal(t, 2, ds.Count())
}
