package lsmkv_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"lsmkv"
	"lsmkv/clock"
)

func openTestDB(t *testing.T, flushThreshold int) *lsmkv.DB {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "store")
	opts := lsmkv.DefaultOptions()
	opts.FlushThreshold = flushThreshold
	opts.Clock = clock.NewSequence()
	db, err := lsmkv.Create(dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPutThenGetReadsYourWrites(t *testing.T) {
	db := openTestDB(t, lsmkv.DefaultFlushThreshold)
	require.NoError(t, db.Put([]byte("k1"), []byte("v1")))

	v, err := db.Get([]byte("k1"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(v))
}

func TestGetMissingKeyReturnsErrNotFound(t *testing.T) {
	db := openTestDB(t, lsmkv.DefaultFlushThreshold)
	_, err := db.Get([]byte("missing"))
	require.ErrorIs(t, err, lsmkv.ErrNotFound)
}

func TestDeleteThenGetReturnsErrNotFound(t *testing.T) {
	db := openTestDB(t, lsmkv.DefaultFlushThreshold)
	require.NoError(t, db.Put([]byte("k1"), []byte("v1")))
	require.NoError(t, db.Delete([]byte("k1")))

	_, err := db.Get([]byte("k1"))
	require.ErrorIs(t, err, lsmkv.ErrNotFound)
}

func TestEmptyKeyRejected(t *testing.T) {
	db := openTestDB(t, lsmkv.DefaultFlushThreshold)
	require.ErrorIs(t, db.Put(nil, []byte("v")), lsmkv.ErrEmptyKey)
	require.ErrorIs(t, db.Delete(nil), lsmkv.ErrEmptyKey)
	_, err := db.Get(nil)
	require.ErrorIs(t, err, lsmkv.ErrEmptyKey)
}

func TestKeyTooLargeRejected(t *testing.T) {
	db := openTestDB(t, lsmkv.DefaultFlushThreshold)
	big := make([]byte, 129)
	require.ErrorIs(t, db.Put(big, []byte("v")), lsmkv.ErrKeyTooLarge)
}

func TestOperationsAfterCloseReturnErrClosed(t *testing.T) {
	db := openTestDB(t, lsmkv.DefaultFlushThreshold)
	require.NoError(t, db.Close())
	require.ErrorIs(t, db.Put([]byte("k"), []byte("v")), lsmkv.ErrClosed)
}

func TestCreateFailsIfDirAlreadyExists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	opts := lsmkv.DefaultOptions()
	opts.Clock = clock.NewSequence()
	db, err := lsmkv.Create(dir, opts)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = lsmkv.Create(dir, opts)
	require.ErrorIs(t, err, lsmkv.ErrAlreadyExists)
}

func TestFlushAndReopenRecoversData(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	opts := lsmkv.DefaultOptions()
	opts.FlushThreshold = 1 // flush after every write
	opts.Clock = clock.NewSequence()

	db, err := lsmkv.Create(dir, opts)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.Put([]byte("b"), []byte("2")))
	require.NoError(t, db.Close())

	reopened, err := lsmkv.Open(dir, opts)
	require.NoError(t, err)
	defer reopened.Close()

	v, err := reopened.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(v))
	v, err = reopened.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, "2", string(v))
}

func TestWALReplayRecoversUnflushedWrites(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	opts := lsmkv.DefaultOptions()
	opts.Clock = clock.NewSequence()

	db, err := lsmkv.Create(dir, opts)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.Close())

	reopened, err := lsmkv.Open(dir, opts)
	require.NoError(t, err)
	defer reopened.Close()

	v, err := reopened.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(v))
}

func TestRangeMergesMemTableAndDiskNewestWins(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	opts := lsmkv.DefaultOptions()
	opts.FlushThreshold = 1
	opts.Clock = clock.NewSequence()

	db, err := lsmkv.Create(dir, opts)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("a"), []byte("old")))

	opts2 := opts
	opts2.FlushThreshold = lsmkv.DefaultFlushThreshold
	require.NoError(t, db.Close())
	db2, err := lsmkv.Open(dir, opts2)
	require.NoError(t, err)
	defer db2.Close()

	require.NoError(t, db2.Put([]byte("a"), []byte("new")))
	require.NoError(t, db2.Put([]byte("b"), []byte("B")))
	require.NoError(t, db2.Delete([]byte("c")))

	vals, err := db2.Range([]byte("a"), []byte("z"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("new"), []byte("B")}, vals)
}

func TestOverwriteUpdatesValue(t *testing.T) {
	db := openTestDB(t, lsmkv.DefaultFlushThreshold)
	require.NoError(t, db.Put([]byte("k"), []byte("v1")))
	require.NoError(t, db.Put([]byte("k"), []byte("v2")))

	v, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v2", string(v))
}

func TestOpenMissingDirReturnsErrNotFound(t *testing.T) {
	_, err := lsmkv.Open(filepath.Join(t.TempDir(), "nope"), lsmkv.DefaultOptions())
	require.ErrorIs(t, err, lsmkv.ErrNotFound)
}
