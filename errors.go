package lsmkv

import "github.com/pkg/errors"

var (
	// ErrNotFound is returned by Get for a missing key or a tombstone,
	// and by Open when dir/FILE or dir/WAL does not exist.
	ErrNotFound = errors.New("lsmkv: not found")

	// ErrClosed is returned by Put, Delete, Get and Range on a closed DB.
	// Close on an already closed DB returns nil.
	ErrClosed = errors.New("lsmkv: db is closed")

	// ErrEmptyKey is returned by Put/Delete/Get for a zero-length key.
	// Range accepts empty bounds.
	ErrEmptyKey = errors.New("lsmkv: empty key")

	// ErrKeyTooLarge is returned when a key exceeds record.MaxKeyLen.
	ErrKeyTooLarge = errors.New("lsmkv: key exceeds maximum length")

	// ErrAlreadyExists is returned by Create when dir already exists.
	ErrAlreadyExists = errors.New("lsmkv: already exists")
)
