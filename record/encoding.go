package record

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// ErrEOF marks a clean end of stream: the reader had zero bytes left
// exactly at a record boundary.
var ErrEOF = errors.New("record: eof")

// ErrTruncated marks a short read in the middle of a record — a length
// prefix promised more bytes than the stream actually had. This is the
// normal shape of a crash mid-write. Both ErrEOF and ErrTruncated mean
// "stop iterating, nothing left worth reading"; they are kept distinct
// only so recovery logging can tell a clean stop from a truncated tail.
var ErrTruncated = errors.New("record: truncated")

// Encoding (little-endian, identical for WAL and DBF bodies):
//
//	key_len    8 bytes (uint64)           always
//	tombstone  1 byte  (0 / 1)            always
//	value_len  8 bytes (uint64)           tombstone == 0
//	key        key_len bytes              always
//	value      value_len bytes            tombstone == 0
//	timestamp  16 bytes (uint128, low 64  always
//	           bits used, high 64 zero)

// Encode appends the wire encoding of r to dst and returns the result.
func Encode(dst []byte, r Record) []byte {
	var keyLenBuf [8]byte
	binary.LittleEndian.PutUint64(keyLenBuf[:], uint64(len(r.Key)))
	dst = append(dst, keyLenBuf[:]...)

	if r.Deleted {
		dst = append(dst, 1)
	} else {
		dst = append(dst, 0)
		var valLenBuf [8]byte
		binary.LittleEndian.PutUint64(valLenBuf[:], uint64(len(r.Value)))
		dst = append(dst, valLenBuf[:]...)
	}

	dst = append(dst, r.Key...)
	if !r.Deleted {
		dst = append(dst, r.Value...)
	}

	var tsBuf [TimestampWireSize]byte
	binary.LittleEndian.PutUint64(tsBuf[:8], r.Timestamp)
	dst = append(dst, tsBuf[:]...)
	return dst
}

// EncodedLen returns the number of bytes Encode(nil, r) would produce,
// without allocating.
func EncodedLen(r Record) int {
	n := 8 + 1 + len(r.Key) + TimestampWireSize
	if !r.Deleted {
		n += 8 + len(r.Value)
	}
	return n
}

// Decode reads one record from r. It returns ErrTruncated (wrapped) when
// a length prefix cannot be satisfied by the remaining bytes, which is
// the normal and expected shape of a crash mid-write: the caller should
// treat it as end-of-stream, not propagate it as corruption.
func Decode(r io.Reader) (Record, error) {
	var keyLenBuf [8]byte
	if _, err := io.ReadFull(r, keyLenBuf[:]); err != nil {
		if err == io.EOF {
			return Record{}, ErrEOF
		}
		return Record{}, errors.Wrap(ErrTruncated, err.Error())
	}
	keyLen := binary.LittleEndian.Uint64(keyLenBuf[:])
	if keyLen > MaxKeyLen {
		return Record{}, errors.Wrap(ErrTruncated, "key_len exceeds maximum")
	}

	var tombBuf [1]byte
	if _, err := io.ReadFull(r, tombBuf[:]); err != nil {
		return Record{}, errors.Wrap(ErrTruncated, err.Error())
	}
	deleted := tombBuf[0] != 0

	var valLen uint64
	if !deleted {
		var valLenBuf [8]byte
		if _, err := io.ReadFull(r, valLenBuf[:]); err != nil {
			return Record{}, errors.Wrap(ErrTruncated, err.Error())
		}
		valLen = binary.LittleEndian.Uint64(valLenBuf[:])
	}

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return Record{}, errors.Wrap(ErrTruncated, err.Error())
	}

	var value []byte
	if !deleted {
		value = make([]byte, valLen)
		if _, err := io.ReadFull(r, value); err != nil {
			return Record{}, errors.Wrap(ErrTruncated, err.Error())
		}
	}

	var tsBuf [TimestampWireSize]byte
	if _, err := io.ReadFull(r, tsBuf[:]); err != nil {
		return Record{}, errors.Wrap(ErrTruncated, err.Error())
	}
	ts := binary.LittleEndian.Uint64(tsBuf[:8])

	return Record{Key: key, Value: value, Timestamp: ts, Deleted: deleted}, nil
}

// IsTruncated reports whether err is (or wraps) ErrTruncated.
func IsTruncated(err error) bool {
	return errors.Is(err, ErrTruncated)
}

// IsEndOfStream reports whether err signals a normal stopping point for
// an iterator: either a clean EOF or a truncated tail record.
func IsEndOfStream(err error) bool {
	return errors.Is(err, ErrEOF) || errors.Is(err, ErrTruncated)
}
