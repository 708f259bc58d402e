// Package bloom implements a fixed-size Bloom filter used to skip DBFs
// that cannot possibly contain a key during DiskService.Get. It is an
// accelerator only: false positives are expected and harmless (the
// caller falls through to an actual scan), false negatives must never
// happen.
package bloom

import (
	"math"

	"github.com/spaolacci/murmur3"
)

// Filter is a Kirsch-Mitzenmacher Bloom filter: both probe hashes are
// derived from a single murmur3 128-bit hash, and every probe for a key
// is produced by the same walk function rather than duplicated between
// Add and MaybeContains.
type Filter struct {
	k    uint8
	bits uint32
	buf  []byte
}

// NewWithFalsePositiveRate sizes a filter for n expected keys so that
// MaybeContains on an absent key returns true no more often than rate
// (0, 1), using the standard optimal-filter formulas:
//
//	m = ceil(-n * ln(rate) / ln(2)^2)   bits
//	k = round((m / n) * ln(2))          hash probes
//
// This replaces a fixed bits-per-key budget with one driven directly by
// the false-positive rate the Disk Service is willing to tolerate on
// Get (see dbf.bloomFalsePositiveRate).
func NewWithFalsePositiveRate(n int, rate float64) *Filter {
	if n < 1 {
		n = 1
	}
	if rate <= 0 || rate >= 1 {
		rate = 0.01
	}
	m := math.Ceil(-float64(n) * math.Log(rate) / (math.Ln2 * math.Ln2))
	k := math.Round((m / float64(n)) * math.Ln2)
	if k < 1 {
		k = 1
	}
	return newSized(uint32(m), uint8(k))
}

func newSized(bits uint32, k uint8) *Filter {
	if k == 0 {
		k = 1
	}
	if bits < 8 {
		bits = 8
	}
	byteLen := (bits + 7) / 8
	return &Filter{k: k, bits: byteLen * 8, buf: make([]byte, byteLen)}
}

// Add records key as present.
func (f *Filter) Add(key []byte) {
	f.eachProbe(key, func(bit uint32) { f.setBit(bit) })
}

// MaybeContains reports whether key might be present. false means
// definitely absent; true means "go check the file".
func (f *Filter) MaybeContains(key []byte) bool {
	found := true
	f.eachProbe(key, func(bit uint32) {
		if !f.getBit(bit) {
			found = false
		}
	})
	return found
}

// eachProbe calls visit once per hash probe position for key. Both Add
// and MaybeContains walk the exact same positions, so the probe
// sequence lives in one place.
func (f *Filter) eachProbe(key []byte, visit func(bit uint32)) {
	h1, h2 := hash2(key)
	for i := uint64(0); i < uint64(f.k); i++ {
		h := h1 + i*h2
		visit(uint32(h % uint64(f.bits)))
	}
}

// Size returns the filter's bit-array size in bytes.
func (f *Filter) Size() int {
	return len(f.buf)
}

func (f *Filter) setBit(bit uint32) {
	f.buf[bit/8] |= 1 << (bit % 8)
}

func (f *Filter) getBit(bit uint32) bool {
	return f.buf[bit/8]&(1<<(bit%8)) != 0
}

// hash2 derives two probe lanes from a single murmur3 128-bit hash. h2
// is forced odd so it is never zero. The filter's bit count is a
// multiple of 8, not in general a power of two, so the k probe positions
// of one key are not guaranteed to be distinct.
func hash2(key []byte) (uint64, uint64) {
	h1, h2 := murmur3.Sum128(key)
	h2 |= 1
	return h1, h2
}
