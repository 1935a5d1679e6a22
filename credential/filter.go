package credential

import (
	"encoding/binary"
	"math/bits"
	"math/rand/v2"

	"github.com/cespare/xxhash/v2"
)

// cuckooFilter is a fixed-capacity cuckoo filter over 32-byte digests.
// Slots hold fingerprints of up to 16 bits; zero marks an empty slot. The
// table is sized so a full filter is at most half occupied, well under the
// load at which two-slot buckets start failing inserts.
type cuckooFilter struct {
	slots      []uint16
	bucketSize int
	mask       uint64 // numBuckets - 1; numBuckets is a power of two
	fpMask     uint16
	capacity   int
	count      int
	maxKicks   int
}

func newCuckooFilter(capacity, bucketSize, fingerprintBits, maxKicks int) *cuckooFilter {
	numBuckets := uint64(1)
	if need := (2*capacity + bucketSize - 1) / bucketSize; need > 1 {
		numBuckets = 1 << bits.Len64(uint64(need-1))
	}
	return &cuckooFilter{
		slots:      make([]uint16, numBuckets*uint64(bucketSize)),
		bucketSize: bucketSize,
		mask:       numBuckets - 1,
		fpMask:     uint16(1<<fingerprintBits - 1),
		capacity:   capacity,
		maxKicks:   maxKicks,
	}
}

func (f *cuckooFilter) locate(digest []byte) (uint64, uint16) {
	i := binary.BigEndian.Uint64(digest[0:8]) & f.mask
	fp := binary.BigEndian.Uint16(digest[8:10]) & f.fpMask
	if fp == 0 {
		fp = 1
	}
	return i, fp
}

// altIndex is its own inverse: altIndex(altIndex(i, fp), fp) == i. The
// offset is never zero so the two candidate buckets differ whenever the
// table has more than one bucket.
func (f *cuckooFilter) altIndex(i uint64, fp uint16) uint64 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], fp)
	off := xxhash.Sum64(b[:]) & f.mask
	if off == 0 {
		off = 1
	}
	return (i ^ off) & f.mask
}

func (f *cuckooFilter) bucket(i uint64) []uint16 {
	start := i * uint64(f.bucketSize)
	return f.slots[start : start+uint64(f.bucketSize)]
}

func (f *cuckooFilter) put(i uint64, fp uint16) bool {
	b := f.bucket(i)
	for s := range b {
		if b[s] == 0 {
			b[s] = fp
			return true
		}
	}
	return false
}

func (f *cuckooFilter) has(i uint64, fp uint16) bool {
	for _, v := range f.bucket(i) {
		if v == fp {
			return true
		}
	}
	return false
}

func (f *cuckooFilter) remove(i uint64, fp uint16) bool {
	b := f.bucket(i)
	for s := range b {
		if b[s] == fp {
			b[s] = 0
			return true
		}
	}
	return false
}

// insert adds digest. It returns false when the filter is at capacity or
// no slot could be freed within maxKicks relocations, in which case every
// relocation is undone so no previously inserted digest is lost.
func (f *cuckooFilter) insert(digest []byte) bool {
	if f.count >= f.capacity {
		return false
	}
	i1, fp := f.locate(digest)
	i2 := f.altIndex(i1, fp)
	if f.put(i1, fp) || f.put(i2, fp) {
		f.count++
		return true
	}

	type swap struct {
		pos  uint64
		prev uint16
	}
	path := make([]swap, 0, f.maxKicks)

	i := i1
	if rand.IntN(2) == 1 {
		i = i2
	}
	cur := fp
	for k := 0; k < f.maxKicks; k++ {
		pos := i*uint64(f.bucketSize) + uint64(rand.IntN(f.bucketSize))
		path = append(path, swap{pos: pos, prev: f.slots[pos]})
		cur, f.slots[pos] = f.slots[pos], cur
		i = f.altIndex(i, cur)
		if f.put(i, cur) {
			f.count++
			return true
		}
	}

	for k := len(path) - 1; k >= 0; k-- {
		f.slots[path[k].pos] = path[k].prev
	}
	return false
}

func (f *cuckooFilter) contains(digest []byte) bool {
	i1, fp := f.locate(digest)
	return f.has(i1, fp) || f.has(f.altIndex(i1, fp), fp)
}

// delete removes one copy of digest. Only digests previously inserted may be
// deleted; anything else risks removing another entry's fingerprint.
func (f *cuckooFilter) delete(digest []byte) bool {
	i1, fp := f.locate(digest)
	if f.remove(i1, fp) || f.remove(f.altIndex(i1, fp), fp) {
		f.count--
		return true
	}
	return false
}

// falsePositiveBound is the worst-case false-positive probability: two
// candidate buckets of bucketSize slots, each matching a random fingerprint
// with probability 1/(2^f - 1).
func (f *cuckooFilter) falsePositiveBound() float64 {
	return float64(2*f.bucketSize) / float64(f.fpMask)
}
