// Package bloom implements the probabilistic membership filters used by the
// shard layer for fast negative lookups. A filter answers "definitely absent"
// or "possibly present"; it never answers a false "absent".
package bloom

import (
	"encoding/binary"
	"errors"
	"hash/fnv"
	"math"
	"sync"
)

var (
	ErrTruncated = errors.New("bloom: serialized filter truncated")
	ErrMismatch  = errors.New("bloom: filter dimensions do not match")
)

// Filter is a fixed-size bloom filter with double hashing: a single
// FNV-128a pass yields (h1, h2) and probe i reads bit (h1 + i*h2) mod m.
type Filter struct {
	mu        sync.RWMutex
	bits      []uint64
	numBits   uint32
	numHashes uint32
	count     uint32
}

// New sizes the filter for expectedItems at the target false positive rate:
// m = ceil(-n*ln(p) / (ln2)^2), k = ceil((m/n)*ln2), k >= 1.
func New(expectedItems int, falsePositiveRate float64) *Filter {
	if expectedItems < 1 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	numBits := optimalNumBits(expectedItems, falsePositiveRate)
	numHashes := optimalNumHashes(numBits, expectedItems)
	return WithParams(numBits, numHashes)
}

// WithParams builds a filter with explicit dimensions.
func WithParams(numBits, numHashes uint32) *Filter {
	if numBits < 1 {
		numBits = 1
	}
	if numHashes < 1 {
		numHashes = 1
	}
	numWords := (numBits + 63) / 64
	return &Filter{
		bits:      make([]uint64, numWords),
		numBits:   numBits,
		numHashes: numHashes,
	}
}

func optimalNumBits(n int, p float64) uint32 {
	ln2Sq := math.Ln2 * math.Ln2
	m := math.Ceil(-float64(n) * math.Log(p) / ln2Sq)
	return uint32(m)
}

func optimalNumHashes(m uint32, n int) uint32 {
	k := math.Ceil(float64(m) / float64(n) * math.Ln2)
	if k < 1 {
		return 1
	}
	return uint32(k)
}

// hashPair derives the two double-hashing seeds from one 128-bit FNV-1a pass.
func hashPair(item []byte) (h1, h2 uint64) {
	hasher := fnv.New128a()
	hasher.Write(item)
	sum := hasher.Sum(nil)
	h1 = binary.BigEndian.Uint64(sum[:8])
	h2 = binary.BigEndian.Uint64(sum[8:])
	if h2 == 0 {
		h2 = 1
	}
	return
}

func (f *Filter) bitIndex(h1, h2 uint64, i uint32) uint32 {
	return uint32((h1 + uint64(i)*h2) % uint64(f.numBits))
}

func (f *Filter) Insert(item []byte) {
	h1, h2 := hashPair(item)

	f.mu.Lock()
	for i := uint32(0); i < f.numHashes; i++ {
		idx := f.bitIndex(h1, h2, i)
		f.bits[idx/64] |= 1 << (idx % 64)
	}
	f.count++
	f.mu.Unlock()
}

// MayContain returns false the first time a required bit is clear.
func (f *Filter) MayContain(item []byte) bool {
	h1, h2 := hashPair(item)

	f.mu.RLock()
	defer f.mu.RUnlock()

	for i := uint32(0); i < f.numHashes; i++ {
		idx := f.bitIndex(h1, h2, i)
		if f.bits[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}

func (f *Filter) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return int(f.count)
}

// EstimatedFPP reports (1 - e^(-k*n/m))^k from the live counters.
func (f *Filter) EstimatedFPP() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	m := float64(f.numBits)
	k := float64(f.numHashes)
	n := float64(f.count)
	return math.Pow(1.0-math.Exp(-k*n/m), k)
}

func (f *Filter) MemoryUsage() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.bits) * 8
}

func (f *Filter) Clear() {
	f.mu.Lock()
	for i := range f.bits {
		f.bits[i] = 0
	}
	f.count = 0
	f.mu.Unlock()
}

// Merge ORs other into f (set union). The dimensions must match exactly.
// The resulting count is an upper bound, not exact.
func (f *Filter) Merge(other *Filter) error {
	other.mu.RLock()
	otherBits := make([]uint64, len(other.bits))
	copy(otherBits, other.bits)
	otherNumBits, otherNumHashes, otherCount := other.numBits, other.numHashes, other.count
	other.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.numBits != otherNumBits || f.numHashes != otherNumHashes {
		return ErrMismatch
	}
	for i := range f.bits {
		f.bits[i] |= otherBits[i]
	}
	f.count += otherCount
	return nil
}

const serializedHeaderLen = 12

// ToBytes serializes as [numBits u32][numHashes u32][count u32][words...],
// all little-endian.
func (f *Filter) ToBytes() []byte {
	f.mu.RLock()
	defer f.mu.RUnlock()

	buf := make([]byte, serializedHeaderLen+len(f.bits)*8)
	binary.LittleEndian.PutUint32(buf[0:4], f.numBits)
	binary.LittleEndian.PutUint32(buf[4:8], f.numHashes)
	binary.LittleEndian.PutUint32(buf[8:12], f.count)
	for i, word := range f.bits {
		binary.LittleEndian.PutUint64(buf[serializedHeaderLen+i*8:], word)
	}
	return buf
}

// FromBytes rejects truncated buffers with ErrTruncated.
func FromBytes(data []byte) (*Filter, error) {
	if len(data) < serializedHeaderLen {
		return nil, ErrTruncated
	}
	numBits := binary.LittleEndian.Uint32(data[0:4])
	numHashes := binary.LittleEndian.Uint32(data[4:8])
	count := binary.LittleEndian.Uint32(data[8:12])

	numWords := int((numBits + 63) / 64)
	if len(data) < serializedHeaderLen+numWords*8 {
		return nil, ErrTruncated
	}

	bits := make([]uint64, numWords)
	for i := 0; i < numWords; i++ {
		bits[i] = binary.LittleEndian.Uint64(data[serializedHeaderLen+i*8:])
	}
	return &Filter{
		bits:      bits,
		numBits:   numBits,
		numHashes: numHashes,
		count:     count,
	}, nil
}
