package bloom

import "sync"

// CountingFilter replaces each bit with a 4-bit saturating counter so items
// can be removed. Counters cap at 15: increments beyond that are dropped, so
// a removal at a saturated counter may under-count. That is the accepted
// trade-off for fixed memory, not something to widen.
type CountingFilter struct {
	mu          sync.RWMutex
	counters    []uint64 // 16 packed 4-bit counters per word
	numCounters uint32
	numHashes   uint32
	count       uint32
}

func NewCounting(expectedItems int, falsePositiveRate float64) *CountingFilter {
	if expectedItems < 1 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	numCounters := optimalNumBits(expectedItems, falsePositiveRate)
	numHashes := optimalNumHashes(numCounters, expectedItems)
	numWords := (numCounters + 15) / 16
	return &CountingFilter{
		counters:    make([]uint64, numWords),
		numCounters: numCounters,
		numHashes:   numHashes,
	}
}

func (f *CountingFilter) index(h1, h2 uint64, i uint32) uint32 {
	return uint32((h1 + uint64(i)*h2) % uint64(f.numCounters))
}

func (f *CountingFilter) counterAt(idx uint32) uint8 {
	shift := (idx % 16) * 4
	return uint8((f.counters[idx/16] >> shift) & 0xF)
}

func (f *CountingFilter) increment(idx uint32) {
	shift := (idx % 16) * 4
	if (f.counters[idx/16]>>shift)&0xF < 15 {
		f.counters[idx/16] += 1 << shift
	}
}

func (f *CountingFilter) decrement(idx uint32) {
	shift := (idx % 16) * 4
	if (f.counters[idx/16]>>shift)&0xF > 0 {
		f.counters[idx/16] -= 1 << shift
	}
}

func (f *CountingFilter) Insert(item []byte) {
	h1, h2 := hashPair(item)

	f.mu.Lock()
	for i := uint32(0); i < f.numHashes; i++ {
		f.increment(f.index(h1, h2, i))
	}
	f.count++
	f.mu.Unlock()
}

// Remove decrements the item's counters. Returns false without touching the
// filter when the item is definitely absent.
func (f *CountingFilter) Remove(item []byte) bool {
	h1, h2 := hashPair(item)

	f.mu.Lock()
	defer f.mu.Unlock()

	for i := uint32(0); i < f.numHashes; i++ {
		if f.counterAt(f.index(h1, h2, i)) == 0 {
			return false
		}
	}
	for i := uint32(0); i < f.numHashes; i++ {
		f.decrement(f.index(h1, h2, i))
	}
	if f.count > 0 {
		f.count--
	}
	return true
}

func (f *CountingFilter) MayContain(item []byte) bool {
	h1, h2 := hashPair(item)

	f.mu.RLock()
	defer f.mu.RUnlock()

	for i := uint32(0); i < f.numHashes; i++ {
		if f.counterAt(f.index(h1, h2, i)) == 0 {
			return false
		}
	}
	return true
}

func (f *CountingFilter) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return int(f.count)
}

func (f *CountingFilter) Clear() {
	f.mu.Lock()
	for i := range f.counters {
		f.counters[i] = 0
	}
	f.count = 0
	f.mu.Unlock()
}
