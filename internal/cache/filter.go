package cache

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// Filter is an approximate membership set: MightContain never returns false
// for a key that was added, and returns true for absent keys with roughly the
// configured false-positive rate.
type Filter struct {
	mu sync.RWMutex
	bf *bloom.BloomFilter
}

// NewFilter sizes the filter for capacity keys at the given false-positive rate.
func NewFilter(capacity uint, fpRate float64) *Filter {
	if capacity == 0 {
		capacity = 1
	}
	return &Filter{bf: bloom.NewWithEstimates(capacity, fpRate)}
}

func (f *Filter) Add(key string) {
	f.mu.Lock()
	f.bf.AddString(key)
	f.mu.Unlock()
}

func (f *Filter) MightContain(key string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.bf.TestString(key)
}

// ApproximatedSize estimates how many distinct keys were added.
func (f *Filter) ApproximatedSize() uint32 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.bf.ApproximatedSize()
}
