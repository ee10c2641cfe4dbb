package pool

import (
	"sync"

	"github.com/willf/bloom"
)

// bloom sizing for the long-tail filter behind the exact window.
const (
	dedupBloomCapacity = 1_000_000
	dedupBloomFPRate   = 0.01
)

// deduplicator suppresses cross-relay duplicates for one subscription.
// A bounded exact set gives precise answers for recently seen ids; ids
// evicted from the window fall back to a bloom filter, trading a small
// false-positive rate for bounded memory on long-lived streams.
type deduplicator struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	max   int
	tail  *bloom.BloomFilter
}

func newDeduplicator(maxTracked int) *deduplicator {
	return &deduplicator{
		seen: make(map[string]struct{}, maxTracked),
		max:  maxTracked,
		tail: bloom.NewWithEstimates(dedupBloomCapacity, dedupBloomFPRate),
	}
}

// Seen reports whether the id was observed before and records it.
func (d *deduplicator) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}
	if d.tail.TestString(id) {
		return true
	}

	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	if len(d.order) > d.max {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
		d.tail.AddString(oldest)
	}
	return false
}

// Len returns the exact-window size, for tests and health reporting.
func (d *deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
