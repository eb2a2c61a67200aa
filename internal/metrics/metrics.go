package metrics

import (
	"sync/atomic"
	"time"
)

// BucketCount is the number of latency buckets: <=5ms, 10, 25, 50, 100,
// 250, 500 and +Inf.
const BucketCount = 8

const cacheLineSize = 64

// Counter is a monotonically increasing counter padded to a cache line.
type Counter struct {
	value atomic.Uint64
	_     [cacheLineSize - 8]byte
}

func (c *Counter) Inc() { c.value.Add(1) }

func (c *Counter) Load() uint64 { return c.value.Load() }

// Histogram counts observations per latency bucket (non-cumulative).
type Histogram struct {
	buckets [BucketCount]atomic.Uint64
}

func (h *Histogram) Observe(d time.Duration) {
	h.buckets[BucketIndex(d)].Add(1)
}

// Buckets returns a copy of the per-bucket counts.
func (h *Histogram) Buckets() []uint64 {
	out := make([]uint64, BucketCount)
	for i := range h.buckets {
		out[i] = h.buckets[i].Load()
	}
	return out
}

// UpperBounds are the inclusive upper bounds of every bucket but the last,
// which is unbounded.
var UpperBounds = [BucketCount - 1]time.Duration{
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
}

// BucketIndex maps d to its bucket. Durations are compared at millisecond
// resolution.
func BucketIndex(d time.Duration) int {
	ms := d.Milliseconds()
	for i, bound := range UpperBounds {
		if ms <= bound.Milliseconds() {
			return i
		}
	}
	return BucketCount - 1
}
