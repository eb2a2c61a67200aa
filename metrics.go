package clinicauth

import (
	"time"

	"github.com/MrEthical07/clinicauth/internal/metrics"
)

// MetricID defines a public type used by clinicauth APIs.
//
// MetricID values index the counters held by [Metrics].
type MetricID uint16

const (
	// MetricLoginSuccess counts sign-ins accepted by the provider.
	MetricLoginSuccess MetricID = iota
	// MetricLoginFailure counts credential rejections.
	MetricLoginFailure
	// MetricLoginLocked counts sign-in attempts refused by an active lockout.
	MetricLoginLocked
	// MetricLockoutTriggered counts failures that started a lockout.
	MetricLockoutTriggered
	// MetricLockoutCleared counts administrative lockout clears.
	MetricLockoutCleared
	// MetricRoleResolved counts role resolutions that produced a role.
	MetricRoleResolved
	// MetricRoleLookupFailure counts role lookups that failed.
	MetricRoleLookupFailure
	// MetricRoleCacheHit counts roles served from a fresh binding.
	MetricRoleCacheHit
	// MetricSessionValidated counts stored sessions confirmed with the provider.
	MetricSessionValidated
	// MetricSessionRejected counts stored sessions the provider no longer accepts.
	MetricSessionRejected
	// MetricEventDuplicate counts duplicate SIGNED_IN events.
	MetricEventDuplicate
	// MetricEventDebounced counts events dropped by the debounce window.
	MetricEventDebounced
	// MetricSignOut counts sign-outs.
	MetricSignOut
	// MetricRoleLookupLatency is the role lookup latency histogram.
	MetricRoleLookupLatency
	metricIDCount
)

// Metrics defines a public type used by clinicauth APIs.
//
// A nil or disabled Metrics ignores writes and reports empty snapshots.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]metrics.Counter
	lookupLatency metrics.Histogram
}

// MetricsSnapshot is a point-in-time copy of all counters. Histogram
// buckets are non-cumulative.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics returns metrics configured by cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	m.counters[id].Inc()
}

// Observe records a latency. Only MetricRoleLookupLatency has a histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enableLatency || id != MetricRoleLookupLatency {
		return
	}
	m.lookupLatency.Observe(d)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return m.counters[id].Load()
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}
	for id := MetricID(0); id < MetricRoleLookupLatency; id++ {
		s.Counters[id] = m.counters[id].Load()
	}
	if m.enableLatency {
		s.Histograms[MetricRoleLookupLatency] = m.lookupLatency.Buckets()
	}
	return s
}
