package goICloud

import (
	"sync/atomic"
	"time"
)

// MetricID identifies a session counter.
type MetricID uint16

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricTwoFactorRequired
	MetricTwoFactorSuccess
	MetricTwoFactorFailure
	MetricSessionResumed
	MetricSessionExpired
	MetricPushTokenAcquired
	MetricPushTopicsRegistered
	MetricDeviceRegistered
	MetricPushFailure
	MetricTransportFailure
	MetricMalformedResponse
	MetricTransitionRejected
	MetricCookiesDropped
	// MetricTransitionLatency is the only histogram; it records the wall
	// time of every completed transition.
	MetricTransitionLatency
	metricIDCount
)

var metricNames = [metricIDCount]string{
	MetricLoginSuccess:         "login_success",
	MetricLoginFailure:         "login_failure",
	MetricTwoFactorRequired:    "two_factor_required",
	MetricTwoFactorSuccess:     "two_factor_success",
	MetricTwoFactorFailure:     "two_factor_failure",
	MetricSessionResumed:       "session_resumed",
	MetricSessionExpired:       "session_expired",
	MetricPushTokenAcquired:    "push_token_acquired",
	MetricPushTopicsRegistered: "push_topics_registered",
	MetricDeviceRegistered:     "push_device_registered",
	MetricPushFailure:          "push_failure",
	MetricTransportFailure:     "transport_failure",
	MetricMalformedResponse:    "malformed_response",
	MetricTransitionRejected:   "transition_rejected",
	MetricCookiesDropped:       "cookies_dropped",
	MetricTransitionLatency:    "transition_latency",
}

func (id MetricID) String() string {
	if id >= metricIDCount {
		return "unknown"
	}
	return metricNames[id]
}

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds lock-free counters for one [Session]. A nil *Metrics is a
// valid disabled instance.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// NewMetrics creates counters according to cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

// Enabled reports whether counters are recorded.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// Inc increments the counter for id.
func (m *Metrics) Inc(id MetricID) {
	m.Add(id, 1)
}

// Add increments the counter for id by n.
func (m *Metrics) Add(id MetricID, n uint64) {
	if m == nil || !m.enabled || id >= metricIDCount || n == 0 {
		return
	}
	atomic.AddUint64(&m.counters[id].value, n)
}

// Observe records d in the latency histogram of id.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enableLatency || id != MetricTransitionLatency {
		return
	}
	atomic.AddUint64(&m.histograms[id].buckets[bucketIndex(d)], 1)
}

// Value returns the current counter for id.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter and, when enabled, the latency buckets.
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
	for id := MetricID(0); id < metricIDCount; id++ {
		if id == MetricTransitionLatency {
			continue
		}
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}
	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := range histBucketCount {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricTransitionLatency].buckets[i])
		}
		s.Histograms[MetricTransitionLatency] = buckets
	}
	return s
}

// Provider round trips dominate, so the buckets are wider than a local
// validation histogram would need.
func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 50:
		return 0
	case ms <= 100:
		return 1
	case ms <= 250:
		return 2
	case ms <= 500:
		return 3
	case ms <= 1000:
		return 4
	case ms <= 2500:
		return 5
	case ms <= 5000:
		return 6
	default:
		return 7
	}
}
