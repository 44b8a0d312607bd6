package metrics

import (
	"sync/atomic"
	"time"
)

// ID identifies one pipeline counter or histogram.
type ID uint16

const (
	// RequestSent counts first-attempt dispatches through the gateway.
	RequestSent ID = iota
	// RequestUnauthorized counts 401 responses eligible for refresh.
	RequestUnauthorized
	// RefreshStarted counts refresh calls actually sent to the server.
	RefreshStarted
	// RefreshJoined counts callers that awaited an in-flight refresh.
	RefreshJoined
	RefreshSuccess
	RefreshFailure
	// Replay counts requests replayed after a refresh.
	Replay
	// ReplayUnauthorized counts replays that were rejected again.
	ReplayUnauthorized
	// SessionEnded counts sessions destroyed by refresh failure.
	SessionEnded
	LoginSuccess
	LoginFailure
	StepUpRequired
	StepUpSuccess
	StepUpFailure
	// StepUpCodeRejected counts codes rejected client-side without a network call.
	StepUpCodeRejected
	StepUpEnabled
	StepUpDisabled
	BackupCodesRegenerated
	IdleWarning
	IdleLogout
	Logout
	// RefreshLatency is the only histogram.
	RefreshLatency
	idCount
)

// Count is the number of defined IDs.
const Count = int(idCount)

const (
	// BucketCount is the number of latency histogram buckets.
	BucketCount   = 8
	cacheLineSize = 64
)

type histogram struct {
	buckets [BucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Config toggles collection.
type Config struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// Metrics is a fixed set of counters plus the refresh latency histogram.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [idCount]paddedCounter
	histograms    [idCount]histogram
}

// Snapshot is a point-in-time copy of all values.
type Snapshot struct {
	Counters   map[ID]uint64
	Histograms map[ID][]uint64
}

// New creates a [Metrics] collector.
func New(cfg Config) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc adds one to the counter id.
func (m *Metrics) Inc(id ID) {
	if m == nil || !m.enabled || id >= idCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records d in the histogram for id. Only [RefreshLatency] has one.
func (m *Metrics) Observe(id ID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id != RefreshLatency {
		return
	}
	atomic.AddUint64(&m.histograms[id].buckets[bucketIndex(d)], 1)
}

// Value returns the current counter value for id.
func (m *Metrics) Value(id ID) uint64 {
	if m == nil || id >= idCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter, and the histogram when latency is enabled.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil || !m.enabled {
		return Snapshot{
			Counters:   map[ID]uint64{},
			Histograms: map[ID][]uint64{},
		}
	}

	s := Snapshot{
		Counters:   make(map[ID]uint64, int(idCount)),
		Histograms: make(map[ID][]uint64, 1),
	}
	for id := ID(0); id < idCount; id++ {
		if id == RefreshLatency {
			continue
		}
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, BucketCount)
		for i := range buckets {
			buckets[i] = atomic.LoadUint64(&m.histograms[RefreshLatency].buckets[i])
		}
		s.Histograms[RefreshLatency] = buckets
	}
	return s
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 10:
		return 0
	case ms <= 25:
		return 1
	case ms <= 50:
		return 2
	case ms <= 100:
		return 3
	case ms <= 250:
		return 4
	case ms <= 500:
		return 5
	case ms <= 1000:
		return 6
	default:
		return 7
	}
}
