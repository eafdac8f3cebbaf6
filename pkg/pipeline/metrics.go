package pipeline

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects counters for one or more pipelines. The caller creates
// it, passes it in Options and reads it with Snapshot.
type Metrics struct {
	counters [numCounters]uint64

	mu       sync.Mutex
	failures map[Kind]uint64
	stages   map[State]stageTotals
	started  time.Time
}

type counter int

const (
	cRequests counter = iota
	cSuccesses
	cCacheHits
	cCacheMisses
	cCoalesced
	cValidatorCalls
	cValidatorFails
	cFallbacks
	cUncertain
	numCounters
)

type stageTotals struct {
	count uint64
	total time.Duration
}

// StageStats is the accumulated latency of one state
type StageStats struct {
	Count   uint64  `json:"count"`
	TotalMs float64 `json:"total_ms"`
	AvgMs   float64 `json:"avg_ms"`
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	Requests         uint64                `json:"requests"`
	Successes        uint64                `json:"successes"`
	Failures         map[Kind]uint64       `json:"failures"`
	CacheHits        uint64                `json:"cache_hits"`
	CacheMisses      uint64                `json:"cache_misses"`
	Coalesced        uint64                `json:"coalesced"`
	ValidatorCalls   uint64                `json:"validator_calls"`
	ValidatorFailure uint64                `json:"validator_failures"`
	Fallbacks        uint64                `json:"fallbacks"`
	Uncertain        uint64                `json:"uncertain"`
	Stages           map[string]StageStats `json:"stages"`
	Uptime           string                `json:"uptime"`
}

// NewMetrics creates an empty collector
func NewMetrics() *Metrics {
	return &Metrics{
		failures: make(map[Kind]uint64),
		stages:   make(map[State]stageTotals),
		started:  time.Now(),
	}
}

func (m *Metrics) incr(c counter) {
	if m != nil {
		atomic.AddUint64(&m.counters[c], 1)
	}
}

func (m *Metrics) failure(k Kind) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.failures[k]++
	m.mu.Unlock()
}

func (m *Metrics) observe(s State, d time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	t := m.stages[s]
	t.count++
	t.total += d
	m.stages[s] = t
	m.mu.Unlock()
}

// Snapshot returns a consistent copy of the counters
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{Failures: map[Kind]uint64{}, Stages: map[string]StageStats{}}
	}
	load := func(c counter) uint64 { return atomic.LoadUint64(&m.counters[c]) }
	snap := MetricsSnapshot{
		Requests:         load(cRequests),
		Successes:        load(cSuccesses),
		CacheHits:        load(cCacheHits),
		CacheMisses:      load(cCacheMisses),
		Coalesced:        load(cCoalesced),
		ValidatorCalls:   load(cValidatorCalls),
		ValidatorFailure: load(cValidatorFails),
		Fallbacks:        load(cFallbacks),
		Uncertain:        load(cUncertain),
		Failures:         make(map[Kind]uint64),
		Stages:           make(map[string]StageStats),
		Uptime:           time.Since(m.started).Truncate(time.Second).String(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.failures {
		snap.Failures[k] = v
	}
	for s, t := range m.stages {
		ms := float64(t.total) / float64(time.Millisecond)
		snap.Stages[s.String()] = StageStats{
			Count:   t.count,
			TotalMs: ms,
			AvgMs:   ms / float64(t.count),
		}
	}
	return snap
}
