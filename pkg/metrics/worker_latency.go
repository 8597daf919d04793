// Package metrics provides latency tracking with percentile calculations.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// LatencyTracker keeps the most recent samples in a ring buffer.
type LatencyTracker struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
	count   int64
}

// NewLatencyTracker keeps windowSize samples; <= 0 means 1000.
func NewLatencyTracker(windowSize int) *LatencyTracker {
	if windowSize <= 0 {
		windowSize = 1000
	}
	return &LatencyTracker{samples: make([]time.Duration, windowSize)}
}

// Record overwrites the oldest sample once the window is full.
func (lt *LatencyTracker) Record(d time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	lt.samples[lt.next] = d
	lt.next++
	if lt.next == len(lt.samples) {
		lt.next = 0
		lt.full = true
	}
	lt.count++
}

// Stats computes percentiles over the current window.
func (lt *LatencyTracker) Stats() LatencyStats {
	lt.mu.Lock()
	n := lt.next
	if lt.full {
		n = len(lt.samples)
	}
	window := make([]time.Duration, n)
	copy(window, lt.samples[:n])
	count := lt.count
	lt.mu.Unlock()

	if n == 0 {
		return LatencyStats{}
	}
	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })

	var sum time.Duration
	for _, v := range window {
		sum += v
	}
	return LatencyStats{
		Count:   count,
		Samples: n,
		Min:     window[0],
		Max:     window[n-1],
		Avg:     sum / time.Duration(n),
		P50:     percentile(window, 0.50),
		P95:     percentile(window, 0.95),
		P99:     percentile(window, 0.99),
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	return sorted[int(float64(len(sorted)-1)*p)]
}

// LatencyStats holds latency statistics.
type LatencyStats struct {
	Count   int64         `json:"count"`
	Samples int           `json:"samples"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
	Avg     time.Duration `json:"avg"`
	P50     time.Duration `json:"p50"`
	P95     time.Duration `json:"p95"`
	P99     time.Duration `json:"p99"`
}

// =============================================================================
// Registry
// =============================================================================

// LatencyRegistry keeps one tracker per name, created on first use.
type LatencyRegistry struct {
	mu       sync.RWMutex
	trackers map[string]*LatencyTracker
	window   int
}

func NewLatencyRegistry(windowSize int) *LatencyRegistry {
	return &LatencyRegistry{
		trackers: make(map[string]*LatencyTracker),
		window:   windowSize,
	}
}

func (r *LatencyRegistry) Record(name string, d time.Duration) {
	r.mu.RLock()
	tracker, ok := r.trackers[name]
	r.mu.RUnlock()

	if !ok {
		r.mu.Lock()
		if tracker, ok = r.trackers[name]; !ok {
			tracker = NewLatencyTracker(r.window)
			r.trackers[name] = tracker
		}
		r.mu.Unlock()
	}
	tracker.Record(d)
}

// AllStats returns a snapshot for every tracked name.
func (r *LatencyRegistry) AllStats() map[string]LatencyStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]LatencyStats, len(r.trackers))
	for name, tracker := range r.trackers {
		result[name] = tracker.Stats()
	}
	return result
}
