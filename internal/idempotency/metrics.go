package idempotency

import "sync/atomic"

// Metrics holds the guard's process-wide counters.
type Metrics struct {
	totalRequests        atomic.Int64
	cacheHits            atomic.Int64
	cacheMisses          atomic.Int64
	invalidKeys          atomic.Int64
	concurrentDuplicates atomic.Int64
	backendErrors        atomic.Int64
	keyReuseConflicts    atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	TotalRequests        int64 `json:"totalRequests"`
	CacheHits            int64 `json:"cacheHits"`
	CacheMisses          int64 `json:"cacheMisses"`
	InvalidKeys          int64 `json:"invalidKeys"`
	ConcurrentDuplicates int64 `json:"concurrentDuplicates"`
	BackendErrors        int64 `json:"backendErrors"`
	KeyReuseConflicts    int64 `json:"keyReuseConflicts"`
}

// Snapshot reads every counter.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		TotalRequests:        m.totalRequests.Load(),
		CacheHits:            m.cacheHits.Load(),
		CacheMisses:          m.cacheMisses.Load(),
		InvalidKeys:          m.invalidKeys.Load(),
		ConcurrentDuplicates: m.concurrentDuplicates.Load(),
		BackendErrors:        m.backendErrors.Load(),
		KeyReuseConflicts:    m.keyReuseConflicts.Load(),
	}
}

// Counts flattens the snapshot for metric exporters.
func (s MetricsSnapshot) Counts() map[string]int64 {
	return map[string]int64{
		"totalRequests":        s.TotalRequests,
		"cacheHits":            s.CacheHits,
		"cacheMisses":          s.CacheMisses,
		"invalidKeys":          s.InvalidKeys,
		"concurrentDuplicates": s.ConcurrentDuplicates,
		"backendErrors":        s.BackendErrors,
		"keyReuseConflicts":    s.KeyReuseConflicts,
	}
}
