package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics is the in-process view served by the snapshot API.
type SystemMetrics struct {
	OrderLatency     *LatencyHistogram
	ReconcileLatency *LatencyHistogram
	APILatency       *LatencyHistogram

	fills       atomic.Uint64
	rejections  atomic.Uint64
	escalations atomic.Uint64
	forcedExits atomic.Uint64

	mu          sync.RWMutex
	connections int
	lastUpdate  time.Time
}

func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		OrderLatency:     NewLatencyHistogram(1000),
		ReconcileLatency: NewLatencyHistogram(200),
		APILatency:       NewLatencyHistogram(1000),
		lastUpdate:       time.Now(),
	}
}

// LatencyHistogram keeps a sliding window of samples in milliseconds.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{samples: make([]float64, 0, size), maxSize: size, dirty: true}
}

func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats recomputes only when samples changed.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}
	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func (m *SystemMetrics) IncFills()       { m.fills.Add(1) }
func (m *SystemMetrics) IncRejections()  { m.rejections.Add(1) }
func (m *SystemMetrics) IncEscalations() { m.escalations.Add(1) }
func (m *SystemMetrics) IncForcedExits() { m.forcedExits.Add(1) }

func (m *SystemMetrics) SetConnections(n int) {
	m.mu.Lock()
	m.connections = n
	m.lastUpdate = time.Now()
	m.mu.Unlock()
}

type MetricsSnapshot struct {
	OrderLatency     LatencyStats `json:"order_latency"`
	ReconcileLatency LatencyStats `json:"reconcile_latency"`
	APILatency       LatencyStats `json:"api_latency"`
	Fills            uint64       `json:"fills"`
	Rejections       uint64       `json:"rejections"`
	Escalations      uint64       `json:"escalations"`
	ForcedExits      uint64       `json:"forced_exits"`
	Connections      int          `json:"connections"`
	GoroutineCount   int          `json:"goroutine_count"`
	HeapAlloc        uint64       `json:"heap_alloc_bytes"`
	Timestamp        time.Time    `json:"timestamp"`
}

func (m *SystemMetrics) Snapshot() MetricsSnapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.mu.RLock()
	conns := m.connections
	m.mu.RUnlock()
	return MetricsSnapshot{
		OrderLatency:     m.OrderLatency.Stats(),
		ReconcileLatency: m.ReconcileLatency.Stats(),
		APILatency:       m.APILatency.Stats(),
		Fills:            m.fills.Load(),
		Rejections:       m.rejections.Load(),
		Escalations:      m.escalations.Load(),
		ForcedExits:      m.forcedExits.Load(),
		Connections:      conns,
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        mem.HeapAlloc,
		Timestamp:        time.Now(),
	}
}

// Timer records elapsed time into a histogram on Stop.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
