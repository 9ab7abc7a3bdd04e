// Package monitor tracks router throughput and latency for the operator API.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks router-wide performance.
type Metrics struct {
	// Latency histograms
	DispatchLatency *LatencyHistogram
	ExchangeLatency *LatencyHistogram
	APILatency      *LatencyHistogram

	// Counters
	webhooksReceived uint64
	webhooksRejected uint64
	ordersDispatched uint64
	ordersFailed     uint64
	tradesApplied    uint64
	cancelsDrained   uint64
	apiRequests      uint64
	apiErrors        uint64

	started time.Time
}

// LatencyHistogram tracks latency samples over a sliding window with lazy
// stats computation.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewMetrics creates a metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		DispatchLatency: NewLatencyHistogram(1000),
		ExchangeLatency: NewLatencyHistogram(1000),
		APILatency:      NewLatencyHistogram(1000),
		started:         time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99, recomputing only when the
// window changed.
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

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func (m *Metrics) IncrementWebhooks()   { atomic.AddUint64(&m.webhooksReceived, 1) }
func (m *Metrics) IncrementRejected()   { atomic.AddUint64(&m.webhooksRejected, 1) }
func (m *Metrics) IncrementDispatched() { atomic.AddUint64(&m.ordersDispatched, 1) }
func (m *Metrics) IncrementFailed()     { atomic.AddUint64(&m.ordersFailed, 1) }
func (m *Metrics) IncrementTrades()     { atomic.AddUint64(&m.tradesApplied, 1) }
func (m *Metrics) IncrementCancels()    { atomic.AddUint64(&m.cancelsDrained, 1) }
func (m *Metrics) IncrementAPI()        { atomic.AddUint64(&m.apiRequests, 1) }
func (m *Metrics) IncrementAPIErrors()  { atomic.AddUint64(&m.apiErrors, 1) }

// Snapshot is a point-in-time metrics view.
type Snapshot struct {
	DispatchLatency  LatencyStats `json:"dispatch_latency"`
	ExchangeLatency  LatencyStats `json:"exchange_latency"`
	WebhooksReceived uint64       `json:"webhooks_received"`
	WebhooksRejected uint64       `json:"webhooks_rejected"`
	OrdersDispatched uint64       `json:"orders_dispatched"`
	OrdersFailed     uint64       `json:"orders_failed"`
	TradesApplied    uint64       `json:"trades_applied"`
	CancelsDrained   uint64       `json:"cancels_drained"`
	APIRequests      uint64       `json:"api_requests"`
	APIErrors        uint64       `json:"api_errors"`
	APILatency       LatencyStats `json:"api_latency"`
	GoroutineCount   int          `json:"goroutine_count"`
	HeapAlloc        uint64       `json:"heap_alloc_bytes"`
	UptimeSeconds    float64      `json:"uptime_seconds"`
	Timestamp        time.Time    `json:"timestamp"`
}

// GetSnapshot returns the current snapshot.
func (m *Metrics) GetSnapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return Snapshot{
		DispatchLatency:  m.DispatchLatency.Stats(),
		ExchangeLatency:  m.ExchangeLatency.Stats(),
		WebhooksReceived: atomic.LoadUint64(&m.webhooksReceived),
		WebhooksRejected: atomic.LoadUint64(&m.webhooksRejected),
		OrdersDispatched: atomic.LoadUint64(&m.ordersDispatched),
		OrdersFailed:     atomic.LoadUint64(&m.ordersFailed),
		TradesApplied:    atomic.LoadUint64(&m.tradesApplied),
		CancelsDrained:   atomic.LoadUint64(&m.cancelsDrained),
		APIRequests:      atomic.LoadUint64(&m.apiRequests),
		APIErrors:        atomic.LoadUint64(&m.apiErrors),
		APILatency:       m.APILatency.Stats(),
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		UptimeSeconds:    time.Since(m.started).Seconds(),
		Timestamp:        time.Now(),
	}
}

// Timer measures one operation into a histogram.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records elapsed time to the histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
