package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects and exposes Prometheus-style metrics.
type Metrics struct {
	// Counters
	getsTotal    atomic.Uint64
	getMisses    atomic.Uint64
	putsTotal    atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
	flushesTotal atomic.Uint64
	errorsTotal  atomic.Uint64

	// Gauges
	activeConnections atomic.Int64
	gauges            sync.Map // name -> gauge

	// Histograms (simplified as averages)
	getLatencySum atomic.Uint64
	getLatencyN   atomic.Uint64
	putLatencySum atomic.Uint64
	putLatencyN   atomic.Uint64

	startTime time.Time
}

type gauge struct {
	help string
	fn   func() float64
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// RecordGet records a get operation. found is false for missing keys.
func (m *Metrics) RecordGet(found bool, bytes int, latency time.Duration) {
	m.getsTotal.Add(1)
	if !found {
		m.getMisses.Add(1)
	}
	m.bytesRead.Add(uint64(bytes))
	m.getLatencySum.Add(uint64(latency.Microseconds()))
	m.getLatencyN.Add(1)
}

// RecordPut records a put operation.
func (m *Metrics) RecordPut(bytes int, latency time.Duration) {
	m.putsTotal.Add(1)
	m.bytesWritten.Add(uint64(bytes))
	m.putLatencySum.Add(uint64(latency.Microseconds()))
	m.putLatencyN.Add(1)
}

// RecordFlush records a log flush.
func (m *Metrics) RecordFlush() {
	m.flushesTotal.Add(1)
}

// RecordError records an error.
func (m *Metrics) RecordError() {
	m.errorsTotal.Add(1)
}

// ConnectionOpened increments active connections.
func (m *Metrics) ConnectionOpened() {
	m.activeConnections.Add(1)
}

// ConnectionClosed decrements active connections.
func (m *Metrics) ConnectionClosed() {
	m.activeConnections.Add(-1)
}

// RegisterGauge exposes the value returned by fn under name. fn is called on
// every scrape. Registering a name twice replaces the earlier gauge.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	m.gauges.Store(name, gauge{help: help, fn: fn})
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		// Uptime
		uptime := time.Since(m.startTime).Seconds()
		fmt.Fprintf(w, "# HELP vlogkv_uptime_seconds Time since server started\n")
		fmt.Fprintf(w, "# TYPE vlogkv_uptime_seconds gauge\n")
		fmt.Fprintf(w, "vlogkv_uptime_seconds %.2f\n\n", uptime)

		writeCounter(w, "vlogkv_gets_total", "Total get requests", m.getsTotal.Load())
		writeCounter(w, "vlogkv_get_misses_total", "Get requests for absent keys", m.getMisses.Load())
		writeCounter(w, "vlogkv_puts_total", "Total put requests", m.putsTotal.Load())
		writeCounter(w, "vlogkv_bytes_read_total", "Value bytes returned by gets", m.bytesRead.Load())
		writeCounter(w, "vlogkv_bytes_written_total", "Value bytes accepted by puts", m.bytesWritten.Load())
		writeCounter(w, "vlogkv_log_flushes_total", "Index log flushes", m.flushesTotal.Load())
		writeCounter(w, "vlogkv_errors_total", "Total errors", m.errorsTotal.Load())

		// Active connections
		fmt.Fprintf(w, "# HELP vlogkv_active_connections Current active connections\n")
		fmt.Fprintf(w, "# TYPE vlogkv_active_connections gauge\n")
		fmt.Fprintf(w, "vlogkv_active_connections %d\n\n", m.activeConnections.Load())

		// Average get latency
		if n := m.getLatencyN.Load(); n > 0 {
			avg := float64(m.getLatencySum.Load()) / float64(n) / 1000.0 // ms
			fmt.Fprintf(w, "# HELP vlogkv_get_latency_ms Average get latency\n")
			fmt.Fprintf(w, "# TYPE vlogkv_get_latency_ms gauge\n")
			fmt.Fprintf(w, "vlogkv_get_latency_ms %.2f\n\n", avg)
		}

		// Average put latency
		if n := m.putLatencyN.Load(); n > 0 {
			avg := float64(m.putLatencySum.Load()) / float64(n) / 1000.0
			fmt.Fprintf(w, "# HELP vlogkv_put_latency_ms Average put latency\n")
			fmt.Fprintf(w, "# TYPE vlogkv_put_latency_ms gauge\n")
			fmt.Fprintf(w, "vlogkv_put_latency_ms %.2f\n\n", avg)
		}

		// Registered gauges, sorted for stable output
		var names []string
		m.gauges.Range(func(key, _ interface{}) bool {
			names = append(names, key.(string))
			return true
		})
		sort.Strings(names)
		for _, name := range names {
			v, ok := m.gauges.Load(name)
			if !ok {
				continue
			}
			g := v.(gauge)
			fmt.Fprintf(w, "# HELP %s %s\n", name, g.help)
			fmt.Fprintf(w, "# TYPE %s gauge\n", name)
			fmt.Fprintf(w, "%s %g\n\n", name, g.fn())
		}
	}
}

func writeCounter(w http.ResponseWriter, name, help string, value uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	fmt.Fprintf(w, "%s %d\n\n", name, value)
}

// Snapshot returns current metric values.
type Snapshot struct {
	GetsTotal         uint64
	GetMisses         uint64
	PutsTotal         uint64
	BytesRead         uint64
	BytesWritten      uint64
	FlushesTotal      uint64
	ErrorsTotal       uint64
	ActiveConnections int64
	UptimeSeconds     float64
}

// Snapshot returns a snapshot of current metrics.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		GetsTotal:         m.getsTotal.Load(),
		GetMisses:         m.getMisses.Load(),
		PutsTotal:         m.putsTotal.Load(),
		BytesRead:         m.bytesRead.Load(),
		BytesWritten:      m.bytesWritten.Load(),
		FlushesTotal:      m.flushesTotal.Load(),
		ErrorsTotal:       m.errorsTotal.Load(),
		ActiveConnections: m.activeConnections.Load(),
		UptimeSeconds:     time.Since(m.startTime).Seconds(),
	}
}
