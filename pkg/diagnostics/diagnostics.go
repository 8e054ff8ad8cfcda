// Package diagnostics tracks counts and latencies of operations within the
// device communication core, for debugging and for DeviceManager.DiagnosticData.
// Every increment and timed operation is mirrored into Prometheus counters
// and histograms labeled by component, so the same numbers are available
// both as a nested debug map and as scrapeable metrics.
package diagnostics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	promCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roborock_events_total",
		Help: "Count of named events per component, e.g. timeouts, reconnects, decode failures.",
	}, []string{"component", "key"})

	promLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roborock_operation_duration_seconds",
		Help:    "Duration of named operations per component.",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "key"})
)

// Diagnostics holds counters and latency sums for one component, plus a
// tree of named sub-components whose data is folded into the parent's
// Snapshot output.
type Diagnostics struct {
	component string

	mu      sync.Mutex
	counter map[string]int64
	subkeys map[string]*Diagnostics
}

// New creates a root Diagnostics scoped to the given component name, used
// as the label on every Prometheus series it emits.
func New(component string) *Diagnostics {
	return &Diagnostics{
		component: component,
		counter:   make(map[string]int64),
		subkeys:   make(map[string]*Diagnostics),
	}
}

// Increment adds count to the named counter.
func (d *Diagnostics) Increment(key string, count int64) {
	d.mu.Lock()
	d.counter[key] += count
	d.mu.Unlock()
	promCounter.WithLabelValues(d.component, key).Add(float64(count))
}

// Elapsed records a latency sample in milliseconds under keyPrefix, as a
// count/sum pair matching the convention used elsewhere in this codebase
// for cheap histogram-free latency tracking.
func (d *Diagnostics) Elapsed(keyPrefix string, elapsedMS int64) {
	d.Increment(keyPrefix+"_count", 1)
	d.Increment(keyPrefix+"_sum", elapsedMS)
	promLatency.WithLabelValues(d.component, keyPrefix).Observe(float64(elapsedMS) / 1000)
}

// Timer starts timing an operation under keyPrefix; call the returned func
// when the operation completes (typically via defer).
func (d *Diagnostics) Timer(keyPrefix string) func() {
	start := time.Now()
	return func() {
		d.Elapsed(keyPrefix, time.Since(start).Milliseconds())
	}
}

// Sub returns the named sub-Diagnostics, creating it on first use. Data
// recorded under a sub-Diagnostics is folded into the parent's Snapshot.
func (d *Diagnostics) Sub(key string) *Diagnostics {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub, ok := d.subkeys[key]
	if !ok {
		sub = New(d.component + "." + key)
		d.subkeys[key] = sub
	}
	return sub
}

// Snapshot returns a nested debug map: top-level counters plus one entry
// per non-empty sub-Diagnostics.
func (d *Diagnostics) Snapshot() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]any, len(d.counter)+len(d.subkeys))
	for k, v := range d.counter {
		out[k] = v
	}
	for k, sub := range d.subkeys {
		v := sub.Snapshot()
		if len(v) == 0 {
			continue
		}
		out[k] = v
	}
	return out
}

// Reset clears all counters, recursively. For tests.
func (d *Diagnostics) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counter = make(map[string]int64)
	for _, sub := range d.subkeys {
		sub.Reset()
	}
}
