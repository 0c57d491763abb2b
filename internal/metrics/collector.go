// Package metrics exposes loop counters and latencies in the Prometheus text
// exposition format.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide registry used by the loop and the HTTP channel.
var Collector = NewRegistry("chatloop")

// Registry aggregates counters, gauges, and histograms.
type Registry struct {
	namespace string
	startTime time.Time

	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

func NewRegistry(namespace string) *Registry {
	return &Registry{
		namespace:  namespace,
		startTime:  time.Now(),
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

func (r *Registry) Uptime() time.Duration {
	return time.Since(r.startTime)
}

// series identifies one labelled time series.
type series struct {
	name   string
	help   string
	labels string
}

func (s series) key() string { return s.name + "{" + s.labels + "}" }

type Counter struct {
	series
	value atomic.Int64
}

func (c *Counter) Inc() { c.value.Add(1) }
func (c *Counter) Add(n int64) { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

type Gauge struct {
	series
	value atomic.Int64
}

func (g *Gauge) Inc() { g.value.Add(1) }
func (g *Gauge) Dec() { g.value.Add(-1) }
func (g *Gauge) Set(v int64) { g.value.Store(v) }
func (g *Gauge) Value() int64 { return g.value.Load() }

type Histogram struct {
	series
	mu     sync.Mutex
	bounds []float64
	counts []int64 // cumulative, one per bound
	count  int64
	sum    float64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.counts[i]++
		}
	}
}

// ObserveSince records the seconds elapsed since start.
func (h *Histogram) ObserveSince(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (r *Registry) metricName(name string) string {
	if r.namespace == "" {
		return name
	}
	return r.namespace + "_" + name
}

// Counter returns or creates a counter. labels is a rendered label set such
// as `tool="websearch"`.
func (r *Registry) Counter(name, help, labels string) *Counter {
	s := series{name: r.metricName(name), help: help, labels: labels}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[s.key()]; ok {
		return c
	}
	c := &Counter{series: s}
	r.counters[s.key()] = c
	return c
}

func (r *Registry) Gauge(name, help, labels string) *Gauge {
	s := series{name: r.metricName(name), help: help, labels: labels}
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[s.key()]; ok {
		return g
	}
	g := &Gauge{series: s}
	r.gauges[s.key()] = g
	return g
}

func (r *Registry) Histogram(name, help, labels string, buckets []float64) *Histogram {
	s := series{name: r.metricName(name), help: help, labels: labels}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[s.key()]; ok {
		return h
	}
	bounds := append([]float64(nil), buckets...)
	sort.Float64s(bounds)
	if len(bounds) == 0 || !math.IsInf(bounds[len(bounds)-1], 1) {
		bounds = append(bounds, math.Inf(1))
	}
	h := &Histogram{series: s, bounds: bounds, counts: make([]int64, len(bounds))}
	r.histograms[s.key()] = h
	return h
}

// Label renders a single label pair.
func Label(key, value string) string {
	return fmt.Sprintf("%s=%q", key, value)
}

// Handler renders every metric in Prometheus text format, sorted by series.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WriteTo(w)
	}
}

// WriteTo writes the exposition text to w.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder

	uptime := r.metricName("uptime_seconds")
	fmt.Fprintf(&sb, "# HELP %s Time since start in seconds\n", uptime)
	fmt.Fprintf(&sb, "# TYPE %s gauge\n", uptime)
	fmt.Fprintf(&sb, "%s %d\n", uptime, int64(r.Uptime().Seconds()))

	r.mu.RLock()
	counters := sortedValues(r.counters)
	gauges := sortedValues(r.gauges)
	histograms := sortedValues(r.histograms)
	r.mu.RUnlock()

	seen := make(map[string]bool)
	header := func(s series, kind string) {
		if seen[s.name] {
			return
		}
		seen[s.name] = true
		fmt.Fprintf(&sb, "# HELP %s %s\n", s.name, s.help)
		fmt.Fprintf(&sb, "# TYPE %s %s\n", s.name, kind)
	}

	for _, c := range counters {
		header(c.series, "counter")
		fmt.Fprintf(&sb, "%s %d\n", c.selector(c.name, ""), c.Value())
	}
	for _, g := range gauges {
		header(g.series, "gauge")
		fmt.Fprintf(&sb, "%s %d\n", g.selector(g.name, ""), g.Value())
	}
	for _, h := range histograms {
		header(h.series, "histogram")
		h.mu.Lock()
		for i, le := range h.bounds {
			bound := fmt.Sprintf("%g", le)
			if math.IsInf(le, 1) {
				bound = "+Inf"
			}
			fmt.Fprintf(&sb, "%s %d\n", h.selector(h.name+"_bucket", Label("le", bound)), h.counts[i])
		}
		fmt.Fprintf(&sb, "%s %f\n", h.selector(h.name+"_sum", ""), h.sum)
		fmt.Fprintf(&sb, "%s %d\n", h.selector(h.name+"_count", ""), h.count)
		h.mu.Unlock()
	}

	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

func (s series) selector(name, extra string) string {
	labels := s.labels
	switch {
	case labels == "" && extra == "":
		return name
	case labels == "":
		labels = extra
	case extra != "":
		labels += "," + extra
	}
	return name + "{" + labels + "}"
}

func sortedValues[T any](m map[string]T) []T {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

var (
	ChatRequests  = Collector.Counter("chat_requests_total", "Chat requests started", "")
	ChatFailures  = Collector.Counter("chat_failures_total", "Chat requests that ended in an error", "")
	GatewayCalls  = Collector.Counter("gateway_requests_total", "Model gateway calls", "")
	GatewayErrors = Collector.Counter("gateway_errors_total", "Model gateway transport failures", "")
	ActiveRuns    = Collector.Gauge("active_runs", "Loop runs in flight", "")

	GatewayLatency = Collector.Histogram("gateway_latency_seconds", "Model gateway latency in seconds", "",
		[]float64{0.5, 1, 2, 5, 10, 30, 60, 120})
	RoundsPerRun = Collector.Histogram("rounds_per_run", "Gateway calls per loop run", "",
		[]float64{1, 2, 3, 5, 10, 25})
)

// ToolExecutions returns the per-capability execution counter.
func ToolExecutions(tool string) *Counter {
	return Collector.Counter("tool_executions_total", "Capability executions", Label("tool", tool))
}

// ToolFailures returns the per-capability failure counter.
func ToolFailures(tool string) *Counter {
	return Collector.Counter("tool_failures_total", "Capability executions that failed", Label("tool", tool))
}

// ToolLatency returns the per-capability latency histogram.
func ToolLatency(tool string) *Histogram {
	return Collector.Histogram("tool_latency_seconds", "Capability latency in seconds", Label("tool", tool),
		[]float64{0.1, 0.5, 1, 5, 10, 30})
}
