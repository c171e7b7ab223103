// Package metrics renders bridge counters, gauges and histograms in the
// Prometheus text exposition format without pulling in client_golang.
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

// Collector is the process-wide registry.
var Collector = NewRegistry()

// Registry holds named series keyed by name and label set.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	startTime  time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		startTime:  time.Now(),
	}
}

type series struct {
	name   string
	help   string
	labels string
}

func (s series) id() string {
	if s.labels == "" {
		return s.name
	}
	return s.name + "{" + s.labels + "}"
}

// Counter only goes up.
type Counter struct {
	series
	value atomic.Int64
}

func (c *Counter) Inc() {
	c.value.Add(1)
}

func (c *Counter) Add(n int64) {
	c.value.Add(n)
}

func (c *Counter) Value() int64 {
	return c.value.Load()
}

// Gauge can go up and down.
type Gauge struct {
	series
	value atomic.Int64
}

func (g *Gauge) Set(v int64) {
	g.value.Store(v)
}

func (g *Gauge) Inc() {
	g.value.Add(1)
}

func (g *Gauge) Dec() {
	g.value.Add(-1)
}

func (g *Gauge) Value() int64 {
	return g.value.Load()
}

// Histogram counts observations into cumulative buckets.
type Histogram struct {
	series
	mu     sync.Mutex
	bounds []float64
	counts []int64
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

// Counter returns the counter for name and labels, creating it on first use.
// labels is the rendered label set, e.g. `status="ok"`.
func (r *Registry) Counter(name, help, labels string) *Counter {
	s := series{name, help, labels}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[s.id()]; ok {
		return c
	}
	c := &Counter{series: s}
	r.counters[s.id()] = c
	return c
}

func (r *Registry) Gauge(name, help, labels string) *Gauge {
	s := series{name, help, labels}
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[s.id()]; ok {
		return g
	}
	g := &Gauge{series: s}
	r.gauges[s.id()] = g
	return g
}

func (r *Registry) Histogram(name, help, labels string, buckets []float64) *Histogram {
	s := series{name, help, labels}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[s.id()]; ok {
		return h
	}
	bounds := append([]float64(nil), buckets...)
	sort.Float64s(bounds)
	h := &Histogram{series: s, bounds: bounds, counts: make([]int64, len(bounds))}
	r.histograms[s.id()] = h
	return h
}

// Handler serves the registry in Prometheus text format.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WriteTo(w)
	}
}

// WriteTo renders every series, sorted by name for stable output.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# HELP ticketbridge_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE ticketbridge_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "ticketbridge_uptime_seconds %d\n", int64(time.Since(r.startTime).Seconds()))

	r.mu.RLock()
	counters := sortedValues(r.counters)
	gauges := sortedValues(r.gauges)
	histograms := sortedValues(r.histograms)
	r.mu.RUnlock()

	header := headerWriter(&sb)
	for _, c := range counters {
		header(c.series, "counter")
		fmt.Fprintf(&sb, "%s %d\n", c.id(), c.Value())
	}
	for _, g := range gauges {
		header(g.series, "gauge")
		fmt.Fprintf(&sb, "%s %d\n", g.id(), g.Value())
	}
	for _, h := range histograms {
		header(h.series, "histogram")
		writeHistogram(&sb, h)
	}

	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

func headerWriter(sb *strings.Builder) func(series, string) {
	seen := make(map[string]bool)
	return func(s series, kind string) {
		if seen[s.name] {
			return
		}
		seen[s.name] = true
		fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", s.name, s.help, s.name, kind)
	}
}

func writeHistogram(sb *strings.Builder, h *Histogram) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sep := ""
	if h.labels != "" {
		sep = h.labels + ","
	}
	for i, le := range h.bounds {
		bound := fmt.Sprintf("%g", le)
		if math.IsInf(le, 1) {
			bound = "+Inf"
		}
		fmt.Fprintf(sb, "%s_bucket{%sle=\"%s\"} %d\n", h.name, sep, bound, h.counts[i])
	}
	fmt.Fprintf(sb, "%s_bucket{%sle=\"+Inf\"} %d\n", h.name, sep, h.count)

	suffix := ""
	if h.labels != "" {
		suffix = "{" + h.labels + "}"
	}
	fmt.Fprintf(sb, "%s_count%s %d\n", h.name, suffix, h.count)
	fmt.Fprintf(sb, "%s_sum%s %f\n", h.name, suffix, h.sum)
}

func sortedValues[T any](m map[string]*T) []*T {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*T, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

var (
	SendRequests   = Collector.Counter("ticketbridge_send_requests_total", "Outbound send requests received", "")
	SendDelivered  = Collector.Counter("ticketbridge_send_results_total", "Outbound send results", `result="delivered"`)
	SendFailed     = Collector.Counter("ticketbridge_send_results_total", "Outbound send results", `result="failed"`)
	SendRejected   = Collector.Counter("ticketbridge_send_results_total", "Outbound send results", `result="rejected"`)
	SendAttempts   = Collector.Counter("ticketbridge_send_attempts_total", "Underlying send calls made", "")
	ReadyTimeouts  = Collector.Counter("ticketbridge_readiness_timeouts_total", "Readiness probes that timed out", "")
	InboundForward = Collector.Counter("ticketbridge_inbound_total", "Inbound messages by outcome", `outcome="forwarded"`)
	InboundFailed  = Collector.Counter("ticketbridge_inbound_total", "Inbound messages by outcome", `outcome="failed"`)
	InboundFilter  = Collector.Counter("ticketbridge_inbound_total", "Inbound messages by outcome", `outcome="filtered"`)
	InboundDropped = Collector.Counter("ticketbridge_inbound_total", "Inbound messages by outcome", `outcome="dropped"`)
	SessionState   = Collector.Gauge("ticketbridge_session_state", "Session state (0 uninitialized, 1 connecting, 2 connected, 3 disconnected, 4 failed)", "")
	EventClients   = Collector.Gauge("ticketbridge_event_clients", "Connected /events websocket clients", "")

	SendLatency = Collector.Histogram("ticketbridge_send_duration_seconds", "Outbound pipeline duration in seconds", "",
		[]float64{0.25, 0.5, 1, 2, 5, 10, 30})
	ForwardLatency = Collector.Histogram("ticketbridge_forward_duration_seconds", "Backend forward duration in seconds", "",
		[]float64{0.05, 0.1, 0.25, 0.5, 1, 5})
)
