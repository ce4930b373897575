// Package metrics implements a small Prometheus-text registry for HTTP-level
// service metrics. Engine internals register with the prometheus client
// library instead; this registry serves the coarse per-service surface.
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

// Counter is a monotonically increasing metric.
type Counter struct {
	v    atomic.Uint64
	name string
	help string
}

func NewCounter(name, help string) *Counter {
	return &Counter{name: name, help: help}
}

func (c *Counter) Inc()          { c.v.Add(1) }
func (c *Counter) Add(n uint64)  { c.v.Add(n) }
func (c *Counter) Value() uint64 { return c.v.Load() }

func (c *Counter) expose(w io.Writer) {
	if c.help != "" {
		fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help)
	}
	fmt.Fprintf(w, "# TYPE %s counter\n%s %d\n", c.name, c.name, c.Value())
}

// Gauge is a settable metric.
type Gauge struct {
	v    atomic.Uint64
	name string
	help string
}

func NewGauge(name, help string) *Gauge {
	return &Gauge{name: name, help: help}
}

func (g *Gauge) Set(n uint64)  { g.v.Store(n) }
func (g *Gauge) Value() uint64 { return g.v.Load() }

func (g *Gauge) expose(w io.Writer) {
	if g.help != "" {
		fmt.Fprintf(w, "# HELP %s %s\n", g.name, g.help)
	}
	fmt.Fprintf(w, "# TYPE %s gauge\n%s %d\n", g.name, g.name, g.Value())
}

// Histogram is a thread-safe cumulative bucket histogram.
type Histogram struct {
	name    string
	help    string
	buckets []float64 // sorted finite bounds; +Inf implied
	mu      sync.Mutex
	counts  []uint64
	sum     float64
	cnt     uint64
}

func defaultBuckets() []float64 {
	// seconds, shaped like the Prometheus default HTTP buckets
	return []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}
}

func NewHistogram(name, help string, buckets []float64) *Histogram {
	if len(buckets) == 0 {
		buckets = defaultBuckets()
	}
	cp := make([]float64, len(buckets))
	copy(cp, buckets)
	sort.Float64s(cp)
	return &Histogram{name: name, help: help, buckets: cp, counts: make([]uint64, len(cp))}
}

func (h *Histogram) Observe(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if i := sort.SearchFloat64s(h.buckets, v); i < len(h.counts) {
		h.counts[i]++
	}
	h.cnt++
	h.sum += v
}

func (h *Histogram) expose(w io.Writer) {
	if h.help != "" {
		fmt.Fprintf(w, "# HELP %s %s\n", h.name, h.help)
	}
	fmt.Fprintf(w, "# TYPE %s histogram\n", h.name)
	h.mu.Lock()
	defer h.mu.Unlock()
	var cum uint64
	for i, b := range h.buckets {
		cum += h.counts[i]
		fmt.Fprintf(w, "%s_bucket{le=\"%g\"} %d\n", h.name, b, cum)
	}
	fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", h.name, h.cnt)
	fmt.Fprintf(w, "%s_sum %g\n", h.name, h.sum)
	fmt.Fprintf(w, "%s_count %d\n", h.name, h.cnt)
}

// Labeled metrics encode label values joined by a separator rune in a fixed
// per-metric order, which keeps map keys comparable without reflection.
const labelSep = "\x1f"

func labelsKey(order []string, labels map[string]string) string {
	if len(order) == 0 {
		return ""
	}
	vals := make([]string, len(order))
	for i, k := range order {
		vals[i] = labels[k]
	}
	return strings.Join(vals, labelSep)
}

// formatLabels renders {k1="v1",k2="v2",extraK="extraV"} for a stored key.
func formatLabels(order []string, key string, extra ...string) string {
	if len(order) == 0 && len(extra) == 0 {
		return ""
	}
	vals := strings.Split(key, labelSep)
	parts := make([]string, 0, len(order)+len(extra)/2)
	for i, k := range order {
		v := ""
		if i < len(vals) {
			v = vals[i]
		}
		parts = append(parts, fmt.Sprintf("%s=%q", k, v))
	}
	for i := 0; i+1 < len(extra); i += 2 {
		parts = append(parts, fmt.Sprintf("%s=%q", extra[i], extra[i+1]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// LabeledCounter is a counter vector over a fixed label order.
type LabeledCounter struct {
	name       string
	help       string
	labelOrder []string
	mu         sync.Mutex
	m          map[string]uint64
}

func NewLabeledCounter(name, help string, labelOrder []string) *LabeledCounter {
	return &LabeledCounter{name: name, help: help, labelOrder: labelOrder, m: map[string]uint64{}}
}

func (c *LabeledCounter) Inc(labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[labelsKey(c.labelOrder, labels)]++
}

func (c *LabeledCounter) expose(w io.Writer) {
	if c.help != "" {
		fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help)
	}
	fmt.Fprintf(w, "# TYPE %s counter\n", c.name)
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range c.m {
		fmt.Fprintf(w, "%s%s %d\n", c.name, formatLabels(c.labelOrder, k), v)
	}
}

// LabeledHistogram is a histogram vector over a fixed label order.
type LabeledHistogram struct {
	name       string
	help       string
	labelOrder []string
	buckets    []float64
	mu         sync.Mutex
	counts     map[string][]uint64
	cnt        map[string]uint64
	sum        map[string]float64
}

func NewLabeledHistogram(name, help string, labelOrder []string, buckets []float64) *LabeledHistogram {
	if len(buckets) == 0 {
		buckets = defaultBuckets()
	}
	cp := make([]float64, len(buckets))
	copy(cp, buckets)
	sort.Float64s(cp)
	return &LabeledHistogram{
		name:       name,
		help:       help,
		labelOrder: labelOrder,
		buckets:    cp,
		counts:     map[string][]uint64{},
		cnt:        map[string]uint64{},
		sum:        map[string]float64{},
	}
}

func (h *LabeledHistogram) Observe(labels map[string]string, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	k := labelsKey(h.labelOrder, labels)
	h.mu.Lock()
	defer h.mu.Unlock()
	arr, ok := h.counts[k]
	if !ok {
		arr = make([]uint64, len(h.buckets))
		h.counts[k] = arr
	}
	if i := sort.SearchFloat64s(h.buckets, v); i < len(arr) {
		arr[i]++
	}
	h.cnt[k]++
	h.sum[k] += v
}

func (h *LabeledHistogram) expose(w io.Writer) {
	if h.help != "" {
		fmt.Fprintf(w, "# HELP %s %s\n", h.name, h.help)
	}
	fmt.Fprintf(w, "# TYPE %s histogram\n", h.name)
	h.mu.Lock()
	defer h.mu.Unlock()
	for k, arr := range h.counts {
		var cum uint64
		for i, b := range h.buckets {
			cum += arr[i]
			fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, formatLabels(h.labelOrder, k, "le", fmt.Sprintf("%g", b)), cum)
		}
		fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, formatLabels(h.labelOrder, k, "le", "+Inf"), h.cnt[k])
		fmt.Fprintf(w, "%s_sum%s %g\n", h.name, formatLabels(h.labelOrder, k), h.sum[k])
		fmt.Fprintf(w, "%s_count%s %d\n", h.name, formatLabels(h.labelOrder, k), h.cnt[k])
	}
}

// Registry collects metrics for one exposition endpoint. Every metric,
// labeled or not, belongs to exactly one registry.
type Registry struct {
	mu              sync.RWMutex
	counters        []*Counter
	gauges          []*Gauge
	histos          []*Histogram
	labeledCounters []*LabeledCounter
	labeledHistos   []*LabeledHistogram
}

func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) Register(c *Counter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters = append(r.counters, c)
}

func (r *Registry) RegisterGauge(g *Gauge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges = append(r.gauges, g)
}

func (r *Registry) RegisterHistogram(h *Histogram) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.histos = append(r.histos, h)
}

func (r *Registry) RegisterLabeledCounter(c *LabeledCounter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.labeledCounters = append(r.labeledCounters, c)
}

func (r *Registry) RegisterLabeledHistogram(h *LabeledHistogram) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.labeledHistos = append(r.labeledHistos, h)
}

func (r *Registry) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.counters {
		c.expose(w)
	}
	for _, g := range r.gauges {
		g.expose(w)
	}
	for _, h := range r.histos {
		h.expose(w)
	}
	for _, c := range r.labeledCounters {
		c.expose(w)
	}
	for _, h := range r.labeledHistos {
		h.expose(w)
	}
}

// HTTPMetrics exposes basic HTTP request metrics for one service.
type HTTPMetrics struct {
	RequestsTotal  *Counter
	ErrorsTotal    *Counter
	Duration       *Histogram // seconds
	RequestsByPath *LabeledCounter
	DurationByPath *LabeledHistogram

	// exact prefixes kept verbatim by path normalization
	pathAllowlist []string
}

func NewHTTPMetrics(reg *Registry, service string) *HTTPMetrics {
	m := &HTTPMetrics{
		RequestsTotal:  NewCounter(service+"_http_requests_total", "Total HTTP requests"),
		ErrorsTotal:    NewCounter(service+"_http_errors_total", "Total HTTP 5xx responses"),
		Duration:       NewHistogram(service+"_http_request_duration_seconds", "HTTP request duration seconds", nil),
		RequestsByPath: NewLabeledCounter(service+"_http_requests_by_path_total", "Total HTTP requests by method and path", []string{"method", "path"}),
		DurationByPath: NewLabeledHistogram(service+"_http_request_duration_by_path_seconds", "HTTP request duration seconds by method and path", []string{"method", "path"}, nil),
		pathAllowlist:  []string{"/health", "/healthz", "/metrics"},
	}
	if reg != nil {
		reg.Register(m.RequestsTotal)
		reg.Register(m.ErrorsTotal)
		reg.RegisterHistogram(m.Duration)
		reg.RegisterLabeledCounter(m.RequestsByPath)
		reg.RegisterLabeledHistogram(m.DurationByPath)
	}
	return m
}

// statusRecorder wraps ResponseWriter to capture the final status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Middleware counts requests, 5xx responses and latency for every handler
// behind it.
func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sr, r)
		elapsed := time.Since(start).Seconds()

		m.RequestsTotal.Inc()
		if sr.status >= 500 {
			m.ErrorsTotal.Inc()
		}
		m.Duration.Observe(elapsed)

		labels := map[string]string{
			"method": r.Method,
			"path":   normalizePath(r.URL.Path, m.pathAllowlist),
		}
		m.RequestsByPath.Inc(labels)
		m.DurationByPath.Observe(labels, elapsed)
	})
}

// normalizePath bounds label cardinality: allowlisted prefixes stay verbatim,
// path segments that look like IDs become ":id".
func normalizePath(path string, allow []string) string {
	if path == "" {
		return "/"
	}
	for _, pref := range allow {
		if pref != "" && strings.HasPrefix(path, pref) {
			return path
		}
	}
	segs := strings.Split(path, "/")
	for i, s := range segs {
		if s != "" && looksLikeID(s) {
			segs[i] = ":id"
		}
	}
	np := strings.Join(segs, "/")
	if !strings.HasPrefix(np, "/") {
		np = "/" + np
	}
	return np
}

func looksLikeID(s string) bool {
	if len(s) >= 8 {
		hex := true
		for i := 0; i < len(s); i++ {
			c := s[i]
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') || c == '-') {
				hex = false
				break
			}
		}
		if hex {
			return true
		}
	}
	digits := true
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			digits = false
			break
		}
	}
	return digits && len(s) > 3
}
