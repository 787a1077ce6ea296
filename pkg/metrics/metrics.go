// Metrics collection for meshmotion
//
// Prometheus text exposition for counters, gauges and histograms keyed
// by label sets. Registries are plain values owned by whoever exposes
// them; there is no process-wide default.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType represents the type of metric
type MetricType int

const (
	TypeCounter MetricType = iota
	TypeGauge
	TypeHistogram
)

func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	}
	return "unknown"
}

// Labels represents metric labels as key-value pairs
type Labels map[string]string

func (l Labels) sortedKeys() []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Key generates a unique key for a label set
func (l Labels) Key() string {
	var sb strings.Builder
	for i, k := range l.sortedKeys() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(l[k])
	}
	return sb.String()
}

// String returns labels in Prometheus format
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range l.sortedKeys() {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%s=%q", k, l[k])
	}
	sb.WriteByte('}')
	return sb.String()
}

// With returns a copy of the labels with one more pair
func (l Labels) With(key, value string) Labels {
	out := make(Labels, len(l)+1)
	for k, v := range l {
		out[k] = v
	}
	out[key] = value
	return out
}

// Metric is the interface for all metric types
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
	Write(sb *strings.Builder)
}

type desc struct {
	name string
	help string
}

func (d desc) Name() string { return d.name }
func (d desc) Help() string { return d.help }

func (d desc) header(sb *strings.Builder, t MetricType) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", d.name, d.help, d.name, t)
}

// family stores one series per label set and renders them in label order.
type family[V any] struct {
	mu     sync.RWMutex
	series map[string]*V
	labels map[string]Labels
	init   func() *V
}

func (f *family[V]) get(labels Labels) *V {
	key := labels.Key()
	f.mu.RLock()
	v, ok := f.series[key]
	f.mu.RUnlock()
	if ok {
		return v
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok = f.series[key]; ok {
		return v
	}
	if f.series == nil {
		f.series = make(map[string]*V)
		f.labels = make(map[string]Labels)
	}
	v = f.init()
	f.series[key] = v
	f.labels[key] = labels
	return v
}

func (f *family[V]) lookup(labels Labels) (*V, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.series[labels.Key()]
	return v, ok
}

func (f *family[V]) each(fn func(Labels, *V)) {
	f.mu.RLock()
	keys := make([]string, 0, len(f.series))
	for k := range f.series {
		keys = append(keys, k)
	}
	f.mu.RUnlock()
	sort.Strings(keys)
	for _, k := range keys {
		f.mu.RLock()
		v, l := f.series[k], f.labels[k]
		f.mu.RUnlock()
		fn(l, v)
	}
}

// Counter is a monotonically increasing metric
type Counter struct {
	desc
	values family[atomic.Uint64]
}

func NewCounter(name, help string) *Counter {
	c := &Counter{desc: desc{name, help}}
	c.values.init = func() *atomic.Uint64 { return new(atomic.Uint64) }
	return c
}

func (c *Counter) Type() MetricType { return TypeCounter }

func (c *Counter) Inc(labels Labels) { c.Add(labels, 1) }

func (c *Counter) Add(labels Labels, delta uint64) {
	c.values.get(labels).Add(delta)
}

// Get returns the current counter value for labels
func (c *Counter) Get(labels Labels) uint64 {
	if v, ok := c.values.lookup(labels); ok {
		return v.Load()
	}
	return 0
}

func (c *Counter) Write(sb *strings.Builder) {
	c.header(sb, TypeCounter)
	c.values.each(func(l Labels, v *atomic.Uint64) {
		fmt.Fprintf(sb, "%s%s %d\n", c.name, l, v.Load())
	})
}

type gaugeValue struct {
	mu    sync.Mutex
	value float64
}

// Gauge is a metric that can go up and down
type Gauge struct {
	desc
	values family[gaugeValue]
}

func NewGauge(name, help string) *Gauge {
	g := &Gauge{desc: desc{name, help}}
	g.values.init = func() *gaugeValue { return &gaugeValue{} }
	return g
}

func (g *Gauge) Type() MetricType { return TypeGauge }

func (g *Gauge) Set(labels Labels, value float64) {
	gv := g.values.get(labels)
	gv.mu.Lock()
	gv.value = value
	gv.mu.Unlock()
}

func (g *Gauge) Add(labels Labels, delta float64) {
	gv := g.values.get(labels)
	gv.mu.Lock()
	gv.value += delta
	gv.mu.Unlock()
}

func (g *Gauge) Inc(labels Labels) { g.Add(labels, 1) }
func (g *Gauge) Dec(labels Labels) { g.Add(labels, -1) }

func (g *Gauge) Get(labels Labels) float64 {
	gv, ok := g.values.lookup(labels)
	if !ok {
		return 0
	}
	gv.mu.Lock()
	defer gv.mu.Unlock()
	return gv.value
}

func (g *Gauge) Write(sb *strings.Builder) {
	g.header(sb, TypeGauge)
	g.values.each(func(l Labels, gv *gaugeValue) {
		gv.mu.Lock()
		v := gv.value
		gv.mu.Unlock()
		fmt.Fprintf(sb, "%s%s %s\n", g.name, l, formatFloat(v))
	})
}

type histogramValue struct {
	mu      sync.Mutex
	count   uint64
	sum     float64
	buckets []uint64 // per bucket, not cumulative
}

// Histogram tracks the distribution of observations
type Histogram struct {
	desc
	bounds []float64
	values family[histogramValue]
}

func NewHistogram(name, help string, buckets []float64) *Histogram {
	bounds := append([]float64(nil), buckets...)
	sort.Float64s(bounds)
	h := &Histogram{desc: desc{name, help}, bounds: bounds}
	h.values.init = func() *histogramValue {
		return &histogramValue{buckets: make([]uint64, len(bounds))}
	}
	return h
}

// DefaultBuckets returns default histogram buckets for latency metrics
func DefaultBuckets() []float64 {
	return []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
}

// ExponentialBuckets creates count buckets starting at start with factor multiplier
func ExponentialBuckets(start, factor float64, count int) []float64 {
	buckets := make([]float64, count)
	for i := range buckets {
		buckets[i] = start
		start *= factor
	}
	return buckets
}

func (h *Histogram) Type() MetricType { return TypeHistogram }

func (h *Histogram) Observe(labels Labels, value float64) {
	hv := h.values.get(labels)
	i := sort.SearchFloat64s(h.bounds, value)
	hv.mu.Lock()
	hv.count++
	hv.sum += value
	if i < len(hv.buckets) {
		hv.buckets[i]++
	}
	hv.mu.Unlock()
}

// Timer returns a function that records the elapsed time when called
func (h *Histogram) Timer(labels Labels) func() {
	start := time.Now()
	return func() { h.Observe(labels, time.Since(start).Seconds()) }
}

// HistogramSnapshot contains a point-in-time snapshot of histogram values.
// Buckets are cumulative, keyed by upper bound.
type HistogramSnapshot struct {
	Count   uint64
	Sum     float64
	Buckets map[float64]uint64
}

func (h *Histogram) GetSnapshot(labels Labels) HistogramSnapshot {
	snap := HistogramSnapshot{Buckets: make(map[float64]uint64, len(h.bounds))}
	hv, ok := h.values.lookup(labels)
	if !ok {
		return snap
	}
	hv.mu.Lock()
	defer hv.mu.Unlock()
	snap.Count, snap.Sum = hv.count, hv.sum
	var cumulative uint64
	for i, bound := range h.bounds {
		cumulative += hv.buckets[i]
		snap.Buckets[bound] = cumulative
	}
	return snap
}

func (h *Histogram) Write(sb *strings.Builder) {
	h.header(sb, TypeHistogram)
	h.values.each(func(l Labels, hv *histogramValue) {
		hv.mu.Lock()
		count, sum := hv.count, hv.sum
		counts := append([]uint64(nil), hv.buckets...)
		hv.mu.Unlock()

		var cumulative uint64
		for i, bound := range h.bounds {
			cumulative += counts[i]
			fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, l.With("le", formatFloat(bound)), cumulative)
		}
		fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, l.With("le", "+Inf"), count)
		fmt.Fprintf(sb, "%s_sum%s %s\n", h.name, l, formatFloat(sum))
		fmt.Fprintf(sb, "%s_count%s %d\n", h.name, l, count)
	})
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Registry holds registered metrics in registration order
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]Metric
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]Metric)}
}

// Register adds a metric to the registry
func (r *Registry) Register(metric Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := metric.Name()
	if _, exists := r.metrics[name]; exists {
		return fmt.Errorf("metric %q already registered", name)
	}
	r.metrics[name] = metric
	r.order = append(r.order, name)
	return nil
}

// MustRegister adds a metric and panics on error
func (r *Registry) MustRegister(metrics ...Metric) {
	for _, m := range metrics {
		if err := r.Register(m); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Get(name string) Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics[name]
}

// Gather collects all metrics in Prometheus text format
func (r *Registry) Gather() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sb strings.Builder
	for _, name := range r.order {
		r.metrics[name].Write(&sb)
	}
	return sb.String()
}
