// Package metrics records counters, gauges and duration histograms on an
// OpenTelemetry meter and renders the collected data in the Prometheus text
// exposition format.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const meterName = "github.com/phrazzld/casework"

// Labels is shorthand for a label set.
type Labels map[string]string

// Registry is safe for concurrent use. The zero value is not usable; call
// NewRegistry.
type Registry struct {
	prefix   string
	reader   *sdkmetric.ManualReader
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	gauges     map[string]metric.Float64Gauge
	histograms map[string]metric.Float64Histogram
}

// NewRegistry creates a registry whose series names are prefixed with
// prefix and an underscore.
func NewRegistry(prefix string) *Registry {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return &Registry{
		prefix:     prefix,
		reader:     reader,
		provider:   provider,
		meter:      provider.Meter(meterName),
		counters:   make(map[string]metric.Float64Counter),
		gauges:     make(map[string]metric.Float64Gauge),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

// Shutdown stops the meter provider. Later updates are dropped.
func (r *Registry) Shutdown(ctx context.Context) error {
	return r.provider.Shutdown(ctx)
}

// Inc adds one to a counter.
func (r *Registry) Inc(name string, labels Labels) {
	r.Add(name, labels, 1)
}

// Add adds delta to a counter. Negative deltas are ignored.
func (r *Registry) Add(name string, labels Labels, delta float64) {
	if delta <= 0 {
		return
	}
	c, err := r.counter(sanitize(name))
	if err != nil {
		return
	}
	c.Add(context.Background(), delta, metric.WithAttributeSet(attrs(labels)))
}

// Set replaces a gauge value.
func (r *Registry) Set(name string, labels Labels, value float64) {
	g, err := r.gauge(sanitize(name))
	if err != nil {
		return
	}
	g.Record(context.Background(), value, metric.WithAttributeSet(attrs(labels)))
}

// Observe records a duration in seconds. It is rendered as the
// name_seconds_bucket, name_seconds_sum and name_seconds_count series.
func (r *Registry) Observe(name string, labels Labels, d time.Duration) {
	h, err := r.histogram(sanitize(name) + "_seconds")
	if err != nil {
		return
	}
	h.Record(context.Background(), d.Seconds(), metric.WithAttributeSet(attrs(labels)))
}

// Counter returns a counter's current value, or 0.
func (r *Registry) Counter(name string, labels Labels) float64 {
	return r.lookup(sanitize(name), labels)
}

// Gauge returns a gauge's current value, or 0.
func (r *Registry) Gauge(name string, labels Labels) float64 {
	return r.lookup(sanitize(name), labels)
}

func (r *Registry) lookup(name string, labels Labels) float64 {
	var rm metricdata.ResourceMetrics
	if err := r.reader.Collect(context.Background(), &rm); err != nil {
		return 0
	}
	want := attrs(labels)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			var points []metricdata.DataPoint[float64]
			switch data := m.Data.(type) {
			case metricdata.Sum[float64]:
				points = data.DataPoints
			case metricdata.Gauge[float64]:
				points = data.DataPoints
			}
			for _, dp := range points {
				if dp.Attributes.Equals(&want) {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func (r *Registry) counter(name string) (metric.Float64Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c, nil
	}
	c, err := r.meter.Float64Counter(name)
	if err != nil {
		return nil, fmt.Errorf("create counter %s: %w", name, err)
	}
	r.counters[name] = c
	return c, nil
}

func (r *Registry) gauge(name string) (metric.Float64Gauge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g, nil
	}
	g, err := r.meter.Float64Gauge(name)
	if err != nil {
		return nil, fmt.Errorf("create gauge %s: %w", name, err)
	}
	r.gauges[name] = g
	return g, nil
}

func (r *Registry) histogram(name string) (metric.Float64Histogram, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h, nil
	}
	h, err := r.meter.Float64Histogram(name, metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create histogram %s: %w", name, err)
	}
	r.histograms[name] = h
	return h, nil
}

// RenderPrometheus collects every instrument and writes the series in text
// exposition format, sorted by line.
func (r *Registry) RenderPrometheus(ctx context.Context) (string, error) {
	var rm metricdata.ResourceMetrics
	if err := r.reader.Collect(ctx, &rm); err != nil {
		return "", fmt.Errorf("collect metrics: %w", err)
	}

	var lines []string
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			name := r.qualified(m.Name)
			switch data := m.Data.(type) {
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					lines = append(lines, line(name, dp.Attributes, "", dp.Value))
				}
			case metricdata.Gauge[float64]:
				for _, dp := range data.DataPoints {
					lines = append(lines, line(name, dp.Attributes, "", dp.Value))
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					lines = append(lines, histogramLines(name, dp)...)
				}
			}
		}
	}
	if len(lines) == 0 {
		return "", nil
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n") + "\n", nil
}

func (r *Registry) qualified(name string) string {
	if r.prefix == "" {
		return name
	}
	return sanitize(r.prefix + "_" + name)
}

func histogramLines(name string, dp metricdata.HistogramDataPoint[float64]) []string {
	out := make([]string, 0, len(dp.BucketCounts)+2)
	var cumulative uint64
	for i, n := range dp.BucketCounts {
		cumulative += n
		le := "+Inf"
		if i < len(dp.Bounds) {
			le = strconv.FormatFloat(dp.Bounds[i], 'f', -1, 64)
		}
		out = append(out, line(name+"_bucket", dp.Attributes, le, float64(cumulative)))
	}
	out = append(out,
		line(name+"_sum", dp.Attributes, "", dp.Sum),
		line(name+"_count", dp.Attributes, "", float64(dp.Count)))
	return out
}

func line(name string, set attribute.Set, le string, value float64) string {
	parts := make([]string, 0, set.Len()+1)
	for _, kv := range set.ToSlice() {
		parts = append(parts, fmt.Sprintf("%s=%q", sanitize(string(kv.Key)), kv.Value.Emit()))
	}
	if le != "" {
		parts = append(parts, fmt.Sprintf("le=%q", le))
	}
	v := strconv.FormatFloat(value, 'f', -1, 64)
	if len(parts) == 0 {
		return name + " " + v
	}
	return fmt.Sprintf("%s{%s} %s", name, strings.Join(parts, ","), v)
}

func attrs(labels Labels) attribute.Set {
	kvs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		kvs = append(kvs, attribute.String(sanitize(k), v))
	}
	return attribute.NewSet(kvs...)
}

func sanitize(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "casework_metric"
	}
	out := make([]rune, 0, len(name))
	for i, r := range name {
		valid := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' || (r >= '0' && r <= '9' && i > 0)
		if valid {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}
