// Package metrics records what each ingestion run did: transactions opened
// and closed, batch outcomes, records pushed and API call latency.
//
// The pipeline reports through the Collector interface. PrometheusCollector
// backs it in the agent; InMemoryCollector backs it in tests.
package metrics

import (
	"sync"
	"time"
)

// =============================================================================
// Metrics Interface
// =============================================================================

// Collector is the interface for collecting and reporting metrics.
// Labels are passed as alternating name/value pairs.
type Collector interface {
	CounterInc(name string, labels ...string)
	CounterAdd(name string, value float64, labels ...string)

	GaugeSet(name string, value float64, labels ...string)

	HistogramObserve(name string, value float64, labels ...string)
}

// MetricType represents the type of metric.
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// MetricDefinition defines a metric with its metadata.
type MetricDefinition struct {
	Name    string     `json:"name"`
	Type    MetricType `json:"type"`
	Help    string     `json:"help"`
	Labels  []string   `json:"labels,omitempty"`
	Buckets []float64  `json:"buckets,omitempty"`
}

// =============================================================================
// Device-context metrics
// =============================================================================

var (
	TransactionsTotal = MetricDefinition{
		Name:   "devicecontext_transactions_total",
		Type:   MetricTypeCounter,
		Help:   "Transaction start and close calls by outcome",
		Labels: []string{"source", "operation", "outcome"},
	}
	BatchesTotal = MetricDefinition{
		Name:   "devicecontext_batches_total",
		Type:   MetricTypeCounter,
		Help:   "Batch push calls by outcome",
		Labels: []string{"source", "outcome"},
	}
	RecordsPushed = MetricDefinition{
		Name:   "devicecontext_records_pushed_total",
		Type:   MetricTypeCounter,
		Help:   "Records submitted in push calls, by outcome",
		Labels: []string{"source", "outcome"},
	}
	RecordsNormalized = MetricDefinition{
		Name:   "devicecontext_records_normalized_total",
		Type:   MetricTypeCounter,
		Help:   "Records produced by a source normalizer",
		Labels: []string{"source"},
	}
	RequestDuration = MetricDefinition{
		Name:    "devicecontext_request_duration_seconds",
		Type:    MetricTypeHistogram,
		Help:    "Duration of ingestion API calls in seconds",
		Labels:  []string{"operation"},
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}
	NormalizeDuration = MetricDefinition{
		Name:    "devicecontext_normalize_duration_seconds",
		Type:    MetricTypeHistogram,
		Help:    "Time a source took to load and normalize its records",
		Labels:  []string{"source"},
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	}
	LastRunTimestamp = MetricDefinition{
		Name:   "devicecontext_last_run_timestamp_seconds",
		Type:   MetricTypeGauge,
		Help:   "Unix time the last ingestion run finished",
		Labels: []string{"source"},
	}
)

// Definitions lists every metric the SDK emits.
func Definitions() []MetricDefinition {
	return []MetricDefinition{
		TransactionsTotal,
		BatchesTotal,
		RecordsPushed,
		RecordsNormalized,
		RequestDuration,
		NormalizeDuration,
		LastRunTimestamp,
	}
}

// =============================================================================
// NopCollector
// =============================================================================

// NopCollector is a no-op metrics collector that discards all metrics.
type NopCollector struct{}

func (c *NopCollector) CounterInc(name string, labels ...string)                      {}
func (c *NopCollector) CounterAdd(name string, value float64, labels ...string)       {}
func (c *NopCollector) GaugeSet(name string, value float64, labels ...string)         {}
func (c *NopCollector) HistogramObserve(name string, value float64, labels ...string) {}

// =============================================================================
// InMemoryCollector
// =============================================================================

// InMemoryCollector stores metrics in memory for testing purposes.
type InMemoryCollector struct {
	mu         sync.RWMutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]float64
}

// NewInMemoryCollector creates a new in-memory metrics collector.
func NewInMemoryCollector() *InMemoryCollector {
	return &InMemoryCollector{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

func (c *InMemoryCollector) key(name string, labels []string) string {
	key := name
	for i := 0; i+1 < len(labels); i += 2 {
		key += "," + labels[i] + "=" + labels[i+1]
	}
	return key
}

func (c *InMemoryCollector) CounterInc(name string, labels ...string) {
	c.CounterAdd(name, 1, labels...)
}

func (c *InMemoryCollector) CounterAdd(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[c.key(name, labels)] += value
}

func (c *InMemoryCollector) GaugeSet(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[c.key(name, labels)] = value
}

func (c *InMemoryCollector) HistogramObserve(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.key(name, labels)
	c.histograms[key] = append(c.histograms[key], value)
}

// GetCounter returns the value of a counter.
func (c *InMemoryCollector) GetCounter(name string, labels ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[c.key(name, labels)]
}

// GetGauge returns the value of a gauge.
func (c *InMemoryCollector) GetGauge(name string, labels ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gauges[c.key(name, labels)]
}

// GetHistogram returns all observations of a histogram.
func (c *InMemoryCollector) GetHistogram(name string, labels ...string) []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.histograms[c.key(name, labels)]
}

// =============================================================================
// Timer
// =============================================================================

// Timer records the time since its creation into a histogram. The pipeline
// times each source's normalization with it.
type Timer struct {
	start     time.Time
	collector Collector
	name      string
	labels    []string
}

// NewTimer creates a new timer that will record to the given histogram.
func NewTimer(collector Collector, name string, labels ...string) *Timer {
	return &Timer{
		start:     time.Now(),
		collector: collector,
		name:      name,
		labels:    labels,
	}
}

// ObserveDuration records the duration since the timer was created.
func (t *Timer) ObserveDuration() time.Duration {
	d := time.Since(t.start)
	t.collector.HistogramObserve(t.name, d.Seconds(), t.labels...)
	return d
}

var (
	_ Collector = (*NopCollector)(nil)
	_ Collector = (*InMemoryCollector)(nil)
)
