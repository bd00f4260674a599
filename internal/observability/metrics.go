package observability

import (
	"sync"
	"time"
)

// MetricType categorizes what is being measured.
type MetricType string

const (
	MetricSaves             MetricType = "saves"
	MetricLoads             MetricType = "loads"
	MetricBackups           MetricType = "backups"
	MetricRestores          MetricType = "restores"
	MetricRecoveries        MetricType = "recoveries"
	MetricIntegrityWarnings MetricType = "integrity_warnings"
	MetricQuarantined       MetricType = "records_quarantined"
	MetricLatency           MetricType = "latency_ms"
	MetricErrors            MetricType = "errors"
)

// MetricPoint is a single recorded data point.
type MetricPoint struct {
	Type      MetricType `json:"type"`
	Value     float64    `json:"value"`
	Labels    Labels     `json:"labels,omitempty"` // e.g., {"entity": "tasks"}
	Timestamp time.Time  `json:"timestamp"`
}

// Labels are key-value metadata on a metric.
type Labels map[string]string

// MetricsCollector collects in-memory metrics with a rolling window.
type MetricsCollector struct {
	mu       sync.RWMutex
	points   []MetricPoint
	maxSize  int // Ring buffer capacity
	counters map[string]int64
}

// NewMetricsCollector creates a collector with a max ring buffer size.
func NewMetricsCollector(maxSize int) *MetricsCollector {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MetricsCollector{
		points:   make([]MetricPoint, 0, maxSize),
		maxSize:  maxSize,
		counters: make(map[string]int64),
	}
}

// Record adds a metric data point.
func (c *MetricsCollector) Record(mt MetricType, value float64, labels Labels) {
	c.mu.Lock()
	defer c.mu.Unlock()

	point := MetricPoint{
		Type:      mt,
		Value:     value,
		Labels:    labels,
		Timestamp: time.Now(),
	}

	if len(c.points) >= c.maxSize {
		// Shift left (drop oldest).
		copy(c.points, c.points[1:])
		c.points[len(c.points)-1] = point
	} else {
		c.points = append(c.points, point)
	}
}

// Increment increments a named counter.
func (c *MetricsCollector) Increment(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name]++
}

// IncrementBy increments a named counter by n.
func (c *MetricsCollector) IncrementBy(name string, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] += n
}

// Counter returns the current value of a counter.
func (c *MetricsCollector) Counter(name string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[name]
}

// Counters returns a copy of all counters.
func (c *MetricsCollector) Counters() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int64, len(c.counters))
	for k, v := range c.counters {
		out[k] = v
	}
	return out
}

// Observe records an operation's outcome and latency in one call.
func (c *MetricsCollector) Observe(mt MetricType, entity string, start time.Time) {
	elapsed := float64(time.Since(start).Milliseconds())
	c.Record(mt, 1, Labels{"entity": entity})
	c.Record(MetricLatency, elapsed, Labels{"entity": entity, "op": string(mt)})
	c.Increment(string(mt))
}

// Points returns a copy of the buffered data points.
func (c *MetricsCollector) Points() []MetricPoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]MetricPoint, len(c.points))
	copy(out, c.points)
	return out
}
