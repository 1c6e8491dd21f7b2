package ldm7

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LatencyBuckets defines the insert/deliver latency histogram buckets in
// nanoseconds, logarithmically spaced from 1us to 10s.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks operational counters for a product queue and the session
// driving it. All fields are safe for concurrent use.
type Metrics struct {
	InsertOps    atomic.Uint64
	DeleteOps    atomic.Uint64
	DuplicateOps atomic.Uint64
	MissedOps    atomic.Uint64
	BacklogOps   atomic.Uint64
	ExpiredOps   atomic.Uint64

	InsertBytes atomic.Uint64

	InsertErrors atomic.Uint64
	DeleteErrors atomic.Uint64

	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordInsert records a successful or failed product-queue insertion.
func (m *Metrics) RecordInsert(bytes uint64, latencyNs uint64, success bool) {
	m.InsertOps.Add(1)
	if success {
		m.InsertBytes.Add(bytes)
	} else {
		m.InsertErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordDelete records an eviction or explicit deletion.
func (m *Metrics) RecordDelete(success bool) {
	m.DeleteOps.Add(1)
	if !success {
		m.DeleteErrors.Add(1)
	}
}

// RecordDuplicate records a signature collision rejected by the queue.
func (m *Metrics) RecordDuplicate() {
	m.DuplicateOps.Add(1)
}

// RecordMissed records an entry added to the missed-products queue.
func (m *Metrics) RecordMissed() {
	m.MissedOps.Add(1)
}

// RecordBacklog records a product delivered during backlog recovery.
func (m *Metrics) RecordBacklog() {
	m.BacklogOps.Add(1)
}

// RecordExpired records a product evicted by age/capacity pressure rather
// than explicit deletion.
func (m *Metrics) RecordExpired() {
	m.ExpiredOps.Add(1)
}

// RecordQueueDepth records the current product count for averaging and
// peak tracking.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)
	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop records the stop timestamp, freezing uptime-derived rates.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time, non-atomic copy of Metrics suitable
// for logging or JSON encoding.
type MetricsSnapshot struct {
	InsertOps    uint64
	DeleteOps    uint64
	DuplicateOps uint64
	MissedOps    uint64
	BacklogOps   uint64
	ExpiredOps   uint64

	InsertBytes uint64

	InsertErrors uint64
	DeleteErrors uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	InsertRate float64
	TotalOps   uint64
	ErrorRate  float64
}

// Snapshot computes a MetricsSnapshot from the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		InsertOps:     m.InsertOps.Load(),
		DeleteOps:     m.DeleteOps.Load(),
		DuplicateOps:  m.DuplicateOps.Load(),
		MissedOps:     m.MissedOps.Load(),
		BacklogOps:    m.BacklogOps.Load(),
		ExpiredOps:    m.ExpiredOps.Load(),
		InsertBytes:   m.InsertBytes.Load(),
		InsertErrors:  m.InsertErrors.Load(),
		DeleteErrors:  m.DeleteErrors.Load(),
		MaxQueueDepth: m.MaxQueueDepth.Load(),
	}

	snap.TotalOps = snap.InsertOps + snap.DeleteOps

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.InsertRate = float64(snap.InsertOps) / uptimeSeconds
	}

	totalErrors := snap.InsertErrors + snap.DeleteErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}
	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes all counters and restarts the uptime clock. Intended for
// test fixtures.
func (m *Metrics) Reset() {
	m.InsertOps.Store(0)
	m.DeleteOps.Store(0)
	m.DuplicateOps.Store(0)
	m.MissedOps.Store(0)
	m.BacklogOps.Store(0)
	m.ExpiredOps.Store(0)
	m.InsertBytes.Store(0)
	m.InsertErrors.Store(0)
	m.DeleteErrors.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable collection of product-queue events, mirrored
// into both in-process snapshots and external collectors.
type Observer interface {
	ObserveInsert(bytes uint64, latencyNs uint64, success bool)
	ObserveDelete(success bool)
	ObserveDuplicate()
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver discards every event. It is the default Observer for
// callers that don't need metrics.
type NoOpObserver struct{}

func (NoOpObserver) ObserveInsert(uint64, uint64, bool) {}
func (NoOpObserver) ObserveDelete(bool)                 {}
func (NoOpObserver) ObserveDuplicate()                  {}
func (NoOpObserver) ObserveQueueDepth(uint32)           {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveInsert(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordInsert(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveDelete(success bool) {
	o.metrics.RecordDelete(success)
}

func (o *MetricsObserver) ObserveDuplicate() {
	o.metrics.RecordDuplicate()
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = (*NoOpObserver)(nil)
)

// PrometheusCollector adapts a Metrics into a prometheus.Collector, so the
// same counters the in-process Snapshot reports are scrapeable.
type PrometheusCollector struct {
	metrics *Metrics

	insertOps   *prometheus.Desc
	deleteOps   *prometheus.Desc
	duplicates  *prometheus.Desc
	missed      *prometheus.Desc
	backlog     *prometheus.Desc
	expired     *prometheus.Desc
	insertBytes *prometheus.Desc
	queueDepth  *prometheus.Desc
	avgLatency  *prometheus.Desc
}

// NewPrometheusCollector wraps m for registration with a
// prometheus.Registerer.
func NewPrometheusCollector(m *Metrics, namespace string) *PrometheusCollector {
	return &PrometheusCollector{
		metrics:     m,
		insertOps:   prometheus.NewDesc(namespace+"_insert_ops_total", "Total product queue insertions attempted.", nil, nil),
		deleteOps:   prometheus.NewDesc(namespace+"_delete_ops_total", "Total product queue deletions.", nil, nil),
		duplicates:  prometheus.NewDesc(namespace+"_duplicate_ops_total", "Total signature duplicates rejected.", nil, nil),
		missed:      prometheus.NewDesc(namespace+"_missed_ops_total", "Total products recorded as missed.", nil, nil),
		backlog:     prometheus.NewDesc(namespace+"_backlog_ops_total", "Total products delivered via backlog recovery.", nil, nil),
		expired:     prometheus.NewDesc(namespace+"_expired_ops_total", "Total products evicted by age or capacity pressure.", nil, nil),
		insertBytes: prometheus.NewDesc(namespace+"_insert_bytes_total", "Total bytes inserted into the product queue.", nil, nil),
		queueDepth:  prometheus.NewDesc(namespace+"_queue_depth", "Average product count in the queue across recorded samples.", nil, nil),
		avgLatency:  prometheus.NewDesc(namespace+"_insert_latency_seconds_avg", "Average insert latency in seconds.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.insertOps
	ch <- c.deleteOps
	ch <- c.duplicates
	ch <- c.missed
	ch <- c.backlog
	ch <- c.expired
	ch <- c.insertBytes
	ch <- c.queueDepth
	ch <- c.avgLatency
}

// Collect implements prometheus.Collector.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.metrics.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.insertOps, prometheus.CounterValue, float64(snap.InsertOps))
	ch <- prometheus.MustNewConstMetric(c.deleteOps, prometheus.CounterValue, float64(snap.DeleteOps))
	ch <- prometheus.MustNewConstMetric(c.duplicates, prometheus.CounterValue, float64(snap.DuplicateOps))
	ch <- prometheus.MustNewConstMetric(c.missed, prometheus.CounterValue, float64(snap.MissedOps))
	ch <- prometheus.MustNewConstMetric(c.backlog, prometheus.CounterValue, float64(snap.BacklogOps))
	ch <- prometheus.MustNewConstMetric(c.expired, prometheus.CounterValue, float64(snap.ExpiredOps))
	ch <- prometheus.MustNewConstMetric(c.insertBytes, prometheus.CounterValue, float64(snap.InsertBytes))
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, snap.AvgQueueDepth)
	ch <- prometheus.MustNewConstMetric(c.avgLatency, prometheus.GaugeValue, float64(snap.AvgLatencyNs)/1e9)
}

var _ prometheus.Collector = (*PrometheusCollector)(nil)
