package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector adapts a *Metrics snapshot to the prometheus.Collector
// interface so an embedder can register it on its own registry without
// this package reaching for a global default registry itself — the
// embedder (the desktop shell's bridge, or a test) owns registration.
type Collector struct {
	m *Metrics

	requestsTotal     *prometheus.Desc
	requestsCompleted *prometheus.Desc
	requestsFailed    *prometheus.Desc
	requestsTunneled  *prometheus.Desc
	bytesCaptured     *prometheus.Desc
	bodiesTruncated   *prometheus.Desc
	leavesMinted      *prometheus.Desc
	leavesCacheHit    *prometheus.Desc
	leavesCacheMiss   *prometheus.Desc
	errorsByKind      *prometheus.Desc
	requestLatencyMs  *prometheus.Desc
	mintLatencyMs     *prometheus.Desc
	uptimeSeconds     *prometheus.Desc
}

// NewCollector wraps m as a prometheus.Collector.
func NewCollector(m *Metrics) *Collector {
	const ns = "mitmcore"
	return &Collector{
		m:                 m,
		requestsTotal:     prometheus.NewDesc(ns+"_requests_total", "Total exchanges observed by the proxy engine.", nil, nil),
		requestsCompleted: prometheus.NewDesc(ns+"_requests_completed_total", "Exchanges that received a response.", nil, nil),
		requestsFailed:    prometheus.NewDesc(ns+"_requests_failed_total", "Exchanges that ended without a response.", nil, nil),
		requestsTunneled:  prometheus.NewDesc(ns+"_requests_tunneled_total", "CONNECT requests passed through as an opaque tunnel.", nil, nil),
		bytesCaptured:     prometheus.NewDesc(ns+"_bytes_captured_total", "Captured body bytes by direction.", []string{"direction"}, nil),
		bodiesTruncated:   prometheus.NewDesc(ns+"_bodies_truncated_total", "Bodies that exceeded the capture cap and were truncated.", nil, nil),
		leavesMinted:      prometheus.NewDesc(ns+"_leaves_minted_total", "Leaf certificates signed by CertMinter.", nil, nil),
		leavesCacheHit:    prometheus.NewDesc(ns+"_leaf_cache_hits_total", "Leaf cache hits.", nil, nil),
		leavesCacheMiss:   prometheus.NewDesc(ns+"_leaf_cache_misses_total", "Leaf cache misses.", nil, nil),
		errorsByKind:      prometheus.NewDesc(ns+"_errors_total", "Exchange errors by kind.", []string{"kind"}, nil),
		requestLatencyMs:  prometheus.NewDesc(ns+"_request_latency_ms", "Exchange duration summary in milliseconds.", []string{"stat"}, nil),
		mintLatencyMs:     prometheus.NewDesc(ns+"_mint_latency_ms", "Leaf mint duration summary in milliseconds.", []string{"stat"}, nil),
		uptimeSeconds:     prometheus.NewDesc(ns+"_uptime_seconds", "Seconds since the Metrics collector was created.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requestsTotal
	ch <- c.requestsCompleted
	ch <- c.requestsFailed
	ch <- c.requestsTunneled
	ch <- c.bytesCaptured
	ch <- c.bodiesTruncated
	ch <- c.leavesMinted
	ch <- c.leavesCacheHit
	ch <- c.leavesCacheMiss
	ch <- c.errorsByKind
	ch <- c.requestLatencyMs
	ch <- c.mintLatencyMs
	ch <- c.uptimeSeconds
}

// Collect implements prometheus.Collector, taking one Snapshot per scrape.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.m.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.requestsTotal, prometheus.CounterValue, float64(snap.Requests.Total))
	ch <- prometheus.MustNewConstMetric(c.requestsCompleted, prometheus.CounterValue, float64(snap.Requests.Completed))
	ch <- prometheus.MustNewConstMetric(c.requestsFailed, prometheus.CounterValue, float64(snap.Requests.Failed))
	ch <- prometheus.MustNewConstMetric(c.requestsTunneled, prometheus.CounterValue, float64(snap.Requests.Tunneled))

	ch <- prometheus.MustNewConstMetric(c.bytesCaptured, prometheus.CounterValue, float64(snap.Bytes.CapturedRequest), "request")
	ch <- prometheus.MustNewConstMetric(c.bytesCaptured, prometheus.CounterValue, float64(snap.Bytes.CapturedResponse), "response")
	ch <- prometheus.MustNewConstMetric(c.bodiesTruncated, prometheus.CounterValue, float64(snap.Bytes.BodiesTruncated))

	ch <- prometheus.MustNewConstMetric(c.leavesMinted, prometheus.CounterValue, float64(snap.Leaves.Minted))
	ch <- prometheus.MustNewConstMetric(c.leavesCacheHit, prometheus.CounterValue, float64(snap.Leaves.CacheHit))
	ch <- prometheus.MustNewConstMetric(c.leavesCacheMiss, prometheus.CounterValue, float64(snap.Leaves.CacheMiss))

	for kind, count := range snap.ErrorsByKind {
		ch <- prometheus.MustNewConstMetric(c.errorsByKind, prometheus.CounterValue, float64(count), kind)
	}

	ch <- prometheus.MustNewConstMetric(c.requestLatencyMs, prometheus.GaugeValue, snap.Latency.RequestMs.MinMs, "min")
	ch <- prometheus.MustNewConstMetric(c.requestLatencyMs, prometheus.GaugeValue, snap.Latency.RequestMs.MeanMs, "mean")
	ch <- prometheus.MustNewConstMetric(c.requestLatencyMs, prometheus.GaugeValue, snap.Latency.RequestMs.MaxMs, "max")

	ch <- prometheus.MustNewConstMetric(c.mintLatencyMs, prometheus.GaugeValue, snap.Latency.MintMs.MinMs, "min")
	ch <- prometheus.MustNewConstMetric(c.mintLatencyMs, prometheus.GaugeValue, snap.Latency.MintMs.MeanMs, "mean")
	ch <- prometheus.MustNewConstMetric(c.mintLatencyMs, prometheus.GaugeValue, snap.Latency.MintMs.MaxMs, "max")

	ch <- prometheus.MustNewConstMetric(c.uptimeSeconds, prometheus.GaugeValue, snap.UptimeSecs)
}
