package prometheus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrEthical07/tenantauth/datastore"
	"github.com/MrEthical07/tenantauth/internal/logkey"
	"github.com/MrEthical07/tenantauth/metrics"
)

// Source is what the exporter reads. *tenantauth.Engine satisfies it.
type Source interface {
	MetricsSnapshot() metrics.Snapshot
	AuditDropped() uint64
}

// BreakerSource is optionally implemented by Source.
type BreakerSource interface {
	BreakerStates() map[string]datastore.State
}

// Collector is a prometheus.Collector over a Source.
type Collector struct {
	source     Source
	counters   []*prometheus.Desc
	histograms []*prometheus.Desc
	dropped    *prometheus.Desc
	breaker    *prometheus.Desc
}

// NewCollector returns a Collector reading from source.
func NewCollector(source Source) *Collector {
	c := &Collector{source: source}
	for _, d := range metrics.CounterDefs {
		c.counters = append(c.counters, prometheus.NewDesc(d.Name, d.Help, nil, nil))
	}
	for _, d := range metrics.HistogramDefs {
		c.histograms = append(c.histograms, prometheus.NewDesc(d.Name, d.Help, nil, nil))
	}
	c.dropped = prometheus.NewDesc("tenantauth_audit_dropped_total", "Audit events dropped under backpressure.", nil, nil)
	c.breaker = prometheus.NewDesc("tenantauth_breaker_state", "Dedicated store breaker state (0 closed, 1 open, 2 half-open).", []string{"store"}, nil)
	return c
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.counters {
		ch <- d
	}
	for _, d := range c.histograms {
		ch <- d
	}
	ch <- c.dropped
	ch <- c.breaker
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c == nil || c.source == nil {
		return
	}
	snap := c.source.MetricsSnapshot()
	if len(snap.Counters) > 0 {
		for i, d := range metrics.CounterDefs {
			ch <- prometheus.MustNewConstMetric(c.counters[i], prometheus.CounterValue, float64(snap.Counters[d.ID]))
		}
	}
	for i, d := range metrics.HistogramDefs {
		raw, ok := snap.Histograms[d.ID]
		if !ok {
			continue
		}
		cum := metrics.Cumulative(raw)
		buckets := make(map[float64]uint64, len(metrics.HistogramBounds))
		for j, le := range metrics.HistogramBounds {
			buckets[le] = cum[j]
		}
		// The snapshot carries no sum.
		ch <- prometheus.MustNewConstHistogram(c.histograms[i], cum[len(cum)-1], 0, buckets)
	}
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(c.source.AuditDropped()))

	if bs, ok := c.source.(BreakerSource); ok {
		for addr, st := range bs.BreakerStates() {
			ch <- prometheus.MustNewConstMetric(c.breaker, prometheus.GaugeValue, float64(st), logkey.Hash(addr))
		}
	}
}

// Handler registers a Collector for source on a fresh registry, together with
// the Go runtime and process collectors, and serves it.
func Handler(source Source) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(source)); err != nil {
		return nil, err
	}
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
