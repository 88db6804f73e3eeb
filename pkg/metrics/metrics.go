// Package metrics exposes the engine's per-CID flow-control state as
// Prometheus gauges: the current Lmax byte-limit target, the estimated
// transfer rate, and outstanding (unacknowledged) bytes.
//
// Grounded on the teacher-adjacent pkg/exporter/exporter.go (from the pack's
// sockstats repo): a custom prometheus.Collector holding per-connection
// state under a mutex and emitting one metric per tracked object on
// Collect, generalized here from per-TCP-connection kernel stats to
// per-CID flow-regulator state.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// CIDSnapshot is the set of values scraped from a flow.Regulator for one
// CID at collection time.
type CIDSnapshot struct {
	Lmax             int64
	EstimatedRateBps float64
	OutstandingBytes int64
}

// Collector implements prometheus.Collector, emitting one set of gauges per
// tracked CID.
type Collector struct {
	mu   sync.Mutex
	cids map[int]CIDSnapshot

	lmax        *prometheus.Desc
	rate        *prometheus.Desc
	outstanding *prometheus.Desc
}

func NewCollector(namespace string) *Collector {
	return &Collector{
		cids: make(map[int]CIDSnapshot),
		lmax: prometheus.NewDesc(
			namespace+"_flow_lmax_bytes",
			"Current target byte limit (Lmax) for the CID's flow regulator.",
			[]string{"cid"}, nil,
		),
		rate: prometheus.NewDesc(
			namespace+"_flow_rate_bytes_per_usec",
			"Estimated transfer rate for the CID.",
			[]string{"cid"}, nil,
		),
		outstanding: prometheus.NewDesc(
			namespace+"_flow_outstanding_bytes",
			"Outstanding (unacknowledged) bytes on the CID.",
			[]string{"cid"}, nil,
		),
	}
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.lmax
	descs <- c.rate
	descs <- c.outstanding
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for cidID, snap := range c.cids {
		label := strconv.Itoa(cidID)
		metrics <- prometheus.MustNewConstMetric(c.lmax, prometheus.GaugeValue, float64(snap.Lmax), label)
		metrics <- prometheus.MustNewConstMetric(c.rate, prometheus.GaugeValue, snap.EstimatedRateBps, label)
		metrics <- prometheus.MustNewConstMetric(c.outstanding, prometheus.GaugeValue, float64(snap.OutstandingBytes), label)
	}
}

// Update records the latest snapshot for a CID, replacing any prior one.
func (c *Collector) Update(cidID int, snap CIDSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cids[cidID] = snap
}

// Remove drops a CID's tracked state, called when the CID is released.
func (c *Collector) Remove(cidID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cids, cidID)
}
