package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PoolStats is a snapshot of connection pool counters.
type PoolStats struct {
	Acquired      int32
	Idle          int32
	Total         int32
	Max           int32
	AcquireCount  int64
	EmptyAcquires int64
	AcquireWait   time.Duration
}

type poolCollector struct {
	stat func() PoolStats

	acquired      *prometheus.Desc
	idle          *prometheus.Desc
	total         *prometheus.Desc
	max           *prometheus.Desc
	acquireCount  *prometheus.Desc
	emptyAcquires *prometheus.Desc
	acquireWait   *prometheus.Desc
}

// NewPoolCollector returns a collector that reads stat on every scrape.
func NewPoolCollector(stat func() PoolStats) prometheus.Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "db_pool", name), help, nil, nil)
	}
	return &poolCollector{
		stat:          stat,
		acquired:      desc("acquired_conns", "Connections currently checked out."),
		idle:          desc("idle_conns", "Idle connections."),
		total:         desc("total_conns", "Open connections."),
		max:           desc("max_conns", "Configured pool size."),
		acquireCount:  desc("acquires_total", "Successful acquires."),
		emptyAcquires: desc("empty_acquires_total", "Acquires that waited for a connection."),
		acquireWait:   desc("acquire_wait_seconds_total", "Time spent waiting to acquire."),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.acquired
	ch <- c.idle
	ch <- c.total
	ch <- c.max
	ch <- c.acquireCount
	ch <- c.emptyAcquires
	ch <- c.acquireWait
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stat()
	ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.GaugeValue, float64(s.Acquired))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.Idle))
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(s.Total))
	ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(s.Max))
	ch <- prometheus.MustNewConstMetric(c.acquireCount, prometheus.CounterValue, float64(s.AcquireCount))
	ch <- prometheus.MustNewConstMetric(c.emptyAcquires, prometheus.CounterValue, float64(s.EmptyAcquires))
	ch <- prometheus.MustNewConstMetric(c.acquireWait, prometheus.CounterValue, s.AcquireWait.Seconds())
}
