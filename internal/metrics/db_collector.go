package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PoolStats is a point-in-time reading of the connection pool.
type PoolStats struct {
	Total    int32
	Idle     int32
	Acquired int32
	Max      int32

	Acquires        int64
	EmptyAcquires   int64
	AcquireDuration time.Duration
}

// PoolStatFunc reads the pool. The metrics package does not import pgxpool.
type PoolStatFunc func() PoolStats

// poolCollector reads the pool once per scrape so that every series in a
// scrape comes from the same reading.
type poolCollector struct {
	read PoolStatFunc

	conns         *prometheus.Desc
	acquires      *prometheus.Desc
	emptyAcquires *prometheus.Desc
	acquireTime   *prometheus.Desc
}

func newPoolCollector(read PoolStatFunc) *poolCollector {
	return &poolCollector{
		read: read,
		conns: prometheus.NewDesc("taskforge_db_pool_conns",
			"Connections in the database pool by state.", []string{"state"}, nil),
		acquires: prometheus.NewDesc("taskforge_db_pool_acquires_total",
			"Successful connection acquisitions.", nil, nil),
		emptyAcquires: prometheus.NewDesc("taskforge_db_pool_empty_acquires_total",
			"Acquisitions that had to wait because the pool was empty.", nil, nil),
		acquireTime: prometheus.NewDesc("taskforge_db_pool_acquire_seconds_total",
			"Cumulative time spent acquiring connections.", nil, nil),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.conns
	ch <- c.acquires
	ch <- c.emptyAcquires
	ch <- c.acquireTime
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.read()
	for state, v := range map[string]int32{
		"total":    s.Total,
		"idle":     s.Idle,
		"acquired": s.Acquired,
		"max":      s.Max,
	} {
		ch <- prometheus.MustNewConstMetric(c.conns, prometheus.GaugeValue, float64(v), state)
	}
	ch <- prometheus.MustNewConstMetric(c.acquires, prometheus.CounterValue, float64(s.Acquires))
	ch <- prometheus.MustNewConstMetric(c.emptyAcquires, prometheus.CounterValue, float64(s.EmptyAcquires))
	ch <- prometheus.MustNewConstMetric(c.acquireTime, prometheus.CounterValue, s.AcquireDuration.Seconds())
}
