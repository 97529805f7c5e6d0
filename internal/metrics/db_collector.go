package metrics

import "github.com/prometheus/client_golang/prometheus"

// DBStats is a point-in-time view of the store's connection pool. Waits
// counts connection requests that had to block, since startup.
type DBStats struct {
	Open  int32
	Idle  int32
	InUse int32
	Waits int64
}

// DBStatsFunc reads the current pool statistics.
type DBStatsFunc func() DBStats

// dbCollector reads pool statistics on every scrape, labelled by the
// database driver that backs the budget and execution stores.
type dbCollector struct {
	driver string
	stats  DBStatsFunc

	conns *prometheus.Desc
	waits *prometheus.Desc
}

func newDBCollector(driver string, stats DBStatsFunc) *dbCollector {
	return &dbCollector{
		driver: driver,
		stats:  stats,
		conns: prometheus.NewDesc(
			"warden_db_connections",
			"Store connections by state (open, idle, in_use).",
			[]string{"driver", "state"}, nil,
		),
		waits: prometheus.NewDesc(
			"warden_db_connection_waits_total",
			"Store connection requests that blocked waiting for a free connection.",
			[]string{"driver"}, nil,
		),
	}
}

func (c *dbCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.conns
	ch <- c.waits
}

func (c *dbCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.stats()
	for state, v := range map[string]int32{"open": st.Open, "idle": st.Idle, "in_use": st.InUse} {
		ch <- prometheus.MustNewConstMetric(c.conns, prometheus.GaugeValue, float64(v), c.driver, state)
	}
	ch <- prometheus.MustNewConstMetric(c.waits, prometheus.CounterValue, float64(st.Waits), c.driver)
}
