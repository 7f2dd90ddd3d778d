package metrics

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStats is a point-in-time view of the fingerprint store's connection
// pool.
type PoolStats struct {
	Acquired      int32
	Idle          int32
	Constructing  int32
	Max           int32
	Acquires      int64
	EmptyAcquires int64
	AcquireWait   time.Duration
}

// PgxPoolStats reads PoolStats from a pgxpool.
func PgxPoolStats(pool *pgxpool.Pool) func() PoolStats {
	return func() PoolStats {
		s := pool.Stat()
		return PoolStats{
			Acquired:      s.AcquiredConns(),
			Idle:          s.IdleConns(),
			Constructing:  s.ConstructingConns(),
			Max:           s.MaxConns(),
			Acquires:      s.AcquireCount(),
			EmptyAcquires: s.EmptyAcquireCount(),
			AcquireWait:   s.AcquireDuration(),
		}
	}
}

type fingerprintStoreCollector struct {
	stats func() PoolStats

	connections   *prometheus.Desc
	maxConns      *prometheus.Desc
	acquires      *prometheus.Desc
	emptyAcquires *prometheus.Desc
	acquireWait   *prometheus.Desc
}

// RegisterPoolMetrics exposes the fingerprint store's connection pool, read
// fresh on every scrape. store names the backend, e.g. "postgres".
func RegisterPoolMetrics(reg prometheus.Registerer, store string, stats func() PoolStats) {
	labels := prometheus.Labels{"store": store}
	reg.MustRegister(&fingerprintStoreCollector{
		stats: stats,
		connections: prometheus.NewDesc(
			"variantz_fingerprint_store_connections",
			"Fingerprint store connections by state.",
			[]string{"state"}, labels,
		),
		maxConns: prometheus.NewDesc(
			"variantz_fingerprint_store_max_connections",
			"Connection limit of the fingerprint store pool.",
			nil, labels,
		),
		acquires: prometheus.NewDesc(
			"variantz_fingerprint_store_acquires_total",
			"Connections acquired from the fingerprint store pool.",
			nil, labels,
		),
		emptyAcquires: prometheus.NewDesc(
			"variantz_fingerprint_store_waited_acquires_total",
			"Acquires that had to wait because no idle connection was available.",
			nil, labels,
		),
		acquireWait: prometheus.NewDesc(
			"variantz_fingerprint_store_acquire_wait_seconds_total",
			"Time spent acquiring fingerprint store connections.",
			nil, labels,
		),
	})
}

func (c *fingerprintStoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connections
	ch <- c.maxConns
	ch <- c.acquires
	ch <- c.emptyAcquires
	ch <- c.acquireWait
}

func (c *fingerprintStoreCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()

	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(s.Acquired), "acquired")
	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(s.Idle), "idle")
	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(s.Constructing), "constructing")
	ch <- prometheus.MustNewConstMetric(c.maxConns, prometheus.GaugeValue, float64(s.Max))
	ch <- prometheus.MustNewConstMetric(c.acquires, prometheus.CounterValue, float64(s.Acquires))
	ch <- prometheus.MustNewConstMetric(c.emptyAcquires, prometheus.CounterValue, float64(s.EmptyAcquires))
	ch <- prometheus.MustNewConstMetric(c.acquireWait, prometheus.CounterValue, s.AcquireWait.Seconds())
}
