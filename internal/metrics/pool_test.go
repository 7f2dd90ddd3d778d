package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterPoolMetrics(t *testing.T) {
	stats := PoolStats{
		Acquired:      2,
		Idle:          3,
		Constructing:  1,
		Max:           8,
		Acquires:      40,
		EmptyAcquires: 5,
		AcquireWait:   1500 * time.Millisecond,
	}
	reg := prometheus.NewPedanticRegistry()
	RegisterPoolMetrics(reg, "postgres", func() PoolStats { return stats })

	expected := `
# HELP variantz_fingerprint_store_acquire_wait_seconds_total Time spent acquiring fingerprint store connections.
# TYPE variantz_fingerprint_store_acquire_wait_seconds_total counter
variantz_fingerprint_store_acquire_wait_seconds_total{store="postgres"} 1.5
# HELP variantz_fingerprint_store_acquires_total Connections acquired from the fingerprint store pool.
# TYPE variantz_fingerprint_store_acquires_total counter
variantz_fingerprint_store_acquires_total{store="postgres"} 40
# HELP variantz_fingerprint_store_connections Fingerprint store connections by state.
# TYPE variantz_fingerprint_store_connections gauge
variantz_fingerprint_store_connections{state="acquired",store="postgres"} 2
variantz_fingerprint_store_connections{state="constructing",store="postgres"} 1
variantz_fingerprint_store_connections{state="idle",store="postgres"} 3
# HELP variantz_fingerprint_store_max_connections Connection limit of the fingerprint store pool.
# TYPE variantz_fingerprint_store_max_connections gauge
variantz_fingerprint_store_max_connections{store="postgres"} 8
# HELP variantz_fingerprint_store_waited_acquires_total Acquires that had to wait because no idle connection was available.
# TYPE variantz_fingerprint_store_waited_acquires_total counter
variantz_fingerprint_store_waited_acquires_total{store="postgres"} 5
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected)); err != nil {
		t.Fatalf("GatherAndCompare() error = %v", err)
	}

	// Values are read on every scrape.
	stats.Max = 16
	rescraped := `
# HELP variantz_fingerprint_store_max_connections Connection limit of the fingerprint store pool.
# TYPE variantz_fingerprint_store_max_connections gauge
variantz_fingerprint_store_max_connections{store="postgres"} 16
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(rescraped), "variantz_fingerprint_store_max_connections"); err != nil {
		t.Fatalf("GatherAndCompare() after change error = %v", err)
	}
}

func TestPgxPoolStatsUnconnectedPool(t *testing.T) {
	// Connections are lazy, so a pool with an unreachable DSN is still
	// constructed.
	pool, err := pgxpool.New(context.Background(), "postgres://127.0.0.1:1/variantz?pool_max_conns=4")
	if err != nil {
		t.Skipf("pgxpool.New() error = %v", err)
	}
	defer pool.Close()

	got := PgxPoolStats(pool)()
	if got.Max != 4 || got.Acquired != 0 || got.Idle != 0 || got.Acquires != 0 {
		t.Fatalf("PgxPoolStats() = %+v, want max 4 and nothing acquired", got)
	}
}
