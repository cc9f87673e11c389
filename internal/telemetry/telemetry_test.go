package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.ObserveProbe("up", time.Millisecond)
	c.ObserveRun("completed", 1, 0, time.Second)
	c.ObserveClientCall("registry", http.MethodGet, 200, time.Millisecond)
	assert.Nil(t, c.Registry())

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCollectorRecordsRuns(t *testing.T) {
	c := NewCollector("test", nil)
	c.ObserveRun("completed", 2, 1, 3*time.Second)
	c.ObserveRun("cancelled", 0, 1, time.Second)
	c.ObserveProbe("down", 20*time.Millisecond)
	c.ObserveClientCall("registry", http.MethodGet, 0, time.Millisecond)

	expected := `
# HELP test_healthcheck_last_run_services Service count per aggregate bucket in the last completed run
# TYPE test_healthcheck_last_run_services gauge
test_healthcheck_last_run_services{bucket="down"} 1
test_healthcheck_last_run_services{bucket="up"} 2
# HELP test_healthcheck_runs_total Health-check runs by outcome
# TYPE test_healthcheck_runs_total counter
test_healthcheck_runs_total{outcome="cancelled"} 1
test_healthcheck_runs_total{outcome="completed"} 1
`
	require.NoError(t, testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected),
		"test_healthcheck_last_run_services", "test_healthcheck_runs_total"))

	assert.Equal(t, 1, testutil.CollectAndCount(c.probes))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.clientCalls.WithLabelValues("registry", http.MethodGet, "0")))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_healthcheck_probes_total")
}

func TestSelfChecksFoldStatus(t *testing.T) {
	sc := NewSelfChecks()
	sc.Register("b", func(ctx context.Context) HealthCheck { return HealthCheck{Status: HealthStatusDegraded} })
	sc.Register("a", func(ctx context.Context) HealthCheck { return HealthCheck{Status: HealthStatusHealthy} })

	overall, checks := sc.Run(context.Background())
	assert.Equal(t, HealthStatusDegraded, overall)
	require.Len(t, checks, 2)
	assert.Equal(t, "a", checks[0].Name)
	assert.Equal(t, "b", checks[1].Name)

	sc.Register("store", PingCheck(func(ctx context.Context) error { return errors.New("database is locked") }))
	overall, checks = sc.Run(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, overall)
	assert.Equal(t, "database is locked", checks[2].Message)
}

func TestPingCheckHealthy(t *testing.T) {
	check := PingCheck(func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		return nil
	})(context.Background())
	assert.Equal(t, HealthStatusHealthy, check.Status)
}

func TestProfilingHandler(t *testing.T) {
	h := NewProfilingServer("127.0.0.1:0").Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var snap MemorySnapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	assert.Positive(t, snap.Goroutines)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/build", nil))
	assert.Contains(t, rec.Body.String(), "go_version")
}
