package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetrics_Initialization(t *testing.T) {
	pm := NewPrometheusMetrics()
	require.NotNil(t, pm)
	require.NotNil(t, pm.GetRegistry())

	before := pm.GetUptime()
	time.Sleep(5 * time.Millisecond)
	assert.Greater(t, pm.GetUptime(), before)
}

func TestPrometheusMetrics_Counters(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.IncrementHosts(OutcomeSuccess, 3)
	pm.IncrementHosts(OutcomeSkipped, 1)
	pm.IncrementHosts(OutcomeFailed, 0)
	assert.Equal(t, 3.0, testutil.ToFloat64(pm.hostsTotal.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.hostsTotal.WithLabelValues(OutcomeSkipped)))
	assert.Equal(t, 0.0, testutil.ToFloat64(pm.hostsTotal.WithLabelValues(OutcomeFailed)))

	pm.IncrementStageDegradations("ports", "timeout")
	pm.IncrementStageDegradations("ports", "timeout")
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.stageDegradations.WithLabelValues("ports", "timeout")))

	pm.RecordWhoisCache(true)
	pm.RecordWhoisCache(false)
	pm.RecordWhoisCache(false)
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.whoisCacheHits))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.whoisCacheMisses))

	pm.SetWhoisCacheEntries(42)
	assert.Equal(t, 42.0, testutil.ToFloat64(pm.whoisCacheEntries))

	pm.IncrementInvalidInputs(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.invalidTargets))
}

func TestPrometheusMetrics_ActiveBatches(t *testing.T) {
	pm := NewPrometheusMetrics()
	pm.BatchStarted()
	pm.BatchStarted()
	pm.BatchFinished()
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.activeBatches))

	pm.IncrementBatches("complete")
	pm.IncrementBatches("error")
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.batchesTotal.WithLabelValues("error")))
}

func TestPrometheusMetrics_HandlerServes(t *testing.T) {
	pm := NewPrometheusMetrics()
	pm.RecordRun("small", "completed", time.Second)
	pm.RecordTransaction("save_host", 5*time.Millisecond, true)
	pm.IncrementDatabaseErrors("save_host", "DATABASE_QUERY")

	rr := httptest.NewRecorder()
	pm.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "hostsweep_system_uptime_seconds")
	assert.Contains(t, body, `hostsweep_pipeline_runs_total{profile="small",status="completed"} 1`)
	assert.Contains(t, body, "hostsweep_database_transaction_duration_seconds")
	assert.Contains(t, body, `hostsweep_database_errors_total{code="DATABASE_QUERY",operation="save_host"} 1`)
}

func TestPrometheusMetrics_NilReceiver(t *testing.T) {
	var pm *PrometheusMetrics

	assert.NotPanics(t, func() {
		pm.IncrementHosts(OutcomeSuccess, 1)
		pm.RecordRun("large", "completed", time.Second)
		pm.IncrementInvalidInputs(1)
		pm.IncrementBatches("complete")
		pm.BatchStarted()
		pm.BatchFinished()
		pm.RecordStageDuration("reachability", time.Millisecond)
		pm.IncrementStageDegradations("whois", "error")
		pm.RecordWhoisCache(true)
		pm.SetWhoisCacheEntries(1)
		pm.RecordTransaction("save_host", time.Millisecond, false)
		pm.IncrementDatabaseErrors("save_host", "UNKNOWN")
	})
	assert.Nil(t, pm.GetRegistry())
	assert.Zero(t, pm.GetUptime())

	rr := httptest.NewRecorder()
	pm.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetGlobalMetrics(t *testing.T) {
	assert.Same(t, GetGlobalMetrics(), GetGlobalMetrics())
}
