package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Observe(t *testing.T) {
	m := New()
	m.ObserveRequest("/api/orders", http.MethodPost, http.StatusCreated, 20*time.Millisecond)
	m.ObserveRequest("/api/orders", http.MethodPost, http.StatusCreated, 10*time.Millisecond)
	m.ObserveRequest("", http.MethodGet, http.StatusNotFound, time.Millisecond)
	m.ObserveCheckout("placed")
	m.ObserveCheckout("insufficient_stock")
	m.ObserveCheckout("insufficient_stock")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("/api/orders", "POST", "201")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("unmatched", "GET", "404")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.checkouts.WithLabelValues("insufficient_stock")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObserveCheckout("placed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `keychain_checkout_attempts_total{outcome="placed"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestPoolCollector(t *testing.T) {
	c := NewPoolCollector(func() PoolStats {
		return PoolStats{Acquired: 2, Idle: 3, Total: 5, Max: 10, AcquireCount: 42, EmptyAcquires: 1, AcquireWait: 1500 * time.Millisecond}
	})
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	assert.Equal(t, 7, testutil.CollectAndCount(c))

	expected := `
# HELP keychain_db_pool_acquired_conns Connections currently checked out.
# TYPE keychain_db_pool_acquired_conns gauge
keychain_db_pool_acquired_conns 2
# HELP keychain_db_pool_acquire_wait_seconds_total Time spent waiting to acquire.
# TYPE keychain_db_pool_acquire_wait_seconds_total counter
keychain_db_pool_acquire_wait_seconds_total 1.5
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"keychain_db_pool_acquired_conns", "keychain_db_pool_acquire_wait_seconds_total"))
}
