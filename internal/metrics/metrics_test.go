package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefreshCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RefreshStarted("accounts")
	m.RefreshStarted("accounts")
	m.RefreshFinished("accounts", nil)
	m.RefreshFinished("accounts", errors.New("boom"))

	body := scrape(t, m)
	assert.Contains(t, body, `ledgerwatch_refreshes_total{component="accounts"} 2`)
	assert.Contains(t, body, `ledgerwatch_refresh_failures_total{component="accounts"} 1`)
	assert.Contains(t, body, `ledgerwatch_refreshes_in_flight{component="accounts"} 0`)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RefreshStarted("accounts")
		m.RefreshFinished("accounts", nil)
		m.SetTrackedAccounts(3)
		m.SetTransactions(3)
		m.ObserveRemote("get_accounts", time.Now(), nil)
	})
}

func TestHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SetTrackedAccounts(4)

	assert.Contains(t, scrape(t, m), "ledgerwatch_tracked_accounts 4")
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}
