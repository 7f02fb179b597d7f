package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alexjbarnes/transmission-proxy/internal/acl"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestMetrics_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveCall("torrent-get", "success", 10*time.Millisecond)
	m.ObserveCall("torrent-get", "success", 20*time.Millisecond)
	m.ObserveCall("torrent-add", "remote", time.Millisecond)
	m.SessionRefreshed()
	m.ObserveDecision("torrent-remove", acl.Decision{Effect: acl.Deny})
	m.PolicyReloaded(nil)
	m.PolicyReloaded(errors.New("bad yaml"))

	body := scrape(t, reg)
	assert.Contains(t, body, `transmission_proxy_upstream_calls_total{method="torrent-get",outcome="success"} 2`)
	assert.Contains(t, body, `transmission_proxy_upstream_calls_total{method="torrent-add",outcome="remote"} 1`)
	assert.Contains(t, body, `transmission_proxy_upstream_call_duration_seconds_count{method="torrent-get"} 2`)
	assert.Contains(t, body, `transmission_proxy_upstream_session_refreshes_total 1`)
	assert.Contains(t, body, `transmission_proxy_acl_decisions_total{effect="deny",method="torrent-remove"} 1`)
	assert.Contains(t, body, `transmission_proxy_policy_reloads_total{result="error"} 1`)
	assert.Contains(t, body, `transmission_proxy_policy_reloads_total{result="success"} 1`)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveCall("torrent-get", "success", time.Second)
	m.SessionRefreshed()
	m.ObserveDecision("torrent-get", acl.Decision{})
	m.PolicyReloaded(nil)
}

func TestMetrics_UnregisteredWithoutRegisterer(t *testing.T) {
	m := New(nil)
	m.SessionRefreshed()

	reg := prometheus.NewRegistry()
	assert.NotContains(t, scrape(t, reg), "transmission_proxy")
}
