package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryScrape(t *testing.T) {
	m := NewRegistry(t.TempDir())

	m.RequestsTotal.WithLabelValues("GetObject", "200").Inc()
	m.RequestDuration.WithLabelValues("GetObject").Observe(0.02)
	m.BytesIn.Add(1024)
	m.BytesOut.Add(2048)
	m.JanitorPasses.Inc()
	m.JanitorDeletes.Add(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `stratumfs_requests_total{code="200",operation="GetObject"} 1`)
	assert.Contains(t, body, "stratumfs_bytes_received_total 1024")
	assert.Contains(t, body, "stratumfs_bytes_sent_total 2048")
	assert.Contains(t, body, "stratumfs_janitor_passes_total 1")
	assert.Contains(t, body, "stratumfs_janitor_expired_total 3")
	assert.Contains(t, body, "stratumfs_disk_total_bytes")
}
