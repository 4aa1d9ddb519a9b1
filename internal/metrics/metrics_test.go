package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"envtrack/internal/metrics"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *metrics.Collector
	c.RecordTransition("ISSUE", metrics.ResultOK)
	c.RecordUpload(metrics.ResultOK, 10)
	c.RecordNormalize(time.Millisecond)
	c.RecordRateLimited("user")
	c.RecordAnnotationUpdate("CONFLICT")
	c.RecordSweep(1, 0)
	c.RecordHTTPRequest("GET", "/api/status", "200", time.Millisecond)
	c.IncrementInFlight()
	c.DecrementInFlight()
	assert.Nil(t, c.Registry())
}

func TestCollectorCountsAndExposes(t *testing.T) {
	c := metrics.NewCollector()
	c.RecordTransition("ISSUE", metrics.ResultOK)
	c.RecordTransition("ISSUE", "WRONG_STATE")
	c.RecordTransition("ISSUE", "WRONG_STATE")
	c.RecordRateLimited("ip")

	count, err := testutil.GatherAndCount(c.Registry(), "envtrack_envelope_transitions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one series per label pair")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `envtrack_envelope_transitions_total{operation="ISSUE",result="WRONG_STATE"} 2`), body)
	assert.True(t, strings.Contains(body, `envtrack_ratelimit_rejections_total{kind="ip"} 1`), body)
}
