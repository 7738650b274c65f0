package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBundlesRegisterAndExpose(t *testing.T) {
	pm := NewPrometheusMetrics()
	sm := NewStorageMetrics(pm)
	cm := NewChallengeMetrics(pm)

	sm.Puts.WithLabelValues("false").Inc()
	sm.StoredBytes.WithLabelValues("hot").Set(17)
	cm.Resolved.WithLabelValues("passed").Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(sm.Puts.WithLabelValues("false")))
	assert.Equal(t, 2.0, testutil.ToFloat64(cm.Resolved.WithLabelValues("passed")))

	rec := httptest.NewRecorder()
	pm.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `chunkproof_stored_bytes{tier="hot"} 17`)
	assert.Contains(t, string(body), "chunkproof_challenges_resolved_total")
}
