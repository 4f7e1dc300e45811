package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveDocument("pairwise", "processed")
	m.ObserveDocument("pairwise", "processed")
	m.ObserveDocument("pairwise", "skipped")
	m.ObserveComparison("pairwise", true)
	m.ObserveMerge("built")
	m.ObserveTask("pairwise", "done")

	assert.InDelta(t, 2, testutil.ToFloat64(m.documents.WithLabelValues("pairwise", "processed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.documents.WithLabelValues("pairwise", "skipped")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.comparisons.WithLabelValues("pairwise", "true")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.merges.WithLabelValues("built")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.tasks.WithLabelValues("pairwise", "done")), 0)
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.ObserveMerge("reused")
	m.ObserveAPI("/api/health", "GET", "200", 0.01)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `concord_curation_merges_total{outcome="reused"} 1`))
	assert.True(t, strings.Contains(string(body), "concord_http_time_seconds"))
}
