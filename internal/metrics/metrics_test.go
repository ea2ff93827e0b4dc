package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncFinalization(OutcomeFinalized)
		m.IncVerification("verified")
		m.IncAuditFailure()
		m.IncAllocationFailure()
		m.IncPublishFailure()
		m.ObserveRender(1)
	})
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.IncFinalization(OutcomeFinalized)
	m.IncFinalization(OutcomeFinalized)
	m.IncAuditFailure()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Finalizations.WithLabelValues(OutcomeFinalized)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditFailures))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "ar_audit_append_failures_total 1")
}
