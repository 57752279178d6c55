package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Register(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))

	// second registration of the same collectors must fail
	assert.Error(t, m.Register(reg))
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.ObserveOperation("sign", nil, 10*time.Millisecond)
	m.ObserveOperation("sign", errors.New("boom"), time.Millisecond)
	m.IncAttestation(true)
	m.IncAttestation(false)
	m.IncAttestation(false)
	m.IncUploadAttempt(ServicePrimary, errors.New("timeout"))
	m.IncUploadAttempt(ServicePrimary, nil)
	m.IncUpload(ServicePrimary, nil)
	m.IncAuditWriteFailure()
	m.IncArchiveFailure()
	m.IncRateLimited()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("sign", ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("sign", ResultFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attestations.WithLabelValues(AttestationAttested)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.attestations.WithLabelValues(AttestationUnattested)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.uploadAttempts.WithLabelValues(ServicePrimary, ResultFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.uploads.WithLabelValues(ServicePrimary, ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.auditWriteFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.archiveFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimited))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveOperation("sign", nil, time.Second)
		m.IncAttestation(true)
		m.IncUploadAttempt(ServicePrimary, nil)
		m.IncUpload(ServiceSecondary, nil)
		m.IncAuditWriteFailure()
		m.IncArchiveFailure()
		m.IncRateLimited()
	})
}

func TestMetricsServer_ServesPrefixedMetrics(t *testing.T) {
	srv, err := New("tee_attested_wallet", "127.0.0.1:0")
	require.NoError(t, err)

	srv.Metrics().IncAuditWriteFailure()

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tee_attested_wallet_"+MetricAuditWriteFailuresTotal+" 1")
	assert.Contains(t, string(body), "go_goroutines")
}
