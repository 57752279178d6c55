// Package metrics provides the Prometheus collectors of the wallet service and
// the HTTP server that exposes them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricOperationsTotal         = "wallet_operations_total"
	MetricOperationDuration       = "wallet_operation_duration_seconds"
	MetricAttestationsTotal       = "wallet_attestations_total"
	MetricUploadAttemptsTotal     = "wallet_upload_attempts_total"
	MetricUploadsTotal            = "wallet_uploads_total"
	MetricAuditWriteFailuresTotal = "wallet_audit_write_failures_total"
	MetricArchiveFailuresTotal    = "wallet_archive_failures_total"
	MetricRateLimitedTotal        = "wallet_rate_limited_total"
)

// Label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"

	AttestationAttested   = "attested"
	AttestationUnattested = "unattested"

	ServicePrimary   = "primary"
	ServiceSecondary = "secondary"
)

// Metrics holds the wallet collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	operations         *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	attestations       *prometheus.CounterVec
	uploadAttempts     *prometheus.CounterVec
	uploads            *prometheus.CounterVec
	auditWriteFailures prometheus.Counter
	archiveFailures    prometheus.Counter
	rateLimited        prometheus.Counter
}

// NewMetrics creates the collectors without registering them.
func NewMetrics() *Metrics {
	return &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricOperationsTotal,
				Help: "Wallet operations by operation and result",
			},
			[]string{"operation", "result"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricOperationDuration,
				Help:    "Wallet operation latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"operation"},
		),
		attestations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricAttestationsTotal,
				Help: "Quote requests by outcome",
			},
			[]string{"outcome"},
		),
		uploadAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricUploadAttemptsTotal,
				Help: "Verification upload attempts by service and result",
			},
			[]string{"service", "result"},
		),
		uploads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricUploadsTotal,
				Help: "Verification uploads by service and final result",
			},
			[]string{"service", "result"},
		),
		auditWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricAuditWriteFailuresTotal,
			Help: "Audit records that could not be persisted",
		}),
		archiveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricArchiveFailuresTotal,
			Help: "Attestation artifacts that could not be archived",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricRateLimitedTotal,
			Help: "Requests rejected by the rate limiter",
		}),
	}
}

// Collectors returns all collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.operations,
		m.operationDuration,
		m.attestations,
		m.uploadAttempts,
		m.uploads,
		m.auditWriteFailures,
		m.archiveFailures,
		m.rateLimited,
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveOperation counts a finished wallet operation and its latency.
func (m *Metrics) ObserveOperation(operation string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, result(err)).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncAttestation counts a quote request outcome.
func (m *Metrics) IncAttestation(attested bool) {
	if m == nil {
		return
	}
	outcome := AttestationUnattested
	if attested {
		outcome = AttestationAttested
	}
	m.attestations.WithLabelValues(outcome).Inc()
}

// IncUploadAttempt counts a single upload attempt.
func (m *Metrics) IncUploadAttempt(service string, err error) {
	if m == nil {
		return
	}
	m.uploadAttempts.WithLabelValues(service, result(err)).Inc()
}

// IncUpload counts the final outcome of an upload including retries.
func (m *Metrics) IncUpload(service string, err error) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(service, result(err)).Inc()
}

func (m *Metrics) IncAuditWriteFailure() {
	if m == nil {
		return
	}
	m.auditWriteFailures.Inc()
}

func (m *Metrics) IncArchiveFailure() {
	if m == nil {
		return
	}
	m.archiveFailures.Inc()
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}
