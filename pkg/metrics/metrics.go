package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CA metrics
	CASwapsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cda_ca_swaps_total",
			Help: "Total number of CA swap operations (managed<->custom)",
		},
	)

	CAActiveKind = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cda_ca_active_kind",
			Help: "Whether the active CA is of a given kind (1 = active)",
		},
		[]string{"kind"},
	)

	// Certificate issuance metrics
	CertificatesIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cda_certificates_issued_total",
			Help: "Total number of leaf certificates issued by role and reason",
		},
		[]string{"role", "reason"},
	)

	CertificateGenerationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cda_certificate_generation_duration_seconds",
			Help:    "Time taken to issue a leaf certificate in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CertificateGenerationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cda_certificate_generation_failures_total",
			Help: "Total number of failed certificate generation attempts by subscription role",
		},
		[]string{"role"},
	)

	ActiveSubscriptionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cda_active_subscriptions_total",
			Help: "Total number of active certificate subscriptions by role",
		},
		[]string{"role"},
	)

	// Shadow machine metrics
	ShadowProcessingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cda_shadow_processing_duration_seconds",
			Help:    "Time taken to process a shadow task in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ShadowTasksCoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cda_shadow_tasks_coalesced_total",
			Help: "Total number of shadow tasks discarded due to coalescing",
		},
	)

	ShadowLastProcessedVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cda_shadow_last_processed_version",
			Help: "The last shadow version successfully processed",
		},
	)

	// Identity registry metrics
	IdentityRegistryCertificatesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cda_identity_registry_certificates_total",
			Help: "Total number of cached certificate records",
		},
	)

	IdentityRegistryThingsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cda_identity_registry_things_total",
			Help: "Total number of registered Things",
		},
	)

	VerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cda_verifications_total",
			Help: "Total number of identity verification calls by path and result",
		},
		[]string{"path", "result"}, // path: local|cache|cloud; result: accept|reject
	)

	VerificationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cda_verification_duration_seconds",
			Help:    "Identity verification duration in seconds by path",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)

	// Cloud call metrics
	CloudCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cda_cloud_calls_total",
			Help: "Total number of upstream cloud calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	CloudCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cda_cloud_call_duration_seconds",
			Help:    "Upstream cloud call duration in seconds by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	CloudCallQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cda_cloud_call_queue_depth",
			Help: "Current depth of the bounded cloud-call worker pool queue",
		},
	)

	// Background refresh metrics
	RefreshRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cda_refresh_runs_total",
			Help: "Total number of background refresh runs that actually executed",
		},
	)

	RefreshSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cda_refresh_skipped_total",
			Help: "Total number of background refresh invocations skipped (already ran this window)",
		},
	)

	RefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cda_refresh_duration_seconds",
			Help:    "Time taken for a full background refresh run in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	RefreshOrphansPrunedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cda_refresh_orphans_pruned_total",
			Help: "Total number of orphaned records pruned by refresh by entity type",
		},
		[]string{"entity"}, // thing|certificate
	)

	// Policy evaluation metrics
	AuthorizationDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cda_authorization_decisions_total",
			Help: "Total number of authorize() decisions by outcome",
		},
		[]string{"outcome"}, // allow|deny|malformed
	)

	SessionsActiveTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cda_sessions_active_total",
			Help: "Total number of currently tracked sessions",
		},
	)
)

func init() {
	prometheus.MustRegister(
		CASwapsTotal,
		CAActiveKind,
		CertificatesIssuedTotal,
		CertificateGenerationDuration,
		CertificateGenerationFailuresTotal,
		ActiveSubscriptionsTotal,
		ShadowProcessingDuration,
		ShadowTasksCoalescedTotal,
		ShadowLastProcessedVersion,
		IdentityRegistryCertificatesTotal,
		IdentityRegistryThingsTotal,
		VerificationsTotal,
		VerificationDuration,
		CloudCallsTotal,
		CloudCallDuration,
		CloudCallQueueDepth,
		RefreshRunsTotal,
		RefreshSkippedTotal,
		RefreshDuration,
		RefreshOrphansPrunedTotal,
		AuthorizationDecisionsTotal,
		SessionsActiveTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
