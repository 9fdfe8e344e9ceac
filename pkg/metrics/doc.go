/*
Package metrics provides Prometheus metrics collection and exposition for the
client device auth core.

Metrics cover CA lifecycle, certificate issuance and rotation, shadow
processing, identity-registry size and verification outcomes, cloud-call
latency and queue depth, background refresh runs, and authorization
decisions. All metrics are registered at package init and exposed via
Handler() for scraping.

# Usage

	http.Handle("/metrics", metrics.Handler())

	timer := metrics.NewTimer()
	leaf, err := issuer.IssueClient(subject, pub, validity)
	if err != nil {
		metrics.CertificateGenerationFailuresTotal.WithLabelValues("client").Inc()
		return err
	}
	timer.ObserveDuration(metrics.CertificateGenerationDuration)
	metrics.CertificatesIssuedTotal.WithLabelValues("client", "expiring").Inc()

See pkg/metrics/health.go for the separate liveness/readiness HTTP surface
(HealthStatus, HealthChecker) used by host process supervisors.
*/
package metrics
