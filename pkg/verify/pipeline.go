// Package verify implements the VerifyIdentityPipeline: layered
// client-certificate and Thing-attachment verification across the local CA,
// the identity registry's fast path, and the cloud as a last resort.
package verify

import (
	"context"
	"time"

	"github.com/cuemby/cda/pkg/cloudauth"
	"github.com/cuemby/cda/pkg/identity"
	"github.com/cuemby/cda/pkg/log"
	"github.com/cuemby/cda/pkg/metrics"
	"github.com/cuemby/cda/pkg/security"
	"github.com/cuemby/cda/pkg/types"
)

// Pipeline composes the local CA, the identity registry, and the cloud
// client behind the two verification operations.
type Pipeline struct {
	ca       *security.CAStore
	registry *identity.Registry
	cloud    cloudauth.Client
	pool     *cloudauth.Pool
}

// NewPipeline builds a Pipeline. pool may be nil in tests that never reach
// the cloud path.
func NewPipeline(ca *security.CAStore, registry *identity.Registry, cloud cloudauth.Client, pool *cloudauth.Pool) *Pipeline {
	return &Pipeline{ca: ca, registry: registry, cloud: cloud, pool: pool}
}

// IsLocallyIssued reports whether pem chains to this core's own CA, i.e. it
// identifies a co-located Greengrass component rather than a cloud-managed
// device (reused by session creation's Component attribute).
func (p *Pipeline) IsLocallyIssued(pem []byte) bool {
	leaf, err := security.DecodeCertPEM(pem)
	if err != nil {
		return false
	}
	return p.ca.VerifyCertificate(leaf) == nil
}

// VerifyClientCertificate checks a client certificate chain: validity
// window, local CA fast path, cached trust, then the cloud as a last
// resort.
func (p *Pipeline) VerifyClientCertificate(ctx context.Context, pemChain []byte) bool {
	timer := metrics.NewTimer()
	path := "cloud"
	result := "reject"
	defer func() {
		metrics.VerificationsTotal.WithLabelValues(path, result).Inc()
		timer.ObserveDurationVec(metrics.VerificationDuration, path)
	}()

	leaf, err := security.DecodeCertPEM(pemChain)
	if err != nil {
		return false
	}

	now := time.Now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return false
	}

	if err := p.ca.VerifyCertificate(leaf); err == nil {
		path, result = "local", "accept"
		return true
	}

	if _, ok := p.registry.GetCertificate(pemChain); ok {
		path, result = "cache", "accept"
		return true
	}

	if p.cloud == nil || p.pool == nil {
		path, result = "cache", "reject"
		return false
	}

	var status types.CertificateStatus
	callErr := p.pool.Submit(ctx, "get_certificate", func(ctx context.Context) error {
		var err error
		status, err = p.cloud.GetCertificate(ctx, pemChain)
		return err
	})

	id := identity.CertificateID(pemChain)

	if callErr != nil {
		log.WithEventKey("verify.cloud_call_failed").Error().Err(callErr).Msg("falling back to cached certificate status")
		if _, ok := p.registry.GetCertificate(pemChain); ok {
			result = "accept"
			return true
		}
		result = "reject"
		return false
	}

	if status == types.CertificateStatusActive {
		if _, err := p.registry.GetOrCreateCertificate(pemChain); err != nil {
			log.WithEventKey("verify.registry_update_failed").Error().Err(err).Msg("failed to upsert certificate record")
		}
		if err := p.registry.UpdateCertificateStatus(id, types.CertificateStatusActive, time.Now()); err != nil {
			log.WithEventKey("verify.registry_update_failed").Error().Err(err).Msg("failed to update certificate status")
		}
		if err := p.registry.SavePEM(id, pemChain); err != nil {
			log.WithEventKey("verify.registry_save_pem_failed").Error().Err(err).Msg("failed to persist certificate PEM")
		}
		result = "accept"
		return true
	}

	if _, err := p.registry.GetOrCreateCertificate(pemChain); err != nil {
		log.WithEventKey("verify.registry_update_failed").Error().Err(err).Msg("failed to upsert certificate record")
	}
	if err := p.registry.UpdateCertificateStatus(id, types.CertificateStatusUnknown, time.Now()); err != nil {
		log.WithEventKey("verify.registry_update_failed").Error().Err(err).Msg("failed to update certificate status")
	}
	result = "reject"
	return false
}

// RefreshCertificateStatus re-verifies pem against the cloud regardless of
// the registry's cached trust, so the record's status timestamp advances
// even when the status itself is unchanged. Used by the background refresh
// job; interactive verification goes through VerifyClientCertificate, whose
// fast path deliberately leaves timestamps untouched.
func (p *Pipeline) RefreshCertificateStatus(ctx context.Context, pem []byte) bool {
	if p.cloud == nil || p.pool == nil {
		return false
	}

	leaf, err := security.DecodeCertPEM(pem)
	if err != nil {
		return false
	}
	now := time.Now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return false
	}

	var status types.CertificateStatus
	callErr := p.pool.Submit(ctx, "get_certificate", func(ctx context.Context) error {
		var err error
		status, err = p.cloud.GetCertificate(ctx, pem)
		return err
	})
	if callErr != nil {
		log.WithEventKey("verify.cloud_call_failed").Error().Err(callErr).Msg("leaving cached certificate status untouched")
		_, ok := p.registry.GetCertificate(pem)
		return ok
	}

	id := identity.CertificateID(pem)
	newStatus := types.CertificateStatusUnknown
	if status == types.CertificateStatusActive {
		newStatus = types.CertificateStatusActive
	}
	if err := p.registry.UpdateCertificateStatus(id, newStatus, time.Now()); err != nil {
		log.WithEventKey("verify.registry_update_failed").Error().Err(err).Msg("failed to update certificate status")
	}
	return newStatus == types.CertificateStatusActive
}

// VerifyThingAttachedToCertificate checks a Thing-to-certificate binding:
// the local attachment map first, then the cloud, falling back to cached
// trust when the cloud is unreachable.
func (p *Pipeline) VerifyThingAttachedToCertificate(ctx context.Context, thingName, certificateID string) bool {
	if p.registry.IsThingAttachedWithinTrust(thingName, certificateID) {
		return true
	}

	if p.cloud == nil || p.pool == nil {
		return false
	}

	var attached bool
	callErr := p.pool.Submit(ctx, "is_thing_attached_to_certificate", func(ctx context.Context) error {
		var err error
		attached, err = p.cloud.IsThingAttachedToCertificate(ctx, thingName, certificateID)
		return err
	})

	if callErr != nil {
		log.WithEventKey("verify.cloud_call_failed").Error().Err(callErr).Msg("falling back to stored thing attachment")
		return p.registry.IsThingAttachedWithinTrust(thingName, certificateID)
	}

	if attached {
		if err := p.registry.Attach(thingName, certificateID, time.Now()); err != nil {
			log.WithEventKey("verify.registry_update_failed").Error().Err(err).Msg("failed to record thing attachment")
		}
	}
	return attached
}
