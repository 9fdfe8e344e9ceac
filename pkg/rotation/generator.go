// Package rotation implements the per-subscription certificate generator and
// the rotation engine that drives it on expiry, CA-change, and connectivity
// triggers.
package rotation

import (
	"crypto"
	"crypto/x509"
	"sync"
	"time"

	"github.com/cuemby/cda/pkg/cdaerrors"
	"github.com/cuemby/cda/pkg/log"
	"github.com/cuemby/cda/pkg/metrics"
	"github.com/cuemby/cda/pkg/security"
	"github.com/cuemby/cda/pkg/types"
)

// CertificateUpdateEvent is pushed to a CertificateGenerator's subscriber on
// every successful generate() call.
type CertificateUpdateEvent struct {
	KeyPEM         []byte
	Leaf           *x509.Certificate
	CAChainAtIssue []*x509.Certificate
}

// Subscriber reacts to a freshly generated certificate. It is not called
// when generate is a rotation-disabled no-op, nor when issuance fails.
type Subscriber func(CertificateUpdateEvent)

// Generator is a single certificate subscription's lifecycle: it owns its
// own key pair, tracks the last issued certificate, and decides when it
// needs rotating.
type Generator struct {
	mu sync.Mutex

	SubscriptionID string
	Role           types.SubscriptionRole
	KeyAlgorithm   types.KeyAlgorithm
	Validity       time.Duration

	RotationLeadTime           time.Duration
	DisableCertificateRotation bool

	issuer     *security.Issuer
	privateKey crypto.Signer
	keyPEM     []byte

	hasGenerated bool
	last         *types.IssuedCertificate

	subscriber Subscriber
}

// NewGenerator builds a Generator for one subscription. privateKey is the
// subscription's own device-local key pair (never held by the CAStore).
func NewGenerator(issuer *security.Issuer, subscriptionID string, role types.SubscriptionRole, validity time.Duration, privateKey crypto.Signer, keyPEM []byte, subscriber Subscriber) *Generator {
	return &Generator{
		SubscriptionID:   subscriptionID,
		Role:             role,
		Validity:         validity,
		RotationLeadTime: validity / 2,
		issuer:           issuer,
		privateKey:       privateKey,
		keyPEM:           keyPEM,
		subscriber:       subscriber,
	}
}

// AddressSupplier returns the SAN host list for a server/client-and-server
// generator's next issuance.
type AddressSupplier func() []string

// Generate issues a new leaf via the CertificateIssuer and pushes a CertificateUpdateEvent to the
// subscriber. If DisableCertificateRotation is set and a certificate has
// already been generated once, the call is a no-op — the initial generation
// still always fires.
func (g *Generator) Generate(reason string, addressSupplier AddressSupplier) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.DisableCertificateRotation && g.hasGenerated {
		return nil
	}

	timer := metrics.NewTimer()
	issued, err := g.issue(addressSupplier)
	timer.ObserveDuration(metrics.CertificateGenerationDuration)

	if err != nil {
		metrics.CertificateGenerationFailuresTotal.WithLabelValues(string(g.Role)).Inc()
		log.WithSubscriptionID(g.SubscriptionID).Error().Err(err).Str("reason", reason).Msg("certificate generation failed")
		return cdaerrors.CertificateGenerationFailed("rotation.generate", err)
	}

	g.hasGenerated = true
	g.last = issued
	metrics.CertificatesIssuedTotal.WithLabelValues(string(g.Role), reason).Inc()

	if g.subscriber != nil {
		g.subscriber(CertificateUpdateEvent{
			KeyPEM:         g.keyPEM,
			Leaf:           issued.Leaf,
			CAChainAtIssue: issued.CAChainAtIssue,
		})
	}
	return nil
}

func (g *Generator) issue(addressSupplier AddressSupplier) (*types.IssuedCertificate, error) {
	subject := g.SubscriptionID
	pub := g.privateKey.Public()

	if g.Role == types.SubscriptionRoleClient {
		return g.issuer.IssueClient(subject, pub, g.Validity)
	}

	var sanHosts []string
	if addressSupplier != nil {
		sanHosts = addressSupplier()
	}
	return g.issuer.IssueServer(subject, pub, g.Validity, sanHosts)
}

// ShouldRotate reports whether the certificate is due for rotation: true
// once now >= notAfter - rotationLeadTime.
func (g *Generator) ShouldRotate(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.hasGenerated {
		return false
	}
	return !now.Before(g.last.NotAfter.Add(-g.RotationLeadTime))
}

// Last returns the most recently issued certificate, or nil if none yet.
func (g *Generator) Last() *types.IssuedCertificate {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}
