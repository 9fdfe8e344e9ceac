package verify

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/cuemby/cda/pkg/cloudauth"
	"github.com/cuemby/cda/pkg/events"
	"github.com/cuemby/cda/pkg/identity"
	"github.com/cuemby/cda/pkg/security"
	"github.com/cuemby/cda/pkg/storage"
	"github.com/cuemby/cda/pkg/types"
)

type fakeCloudClient struct {
	certStatus types.CertificateStatus
	certErr    error
	attached   bool
	attachErr  error
}

func (f *fakeCloudClient) GetCertificate(ctx context.Context, pem []byte) (types.CertificateStatus, error) {
	return f.certStatus, f.certErr
}
func (f *fakeCloudClient) IsThingAttachedToCertificate(ctx context.Context, thing, certID string) (bool, error) {
	return f.attached, f.attachErr
}
func (f *fakeCloudClient) ListThingsAttachedToCore(ctx context.Context, pageSize int, pageToken string) ([]string, string, error) {
	return nil, "", nil
}
func (f *fakeCloudClient) GetConnectivityInfo(ctx context.Context, thing string) ([]string, bool, error) {
	return nil, false, nil
}
func (f *fakeCloudClient) PutCertificateAuthorities(ctx context.Context, thing string, pems [][]byte) error {
	return nil
}
func (f *fakeCloudClient) GetThingAttributes(ctx context.Context, thing string) (map[string]string, error) {
	return nil, nil
}

func newTestPipeline(t *testing.T, cloud cloudauth.Client, trustDuration time.Duration) (*Pipeline, *security.Issuer) {
	t.Helper()
	dir, err := os.MkdirTemp("", "cda-verify-test")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := storage.NewBoltStore(dir)
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus(nil)
	caStore := security.NewCAStore(store, bus)
	if _, err := caStore.LoadOrCreateManaged("", types.KeyAlgorithmRSA2048); err != nil {
		t.Fatalf("LoadOrCreateManaged: %v", err)
	}
	issuer := security.NewIssuer(caStore)

	registry, err := identity.NewRegistry(store, bus, trustDuration)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	var pool *cloudauth.Pool
	if cloud != nil {
		pool = cloudauth.NewPool(4, 1)
		pool.Start()
		t.Cleanup(pool.Stop)
	}

	return NewPipeline(caStore, registry, cloud, pool), issuer
}

// foreignLeaf builds a leaf certificate signed by a throwaway CA unrelated
// to the pipeline under test, so VerifyCertificate's local fast path always
// misses and the registry/cloud layers are actually exercised.
func foreignLeaf(t *testing.T, subject string) []byte {
	t.Helper()
	dir, err := os.MkdirTemp("", "cda-verify-foreign-ca")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := storage.NewBoltStore(dir)
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	foreignCA := security.NewCAStore(store, events.NewBus(nil))
	if _, err := foreignCA.LoadOrCreateManaged("", types.KeyAlgorithmRSA2048); err != nil {
		t.Fatalf("LoadOrCreateManaged: %v", err)
	}
	foreignIssuer := security.NewIssuer(foreignCA)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	issued, err := foreignIssuer.IssueClient(subject, &key.PublicKey, 24*time.Hour)
	if err != nil {
		t.Fatalf("IssueClient: %v", err)
	}
	return issued.LeafPEM
}

func testClientLeaf(t *testing.T, issuer *security.Issuer, subject string) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	issued, err := issuer.IssueClient(subject, &key.PublicKey, 24*time.Hour)
	if err != nil {
		t.Fatalf("IssueClient: %v", err)
	}
	return issued.LeafPEM
}

func TestVerifyClientCertificateAcceptsLocalComponentCert(t *testing.T) {
	p, issuer := newTestPipeline(t, nil, time.Hour)
	pem := testClientLeaf(t, issuer, "component-a")

	if !p.VerifyClientCertificate(context.Background(), pem) {
		t.Fatal("expected a CA-issued component certificate to verify locally")
	}
}

func TestVerifyClientCertificateFastPathFromRegistry(t *testing.T) {
	p, _ := newTestPipeline(t, nil, time.Hour)
	pem := foreignLeaf(t, "device-registry-cached")

	id := identity.CertificateID(pem)
	if _, err := p.registry.GetOrCreateCertificate(pem); err != nil {
		t.Fatalf("GetOrCreateCertificate: %v", err)
	}
	if err := p.registry.UpdateCertificateStatus(id, types.CertificateStatusActive, time.Now()); err != nil {
		t.Fatalf("UpdateCertificateStatus: %v", err)
	}

	if !p.VerifyClientCertificate(context.Background(), pem) {
		t.Fatal("expected a registry-cached ACTIVE certificate to verify via the fast path")
	}
}

func TestVerifyClientCertificateRejectsUnknownForeignCert(t *testing.T) {
	p, _ := newTestPipeline(t, nil, time.Hour)
	pem := foreignLeaf(t, "device-unknown")

	if p.VerifyClientCertificate(context.Background(), pem) {
		t.Fatal("a foreign certificate with no registry record and no cloud client should not verify")
	}
}

func TestVerifyClientCertificateCloudActiveUpdatesRegistry(t *testing.T) {
	cloud := &fakeCloudClient{certStatus: types.CertificateStatusActive}
	p, _ := newTestPipeline(t, cloud, time.Hour)
	pem := foreignLeaf(t, "device-a")

	if !p.VerifyClientCertificate(context.Background(), pem) {
		t.Fatal("expected cloud ACTIVE status to verify the certificate")
	}
	if _, ok := p.registry.GetCertificate(pem); !ok {
		t.Fatal("expected the certificate to be cached ACTIVE after a cloud hit")
	}
}

func TestVerifyClientCertificateCloudInactiveMarksUnknownAndRejects(t *testing.T) {
	cloud := &fakeCloudClient{certStatus: types.CertificateStatusUnknown}
	p, _ := newTestPipeline(t, cloud, time.Hour)
	pem := foreignLeaf(t, "device-inactive")

	if p.VerifyClientCertificate(context.Background(), pem) {
		t.Fatal("expected a cloud-inactive certificate to be rejected")
	}
	if _, ok := p.registry.GetCertificate(pem); ok {
		t.Fatal("a rejected certificate should not read back as cached-ACTIVE")
	}
}

func TestVerifyClientCertificateCloudFailureFallsBackToCache(t *testing.T) {
	cloud := &fakeCloudClient{certErr: errors.New("unreachable")}
	p, _ := newTestPipeline(t, cloud, time.Hour)
	pem := foreignLeaf(t, "device-b")

	id := identity.CertificateID(pem)
	if _, err := p.registry.GetOrCreateCertificate(pem); err != nil {
		t.Fatalf("GetOrCreateCertificate: %v", err)
	}
	if err := p.registry.UpdateCertificateStatus(id, types.CertificateStatusActive, time.Now()); err != nil {
		t.Fatalf("UpdateCertificateStatus: %v", err)
	}

	if !p.VerifyClientCertificate(context.Background(), pem) {
		t.Fatal("expected a cloud failure to fall back to the cached ACTIVE status")
	}
}

func TestVerifyThingAttachedFastPathAndCloudFallback(t *testing.T) {
	cloud := &fakeCloudClient{attached: true}
	p, _ := newTestPipeline(t, cloud, time.Hour)

	if !p.VerifyThingAttachedToCertificate(context.Background(), "thing-1", "cert-1") {
		t.Fatal("expected the cloud to confirm attachment")
	}
	if !p.registry.IsThingAttachedWithinTrust("thing-1", "cert-1") {
		t.Fatal("expected the attachment to be recorded locally after a cloud hit")
	}

	// Second call should hit the fast path without needing the cloud.
	cloud.attached = false
	if !p.VerifyThingAttachedToCertificate(context.Background(), "thing-1", "cert-1") {
		t.Fatal("expected the fast path to accept based on the locally recorded attachment")
	}
}

func TestRefreshCertificateStatusBypassesTrustCache(t *testing.T) {
	cloud := &fakeCloudClient{certStatus: types.CertificateStatusActive}
	p, _ := newTestPipeline(t, cloud, time.Hour)
	pem := foreignLeaf(t, "device-refresh")

	id := identity.CertificateID(pem)
	staleAt := time.Now().Add(-30 * time.Minute)
	if _, err := p.registry.GetOrCreateCertificate(pem); err != nil {
		t.Fatalf("GetOrCreateCertificate: %v", err)
	}
	if err := p.registry.UpdateCertificateStatus(id, types.CertificateStatusActive, staleAt); err != nil {
		t.Fatalf("UpdateCertificateStatus: %v", err)
	}

	if !p.RefreshCertificateStatus(context.Background(), pem) {
		t.Fatal("expected the cloud ACTIVE status to refresh the record")
	}

	rec, ok := p.registry.GetCertificate(pem)
	if !ok {
		t.Fatal("expected the record to remain ACTIVE after refresh")
	}
	if !rec.StatusLastUpdated.After(staleAt) {
		t.Fatal("a refresh must advance the status timestamp even when the status is unchanged")
	}
}

func TestVerifyThingAttachedCloudFailureFallsBackToStored(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeCloudClient{attachErr: errors.New("unreachable")}, time.Hour)
	if err := p.registry.Attach("thing-3", "cert-3", time.Now()); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if !p.VerifyThingAttachedToCertificate(context.Background(), "thing-3", "cert-3") {
		t.Fatal("expected a cloud failure to fall back to the stored attachment")
	}
}
