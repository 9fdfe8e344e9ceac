package ipc

import (
	"context"
	"encoding/pem"
	"os"
	"testing"
	"time"

	"github.com/cuemby/cda/pkg/events"
	"github.com/cuemby/cda/pkg/identity"
	"github.com/cuemby/cda/pkg/policy"
	"github.com/cuemby/cda/pkg/rotation"
	"github.com/cuemby/cda/pkg/security"
	"github.com/cuemby/cda/pkg/storage"
	"github.com/cuemby/cda/pkg/types"
	"github.com/cuemby/cda/pkg/verify"
)

func newTestService(t *testing.T) Service {
	t.Helper()
	dir, err := os.MkdirTemp("", "cda-ipc-test")
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

	registry, err := identity.NewRegistry(store, bus, time.Hour)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	pipeline := verify.NewPipeline(caStore, registry, nil, nil)
	engine := rotation.NewEngine(bus)
	engine.Start()
	t.Cleanup(engine.Stop)

	sessions := policy.NewSessionManager(pipeline, nil, nil, 0)
	groups := policy.NewGroupManager(nil)
	evaluator := policy.NewEvaluator(sessions, groups)

	return NewService(engine, issuer, pipeline, sessions, evaluator, types.KeyAlgorithmRSA2048, time.Hour, time.Hour, false)
}

func TestSubscribeToCertificateUpdatesDeliversInitialCertificate(t *testing.T) {
	svc := newTestService(t)

	var got rotation.CertificateUpdateEvent
	gen, err := svc.SubscribeToCertificateUpdates("sub-1", types.SubscriptionRoleClient, func(ev rotation.CertificateUpdateEvent) {
		got = ev
	})
	if err != nil {
		t.Fatalf("SubscribeToCertificateUpdates: %v", err)
	}
	if gen == nil {
		t.Fatal("expected a non-nil generator")
	}
	if got.Leaf == nil {
		t.Fatal("expected the subscriber to receive an initial certificate")
	}
}

func TestVerifyClientDeviceIdentityAcceptsLocallyIssuedLeaf(t *testing.T) {
	svc := newTestService(t)

	var got rotation.CertificateUpdateEvent
	if _, err := svc.SubscribeToCertificateUpdates("sub-2", types.SubscriptionRoleClient, func(ev rotation.CertificateUpdateEvent) {
		got = ev
	}); err != nil {
		t.Fatalf("SubscribeToCertificateUpdates: %v", err)
	}

	leafPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: got.Leaf.Raw})
	if !svc.VerifyClientDeviceIdentity(context.Background(), leafPEM) {
		t.Fatal("expected a locally-issued leaf to verify via the local CA fast path")
	}
}

func TestAuthorizeClientDeviceActionDeniesUnknownSession(t *testing.T) {
	svc := newTestService(t)
	if svc.AuthorizeClientDeviceAction("does-not-exist", "mqtt:publish", "mqtt:topic:a") {
		t.Fatal("expected authorization to be denied for an unknown session")
	}
}

func TestAuthorizeClientDeviceActionAllowsAllowAllSession(t *testing.T) {
	svc := newTestService(t)
	if !svc.AuthorizeClientDeviceAction(types.AllowAllSessionID, "mqtt:publish", "mqtt:topic:a") {
		t.Fatal("expected ALLOW_ALL to bypass policy")
	}
}
