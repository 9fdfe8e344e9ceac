package rotation

import (
	"crypto/rand"
	"crypto/rsa"
	"os"
	"testing"
	"time"

	"github.com/cuemby/cda/pkg/events"
	"github.com/cuemby/cda/pkg/security"
	"github.com/cuemby/cda/pkg/storage"
	"github.com/cuemby/cda/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestIssuer(t *testing.T) (*security.Issuer, *events.Bus) {
	t.Helper()
	dir, err := os.MkdirTemp("", "cda-rotation-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus(nil)
	caStore := security.NewCAStore(store, bus)
	_, err = caStore.LoadOrCreateManaged("", types.KeyAlgorithmRSA2048)
	require.NoError(t, err)

	return security.NewIssuer(caStore), bus
}

func newTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestGenerateIssuesAndNotifiesSubscriber(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	key := newTestKey(t)

	var received []CertificateUpdateEvent
	gen := NewGenerator(issuer, "sub-1", types.SubscriptionRoleClient, time.Hour, key, []byte("key-pem"), func(ev CertificateUpdateEvent) {
		received = append(received, ev)
	})

	err := gen.Generate("initial", nil)
	require.NoError(t, err)
	require.Len(t, received, 1)
	require.Equal(t, "key-pem", string(received[0].KeyPEM))
	require.NotNil(t, gen.Last())
}

func TestGenerateServerIncludesSANHosts(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	key := newTestKey(t)

	var received CertificateUpdateEvent
	gen := NewGenerator(issuer, "sub-2", types.SubscriptionRoleServer, time.Hour, key, nil, func(ev CertificateUpdateEvent) {
		received = ev
	})

	err := gen.Generate("initial", func() []string { return []string{"10.0.0.5"} })
	require.NoError(t, err)
	require.NotEmpty(t, received.Leaf.DNSNames)
	require.Contains(t, received.Leaf.DNSNames, "localhost")
}

func TestGenerateDisabledRotationOnlyFiresOnce(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	key := newTestKey(t)

	calls := 0
	gen := NewGenerator(issuer, "sub-3", types.SubscriptionRoleClient, time.Hour, key, nil, func(CertificateUpdateEvent) {
		calls++
	})
	gen.DisableCertificateRotation = true

	require.NoError(t, gen.Generate("initial", nil))
	require.Equal(t, 1, calls)

	require.NoError(t, gen.Generate("expiring", nil))
	require.Equal(t, 1, calls, "rotation-disabled generator should not regenerate after the first call")
}

func TestShouldRotateBecomesTrueNearExpiry(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	key := newTestKey(t)

	gen := NewGenerator(issuer, "sub-4", types.SubscriptionRoleClient, time.Hour, key, nil, nil)
	require.False(t, gen.ShouldRotate(time.Now()), "a generator with nothing issued yet should not be due for rotation")

	require.NoError(t, gen.Generate("initial", nil))
	require.False(t, gen.ShouldRotate(time.Now()))

	leadTime := gen.RotationLeadTime
	notAfter := gen.Last().NotAfter
	require.True(t, gen.ShouldRotate(notAfter.Add(-leadTime)))
	require.True(t, gen.ShouldRotate(notAfter))
}
