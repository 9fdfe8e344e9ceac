package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"testing"

	"github.com/cuemby/cda/pkg/types"
)

func newTestRSAKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}

func TestIssueClientSetsClientAuthEKU(t *testing.T) {
	caStore, _ := newTestCAStore(t)
	if _, err := caStore.LoadOrCreateManaged("", types.KeyAlgorithmRSA2048); err != nil {
		t.Fatalf("LoadOrCreateManaged: %v", err)
	}
	issuer := NewIssuer(caStore)

	key, err := newTestRSAKey()
	if err != nil {
		t.Fatalf("newTestRSAKey: %v", err)
	}

	issued, err := issuer.IssueClient("device-123", &key.PublicKey, DefaultClientCertificateValidity)
	if err != nil {
		t.Fatalf("IssueClient: %v", err)
	}

	if len(issued.Leaf.ExtKeyUsage) != 1 || issued.Leaf.ExtKeyUsage[0] != x509.ExtKeyUsageClientAuth {
		t.Fatalf("ExtKeyUsage = %v, want [ClientAuth]", issued.Leaf.ExtKeyUsage)
	}
	if len(issued.CAChainAtIssue) == 0 {
		t.Fatal("CAChainAtIssue should not be empty")
	}
}

func TestIssueServerSetsServerAuthEKUAndSANs(t *testing.T) {
	caStore, _ := newTestCAStore(t)
	if _, err := caStore.LoadOrCreateManaged("", types.KeyAlgorithmRSA2048); err != nil {
		t.Fatalf("LoadOrCreateManaged: %v", err)
	}
	issuer := NewIssuer(caStore)

	key, err := newTestRSAKey()
	if err != nil {
		t.Fatalf("newTestRSAKey: %v", err)
	}

	sanHosts := []string{"gateway.local", "10.0.0.5", "::1"}
	issued, err := issuer.IssueServer("gateway-core", &key.PublicKey, DefaultServerCertificateValidity, sanHosts)
	if err != nil {
		t.Fatalf("IssueServer: %v", err)
	}

	if len(issued.Leaf.ExtKeyUsage) != 1 || issued.Leaf.ExtKeyUsage[0] != x509.ExtKeyUsageServerAuth {
		t.Fatalf("ExtKeyUsage = %v, want [ServerAuth]", issued.Leaf.ExtKeyUsage)
	}

	foundLocalhost := false
	for _, name := range issued.Leaf.DNSNames {
		if name == "localhost" {
			foundLocalhost = true
		}
	}
	if !foundLocalhost {
		t.Fatalf("DNSNames = %v, want localhost present", issued.Leaf.DNSNames)
	}
	if len(issued.Leaf.IPAddresses) != 2 {
		t.Fatalf("IPAddresses = %v, want 2 entries (IPv4 + IPv6)", issued.Leaf.IPAddresses)
	}
}

func TestIssueServerDeduplicatesSANHosts(t *testing.T) {
	caStore, _ := newTestCAStore(t)
	if _, err := caStore.LoadOrCreateManaged("", types.KeyAlgorithmRSA2048); err != nil {
		t.Fatalf("LoadOrCreateManaged: %v", err)
	}
	issuer := NewIssuer(caStore)

	key, err := newTestRSAKey()
	if err != nil {
		t.Fatalf("newTestRSAKey: %v", err)
	}

	sanHosts := []string{"localhost", "gateway.local", "gateway.local", "10.0.0.5", "10.0.0.5"}
	issued, err := issuer.IssueServer("gateway-core", &key.PublicKey, DefaultServerCertificateValidity, sanHosts)
	if err != nil {
		t.Fatalf("IssueServer: %v", err)
	}

	counts := make(map[string]int)
	for _, name := range issued.Leaf.DNSNames {
		counts[name]++
	}
	if counts["localhost"] != 1 || counts["gateway.local"] != 1 {
		t.Fatalf("DNSNames = %v, want each host exactly once", issued.Leaf.DNSNames)
	}
	if len(issued.Leaf.IPAddresses) != 1 {
		t.Fatalf("IPAddresses = %v, want the duplicate IP collapsed to one entry", issued.Leaf.IPAddresses)
	}
}

func TestIssueUsesRSASignatureAlgorithmForRSACA(t *testing.T) {
	caStore, _ := newTestCAStore(t)
	if _, err := caStore.LoadOrCreateManaged("", types.KeyAlgorithmRSA2048); err != nil {
		t.Fatalf("LoadOrCreateManaged: %v", err)
	}
	issuer := NewIssuer(caStore)

	key, err := newTestRSAKey()
	if err != nil {
		t.Fatalf("newTestRSAKey: %v", err)
	}

	issued, err := issuer.IssueClient("device-rsa", &key.PublicKey, DefaultClientCertificateValidity)
	if err != nil {
		t.Fatalf("IssueClient: %v", err)
	}
	if issued.Leaf.SignatureAlgorithm != x509.SHA256WithRSA {
		t.Fatalf("SignatureAlgorithm = %v, want SHA256WithRSA", issued.Leaf.SignatureAlgorithm)
	}
}

func TestIssueUsesECDSASignatureAlgorithmForECDSACA(t *testing.T) {
	caStore, _ := newTestCAStore(t)
	if _, err := caStore.LoadOrCreateManaged("", types.KeyAlgorithmECDSAP256); err != nil {
		t.Fatalf("LoadOrCreateManaged: %v", err)
	}
	issuer := NewIssuer(caStore)

	key, err := newTestRSAKey()
	if err != nil {
		t.Fatalf("newTestRSAKey: %v", err)
	}

	issued, err := issuer.IssueClient("device-ecdsa", &key.PublicKey, DefaultClientCertificateValidity)
	if err != nil {
		t.Fatalf("IssueClient: %v", err)
	}
	if issued.Leaf.SignatureAlgorithm != x509.ECDSAWithSHA256 {
		t.Fatalf("SignatureAlgorithm = %v, want ECDSAWithSHA256", issued.Leaf.SignatureAlgorithm)
	}
}
