package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"net"
	"time"

	"github.com/cuemby/cda/pkg/cdaerrors"
	"github.com/cuemby/cda/pkg/types"
)

// DefaultClientCertificateValidity and DefaultServerCertificateValidity are
// the default validity windows, overridable via CertificatesConfig.
const (
	DefaultClientCertificateValidity = 7 * 24 * time.Hour
	DefaultServerCertificateValidity = 7 * 24 * time.Hour
)

// Issuer issues leaf certificates signed by a CAStore's current chain,
// accepting caller-supplied subjects, validity windows, and SAN hosts. The
// signature algorithm follows the CA's key type.
type Issuer struct {
	ca *CAStore
}

// NewIssuer builds an Issuer bound to the given CAStore.
func NewIssuer(ca *CAStore) *Issuer {
	return &Issuer{ca: ca}
}

// IssueClient issues a leaf certificate with EKU id_kp_clientAuth, signed
// by the CAStore's current chain.
func (iss *Issuer) IssueClient(subject string, subjectPublicKey crypto.PublicKey, validity time.Duration) (*types.IssuedCertificate, error) {
	return iss.issue(subject, subjectPublicKey, validity, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, nil)
}

// IssueServer issues a leaf certificate with EKU id_kp_serverAuth and
// SubjectAltName = {DNS: localhost} union the classified entries of
// sanHosts.
func (iss *Issuer) IssueServer(subject string, subjectPublicKey crypto.PublicKey, validity time.Duration, sanHosts []string) (*types.IssuedCertificate, error) {
	return iss.issue(subject, subjectPublicKey, validity, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, sanHosts)
}

func (iss *Issuer) issue(subject string, subjectPublicKey crypto.PublicKey, validity time.Duration, ekus []x509.ExtKeyUsage, sanHosts []string) (*types.IssuedCertificate, error) {
	serial, err := randomSerial()
	if err != nil {
		return nil, cdaerrors.CertificateGenerationFailed("issuer.serial", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: subject},
		NotBefore:    now.Add(-5 * time.Minute),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  ekus,
	}

	// The SAN set is {localhost} union sanHosts; hosts repeated in sanHosts
	// (localhost included) appear once.
	dnsNames := []string{"localhost"}
	seen := map[string]struct{}{"localhost": {}}
	var ipAddresses []net.IP
	for _, host := range sanHosts {
		dns, ip := classifyHost(host)
		if ip != nil {
			if _, ok := seen[ip.String()]; ok {
				continue
			}
			seen[ip.String()] = struct{}{}
			ipAddresses = append(ipAddresses, ip)
		} else {
			if _, ok := seen[dns]; ok {
				continue
			}
			seen[dns] = struct{}{}
			dnsNames = append(dnsNames, dns)
		}
	}
	template.DNSNames = dnsNames
	template.IPAddresses = ipAddresses

	der, chainAtIssue, err := iss.ca.SignLeaf(template, subjectPublicKey)
	if err != nil {
		return nil, cdaerrors.CertificateGenerationFailed("issuer.sign", err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, cdaerrors.CertificateGenerationFailed("issuer.parse", err)
	}

	return &types.IssuedCertificate{
		Leaf:           leaf,
		LeafPEM:        encodeCertPEM(leaf),
		CAChainAtIssue: chainAtIssue,
		NotBefore:      leaf.NotBefore,
		NotAfter:       leaf.NotAfter,
	}, nil
}

// GenerateDeviceKey generates a fresh device-local key pair for a new
// CertificateSubscription, never held by the CAStore, and PEM-encodes it
// for the subscriber to persist alongside its issued leaf.
func GenerateDeviceKey(algorithm types.KeyAlgorithm) (crypto.Signer, []byte, error) {
	key, err := generateKey(algorithm)
	if err != nil {
		return nil, nil, cdaerrors.CertificateGenerationFailed("issuer.key_generation", err)
	}
	der, err := marshalPrivateKey(key)
	if err != nil {
		return nil, nil, cdaerrors.CertificateGenerationFailed("issuer.key_marshal", err)
	}
	blockType := "RSA PRIVATE KEY"
	if _, ok := key.(*ecdsa.PrivateKey); ok {
		blockType = "EC PRIVATE KEY"
	}
	return key, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), nil
}

// classifyHost classifies a SAN host entry as an IP address or hostname.
func classifyHost(host string) (dnsName string, ip net.IP) {
	if parsed := net.ParseIP(host); parsed != nil {
		return "", parsed
	}
	return host, nil
}
