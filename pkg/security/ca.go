package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cuemby/cda/pkg/cdaerrors"
	"github.com/cuemby/cda/pkg/events"
	"github.com/cuemby/cda/pkg/metrics"
	"github.com/cuemby/cda/pkg/security/keyprovider"
	"github.com/cuemby/cda/pkg/storage"
	"github.com/cuemby/cda/pkg/types"
)

const (
	managedCAValidity = 5 * 365 * 24 * time.Hour
	passphraseLength  = 16
	serialNumberBits  = 160 // 20 bytes
)

var managedCASubject = pkix.Name{
	CommonName:         "Greengrass Core CA",
	Organization:       []string{"Amazon.com Inc."},
	OrganizationalUnit: []string{"Amazon Web Services"},
	Locality:           []string{"Seattle"},
	Province:           []string{"Washington"},
	Country:            []string{"US"},
}

// keystoreRecord is the JSON envelope persisted via Store.SaveCA/GetCA. The
// private key bytes are themselves AES-256-GCM ciphertext (see
// EncryptWithKey), so the envelope as a whole never carries plaintext key
// material.
type keystoreRecord struct {
	Kind         types.CAKind
	KeyAlgorithm types.KeyAlgorithm
	EncryptedKey []byte
	ChainDER     [][]byte
}

// CAStore holds the client device auth core's active signing identity and
// mediates every read (signing) and write (swap) against it.
type CAStore struct {
	mu      sync.RWMutex
	current *types.CertificateAuthority

	store storage.Store
	bus   *events.Bus
}

// NewCAStore constructs an empty CAStore. bus may be nil, in which case
// CAChanged events are not emitted (useful for tests that don't care).
func NewCAStore(store storage.Store, bus *events.Bus) *CAStore {
	return &CAStore{store: store, bus: bus}
}

// Current returns the active CA, or nil if none has been loaded yet.
func (s *CAStore) Current() *types.CertificateAuthority {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// LoadOrCreateManaged loads or creates the managed CA: if a persisted
// keystore decrypts under passphrase and its algorithm matches, the existing
// CA is returned unchanged. Otherwise a fresh self-signed CA is generated,
// re-encrypted under a freshly generated random passphrase, persisted, and
// swapped in. The passphrase actually protecting the returned CA is always
// ca.Passphrase — callers must persist it themselves.
func (s *CAStore) LoadOrCreateManaged(passphrase string, algorithm types.KeyAlgorithm) (*types.CertificateAuthority, error) {
	if existing, err := s.tryLoadManaged(passphrase, algorithm); err == nil && existing != nil {
		return existing, nil
	}

	newPassphrase, err := GenerateRandomPassphrase(passphraseLength)
	if err != nil {
		return nil, cdaerrors.InvalidCertificateAuthority("ca.passphrase.generate", err)
	}

	ca, err := generateManagedCA(algorithm, newPassphrase)
	if err != nil {
		return nil, cdaerrors.InvalidCertificateAuthority("ca.generate", err)
	}

	if err := s.persist(ca); err != nil {
		return nil, cdaerrors.InvalidCertificateAuthority("ca.persist", err)
	}

	if err := s.swapLocked(ca); err != nil {
		return nil, err
	}
	return ca, nil
}

// tryLoadManaged attempts to decrypt the persisted keystore under passphrase
// and returns it only if its algorithm matches. Any failure (no keystore
// yet, wrong passphrase, algorithm mismatch) is reported via a non-nil error
// so the caller falls back to generation — this is not itself fatal.
func (s *CAStore) tryLoadManaged(passphrase string, algorithm types.KeyAlgorithm) (*types.CertificateAuthority, error) {
	raw, err := s.store.GetCA()
	if err != nil {
		return nil, err
	}

	var rec keystoreRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	if rec.Kind != types.CAKindManaged || rec.KeyAlgorithm != algorithm {
		return nil, fmt.Errorf("keystore kind/algorithm mismatch")
	}

	key := DeriveKeyFromPassphrase(passphrase)
	keyDER, err := DecryptWithKey(key, rec.EncryptedKey)
	if err != nil {
		return nil, err
	}

	signer, err := parsePrivateKey(rec.KeyAlgorithm, keyDER)
	if err != nil {
		return nil, err
	}

	chain := make([]*x509.Certificate, 0, len(rec.ChainDER))
	for _, der := range rec.ChainDER {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, err
		}
		chain = append(chain, cert)
	}

	ca := &types.CertificateAuthority{
		Kind:         types.CAKindManaged,
		KeyAlgorithm: rec.KeyAlgorithm,
		PrivateKey:   signer,
		Chain:        chain,
		Passphrase:   passphrase,
	}

	s.mu.Lock()
	s.current = ca
	s.mu.Unlock()

	return ca, nil
}

// LoadCustom loads an externally supplied CA: key material is resolved through
// an abstract keyprovider.Provider selected by the URI scheme, then the
// chain is validated: the leaf public key must match the private key, each
// intermediate must be signature-verified by the next, and the root may be
// self-signed or trusted implicitly.
func (s *CAStore) LoadCustom(provider keyprovider.Provider, privateKeyURI, certificateURI string) (*types.CertificateAuthority, error) {
	signer, err := provider.LoadPrivateKey(privateKeyURI)
	if err != nil {
		return nil, cdaerrors.InvalidCertificateAuthority("ca.custom.key", err)
	}

	chain, err := provider.LoadCertificateChain(certificateURI)
	if err != nil {
		return nil, cdaerrors.InvalidCertificateAuthority("ca.custom.chain", err)
	}
	if len(chain) == 0 {
		return nil, cdaerrors.InvalidCertificateAuthority("ca.custom.chain", fmt.Errorf("empty certificate chain"))
	}

	if err := validateChain(chain, signer.Public()); err != nil {
		return nil, cdaerrors.InvalidCertificateAuthority("ca.custom.validate", err)
	}

	algorithm, err := algorithmOf(signer)
	if err != nil {
		return nil, cdaerrors.InvalidCertificateAuthority("ca.custom.algorithm", err)
	}

	ca := &types.CertificateAuthority{
		Kind:         types.CAKindCustom,
		KeyAlgorithm: algorithm,
		PrivateKey:   signer,
		Chain:        chain,
	}

	if err := s.swapLocked(ca); err != nil {
		return nil, err
	}
	return ca, nil
}

// validateChain checks leaf.PublicKey == leafPub and that each certificate
// in positions 1..n-1 is signature-verified by the next; the final
// certificate may be self-signed or trusted implicitly when supplied.
func validateChain(chain []*x509.Certificate, leafPub crypto.PublicKey) error {
	leaf := chain[0]
	if !publicKeysEqual(leaf.PublicKey, leafPub) {
		return fmt.Errorf("leaf public key does not match supplied private key")
	}

	for i := 0; i < len(chain)-1; i++ {
		cur, next := chain[i], chain[i+1]
		if err := cur.CheckSignatureFrom(next); err != nil {
			return fmt.Errorf("certificate %d not signed by certificate %d: %w", i, i+1, err)
		}
	}

	// The final certificate is accepted whether or not it happens to be
	// self-signed: an externally supplied root is trusted implicitly.
	return nil
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	switch ak := a.(type) {
	case *rsa.PublicKey:
		bk, ok := b.(*rsa.PublicKey)
		return ok && ak.Equal(bk)
	case *ecdsa.PublicKey:
		bk, ok := b.(*ecdsa.PublicKey)
		return ok && ak.Equal(bk)
	default:
		return false
	}
}

// CACertificates returns the chain, PEM-encoded, leaf first.
func (s *CAStore) CACertificates() ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil, cdaerrors.InvalidCertificateAuthority("ca.not_loaded", fmt.Errorf("no CA loaded"))
	}
	out := make([][]byte, 0, len(s.current.Chain))
	for _, cert := range s.current.Chain {
		out = append(out, encodeCertPEM(cert))
	}
	return out, nil
}

// Swap atomically replaces the active CA, emits CAChanged, and zeroizes the
// previous private key's byte representation before returning. Concurrent
// Swap calls are serialized by s.mu.
func (s *CAStore) Swap(newCA *types.CertificateAuthority) error {
	return s.swapLocked(newCA)
}

func (s *CAStore) swapLocked(newCA *types.CertificateAuthority) error {
	s.mu.Lock()
	previous := s.current
	s.current = newCA
	s.mu.Unlock()

	metrics.CASwapsTotal.Inc()
	metrics.CAActiveKind.WithLabelValues(string(types.CAKindManaged)).Set(0)
	metrics.CAActiveKind.WithLabelValues(string(types.CAKindCustom)).Set(0)
	metrics.CAActiveKind.WithLabelValues(string(newCA.Kind)).Set(1)

	if s.bus != nil {
		s.bus.Emit(events.Event{
			Type:    events.TypeCAChanged,
			Message: "certificate authority swapped",
		})
	}

	zeroizeSigner(previous)
	return nil
}

// zeroizeSigner best-effort scrubs the raw key material of an RSA or ECDSA
// private key. crypto.Signer exposes no generic way to do this, so this
// type-switches on the two concrete key types the store generates/loads.
func zeroizeSigner(ca *types.CertificateAuthority) {
	if ca == nil {
		return
	}
	switch k := ca.PrivateKey.(type) {
	case *rsa.PrivateKey:
		k.D.SetInt64(0)
		for _, p := range k.Primes {
			p.SetInt64(0)
		}
	case *ecdsa.PrivateKey:
		k.D.SetInt64(0)
	}
}

func (s *CAStore) persist(ca *types.CertificateAuthority) error {
	keyDER, err := marshalPrivateKey(ca.PrivateKey)
	if err != nil {
		return err
	}

	key := DeriveKeyFromPassphrase(ca.Passphrase)
	encryptedKey, err := EncryptWithKey(key, keyDER)
	if err != nil {
		return err
	}

	chainDER := make([][]byte, 0, len(ca.Chain))
	for _, cert := range ca.Chain {
		chainDER = append(chainDER, cert.Raw)
	}

	rec := keystoreRecord{
		Kind:         ca.Kind,
		KeyAlgorithm: ca.KeyAlgorithm,
		EncryptedKey: encryptedKey,
		ChainDER:     chainDER,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.store.SaveCA(data)
}

func generateManagedCA(algorithm types.KeyAlgorithm, passphrase string) (*types.CertificateAuthority, error) {
	signer, err := generateKey(algorithm)
	if err != nil {
		return nil, err
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               managedCASubject,
		Issuer:                managedCASubject,
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(managedCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, signer.Public(), signer)
	if err != nil {
		return nil, fmt.Errorf("failed to self-sign managed CA: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	return &types.CertificateAuthority{
		Kind:         types.CAKindManaged,
		KeyAlgorithm: algorithm,
		PrivateKey:   signer,
		Chain:        []*x509.Certificate{cert},
		Passphrase:   passphrase,
	}, nil
}

func generateKey(algorithm types.KeyAlgorithm) (crypto.Signer, error) {
	switch algorithm {
	case types.KeyAlgorithmRSA2048:
		return rsa.GenerateKey(rand.Reader, 2048)
	case types.KeyAlgorithmRSA4096:
		return rsa.GenerateKey(rand.Reader, 4096)
	case types.KeyAlgorithmECDSAP256:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported key algorithm %q", algorithm)
	}
}

func algorithmOf(signer crypto.Signer) (types.KeyAlgorithm, error) {
	switch k := signer.(type) {
	case *rsa.PrivateKey:
		if k.N.BitLen() > 2048 {
			return types.KeyAlgorithmRSA4096, nil
		}
		return types.KeyAlgorithmRSA2048, nil
	case *ecdsa.PrivateKey:
		return types.KeyAlgorithmECDSAP256, nil
	default:
		return "", fmt.Errorf("unsupported private key type %T", signer)
	}
}

func marshalPrivateKey(signer crypto.Signer) ([]byte, error) {
	switch k := signer.(type) {
	case *rsa.PrivateKey:
		return x509.MarshalPKCS1PrivateKey(k), nil
	case *ecdsa.PrivateKey:
		return x509.MarshalECPrivateKey(k)
	default:
		return nil, fmt.Errorf("unsupported private key type %T", signer)
	}
}

func parsePrivateKey(algorithm types.KeyAlgorithm, der []byte) (crypto.Signer, error) {
	switch algorithm {
	case types.KeyAlgorithmRSA2048, types.KeyAlgorithmRSA4096:
		return x509.ParsePKCS1PrivateKey(der)
	case types.KeyAlgorithmECDSAP256:
		return x509.ParseECPrivateKey(der)
	default:
		return nil, fmt.Errorf("unsupported key algorithm %q", algorithm)
	}
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), serialNumberBits)
	return rand.Int(rand.Reader, limit)
}

// SignLeaf signs template for subjectPublicKey under the active CA, holding
// the CA read lock for the whole signing operation so a concurrent Swap
// cannot zeroize the key mid-signature. The signature algorithm is picked
// from the CA key type. Returns the leaf DER plus a snapshot of the chain at
// issue time, leaf first.
func (s *CAStore) SignLeaf(template *x509.Certificate, subjectPublicKey crypto.PublicKey) ([]byte, []*x509.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ca := s.current
	if ca == nil {
		return nil, nil, cdaerrors.InvalidCertificateAuthority("ca.not_loaded", fmt.Errorf("no CA loaded"))
	}

	switch ca.PrivateKey.(type) {
	case *rsa.PrivateKey:
		template.SignatureAlgorithm = x509.SHA256WithRSA
	case *ecdsa.PrivateKey:
		template.SignatureAlgorithm = x509.ECDSAWithSHA256
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.Leaf(), subjectPublicKey, ca.PrivateKey)
	if err != nil {
		return nil, nil, err
	}

	chainAtIssue := make([]*x509.Certificate, len(ca.Chain))
	copy(chainAtIssue, ca.Chain)
	return der, chainAtIssue, nil
}

// VerifyCertificate checks cert against the active CA's chain, the local
// fast path of identity verification. Revocation is deliberately not
// checked.
func (s *CAStore) VerifyCertificate(cert *x509.Certificate) error {
	s.mu.RLock()
	ca := s.current
	s.mu.RUnlock()
	if ca == nil {
		return cdaerrors.InvalidCertificateAuthority("ca.not_loaded", fmt.Errorf("no CA loaded"))
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca.Root())

	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return cdaerrors.InvalidCertificate("ca.verify", err)
	}
	return nil
}
