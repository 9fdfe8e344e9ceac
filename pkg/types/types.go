package types

import (
	"crypto"
	"crypto/x509"
	"time"
)

// CAKind distinguishes a self-managed CA from an externally supplied one.
type CAKind string

const (
	CAKindManaged CAKind = "managed"
	CAKindCustom  CAKind = "custom"
)

// KeyAlgorithm is the signing key algorithm used by a CertificateAuthority
// or a CertificateSubscription's device-local key pair.
type KeyAlgorithm string

const (
	KeyAlgorithmRSA2048   KeyAlgorithm = "RSA-2048"
	KeyAlgorithmECDSAP256 KeyAlgorithm = "ECDSA-P-256"
	KeyAlgorithmRSA4096   KeyAlgorithm = "RSA-4096"
)

// CertificateAuthority is the active signing identity: a private key plus
// its certificate chain, leaf first, root last.
type CertificateAuthority struct {
	Kind         CAKind
	KeyAlgorithm KeyAlgorithm
	PrivateKey   crypto.Signer
	Chain        []*x509.Certificate // chain[0] is the CA leaf, chain[len-1] is the root
	Passphrase   string              // only meaningful for CAKindManaged
}

// Leaf returns the CA's own signing certificate (chain[0]).
func (ca *CertificateAuthority) Leaf() *x509.Certificate {
	if ca == nil || len(ca.Chain) == 0 {
		return nil
	}
	return ca.Chain[0]
}

// Root returns the final certificate in the chain.
func (ca *CertificateAuthority) Root() *x509.Certificate {
	if ca == nil || len(ca.Chain) == 0 {
		return nil
	}
	return ca.Chain[len(ca.Chain)-1]
}

// SubscriptionRole is the role a CertificateSubscription issues leaves for.
type SubscriptionRole string

const (
	SubscriptionRoleClient          SubscriptionRole = "client"
	SubscriptionRoleServer          SubscriptionRole = "server"
	SubscriptionRoleClientAndServer SubscriptionRole = "client-and-server"
)

// IssuedCertificate is an immutable value produced by a single issuance.
type IssuedCertificate struct {
	Leaf           *x509.Certificate
	LeafPEM        []byte
	CAChainAtIssue []*x509.Certificate
	NotBefore      time.Time
	NotAfter       time.Time
	KeyPEM         []byte
}

// CertificateStatus is the identity-registry status of a cached certificate.
type CertificateStatus string

const (
	CertificateStatusUnknown CertificateStatus = "UNKNOWN"
	CertificateStatusActive  CertificateStatus = "ACTIVE"
)

// CertificateRecord is a cached identity-verification decision for a single
// certificate, keyed by its deterministic certificateId.
type CertificateRecord struct {
	CertificateID     string
	Status            CertificateStatus
	StatusLastUpdated time.Time
}

// ThingRecord binds a cloud Thing name to the certificates presently
// attached to it, each with the instant of attachment.
type ThingRecord struct {
	ThingName    string
	Certificates map[string]time.Time // certificateId -> attachedAt
}

// ShadowProcessingTask is one unit of connectivity-shadow work.
type ShadowProcessingTask struct {
	ShadowVersion int64
	CISVersion    string
	DesiredState  map[string]interface{}
}

// Newer reports whether t is strictly newer than other: shadowVersion
// dominates; equal shadowVersion with a different cisVersion also counts as
// newer; exact duplicates are not newer.
func (t ShadowProcessingTask) Newer(other ShadowProcessingTask) bool {
	if t.ShadowVersion != other.ShadowVersion {
		return t.ShadowVersion > other.ShadowVersion
	}
	return t.CISVersion != other.CISVersion
}

// Session is an authenticated context carrying attribute namespaces used by
// policy evaluation (e.g. "Thing" -> {"ThingName": "..."}).
type Session struct {
	ID         string
	Attributes map[string]map[string]string
	CreatedAt  time.Time
}

// AllowAllSessionID is the special pseudo-session that bypasses policy
// evaluation entirely.
const AllowAllSessionID = "ALLOW_ALL"

// Attr returns session attribute namespace.key, or "" if absent.
func (s *Session) Attr(namespace, key string) string {
	if s == nil {
		return ""
	}
	ns, ok := s.Attributes[namespace]
	if !ok {
		return ""
	}
	return ns[key]
}

// IsComponent reports whether this session belongs to a co-located
// Greengrass component certificate, which bypasses policy evaluation.
func (s *Session) IsComponent() bool {
	return s != nil && s.Attributes["Component"] != nil
}

// Permission is a single compiled policy rule.
type Permission struct {
	Principal        string
	Operation        string // "service:action"
	ResourceTemplate string // "service:type:name", may carry ${...} variables
	PolicyVariables  map[string]string
}
