/*
Package types defines the core data structures shared across the client
device authentication core.

This package contains the domain model every other package builds on: the
certificate authority and its issued certificates, the connectivity-shadow
processing unit, and the session/permission shapes policy evaluation
operates on. These types carry no persistence or network-transport logic of
their own; pkg/storage, pkg/security, and pkg/policy operate on them.

# Core Types

Certificate Authority:
  - CertificateAuthority: the active signing identity (private key + chain)
  - CAKind: managed (self-generated) or custom (operator-supplied)
  - KeyAlgorithm: RSA-2048, RSA-4096, or ECDSA-P-256

Certificate Issuance:
  - IssuedCertificate: the immutable result of a single issuance
  - SubscriptionRole: client, server, or client-and-server

Identity Cache:
  - CertificateRecord: a cached verification decision, keyed by certificateId
  - ThingRecord: the certificates presently attached to a cloud Thing

Connectivity Shadow:
  - ShadowProcessingTask: one unit of shadow-delta/get-accepted work,
    ordered by ShadowVersion then CISVersion via Newer

Policy:
  - Session: an authenticated context carrying attribute namespaces
  - Permission: one compiled rule (principal, operation, resource template)

# Usage

Loading or creating a managed certificate authority:

	ca, err := caStore.LoadOrCreateManaged("", types.KeyAlgorithmRSA2048)
	if err != nil {
		return err
	}
	leaf := ca.Leaf() // ca.Chain[0]

Issuing a client leaf certificate:

	issued, err := issuer.IssueClient("device-42", pubKey, 7*24*time.Hour)
	if err != nil {
		return err
	}
	// issued.Leaf, issued.LeafPEM, issued.CAChainAtIssue

Comparing two shadow tasks for the coalescing queue:

	if next.Newer(pending) {
		pending = next
	}

Evaluating a session attribute:

	thingName := session.Attr("Thing", "ThingName")
	if session.IsComponent() {
		// bypasses policy evaluation entirely
	}

# Design Patterns

Enumeration Pattern:

	All enums use typed string constants:
	  type CAKind string
	  const (
	      CAKindManaged CAKind = "managed"
	      CAKindCustom  CAKind = "custom"
	  )

Value vs. Pointer:
  - CertificateAuthority, IssuedCertificate: always passed by pointer, since
    they embed *x509.Certificate slices and a crypto.Signer
  - ShadowProcessingTask, Session: small enough to pass by value; Session's
    methods use a pointer receiver only to stay nil-safe

# Thread Safety

Types in this package carry no internal locking. A *CertificateAuthority
returned by CAStore.Current() is a point-in-time snapshot; callers must not
mutate it in place. Session and Permission values are treated as immutable
once constructed.
*/
package types
