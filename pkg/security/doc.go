/*
Package security implements the client device auth core's certificate
authority lifecycle and leaf issuance: CAStore (managed or custom CA, with
swap semantics), Issuer (client/server leaf issuance), and the AES-256-GCM
helpers that protect a managed CA's private key at rest.

# Certificate Authority

CAStore holds exactly one active CertificateAuthority at a time:

	Managed CA (self-signed)
	├── generated on first use, 5-year validity
	├── RSA-2048/4096 or ECDSA-P-256, selected by the caller
	├── BasicConstraints CA:true, pathLenConstraint=0
	└── Subject: CN=Greengrass Core CA, O=Amazon.com Inc., ...

	Custom CA (externally supplied)
	├── key material resolved via a keyprovider.Provider (file: or pkcs11:)
	└── chain validated: leaf pubkey matches private key, each certificate
	    verified by the next, root trusted implicitly or self-signed

A managed CA's private key is encrypted with AES-256-GCM under a key derived
from its passphrase (DeriveKeyFromPassphrase) before being persisted via
storage.Store.SaveCA/GetCA. The passphrase is either supplied by the caller
or, on first generation, created fresh (GenerateRandomPassphrase, 16 random
printable-ASCII bytes) and returned so the host can persist it alongside the
keystore.

Swap atomically replaces the active CA, emits events.TypeCAChanged on the
bus, and zeroizes the previous private key's underlying big.Int fields.
Concurrent Swap calls are serialized by CAStore's mutex.

# Certificate issuance

Issuer issues leaf certificates signed by a CAStore's current chain:

	IssueClient(subject, pubKey, validity)            -> EKU: ClientAuth
	IssueServer(subject, pubKey, validity, sanHosts)   -> EKU: ServerAuth,
	                                                       SAN: localhost + classified sanHosts

The signature algorithm is chosen from the CA's key type: SHA256WithRSA for
an RSA CA, ECDSAWithSHA256 for an EC one. Serial numbers are uniformly
random 20-byte (160-bit) positive integers.

# Key providers

pkg/security/keyprovider resolves custom-CA key material by URI scheme:
File for local PEM files, PKCS11 for a hardware token via
github.com/miekg/pkcs11. Registry dispatches to whichever provider matches
a URI's scheme.

# See also

  - pkg/storage - CA keystore persistence (bucket "ca")
  - pkg/rotation - subscription-scoped certificate generation using Issuer
  - pkg/verify - identity verification using CAStore.VerifyCertificate
*/
package security
