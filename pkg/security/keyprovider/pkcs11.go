package keyprovider

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"io"
	"math/big"
	"net/url"
	"strconv"

	"github.com/miekg/pkcs11"
)

// PKCS11 resolves key material from a hardware security token, addressed by
// a "pkcs11:?slot=0&object=core-ca&pin-value=1234" style URI (RFC 7512-ish
// query parameters rather than the strict RFC grammar, matching the
// HSMConfig shape seen in the pack's mTLS reference material: provider,
// library path, pin, slot id, key id).
type PKCS11 struct {
	libraryPath string
}

// NewPKCS11 builds a PKCS11 provider bound to a PKCS#11 module (.so/.dll).
func NewPKCS11(libraryPath string) *PKCS11 {
	return &PKCS11{libraryPath: libraryPath}
}

type pkcs11Params struct {
	slot   uint
	label  string
	pin    string
}

func parsePKCS11URI(rawURI string) (pkcs11Params, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return pkcs11Params{}, fmt.Errorf("invalid pkcs11 URI %q: %w", rawURI, err)
	}
	q := u.Query()

	var params pkcs11Params
	if s := q.Get("slot"); s != "" {
		slot, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return pkcs11Params{}, fmt.Errorf("invalid slot in pkcs11 URI: %w", err)
		}
		params.slot = uint(slot)
	}
	params.label = q.Get("object")
	params.pin = q.Get("pin-value")
	return params, nil
}

// session opens a logged-in session against the configured token's slot,
// per the standard miekg/pkcs11 sequence: initialize the module, open a
// read-write session, then login with the user PIN when one is given.
func (p *PKCS11) session(params pkcs11Params) (*pkcs11.Ctx, pkcs11.SessionHandle, error) {
	ctx := pkcs11.New(p.libraryPath)
	if ctx == nil {
		return nil, 0, fmt.Errorf("failed to load PKCS#11 module %q", p.libraryPath)
	}
	if err := ctx.Initialize(); err != nil {
		return nil, 0, fmt.Errorf("failed to initialize PKCS#11 module: %w", err)
	}

	session, err := ctx.OpenSession(params.slot, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		ctx.Finalize()
		return nil, 0, fmt.Errorf("failed to open PKCS#11 session: %w", err)
	}

	if params.pin != "" {
		if err := ctx.Login(session, pkcs11.CKU_USER, params.pin); err != nil {
			ctx.CloseSession(session)
			ctx.Finalize()
			return nil, 0, fmt.Errorf("failed to login to PKCS#11 session: %w", err)
		}
	}

	return ctx, session, nil
}

func (p *PKCS11) findObject(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, class uint, label string) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
	}
	if label != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, label))
	}

	if err := ctx.FindObjectsInit(session, template); err != nil {
		return 0, fmt.Errorf("FindObjectsInit failed: %w", err)
	}
	defer ctx.FindObjectsFinal(session)

	objects, _, err := ctx.FindObjects(session, 1)
	if err != nil {
		return 0, fmt.Errorf("FindObjects failed: %w", err)
	}
	if len(objects) == 0 {
		return 0, fmt.Errorf("no PKCS#11 object found for label %q", label)
	}
	return objects[0], nil
}

// LoadPrivateKey finds the private key object matching the URI's object
// label on the token and returns a crypto.Signer backed by the hardware
// module. Signing delegates to the token via pkcsSigner so the raw key
// material never leaves it.
func (p *PKCS11) LoadPrivateKey(uri string) (crypto.Signer, error) {
	params, err := parsePKCS11URI(uri)
	if err != nil {
		return nil, err
	}

	ctx, session, err := p.session(params)
	if err != nil {
		return nil, err
	}

	handle, err := p.findObject(ctx, session, pkcs11.CKO_PRIVATE_KEY, params.label)
	if err != nil {
		ctx.CloseSession(session)
		ctx.Finalize()
		return nil, err
	}

	pub, err := p.loadPublicKey(ctx, session, params.label)
	if err != nil {
		ctx.CloseSession(session)
		ctx.Finalize()
		return nil, err
	}

	return &pkcsSigner{ctx: ctx, session: session, handle: handle, pub: pub}, nil
}

// loadPublicKey reads CKA_MODULUS/CKA_PUBLIC_EXPONENT from the matching
// public key object and reconstructs an *rsa.PublicKey. Tokens provisioned
// with an EC key pair are not supported by this reconstruction path; the
// custom-CA CertificateAuthority.Chain still carries the issued certificate
// with its full public key, so loadCustom only needs this for the signer's
// Public() method.
func (p *PKCS11) loadPublicKey(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, label string) (crypto.PublicKey, error) {
	handle, err := p.findObject(ctx, session, pkcs11.CKO_PUBLIC_KEY, label)
	if err != nil {
		return nil, err
	}

	attrs, err := ctx.GetAttributeValue(session, handle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS, nil),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, nil),
	})
	if err != nil || len(attrs) != 2 {
		return nil, fmt.Errorf("failed to read RSA public key attributes from token: %w", err)
	}

	modulus := new(big.Int).SetBytes(attrs[0].Value)
	exponent := new(big.Int).SetBytes(attrs[1].Value)
	return &rsa.PublicKey{N: modulus, E: int(exponent.Int64())}, nil
}

// pkcsSigner implements crypto.Signer by delegating the sign operation to
// the PKCS#11 token, never exporting the private key.
type pkcsSigner struct {
	ctx     *pkcs11.Ctx
	session pkcs11.SessionHandle
	handle  pkcs11.ObjectHandle
	pub     crypto.PublicKey
}

func (s *pkcsSigner) Public() crypto.PublicKey { return s.pub }

// digestInfoPrefixes are the DER-encoded DigestInfo headers PKCS#1 v1.5
// requires in front of the raw hash. CKM_RSA_PKCS only applies the padding,
// so the prefix must be supplied here or the signature will not verify.
var digestInfoPrefixes = map[crypto.Hash][]byte{
	crypto.SHA256: {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
	crypto.SHA384: {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
	crypto.SHA512: {0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40},
}

func (s *pkcsSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	prefix, ok := digestInfoPrefixes[opts.HashFunc()]
	if !ok {
		return nil, fmt.Errorf("unsupported hash function %v for PKCS#11 signing", opts.HashFunc())
	}
	if len(digest) != opts.HashFunc().Size() {
		return nil, fmt.Errorf("digest length %d does not match hash function %v", len(digest), opts.HashFunc())
	}

	input := make([]byte, 0, len(prefix)+len(digest))
	input = append(input, prefix...)
	input = append(input, digest...)

	mechanism := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)}
	if err := s.ctx.SignInit(s.session, mechanism, s.handle); err != nil {
		return nil, fmt.Errorf("SignInit failed: %w", err)
	}
	return s.ctx.Sign(s.session, input)
}

// LoadCertificateChain delegates to File, since custom-CA certificate
// material is conventionally supplied as a PEM chain on disk even when the
// private key lives in hardware.
func (p *PKCS11) LoadCertificateChain(uri string) ([]*x509.Certificate, error) {
	return (&File{}).LoadCertificateChain(uri)
}
